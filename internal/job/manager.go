package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/claude-remote/internal/metrics"
	"github.com/p-blackswan/claude-remote/internal/store"
)

// ErrBusy is returned by Submit while the project already has a running job.
var ErrBusy = errors.New("job: project already has an active job")

// ProjectResolver maps a project id to its directory on disk and its display
// name. The display name is used in push notifications.
type ProjectResolver interface {
	ResolveProject(ctx context.Context, id string) (path, name string, err error)
}

// Config holds job manager settings.
type Config struct {
	// AgentBin is the agent executable, resolved via PATH when relative.
	AgentBin string

	// AgentArgs are extra arguments appended after the base flags.
	AgentArgs []string

	// WatchdogTimeout kills a job that produced no output at all. The first
	// byte on stdout or stderr disarms it.
	WatchdogTimeout time.Duration

	// CancelGrace is how long a cancelled agent gets to exit on its own
	// before it is killed.
	CancelGrace time.Duration

	// Clock is injectable for tests; nil means the real clock.
	Clock clockwork.Clock
}

// Manager runs at most one agent job per project. The jobs map is guarded by
// a mutex held only for slot lookup and insert; everything inside a job is
// owned by that job's run goroutine and reached through its command channel.
type Manager struct {
	cfg      Config
	store    *store.Store
	resolver ProjectResolver
	metrics  *metrics.Metrics
	notifier Notifier
	clock    clockwork.Clock
	logger   zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*activeJob
	wg   sync.WaitGroup
}

// NewManager creates a job manager. The metrics collector may be nil.
func NewManager(cfg Config, st *store.Store, resolver ProjectResolver, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	if cfg.AgentBin == "" {
		cfg.AgentBin = "claude"
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = 10 * time.Second
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &Manager{
		cfg:      cfg,
		store:    st,
		resolver: resolver,
		metrics:  m,
		clock:    cfg.Clock,
		logger:   logger.With().Str("component", "job_manager").Logger(),
		jobs:     make(map[string]*activeJob),
	}
}

// SetNotifier sets the push notifier called on terminal job states.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// Submit records the prompt as a user message and spawns an agent job for the
// project, resuming the stored agent session when one exists. The given
// clients form the initial fan-out set. Returns ErrBusy while a job is
// already running for the project.
func (m *Manager) Submit(ctx context.Context, projectID, prompt string, clients []Client) error {
	path, name, err := m.resolver.ResolveProject(ctx, projectID)
	if err != nil {
		return err
	}

	conv, err := m.store.Conversation(projectID)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}

	m.mu.Lock()
	if _, exists := m.jobs[projectID]; exists {
		m.mu.Unlock()
		return ErrBusy
	}
	j := newActiveJob(m, projectID, name, path, prompt, conv.AgentSessionID, clients)
	m.jobs[projectID] = j
	m.mu.Unlock()

	if err := m.store.AppendMessage(projectID, store.Message{Role: store.RoleUser, Text: prompt}); err != nil {
		m.mu.Lock()
		delete(m.jobs, projectID)
		m.mu.Unlock()
		return fmt.Errorf("recording prompt: %w", err)
	}

	if m.metrics != nil {
		m.metrics.JobsActive.Inc()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		j.run()
	}()

	m.logger.Info().
		Str("job_id", j.id).
		Str("project_id", projectID).
		Bool("resume", conv.AgentSessionID != "").
		Msg("job submitted")
	return nil
}

// Cancel requests cooperative cancellation of the project's running job and
// reports whether one was found. Cancelling an idle project is a no-op.
func (m *Manager) Cancel(projectID string) bool {
	j := m.lookup(projectID)
	if j == nil {
		return false
	}
	j.post(jobCommand{kind: cmdCancel})
	return true
}

// Subscribe adds a client to the project's fan-out set. Nothing is replayed;
// the client only sees deltas from here on.
func (m *Manager) Subscribe(projectID string, c Client) {
	if j := m.lookup(projectID); j != nil {
		j.post(jobCommand{kind: cmdSubscribe, client: c})
	}
}

// SubscribeWithReplay sends the client one streaming_restore snapshot of the
// in-flight buffers and then adds it to the fan-out set. Both happen in the
// job's own goroutine, so no delta can fall between snapshot and
// subscription. Reports whether a job was active.
func (m *Manager) SubscribeWithReplay(projectID string, c Client) bool {
	j := m.lookup(projectID)
	if j == nil {
		return false
	}
	return j.post(jobCommand{kind: cmdAttach, client: c})
}

// Unsubscribe removes a client from the project's fan-out set.
func (m *Manager) Unsubscribe(projectID, clientID string) {
	if j := m.lookup(projectID); j != nil {
		j.post(jobCommand{kind: cmdUnsubscribe, clientID: clientID})
	}
}

// UnsubscribeAll detaches a client from every active job, typically on
// disconnect. The jobs keep running.
func (m *Manager) UnsubscribeAll(clientID string) {
	m.mu.Lock()
	jobs := make([]*activeJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	for _, j := range jobs {
		j.post(jobCommand{kind: cmdUnsubscribe, clientID: clientID})
	}
}

// GetReplay snapshots the in-flight buffers of the project's running job,
// with ok=false when none is running.
func (m *Manager) GetReplay(projectID string) (Replay, bool) {
	j := m.lookup(projectID)
	if j == nil {
		return Replay{}, false
	}
	return j.replay()
}

// ActiveProjects lists the ids of all projects with a running job, sorted.
func (m *Manager) ActiveProjects() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Shutdown cancels every running job and waits for the run goroutines to
// finish. When the context expires first, remaining processes are killed and
// the context error is returned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	jobs := make([]*activeJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	for _, j := range jobs {
		j.post(jobCommand{kind: cmdCancel})
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, j := range jobs {
			j.kill()
		}
		return ctx.Err()
	}
}

func (m *Manager) lookup(projectID string) *activeJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[projectID]
}

// jobDone releases the project slot and records the terminal metrics. Called
// exactly once per job, from its run goroutine.
func (m *Manager) jobDone(j *activeJob, status string) {
	if m.metrics != nil {
		m.metrics.JobsActive.Dec()
		m.metrics.RecordJob(status, m.clock.Since(j.startedAt).Seconds())
	}

	m.mu.Lock()
	delete(m.jobs, j.projectID)
	m.mu.Unlock()

	close(j.finished)
}
