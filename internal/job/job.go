package job

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/claude-remote/internal/store"
)

// baseAgentArgs put the agent in non-interactive mode with newline-delimited
// JSON on stdout.
var baseAgentArgs = []string{"--print", "--verbose", "--output-format", "stream-json"}

// maxLineBytes bounds a single agent output line; tool results can be large.
const maxLineBytes = 10 * 1024 * 1024

type cmdKind int

const (
	cmdSubscribe cmdKind = iota
	cmdAttach
	cmdUnsubscribe
	cmdCancel
	cmdReplay
)

// jobCommand is a control message posted into a job's run goroutine.
type jobCommand struct {
	kind     cmdKind
	client   Client
	clientID string
	reply    chan Replay
}

// streamLine is one line read from the agent, tagged with its source stream.
type streamLine struct {
	text   string
	stderr bool
}

// activeJob is one running agent subprocess. Everything below the marker
// comment is owned by the run goroutine; other goroutines interact through
// the commands channel and observe the finished signal.
type activeJob struct {
	id          string
	projectID   string
	projectName string
	path        string
	prompt      string
	resumeID    string

	mgr *Manager
	log zerolog.Logger

	commands   chan jobCommand
	finished   chan struct{}
	output     chan struct{} // closed on the first byte from either stream
	outputOnce sync.Once
	proc       atomic.Pointer[os.Process]

	// run goroutine state.
	subscribers   map[string]Client
	thinking      strings.Builder
	text          strings.Builder
	chunker       chunker
	activity      []store.ActivityEntry
	sessionID     string
	sawResult     bool
	cancelled     bool
	watchdogFired bool
	lastStderr    string
	startedAt     time.Time
}

func newActiveJob(m *Manager, projectID, projectName, path, prompt, resumeID string, clients []Client) *activeJob {
	j := &activeJob{
		id:          uuid.New().String(),
		projectID:   projectID,
		projectName: projectName,
		path:        path,
		prompt:      prompt,
		resumeID:    resumeID,
		mgr:         m,
		commands:    make(chan jobCommand, 16),
		finished:    make(chan struct{}),
		output:      make(chan struct{}),
		subscribers: make(map[string]Client, len(clients)),
	}
	j.log = m.logger.With().Str("job_id", j.id).Str("project_id", projectID).Logger()
	for _, c := range clients {
		j.subscribers[c.ID()] = c
	}
	return j
}

// args builds the agent command line: base flags, configured extras, the
// resume handle when a prior session exists, and finally the prompt.
func (j *activeJob) args() []string {
	args := make([]string, 0, len(baseAgentArgs)+len(j.mgr.cfg.AgentArgs)+3)
	args = append(args, baseAgentArgs...)
	args = append(args, j.mgr.cfg.AgentArgs...)
	if j.resumeID != "" {
		args = append(args, "--resume", j.resumeID)
	}
	return append(args, j.prompt)
}

// run owns the job from spawn to terminal state. It is the only goroutine
// that touches the buffers, the chunker and the subscriber set.
func (j *activeJob) run() {
	j.startedAt = j.mgr.clock.Now().UTC()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(ctx, j.mgr.cfg.AgentBin, j.args()...)
	cmd.Dir = j.path

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		j.fail(fmt.Errorf("stdout pipe: %w", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		j.fail(fmt.Errorf("stderr pipe: %w", err))
		return
	}
	if err := cmd.Start(); err != nil {
		j.fail(fmt.Errorf("starting %s: %w", j.mgr.cfg.AgentBin, err))
		return
	}
	j.proc.Store(cmd.Process)
	j.log.Info().Int("pid", cmd.Process.Pid).Str("dir", j.path).Msg("agent spawned")

	lines := make(chan streamLine, 64)
	var readers sync.WaitGroup
	readers.Add(2)
	go j.readStream(&readers, stdout, false, lines)
	go j.readStream(&readers, stderr, true, lines)

	// Wait must run after both pipe readers are done with the pipes.
	exit := make(chan error, 1)
	go func() {
		readers.Wait()
		close(lines)
		exit <- cmd.Wait()
	}()

	watchdog := j.mgr.clock.NewTimer(j.mgr.cfg.WatchdogTimeout)
	defer watchdog.Stop()

	var graceTimer clockwork.Timer
	var graceCh <-chan time.Time
	defer func() {
		if graceTimer != nil {
			graceTimer.Stop()
		}
	}()

	output := j.output
	var (
		exited  bool
		exitErr error
	)
	for !exited || lines != nil {
		select {
		case <-output:
			output = nil
			watchdog.Stop()

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			j.handleLine(line)

		case <-watchdog.Chan():
			if output == nil {
				continue // already producing, stale fire
			}
			select {
			case <-output:
				output = nil
				continue // first byte won the race
			default:
			}
			j.watchdogFired = true
			j.log.Warn().Dur("timeout", j.mgr.cfg.WatchdogTimeout).Msg("no agent output, killing")
			_ = cmd.Process.Kill()

		case c := <-j.commands:
			if j.handleCommand(c, exited) && graceTimer == nil {
				j.log.Info().Msg("cancel requested, terminating agent")
				_ = cmd.Process.Signal(syscall.SIGTERM)
				graceTimer = j.mgr.clock.NewTimer(j.mgr.cfg.CancelGrace)
				graceCh = graceTimer.Chan()
			}

		case <-graceCh:
			graceCh = nil
			j.log.Warn().Dur("grace", j.mgr.cfg.CancelGrace).Msg("cancel grace expired, killing")
			_ = cmd.Process.Kill()

		case err := <-exit:
			exited = true
			exitErr = err
		}
	}

	j.finish(exitErr)
}

// handleCommand processes one control message. It reports whether a cancel
// was newly requested, so run can signal the process and arm the kill timer.
func (j *activeJob) handleCommand(c jobCommand, exited bool) bool {
	switch c.kind {
	case cmdSubscribe:
		j.subscribers[c.client.ID()] = c.client

	case cmdAttach:
		c.client.Send(Event{Type: EventRestore, ProjectID: j.projectID, Replay: j.snapshot()})
		j.subscribers[c.client.ID()] = c.client

	case cmdUnsubscribe:
		delete(j.subscribers, c.clientID)

	case cmdReplay:
		c.reply <- *j.snapshot()

	case cmdCancel:
		if j.cancelled || exited {
			return false
		}
		j.cancelled = true
		return true
	}
	return false
}

// handleLine routes one output line. stderr lines become non-terminal error
// deltas; stdout lines are parsed as agent JSON, and unparseable ones are
// dropped.
func (j *activeJob) handleLine(line streamLine) {
	text := strings.TrimSpace(line.text)
	if text == "" {
		return
	}

	if line.stderr {
		j.lastStderr = text
		j.emit(Event{Type: EventError, Err: text})
		return
	}

	deltas, err := parseLine([]byte(text))
	if err != nil {
		j.log.Debug().Err(err).Str("line", truncate(text, 200)).Msg("dropping unparseable agent line")
		return
	}
	for _, d := range deltas {
		j.applyDelta(d)
	}
}

// applyDelta folds one parsed delta into the buffers and fans it out.
func (j *activeJob) applyDelta(d delta) {
	if j.mgr.metrics != nil {
		j.mgr.metrics.RecordDelta(string(d.kind))
	}

	switch d.kind {
	case deltaSession:
		j.sessionID = d.sessionID
		if err := j.mgr.store.SetAgentSessionID(j.projectID, d.sessionID); err != nil {
			j.log.Warn().Err(err).Msg("persisting agent session id")
		}

	case deltaThinking:
		if d.text == "" {
			return
		}
		j.thinking.WriteString(d.text)
		j.chunker.noteOther()
		j.emit(Event{Type: EventThinking, Text: d.text})

	case deltaText:
		if d.text == "" {
			return
		}
		j.text.WriteString(d.text)
		j.chunker.feed(d.text)
		j.emit(Event{Type: EventText, Text: d.text})

	case deltaToolUse:
		j.chunker.noteToolUse(d.tool)
		j.activity = append(j.activity, store.ActivityEntry{Type: "tool_use", Payload: d.raw, At: j.mgr.clock.Now().UTC()})
		j.emit(Event{Type: EventToolUse, ToolUse: d.raw})

	case deltaToolResult:
		j.chunker.noteOther()
		j.activity = append(j.activity, store.ActivityEntry{Type: "tool_result", Payload: d.raw, At: j.mgr.clock.Now().UTC()})
		j.emit(Event{Type: EventToolResult, ToolResult: d.raw})

	case deltaResult:
		j.sawResult = true
	}
}

// emit fans one event out to every subscriber. Send never blocks: a client
// with a full buffer loses the event and is healed by replay later.
func (j *activeJob) emit(ev Event) {
	ev.ProjectID = j.projectID
	for id, c := range j.subscribers {
		if !c.Send(ev) {
			j.log.Debug().Str("client_id", id).Str("event", string(ev.Type)).Msg("client buffer full, event dropped")
		}
	}
}

// snapshot copies the in-flight buffers for replay.
func (j *activeJob) snapshot() *Replay {
	activity := make([]store.ActivityEntry, len(j.activity))
	copy(activity, j.activity)
	return &Replay{
		Thinking: j.thinking.String(),
		Text:     j.text.String(),
		Activity: activity,
	}
}

// finish runs the terminal sequence: classify the outcome, persist the
// assistant turn, emit the terminal frames, notify push, release the slot.
// Persisting before emitting done means a client that saw done can trust the
// conversation file.
func (j *activeJob) finish(exitErr error) {
	status := store.StatusCompleted
	var errText string
	switch {
	case j.cancelled:
		status = store.StatusCancelled
	case j.watchdogFired:
		status = store.StatusError
		errText = "no output"
	case j.sawResult || exitErr == nil:
		// completed, even on a nonzero exit after an explicit result line
	default:
		status = store.StatusError
		errText = fmt.Sprintf("agent failed: %v", exitErr)
		if j.lastStderr != "" {
			errText = fmt.Sprintf("%s (stderr: %s)", errText, truncate(j.lastStderr, 500))
		}
	}

	completedAt := j.mgr.clock.Now().UTC()
	msg := store.Message{
		Role:        store.RoleAssistant,
		Text:        j.text.String(),
		Task:        j.prompt,
		Chunks:      j.chunker.chunks,
		Thinking:    j.thinking.String(),
		Activity:    j.activity,
		Status:      status,
		Error:       errText,
		StartedAt:   &j.startedAt,
		CompletedAt: &completedAt,
	}
	if err := j.mgr.store.AppendMessage(j.projectID, msg); err != nil {
		j.log.Error().Err(err).Msg("persisting assistant message")
	}

	if errText != "" {
		j.emit(Event{Type: EventError, Err: errText})
	}
	j.emit(Event{Type: EventDone, Status: status})

	if j.mgr.notifier != nil && status != store.StatusCancelled {
		go j.mgr.notifier.NotifyCompletion(j.projectID, j.projectName, status == store.StatusCompleted, errText)
	}

	j.log.Info().
		Str("status", status).
		Str("session_id", j.sessionID).
		Dur("duration", j.mgr.clock.Since(j.startedAt)).
		Int("chunks", len(j.chunker.chunks)).
		Int("activity", len(j.activity)).
		Msg("job finished")

	j.mgr.jobDone(j, status)
}

// fail handles a job whose process never started: subscribers get an error
// and a done, the slot is freed, and nothing is persisted beyond the user
// message Submit already recorded.
func (j *activeJob) fail(err error) {
	j.log.Error().Err(err).Msg("agent spawn failed")
	j.emit(Event{Type: EventError, Err: err.Error()})
	j.emit(Event{Type: EventDone, Status: store.StatusError})
	j.mgr.jobDone(j, store.StatusError)
}

// readStream forwards one output stream line by line. The first byte from
// either stream closes the output channel, which disarms the watchdog.
func (j *activeJob) readStream(wg *sync.WaitGroup, r io.Reader, stderr bool, lines chan<- streamLine) {
	defer wg.Done()

	scanner := bufio.NewScanner(&markReader{r: r, mark: j.markOutput})
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		lines <- streamLine{text: scanner.Text(), stderr: stderr}
	}
	if err := scanner.Err(); err != nil {
		j.log.Debug().Err(err).Bool("stderr", stderr).Msg("agent stream closed")
	}
}

func (j *activeJob) markOutput() {
	j.outputOnce.Do(func() { close(j.output) })
}

// post delivers a control message unless the job already finished.
func (j *activeJob) post(c jobCommand) bool {
	select {
	case j.commands <- c:
		return true
	case <-j.finished:
		return false
	}
}

// replay synchronously snapshots the in-flight buffers.
func (j *activeJob) replay() (Replay, bool) {
	reply := make(chan Replay, 1)
	if !j.post(jobCommand{kind: cmdReplay, reply: reply}) {
		return Replay{}, false
	}
	select {
	case r := <-reply:
		return r, true
	case <-j.finished:
		return Replay{}, false
	}
}

// kill force-kills the agent process, if one is running.
func (j *activeJob) kill() {
	if p := j.proc.Load(); p != nil {
		_ = p.Kill()
	}
}

// markReader mirrors reads and reports the first delivered byte.
type markReader struct {
	r    io.Reader
	mark func()
}

func (m *markReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		m.mark()
	}
	return n, err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
