package push

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/claude-remote/internal/metrics"
	"github.com/p-blackswan/claude-remote/internal/store"
)

const (
	// sendTimeout bounds one notification fan-out across all subscriptions.
	sendTimeout = 10 * time.Second

	// defaultTTL is how long the push service may hold an undelivered
	// notification. A day-old job completion is not worth waking a phone for.
	defaultTTL = 24 * time.Hour

	// maxBodyLen keeps error details from blowing up the notification body.
	maxBodyLen = 200
)

// notification is the JSON payload the client's service worker displays.
type notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// Dispatcher fans job outcomes out to every stored push subscription. It
// satisfies job.Notifier.
type Dispatcher struct {
	store      *store.Store
	client     *http.Client
	keys       store.VAPIDKeys
	signer     *ecdsa.PrivateKey
	subscriber string
	publicURL  string
	ttl        time.Duration
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewDispatcher loads or mints the VAPID key pair and returns a dispatcher
// ready to send. publicURL is used both as the VAPID subscriber claim (when
// https) and to build the URL a tapped notification opens.
func NewDispatcher(st *store.Store, publicURL string, m *metrics.Metrics, logger zerolog.Logger) (*Dispatcher, error) {
	keys, err := EnsureVAPIDKeys(st)
	if err != nil {
		return nil, err
	}
	signer, err := signingKey(keys)
	if err != nil {
		return nil, err
	}

	// Push services require the subscriber claim to be https or mailto.
	subscriber := "mailto:admin@localhost"
	if strings.HasPrefix(publicURL, "https:") {
		subscriber = publicURL
	}

	return &Dispatcher{
		store:      st,
		client:     &http.Client{Timeout: sendTimeout},
		keys:       keys,
		signer:     signer,
		subscriber: subscriber,
		publicURL:  strings.TrimRight(publicURL, "/"),
		ttl:        defaultTTL,
		metrics:    m,
		logger:     logger.With().Str("component", "push").Logger(),
	}, nil
}

// PublicKey returns the base64 raw-url encoded VAPID public key, the value a
// client passes to PushManager.subscribe as applicationServerKey.
func (d *Dispatcher) PublicKey() string {
	return d.keys.PublicKey
}

// NotifyCompletion sends a completion notice for one finished job to every
// subscription. Gone subscriptions are pruned; other failures are logged and
// the subscription kept for the next attempt.
func (d *Dispatcher) NotifyCompletion(projectID, projectName string, ok bool, detail string) {
	subs, err := d.store.Subscriptions()
	if err != nil {
		d.logger.Error().Err(err).Msg("loading push subscriptions")
		return
	}
	if len(subs) == 0 {
		return
	}

	title := "Task completed"
	body := projectName
	if !ok {
		title = "Task failed"
		if detail != "" {
			body = truncateBody(fmt.Sprintf("%s: %s", projectName, detail))
		}
	}
	payload, err := json.Marshal(notification{
		Title: title,
		Body:  body,
		URL:   d.projectURL(projectID),
	})
	if err != nil {
		d.logger.Error().Err(err).Msg("encoding notification")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	for _, sub := range subs {
		err := d.send(ctx, sub, payload)
		switch {
		case err == nil:
			d.recordPush("ok")
		case errors.Is(err, ErrGone):
			d.recordPush("gone")
			d.logger.Info().
				Str("device_id", sub.DeviceID).
				Msg("subscription gone, removing")
			if err := d.store.RemoveSubscriptionByEndpoint(sub.Endpoint); err != nil {
				d.logger.Error().Err(err).Msg("removing gone subscription")
			}
		default:
			d.recordPush("error")
			d.logger.Warn().
				Err(err).
				Str("device_id", sub.DeviceID).
				Msg("push delivery failed")
		}
	}
}

func (d *Dispatcher) projectURL(projectID string) string {
	if d.publicURL == "" {
		return ""
	}
	return d.publicURL + "/?project=" + url.QueryEscape(projectID)
}

func (d *Dispatcher) recordPush(result string) {
	if d.metrics != nil {
		d.metrics.RecordPush(result)
	}
}

func truncateBody(s string) string {
	if len(s) <= maxBodyLen {
		return s
	}
	return s[:maxBodyLen] + "..."
}
