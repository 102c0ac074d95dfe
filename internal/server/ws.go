package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/claude-remote/internal/envelope"
	"github.com/p-blackswan/claude-remote/internal/job"
	"github.com/p-blackswan/claude-remote/internal/metrics"
	"github.com/p-blackswan/claude-remote/internal/store"
)

const (
	// sendBuffer bounds the per-connection outbound queue. Deltas beyond it
	// are dropped; the job's replay buffer stays authoritative.
	sendBuffer = 256

	// writeWait bounds a single socket write so one dead peer cannot wedge
	// its writer goroutine.
	writeWait = 10 * time.Second
)

// clientFrame is one decrypted inbound message.
type clientFrame struct {
	Type      string                  `json:"type"`
	Pin       string                  `json:"pin,omitempty"`
	Text      string                  `json:"text,omitempty"`
	ProjectID string                  `json:"projectId,omitempty"`
	Endpoint  string                  `json:"endpoint,omitempty"`
	Keys      *store.SubscriptionKeys `json:"keys,omitempty"`
}

// serverFrame is the generic outbound message before encryption.
type serverFrame struct {
	Type       string          `json:"type"`
	ProjectID  string          `json:"projectId,omitempty"`
	Text       string          `json:"text,omitempty"`
	ToolUse    json.RawMessage `json:"toolUse,omitempty"`
	ToolResult json.RawMessage `json:"toolResult,omitempty"`
	Error      string          `json:"error,omitempty"`
	Status     string          `json:"status,omitempty"`
}

// authOkFrame always carries the active project list, even when empty.
type authOkFrame struct {
	Type             string   `json:"type"`
	ActiveProjectIDs []string `json:"activeProjectIds"`
	SessionID        string   `json:"sessionId,omitempty"`
}

// restoreFrame snapshots a running job for a freshly authenticated client.
type restoreFrame struct {
	Type      string                `json:"type"`
	ProjectID string                `json:"projectId"`
	Thinking  string                `json:"thinking"`
	Text      string                `json:"text"`
	Activity  []store.ActivityEntry `json:"activity"`
}

// wsConn is one upgraded connection. The reader goroutine (the upgrade
// handler) owns all connection state; the writer goroutine owns the socket's
// write side and encrypts every frame it sends. It implements job.Client.
type wsConn struct {
	id      string
	conn    *websocket.Conn
	metrics *metrics.Metrics
	logger  zerolog.Logger

	// deviceID and secret are written once by the reader when the first
	// frame decrypts; the writer observes them through the send channel.
	deviceID string
	secret   string
	authed   atomic.Bool

	send      chan []byte // marshaled plaintext frames
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) ID() string { return c.id }

// Send implements job.Client. Pre-auth connections receive nothing.
func (c *wsConn) Send(ev job.Event) bool {
	if !c.authed.Load() {
		return false
	}
	return c.enqueueFrame(frameFromEvent(ev))
}

func frameFromEvent(ev job.Event) any {
	switch ev.Type {
	case job.EventRestore:
		f := restoreFrame{
			Type:      string(ev.Type),
			ProjectID: ev.ProjectID,
			Activity:  []store.ActivityEntry{},
		}
		if ev.Replay != nil {
			f.Thinking = ev.Replay.Thinking
			f.Text = ev.Replay.Text
			if ev.Replay.Activity != nil {
				f.Activity = ev.Replay.Activity
			}
		}
		return f
	case job.EventToolUse:
		return serverFrame{Type: string(ev.Type), ProjectID: ev.ProjectID, ToolUse: ev.ToolUse}
	case job.EventToolResult:
		return serverFrame{Type: string(ev.Type), ProjectID: ev.ProjectID, ToolResult: ev.ToolResult}
	case job.EventError:
		return serverFrame{Type: string(ev.Type), ProjectID: ev.ProjectID, Error: ev.Err}
	case job.EventDone:
		return serverFrame{Type: string(ev.Type), ProjectID: ev.ProjectID, Status: ev.Status}
	default: // thinking, text
		return serverFrame{Type: string(ev.Type), ProjectID: ev.ProjectID, Text: ev.Text}
	}
}

func (c *wsConn) enqueueFrame(frame any) bool {
	payload, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error().Err(err).Msg("encoding frame")
		return false
	}
	select {
	case <-c.closed:
		return false
	case c.send <- payload:
		return true
	default:
		c.logger.Debug().Msg("send buffer full, dropping frame")
		return false
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// writeLoop is the only goroutine touching the write side. On close it
// drains queued frames, sends a close frame, and drops the socket, which
// also unblocks the reader.
func (c *wsConn) writeLoop() {
	defer func() {
		c.close()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			if !c.write(payload) {
				return
			}
		case <-c.closed:
			for {
				select {
				case payload := <-c.send:
					if !c.write(payload) {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *wsConn) write(payload []byte) bool {
	env, err := envelope.Encrypt(payload, c.secret)
	if err != nil {
		c.logger.Error().Err(err).Msg("encrypting frame")
		return true
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error().Err(err).Msg("encoding envelope")
		return true
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return false
	}
	c.metrics.RecordFrame("outbound")
	return true
}

// upgradeWS gates /ws on a proper upgrade request.
func (s *Server) upgradeWS(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// handleWS is the reader loop for one connection.
//
// State machine: UNAUTH until a valid `auth` frame, then AUTH. The first
// decryptable frame binds the connection to a paired device; any frame that
// does not decrypt or parse closes the connection without a reply.
func (s *Server) handleWS(conn *websocket.Conn) {
	id := uuid.New().String()
	c := &wsConn{
		id:      id,
		conn:    conn,
		metrics: s.metrics,
		logger:  s.logger.With().Str("component", "ws").Str("conn_id", id[:8]).Logger(),
		send:    make(chan []byte, sendBuffer),
		closed:  make(chan struct{}),
	}
	s.metrics.WSConnections.Inc()
	s.hub.Add(c)
	defer func() {
		c.close()
		s.hub.Remove(c.id)
		s.manager.UnsubscribeAll(c.id)
		s.metrics.WSConnections.Dec()
		c.logger.Debug().Msg("connection closed")
	}()

	go c.writeLoop()
	c.logger.Debug().Msg("connection opened")

	attempts := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.metrics.RecordFrame("inbound")

		var env envelope.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn().Msg("malformed envelope, closing")
			return
		}

		var payload []byte
		if c.secret == "" {
			if payload = s.bindDevice(c, env); payload == nil {
				c.logger.Warn().Msg("first frame matches no paired device, closing")
				return
			}
		} else if payload, err = envelope.Decrypt(env, c.secret); err != nil {
			c.logger.Warn().Msg("undecryptable frame, closing")
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.logger.Warn().Msg("malformed frame payload, closing")
			return
		}

		if !c.authed.Load() {
			if frame.Type != "auth" {
				c.enqueueFrame(serverFrame{Type: "auth_error", Error: "authentication required"})
				continue
			}
			if !s.verifyPin(frame.Pin) {
				attempts++
				c.enqueueFrame(serverFrame{Type: "auth_error", Error: "invalid pin"})
				if attempts >= s.cfg.MaxAuthAttempts {
					c.logger.Warn().Int("attempts", attempts).Msg("too many failed auth attempts, closing")
					return
				}
				continue
			}
			c.authed.Store(true)
			c.logger.Info().Msg("client authenticated")
			s.finishAuth(c)
			continue
		}

		s.dispatch(c, frame)
	}
}

// bindDevice finds the paired device whose secret decrypts the first frame
// and binds the connection to it.
func (s *Server) bindDevice(c *wsConn, env envelope.Envelope) []byte {
	devices, err := s.store.Devices()
	if err != nil {
		c.logger.Error().Err(err).Msg("loading devices")
		return nil
	}
	for _, d := range devices {
		payload, err := envelope.Decrypt(env, d.SharedSecret)
		if err != nil {
			continue
		}
		c.deviceID = d.ID
		c.secret = d.SharedSecret
		c.logger = c.logger.With().Str("device_id", d.ID).Logger()
		s.hub.Bind(c.id, d.ID)
		return payload
	}
	return nil
}

// verifyPin checks the PIN against the stored hash, seeding the hash on
// first use when none has been set.
func (s *Server) verifyPin(pin string) bool {
	if pin == "" {
		return false
	}
	hash, err := s.store.PinHash()
	if err != nil {
		s.logger.Error().Err(err).Msg("loading pin hash")
		return false
	}
	if hash == "" {
		hash, err = store.HashPin(pin)
		if err != nil {
			s.logger.Error().Err(err).Msg("hashing pin")
			return false
		}
		if err := s.store.SetPinHash(hash); err != nil {
			s.logger.Error().Err(err).Msg("seeding pin hash")
			return false
		}
		return true
	}
	return store.VerifyPin(pin, hash) == nil
}

// finishAuth sends auth_ok, then one streaming_restore per active project.
// SubscribeWithReplay snapshots and subscribes in the job's coordinator, so
// no delta can fall between the snapshot and the live stream.
func (s *Server) finishAuth(c *wsConn) {
	active := s.manager.ActiveProjects()
	ok := authOkFrame{Type: "auth_ok", ActiveProjectIDs: active}
	if ok.ActiveProjectIDs == nil {
		ok.ActiveProjectIDs = []string{}
	}
	if s.cfg.DefaultProject != "" {
		if conv, err := s.store.Conversation(s.cfg.DefaultProject); err == nil {
			ok.SessionID = conv.AgentSessionID
		}
	}
	c.enqueueFrame(ok)

	for _, projectID := range active {
		s.manager.SubscribeWithReplay(projectID, c)
	}
}

func (s *Server) dispatch(c *wsConn, frame clientFrame) {
	switch frame.Type {
	case "message":
		projectID, ok := s.targetProject(c, frame.ProjectID)
		if !ok {
			return
		}
		text := strings.TrimSpace(frame.Text)
		if text == "" {
			c.enqueueFrame(serverFrame{Type: "error", ProjectID: projectID, Error: "empty message"})
			return
		}
		if err := s.manager.Submit(context.Background(), projectID, text, s.hub.AuthedClients()); err != nil {
			c.enqueueFrame(serverFrame{Type: "error", ProjectID: projectID, Error: err.Error()})
		}

	case "cancel":
		projectID, ok := s.targetProject(c, frame.ProjectID)
		if !ok {
			return
		}
		// Cancel without a job is an idempotent no-op.
		s.manager.Cancel(projectID)

	case "push-subscribe":
		if frame.Endpoint == "" || frame.Keys == nil || frame.Keys.P256dh == "" || frame.Keys.Auth == "" {
			c.enqueueFrame(serverFrame{Type: "error", Error: "invalid push subscription"})
			return
		}
		err := s.store.SaveSubscription(store.PushSubscription{
			DeviceID: c.deviceID,
			Endpoint: frame.Endpoint,
			Keys:     *frame.Keys,
		})
		if err != nil {
			c.logger.Error().Err(err).Msg("saving push subscription")
			c.enqueueFrame(serverFrame{Type: "error", Error: "failed to save push subscription"})
		}

	default:
		c.logger.Debug().Str("type", frame.Type).Msg("ignoring unknown frame type")
	}
}

// targetProject resolves the frame's project id, falling back to the
// configured default. Sends an error frame and reports false when neither is
// set.
func (s *Server) targetProject(c *wsConn, projectID string) (string, bool) {
	if projectID == "" {
		projectID = s.cfg.DefaultProject
	}
	if projectID == "" {
		c.enqueueFrame(serverFrame{Type: "error", Error: "no project specified"})
		return "", false
	}
	return projectID, true
}
