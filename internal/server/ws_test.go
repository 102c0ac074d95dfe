package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/claude-remote/internal/envelope"
	"github.com/p-blackswan/claude-remote/internal/job"
	"github.com/p-blackswan/claude-remote/internal/store"
)

// startWS binds the server to an ephemeral port and returns its ws:// base URL.
func startWS(t *testing.T, ts *testServer) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = ts.srv.Serve(ln) }()
	t.Cleanup(func() { _ = ts.srv.Shutdown(2 * time.Second) })
	return "ws://" + ln.Addr().String()
}

// fakeAgent writes a shell script that stands in for the agent binary.
func fakeAgent(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent scripts need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// wsClient talks the encrypted frame protocol like a paired browser would.
type wsClient struct {
	t      *testing.T
	conn   *websocket.Conn
	secret string
}

func dialWS(t *testing.T, baseURL, secret string) *wsClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(baseURL+"/ws", nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn, secret: secret}
}

func (c *wsClient) send(v any) {
	c.t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(c.t, err)
	env, err := envelope.Encrypt(payload, c.secret)
	require.NoError(c.t, err)
	data, err := json.Marshal(env)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *wsClient) read(timeout time.Duration) (map[string]any, error) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var env envelope.Envelope
	require.NoError(c.t, json.Unmarshal(data, &env))
	payload, err := envelope.Decrypt(env, c.secret)
	require.NoError(c.t, err)
	var frame map[string]any
	require.NoError(c.t, json.Unmarshal(payload, &frame))
	return frame, nil
}

// expect reads exactly one frame and requires its type.
func (c *wsClient) expect(typ string, timeout time.Duration) map[string]any {
	c.t.Helper()
	frame, err := c.read(timeout)
	require.NoError(c.t, err)
	require.Equal(c.t, typ, frame["type"], "unexpected frame: %v", frame)
	return frame
}

// waitFor skips frames until one of the given type arrives.
func (c *wsClient) waitFor(typ string, timeout time.Duration) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		require.Positive(c.t, remaining, "timed out waiting for %q", typ)
		frame, err := c.read(remaining)
		require.NoError(c.t, err)
		if frame["type"] == typ {
			return frame
		}
	}
}

func (c *wsClient) auth(pin string) map[string]any {
	c.t.Helper()
	c.send(map[string]any{"type": "auth", "pin": pin})
	return c.expect("auth_ok", 5*time.Second)
}

func TestWS_TrustOnFirstUseAndStreamedTurn(t *testing.T) {
	script := fakeAgent(t, `
echo '{"type":"system","subtype":"init","session_id":"s-1"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"hello from agent"}]}}'
echo '{"type":"result","subtype":"success"}'`)

	ts := setupTestServer(t, testOptions{jobCfg: job.Config{AgentBin: script}})
	writeProject(t, ts.projects, "demo", "go.mod", "module demo\n")
	_, secret := pairDevice(t, ts)
	baseURL := startWS(t, ts)

	c := dialWS(t, baseURL, secret)
	ok := c.auth("1234") // no hash stored yet, first pin wins
	assert.Equal(t, []any{}, ok["activeProjectIds"])

	c.send(map[string]any{"type": "message", "text": "do the thing", "projectId": "demo"})
	text := c.waitFor("text", 5*time.Second)
	assert.Equal(t, "hello from agent", text["text"])
	assert.Equal(t, "demo", text["projectId"])

	done := c.waitFor("done", 5*time.Second)
	assert.Equal(t, "completed", done["status"])

	// The turn was persisted before done was emitted.
	conv, err := ts.store.Conversation("demo")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, store.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "do the thing", conv.Messages[0].Text)
	assert.Equal(t, store.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "hello from agent", conv.Messages[1].Text)
	assert.Equal(t, "s-1", conv.AgentSessionID)

	// And the first pin is now the stored one.
	hash, err := ts.store.PinHash()
	require.NoError(t, err)
	assert.NoError(t, store.VerifyPin("1234", hash))
}

func TestWS_WrongPinClosesAfterMaxAttempts(t *testing.T) {
	ts := setupTestServer(t, testOptions{})
	hash, err := store.HashPin("4321")
	require.NoError(t, err)
	require.NoError(t, ts.store.SetPinHash(hash))
	_, secret := pairDevice(t, ts)
	baseURL := startWS(t, ts)

	c := dialWS(t, baseURL, secret)
	for i := 0; i < 3; i++ {
		c.send(map[string]any{"type": "auth", "pin": "0000"})
	}
	for i := 0; i < 3; i++ {
		frame := c.expect("auth_error", 5*time.Second)
		assert.Equal(t, "invalid pin", frame["error"])
	}
	_, err = c.read(5 * time.Second)
	require.Error(t, err, "connection should close after the last attempt")

	// A fresh connection with the right pin still works.
	c2 := dialWS(t, baseURL, secret)
	c2.auth("4321")
}

func TestWS_PreAuthFramesRejected(t *testing.T) {
	ts := setupTestServer(t, testOptions{})
	_, secret := pairDevice(t, ts)
	baseURL := startWS(t, ts)

	c := dialWS(t, baseURL, secret)
	c.send(map[string]any{"type": "message", "text": "hi", "projectId": "demo"})
	frame := c.expect("auth_error", 5*time.Second)
	assert.Equal(t, "authentication required", frame["error"])

	// Rejection is not an attempt; authenticating still works.
	c.auth("1234")
}

func TestWS_UnknownSecretClosesWithoutReply(t *testing.T) {
	ts := setupTestServer(t, testOptions{})
	pairDevice(t, ts)
	baseURL := startWS(t, ts)

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	c := dialWS(t, baseURL, base64.StdEncoding.EncodeToString(key))

	c.send(map[string]any{"type": "auth", "pin": "1234"})
	_, err = c.read(5 * time.Second)
	require.Error(t, err, "frame under an unpaired secret should close the connection")
}

func TestWS_MalformedFrameCloses(t *testing.T) {
	ts := setupTestServer(t, testOptions{})
	pairDevice(t, ts)
	baseURL := startWS(t, ts)

	conn, resp, err := websocket.DefaultDialer.Dial(baseURL+"/ws", nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not an envelope")))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}

func TestWS_BusyProjectAndCancel(t *testing.T) {
	script := fakeAgent(t, `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}'
exec sleep 30`)

	ts := setupTestServer(t, testOptions{jobCfg: job.Config{AgentBin: script}})
	writeProject(t, ts.projects, "demo", "go.mod", "module demo\n")
	_, secret := pairDevice(t, ts)
	baseURL := startWS(t, ts)

	c := dialWS(t, baseURL, secret)
	c.auth("1234")

	c.send(map[string]any{"type": "message", "text": "first", "projectId": "demo"})
	c.waitFor("text", 5*time.Second)

	c.send(map[string]any{"type": "message", "text": "second", "projectId": "demo"})
	frame := c.waitFor("error", 5*time.Second)
	assert.Contains(t, frame["error"], "active job")

	c.send(map[string]any{"type": "cancel", "projectId": "demo"})
	done := c.waitFor("done", 10*time.Second)
	assert.Equal(t, "cancelled", done["status"])
}

func TestWS_ReconnectMidJobGetsRestore(t *testing.T) {
	script := fakeAgent(t, `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}'
exec sleep 30`)

	ts := setupTestServer(t, testOptions{jobCfg: job.Config{AgentBin: script}})
	writeProject(t, ts.projects, "demo", "go.mod", "module demo\n")
	_, secret := pairDevice(t, ts)
	baseURL := startWS(t, ts)

	c1 := dialWS(t, baseURL, secret)
	c1.auth("1234")
	c1.send(map[string]any{"type": "message", "text": "long task", "projectId": "demo"})
	c1.waitFor("text", 5*time.Second)

	c2 := dialWS(t, baseURL, secret)
	ok := c2.auth("1234")
	assert.Equal(t, []any{"demo"}, ok["activeProjectIds"])

	restore := c2.expect("streaming_restore", 5*time.Second)
	assert.Equal(t, "demo", restore["projectId"])
	assert.Equal(t, "working", restore["text"])
	assert.Equal(t, []any{}, restore["activity"])

	// The late joiner is live: a cancel reaches both connections.
	c2.send(map[string]any{"type": "cancel", "projectId": "demo"})
	done1 := c1.waitFor("done", 10*time.Second)
	assert.Equal(t, "cancelled", done1["status"])
	done2 := c2.waitFor("done", 10*time.Second)
	assert.Equal(t, "cancelled", done2["status"])
}

func TestWS_DefaultProjectFallbackAndSession(t *testing.T) {
	script := fakeAgent(t, `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"resumed"}]}}'
echo '{"type":"result","subtype":"success"}'`)

	ts := setupTestServer(t, testOptions{
		mutateCfg: func(c *Config) { c.DefaultProject = "demo" },
		jobCfg:    job.Config{AgentBin: script},
	})
	writeProject(t, ts.projects, "demo", "go.mod", "module demo\n")
	require.NoError(t, ts.store.SetAgentSessionID("demo", "s-9"))
	_, secret := pairDevice(t, ts)
	baseURL := startWS(t, ts)

	c := dialWS(t, baseURL, secret)
	ok := c.auth("1234")
	assert.Equal(t, "s-9", ok["sessionId"])

	// No projectId on the frame: the default project takes it.
	c.send(map[string]any{"type": "message", "text": "continue"})
	text := c.waitFor("text", 5*time.Second)
	assert.Equal(t, "demo", text["projectId"])
	done := c.waitFor("done", 5*time.Second)
	assert.Equal(t, "completed", done["status"])
}

func TestWS_PushSubscribeBindsDevice(t *testing.T) {
	ts := setupTestServer(t, testOptions{})
	deviceID, secret := pairDevice(t, ts)
	baseURL := startWS(t, ts)

	c := dialWS(t, baseURL, secret)
	c.auth("1234")
	c.send(map[string]any{
		"type":     "push-subscribe",
		"endpoint": "https://push.example.com/sub",
		"keys":     map[string]string{"p256dh": "key", "auth": "secret"},
	})

	require.Eventually(t, func() bool {
		subs, err := ts.store.Subscriptions()
		return err == nil && len(subs) == 1 && subs[0].DeviceID == deviceID
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWS_EmptyMessageRejected(t *testing.T) {
	ts := setupTestServer(t, testOptions{})
	_, secret := pairDevice(t, ts)
	baseURL := startWS(t, ts)

	c := dialWS(t, baseURL, secret)
	c.auth("1234")
	c.send(map[string]any{"type": "message", "text": "   ", "projectId": "demo"})
	frame := c.waitFor("error", 5*time.Second)
	assert.Equal(t, "empty message", frame["error"])
}
