package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"intercom/internal/core/domain"
)

type MockCallController struct {
	mock.Mock
}

func (m *MockCallController) StartCall(ctx context.Context) error { return m.Called().Error(0) }
func (m *MockCallController) Answer(ctx context.Context) error    { return m.Called().Error(0) }
func (m *MockCallController) Decline(ctx context.Context) error   { return m.Called().Error(0) }
func (m *MockCallController) Hangup(ctx context.Context) error    { return m.Called().Error(0) }
func (m *MockCallController) Toggle(ctx context.Context) error    { return m.Called().Error(0) }

func (m *MockCallController) Status() domain.Status {
	return m.Called().Get(0).(domain.Status)
}

func startHub(t *testing.T, calls *MockCallController, canControl bool) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub(calls, Options{PingInterval: time.Hour}, zaptest.NewLogger(t).Sugar())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, canControl)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return hub, conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]json.RawMessage
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func frameType(frame map[string]json.RawMessage) string {
	var s string
	_ = json.Unmarshal(frame["type"], &s)
	return s
}

func TestHub_SendsStatusThenEvents(t *testing.T) {
	calls := new(MockCallController)
	calls.On("Status").Return(domain.Status{DeviceName: "Kitchen", State: domain.CallIdle})
	hub, conn := startHub(t, calls, false)

	first := readFrame(t, conn)
	assert.Equal(t, "status", frameType(first))
	var status domain.Status
	require.NoError(t, json.Unmarshal(first["status"], &status))
	assert.Equal(t, "Kitchen", status.DeviceName)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	hub.Publish(domain.Event{Type: domain.EventIncomingCall, CallID: "c1", Caller: "Front Door"})

	frame := readFrame(t, conn)
	assert.Equal(t, "event", frameType(frame))
	var ev domain.Event
	require.NoError(t, json.Unmarshal(frame["event"], &ev))
	assert.Equal(t, domain.EventIncomingCall, ev.Type)
	assert.Equal(t, "Front Door", ev.Caller)
}

func TestHub_Commands(t *testing.T) {
	calls := new(MockCallController)
	calls.On("Status").Return(domain.Status{})
	calls.On("Answer").Return(nil).Once()
	calls.On("Hangup").Return(domain.ErrNoCall).Once()
	_, conn := startHub(t, calls, true)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(Message{Type: "command", Action: "answer", ID: "1"}))
	var reply Reply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, Reply{Type: "result", ID: "1", Action: "answer", OK: true}, reply)

	require.NoError(t, conn.WriteJSON(Message{Type: "command", Action: "hangup", ID: "2"}))
	reply = Reply{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply.Type)
	assert.Equal(t, "CONFLICT", reply.Code)

	require.NoError(t, conn.WriteJSON(Message{Type: "command", Action: "explode"}))
	reply = Reply{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "INVALID_INPUT", reply.Code)

	calls.AssertExpectations(t)
}

func TestHub_ReadOnlyClientCannotControl(t *testing.T) {
	calls := new(MockCallController)
	calls.On("Status").Return(domain.Status{})
	_, conn := startHub(t, calls, false)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(Message{Type: "command", Action: "start"}))
	var reply Reply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "UNAUTHORIZED", reply.Code)
	calls.AssertNotCalled(t, "StartCall")
}

func TestHub_CheckOrigin(t *testing.T) {
	hub := NewHub(new(MockCallController), Options{AllowedOrigins: []string{"https://ha.local"}}, zaptest.NewLogger(t).Sugar())

	r := httptest.NewRequest(http.MethodGet, "/ws/events", nil)
	assert.True(t, hub.checkOrigin(r), "no origin header")
	r.Header.Set("Origin", "https://ha.local")
	assert.True(t, hub.checkOrigin(r))
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, hub.checkOrigin(r))
}

func TestHub_RateLimitsCommands(t *testing.T) {
	calls := new(MockCallController)
	calls.On("Status").Return(domain.Status{})
	hub := NewHub(calls, Options{PingInterval: time.Hour, MessagesPerSecond: 0.001, Burst: 1}, zaptest.NewLogger(t).Sugar())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, true)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	readFrame(t, conn)

	for _, want := range []string{"status", "error"} {
		require.NoError(t, conn.WriteJSON(Message{Type: "status"}))
		var reply Reply
		require.NoError(t, conn.ReadJSON(&reply))
		assert.Equal(t, want, reply.Type)
	}
}
