package services

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"intercom/internal/core/domain"
	"intercom/pkg/protocol"
	"intercom/pkg/retry"
)

type fakeMic struct {
	mu     sync.Mutex
	fn     func([]byte)
	starts atomic.Int32
	stops  atomic.Int32
}

func (m *fakeMic) Start() error { m.starts.Add(1); return nil }
func (m *fakeMic) Stop() error  { m.stops.Add(1); return nil }

func (m *fakeMic) OnData(fn func([]byte)) {
	m.mu.Lock()
	m.fn = fn
	m.mu.Unlock()
}

func (m *fakeMic) push(b []byte) {
	m.mu.Lock()
	fn := m.fn
	m.mu.Unlock()
	if fn != nil {
		fn(b)
	}
}

type fakeSpeaker struct {
	mu     sync.Mutex
	limit  int // bytes accepted per Play; 0 accepts everything
	played []byte
	starts atomic.Int32
	stops  atomic.Int32
}

func (s *fakeSpeaker) Start() error { s.starts.Add(1); return nil }
func (s *fakeSpeaker) Stop() error  { s.stops.Add(1); return nil }

func (s *fakeSpeaker) Play(pcm []byte, _ time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && len(pcm) > s.limit {
		pcm = pcm[:s.limit]
	}
	s.played = append(s.played, pcm...)
	return len(pcm)
}

func (s *fakeSpeaker) HasBufferedData() bool { return false }

func (s *fakeSpeaker) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.played...)
}

// passthroughAEC copies the mic signal and counts frames.
type passthroughAEC struct {
	frame  int
	calls  atomic.Int32
	resets atomic.Int32
}

func (a *passthroughAEC) IsInitialized() bool { return true }
func (a *passthroughAEC) FrameSize() int      { return a.frame }
func (a *passthroughAEC) Reset()              { a.resets.Add(1) }

func (a *passthroughAEC) Process(mic, _, out []int16) {
	a.calls.Add(1)
	copy(out, mic)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) Publish(ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) count(t domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(t domain.EventType) (domain.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return domain.Event{}, false
}

type memSettingsRepo struct {
	mu      sync.Mutex
	stored  *domain.Settings
	saves   int
	loadErr error
	saveErr error
}

func (r *memSettingsRepo) Load(context.Context) (*domain.Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loadErr != nil {
		return nil, r.loadErr
	}
	if r.stored == nil {
		return nil, nil
	}
	s := *r.stored
	return &s, nil
}

func (r *memSettingsRepo) Save(_ context.Context, s domain.Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	if r.saveErr != nil {
		return r.saveErr
	}
	r.stored = &s
	return nil
}

func (r *memSettingsRepo) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

type tcpTransport struct{}

func (tcpTransport) Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}

func (tcpTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

type harness struct {
	engine  *Engine
	mic     *fakeMic
	speaker *fakeSpeaker
	events  *eventRecorder
	repo    *memSettingsRepo
	cancel  context.CancelFunc
	errc    chan error
}

func testEngineConfig() EngineConfig {
	return EngineConfig{
		Role:           domain.RoleServer,
		DeviceName:     "Intercom",
		ListenAddress:  "127.0.0.1:0",
		RingingTimeout: 5 * time.Second,
		PingInterval:   time.Hour,
		ConnectTimeout: time.Second,
		StopAckTimeout: 200 * time.Millisecond,
		IdleSleep:      5 * time.Millisecond,
		Dial:           retry.Config{Enabled: false, MaxAttempts: 1},
	}
}

func newHarness(t *testing.T, cfg EngineConfig, settings domain.Settings, aec *passthroughAEC) *harness {
	t.Helper()

	logger := zaptest.NewLogger(t).Sugar()
	h := &harness{
		mic:     &fakeMic{},
		speaker: &fakeSpeaker{},
		events:  &eventRecorder{},
		repo:    &memSettingsRepo{},
		errc:    make(chan error, 1),
	}
	deps := EngineDeps{
		Transport:  tcpTransport{},
		Microphone: h.mic,
		Speaker:    h.speaker,
		Settings:   NewSettingsService(h.repo, "memory", settings, 10*time.Millisecond, nopMetrics{}, logger),
		Events:     h.events,
		Logger:     logger,
	}
	if aec != nil {
		deps.AEC = aec
	}

	e, err := NewEngine(cfg, deps)
	require.NoError(t, err)
	h.engine = e
	return h
}

func startHarness(t *testing.T, cfg EngineConfig, settings domain.Settings) *harness {
	t.Helper()
	h := newHarness(t, cfg, settings, nil)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- h.engine.Run(ctx) }()
	<-h.engine.Ready()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-h.errc:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return h
}

func (h *harness) waitState(t *testing.T, want domain.CallState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.engine.Status().State == want
	}, 2*time.Second, 5*time.Millisecond, "state never became %s (now %s)", want, h.engine.Status().State)
}

// testPeer plays the far end of the link with raw frames.
type testPeer struct {
	t    *testing.T
	conn net.Conn
	rx   *protocol.Receiver
}

func newTestPeer(t *testing.T, conn net.Conn) *testPeer {
	t.Helper()
	rx := protocol.NewReceiver(conn, protocol.MaxMessageSize)
	rx.PollTimeout = 50 * time.Millisecond
	t.Cleanup(func() { _ = conn.Close() })
	return &testPeer{t: t, conn: conn, rx: rx}
}

func dialPeer(t *testing.T, addr net.Addr) *testPeer {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	return newTestPeer(t, conn)
}

func (p *testPeer) send(typ protocol.MessageType, flags protocol.Flags, payload []byte) {
	p.t.Helper()
	require.NoError(p.t, protocol.SendMessage(p.conn, typ, flags, payload, time.Second))
}

// expect reads until a frame of type typ arrives, skipping keepalives and
// other traffic.
func (p *testPeer) expect(typ protocol.MessageType) protocol.Message {
	p.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := p.rx.Receive()
		if errors.Is(err, protocol.ErrNoMessage) {
			continue
		}
		require.NoError(p.t, err, "waiting for %s", typ)
		if msg.Type == typ {
			return msg.Clone()
		}
	}
	p.t.Fatalf("no %s frame within deadline", typ)
	return protocol.Message{}
}

// expectClosed waits for the engine to drop the connection.
func (p *testPeer) expectClosed() {
	p.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := p.rx.Receive()
		if errors.Is(err, protocol.ErrNoMessage) || err == nil {
			continue
		}
		require.ErrorIs(p.t, err, protocol.ErrConnectionLost)
		return
	}
	p.t.Fatal("connection was not closed")
}
