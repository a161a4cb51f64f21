package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"intercom/internal/core/domain"
	"intercom/internal/core/ports"
	"intercom/pkg/circuitbreaker"
	"intercom/pkg/config"
	"intercom/pkg/optimize"
	"intercom/pkg/pcm"
	"intercom/pkg/protocol"
	"intercom/pkg/retry"
	"intercom/pkg/ringbuffer"
)

// Bounded lock waits for the shared buffers.
const (
	captureWriteLock  = 10 * time.Millisecond
	captureReadLock   = 5 * time.Millisecond
	playbackWriteLock = time.Millisecond
	playbackReadLock  = 5 * time.Millisecond
	referenceLock     = 2 * time.Millisecond
	resetLock         = 20 * time.Millisecond

	controlTick     = 10 * time.Millisecond
	captureRetry    = 2 * time.Millisecond
	speakerPlayWait = 20 * time.Millisecond
	speakerDrain    = 50 * time.Millisecond
	inboundQueue    = 64
)

// EngineConfig holds the tunables of one engine instance.
type EngineConfig struct {
	Role          domain.Role
	DeviceName    string
	ListenAddress string
	RemoteAddress string

	RingingTimeout time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	ConnectTimeout time.Duration
	SendBudget     time.Duration

	ChunkSize           int
	MaxPayload          int
	PlaybackBuffer      int
	CaptureBuffer       int
	ReferenceDelayBytes int
	PlaybackMaxChunks   int
	DCOffsetRemoval     bool
	StopAckTimeout      time.Duration
	IdleSleep           time.Duration

	Dial    retry.Config
	Breaker circuitbreaker.Config
}

// NewEngineConfig derives the engine tunables from the loaded configuration.
func NewEngineConfig(cfg *config.Config) EngineConfig {
	ic, ac := cfg.Intercom, cfg.Audio

	dial := retry.DefaultConfig()
	dial.MaxAttempts = cfg.Dial.MaxAttempts
	dial.InitialDelay = cfg.Dial.InitialDelay
	dial.MaxDelay = cfg.Dial.MaxDelay
	dial.Multiplier = cfg.Dial.Multiplier

	breaker := circuitbreaker.DefaultConfig()
	breaker.FailureThreshold = cfg.Dial.FailureThreshold
	breaker.Timeout = cfg.Dial.BreakerTimeout

	return EngineConfig{
		Role:                domain.Role(ic.Role),
		DeviceName:          ic.DeviceName,
		ListenAddress:       ic.ListenAddress,
		RemoteAddress:       ic.RemoteAddress,
		RingingTimeout:      ic.RingingTimeout,
		PingInterval:        ic.PingInterval,
		PongTimeout:         ic.PongTimeout,
		ConnectTimeout:      ic.ConnectTimeout,
		SendBudget:          protocol.DefaultSendBudget,
		ChunkSize:           ac.ChunkSize,
		MaxPayload:          ac.MaxPayload,
		PlaybackBuffer:      ac.PlaybackBuffer,
		CaptureBuffer:       ac.CaptureBuffer,
		ReferenceDelayBytes: cfg.ReferenceDelayBytes(),
		PlaybackMaxChunks:   ac.PlaybackMaxChunks,
		DCOffsetRemoval:     ac.DCOffsetRemoval,
		StopAckTimeout:      ac.StopAckTimeout,
		IdleSleep:           ac.IdleSleep,
		Dial:                dial,
		Breaker:             breaker,
	}
}

func (c *EngineConfig) applyDefaults() {
	if c.Role == "" {
		c.Role = domain.RoleServer
	}
	if c.SendBudget <= 0 {
		c.SendBudget = protocol.DefaultSendBudget
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = protocol.ChunkSize
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = protocol.MaxPayloadSize
	}
	if c.PlaybackBuffer <= 0 {
		c.PlaybackBuffer = 8192
	}
	if c.CaptureBuffer <= 0 {
		c.CaptureBuffer = 2048
	}
	if c.PlaybackMaxChunks <= 0 {
		c.PlaybackMaxChunks = 4
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.StopAckTimeout <= 0 {
		c.StopAckTimeout = 200 * time.Millisecond
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 20 * time.Millisecond
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker = circuitbreaker.DefaultConfig()
	}
}

// EngineDeps are the collaborators injected into the engine. AEC and Tap
// are optional.
type EngineDeps struct {
	Transport  ports.Transport
	Microphone ports.Microphone
	Speaker    ports.Speaker
	AEC        ports.EchoCanceller
	Settings   *SettingsService
	Contacts   *ContactBook
	Events     ports.EventSink
	Metrics    ports.MetricsRecorder
	Tap        ports.AudioTap
	Resolver   ports.AddressResolver // optional; maps the current contact to an address
	Logger     *zap.SugaredLogger
}

type command struct {
	name  string
	run   func(ctx context.Context) error
	reply chan error
}

type inbound struct {
	peer *peerConn
	msg  protocol.Message
	buf  []byte
}

type peerError struct {
	peer *peerConn
	err  error
}

type dialResult struct {
	gen  uint64
	conn net.Conn
	err  error
}

type speakerRequest struct {
	start bool
	done  chan struct{}
}

// Engine is the intercom call engine: one peer connection, one call state
// machine, and the audio relay between the local devices and the peer.
//
// A single controller goroutine owns the state machine, the peer lifecycle
// and every event publication. The capture and playback goroutines read the
// shared flags and buffers without taking part in control decisions.
type Engine struct {
	cfg    EngineConfig
	logger *zap.SugaredLogger

	transport ports.Transport
	resolver  ports.AddressResolver
	mic       ports.Microphone
	speaker   ports.Speaker
	aec       ports.EchoCanceller
	settings  *SettingsService
	contacts  *ContactBook
	events    ports.EventSink
	metrics   ports.MetricsRecorder
	tap       ports.AudioTap
	breaker   *circuitbreaker.CircuitBreaker

	sm        *CallStateMachine
	connState atomic.Int32
	peer      atomic.Pointer[peerConn]
	active    atomic.Bool
	speakerOn atomic.Bool
	refGen    atomic.Uint64

	captureBuf  *ringbuffer.RingBuffer
	playbackBuf *ringbuffer.RingBuffer
	refBuf      *ringbuffer.RingBuffer
	payloads    *optimize.BytePool

	commands    chan command
	accepted    chan net.Conn
	dialed      chan dialResult
	inbound     chan inbound
	peerErrs    chan peerError
	speakerReqs chan speakerRequest

	// controller-only
	loopCtx   context.Context
	dialGen   uint64
	callSpan  trace.Span
	callCtx   context.Context
	callStart time.Time

	statusMu   sync.RWMutex
	callID     domain.CallID
	caller     string
	lastReason domain.EndReason

	running    atomic.Bool
	ready      chan struct{}
	done       chan struct{}
	addr       atomic.Value
	readers    sync.WaitGroup
	dialers    sync.WaitGroup
	micScratch []byte
	dc         pcm.DCBlocker

	captureDrops  atomic.Uint64
	playbackDrops atomic.Uint64
	dropLog       *rate.Limiter
	underrunLog   *rate.Limiter
	sendLog       *rate.Limiter
}

var _ ports.CallController = (*Engine)(nil)

// NewEngine wires an engine. It does not touch the network until Run.
func NewEngine(cfg EngineConfig, deps EngineDeps) (*Engine, error) {
	if deps.Transport == nil || deps.Microphone == nil || deps.Speaker == nil {
		return nil, errors.New("engine: transport, microphone and speaker are required")
	}
	if deps.Settings == nil {
		return nil, errors.New("engine: settings service is required")
	}
	cfg.applyDefaults()

	log := deps.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	contacts := deps.Contacts
	if contacts == nil {
		contacts = NewContactBook(cfg.DeviceName, domain.DefaultContact)
	}
	events := deps.Events
	if events == nil {
		events = nopEvents{}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	tap := deps.Tap
	if tap == nil {
		tap = nopTap{}
	}

	captureBuf, err := ringbuffer.New(cfg.CaptureBuffer)
	if err != nil {
		return nil, fmt.Errorf("capture buffer: %w", err)
	}
	playbackBuf, err := ringbuffer.New(cfg.PlaybackBuffer)
	if err != nil {
		return nil, fmt.Errorf("playback buffer: %w", err)
	}
	refBuf, err := ringbuffer.New(cfg.ReferenceDelayBytes + cfg.PlaybackBuffer)
	if err != nil {
		return nil, fmt.Errorf("reference buffer: %w", err)
	}

	e := &Engine{
		cfg:         cfg,
		logger:      log,
		transport:   deps.Transport,
		resolver:    deps.Resolver,
		mic:         deps.Microphone,
		speaker:     deps.Speaker,
		aec:         deps.AEC,
		settings:    deps.Settings,
		contacts:    contacts,
		events:      events,
		metrics:     metrics,
		tap:         tap,
		breaker:     circuitbreaker.New(cfg.Breaker),
		captureBuf:  captureBuf,
		playbackBuf: playbackBuf,
		refBuf:      refBuf,
		payloads:    optimize.NewBytePool(cfg.MaxPayload + 64),
		commands:    make(chan command),
		accepted:    make(chan net.Conn, 4),
		dialed:      make(chan dialResult, 1),
		inbound:     make(chan inbound, inboundQueue),
		peerErrs:    make(chan peerError, 4),
		speakerReqs: make(chan speakerRequest, 2),
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
		micScratch:  make([]byte, cfg.ChunkSize),
		dropLog:     rate.NewLimiter(rate.Every(5*time.Second), 1),
		underrunLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
		sendLog:     rate.NewLimiter(rate.Every(5*time.Second), 1),
		callCtx:     context.Background(),
		loopCtx:     context.Background(),
	}
	e.sm = NewCallStateMachine(e.onTransition)
	e.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		e.logger.Warnw("dial circuit breaker changed state", "from", from.String(), "to", to.String())
	})

	e.mic.OnData(e.onMicData)
	e.settings.OnChange(func(prev, next domain.Settings) {
		if next.AEC && !prev.AEC && e.streamingPeer() != nil {
			e.logger.Infow("echo cancellation enabled mid-call, priming reference")
			e.primeReference()
		}
		e.events.Publish(domain.Event{Type: domain.EventSettingsChanged, Timestamp: time.Now()})
	})
	return e, nil
}

// Run starts the engine and blocks until ctx is cancelled or a task fails.
// Commands issued after Run returns fail with domain.ErrEngineStopped.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine: already running")
	}
	defer close(e.done)

	e.settings.Load(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.Role == domain.RoleServer {
		ln, err := e.transport.Listen(ctx, e.cfg.ListenAddress)
		if err != nil {
			close(e.ready)
			return fmt.Errorf("listen on %s: %w", e.cfg.ListenAddress, err)
		}
		e.addr.Store(ln.Addr())
		g.Go(func() error { return e.acceptLoop(gctx, ln) })
	}
	close(e.ready)

	e.logger.Infow("intercom engine started",
		"role", e.cfg.Role,
		"device", e.cfg.DeviceName,
		"listen", e.cfg.ListenAddress,
		"remote", e.cfg.RemoteAddress,
	)

	g.Go(func() error { return e.controller(gctx) })
	g.Go(func() error { return e.captureLoop(gctx) })
	g.Go(func() error { return e.playbackLoop(gctx) })

	err := g.Wait()
	e.dialers.Wait()
	e.readers.Wait()
	e.settings.Close()

	e.logger.Infow("intercom engine stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Ready is closed once the listener (server role) is bound.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

// Done is closed when Run has returned.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Addr returns the bound listen address, or nil in client role.
func (e *Engine) Addr() net.Addr {
	if a, ok := e.addr.Load().(net.Addr); ok {
		return a
	}
	return nil
}

// Settings exposes the settings service driving this engine.
func (e *Engine) Settings() *SettingsService { return e.settings }

// Contacts exposes the contact book used to pick call destinations.
func (e *Engine) Contacts() *ContactBook { return e.contacts }

func (e *Engine) StartCall(ctx context.Context) error {
	return e.exec(ctx, "start_call", e.startCall)
}

func (e *Engine) Answer(ctx context.Context) error {
	return e.exec(ctx, "answer", e.answer)
}

func (e *Engine) Decline(ctx context.Context) error {
	return e.exec(ctx, "decline", e.decline)
}

func (e *Engine) Hangup(ctx context.Context) error {
	return e.exec(ctx, "hangup", e.hangup)
}

// Toggle answers a ringing call, hangs up an active one, or starts a call.
func (e *Engine) Toggle(ctx context.Context) error {
	return e.exec(ctx, "toggle", e.toggle)
}

// exec hands a command to the controller goroutine and waits for its result.
func (e *Engine) exec(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	cmd := command{name: name, run: fn, reply: make(chan error, 1)}
	select {
	case e.commands <- cmd:
	case <-e.done:
		return domain.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-e.done:
		return domain.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() domain.Status {
	p := e.peer.Load()

	e.statusMu.RLock()
	defer e.statusMu.RUnlock()

	st := domain.Status{
		Role:        e.cfg.Role,
		DeviceName:  e.cfg.DeviceName,
		CallID:      e.callID,
		State:       e.sm.State(),
		Connection:  domain.ConnectionState(e.connState.Load()),
		Active:      e.active.Load(),
		Caller:      e.caller,
		Destination: e.contacts.Current(),
		LastReason:  e.lastReason,
		Since:       e.sm.Since(),
	}
	if p != nil {
		st.PeerAddress = p.addr
		st.Streaming = p.streaming.Load()
	}
	return st
}

func (e *Engine) publish(t domain.EventType) {
	ev := domain.Event{Type: t, State: e.sm.State(), Timestamp: time.Now()}
	e.statusMu.RLock()
	ev.CallID = e.callID
	ev.Caller = e.caller
	e.statusMu.RUnlock()
	if p := e.peer.Load(); p != nil {
		ev.Peer = p.addr
	}
	e.events.Publish(ev)
}

func (e *Engine) setConn(s domain.ConnectionState) {
	e.connState.Store(int32(s))
}

func (e *Engine) conn() domain.ConnectionState {
	return domain.ConnectionState(e.connState.Load())
}

func (e *Engine) setCaller(name string) {
	e.statusMu.Lock()
	e.caller = name
	e.statusMu.Unlock()
}

func (e *Engine) aecActive() bool {
	return e.aec != nil && e.settings.AEC() && e.aec.IsInitialized()
}

func (e *Engine) streamingPeer() *peerConn {
	if !e.active.Load() {
		return nil
	}
	p := e.peer.Load()
	if p == nil || !p.streaming.Load() {
		return nil
	}
	return p
}

type nopEvents struct{}

func (nopEvents) Publish(domain.Event) {}

type nopTap struct{}

func (nopTap) CallStarted(domain.CallID)         {}
func (nopTap) Mirror(ports.TapDirection, []byte) {}
func (nopTap) CallEnded(domain.CallID)           {}

type nopMetrics struct{}

func (nopMetrics) CallTransition(domain.CallState, domain.CallState) {}
func (nopMetrics) CallEnded(domain.EndReason, time.Duration)         {}
func (nopMetrics) FrameSent(int)                                     {}
func (nopMetrics) FrameReceived(int)                                 {}
func (nopMetrics) BufferDrop(string, int)                            {}
func (nopMetrics) LockTimeout(string)                                {}
func (nopMetrics) SendTimeout()                                      {}
func (nopMetrics) AECFrame()                                         {}
func (nopMetrics) ReferenceUnderrun()                                {}
func (nopMetrics) ConnectionRejected()                               {}
func (nopMetrics) SettingsSaved(error)                               {}
