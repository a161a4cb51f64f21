// Package client is the bridge-side peer of an intercom device. It speaks
// the framed TCP protocol: it can start and stop a stream, answer a ringing
// device, send audio and keep an idle link alive with PINGs. Everything the
// device sends arrives on the Events channel.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"intercom/pkg/protocol"
	"intercom/pkg/retry"
)

var ErrClosed = errors.New("client: closed")

type EventType int

const (
	EventStart EventType = iota + 1 // device is calling; Answer to accept
	EventStop
	EventRing
	EventAnswer
	EventAudio
	EventError
	EventPong
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventStart:
		return "start"
	case EventStop:
		return "stop"
	case EventRing:
		return "ring"
	case EventAnswer:
		return "answer"
	case EventAudio:
		return "audio"
	case EventError:
		return "error"
	case EventPong:
		return "pong"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is one thing the device told us. Audio is a private copy.
type Event struct {
	Type   EventType
	Flags  protocol.Flags
	Caller string
	Audio  []byte
	Code   protocol.ErrorCode
	Err    error // set on EventDisconnected
}

type Options struct {
	ConnectTimeout time.Duration
	PingInterval   time.Duration // 0 disables keepalive
	SendBudget     time.Duration
	EventBuffer    int
	Retry          retry.Config
	Logger         *zap.Logger
}

func DefaultOptions() Options {
	r := retry.DefaultConfig()
	r.Enabled = false
	return Options{
		ConnectTimeout: 5 * time.Second,
		PingInterval:   5 * time.Second,
		SendBudget:     protocol.DefaultSendBudget,
		EventBuffer:    64,
		Retry:          r,
	}
}

type Client struct {
	conn   net.Conn
	opts   Options
	logger *zap.SugaredLogger

	sendMu sync.Mutex
	frame  []byte

	events    chan Event
	streaming atomic.Bool
	lastPing  atomic.Int64
	dropped   atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// Dial connects to a device, retrying per opts.Retry.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	opts = withDefaults(opts)
	dialer := net.Dialer{Timeout: opts.ConnectTimeout}

	conn, err := retry.RetryWithResult(ctx, opts.Retry, func() (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", addr)
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return New(conn, opts), nil
}

// New wraps an established connection and starts the receive loop.
func New(conn net.Conn, opts Options) *Client {
	opts = withDefaults(opts)
	c := &Client{
		conn:   conn,
		opts:   opts,
		logger: opts.Logger.Sugar().With("peer", conn.RemoteAddr().String()),
		frame:  make([]byte, 0, protocol.MaxMessageSize),
		events: make(chan Event, opts.EventBuffer),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.lastPing.Store(time.Now().UnixNano())
	go c.readLoop()
	return c
}

func withDefaults(opts Options) Options {
	def := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.SendBudget <= 0 {
		opts.SendBudget = def.SendBudget
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

// Events is closed after EventDisconnected has been delivered.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed when the receive loop has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Streaming() bool { return c.streaming.Load() }

// Dropped counts audio events discarded because the consumer fell behind.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// Start asks the device to stream. With noRing the device skips ringing
// and goes straight to audio.
func (c *Client) Start(caller string, noRing bool) error {
	flags := protocol.FlagNone
	if noRing {
		flags = protocol.FlagNoRing
	}
	if err := c.send(protocol.TypeStart, flags, protocol.StartPayload(caller)); err != nil {
		return err
	}
	c.streaming.Store(true)
	return nil
}

// Answer accepts a call the device is ringing for.
func (c *Client) Answer() error {
	if err := c.send(protocol.TypeAnswer, protocol.FlagNone, nil); err != nil {
		return err
	}
	c.streaming.Store(true)
	return nil
}

func (c *Client) Stop() error {
	c.streaming.Store(false)
	return c.send(protocol.TypeStop, protocol.FlagNone, nil)
}

// Decline rejects an incoming call the way a busy device would.
func (c *Client) Decline() error {
	c.streaming.Store(false)
	return c.send(protocol.TypeError, protocol.FlagNone, protocol.ErrorPayload(protocol.CodeBusy))
}

// SendAudio sends one chunk of 16-bit little-endian PCM. Chunks larger
// than the protocol payload limit are split.
func (c *Client) SendAudio(pcm []byte) error {
	for len(pcm) > 0 {
		n := min(len(pcm), protocol.MaxPayloadSize)
		if err := c.send(protocol.TypeAudio, protocol.FlagNone, pcm[:n]); err != nil {
			return err
		}
		pcm = pcm[n:]
	}
	return nil
}

func (c *Client) Ping() error {
	c.lastPing.Store(time.Now().UnixNano())
	return c.send(protocol.TypePing, protocol.FlagNone, nil)
}

// Close shuts the connection and waits for the receive loop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	<-c.done
	return err
}

func (c *Client) send(t protocol.MessageType, flags protocol.Flags, payload []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	frame, err := protocol.AppendMessage(c.frame[:0], t, flags, payload)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(c.conn, frame, c.opts.SendBudget)
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)

	rx := protocol.NewReceiver(c.conn, protocol.MaxMessageSize)
	for {
		msg, err := rx.Receive()
		if errors.Is(err, protocol.ErrNoMessage) {
			c.keepalive()
			continue
		}
		if err != nil {
			select {
			case <-c.closed:
				err = ErrClosed
			default:
				c.logger.Debugw("Connection lost", "error", err)
			}
			c.streaming.Store(false)
			c.emit(Event{Type: EventDisconnected, Err: err})
			return
		}
		c.dispatch(msg)
		c.keepalive()
	}
}

func (c *Client) keepalive() {
	if c.opts.PingInterval <= 0 || c.streaming.Load() {
		return
	}
	if time.Since(time.Unix(0, c.lastPing.Load())) < c.opts.PingInterval {
		return
	}
	if err := c.Ping(); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Debugw("Ping failed", "error", err)
	}
}

func (c *Client) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeAudio:
		c.streaming.Store(true)
		ev := Event{Type: EventAudio, Audio: append([]byte(nil), msg.Payload...)}
		select {
		case c.events <- ev:
		default:
			c.dropped.Add(1)
		}
		return
	case protocol.TypePing:
		if err := c.send(protocol.TypePong, protocol.FlagNone, nil); err != nil {
			c.logger.Debugw("Pong failed", "error", err)
		}
		return
	case protocol.TypeStart:
		c.emit(Event{Type: EventStart, Flags: msg.Flags, Caller: protocol.CallerName(msg.Payload)})
	case protocol.TypeStop:
		c.streaming.Store(false)
		c.emit(Event{Type: EventStop})
	case protocol.TypeRing:
		c.emit(Event{Type: EventRing})
	case protocol.TypeAnswer:
		c.streaming.Store(true)
		c.emit(Event{Type: EventAnswer})
	case protocol.TypePong:
		c.emit(Event{Type: EventPong})
	case protocol.TypeError:
		code, err := protocol.ParseError(msg.Payload)
		if err != nil {
			c.logger.Debugw("Malformed error message", "error", err)
			return
		}
		c.streaming.Store(false)
		c.emit(Event{Type: EventError, Code: code})
	default:
		c.logger.Debugw("Ignoring message", "type", msg.Type.String())
	}
}

// emit delivers control events without dropping them unless the client is
// closing.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}
