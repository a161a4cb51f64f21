package ports

import (
	"context"
	"net"
	"time"

	"intercom/internal/core/domain"
)

// EventSink receives engine events. Publish is called from the controller
// goroutine and must not block.
type EventSink interface {
	Publish(ev domain.Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev domain.Event)

func (f EventSinkFunc) Publish(ev domain.Event) { f(ev) }

// Transport opens the peer stream.
type Transport interface {
	Listen(ctx context.Context, addr string) (net.Listener, error)
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// TapDirection tells an AudioTap which way a frame travelled.
type TapDirection int

const (
	TapOutbound TapDirection = iota // mic to peer
	TapInbound                      // peer to speaker
)

// AudioTap mirrors relayed audio. Calls come from the audio tasks and must
// return quickly.
type AudioTap interface {
	CallStarted(id domain.CallID)
	Mirror(dir TapDirection, pcm []byte)
	CallEnded(id domain.CallID)
}

// MetricsRecorder receives engine counters.
type MetricsRecorder interface {
	CallTransition(from, to domain.CallState)
	CallEnded(reason domain.EndReason, duration time.Duration)
	FrameSent(bytes int)
	FrameReceived(bytes int)
	BufferDrop(buffer string, bytes int)
	LockTimeout(site string)
	SendTimeout()
	AECFrame()
	ReferenceUnderrun()
	ConnectionRejected()
	SettingsSaved(err error)
}

// CallController is the command surface used by the API and event hub.
type CallController interface {
	StartCall(ctx context.Context) error
	Answer(ctx context.Context) error
	Decline(ctx context.Context) error
	Hangup(ctx context.Context) error
	Toggle(ctx context.Context) error
	Status() domain.Status
}

// AddressResolver maps a contact name to a dialable address.
type AddressResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}
