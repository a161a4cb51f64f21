package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

const (
	// DefaultSendBudget bounds how long a frame may wait on a full socket.
	DefaultSendBudget = 20 * time.Millisecond

	// DefaultPollTimeout bounds how long Receive waits for a frame to start.
	DefaultPollTimeout = 10 * time.Millisecond

	// DefaultReadBudget bounds the wait for the rest of a started frame.
	// The budget restarts whenever bytes arrive.
	DefaultReadBudget = 50 * time.Millisecond
)

var (
	// ErrConnectionLost means the stream can no longer be used: the peer
	// closed it, a hard socket error occurred or framing was violated.
	ErrConnectionLost = errors.New("protocol: connection lost")

	// ErrNoMessage means no frame started within the poll timeout.
	ErrNoMessage = errors.New("protocol: no message")

	// ErrSendTimeout means the frame could not be queued within the send
	// budget and nothing was written. The stream is still usable.
	ErrSendTimeout = errors.New("protocol: send timed out")

	// ErrOversized means a header announced more payload than the receive
	// buffer can hold. It is always joined with ErrConnectionLost.
	ErrOversized = errors.New("protocol: oversized message")
)

// WriteFrame writes an encoded frame, looping over partial writes. The whole
// frame must go out within budget. A frame cut short by the deadline leaves
// the stream desynchronized and is reported as ErrConnectionLost.
func WriteFrame(conn net.Conn, frame []byte, budget time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(budget)); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	written := 0
	for written < len(frame) {
		n, err := conn.Write(frame[written:])
		written += n
		if err == nil {
			continue
		}
		if isTimeout(err) {
			if written == 0 {
				return ErrSendTimeout
			}
			return fmt.Errorf("%w: partial frame (%d/%d bytes)", ErrConnectionLost, written, len(frame))
		}
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

// SendMessage encodes and writes one message.
func SendMessage(conn net.Conn, t MessageType, flags Flags, payload []byte, budget time.Duration) error {
	frame, err := Encode(t, flags, payload)
	if err != nil {
		return err
	}
	return WriteFrame(conn, frame, budget)
}

// Receiver reads frames from a stream into a fixed buffer.
type Receiver struct {
	conn net.Conn
	buf  []byte

	PollTimeout time.Duration
	ReadBudget  time.Duration
}

// NewReceiver creates a receiver whose buffer holds capacity bytes,
// header included.
func NewReceiver(conn net.Conn, capacity int) *Receiver {
	if capacity < HeaderSize {
		capacity = MaxMessageSize
	}
	return &Receiver{
		conn:        conn,
		buf:         make([]byte, capacity),
		PollTimeout: DefaultPollTimeout,
		ReadBudget:  DefaultReadBudget,
	}
}

// Receive reads one frame. It returns ErrNoMessage when nothing arrived
// within PollTimeout. Any other error wraps ErrConnectionLost. The returned
// payload aliases the receiver's buffer and is valid until the next call.
func (r *Receiver) Receive() (Message, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.PollTimeout)); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	n, err := r.conn.Read(r.buf[:HeaderSize])
	if err != nil && !(isTimeout(err) && n > 0) {
		if isTimeout(err) {
			return Message{}, ErrNoMessage
		}
		return Message{}, lost(err)
	}
	if n == 0 {
		return Message{}, ErrNoMessage
	}
	if n < HeaderSize {
		if err := r.readFull(r.buf[n:HeaderSize]); err != nil {
			return Message{}, err
		}
	}

	h, _ := DecodeHeader(r.buf)
	if int(h.Length) > len(r.buf)-HeaderSize {
		return Message{}, fmt.Errorf("%w: %w: %s length %d exceeds %d",
			ErrConnectionLost, ErrOversized, h.Type, h.Length, len(r.buf)-HeaderSize)
	}

	end := HeaderSize + int(h.Length)
	if err := r.readFull(r.buf[HeaderSize:end]); err != nil {
		return Message{}, err
	}
	return Message{Header: h, Payload: r.buf[HeaderSize:end]}, nil
}

// readFull fills p. The read deadline is pushed out after every read that
// made progress, so only a stalled peer exhausts the budget.
func (r *Receiver) readFull(p []byte) error {
	got := 0
	for got < len(p) {
		if err := r.conn.SetReadDeadline(time.Now().Add(r.ReadBudget)); err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		n, err := r.conn.Read(p[got:])
		got += n
		if err == nil {
			continue
		}
		if isTimeout(err) {
			if n > 0 {
				continue
			}
			return fmt.Errorf("%w: read stalled (%d/%d bytes)", ErrConnectionLost, got, len(p))
		}
		return lost(err)
	}
	return nil
}

func lost(err error) error {
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: closed by peer", ErrConnectionLost)
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
