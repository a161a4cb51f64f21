package services

import (
	"net"
	"sync/atomic"
	"time"

	"intercom/pkg/protocol"
	"intercom/pkg/syncx"
)

// peerConn is the single active peer. The controller owns its lifecycle;
// the audio tasks only load it from Engine.peer and send through it.
type peerConn struct {
	conn      net.Conn
	addr      string
	streaming atomic.Bool
	closed    atomic.Bool
	lastSeen  atomic.Int64 // unix nanos of the last received frame
	lastPing  atomic.Int64 // unix nanos of the last PING sent

	sendMu     *syncx.TimedMutex
	sendBudget time.Duration
	frame      []byte
}

func newPeerConn(conn net.Conn, sendBudget time.Duration) *peerConn {
	now := time.Now().UnixNano()
	p := &peerConn{
		conn:       conn,
		addr:       conn.RemoteAddr().String(),
		sendMu:     syncx.NewTimedMutex(),
		sendBudget: sendBudget,
		frame:      make([]byte, 0, protocol.MaxMessageSize),
	}
	p.lastSeen.Store(now)
	p.lastPing.Store(now)
	return p
}

// send writes one frame. Frames from different goroutines never interleave;
// a sender that cannot get the stream within the send budget gets
// protocol.ErrSendTimeout and should drop the frame.
func (p *peerConn) send(t protocol.MessageType, flags protocol.Flags, payload []byte) error {
	if p.closed.Load() {
		return protocol.ErrConnectionLost
	}
	if !p.sendMu.TryLockFor(p.sendBudget) {
		return protocol.ErrSendTimeout
	}
	defer p.sendMu.Unlock()

	frame, err := protocol.AppendMessage(p.frame[:0], t, flags, payload)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(p.conn, frame, p.sendBudget)
}

// close shuts the socket at most once.
func (p *peerConn) close() {
	if p.closed.Swap(true) {
		return
	}
	p.streaming.Store(false)
	_ = p.conn.Close()
}

func (p *peerConn) touch(now time.Time) {
	p.lastSeen.Store(now.UnixNano())
}
