// Package transport opens the peer stream. Audio frames are small and
// latency bound, so every connection has Nagle's algorithm disabled.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

const defaultKeepAlive = 15 * time.Second

type TCP struct {
	logger    *zap.SugaredLogger
	keepAlive time.Duration
}

// NewTCP returns a TCP transport. A keepAlive of zero uses the default; a
// negative value disables TCP keepalives.
func NewTCP(keepAlive time.Duration, logger *zap.SugaredLogger) *TCP {
	if keepAlive == 0 {
		keepAlive = defaultKeepAlive
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &TCP{logger: logger, keepAlive: keepAlive}
}

func (t *TCP) Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: t.keepAlive}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	t.logger.Infow("listening for peers", "address", ln.Addr().String())
	return &listener{Listener: ln, logger: t.logger}, nil
}

func (t *TCP) Dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{KeepAlive: t.keepAlive}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}
	tune(conn, t.logger)
	return conn, nil
}

type listener struct {
	net.Listener
	logger *zap.SugaredLogger
}

func (l *listener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	tune(conn, l.logger)
	return conn, nil
}

func tune(conn net.Conn, logger *zap.SugaredLogger) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.SetNoDelay(true); err != nil {
		logger.Warnw("failed to disable nagle", "remote", conn.RemoteAddr().String(), "error", err)
	}
}
