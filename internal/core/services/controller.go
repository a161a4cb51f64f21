package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"intercom/internal/core/domain"
	"intercom/pkg/circuitbreaker"
	"intercom/pkg/protocol"
	"intercom/pkg/retry"
	"intercom/pkg/tracing"
)

// acceptLoop hands incoming connections to the controller, which decides
// whether to keep or reject them.
func (e *Engine) acceptLoop(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		select {
		case e.accepted <- conn:
		case <-ctx.Done():
			_ = conn.Close()
			return nil
		}
	}
}

// readLoop receives frames from one peer until the connection is lost.
func (e *Engine) readLoop(ctx context.Context, p *peerConn) {
	defer e.readers.Done()

	rx := protocol.NewReceiver(p.conn, protocol.HeaderSize+e.cfg.MaxPayload+64)
	for ctx.Err() == nil && !p.closed.Load() {
		msg, err := rx.Receive()
		if errors.Is(err, protocol.ErrNoMessage) {
			continue
		}
		if err != nil {
			select {
			case e.peerErrs <- peerError{peer: p, err: err}:
			case <-ctx.Done():
			}
			return
		}
		p.touch(time.Now())

		buf := e.payloads.Get()
		n := copy(buf, msg.Payload)
		in := inbound{peer: p, msg: protocol.Message{Header: msg.Header, Payload: buf[:n]}, buf: buf}
		select {
		case e.inbound <- in:
		case <-ctx.Done():
			e.payloads.Put(buf)
			return
		}
	}
}

// controller is the single owner of the call state machine and the peer.
func (e *Engine) controller(ctx context.Context) error {
	e.loopCtx = ctx
	ticker := time.NewTicker(controlTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil

		case cmd := <-e.commands:
			cctx, span := tracing.TraceCommand(ctx, cmd.name)
			err := cmd.run(cctx)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
			cmd.reply <- err

		case conn := <-e.accepted:
			e.handleAccept(ctx, conn)

		case res := <-e.dialed:
			e.handleDialResult(ctx, res)

		case in := <-e.inbound:
			if in.peer == e.peer.Load() {
				e.handleMessage(in.peer, in.msg)
			}
			e.payloads.Put(in.buf)

		case pe := <-e.peerErrs:
			if pe.peer == e.peer.Load() {
				e.handleDisconnect(pe.peer, pe.err)
			}

		case now := <-ticker.C:
			e.tick(now)
		}
	}
}

func (e *Engine) shutdown() {
	e.dialGen++
	if p := e.peer.Load(); p != nil {
		e.closePeer(p, true)
	}
	e.setActive(false)
	if e.sm.State() != domain.CallIdle {
		e.sm.End(domain.EndLocalHangup)
	}
}

func (e *Engine) handleAccept(ctx context.Context, conn net.Conn) {
	state := e.sm.State()
	if e.peer.Load() != nil || (state != domain.CallIdle && state != domain.CallOutgoing) {
		e.logger.Infow("rejecting connection, already in a call",
			"remote", conn.RemoteAddr().String(), "state", state)
		e.metrics.ConnectionRejected()
		_ = protocol.SendMessage(conn, protocol.TypeError, protocol.FlagNone,
			protocol.ErrorPayload(protocol.CodeBusy), e.cfg.SendBudget)
		_ = conn.Close()
		return
	}
	e.attach(ctx, conn)
	e.logger.Infow("peer connected", "remote", conn.RemoteAddr().String())

	// A call placed while no peer was connected goes out as soon as one is.
	if state == domain.CallOutgoing {
		e.sendStart(e.peer.Load())
	}
}

func (e *Engine) attach(ctx context.Context, conn net.Conn) *peerConn {
	p := newPeerConn(conn, e.cfg.SendBudget)
	e.peer.Store(p)
	e.setConn(domain.ConnConnected)
	e.publish(domain.EventConnected)

	e.readers.Add(1)
	go e.readLoop(ctx, p)
	return p
}

// closePeer detaches and closes p, optionally telling the peer first.
func (e *Engine) closePeer(p *peerConn, sendStop bool) {
	if !e.peer.CompareAndSwap(p, nil) {
		return
	}
	p.streaming.Store(false)
	if sendStop {
		if err := p.send(protocol.TypeStop, protocol.FlagNone, nil); err != nil {
			e.logger.Debugw("failed to send STOP", "error", err)
		}
	}
	p.close()
	e.setConn(domain.ConnDisconnected)

	ev := domain.Event{Type: domain.EventDisconnected, State: e.sm.State(), Peer: p.addr, Timestamp: time.Now()}
	e.statusMu.RLock()
	ev.CallID = e.callID
	e.statusMu.RUnlock()
	e.events.Publish(ev)
}

func (e *Engine) handleDisconnect(p *peerConn, err error) {
	reason := domain.EndRemoteHangup
	if errors.Is(err, protocol.ErrOversized) {
		reason = domain.EndProtocolError
	}
	e.logger.Infow("peer disconnected", "remote", p.addr, "error", err)

	e.closePeer(p, false)
	e.setActive(false)
	if e.sm.State() != domain.CallIdle {
		e.sm.End(reason)
	}
}

func (e *Engine) handleMessage(p *peerConn, msg protocol.Message) {
	state := e.sm.State()

	switch msg.Type {
	case protocol.TypeAudio:
		e.handleAudio(p, msg.Payload)

	case protocol.TypeStart:
		e.handleStart(p, msg)

	case protocol.TypeStop:
		e.logger.Infow("peer hung up", "remote", p.addr)
		e.closePeer(p, false)
		e.setActive(false)
		if state != domain.CallIdle {
			e.sm.End(domain.EndRemoteHangup)
		}

	case protocol.TypePing:
		e.reply(p, protocol.TypePong, nil)

	case protocol.TypePong:
		// In client role the PONG to START is the go-ahead for audio.
		if e.cfg.Role == domain.RoleClient && state == domain.CallOutgoing &&
			e.conn() == domain.ConnConnected && !p.streaming.Load() {
			e.prepareStreaming(p)
		}

	case protocol.TypeRing:
		e.logger.Infow("peer is ringing", "remote", p.addr)

	case protocol.TypeAnswer:
		switch state {
		case domain.CallOutgoing:
			e.startStreaming(p)
			e.reply(p, protocol.TypePong, nil)
		case domain.CallRinging:
			e.sm.Answer()
			e.setActive(true)
			e.startStreaming(p)
			e.reply(p, protocol.TypePong, nil)
		default:
			e.logger.Warnw("unexpected ANSWER", "state", state)
		}

	case protocol.TypeError:
		code, err := protocol.ParseError(msg.Payload)
		if err != nil {
			e.logger.Warnw("malformed ERROR message", "error", err)
			return
		}
		e.logger.Warnw("peer reported error", "code", code.String(), "state", state)
		if code == protocol.CodeBusy && state == domain.CallOutgoing {
			e.closePeer(p, false)
			e.setActive(false)
			e.sm.End(domain.EndBusy)
		}

	default:
		e.logger.Warnw("unknown message type", "type", msg.Type.String(), "remote", p.addr)
		e.reply(p, protocol.TypeError, protocol.ErrorPayload(protocol.CodeInvalidMsg))
	}
}

func (e *Engine) handleStart(p *peerConn, msg protocol.Message) {
	state := e.sm.State()
	if state != domain.CallIdle && state != domain.CallOutgoing {
		e.logger.Infow("ignoring START during call", "state", state)
		return
	}
	caller := protocol.CallerName(msg.Payload)
	e.setCaller(caller)

	switch {
	case msg.Flags.Has(protocol.FlagNoRing):
		e.logger.Infow("call started without ringing", "caller", caller)
		if state == domain.CallIdle {
			e.sm.Dial()
		}
		e.setActive(true)
		e.prepareStreaming(p)
		e.reply(p, protocol.TypePong, nil)

	case e.settings.AutoAnswer():
		e.logger.Infow("auto-answering call", "caller", caller)
		e.sm.Answer()
		e.setActive(true)
		e.startStreaming(p)
		e.reply(p, protocol.TypePong, nil)

	default:
		e.logger.Infow("incoming call", "caller", caller)
		e.sm.Incoming()
		e.setConn(domain.ConnConnected)
		e.reply(p, protocol.TypeRing, nil)
		e.sm.Ring()
	}
}

func (e *Engine) handleAudio(p *peerConn, payload []byte) {
	state := e.sm.State()
	if state == domain.CallOutgoing && !p.streaming.Load() {
		e.prepareStreaming(p)
	}
	e.writePlayback(payload)
	if state == domain.CallOutgoing {
		e.sm.PeerAudio()
	}
}

// writePlayback queues received audio for the speaker. A full buffer drops
// the overflow; it never blocks the receive path.
func (e *Engine) writePlayback(payload []byte) {
	e.metrics.FrameReceived(len(payload))
	if !e.active.Load() {
		return
	}
	n, err := e.playbackBuf.Write(payload, playbackWriteLock)
	if err != nil {
		e.metrics.LockTimeout("playback_write")
		n = 0
	}
	if dropped := len(payload) - n; dropped > 0 {
		total := e.playbackDrops.Add(uint64(dropped))
		e.metrics.BufferDrop("playback", dropped)
		if e.dropLog.Allow() {
			e.logger.Warnw("playback buffer overflow", "dropped_bytes", dropped, "total_dropped", total)
		}
	}
}

func (e *Engine) reply(p *peerConn, t protocol.MessageType, payload []byte) {
	if err := p.send(t, protocol.FlagNone, payload); err != nil {
		e.logger.Warnw("failed to send message", "type", t.String(), "error", err)
	}
}

func (e *Engine) sendStart(p *peerConn) {
	if p == nil {
		return
	}
	e.logger.Infow("sending START", "remote", p.addr, "destination", e.contacts.Current())
	e.reply(p, protocol.TypeStart, protocol.StartPayload(e.cfg.DeviceName))
}

// prepareStreaming clears stale audio and primes the echo reference.
func (e *Engine) prepareStreaming(p *peerConn) {
	if err := e.captureBuf.Reset(resetLock); err != nil {
		e.metrics.LockTimeout("capture_reset")
	}
	if err := e.playbackBuf.Reset(resetLock); err != nil {
		e.metrics.LockTimeout("playback_reset")
	}
	e.primeReference()

	p.streaming.Store(true)
	e.setConn(domain.ConnStreaming)

	e.statusMu.RLock()
	id := e.callID
	e.statusMu.RUnlock()
	e.tap.CallStarted(id)
}

// primeReference refills the echo reference with the acoustic delay of
// silence. The capture task resets the canceller when it sees the new
// generation.
func (e *Engine) primeReference() {
	if err := e.refBuf.Reset(resetLock); err != nil {
		e.metrics.LockTimeout("reference_reset")
	} else if _, err := e.refBuf.WriteZeros(e.cfg.ReferenceDelayBytes, resetLock); err != nil {
		e.metrics.LockTimeout("reference_prefill")
	}
	e.refGen.Add(1)
}

func (e *Engine) startStreaming(p *peerConn) {
	if !p.streaming.Load() {
		e.prepareStreaming(p)
	}
	e.sm.Stream()
}

func (e *Engine) tick(now time.Time) {
	p := e.peer.Load()
	state := e.sm.State()

	if e.sm.Expired(now, e.cfg.RingingTimeout) {
		e.logger.Infow("call timed out", "state", state, "timeout", e.cfg.RingingTimeout)
		e.dialGen++
		if p != nil {
			e.closePeer(p, true)
		}
		e.setActive(false)
		e.sm.End(domain.EndTimeout)
		return
	}

	if p == nil || p.streaming.Load() {
		return
	}
	if e.cfg.PongTimeout > 0 && now.Sub(time.Unix(0, p.lastSeen.Load())) > e.cfg.PongTimeout {
		e.logger.Warnw("peer stopped responding", "remote", p.addr, "timeout", e.cfg.PongTimeout)
		e.closePeer(p, false)
		e.setActive(false)
		if state != domain.CallIdle {
			e.sm.End(domain.EndUnreachable)
		}
		return
	}
	if now.Sub(time.Unix(0, p.lastPing.Load())) >= e.cfg.PingInterval {
		p.lastPing.Store(now.UnixNano())
		if err := p.send(protocol.TypePing, protocol.FlagNone, nil); err != nil {
			e.logger.Debugw("keepalive failed", "error", err)
		}
	}
}

// onTransition runs inside the state machine, on the controller goroutine.
func (e *Engine) onTransition(t Transition) {
	e.metrics.CallTransition(t.From, t.To)

	e.statusMu.Lock()
	if t.From == domain.CallIdle {
		e.callID = domain.CallID(uuid.NewString())
		e.callStart = t.At
		peer := ""
		if p := e.peer.Load(); p != nil {
			peer = p.addr
		}
		e.callCtx, e.callSpan = tracing.TraceCall(context.Background(), string(e.callID), string(e.cfg.Role), peer)
	}
	ev := domain.Event{
		Type:      domain.TransitionEvent(t.To, t.Reason),
		CallID:    e.callID,
		State:     t.To,
		Reason:    t.Reason,
		Caller:    e.caller,
		Timestamp: t.At,
	}
	id := e.callID
	if t.To == domain.CallIdle {
		e.lastReason = t.Reason
		e.caller = ""
		e.callID = ""
	}
	e.statusMu.Unlock()

	if p := e.peer.Load(); p != nil {
		ev.Peer = p.addr
	}
	e.logger.Infow("call state changed",
		"call_id", id, "from", t.From, "to", t.To, "event", t.Event, "reason", t.Reason)
	tracing.AddEvent(e.callCtx, string(t.To))
	e.events.Publish(ev)

	if t.To == domain.CallIdle {
		e.metrics.CallEnded(t.Reason, t.At.Sub(e.callStart))
		e.tap.CallEnded(id)
		if e.callSpan != nil {
			e.callSpan.SetAttributes(tracing.ReasonKey.String(string(t.Reason)))
			if t.Reason.Failed() {
				e.callSpan.SetStatus(codes.Error, string(t.Reason))
			}
			e.callSpan.End()
			e.callSpan = nil
		}
		e.callCtx = context.Background()
	}
}

func (e *Engine) startCall(ctx context.Context) error {
	if state := e.sm.State(); state != domain.CallIdle {
		return fmt.Errorf("start call in state %s: %w", state, domain.ErrNotIdle)
	}
	e.setActive(true)
	e.sm.Dial()

	if p := e.peer.Load(); p != nil {
		e.sendStart(p)
		return nil
	}
	if e.cfg.Role == domain.RoleClient {
		e.dial(ctx)
	} else {
		e.logger.Infow("waiting for peer to connect", "destination", e.contacts.Current())
	}
	return nil
}

// dial connects to the remote peer in the background. The result comes back
// to the controller through e.dialed.
func (e *Engine) dial(ctx context.Context) {
	e.dialGen++
	gen := e.dialGen
	addr := e.cfg.RemoteAddress
	contact := e.contacts.Current()
	e.setConn(domain.ConnConnecting)

	// Dialing outlives the command but not the controller.
	dctx := trace.ContextWithSpan(e.loopCtx, trace.SpanFromContext(ctx))
	e.dialers.Add(1)
	go func() {
		defer e.dialers.Done()

		addr := e.resolve(dctx, contact, addr)
		sctx, span := tracing.TraceDial(dctx, addr)
		defer span.End()

		conn, err := circuitbreaker.Execute(sctx, e.breaker, func() (net.Conn, error) {
			return retry.RetryWithResult(sctx, e.cfg.Dial, func() (net.Conn, error) {
				actx, cancel := context.WithTimeout(sctx, e.cfg.ConnectTimeout)
				defer cancel()
				return e.transport.Dial(actx, addr)
			})
		})
		if err != nil {
			tracing.RecordError(sctx, err)
		}

		select {
		case e.dialed <- dialResult{gen: gen, conn: conn, err: err}:
		case <-dctx.Done():
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

// resolve looks contact up when a resolver is configured, keeping fallback
// when the lookup fails.
func (e *Engine) resolve(ctx context.Context, contact, fallback string) string {
	if e.resolver == nil || contact == "" {
		return fallback
	}
	addr, err := e.resolver.Resolve(ctx, contact)
	if err != nil || addr == "" {
		e.logger.Warnw("contact lookup failed", "contact", contact, "fallback", fallback, "error", err)
		return fallback
	}
	if addr != fallback {
		e.logger.Infow("contact resolved", "contact", contact, "remote", addr)
	}
	return addr
}

func (e *Engine) handleDialResult(ctx context.Context, res dialResult) {
	if res.gen != e.dialGen || e.sm.State() != domain.CallOutgoing || e.peer.Load() != nil {
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return
	}
	if res.err != nil {
		e.logger.Warnw("failed to reach peer", "remote", e.cfg.RemoteAddress, "error", res.err)
		e.setConn(domain.ConnDisconnected)
		e.setActive(false)
		e.sm.End(domain.EndUnreachable)
		return
	}
	p := e.attach(ctx, res.conn)
	e.logger.Infow("connected to peer", "remote", p.addr)
	e.sendStart(p)
}

func (e *Engine) answer(context.Context) error {
	if state := e.sm.State(); state != domain.CallRinging {
		return fmt.Errorf("answer in state %s: %w", state, domain.ErrNotRinging)
	}
	p := e.peer.Load()
	if p == nil {
		return domain.ErrNoPeer
	}
	e.reply(p, protocol.TypeAnswer, nil)
	e.sm.Answer()
	e.setActive(true)
	e.startStreaming(p)
	return nil
}

func (e *Engine) decline(context.Context) error {
	if state := e.sm.State(); state != domain.CallRinging {
		return fmt.Errorf("decline in state %s: %w", state, domain.ErrNotRinging)
	}
	if p := e.peer.Load(); p != nil {
		e.reply(p, protocol.TypeError, protocol.ErrorPayload(protocol.CodeBusy))
		e.closePeer(p, false)
	}
	e.sm.End(domain.EndDeclined)
	return nil
}

func (e *Engine) hangup(context.Context) error {
	state := e.sm.State()
	if state == domain.CallIdle && !e.active.Load() {
		return domain.ErrNoCall
	}
	e.dialGen++
	if p := e.peer.Load(); p != nil {
		e.closePeer(p, true)
	}
	e.setActive(false)
	if err := e.captureBuf.Reset(resetLock); err != nil {
		e.metrics.LockTimeout("capture_reset")
	}
	if err := e.playbackBuf.Reset(resetLock); err != nil {
		e.metrics.LockTimeout("playback_reset")
	}
	if state != domain.CallIdle {
		e.sm.End(domain.EndLocalHangup)
	}
	return nil
}

func (e *Engine) toggle(ctx context.Context) error {
	switch {
	case e.sm.State() == domain.CallRinging:
		return e.answer(ctx)
	case e.sm.State() != domain.CallIdle || e.active.Load():
		return e.hangup(ctx)
	default:
		return e.startCall(ctx)
	}
}
