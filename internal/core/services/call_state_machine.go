package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"intercom/internal/core/domain"

	"github.com/looplab/fsm"
)

// Call events understood by CallStateMachine.
const (
	evDial      = "dial"
	evIncoming  = "incoming"
	evRing      = "ring"
	evAnswer    = "answer"
	evPeerAudio = "peer_audio"
	evStream    = "stream"
	evEnd       = "end"
)

// Transition describes one state change.
type Transition struct {
	From   domain.CallState
	To     domain.CallState
	Event  string
	Reason domain.EndReason
	At     time.Time
}

// CallStateMachine is the call lifecycle table. It is mutated only by the
// controller goroutine; State may be read from anywhere.
type CallStateMachine struct {
	fsm *fsm.FSM

	state     atomic.Value // domain.CallState
	mu        sync.Mutex
	enteredAt time.Time

	now          func() time.Time
	onTransition func(Transition)
}

// NewCallStateMachine builds the table. onTransition runs synchronously after
// every real state change and never for a rejected or no-op event.
func NewCallStateMachine(onTransition func(Transition)) *CallStateMachine {
	m := &CallStateMachine{
		now:          time.Now,
		onTransition: onTransition,
	}
	m.state.Store(domain.CallIdle)
	m.enteredAt = m.now()

	idle := string(domain.CallIdle)
	outgoing := string(domain.CallOutgoing)
	incoming := string(domain.CallIncoming)
	ringing := string(domain.CallRinging)
	answering := string(domain.CallAnswering)
	streaming := string(domain.CallStreaming)

	m.fsm = fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: evDial, Src: []string{idle}, Dst: outgoing},
			{Name: evIncoming, Src: []string{idle, outgoing}, Dst: incoming},
			{Name: evRing, Src: []string{incoming}, Dst: ringing},
			{Name: evAnswer, Src: []string{idle, outgoing, incoming, ringing}, Dst: answering},
			// Audio from the peer while we are calling means it picked up,
			// whether or not an ANSWER was sent.
			{Name: evPeerAudio, Src: []string{outgoing}, Dst: streaming},
			{Name: evStream, Src: []string{outgoing, answering}, Dst: streaming},
			{Name: evEnd, Src: []string{outgoing, incoming, ringing, answering, streaming}, Dst: idle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.entered(e)
			},
		},
	)
	return m
}

func (m *CallStateMachine) entered(e *fsm.Event) {
	t := Transition{
		From:  domain.CallState(e.Src),
		To:    domain.CallState(e.Dst),
		Event: e.Event,
		At:    m.now(),
	}
	if len(e.Args) > 0 {
		if r, ok := e.Args[0].(domain.EndReason); ok {
			t.Reason = r
		}
	}

	m.mu.Lock()
	m.enteredAt = t.At
	m.mu.Unlock()
	m.state.Store(t.To)

	if m.onTransition != nil {
		m.onTransition(t)
	}
}

// State returns the current call state.
func (m *CallStateMachine) State() domain.CallState {
	return m.state.Load().(domain.CallState)
}

// Since returns when the current state was entered.
func (m *CallStateMachine) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enteredAt
}

// Expired reports whether a state waiting on the peer (ringing or outgoing)
// has lasted longer than timeout. A zero timeout never expires.
func (m *CallStateMachine) Expired(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	switch m.State() {
	case domain.CallRinging, domain.CallOutgoing:
		return now.Sub(m.Since()) > timeout
	default:
		return false
	}
}

// fire applies an event and reports whether the state changed. Events that
// are invalid in the current state (fsm.InvalidEventError) are ignored.
func (m *CallStateMachine) fire(event string, args ...interface{}) bool {
	return m.fsm.Event(context.Background(), event, args...) == nil
}

func (m *CallStateMachine) Dial() bool      { return m.fire(evDial) }
func (m *CallStateMachine) Incoming() bool  { return m.fire(evIncoming) }
func (m *CallStateMachine) Ring() bool      { return m.fire(evRing) }
func (m *CallStateMachine) Answer() bool    { return m.fire(evAnswer) }
func (m *CallStateMachine) PeerAudio() bool { return m.fire(evPeerAudio) }
func (m *CallStateMachine) Stream() bool    { return m.fire(evStream) }

// End returns the call to idle with the given reason. It is a no-op when
// already idle.
func (m *CallStateMachine) End(reason domain.EndReason) bool {
	return m.fire(evEnd, reason)
}

// Can reports whether event is valid in the current state.
func (m *CallStateMachine) Can(event string) bool {
	return m.fsm.Can(event)
}
