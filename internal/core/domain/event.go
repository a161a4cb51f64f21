package domain

import "time"

type EventType string

// Call transition events. Exactly one is published per state change.
const (
	EventOutgoingCall EventType = "outgoing_call"
	EventIncomingCall EventType = "incoming_call"
	EventRinging      EventType = "ringing"
	EventAnswered     EventType = "answered"
	EventStreaming    EventType = "streaming"
	EventHangup       EventType = "hangup"
	EventCallFailed   EventType = "call_failed"
)

// Lifecycle events.
const (
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventStarted         EventType = "started"
	EventStopped         EventType = "stopped"
	EventSettingsChanged EventType = "settings_changed"
)

type Event struct {
	Type      EventType `json:"type"`
	CallID    CallID    `json:"call_id,omitempty"`
	State     CallState `json:"state,omitempty"`
	Reason    EndReason `json:"reason,omitempty"`
	Caller    string    `json:"caller,omitempty"`
	Peer      string    `json:"peer,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TransitionEvent maps a state change to the event it publishes. A return to
// idle publishes hangup or call_failed depending on the reason.
func TransitionEvent(to CallState, reason EndReason) EventType {
	switch to {
	case CallOutgoing:
		return EventOutgoingCall
	case CallIncoming:
		return EventIncomingCall
	case CallRinging:
		return EventRinging
	case CallAnswering:
		return EventAnswered
	case CallStreaming:
		return EventStreaming
	default:
		if reason.Failed() {
			return EventCallFailed
		}
		return EventHangup
	}
}
