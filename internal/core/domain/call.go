package domain

import "time"

type CallID string

// Role is the static connection role of this device.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// ConnectionState tracks the socket, independent of call semantics.
type ConnectionState int32

const (
	ConnDisconnected ConnectionState = iota
	ConnConnecting
	ConnConnected
	ConnStreaming
)

func (s ConnectionState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CallState is the user-visible call lifecycle.
type CallState string

const (
	CallIdle      CallState = "idle"
	CallOutgoing  CallState = "outgoing"
	CallIncoming  CallState = "incoming"
	CallRinging   CallState = "ringing"
	CallAnswering CallState = "answering"
	CallStreaming CallState = "streaming"
)

// Active reports whether s is anything but idle.
func (s CallState) Active() bool {
	return s != CallIdle && s != ""
}

// EndReason is attached to every return to idle. It is reported only; no
// control flow depends on it.
type EndReason string

const (
	EndLocalHangup   EndReason = "local_hangup"
	EndRemoteHangup  EndReason = "remote_hangup"
	EndDeclined      EndReason = "declined"
	EndTimeout       EndReason = "timeout"
	EndBusy          EndReason = "busy"
	EndUnreachable   EndReason = "unreachable"
	EndProtocolError EndReason = "protocol_error"
	EndBridgeError   EndReason = "bridge_error"
)

// Failed reports whether the call ended without either side hanging up.
func (r EndReason) Failed() bool {
	switch r {
	case EndBusy, EndUnreachable, EndProtocolError, EndBridgeError:
		return true
	default:
		return false
	}
}

// Status is a point-in-time view of the engine.
type Status struct {
	Role        Role            `json:"role"`
	DeviceName  string          `json:"device_name"`
	CallID      CallID          `json:"call_id,omitempty"`
	State       CallState       `json:"state"`
	Connection  ConnectionState `json:"connection"`
	Active      bool            `json:"active"`
	Streaming   bool            `json:"streaming"`
	Caller      string          `json:"caller,omitempty"`
	PeerAddress string          `json:"peer_address,omitempty"`
	Destination string          `json:"destination,omitempty"`
	LastReason  EndReason       `json:"last_end_reason,omitempty"`
	Since       time.Time       `json:"since"`
}
