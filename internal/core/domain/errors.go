package domain

import "errors"

var (
	ErrNotIdle         = errors.New("call already in progress")
	ErrNotRinging      = errors.New("no incoming call to answer")
	ErrNoCall          = errors.New("no active call")
	ErrNoPeer          = errors.New("no peer connected")
	ErrPeerBusy        = errors.New("peer is busy")
	ErrPeerUnreachable = errors.New("peer unreachable")
	ErrEngineStopped   = errors.New("engine stopped")
	ErrNotFound        = errors.New("not found")
	ErrInvalidSetting  = errors.New("invalid setting")
)
