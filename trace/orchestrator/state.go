package orchestrator

import (
	"time"
)

// ConnState is the secondary-index connection state. Transitions happen
// only inside the orchestrator.
type ConnState int32

const (
	StateDisabled ConnState = iota
	StateInitializing
	StateConnected
	StateDegraded
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateInitializing:
		return "initializing"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Timer is the cancellable handle returned by a Scheduler.
type Timer interface {
	Stop() bool
}

// Scheduler abstracts timer creation so tests can drive the reconnect
// and poll schedule deterministically.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// NewScheduler returns the wall-clock scheduler.
func NewScheduler() Scheduler {
	return realScheduler{}
}
