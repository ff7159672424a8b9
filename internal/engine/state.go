package engine

import (
	"fmt"
	"time"
)

// Phase is the source connection phase.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseBackoff
	PhaseCircuitOpen
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseBackoff:
		return "backoff"
	case PhaseCircuitOpen:
		return "circuit_open"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// ConnectionState is owned by the Runtime. Until is set for PhaseBackoff and PhaseCircuitOpen.
type ConnectionState struct {
	Phase     Phase     `json:"phase"`
	Until     time.Time `json:"until,omitempty"`
	Since     time.Time `json:"since"`
	Failures  int       `json:"consecutive_failures"`
	LastError string    `json:"last_error,omitempty"`
}

func (s ConnectionState) String() string {
	if s.Phase == PhaseBackoff || s.Phase == PhaseCircuitOpen {
		return fmt.Sprintf("%s(until %s)", s.Phase, s.Until.Format(time.RFC3339Nano))
	}
	return s.Phase.String()
}
