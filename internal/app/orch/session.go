package orch

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
	"github.com/dkeye/groupcall/internal/media"
	"github.com/dkeye/groupcall/internal/speaking"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateNegotiating
	StateActive
	StateRenegotiating
	StateRejoining
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateRenegotiating:
		return "renegotiating"
	case StateRejoining:
		return "rejoining"
	case StateLeaving:
		return "leaving"
	default:
		return "idle"
	}
}

type ringback struct {
	timer *clock.Timer
	stop  func()
}

// Session is the current call. All fields are guarded by Orchestrator.mu;
// streams, meter and detector are safe on their own.
type Session struct {
	id     string
	callID domain.CallID

	state     State
	transport core.Transport
	streams   *media.StreamManager
	builder   DescriptionBuilder
	params    domain.TransportParams

	// attempt counts connects; a rejoin starts a new one.
	attempt uint64

	selfSource   domain.Source
	muted        bool
	rejoin       bool
	inputDevice  string
	outputDevice string

	// renegotiating is the single guard for builder and description work.
	renegotiating    bool
	canRenegotiate   bool
	renegotiateTimer *clock.Timer

	speaking  map[string]bool
	meter     *speaking.Meter
	detector  *speaking.Detector
	stopMeter context.CancelFunc

	connState map[string]core.ConnState
	joinedCue map[string]bool
	ringback  map[string]*ringback
}

func (s *Session) transportID() string {
	if s.transport == nil {
		return ""
	}
	return s.transport.ID()
}

// Snapshot is a read-only view of the current session.
type Snapshot struct {
	SessionID    string               `json:"session_id"`
	CallID       domain.CallID        `json:"call_id"`
	State        string               `json:"state"`
	TransportID  string               `json:"transport_id,omitempty"`
	SelfSource   domain.ServerSource  `json:"self_source"`
	Muted        bool                 `json:"muted"`
	InputDevice  string               `json:"input_device,omitempty"`
	OutputDevice string               `json:"output_device,omitempty"`
	Speaking     map[string]bool      `json:"speaking"`
	Participants []domain.Participant `json:"participants"`
}
