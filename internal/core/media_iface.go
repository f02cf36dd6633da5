package core

import (
	"context"
	"errors"

	"github.com/dkeye/groupcall/internal/domain"
	"github.com/dkeye/groupcall/internal/media"
)

// ErrMediaAcquisition is returned when local capture cannot be started
// (permission denied, device missing). It aborts a join before any session exists.
var ErrMediaAcquisition = errors.New("media acquisition failed")

// ConnState is the connectivity state of a Transport.
type ConnState string

const (
	ConnStateNew          ConnState = "new"
	ConnStateChecking     ConnState = "checking"
	ConnStateConnected    ConnState = "connected"
	ConnStateCompleted    ConnState = "completed"
	ConnStateDisconnected ConnState = "disconnected"
	ConnStateFailed       ConnState = "failed"
	ConnStateClosed       ConnState = "closed"
)

// SDPType is the type of a session description.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// Transport is one media connection to the call's media server.
// Each instance has a distinct ID; a rejoin replaces it with a new one.
type Transport interface {
	ID() string
	// AddTrack attaches a local track for sending.
	AddTrack(track media.Track) error
	// ReplaceAudioTrack swaps the track behind the audio sender without renegotiation.
	ReplaceAudioTrack(track media.Track) error
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetLocalDescription(ctx context.Context, typ SDPType, sdp string) error
	SetRemoteDescription(ctx context.Context, typ SDPType, sdp string) error
	ConnectionState() ConnState
	Close() error
}

// TransportEventKind enumerates what a Transport reports.
type TransportEventKind int

const (
	TransportStateChanged TransportEventKind = iota
	TransportNegotiationNeeded
	TransportRemoteTrack
	TransportICECandidate
)

// TransportEvent is posted by a Transport. TransportID identifies the
// emitting connection so events of a replaced transport can be ignored.
type TransportEvent struct {
	Kind        TransportEventKind
	TransportID string
	State       ConnState
	Track       media.Track
	Source      domain.Source
	Candidate   string
}

// TransportHandler receives transport events and audio levels.
// OnEvent must not block for long; OnAudioLevel is called per packet.
type TransportHandler interface {
	OnEvent(ev TransportEvent)
	OnAudioLevel(src domain.Source, amplitude float64)
}

// TransportFactory creates transports bound to a handler.
type TransportFactory interface {
	NewTransport(h TransportHandler) (Transport, error)
}

// Capturer acquires local audio. Failures wrap ErrMediaAcquisition.
type Capturer interface {
	Capture(ctx context.Context, deviceID string) (*media.Stream, error)
}

// MediaSink renders the aggregated remote stream.
type MediaSink interface {
	Attach(stream *media.Stream)
	Detach(stream *media.Stream)
	SetOutputDevice(deviceID string) error
}
