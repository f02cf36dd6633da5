package rtc

import (
	"sync/atomic"

	"github.com/dkeye/groupcall/internal/media"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateStopped
)

var opusCapability = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   48000,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}

// LocalAudio is an outgoing opus track. Samples written while muted or
// stopped are dropped.
type LocalAudio struct {
	track *webrtc.TrackLocalStaticSample
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func NewLocalAudio(id, streamID string) (*LocalAudio, error) {
	track, err := webrtc.NewTrackLocalStaticSample(opusCapability, id, streamID)
	if err != nil {
		return nil, err
	}
	return &LocalAudio{track: track}, nil
}

func (t *LocalAudio) ID() string                    { return t.track.ID() }
func (t *LocalAudio) Kind() media.Kind              { return media.KindAudio }
func (t *LocalAudio) TrackLocal() webrtc.TrackLocal { return t.track }
func (t *LocalAudio) State() TrackState             { return TrackState(t.state.Load()) }
func (t *LocalAudio) Enabled() bool                 { return t.State() == TrackStateOk }

func (t *LocalAudio) SetEnabled(enabled bool) {
	next := TrackStateMuted
	if enabled {
		next = TrackStateOk
	}
	for {
		cur := t.state.Load()
		if TrackState(cur) == TrackStateStopped || t.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (t *LocalAudio) Stop() {
	t.state.Store(int32(TrackStateStopped))
}

// WriteSample sends s if the track is enabled.
func (t *LocalAudio) WriteSample(s pmedia.Sample) error {
	if t.State() != TrackStateOk {
		return nil
	}
	return t.track.WriteSample(s)
}
