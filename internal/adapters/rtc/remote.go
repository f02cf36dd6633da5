package rtc

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/dkeye/groupcall/internal/conference"
	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
	"github.com/dkeye/groupcall/internal/media"
	"github.com/dkeye/groupcall/internal/speaking"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RemoteTrack is an incoming audio track of one participant. Its loop
// reads RTP and reports the audio level carried in the header extension.
type RemoteTrack struct {
	src     *webrtc.TrackRemote
	source  domain.Source
	levelID uint8
	state   atomic.Int32
}

func newRemoteTrack(src *webrtc.TrackRemote, levelID uint8) *RemoteTrack {
	source, ok := conference.SourceFromStreamLabel(src.StreamID())
	if !ok {
		source = domain.Source(src.SSRC())
	}
	return &RemoteTrack{src: src, source: source, levelID: levelID}
}

func (t *RemoteTrack) ID() string            { return t.src.ID() }
func (t *RemoteTrack) Kind() media.Kind      { return media.KindAudio }
func (t *RemoteTrack) Source() domain.Source { return t.source }
func (t *RemoteTrack) Enabled() bool         { return TrackState(t.state.Load()) == TrackStateOk }

// SetEnabled toggles level reporting; packets are read either way.
func (t *RemoteTrack) SetEnabled(enabled bool) {
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

func (t *RemoteTrack) Stop() {
	if TrackState(t.state.Swap(int32(TrackStateStopped))) == TrackStateStopped {
		return
	}
	_ = t.src.SetReadDeadline(time.Now())
}

func (t *RemoteTrack) loop(ctx context.Context, h core.TransportHandler) {
	logger := log.With().Str("module", "webrtc").Str("track", t.ID()).Uint32("source", uint32(t.source)).Logger()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("remote track ctx done")
			return
		default:
		}
		pkt, _, err := t.src.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && TrackState(t.state.Load()) != TrackStateStopped {
				logger.Error().Err(err).Msg("read RTP error, stopping")
			}
			return
		}
		if amp, ok := t.level(pkt); ok && t.Enabled() {
			h.OnAudioLevel(t.source, amp)
		}
	}
}

func (t *RemoteTrack) level(pkt *rtp.Packet) (float64, bool) {
	if t.levelID == 0 {
		return 0, false
	}
	raw := pkt.GetExtension(t.levelID)
	if raw == nil {
		return 0, false
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return 0, false
	}
	return speaking.AmplitudeFromLevel(ext.Level), true
}
