package rtc

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/media"
	"github.com/google/uuid"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const frameDuration = 20 * time.Millisecond

// opusSilence is one 20 ms opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilenceCapturer is a headless core.Capturer: each capture yields one
// opus track fed with silence frames until it is stopped.
type SilenceCapturer struct {
	// Devices lists the accepted device ids; "" always means the default.
	Devices []string
	Clock   clock.Clock
	// OnLevel, if set, receives the amplitude of every written frame.
	OnLevel func(amplitude float64)
}

func (c *SilenceCapturer) Capture(ctx context.Context, deviceID string) (*media.Stream, error) {
	if deviceID != "" && !slices.Contains(c.Devices, deviceID) {
		return nil, fmt.Errorf("%w: unknown device %q", core.ErrMediaAcquisition, deviceID)
	}
	streamID := uuid.NewString()
	track, err := NewLocalAudio("mic-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrMediaAcquisition, err)
	}

	clk := c.Clock
	if clk == nil {
		clk = clock.New()
	}
	go c.pump(clk, track)
	log.Info().Str("module", "capture").Str("device", deviceID).Str("track", track.ID()).Msg("capture started")
	return media.NewStream(streamID, track), nil
}

func (c *SilenceCapturer) pump(clk clock.Clock, track *LocalAudio) {
	ticker := clk.Ticker(frameDuration)
	defer ticker.Stop()
	for range ticker.C {
		if track.State() == TrackStateStopped {
			log.Debug().Str("module", "capture").Str("track", track.ID()).Msg("capture stopped")
			return
		}
		if err := track.WriteSample(pmedia.Sample{Data: opusSilence, Duration: frameDuration}); err != nil {
			log.Warn().Str("module", "capture").Err(err).Msg("write sample")
		}
		if c.OnLevel != nil && track.Enabled() {
			c.OnLevel(0)
		}
	}
}
