package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/media"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrForeignTrack = errors.New("rtc: track is not backed by a local webrtc track")

// LocalTrack is implemented by tracks that can be sent over a Connection.
type LocalTrack interface {
	media.Track
	TrackLocal() webrtc.TrackLocal
}

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

// Factory creates Connections sharing one media engine: opus with the
// audio level header extension and the default interceptors.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewFactory(cfg webrtc.Configuration) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: opusCapability,
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: sdp.AudioLevelURI}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return &Factory{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry)),
		cfg: cfg,
	}, nil
}

func (f *Factory) NewTransport(h core.TransportHandler) (core.Transport, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := &Connection{id: uuid.NewString(), pc: pc, handler: h}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.start()
	return c, nil
}

// Connection is a core.Transport over a pion PeerConnection.
type Connection struct {
	id      string
	pc      *webrtc.PeerConnection
	handler core.TransportHandler
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	audio  *webrtc.RTPSender
	remote []*RemoteTrack
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("transport", c.id).Str("ice_state", s.String()).Msg("ICE state")
		c.handler.OnEvent(core.TransportEvent{
			Kind:        core.TransportStateChanged,
			TransportID: c.id,
			State:       connState(s),
		})
	})

	c.pc.OnNegotiationNeeded(func() {
		c.handler.OnEvent(core.TransportEvent{Kind: core.TransportNegotiationNeeded, TransportID: c.id})
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.handler.OnEvent(core.TransportEvent{
			Kind:        core.TransportICECandidate,
			TransportID: c.id,
			Candidate:   cand.ToJSON().Candidate,
		})
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("transport", c.id).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		rt := newRemoteTrack(track, audioLevelID(receiver))
		c.mu.Lock()
		c.remote = append(c.remote, rt)
		c.mu.Unlock()
		go rt.loop(c.ctx, c.handler)
		c.handler.OnEvent(core.TransportEvent{
			Kind:        core.TransportRemoteTrack,
			TransportID: c.id,
			Track:       rt,
			Source:      rt.Source(),
		})
	})
}

func (c *Connection) AddTrack(track media.Track) error {
	lt, ok := track.(LocalTrack)
	if !ok {
		return ErrForeignTrack
	}
	sender, err := c.pc.AddTrack(lt.TrackLocal())
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	if track.Kind() == media.KindAudio {
		c.mu.Lock()
		c.audio = sender
		c.mu.Unlock()
	}
	go drainRTCP(sender)
	return nil
}

func (c *Connection) ReplaceAudioTrack(track media.Track) error {
	lt, ok := track.(LocalTrack)
	if !ok {
		return ErrForeignTrack
	}
	c.mu.Lock()
	sender := c.audio
	c.mu.Unlock()
	if sender == nil {
		return c.AddTrack(track)
	}
	return sender.ReplaceTrack(lt.TrackLocal())
}

func (c *Connection) CreateOffer(context.Context) (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (c *Connection) CreateAnswer(context.Context) (string, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (c *Connection) SetLocalDescription(_ context.Context, typ core.SDPType, raw string) error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: sdpType(typ), SDP: raw})
}

func (c *Connection) SetRemoteDescription(_ context.Context, typ core.SDPType, raw string) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType(typ), SDP: raw})
}

func (c *Connection) ConnectionState() core.ConnState {
	return connState(c.pc.ICEConnectionState())
}

func (c *Connection) Close() error {
	c.cancel()
	c.mu.Lock()
	remote := c.remote
	c.remote = nil
	c.mu.Unlock()
	for _, rt := range remote {
		rt.Stop()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("transport", c.id).Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Str("transport", c.id).Msg("closed")
	return nil
}

func sdpType(t core.SDPType) webrtc.SDPType {
	if t == core.SDPTypeAnswer {
		return webrtc.SDPTypeAnswer
	}
	return webrtc.SDPTypeOffer
}

func connState(s webrtc.ICEConnectionState) core.ConnState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return core.ConnStateChecking
	case webrtc.ICEConnectionStateConnected:
		return core.ConnStateConnected
	case webrtc.ICEConnectionStateCompleted:
		return core.ConnStateCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return core.ConnStateDisconnected
	case webrtc.ICEConnectionStateFailed:
		return core.ConnStateFailed
	case webrtc.ICEConnectionStateClosed:
		return core.ConnStateClosed
	default:
		return core.ConnStateNew
	}
}

// audioLevelID returns the negotiated id of the audio level extension, or 0.
func audioLevelID(receiver *webrtc.RTPReceiver) uint8 {
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == sdp.AudioLevelURI {
			return uint8(ext.ID)
		}
	}
	return 0
}

// drainRTCP reads incoming RTCP so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
