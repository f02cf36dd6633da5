// Package cues provides headless renderings of the audible side of a call:
// notification cues and the remote audio sink. Both only log, which is
// what a daemon without an audio device can do.
package cues

import (
	"sync"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/media"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Player is a core.CuePlayer that records which cues are playing.
type Player struct {
	mu      sync.Mutex
	playing map[string]core.Cue
}

func NewPlayer() *Player {
	return &Player{playing: make(map[string]core.Cue)}
}

func (p *Player) Play(cue core.Cue, loop bool) func() {
	id := uuid.NewString()
	log.Info().Str("module", "cues").Str("cue", string(cue)).Bool("loop", loop).Str("playback", id).Msg("play")
	if !loop {
		return func() {}
	}

	p.mu.Lock()
	p.playing[id] = cue
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.playing, id)
			p.mu.Unlock()
			log.Info().Str("module", "cues").Str("cue", string(cue)).Str("playback", id).Msg("stop")
		})
	}
}

// Looping returns the number of looped cues still playing.
func (p *Player) Looping() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.playing)
}

// Sink is a core.MediaSink that tracks the attached remote stream.
type Sink struct {
	mu     sync.Mutex
	stream *media.Stream
	device string
}

func (s *Sink) Attach(stream *media.Stream) {
	s.mu.Lock()
	s.stream = stream
	device := s.device
	s.mu.Unlock()
	log.Info().Str("module", "cues.sink").Str("stream", stream.ID()).Str("device", device).Msg("attached")
}

func (s *Sink) Detach(stream *media.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != stream {
		return
	}
	s.stream = nil
	log.Info().Str("module", "cues.sink").Str("stream", stream.ID()).Msg("detached")
}

func (s *Sink) SetOutputDevice(deviceID string) error {
	s.mu.Lock()
	s.device = deviceID
	s.mu.Unlock()
	log.Info().Str("module", "cues.sink").Str("device", deviceID).Msg("output device set")
	return nil
}

// Attached returns the stream currently rendered, if any.
func (s *Sink) Attached() *media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

var (
	_ core.CuePlayer = (*Player)(nil)
	_ core.MediaSink = (*Sink)(nil)
)
