package media

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Role selects which logical stream a track belongs to.
type Role int

const (
	RoleInput Role = iota
	RoleOutput
)

func (r Role) String() string {
	if r == RoleInput {
		return "input"
	}
	return "output"
}

// StreamManager owns the local capture stream and the aggregated remote
// stream. Transports come and go; the two streams outlive them.
type StreamManager struct {
	input  *Stream
	output *Stream

	mu     sync.Mutex
	closed bool
}

func NewStreamManager() *StreamManager {
	return &StreamManager{
		input:  NewStream("input-" + uuid.NewString()),
		output: NewStream("output-" + uuid.NewString()),
	}
}

func (m *StreamManager) Input() *Stream  { return m.input }
func (m *StreamManager) Output() *Stream { return m.output }

func (m *StreamManager) stream(role Role) *Stream {
	if role == RoleInput {
		return m.input
	}
	return m.output
}

// AddTrack attaches t to the stream for role.
func (m *StreamManager) AddTrack(t Track, role Role) {
	if m.stream(role).add(t) {
		log.Debug().Str("module", "media").Str("role", role.String()).Str("track", t.ID()).Msg("track attached")
	}
}

// RemoveTrack detaches t from the stream for role and stops it.
func (m *StreamManager) RemoveTrack(t Track, role Role) {
	if m.stream(role).remove(t) {
		log.Debug().Str("module", "media").Str("role", role.String()).Str("track", t.ID()).Msg("track detached")
	}
	t.Stop()
}

// InputAudio returns the current local audio track, if any.
func (m *StreamManager) InputAudio() (Track, bool) {
	tracks := m.input.AudioTracks()
	if len(tracks) == 0 {
		return nil, false
	}
	return tracks[0], true
}

// ReplaceInputAudio moves the first audio track of captured into the input
// stream in place of old, keeping old's enabled flag, then stops old.
// It returns the track now attached.
func (m *StreamManager) ReplaceInputAudio(captured *Stream, old Track) (Track, bool) {
	tracks := captured.AudioTracks()
	if len(tracks) == 0 {
		return nil, false
	}
	next := tracks[0]
	if old != nil {
		next.SetEnabled(old.Enabled())
	}
	m.input.replace(old, next)
	captured.remove(next)
	if old != nil && old != next {
		old.Stop()
	}
	log.Info().Str("module", "media").Str("track", next.ID()).Msg("input audio replaced")
	return next, true
}

// Close stops and detaches every track of both streams. The streams
// themselves remain valid and empty.
func (m *StreamManager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	for _, t := range m.input.drain() {
		t.Stop()
	}
	for _, t := range m.output.drain() {
		t.Stop()
	}
	log.Info().Str("module", "media").Msg("streams closed")
}

// Closed reports whether Close has been called.
func (m *StreamManager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
