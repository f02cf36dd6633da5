// Package media aggregates per-peer tracks into two logical streams whose
// identity never changes for the lifetime of a call.
package media

import (
	"slices"
	"sync"
)

// Stream is a stable container of tracks. Consumers keep a reference to it;
// only its track membership changes.
type Stream struct {
	id string

	mu     sync.RWMutex
	tracks []Track
}

func NewStream(id string, tracks ...Track) *Stream {
	return &Stream{id: id, tracks: slices.Clone(tracks)}
}

func (s *Stream) ID() string { return s.id }

// Tracks returns a copy of the current track list.
func (s *Stream) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.tracks)
}

// AudioTracks returns the audio tracks in attach order.
func (s *Stream) AudioTracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		if t.Kind() == KindAudio {
			out = append(out, t)
		}
	}
	return out
}

func (s *Stream) add(t Track) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.tracks, t) {
		return false
	}
	s.tracks = append(s.tracks, t)
	return true
}

func (s *Stream) remove(t Track) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.tracks, t)
	if i < 0 {
		return false
	}
	s.tracks = slices.Delete(s.tracks, i, i+1)
	return true
}

// replace swaps old for next in place. If old is not attached, next is appended.
func (s *Stream) replace(old, next Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.Index(s.tracks, old); i >= 0 && old != nil {
		s.tracks[i] = next
		return
	}
	s.tracks = append(s.tracks, next)
}

func (s *Stream) drain() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.tracks
	s.tracks = nil
	return out
}
