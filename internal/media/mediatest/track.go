// Package mediatest provides in-memory tracks for tests.
package mediatest

import (
	"sync"

	"github.com/dkeye/groupcall/internal/media"
)

// Track is a media.Track that only records state.
type Track struct {
	id   string
	kind media.Kind

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func NewAudio(id string) *Track {
	return &Track{id: id, kind: media.KindAudio, enabled: true}
}

func NewVideo(id string) *Track {
	return &Track{id: id, kind: media.KindVideo, enabled: true}
}

func (t *Track) ID() string       { return t.id }
func (t *Track) Kind() media.Kind { return t.kind }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
