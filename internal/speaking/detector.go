// Package speaking classifies per-source audio activity with hysteresis:
// onset is confirmed quickly, silence slowly, so natural pauses do not flap.
package speaking

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/groupcall/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	DefaultThreshold = 0.2
	DefaultAttack    = 150 * time.Millisecond
	DefaultRelease   = 1000 * time.Millisecond
)

// Config tunes the classifier.
type Config struct {
	Threshold float64
	Attack    time.Duration
	Release   time.Duration
}

func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold, Attack: DefaultAttack, Release: DefaultRelease}
}

// Sample is one amplitude reading for a source, normalized to [0, 1].
type Sample struct {
	Source    domain.Source
	Amplitude float64
}

// EmitFunc receives confirmed transitions. It is never called with the
// detector lock held.
type EmitFunc func(src domain.Source, speaking bool)

type sourceState struct {
	speaking  bool
	candidate bool
	arm       *clock.Timer
	disarm    *clock.Timer
	gen       uint64
}

func (s *sourceState) cancel() {
	if s.arm != nil {
		s.arm.Stop()
		s.arm = nil
	}
	if s.disarm != nil {
		s.disarm.Stop()
		s.disarm = nil
	}
}

type Detector struct {
	clock clock.Clock
	cfg   Config
	emit  EmitFunc

	mu      sync.Mutex
	sources map[domain.Source]*sourceState
	stopped bool
}

func NewDetector(clk clock.Clock, cfg Config, emit EmitFunc) *Detector {
	if clk == nil {
		clk = clock.New()
	}
	return &Detector{
		clock:   clk,
		cfg:     cfg,
		emit:    emit,
		sources: make(map[domain.Source]*sourceState),
	}
}

// Process feeds one analysis batch. A candidate flip restarts the confirm
// timer for the new direction and cancels the pending one.
func (d *Detector) Process(samples []Sample) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	for _, s := range samples {
		st, ok := d.sources[s.Source]
		if !ok {
			st = &sourceState{}
			d.sources[s.Source] = st
		}

		candidate := s.Amplitude > d.cfg.Threshold
		if candidate == st.candidate {
			continue
		}
		st.candidate = candidate
		st.cancel()
		st.gen++

		src, gen := s.Source, st.gen
		if candidate {
			st.arm = d.clock.AfterFunc(d.cfg.Attack, func() { d.fire(src, gen, true) })
		} else {
			st.disarm = d.clock.AfterFunc(d.cfg.Release, func() { d.fire(src, gen, false) })
		}
	}
}

func (d *Detector) fire(src domain.Source, gen uint64, speaking bool) {
	d.mu.Lock()
	st, ok := d.sources[src]
	if d.stopped || !ok || st.gen != gen {
		d.mu.Unlock()
		return
	}
	st.arm, st.disarm = nil, nil
	if st.speaking == speaking {
		d.mu.Unlock()
		return
	}
	st.speaking = speaking
	d.mu.Unlock()

	log.Debug().Str("module", "speaking").Uint32("source", uint32(src)).Bool("speaking", speaking).Msg("speaking changed")
	if d.emit != nil {
		d.emit(src, speaking)
	}
}

// Forget cancels timers of src and drops its state.
func (d *Detector) Forget(src domain.Source) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.sources[src]; ok {
		st.cancel()
		st.gen++
		delete(d.sources, src)
	}
}

// Speaking reports the last confirmed state of src.
func (d *Detector) Speaking(src domain.Source) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.sources[src]
	return ok && st.speaking
}

// Stop cancels every pending timer. Later batches are ignored.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for _, st := range d.sources {
		st.cancel()
		st.gen++
	}
}
