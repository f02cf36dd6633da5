package speaking

import (
	"context"
	"math"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/groupcall/internal/domain"
)

// DefaultAnalysisInterval is how often accumulated levels are classified.
const DefaultAnalysisInterval = 50 * time.Millisecond

// OutputKey is the key under which the local source is reported.
const OutputKey = "output"

// Key is the externally visible identifier of src. The local source is
// always reported as OutputKey.
func Key(src, self domain.Source) string {
	if src == self {
		return OutputKey
	}
	return strconv.FormatInt(int64(domain.ToServerSource(src)), 10)
}

// ReportSource is the source sent to the coordination service; 0 means self.
func ReportSource(src, self domain.Source) domain.ServerSource {
	if src == self {
		return 0
	}
	return domain.ToServerSource(src)
}

// AmplitudeFromLevel converts an RFC 6464 level (-dBov, 0..127) to a linear amplitude.
func AmplitudeFromLevel(level uint8) float64 {
	if level >= 127 {
		return 0
	}
	return math.Pow(10, -float64(level)/20)
}

// Meter keeps the peak amplitude per source between analysis ticks.
type Meter struct {
	mu    sync.Mutex
	peaks map[domain.Source]float64
}

func NewMeter() *Meter {
	return &Meter{peaks: make(map[domain.Source]float64)}
}

func (m *Meter) Observe(src domain.Source, amplitude float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amplitude > m.peaks[src] {
		m.peaks[src] = amplitude
		return
	}
	if _, ok := m.peaks[src]; !ok {
		m.peaks[src] = amplitude
	}
}

func (m *Meter) Forget(src domain.Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peaks, src)
}

// Drain returns one sample per known source ordered by source and resets
// the peaks. A source without readings since the last drain reports 0.
func (m *Meter) Drain() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, 0, len(m.peaks))
	for src, peak := range m.peaks {
		out = append(out, Sample{Source: src, Amplitude: peak})
		m.peaks[src] = 0
	}
	slices.SortFunc(out, func(a, b Sample) int {
		switch {
		case a.Source < b.Source:
			return -1
		case a.Source > b.Source:
			return 1
		}
		return 0
	})
	return out
}

// Run feeds d with a drained batch every interval until ctx is done.
func (m *Meter) Run(ctx context.Context, clk clock.Clock, interval time.Duration, d *Detector) {
	if clk == nil {
		clk = clock.New()
	}
	ticker := clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if batch := m.Drain(); len(batch) > 0 {
				d.Process(batch)
			}
		}
	}
}
