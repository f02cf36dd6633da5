package speaking

import (
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/groupcall/internal/domain"
)

type transition struct {
	src      domain.Source
	speaking bool
}

func newTestDetector() (*Detector, *clock.Mock, chan transition) {
	clk := clock.NewMock()
	out := make(chan transition, 16)
	d := NewDetector(clk, DefaultConfig(), func(src domain.Source, speaking bool) {
		out <- transition{src, speaking}
	})
	return d, clk, out
}

func mustTransition(t *testing.T, ch <-chan transition, want transition) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("got transition %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected transition %+v not received", want)
	}
}

func mustNoTransition(t *testing.T, ch <-chan transition) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected transition %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func feed(d *Detector, src domain.Source, amp float64) {
	d.Process([]Sample{{Source: src, Amplitude: amp}})
}

func TestShortBurstDoesNotReportSpeaking(t *testing.T) {
	d, clk, out := newTestDetector()

	for _, amp := range []float64{0.3, 0.3, 0.1} {
		feed(d, 7, amp)
		clk.Add(50 * time.Millisecond)
	}
	clk.Add(2 * time.Second)

	mustNoTransition(t, out)
	if d.Speaking(7) {
		t.Fatal("source must not be speaking")
	}
}

func TestSustainedSpeechReportsOnceEachWay(t *testing.T) {
	d, clk, out := newTestDetector()

	feed(d, 7, 0.3)
	clk.Add(50 * time.Millisecond)
	feed(d, 7, 0.4)
	clk.Add(50 * time.Millisecond)
	feed(d, 7, 0.35)
	clk.Add(60 * time.Millisecond)

	mustTransition(t, out, transition{7, true})
	mustNoTransition(t, out)

	feed(d, 7, 0.1)
	clk.Add(500 * time.Millisecond)
	feed(d, 7, 0.05)
	mustNoTransition(t, out)
	clk.Add(600 * time.Millisecond)

	mustTransition(t, out, transition{7, false})
	clk.Add(3 * time.Second)
	mustNoTransition(t, out)
}

func TestPauseShorterThanReleaseKeepsSpeaking(t *testing.T) {
	d, clk, out := newTestDetector()

	feed(d, 3, 0.5)
	clk.Add(200 * time.Millisecond)
	mustTransition(t, out, transition{3, true})

	feed(d, 3, 0.0)
	clk.Add(500 * time.Millisecond)
	feed(d, 3, 0.5)
	clk.Add(2 * time.Second)

	mustNoTransition(t, out)
	if !d.Speaking(3) {
		t.Fatal("source should still be speaking")
	}
}

func TestThresholdIsExclusive(t *testing.T) {
	d, clk, out := newTestDetector()

	feed(d, 1, DefaultThreshold)
	clk.Add(time.Second)
	mustNoTransition(t, out)
}

func TestSourcesAreIndependent(t *testing.T) {
	d, clk, out := newTestDetector()

	d.Process([]Sample{{Source: 1, Amplitude: 0.9}, {Source: 2, Amplitude: 0.1}})
	clk.Add(200 * time.Millisecond)

	mustTransition(t, out, transition{1, true})
	mustNoTransition(t, out)
}

func TestStopCancelsPendingTimers(t *testing.T) {
	d, clk, out := newTestDetector()

	feed(d, 1, 0.9)
	d.Stop()
	clk.Add(time.Second)
	mustNoTransition(t, out)

	feed(d, 1, 0.0)
	feed(d, 1, 0.9)
	clk.Add(time.Second)
	mustNoTransition(t, out)
}

func TestForgetDropsPendingTransition(t *testing.T) {
	d, clk, out := newTestDetector()

	feed(d, 1, 0.9)
	d.Forget(1)
	clk.Add(time.Second)
	mustNoTransition(t, out)
}

func TestMeterDrainResetsPeaks(t *testing.T) {
	m := NewMeter()
	m.Observe(9, 0.2)
	m.Observe(9, 0.7)
	m.Observe(9, 0.1)
	m.Observe(2, 0.05)

	batch := m.Drain()
	if len(batch) != 2 || batch[0] != (Sample{2, 0.05}) || batch[1] != (Sample{9, 0.7}) {
		t.Fatalf("unexpected batch %+v", batch)
	}

	batch = m.Drain()
	if len(batch) != 2 || batch[0].Amplitude != 0 || batch[1].Amplitude != 0 {
		t.Fatalf("peaks not reset: %+v", batch)
	}

	m.Forget(2)
	if batch = m.Drain(); len(batch) != 1 || batch[0].Source != 9 {
		t.Fatalf("forget did not drop source: %+v", batch)
	}
}

func TestKeysTranslateSources(t *testing.T) {
	const self = domain.Source(4000000000)
	if got := Key(self, self); got != OutputKey {
		t.Fatalf("self key = %q", got)
	}
	if got := Key(3000000000, self); got != "-1294967296" {
		t.Fatalf("remote key = %q", got)
	}
	if got := ReportSource(self, self); got != 0 {
		t.Fatalf("self report source = %d", got)
	}
	if got := ReportSource(12, self); got != 12 {
		t.Fatalf("remote report source = %d", got)
	}
}

func TestAmplitudeFromLevel(t *testing.T) {
	if got := AmplitudeFromLevel(0); got != 1 {
		t.Fatalf("level 0 = %v", got)
	}
	if got := AmplitudeFromLevel(20); math.Abs(got-0.1) > 1e-9 {
		t.Fatalf("level 20 = %v", got)
	}
	if got := AmplitudeFromLevel(127); got != 0 {
		t.Fatalf("level 127 = %v", got)
	}
}
