package engine

import (
	"testing"
	"time"
)

const gib = uint64(1024 * 1024 * 1024)

func recordAt(s *Stats, bytes uint64, elapsed float64) {
	s.Record(Sample{BytesTransferred: bytes, ElapsedSeconds: elapsed})
}

func TestStatsTenGigabyteRun(t *testing.T) {
	t.Parallel()

	s := NewStats(10*gib, time.Now())

	recordAt(s, 0, 0)
	if s.Percent() != 0 {
		t.Fatalf("percent at start = %v, want 0", s.Percent())
	}
	if s.Rate() != 0 {
		t.Fatalf("rate with one sample = %v, want 0", s.Rate())
	}
	if _, ok := s.ETA(); ok {
		t.Fatalf("ETA must be unknown with zero rate")
	}

	recordAt(s, 1*gib, 10)
	if got := s.Percent(); got != 10 {
		t.Fatalf("percent at 1 GiB = %v, want 10", got)
	}

	recordAt(s, 5*gib, 50)
	if got := s.Percent(); got != 50 {
		t.Fatalf("percent at 5 GiB = %v, want 50", got)
	}
	// Window holds only the last 15 seconds, so the rate is the recent
	// 1 GiB/10s slope, not the lifetime average.
	rate := s.Rate()
	want := float64(4*gib) / 40
	if rate != want {
		t.Fatalf("rate = %v, want %v over the window", rate, want)
	}

	recordAt(s, 10*gib, 100)
	if got := s.Percent(); got != 100 {
		t.Fatalf("percent at 10 GiB = %v, want 100", got)
	}
	eta, ok := s.ETA()
	if !ok || eta != 0 {
		t.Fatalf("ETA at completion = %v/%v, want 0/true", eta, ok)
	}
}

func TestStatsWindowEvictsOldSamples(t *testing.T) {
	t.Parallel()

	s := NewStats(100*gib, time.Now())
	// Slow early phase, then a fast recent phase. The smoothed rate must
	// follow the recent phase once the old samples age out of the window.
	recordAt(s, 1*gib, 1)
	recordAt(s, 2*gib, 100)
	recordAt(s, 12*gib, 105)
	recordAt(s, 22*gib, 110)

	rate := s.Rate()
	want := float64(20*gib) / 10
	if rate != want {
		t.Fatalf("rate = %v, want %v from the recent window only", rate, want)
	}
}

func TestStatsWindowCapsSampleCount(t *testing.T) {
	t.Parallel()

	s := NewStats(gib, time.Now())
	for i := 0; i < statsWindowSamples*3; i++ {
		recordAt(s, uint64(i), float64(i)/1000)
	}
	if len(s.window) > statsWindowSamples {
		t.Fatalf("window holds %d samples, cap is %d", len(s.window), statsWindowSamples)
	}
}

func TestStatsPercentClampedAtHundred(t *testing.T) {
	t.Parallel()

	// conv=sync padding can push the counter past the declared total.
	s := NewStats(1000, time.Now())
	recordAt(s, 1500, 5)
	if got := s.Percent(); got != 100 {
		t.Fatalf("percent = %v, want clamped 100", got)
	}
}

func TestStatsPercentZeroTotal(t *testing.T) {
	t.Parallel()

	s := NewStats(0, time.Now())
	recordAt(s, 500, 1)
	if got := s.Percent(); got != 0 {
		t.Fatalf("percent with unknown total = %v, want 0", got)
	}
}

func TestStatsPercentMonotonic(t *testing.T) {
	t.Parallel()

	s := NewStats(10*gib, time.Now())
	prev := 0.0
	for i := 1; i <= 20; i++ {
		recordAt(s, uint64(i)*gib/2, float64(i))
		got := s.Percent()
		if got < prev {
			t.Fatalf("percent regressed from %v to %v", prev, got)
		}
		prev = got
	}
}

func TestStatsETA(t *testing.T) {
	t.Parallel()

	s := NewStats(10*gib, time.Now())
	recordAt(s, 0, 0)
	recordAt(s, 2*gib, 10)

	eta, ok := s.ETA()
	if !ok {
		t.Fatalf("ETA should be known with a positive rate")
	}
	want := 40 * time.Second
	if eta != want {
		t.Fatalf("ETA = %v, want %v", eta, want)
	}
}

func TestStatsErrorCount(t *testing.T) {
	t.Parallel()

	s := NewStats(gib, time.Now())
	offset := uint64(4096)
	s.Record(Sample{BytesTransferred: 4096, ElapsedSeconds: 1, ErrorAtOffset: &offset})
	s.Record(Sample{BytesTransferred: 8192, ElapsedSeconds: 2})
	s.Record(Sample{BytesTransferred: 8192, ElapsedSeconds: 3, ErrorAtOffset: &offset})
	if got := s.ErrorCount(); got != 2 {
		t.Fatalf("error count = %d, want 2", got)
	}
}
