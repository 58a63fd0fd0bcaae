package engine

import "time"

// Sliding-window bounds for the smoothed rate: samples older than
// statsWindowSeconds, or beyond the newest statsWindowSamples, are evicted.
// The rate therefore reflects recent throughput, not the whole run.
const (
	statsWindowSeconds = 15.0
	statsWindowSamples = 64
)

// Stats derives rate, ETA and percentage from a bounded window of recent
// samples. It is not safe for concurrent use; the controller owns it.
type Stats struct {
	totalBytes uint64
	startTime  time.Time

	window     []Sample
	lastBytes  uint64
	lastElapse float64
	errorCount int
}

func NewStats(totalBytes uint64, start time.Time) *Stats {
	return &Stats{totalBytes: totalBytes, startTime: start}
}

// Record appends a sample to the sliding window and updates cumulative
// counters. Samples carrying an error offset bump the error tally.
func (s *Stats) Record(sample Sample) {
	if sample.ErrorAtOffset != nil {
		s.errorCount++
	}
	if sample.BytesTransferred > s.lastBytes {
		s.lastBytes = sample.BytesTransferred
	}
	if sample.ElapsedSeconds > s.lastElapse {
		s.lastElapse = sample.ElapsedSeconds
	}

	s.window = append(s.window, sample)
	if len(s.window) > statsWindowSamples {
		s.window = s.window[len(s.window)-statsWindowSamples:]
	}
	// Keep at least two samples so the rate stays defined even when the
	// stream is sparser than the window.
	cutoff := sample.ElapsedSeconds - statsWindowSeconds
	firstKept := 0
	for firstKept < len(s.window)-2 && s.window[firstKept].ElapsedSeconds < cutoff {
		firstKept++
	}
	s.window = s.window[firstKept:]
}

// Rate returns smoothed bytes/second over the retained window, zero when the
// window holds fewer than two samples or no time has passed between them.
func (s *Stats) Rate() float64 {
	if len(s.window) < 2 {
		return 0
	}
	first := s.window[0]
	last := s.window[len(s.window)-1]
	dt := last.ElapsedSeconds - first.ElapsedSeconds
	if dt <= 0 {
		return 0
	}
	if last.BytesTransferred <= first.BytesTransferred {
		return 0
	}
	return float64(last.BytesTransferred-first.BytesTransferred) / dt
}

// Percent is computed from the byte counter, never from cell coloring, and
// is clamped to [0,100]. The counter tracks logical source-side bytes: dd
// reports raw-side bytes regardless of any compressor downstream, and
// totalBytes is declared in the same domain, for backup and restore alike.
func (s *Stats) Percent() float64 {
	if s.totalBytes == 0 {
		return 0
	}
	pct := float64(s.lastBytes) / float64(s.totalBytes) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// ETA estimates remaining time from the smoothed rate. ok is false when the
// rate is zero or the window is too short to say anything.
func (s *Stats) ETA() (time.Duration, bool) {
	rate := s.Rate()
	if rate <= 0 {
		return 0, false
	}
	if s.lastBytes >= s.totalBytes {
		return 0, true
	}
	remaining := float64(s.totalBytes-s.lastBytes) / rate
	return time.Duration(remaining * float64(time.Second)), true
}

func (s *Stats) Bytes() uint64        { return s.lastBytes }
func (s *Stats) TotalBytes() uint64   { return s.totalBytes }
func (s *Stats) Elapsed() float64     { return s.lastElapse }
func (s *Stats) ErrorCount() int      { return s.errorCount }
func (s *Stats) StartTime() time.Time { return s.startTime }
