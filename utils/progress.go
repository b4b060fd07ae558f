package utils

import (
	"fmt"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/cheggaaa/pb/v3"

	"bilifetch/internal"
)

// SpeedEstimator smooths instantaneous transfer-speed observations with an
// exponentially weighted moving average. Safe for concurrent use.
type SpeedEstimator struct {
	mutex     sync.Mutex
	avg       ewma.MovingAverage
	lastBytes int64
	lastTime  time.Time
}

// NewSpeedEstimator creates an estimator ready for its first observation
func NewSpeedEstimator() *SpeedEstimator {
	return &SpeedEstimator{
		avg:      ewma.NewMovingAverage(),
		lastTime: time.Now(),
	}
}

// Observe records the cumulative byte count and returns the smoothed speed
// in bytes per second. Observations closer together than 100ms only return
// the current estimate; the byte delta is picked up by the next sample.
func (s *SpeedEstimator) Observe(totalBytes int64) float64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	elapsed := now.Sub(s.lastTime).Seconds()
	if elapsed < 0.1 {
		return s.avg.Value()
	}

	delta := totalBytes - s.lastBytes
	if delta < 0 {
		delta = 0
	}
	s.avg.Add(float64(delta) / elapsed)
	s.lastBytes = totalBytes
	s.lastTime = now

	return s.avg.Value()
}

// Value returns the current smoothed speed without recording a sample
func (s *SpeedEstimator) Value() float64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.avg.Value()
}

// DownloadSummary contains final statistics for one track
type DownloadSummary struct {
	Track        internal.TrackType
	TotalBytes   int64
	TotalTime    time.Duration
	AverageSpeed float64 // bytes per second
	PeakSpeed    float64 // bytes per second
}

// ProgressTracker renders engine progress events. Tracks download one after
// another, so a single bar is live at any time; a new track's first event
// finishes the previous bar and starts the next.
type ProgressTracker struct {
	quiet bool

	mutex      sync.Mutex
	bar        *pb.ProgressBar
	track      internal.TrackType
	trackStart time.Time
	peak       float64
	last       int64
	summaries  []*DownloadSummary
}

// NewProgressTracker creates a progress tracker. In quiet mode no bars are
// rendered; events are still consumed for the summaries.
func NewProgressTracker(quiet bool) *ProgressTracker {
	return &ProgressTracker{quiet: quiet}
}

// Run consumes events until the channel is closed. Call from a dedicated
// goroutine; pair with a done signal in the caller.
func (p *ProgressTracker) Run(events <-chan internal.ProgressEvent) {
	for event := range events {
		p.observe(event)
	}
	p.mutex.Lock()
	p.finishCurrent()
	p.mutex.Unlock()
}

func (p *ProgressTracker) observe(event internal.ProgressEvent) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	// A track change or a counter reset marks the start of a new file.
	if p.trackStart.IsZero() || event.Track != p.track || event.Downloaded < p.last {
		p.finishCurrent()
		p.startTrack(event)
	}

	p.last = event.Downloaded
	if event.SpeedBps > p.peak {
		p.peak = event.SpeedBps
	}

	if p.bar != nil {
		p.bar.SetCurrent(event.Downloaded)
	}
}

// startTrack begins tracking a new track, creating a bar unless quiet
func (p *ProgressTracker) startTrack(event internal.ProgressEvent) {
	p.track = event.Track
	p.trackStart = time.Now()
	p.peak = 0
	p.last = 0

	if p.quiet {
		return
	}

	tmpl := `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{speed . }} {{rtime . "ETA %s"}}`
	bar := pb.ProgressBarTemplate(tmpl).Start64(event.Total)
	bar.Set(pb.Bytes, true)
	bar.Set(pb.SIBytesPrefix, true)
	bar.Set("prefix", fmt.Sprintf("%s: ", event.Track))
	p.bar = bar
}

// finishCurrent closes the live bar and records its summary
func (p *ProgressTracker) finishCurrent() {
	if p.trackStart.IsZero() {
		return
	}

	elapsed := time.Since(p.trackStart)
	var avg float64
	if elapsed > 0 {
		avg = float64(p.last) / elapsed.Seconds()
	}
	p.summaries = append(p.summaries, &DownloadSummary{
		Track:        p.track,
		TotalBytes:   p.last,
		TotalTime:    elapsed,
		AverageSpeed: avg,
		PeakSpeed:    p.peak,
	})

	if p.bar != nil {
		p.bar.SetCurrent(p.last)
		p.bar.Finish()
		p.bar = nil
	}
	p.trackStart = time.Time{}
}

// Summaries returns the per-track statistics collected so far
func (p *ProgressTracker) Summaries() []*DownloadSummary {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	out := make([]*DownloadSummary, len(p.summaries))
	copy(out, p.summaries)
	return out
}

// IsQuiet returns whether the tracker is in quiet mode
func (p *ProgressTracker) IsQuiet() bool {
	return p.quiet
}

// FormatBytes formats byte count as human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
