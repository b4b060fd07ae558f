package utils

import (
	"testing"
	"time"

	"bilifetch/internal"
)

// backdate moves the estimator's last sample time into the past so tests can
// force or skip the 100ms sampling interval without sleeping.
func backdate(est *SpeedEstimator, d time.Duration) {
	est.mutex.Lock()
	est.lastTime = time.Now().Add(-d)
	est.mutex.Unlock()
}

func TestSpeedEstimator_Observe(t *testing.T) {
	est := NewSpeedEstimator()

	if v := est.Value(); v != 0 {
		t.Errorf("expected zero speed before observations, got %f", v)
	}

	backdate(est, 200*time.Millisecond)
	first := est.Observe(1500)
	if first <= 0 {
		t.Fatalf("expected positive speed after first sample, got %f", first)
	}
	if v := est.Value(); v != first {
		t.Errorf("expected Value to match last estimate %f, got %f", first, v)
	}

	// A sample arriving within 100ms returns the current estimate without
	// recording; the byte delta is carried into the next sample.
	backdate(est, 0)
	second := est.Observe(3000)
	if second != first {
		t.Errorf("expected rapid observation to short-circuit, got %f want %f", second, first)
	}

	backdate(est, 200*time.Millisecond)
	third := est.Observe(3000)
	if third <= 0 {
		t.Errorf("expected carried delta to produce a positive speed, got %f", third)
	}
}

func TestSpeedEstimator_CounterDecreaseClamped(t *testing.T) {
	est := NewSpeedEstimator()

	backdate(est, 200*time.Millisecond)
	first := est.Observe(1000)
	if first <= 0 {
		t.Fatalf("expected positive speed, got %f", first)
	}

	backdate(est, 200*time.Millisecond)
	second := est.Observe(500)
	if second < 0 {
		t.Errorf("expected non-negative speed after counter decrease, got %f", second)
	}
	if second >= first {
		t.Errorf("expected zero-delta sample to lower the average, got %f after %f", second, first)
	}
}

func TestProgressTracker_QuietSummaries(t *testing.T) {
	tracker := NewProgressTracker(true)
	if !tracker.IsQuiet() {
		t.Error("expected quiet mode")
	}

	events := make(chan internal.ProgressEvent)
	done := make(chan struct{})
	go func() {
		tracker.Run(events)
		close(done)
	}()

	events <- internal.ProgressEvent{Track: internal.TrackVideo, Downloaded: 500, Total: 1000, Percent: 50, SpeedBps: 100}
	events <- internal.ProgressEvent{Track: internal.TrackVideo, Downloaded: 1000, Total: 1000, Percent: 100, SpeedBps: 300}
	events <- internal.ProgressEvent{Track: internal.TrackAudio, Downloaded: 200, Total: 400, Percent: 50, SpeedBps: 50}
	events <- internal.ProgressEvent{Track: internal.TrackAudio, Downloaded: 400, Total: 400, Percent: 100, SpeedBps: 80}
	close(events)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tracker did not finish after channel close")
	}

	summaries := tracker.Summaries()
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}

	video := summaries[0]
	if video.Track != internal.TrackVideo {
		t.Errorf("expected first summary for video, got %v", video.Track)
	}
	if video.TotalBytes != 1000 {
		t.Errorf("expected 1000 video bytes, got %d", video.TotalBytes)
	}
	if video.PeakSpeed != 300 {
		t.Errorf("expected video peak speed 300, got %f", video.PeakSpeed)
	}
	if video.TotalTime <= 0 {
		t.Errorf("expected positive elapsed time, got %v", video.TotalTime)
	}

	audio := summaries[1]
	if audio.Track != internal.TrackAudio {
		t.Errorf("expected second summary for audio, got %v", audio.Track)
	}
	if audio.TotalBytes != 400 {
		t.Errorf("expected 400 audio bytes, got %d", audio.TotalBytes)
	}
	if audio.PeakSpeed != 80 {
		t.Errorf("expected audio peak speed 80, got %f", audio.PeakSpeed)
	}
}

func TestProgressTracker_CounterResetStartsNewSummary(t *testing.T) {
	tracker := NewProgressTracker(true)

	events := make(chan internal.ProgressEvent)
	done := make(chan struct{})
	go func() {
		tracker.Run(events)
		close(done)
	}()

	// Two files on the same track: the counter dropping marks the second.
	events <- internal.ProgressEvent{Track: internal.TrackVideo, Downloaded: 100, Total: 100, SpeedBps: 10}
	events <- internal.ProgressEvent{Track: internal.TrackVideo, Downloaded: 50, Total: 80, SpeedBps: 5}
	events <- internal.ProgressEvent{Track: internal.TrackVideo, Downloaded: 80, Total: 80, SpeedBps: 8}
	close(events)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tracker did not finish after channel close")
	}

	summaries := tracker.Summaries()
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}
	if summaries[0].TotalBytes != 100 {
		t.Errorf("expected first file at 100 bytes, got %d", summaries[0].TotalBytes)
	}
	if summaries[1].TotalBytes != 80 {
		t.Errorf("expected second file at 80 bytes, got %d", summaries[1].TotalBytes)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{bytes: 0, expected: "0 B"},
		{bytes: 512, expected: "512 B"},
		{bytes: 1023, expected: "1023 B"},
		{bytes: 1024, expected: "1.0 KB"},
		{bytes: 1536, expected: "1.5 KB"},
		{bytes: 1048576, expected: "1.0 MB"},
		{bytes: 5242880, expected: "5.0 MB"},
		{bytes: 1073741824, expected: "1.0 GB"},
		{bytes: 1099511627776, expected: "1.0 TB"},
	}

	for _, tt := range tests {
		if got := FormatBytes(tt.bytes); got != tt.expected {
			t.Errorf("FormatBytes(%d): expected %q, got %q", tt.bytes, tt.expected, got)
		}
	}
}
