package utils

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseRateLimit(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
		wantErr  string
	}{
		{name: "empty_means_unlimited", input: "", expected: 0},
		{name: "whitespace_only", input: "   ", expected: 0},
		{name: "bare_bytes", input: "1048576", expected: 1048576},
		{name: "kilobytes_short", input: "512K", expected: 524288},
		{name: "kilobytes_long", input: "512KB", expected: 524288},
		{name: "megabytes", input: "5M", expected: 5242880},
		{name: "space_before_unit", input: "5 MB", expected: 5242880},
		{name: "fractional_gigabytes", input: "1.5GB", expected: 1610612736},
		{name: "terabytes", input: "2T", expected: 2199023255552},
		{name: "lowercase_unit", input: "5m", expected: 5242880},
		{name: "surrounding_whitespace", input: "  512K  ", expected: 524288},
		{name: "not_a_number", input: "fast", wantErr: "invalid rate format"},
		{name: "negative_rejected", input: "-5M", wantErr: "invalid rate format"},
		{name: "unknown_unit", input: "5X", wantErr: "invalid rate format"},
		{name: "per_second_suffix_rejected", input: "5MB/s", wantErr: "invalid rate format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRateLimit(tt.input)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatal("expected error, got none")
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if got != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestTokenBucketLimiter_FirstBurstFree(t *testing.T) {
	limiter := NewTokenBucketLimiter(1024)

	start := time.Now()
	if err := limiter.Wait(context.Background(), 1024); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("expected full bucket to pass undelayed, waited %v", elapsed)
	}
}

func TestTokenBucketLimiter_DisabledRates(t *testing.T) {
	for _, rate := range []int64{0, -1} {
		limiter := NewTokenBucketLimiter(rate)

		start := time.Now()
		if err := limiter.Wait(context.Background(), 1<<30); err != nil {
			t.Fatalf("rate %d: expected no error, got %v", rate, err)
		}
		if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
			t.Errorf("rate %d: expected no limiting, waited %v", rate, elapsed)
		}
	}
}

func TestTokenBucketLimiter_SleepsOffDeficit(t *testing.T) {
	limiter := NewTokenBucketLimiter(1000)

	// Drain the initial burst, then ask for half a second's worth.
	if err := limiter.Wait(context.Background(), 1000); err != nil {
		t.Fatalf("expected no error draining bucket, got %v", err)
	}

	start := time.Now()
	if err := limiter.Wait(context.Background(), 500); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 300*time.Millisecond {
		t.Errorf("expected a deficit wait near 500ms, waited only %v", elapsed)
	}
	if elapsed > 3*time.Second {
		t.Errorf("expected wait to end near 500ms, waited %v", elapsed)
	}
}

func TestTokenBucketLimiter_CancellationInterruptsWait(t *testing.T) {
	limiter := NewTokenBucketLimiter(1000)

	if err := limiter.Wait(context.Background(), 1000); err != nil {
		t.Fatalf("expected no error draining bucket, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := limiter.Wait(ctx, 5000)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("expected cancellation to cut the wait, waited %v", elapsed)
	}
}

func TestTokenBucketLimiter_SetRateClampsTokens(t *testing.T) {
	limiter := NewTokenBucketLimiter(1 << 20)

	// Lowering the rate must clamp the stored burst, not let the old full
	// bucket drain at the new accounting rate.
	limiter.SetRate(1000)

	if err := limiter.Wait(context.Background(), 1000); err != nil {
		t.Fatalf("expected clamped bucket to cover 1000 bytes, got %v", err)
	}

	start := time.Now()
	if err := limiter.Wait(context.Background(), 500); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("expected the lowered rate to delay the next request, waited only %v", elapsed)
	}
}
