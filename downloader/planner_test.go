package downloader

import (
	"testing"
)

func TestDownloadPlanner_ChunkSize(t *testing.T) {
	planner := NewDownloadPlanner()

	tests := []struct {
		name      string
		totalSize int64
		expected  int64
	}{
		{
			name:      "tiny_file",
			totalSize: 1024,
			expected:  5 * 1024 * 1024,
		},
		{
			name:      "fifty_megabytes",
			totalSize: 50 * 1024 * 1024,
			expected:  5 * 1024 * 1024,
		},
		{
			name:      "exactly_small_cutoff",
			totalSize: 100 * 1024 * 1024,
			expected:  5 * 1024 * 1024,
		},
		{
			name:      "just_over_small_cutoff",
			totalSize: 100*1024*1024 + 1,
			expected:  20 * 1024 * 1024,
		},
		{
			name:      "five_hundred_megabytes",
			totalSize: 500 * 1024 * 1024,
			expected:  20 * 1024 * 1024,
		},
		{
			name:      "exactly_medium_cutoff",
			totalSize: 1024 * 1024 * 1024,
			expected:  20 * 1024 * 1024,
		},
		{
			name:      "two_gigabytes",
			totalSize: 2 * 1024 * 1024 * 1024,
			expected:  50 * 1024 * 1024,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := planner.ChunkSize(tt.totalSize)
			if got != tt.expected {
				t.Errorf("ChunkSize(%d) = %d, want %d", tt.totalSize, got, tt.expected)
			}
		})
	}
}

func TestDownloadPlanner_PartitionRanges(t *testing.T) {
	planner := NewDownloadPlanner()

	tests := []struct {
		name       string
		totalSize  int64
		wantRanges int
	}{
		{
			name:       "single_byte",
			totalSize:  1,
			wantRanges: 1,
		},
		{
			name:       "smaller_than_one_chunk",
			totalSize:  3 * 1024 * 1024,
			wantRanges: 1,
		},
		{
			name:       "exactly_one_chunk",
			totalSize:  5 * 1024 * 1024,
			wantRanges: 1,
		},
		{
			name:       "one_chunk_plus_one_byte",
			totalSize:  5*1024*1024 + 1,
			wantRanges: 2,
		},
		{
			name:       "fifty_megabytes",
			totalSize:  50 * 1024 * 1024,
			wantRanges: 10,
		},
		{
			name:       "uneven_tail",
			totalSize:  12*1024*1024 + 37,
			wantRanges: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ranges := planner.PartitionRanges(tt.totalSize)

			if len(ranges) != tt.wantRanges {
				t.Fatalf("expected %d ranges for size %d, got %d", tt.wantRanges, tt.totalSize, len(ranges))
			}

			// The ranges must tile [0, totalSize-1]: ordered, adjacent, no
			// gaps, no overlap.
			if ranges[0].Start != 0 {
				t.Errorf("first range starts at %d, want 0", ranges[0].Start)
			}
			for i := 1; i < len(ranges); i++ {
				if ranges[i].Start != ranges[i-1].End+1 {
					t.Errorf("range %d starts at %d, want %d", i, ranges[i].Start, ranges[i-1].End+1)
				}
			}
			last := ranges[len(ranges)-1]
			if last.End != tt.totalSize-1 {
				t.Errorf("last range ends at %d, want %d", last.End, tt.totalSize-1)
			}

			var covered int64
			for i, rng := range ranges {
				if rng.Len() <= 0 {
					t.Errorf("range %d has non-positive length %d", i, rng.Len())
				}
				covered += rng.Len()
			}
			if covered != tt.totalSize {
				t.Errorf("ranges cover %d bytes, want %d", covered, tt.totalSize)
			}
		})
	}
}

func TestDownloadPlanner_PartitionRanges_NoSize(t *testing.T) {
	planner := NewDownloadPlanner()

	if ranges := planner.PartitionRanges(0); ranges != nil {
		t.Errorf("expected nil ranges for zero size, got %d ranges", len(ranges))
	}
	if ranges := planner.PartitionRanges(-10); ranges != nil {
		t.Errorf("expected nil ranges for negative size, got %d ranges", len(ranges))
	}
}

func TestDownloadPlanner_WorkerCount(t *testing.T) {
	planner := NewDownloadPlanner()

	tests := []struct {
		name       string
		numRanges  int
		maxWorkers int
		expected   int
	}{
		{
			name:       "fewer_ranges_than_workers",
			numRanges:  3,
			maxWorkers: 8,
			expected:   3,
		},
		{
			name:       "more_ranges_than_workers",
			numRanges:  100,
			maxWorkers: 8,
			expected:   8,
		},
		{
			name:       "equal_ranges_and_workers",
			numRanges:  8,
			maxWorkers: 8,
			expected:   8,
		},
		{
			name:       "zero_ranges",
			numRanges:  0,
			maxWorkers: 8,
			expected:   1,
		},
		{
			name:       "zero_max_workers",
			numRanges:  5,
			maxWorkers: 0,
			expected:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := planner.WorkerCount(tt.numRanges, tt.maxWorkers)
			if got != tt.expected {
				t.Errorf("WorkerCount(%d, %d) = %d, want %d", tt.numRanges, tt.maxWorkers, got, tt.expected)
			}
		})
	}
}
