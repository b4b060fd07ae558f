package downloader

import (
	"bilifetch/internal"
)

// Chunk size tiers. Small files use small chunks so several workers still
// share the transfer; huge files use large chunks to keep the range count
// and per-request overhead down.
const (
	chunkSizeSmall  int64 = 5 * 1024 * 1024
	chunkSizeMedium int64 = 20 * 1024 * 1024
	chunkSizeLarge  int64 = 50 * 1024 * 1024

	smallFileCutoff  int64 = 100 * 1024 * 1024
	mediumFileCutoff int64 = 1024 * 1024 * 1024
)

// DownloadPlanner decides chunking and worker fan-out for one task. It is
// purely computational; size discovery and execution live in the engine.
type DownloadPlanner struct{}

// NewDownloadPlanner creates a new instance of DownloadPlanner
func NewDownloadPlanner() *DownloadPlanner {
	return &DownloadPlanner{}
}

// ChunkSize returns the range size used for a file of the given total size.
func (p *DownloadPlanner) ChunkSize(totalSize int64) int64 {
	switch {
	case totalSize <= smallFileCutoff:
		return chunkSizeSmall
	case totalSize <= mediumFileCutoff:
		return chunkSizeMedium
	default:
		return chunkSizeLarge
	}
}

// PartitionRanges splits [0, totalSize-1] into inclusive byte ranges of
// ChunkSize bytes, left to right; the last range may be short. A
// non-positive size yields no ranges, which callers treat as a single
// unranged download.
func (p *DownloadPlanner) PartitionRanges(totalSize int64) []internal.ByteRange {
	if totalSize <= 0 {
		return nil
	}

	chunk := p.ChunkSize(totalSize)
	ranges := make([]internal.ByteRange, 0, (totalSize+chunk-1)/chunk)

	for start := int64(0); start < totalSize; start += chunk {
		end := start + chunk - 1
		if end > totalSize-1 {
			end = totalSize - 1
		}
		ranges = append(ranges, internal.ByteRange{Start: start, End: end})
	}

	return ranges
}

// WorkerCount bounds the pool size for a task: enough workers to keep every
// range busy, never more than the configured maximum.
func (p *DownloadPlanner) WorkerCount(numRanges, maxWorkers int) int {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if numRanges <= 0 {
		return 1
	}
	if numRanges < maxWorkers {
		return numRanges
	}
	return maxWorkers
}
