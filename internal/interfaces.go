package internal

import (
	"context"
	"time"
)

// Resolver classifies an input URL or identifier and resolves it to
// metadata: a single video, a bangumi season, or a user-space listing.
type Resolver interface {
	Resolve(ctx context.Context, input string) (*ResolveResult, error)
}

// StreamResolver fetches playback manifests and selects concrete stream URLs
type StreamResolver interface {
	GetStreamInfo(ctx context.Context, bvid string, cid int64, quality int) (*StreamSet, error)
	GetQualityOptions(ctx context.Context, bvid string, cid int64) ([]QualityOption, error)
}

// KeyProvider fetches a fresh signing key pair from the platform.
// A fetch or parse failure is reported as an error, never as empty keys.
type KeyProvider interface {
	FetchKeys(ctx context.Context) (SigningKeyPair, error)
}

// Signer produces the signed query string the platform's API requires
type Signer interface {
	Sign(params map[string]string, keys SigningKeyPair, now time.Time) string
}

// DownloadEngine manages concurrent ranged downloads
type DownloadEngine interface {
	DownloadFile(ctx context.Context, track TrackType, urls []string, destPath string) *DownloadResult
	DownloadVideoAndAudio(ctx context.Context, streams *StreamSet, outDir, baseName string) ([]*DownloadResult, error)
	Events() <-chan ProgressEvent
}

// Muxer merges separately downloaded elementary streams into one container.
// Merge reports success as a boolean and never panics; diagnostics go to the
// log.
type Muxer interface {
	Merge(ctx context.Context, videoPath, audioPath, outputPath string) bool
}

// RateLimiter controls bandwidth usage
type RateLimiter interface {
	Wait(ctx context.Context, n int) error
	SetRate(bytesPerSecond int64)
}
