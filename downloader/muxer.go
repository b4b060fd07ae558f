package downloader

import (
	"bytes"
	"context"
	"os"
	"os/exec"

	"github.com/h2non/filetype"

	"bilifetch/internal"
)

// FFmpegMuxer merges elementary streams through an external ffmpeg binary.
// It implements internal.Muxer.
type FFmpegMuxer struct {
	ffmpegPath string
}

// NewFFmpegMuxer creates a muxer invoking the given ffmpeg binary; an empty
// path falls back to whatever "ffmpeg" resolves to on PATH.
func NewFFmpegMuxer(ffmpegPath string) *FFmpegMuxer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegMuxer{ffmpegPath: ffmpegPath}
}

// Available reports whether the configured ffmpeg binary can be executed.
func (m *FFmpegMuxer) Available() bool {
	_, err := exec.LookPath(m.ffmpegPath)
	return err == nil
}

// Merge remuxes the video and audio files into outputPath without
// re-encoding. It returns false on any failure (non-zero exit, missing
// output, or an output that does not sniff as a video container) and logs
// ffmpeg's stderr; it never panics. The elementary files are left in place
// for the caller to keep or remove.
func (m *FFmpegMuxer) Merge(ctx context.Context, videoPath, audioPath, outputPath string) bool {
	args := []string{"-i", videoPath, "-i", audioPath, "-c", "copy", "-y", outputPath}

	cmd := exec.CommandContext(ctx, m.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	internal.LogDebug("Merging tracks: %s %v", m.ffmpegPath, args)
	if err := cmd.Run(); err != nil {
		internal.LogBiliError(internal.NewMergeError(stderr.String()).WithCause(err))
		return false
	}

	if !m.verifyOutput(outputPath) {
		internal.LogBiliError(internal.NewMergeError("output is missing or not a video container"))
		return false
	}

	return true
}

// verifyOutput sniffs the merged file's magic bytes and accepts any video
// container. ffmpeg can exit zero yet produce an empty or truncated file
// when fed mismatched inputs, so the exit code alone is not trusted.
func (m *FFmpegMuxer) verifyOutput(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return false
	}

	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()

	// filetype needs at most the first 261 bytes to classify.
	head := make([]byte, 261)
	n, err := file.Read(head)
	if n == 0 && err != nil {
		return false
	}

	return filetype.IsVideo(head[:n])
}
