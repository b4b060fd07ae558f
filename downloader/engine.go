package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bilifetch/internal"
	"bilifetch/utils"
)

// copyBufferSize is the read granularity of range workers. Each full or
// partial buffer is one piece: it resets the idle timer, advances the shared
// counter, and emits one progress event.
const copyBufferSize = 32 * 1024

// maxRetryBackoff caps the exponential backoff between range attempts.
const maxRetryBackoff = 30 * time.Second

// taskState is the shared mutable state of one running task. All workers
// write through the same file handle; seek-then-write is serialized by mu.
// The task's downloaded counter only ever grows.
type taskState struct {
	task  *internal.DownloadTask
	file  *os.File
	mu    sync.Mutex
	speed *utils.SpeedEstimator
}

// writeAt seeks to offset and writes p under the task lock.
func (s *taskState) writeAt(offset int64, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	_, err := s.file.Write(p)
	return err
}

// MultiTrackEngine downloads elementary streams with a bounded worker pool
// per task. One engine serves a whole session: tasks run sequentially, their
// range workers concurrently. It implements internal.DownloadEngine.
type MultiTrackEngine struct {
	cfg     *internal.Config
	client  *utils.HTTPClient
	creds   *CredentialStore
	planner *DownloadPlanner
	fileOps *utils.FileOperations
	limiter internal.RateLimiter
	events  chan internal.ProgressEvent
}

// NewMultiTrackEngine creates an engine wired to the shared HTTP client and
// credential store. A positive cfg.SpeedLimit installs a process-wide rate
// limiter shared by all range workers.
func NewMultiTrackEngine(cfg *internal.Config, client *utils.HTTPClient, creds *CredentialStore) *MultiTrackEngine {
	buffer := cfg.ProgressBuffer
	if buffer <= 0 {
		buffer = 256
	}

	var limiter internal.RateLimiter
	if cfg.SpeedLimit > 0 {
		limiter = utils.NewTokenBucketLimiter(cfg.SpeedLimit)
	}

	return &MultiTrackEngine{
		cfg:     cfg,
		client:  client,
		creds:   creds,
		planner: NewDownloadPlanner(),
		fileOps: utils.NewFileOperations(),
		limiter: limiter,
		events:  make(chan internal.ProgressEvent, buffer),
	}
}

// Events returns the progress stream. Emission never blocks a worker;
// snapshots are dropped when the consumer lags.
func (e *MultiTrackEngine) Events() <-chan internal.ProgressEvent {
	return e.events
}

// Close ends the progress stream. Call it once no more downloads will run.
func (e *MultiTrackEngine) Close() {
	close(e.events)
}

// DownloadFile downloads one track into destPath, walking the candidate URL
// chain: when a candidate fails after its per-range retries, the next one
// restarts the pipeline from size discovery. The result is always non-nil;
// failures are reported in its Err field rather than returned.
func (e *MultiTrackEngine) DownloadFile(ctx context.Context, track internal.TrackType, urls []string, destPath string) *internal.DownloadResult {
	started := time.Now()
	result := &internal.DownloadResult{
		Track:  track,
		Path:   destPath,
		Status: internal.StatusFailed,
	}

	if len(urls) == 0 {
		result.Err = internal.NewDownloadFailedError(track, fmt.Errorf("no candidate URLs"))
		return result
	}

	var lastErr error
	for i, candidate := range urls {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if i > 0 {
			internal.LogWarn("%s track: candidate %d/%d failed, switching to backup", track, i, len(urls))
		}

		bytes, err := e.downloadFromURL(ctx, track, candidate, destPath)
		if err == nil {
			result.Bytes = bytes
			result.Status = internal.StatusCompleted
			result.Duration = time.Since(started)
			return result
		}
		lastErr = err
		internal.LogDebug("%s track: candidate failed: %v", track, err)
	}

	result.Duration = time.Since(started)
	result.Err = internal.NewDownloadFailedError(track, lastErr)
	return result
}

// DownloadVideoAndAudio downloads the selected tracks of one title into
// outDir, named after baseName. Track results are independent: a failed
// audio download neither discards nor retries a completed video download.
func (e *MultiTrackEngine) DownloadVideoAndAudio(ctx context.Context, streams *internal.StreamSet, outDir, baseName string) ([]*internal.DownloadResult, error) {
	if streams == nil || streams.Video == nil || len(streams.Video.URLs) == 0 {
		return nil, internal.NewBiliError(0, "stream set carries no video track", internal.ErrInvalidResponse)
	}

	name := e.fileOps.SanitizeFilename(baseName)
	if name == "" {
		name = "output"
	}

	videoPath := filepath.Join(outDir, trackFilename(internal.TrackVideo, name, streams.Format))
	results := []*internal.DownloadResult{
		e.DownloadFile(ctx, internal.TrackVideo, streams.Video.URLs, videoPath),
	}

	if streams.Audio != nil && len(streams.Audio.URLs) > 0 {
		audioPath := filepath.Join(outDir, trackFilename(internal.TrackAudio, name, streams.Format))
		results = append(results, e.DownloadFile(ctx, internal.TrackAudio, streams.Audio.URLs, audioPath))
	}

	return results, nil
}

// trackFilename returns the elementary-stream filename for one track. The
// legacy flat format is a self-contained container, hence the flv suffix.
func trackFilename(track internal.TrackType, baseName, format string) string {
	if track == internal.TrackAudio {
		return baseName + "_audio.m4a"
	}
	if format == "flv" {
		return baseName + "_video.flv"
	}
	return baseName + "_video.m4s"
}

// downloadFromURL runs the whole pipeline for one candidate URL: size
// discovery, disk preflight, preallocation, then the range pool. Each
// candidate gets its own task record so its counter satisfies the
// monotonicity guarantee. Returns the bytes written on success.
func (e *MultiTrackEngine) downloadFromURL(ctx context.Context, track internal.TrackType, rawURL, destPath string) (int64, error) {
	size, err := e.probeSize(ctx, rawURL)
	if err != nil {
		return 0, err
	}

	if err := e.fileOps.EnsureDir(destPath); err != nil {
		return 0, internal.NewBiliError(0, "creating output directory failed", internal.ErrFilesystem).WithCause(err)
	}

	task := &internal.DownloadTask{
		ID:        uuid.NewString(),
		Track:     track,
		URL:       rawURL,
		DestPath:  destPath,
		TotalSize: size,
		Status:    internal.StatusPending,
	}

	if size <= 0 {
		internal.LogWarn("%s track: size unknown, using a single connection", track)
		return e.downloadUnranged(ctx, task)
	}

	// Preflight: skip silently on platforms without a free-space probe.
	if free, ferr := e.fileOps.CheckDiskSpace(filepath.Dir(destPath)); ferr == nil && free < size {
		task.Status = internal.StatusFailed
		return 0, internal.NewDiskSpaceError(destPath, size, free)
	}

	if err := e.fileOps.PreallocateFile(destPath, size); err != nil {
		task.Status = internal.StatusFailed
		return 0, internal.NewBiliError(0, "preallocating destination failed", internal.ErrFilesystem).WithCause(err)
	}

	file, err := os.OpenFile(destPath, os.O_WRONLY, 0644)
	if err != nil {
		task.Status = internal.StatusFailed
		return 0, internal.NewBiliError(0, "opening destination failed", internal.ErrFilesystem).WithCause(err)
	}
	defer file.Close()

	task.Ranges = e.planner.PartitionRanges(size)
	task.Status = internal.StatusDownloading
	workers := e.planner.WorkerCount(len(task.Ranges), e.cfg.MaxWorkers)
	internal.LogDebug("%s track: %s in %d ranges, %d workers",
		track, utils.FormatBytes(size), len(task.Ranges), workers)

	state := &taskState{
		task:  task,
		file:  file,
		speed: utils.NewSpeedEstimator(),
	}

	if err := e.runPool(ctx, state, workers); err != nil {
		task.Status = internal.StatusFailed
		return atomic.LoadInt64(&task.Downloaded), err
	}

	downloaded := atomic.LoadInt64(&task.Downloaded)
	if downloaded != size {
		task.Status = internal.StatusFailed
		return downloaded, internal.NewNetworkError("transfer verification",
			fmt.Errorf("wrote %d of %d bytes", downloaded, size))
	}
	task.Status = internal.StatusCompleted
	return downloaded, nil
}

// runPool executes the task's ranges on min(len(ranges), maxWorkers)
// workers fed from an unbuffered jobs channel, so a finished range
// immediately frees its worker for the next one. The first failed range
// cancels the rest.
func (e *MultiTrackEngine) runPool(ctx context.Context, state *taskState, workers int) error {
	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan internal.ByteRange)
	var wg sync.WaitGroup

	var once sync.Once
	var firstErr error
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rng := range jobs {
				if poolCtx.Err() != nil {
					return
				}
				if err := e.downloadRange(poolCtx, state, rng); err != nil {
					fail(err)
					return
				}
			}
		}()
	}

feed:
	for _, rng := range state.task.Ranges {
		select {
		case jobs <- rng:
		case <-poolCtx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// downloadRange fetches one range, allowing cfg.MaxRetries retries after a
// failed first attempt, with exponential backoff between attempts. A
// partially transferred attempt resumes from the failure offset instead of
// rewriting bytes that already landed, keeping the shared counter monotonic.
func (e *MultiTrackEngine) downloadRange(ctx context.Context, state *taskState, rng internal.ByteRange) error {
	attempts := e.cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	remaining := rng
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
			internal.LogDebug("%s track: retrying range %d-%d (attempt %d/%d)",
				state.task.Track, remaining.Start, remaining.End, attempt+1, attempts)
		}

		written, err := e.fetchRange(ctx, state, remaining)
		remaining.Start += written

		if err == nil {
			if remaining.Start > remaining.End {
				return nil
			}
			// EOF before the range was satisfied counts as a failed attempt.
			lastErr = internal.NewNetworkError("range transfer", io.ErrUnexpectedEOF)
			continue
		}
		lastErr = err

		if ctx.Err() != nil {
			return err
		}
	}

	return lastErr
}

// retryBackoff returns the delay before retry number attempt (1-based).
func retryBackoff(attempt int) time.Duration {
	delay := time.Duration(1<<uint(attempt-1)) * time.Second
	if delay > maxRetryBackoff {
		delay = maxRetryBackoff
	}
	return delay
}

// fetchRange performs a single ranged GET attempt and streams the body into
// the task file. The connection lives under an idle-period timeout that is
// reset on every received piece, so a stalled peer is cut without bounding
// the whole transfer. Returns how many bytes landed.
func (e *MultiTrackEngine) fetchRange(ctx context.Context, state *taskState, rng internal.ByteRange) (int64, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	idle := e.idleTimeout()
	timer := time.AfterFunc(idle, cancel)
	defer timer.Stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, state.task.URL, nil)
	if err != nil {
		return 0, internal.NewNetworkError("building range request", err)
	}
	for k, v := range e.requestHeaders() {
		req.Header.Set(k, v)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, e.classifyTransportError(ctx, reqCtx, "range request", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// expected
	case http.StatusOK:
		// The server ignored the range: only tolerable when this range is
		// the whole file, otherwise writes would land at the wrong offsets.
		if rng.Start != 0 || rng.Len() != state.task.TotalSize {
			return 0, internal.NewNetworkError("range request",
				fmt.Errorf("server ignored range %d-%d", rng.Start, rng.End))
		}
	default:
		return 0, internal.NewBiliError(resp.StatusCode,
			fmt.Sprintf("unexpected status %d for range request", resp.StatusCode),
			internal.ErrNetwork).WithURL(state.task.URL)
	}

	written, err := e.streamBody(reqCtx, state, resp.Body, rng.Start, rng.Len(), timer, idle)
	if err != nil {
		return written, e.classifyTransportError(ctx, reqCtx, "range transfer", err)
	}
	return written, nil
}

// classifyTransportError distinguishes an idle-timeout cut from a caller
// cancellation and from ordinary transport failures.
func (e *MultiTrackEngine) classifyTransportError(outer, inner context.Context, operation string, err error) error {
	if outer.Err() != nil {
		return outer.Err()
	}
	if inner.Err() != nil {
		return internal.NewNetworkTimeoutError(operation)
	}
	return internal.NewNetworkError(operation, err)
}

// streamBody copies up to maxBytes from body into the task file starting at
// offset, piece by piece. A non-positive maxBytes reads until EOF. Each
// piece passes the rate limiter, lands under the task lock, advances the
// counter, and emits one progress snapshot.
func (e *MultiTrackEngine) streamBody(ctx context.Context, state *taskState, body io.Reader, offset, maxBytes int64, timer *time.Timer, idle time.Duration) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var written int64

	for maxBytes <= 0 || written < maxBytes {
		toRead := int64(len(buf))
		if maxBytes > 0 {
			if remaining := maxBytes - written; remaining < toRead {
				toRead = remaining
			}
		}

		n, err := body.Read(buf[:toRead])
		if n > 0 {
			timer.Reset(idle)

			if e.limiter != nil {
				if lerr := e.limiter.Wait(ctx, n); lerr != nil {
					return written, lerr
				}
			}

			if werr := state.writeAt(offset+written, buf[:n]); werr != nil {
				return written, internal.NewBiliError(0, "writing downloaded data failed",
					internal.ErrFilesystem).WithCause(werr)
			}

			written += int64(n)
			atomic.AddInt64(&state.task.Downloaded, int64(n))
			e.emit(state)
		}

		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}

		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}
	}

	return written, nil
}

// downloadUnranged streams the whole resource over one connection, used when
// size discovery yields nothing. Progress events carry a zero total.
func (e *MultiTrackEngine) downloadUnranged(ctx context.Context, task *internal.DownloadTask) (int64, error) {
	file, err := os.OpenFile(task.DestPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		task.Status = internal.StatusFailed
		return 0, internal.NewBiliError(0, "creating destination failed", internal.ErrFilesystem).WithCause(err)
	}
	defer file.Close()

	task.Status = internal.StatusDownloading
	state := &taskState{
		task:  task,
		file:  file,
		speed: utils.NewSpeedEstimator(),
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	idle := e.idleTimeout()
	timer := time.AfterFunc(idle, cancel)
	defer timer.Stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, task.URL, nil)
	if err != nil {
		task.Status = internal.StatusFailed
		return 0, internal.NewNetworkError("building request", err)
	}
	for k, v := range e.requestHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		task.Status = internal.StatusFailed
		return 0, e.classifyTransportError(ctx, reqCtx, "download request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		task.Status = internal.StatusFailed
		return 0, internal.NewBiliError(resp.StatusCode,
			fmt.Sprintf("unexpected status %d", resp.StatusCode), internal.ErrNetwork).WithURL(task.URL)
	}

	written, err := e.streamBody(reqCtx, state, resp.Body, 0, 0, timer, idle)
	if err != nil {
		task.Status = internal.StatusFailed
		return written, e.classifyTransportError(ctx, reqCtx, "download transfer", err)
	}
	task.Status = internal.StatusCompleted
	return written, nil
}

// probeSize discovers the total size of a resource. The CDN rejects HEAD, so
// a one-byte ranged GET is used: the total is the value after "/" in the
// Content-Range header, else Content-Length when the server ignored the
// range, else zero for an unsized response.
func (e *MultiTrackEngine) probeSize(ctx context.Context, rawURL string) (int64, error) {
	headers := e.requestHeaders()
	headers["Range"] = "bytes=0-0"

	resp, err := e.client.GetWithContext(ctx, rawURL, headers)
	if err != nil {
		return 0, internal.NewNetworkError("size discovery", err).WithURL(rawURL)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 2))

	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if idx := strings.LastIndex(cr, "/"); idx >= 0 {
			totalStr := cr[idx+1:]
			if totalStr != "*" {
				if total, perr := strconv.ParseInt(totalStr, 10, 64); perr == nil && total > 0 {
					return total, nil
				}
			}
		}
		return 0, nil
	}

	if resp.StatusCode == http.StatusOK && resp.ContentLength > 0 {
		return resp.ContentLength, nil
	}

	return 0, nil
}

// idleTimeout returns the configured idle period with a sane floor.
func (e *MultiTrackEngine) idleTimeout() time.Duration {
	if e.cfg.IdleTimeout > 0 {
		return time.Duration(e.cfg.IdleTimeout) * time.Second
	}
	return 15 * time.Second
}

// requestHeaders returns the per-request headers the CDN requires beyond
// the client-stamped defaults.
func (e *MultiTrackEngine) requestHeaders() map[string]string {
	headers := map[string]string{}
	if e.creds != nil {
		if cookie := e.creds.CookieHeader(); cookie != "" {
			headers["Cookie"] = cookie
		}
	}
	return headers
}

// emit publishes a progress snapshot without ever blocking a worker.
func (e *MultiTrackEngine) emit(state *taskState) {
	downloaded := atomic.LoadInt64(&state.task.Downloaded)

	event := internal.ProgressEvent{
		Track:      state.task.Track,
		Downloaded: downloaded,
		Total:      state.task.TotalSize,
		SpeedBps:   state.speed.Observe(downloaded),
	}
	if state.task.TotalSize > 0 {
		event.Percent = float64(downloaded) / float64(state.task.TotalSize) * 100
	}

	select {
	case e.events <- event:
	default:
	}
}
