package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"bilifetch/downloader"
	"bilifetch/internal"
	"bilifetch/utils"
)

var (
	outputDir     string
	qualityRank   int
	workers       int
	retries       int
	idleSecs      int
	speedLimit    string
	proxyURL      string
	sessdata      string
	userID        string
	csrfToken     string
	userAgent     string
	ffmpegPath    string
	cookieFile    string
	logFile       string
	keepParts     bool
	noMerge       bool
	listQualities bool
	verbose       bool
	quiet         bool

	cfg     *internal.Config
	fileOps = utils.NewFileOperations()
)

var rootCmd = &cobra.Command{
	Use:     "bilifetch [flags] <url|identifier>",
	Short:   "Download videos from bilibili.com",
	Version: "v1.0.0",
	Long: `bilifetch downloads videos from bilibili.com.

It accepts a video page URL, a bare BV or av identifier, a b23.tv short
link, a user space URL (fetches the latest uploads) or a bangumi
ep/ss/md identifier (fetches every episode). DASH video and audio tracks
are downloaded concurrently in ranged chunks and merged with ffmpeg.

Examples:
  bilifetch BV17x411w7KC
  bilifetch https://www.bilibili.com/video/BV17x411w7KC
  bilifetch -q 116 -w 16 av170001
  bilifetch --sessdata "$SESSDATA" https://b23.tv/abc123
  bilifetch --list-qualities BV17x411w7KC
  bilifetch -o ./downloads https://space.bilibili.com/2

Environment variables:
  BILIFETCH_SESSDATA, BILIFETCH_USER_ID, BILIFETCH_CSRF     session cookies
  BILIFETCH_BUVID3, BILIFETCH_BUVID4                        device fingerprint
  BILIFETCH_WORKERS, BILIFETCH_RETRIES, BILIFETCH_TIMEOUT   engine tuning
  BILIFETCH_QUALITY, BILIFETCH_SPEED_LIMIT                  download defaults
  BILIFETCH_OUTPUT, BILIFETCH_FFMPEG, BILIFETCH_PROXY       paths and proxy

Flags take precedence over environment variables. High quality ranks
(1080P and above) require a valid SESSDATA session cookie.`,
	Args: cobra.ExactArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfiguration(cmd); err != nil {
			return err
		}
		return internal.InitLogger(cfg)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDownload(cmd.Context(), args[0])
	},
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.Flags()

	flags.StringVarP(&outputDir, "output", "o", "", "Output directory (default: current directory)")
	flags.IntVarP(&qualityRank, "quality", "q", 80, "Preferred quality rank (e.g. 127, 116, 80, 64, 32, 16)")
	flags.IntVarP(&workers, "workers", "w", 8, "Concurrent range workers per track (1-32)")
	flags.IntVar(&retries, "retries", 3, "Retries per byte range after a failed first attempt")
	flags.IntVar(&idleSecs, "timeout", 15, "Idle timeout in seconds: a transfer receiving no data for this long is cut")
	flags.StringVar(&speedLimit, "speed-limit", "", "Aggregate download speed limit, e.g. 5M or 500K (default: unlimited)")
	flags.StringVar(&proxyURL, "proxy", "", "Proxy URL (http://, https://, socks5://)")
	flags.StringVar(&sessdata, "sessdata", "", "SESSDATA session cookie for member-only qualities")
	flags.StringVar(&userID, "user-id", "", "DedeUserID cookie matching the session")
	flags.StringVar(&csrfToken, "csrf", "", "bili_jct CSRF token matching the session")
	flags.StringVar(&userAgent, "user-agent", "", "Override the User-Agent header")
	flags.StringVar(&ffmpegPath, "ffmpeg", "", "Path to the ffmpeg binary (default: ffmpeg from PATH)")
	flags.StringVarP(&cookieFile, "cookies", "c", "", "Netscape cookies.txt file to read session values from")
	flags.StringVar(&logFile, "log-file", "", "Write logs to a file instead of stderr")
	flags.BoolVar(&keepParts, "keep-parts", false, "Keep the elementary video/audio files after a successful merge")
	flags.BoolVar(&noMerge, "no-merge", false, "Skip the ffmpeg merge and keep the raw tracks")
	flags.BoolVar(&listQualities, "list-qualities", false, "List the quality options for a video and exit")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	flags.BoolVar(&quiet, "quiet", false, "Suppress progress output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfiguration builds the runtime config: defaults, then environment,
// then explicit flags.
func loadConfiguration(cmd *cobra.Command) error {
	cfg = internal.DefaultConfig()
	cfg.LoadFromEnv()

	if sessdata != "" {
		cfg.Credentials.SESSDATA = sessdata
	}
	if userID != "" {
		cfg.Credentials.DedeUserID = userID
	}
	if csrfToken != "" {
		cfg.Credentials.BiliJct = csrfToken
	}
	if userAgent != "" {
		cfg.UserAgent = userAgent
	}
	if proxyURL != "" {
		cfg.ProxyURL = proxyURL
	}
	if outputDir != "" {
		cfg.OutputDir = outputDir
	}
	if ffmpegPath != "" {
		cfg.FFmpegPath = ffmpegPath
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}

	if cmd.Flags().Changed("workers") {
		cfg.MaxWorkers = workers
	}
	if cmd.Flags().Changed("retries") {
		cfg.MaxRetries = retries
	}
	if cmd.Flags().Changed("timeout") {
		cfg.IdleTimeout = idleSecs
	}

	// Quality and the speed limit are CLI-level knobs without a Config
	// field, so their environment fallbacks are applied here.
	if !cmd.Flags().Changed("quality") {
		if v := os.Getenv("BILIFETCH_QUALITY"); v != "" {
			if q, err := strconv.Atoi(v); err == nil && q > 0 {
				qualityRank = q
			}
		}
	}
	if speedLimit == "" {
		speedLimit = os.Getenv("BILIFETCH_SPEED_LIMIT")
	}
	if speedLimit != "" {
		limit, err := utils.ParseRateLimit(speedLimit)
		if err != nil {
			return fmt.Errorf("invalid --speed-limit: %w", err)
		}
		cfg.SpeedLimit = limit
	}

	if keepParts {
		cfg.KeepParts = true
	}
	if verbose {
		cfg.EnableDebug = true
		cfg.LogLevel = "debug"
	}
	if quiet {
		cfg.QuietMode = true
	}

	return cfg.ValidateConfig()
}

// downloadTask is one title scheduled for download, already resolved to the
// bvid/cid pair the playurl endpoint needs.
type downloadTask struct {
	bvid  string
	cid   int64
	title string
}

func runDownload(parent context.Context, input string) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		sig := <-sigChan
		internal.LogWarn("Received %v, cancelling active downloads", sig)
		statusf("%s", color.YellowString("interrupted, shutting down..."))
		cancel()
	}()

	creds := downloader.NewCredentialStore(cfg.Credentials)
	if cookieFile != "" {
		if err := creds.LoadCookieFile(cookieFile); err != nil {
			return fmt.Errorf("reading cookie file: %w", err)
		}
	}
	creds.EnsureDeviceID()
	if err := creds.ValidateSession(); err != nil {
		internal.LogWarn("Session check: %v", err)
	}
	defer creds.Cleanup()

	apiHTTP := utils.NewHTTPClientWithConfig(&utils.HTTPClientConfig{
		Timeout:   time.Duration(cfg.RequestTimeout) * time.Second,
		ProxyURL:  cfg.ProxyURL,
		UserAgent: cfg.UserAgent,
		Referer:   cfg.Referer,
	})
	// CDN transfers carry no whole-request deadline; the engine cuts
	// stalled connections with its idle timeout instead.
	cdnHTTP := utils.NewHTTPClientWithConfig(&utils.HTTPClientConfig{
		ProxyURL:  cfg.ProxyURL,
		UserAgent: cfg.UserAgent,
		Referer:   cfg.Referer,
	})

	signer := downloader.NewWBISigner(apiHTTP, cfg.APIBaseURL, creds)
	api := downloader.NewAPIClient(apiHTTP, signer, creds, cfg.APIBaseURL)
	resolver := downloader.NewBiliResolver(apiHTTP, api)

	statusf("Resolving %s", color.CyanString(input))
	resolved, err := resolver.Resolve(ctx, input)
	if err != nil {
		return err
	}

	if listQualities {
		return printQualityOptions(ctx, api, resolved)
	}

	tasks, err := collectTasks(ctx, api, resolved)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return fmt.Errorf("nothing to download for %q", input)
	}

	engine := downloader.NewMultiTrackEngine(cfg, cdnHTTP, creds)
	muxer := downloader.NewFFmpegMuxer(cfg.FFmpegPath)
	merge := !noMerge
	if merge && !muxer.Available() {
		internal.LogWarn("ffmpeg not found (%q), raw tracks will be kept unmerged", cfg.FFmpegPath)
		statusf("%s ffmpeg not found, skipping merge", color.YellowString("warning:"))
		merge = false
	}

	tracker := utils.NewProgressTracker(cfg.QuietMode || !isatty.IsTerminal(os.Stdout.Fd()))
	trackerDone := make(chan struct{})
	go func() {
		defer close(trackerDone)
		tracker.Run(engine.Events())
	}()

	failed := 0
	for i, task := range tasks {
		if ctx.Err() != nil {
			failed += len(tasks) - i
			break
		}
		if len(tasks) > 1 {
			statusf("[%d/%d] %s", i+1, len(tasks), color.CyanString(task.title))
		}
		if err := downloadOne(ctx, api, engine, muxer, task, merge); err != nil {
			failed++
			internal.LogError("Download failed for %s: %v", task.bvid, err)
			statusf("%s %s: %v", color.RedString("failed"), task.title, err)
		}
	}

	engine.Close()
	<-trackerDone

	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, len(tasks))
	}
	return nil
}

// collectTasks flattens a resolve result into the list of titles to fetch.
// Space and season entries that cannot be completed are skipped with a
// warning rather than aborting the whole batch.
func collectTasks(ctx context.Context, api *downloader.APIClient, resolved *internal.ResolveResult) ([]downloadTask, error) {
	switch resolved.Kind {
	case internal.KindVideo:
		meta := resolved.Video
		statusf("%s", color.CyanString(meta.Title))
		if meta.Owner.Name != "" {
			statusf("  by %s, %s", meta.Owner.Name, formatDuration(meta.Duration))
		}
		return []downloadTask{{bvid: meta.BVID, cid: meta.CID, title: meta.Title}}, nil

	case internal.KindSpace:
		if resolved.User != nil {
			statusf("Space of %s: %d video(s)", color.CyanString(resolved.User.Name), len(resolved.Videos))
		}
		tasks := make([]downloadTask, 0, len(resolved.Videos))
		for _, v := range resolved.Videos {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			meta, err := api.GetVideoInfo(ctx, v.BVID)
			if err != nil {
				internal.LogWarn("Skipping %s: %v", v.BVID, err)
				continue
			}
			tasks = append(tasks, downloadTask{bvid: meta.BVID, cid: meta.CID, title: meta.Title})
		}
		return tasks, nil

	case internal.KindSeason:
		season := resolved.Season
		statusf("Season %s: %d episode(s)", color.CyanString(season.Title), len(season.Episodes))
		tasks := make([]downloadTask, 0, len(season.Episodes))
		for _, ep := range season.Episodes {
			if ep.BVID == "" || ep.CID == 0 {
				internal.LogWarn("Episode %d carries no playable identifiers, skipping", ep.ID)
				continue
			}
			title := ep.Title
			if season.Title != "" && title != "" {
				title = season.Title + " " + title
			} else if title == "" {
				title = season.Title
			}
			tasks = append(tasks, downloadTask{bvid: ep.BVID, cid: ep.CID, title: title})
		}
		return tasks, nil
	}

	return nil, internal.NewUnsupportedInputError(resolved.Kind.String())
}

// downloadOne fetches the elementary streams of a single title and merges
// them when a muxer is available.
func downloadOne(ctx context.Context, api *downloader.APIClient, engine *downloader.MultiTrackEngine, muxer *downloader.FFmpegMuxer, task downloadTask, merge bool) error {
	streams, err := api.GetStreamInfo(ctx, task.bvid, task.cid, qualityRank)
	if err != nil {
		return err
	}

	baseName := task.title
	if baseName == "" {
		baseName = task.bvid
	}

	results, err := engine.DownloadVideoAndAudio(ctx, streams, cfg.OutputDir, baseName)
	if err != nil {
		return err
	}

	var video, audio *internal.DownloadResult
	for _, res := range results {
		switch res.Track {
		case internal.TrackVideo:
			video = res
		case internal.TrackAudio:
			audio = res
		}
	}
	for _, res := range results {
		if res.Err != nil {
			return res.Err
		}
	}
	if video == nil || video.Status != internal.StatusCompleted {
		return fmt.Errorf("video track of %s did not complete", task.bvid)
	}

	// FLV payloads are self-contained; there is nothing to merge.
	if !merge || audio == nil || streams.Format != "dash" {
		statusf("%s %s (%s)", color.GreenString("saved"), video.Path, utils.FormatBytes(video.Bytes))
		if audio != nil {
			statusf("%s %s (%s)", color.GreenString("saved"), audio.Path, utils.FormatBytes(audio.Bytes))
		}
		return nil
	}

	outputPath := filepath.Join(cfg.OutputDir, mergedName(task.title))
	statusf("Merging into %s", outputPath)
	if !muxer.Merge(ctx, video.Path, audio.Path, outputPath) {
		return fmt.Errorf("merging %s failed, elementary tracks kept at %s and %s", task.bvid, video.Path, audio.Path)
	}
	if !cfg.KeepParts {
		if err := fileOps.RemoveFiles(video.Path, audio.Path); err != nil {
			internal.LogWarn("Could not remove part files: %v", err)
		}
	}
	statusf("%s %s (%s)", color.GreenString("saved"), outputPath, utils.FormatBytes(video.Bytes+audio.Bytes))
	return nil
}

func printQualityOptions(ctx context.Context, api *downloader.APIClient, resolved *internal.ResolveResult) error {
	if resolved.Kind != internal.KindVideo {
		return internal.NewValidationError("input", "--list-qualities applies to a single video")
	}
	meta := resolved.Video
	options, err := api.GetQualityOptions(ctx, meta.BVID, meta.CID)
	if err != nil {
		return err
	}

	fmt.Printf("%s (%s)\n", meta.Title, meta.BVID)
	for _, opt := range options {
		marker := " "
		if opt.Rank == qualityRank {
			marker = color.GreenString("*")
		}
		fmt.Printf(" %s %4d  %s\n", marker, opt.Rank, opt.Label)
	}
	return nil
}

// mergedName picks the merged output filename: the sanitized title, or a
// fresh UUID when the title sanitizes down to nothing.
func mergedName(title string) string {
	name := fileOps.SanitizeFilename(title)
	if name == "" {
		name = uuid.New().String()
	}
	return name + ".mp4"
}

// statusf prints user-facing progress lines; suppressed in quiet mode where
// only the log output remains.
func statusf(format string, args ...interface{}) {
	if cfg != nil && cfg.QuietMode {
		return
	}
	fmt.Printf(format+"\n", args...)
}

func formatDuration(seconds int64) string {
	if seconds <= 0 {
		return "unknown length"
	}
	d := time.Duration(seconds) * time.Second
	if d >= time.Hour {
		return fmt.Sprintf("%d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
	}
	return fmt.Sprintf("%d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}
