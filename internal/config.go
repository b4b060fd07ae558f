package internal

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds application configuration. It is built once at startup and
// passed explicitly to every component; nothing reads it through globals.
type Config struct {
	// Session and device fingerprint, supplied by the caller (no login here).
	Credentials Credentials

	// Network
	APIBaseURL     string
	Referer        string
	UserAgent      string
	ProxyURL       string
	RequestTimeout int // seconds, API calls
	IdleTimeout    int // seconds, reset on each received piece of a transfer
	MaxRetries     int // retries per byte range after a failed first attempt

	// Download engine
	MaxWorkers     int
	SpeedLimit     int64 // bytes per second, 0 disables limiting
	ProgressBuffer int   // event channel capacity

	// Output
	OutputDir  string
	FFmpegPath string
	KeepParts  bool

	// Logging configuration
	LogLevel    string
	EnableDebug bool
	QuietMode   bool
	LogFile     string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		APIBaseURL:     "https://api.bilibili.com",
		Referer:        "https://www.bilibili.com/",
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		RequestTimeout: 10,
		IdleTimeout:    15,
		MaxRetries:     3,
		MaxWorkers:     8,
		SpeedLimit:     0,
		ProgressBuffer: 256,
		OutputDir:      ".",
		FFmpegPath:     "ffmpeg",

		// Logging defaults
		LogLevel:    "info",
		EnableDebug: false,
		QuietMode:   false,
		LogFile:     "", // Empty means stderr
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("BILIFETCH_SESSDATA"); v != "" {
		c.Credentials.SESSDATA = v
	}
	if v := os.Getenv("BILIFETCH_USER_ID"); v != "" {
		c.Credentials.DedeUserID = v
	}
	if v := os.Getenv("BILIFETCH_USER_ID_MD5"); v != "" {
		c.Credentials.DedeUserIDCkMd5 = v
	}
	if v := os.Getenv("BILIFETCH_CSRF"); v != "" {
		c.Credentials.BiliJct = v
	}
	if v := os.Getenv("BILIFETCH_BUVID3"); v != "" {
		c.Credentials.Buvid3 = v
	}
	if v := os.Getenv("BILIFETCH_BUVID4"); v != "" {
		c.Credentials.Buvid4 = v
	}

	if workers := os.Getenv("BILIFETCH_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil && w > 0 && w <= 32 {
			c.MaxWorkers = w
		}
	}

	if timeout := os.Getenv("BILIFETCH_TIMEOUT"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil && t > 0 {
			c.IdleTimeout = t
		}
	}

	if retries := os.Getenv("BILIFETCH_RETRIES"); retries != "" {
		if r, err := strconv.Atoi(retries); err == nil && r >= 0 {
			c.MaxRetries = r
		}
	}

	if proxy := os.Getenv("BILIFETCH_PROXY"); proxy != "" {
		c.ProxyURL = proxy
	}

	if out := os.Getenv("BILIFETCH_OUTPUT"); out != "" {
		c.OutputDir = out
	}

	if ffmpeg := os.Getenv("BILIFETCH_FFMPEG"); ffmpeg != "" {
		c.FFmpegPath = ffmpeg
	}

	if ua := os.Getenv("BILIFETCH_USER_AGENT"); ua != "" {
		c.UserAgent = ua
	}

	// Load logging configuration from environment
	if logLevel := os.Getenv("BILIFETCH_LOG_LEVEL"); logLevel != "" {
		c.LogLevel = logLevel
	}

	if debug := os.Getenv("BILIFETCH_DEBUG"); debug != "" {
		c.EnableDebug = debug == "true" || debug == "1"
	}

	if quiet := os.Getenv("BILIFETCH_QUIET"); quiet != "" {
		c.QuietMode = quiet == "true" || quiet == "1"
	}

	if logFile := os.Getenv("BILIFETCH_LOG_FILE"); logFile != "" {
		c.LogFile = logFile
	}
}

// ValidateConfig validates the configuration values
func (c *Config) ValidateConfig() error {
	if c.MaxWorkers < 1 || c.MaxWorkers > 32 {
		return fmt.Errorf("invalid max workers: %d (must be 1-32)", c.MaxWorkers)
	}

	if c.RequestTimeout < 1 {
		return fmt.Errorf("invalid request timeout: %d (must be > 0)", c.RequestTimeout)
	}

	if c.IdleTimeout < 1 {
		return fmt.Errorf("invalid idle timeout: %d (must be > 0)", c.IdleTimeout)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("invalid max retries: %d (must be >= 0)", c.MaxRetries)
	}

	if c.SpeedLimit < 0 {
		return fmt.Errorf("invalid speed limit: %d (must be >= 0)", c.SpeedLimit)
	}

	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	if c.APIBaseURL == "" {
		return fmt.Errorf("API base URL cannot be empty")
	}

	if c.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg path cannot be empty")
	}

	return nil
}
