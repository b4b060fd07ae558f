package internal

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// LogLevel orders message severities. Higher values are chattier.
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Log output may end up in shared terminals or attached to bug reports, so
// session cookies, fingerprint cookies, and signing-related query parameters
// are scrubbed before a line is written. Three shapes cover what the client
// actually handles: cookie pairs, query parameters, and whole credential
// headers.
var (
	cookiePairRe = regexp.MustCompile(
		`(?i)\b(SESSDATA|bili_jct|DedeUserID(?:__ckMd5)?|bili_ticket|buvid3|buvid4|buvid_fp|b_nut|_uuid)=[^;&\s"']+`)
	queryParamRe = regexp.MustCompile(
		`(?i)\b([a-z0-9_]*(?:key|token|secret)|sessdata|password|pwd)=[^;&\s"']+`)
	credHeaderRe = regexp.MustCompile(
		`(?i)\b(Authorization|Cookie|Set-Cookie):[^\r\n]+`)
)

// Redact scrubs credential material from s. Applied to every log line; also
// usable directly for strings headed somewhere other than the logger.
func Redact(s string) string {
	s = credHeaderRe.ReplaceAllString(s, "$1: [REDACTED]")
	s = cookiePairRe.ReplaceAllString(s, "$1=[REDACTED]")
	s = queryParamRe.ReplaceAllString(s, "$1=[REDACTED]")
	return s
}

// SecureLogger is a leveled logger that redacts credentials from every line.
// It is safe for concurrent use.
type SecureLogger struct {
	mu    sync.Mutex
	out   io.Writer
	level LogLevel
}

// NewSecureLogger returns a logger writing to output at the given level.
func NewSecureLogger(output io.Writer, level LogLevel) *SecureLogger {
	return &SecureLogger{out: output, level: level}
}

// NewDefaultLogger returns a stderr logger. Debug wins over quiet when both
// are set, so --verbose remains usable for diagnosing quiet-mode runs.
func NewDefaultLogger(debug, quiet bool) *SecureLogger {
	level := LogLevelInfo
	if quiet {
		level = LogLevelError
	}
	if debug {
		level = LogLevelDebug
	}
	return NewSecureLogger(os.Stderr, level)
}

// Level returns the logger's current level.
func (sl *SecureLogger) Level() LogLevel {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.level
}

func (sl *SecureLogger) logf(level LogLevel, format string, args ...interface{}) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if level > sl.level {
		return
	}

	line := Redact(fmt.Sprintf(format, args...))
	stamp := time.Now().Format("2006-01-02 15:04:05")
	fmt.Fprintf(sl.out, "[%s] %s %s\n", stamp, level, line)
}

// Error logs at ERROR level.
func (sl *SecureLogger) Error(format string, args ...interface{}) {
	sl.logf(LogLevelError, format, args...)
}

// Warn logs at WARN level.
func (sl *SecureLogger) Warn(format string, args ...interface{}) {
	sl.logf(LogLevelWarn, format, args...)
}

// Info logs at INFO level.
func (sl *SecureLogger) Info(format string, args ...interface{}) {
	sl.logf(LogLevelInfo, format, args...)
}

// Debug logs at DEBUG level.
func (sl *SecureLogger) Debug(format string, args ...interface{}) {
	sl.logf(LogLevelDebug, format, args...)
}

// LogHTTPRequest logs an outbound request at DEBUG level with credential
// headers replaced and sensitive URL parameters scrubbed.
func (sl *SecureLogger) LogHTTPRequest(req *http.Request) {
	if sl.Level() < LogLevelDebug {
		return
	}

	var b strings.Builder
	for name, values := range req.Header {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		if isSensitiveHeader(name) {
			fmt.Fprintf(&b, "%s=[REDACTED]", name)
			continue
		}
		fmt.Fprintf(&b, "%s=%s", name, strings.Join(values, ","))
	}

	sl.Debug("HTTP %s %s [%s]", req.Method, req.URL, b.String())
}

// LogHTTPResponse logs an inbound response status at DEBUG level.
func (sl *SecureLogger) LogHTTPResponse(resp *http.Response) {
	if sl.Level() < LogLevelDebug {
		return
	}
	sl.Debug("HTTP %s <- %s", resp.Status, resp.Request.URL)
}

func isSensitiveHeader(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", "cookie", "set-cookie":
		return true
	}
	return false
}
