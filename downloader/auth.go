package downloader

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bilifetch/internal"
)

// CredentialStore keeps session cookies and device identity in memory and
// renders them as a Cookie header for API and CDN requests. All methods are
// safe for concurrent use; download workers share one store.
type CredentialStore struct {
	mu    sync.RWMutex
	creds internal.Credentials
}

// NewCredentialStore creates a store seeded with the given credentials.
// Anonymous use is fine: an empty credential set still yields the baseline
// CURRENT_FNVAL cookie that the playurl endpoint expects.
func NewCredentialStore(creds internal.Credentials) *CredentialStore {
	return &CredentialStore{creds: creds}
}

// CookieHeader assembles the Cookie header value. Field order follows the
// web player: the format selector first, then device identity, then the
// user session block. Empty values are omitted, and the session block is
// emitted only when SESSDATA is present.
func (s *CredentialStore) CookieHeader() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pairs := make([]string, 0, 10)
	add := func(name, value string) {
		if value != "" {
			pairs = append(pairs, name+"="+value)
		}
	}

	add("CURRENT_FNVAL", "4048")
	add("_uuid", s.creds.UUID)
	add("buvid_fp", s.creds.BuvidFp)
	if s.creds.Buvid3 != "" {
		add("buvid3", s.creds.Buvid3)
		if s.creds.BNut > 0 {
			add("b_nut", strconv.FormatInt(s.creds.BNut, 10))
		}
	}
	add("bili_ticket", s.creds.BiliTicket)
	add("buvid4", s.creds.Buvid4)

	if s.creds.SESSDATA != "" {
		add("SESSDATA", s.creds.SESSDATA)
		add("DedeUserID", s.creds.DedeUserID)
		add("DedeUserID__ckMd5", s.creds.DedeUserIDCkMd5)
		add("bili_jct", s.creds.BiliJct)
	}

	return strings.Join(pairs, ";")
}

// LoggedIn reports whether a user session is present. Anonymous requests
// work for most endpoints but are capped at 480p for playback URLs.
func (s *CredentialStore) LoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.Valid()
}

// CSRF returns the bili_jct token used by endpoints that take POST bodies.
func (s *CredentialStore) CSRF() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.BiliJct
}

// Credentials returns a copy of the stored credential set.
func (s *CredentialStore) Credentials() internal.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// EnsureDeviceID fills in the _uuid and b_nut device fields when blank so
// that even anonymous sessions present a stable device identity. The _uuid
// cookie follows the web player shape: a random UUID, the millisecond
// remainder zero-padded to five digits, and the "infoc" suffix.
func (s *CredentialStore) EnsureDeviceID() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.creds.UUID == "" {
		ms := now.UnixMilli() % 100000
		s.creds.UUID = fmt.Sprintf("%s%05dinfoc", strings.ToUpper(uuid.New().String()), ms)
	}
	if s.creds.BNut == 0 {
		s.creds.BNut = now.Unix()
	}
}

// ValidateSession checks that a logged-in credential set is plausible before
// any authenticated request is attempted. Anonymous sets pass trivially.
func (s *CredentialStore) ValidateSession() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.creds.SESSDATA == "" {
		return nil
	}

	if s.creds.DedeUserID == "" {
		return fmt.Errorf("SESSDATA is set but DedeUserID is missing")
	}
	if _, err := strconv.ParseInt(s.creds.DedeUserID, 10, 64); err != nil {
		return fmt.Errorf("DedeUserID must be numeric, got %q", s.creds.DedeUserID)
	}
	if s.creds.BiliJct != "" && len(s.creds.BiliJct) != 32 {
		return fmt.Errorf("bili_jct should be a 32-character token, got %d characters", len(s.creds.BiliJct))
	}
	if s.creds.TicketExpires > 0 && time.Now().Unix() >= s.creds.TicketExpires {
		return fmt.Errorf("bili_ticket expired at %v", time.Unix(s.creds.TicketExpires, 0))
	}

	return nil
}

// LoadCookieFile merges cookies from a Netscape-format file (the format
// browser extensions export) into the store. Fields already set from flags
// or the environment win over file values.
func (s *CredentialStore) LoadCookieFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open cookie file: %w", err)
	}
	defer file.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip comments and empty lines
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, value, err := parseNetscapeCookieLine(line)
		if err != nil {
			return fmt.Errorf("invalid cookie format at line %d: %w", lineNum, err)
		}

		s.mergeCookie(name, value)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading cookie file: %w", err)
	}

	return nil
}

// mergeCookie applies one named cookie value without overwriting fields
// that were already populated. Caller holds the write lock.
func (s *CredentialStore) mergeCookie(name, value string) {
	set := func(dst *string) {
		if *dst == "" {
			*dst = value
		}
	}

	switch name {
	case "SESSDATA":
		set(&s.creds.SESSDATA)
	case "DedeUserID":
		set(&s.creds.DedeUserID)
	case "DedeUserID__ckMd5":
		set(&s.creds.DedeUserIDCkMd5)
	case "bili_jct":
		set(&s.creds.BiliJct)
	case "buvid3":
		set(&s.creds.Buvid3)
	case "buvid4":
		set(&s.creds.Buvid4)
	case "buvid_fp":
		set(&s.creds.BuvidFp)
	case "_uuid":
		set(&s.creds.UUID)
	case "bili_ticket":
		set(&s.creds.BiliTicket)
	case "b_nut":
		if s.creds.BNut == 0 {
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				s.creds.BNut = n
			}
		}
	}
}

// parseNetscapeCookieLine parses a single line from Netscape cookie format.
// Format: domain	flag	path	secure	expiration	name	value
func parseNetscapeCookieLine(line string) (name, value string, err error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 7 {
		return "", "", fmt.Errorf("expected 7 fields, got %d", len(fields))
	}
	return fields[5], fields[6], nil
}

// Cleanup overwrites sensitive values so they do not linger in memory after
// the session ends.
func (s *CredentialStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = internal.Credentials{}
}
