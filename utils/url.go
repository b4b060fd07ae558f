package utils

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"bilifetch/internal"
)

// LinkForm is the syntactic shape of an input identifier, decided before any
// network call.
type LinkForm int

const (
	FormShortLink LinkForm = iota
	FormSpace
	FormBV
	FormAV
	FormEpisode
	FormSeason
	FormMedia
	FormUnknown
)

// String returns the string representation of LinkForm
func (f LinkForm) String() string {
	switch f {
	case FormShortLink:
		return "short-link"
	case FormSpace:
		return "space"
	case FormBV:
		return "bv"
	case FormAV:
		return "av"
	case FormEpisode:
		return "episode"
	case FormSeason:
		return "season"
	case FormMedia:
		return "media"
	default:
		return "unknown"
	}
}

// LinkInfo contains the identifier extracted from an input string
type LinkInfo struct {
	OriginalInput string
	Form          LinkForm
	BVID          string
	AID           int64
	Mid           int64
	EpisodeID     int64
	SeasonID      int64
	MediaID       int64
}

// LinkMatcher classifies input URLs and bare identifiers
type LinkMatcher struct {
	shortHosts []string
	spaceRe    *regexp.Regexp
	bvRe       *regexp.Regexp
	avRe       *regexp.Regexp
	epRe       *regexp.Regexp
	ssRe       *regexp.Regexp
	mdRe       *regexp.Regexp
}

// NewLinkMatcher creates a matcher with the platform's identifier patterns.
// Short-link hosts beyond the platform's own can be supplied for mirror
// domains.
func NewLinkMatcher(extraShortHosts ...string) *LinkMatcher {
	m := &LinkMatcher{
		shortHosts: []string{"b23.tv", "bili2233.cn"},
		spaceRe:    regexp.MustCompile(`space\.bilibili\.com/(\d+)`),
		bvRe:       regexp.MustCompile(`BV1[0-9A-Za-z]{9}`),
		avRe:       regexp.MustCompile(`[aA][vV](\d+)`),
		epRe:       regexp.MustCompile(`ep(\d+)`),
		ssRe:       regexp.MustCompile(`ss(\d+)`),
		mdRe:       regexp.MustCompile(`md(\d+)`),
	}
	for _, host := range extraShortHosts {
		m.shortHosts = append(m.shortHosts, strings.ToLower(host))
	}
	return m
}

// Classify extracts the first recognized identifier from the input.
// Match order follows the platform's own precedence: short link, user space,
// BV, av, then the bangumi forms. Unrecognized inputs yield an
// unsupported-input error.
func (m *LinkMatcher) Classify(input string) (*LinkInfo, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, internal.NewValidationError("input", "input cannot be empty")
	}

	info := &LinkInfo{OriginalInput: trimmed, Form: FormUnknown}

	if m.IsShortLink(trimmed) {
		info.Form = FormShortLink
		return info, nil
	}

	if matches := m.spaceRe.FindStringSubmatch(trimmed); len(matches) > 1 {
		mid, err := strconv.ParseInt(matches[1], 10, 64)
		if err == nil && mid > 0 {
			info.Form = FormSpace
			info.Mid = mid
			return info, nil
		}
	}

	if bvid := m.bvRe.FindString(trimmed); bvid != "" {
		info.Form = FormBV
		info.BVID = bvid
		return info, nil
	}

	if matches := m.avRe.FindStringSubmatch(trimmed); len(matches) > 1 {
		aid, err := strconv.ParseInt(matches[1], 10, 64)
		if err == nil && aid > 0 {
			info.Form = FormAV
			info.AID = aid
			return info, nil
		}
	}

	if matches := m.epRe.FindStringSubmatch(trimmed); len(matches) > 1 {
		if id, err := strconv.ParseInt(matches[1], 10, 64); err == nil {
			info.Form = FormEpisode
			info.EpisodeID = id
			return info, nil
		}
	}

	if matches := m.ssRe.FindStringSubmatch(trimmed); len(matches) > 1 {
		if id, err := strconv.ParseInt(matches[1], 10, 64); err == nil {
			info.Form = FormSeason
			info.SeasonID = id
			return info, nil
		}
	}

	if matches := m.mdRe.FindStringSubmatch(trimmed); len(matches) > 1 {
		if id, err := strconv.ParseInt(matches[1], 10, 64); err == nil {
			info.Form = FormMedia
			info.MediaID = id
			return info, nil
		}
	}

	return nil, internal.NewUnsupportedInputError(trimmed)
}

// IsShortLink reports whether the input points at one of the platform's
// short-link hosts.
func (m *LinkMatcher) IsShortLink(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		// Bare identifiers are not URLs; substring check covers inputs
		// pasted without a scheme.
		for _, host := range m.shortHosts {
			if strings.Contains(raw, host+"/") {
				return true
			}
		}
		return false
	}

	host := strings.ToLower(parsed.Hostname())
	for _, short := range m.shortHosts {
		if host == short || host == "www."+short {
			return true
		}
	}
	return false
}

// String returns a string representation of the LinkInfo
func (info *LinkInfo) String() string {
	switch info.Form {
	case FormShortLink:
		return fmt.Sprintf("LinkInfo{Form: %s, URL: %s}", info.Form, info.OriginalInput)
	case FormSpace:
		return fmt.Sprintf("LinkInfo{Form: %s, Mid: %d}", info.Form, info.Mid)
	case FormBV:
		return fmt.Sprintf("LinkInfo{Form: %s, BVID: %s}", info.Form, info.BVID)
	case FormAV:
		return fmt.Sprintf("LinkInfo{Form: %s, AID: %d}", info.Form, info.AID)
	case FormEpisode:
		return fmt.Sprintf("LinkInfo{Form: %s, EpisodeID: %d}", info.Form, info.EpisodeID)
	case FormSeason:
		return fmt.Sprintf("LinkInfo{Form: %s, SeasonID: %d}", info.Form, info.SeasonID)
	case FormMedia:
		return fmt.Sprintf("LinkInfo{Form: %s, MediaID: %d}", info.Form, info.MediaID)
	default:
		return fmt.Sprintf("LinkInfo{Form: %s, Input: %s}", info.Form, info.OriginalInput)
	}
}
