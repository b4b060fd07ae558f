package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"bilifetch/internal"
	"bilifetch/utils"
)

// maxShortLinkDepth caps how many short-link indirections one input may
// chain through. Legitimate links resolve in one hop; anything deeper is a
// loop.
const maxShortLinkDepth = 5

// maxRedirectBodySize caps how much of a redirect page body is scanned for
// a client-side redirect assignment.
const maxRedirectBodySize = 256 << 10

// redirectAssignRe matches the client-side redirect some short links serve
// instead of a Location header.
var redirectAssignRe = regexp.MustCompile(`window\.location\.href\s*=\s*["']([^"' ]+)`)

// av→BV conversion constants. The platform encodes the numeric ID into the
// alphanumeric form with a fixed XOR mask, base-58 alphabet, and digit
// scatter map.
const (
	bvXorCode  = 23442827791579
	bvMaxAID   = int64(1) << 51
	bvAlphabet = "FcwAPNKTMug3GV5Lj7EJnHpWsx4tb8haYeviqBz6rkCy12mUSDQX9RdoZf"
)

var bvEncodeMap = [9]int{8, 7, 0, 5, 1, 3, 2, 4, 6}

// AvToBV converts a numeric av ID to its canonical BV form.
func AvToBV(aid int64) string {
	var bvid [9]byte
	tmp := (bvMaxAID | aid) ^ bvXorCode

	for i := 0; i < len(bvEncodeMap); i++ {
		bvid[bvEncodeMap[i]] = bvAlphabet[tmp%int64(len(bvAlphabet))]
		tmp /= int64(len(bvAlphabet))
	}

	return "BV1" + string(bvid[:])
}

// BiliResolver turns any accepted input form (full URLs, short links, bare
// identifiers, user spaces, bangumi pages) into concrete download targets.
// It implements internal.Resolver.
type BiliResolver struct {
	matcher *utils.LinkMatcher
	client  *utils.HTTPClient
	api     *APIClient
}

// NewBiliResolver creates a resolver that expands short links through client
// and resolves identifiers through api.
func NewBiliResolver(client *utils.HTTPClient, api *APIClient) *BiliResolver {
	return &BiliResolver{
		matcher: utils.NewLinkMatcher(),
		client:  client,
		api:     api,
	}
}

// Resolve classifies the input and fetches whatever the identifier points
// at: one title, a user's video list, or a season's episode list.
func (r *BiliResolver) Resolve(ctx context.Context, input string) (*internal.ResolveResult, error) {
	info, err := r.matcher.Classify(input)
	if err != nil {
		return nil, err
	}

	if info.Form == utils.FormShortLink {
		expanded, err := r.expandShortLink(ctx, info.OriginalInput)
		if err != nil {
			return nil, err
		}
		internal.LogDebug("Short link expanded to %s", expanded)
		info, err = r.matcher.Classify(expanded)
		if err != nil {
			return nil, err
		}
	}

	switch info.Form {
	case utils.FormBV:
		return r.resolveVideo(ctx, info.BVID)
	case utils.FormAV:
		return r.resolveVideo(ctx, AvToBV(info.AID))
	case utils.FormSpace:
		return r.resolveSpace(ctx, info.Mid)
	case utils.FormEpisode:
		return r.resolveSeason(ctx, "ep_id", info.EpisodeID)
	case utils.FormSeason:
		return r.resolveSeason(ctx, "season_id", info.SeasonID)
	case utils.FormMedia:
		return r.resolveSeason(ctx, "media_id", info.MediaID)
	default:
		return nil, internal.NewUnsupportedInputError(info.OriginalInput)
	}
}

func (r *BiliResolver) resolveVideo(ctx context.Context, bvid string) (*internal.ResolveResult, error) {
	meta, err := r.api.GetVideoInfo(ctx, bvid)
	if err != nil {
		return nil, err
	}
	return &internal.ResolveResult{Kind: internal.KindVideo, Video: meta}, nil
}

func (r *BiliResolver) resolveSpace(ctx context.Context, mid int64) (*internal.ResolveResult, error) {
	user, err := r.api.GetUserInfo(ctx, mid)
	if err != nil {
		return nil, err
	}

	var videos []internal.SpaceVideo
	for page := 1; page <= maxSpacePages; page++ {
		batch, total, err := r.api.GetUserVideos(ctx, mid, page)
		if err != nil {
			return nil, err
		}
		videos = append(videos, batch...)

		if len(batch) < spacePageSize || len(videos) >= total {
			break
		}
	}

	return &internal.ResolveResult{Kind: internal.KindSpace, User: user, Videos: videos}, nil
}

func (r *BiliResolver) resolveSeason(ctx context.Context, idParam string, id int64) (*internal.ResolveResult, error) {
	season, err := r.api.GetSeasonInfo(ctx, idParam, id)
	if err != nil {
		return nil, err
	}
	return &internal.ResolveResult{Kind: internal.KindSeason, Season: season}, nil
}

// expandShortLink follows short-link indirections until the target leaves
// the short-link hosts, failing once maxShortLinkDepth hops are exhausted.
func (r *BiliResolver) expandShortLink(ctx context.Context, raw string) (string, error) {
	current := raw
	for depth := 0; depth < maxShortLinkDepth; depth++ {
		target, err := r.shortLinkTarget(ctx, current)
		if err != nil {
			return "", err
		}
		if !r.matcher.IsShortLink(target) {
			return target, nil
		}
		current = target
	}
	return "", internal.NewBiliError(0,
		fmt.Sprintf("short link did not leave the redirect chain within %d hops", maxShortLinkDepth),
		internal.ErrInvalidResponse).WithURL(current)
}

// shortLinkTarget performs one non-redirect-following GET and extracts where
// the short link points: the Location header when the host answers with a
// redirect, else a client-side redirect assignment embedded in the page.
func (r *BiliResolver) shortLinkTarget(ctx context.Context, raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	resp, err := r.client.GetNoRedirect(ctx, raw, nil)
	if err != nil {
		return "", internal.NewNetworkError("short link expansion", err).WithURL(raw)
	}
	defer resp.Body.Close()

	if loc := resp.Header.Get("Location"); loc != "" {
		return loc, nil
	}

	if resp.StatusCode == http.StatusOK {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxRedirectBodySize))
		if err == nil {
			if m := redirectAssignRe.FindSubmatch(body); len(m) > 1 {
				return string(m[1]), nil
			}
		}
	}

	return "", internal.NewBiliError(0, "short link carries no redirect target", internal.ErrInvalidResponse).WithURL(raw)
}
