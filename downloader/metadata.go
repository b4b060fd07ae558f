package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"bilifetch/internal"
	"bilifetch/utils"
)

// maxAPIBodySize caps how much of an API response body is read. Metadata
// payloads are a few hundred KB at most; anything larger is not a valid
// envelope.
const maxAPIBodySize = 8 << 20

// Space listing page size and the hard cap on how many pages a single
// resolution walks. Spaces with thousands of uploads are listed partially
// rather than hammering the endpoint.
const (
	spacePageSize = 30
	maxSpacePages = 3
)

// defaultQualityRank is the rank requested when the caller has no
// preference. The DASH manifest carries every offered track regardless.
const defaultQualityRank = 80

// qualityLabels maps the platform's quality ranks to display names.
var qualityLabels = map[int]string{
	127: "8K Ultra HD",
	126: "Dolby Vision",
	125: "HDR True Color",
	120: "4K Ultra HD",
	116: "1080P 60FPS",
	112: "1080P High Bitrate",
	80:  "1080P HD",
	64:  "720P HD",
	32:  "480P Standard",
	16:  "360P Smooth",
}

// QualityLabel returns the display name for a quality rank.
func QualityLabel(rank int) string {
	if label, ok := qualityLabels[rank]; ok {
		return label
	}
	return fmt.Sprintf("Unknown quality(%d)", rank)
}

// APIClient talks to the platform's REST endpoints: title metadata, playback
// manifests, user spaces, and bangumi seasons. Queries that the platform
// verifies are signed through the WBISigner; cookies come from the shared
// credential store. It implements internal.StreamResolver.
type APIClient struct {
	client  *utils.HTTPClient
	signer  *WBISigner
	creds   *CredentialStore
	apiBase string
}

// NewAPIClient creates a client bound to the given API host.
func NewAPIClient(client *utils.HTTPClient, signer *WBISigner, creds *CredentialStore, apiBase string) *APIClient {
	return &APIClient{
		client:  client,
		signer:  signer,
		creds:   creds,
		apiBase: strings.TrimRight(apiBase, "/"),
	}
}

// apiEnvelope is the common response wrapper. Most endpoints carry their
// payload under "data"; the bangumi endpoints use "result" instead.
type apiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Result  json.RawMessage `json:"result"`
}

// payload returns whichever envelope field the endpoint populated.
func (e *apiEnvelope) payload() json.RawMessage {
	if len(e.Data) > 0 && string(e.Data) != "null" {
		return e.Data
	}
	return e.Result
}

// getEnvelope performs a GET against rawURL, decodes the response envelope,
// and maps a non-zero envelope code to an API error carrying the platform's
// message verbatim.
func (c *APIClient) getEnvelope(ctx context.Context, rawURL string) (*apiEnvelope, error) {
	headers := map[string]string{}
	if c.creds != nil {
		if cookie := c.creds.CookieHeader(); cookie != "" {
			headers["Cookie"] = cookie
		}
	}

	resp, err := c.client.GetWithContext(ctx, rawURL, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIBodySize))
	if err != nil {
		return nil, internal.NewNetworkError("reading API response", err).WithURL(rawURL)
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, internal.NewBiliError(0, "API response is not a valid envelope", internal.ErrInvalidResponse).
			WithCause(err).WithURL(rawURL)
	}

	if env.Code != 0 {
		return nil, internal.NewAPIError(env.Code, env.Message).WithURL(rawURL)
	}

	return &env, nil
}

// signedGet signs params, performs the GET, and unmarshals the envelope
// payload into out.
func (c *APIClient) signedGet(ctx context.Context, endpoint string, params map[string]string, out any) error {
	query, err := c.signer.SignedQuery(ctx, params)
	if err != nil {
		return err
	}

	rawURL := c.apiBase + endpoint + "?" + query
	env, err := c.getEnvelope(ctx, rawURL)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(env.payload(), out); err != nil {
		return internal.NewBiliError(0, "API payload has unexpected shape", internal.ErrInvalidResponse).
			WithCause(err).WithURL(rawURL)
	}
	return nil
}

// plainGet performs an unsigned GET and unmarshals the envelope payload.
// The bangumi endpoints do not verify signatures.
func (c *APIClient) plainGet(ctx context.Context, endpoint string, params map[string]string, out any) error {
	pairs := make([]string, 0, len(params))
	for k, v := range params {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)

	rawURL := c.apiBase + endpoint + "?" + strings.Join(pairs, "&")
	env, err := c.getEnvelope(ctx, rawURL)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(env.payload(), out); err != nil {
		return internal.NewBiliError(0, "API payload has unexpected shape", internal.ErrInvalidResponse).
			WithCause(err).WithURL(rawURL)
	}
	return nil
}

// GetVideoInfo fetches the metadata of a title: descriptive fields, owner,
// statistics, and the playable part list. The returned CID is the first
// part's; multi-part titles expose the rest through Pages.
func (c *APIClient) GetVideoInfo(ctx context.Context, bvid string) (*internal.VideoMetadata, error) {
	var meta internal.VideoMetadata
	err := c.signedGet(ctx, "/x/web-interface/wbi/view", map[string]string{"bvid": bvid}, &meta)
	if err != nil {
		return nil, err
	}

	if meta.BVID == "" {
		return nil, internal.NewBiliError(0, "metadata payload carries no bvid", internal.ErrInvalidResponse)
	}
	return &meta, nil
}

// dashTrack is one selectable track from a DASH manifest. The platform
// publishes snake_case and camelCase URL keys depending on the entry point,
// so both spellings are accepted.
type dashTrack struct {
	ID           int      `json:"id"`
	BaseURL      string   `json:"base_url"`
	BaseURLAlt   string   `json:"baseUrl"`
	BackupURL    []string `json:"backup_url"`
	BackupURLAlt []string `json:"backupUrl"`
	CodecID      int      `json:"codecid"`
	Codecs       string   `json:"codecs"`
	Width        int      `json:"width"`
	Height       int      `json:"height"`
	Bandwidth    int64    `json:"bandwidth"`
}

// urlChain returns the primary URL followed by the backup mirrors in the
// order the platform listed them.
func (t *dashTrack) urlChain() []string {
	var urls []string
	switch {
	case t.BaseURL != "":
		urls = append(urls, t.BaseURL)
	case t.BaseURLAlt != "":
		urls = append(urls, t.BaseURLAlt)
	}
	if len(t.BackupURL) > 0 {
		urls = append(urls, t.BackupURL...)
	} else {
		urls = append(urls, t.BackupURLAlt...)
	}
	return urls
}

// descriptor converts the manifest entry into the engine-facing form.
func (t *dashTrack) descriptor() *internal.StreamDescriptor {
	return &internal.StreamDescriptor{
		Quality:   t.ID,
		CodecID:   t.CodecID,
		Codecs:    t.Codecs,
		Width:     t.Width,
		Height:    t.Height,
		Bandwidth: t.Bandwidth,
		URLs:      t.urlChain(),
	}
}

// durlSegment is one segment of a legacy flat manifest.
type durlSegment struct {
	URL          string   `json:"url"`
	BackupURL    []string `json:"backup_url"`
	BackupURLAlt []string `json:"backupUrl"`
}

func (d *durlSegment) urlChain() []string {
	var urls []string
	if d.URL != "" {
		urls = append(urls, d.URL)
	}
	if len(d.BackupURL) > 0 {
		urls = append(urls, d.BackupURL...)
	} else {
		urls = append(urls, d.BackupURLAlt...)
	}
	return urls
}

// playurlManifest is the payload of the playurl endpoint. Exactly one of
// Dash and Durl is populated: Dash for segmented streams, Durl for the
// legacy flat format served for some old titles.
type playurlManifest struct {
	Quality       int   `json:"quality"`
	AcceptQuality []int `json:"accept_quality"`
	Dash          *struct {
		Video []dashTrack `json:"video"`
		Audio []dashTrack `json:"audio"`
	} `json:"dash"`
	Durl []durlSegment `json:"durl"`
}

// fetchManifest requests the playback manifest for one part.
// fnval=4048 asks for the richest DASH manifest the session may see.
func (c *APIClient) fetchManifest(ctx context.Context, bvid string, cid int64, qualityRank int) (*playurlManifest, error) {
	params := map[string]string{
		"bvid":  bvid,
		"cid":   strconv.FormatInt(cid, 10),
		"qn":    strconv.Itoa(qualityRank),
		"fnver": "0",
		"fnval": "4048",
		"fourk": "1",
	}

	var manifest playurlManifest
	if err := c.signedGet(ctx, "/x/player/wbi/playurl", params, &manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// selectStreams picks the download tracks from a manifest: the video track
// matching the requested rank (else the first video track), and the first
// audio track when any. A flat manifest yields video-only output carrying
// every segment's URL chain.
func selectStreams(manifest *playurlManifest, qualityRank int) (*internal.StreamSet, error) {
	if manifest.Dash != nil {
		set := &internal.StreamSet{Format: "dash"}

		for i := range manifest.Dash.Video {
			if manifest.Dash.Video[i].ID == qualityRank {
				set.Video = manifest.Dash.Video[i].descriptor()
				break
			}
		}
		if set.Video == nil && len(manifest.Dash.Video) > 0 {
			set.Video = manifest.Dash.Video[0].descriptor()
		}

		if len(manifest.Dash.Audio) > 0 {
			set.Audio = manifest.Dash.Audio[0].descriptor()
		}

		if set.Video == nil || len(set.Video.URLs) == 0 {
			return nil, internal.NewBiliError(0, "manifest carries no video tracks", internal.ErrInvalidResponse)
		}
		return set, nil
	}

	if len(manifest.Durl) > 0 {
		video := &internal.StreamDescriptor{Quality: manifest.Quality}
		for i := range manifest.Durl {
			video.URLs = append(video.URLs, manifest.Durl[i].urlChain()...)
		}
		if len(video.URLs) == 0 {
			return nil, internal.NewBiliError(0, "flat manifest carries no URLs", internal.ErrInvalidResponse)
		}
		return &internal.StreamSet{Format: "flv", Video: video}, nil
	}

	return nil, internal.NewBiliError(0, "manifest carries no streams", internal.ErrInvalidResponse)
}

// GetStreamInfo resolves the download URL chains for one part at the
// requested quality rank.
func (c *APIClient) GetStreamInfo(ctx context.Context, bvid string, cid int64, quality int) (*internal.StreamSet, error) {
	manifest, err := c.fetchManifest(ctx, bvid, cid, quality)
	if err != nil {
		return nil, err
	}
	return selectStreams(manifest, quality)
}

// GetQualityOptions lists the distinct quality ranks offered for one part,
// sorted highest first. Ranks come from the DASH video tracks; a flat
// manifest falls back to the advertised accept_quality list.
func (c *APIClient) GetQualityOptions(ctx context.Context, bvid string, cid int64) ([]internal.QualityOption, error) {
	manifest, err := c.fetchManifest(ctx, bvid, cid, defaultQualityRank)
	if err != nil {
		return nil, err
	}

	var ranks []int
	if manifest.Dash != nil {
		for i := range manifest.Dash.Video {
			ranks = append(ranks, manifest.Dash.Video[i].ID)
		}
	} else {
		ranks = manifest.AcceptQuality
	}

	seen := make(map[int]bool, len(ranks))
	options := make([]internal.QualityOption, 0, len(ranks))
	for _, rank := range ranks {
		if seen[rank] {
			continue
		}
		seen[rank] = true
		options = append(options, internal.QualityOption{Rank: rank, Label: QualityLabel(rank)})
	}

	sort.Slice(options, func(i, j int) bool { return options[i].Rank > options[j].Rank })
	return options, nil
}

// GetUserInfo fetches the display identity of a user space.
func (c *APIClient) GetUserInfo(ctx context.Context, mid int64) (*internal.UserInfo, error) {
	var user internal.UserInfo
	err := c.signedGet(ctx, "/x/space/wbi/acc/info", map[string]string{"mid": strconv.FormatInt(mid, 10)}, &user)
	if err != nil {
		return nil, err
	}
	if user.Mid == 0 {
		user.Mid = mid
	}
	return &user, nil
}

// spaceSearchPayload is the payload of the space archive listing.
type spaceSearchPayload struct {
	List struct {
		Vlist []struct {
			BVID  string `json:"bvid"`
			AID   int64  `json:"aid"`
			Title string `json:"title"`
		} `json:"vlist"`
	} `json:"list"`
	Page struct {
		Count int `json:"count"`
		PN    int `json:"pn"`
		PS    int `json:"ps"`
	} `json:"page"`
}

// GetUserVideos fetches one page of a user's published videos. The second
// return value is the total count the space advertises, used by callers to
// decide whether another page exists.
func (c *APIClient) GetUserVideos(ctx context.Context, mid int64, page int) ([]internal.SpaceVideo, int, error) {
	params := map[string]string{
		"mid": strconv.FormatInt(mid, 10),
		"ps":  strconv.Itoa(spacePageSize),
		"pn":  strconv.Itoa(page),
	}

	var payload spaceSearchPayload
	if err := c.signedGet(ctx, "/x/space/wbi/arc/search", params, &payload); err != nil {
		return nil, 0, err
	}

	videos := make([]internal.SpaceVideo, 0, len(payload.List.Vlist))
	for _, v := range payload.List.Vlist {
		videos = append(videos, internal.SpaceVideo{BVID: v.BVID, AID: v.AID, Title: v.Title})
	}
	return videos, payload.Page.Count, nil
}

// seasonPayload is the bangumi season payload. Episode IDs arrive as "id"
// on the season endpoint and "ep_id" on some mirrors; both are accepted.
type seasonPayload struct {
	SeasonID int64  `json:"season_id"`
	Title    string `json:"title"`
	Episodes []struct {
		ID        int64  `json:"id"`
		EpID      int64  `json:"ep_id"`
		CID       int64  `json:"cid"`
		BVID      string `json:"bvid"`
		Title     string `json:"title"`
		LongTitle string `json:"long_title"`
		Cover     string `json:"cover"`
	} `json:"episodes"`
}

// mediaPayload is the review endpoint's payload, used only to map a media
// ID onto its season.
type mediaPayload struct {
	Media struct {
		SeasonID int64  `json:"season_id"`
		MediaID  int64  `json:"media_id"`
		Title    string `json:"title"`
	} `json:"media"`
}

// GetSeasonInfo resolves a bangumi season and its episode list. The idParam
// names which identifier the caller holds: "season_id", "ep_id", or
// "media_id". A media ID is first mapped onto its season through the review
// endpoint.
func (c *APIClient) GetSeasonInfo(ctx context.Context, idParam string, id int64) (*internal.SeasonInfo, error) {
	if idParam == "media_id" {
		var media mediaPayload
		err := c.plainGet(ctx, "/pgc/review/user", map[string]string{"media_id": strconv.FormatInt(id, 10)}, &media)
		if err != nil {
			return nil, err
		}
		if media.Media.SeasonID == 0 {
			return nil, internal.NewBiliError(0, "media carries no season", internal.ErrInvalidResponse)
		}
		return c.GetSeasonInfo(ctx, "season_id", media.Media.SeasonID)
	}

	var payload seasonPayload
	err := c.plainGet(ctx, "/pgc/view/web/season", map[string]string{idParam: strconv.FormatInt(id, 10)}, &payload)
	if err != nil {
		return nil, err
	}

	season := &internal.SeasonInfo{
		SeasonID: payload.SeasonID,
		Title:    payload.Title,
		Episodes: make([]internal.EpisodeInfo, 0, len(payload.Episodes)),
	}
	for _, ep := range payload.Episodes {
		epID := ep.ID
		if epID == 0 {
			epID = ep.EpID
		}
		title := ep.LongTitle
		if title == "" {
			title = ep.Title
		}
		season.Episodes = append(season.Episodes, internal.EpisodeInfo{
			ID:    epID,
			CID:   ep.CID,
			BVID:  ep.BVID,
			Title: title,
			Cover: ep.Cover,
		})
	}
	return season, nil
}
