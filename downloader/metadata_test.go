package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bilifetch/internal"
)

// assertErrorType fails the test unless err carries a BiliError of the given
// type somewhere in its chain.
func assertErrorType(t *testing.T, err error, want internal.ErrorType) {
	t.Helper()

	var biliErr *internal.BiliError
	if !errors.As(err, &biliErr) {
		t.Fatalf("expected *internal.BiliError in chain, got %T: %v", err, err)
	}
	if biliErr.Type != want {
		t.Errorf("expected error type %v, got %v (%v)", want, biliErr.Type, err)
	}
}

// newAPIHarness starts a test server that always answers the navigation
// endpoint with the reference key pair, registers any extra handlers, and
// returns an APIClient bound to the server.
func newAPIHarness(t *testing.T, register func(mux *http.ServeMux)) *APIClient {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/x/web-interface/nav", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"code":0,"message":"","data":{"wbi_img":{`+
			`"img_url":"https://i0.example.com/bfs/wbi/%s.png",`+
			`"sub_url":"https://i0.example.com/bfs/wbi/%s.png"}}}`,
			testImgKey, testSubKey)
	})
	if register != nil {
		register(mux)
	}

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := testSigningClient()
	creds := NewCredentialStore(internal.Credentials{})
	signer := NewWBISigner(client, server.URL, creds)
	return NewAPIClient(client, signer, creds, server.URL)
}

func TestAPIClient_GetVideoInfo(t *testing.T) {
	api := newAPIHarness(t, func(mux *http.ServeMux) {
		mux.HandleFunc("/x/web-interface/wbi/view", func(w http.ResponseWriter, r *http.Request) {
			query := r.URL.Query()
			if query.Get("bvid") != "BV17x411w7KC" {
				t.Errorf("expected bvid=BV17x411w7KC, got %q", query.Get("bvid"))
			}
			// Verified endpoints must receive a signed query.
			if query.Get("w_rid") == "" || query.Get("wts") == "" {
				t.Error("expected signed query with w_rid and wts")
			}

			fmt.Fprint(w, `{"code":0,"message":"0","data":{
				"bvid":"BV17x411w7KC","aid":170001,"cid":279786,
				"title":"Test Title","desc":"A description","duration":213,
				"pic":"https://i0.example.com/cover.jpg",
				"owner":{"mid":2267573,"name":"uploader","face":"https://i0.example.com/face.jpg"},
				"stat":{"view":1000,"danmaku":20,"like":300},
				"pages":[
					{"cid":279786,"page":1,"part":"Part One","duration":100},
					{"cid":279787,"page":2,"part":"Part Two","duration":113}
				]}}`)
		})
	})

	meta, err := api.GetVideoInfo(context.Background(), "BV17x411w7KC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if meta.BVID != "BV17x411w7KC" {
		t.Errorf("BVID = %q, want BV17x411w7KC", meta.BVID)
	}
	if meta.AID != 170001 {
		t.Errorf("AID = %d, want 170001", meta.AID)
	}
	if meta.CID != 279786 {
		t.Errorf("CID = %d, want 279786", meta.CID)
	}
	if meta.Title != "Test Title" {
		t.Errorf("Title = %q, want Test Title", meta.Title)
	}
	if meta.Owner.Name != "uploader" {
		t.Errorf("Owner.Name = %q, want uploader", meta.Owner.Name)
	}
	if meta.Stats.View != 1000 {
		t.Errorf("Stats.View = %d, want 1000", meta.Stats.View)
	}
	if len(meta.Pages) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(meta.Pages))
	}
	if meta.Pages[1].Title != "Part Two" || meta.Pages[1].CID != 279787 {
		t.Errorf("unexpected second page: %+v", meta.Pages[1])
	}
}

func TestAPIClient_EnvelopeErrorCarriesPlatformMessage(t *testing.T) {
	api := newAPIHarness(t, func(mux *http.ServeMux) {
		mux.HandleFunc("/x/web-interface/wbi/view", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"code":-404,"message":"啥都木有","data":null}`)
		})
	})

	_, err := api.GetVideoInfo(context.Background(), "BV17x411w7KC")
	if err == nil {
		t.Fatal("expected error for non-zero envelope code, got none")
	}

	var biliErr *internal.BiliError
	if !errors.As(err, &biliErr) {
		t.Fatalf("expected *internal.BiliError, got %T", err)
	}
	if biliErr.Type != internal.ErrAPIRejected {
		t.Errorf("expected type %v, got %v", internal.ErrAPIRejected, biliErr.Type)
	}
	if biliErr.Code != -404 {
		t.Errorf("expected platform code -404, got %d", biliErr.Code)
	}
	if !strings.Contains(biliErr.Message, "啥都木有") {
		t.Errorf("expected verbatim platform message, got %q", biliErr.Message)
	}
}

func TestAPIClient_GetVideoInfo_EmptyPayload(t *testing.T) {
	api := newAPIHarness(t, func(mux *http.ServeMux) {
		mux.HandleFunc("/x/web-interface/wbi/view", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"code":0,"message":"0","data":{}}`)
		})
	})

	_, err := api.GetVideoInfo(context.Background(), "BV17x411w7KC")
	if err == nil {
		t.Fatal("expected error for payload without bvid, got none")
	}
	assertErrorType(t, err, internal.ErrInvalidResponse)
}

func TestSelectStreams(t *testing.T) {
	dash := func(tracks ...dashTrack) *playurlManifest {
		m := &playurlManifest{Quality: 80}
		m.Dash = &struct {
			Video []dashTrack `json:"video"`
			Audio []dashTrack `json:"audio"`
		}{}
		for _, tr := range tracks {
			if tr.ID >= 30000 {
				m.Dash.Audio = append(m.Dash.Audio, tr)
			} else {
				m.Dash.Video = append(m.Dash.Video, tr)
			}
		}
		return m
	}

	t.Run("requested_rank_selected", func(t *testing.T) {
		manifest := dash(
			dashTrack{ID: 80, BaseURL: "https://cdn.example.com/80.m4s", BackupURL: []string{"https://mirror.example.com/80.m4s"}},
			dashTrack{ID: 64, BaseURL: "https://cdn.example.com/64.m4s"},
			dashTrack{ID: 30280, BaseURL: "https://cdn.example.com/audio.m4s"},
		)

		set, err := selectStreams(manifest, 64)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if set.Format != "dash" {
			t.Errorf("Format = %q, want dash", set.Format)
		}
		if set.Video.Quality != 64 {
			t.Errorf("video quality = %d, want 64", set.Video.Quality)
		}
		if set.Audio == nil || set.Audio.Quality != 30280 {
			t.Errorf("expected first audio track, got %+v", set.Audio)
		}
	})

	t.Run("fallback_to_first_video", func(t *testing.T) {
		manifest := dash(
			dashTrack{ID: 80, BaseURL: "https://cdn.example.com/80.m4s"},
			dashTrack{ID: 64, BaseURL: "https://cdn.example.com/64.m4s"},
		)

		set, err := selectStreams(manifest, 127)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if set.Video.Quality != 80 {
			t.Errorf("video quality = %d, want first track 80", set.Video.Quality)
		}
		if set.Audio != nil {
			t.Errorf("expected no audio track, got %+v", set.Audio)
		}
	})

	t.Run("backup_urls_follow_primary", func(t *testing.T) {
		manifest := dash(dashTrack{
			ID:        80,
			BaseURL:   "https://cdn.example.com/80.m4s",
			BackupURL: []string{"https://mirror1.example.com/80.m4s", "https://mirror2.example.com/80.m4s"},
		})

		set, err := selectStreams(manifest, 80)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := []string{
			"https://cdn.example.com/80.m4s",
			"https://mirror1.example.com/80.m4s",
			"https://mirror2.example.com/80.m4s",
		}
		if len(set.Video.URLs) != len(want) {
			t.Fatalf("expected %d URLs, got %d", len(want), len(set.Video.URLs))
		}
		for i := range want {
			if set.Video.URLs[i] != want[i] {
				t.Errorf("URL %d = %q, want %q", i, set.Video.URLs[i], want[i])
			}
		}
	})

	t.Run("camel_case_url_keys", func(t *testing.T) {
		manifest := dash(dashTrack{
			ID:           80,
			BaseURLAlt:   "https://cdn.example.com/80.m4s",
			BackupURLAlt: []string{"https://mirror.example.com/80.m4s"},
		})

		set, err := selectStreams(manifest, 80)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(set.Video.URLs) != 2 {
			t.Errorf("expected 2 URLs from camelCase keys, got %d", len(set.Video.URLs))
		}
	})

	t.Run("flat_manifest", func(t *testing.T) {
		manifest := &playurlManifest{
			Quality: 32,
			Durl: []durlSegment{
				{URL: "https://cdn.example.com/seg1.flv", BackupURL: []string{"https://mirror.example.com/seg1.flv"}},
				{URL: "https://cdn.example.com/seg2.flv"},
			},
		}

		set, err := selectStreams(manifest, 80)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if set.Format != "flv" {
			t.Errorf("Format = %q, want flv", set.Format)
		}
		if set.Audio != nil {
			t.Error("flat manifests are video-only, got an audio track")
		}
		if set.Video.Quality != 32 {
			t.Errorf("video quality = %d, want manifest quality 32", set.Video.Quality)
		}
		if len(set.Video.URLs) != 3 {
			t.Errorf("expected 3 URLs across segments, got %d", len(set.Video.URLs))
		}
	})

	t.Run("empty_manifest", func(t *testing.T) {
		_, err := selectStreams(&playurlManifest{}, 80)
		if err == nil {
			t.Fatal("expected error for empty manifest, got none")
		}
		assertErrorType(t, err, internal.ErrInvalidResponse)
	})
}

func TestAPIClient_GetStreamInfo(t *testing.T) {
	api := newAPIHarness(t, func(mux *http.ServeMux) {
		mux.HandleFunc("/x/player/wbi/playurl", func(w http.ResponseWriter, r *http.Request) {
			query := r.URL.Query()
			if query.Get("fnval") != "4048" {
				t.Errorf("expected fnval=4048, got %q", query.Get("fnval"))
			}
			if query.Get("w_rid") == "" {
				t.Error("expected a signed playurl query")
			}

			fmt.Fprint(w, `{"code":0,"message":"0","data":{
				"quality":80,
				"dash":{
					"video":[
						{"id":80,"base_url":"https://cdn.example.com/v80.m4s","backup_url":["https://mirror.example.com/v80.m4s"],"codecid":7,"codecs":"avc1.640032","width":1920,"height":1080,"bandwidth":2500000},
						{"id":64,"base_url":"https://cdn.example.com/v64.m4s","codecid":7,"codecs":"avc1.64001F","width":1280,"height":720,"bandwidth":1200000}
					],
					"audio":[
						{"id":30280,"base_url":"https://cdn.example.com/a.m4s","bandwidth":192000}
					]
				}}}`)
		})
	})

	set, err := api.GetStreamInfo(context.Background(), "BV17x411w7KC", 279786, 80)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if set.Video.Quality != 80 || set.Video.Width != 1920 {
		t.Errorf("unexpected video descriptor: %+v", set.Video)
	}
	if set.Video.Codecs != "avc1.640032" {
		t.Errorf("Codecs = %q, want avc1.640032", set.Video.Codecs)
	}
	if len(set.Video.URLs) != 2 {
		t.Errorf("expected primary plus one backup URL, got %d", len(set.Video.URLs))
	}
	if set.Audio == nil || set.Audio.Bandwidth != 192000 {
		t.Errorf("unexpected audio descriptor: %+v", set.Audio)
	}
}

func TestAPIClient_GetQualityOptions(t *testing.T) {
	api := newAPIHarness(t, func(mux *http.ServeMux) {
		mux.HandleFunc("/x/player/wbi/playurl", func(w http.ResponseWriter, r *http.Request) {
			// Duplicate ranks appear when a rank offers several codecs.
			fmt.Fprint(w, `{"code":0,"message":"0","data":{
				"quality":80,
				"dash":{
					"video":[
						{"id":80,"base_url":"https://cdn.example.com/a.m4s"},
						{"id":116,"base_url":"https://cdn.example.com/b.m4s"},
						{"id":80,"base_url":"https://cdn.example.com/c.m4s"},
						{"id":64,"base_url":"https://cdn.example.com/d.m4s"}
					],
					"audio":[]
				}}}`)
		})
	})

	options, err := api.GetQualityOptions(context.Background(), "BV17x411w7KC", 279786)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantRanks := []int{116, 80, 64}
	if len(options) != len(wantRanks) {
		t.Fatalf("expected %d options, got %d: %+v", len(wantRanks), len(options), options)
	}
	for i, want := range wantRanks {
		if options[i].Rank != want {
			t.Errorf("option %d rank = %d, want %d (sorted descending, deduplicated)", i, options[i].Rank, want)
		}
	}
	if options[0].Label != "1080P 60FPS" {
		t.Errorf("rank 116 label = %q, want 1080P 60FPS", options[0].Label)
	}
}

func TestQualityLabel(t *testing.T) {
	tests := []struct {
		rank     int
		expected string
	}{
		{127, "8K Ultra HD"},
		{126, "Dolby Vision"},
		{125, "HDR True Color"},
		{120, "4K Ultra HD"},
		{116, "1080P 60FPS"},
		{112, "1080P High Bitrate"},
		{80, "1080P HD"},
		{64, "720P HD"},
		{32, "480P Standard"},
		{16, "360P Smooth"},
		{999, "Unknown quality(999)"},
	}

	for _, tt := range tests {
		if got := QualityLabel(tt.rank); got != tt.expected {
			t.Errorf("QualityLabel(%d) = %q, want %q", tt.rank, got, tt.expected)
		}
	}
}

func TestAPIClient_GetUserVideos(t *testing.T) {
	api := newAPIHarness(t, func(mux *http.ServeMux) {
		mux.HandleFunc("/x/space/wbi/arc/search", func(w http.ResponseWriter, r *http.Request) {
			query := r.URL.Query()
			if query.Get("mid") != "2267573" {
				t.Errorf("expected mid=2267573, got %q", query.Get("mid"))
			}
			if query.Get("ps") != "30" {
				t.Errorf("expected ps=30, got %q", query.Get("ps"))
			}

			fmt.Fprint(w, `{"code":0,"message":"0","data":{
				"list":{"vlist":[
					{"bvid":"BV17x411w7KC","aid":170001,"title":"First"},
					{"bvid":"BV1xx411c7mD","aid":2,"title":"Second"}
				]},
				"page":{"count":2,"pn":1,"ps":30}}}`)
		})
	})

	videos, total, err := api.GetUserVideos(context.Background(), 2267573, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
	if len(videos) != 2 {
		t.Fatalf("expected 2 videos, got %d", len(videos))
	}
	if videos[0].BVID != "BV17x411w7KC" || videos[0].Title != "First" {
		t.Errorf("unexpected first video: %+v", videos[0])
	}
}

func TestAPIClient_GetUserInfo(t *testing.T) {
	api := newAPIHarness(t, func(mux *http.ServeMux) {
		mux.HandleFunc("/x/space/wbi/acc/info", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"code":0,"message":"0","data":{"mid":2267573,"name":"uploader","face":"https://i0.example.com/face.jpg"}}`)
		})
	})

	user, err := api.GetUserInfo(context.Background(), 2267573)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.Mid != 2267573 || user.Name != "uploader" {
		t.Errorf("unexpected user: %+v", user)
	}
}

func TestAPIClient_GetSeasonInfo(t *testing.T) {
	seasonJSON := `{"code":0,"message":"success","result":{
		"season_id":33802,"title":"Test Season",
		"episodes":[
			{"id":399370,"cid":279786,"bvid":"BV17x411w7KC","title":"1","long_title":"The Beginning","cover":"https://i0.example.com/ep1.jpg"},
			{"ep_id":399371,"cid":279787,"bvid":"BV1xx411c7mD","title":"2","long_title":""}
		]}}`

	register := func(mux *http.ServeMux) {
		mux.HandleFunc("/pgc/view/web/season", func(w http.ResponseWriter, r *http.Request) {
			// Bangumi endpoints are not signature-verified.
			if r.URL.Query().Get("w_rid") != "" {
				t.Error("season endpoint must not receive a signed query")
			}
			fmt.Fprint(w, seasonJSON)
		})
		mux.HandleFunc("/pgc/review/user", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("media_id") != "28229233" {
				t.Errorf("expected media_id=28229233, got %q", r.URL.Query().Get("media_id"))
			}
			fmt.Fprint(w, `{"code":0,"message":"success","result":{"media":{"season_id":33802,"media_id":28229233,"title":"Test Season"}}}`)
		})
	}

	assertSeason := func(t *testing.T, season *internal.SeasonInfo) {
		t.Helper()
		if season.SeasonID != 33802 {
			t.Errorf("SeasonID = %d, want 33802", season.SeasonID)
		}
		if len(season.Episodes) != 2 {
			t.Fatalf("expected 2 episodes, got %d", len(season.Episodes))
		}
		if season.Episodes[0].ID != 399370 || season.Episodes[0].Title != "The Beginning" {
			t.Errorf("unexpected first episode: %+v", season.Episodes[0])
		}
		// ep_id key and plain-title fallback.
		if season.Episodes[1].ID != 399371 || season.Episodes[1].Title != "2" {
			t.Errorf("unexpected second episode: %+v", season.Episodes[1])
		}
	}

	t.Run("by_season_id", func(t *testing.T) {
		api := newAPIHarness(t, register)
		season, err := api.GetSeasonInfo(context.Background(), "season_id", 33802)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		assertSeason(t, season)
	})

	t.Run("by_episode_id", func(t *testing.T) {
		api := newAPIHarness(t, register)
		season, err := api.GetSeasonInfo(context.Background(), "ep_id", 399370)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		assertSeason(t, season)
	})

	t.Run("by_media_id", func(t *testing.T) {
		api := newAPIHarness(t, register)
		season, err := api.GetSeasonInfo(context.Background(), "media_id", 28229233)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		assertSeason(t, season)
	})

	t.Run("media_without_season", func(t *testing.T) {
		api := newAPIHarness(t, func(mux *http.ServeMux) {
			mux.HandleFunc("/pgc/review/user", func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"code":0,"message":"success","result":{"media":{"media_id":28229233}}}`)
			})
		})
		_, err := api.GetSeasonInfo(context.Background(), "media_id", 28229233)
		if err == nil {
			t.Fatal("expected error for media without season, got none")
		}
		assertErrorType(t, err, internal.ErrInvalidResponse)
	})
}
