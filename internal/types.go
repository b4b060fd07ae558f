package internal

import (
	"time"
)

// TrackType identifies which elementary stream a download belongs to.
type TrackType string

const (
	TrackVideo TrackType = "video"
	TrackAudio TrackType = "audio"
)

// TaskStatus is the lifecycle state of a download task
type TaskStatus int

const (
	StatusPending TaskStatus = iota
	StatusDownloading
	StatusCompleted
	StatusFailed
)

// String returns the string representation of TaskStatus
func (s TaskStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDownloading:
		return "downloading"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Credentials holds the pre-obtained session cookies and device fingerprint
// values used on every authenticated request. Login is not performed here;
// the values arrive through configuration.
type Credentials struct {
	SESSDATA        string
	DedeUserID      string
	DedeUserIDCkMd5 string
	BiliJct         string // CSRF token
	Buvid3          string
	Buvid4          string
	BuvidFp         string
	UUID            string
	BNut            int64 // fingerprint timestamp paired with Buvid3
	BiliTicket      string
	TicketExpires   int64
}

// Valid reports whether the credential set can authenticate API calls.
// The platform requires both the session token and the user ID.
func (c *Credentials) Valid() bool {
	return c.SESSDATA != "" && c.DedeUserID != ""
}

// SigningKeyPair is the pair of opaque key fragments fetched from the
// navigation endpoint. The platform rotates them roughly daily, so the pair
// is refetched before each resolution call and never persisted.
type SigningKeyPair struct {
	ImgKey string
	SubKey string
}

// Empty reports whether either key fragment is missing.
func (k SigningKeyPair) Empty() bool {
	return k.ImgKey == "" || k.SubKey == ""
}

// VideoIdentity is the canonical identity of one playable part of a title.
type VideoIdentity struct {
	BVID string `json:"bvid"`
	AID  int64  `json:"aid"`
	CID  int64  `json:"cid"`
}

// StreamDescriptor describes one selectable media track from a playback
// manifest. URLs holds the primary URL first, followed by backup mirrors in
// the order the platform returned them.
type StreamDescriptor struct {
	Quality   int      `json:"quality"`
	CodecID   int      `json:"codec_id"`
	Codecs    string   `json:"codecs,omitempty"`
	Width     int      `json:"width,omitempty"`
	Height    int      `json:"height,omitempty"`
	Bandwidth int64    `json:"bandwidth,omitempty"`
	URLs      []string `json:"urls"`
}

// StreamSet is the outcome of stream selection: the chosen descriptor per
// elementary track. A legacy flat manifest yields a video descriptor only and
// Format "flv".
type StreamSet struct {
	Format string            `json:"format"` // "dash" or "flv"
	Video  *StreamDescriptor `json:"video"`
	Audio  *StreamDescriptor `json:"audio,omitempty"`
}

// ByteRange is an inclusive [Start, End] span requested via a ranged GET.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns the number of bytes the range covers.
func (r ByteRange) Len() int64 {
	return r.End - r.Start + 1
}

// DownloadTask tracks one attempt at one file. Downloaded is advanced
// atomically by the range workers and never decreases; on success it equals
// TotalSize. When the engine advances to a backup URL it materializes a fresh
// task, so each task's counter stays monotonic.
type DownloadTask struct {
	ID         string
	Track      TrackType
	URL        string
	DestPath   string
	TotalSize  int64
	Downloaded int64 // atomic
	Ranges     []ByteRange
	Status     TaskStatus
}

// DownloadResult summarizes one finished task.
type DownloadResult struct {
	Track    TrackType
	Path     string
	Bytes    int64
	Duration time.Duration
	Status   TaskStatus
	Err      error
}

// ProgressEvent is a snapshot emitted on every successfully written piece of
// data. Events are consumed from a channel and dropped when the sink lags;
// they never block a download.
type ProgressEvent struct {
	Track      TrackType
	Downloaded int64
	Total      int64
	Percent    float64
	SpeedBps   float64
}

// Owner identifies the uploader of a title.
type Owner struct {
	Mid  int64  `json:"mid"`
	Name string `json:"name"`
	Face string `json:"face"`
}

// VideoStats carries the public counters of a title.
type VideoStats struct {
	View     int64 `json:"view"`
	Danmaku  int64 `json:"danmaku"`
	Reply    int64 `json:"reply"`
	Favorite int64 `json:"favorite"`
	Coin     int64 `json:"coin"`
	Share    int64 `json:"share"`
	Like     int64 `json:"like"`
}

// VideoPage is one playable part of a multi-part title.
type VideoPage struct {
	CID      int64  `json:"cid"`
	Page     int    `json:"page"`
	Title    string `json:"part"`
	Duration int64  `json:"duration"`
}

// VideoMetadata is the resolved metadata of a single title.
type VideoMetadata struct {
	BVID        string      `json:"bvid"`
	AID         int64       `json:"aid"`
	CID         int64       `json:"cid"`
	Title       string      `json:"title"`
	Description string      `json:"desc"`
	Duration    int64       `json:"duration"`
	PubDate     int64       `json:"pubdate"`
	CoverURL    string      `json:"pic"`
	Owner       Owner       `json:"owner"`
	Stats       VideoStats  `json:"stat"`
	Pages       []VideoPage `json:"pages"`
}

// QualityOption is one distinct quality rank offered for a title.
type QualityOption struct {
	Rank  int    `json:"rank"`
	Label string `json:"label"`
}

// EpisodeInfo is one episode of a bangumi season.
type EpisodeInfo struct {
	ID    int64  `json:"id"`
	CID   int64  `json:"cid"`
	BVID  string `json:"bvid,omitempty"`
	Title string `json:"title"`
	Cover string `json:"cover,omitempty"`
}

// SeasonInfo is the resolved payload of a bangumi season.
type SeasonInfo struct {
	SeasonID int64         `json:"season_id"`
	Title    string        `json:"title"`
	Episodes []EpisodeInfo `json:"episodes"`
}

// UserInfo identifies the owner of a user space.
type UserInfo struct {
	Mid  int64  `json:"mid"`
	Name string `json:"name"`
	Face string `json:"face,omitempty"`
}

// SpaceVideo is one entry of a user's published video list.
type SpaceVideo struct {
	BVID  string `json:"bvid"`
	AID   int64  `json:"aid"`
	Title string `json:"title"`
}

// LinkKind classifies what a resolved input refers to.
type LinkKind int

const (
	KindVideo LinkKind = iota
	KindSpace
	KindSeason
)

// String returns the string representation of LinkKind
func (k LinkKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindSpace:
		return "space"
	case KindSeason:
		return "season"
	default:
		return "unknown"
	}
}

// ResolveResult is the outcome of resolving one input string. Exactly one of
// the payload fields is populated, selected by Kind.
type ResolveResult struct {
	Kind   LinkKind
	Video  *VideoMetadata
	Season *SeasonInfo
	User   *UserInfo
	Videos []SpaceVideo // space listing, capped by the resolver
}
