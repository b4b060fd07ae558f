package downloader

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"bilifetch/internal"
	"bilifetch/utils"
)

// mixinKeyEncTab is the fixed permutation the platform applies to the
// concatenated key fragments before truncation. It is part of the signing
// protocol and only changes when the platform revs the scheme.
var mixinKeyEncTab = [64]int{
	46, 47, 18, 2, 53, 8, 23, 32, 15, 50, 10, 31, 58, 3, 45, 35,
	27, 43, 5, 49, 33, 9, 42, 19, 29, 28, 14, 39, 12, 38, 41, 13,
	37, 48, 7, 16, 24, 55, 40, 61, 26, 17, 0, 1, 60, 51, 30, 4,
	22, 25, 54, 21, 56, 59, 6, 63, 57, 62, 11, 36, 20, 34, 44, 52,
}

// paramValueStripper removes the characters the signing scheme forbids in
// parameter values.
var paramValueStripper = strings.NewReplacer("!", "", "'", "", "(", "", ")", "", "*", "")

// WBISigner signs API queries with the platform's WBI scheme and fetches
// the key fragments from the navigation endpoint. It holds no key state:
// fragments live only for the single call they were fetched for. It
// implements both internal.Signer and internal.KeyProvider.
type WBISigner struct {
	client  *utils.HTTPClient
	apiBase string
	creds   *CredentialStore
}

// NewWBISigner creates a signer bound to the given API host. creds may be
// nil; the navigation endpoint serves key fragments to anonymous sessions
// too.
func NewWBISigner(client *utils.HTTPClient, apiBase string, creds *CredentialStore) *WBISigner {
	return &WBISigner{
		client:  client,
		apiBase: strings.TrimRight(apiBase, "/"),
		creds:   creds,
	}
}

// deriveMixinKey permutes the concatenated fragments through mixinKeyEncTab
// and keeps the first 32 characters.
func deriveMixinKey(imgKey, subKey string) string {
	combined := imgKey + subKey

	var b strings.Builder
	b.Grow(32)
	for _, idx := range mixinKeyEncTab {
		if idx < len(combined) {
			b.WriteByte(combined[idx])
		}
		if b.Len() == 32 {
			break
		}
	}
	return b.String()
}

// Sign produces the final signed query string for params. The caller's map
// is not modified. Any wts or w_rid entries in params are overwritten; the
// signature always covers the supplied timestamp.
//
// The steps follow the platform's protocol exactly: add wts, sort keys,
// strip forbidden characters from values, URL-encode, then append the MD5 of
// the encoded query concatenated with the mixin key.
func (s *WBISigner) Sign(params map[string]string, keys internal.SigningKeyPair, now time.Time) string {
	mixin := deriveMixinKey(keys.ImgKey, keys.SubKey)

	values := url.Values{}
	for k, v := range params {
		values.Set(k, paramValueStripper.Replace(v))
	}
	values.Set("wts", strconv.FormatInt(now.Unix(), 10))
	values.Del("w_rid")

	// Encode sorts by key and percent-encodes exactly the way the platform's
	// verifier expects.
	query := values.Encode()
	digest := md5.Sum([]byte(query + mixin))

	return query + "&w_rid=" + hex.EncodeToString(digest[:])
}

// FetchKeys retrieves a fresh key pair from the navigation endpoint. A
// transport failure, malformed payload, or missing fragment is reported as a
// signing-key error; the method never returns empty keys alongside a nil
// error.
func (s *WBISigner) FetchKeys(ctx context.Context) (internal.SigningKeyPair, error) {
	navURL := s.apiBase + "/x/web-interface/nav"

	headers := map[string]string{}
	if s.creds != nil {
		if cookie := s.creds.CookieHeader(); cookie != "" {
			headers["Cookie"] = cookie
		}
	}

	resp, err := s.client.GetWithContext(ctx, navURL, headers)
	if err != nil {
		return internal.SigningKeyPair{}, internal.NewSigningKeyError("navigation request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIBodySize))
	if err != nil {
		return internal.SigningKeyPair{}, internal.NewSigningKeyError("reading navigation response failed", err)
	}

	var nav struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			WbiImg struct {
				ImgURL string `json:"img_url"`
				SubURL string `json:"sub_url"`
			} `json:"wbi_img"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &nav); err != nil {
		return internal.SigningKeyPair{}, internal.NewSigningKeyError("navigation response is not valid JSON", err)
	}

	// Anonymous sessions get envelope code -101 but the key fragments are
	// still present, so the code is deliberately not checked here.
	keys := internal.SigningKeyPair{
		ImgKey: filenameStem(nav.Data.WbiImg.ImgURL),
		SubKey: filenameStem(nav.Data.WbiImg.SubURL),
	}
	if keys.Empty() {
		return internal.SigningKeyPair{}, internal.NewSigningKeyError("navigation response carries no key fragments", nil)
	}

	internal.LogDebug("Signing keys fetched (img=%d chars, sub=%d chars)", len(keys.ImgKey), len(keys.SubKey))
	return keys, nil
}

// SignedQuery signs params with a key pair fetched for this call. Fragments
// are never reused across calls; the platform rotates them without notice,
// so every signature is built from keys the endpoint just served.
func (s *WBISigner) SignedQuery(ctx context.Context, params map[string]string) (string, error) {
	keys, err := s.FetchKeys(ctx)
	if err != nil {
		return "", err
	}
	return s.Sign(params, keys, time.Now()), nil
}

// filenameStem extracts the portion of a URL path between the final slash
// and the final dot. The signing key fragments are published as image URLs
// whose stems are the keys themselves.
func filenameStem(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	base := path.Base(parsed.Path)
	if base == "." || base == "/" {
		return ""
	}

	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}
