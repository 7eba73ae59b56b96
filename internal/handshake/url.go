package handshake

import (
	"encoding/json"
	"net/url"
	"slices"
	"strings"
	"sync"

	"inffits/internal"
)

const (
	ParamAccessToken       = "access_token"
	ParamIncognitoToken    = "incognito_token"
	ParamIncognitoUserInfo = "incognito_user_info"
	storageParamPrefix     = "storage_"
)

var oauthParams = []string{ParamAccessToken, "code", "state", "scope", "error", ParamIncognitoToken, ParamIncognitoUserInfo}

// ExtractToken finds an access token in the query string, then the fragment
// (some mobile browsers only surface it there), then the incognito fallback parameter.
func ExtractToken(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if token := u.Query().Get(ParamAccessToken); token != "" {
		return token
	}
	if strings.Contains(u.Fragment, ParamAccessToken+"=") {
		if frag, err := url.ParseQuery(u.Fragment); err == nil {
			if token := frag.Get(ParamAccessToken); token != "" {
				return token
			}
		}
	}
	return u.Query().Get(ParamIncognitoToken)
}

// ExtractUserInfo reads the user info stashed in the URL when storage was unusable.
func ExtractUserInfo(rawURL string) *internal.UserInfo {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	raw := u.Query().Get(ParamIncognitoUserInfo)
	if raw == "" {
		return nil
	}
	var info internal.UserInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil
	}
	return &info
}

func HasOAuthParams(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	q := u.Query()
	for _, p := range oauthParams {
		if q.Has(p) {
			return true
		}
	}
	return strings.Contains(u.Fragment, ParamAccessToken+"=")
}

// StripOAuthParams removes OAuth and storage-fallback parameters and the fragment.
func StripOAuthParams(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
			return rawURL[:i]
		}
		return rawURL
	}
	// Untouched parameters keep their original spelling, valueless keys included.
	var kept []string
	for _, part := range strings.Split(u.RawQuery, "&") {
		if part == "" {
			continue
		}
		key, _, _ := strings.Cut(part, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if slices.Contains(oauthParams, key) || strings.HasPrefix(key, storageParamPrefix) {
			continue
		}
		kept = append(kept, part)
	}
	u.RawQuery = strings.Join(kept, "&")
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// Page is the hosting window's address bar. Replace mirrors history.replaceState.
type Page struct {
	mu  sync.Mutex
	url string
}

func NewPage(rawURL string) *Page {
	return &Page{url: rawURL}
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Replace(rawURL string) {
	p.mu.Lock()
	p.url = rawURL
	p.mu.Unlock()
}

func (p *Page) SetParam(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, err := url.Parse(p.url)
	if err != nil {
		return
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	p.url = u.String()
}
