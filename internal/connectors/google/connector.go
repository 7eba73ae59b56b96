package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"inffits/internal"
	"inffits/internal/config"
	"inffits/internal/logctx"
)

var scopes = []string{"openid", "email", "profile"}

type Connector struct {
	oauthCfg    *oauth2.Config
	userinfoURL string
	// apiEndpoint overrides the oauth2/v2 service base path.
	apiEndpoint string
}

func NewConnector(cfg config.Config) (*Connector, error) {
	if err := cfg.Require("GOOGLE_CLIENT_ID", cfg.GoogleClientID); err != nil {
		return nil, err
	}
	if err := cfg.Require("GOOGLE_REDIRECT_URI", cfg.GoogleRedirectURI); err != nil {
		return nil, err
	}

	return &Connector{
		oauthCfg: &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			Endpoint:     googleoauth.Endpoint,
			RedirectURL:  cfg.GoogleRedirectURI,
			Scopes:       scopes,
		},
		userinfoURL: cfg.GoogleUserinfoURL,
	}, nil
}

// AuthURL builds the authorization request: response_type=code with offline
// access and a forced consent prompt so a refresh token is always issued.
func (c *Connector) AuthURL(state string) string {
	return c.oauthCfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (c *Connector) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("empty authorization code")
	}
	return c.oauthCfg.Exchange(ctx, code)
}

// FetchUserInfo asks the OpenID Connect userinfo endpoint first and falls back to
// the oauth2 v2 userinfo API.
func (c *Connector) FetchUserInfo(ctx context.Context, accessToken string) (internal.UserInfo, error) {
	if strings.TrimSpace(accessToken) == "" {
		return internal.UserInfo{}, errors.New("empty access token")
	}
	client := &http.Client{Transport: &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
		Base:   http.DefaultTransport,
	}}

	info, err := c.fetchOIDC(ctx, client)
	if err == nil {
		return info, nil
	}
	logctx.From(ctx).Warn("openid userinfo failed, trying oauth2 v2", "err", err)

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if c.apiEndpoint != "" {
		opts = append(opts, option.WithEndpoint(c.apiEndpoint))
	}
	svc, err := oauth2api.NewService(ctx, opts...)
	if err != nil {
		return internal.UserInfo{}, err
	}
	v2, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return internal.UserInfo{}, fmt.Errorf("google userinfo: %w", err)
	}
	return internal.UserInfo{ID: v2.Id, Name: v2.Name, Email: v2.Email, Picture: v2.Picture}, nil
}

func (c *Connector) fetchOIDC(ctx context.Context, client *http.Client) (internal.UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userinfoURL, nil)
	if err != nil {
		return internal.UserInfo{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return internal.UserInfo{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return internal.UserInfo{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return internal.UserInfo{}, fmt.Errorf("userinfo status=%d body=%s", resp.StatusCode, string(body))
	}

	var info internal.UserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return internal.UserInfo{}, err
	}
	if info.SubjectID() == "" {
		return internal.UserInfo{}, errors.New("userinfo without sub")
	}
	return info, nil
}
