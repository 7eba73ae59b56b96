package auth

import (
	"context"
	"errors"
	"strings"

	"inffits/internal"
	"inffits/internal/account"
	"inffits/internal/events"
	"inffits/internal/logctx"
)

type RefreshAPI interface {
	Refresh(ctx context.Context, sub string) (*account.Response, error)
}

type TokenStore interface {
	AccessToken() (string, error)
	SetAccessToken(token string) error
	ClearSession() error
}

// Call performs one account API request with the given credential.
type Call func(ctx context.Context, cred internal.Credential) (*account.Response, error)

// TokenManager owns the persisted access token. Refresh failures never surface
// as errors: they log the user out and report an empty token instead.
type TokenManager struct {
	store TokenStore
	api   RefreshAPI
	bus   *events.Bus
}

func NewTokenManager(store TokenStore, api RefreshAPI, bus *events.Bus) *TokenManager {
	return &TokenManager{store: store, api: api, bus: bus}
}

func (m *TokenManager) AccessToken() string {
	token, err := m.store.AccessToken()
	if err != nil {
		return ""
	}
	return token
}

func (m *TokenManager) SetAccessToken(token string) error {
	return m.store.SetAccessToken(token)
}

// RefreshAccessToken returns the new token, or "" when the user is now logged out.
func (m *TokenManager) RefreshAccessToken(ctx context.Context, sub string) string {
	log := logctx.From(ctx)
	if strings.TrimSpace(sub) == "" {
		m.forceLogout(ctx, "missing subject id")
		return ""
	}

	resp, err := m.api.Refresh(ctx, sub)
	if err != nil {
		log.Warn("token refresh failed", "err", err)
		m.forceLogout(ctx, err.Error())
		return ""
	}
	if resp == nil || resp.AccessToken == "" {
		m.forceLogout(ctx, "refresh returned no access_token")
		return ""
	}
	if err := m.store.SetAccessToken(resp.AccessToken); err != nil {
		log.Warn("persist refreshed token failed", "err", err)
	}
	return resp.AccessToken
}

// CallWithRetry runs call with the persisted token. On ErrUnauthorized it refreshes
// once and retries once. A nil response with a nil error means the user has been
// logged out.
func (m *TokenManager) CallWithRetry(ctx context.Context, user internal.UserInfo, call Call) (*account.Response, error) {
	cred := internal.Credential{
		AccessToken: m.AccessToken(),
		SubjectID:   user.SubjectID(),
		IDType:      internal.IDTypeGoogle,
	}

	resp, err := call(ctx, cred)
	if !errors.Is(err, account.ErrUnauthorized) {
		return resp, err
	}
	if !cred.CanRefresh() {
		m.forceLogout(ctx, "unauthorized without subject id")
		return nil, nil
	}

	token := m.RefreshAccessToken(ctx, cred.SubjectID)
	if token == "" {
		return nil, nil
	}
	cred.AccessToken = token

	resp, err = call(ctx, cred)
	if errors.Is(err, account.ErrUnauthorized) {
		m.forceLogout(ctx, "unauthorized after refresh")
		return nil, nil
	}
	return resp, err
}

func (m *TokenManager) forceLogout(ctx context.Context, reason string) {
	if err := m.store.ClearSession(); err != nil {
		logctx.From(ctx).Warn("clear session failed", "err", err)
	}
	m.bus.Emit(events.TokenRefreshFailed, reason)
}
