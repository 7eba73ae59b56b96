package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"inffits/internal"
	"inffits/internal/account"
	"inffits/internal/events"
	"inffits/internal/storage"
)

type refreshFunc func(ctx context.Context, sub string) (*account.Response, error)

func (f refreshFunc) Refresh(ctx context.Context, sub string) (*account.Response, error) {
	return f(ctx, sub)
}

func setup(t *testing.T, refresh refreshFunc) (*TokenManager, *storage.DB, *[]string) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "widget.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bus := events.NewBus()
	var failures []string
	bus.Subscribe(events.TokenRefreshFailed, func(ev events.Event) {
		failures = append(failures, ev.Detail.(string))
	})
	return NewTokenManager(db, refresh, bus), db, &failures
}

func TestRefreshSuccessPersistsToken(t *testing.T) {
	m, db, failures := setup(t, func(ctx context.Context, sub string) (*account.Response, error) {
		require.Equal(t, "sub-1", sub)
		return &account.Response{AccessToken: "fresh"}, nil
	})
	require.NoError(t, db.SetAccessToken("old"))

	require.Equal(t, "fresh", m.RefreshAccessToken(context.Background(), "sub-1"))
	require.Equal(t, "fresh", m.AccessToken())
	require.Empty(t, *failures)
}

func TestRefreshFailureClearsSession(t *testing.T) {
	cases := map[string]refreshFunc{
		"network error": func(context.Context, string) (*account.Response, error) {
			return nil, errors.New("dial tcp: refused")
		},
		"missing token": func(context.Context, string) (*account.Response, error) {
			return &account.Response{}, nil
		},
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			m, db, failures := setup(t, fn)
			require.NoError(t, db.SetAccessToken("old"))
			require.NoError(t, db.Set(storage.KeyUserInfo, `{"sub":"sub-1"}`))

			require.Equal(t, "", m.RefreshAccessToken(context.Background(), "sub-1"))
			require.Equal(t, "", m.AccessToken())
			profile, err := db.LoadProfile()
			require.NoError(t, err)
			require.Nil(t, profile)
			require.Len(t, *failures, 1)
		})
	}
}

func TestCallWithRetryRefreshesOnce(t *testing.T) {
	refreshes := 0
	m, db, _ := setup(t, func(context.Context, string) (*account.Response, error) {
		refreshes++
		return &account.Response{AccessToken: "fresh"}, nil
	})
	require.NoError(t, db.SetAccessToken("old"))

	var seen []string
	resp, err := m.CallWithRetry(context.Background(), internal.UserInfo{Sub: "sub-1"}, func(ctx context.Context, cred internal.Credential) (*account.Response, error) {
		seen = append(seen, cred.AccessToken)
		if cred.AccessToken == "old" {
			return nil, account.ErrUnauthorized
		}
		return &account.Response{InfID: "ok"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.InfID)
	require.Equal(t, []string{"old", "fresh"}, seen)
	require.Equal(t, 1, refreshes)
}

func TestCallWithRetryReturnsNilOnForcedLogout(t *testing.T) {
	m, db, failures := setup(t, func(context.Context, string) (*account.Response, error) {
		return nil, account.ErrUnauthorized
	})
	require.NoError(t, db.SetAccessToken("old"))

	calls := 0
	resp, err := m.CallWithRetry(context.Background(), internal.UserInfo{Sub: "sub-1"}, func(context.Context, internal.Credential) (*account.Response, error) {
		calls++
		return nil, account.ErrUnauthorized
	})
	require.NoError(t, err)
	require.Nil(t, resp)
	require.Equal(t, 1, calls)
	require.Len(t, *failures, 1)
	require.Equal(t, "", m.AccessToken())
}

func TestCallWithRetryWithoutSubjectLogsOut(t *testing.T) {
	m, db, failures := setup(t, func(context.Context, string) (*account.Response, error) {
		t.Fatal("refresh must not be called")
		return nil, nil
	})
	require.NoError(t, db.SetAccessToken("old"))

	resp, err := m.CallWithRetry(context.Background(), internal.UserInfo{}, func(context.Context, internal.Credential) (*account.Response, error) {
		return nil, account.ErrUnauthorized
	})
	require.NoError(t, err)
	require.Nil(t, resp)
	require.Len(t, *failures, 1)
}

func TestCallWithRetryPassesOtherErrors(t *testing.T) {
	m, _, failures := setup(t, nil)
	boom := errors.New("boom")
	_, err := m.CallWithRetry(context.Background(), internal.UserInfo{Sub: "s"}, func(context.Context, internal.Credential) (*account.Response, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	require.Empty(t, *failures)
}
