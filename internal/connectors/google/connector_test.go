package google

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"inffits/internal/config"
	"inffits/internal/connectors"
)

var _ connectors.IdentityProvider = (*Connector)(nil)

func testConfig(userinfoURL string) config.Config {
	return config.Config{
		GoogleClientID:    "client-1",
		GoogleRedirectURI: "https://shop.example.com/callback",
		GoogleUserinfoURL: userinfoURL,
	}
}

func TestNewConnectorRequiresClientID(t *testing.T) {
	_, err := NewConnector(config.Config{GoogleRedirectURI: "https://x"})
	require.Error(t, err)
}

func TestAuthURL(t *testing.T) {
	c, err := NewConnector(testConfig(""))
	require.NoError(t, err)

	u, err := url.Parse(c.AuthURL("state-1"))
	require.NoError(t, err)
	require.Equal(t, "accounts.google.com", u.Host)
	require.Equal(t, "/o/oauth2/v2/auth", u.Path)

	q := u.Query()
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, "offline", q.Get("access_type"))
	require.Equal(t, "consent", q.Get("prompt"))
	require.Equal(t, "state-1", q.Get("state"))
	require.Equal(t, "client-1", q.Get("client_id"))
}

func TestFetchUserInfoOIDC(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"sub":"123","name":"Ann","email":"ann@example.com","picture":"https://p"}`))
	}))
	defer srv.Close()

	c, err := NewConnector(testConfig(srv.URL + "/v1/userinfo"))
	require.NoError(t, err)

	info, err := c.FetchUserInfo(context.Background(), "tok")
	require.NoError(t, err)
	require.Equal(t, "123", info.SubjectID())
	require.Equal(t, "ann@example.com", info.Email)
}

func TestFetchUserInfoFallsBackToV2(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/userinfo", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	mux.HandleFunc("/oauth2/v2/userinfo", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"456","name":"Bo","email":"bo@example.com"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewConnector(testConfig(srv.URL + "/v1/userinfo"))
	require.NoError(t, err)
	c.apiEndpoint = srv.URL + "/"

	info, err := c.FetchUserInfo(context.Background(), "tok")
	require.NoError(t, err)
	require.Equal(t, "456", info.SubjectID())
	require.Equal(t, "Bo", info.Name)
}
