package connectors

import (
	"context"

	"golang.org/x/oauth2"

	"inffits/internal"
)

// IdentityProvider is an OAuth login provider the widget can sign users in with.
type IdentityProvider interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	FetchUserInfo(ctx context.Context, accessToken string) (internal.UserInfo, error)
}
