// Package oauth refreshes provider-backed credentials for accounts
// registered with an oauth2 credential block.
package oauth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/imapmux/imapmux/internal/domain/model"
)

// ClientCredentials is the app registration for one provider.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// Config maps provider ids to app registrations.
type Config struct {
	Providers map[string]ClientCredentials
}

var endpoints = map[string]oauth2.Endpoint{
	"gmail": {
		AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL: "https://oauth2.googleapis.com/token",
	},
	"outlook": {
		AuthURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
		TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
	},
}

// Refresher exchanges refresh tokens for access tokens, leaning on the
// x/oauth2 token source for the wire exchange.
type Refresher struct {
	cfg Config
}

func NewRefresher(cfg Config) *Refresher { return &Refresher{cfg: cfg} }

// AccessToken returns a live access token for the account, reusing the
// cached one while it has at least a minute left.
func (r *Refresher) AccessToken(ctx context.Context, oc *model.OAuth2Config) (string, time.Time, error) {
	if oc == nil {
		return "", time.Time{}, fmt.Errorf("oauth: account has no oauth2 credentials")
	}
	if oc.AccessToken != "" && time.Until(oc.AccessTokenExpires) > time.Minute {
		return oc.AccessToken, oc.AccessTokenExpires, nil
	}
	creds, ok := r.cfg.Providers[oc.Provider]
	if !ok {
		return "", time.Time{}, model.NewError(model.CodeAuthFailed, 401, "unknown oauth2 provider %q", oc.Provider)
	}
	endpoint, ok := endpoints[oc.Provider]
	if !ok {
		return "", time.Time{}, model.NewError(model.CodeAuthFailed, 401, "no endpoint for provider %q", oc.Provider)
	}
	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     endpoint,
	}
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: oc.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		// A rejected refresh token is a permanent remote error: the
		// account must go to authenticationError, not retry forever.
		return "", time.Time{}, model.NewError(model.CodeAuthFailed, 401, "oauth2 refresh rejected: %v", err)
	}
	return tok.AccessToken, tok.Expiry, nil
}
