package auth

import (
	"context"

	"github.com/handbuilt/gabridge/credential"
	"golang.org/x/oauth2"
)

// TokenSource adapts the manager to oauth2.TokenSource so that Google API
// clients can share the stored credential.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &tokenSource{ctx: ctx, m: m})
}

type tokenSource struct {
	ctx context.Context
	m   *Manager
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	cred, err := ts.m.CurrentToken(ts.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  cred.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry().Add(-credential.ExpiryMargin),
	}, nil
}
