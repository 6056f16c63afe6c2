package auth

import (
	"context"
	"net/url"

	"github.com/handbuilt/gabridge/credential"
	"github.com/handbuilt/gabridge/errors"
)

// refresher renews a credential. prev may be nil in service mode.
type refresher interface {
	refresh(ctx context.Context, m *Manager, prev *credential.Credential) (*credential.Credential, error)
}

func strategyFor(mode Mode) refresher {
	if mode == ModeService {
		return serviceAccountRefresher{}
	}
	return refreshTokenRefresher{}
}

// refreshTokenRefresher uses the stored refresh token. Google does not
// reissue refresh tokens, so the previous one is carried forward.
type refreshTokenRefresher struct{}

func (refreshTokenRefresher) refresh(ctx context.Context, m *Manager, prev *credential.Credential) (*credential.Credential, error) {
	if prev == nil || prev.RefreshToken == "" {
		return nil, errors.Mark(ErrTokenRefreshFailed, 0).Append("no refresh token stored")
	}
	form := url.Values{
		"refresh_token": {prev.RefreshToken},
		"client_id":     {m.settings.clientID(ctx)},
		"client_secret": {m.settings.clientSecret(ctx)},
		"grant_type":    {"refresh_token"},
	}
	cred, err := m.requestToken(ctx, m.endpoint.TokenURL, form, ErrTokenRefreshFailed)
	if err != nil {
		return nil, err
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = prev.RefreshToken
	}
	return cred, nil
}

// serviceAccountRefresher exchanges a signed JWT assertion for a new token.
type serviceAccountRefresher struct{}

func (serviceAccountRefresher) refresh(ctx context.Context, m *Manager, _ *credential.Credential) (*credential.Credential, error) {
	sa, err := m.settings.serviceAccount(ctx)
	if err != nil {
		return nil, failure(ErrTokenRefreshFailed, err)
	}
	if sa == nil {
		return nil, errors.Mark(ErrTokenRefreshFailed, 0).Append("no service account configured")
	}
	assertion, err := SignAssertion(sa, m.now())
	if err != nil {
		return nil, err
	}
	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	return m.requestToken(ctx, sa.tokenURI(), form, ErrTokenRefreshFailed)
}
