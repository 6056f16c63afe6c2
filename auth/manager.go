package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/handbuilt/gabridge/credential"
	"github.com/handbuilt/gabridge/errors"
	"github.com/handbuilt/gabridge/logging"
	"github.com/handbuilt/gabridge/transport"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// DefaultDisconnectAction is the action name disconnect links carry and their
// anti-forgery tokens are bound to.
const DefaultDisconnectAction = "gab_disconnect"

const defaultTimeout = 5 * time.Second

// NonceIssuer issues anti-forgery tokens bound to an action name.
type NonceIssuer interface {
	Issue(action string) string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTransport overrides the HTTP transport used to reach the token endpoint.
func WithTransport(t transport.Transport) ManagerOption {
	return func(m *Manager) {
		m.transport = t
	}
}

// WithEndpoint overrides the provider endpoint. Useful for tests.
func WithEndpoint(e oauth2.Endpoint) ManagerOption {
	return func(m *Manager) {
		m.endpoint = e
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithTimeout sets the token endpoint timeout.
func WithTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.timeout = d
	}
}

// WithNonces sets the issuer used for disconnect links.
func WithNonces(n NonceIssuer) ManagerOption {
	return func(m *Manager) {
		m.nonces = n
	}
}

// WithDisconnectAction overrides the disconnect action name.
func WithDisconnectAction(action string) ManagerOption {
	return func(m *Manager) {
		m.disconnectAction = action
	}
}

// Manager owns the lifecycle of the stored credential.
type Manager struct {
	settings         Settings
	store            *credential.Store
	transport        transport.Transport
	endpoint         oauth2.Endpoint
	now              func() time.Time
	timeout          time.Duration
	nonces           NonceIssuer
	disconnectAction string
}

// NewManager returns a manager reading configuration from settings and
// persisting to store.
func NewManager(settings Settings, store *credential.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		settings:         settings,
		store:            store,
		transport:        transport.New(),
		endpoint:         google.Endpoint,
		now:              time.Now,
		timeout:          defaultTimeout,
		disconnectAction: DefaultDisconnectAction,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DisconnectAction returns the action name disconnect requests must carry.
func (m *Manager) DisconnectAction() string {
	return m.disconnectAction
}

// Settings returns the configuration providers.
func (m *Manager) Settings() Settings {
	return m.settings
}

func (m *Manager) oauthConfig(ctx context.Context) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     m.settings.clientID(ctx),
		ClientSecret: m.settings.clientSecret(ctx),
		RedirectURL:  m.settings.redirectURI(ctx),
		Endpoint:     m.endpoint,
		Scopes:       []string{Scope},
	}
}

// AuthorizationURL returns the consent screen URL. It requests offline
// access and forces the approval prompt so that Google always returns a
// refresh token.
func (m *Manager) AuthorizationURL(ctx context.Context) string {
	return m.oauthConfig(ctx).AuthCodeURL("",
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("approval_prompt", "force"))
}

// DisconnectURL returns the settings URL with the disconnect action and a
// fresh anti-forgery token attached.
func (m *Manager) DisconnectURL(ctx context.Context) string {
	base := m.settings.settingsURL(ctx)
	u, err := url.Parse(base)
	if err != nil {
		logging.Warnw(ctx, "auth: invalid settings url", "url", base, "error", err)
		return ""
	}
	q := u.Query()
	q.Set("action", m.disconnectAction)
	if m.nonces != nil {
		q.Set("nonce", m.nonces.Issue(m.disconnectAction))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Exchange trades an authorization code for a token and persists it. Nothing
// is written unless the exchange succeeds.
func (m *Manager) Exchange(ctx context.Context, code string) (*credential.Credential, error) {
	if code == "" {
		return nil, errors.Mark(ErrAuthorizationFailed, 0).
			Append("missing authorization code").
			WithPublicMessage("Invalid authorization code.")
	}

	form := url.Values{
		"code":          {code},
		"client_id":     {m.settings.clientID(ctx)},
		"client_secret": {m.settings.clientSecret(ctx)},
		"redirect_uri":  {m.settings.redirectURI(ctx)},
		"grant_type":    {"authorization_code"},
	}
	cred, err := m.requestToken(ctx, m.endpoint.TokenURL, form, ErrAuthorizationFailed)
	if err != nil {
		logging.Errorw(ctx, "auth: code exchange failed", "error", err)
		return nil, err
	}
	if err := m.store.Save(ctx, cred); err != nil {
		return nil, err
	}

	logging.Infow(ctx, "auth: connected", "expires", cred.Expiry(), "offline", cred.RefreshToken != "")
	return cred, nil
}

// CurrentToken returns a credential that is valid for at least another
// minute, refreshing it first if needed. ErrUnavailable is returned when no
// usable token can be produced; a stale credential stays in storage.
func (m *Manager) CurrentToken(ctx context.Context) (*credential.Credential, error) {
	cred, err := m.store.Get(ctx)
	if err != nil {
		return nil, failure(ErrUnavailable, err)
	}

	mode := m.settings.mode(ctx)
	if cred == nil && mode == ModeUser {
		return nil, errors.Mark(ErrUnavailable, 0)
	}
	if cred.Connected() && !cred.IsExpired(m.now()) {
		return cred, nil
	}

	refreshed, err := m.refresh(ctx, mode, cred)
	if err != nil {
		logging.Warnw(ctx, "auth: token unavailable", "mode", mode, "error", err)
		return nil, failure(ErrUnavailable, err)
	}
	return refreshed, nil
}

// Refresh renews the token with the strategy for the configured mode,
// regardless of its expiry.
func (m *Manager) Refresh(ctx context.Context) (*credential.Credential, error) {
	cred, err := m.store.Get(ctx)
	if err != nil {
		return nil, failure(ErrTokenRefreshFailed, err)
	}
	return m.refresh(ctx, m.settings.mode(ctx), cred)
}

func (m *Manager) refresh(ctx context.Context, mode Mode, prev *credential.Credential) (*credential.Credential, error) {
	cred, err := strategyFor(mode).refresh(ctx, m, prev)
	if err != nil {
		return nil, err
	}
	if err := m.store.Save(ctx, cred); err != nil {
		return nil, failure(ErrTokenRefreshFailed, err)
	}
	logging.Infow(ctx, "auth: token refreshed", "mode", mode, "expires", cred.Expiry())
	return cred, nil
}

// IsExpired reports whether the stored token is missing an expiry or expires
// within the next minute.
func (m *Manager) IsExpired(ctx context.Context) (bool, error) {
	cred, err := m.store.Get(ctx)
	if err != nil {
		return true, err
	}
	return cred.IsExpired(m.now()), nil
}

// Connected reports whether a credential with an access token is stored.
func (m *Manager) Connected(ctx context.Context) (bool, error) {
	cred, err := m.store.Get(ctx)
	if err != nil {
		return false, err
	}
	return cred.Connected(), nil
}

// Disconnect clears the stored credential.
func (m *Manager) Disconnect(ctx context.Context) error {
	if err := m.store.Clear(ctx); err != nil {
		return err
	}
	logging.Info(ctx, "auth: disconnected")
	return nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// requestToken posts form to tokenURL and decodes the result. Failures are
// wrapped in sentinel and carry the raw body in a *ResponseError.
func (m *Manager) requestToken(ctx context.Context, tokenURL string, form url.Values, sentinel *errors.Error) (*credential.Credential, error) {
	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	header.Set("Accept", "application/json")

	resp, err := m.transport.Post(ctx, tokenURL, header, []byte(form.Encode()), m.timeout)
	if err != nil {
		return nil, failure(sentinel, err)
	}
	logging.Debugw(ctx, "auth: token endpoint response", "status", resp.Status, "body", string(resp.Body))
	if !resp.OK() {
		return nil, failure(sentinel, &ResponseError{Status: resp.Status, Body: string(resp.Body)})
	}

	var data tokenResponse
	if err := json.Unmarshal(resp.Body, &data); err != nil || data.AccessToken == "" {
		return nil, failure(sentinel, &ResponseError{
			Status: resp.Status,
			Body:   string(resp.Body),
			Reason: "response missing access_token",
		})
	}

	original := json.RawMessage(resp.Body)
	return &credential.Credential{
		AccessToken:      data.AccessToken,
		RefreshToken:     data.RefreshToken,
		ExpireTime:       m.now().Unix() + data.ExpiresIn,
		OriginalResponse: original,
	}, nil
}
