package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/handbuilt/gabridge/credential"
	"github.com/handbuilt/gabridge/errors"
	"github.com/handbuilt/gabridge/storage/memorystore"
	"github.com/handbuilt/gabridge/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/grpc/codes"
)

var testNow = time.Unix(1_700_000_000, 0)

type postedForm struct {
	URL  string
	Form url.Values
}

type fakeTransport struct {
	posts   []postedForm
	respond func(url string, form url.Values) (*transport.Response, error)
}

func (f *fakeTransport) Post(_ context.Context, u string, _ http.Header, body []byte, _ time.Duration) (*transport.Response, error) {
	form, _ := url.ParseQuery(string(body))
	f.posts = append(f.posts, postedForm{URL: u, Form: form})
	return f.respond(u, form)
}

func (f *fakeTransport) Get(context.Context, string, http.Header, time.Duration) (*transport.Response, error) {
	panic("unexpected GET")
}

func respondWith(status int, body string) func(string, url.Values) (*transport.Response, error) {
	return func(string, url.Values) (*transport.Response, error) {
		return &transport.Response{Status: status, Body: []byte(body)}, nil
	}
}

type fakeNonces struct{}

func (fakeNonces) Issue(action string) string { return "nonce-for-" + action }

func testSettings(mode Mode) Settings {
	return Settings{
		ClientID:     StaticString("client-id"),
		ClientSecret: StaticString("client-secret"),
		Mode:         func(context.Context) Mode { return mode },
		RedirectURI:  StaticString("http://localhost:8080/oauth2callback/google"),
		SettingsURL:  StaticString("https://example.com/settings?page=gab"),
	}
}

func newTestManager(t *testing.T, settings Settings, ft *fakeTransport) (*Manager, *credential.Store) {
	t.Helper()
	store := credential.NewStore(memorystore.New())
	m := NewManager(settings, store,
		WithTransport(ft),
		WithClock(func() time.Time { return testNow }),
		WithEndpoint(oauth2.Endpoint{AuthURL: "https://idp.test/auth", TokenURL: "https://idp.test/token"}),
		WithNonces(fakeNonces{}),
	)
	return m, store
}

func TestAuthorizationURL(t *testing.T) {
	m, _ := newTestManager(t, testSettings(ModeUser), &fakeTransport{})

	u, err := url.Parse(m.AuthorizationURL(t.Context()))
	require.NoError(t, err)
	assert.Equal(t, "idp.test", u.Host)

	q := u.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "http://localhost:8080/oauth2callback/google", q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "force", q.Get("approval_prompt"))
	assert.Equal(t, Scope, q.Get("scope"))
	assert.Contains(t, u.RawQuery, "scope="+url.QueryEscape(Scope))
}

func TestDisconnectURL(t *testing.T) {
	m, _ := newTestManager(t, testSettings(ModeUser), &fakeTransport{})

	u, err := url.Parse(m.DisconnectURL(t.Context()))
	require.NoError(t, err)
	assert.Equal(t, "example.com", u.Host)
	assert.Equal(t, "gab", u.Query().Get("page"))
	assert.Equal(t, "gab_disconnect", u.Query().Get("action"))
	assert.Equal(t, "nonce-for-gab_disconnect", u.Query().Get("nonce"))
}

func TestExchange(t *testing.T) {
	ft := &fakeTransport{respond: respondWith(200, `{"access_token":"at","refresh_token":"rt","expires_in":3600}`)}
	m, store := newTestManager(t, testSettings(ModeUser), ft)

	cred, err := m.Exchange(t.Context(), "the-code")
	require.NoError(t, err)
	assert.Equal(t, "at", cred.AccessToken)
	assert.Equal(t, "rt", cred.RefreshToken)
	assert.Equal(t, testNow.Unix()+3600, cred.ExpireTime)
	assert.JSONEq(t, `{"access_token":"at","refresh_token":"rt","expires_in":3600}`, string(cred.OriginalResponse))

	require.Len(t, ft.posts, 1)
	assert.Equal(t, "https://idp.test/token", ft.posts[0].URL)
	assert.Equal(t, url.Values{
		"code":          {"the-code"},
		"client_id":     {"client-id"},
		"client_secret": {"client-secret"},
		"redirect_uri":  {"http://localhost:8080/oauth2callback/google"},
		"grant_type":    {"authorization_code"},
	}, ft.posts[0].Form)

	stored, err := store.Get(t.Context())
	require.NoError(t, err)
	assert.Equal(t, cred, stored)
}

func TestExchangeFailures(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		respond func(string, url.Values) (*transport.Response, error)
		body    string
	}{
		{
			name: "missing code",
			code: "",
		},
		{
			name:    "non-200",
			code:    "c",
			respond: respondWith(400, `{"error":"invalid_grant"}`),
			body:    `{"error":"invalid_grant"}`,
		},
		{
			name:    "missing access token",
			code:    "c",
			respond: respondWith(200, `{"expires_in":3600}`),
			body:    `{"expires_in":3600}`,
		},
		{
			name:    "malformed body",
			code:    "c",
			respond: respondWith(200, `not json`),
			body:    `not json`,
		},
		{
			name: "transport error",
			code: "c",
			respond: func(string, url.Values) (*transport.Response, error) {
				return nil, errors.Mark(transport.ErrTransport, 0)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTransport{respond: tt.respond}
			m, store := newTestManager(t, testSettings(ModeUser), ft)

			cred, err := m.Exchange(t.Context(), tt.code)
			assert.Nil(t, cred)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrAuthorizationFailed)
			assert.Equal(t, codes.PermissionDenied, errors.Code(err))

			if tt.body != "" {
				var re *ResponseError
				require.ErrorAs(t, err, &re)
				assert.Equal(t, tt.body, re.Body)
				assert.NotContains(t, errors.PublicMessage(err), tt.body)
			}

			stored, err := store.Get(t.Context())
			require.NoError(t, err)
			assert.Nil(t, stored, "nothing is persisted on failure")
		})
	}
}

func TestCurrentTokenUserMode(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		ft := &fakeTransport{}
		m, _ := newTestManager(t, testSettings(ModeUser), ft)

		_, err := m.CurrentToken(t.Context())
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Empty(t, ft.posts)
	})

	t.Run("valid token is returned as is", func(t *testing.T) {
		ft := &fakeTransport{}
		m, store := newTestManager(t, testSettings(ModeUser), ft)
		require.NoError(t, store.Save(t.Context(), &credential.Credential{AccessToken: "at", ExpireTime: testNow.Unix() + 600}))

		cred, err := m.CurrentToken(t.Context())
		require.NoError(t, err)
		assert.Equal(t, "at", cred.AccessToken)
		assert.Empty(t, ft.posts)
	})

	t.Run("expiring token is refreshed and refresh token kept", func(t *testing.T) {
		ft := &fakeTransport{respond: respondWith(200, `{"access_token":"new","expires_in":3600}`)}
		m, store := newTestManager(t, testSettings(ModeUser), ft)
		require.NoError(t, store.Save(t.Context(), &credential.Credential{
			AccessToken:  "old",
			RefreshToken: "rt",
			ExpireTime:   testNow.Unix() + 60,
		}))

		cred, err := m.CurrentToken(t.Context())
		require.NoError(t, err)
		assert.Equal(t, "new", cred.AccessToken)
		assert.Equal(t, "rt", cred.RefreshToken)
		assert.Equal(t, testNow.Unix()+3600, cred.ExpireTime)

		require.Len(t, ft.posts, 1)
		assert.Equal(t, "refresh_token", ft.posts[0].Form.Get("grant_type"))
		assert.Equal(t, "rt", ft.posts[0].Form.Get("refresh_token"))

		stored, err := store.Get(t.Context())
		require.NoError(t, err)
		assert.Equal(t, cred, stored)
	})

	t.Run("refresh failure keeps stale credential", func(t *testing.T) {
		ft := &fakeTransport{respond: respondWith(401, `{"error":"invalid_grant"}`)}
		m, store := newTestManager(t, testSettings(ModeUser), ft)
		stale := &credential.Credential{AccessToken: "old", RefreshToken: "rt", ExpireTime: testNow.Unix() - 1}
		require.NoError(t, store.Save(t.Context(), stale))

		_, err := m.CurrentToken(t.Context())
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.ErrorIs(t, err, ErrTokenRefreshFailed)

		stored, err := store.Get(t.Context())
		require.NoError(t, err)
		assert.Equal(t, stale, stored)
	})

	t.Run("no refresh token", func(t *testing.T) {
		ft := &fakeTransport{}
		m, store := newTestManager(t, testSettings(ModeUser), ft)
		require.NoError(t, store.Save(t.Context(), &credential.Credential{AccessToken: "old"}))

		_, err := m.CurrentToken(t.Context())
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Empty(t, ft.posts)
	})
}

func TestRefresh(t *testing.T) {
	t.Run("renews a still valid token", func(t *testing.T) {
		ft := &fakeTransport{respond: respondWith(200, `{"access_token":"new","refresh_token":"rt2","expires_in":3600}`)}
		m, store := newTestManager(t, testSettings(ModeUser), ft)
		require.NoError(t, store.Save(t.Context(), &credential.Credential{
			AccessToken:  "old",
			RefreshToken: "rt",
			ExpireTime:   testNow.Unix() + 3000,
		}))

		cred, err := m.Refresh(t.Context())
		require.NoError(t, err)
		assert.Equal(t, "new", cred.AccessToken)
		assert.Equal(t, "rt2", cred.RefreshToken, "a reissued refresh token replaces the old one")
		require.Len(t, ft.posts, 1)

		stored, err := store.Get(t.Context())
		require.NoError(t, err)
		assert.Equal(t, cred, stored)
	})

	t.Run("nothing stored", func(t *testing.T) {
		ft := &fakeTransport{}
		m, _ := newTestManager(t, testSettings(ModeUser), ft)

		_, err := m.Refresh(t.Context())
		assert.ErrorIs(t, err, ErrTokenRefreshFailed)
		assert.Empty(t, ft.posts)
	})

	t.Run("provider rejects", func(t *testing.T) {
		ft := &fakeTransport{respond: respondWith(400, `{"error":"invalid_grant"}`)}
		m, store := newTestManager(t, testSettings(ModeUser), ft)
		prev := &credential.Credential{AccessToken: "old", RefreshToken: "rt", ExpireTime: testNow.Unix() + 3000}
		require.NoError(t, store.Save(t.Context(), prev))

		_, err := m.Refresh(t.Context())
		assert.ErrorIs(t, err, ErrTokenRefreshFailed)
		assert.Equal(t, codes.Unauthenticated, errors.Code(err))

		stored, err := store.Get(t.Context())
		require.NoError(t, err)
		assert.Equal(t, prev, stored)
	})
}

func TestCurrentTokenServiceMode(t *testing.T) {
	key, keyPEM := newTestKey(t)

	ft := &fakeTransport{respond: respondWith(200, `{"access_token":"sa-token","expires_in":3600}`)}
	settings := testSettings(ModeService)
	settings.ServiceAccount = func(context.Context) (*ServiceAccount, error) {
		return &ServiceAccount{ClientEmail: "svc@example.iam", PrivateKey: keyPEM, TokenURI: "https://idp.test/sa-token"}, nil
	}
	m, _ := newTestManager(t, settings, ft)

	cred, err := m.CurrentToken(t.Context())
	require.NoError(t, err, "service mode mints a token without a stored credential")
	assert.Equal(t, "sa-token", cred.AccessToken)
	assert.Empty(t, cred.RefreshToken)

	require.Len(t, ft.posts, 1)
	assert.Equal(t, "https://idp.test/sa-token", ft.posts[0].URL)
	assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", ft.posts[0].Form.Get("grant_type"))

	claims := parseAssertion(t, ft.posts[0].Form.Get("assertion"), &key.PublicKey)
	assert.Equal(t, "svc@example.iam", claims["iss"])
	assert.Equal(t, "https://idp.test/sa-token", claims["aud"])

	_, err = m.CurrentToken(t.Context())
	require.NoError(t, err)
	assert.Len(t, ft.posts, 1, "second call reuses the stored token")
}

func TestCurrentTokenServiceModeWithoutAccount(t *testing.T) {
	m, _ := newTestManager(t, testSettings(ModeService), &fakeTransport{})

	_, err := m.CurrentToken(t.Context())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, ErrTokenRefreshFailed)
}

func TestIsExpiredAndDisconnect(t *testing.T) {
	m, store := newTestManager(t, testSettings(ModeUser), &fakeTransport{})
	ctx := t.Context()

	expired, err := m.IsExpired(ctx)
	require.NoError(t, err)
	assert.True(t, expired)

	require.NoError(t, store.Save(ctx, &credential.Credential{AccessToken: "at", ExpireTime: testNow.Unix() + 61}))
	expired, err = m.IsExpired(ctx)
	require.NoError(t, err)
	assert.False(t, expired)

	connected, err := m.Connected(ctx)
	require.NoError(t, err)
	assert.True(t, connected)

	require.NoError(t, m.Disconnect(ctx))
	connected, err = m.Connected(ctx)
	require.NoError(t, err)
	assert.False(t, connected)
}

func TestTokenSource(t *testing.T) {
	m, store := newTestManager(t, testSettings(ModeUser), &fakeTransport{})
	require.NoError(t, store.Save(t.Context(), &credential.Credential{
		AccessToken: "at",
		ExpireTime:  time.Now().Add(time.Hour).Unix(),
	}))
	m.now = time.Now

	tok, err := m.TokenSource(t.Context()).Token()
	require.NoError(t, err)
	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.Type())
	assert.True(t, tok.Valid())
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeService, ParseMode("service"))
	assert.Equal(t, ModeUser, ParseMode("user"))
	assert.Equal(t, ModeUser, ParseMode(""))
}

func newTestKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}
