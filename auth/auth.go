// Package auth manages the Google OAuth2 credential used for Analytics
// queries: it builds the consent URL, exchanges grant codes, and keeps the
// stored access token fresh.
//
// Two authentication modes are supported. In user mode the token is obtained
// through the consent flow and renewed with the refresh token Google returns
// for offline access. In service mode a JWT assertion signed with the service
// account's private key is exchanged for a new token whenever the old one
// expires, so no consent flow is needed.
//
// Configuration is read through Settings, a struct of provider functions the
// host can override individually:
//
//	mgr := auth.NewManager(auth.Settings{
//		ClientID:     func(context.Context) string { return os.Getenv("CLIENT_ID") },
//		ClientSecret: func(context.Context) string { return os.Getenv("CLIENT_SECRET") },
//		RedirectURI:  auth.StaticString("https://example.com/oauth2callback/google"),
//	}, credential.NewStore(memorystore.New()))
package auth

import (
	"context"
	"fmt"

	"github.com/handbuilt/gabridge/errors"
	"google.golang.org/grpc/codes"
)

// Scope is the read-only Analytics scope requested from Google.
const Scope = "https://www.googleapis.com/auth/analytics.readonly"

var (
	// ErrAuthorizationFailed is returned when a grant code is missing, invalid,
	// or can not be exchanged.
	ErrAuthorizationFailed = errors.NewC("auth: authorization failed", codes.PermissionDenied).
		WithPublicMessage("Error fetching OAuth2 token from Google.")

	// ErrTokenRefreshFailed is returned when a token could not be renewed.
	ErrTokenRefreshFailed = errors.NewC("auth: token refresh failed", codes.Unauthenticated).
		WithPublicMessage("Could not refresh the Google access token.")

	// ErrUnavailable means no usable token exists. Callers that query Google
	// should treat it as "not connected" rather than as a failure.
	ErrUnavailable = errors.NewC("auth: no valid token available", codes.Unavailable).
		WithPublicMessage("Google Analytics is not connected.")
)

// Mode selects the authorization flow and refresh strategy.
type Mode string

const (
	ModeUser    Mode = "user"
	ModeService Mode = "service"
)

// ParseMode maps a config value to a Mode, defaulting to ModeUser.
func ParseMode(s string) Mode {
	if Mode(s) == ModeService {
		return ModeService
	}
	return ModeUser
}

// ServiceAccount holds the details needed to mint a JWT assertion. It is
// never persisted.
type ServiceAccount struct {
	ClientEmail string
	PrivateKey  string
	TokenURI    string
}

// Settings supplies configuration to the manager. Nil providers yield zero
// values.
type Settings struct {
	ClientID       func(ctx context.Context) string
	ClientSecret   func(ctx context.Context) string
	Mode           func(ctx context.Context) Mode
	RedirectURI    func(ctx context.Context) string
	SettingsURL    func(ctx context.Context) string
	ServiceAccount func(ctx context.Context) (*ServiceAccount, error)
}

// StaticString returns a provider that always yields s.
func StaticString(s string) func(context.Context) string {
	return func(context.Context) string { return s }
}

func (s Settings) clientID(ctx context.Context) string     { return call(ctx, s.ClientID) }
func (s Settings) clientSecret(ctx context.Context) string { return call(ctx, s.ClientSecret) }
func (s Settings) redirectURI(ctx context.Context) string  { return call(ctx, s.RedirectURI) }
func (s Settings) settingsURL(ctx context.Context) string  { return call(ctx, s.SettingsURL) }

func (s Settings) mode(ctx context.Context) Mode {
	if s.Mode == nil {
		return ModeUser
	}
	return s.Mode(ctx)
}

func (s Settings) serviceAccount(ctx context.Context) (*ServiceAccount, error) {
	if s.ServiceAccount == nil {
		return nil, nil
	}
	return s.ServiceAccount(ctx)
}

func call(ctx context.Context, fn func(context.Context) string) string {
	if fn == nil {
		return ""
	}
	return fn(ctx)
}

// ResponseError carries a failed token endpoint response for diagnostics.
// The body may contain provider detail and must not be shown to users.
type ResponseError struct {
	Status int
	Body   string
	Reason string
}

func (e *ResponseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (status %d): %s", e.Reason, e.Status, e.Body)
	}
	return fmt.Sprintf("token endpoint returned status %d: %s", e.Status, e.Body)
}

// failure wraps cause under a sentinel so that both errors.Is(err, sentinel)
// and errors.As(err, cause-type) hold.
func failure(sentinel *errors.Error, cause error) error {
	return errors.WithCode(fmt.Errorf("%w: %w", sentinel, cause), sentinel.Code()).
		WithPublicMessage(sentinel.PublicMessage())
}
