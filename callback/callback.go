// Package callback handles the inbound requests that complete the Google
// connect flow and disconnect the stored credential. Both handlers redirect
// to the settings page with a success indicator, or render a terminal error
// page that only ever shows the error's public message.
package callback

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"

	"github.com/handbuilt/gabridge/auth"
	"github.com/handbuilt/gabridge/errors"
	"github.com/handbuilt/gabridge/logging"
	"google.golang.org/grpc/codes"
)

const (
	// DefaultCallbackPath is matched against inbound request paths.
	DefaultCallbackPath = "oauth2callback/google"

	// CapabilityManage is the capability required to connect or disconnect.
	CapabilityManage = "manage_options"

	SuccessConnect    = "google-connect"
	SuccessDisconnect = "google-disconnect"
)

var (
	errMissingCode = errors.NewC("callback: missing authorization code", codes.InvalidArgument).
		WithPublicMessage("Invalid authorization code.")

	errForbidden = errors.NewC("callback: permission denied", codes.PermissionDenied).
		WithPublicMessage("You don't have access to perform this action. Please contact an administrator.")

	errBadDisconnect = errors.NewC("callback: disconnect not allowed", codes.PermissionDenied).
		WithPublicMessage("You shouldn't be doing this, sorry.")
)

// Permissions checks what the actor behind a request may do.
type Permissions interface {
	CurrentActorCan(r *http.Request, capability string) bool
}

// PermissionFunc adapts a function to Permissions.
type PermissionFunc func(r *http.Request, capability string) bool

func (f PermissionFunc) CurrentActorCan(r *http.Request, capability string) bool {
	return f(r, capability)
}

// NonceVerifier validates anti-forgery tokens.
type NonceVerifier interface {
	Verify(token, action string) error
}

// Option configures a Handler.
type Option func(*Handler)

// WithCallbackPath overrides the callback path.
func WithCallbackPath(path string) Option {
	return func(h *Handler) {
		h.callbackPath = path
	}
}

// Handler processes the authorization and disconnect callbacks.
type Handler struct {
	mgr          *auth.Manager
	perms        Permissions
	nonces       NonceVerifier
	callbackPath string
}

// New returns a Handler driving mgr.
func New(mgr *auth.Manager, perms Permissions, nonces NonceVerifier, opts ...Option) *Handler {
	h := &Handler{
		mgr:          mgr,
		perms:        perms,
		nonces:       nonces,
		callbackPath: DefaultCallbackPath,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Middleware intercepts callback and disconnect requests and passes every
// other request to next.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.HandleAuthorization(w, r) || h.HandleDisconnect(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleAuthorization completes the connect flow when r targets the callback
// path. It reports whether the request was handled.
func (h *Handler) HandleAuthorization(w http.ResponseWriter, r *http.Request) bool {
	if !h.matchesCallback(r) {
		return false
	}
	ctx := r.Context()
	logging.Track(ctx, "callback", "authorize")

	code := r.URL.Query().Get("code")
	if code == "" {
		h.fail(w, r, errors.Mark(errMissingCode, 0))
		return true
	}
	if !h.allowed(r) {
		h.fail(w, r, errors.Mark(errForbidden, 0))
		return true
	}
	if _, err := h.mgr.Exchange(ctx, code); err != nil {
		h.fail(w, r, err)
		return true
	}

	h.redirect(w, r, SuccessConnect)
	return true
}

// HandleDisconnect clears the credential when r carries the disconnect
// action. It reports whether the request was handled.
func (h *Handler) HandleDisconnect(w http.ResponseWriter, r *http.Request) bool {
	q := r.URL.Query()
	if q.Get("action") == "" || q.Get("action") != h.mgr.DisconnectAction() {
		return false
	}
	ctx := r.Context()
	logging.Track(ctx, "callback", "disconnect")

	if !h.allowed(r) || h.nonces == nil {
		h.fail(w, r, errors.Mark(errBadDisconnect, 0))
		return true
	}
	if err := h.nonces.Verify(q.Get("nonce"), h.mgr.DisconnectAction()); err != nil {
		h.fail(w, r, errors.Mark(errBadDisconnect, 0).Append(err.Error()))
		return true
	}
	if err := h.mgr.Disconnect(ctx); err != nil {
		h.fail(w, r, err)
		return true
	}

	h.redirect(w, r, SuccessDisconnect)
	return true
}

func (h *Handler) matchesCallback(r *http.Request) bool {
	if h.callbackPath == "" {
		return false
	}
	return strings.Contains(strings.ToLower(r.URL.Path), strings.ToLower(h.callbackPath))
}

func (h *Handler) allowed(r *http.Request) bool {
	return h.perms != nil && h.perms.CurrentActorCan(r, CapabilityManage)
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, success string) {
	target := SuccessURL(r.Context(), h.mgr.Settings().SettingsURL, success)
	logging.Track(r.Context(), "callback.success", success)
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	logging.TrackError(r, err)
	logging.Warnw(r.Context(), "callback: request rejected", "error", err)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(errors.HTTPStatusCode(err))
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html><body><p>%s</p></body></html>\n",
		html.EscapeString(errors.PublicMessage(err)))
}

// SuccessURL appends the success indicator to the settings URL.
func SuccessURL(ctx context.Context, settingsURL func(context.Context) string, success string) string {
	base := "/"
	if settingsURL != nil {
		if s := settingsURL(ctx); s != "" {
			base = s
		}
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("success", success)
	u.RawQuery = q.Encode()
	return u.String()
}
