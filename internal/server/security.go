package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/handbuilt/gabridge/errors"
	"github.com/handbuilt/gabridge/logging"
	"google.golang.org/grpc/codes"
)

type XFramesOptions string

const (
	XFramesOptionsNone       XFramesOptions = ""
	XFramesOptionsDeny       XFramesOptions = "DENY"
	XFramesOptionsSameOrigin XFramesOptions = "SAMEORIGIN"
)

// HSTS preload requires a minimum expiration of 1 year.
var ErrBadHSTSExpiration = errors.NewC("server: HSTS preload requires expiration of at least 1 year", codes.FailedPrecondition)

// SecurityHeaders are set on every response. The settings page carries a
// disconnect link with a live nonce, so framing is denied by default.
type SecurityHeaders struct {
	XFramesOptions XFramesOptions

	HSTSExpiration        time.Duration
	HSTSIncludeSubdomains bool
	HSTSPreload           bool

	once    sync.Once
	headers map[string]string
	err     error
}

// Middleware applies the headers before calling next.
func (s *SecurityHeaders) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.Apply(w); err != nil {
			logging.Errorw(r.Context(), "server: security headers", "error", err)
			http.Error(w, "misconfigured server", http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Apply sets the headers on w.
func (s *SecurityHeaders) Apply(w http.ResponseWriter) error {
	s.once.Do(s.compute)
	if s.err != nil {
		return s.err
	}
	for k, v := range s.headers {
		w.Header().Set(k, v)
	}
	return nil
}

func (s *SecurityHeaders) compute() {
	s.headers = map[string]string{
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
	if s.XFramesOptions != XFramesOptionsNone {
		s.headers["X-Frame-Options"] = string(s.XFramesOptions)
	}
	if s.HSTSExpiration > 0 {
		h := fmt.Sprintf("max-age=%.0f", s.HSTSExpiration.Seconds())
		if s.HSTSIncludeSubdomains {
			h += "; includeSubDomains"
		}
		if s.HSTSPreload {
			if s.HSTSExpiration < time.Hour*24*365 {
				s.err = errors.Mark(ErrBadHSTSExpiration, 0)
				return
			}
			h += "; preload"
		}
		s.headers["Strict-Transport-Security"] = h
	}
}
