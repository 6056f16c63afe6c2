package logging

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/handbuilt/gabridge/errors"
)

const stackSize = 5

// Middleware returns an HTTP middleware that creates a logging scope per
// request. Each request gets a request id and is logged once on completion
// with the fields tracked while handling it. Panics are recovered, logged with
// a short stack and turned into a 500.
func Middleware(root Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := uuid.NewString()
			ctx := With(r.Context(), root.Named("http").With("http.request_id", requestID))
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			defer func() {
				if p := recover(); p != nil {
					err := errors.Wrap(p, 2)
					Track(ctx, "error.panic", true)
					Track(ctx, "error.stack_trace", minimalStack(err))
					rec.WriteHeader(http.StatusInternalServerError)
				}
				fields := []any{
					"http.method", r.Method,
					"http.path", r.URL.Path,
					"http.status", rec.status,
					"http.duration", time.Since(start),
				}
				if rec.status >= http.StatusInternalServerError {
					FromContext(ctx).Errorw("request failed", fields...)
				} else {
					FromContext(ctx).Infow("request finished", fields...)
				}
			}()

			w.Header().Set("X-Request-Id", requestID)
			next.ServeHTTP(rec, r.WithContext(ctx))
		})
	}
}

// TrackError adds error classification fields to the request scope.
func TrackError(r *http.Request, err error) {
	ctx := r.Context()
	Track(ctx, "error", err.Error())
	Track(ctx, "error.code", errors.Code(err).String())
	Track(ctx, "error.http_status", errors.HTTPStatusCode(err))
}

func minimalStack(err *errors.Error) string {
	stack := string(err.Stack())
	lines := 0
	for i, c := range stack {
		if c == '\n' {
			lines++
			if lines == stackSize*2 {
				return stack[:i]
			}
		}
	}
	return stack
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.wroteHeader {
		return
	}
	s.status = code
	s.wroteHeader = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}
