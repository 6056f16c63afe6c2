package server

import (
	"encoding/json"
	"net/http"

	"github.com/handbuilt/gabridge/errors"
	"github.com/handbuilt/gabridge/logging"
	"google.golang.org/grpc/codes"
)

// JSONHandler is an HTTP handler whose result is encoded as JSON.
type JSONHandler func(r *http.Request) (any, error)

// ErrorResponse is the body written when a JSONHandler fails.
type ErrorResponse struct {
	Code     int32  `json:"code"`
	CodeName string `json:"codeName"`
	Message  string `json:"message"`
}

// ServeHTTP implements http.Handler.
func (fn JSONHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, err := fn(r)
	if err != nil {
		code := errors.Code(err)
		if code == codes.Internal || code == codes.Unknown {
			logging.Errorw(r.Context(), "server: handler error", "error", err, "req.url", r.URL.String())
		} else {
			logging.Warnw(r.Context(), "server: handler error", "error", err, "req.url", r.URL.String())
		}
		writeJSON(w, errors.HTTPStatusCode(err), &ErrorResponse{
			Code:     int32(code),
			CodeName: code.String(),
			Message:  errors.PublicMessage(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "error encoding response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}
