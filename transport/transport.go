// Package transport is the narrow HTTP contract the token manager and query
// executor use to reach Google. Implementations must treat timeouts as
// transport errors.
package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/handbuilt/gabridge/errors"
	"github.com/handbuilt/gabridge/logging"
	"google.golang.org/grpc/codes"
)

// ErrTransport is returned for network failures and timeouts. Responses with
// a non-2xx status are not transport errors.
var ErrTransport = errors.NewC("transport: request failed", codes.Unavailable).
	WithPublicMessage("Could not reach Google. Try again later.")

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the status is 200.
func (r *Response) OK() bool {
	return r != nil && r.Status == http.StatusOK
}

// Transport sends requests and returns the status and body.
type Transport interface {
	Post(ctx context.Context, url string, header http.Header, body []byte, timeout time.Duration) (*Response, error)
	Get(ctx context.Context, url string, header http.Header, timeout time.Duration) (*Response, error)
}

// HTTP is a Transport backed by an *http.Client.
type HTTP struct {
	Client *http.Client
}

// New returns a Transport using http.DefaultClient.
func New() *HTTP {
	return &HTTP{Client: http.DefaultClient}
}

// Post implements Transport.
func (t *HTTP) Post(ctx context.Context, url string, header http.Header, body []byte, timeout time.Duration) (*Response, error) {
	return t.do(ctx, http.MethodPost, url, header, body, timeout)
}

// Get implements Transport.
func (t *HTTP) Get(ctx context.Context, url string, header http.Header, timeout time.Duration) (*Response, error) {
	return t.do(ctx, http.MethodGet, url, header, nil, timeout)
}

func (t *HTTP) do(ctx context.Context, method, url string, header http.Header, body []byte, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, errors.Mark(ErrTransport, 0).Append(err.Error())
	}
	for k, v := range header {
		req.Header[k] = v
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		logging.Debugw(ctx, "transport: request failed", "method", method, "url", url, "error", err)
		return nil, wrapError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapError(ctx, err)
	}

	logging.Debugw(ctx, "transport: request complete",
		"method", method, "url", url, "status", resp.StatusCode, "duration", time.Since(start))

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func wrapError(ctx context.Context, err error) error {
	e := errors.Mark(ErrTransport, 1).Append(err.Error())
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		e = e.WithCode(codes.DeadlineExceeded)
	}
	return e
}
