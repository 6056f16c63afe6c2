// Package server runs the standalone HTTP host.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/handbuilt/gabridge/errors"
	"github.com/handbuilt/gabridge/logging"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// ShutdownTimeout bounds how long in-flight requests are given to drain.
const ShutdownTimeout = 2 * time.Second

// Server wraps an http.Server with compression, security headers, request
// logging and graceful shutdown on SIGINT/SIGTERM.
type Server struct {
	host        string
	port        int
	handler     http.Handler
	headers     *SecurityHeaders
	baseContext context.Context
	httpServer  *http.Server
}

// New returns a server for handler. The logger attached to ctx becomes the
// root request logger.
func New(ctx context.Context, host string, port int, handler http.Handler, headers *SecurityHeaders) *Server {
	if headers == nil {
		headers = &SecurityHeaders{XFramesOptions: XFramesOptionsDeny}
	}
	return &Server{
		host:        host,
		port:        port,
		handler:     handler,
		headers:     headers,
		baseContext: ctx,
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, fmt.Sprint(s.port))
}

// Handler returns the fully decorated handler.
func (s *Server) Handler() http.Handler {
	h := s.headers.Middleware(s.handler)
	h = gziphandler.GzipHandler(h)
	return logging.Middleware(logging.FromContext(s.baseContext))(h)
}

// Start serves requests until a shutdown signal arrives.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return s.baseContext
		},
	}

	done := make(chan struct{})
	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
		sig := <-stop
		logging.Infow(s.baseContext, "server: shutting down", "signal", sig.String())
		s.Shutdown()
		close(done)
	}()

	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return errors.WrapPrefix(err, "server: listen", 0)
	}
	defer ln.Close()

	logging.Infow(s.baseContext, "server: listening", "addr", "http://"+s.Addr())
	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-done
	return nil
}

// Shutdown drains connections.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(s.baseContext, ShutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		logging.Errorw(s.baseContext, "server: shutdown", "error", err)
	} else {
		logging.Info(s.baseContext, "server: connections drained")
	}
	return err
}
