package api

// server.go owns the listener. The API itself is an http.Handler so tests
// can drive it through httptest without a socket.

import (
	"net"
	"net/http"
	"strings"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/threadgroup"
)

// A Server serves the API over a TCP listener.
type Server struct {
	api       *API
	apiServer *http.Server
	listener  net.Listener
	tg        threadgroup.ThreadGroup
}

// NewServer binds the listener. Serve must be called to start handling
// requests.
func NewServer(addr string, api *API) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &Server{
		api:      api,
		listener: listener,
		apiServer: &http.Server{
			Handler: api,
		},
	}
	srv.tg.OnStop(func() error {
		return errors.AddContext(listener.Close(), "unable to close server listener")
	})
	return srv, nil
}

// Addr returns the bound address, useful when the port was chosen by the
// kernel.
func (srv *Server) Addr() string {
	return srv.listener.Addr().String()
}

// Serve listens for and handles API calls. It is a blocking function.
func (srv *Server) Serve() error {
	if err := srv.tg.Add(); err != nil {
		return errors.AddContext(err, "unable to initialize server")
	}
	defer srv.tg.Done()

	// Closing the listener, via Close or signal handling, surfaces as a
	// benign error that is filtered here.
	err := srv.apiServer.Serve(srv.listener)
	if err != nil && !strings.HasSuffix(err.Error(), "use of closed network connection") && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close closes the Server's listener, causing the HTTP server to shut
// down.
func (srv *Server) Close() error {
	return srv.tg.Stop()
}
