package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

type Params struct {
	fx.In

	Config HttpConfig
	Routes []*Route `group:"routes"`
	Log    *zap.Logger
}

// Server is the daemon's http surface: the supervisor call api, state
// snapshots, health probes and the metrics endpoint, mounted on a
// single mux.
type Server struct {
	addr   string
	server *http.Server
	log    *zap.Logger
}

func NewServer(params Params) *Server {
	mux := http.NewServeMux()
	for _, route := range params.Routes {
		mux.Handle(route.Pattern, route.Handler)
	}

	var handler http.Handler = mux
	if params.Config.H2c {
		handler = h2c.NewHandler(mux, &http2.Server{})
	}

	addr := fmt.Sprintf("%s:%d", params.Config.Host, params.Config.Port)

	return &Server{
		addr:   addr,
		server: &http.Server{Addr: addr, Handler: handler},
		log:    params.Log.Named("http"),
	}
}

// NewLifecycleServer binds the server to the fx lifecycle. The listener
// is opened during start, so a taken port fails startup instead of
// surfacing after the app is up.
func NewLifecycleServer(params Params, lc fx.Lifecycle) *Server {
	server := NewServer(params)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			listener, err := server.listen(ctx)
			if err != nil {
				return err
			}

			go server.serve(listener)

			return nil
		},
		OnStop: server.Shutdown,
	})

	return server
}

func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	var config net.ListenConfig

	listener, err := config.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.log.Info("listening", zap.String("address", listener.Addr().String()))

	return listener, nil
}

func (s *Server) serve(listener net.Listener) {
	err := s.server.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("server failed", zap.Error(err))
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down")

	return s.server.Shutdown(ctx)
}
