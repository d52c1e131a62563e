package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fzft/go-nioendpoint/endpoint"
	"github.com/fzft/go-nioendpoint/log"
	"github.com/fzft/go-nioendpoint/metrics"
	"go.uber.org/zap"
)

const defaultDrainTimeout = 10 * time.Second

type Server struct {
	opts     Options
	endpoint *endpoint.Endpoint
	metrics  *http.Server
	drain    time.Duration
	stopOnce sync.Once
	stopped  chan struct{}
}

func NewServer(opts Options) *Server {
	s := &Server{
		opts:    opts,
		drain:   defaultDrainTimeout,
		stopped: make(chan struct{}),
	}
	h := newLineHandler(opts.DocRoot, func() bool { return s.endpoint.UseSendfile() })
	s.endpoint = endpoint.New(opts.Endpoint, h)
	return s
}

// Endpoint exposes the connection core to the admin console.
func (s *Server) Endpoint() *endpoint.Endpoint {
	return s.endpoint
}

// Start binds (unless bound on init already) and starts serving.
func (s *Server) Start() error {
	if err := s.endpoint.Init(); err != nil {
		log.Logger.Error("init error", zap.Error(err))
		return err
	}
	if err := s.endpoint.Start(); err != nil {
		log.Logger.Error("start error", zap.Error(err))
		_ = s.endpoint.Destroy()
		return err
	}
	log.Logger.Info("listening", zap.Stringer("addr", s.endpoint.LocalAddr()))

	if s.opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		s.metrics = &http.Server{Addr: s.opts.MetricsAddr, Handler: mux}
		go func() {
			if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Logger.Error("metrics listener failed", zap.Error(err))
			}
		}()
		log.Logger.Info("metrics listening", zap.String("addr", s.opts.MetricsAddr))
	}
	return nil
}

// Run starts the server and blocks until a signal arrives or Stop is called.
func (s *Server) Run() error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(signals)

	if err := s.Start(); err != nil {
		return err
	}

	select {
	case sig := <-signals:
		log.Logger.Info("signal received", zap.Stringer("signal", sig))
		return s.Stop()
	case <-s.stopped:
		return nil
	}
}

// Stop closes the server socket, lets open connections drain for a while
// and then tears the endpoint down.
func (s *Server) Stop() error {
	var errs endpoint.MultiError
	s.stopOnce.Do(func() {
		defer close(s.stopped)
		log.Logger.Info("shutting down server")

		if err := s.endpoint.CloseServerSocketGraceful(); err != nil {
			errs = append(errs, err)
		}
		// bound on init: the socket stays open until Destroy, only stop accepting
		s.endpoint.Pause()
		if !s.endpoint.AwaitConnectionsClose(s.drain) {
			log.Logger.Warn("connections still open after drain", zap.Int64("count", s.endpoint.ConnectionCount()))
		}
		if err := s.endpoint.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := s.endpoint.Destroy(); err != nil {
			errs = append(errs, err)
		}
		if s.metrics != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := s.metrics.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errs.ErrOrNil()
}

// Done is closed once Stop has finished.
func (s *Server) Done() <-chan struct{} {
	return s.stopped
}
