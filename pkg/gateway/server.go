package gateway

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/marionette/pkg/automation"
	"github.com/go-go-golems/marionette/pkg/credstore"
	"github.com/go-go-golems/marionette/pkg/webhook"
)

// Server composes the webhook backend, session manager and HTTP router and
// drives their lifecycles.
type Server struct {
	cfg     *Config
	manager *SessionManager
	backend *webhook.Backend
	httpSrv *http.Server
}

func NewServer(ctx context.Context, cfg *Config, factory automation.Factory, store credstore.Store) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if cfg == nil || factory == nil || store == nil {
		return nil, errors.New("config, factory and store are required")
	}

	backend, err := webhook.NewBackend(webhook.BackendConfig{
		RedisEnabled:  cfg.RedisEnabled,
		RedisAddr:     cfg.RedisAddr,
		RedisGroup:    cfg.RedisGroup,
		RedisConsumer: cfg.RedisConsumer,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build webhook backend")
	}
	notifier := webhook.NewNotifier(cfg.APIKey)
	if err := webhook.AddNotifierHandler(backend.MessageRouter(), backend.Subscriber(), notifier); err != nil {
		return nil, err
	}

	dispatcher := webhook.NewDispatcher(backend.Publisher())
	fanout := NewFanout(cfg, dispatcher)
	manager := NewSessionManager(ctx, cfg, factory, store, fanout)
	router := NewRouter(cfg, manager)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return &Server{cfg: cfg, manager: manager, backend: backend, httpSrv: httpSrv}, nil
}

func (s *Server) Manager() *SessionManager { return s.manager }

// Run starts the dispatch loop, restores persisted sessions, then serves
// HTTP until ctx is cancelled or a signal arrives.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	eg.Go(func() error { return s.backend.Run(srvCtx) })

	if err := s.manager.RestoreAll(srvCtx); err != nil {
		log.Warn().Err(err).Msg("session restore scan failed")
	}

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()
		shutdownBase := context.WithoutCancel(ctx)
		shutdownCtx, cancel := context.WithTimeout(shutdownBase, 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		if err := s.backend.Close(); err != nil {
			log.Error().Err(err).Msg("webhook backend close error")
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting gateway server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}
