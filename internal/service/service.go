package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"confidential-settlement/internal/config"
	"confidential-settlement/internal/engine"
	"confidential-settlement/internal/httpapi"
	"confidential-settlement/internal/scheduler"
)

// Service runs the HTTP API and the stale-request sweeper as one unit.
type Service struct {
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	server    *http.Server
	logger    zerolog.Logger

	shutdownTimeout time.Duration
}

// New constructs the settlement service.
func New(cfg *config.Config, eng *engine.Engine, sched *scheduler.Scheduler, logger zerolog.Logger) *Service {
	handler := httpapi.NewHandler(eng, logger)

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Service{
		engine:          eng,
		scheduler:       sched,
		server:          server,
		logger:          logger.With().Str("component", "service").Logger(),
		shutdownTimeout: cfg.Server.ShutdownTimeout,
	}
}

// Run blocks until ctx is cancelled or either the listener or the sweeper
// fails. On cancellation the HTTP server drains within the shutdown timeout.
func (s *Service) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		s.logger.Info().Str("addr", s.server.Addr).Msg("http api listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})

	if s.scheduler != nil {
		group.Go(func() error {
			if err := s.scheduler.Run(groupCtx, s.sweep); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("sweeper: %w", err)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Service) sweep(ctx context.Context, at time.Time) error {
	expired, err := s.engine.ExpireStaleRequests(ctx)
	if err != nil {
		return fmt.Errorf("expire stale requests: %w", err)
	}
	if expired > 0 {
		s.logger.Info().Int("expired", expired).Time("at", at).Msg("stale decryption requests expired")
	}
	return nil
}
