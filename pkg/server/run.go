package server

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
)

// Run starts the server and blocks until ctx is cancelled or a shutdown
// signal arrives.
func (s *Server) Run(ctx context.Context) error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}

	if err := s.ensureAdmin(ctx); err != nil {
		s.Stop()
		return err
	}

	if s.cfg.RecordsFile != "" {
		if _, err := LoadRecordsFromYAML(ctx, s.cfg.RecordsFile, s.store); err != nil {
			slog.Error("failed to load records file", "path", s.cfg.RecordsFile, "err", err)
		}
	}

	if err := s.Start(ctx); err != nil {
		s.Stop()
		return err
	}
	if err := s.StartMetricsHTTP(); err != nil {
		s.Stop()
		return fmt.Errorf("server: metrics listen: %w", err)
	}
	s.metrics.StartPeriodicLog(s.cfg.MetricsLogInterval, s.ctx.Done())

	slog.Info("gorecord server running",
		"addr", s.Addr().String(),
		"db", s.cfg.DBDriver,
		"metrics", s.cfg.MetricsAddr,
	)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("shutting down...")
	s.Stop()
	return nil
}

// ensureAdmin creates the admin account only on first run (no accounts exist).
func (s *Server) ensureAdmin(ctx context.Context) error {
	if s.cfg.AdminUser == "" {
		return nil
	}
	password, err := s.auth.EnsureAdmin(ctx, s.cfg.AdminUser)
	if err != nil {
		return fmt.Errorf("server: ensure admin: %w", err)
	}
	if password == "" {
		return nil
	}

	slog.Info("========================================")
	slog.Info("ADMIN ACCOUNT CREATED (save this password!):", "username", s.cfg.AdminUser, "password", password)
	slog.Info("========================================")
	return nil
}
