// Package api serves the report artifacts and run history over HTTP so
// sales teams can browse results without shell access to the pipeline
// host.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/polcohq/polco/pkg/config"
	"github.com/polcohq/polco/pkg/docstore"
	"github.com/polcohq/polco/pkg/roster"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the report API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      docstore.Store
	roster     *roster.Roster
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a report API server. The docstore is managed by the
// caller; the server only reads from it.
func NewServer(log logrus.FieldLogger, cfg *config.Config, store docstore.Store, ros *roster.Roster) Server {
	return &server{
		log:    log.WithField("component", "api"),
		cfg:    cfg,
		store:  store,
		roster: ros,
	}
}

// Start binds the listener and serves in the background.
func (s *server) Start(_ context.Context) error {
	listen := ":8080"
	if s.cfg.API != nil && s.cfg.API.Listen != "" {
		listen = s.cfg.API.Listen
	}

	s.httpServer = &http.Server{
		Addr:              listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", listen).Info("Report API server starting")

		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	return nil
}
