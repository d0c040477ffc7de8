package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/pgp-contact-form/internal/config"
	"github.com/guided-traffic/pgp-contact-form/internal/server/handlers/contact"
	"github.com/guided-traffic/pgp-contact-form/internal/server/handlers/health"
	"github.com/guided-traffic/pgp-contact-form/internal/server/middleware"
)

// Server represents the contact form HTTP server
type Server struct {
	httpServer *http.Server
	router      *mux.Router
	handler     http.Handler
	submissions *middleware.InFlight
	submitter  contact.Submitter
	build      health.BuildInfo
	config     *config.Config
	logger     *logrus.Entry

	mu                sync.RWMutex
	shutdownInitiated bool
	shutdownTime      time.Time
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, submitter contact.Submitter, build health.BuildInfo) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if submitter == nil {
		return nil, errors.New("submitter is required")
	}

	logger := logrus.WithField("component", "server")
	server := &Server{
		router:      mux.NewRouter(),
		submissions: middleware.NewInFlight(logger),
		submitter:   submitter,
		build:       build,
		config:      cfg,
		logger:      logger,
	}

	// Setup routes
	server.handler = server.setupRoutes(server.router)

	server.httpServer = &http.Server{
		Addr:              cfg.ListenAddress(),
		Handler:           server.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return server, nil
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then drains in-flight requests for up to the configured
// shutdown timeout. It returns only once no submission is still talking to the relay, so the
// caller may close the mailer afterwards.
func (s *Server) Start(ctx context.Context) error {
	// Start HTTP server in a goroutine
	serverErrChan := make(chan error, 1)
	go func() {
		if s.config.TLS.Enabled {
			s.logger.WithFields(logrus.Fields{
				"address":   s.httpServer.Addr,
				"cert_file": s.config.TLS.CertFile,
				"key_file":  s.config.TLS.KeyFile,
				"code":      "SERVER_START",
			}).Info("Starting HTTPS server")

			if err := s.httpServer.ListenAndServeTLS(s.config.TLS.CertFile, s.config.TLS.KeyFile); err != nil && err != http.ErrServerClosed {
				serverErrChan <- fmt.Errorf("HTTPS server failed: %w", err)
			}
		} else {
			s.logger.WithFields(logrus.Fields{
				"address": s.httpServer.Addr,
				"code":    "SERVER_START",
			}).Info("Starting HTTP server")
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErrChan <- fmt.Errorf("HTTP server failed: %w", err)
			}
		}
	}()

	// Wait for context cancellation or server error
	select {
	case err := <-serverErrChan:
		return err
	case <-ctx.Done():
		s.initiateShutdown()
		s.logger.WithField("submissions_in_flight", s.submissions.Active()).Info("Shutting down server")

		timeout := time.Duration(s.config.ShutdownTimeout) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		err := s.httpServer.Shutdown(shutdownCtx)
		if drainErr := s.submissions.Drain(shutdownCtx); drainErr != nil {
			s.logger.WithError(drainErr).Error("Submissions did not finish before the shutdown timeout")
			err = errors.Join(err, drainErr)
		}
		if err != nil {
			s.logger.WithError(err).Error("Failed to gracefully shutdown server")
			return err
		}

		s.logger.Info("Server stopped")
		return nil
	}
}

func (s *Server) initiateShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.shutdownInitiated {
		s.shutdownInitiated = true
		s.shutdownTime = time.Now()
	}
}

// shutdownStateHandler reports whether shutdown has begun and when
func (s *Server) shutdownStateHandler() (bool, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shutdownInitiated, s.shutdownTime
}
