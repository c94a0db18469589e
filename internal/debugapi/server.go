package debugapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Config holds debug server configuration
type Config struct {
	ListenAddr string
	RateLimit  float64
	RateBurst  int
}

// Server is the debug HTTP server.
type Server struct {
	config   Config
	server   *http.Server
	router   *gin.Engine
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	logger   zerolog.Logger
}

// NewRouter builds the gin engine serving the debug routes.
func NewRouter(cfg Config, deps *Deps) *gin.Engine {
	// Create Gin router without default middleware (we use zerolog request logging)
	router := gin.New()

	// Add recovery middleware (handles panics)
	router.Use(gin.Recovery())

	var limiter *RateLimiter
	if cfg.RateLimit > 0 {
		limiter = NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	SetupRoutes(router, deps, limiter)

	return router
}

// NewServer creates a new debug server.
func NewServer(cfg Config, deps *Deps, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	logger = logger.With().Str("component", "debugapi").Logger()
	deps.Logger = logger

	router := NewRouter(cfg, deps)

	return &Server{
		config: cfg,
		router: router,
		server: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the debug server.
func (s *Server) Start() error {
	go func() {
		s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting debug server")
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated debug listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Debug server failed")
		}
	}()
	return nil
}

// Stop gracefully stops the debug server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info().Msg("Stopping debug server")
	return s.server.Shutdown(ctx)
}
