// Package api provides the HTTP API server for the fact engine.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bitempora/factengine/internal/api/middleware"
	"github.com/bitempora/factengine/internal/config"
)

const (
	// DefaultReadTimeout bounds how long the server waits to read a request.
	DefaultReadTimeout = 30 * time.Second
	// DefaultWriteTimeout bounds how long the server has to write a response.
	DefaultWriteTimeout = 30 * time.Second
	// DefaultCORSMaxAge is the default CORS preflight cache duration (24h).
	DefaultCORSMaxAge = 86400
)

// Static validation errors.
var (
	ErrEmptyBindAddr          = errors.New("bind_addr cannot be empty")
	ErrInvalidReadTimeout     = errors.New("read timeout must be positive")
	ErrInvalidWriteTimeout    = errors.New("write timeout must be positive")
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")
)

// ServerConfig holds HTTP server configuration, built from a config.Config
// plus the CORS/timeout knobs that sit outside the spec's ingest-front-end
// surface (ambient ops concerns, not entity or protocol semantics).
type ServerConfig struct {
	BindAddr           string
	APIToken           string
	MaxRequestSize     int64
	IngestRateLimit    int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	LogLevel           slog.Level
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string
	CORSMaxAge         int
}

// NewServerConfig builds a ServerConfig from a loaded config.Config, filling
// in the CORS and timeout defaults the spec's Config struct doesn't carry.
func NewServerConfig(cfg *config.Config) ServerConfig {
	shutdownGrace, err := time.ParseDuration(cfg.ShutdownGrace)
	if err != nil {
		shutdownGrace = DefaultWriteTimeout
	}

	return ServerConfig{
		BindAddr:           cfg.BindAddr,
		APIToken:           cfg.APIToken,
		MaxRequestSize:     cfg.BatchMaxBytes,
		IngestRateLimit:    cfg.IngestRateLimit,
		ReadTimeout:        DefaultReadTimeout,
		WriteTimeout:       DefaultWriteTimeout,
		ShutdownTimeout:    shutdownGrace,
		LogLevel:           cfg.LogLevel,
		CORSAllowedOrigins: config.ParseCommaSeparatedList(config.GetEnvStr("FACTENGINE_CORS_ALLOWED_ORIGINS", "*")),
		CORSAllowedMethods: config.ParseCommaSeparatedList(
			config.GetEnvStr("FACTENGINE_CORS_ALLOWED_METHODS", "GET,POST,OPTIONS"),
		),
		CORSAllowedHeaders: config.ParseCommaSeparatedList(
			config.GetEnvStr("FACTENGINE_CORS_ALLOWED_HEADERS", "Content-Type,Authorization,X-Correlation-ID"),
		),
		CORSMaxAge: config.GetEnvInt("FACTENGINE_CORS_MAX_AGE", DefaultCORSMaxAge),
	}
}

// Validate validates the server configuration.
func (c ServerConfig) Validate() error {
	if c.BindAddr == "" {
		return ErrEmptyBindAddr
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidReadTimeout, c.ReadTimeout)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidWriteTimeout, c.WriteTimeout)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidShutdownTimeout, c.ShutdownTimeout)
	}

	return nil
}

// ToCORSConfig converts ServerConfig's CORS fields to the CORSConfig the
// middleware chain expects.
func (c ServerConfig) ToCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

// CORSConfig holds CORS configuration options and implements
// middleware.CORSConfig.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

func (c CORSConfig) GetAllowedOrigins() []string { return c.AllowedOrigins }
func (c CORSConfig) GetAllowedMethods() []string { return c.AllowedMethods }
func (c CORSConfig) GetAllowedHeaders() []string { return c.AllowedHeaders }
func (c CORSConfig) GetMaxAge() int              { return c.MaxAge }

var _ middleware.CORSConfig = CORSConfig{}
