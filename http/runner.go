// Package http provides the outbound HTTP client the push engine's send
// stage uses to deliver batches to a remote target, and the inbound server
// bootstrap helpers the API uses to serve them. This file contains the
// RunServer helper for standardized service startup/shutdown.
package http

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/metasvc/corehub/common"
)

// RunServerConfig contains configuration for running the API service.
type RunServerConfig struct {
	ServiceID   string
	ServiceName string
	Version     string
	Description string

	Port            int
	Debug           bool
	BodyLimit       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	RateLimit       float64

	Logger *common.ContextLogger
}

// DefaultRunServerConfig returns a RunServerConfig with sensible defaults.
func DefaultRunServerConfig(serviceID, serviceName, version string) RunServerConfig {
	return RunServerConfig{
		ServiceID:       serviceID,
		ServiceName:     serviceName,
		Version:         version,
		Description:     fmt.Sprintf("%s service", serviceName),
		Port:            8080,
		Debug:           false,
		BodyLimit:       "10M",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"*"},
		RateLimit:       0,
	}
}

// SetupFunc is a function that sets up routes and handlers on an Echo instance.
type SetupFunc func(*echo.Echo) error

// RunServer creates and runs an Echo server with the standard pattern:
// standard middleware, a health check endpoint, and signal-driven graceful
// shutdown.
//
// Example usage:
//
//	cfg := http.DefaultRunServerConfig("corehub", "corehub", "1.0.0")
//	cfg.Port = 8090
//
//	err := http.RunServer(cfg, func(e *echo.Echo) error {
//	    e.GET("/Model/:id", handleGetOne)
//	    return nil
//	})
func RunServer(config RunServerConfig, setupFunc SetupFunc) error {
	logger := config.Logger
	if logger == nil {
		logger = common.ServiceLogger(config.ServiceID, config.Version)
	}

	serverConfig := ServerConfig{
		Port:            config.Port,
		Debug:           config.Debug,
		BodyLimit:       config.BodyLimit,
		ReadTimeout:     config.ReadTimeout,
		WriteTimeout:    config.WriteTimeout,
		ShutdownTimeout: config.ShutdownTimeout,
		AllowedOrigins:  config.AllowedOrigins,
		RateLimit:       config.RateLimit,
	}

	e := NewEchoServer(serverConfig)
	e.HTTPErrorHandler = CustomHTTPErrorHandler
	e.GET("/health", HealthCheckHandler(config.ServiceName, config.Version))

	if setupFunc != nil {
		if err := setupFunc(e); err != nil {
			return fmt.Errorf("setup function failed: %w", err)
		}
	}

	go func() {
		logger.Infof("Starting %s on port %d", config.ServiceName, config.Port)
		if err := e.Start(fmt.Sprintf(":%d", config.Port)); err != nil {
			logger.WithError(err).Error("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Error during shutdown")
		return err
	}

	logger.Info("Server stopped")
	return nil
}
