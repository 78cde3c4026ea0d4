package serverutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Config controls a side listener such as the metrics endpoint.
type Config struct {
	Addr              string
	Handler           http.Handler
	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration
	// Ready receives the bound address once the listener accepts connections.
	// It must be buffered or actively read.
	Ready chan<- string
}

const (
	// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
	DefaultShutdownTimeout = 10 * time.Second

	defaultReadHeaderTimeout = 5 * time.Second
)

// Run binds Addr, serves Handler and blocks until the context is cancelled or
// the server fails. On cancellation it shuts down gracefully, bounded by
// ShutdownTimeout.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Handler == nil {
		return fmt.Errorf("handler is required")
	}
	if cfg.Addr == "" {
		return fmt.Errorf("listen address is required")
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	readHeader := cfg.ReadHeaderTimeout
	if readHeader <= 0 {
		readHeader = defaultReadHeaderTimeout
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	server := &http.Server{
		Handler:           cfg.Handler,
		ReadHeaderTimeout: readHeader,
	}

	if cfg.Ready != nil {
		cfg.Ready <- ln.Addr().String()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := server.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-shutdownCtx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return shutdownCtx.Err()
	}

	return shutdownErr
}
