package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, signalCh <-chan os.Signal) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, signalCh)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
