package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/darkden-lab/pbs-realtime/docs"
	"github.com/darkden-lab/pbs-realtime/internal/broker"
	"github.com/darkden-lab/pbs-realtime/internal/config"
	"github.com/darkden-lab/pbs-realtime/internal/httputil"
	"github.com/darkden-lab/pbs-realtime/internal/logging"
	"github.com/darkden-lab/pbs-realtime/internal/metrics"
	mw "github.com/darkden-lab/pbs-realtime/internal/middleware"
	"github.com/darkden-lab/pbs-realtime/internal/notifications"
	"github.com/darkden-lab/pbs-realtime/internal/socketio"
	"github.com/darkden-lab/pbs-realtime/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pbs-realtime:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// Broker: a failed connection degrades to a binding that rejects every
	// call, so the HTTP surface keeps serving.
	b := broker.Open(ctx, cfg, logger)
	defer b.Close()

	publisher := notifications.NewPublisher(b, cfg.FallbackRole, logger, m)

	// Transports
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := ws.NewHub(logger, m)
	go hub.Run(hubCtx)

	transports := notifications.FanOut{hub}
	var sio *socketio.Server
	if cfg.SocketIOEnabled {
		sio = socketio.New(cfg.AllowedOrigins, logger, m)
		defer sio.Close()
		transports = append(transports, sio)
		logger.Info("socket.io transport enabled")
	}

	// Router task
	listener := notifications.NewListener(b, notifications.NewRouter(transports, m),
		notifications.ListenerConfig{PollTimeout: cfg.PollTimeout, RetryBackoff: cfg.RetryBackoff},
		logger, m)
	if err := listener.Start(ctx); err != nil {
		logger.Warn("realtime listener not started, continuing without delivery", zap.Error(err))
	}
	defer listener.Stop() //nolint:errcheck

	// HTTP
	limiter := mw.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger)
	defer limiter.Stop()

	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthzHandler).Methods("GET")
	r.Handle("/metrics", m.Handler()).Methods("GET")
	docs.RegisterRoutes(r)

	limited := r.PathPrefix("").Subrouter()
	limited.Use(limiter.Middleware())

	ws.NewWSHandler(hub, cfg.AllowedOrigins).RegisterRoutes(limited)
	if sio != nil {
		limited.PathPrefix("/socket.io/").Handler(sio.Handler())
	}

	notifications.NewHandlers(publisher, listener,
		notifications.BrokerStatus{Driver: cfg.BrokerDriver, Available: broker.Available(b)},
		func() any {
			stats := map[string]any{"websocket": hub.Stats()}
			if sio != nil {
				stats["socketio"] = map[string]int{"registered": sio.Registered()}
			}
			return stats
		},
	).RegisterRoutes(limited)

	// No WriteTimeout: Socket.IO long-polling holds responses open between
	// pings, and upgraded connections manage their own deadlines.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mw.CORS(cfg.AllowedOrigins)(r),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr), zap.String("broker", cfg.BrokerDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	if err := listener.Stop(); err != nil {
		logger.Warn("listener stop failed", zap.Error(err))
	}
	stopHub()

	logger.Info("server stopped")
	return nil
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
