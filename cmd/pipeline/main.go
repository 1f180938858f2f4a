// Command pipeline runs the network intrusion detection system: packet
// capture, flow reconstruction, feature extraction, inference, decision
// fusion, persistence, pub/sub publication and the HTTP/WebSocket API, all
// in one process.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meedvfx/Network-Defense-System/internal/api"
	"github.com/meedvfx/Network-Defense-System/internal/broadcast"
	"github.com/meedvfx/Network-Defense-System/internal/capture"
	"github.com/meedvfx/Network-Defense-System/internal/config"
	"github.com/meedvfx/Network-Defense-System/internal/logging"
	"github.com/meedvfx/Network-Defense-System/internal/pipeline"
	"github.com/meedvfx/Network-Defense-System/internal/pubsub"
	"github.com/meedvfx/Network-Defense-System/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logging.Init(&logging.Config{
		Level:      parseLevel(cfg.Log.Level),
		Output:     os.Stderr,
		Format:     cfg.Log.Format,
		TimeFormat: time.RFC3339,
	})
	logging.LogRuntimeInfo()
	logger := logging.Default().WithComponent("main")

	st, err := store.Open(cfg.Store)
	if err != nil {
		logger.Error("clickhouse unavailable, persistence disabled", logging.Err(err))
	}

	pub, err := pubsub.NewPublisher(cfg.PubSub)
	if err != nil {
		logger.Error("nats unavailable, publication disabled", logging.Err(err))
	}

	broadcaster := broadcast.New(0)

	sub, err := pubsub.NewSubscriber(cfg.PubSub)
	if err != nil {
		logger.Error("nats subscriber unavailable, alert broadcast disabled", logging.Err(err))
	} else {
		if _, err := sub.Subscribe(broadcaster.Broadcast); err != nil {
			logger.Error("alert subscription failed", logging.Err(err))
		}
	}

	// A typed nil assigned into the interface fields would defeat the
	// engine's nil checks, so only wire collaborators that connected.
	deps := pipeline.Dependencies{Broadcaster: broadcaster}
	if st != nil {
		deps.Store = st
	}
	if pub != nil {
		deps.Publisher = pub
	}

	p, err := pipeline.New(cfg, deps)
	if err != nil {
		log.Fatalf("pipeline: %v", err)
	}

	server := api.New()
	server.Capture = p
	server.Analyzer = p
	server.Models = p.ModelsStatus()
	if st != nil {
		server.Feedback = st
	}
	server.Broadcaster = broadcaster
	server.ListInterfaces = capture.ListInterfaces
	server.Health = pipeline.NewHealth(p, storeUpChecker(st), pubsubUpChecker(pub))

	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: server.Router()}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline run exited", logging.Err(err))
		}
	}()

	go func() {
		logger.Info("http server starting", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", logging.Err(err))
	}
	p.Shutdown()

	if st != nil {
		_ = st.Close()
	}
	if pub != nil {
		pub.Close()
	}
	if sub != nil {
		sub.Close()
	}

	logger.Info("shutdown complete")
}

func storeUpChecker(st *store.ClickHouseStore) func() bool {
	if st == nil {
		return nil
	}
	return func() bool { return true }
}

func pubsubUpChecker(pub *pubsub.Publisher) func() bool {
	if pub == nil {
		return nil
	}
	return func() bool { return true }
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
