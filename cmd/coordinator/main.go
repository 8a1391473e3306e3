package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/infermux/infermux/internal/api"
	"github.com/infermux/infermux/internal/common/config"
	"github.com/infermux/infermux/internal/common/database"
	"github.com/infermux/infermux/internal/common/logger"
	"github.com/infermux/infermux/internal/events/bus"
	"github.com/infermux/infermux/internal/forwarder"
	"github.com/infermux/infermux/internal/link"
	"github.com/infermux/infermux/internal/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting coordinator...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect to PostgreSQL
	db, err := database.NewDB(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	go db.RunHealthCheck(ctx, cfg.Database.HealthCheckIntervalDuration(), cfg.Database.HealthCheckTimeoutDuration())
	log.Info("Connected to database")

	// 5. Initialize the routing store and warm its cache
	st := store.New(db, cfg.Database, log)
	if err := st.WarmUp(ctx); err != nil {
		log.Warn("Cache warm-up failed", zap.Error(err))
	}

	// 6. Connect the event bus (in-memory unless NATS is configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 7. Initialize the worker link server
	registry := link.NewRegistry()
	linkServer := link.NewServer(registry, eventBus, cfg.Link, log)

	// 8. Initialize the public forwarder
	fw := forwarder.NewClient(cfg.Upstream.ConnectTimeoutDuration(), log)

	// 9. Setup HTTP frontend with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(log), api.CORS())

	handler := api.NewHandler(registry, st, fw, eventBus, cfg.Link, log)
	api.SetupRoutes(router, handler)

	// 10. Create the two servers
	httpServer := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	workerServer := &http.Server{
		Addr:        cfg.Server.LinkAddr,
		Handler:     linkServer.Handler(),
		ReadTimeout: 0, // links are long-lived
	}

	// 11. Start both listeners
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("Worker link server listening", zap.String("addr", cfg.Server.LinkAddr))
		if err := workerServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// 12. Wait for shutdown signal or server failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info("Shutting down coordinator...")
	case <-gctx.Done():
		log.Error("Server failed", zap.Error(gctx.Err()))
	}

	// 13. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := workerServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Worker link server shutdown error", zap.Error(err))
	}
	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}

	log.Info("Coordinator stopped")
}
