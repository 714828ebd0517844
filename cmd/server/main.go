package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/typerace/server/internal/api"
	"github.com/typerace/server/internal/config"
	"github.com/typerace/server/internal/observability"
	"github.com/typerace/server/internal/passage"
	"github.com/typerace/server/internal/realtime"
	"github.com/typerace/server/internal/room"
	"github.com/typerace/server/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger, err := observability.SetupLogger()
	if err != nil {
		log.Fatalf("cannot init logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := observability.SetupTracerProvider(ctx, "typerace", cfg.TraceStdout, logger)
	if err != nil {
		logger.Fatal("cannot init tracer", zap.Error(err))
	}
	defer tp.Shutdown(ctx)

	storeMode := "static"
	var st *store.Store
	if cfg.DatabaseURL != "" {
		db, err := store.Connect(cfg.DatabaseURL)
		if err != nil {
			logger.Warn("cannot connect database, serving static passages only", zap.Error(err))
		} else {
			st = store.New(db)
			if err := st.Migrate(ctx); err != nil {
				logger.Fatal("schema migration failed", zap.Error(err))
			}
			defer st.Close()
			storeMode = "mysql"
		}
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer.(*prometheus.Registry))

	var source passage.Source
	if st != nil {
		source = st
	}
	provider := passage.NewProvider(source, cfg.ProviderTimeout, logger)

	registry := room.NewRegistry(ctx, room.Config{
		CountdownDelay: cfg.CountdownDelay,
		MaxHumans:      cfg.MaxHumans,
		FieldSize:      cfg.RaceFieldSize,
		SubscriberBuf:  cfg.SubscriberBuf,
		ReapAfter:      cfg.RoomReapAfter,
	}, provider, logger, metrics)
	defer registry.Close()

	wsServer := realtime.NewWSServer(registry, cfg.SubscriberBuf, cfg.WSReadBufferSize, cfg.WSWriteBufferSize, logger, metrics)
	server := api.NewServer(registry, wsServer, cfg.StaticDir, storeMode, logger)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)
	srv := &http.Server{Addr: addr, Handler: server.Router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", addr), zap.String("store", storeMode))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	case <-quit:
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}
