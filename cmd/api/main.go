package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cart-consolidation/internal/config"
	"cart-consolidation/internal/events"
	"cart-consolidation/internal/httpserver"
	"cart-consolidation/internal/metrics"
	cartsvc "cart-consolidation/internal/service/cart"
	"cart-consolidation/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.LUTC|log.Lshortfile)
	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	st, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("open cart store: %v", err)
	}
	defer st.Close()

	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Printf("close event publisher: %v", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cartService := cartsvc.New(st.Carts, cartsvc.Options{
		GuestTTL:    cfg.Cart.GuestTTL,
		MaxAttempts: cfg.Cart.MaxAttempts,
		Logger:      logger,
		Events:      publisher,
		Metrics:     metrics.NewCartMetrics(reg),
	})

	srv, err := httpserver.New(cfg.HTTPAddr, logger, httpserver.Deps{
		Carts:          cartService,
		Ready:          st.Ping,
		Gatherer:       reg,
		HTTPMetrics:    metrics.NewHTTPMetrics(reg),
		CORSOrigins:    cfg.CORSOrigins,
		AbandonedAfter: cfg.Cart.AbandonedAfter,
	})
	if err != nil {
		logger.Fatalf("init server: %v", err)
	}

	go cartService.RunSweeper(ctx, cfg.Cart.SweepInterval)

	serverErr := make(chan error, 1)
	go func() {
		logger.Printf("starting http server on %s store=%s", cfg.HTTPAddr, cfg.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stopCh:
		logger.Printf("received signal %s, shutting down", sig)
	case err := <-serverErr:
		logger.Printf("server error: %v", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	} else {
		logger.Printf("server stopped")
	}
}
