package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"cart-consolidation/internal/config"
	"cart-consolidation/internal/events"
	cartsvc "cart-consolidation/internal/service/cart"
	"cart-consolidation/internal/store"
)

// sweep runs a single guest cart expiration pass, for use from cron.
func main() {
	listAbandoned := flag.Bool("abandoned", false, "also report abandoned carts")
	flag.Parse()

	logger := log.New(os.Stdout, "[sweep] ", log.LstdFlags|log.LUTC|log.Lshortfile)
	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	if err := run(context.Background(), cfg, logger, *listAbandoned); err != nil {
		logger.Printf("sweep failed: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *log.Logger, listAbandoned bool) error {
	st, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
	}
	defer publisher.Close()

	svc := cartsvc.New(st.Carts, cartsvc.Options{
		GuestTTL:    cfg.Cart.GuestTTL,
		MaxAttempts: cfg.Cart.MaxAttempts,
		Logger:      logger,
		Events:      publisher,
	})

	now := time.Now().UTC()
	deleted, sweepErr := svc.ExpireGuestCarts(ctx, now)
	logger.Printf("sweep applied deleted=%d", deleted)

	if listAbandoned {
		carts, err := svc.FindAbandoned(ctx, now.Add(-cfg.Cart.AbandonedAfter))
		if err != nil {
			return err
		}
		for _, c := range carts {
			logger.Printf("abandoned cart_id=%s owner=%s lines=%d updated_at=%s",
				c.ID, c.Ownership(), len(c.Lines), c.UpdatedAt.Format(time.RFC3339))
		}
	}
	return sweepErr
}
