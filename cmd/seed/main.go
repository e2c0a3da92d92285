package main

import (
	"context"
	"log"
	"os"

	"cart-consolidation/internal/config"
	"cart-consolidation/internal/seed"
	cartsvc "cart-consolidation/internal/service/cart"
	"cart-consolidation/internal/store"
)

func main() {
	logger := log.New(os.Stdout, "[seed] ", log.LstdFlags|log.LUTC|log.Lshortfile)
	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("open cart store: %v", err)
	}
	defer st.Close()

	svc := cartsvc.New(st.Carts, cartsvc.Options{GuestTTL: cfg.Cart.GuestTTL, Logger: logger})
	if err := seed.Apply(ctx, svc); err != nil {
		logger.Fatalf("seed apply: %v", err)
	}

	logger.Printf("seed applied session=%s customer=%s", seed.DemoSessionID, seed.DemoCustomerID)
}
