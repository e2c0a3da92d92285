package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"cart-consolidation/internal/config"
	"cart-consolidation/internal/importer"
	cartsvc "cart-consolidation/internal/service/cart"
	"cart-consolidation/internal/store"
)

func main() {
	var filePath string
	flag.StringVar(&filePath, "file", "", "Path to commercetools cart CSV export")
	flag.Parse()

	if filePath == "" {
		flag.Usage()
		os.Exit(2)
	}

	logger := log.New(os.Stdout, "[importer] ", log.LstdFlags|log.LUTC|log.Lshortfile)
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

	f, err := os.Open(filePath)
	if err != nil {
		logger.Fatalf("open file: %v", err)
	}
	defer f.Close()

	svc := cartsvc.New(st.Carts, cartsvc.Options{
		GuestTTL:    cfg.Cart.GuestTTL,
		MaxAttempts: cfg.Cart.MaxAttempts,
		Logger:      logger,
	})
	imp := importer.NewCSVImporter(f, svc)

	start := time.Now()
	count, err := imp.Run(ctx)
	if err != nil {
		logger.Fatalf("import failed after %d carts: %v", count, err)
	}

	fmt.Printf("Imported %d carts in %s\n", count, time.Since(start).Truncate(time.Millisecond))
}
