package cart

import (
	"context"
	"time"
)

// RunSweeper expires guest carts every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireGuestCarts(ctx, s.now()); err != nil {
				s.logger.Printf("cart service: sweep error=%v", err)
			}
		}
	}
}
