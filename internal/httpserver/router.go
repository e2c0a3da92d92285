package httpserver

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"cart-consolidation/internal/domain"
	"cart-consolidation/internal/metrics"
	cartsvc "cart-consolidation/internal/service/cart"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CartService is the cart behaviour the HTTP layer needs.
type CartService interface {
	GetOrCreateBySession(ctx context.Context, sessionID string) (*domain.Cart, error)
	GetOrCreateByCustomer(ctx context.Context, customerID string) (*domain.Cart, error)
	AddLine(ctx context.Context, owner cartsvc.Owner, in cartsvc.AddLineInput) (*domain.Cart, error)
	ChangeLineQuantity(ctx context.Context, owner cartsvc.Owner, lineID string, quantity int) (*domain.Cart, error)
	RemoveLine(ctx context.Context, owner cartsvc.Owner, lineID string) (*domain.Cart, error)
	MergeGuestCartIntoCustomer(ctx context.Context, sessionID, customerID string) (*domain.Cart, error)
	FindAbandoned(ctx context.Context, cutoff time.Time) ([]domain.Cart, error)
	ExpireGuestCarts(ctx context.Context, now time.Time) (int, error)
}

// Deps carries the collaborators of the router.
type Deps struct {
	Carts CartService
	// Ready pings the backing store; nil means always ready.
	Ready          func(ctx context.Context) error
	Gatherer       prometheus.Gatherer
	HTTPMetrics    *metrics.HTTPMetrics
	CORSOrigins    []string
	AbandonedAfter time.Duration
	Now            func() time.Time
}

// buildRouter wires routes for the API.
func buildRouter(logger *log.Logger, deps Deps) (*gin.Engine, error) {
	if deps.Carts == nil {
		return nil, errors.New("httpserver: cart service required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.AbandonedAfter <= 0 {
		deps.AbandonedAfter = 72 * time.Hour
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.LoggerWithWriter(logger.Writer()), gin.Recovery())
	if len(deps.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:  deps.CORSOrigins,
			AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}
	if deps.HTTPMetrics != nil {
		router.Use(deps.HTTPMetrics.Middleware())
	}

	router.GET("/healthz", healthHandler)
	router.GET("/readyz", readyHandler(deps.Ready))
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	h := &cartHandler{svc: deps.Carts, logger: logger, now: deps.Now, abandonedAfter: deps.AbandonedAfter}
	carts := router.Group("/carts")
	{
		carts.GET("/session/:sessionId", h.getBySession)
		carts.POST("/session/:sessionId/lines", h.addLine(sessionOwner))
		carts.PATCH("/session/:sessionId/lines/:lineId", h.changeLine(sessionOwner))
		carts.DELETE("/session/:sessionId/lines/:lineId", h.removeLine(sessionOwner))

		carts.GET("/customer/:customerId", h.getByCustomer)
		carts.POST("/customer/:customerId/lines", h.addLine(customerOwner))
		carts.PATCH("/customer/:customerId/lines/:lineId", h.changeLine(customerOwner))
		carts.DELETE("/customer/:customerId/lines/:lineId", h.removeLine(customerOwner))

		carts.POST("/merge", h.merge)
		carts.GET("/abandoned", h.abandoned)
		carts.POST("/expire", h.expire)
	}

	return router, nil
}
