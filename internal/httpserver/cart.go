package httpserver

import (
	"log"
	"net/http"
	"time"

	cartsvc "cart-consolidation/internal/service/cart"
	"github.com/gin-gonic/gin"
)

type changeLineRequest struct {
	Quantity *int `json:"quantity" binding:"required"`
}

type mergeRequest struct {
	SessionID  string `json:"sessionId"`
	CustomerID string `json:"customerId" binding:"required"`
}

type cartHandler struct {
	svc            CartService
	logger         *log.Logger
	now            func() time.Time
	abandonedAfter time.Duration
}

type ownerFunc func(c *gin.Context) cartsvc.Owner

func sessionOwner(c *gin.Context) cartsvc.Owner {
	return cartsvc.GuestOwner(c.Param("sessionId"))
}

func customerOwner(c *gin.Context) cartsvc.Owner {
	return cartsvc.CustomerOwner(c.Param("customerId"))
}

func (h *cartHandler) getBySession(c *gin.Context) {
	cart, err := h.svc.GetOrCreateBySession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toCTCart(*cart))
}

func (h *cartHandler) getByCustomer(c *gin.Context) {
	cart, err := h.svc.GetOrCreateByCustomer(c.Request.Context(), c.Param("customerId"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toCTCart(*cart))
}

func (h *cartHandler) addLine(owner ownerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in cartsvc.AddLineInput
		if err := c.ShouldBindJSON(&in); err != nil {
			badRequest(c, err.Error())
			return
		}
		cart, err := h.svc.AddLine(c.Request.Context(), owner(c), in)
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusCreated, toCTCart(*cart))
	}
}

func (h *cartHandler) changeLine(owner ownerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req changeLineRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		cart, err := h.svc.ChangeLineQuantity(c.Request.Context(), owner(c), c.Param("lineId"), *req.Quantity)
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, toCTCart(*cart))
	}
}

func (h *cartHandler) removeLine(owner ownerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		cart, err := h.svc.RemoveLine(c.Request.Context(), owner(c), c.Param("lineId"))
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, toCTCart(*cart))
	}
}

// merge is called by the login flow once the customer is authenticated.
func (h *cartHandler) merge(c *gin.Context) {
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	cart, err := h.svc.MergeGuestCartIntoCustomer(c.Request.Context(), req.SessionID, req.CustomerID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toCTCart(*cart))
}

func (h *cartHandler) abandoned(c *gin.Context) {
	olderThan := h.abandonedAfter
	if raw := c.Query("olderThan"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			badRequest(c, "olderThan must be a positive duration")
			return
		}
		olderThan = d
	}
	carts, err := h.svc.FindAbandoned(c.Request.Context(), h.now().Add(-olderThan))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(carts), "results": toCTCarts(carts)})
}

func (h *cartHandler) expire(c *gin.Context) {
	deleted, err := h.svc.ExpireGuestCarts(c.Request.Context(), h.now())
	if err != nil {
		// Partial sweeps still report what was removed.
		h.logger.Printf("http: expire deleted=%d error=%v", deleted, err)
		status, _ := statusFor(err)
		c.JSON(status, gin.H{"deleted": deleted, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}
