package federation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/circled/pkg/circled/events"
	"github.com/mikepea/circled/pkg/circled/transport"
)

const (
	// ContextKeyPeerInstance is the key for the verified sending instance
	// in gin context
	ContextKeyPeerInstance = "peer_instance"
)

// Handler receives federated events from remote instances and runs them
// through the local verify/manage pipeline.
type Handler struct {
	dispatcher *events.Dispatcher
}

// NewHandler creates a new federation handler
func NewHandler(dispatcher *events.Dispatcher) *Handler {
	return &Handler{dispatcher: dispatcher}
}

// InstanceAuthMiddleware verifies the inter-instance request signature and
// sets the sending instance in context
func InstanceAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			c.Abort()
			return
		}
		claims, err := transport.VerifyInstanceToken(parts[1], secret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid instance token"})
			c.Abort()
			return
		}
		c.Set(ContextKeyPeerInstance, claims.Issuer)
		c.Next()
	}
}

// RollbackRequest asks this instance to compensate an applied event
type RollbackRequest struct {
	EventID string `json:"eventId" binding:"required"`
}

// ReceiveEvent applies an event delivered by a remote instance
// @Summary Receive a federated event
// @Description Run the verify/manage pipeline for an event from a peer instance
// @Tags federation
// @Accept json
// @Produce json
// @Success 200 {object} events.Response
// @Failure 409 {object} events.Response "Conflict"
// @Failure 422 {object} events.Response "Rejected"
// @Router /federation/event [post]
func (h *Handler) ReceiveEvent(c *gin.Context) {
	var ev events.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusUnprocessableEntity, events.Response{Status: events.StatusRejected, Detail: err.Error()})
		return
	}
	if err := h.dispatcher.Receive(c.Request.Context(), &ev); err != nil {
		status, detail := events.Classify(err)
		code := http.StatusUnprocessableEntity
		if status == events.StatusConflict {
			code = http.StatusConflict
		}
		c.JSON(code, events.Response{Status: status, Detail: detail})
		return
	}
	c.JSON(http.StatusOK, events.Response{Status: events.StatusOK})
}

// ReceiveRollback compensates a previously applied event
// @Summary Roll back a federated event
// @Description Undo a previously applied event after a high-severity failure elsewhere
// @Tags federation
// @Accept json
// @Produce json
// @Success 200 {object} events.Response
// @Router /federation/rollback [post]
func (h *Handler) ReceiveRollback(c *gin.Context) {
	var req RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, events.Response{Status: events.StatusRejected, Detail: err.Error()})
		return
	}
	if err := h.dispatcher.ReceiveRollback(c.Request.Context(), req.EventID); err != nil {
		status, detail := events.Classify(err)
		c.JSON(http.StatusUnprocessableEntity, events.Response{Status: status, Detail: detail})
		return
	}
	c.JSON(http.StatusOK, events.Response{Status: events.StatusOK})
}

// RegisterRoutes registers federation routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/event", h.ReceiveEvent)
	rg.POST("/rollback", h.ReceiveRollback)
}
