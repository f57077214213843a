package items

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/circled/pkg/circled/auth"
	"github.com/mikepea/circled/pkg/circled/conflict"
	"github.com/mikepea/circled/pkg/circled/events"
	"github.com/mikepea/circled/pkg/circled/inherit"
	"github.com/mikepea/circled/pkg/circled/models"
	"github.com/mikepea/circled/pkg/circled/store"
)

// Handler handles synced item requests. Updates run through the federated
// event pipeline: the item's advisory lock is taken for the duration of the
// drive and checksum succession is enforced on every instance.
type Handler struct {
	store      *store.Store
	engine     *inherit.Engine
	conflicts  *conflict.Manager
	dispatcher *events.Dispatcher
	instance   string
}

// NewHandler creates a new items handler
func NewHandler(s *store.Store, engine *inherit.Engine, conflicts *conflict.Manager, dispatcher *events.Dispatcher, instance string) *Handler {
	return &Handler{store: s, engine: engine, conflicts: conflicts, dispatcher: dispatcher, instance: instance}
}

// ItemResponse represents a synced item in API responses
type ItemResponse struct {
	SingleID string `json:"single_id"`
	Checksum string `json:"checksum"`
	Snapshot []byte `json:"snapshot"`
}

// UpdateItemRequest represents a request to update a synced item. The
// caller declares the checksum it believes the item currently has; a stale
// predecessor is rejected as a conflict, never silently overwritten.
type UpdateItemRequest struct {
	CircleID     string `json:"circle_id" binding:"required"`
	Snapshot     string `json:"snapshot" binding:"required"`
	PrevChecksum string `json:"prev_checksum"`
	Baseline     bool   `json:"baseline"` // Seed a new item without a predecessor
	Async        bool   `json:"async"`    // Defer the drive to the background worker
	AllOrNothing bool   `json:"all_or_nothing"`
}

// Get returns the locally known state of a synced item
// @Summary Get a synced item
// @Description Get a synced item's snapshot and checksum
// @Tags items
// @Produce json
// @Success 200 {object} ItemResponse
// @Failure 404 {object} map[string]string "Item not found"
// @Security BearerAuth
// @Router /items/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	item, err := h.conflicts.Item(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Item not found"})
		return
	}
	c.JSON(http.StatusOK, ItemResponse{
		SingleID: item.SingleID,
		Checksum: item.Checksum,
		Snapshot: item.Snapshot,
	})
}

// Update proposes a new state for a synced item and propagates it to every
// instance hosting members of the item's circle
// @Summary Update a synced item
// @Description Propose a new snapshot for a shared item
// @Tags items
// @Accept json
// @Produce json
// @Param request body UpdateItemRequest true "Item update"
// @Success 200 {object} events.Outcome
// @Success 202 {object} events.Outcome "Accepted for async processing"
// @Failure 409 {object} map[string]string "Checksum conflict"
// @Failure 423 {object} map[string]string "Item locked by another driver"
// @Security BearerAuth
// @Router /items/{id} [put]
func (h *Handler) Update(c *gin.Context) {
	singleID, _ := auth.GetSingleID(c)
	itemID := c.Param("id")

	var req UpdateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	circle, err := h.store.CircleBySingleID(req.CircleID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Circle not found"})
		return
	}
	level, err := h.engine.EffectiveLevel(singleID, req.CircleID)
	if err != nil || level == models.LevelNone {
		c.JSON(http.StatusNotFound, gin.H{"error": "Circle not found"})
		return
	}

	snapshot := []byte(req.Snapshot)
	ev := &events.Event{
		Kind:   events.KindItemUpdate,
		Circle: events.CircleToRef(circle),
		Item: &events.ItemRef{
			SingleID:     itemID,
			Snapshot:     snapshot,
			Checksum:     conflict.Checksum(snapshot),
			PrevChecksum: req.PrevChecksum,
		},
		Async: req.Async,
	}
	if req.AllOrNothing {
		ev.Severity = events.SeverityHigh
	}
	if req.Baseline {
		ev.SetParam(events.ParamBaseline, "true")
	}

	outcome, err := h.dispatcher.Dispatch(c.Request.Context(), ev)
	if err != nil {
		respondItemError(c, err)
		return
	}
	if outcome.Overall == events.OverallAccepted {
		c.JSON(http.StatusAccepted, outcome)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// RegisterRoutes registers item routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/:id", h.Get)
	rg.PUT("/:id", h.Update)
}

func respondItemError(c *gin.Context, err error) {
	var conflictErr *conflict.ConflictError
	var pre *events.LocalPreconditionError
	switch {
	case errors.Is(err, conflict.ErrItemLocked):
		c.JSON(http.StatusLocked, gin.H{"error": "Item is locked by another driver"})
	case errors.As(err, &conflictErr):
		c.JSON(http.StatusConflict, gin.H{"error": conflictErr.Error()})
	case errors.As(err, &pre):
		c.JSON(http.StatusForbidden, gin.H{"error": pre.Reason})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
