package circles

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mikepea/circled/pkg/circled/auth"
	"github.com/mikepea/circled/pkg/circled/events"
	"github.com/mikepea/circled/pkg/circled/inherit"
	"github.com/mikepea/circled/pkg/circled/models"
	"github.com/mikepea/circled/pkg/circled/store"
	"gorm.io/gorm"
)

// Handler handles circle-related requests. Every mutation is wrapped into a
// federated event and handed to the dispatcher; handlers never write the
// graph directly.
type Handler struct {
	db         *gorm.DB
	store      *store.Store
	engine     *inherit.Engine
	dispatcher *events.Dispatcher
	instance   string
}

// NewHandler creates a new circles handler
func NewHandler(db *gorm.DB, s *store.Store, engine *inherit.Engine, dispatcher *events.Dispatcher, instance string) *Handler {
	return &Handler{db: db, store: s, engine: engine, dispatcher: dispatcher, instance: instance}
}

// CreateCircleRequest represents the request to create a circle
type CreateCircleRequest struct {
	Name      string `json:"name" binding:"required"`
	Visible   bool   `json:"visible"`
	Open      bool   `json:"open"`
	Personal  bool   `json:"personal"`
	Federated bool   `json:"federated"`
}

// CircleResponse represents a circle in API responses
type CircleResponse struct {
	SingleID  string `json:"single_id"`
	Name      string `json:"name"`
	Instance  string `json:"instance"`
	Visible   bool   `json:"visible"`
	Open      bool   `json:"open"`
	Personal  bool   `json:"personal"`
	Federated bool   `json:"federated"`
	Level     string `json:"level,omitempty"` // Caller's effective level
	Depth     int    `json:"depth,omitempty"` // Caller's membership depth
}

// DispatchResponse reports the aggregated outcome of a federated mutation
type DispatchResponse struct {
	EventID string          `json:"event_id"`
	Overall string          `json:"overall"`
	Results []events.Result `json:"results,omitempty"`
	Circle  *CircleResponse `json:"circle,omitempty"`
}

// List returns all circles the current user is reachable in, directly or
// through nested circles
// @Summary List circles
// @Description Get all circles the current user belongs to
// @Tags circles
// @Produce json
// @Success 200 {array} CircleResponse
// @Security BearerAuth
// @Router /circles [get]
func (h *Handler) List(c *gin.Context) {
	singleID, _ := auth.GetSingleID(c)

	memberships, err := h.store.MembershipsOf(singleID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch circles"})
		return
	}

	circles := make([]CircleResponse, 0, len(memberships))
	for _, m := range memberships {
		circle, err := h.store.CircleBySingleID(m.CircleID)
		if err != nil {
			continue
		}
		circles = append(circles, circleResponse(circle, m.Level, m.Depth))
	}

	c.JSON(http.StatusOK, circles)
}

// Create creates a new circle owned by the current user
// @Summary Create a circle
// @Description Create a new circle with the current user as owner
// @Tags circles
// @Accept json
// @Produce json
// @Param request body CreateCircleRequest true "Circle details"
// @Success 201 {object} DispatchResponse
// @Failure 400 {object} map[string]string "Validation error"
// @Security BearerAuth
// @Router /circles [post]
func (h *Handler) Create(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	var req CreateCircleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	circle := &models.Circle{
		SingleID:  uuid.NewString(),
		Name:      req.Name,
		Instance:  h.instance,
		Visible:   req.Visible,
		Open:      req.Open,
		Personal:  req.Personal,
		Federated: req.Federated,
	}
	ev := &events.Event{
		Kind:   events.KindCircleCreate,
		Circle: events.CircleToRef(circle),
	}
	ev.Circle.Initiator = &events.MemberRef{
		SingleID: user.SingleID,
		Type:     string(models.TypeUser),
		Level:    models.LevelOwner.String(),
		Status:   string(models.StatusMember),
		Instance: h.instance,
		Name:     user.Name,
	}

	outcome, err := h.dispatcher.Dispatch(c.Request.Context(), ev)
	if err != nil {
		respondDispatchError(c, err)
		return
	}
	resp := dispatchResponse(outcome)
	created := circleResponse(circle, models.LevelOwner, 1)
	resp.Circle = &created
	c.JSON(http.StatusCreated, resp)
}

// Get returns one circle the current user is a member of
// @Summary Get a circle
// @Description Get a circle by its identifier
// @Tags circles
// @Produce json
// @Success 200 {object} CircleResponse
// @Failure 404 {object} map[string]string "Circle not found"
// @Security BearerAuth
// @Router /circles/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	singleID, _ := auth.GetSingleID(c)
	circleID := c.Param("id")

	level, err := h.engine.EffectiveLevel(singleID, circleID)
	if err != nil || level == models.LevelNone {
		c.JSON(http.StatusNotFound, gin.H{"error": "Circle not found"})
		return
	}
	circle, err := h.store.CircleBySingleID(circleID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Circle not found"})
		return
	}
	c.JSON(http.StatusOK, circleResponse(circle, level, 0))
}

// Destroy drops a circle everywhere. Destruction is all-or-nothing: if any
// hosting instance cannot apply it, instances that already did are rolled
// back
// @Summary Destroy a circle
// @Description Drop a circle on every instance hosting its members (owner only)
// @Tags circles
// @Produce json
// @Success 200 {object} DispatchResponse
// @Failure 403 {object} map[string]string "Owner access required"
// @Failure 404 {object} map[string]string "Circle not found"
// @Security BearerAuth
// @Router /circles/{id} [delete]
func (h *Handler) Destroy(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	circleID := c.Param("id")

	circle, err := h.store.CircleBySingleID(circleID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Circle not found"})
		return
	}
	level, err := h.engine.EffectiveLevel(user.SingleID, circleID)
	if err != nil || level != models.LevelOwner {
		c.JSON(http.StatusForbidden, gin.H{"error": "Owner access required"})
		return
	}

	ev := &events.Event{
		Kind:     events.KindCircleDestroy,
		Circle:   events.CircleToRef(circle),
		Severity: events.SeverityHigh,
	}
	ev.Circle.Initiator = &events.MemberRef{
		SingleID: user.SingleID,
		Type:     string(models.TypeUser),
		Level:    level.String(),
		Status:   string(models.StatusMember),
		Instance: h.instance,
		Name:     user.Name,
	}

	outcome, err := h.dispatcher.Dispatch(c.Request.Context(), ev)
	if err != nil {
		respondDispatchError(c, err)
		return
	}
	if outcome.Overall == events.OverallFailed {
		c.JSON(http.StatusBadGateway, dispatchResponse(outcome))
		return
	}
	c.JSON(http.StatusOK, dispatchResponse(outcome))
}

// RegisterRoutes registers circle routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("", h.List)
	rg.POST("", h.Create)
	rg.GET("/:id", h.Get)
	rg.DELETE("/:id", h.Destroy)
}

func (h *Handler) currentUser(c *gin.Context) (*models.User, bool) {
	userID, exists := auth.GetUserID(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return nil, false
	}
	var user models.User
	if err := h.db.First(&user, userID).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return nil, false
	}
	return &user, true
}

func circleResponse(circle *models.Circle, level models.Level, depth int) CircleResponse {
	resp := CircleResponse{
		SingleID:  circle.SingleID,
		Name:      circle.Name,
		Instance:  circle.Instance,
		Visible:   circle.Visible,
		Open:      circle.Open,
		Personal:  circle.Personal,
		Federated: circle.Federated,
		Depth:     depth,
	}
	if level != models.LevelNone {
		resp.Level = level.String()
	}
	return resp
}

func dispatchResponse(outcome *events.Outcome) DispatchResponse {
	return DispatchResponse{
		EventID: outcome.EventID,
		Overall: outcome.Overall,
		Results: outcome.Results,
	}
}

func respondDispatchError(c *gin.Context, err error) {
	var pre *events.LocalPreconditionError
	if errors.As(err, &pre) {
		c.JSON(http.StatusForbidden, gin.H{"error": pre.Reason})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
