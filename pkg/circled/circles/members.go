package circles

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/circled/pkg/circled/auth"
	"github.com/mikepea/circled/pkg/circled/events"
	"github.com/mikepea/circled/pkg/circled/models"
)

// MemberResponse represents a circle member in API responses
type MemberResponse struct {
	SingleID string `json:"single_id"`
	Type     string `json:"type"`
	Level    string `json:"level"`
	Status   string `json:"status"`
	Instance string `json:"instance"`
	Name     string `json:"name"`
}

// AddMemberRequest represents a request to add a member. Type defaults to
// user; adding a Type of "circle" nests another circle inside this one.
type AddMemberRequest struct {
	SingleID string `json:"single_id" binding:"required"`
	Type     string `json:"type" binding:"omitempty,oneof=user group mail circle app"`
	Level    string `json:"level" binding:"omitempty,oneof=member moderator admin"`
	Instance string `json:"instance"`
	Name     string `json:"name"`
}

// UpdateMemberRequest represents a request to change a member's level
type UpdateMemberRequest struct {
	Level string `json:"level" binding:"required,oneof=member moderator admin owner"`
}

// ListMembers returns all direct members of a circle
// @Summary List members
// @Description Get the direct members of a circle the current user belongs to
// @Tags circles
// @Produce json
// @Success 200 {array} MemberResponse
// @Failure 404 {object} map[string]string "Circle not found"
// @Security BearerAuth
// @Router /circles/{id}/members [get]
func (h *Handler) ListMembers(c *gin.Context) {
	singleID, _ := auth.GetSingleID(c)
	circleID := c.Param("id")

	// The engine returns an empty set when the caller has no membership
	// path into the circle, so non-members cannot probe for existence.
	members, err := h.engine.GetMembersFromCircle(singleID, circleID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch members"})
		return
	}
	if len(members) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Circle not found"})
		return
	}

	out := make([]MemberResponse, len(members))
	for i, m := range members {
		out[i] = MemberResponse{
			SingleID: m.SingleID,
			Type:     string(m.Type),
			Level:    m.Level.String(),
			Status:   string(m.Status),
			Instance: m.Instance,
			Name:     m.Name,
		}
	}
	c.JSON(http.StatusOK, out)
}

// AddMember adds an entity to a circle (moderator or above)
// @Summary Add a member
// @Description Add a user, group, or nested circle to a circle
// @Tags circles
// @Accept json
// @Produce json
// @Param request body AddMemberRequest true "Member details"
// @Success 201 {object} DispatchResponse
// @Failure 403 {object} map[string]string "Moderator access required"
// @Failure 409 {object} map[string]string "Already a member"
// @Security BearerAuth
// @Router /circles/{id}/members [post]
func (h *Handler) AddMember(c *gin.Context) {
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
	if err != nil || !level.CanManageMembers() {
		c.JSON(http.StatusForbidden, gin.H{"error": "Moderator access required"})
		return
	}

	var req AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := h.store.Member(circleID, req.SingleID); err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Already a member"})
		return
	}

	memberType := req.Type
	if memberType == "" {
		memberType = string(models.TypeUser)
	}
	memberLevel := req.Level
	if memberLevel == "" {
		memberLevel = models.LevelMember.String()
	}
	memberInstance := req.Instance
	if memberInstance == "" {
		memberInstance = h.instance
	}

	ev := &events.Event{
		Kind:   events.KindMemberAdd,
		Circle: events.CircleToRef(circle),
		Member: &events.MemberRef{
			SingleID: req.SingleID,
			Type:     memberType,
			Level:    memberLevel,
			Status:   string(models.StatusMember),
			Instance: memberInstance,
			Name:     req.Name,
		},
	}
	ev.Circle.Initiator = initiatorRef(user, level, h.instance)

	outcome, err := h.dispatcher.Dispatch(c.Request.Context(), ev)
	if err != nil {
		respondDispatchError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dispatchResponse(outcome))
}

// UpdateMember changes a member's level (admin or above). Promoting to
// owner transfers ownership and is rejected while another owner exists
// @Summary Update a member's level
// @Description Change the level of a circle member
// @Tags circles
// @Accept json
// @Produce json
// @Param request body UpdateMemberRequest true "New level"
// @Success 200 {object} DispatchResponse
// @Failure 403 {object} map[string]string "Admin access required"
// @Failure 404 {object} map[string]string "Member not found"
// @Security BearerAuth
// @Router /circles/{id}/members/{memberId} [put]
func (h *Handler) UpdateMember(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	circleID := c.Param("id")
	memberID := c.Param("memberId")

	circle, err := h.store.CircleBySingleID(circleID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Circle not found"})
		return
	}
	level, err := h.engine.EffectiveLevel(user.SingleID, circleID)
	if err != nil || !level.CanManageLevels() {
		c.JSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
		return
	}

	var req UpdateMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	member, err := h.store.Member(circleID, memberID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Member not found"})
		return
	}

	ev := &events.Event{
		Kind:   events.KindMemberLevel,
		Circle: events.CircleToRef(circle),
		Member: &events.MemberRef{
			SingleID: member.SingleID,
			Type:     string(member.Type),
			Level:    req.Level,
			Status:   string(member.Status),
			Instance: member.Instance,
			Name:     member.Name,
		},
	}
	ev.Circle.Initiator = initiatorRef(user, level, h.instance)

	outcome, err := h.dispatcher.Dispatch(c.Request.Context(), ev)
	if err != nil {
		respondDispatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, dispatchResponse(outcome))
}

// RemoveMember removes a member from a circle (moderator or above, or the
// member leaving on their own). The owner must transfer ownership first
// @Summary Remove a member
// @Description Remove an entity from a circle
// @Tags circles
// @Produce json
// @Success 200 {object} DispatchResponse
// @Failure 403 {object} map[string]string "Moderator access required"
// @Failure 404 {object} map[string]string "Member not found"
// @Security BearerAuth
// @Router /circles/{id}/members/{memberId} [delete]
func (h *Handler) RemoveMember(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	circleID := c.Param("id")
	memberID := c.Param("memberId")

	circle, err := h.store.CircleBySingleID(circleID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Circle not found"})
		return
	}
	level, err := h.engine.EffectiveLevel(user.SingleID, circleID)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "Moderator access required"})
		return
	}
	leaving := memberID == user.SingleID
	if !leaving && !level.CanManageMembers() {
		c.JSON(http.StatusForbidden, gin.H{"error": "Moderator access required"})
		return
	}

	member, err := h.store.Member(circleID, memberID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Member not found"})
		return
	}

	ev := &events.Event{
		Kind:   events.KindMemberRemove,
		Circle: events.CircleToRef(circle),
		Member: events.MemberToRef(member),
	}
	ev.Circle.Initiator = initiatorRef(user, level, h.instance)

	outcome, err := h.dispatcher.Dispatch(c.Request.Context(), ev)
	if err != nil {
		respondDispatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, dispatchResponse(outcome))
}

// RegisterMemberRoutes registers member routes under circles
func (h *Handler) RegisterMemberRoutes(rg *gin.RouterGroup) {
	rg.GET("/:id/members", h.ListMembers)
	rg.POST("/:id/members", h.AddMember)
	rg.PUT("/:id/members/:memberId", h.UpdateMember)
	rg.DELETE("/:id/members/:memberId", h.RemoveMember)
}

func initiatorRef(user *models.User, level models.Level, instance string) *events.MemberRef {
	return &events.MemberRef{
		SingleID: user.SingleID,
		Type:     string(models.TypeUser),
		Level:    level.String(),
		Status:   string(models.StatusMember),
		Instance: instance,
		Name:     user.Name,
	}
}
