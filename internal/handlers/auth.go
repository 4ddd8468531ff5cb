package handlers

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"sessiongate/internal/conflict"
	"sessiongate/internal/middleware"
	"sessiongate/internal/service"
)

type loginRequest struct {
	Name            string `json:"name" binding:"required"`
	Secret          string `json:"secret" binding:"required"`
	DurationProfile string `json:"durationProfile"`
}

func (h HandlerSet) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := h.authService.Authenticate(c.Request.Context(), service.AuthRequest{
		Name:            req.Name,
		Secret:          req.Secret,
		DurationProfile: req.DurationProfile,
		Client:          middleware.ClientInfo(c),
	})
	if err != nil {
		h.sendError(c, err)
		return
	}

	h.sendOutcome(c, outcome)
}

type resolveRequest struct {
	Action string `json:"action" binding:"required"`
	Ticket string `json:"ticket" binding:"required"`
}

// ResolveConflict answers the pending "ask" conflict of the calling client. The ticket from
// the conflict response proves the caller is the client that attempted the login.
func (h HandlerSet) ResolveConflict(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := h.authService.ResolvePendingConflict(c.Request.Context(), middleware.ClientIDFrom(c), req.Ticket, conflict.Action(req.Action))
	if err != nil {
		h.sendError(c, err)
		return
	}

	h.sendOutcome(c, outcome)
}

// Logout ends every session held by the client the caller's token was issued to.
func (h HandlerSet) Logout(c *gin.Context) {
	n, err := h.authService.Logout(c.Request.Context(), middleware.ClientIDFrom(c))
	if err != nil {
		h.sendError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"terminated": n})
}

func retryAfter(seconds float64) string {
	return strconv.Itoa(int(math.Ceil(seconds)))
}
