package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sessiongate/internal/conflict"
)

func (h HandlerSet) AdminListSessions(c *gin.Context) {
	views, err := h.authService.AllSessions(c.Request.Context())
	if err != nil {
		h.sendError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (h HandlerSet) AdminSessionStats(c *gin.Context) {
	ctx := c.Request.Context()

	sessionStats, err := h.authService.SessionStats(ctx)
	if err != nil {
		h.sendError(c, err)
		return
	}
	conflictStats, err := h.authService.ConflictStats(ctx)
	if err != nil {
		h.sendError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions":  sessionStats,
		"conflicts": conflictStats,
		"policy":    h.authService.ConflictPolicy(ctx),
	})
}

func (h HandlerSet) AdminTerminateIdentity(c *gin.Context) {
	name := c.Param("name")
	n, err := h.authService.TerminateAllFor(c.Request.Context(), name)
	if err != nil {
		h.sendError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"identity": name, "terminated": n})
}

func (h HandlerSet) AdminLockoutStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.authService.Lockout(c.Request.Context(), c.Param("name")))
}

func (h HandlerSet) AdminUnlock(c *gin.Context) {
	name := c.Param("name")
	if err := h.authService.Unlock(c.Request.Context(), name); err != nil {
		h.sendError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.authService.Lockout(c.Request.Context(), name))
}

func (h HandlerSet) AdminGetPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"policy": h.authService.ConflictPolicy(c.Request.Context())})
}

type policyRequest struct {
	Policy string `json:"policy" binding:"required"`
}

func (h HandlerSet) AdminSetPolicy(c *gin.Context) {
	var req policyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := conflict.ParsePolicy(req.Policy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy"})
		return
	}

	policy, err := h.authService.SetConflictPolicy(c.Request.Context(), req.Policy)
	if err != nil {
		h.sendError(c, err)
		return
	}

	h.log.Info().Str("policy", string(policy)).Msg("conflict policy changed")
	c.JSON(http.StatusOK, gin.H{"policy": policy})
}

func (h HandlerSet) AdminSharedStats(c *gin.Context) {
	stats, err := h.authService.SharedStats(c.Request.Context())
	if err != nil {
		h.sendError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"accounts": stats})
}
