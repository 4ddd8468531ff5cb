package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"sessiongate/internal/middleware"
	"sessiongate/internal/models"
	"sessiongate/internal/registry"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

func (h HandlerSet) ListSessions(c *gin.Context) {
	views, err := h.authService.ListSessions(c.Request.Context(), middleware.ClientIDFrom(c))
	if err != nil {
		h.sendError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (h HandlerSet) CurrentSession(c *gin.Context) {
	session, ok, err := h.authService.CurrentSession(c.Request.Context(), middleware.ClientIDFrom(c))
	if err != nil {
		h.sendError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_current_session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": session})
}

// SwitchSession makes another session held by this client current. An unknown or expired id
// leaves the current pointer alone.
func (h HandlerSet) SwitchSession(c *gin.Context) {
	session, ok, err := h.authService.SwitchSession(c.Request.Context(), middleware.ClientIDFrom(c), c.Param("id"))
	if err != nil {
		h.sendError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": session})
}

// TerminateSession ends one session. Callers may end their own identity's sessions or ones
// held by their client; administrators may end any.
func (h HandlerSet) TerminateSession(c *gin.Context) {
	caller, _ := middleware.CurrentSession(c)
	id := c.Param("id")

	target, ok, err := h.authService.Session(c.Request.Context(), id)
	if err != nil {
		h.sendError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return
	}
	if !canTerminate(caller, target, middleware.ClientIDFrom(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	if err := h.authService.TerminateSession(c.Request.Context(), id); err != nil {
		h.sendError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// TerminateOwnSessions logs the caller's identity out everywhere.
func (h HandlerSet) TerminateOwnSessions(c *gin.Context) {
	caller, _ := middleware.CurrentSession(c)

	n, err := h.authService.TerminateAllFor(c.Request.Context(), caller.Identity)
	if err != nil {
		h.sendError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"terminated": n})
}

func isAdmin(s models.Session) bool {
	return s.Role == models.RoleAdministrator || s.HasCapability(models.CapabilityUserManagement)
}

func canTerminate(caller, target models.Session, clientID string) bool {
	switch {
	case isAdmin(caller):
		return true
	case target.Client.ID != "" && target.Client.ID == clientID:
		return true
	default:
		return !caller.Shared && caller.Identity == target.Identity
	}
}

// SessionEvents streams "sessions changed" notifications over a websocket so clients can
// refresh their switcher without polling.
func (h HandlerSet) SessionEvents(c *gin.Context) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	viewer, _ := middleware.CurrentSession(c)
	events, cancel := h.events.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-h.streams.done:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			ev, visible := visibleTo(viewer, ev)
			if !visible {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// visibleTo decides what a websocket subscriber may learn from ev. Administrators see every
// event. Others see events about their own client, and events about their own identity with
// the client id removed; shared-account holders only the former. Events naming nobody, like
// sweep counts, go to everyone.
func visibleTo(viewer models.Session, ev registry.Event) (registry.Event, bool) {
	switch {
	case isAdmin(viewer):
		return ev, true
	case ev.Identity == "" && ev.ClientID == "":
		return ev, true
	case ev.ClientID != "" && ev.ClientID == viewer.Client.ID:
		return ev, true
	case !viewer.Shared && ev.Identity == viewer.Identity:
		ev.ClientID = ""
		return ev, true
	default:
		return registry.Event{}, false
	}
}

func (h HandlerSet) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg == nil || len(h.cfg.AllowCORSOrigins) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowCORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
