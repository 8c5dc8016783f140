package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/wbe7/openrag/pkg/core"
	syncpkg "github.com/wbe7/openrag/pkg/sync"
)

// ErrorResponse is the error body of every API endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
}

// stashPendingConfig holds the provider config submitted at auth begin,
// keyed by oauth state, until the callback consumes it.
func (s *Server) stashPendingConfig(state string, cfg json.RawMessage) {
	if len(cfg) > 0 {
		s.pendingConfigs.Store(state, cfg)
	}
}

func (s *Server) takePendingConfig(state string) json.RawMessage {
	v, ok := s.pendingConfigs.LoadAndDelete(state)
	if !ok {
		return nil
	}
	return v.(json.RawMessage)
}

type beginAuthRequest struct {
	UserID string          `json:"user_id" binding:"required"`
	Config json.RawMessage `json:"config"`
}

// beginAuth starts the OAuth flow for a provider and returns the
// authorization URL the user must visit.
func (s *Server) beginAuth(c *gin.Context) {
	connectorType := core.ConnectorType(c.Param("id"))
	if !connectorType.IsValid() {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown connector type"})
		return
	}

	var req beginAuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	authURL, state, err := s.oauth.Begin(connectorType, req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	s.stashPendingConfig(state, req.Config)

	c.JSON(http.StatusOK, gin.H{
		"auth_url": authURL,
		"state":    state,
	})
}

// completeAuth is the OAuth redirect target. It exchanges the code and
// creates the connection.
func (s *Server) completeAuth(c *gin.Context) {
	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing state or code"})
		return
	}

	connectorType, userID, token, err := s.oauth.Complete(c.Request.Context(), state, code)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	conn, err := s.connections.Create(c.Request.Context(), userID, connectorType, s.takePendingConfig(state), token)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, conn)
}

// listConnections returns the active connection ids.
func (s *Server) listConnections(c *gin.Context) {
	conns, err := s.connections.Store().ListActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": conns})
}

type triggerSyncRequest struct {
	Mode string `json:"mode"`
}

// triggerSync kicks off a pass for one connection.
func (s *Server) triggerSync(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "malformed connection id"})
		return
	}

	var req triggerSyncRequest
	_ = c.ShouldBindJSON(&req)
	mode := syncpkg.Mode(req.Mode)
	if mode == "" {
		mode = syncpkg.ModeIncremental
	}

	result, err := s.orchestrator.SyncConnection(c.Request.Context(), id, mode)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, syncpkg.ErrPassInProgress) {
			status = http.StatusConflict
		}
		c.JSON(status, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// disconnect tears down a connection.
func (s *Server) disconnect(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "malformed connection id"})
		return
	}
	if err := s.connections.Disconnect(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
