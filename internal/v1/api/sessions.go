package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh-dev/agentmesh/internal/v1/apierr"
	"github.com/agentmesh-dev/agentmesh/internal/v1/capability"
	"github.com/agentmesh-dev/agentmesh/internal/v1/types"
)

type createSessionRequest struct {
	SessionID    string             `json:"session_id"`
	Capabilities types.Capabilities `json:"capabilities"`
	Metadata     map[string]string  `json:"metadata"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if !bindJSON(c, &req) {
		return
	}
	sess, err := s.Sessions.Create(c.Request.Context(), projectID(c), req.SessionID,
		req.Capabilities, req.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.Sessions.List(c.Request.Context(), projectID(c),
		types.SessionStatus(c.Query("status")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.Sessions.Get(c.Request.Context(), projectID(c), c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) heartbeatSession(c *gin.Context) {
	sess, err := s.Sessions.Heartbeat(c.Request.Context(), projectID(c), c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) disconnectSession(c *gin.Context) {
	if err := s.Sessions.Disconnect(c.Request.Context(), projectID(c), c.Param("sessionId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) dequeueMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(c, apierr.New(apierr.KindInvalidInput, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	msgs, err := s.Sessions.Dequeue(c.Request.Context(), projectID(c), c.Param("sessionId"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

type negotiateRequest struct {
	SessionA          string   `json:"session_a"`
	SessionB          string   `json:"session_b"`
	RequiredProtocols []string `json:"required_protocols"`
}

func (s *Server) negotiateCapabilities(c *gin.Context) {
	var req negotiateRequest
	if !bindJSON(c, &req) {
		return
	}
	pid := projectID(c)
	a, err := s.Sessions.Get(c.Request.Context(), pid, req.SessionA)
	if err != nil {
		respondError(c, err)
		return
	}
	b, err := s.Sessions.Get(c.Request.Context(), pid, req.SessionB)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, capability.Negotiate(a.Capabilities, b.Capabilities, req.RequiredProtocols))
}

func (s *Server) capabilityMatrix(c *gin.Context) {
	var required []string
	if raw := c.Query("required"); raw != "" {
		required = strings.Split(raw, ",")
	}
	sessions, err := s.Sessions.List(c.Request.Context(), projectID(c), types.SessionActive)
	if err != nil {
		respondError(c, err)
		return
	}
	entries := capability.Matrix(sessions, required)
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
