package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh-dev/agentmesh/internal/v1/apierr"
	"github.com/agentmesh-dev/agentmesh/internal/v1/types"
)

func (s *Server) sendMessage(c *gin.Context) {
	var msg types.Message
	if !bindJSON(c, &msg) {
		return
	}
	result, err := s.Router.Send(c.Request.Context(), projectID(c), &msg)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type broadcastRequest struct {
	Message          types.Message `json:"message"`
	RequiredFeatures []string      `json:"required_features"`
}

func (s *Server) broadcastMessage(c *gin.Context) {
	var req broadcastRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := s.Router.Broadcast(c.Request.Context(), projectID(c),
		&req.Message, req.RequiredFeatures)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) listDeadLetters(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(c, apierr.New(apierr.KindInvalidInput, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	entries := s.Router.DLQ().List(projectID(c), limit)
	c.JSON(http.StatusOK, gin.H{"dead_letters": entries, "count": len(entries)})
}

func (s *Server) clearDeadLetters(c *gin.Context) {
	removed := s.Router.DLQ().Clear(projectID(c))
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
