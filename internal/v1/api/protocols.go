package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh-dev/agentmesh/internal/v1/types"
)

type registerProtocolRequest struct {
	Name         string                     `json:"name"`
	Version      string                     `json:"version"`
	Schema       json.RawMessage            `json:"schema"`
	Capabilities []types.ProtocolCapability `json:"capabilities"`
	Metadata     types.ProtocolMetadata     `json:"metadata"`
}

func (s *Server) registerProtocol(c *gin.Context) {
	var req registerProtocolRequest
	if !bindJSON(c, &req) {
		return
	}
	def := &types.ProtocolDefinition{
		Name:         req.Name,
		Version:      req.Version,
		Schema:       req.Schema,
		Capabilities: req.Capabilities,
		Metadata:     req.Metadata,
	}
	if err := s.Protocols.Register(c.Request.Context(), projectID(c), def); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, def)
}

func (s *Server) discoverProtocols(c *gin.Context) {
	var tags []string
	if raw := c.Query("tags"); raw != "" {
		tags = strings.Split(raw, ",")
	}
	defs, err := s.Protocols.Discover(c.Request.Context(), projectID(c),
		c.Query("name"), c.Query("version"), tags)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"protocols": defs, "count": len(defs)})
}

func (s *Server) getProtocol(c *gin.Context) {
	def, err := s.Protocols.Get(c.Request.Context(), projectID(c), c.Param("name"), c.Param("version"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) deleteProtocol(c *gin.Context) {
	if err := s.Protocols.Delete(c.Request.Context(), projectID(c), c.Param("name"), c.Param("version")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type validatePayloadRequest struct {
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) validatePayload(c *gin.Context) {
	var req validatePayloadRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := s.Protocols.Validate(c.Request.Context(), projectID(c),
		req.Payload, c.Param("name"), c.Param("version"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
