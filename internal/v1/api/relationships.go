package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh-dev/agentmesh/internal/v1/router"
	"github.com/agentmesh-dev/agentmesh/internal/v1/types"
)

type requestRelationshipRequest struct {
	Target  string                 `json:"target"`
	Forward router.DirectionPolicy `json:"forward"`
	Reverse router.DirectionPolicy `json:"reverse"`
}

func (s *Server) requestRelationship(c *gin.Context) {
	var req requestRelationshipRequest
	if !bindJSON(c, &req) {
		return
	}
	rel, err := s.CrossRouter.Request(c.Request.Context(), projectID(c), req.Target,
		req.Forward, req.Reverse)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rel)
}

func (s *Server) listRelationships(c *gin.Context) {
	rels := s.CrossRouter.List(c.Request.Context(), projectID(c))
	c.JSON(http.StatusOK, gin.H{"relationships": rels, "count": len(rels)})
}

func (s *Server) getRelationship(c *gin.Context) {
	rel, err := s.CrossRouter.Get(c.Request.Context(), c.Param("relationshipId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rel)
}

func (s *Server) approveRelationship(c *gin.Context) {
	rel, err := s.CrossRouter.Approve(c.Request.Context(), c.Param("relationshipId"), projectID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rel)
}

func (s *Server) suspendRelationship(c *gin.Context) {
	if err := s.CrossRouter.Suspend(c.Request.Context(), c.Param("relationshipId"), projectID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) resumeRelationship(c *gin.Context) {
	if err := s.CrossRouter.Resume(c.Request.Context(), c.Param("relationshipId"), projectID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) revokeRelationship(c *gin.Context) {
	if err := s.CrossRouter.Revoke(c.Request.Context(), c.Param("relationshipId"), projectID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) sendCrossProject(c *gin.Context) {
	var msg types.Message
	if !bindJSON(c, &msg) {
		return
	}
	result, err := s.CrossRouter.Send(c.Request.Context(), c.Param("relationshipId"), projectID(c), &msg)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
