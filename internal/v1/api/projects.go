package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh-dev/agentmesh/internal/v1/project"
)

type createProjectRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Tags        []string        `json:"tags"`
	Config      *project.Config `json:"config"`
}

func (s *Server) createProject(c *gin.Context) {
	var req createProjectRequest
	if !bindJSON(c, &req) {
		return
	}
	created, err := s.Projects.CreateProject(c.Request.Context(), req.ID, req.Name, project.CreateOptions{
		Description: req.Description,
		Tags:        req.Tags,
		Config:      req.Config,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) listProjects(c *gin.Context) {
	includeInactive := c.Query("include_inactive") == "true"
	defs := s.Projects.ListProjects(c.Request.Context(), includeInactive, c.Query("name"))
	c.JSON(http.StatusOK, gin.H{"projects": defs, "count": len(defs)})
}

func (s *Server) getProject(c *gin.Context) {
	def, err := s.Projects.GetProject(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

type updateProjectRequest struct {
	Name        *string         `json:"name"`
	Description *string         `json:"description"`
	Tags        *[]string       `json:"tags"`
	Config      *project.Config `json:"config"`
}

func (s *Server) updateProject(c *gin.Context) {
	var req updateProjectRequest
	if !bindJSON(c, &req) {
		return
	}
	def, err := s.Projects.UpdateProject(c.Request.Context(), c.Param("projectId"), project.Update{
		Name:        req.Name,
		Description: req.Description,
		Tags:        req.Tags,
		Config:      req.Config,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) archiveProject(c *gin.Context) {
	if err := s.Projects.ArchiveProject(c.Request.Context(), c.Param("projectId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) restoreProject(c *gin.Context) {
	if err := s.Projects.RestoreProject(c.Request.Context(), c.Param("projectId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteProject(c *gin.Context) {
	if err := s.Projects.DeleteProject(c.Request.Context(), c.Param("projectId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type rotateKeysRequest struct {
	KeyID              string `json:"key_id"`
	GracePeriodSeconds int    `json:"grace_period_seconds"`
}

func (s *Server) rotateProjectKeys(c *gin.Context) {
	var req rotateKeysRequest
	if !bindJSON(c, &req) {
		return
	}
	created, err := s.Projects.RotateAPIKeys(c.Request.Context(), c.Param("projectId"),
		req.KeyID, time.Duration(req.GracePeriodSeconds)*time.Second)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, created)
}
