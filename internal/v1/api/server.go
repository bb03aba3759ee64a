// Package api is the HTTP adapter: a gin router over the project, protocol,
// session, routing, and discussion components, plus the WebSocket upgrade
// endpoints for the real-time hubs.
package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/agentmesh-dev/agentmesh/internal/v1/health"
	"github.com/agentmesh-dev/agentmesh/internal/v1/hub"
	"github.com/agentmesh-dev/agentmesh/internal/v1/middleware"
	"github.com/agentmesh-dev/agentmesh/internal/v1/project"
	"github.com/agentmesh-dev/agentmesh/internal/v1/protocol"
	"github.com/agentmesh-dev/agentmesh/internal/v1/ratelimit"
	"github.com/agentmesh-dev/agentmesh/internal/v1/router"
	"github.com/agentmesh-dev/agentmesh/internal/v1/session"
)

// ServiceName identifies the server in health and tracing output.
const ServiceName = "agentmesh"

// Server aggregates the components the HTTP surface exposes.
type Server struct {
	Projects    *project.Registry
	Protocols   *protocol.Registry
	Sessions    *session.Manager
	Router      *router.Router
	CrossRouter *router.CrossProjectRouter
	Discussions *DiscussionService

	MeetingHub *hub.Hub
	ChatHub    *hub.Hub
	StatusHub  *hub.Hub

	Health  *health.Handler
	Limiter *ratelimit.RateLimiter

	// AllowDefaultFallback admits unidentified requests into the default
	// project namespace.
	AllowDefaultFallback bool
	// TracingEnabled adds the otelgin middleware.
	TracingEnabled bool
	AllowedOrigins []string
}

// Routes builds the gin engine with the full middleware chain and route set.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CorrelationID())
	if s.TracingEnabled {
		r.Use(otelgin.Middleware(ServiceName))
	}
	if len(s.AllowedOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = s.AllowedOrigins
		corsConfig.AllowHeaders = append(corsConfig.AllowHeaders,
			middleware.HeaderXProjectID, middleware.HeaderXAPIKey, middleware.HeaderXCorrelationID)
		r.Use(cors.New(corsConfig))
	}
	r.Use(middleware.ProjectIdentification(s.Projects, middleware.Options{
		AllowDefaultFallback: s.AllowDefaultFallback,
	}))
	// After identification so identified requests are budgeted per project,
	// not per client IP.
	if s.Limiter != nil {
		r.Use(s.Limiter.Middleware())
	}

	r.GET("/", s.root)
	r.GET("/health/live", s.Health.Liveness)
	r.GET("/health/ready", s.Health.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ws := r.Group("/ws")
	{
		ws.GET("/meetings/:roomId", s.MeetingHub.ServeWs)
		ws.GET("/chat/:roomId", s.ChatHub.ServeWs)
		ws.GET("/status", s.StatusHub.ServeWs)
	}

	v1 := r.Group("/api/v1")
	{
		v1.POST("/projects", s.createProject)
		v1.GET("/projects", s.listProjects)
		v1.GET("/projects/:projectId", s.getProject)
		v1.PATCH("/projects/:projectId", s.updateProject)
		v1.DELETE("/projects/:projectId", s.deleteProject)
		v1.POST("/projects/:projectId/archive", s.archiveProject)
		v1.POST("/projects/:projectId/restore", s.restoreProject)
		v1.POST("/projects/:projectId/keys/rotate", s.rotateProjectKeys)

		v1.POST("/protocols", s.registerProtocol)
		v1.GET("/protocols", s.discoverProtocols)
		v1.GET("/protocols/:name/:version", s.getProtocol)
		v1.DELETE("/protocols/:name/:version", s.deleteProtocol)
		v1.POST("/protocols/:name/:version/validate", s.validatePayload)

		v1.POST("/sessions", s.createSession)
		v1.GET("/sessions", s.listSessions)
		v1.GET("/sessions/:sessionId", s.getSession)
		v1.POST("/sessions/:sessionId/heartbeat", s.heartbeatSession)
		v1.DELETE("/sessions/:sessionId", s.disconnectSession)
		v1.GET("/sessions/:sessionId/messages", s.dequeueMessages)

		v1.POST("/capabilities/negotiate", s.negotiateCapabilities)
		v1.GET("/capabilities/matrix", s.capabilityMatrix)

		v1.POST("/messages/send", s.sendMessage)
		v1.POST("/messages/broadcast", s.broadcastMessage)
		v1.GET("/dlq", s.listDeadLetters)
		v1.DELETE("/dlq", s.clearDeadLetters)

		v1.POST("/relationships", s.requestRelationship)
		v1.GET("/relationships", s.listRelationships)
		v1.GET("/relationships/:relationshipId", s.getRelationship)
		v1.POST("/relationships/:relationshipId/approve", s.approveRelationship)
		v1.POST("/relationships/:relationshipId/suspend", s.suspendRelationship)
		v1.POST("/relationships/:relationshipId/resume", s.resumeRelationship)
		v1.POST("/relationships/:relationshipId/revoke", s.revokeRelationship)
		v1.POST("/relationships/:relationshipId/send", s.sendCrossProject)

		v1.POST("/discussions", s.createDiscussion)
		v1.GET("/discussions/:discussionId", s.getDiscussion)
		v1.POST("/discussions/:discussionId/opinions", s.collectOpinions)
		v1.POST("/discussions/:discussionId/consensus", s.buildConsensus)
		v1.POST("/discussions/:discussionId/decision", s.recordDecision)
		v1.POST("/discussions/:discussionId/complete", s.completeDiscussion)
	}

	return r
}

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": ServiceName,
		"version": "v1",
	})
}
