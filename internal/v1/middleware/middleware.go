// Package middleware contains the Gin middleware chain: correlation IDs and
// project identification.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh-dev/agentmesh/internal/v1/apierr"
	"github.com/agentmesh-dev/agentmesh/internal/v1/logging"
	"github.com/agentmesh-dev/agentmesh/internal/v1/project"
	"github.com/agentmesh-dev/agentmesh/internal/v1/types"
)

// Header and context keys.
const (
	HeaderXCorrelationID = "X-Correlation-ID"
	HeaderXProjectID     = "X-Project-ID"
	HeaderXAPIKey        = "X-API-Key"
	CookieAPIKey         = "api_key"
	QueryProjectID       = "project_id"

	// ContextProjectID and ContextProject are the gin context keys the
	// handlers read.
	ContextProjectID = "project_id"
	ContextProject   = "project"
)

// CorrelationID tags every request with an ID for log correlation, minting
// one when the client did not send one.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		// Set in header for response
		c.Header(HeaderXCorrelationID, correlationID)

		// Set in both contexts: gin for handlers, request for the logger.
		c.Set(string(logging.CorrelationIDKey), correlationID)
		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// publicPaths are exempt from project identification.
var publicPaths = map[string]bool{
	"/":             true,
	"/health":       true,
	"/health/live":  true,
	"/health/ready": true,
	"/docs":         true,
	"/openapi.json": true,
	"/metrics":      true,
}

// Options configures project identification.
type Options struct {
	// AllowDefaultFallback routes unidentified requests to the default
	// project instead of rejecting them.
	AllowDefaultFallback bool
}

// ProjectIdentification resolves which project a request acts in, in
// precedence order: explicit header, API-key prefix (header then cookie),
// query parameter, then the default project when fallback is allowed.
// The resolved project must exist and be active.
func ProjectIdentification(projects *project.Registry, opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		if publicPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		projectID, source := identify(c)
		if projectID == "" {
			if !opts.AllowDefaultFallback {
				c.AbortWithStatusJSON(401, gin.H{
					"error": "project identification required",
					"code":  apierr.KindUnauthorized.String(),
				})
				return
			}
			projectID, source = types.DefaultProject, "default"
		}

		def, err := projects.RequireActive(c.Request.Context(), projectID)
		if err != nil {
			logging.Warn(c.Request.Context(), "Project identification rejected",
				zap.String("project_id", projectID),
				zap.String("source", source),
				zap.Error(err))
			c.AbortWithStatusJSON(apierr.HTTPStatus(err), gin.H{
				"error": err.Error(),
				"code":  apierr.KindOf(err).String(),
			})
			return
		}

		c.Set(ContextProjectID, projectID)
		c.Set(ContextProject, def)
		c.Set(string(logging.ProjectIDKey), projectID)

		ctx := logging.WithProject(c.Request.Context(), projectID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// identify walks the identification sources in precedence order and reports
// which one matched.
func identify(c *gin.Context) (projectID, source string) {
	if id := c.GetHeader(HeaderXProjectID); id != "" {
		return id, "header"
	}
	if key := c.GetHeader(HeaderXAPIKey); key != "" {
		if id, err := project.ParseKeyProjectID(key); err == nil {
			return id, "api_key_header"
		}
	}
	if key, err := c.Cookie(CookieAPIKey); err == nil && key != "" {
		if id, err := project.ParseKeyProjectID(key); err == nil {
			return id, "api_key_cookie"
		}
	}
	if id := c.Query(QueryProjectID); id != "" {
		return id, "query"
	}
	return "", ""
}

// ProjectID returns the project the request was identified with. It is only
// valid after ProjectIdentification ran.
func ProjectID(c *gin.Context) string {
	return c.GetString(ContextProjectID)
}
