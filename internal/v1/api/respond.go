package api

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh-dev/agentmesh/internal/v1/apierr"
	"github.com/agentmesh-dev/agentmesh/internal/v1/logging"
	"github.com/agentmesh-dev/agentmesh/internal/v1/middleware"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Kind    string              `json:"kind"`
	Message string              `json:"message"`
	Fields  []apierr.FieldError `json:"fields,omitempty"`
}

// respondError maps a core error onto its HTTP status and envelope.
func respondError(c *gin.Context, err error) {
	status := apierr.HTTPStatus(err)
	body := errorBody{Kind: apierr.KindOf(err).String(), Message: err.Error()}

	var tagged *apierr.Error
	if errors.As(err, &tagged) {
		body.Message = tagged.Message
		body.Fields = tagged.Fields
	}
	if status >= 500 {
		logging.Error(c.Request.Context(), "Request failed",
			zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": body})
}

// bindJSON decodes the request body, answering invalid_input on failure.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, apierr.Wrap(apierr.KindInvalidInput, err, "malformed request body"))
		return false
	}
	return true
}

// projectID is the namespace resolved by the identification middleware.
func projectID(c *gin.Context) string {
	return middleware.ProjectID(c)
}
