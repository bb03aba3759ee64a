// Package auth establishes who a request or WebSocket connection is acting
// as: a JWT subject, an API-key holder, or a read-only guest.
package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentmesh-dev/agentmesh/internal/v1/apierr"
	"github.com/agentmesh-dev/agentmesh/internal/v1/project"
	"github.com/agentmesh-dev/agentmesh/internal/v1/types"
)

// Claims are the JWT claims the server issues and accepts.
type Claims struct {
	Scope     string `json:"scope,omitempty"`
	Name      string `json:"name,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	jwt.RegisteredClaims
}

// Principal is an authenticated identity attached to a request.
type Principal struct {
	Subject   string
	Name      string
	Scope     string
	ProjectID string
	KeyID     string // set when authenticated by API key
	Guest     bool
}

// TokenValidator checks a bearer token and returns its claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (*Claims, error)
}

// Authenticator resolves tokens and API keys into principals.
type Authenticator struct {
	tokens   TokenValidator
	projects *project.Registry
}

// NewAuthenticator builds an authenticator. tokens may be nil when JWT auth
// is disabled; API keys still work.
func NewAuthenticator(tokens TokenValidator, projects *project.Registry) *Authenticator {
	return &Authenticator{tokens: tokens, projects: projects}
}

// FromToken authenticates a JWT bearer token.
func (a *Authenticator) FromToken(tokenString string) (*Principal, error) {
	if a.tokens == nil {
		return nil, apierr.New(apierr.KindUnauthorized, "token authentication is not configured")
	}
	claims, err := a.tokens.ValidateToken(tokenString)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUnauthorized, err, "invalid token")
	}
	projectID := claims.ProjectID
	if projectID == "" {
		projectID = types.DefaultProject
	}
	return &Principal{
		Subject:   claims.Subject,
		Name:      claims.Name,
		Scope:     claims.Scope,
		ProjectID: projectID,
	}, nil
}

// FromAPIKey authenticates a plaintext API key against the project registry.
func (a *Authenticator) FromAPIKey(ctx context.Context, plaintext string) (*Principal, error) {
	projectID, keyID, err := a.projects.ValidateAPIKey(ctx, plaintext)
	if err != nil {
		if apierr.IsKind(err, apierr.KindInvalidInput) {
			return nil, apierr.Wrap(apierr.KindUnauthorized, err, "malformed API key")
		}
		return nil, err
	}
	return &Principal{
		Subject:   "key:" + keyID,
		ProjectID: projectID,
		KeyID:     keyID,
	}, nil
}

// Guest returns the anonymous read-only principal used by the status hub.
func (a *Authenticator) Guest() *Principal {
	return &Principal{Subject: "guest", Guest: true}
}

// HS256Validator validates and issues tokens signed with a shared secret.
type HS256Validator struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration

	now func() time.Time
}

// NewHS256Validator creates a symmetric-key validator. ttl bounds tokens
// issued by IssueToken, not tokens being validated.
func NewHS256Validator(secret, issuer, audience string, ttl time.Duration) *HS256Validator {
	return &HS256Validator{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		now:      time.Now,
	}
}

// IssueToken signs a token for the subject, scoped to a project.
func (v *HS256Validator) IssueToken(subject, projectID, scope string) (string, error) {
	now := v.now()
	claims := &Claims{
		Scope:     scope,
		ProjectID: projectID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			Audience:  jwt.ClaimStrings{v.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternal, err, "failed to sign token")
	}
	return signed, nil
}

// ValidateToken parses and verifies a token string.
func (v *HS256Validator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (interface{}, error) {
			return v.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUnauthorized, err, "failed to parse token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apierr.New(apierr.KindUnauthorized, "token is invalid")
	}
	return claims, nil
}
