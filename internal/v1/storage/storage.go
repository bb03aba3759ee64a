// Package storage defines the project-namespaced persistence boundary of the
// server and provides two implementations: an in-memory backend for tests and
// single-node deployments, and a Redis backend for everything else.
//
// Namespace convention: logical keys are {project_id}:{resource_type}:{resource_id}.
// A read under one project must never observe keys written under another; the
// project ID is the first key segment and every operation takes it explicitly.
//
// All operations are logically atomic with respect to other operations on the
// same key.
package storage

import (
	"context"

	"github.com/agentmesh-dev/agentmesh/internal/v1/types"
)

// ProtocolFilter narrows ListProtocols. Zero values match everything.
type ProtocolFilter struct {
	Name    string
	Version string
}

// Backend is the polymorphic store the core delegates durable state to.
//
// Contract:
//   - SaveProtocol fails with an AlreadyExists kind on a duplicate
//     (project, name, version).
//   - Get* fail with a NotFound kind when the key is absent.
//   - EnqueueMessage fails with a QueueFull kind when the queue would exceed
//     capacity, and returns the new queue size on success.
//   - DequeueMessages returns up to limit messages oldest-first and removes
//     them atomically; a non-positive limit drains the whole queue. Messages
//     whose TTL has elapsed are dropped, never returned.
type Backend interface {
	// Protocols
	GetProtocol(ctx context.Context, projectID, name, version string) (*types.ProtocolDefinition, error)
	SaveProtocol(ctx context.Context, projectID string, def *types.ProtocolDefinition) error
	ListProtocols(ctx context.Context, projectID string, filter ProtocolFilter) ([]*types.ProtocolDefinition, error)
	DeleteProtocol(ctx context.Context, projectID, name, version string) error

	// Sessions
	GetSession(ctx context.Context, projectID, sessionID string) (*types.Session, error)
	SaveSession(ctx context.Context, projectID string, sess *types.Session) error
	ListSessions(ctx context.Context, projectID string, status types.SessionStatus) ([]*types.Session, error)
	DeleteSession(ctx context.Context, projectID, sessionID string) error

	// Per-session message queues
	EnqueueMessage(ctx context.Context, projectID, sessionID string, msg *types.Message, capacity int) (int, error)
	DequeueMessages(ctx context.Context, projectID, sessionID string, limit int) ([]*types.Message, error)
	QueueSize(ctx context.Context, projectID, sessionID string) (int, error)
	ClearQueue(ctx context.Context, projectID, sessionID string) error

	// Ping verifies backend connectivity, used by readiness checks.
	Ping(ctx context.Context) error
	Close() error
}

func protocolKey(name, version string) string { return name + "@" + version }
