// Package types holds the core domain entities shared across the server:
// sessions, messages, protocol definitions, and the pattern validators for
// the identifier formats they carry.
package types

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/agentmesh-dev/agentmesh/internal/v1/apierr"
)

// DefaultProject is the namespace used when a request carries no project
// identification and default fallback is allowed. It is system-created on
// first reference.
const DefaultProject = "default"

// ReservedProjectIDs cannot be claimed by callers. "default" is special: it
// is created by the system, never by a caller.
var ReservedProjectIDs = map[string]bool{
	"default": true,
	"system":  true,
	"admin":   true,
	"root":    true,
}

// --- Sessions ---

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive       SessionStatus = "active"
	SessionStale        SessionStatus = "stale"
	SessionDisconnected SessionStatus = "disconnected"
)

// Capabilities declares what a session can speak: protocol name to supported
// versions, plus free-form feature strings.
type Capabilities struct {
	Protocols map[string][]string `json:"protocols"`
	Features  []string            `json:"features"`
}

// SupportsProtocolVersion reports whether the capability set declares the
// given protocol at the given version.
func (c Capabilities) SupportsProtocolVersion(name, version string) bool {
	for _, v := range c.Protocols[name] {
		if v == version {
			return true
		}
	}
	return false
}

// Session is a live client connection with declared capabilities, a
// heartbeat, and a bounded message queue. It belongs to exactly one project.
type Session struct {
	ID             string            `json:"id"`
	ProjectID      string            `json:"project_id"`
	ConnectionTime time.Time         `json:"connection_time"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
	DisconnectedAt *time.Time        `json:"disconnected_at,omitempty"`
	Status         SessionStatus     `json:"status"`
	Capabilities   Capabilities      `json:"capabilities"`
	QueueSize      int               `json:"queue_size"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// --- Messages ---

// MessageHeaders carries optional delivery hints.
type MessageHeaders struct {
	Priority   string            `json:"priority,omitempty"`
	TTLSeconds float64           `json:"ttl,omitempty"`
	Custom     map[string]string `json:"custom,omitempty"`
}

// Message is a transient payload in flight between sessions. RecipientID is
// empty for broadcasts.
type Message struct {
	ID              string          `json:"id"`
	SenderID        string          `json:"sender_id"`
	RecipientID     string          `json:"recipient_id,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	ProtocolName    string          `json:"protocol_name"`
	ProtocolVersion string          `json:"protocol_version"`
	Payload         json.RawMessage `json:"payload"`
	Headers         MessageHeaders  `json:"headers,omitempty"`
}

// Expired reports whether the message's TTL, when set, has elapsed at now.
func (m *Message) Expired(now time.Time) bool {
	if m.Headers.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(m.Timestamp).Seconds() > m.Headers.TTLSeconds
}

// Validate rejects structurally unusable messages before routing.
func (m *Message) Validate() error {
	if m.SenderID == "" {
		return apierr.New(apierr.KindInvalidInput, "message sender_id is required")
	}
	if m.ProtocolName == "" || m.ProtocolVersion == "" {
		return apierr.New(apierr.KindInvalidInput, "message protocol name and version are required")
	}
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return apierr.New(apierr.KindInvalidInput, "message payload must not be empty")
	}
	return nil
}

// --- Protocols ---

// ProtocolCapability names a communication pattern a protocol supports.
type ProtocolCapability string

const (
	CapPointToPoint    ProtocolCapability = "point_to_point"
	CapBroadcast       ProtocolCapability = "broadcast"
	CapRequestResponse ProtocolCapability = "request_response"
	CapStreaming       ProtocolCapability = "streaming"
)

// KnownProtocolCapabilities is the whitelist enforced at registration.
var KnownProtocolCapabilities = map[ProtocolCapability]bool{
	CapPointToPoint:    true,
	CapBroadcast:       true,
	CapRequestResponse: true,
	CapStreaming:       true,
}

// ProtocolMetadata is optional descriptive metadata on a protocol.
type ProtocolMetadata struct {
	Author      string   `json:"author,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// ProtocolDefinition is a named, versioned JSON Schema plus the set of
// communication patterns it supports. Identity is (project, name, version).
type ProtocolDefinition struct {
	ProjectID    string               `json:"project_id"`
	Name         string               `json:"name"`
	Version      string               `json:"version"`
	Schema       json.RawMessage      `json:"schema"`
	Capabilities []ProtocolCapability `json:"capabilities"`
	Metadata     ProtocolMetadata     `json:"metadata,omitempty"`
	RegisteredAt time.Time            `json:"registered_at"`
}

// --- Identifier patterns ---

var (
	snakeCaseRe   = regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z0-9]+)*$`)
	semverRe      = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
	projectSlugRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	alnumRe       = regexp.MustCompile(`^[a-z0-9]+$`)
)

// IsSnakeCase reports whether s is a valid snake_case protocol name.
func IsSnakeCase(s string) bool { return snakeCaseRe.MatchString(s) }

// IsSemver reports whether s is a MAJOR.MINOR.PATCH version string.
func IsSemver(s string) bool { return semverRe.MatchString(s) }

// IsProjectSlug reports whether s is a valid project identifier: short
// lowercase alphanumeric plus underscore, starting with a letter.
func IsProjectSlug(s string) bool {
	return len(s) >= 2 && len(s) <= 64 && projectSlugRe.MatchString(s)
}

// IsAlphanumericSlug is the stricter rule applied when parsing a project ID
// out of an API-key prefix, where underscores are the field separator.
func IsAlphanumericSlug(s string) bool { return alnumRe.MatchString(s) }
