// Package project implements the project registry: the isolation namespaces
// every core operation is scoped to, their API keys, quotas, and rolling
// statistics.
package project

import (
	"time"
)

// Status is the lifecycle state of a project.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusArchived  Status = "archived"
	StatusDeleted   Status = "deleted"
)

// APIKey is a stored credential. Only the SHA-256 hash and a short prefix
// survive creation; the plaintext is returned exactly once.
type APIKey struct {
	KeyID     string     `json:"key_id"`
	Hash      string     `json:"-"`
	Prefix    string     `json:"prefix"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Active    bool       `json:"active"`
}

// Expired reports whether the key's expiry, when set, has passed.
func (k APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Usable reports whether the key may authenticate a request at now.
func (k APIKey) Usable(now time.Time) bool {
	return k.Active && !k.Expired(now)
}

// Config carries per-project quotas and switches.
type Config struct {
	MaxSessions       int  `json:"max_sessions"`
	MaxProtocols      int  `json:"max_protocols"`
	MaxQueueSize      int  `json:"max_queue_size"`
	Discoverable      bool `json:"discoverable"`
	AllowCrossProject bool `json:"allow_cross_project"`
}

// Statistics are rolling counters maintained by the registry.
type Statistics struct {
	ActiveSessions int       `json:"active_sessions"`
	TotalSessions  int64     `json:"total_sessions"`
	TotalMessages  int64     `json:"total_messages"`
	TotalProtocols int64     `json:"total_protocols"`
	LastActivity   time.Time `json:"last_activity"`
}

// StatsDelta is one atomic statistics update.
type StatsDelta struct {
	ActiveSessions int
	TotalSessions  int64
	TotalMessages  int64
	TotalProtocols int64
}

// Definition is the full project record.
type Definition struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Keys        []APIKey   `json:"keys"`
	Config      Config     `json:"config"`
	Status      Status     `json:"status"`
	Stats       Statistics `json:"stats"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// clone returns a deep copy so callers never alias registry state.
func (d *Definition) clone() *Definition {
	cp := *d
	cp.Tags = append([]string(nil), d.Tags...)
	cp.Keys = append([]APIKey(nil), d.Keys...)
	return &cp
}

// Created pairs a new definition with the plaintext keys that were minted for
// it. Plaintext keys are not retrievable afterwards.
type Created struct {
	Definition *Definition       `json:"project"`
	Plaintext  map[string]string `json:"api_keys"` // key_id -> plaintext
}

// Update carries optional mutations for UpdateProject. Nil fields are left
// unchanged.
type Update struct {
	Name        *string
	Description *string
	Tags        *[]string
	Config      *Config
	Status      *Status
}
