package project

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh-dev/agentmesh/internal/v1/apierr"
	"github.com/agentmesh-dev/agentmesh/internal/v1/logging"
	"github.com/agentmesh-dev/agentmesh/internal/v1/types"
)

// Registry maintains the table of project definitions keyed by slug.
//
// Concurrency: the table supports concurrent reads; all mutations serialize
// on the write lock. Every accessor returns deep copies, never aliases into
// registry state.
type Registry struct {
	mu       sync.RWMutex
	projects map[string]*Definition

	defaults Config
	now      func() time.Time
}

// NewRegistry creates a registry. The defaults config seeds every new
// project's quotas, including the system-created default project.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		projects: make(map[string]*Definition),
		defaults: defaults,
		now:      time.Now,
	}
}

// CreateOptions carries optional fields for CreateProject.
type CreateOptions struct {
	Description string
	Tags        []string
	Config      *Config
}

// CreateProject registers a new project and mints one default API key.
// The returned Created carries the only copy of the plaintext key.
func (r *Registry) CreateProject(ctx context.Context, id, name string, opts CreateOptions) (*Created, error) {
	if !types.IsProjectSlug(id) {
		return nil, apierr.New(apierr.KindInvalidInput, "invalid project id %q: must be a short lowercase slug", id)
	}
	if types.ReservedProjectIDs[id] {
		return nil, apierr.New(apierr.KindInvalidInput, "project id %q is reserved", id)
	}
	if name == "" {
		name = id
	}

	cfg := r.defaults
	if opts.Config != nil {
		cfg = *opts.Config
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.projects[id]; exists {
		return nil, apierr.New(apierr.KindAlreadyExists, "project %q already exists", id)
	}

	now := r.now()
	plaintext, key, err := mintKey(id, now)
	if err != nil {
		return nil, err
	}

	def := &Definition{
		ID:          id,
		Name:        name,
		Description: opts.Description,
		Tags:        append([]string(nil), opts.Tags...),
		Keys:        []APIKey{key},
		Config:      cfg,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.projects[id] = def

	logging.Info(ctx, "Project created", zap.String("project_id", id), zap.String("key_id", key.KeyID))
	return &Created{
		Definition: def.clone(),
		Plaintext:  map[string]string{key.KeyID: plaintext},
	}, nil
}

// ensureDefaultLocked creates the default project on first reference.
// Caller holds the write lock.
func (r *Registry) ensureDefaultLocked() *Definition {
	if def, ok := r.projects[types.DefaultProject]; ok {
		return def
	}
	now := r.now()
	_, key, err := mintKey(types.DefaultProject, now)
	if err != nil {
		// crypto/rand failing is not a recoverable condition.
		panic(err)
	}
	def := &Definition{
		ID:        types.DefaultProject,
		Name:      "Default Project",
		Keys:      []APIKey{key},
		Config:    r.defaults,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.projects[types.DefaultProject] = def
	logging.Info(context.Background(), "Default project created on first reference")
	return def
}

// GetProject returns the project definition. Referencing the default project
// creates it when missing.
func (r *Registry) GetProject(ctx context.Context, id string) (*Definition, error) {
	r.mu.RLock()
	def, ok := r.projects[id]
	r.mu.RUnlock()
	if ok {
		return def.clone(), nil
	}

	if id == types.DefaultProject {
		r.mu.Lock()
		def := r.ensureDefaultLocked()
		r.mu.Unlock()
		return def.clone(), nil
	}
	return nil, apierr.New(apierr.KindNotFound, "project %q not found", id)
}

// ListProjects returns projects for discovery. Non-active projects are
// excluded unless includeInactive; non-discoverable projects are hidden from
// unfiltered listings. nameFilter matches a substring of the metadata name.
func (r *Registry) ListProjects(ctx context.Context, includeInactive bool, nameFilter string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Definition
	for _, def := range r.projects {
		if !includeInactive && def.Status != StatusActive {
			continue
		}
		if nameFilter == "" && !def.Config.Discoverable && def.ID != types.DefaultProject {
			continue
		}
		if nameFilter != "" && !strings.Contains(strings.ToLower(def.Name), strings.ToLower(nameFilter)) {
			continue
		}
		out = append(out, def.clone())
	}
	return out
}

// UpdateProject applies the non-nil fields of upd.
func (r *Registry) UpdateProject(ctx context.Context, id string, upd Update) (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.projects[id]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "project %q not found", id)
	}

	if upd.Name != nil {
		def.Name = *upd.Name
	}
	if upd.Description != nil {
		def.Description = *upd.Description
	}
	if upd.Tags != nil {
		def.Tags = append([]string(nil), (*upd.Tags)...)
	}
	if upd.Config != nil {
		def.Config = *upd.Config
	}
	if upd.Status != nil {
		def.Status = *upd.Status
	}
	def.UpdatedAt = r.now()
	return def.clone(), nil
}

// ArchiveProject marks the project archived; it stops accepting operations
// but keeps its records.
func (r *Registry) ArchiveProject(ctx context.Context, id string) error {
	status := StatusArchived
	_, err := r.UpdateProject(ctx, id, Update{Status: &status})
	return err
}

// RestoreProject returns an archived or suspended project to active.
func (r *Registry) RestoreProject(ctx context.Context, id string) error {
	status := StatusActive
	_, err := r.UpdateProject(ctx, id, Update{Status: &status})
	return err
}

// DeleteProject removes the project. It refuses while the project still has
// active sessions.
func (r *Registry) DeleteProject(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.projects[id]
	if !ok {
		return apierr.New(apierr.KindNotFound, "project %q not found", id)
	}
	if def.Stats.ActiveSessions > 0 {
		return apierr.New(apierr.KindForbidden, "project %q has %d active sessions", id, def.Stats.ActiveSessions)
	}
	delete(r.projects, id)
	logging.Info(ctx, "Project deleted", zap.String("project_id", id))
	return nil
}

// ValidateAPIKey checks a plaintext key against stored hashes and returns the
// owning project and key IDs when the key is active and unexpired.
func (r *Registry) ValidateAPIKey(ctx context.Context, plaintext string) (projectID, keyID string, err error) {
	pid, err := ParseKeyProjectID(plaintext)
	if err != nil {
		return "", "", err
	}

	r.mu.RLock()
	def, ok := r.projects[pid]
	r.mu.RUnlock()
	if !ok {
		return "", "", apierr.New(apierr.KindUnauthorized, "API key references unknown project")
	}

	hash := hashKey(plaintext)
	now := r.now()
	for _, key := range def.Keys {
		if key.Hash == hash {
			if !key.Usable(now) {
				return "", "", apierr.New(apierr.KindUnauthorized, "API key is inactive or expired")
			}
			return pid, key.KeyID, nil
		}
	}
	return "", "", apierr.New(apierr.KindUnauthorized, "API key does not match")
}

// RotateAPIKeys mints a replacement for the named key, or for every active
// key when keyID is empty. Old keys expire after the grace period; a zero
// grace period deactivates them immediately.
func (r *Registry) RotateAPIKeys(ctx context.Context, id, keyID string, gracePeriod time.Duration) (*Created, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.projects[id]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "project %q not found", id)
	}

	now := r.now()
	plaintexts := make(map[string]string)
	rotated := 0

	for i := range def.Keys {
		old := &def.Keys[i]
		if !old.Active {
			continue
		}
		if keyID != "" && old.KeyID != keyID {
			continue
		}
		rotated++

		if gracePeriod <= 0 {
			old.Active = false
		} else {
			exp := now.Add(gracePeriod)
			old.ExpiresAt = &exp
		}

		plaintext, fresh, err := mintKey(id, now)
		if err != nil {
			return nil, err
		}
		def.Keys = append(def.Keys, fresh)
		plaintexts[fresh.KeyID] = plaintext
	}

	if rotated == 0 {
		return nil, apierr.New(apierr.KindNotFound, "no active key %q in project %q", keyID, id)
	}

	def.UpdatedAt = now
	logging.Info(ctx, "API keys rotated",
		zap.String("project_id", id),
		zap.Int("rotated", rotated),
		zap.Duration("grace_period", gracePeriod))
	return &Created{Definition: def.clone(), Plaintext: plaintexts}, nil
}

// UpdateStatistics applies a delta atomically and stamps last activity.
func (r *Registry) UpdateStatistics(ctx context.Context, id string, delta StatsDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.projects[id]
	if !ok {
		if id != types.DefaultProject {
			return apierr.New(apierr.KindNotFound, "project %q not found", id)
		}
		def = r.ensureDefaultLocked()
	}

	def.Stats.ActiveSessions += delta.ActiveSessions
	if def.Stats.ActiveSessions < 0 {
		def.Stats.ActiveSessions = 0
	}
	def.Stats.TotalSessions += delta.TotalSessions
	def.Stats.TotalMessages += delta.TotalMessages
	def.Stats.TotalProtocols += delta.TotalProtocols
	def.Stats.LastActivity = r.now()
	return nil
}

// RequireActive returns the project and fails unless it exists and is active.
func (r *Registry) RequireActive(ctx context.Context, id string) (*Definition, error) {
	def, err := r.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.Status != StatusActive {
		return nil, apierr.New(apierr.KindForbidden, "project %q is %s", id, def.Status)
	}
	return def, nil
}

// QueueCapacity returns the per-session queue capacity configured for the
// project, falling back to the registry default for unknown projects.
func (r *Registry) QueueCapacity(ctx context.Context, id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.projects[id]; ok && def.Config.MaxQueueSize > 0 {
		return def.Config.MaxQueueSize
	}
	return r.defaults.MaxQueueSize
}

// SessionLimit returns the project's concurrent session quota. Zero means
// unlimited.
func (r *Registry) SessionLimit(ctx context.Context, id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.projects[id]; ok {
		return def.Config.MaxSessions
	}
	return r.defaults.MaxSessions
}

// ProtocolLimit returns the project's protocol registration quota. Zero means
// unlimited.
func (r *Registry) ProtocolLimit(ctx context.Context, id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.projects[id]; ok {
		return def.Config.MaxProtocols
	}
	return r.defaults.MaxProtocols
}
