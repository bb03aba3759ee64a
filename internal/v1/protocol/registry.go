// Package protocol implements the protocol registry: named, versioned JSON
// Schemas with capability sets, validated at registration and used to check
// message payloads before routing.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/agentmesh-dev/agentmesh/internal/v1/apierr"
	"github.com/agentmesh-dev/agentmesh/internal/v1/logging"
	"github.com/agentmesh-dev/agentmesh/internal/v1/storage"
	"github.com/agentmesh-dev/agentmesh/internal/v1/types"
)

// ValidationResult reports the outcome of checking a payload against a
// protocol's schema. Errors carry structured locations, never free prose
// alone.
type ValidationResult struct {
	Valid  bool                `json:"valid"`
	Errors []apierr.FieldError `json:"errors,omitempty"`
}

// QuotaSource reports the per-project protocol registration limit. A nil
// source or a zero limit disables enforcement.
type QuotaSource interface {
	ProtocolLimit(ctx context.Context, projectID string) int
}

// Registry wraps the storage backend with schema compilation and the
// registration-time checks: meta-validation, name/version format, and the
// capability whitelist.
type Registry struct {
	store storage.Backend
	quota QuotaSource

	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema // project/name@version -> compiled schema
}

// NewRegistry creates a protocol registry over the given backend. quota may
// be nil.
func NewRegistry(store storage.Backend, quota QuotaSource) *Registry {
	return &Registry{
		store:    store,
		quota:    quota,
		compiled: make(map[string]*jsonschema.Schema),
	}
}

func cacheKey(projectID, name, version string) string {
	return projectID + "/" + name + "@" + version
}

// compile validates the schema document against the Draft-07 meta-schema and
// returns the compiled form.
func compile(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	url := "mem://" + name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(schema))); err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidInput, err, "schema is not a valid JSON document")
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidInput, err, "schema failed Draft-07 meta-validation")
	}
	return compiled, nil
}

// Register performs the four registration checks in order and persists the
// definition: meta-validation, name/version format, capability whitelist,
// duplicate identity (delegated to the backend).
func (r *Registry) Register(ctx context.Context, projectID string, def *types.ProtocolDefinition) error {
	if !types.IsSnakeCase(def.Name) {
		return apierr.New(apierr.KindInvalidInput, "protocol name %q must be snake_case", def.Name)
	}
	if !types.IsSemver(def.Version) {
		return apierr.New(apierr.KindInvalidInput, "protocol version %q must be MAJOR.MINOR.PATCH", def.Version)
	}
	if len(def.Capabilities) == 0 {
		return apierr.New(apierr.KindInvalidInput, "protocol must declare at least one capability")
	}
	for _, c := range def.Capabilities {
		if !types.KnownProtocolCapabilities[c] {
			return apierr.New(apierr.KindInvalidInput, "unknown protocol capability %q", c)
		}
	}

	compiled, err := compile(def.Name, def.Schema)
	if err != nil {
		return err
	}

	if r.quota != nil {
		if limit := r.quota.ProtocolLimit(ctx, projectID); limit > 0 {
			existing, err := r.store.ListProtocols(ctx, projectID, storage.ProtocolFilter{})
			if err != nil {
				return err
			}
			if len(existing) >= limit {
				return apierr.New(apierr.KindForbidden,
					"project %q has reached its protocol quota of %d", projectID, limit)
			}
		}
	}

	def.ProjectID = projectID
	if def.RegisteredAt.IsZero() {
		def.RegisteredAt = time.Now().UTC()
	}
	if err := r.store.SaveProtocol(ctx, projectID, def); err != nil {
		return err
	}

	r.mu.Lock()
	r.compiled[cacheKey(projectID, def.Name, def.Version)] = compiled
	r.mu.Unlock()

	logging.Info(ctx, "Protocol registered",
		zap.String("project_id", projectID),
		zap.String("protocol", def.Name),
		zap.String("version", def.Version))
	return nil
}

// Get returns one protocol definition.
func (r *Registry) Get(ctx context.Context, projectID, name, version string) (*types.ProtocolDefinition, error) {
	return r.store.GetProtocol(ctx, projectID, name, version)
}

// Discover lists protocols matching the filters. Tags match when the
// definition carries every requested tag.
func (r *Registry) Discover(ctx context.Context, projectID, name, version string, tags []string) ([]*types.ProtocolDefinition, error) {
	defs, err := r.store.ListProtocols(ctx, projectID, storage.ProtocolFilter{Name: name, Version: version})
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return defs, nil
	}

	var out []*types.ProtocolDefinition
	for _, def := range defs {
		if hasAllTags(def.Metadata.Tags, tags) {
			out = append(out, def)
		}
	}
	return out, nil
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

// Validate checks a payload against the named protocol's schema.
// A schema violation is reported in the result, not as an error; errors are
// reserved for missing protocols and backend failures.
func (r *Registry) Validate(ctx context.Context, projectID string, payload json.RawMessage, name, version string) (*ValidationResult, error) {
	schema, err := r.schemaFor(ctx, projectID, name, version)
	if err != nil {
		return nil, err
	}

	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []apierr.FieldError{{
				Path:       "/",
				Constraint: "json",
				Expected:   "valid JSON document",
				Actual:     err.Error(),
			}},
		}, nil
	}

	if err := schema.Validate(value); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			return &ValidationResult{Valid: false, Errors: flatten(ve)}, nil
		}
		return nil, apierr.Wrap(apierr.KindInternal, err, "schema validation failed")
	}
	return &ValidationResult{Valid: true}, nil
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// flatten walks the cause tree and reports the leaves, which carry the
// specific constraint violations.
func flatten(ve *jsonschema.ValidationError) []apierr.FieldError {
	if len(ve.Causes) == 0 {
		return []apierr.FieldError{{
			Path:       "/" + ve.InstanceLocation,
			Constraint: lastKeyword(ve.KeywordLocation),
			Expected:   ve.Message,
		}}
	}
	var out []apierr.FieldError
	for _, cause := range ve.Causes {
		out = append(out, flatten(cause)...)
	}
	return out
}

func lastKeyword(loc string) string {
	parts := strings.Split(loc, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" && !strings.HasPrefix(parts[i], "$") {
			return parts[i]
		}
	}
	return loc
}

// schemaFor returns the compiled schema, compiling and caching on miss.
func (r *Registry) schemaFor(ctx context.Context, projectID, name, version string) (*jsonschema.Schema, error) {
	key := cacheKey(projectID, name, version)

	r.mu.RLock()
	schema, ok := r.compiled[key]
	r.mu.RUnlock()
	if ok {
		return schema, nil
	}

	def, err := r.store.GetProtocol(ctx, projectID, name, version)
	if err != nil {
		return nil, err
	}
	schema, err = compile(def.Name, def.Schema)
	if err != nil {
		// A stored schema that no longer compiles is an invariant violation.
		return nil, apierr.Wrap(apierr.KindInternal, err, "stored schema for %s@%s failed to compile", name, version)
	}

	r.mu.Lock()
	r.compiled[key] = schema
	r.mu.Unlock()
	return schema, nil
}

// CheckActiveReferences returns the IDs of sessions that declare the given
// protocol version in their capabilities.
func (r *Registry) CheckActiveReferences(ctx context.Context, projectID, name, version string) ([]string, error) {
	sessions, err := r.store.ListSessions(ctx, projectID, "")
	if err != nil {
		return nil, err
	}
	var refs []string
	for _, sess := range sessions {
		if sess.Status == types.SessionDisconnected {
			continue
		}
		if sess.Capabilities.SupportsProtocolVersion(name, version) {
			refs = append(refs, sess.ID)
		}
	}
	return refs, nil
}

// Delete removes a protocol. It refuses while any live session still
// declares the protocol version.
func (r *Registry) Delete(ctx context.Context, projectID, name, version string) error {
	refs, err := r.CheckActiveReferences(ctx, projectID, name, version)
	if err != nil {
		return err
	}
	if len(refs) > 0 {
		return apierr.New(apierr.KindForbidden,
			"protocol %s@%s is declared by %d active session(s): %s",
			name, version, len(refs), fmt.Sprintf("%v", refs))
	}

	if err := r.store.DeleteProtocol(ctx, projectID, name, version); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.compiled, cacheKey(projectID, name, version))
	r.mu.Unlock()
	return nil
}
