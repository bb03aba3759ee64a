package protocol

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh-dev/agentmesh/internal/v1/apierr"
	"github.com/agentmesh-dev/agentmesh/internal/v1/storage"
	"github.com/agentmesh-dev/agentmesh/internal/v1/types"
)

const taskSchema = `{
	"type": "object",
	"properties": {
		"task_id": {"type": "string"},
		"priority": {"type": "integer", "minimum": 1, "maximum": 5}
	},
	"required": ["task_id"]
}`

func taskProtocol(version string) *types.ProtocolDefinition {
	return &types.ProtocolDefinition{
		Name:         "task_assignment",
		Version:      version,
		Schema:       json.RawMessage(taskSchema),
		Capabilities: []types.ProtocolCapability{types.CapPointToPoint, types.CapBroadcast},
		Metadata: types.ProtocolMetadata{
			Description: "assign a task to a worker agent",
			Tags:        []string{"tasks", "core"},
		},
	}
}

func newTestRegistry(t *testing.T) (*Registry, storage.Backend) {
	t.Helper()
	store := storage.NewMemory()
	return NewRegistry(store, nil), store
}

func TestRegisterAndGet(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "p1", taskProtocol("1.0.0")))

	def, err := r.Get(ctx, "p1", "task_assignment", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "p1", def.ProjectID)
	assert.False(t, def.RegisteredAt.IsZero())

	_, err = r.Get(ctx, "p1", "task_assignment", "9.9.9")
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

func TestRegisterRejectsBadIdentifiers(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	bad := taskProtocol("1.0.0")
	bad.Name = "TaskAssignment"
	err := r.Register(ctx, "p1", bad)
	assert.True(t, apierr.IsKind(err, apierr.KindInvalidInput))

	bad = taskProtocol("1.0")
	err = r.Register(ctx, "p1", bad)
	assert.True(t, apierr.IsKind(err, apierr.KindInvalidInput))

	bad = taskProtocol("1.0.0")
	bad.Capabilities = nil
	err = r.Register(ctx, "p1", bad)
	assert.True(t, apierr.IsKind(err, apierr.KindInvalidInput))

	bad = taskProtocol("1.0.0")
	bad.Capabilities = []types.ProtocolCapability{"telepathy"}
	err = r.Register(ctx, "p1", bad)
	assert.True(t, apierr.IsKind(err, apierr.KindInvalidInput))
}

func TestRegisterRejectsInvalidSchema(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	bad := taskProtocol("1.0.0")
	bad.Schema = json.RawMessage(`{"type": "not_a_type"}`)
	err := r.Register(ctx, "p1", bad)
	assert.True(t, apierr.IsKind(err, apierr.KindInvalidInput))

	bad = taskProtocol("1.0.0")
	bad.Schema = json.RawMessage(`{not json`)
	err = r.Register(ctx, "p1", bad)
	assert.True(t, apierr.IsKind(err, apierr.KindInvalidInput))
}

func TestRegisterDuplicate(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "p1", taskProtocol("1.0.0")))
	err := r.Register(ctx, "p1", taskProtocol("1.0.0"))
	assert.True(t, apierr.IsKind(err, apierr.KindAlreadyExists))

	// A new version of the same name is a distinct protocol.
	require.NoError(t, r.Register(ctx, "p1", taskProtocol("1.1.0")))

	// So is the same identity in another project.
	require.NoError(t, r.Register(ctx, "p2", taskProtocol("1.0.0")))
}

func TestDiscoverFilters(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "p1", taskProtocol("1.0.0")))
	require.NoError(t, r.Register(ctx, "p1", taskProtocol("1.1.0")))

	status := &types.ProtocolDefinition{
		Name:         "status_report",
		Version:      "1.0.0",
		Schema:       json.RawMessage(`{"type": "object"}`),
		Capabilities: []types.ProtocolCapability{types.CapBroadcast},
		Metadata:     types.ProtocolMetadata{Tags: []string{"observability"}},
	}
	require.NoError(t, r.Register(ctx, "p1", status))

	all, err := r.Discover(ctx, "p1", "", "", nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byName, err := r.Discover(ctx, "p1", "task_assignment", "", nil)
	require.NoError(t, err)
	assert.Len(t, byName, 2)

	byVersion, err := r.Discover(ctx, "p1", "task_assignment", "1.1.0", nil)
	require.NoError(t, err)
	require.Len(t, byVersion, 1)
	assert.Equal(t, "1.1.0", byVersion[0].Version)

	byTag, err := r.Discover(ctx, "p1", "", "", []string{"tasks", "core"})
	require.NoError(t, err)
	assert.Len(t, byTag, 2)

	none, err := r.Discover(ctx, "p1", "", "", []string{"tasks", "observability"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestValidatePayload(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, "p1", taskProtocol("1.0.0")))

	res, err := r.Validate(ctx, "p1", json.RawMessage(`{"task_id": "t-1", "priority": 3}`), "task_assignment", "1.0.0")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)

	// Missing required field.
	res, err = r.Validate(ctx, "p1", json.RawMessage(`{"priority": 3}`), "task_assignment", "1.0.0")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, "required", res.Errors[0].Constraint)

	// Constraint violation reports the instance path.
	res, err = r.Validate(ctx, "p1", json.RawMessage(`{"task_id": "t-1", "priority": 9}`), "task_assignment", "1.0.0")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0].Path, "priority")

	// Unparseable payload is a validation failure, not an internal error.
	res, err = r.Validate(ctx, "p1", json.RawMessage(`{broken`), "task_assignment", "1.0.0")
	require.NoError(t, err)
	assert.False(t, res.Valid)

	// Unknown protocol is an error.
	_, err = r.Validate(ctx, "p1", json.RawMessage(`{}`), "nope", "1.0.0")
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

func TestValidateUsesStoredSchemaAcrossRegistries(t *testing.T) {
	// A second registry over the same backend compiles from storage, covering
	// the cache-miss path.
	store := storage.NewMemory()
	first := NewRegistry(store, nil)
	ctx := context.Background()
	require.NoError(t, first.Register(ctx, "p1", taskProtocol("1.0.0")))

	second := NewRegistry(store, nil)
	res, err := second.Validate(ctx, "p1", json.RawMessage(`{"task_id": "t-1"}`), "task_assignment", "1.0.0")
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestDeleteRefusesActiveReferences(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, "p1", taskProtocol("1.0.0")))

	sess := &types.Session{
		ID:             "agent-1",
		ProjectID:      "p1",
		Status:         types.SessionActive,
		ConnectionTime: time.Now(),
		LastHeartbeat:  time.Now(),
		Capabilities: types.Capabilities{
			Protocols: map[string][]string{"task_assignment": {"1.0.0"}},
		},
	}
	require.NoError(t, store.SaveSession(ctx, "p1", sess))

	refs, err := r.CheckActiveReferences(ctx, "p1", "task_assignment", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, refs)

	err = r.Delete(ctx, "p1", "task_assignment", "1.0.0")
	assert.True(t, apierr.IsKind(err, apierr.KindForbidden))

	// Disconnected sessions do not block deletion.
	sess.Status = types.SessionDisconnected
	require.NoError(t, store.SaveSession(ctx, "p1", sess))

	require.NoError(t, r.Delete(ctx, "p1", "task_assignment", "1.0.0"))
	_, err = r.Get(ctx, "p1", "task_assignment", "1.0.0")
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

func TestDeleteUnknownProtocol(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.Delete(context.Background(), "p1", "ghost", "1.0.0")
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

type fixedQuota int

func (q fixedQuota) ProtocolLimit(ctx context.Context, projectID string) int { return int(q) }

func TestRegisterEnforcesProtocolQuota(t *testing.T) {
	store := storage.NewMemory()
	r := NewRegistry(store, fixedQuota(2))
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "p1", taskProtocol("1.0.0")))
	require.NoError(t, r.Register(ctx, "p1", taskProtocol("1.1.0")))

	err := r.Register(ctx, "p1", taskProtocol("2.0.0"))
	assert.True(t, apierr.IsKind(err, apierr.KindForbidden))

	// Quotas are per project.
	assert.NoError(t, r.Register(ctx, "p2", taskProtocol("1.0.0")))
}
