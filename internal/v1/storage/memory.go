package storage

import (
	"context"
	"sync"
	"time"

	"github.com/agentmesh-dev/agentmesh/internal/v1/apierr"
	"github.com/agentmesh-dev/agentmesh/internal/v1/types"
)

// Memory is an in-process Backend. It is safe for concurrent use; one lock
// guards all maps, which keeps every operation atomic with respect to the
// others.
type Memory struct {
	mu        sync.RWMutex
	protocols map[string]map[string]*types.ProtocolDefinition // project -> name@version
	sessions  map[string]map[string]*types.Session            // project -> session id
	queues    map[string]map[string][]*types.Message          // project -> session id -> FIFO

	// now is swappable for TTL tests.
	now func() time.Time
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		protocols: make(map[string]map[string]*types.ProtocolDefinition),
		sessions:  make(map[string]map[string]*types.Session),
		queues:    make(map[string]map[string][]*types.Message),
		now:       time.Now,
	}
}

func (m *Memory) GetProtocol(ctx context.Context, projectID, name, version string) (*types.ProtocolDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.protocols[projectID][protocolKey(name, version)]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "protocol %s@%s not found in project %s", name, version, projectID)
	}
	cp := *def
	return &cp, nil
}

func (m *Memory) SaveProtocol(ctx context.Context, projectID string, def *types.ProtocolDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := protocolKey(def.Name, def.Version)
	if _, ok := m.protocols[projectID][key]; ok {
		return apierr.New(apierr.KindAlreadyExists, "protocol %s@%s already registered in project %s", def.Name, def.Version, projectID)
	}
	if m.protocols[projectID] == nil {
		m.protocols[projectID] = make(map[string]*types.ProtocolDefinition)
	}
	cp := *def
	m.protocols[projectID][key] = &cp
	return nil
}

func (m *Memory) ListProtocols(ctx context.Context, projectID string, filter ProtocolFilter) ([]*types.ProtocolDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.ProtocolDefinition
	for _, def := range m.protocols[projectID] {
		if filter.Name != "" && def.Name != filter.Name {
			continue
		}
		if filter.Version != "" && def.Version != filter.Version {
			continue
		}
		cp := *def
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) DeleteProtocol(ctx context.Context, projectID, name, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := protocolKey(name, version)
	if _, ok := m.protocols[projectID][key]; !ok {
		return apierr.New(apierr.KindNotFound, "protocol %s@%s not found in project %s", name, version, projectID)
	}
	delete(m.protocols[projectID], key)
	return nil
}

func (m *Memory) GetSession(ctx context.Context, projectID, sessionID string) (*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[projectID][sessionID]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "session %s not found in project %s", sessionID, projectID)
	}
	cp := *sess
	return &cp, nil
}

func (m *Memory) SaveSession(ctx context.Context, projectID string, sess *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[projectID] == nil {
		m.sessions[projectID] = make(map[string]*types.Session)
	}
	cp := *sess
	m.sessions[projectID][sess.ID] = &cp
	return nil
}

func (m *Memory) ListSessions(ctx context.Context, projectID string, status types.SessionStatus) ([]*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Session
	for _, sess := range m.sessions[projectID] {
		if status != "" && sess.Status != status {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) DeleteSession(ctx context.Context, projectID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[projectID][sessionID]; !ok {
		return apierr.New(apierr.KindNotFound, "session %s not found in project %s", sessionID, projectID)
	}
	delete(m.sessions[projectID], sessionID)
	if q, ok := m.queues[projectID]; ok {
		delete(q, sessionID)
	}
	return nil
}

func (m *Memory) EnqueueMessage(ctx context.Context, projectID, sessionID string, msg *types.Message, capacity int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.queues[projectID][sessionID]
	if capacity > 0 && len(queue) >= capacity {
		return len(queue), apierr.New(apierr.KindQueueFull, "queue for session %s at capacity %d", sessionID, capacity)
	}
	if m.queues[projectID] == nil {
		m.queues[projectID] = make(map[string][]*types.Message)
	}
	cp := *msg
	m.queues[projectID][sessionID] = append(queue, &cp)
	return len(queue) + 1, nil
}

func (m *Memory) DequeueMessages(ctx context.Context, projectID, sessionID string, limit int) ([]*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.queues[projectID][sessionID]
	if len(queue) == 0 {
		return nil, nil
	}
	// A non-positive limit drains the whole queue.
	if limit <= 0 {
		limit = len(queue)
	}

	now := m.now()
	var out []*types.Message
	taken := 0
	for taken < len(queue) && len(out) < limit {
		msg := queue[taken]
		taken++
		if msg.Expired(now) {
			continue
		}
		out = append(out, msg)
	}
	m.queues[projectID][sessionID] = queue[taken:]
	return out, nil
}

func (m *Memory) QueueSize(ctx context.Context, projectID, sessionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queues[projectID][sessionID]), nil
}

func (m *Memory) ClearQueue(ctx context.Context, projectID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[projectID]; ok {
		delete(q, sessionID)
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
