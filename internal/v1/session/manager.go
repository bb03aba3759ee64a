// Package session tracks agent sessions through their lifecycle and owns the
// bounded per-session message queues. Status transitions are driven by
// heartbeats and by background sweeps: active sessions go stale when the
// heartbeat lapses, stale sessions are disconnected after a longer silence,
// and disconnected sessions are eventually reaped together with their queues.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh-dev/agentmesh/internal/v1/apierr"
	"github.com/agentmesh-dev/agentmesh/internal/v1/logging"
	"github.com/agentmesh-dev/agentmesh/internal/v1/metrics"
	"github.com/agentmesh-dev/agentmesh/internal/v1/project"
	"github.com/agentmesh-dev/agentmesh/internal/v1/storage"
	"github.com/agentmesh-dev/agentmesh/internal/v1/types"
)

// Lifecycle event kinds reported to OnLifecycle.
const (
	LifecycleRegistered   = "registered"
	LifecycleUnregistered = "unregistered"
	LifecycleStatusChange = "status_change"
)

// LifecycleEvent describes a session transition of interest to observers,
// e.g. the status feed.
type LifecycleEvent struct {
	ProjectID string
	SessionID string
	Kind      string
	Status    types.SessionStatus
}

// Options configures lifecycle thresholds and sweep cadence.
type Options struct {
	// StaleAfter is how long a session may go without a heartbeat before it
	// is marked stale.
	StaleAfter time.Duration
	// DisconnectAfter is how long without a heartbeat before a session is
	// marked disconnected. Must exceed StaleAfter.
	DisconnectAfter time.Duration
	// RetainAfterDisconnect is how long a disconnected session and its queue
	// are kept before being reaped.
	RetainAfterDisconnect time.Duration
	// SweepInterval is the cadence of the background sweeps.
	SweepInterval time.Duration
	// QueueWarningThreshold is the fraction of queue capacity at which a
	// warning is logged, e.g. 0.8.
	QueueWarningThreshold float64
	// OnLifecycle, when set, is invoked for every session registration,
	// status change, and unregistration. It must not call back into the
	// manager.
	OnLifecycle func(LifecycleEvent)
}

// DefaultOptions mirrors the documented lifecycle defaults.
func DefaultOptions() Options {
	return Options{
		StaleAfter:            60 * time.Second,
		DisconnectAfter:       300 * time.Second,
		RetainAfterDisconnect: 300 * time.Second,
		SweepInterval:         30 * time.Second,
		QueueWarningThreshold: 0.8,
	}
}

// Manager is the session lifecycle coordinator.
type Manager struct {
	store    storage.Backend
	projects *project.Registry
	opts     Options

	// locks serializes operations per session so a create racing a sweep
	// cannot interleave status writes.
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewManager creates a session manager. Zero option fields fall back to the
// defaults.
func NewManager(store storage.Backend, projects *project.Registry, opts Options) *Manager {
	def := DefaultOptions()
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = def.StaleAfter
	}
	if opts.DisconnectAfter <= 0 {
		opts.DisconnectAfter = def.DisconnectAfter
	}
	if opts.RetainAfterDisconnect <= 0 {
		opts.RetainAfterDisconnect = def.RetainAfterDisconnect
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.QueueWarningThreshold <= 0 {
		opts.QueueWarningThreshold = def.QueueWarningThreshold
	}
	return &Manager{
		store:    store,
		projects: projects,
		opts:     opts,
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

func (m *Manager) emitLifecycle(projectID, sessionID, kind string, status types.SessionStatus) {
	if m.opts.OnLifecycle == nil {
		return
	}
	m.opts.OnLifecycle(LifecycleEvent{
		ProjectID: projectID,
		SessionID: sessionID,
		Kind:      kind,
		Status:    status,
	})
}

// countLiveSessions counts sessions not yet disconnected, judging heartbeat
// age directly so sessions awaiting a sweep still count correctly.
func (m *Manager) countLiveSessions(ctx context.Context, projectID string) (int, error) {
	sessions, err := m.store.ListSessions(ctx, projectID, "")
	if err != nil {
		return 0, err
	}
	now := m.now()
	live := 0
	for _, sess := range sessions {
		if sess.Status == types.SessionDisconnected {
			continue
		}
		if now.Sub(sess.LastHeartbeat) >= m.opts.DisconnectAfter {
			continue
		}
		live++
	}
	return live, nil
}

func (m *Manager) lockFor(projectID, sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := projectID + "/" + sessionID
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Create registers a session. An empty sessionID gets a generated UUID.
// Re-creating an existing ID supersedes the old session: the old record is
// marked disconnected and the new one takes over; any queued messages are
// preserved under the same ID.
func (m *Manager) Create(ctx context.Context, projectID, sessionID string, caps types.Capabilities, metadata map[string]string) (*types.Session, error) {
	if _, err := m.projects.RequireActive(ctx, projectID); err != nil {
		return nil, err
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	l := m.lockFor(projectID, sessionID)
	l.Lock()
	defer l.Unlock()

	now := m.now()
	delta := project.StatsDelta{TotalSessions: 1, ActiveSessions: 1}

	if old, err := m.store.GetSession(ctx, projectID, sessionID); err == nil {
		if old.Status != types.SessionDisconnected {
			// The superseded session was already counted as live.
			delta.ActiveSessions = 0
			metrics.ActiveSessions.WithLabelValues(projectID, string(old.Status)).Dec()
		}
		logging.Warn(ctx, "Session superseded by reconnect",
			zap.String("project_id", projectID),
			zap.String("session_id", sessionID))
	} else if !apierr.IsKind(err, apierr.KindNotFound) {
		return nil, err
	}

	// Superseding an already-live session does not grow the count, so the
	// quota only applies to net-new sessions.
	if limit := m.projects.SessionLimit(ctx, projectID); limit > 0 && delta.ActiveSessions > 0 {
		live, err := m.countLiveSessions(ctx, projectID)
		if err != nil {
			return nil, err
		}
		if live >= limit {
			return nil, apierr.New(apierr.KindForbidden,
				"project %q has reached its session quota of %d", projectID, limit)
		}
	}

	sess := &types.Session{
		ID:             sessionID,
		ProjectID:      projectID,
		ConnectionTime: now,
		LastHeartbeat:  now,
		Status:         types.SessionActive,
		Capabilities:   caps,
		Metadata:       metadata,
	}
	if err := m.store.SaveSession(ctx, projectID, sess); err != nil {
		return nil, err
	}

	if err := m.projects.UpdateStatistics(ctx, projectID, delta); err != nil {
		logging.Warn(ctx, "Failed to update project statistics", zap.Error(err))
	}
	metrics.ActiveSessions.WithLabelValues(projectID, string(types.SessionActive)).Inc()
	m.emitLifecycle(projectID, sessionID, LifecycleRegistered, types.SessionActive)
	logging.Info(ctx, "Session created",
		zap.String("project_id", projectID),
		zap.String("session_id", sessionID))

	cp := *sess
	return &cp, nil
}

// Get returns the session with its current queue depth. Staleness is applied
// lazily so reads between sweeps still observe the correct status.
func (m *Manager) Get(ctx context.Context, projectID, sessionID string) (*types.Session, error) {
	sess, err := m.refreshSession(ctx, projectID, sessionID)
	if err != nil {
		return nil, err
	}
	size, err := m.store.QueueSize(ctx, projectID, sessionID)
	if err != nil {
		return nil, err
	}
	sess.QueueSize = size
	return sess, nil
}

// refreshSession reads the session under its lock and persists any lazy
// lifecycle downgrade. Reading without the lock could race a heartbeat and
// write back a stale status.
func (m *Manager) refreshSession(ctx context.Context, projectID, sessionID string) (*types.Session, error) {
	l := m.lockFor(projectID, sessionID)
	l.Lock()
	defer l.Unlock()

	sess, err := m.store.GetSession(ctx, projectID, sessionID)
	if err != nil {
		return nil, err
	}
	if changed := m.applyLifecycle(sess, m.now()); changed {
		if err := m.store.SaveSession(ctx, projectID, sess); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// applyLifecycle downgrades the status in place per the heartbeat age and
// reports whether it changed. It never upgrades.
func (m *Manager) applyLifecycle(sess *types.Session, now time.Time) bool {
	if sess.Status == types.SessionDisconnected {
		return false
	}
	// Threshold boundaries are inclusive: a heartbeat exactly StaleAfter old
	// already counts as stale.
	age := now.Sub(sess.LastHeartbeat)
	switch {
	case age >= m.opts.DisconnectAfter:
		m.markDisconnectedLocked(sess, now)
		return true
	case age >= m.opts.StaleAfter && sess.Status == types.SessionActive:
		metrics.ActiveSessions.WithLabelValues(sess.ProjectID, string(types.SessionActive)).Dec()
		metrics.ActiveSessions.WithLabelValues(sess.ProjectID, string(types.SessionStale)).Inc()
		sess.Status = types.SessionStale
		m.emitLifecycle(sess.ProjectID, sess.ID, LifecycleStatusChange, types.SessionStale)
		return true
	}
	return false
}

// markDisconnectedLocked transitions any live status to disconnected and
// adjusts counters. Caller is responsible for persisting.
func (m *Manager) markDisconnectedLocked(sess *types.Session, now time.Time) {
	metrics.ActiveSessions.WithLabelValues(sess.ProjectID, string(sess.Status)).Dec()
	metrics.ActiveSessions.WithLabelValues(sess.ProjectID, string(types.SessionDisconnected)).Inc()
	sess.Status = types.SessionDisconnected
	at := now
	sess.DisconnectedAt = &at
	if err := m.projects.UpdateStatistics(context.Background(), sess.ProjectID, project.StatsDelta{ActiveSessions: -1}); err != nil {
		logging.Warn(context.Background(), "Failed to update project statistics", zap.Error(err))
	}
	m.emitLifecycle(sess.ProjectID, sess.ID, LifecycleUnregistered, types.SessionDisconnected)
}

// Heartbeat records liveness. A stale session returns to active; a
// disconnected session cannot be revived and must reconnect.
func (m *Manager) Heartbeat(ctx context.Context, projectID, sessionID string) (*types.Session, error) {
	l := m.lockFor(projectID, sessionID)
	l.Lock()
	defer l.Unlock()

	sess, err := m.store.GetSession(ctx, projectID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == types.SessionDisconnected {
		return nil, apierr.New(apierr.KindNotFound, "session %s is disconnected; create a new session", sessionID)
	}
	if sess.Status == types.SessionStale {
		metrics.ActiveSessions.WithLabelValues(projectID, string(types.SessionStale)).Dec()
		metrics.ActiveSessions.WithLabelValues(projectID, string(types.SessionActive)).Inc()
		m.emitLifecycle(projectID, sessionID, LifecycleStatusChange, types.SessionActive)
	}
	sess.Status = types.SessionActive
	sess.LastHeartbeat = m.now()
	if err := m.store.SaveSession(ctx, projectID, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// List returns project sessions, optionally filtered by status. Lifecycle is
// applied lazily, same as Get.
func (m *Manager) List(ctx context.Context, projectID string, status types.SessionStatus) ([]*types.Session, error) {
	sessions, err := m.store.ListSessions(ctx, projectID, "")
	if err != nil {
		return nil, err
	}
	var out []*types.Session
	for _, listed := range sessions {
		sess, err := m.refreshSession(ctx, projectID, listed.ID)
		if err != nil {
			// Reaped between the listing and the re-read.
			if apierr.IsKind(err, apierr.KindNotFound) {
				continue
			}
			return nil, err
		}
		if status != "" && sess.Status != status {
			continue
		}
		size, err := m.store.QueueSize(ctx, projectID, sess.ID)
		if err != nil {
			return nil, err
		}
		sess.QueueSize = size
		out = append(out, sess)
	}
	return out, nil
}

// Disconnect marks the session disconnected. The session record and its
// queue are retained until the reap sweep so a quick reconnect can drain
// pending messages.
func (m *Manager) Disconnect(ctx context.Context, projectID, sessionID string) error {
	l := m.lockFor(projectID, sessionID)
	l.Lock()
	defer l.Unlock()

	sess, err := m.store.GetSession(ctx, projectID, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == types.SessionDisconnected {
		return nil
	}
	m.markDisconnectedLocked(sess, m.now())
	if err := m.store.SaveSession(ctx, projectID, sess); err != nil {
		return err
	}
	logging.Info(ctx, "Session disconnected",
		zap.String("project_id", projectID),
		zap.String("session_id", sessionID))
	return nil
}

// Enqueue appends a message to the session's queue, enforcing the project's
// capacity. Near-capacity queues are logged so slow consumers surface before
// delivery starts failing.
func (m *Manager) Enqueue(ctx context.Context, projectID, sessionID string, msg *types.Message) (int, error) {
	if _, err := m.store.GetSession(ctx, projectID, sessionID); err != nil {
		return 0, err
	}

	capacity := m.projects.QueueCapacity(ctx, projectID)
	size, err := m.store.EnqueueMessage(ctx, projectID, sessionID, msg, capacity)
	if err != nil {
		return size, err
	}

	metrics.EnqueuedMessages.WithLabelValues(projectID).Inc()
	metrics.QueueDepth.WithLabelValues(projectID, sessionID).Set(float64(size))
	if err := m.projects.UpdateStatistics(ctx, projectID, project.StatsDelta{TotalMessages: 1}); err != nil {
		logging.Warn(ctx, "Failed to update project statistics", zap.Error(err))
	}

	if capacity > 0 && float64(size) >= m.opts.QueueWarningThreshold*float64(capacity) {
		logging.Warn(ctx, "Session queue near capacity",
			zap.String("project_id", projectID),
			zap.String("session_id", sessionID),
			zap.Int("size", size),
			zap.Int("capacity", capacity))
	}
	return size, nil
}

// Dequeue drains up to limit messages oldest-first; a non-positive limit
// drains everything. Expired messages are dropped by the backend and never
// returned.
func (m *Manager) Dequeue(ctx context.Context, projectID, sessionID string, limit int) ([]*types.Message, error) {
	if _, err := m.store.GetSession(ctx, projectID, sessionID); err != nil {
		return nil, err
	}
	msgs, err := m.store.DequeueMessages(ctx, projectID, sessionID, limit)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		metrics.DequeuedMessages.WithLabelValues(projectID).Add(float64(len(msgs)))
	}
	size, err := m.store.QueueSize(ctx, projectID, sessionID)
	if err == nil {
		metrics.QueueDepth.WithLabelValues(projectID, sessionID).Set(float64(size))
	}
	return msgs, nil
}

// Run drives the background sweeps until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep applies lifecycle downgrades to every tracked session and reaps
// disconnected sessions past the retention window.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.now()
	swept := map[string]bool{}
	for _, def := range m.projects.ListProjects(ctx, true, "") {
		m.sweepProject(ctx, def.ID, now)
		swept[def.ID] = true
	}
	// The default project may exist in storage without a registry record yet.
	if !swept[types.DefaultProject] {
		m.sweepProject(ctx, types.DefaultProject, now)
	}
}

func (m *Manager) sweepProject(ctx context.Context, projectID string, now time.Time) {
	sessions, err := m.store.ListSessions(ctx, projectID, "")
	if err != nil {
		logging.Error(ctx, "Sweep failed to list sessions",
			zap.String("project_id", projectID), zap.Error(err))
		return
	}
	for _, sess := range sessions {
		l := m.lockFor(projectID, sess.ID)
		l.Lock()
		reaped := m.sweepSession(ctx, projectID, sess.ID, now)
		l.Unlock()
		if reaped {
			m.releaseLock(projectID, sess.ID)
		}
	}
}

// releaseLock drops the per-session mutex once the session is gone, keeping
// the locks map from growing with every session ever seen.
func (m *Manager) releaseLock(projectID, sessionID string) {
	m.mu.Lock()
	delete(m.locks, projectID+"/"+sessionID)
	m.mu.Unlock()
}

// sweepSession re-reads under the session lock so it never clobbers a
// concurrent heartbeat or reconnect. It reports whether the session was
// reaped.
func (m *Manager) sweepSession(ctx context.Context, projectID, sessionID string, now time.Time) bool {
	sess, err := m.store.GetSession(ctx, projectID, sessionID)
	if err != nil {
		return false
	}

	if sess.Status == types.SessionDisconnected {
		if sess.DisconnectedAt != nil && now.Sub(*sess.DisconnectedAt) > m.opts.RetainAfterDisconnect {
			if err := m.store.DeleteSession(ctx, projectID, sessionID); err != nil {
				logging.Error(ctx, "Failed to reap session", zap.Error(err))
				return false
			}
			metrics.ActiveSessions.WithLabelValues(projectID, string(types.SessionDisconnected)).Dec()
			metrics.QueueDepth.DeleteLabelValues(projectID, sessionID)
			logging.Info(ctx, "Session reaped",
				zap.String("project_id", projectID),
				zap.String("session_id", sessionID))
			return true
		}
		return false
	}

	if m.applyLifecycle(sess, now) {
		if err := m.store.SaveSession(ctx, projectID, sess); err != nil {
			logging.Error(ctx, "Failed to persist session status", zap.Error(err))
		}
	}
	return false
}
