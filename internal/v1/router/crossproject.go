package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	limiter "github.com/ulule/limiter/v3"
	memorystore "github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/agentmesh-dev/agentmesh/internal/v1/apierr"
	"github.com/agentmesh-dev/agentmesh/internal/v1/logging"
	"github.com/agentmesh-dev/agentmesh/internal/v1/metrics"
	"github.com/agentmesh-dev/agentmesh/internal/v1/project"
	"github.com/agentmesh-dev/agentmesh/internal/v1/types"
)

// RelationshipStatus is the lifecycle state of a cross-project relationship.
type RelationshipStatus string

const (
	RelationshipPending   RelationshipStatus = "pending"
	RelationshipActive    RelationshipStatus = "active"
	RelationshipSuspended RelationshipStatus = "suspended"
	RelationshipRevoked   RelationshipStatus = "revoked"
)

// DirectionPolicy scopes one direction of traffic: which protocols may
// cross, and how many messages per minute.
type DirectionPolicy struct {
	AllowedProtocols []string `json:"allowed_protocols"`
	MessagesPerMin   int64    `json:"messages_per_minute"`
}

// Relationship is a consensual link between two projects. Traffic flows only
// while active, and each direction carries its own policy.
type Relationship struct {
	ID         string             `json:"id"`
	Requester  string             `json:"requester"`
	Target     string             `json:"target"`
	Status     RelationshipStatus `json:"status"`
	Forward    DirectionPolicy    `json:"forward"` // requester -> target
	Reverse    DirectionPolicy    `json:"reverse"` // target -> requester
	CreatedAt  time.Time          `json:"created_at"`
	ApprovedAt *time.Time         `json:"approved_at,omitempty"`
}

func (r *Relationship) clone() *Relationship {
	cp := *r
	cp.Forward.AllowedProtocols = append([]string(nil), r.Forward.AllowedProtocols...)
	cp.Reverse.AllowedProtocols = append([]string(nil), r.Reverse.AllowedProtocols...)
	return &cp
}

// policyFor returns the direction policy applying to traffic from the given
// project, or nil when the project is not a party.
func (r *Relationship) policyFor(fromProject string) *DirectionPolicy {
	switch fromProject {
	case r.Requester:
		return &r.Forward
	case r.Target:
		return &r.Reverse
	default:
		return nil
	}
}

func (r *Relationship) otherSide(fromProject string) string {
	if fromProject == r.Requester {
		return r.Target
	}
	return r.Requester
}

// CrossProjectRouter gates traffic between projects on explicit, mutual
// relationships: requested by one side, approved by the other, with
// per-direction protocol whitelists and rate caps.
type CrossProjectRouter struct {
	projects *project.Registry
	router   *Router

	mu            sync.RWMutex
	relationships map[string]*Relationship // by relationship ID

	limiterStore limiter.Store
	limiters     map[string]*limiter.Limiter // relationship ID + direction

	now func() time.Time
}

// NewCrossProjectRouter creates the cross-project gate in front of the given
// in-project router.
func NewCrossProjectRouter(projects *project.Registry, router *Router) *CrossProjectRouter {
	return &CrossProjectRouter{
		projects:      projects,
		router:        router,
		relationships: make(map[string]*Relationship),
		limiterStore:  memorystore.NewStore(),
		limiters:      make(map[string]*limiter.Limiter),
		now:           time.Now,
	}
}

// Request opens a pending relationship from requester to target. Both
// projects must exist, be active, and allow cross-project traffic.
func (c *CrossProjectRouter) Request(ctx context.Context, requester, target string, forward, reverse DirectionPolicy) (*Relationship, error) {
	if requester == target {
		return nil, apierr.New(apierr.KindInvalidInput, "a project cannot relate to itself")
	}
	for _, id := range []string{requester, target} {
		def, err := c.projects.RequireActive(ctx, id)
		if err != nil {
			return nil, err
		}
		if !def.Config.AllowCrossProject {
			return nil, apierr.New(apierr.KindForbidden, "project %q does not allow cross-project communication", id)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rel := range c.relationships {
		if rel.Status == RelationshipRevoked {
			continue
		}
		if (rel.Requester == requester && rel.Target == target) ||
			(rel.Requester == target && rel.Target == requester) {
			return nil, apierr.New(apierr.KindAlreadyExists,
				"relationship between %q and %q already exists (%s)", requester, target, rel.Status)
		}
	}

	rel := &Relationship{
		ID:        uuid.NewString(),
		Requester: requester,
		Target:    target,
		Status:    RelationshipPending,
		Forward:   forward,
		Reverse:   reverse,
		CreatedAt: c.now(),
	}
	c.relationships[rel.ID] = rel
	logging.Info(ctx, "Cross-project relationship requested",
		zap.String("relationship_id", rel.ID),
		zap.String("requester", requester),
		zap.String("target", target))
	return rel.clone(), nil
}

// Approve activates a pending relationship. Only the target project, the
// side that did not request it, may approve.
func (c *CrossProjectRouter) Approve(ctx context.Context, relationshipID, approver string) (*Relationship, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rel, ok := c.relationships[relationshipID]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "relationship %q not found", relationshipID)
	}
	if rel.Status != RelationshipPending {
		return nil, apierr.New(apierr.KindInvalidInput, "relationship %q is %s, not pending", relationshipID, rel.Status)
	}
	if approver != rel.Target {
		return nil, apierr.New(apierr.KindForbidden, "only project %q may approve this relationship", rel.Target)
	}

	rel.Status = RelationshipActive
	at := c.now()
	rel.ApprovedAt = &at
	logging.Info(ctx, "Cross-project relationship approved",
		zap.String("relationship_id", rel.ID))
	return rel.clone(), nil
}

// Suspend pauses traffic on an active relationship. Either party may suspend.
func (c *CrossProjectRouter) Suspend(ctx context.Context, relationshipID, party string) error {
	return c.transition(ctx, relationshipID, party, RelationshipActive, RelationshipSuspended)
}

// Resume reactivates a suspended relationship. Either party may resume.
func (c *CrossProjectRouter) Resume(ctx context.Context, relationshipID, party string) error {
	return c.transition(ctx, relationshipID, party, RelationshipSuspended, RelationshipActive)
}

// Revoke permanently ends a relationship. Either party may revoke, from any
// non-revoked state.
func (c *CrossProjectRouter) Revoke(ctx context.Context, relationshipID, party string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rel, ok := c.relationships[relationshipID]
	if !ok {
		return apierr.New(apierr.KindNotFound, "relationship %q not found", relationshipID)
	}
	if party != rel.Requester && party != rel.Target {
		return apierr.New(apierr.KindForbidden, "project %q is not a party to this relationship", party)
	}
	if rel.Status == RelationshipRevoked {
		return nil
	}
	rel.Status = RelationshipRevoked
	logging.Info(ctx, "Cross-project relationship revoked",
		zap.String("relationship_id", rel.ID), zap.String("by", party))
	return nil
}

func (c *CrossProjectRouter) transition(ctx context.Context, relationshipID, party string, from, to RelationshipStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rel, ok := c.relationships[relationshipID]
	if !ok {
		return apierr.New(apierr.KindNotFound, "relationship %q not found", relationshipID)
	}
	if party != rel.Requester && party != rel.Target {
		return apierr.New(apierr.KindForbidden, "project %q is not a party to this relationship", party)
	}
	if rel.Status != from {
		return apierr.New(apierr.KindInvalidInput, "relationship %q is %s, not %s", relationshipID, rel.Status, from)
	}
	rel.Status = to
	return nil
}

// Get returns one relationship.
func (c *CrossProjectRouter) Get(ctx context.Context, relationshipID string) (*Relationship, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rel, ok := c.relationships[relationshipID]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "relationship %q not found", relationshipID)
	}
	return rel.clone(), nil
}

// List returns the relationships a project is party to.
func (c *CrossProjectRouter) List(ctx context.Context, projectID string) []*Relationship {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Relationship
	for _, rel := range c.relationships {
		if rel.Requester == projectID || rel.Target == projectID {
			out = append(out, rel.clone())
		}
	}
	return out
}

// Send routes a message from a session in fromProject to a session in the
// relationship's other project. The relationship must be active, the
// protocol whitelisted for the direction, and the direction under its rate
// cap.
func (c *CrossProjectRouter) Send(ctx context.Context, relationshipID, fromProject string, msg *types.Message) (*DeliveryResult, error) {
	c.mu.RLock()
	rel, ok := c.relationships[relationshipID]
	var toProject string
	var policy *DirectionPolicy
	if ok {
		policy = rel.policyFor(fromProject)
		toProject = rel.otherSide(fromProject)
		rel = rel.clone()
	}
	c.mu.RUnlock()

	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "relationship %q not found", relationshipID)
	}
	if policy == nil {
		return nil, apierr.New(apierr.KindForbidden, "project %q is not a party to relationship %q", fromProject, relationshipID)
	}
	if rel.Status != RelationshipActive {
		return nil, apierr.New(apierr.KindForbidden, "relationship %q is %s", relationshipID, rel.Status)
	}
	if !protocolAllowed(policy.AllowedProtocols, msg.ProtocolName) {
		return nil, apierr.New(apierr.KindForbidden,
			"protocol %q is not allowed from %q on relationship %q", msg.ProtocolName, fromProject, relationshipID)
	}

	if policy.MessagesPerMin > 0 {
		lctx, err := c.limiterFor(relationshipID, fromProject, policy.MessagesPerMin).Get(ctx, relationshipID+":"+fromProject)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, err, "rate limiter failure")
		}
		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues("cross_project", relationshipID).Inc()
			return nil, apierr.New(apierr.KindRateLimited,
				"relationship %q rate cap of %d msgs/min reached for %q", relationshipID, policy.MessagesPerMin, fromProject)
		}
	}

	// The recipient session lives in the destination project's namespace.
	return c.router.sendBetween(ctx, fromProject, toProject, msg)
}

func protocolAllowed(allowed []string, name string) bool {
	// An empty whitelist allows nothing: cross-project traffic is opt-in per
	// protocol.
	for _, p := range allowed {
		if p == name {
			return true
		}
	}
	return false
}

func (c *CrossProjectRouter) limiterFor(relationshipID, fromProject string, perMinute int64) *limiter.Limiter {
	key := relationshipID + ":" + fromProject
	c.mu.Lock()
	defer c.mu.Unlock()
	if lim, ok := c.limiters[key]; ok {
		return lim
	}
	lim := limiter.New(c.limiterStore, limiter.Rate{Period: time.Minute, Limit: perMinute})
	c.limiters[key] = lim
	return lim
}
