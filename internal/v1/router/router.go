// Package router delivers messages between sessions: point-to-point sends
// with a protocol compatibility gate, project-wide broadcasts, and a bounded
// dead-letter queue for what could not be delivered.
package router

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh-dev/agentmesh/internal/v1/apierr"
	"github.com/agentmesh-dev/agentmesh/internal/v1/logging"
	"github.com/agentmesh-dev/agentmesh/internal/v1/metrics"
	"github.com/agentmesh-dev/agentmesh/internal/v1/protocol"
	"github.com/agentmesh-dev/agentmesh/internal/v1/session"
	"github.com/agentmesh-dev/agentmesh/internal/v1/types"
)

// Delivery outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeQueued    = "queued"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// DLQ reasons.
const (
	ReasonQueueFull = "queue_full"
)

// DeliveryResult describes what happened to one point-to-point send.
type DeliveryResult struct {
	MessageID   string     `json:"message_id"`
	RecipientID string     `json:"recipient_id"`
	Outcome     string     `json:"outcome"`
	Reason      string     `json:"reason,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	QueueSize   int        `json:"queue_size,omitempty"`
}

// BroadcastResult tallies a fan-out across the project.
type BroadcastResult struct {
	MessageID  string           `json:"message_id"`
	Delivered  int              `json:"delivered"`
	Failed     int              `json:"failed"`
	Skipped    int              `json:"skipped"`
	Recipients []DeliveryResult `json:"recipients"`
}

// DeliveryObserver is notified after every accepted delivery, point-to-point
// and per broadcast recipient. outcome is one of the delivery outcomes.
type DeliveryObserver func(projectID string, msg *types.Message, outcome string)

// Router routes messages within one project namespace.
type Router struct {
	sessions  *session.Manager
	protocols *protocol.Registry
	dlq       *DLQ
	observer  DeliveryObserver

	now func() time.Time
}

// NewRouter creates a router sharing the given session manager and protocol
// registry. dlq may be shared with a cross-project router.
func NewRouter(sessions *session.Manager, protocols *protocol.Registry, dlq *DLQ) *Router {
	if dlq == nil {
		dlq = NewDLQ(0)
	}
	return &Router{
		sessions:  sessions,
		protocols: protocols,
		dlq:       dlq,
		now:       time.Now,
	}
}

// DLQ exposes the dead-letter queue for inspection endpoints.
func (r *Router) DLQ() *DLQ { return r.dlq }

// SetObserver installs the delivery observer, e.g. the status feed.
func (r *Router) SetObserver(obs DeliveryObserver) { r.observer = obs }

func (r *Router) observe(projectID string, msg *types.Message, outcome string) {
	if r.observer != nil {
		r.observer(projectID, msg, outcome)
	}
}

// Send delivers a message to its recipient. Both sides must declare the
// message's protocol version; the payload must satisfy the protocol schema.
// Messages for disconnected sessions are queued, not failed: the recipient
// may drain them on reconnect.
func (r *Router) Send(ctx context.Context, projectID string, msg *types.Message) (*DeliveryResult, error) {
	return r.sendBetween(ctx, projectID, projectID, msg)
}

// sendBetween is Send with distinct sender and recipient namespaces; the
// cross-project router uses it once a relationship has cleared the traffic.
// The recipient project's protocol definition governs payload validation.
func (r *Router) sendBetween(ctx context.Context, senderProject, recipientProject string, msg *types.Message) (*DeliveryResult, error) {
	start := r.now()
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if msg.RecipientID == "" {
		return nil, apierr.New(apierr.KindInvalidInput, "message recipient_id is required for point-to-point send")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = start
	}

	sender, err := r.sessions.Get(ctx, senderProject, msg.SenderID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindOf(err), err, "sender session")
	}
	recipient, err := r.sessions.Get(ctx, recipientProject, msg.RecipientID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindOf(err), err, "recipient session")
	}

	if err := r.checkProtocol(ctx, recipientProject, sender, recipient, msg); err != nil {
		return nil, err
	}

	size, err := r.sessions.Enqueue(ctx, recipientProject, msg.RecipientID, msg)
	if err != nil {
		if apierr.IsKind(err, apierr.KindQueueFull) {
			r.dlq.Append(DeadLetter{
				Message:     msg,
				ProjectID:   recipientProject,
				RecipientID: msg.RecipientID,
				Reason:      ReasonQueueFull,
				FailedAt:    r.now(),
			})
			metrics.DeliveryResults.WithLabelValues(recipientProject, OutcomeFailed).Inc()
			logging.Warn(ctx, "Message dead-lettered",
				zap.String("project_id", recipientProject),
				zap.String("recipient_id", msg.RecipientID),
				zap.String("message_id", msg.ID))
		}
		return nil, err
	}

	res := &DeliveryResult{
		MessageID:   msg.ID,
		RecipientID: msg.RecipientID,
		QueueSize:   size,
	}
	if recipient.Status == types.SessionDisconnected {
		res.Outcome = OutcomeQueued
		res.Reason = "recipient disconnected"
	} else {
		res.Outcome = OutcomeDelivered
		at := r.now()
		res.DeliveredAt = &at
	}
	metrics.DeliveryResults.WithLabelValues(recipientProject, res.Outcome).Inc()
	metrics.DeliveryDuration.Observe(r.now().Sub(start).Seconds())
	r.observe(recipientProject, msg, res.Outcome)
	return res, nil
}

// checkProtocol enforces the compatibility gate and the payload schema.
func (r *Router) checkProtocol(ctx context.Context, projectID string, sender, recipient *types.Session, msg *types.Message) error {
	if !sender.Capabilities.SupportsProtocolVersion(msg.ProtocolName, msg.ProtocolVersion) {
		return apierr.New(apierr.KindProtocolMismatch,
			"sender %s does not declare %s@%s", sender.ID, msg.ProtocolName, msg.ProtocolVersion)
	}
	if !recipient.Capabilities.SupportsProtocolVersion(msg.ProtocolName, msg.ProtocolVersion) {
		return apierr.New(apierr.KindProtocolMismatch,
			"recipient %s does not declare %s@%s", recipient.ID, msg.ProtocolName, msg.ProtocolVersion)
	}

	res, err := r.protocols.Validate(ctx, projectID, msg.Payload, msg.ProtocolName, msg.ProtocolVersion)
	if err != nil {
		return err
	}
	if !res.Valid {
		return apierr.New(apierr.KindInvalidInput,
			"payload does not satisfy %s@%s", msg.ProtocolName, msg.ProtocolVersion).
			WithFields(res.Errors...)
	}
	return nil
}

// Broadcast fans a message out to every live session in the project except
// the sender. Sessions missing one of requiredFeatures are skipped, not
// failed. Every recipient copy shares the broadcast message ID.
func (r *Router) Broadcast(ctx context.Context, projectID string, msg *types.Message, requiredFeatures []string) (*BroadcastResult, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now()
	}

	sender, err := r.sessions.Get(ctx, projectID, msg.SenderID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindOf(err), err, "sender session")
	}
	if !sender.Capabilities.SupportsProtocolVersion(msg.ProtocolName, msg.ProtocolVersion) {
		return nil, apierr.New(apierr.KindProtocolMismatch,
			"sender %s does not declare %s@%s", sender.ID, msg.ProtocolName, msg.ProtocolVersion)
	}
	vres, err := r.protocols.Validate(ctx, projectID, msg.Payload, msg.ProtocolName, msg.ProtocolVersion)
	if err != nil {
		return nil, err
	}
	if !vres.Valid {
		return nil, apierr.New(apierr.KindInvalidInput,
			"payload does not satisfy %s@%s", msg.ProtocolName, msg.ProtocolVersion).
			WithFields(vres.Errors...)
	}

	recipients, err := r.sessions.List(ctx, projectID, types.SessionActive)
	if err != nil {
		return nil, err
	}

	out := &BroadcastResult{MessageID: msg.ID}
	for _, rec := range recipients {
		if rec.ID == msg.SenderID {
			continue
		}
		res := r.broadcastTo(ctx, projectID, rec, msg, requiredFeatures)
		out.Recipients = append(out.Recipients, res)
		switch res.Outcome {
		case OutcomeDelivered, OutcomeQueued:
			out.Delivered++
		case OutcomeSkipped:
			out.Skipped++
		default:
			out.Failed++
		}
		metrics.BroadcastRecipients.WithLabelValues(projectID, res.Outcome).Inc()
	}

	logging.Info(ctx, "Broadcast complete",
		zap.String("project_id", projectID),
		zap.String("message_id", msg.ID),
		zap.Int("delivered", out.Delivered),
		zap.Int("failed", out.Failed),
		zap.Int("skipped", out.Skipped))
	return out, nil
}

func (r *Router) broadcastTo(ctx context.Context, projectID string, rec *types.Session, msg *types.Message, requiredFeatures []string) DeliveryResult {
	res := DeliveryResult{MessageID: msg.ID, RecipientID: rec.ID}

	for _, f := range requiredFeatures {
		if !hasFeature(rec.Capabilities.Features, f) {
			res.Outcome = OutcomeSkipped
			res.Reason = "missing feature " + f
			return res
		}
	}
	if !rec.Capabilities.SupportsProtocolVersion(msg.ProtocolName, msg.ProtocolVersion) {
		res.Outcome = OutcomeSkipped
		res.Reason = "protocol not declared"
		return res
	}

	// Each recipient gets its own copy addressed to it; the ID stays shared.
	cp := *msg
	cp.RecipientID = rec.ID
	size, err := r.sessions.Enqueue(ctx, projectID, rec.ID, &cp)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Reason = err.Error()
		if apierr.IsKind(err, apierr.KindQueueFull) {
			res.Reason = ReasonQueueFull
			r.dlq.Append(DeadLetter{
				Message:     &cp,
				ProjectID:   projectID,
				RecipientID: rec.ID,
				Reason:      ReasonQueueFull,
				FailedAt:    r.now(),
			})
		}
		return res
	}

	res.Outcome = OutcomeDelivered
	at := r.now()
	res.DeliveredAt = &at
	res.QueueSize = size
	r.observe(projectID, &cp, res.Outcome)
	return res
}

func hasFeature(features []string, want string) bool {
	for _, f := range features {
		if f == want {
			return true
		}
	}
	return false
}
