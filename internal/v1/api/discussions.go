package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh-dev/agentmesh/internal/v1/apierr"
	"github.com/agentmesh-dev/agentmesh/internal/v1/discussion"
	"github.com/agentmesh-dev/agentmesh/internal/v1/hub"
	"github.com/agentmesh-dev/agentmesh/internal/v1/session"
	"github.com/agentmesh-dev/agentmesh/internal/v1/types"
)

// DiscussionService owns the live discussion coordinators and bridges them to
// the meeting hub: opinion and vote requests go out as meeting-room events,
// and inbound "opinion" / "consensus_vote" events resolve the pending asks.
// MeetingNotifier is the slice of the meeting hub the service publishes
// through.
type MeetingNotifier interface {
	Notify(ctx context.Context, roomID string, ev *hub.Event)
}

type DiscussionService struct {
	sessions *session.Manager
	meetings MeetingNotifier
	defaults discussion.Options

	mu          sync.Mutex
	discussions map[string]*discussionEntry
	pending     map[pendingKey]chan string
}

type discussionEntry struct {
	projectID string
	coord     *discussion.Coordinator
}

type pendingKey struct {
	discussionID string
	agentID      string
	kind         string // "opinion" or "vote"
}

// NewDiscussionService creates the service. meetings may be nil in tests that
// drive responders directly. defaults fills in threshold and timeout for
// requests that leave them unset.
func NewDiscussionService(sessions *session.Manager, meetings MeetingNotifier, defaults discussion.Options) *DiscussionService {
	return &DiscussionService{
		sessions:    sessions,
		meetings:    meetings,
		defaults:    defaults,
		discussions: make(map[string]*discussionEntry),
		pending:     make(map[pendingKey]chan string),
	}
}

// SetMeetingHub attaches the meeting hub after construction. The hub and the
// service reference each other, so one side has to be wired late.
func (d *DiscussionService) SetMeetingHub(h *hub.Hub) {
	d.meetings = h
}

// HubEventHook is installed on the meeting hub. Accepted inbound events that
// answer an outstanding ask resolve it; everything else passes through.
func (d *DiscussionService) HubEventHook(ctx context.Context, roomID string, c *hub.Client, ev *hub.Event) {
	var kind string
	switch ev.Type {
	case "opinion":
		kind = "opinion"
	case "consensus_vote":
		kind = "vote"
	default:
		return
	}
	var body struct {
		Text string `json:"text"`
		Vote string `json:"vote"`
	}
	_ = json.Unmarshal(ev.Payload, &body)
	answer := body.Text
	if kind == "vote" {
		answer = body.Vote
	}

	d.mu.Lock()
	key := pendingKey{discussionID: roomID, agentID: c.ID, kind: kind}
	ch, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		select {
		case ch <- answer:
		default:
		}
	}
}

// hubResponder implements discussion.Responder over the meeting hub. The
// discussion ID doubles as the meeting room ID.
type hubResponder struct {
	svc          *DiscussionService
	discussionID string
}

func (r *hubResponder) ask(ctx context.Context, agentID, topic, requestType, kind string) (string, error) {
	ch := make(chan string, 1)
	key := pendingKey{discussionID: r.discussionID, agentID: agentID, kind: kind}

	r.svc.mu.Lock()
	r.svc.pending[key] = ch
	r.svc.mu.Unlock()
	defer func() {
		r.svc.mu.Lock()
		delete(r.svc.pending, key)
		r.svc.mu.Unlock()
	}()

	payload, _ := json.Marshal(map[string]string{
		"discussion_id": r.discussionID,
		"agent_id":      agentID,
		"topic":         topic,
	})
	if r.svc.meetings != nil {
		r.svc.meetings.Notify(ctx, r.discussionID, &hub.Event{
			Type:    requestType,
			Payload: payload,
		})
	}

	select {
	case answer := <-ch:
		return answer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *hubResponder) RequestOpinion(ctx context.Context, agentID, topic string) (string, error) {
	return r.ask(ctx, agentID, topic, "opinion_request", "opinion")
}

func (r *hubResponder) RequestVote(ctx context.Context, agentID, topic string) (string, error) {
	return r.ask(ctx, agentID, topic, "consensus_request", "vote")
}

// Create validates the participants against the project's active sessions and
// starts the coordinator.
func (d *DiscussionService) Create(ctx context.Context, projectID, topic string,
	participants []string, initialSpeaker string, opts discussion.Options) (*discussion.Coordinator, error) {

	if opts.ConsensusThreshold <= 0 {
		opts.ConsensusThreshold = d.defaults.ConsensusThreshold
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = d.defaults.ResponseTimeout
	}

	for _, p := range participants {
		sess, err := d.sessions.Get(ctx, projectID, p)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInvalidInput, err, "participant %q has no session", p)
		}
		if sess.Status == types.SessionDisconnected {
			return nil, apierr.New(apierr.KindInvalidInput, "participant %q is disconnected", p)
		}
	}

	responder := &hubResponder{svc: d}
	coord, err := discussion.NewCoordinator(topic, participants, responder, opts)
	if err != nil {
		return nil, err
	}
	responder.discussionID = coord.ID()
	if err := coord.Start(initialSpeaker); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.discussions[coord.ID()] = &discussionEntry{projectID: projectID, coord: coord}
	d.mu.Unlock()
	return coord, nil
}

// Complete closes the discussion and announces the outcome to its meeting
// room as a discussion_completed event.
func (d *DiscussionService) Complete(ctx context.Context, projectID, discussionID string) (*discussion.Coordinator, error) {
	coord, err := d.Get(projectID, discussionID)
	if err != nil {
		return nil, err
	}
	if err := coord.CompleteDiscussion(); err != nil {
		return nil, err
	}
	if d.meetings != nil {
		snap := coord.Snapshot()
		payload, _ := json.Marshal(map[string]string{
			"discussion_id": discussionID,
			"topic":         snap.Topic,
			"decision":      snap.Decision,
		})
		d.meetings.Notify(ctx, discussionID, &hub.Event{
			Type:    "discussion_completed",
			Payload: payload,
		})
	}
	return coord, nil
}

// Get returns the coordinator, scoped to the project namespace.
func (d *DiscussionService) Get(projectID, discussionID string) (*discussion.Coordinator, error) {
	d.mu.Lock()
	entry, ok := d.discussions[discussionID]
	d.mu.Unlock()
	if !ok || entry.projectID != projectID {
		return nil, apierr.New(apierr.KindNotFound, "discussion %q not found", discussionID)
	}
	return entry.coord, nil
}

// --- HTTP handlers ---

type createDiscussionRequest struct {
	Topic                  string   `json:"topic"`
	Participants           []string `json:"participants"`
	InitialSpeaker         string   `json:"initial_speaker"`
	ConsensusThreshold     float64  `json:"consensus_threshold"`
	ResponseTimeoutSeconds int      `json:"response_timeout_seconds"`
}

func (s *Server) createDiscussion(c *gin.Context) {
	var req createDiscussionRequest
	if !bindJSON(c, &req) {
		return
	}
	coord, err := s.Discussions.Create(c.Request.Context(), projectID(c), req.Topic,
		req.Participants, req.InitialSpeaker, discussion.Options{
			ConsensusThreshold: req.ConsensusThreshold,
			ResponseTimeout:    time.Duration(req.ResponseTimeoutSeconds) * time.Second,
		})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, coord.Snapshot())
}

func (s *Server) getDiscussion(c *gin.Context) {
	coord, err := s.Discussions.Get(projectID(c), c.Param("discussionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, coord.Snapshot())
}

func (s *Server) collectOpinions(c *gin.Context) {
	coord, err := s.Discussions.Get(projectID(c), c.Param("discussionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	opinions, err := coord.RequestOpinions(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"opinions": opinions})
}

type buildConsensusRequest struct {
	DeadlineSeconds int `json:"deadline_seconds"`
}

func (s *Server) buildConsensus(c *gin.Context) {
	coord, err := s.Discussions.Get(projectID(c), c.Param("discussionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	var req buildConsensusRequest
	if !bindJSON(c, &req) {
		return
	}
	var deadline time.Time
	if req.DeadlineSeconds > 0 {
		deadline = time.Now().Add(time.Duration(req.DeadlineSeconds) * time.Second)
	}
	result, err := coord.FacilitateConsensus(c.Request.Context(), deadline)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type recordDecisionRequest struct {
	Decision string `json:"decision"`
}

func (s *Server) recordDecision(c *gin.Context) {
	coord, err := s.Discussions.Get(projectID(c), c.Param("discussionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	var req recordDecisionRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := coord.RecordDecision(req.Decision); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, coord.Snapshot())
}

func (s *Server) completeDiscussion(c *gin.Context) {
	coord, err := s.Discussions.Complete(c.Request.Context(), projectID(c), c.Param("discussionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, coord.Snapshot())
}
