// Package discussion coordinates structured multi-agent discussions: a
// rotating speaking order, sequential opinion collection, and threshold-based
// consensus voting. The phase machine only moves forward:
//
//	initializing -> opinion_collection -> consensus_building
//	             -> decision | no_consensus -> completed
package discussion

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh-dev/agentmesh/internal/v1/apierr"
	"github.com/agentmesh-dev/agentmesh/internal/v1/logging"
	"github.com/agentmesh-dev/agentmesh/internal/v1/metrics"
)

// Phase is the coordinator's state machine position.
type Phase string

const (
	PhaseInitializing      Phase = "initializing"
	PhaseOpinionCollection Phase = "opinion_collection"
	PhaseConsensusBuilding Phase = "consensus_building"
	PhaseDecision          Phase = "decision"
	PhaseNoConsensus       Phase = "no_consensus"
	PhaseCompleted         Phase = "completed"
)

// Sentinel responses recorded for agents that did not answer. Abstentions
// and non-responses are excluded from the consensus denominator.
const (
	NoResponse = "[NO RESPONSE]"
	NoVote     = "[NO VOTE]"
	Abstain    = "[ABSTAIN]"
)

// DefaultConsensusThreshold is the agreement ratio required for a decision.
const DefaultConsensusThreshold = 0.75

// DefaultResponseTimeout bounds each opinion or vote request when no
// configured timeout is supplied.
const DefaultResponseTimeout = 300 * time.Second

// Responder asks one agent for input. Implementations bridge to the meeting
// hub or to a direct agent API; the coordinator only sees answers.
type Responder interface {
	RequestOpinion(ctx context.Context, agentID, topic string) (string, error)
	RequestVote(ctx context.Context, agentID, topic string) (string, error)
}

// Options tunes a coordinator.
type Options struct {
	// ConsensusThreshold overrides the default agreement ratio.
	ConsensusThreshold float64
	// ResponseTimeout bounds each individual opinion or vote request.
	ResponseTimeout time.Duration
}

// Result summarizes a finished voting round.
type Result struct {
	Decision  string            `json:"decision,omitempty"`
	Ratio     float64           `json:"ratio"`
	Votes     map[string]string `json:"votes"`
	Counted   int               `json:"counted"`
	Consensus bool              `json:"consensus"`
}

// Coordinator drives one discussion.
type Coordinator struct {
	mu sync.Mutex

	id           string
	topic        string
	participants []string // rotation order; index 0 speaks next
	phase        Phase

	opinions map[string]string
	votes    map[string]string
	decision string

	threshold       float64
	responseTimeout time.Duration
	responder       Responder

	startedAt   time.Time
	completedAt *time.Time

	now func() time.Time
}

// NewCoordinator creates a discussion over the given participants.
func NewCoordinator(topic string, participants []string, responder Responder, opts Options) (*Coordinator, error) {
	if len(participants) < 2 {
		return nil, apierr.New(apierr.KindInvalidInput, "a discussion needs at least two participants")
	}
	threshold := opts.ConsensusThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultConsensusThreshold
	}
	timeout := opts.ResponseTimeout
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	return &Coordinator{
		id:              uuid.NewString(),
		topic:           topic,
		participants:    append([]string(nil), participants...),
		phase:           PhaseInitializing,
		opinions:        make(map[string]string),
		votes:           make(map[string]string),
		threshold:       threshold,
		responseTimeout: timeout,
		responder:       responder,
		now:             time.Now,
	}, nil
}

// ID returns the discussion identifier.
func (c *Coordinator) ID() string { return c.id }

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Coordinator) transitionLocked(to Phase) {
	logging.Info(context.Background(), "Discussion phase transition",
		zap.String("discussion_id", c.id),
		zap.String("from", string(c.phase)),
		zap.String("to", string(to)))
	c.phase = to
	metrics.DiscussionTransitions.WithLabelValues(string(to)).Inc()
}

func (c *Coordinator) requirePhaseLocked(want Phase, op string) error {
	if c.phase != want {
		return apierr.New(apierr.KindInvalidPhase,
			"%s requires phase %s, discussion %s is in %s", op, want, c.id, c.phase)
	}
	return nil
}

// Start opens the discussion. When initialSpeaker names a participant, the
// rotation is shifted so they speak first.
func (c *Coordinator) Start(initialSpeaker string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requirePhaseLocked(PhaseInitializing, "start"); err != nil {
		return err
	}
	if initialSpeaker != "" {
		idx := -1
		for i, p := range c.participants {
			if p == initialSpeaker {
				idx = i
				break
			}
		}
		if idx < 0 {
			return apierr.New(apierr.KindInvalidInput, "%q is not a participant", initialSpeaker)
		}
		c.participants = append(c.participants[idx:], c.participants[:idx]...)
	}
	c.startedAt = c.now()
	c.transitionLocked(PhaseOpinionCollection)
	return nil
}

// NextSpeaker returns the head of the rotation and moves it to the back.
func (c *Coordinator) NextSpeaker() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	speaker := c.participants[0]
	c.participants = append(c.participants[1:], speaker)
	return speaker
}

// RequestOpinions asks every participant for their view, one at a time in
// rotation order. An agent that errors or runs out the response timeout is
// recorded as [NO RESPONSE]; collection always completes.
func (c *Coordinator) RequestOpinions(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	if err := c.requirePhaseLocked(PhaseOpinionCollection, "opinion collection"); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	order := append([]string(nil), c.participants...)
	topic := c.topic
	c.mu.Unlock()

	for _, agentID := range order {
		opinion := c.ask(ctx, agentID, topic, c.responder.RequestOpinion, NoResponse)
		c.mu.Lock()
		c.opinions[agentID] = opinion
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitionLocked(PhaseConsensusBuilding)
	return copyMap(c.opinions), nil
}

// FacilitateConsensus collects votes and evaluates them against the
// threshold. Each vote request is bounded by the response timeout and by the
// overall deadline, whichever is sooner; missing votes are recorded as
// [NO VOTE]. The discussion lands in decision or no_consensus.
func (c *Coordinator) FacilitateConsensus(ctx context.Context, deadline time.Time) (*Result, error) {
	c.mu.Lock()
	if err := c.requirePhaseLocked(PhaseConsensusBuilding, "consensus building"); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	order := append([]string(nil), c.participants...)
	topic := c.topic
	c.mu.Unlock()

	for _, agentID := range order {
		vote := NoVote
		if deadline.IsZero() || c.now().Before(deadline) {
			askCtx := ctx
			var cancel context.CancelFunc
			if !deadline.IsZero() {
				askCtx, cancel = context.WithDeadline(ctx, deadline)
			}
			vote = c.ask(askCtx, agentID, topic, c.responder.RequestVote, NoVote)
			if cancel != nil {
				cancel()
			}
		}
		c.mu.Lock()
		c.votes[agentID] = vote
		c.mu.Unlock()
	}

	return c.evaluate()
}

// ask runs one bounded request and substitutes the sentinel on any failure.
func (c *Coordinator) ask(ctx context.Context, agentID, topic string,
	request func(context.Context, string, string) (string, error), sentinel string) string {

	askCtx, cancel := context.WithTimeout(ctx, c.responseTimeout)
	defer cancel()

	answer, err := request(askCtx, agentID, topic)
	if err != nil || answer == "" {
		if err != nil {
			logging.Warn(ctx, "Participant did not respond",
				zap.String("discussion_id", c.id),
				zap.String("agent_id", agentID),
				zap.Error(err))
		}
		return sentinel
	}
	return answer
}

// evaluate tallies votes. Abstentions and non-votes do not count toward the
// denominator; a discussion where nobody voted cannot reach consensus.
func (c *Coordinator) evaluate() (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tally := make(map[string]int)
	counted := 0
	for _, vote := range c.votes {
		if vote == NoVote || vote == Abstain {
			continue
		}
		tally[vote]++
		counted++
	}

	res := &Result{Votes: copyMap(c.votes), Counted: counted}
	var best string
	bestCount := 0
	for option, n := range tally {
		if n > bestCount {
			best, bestCount = option, n
		}
	}
	if counted > 0 {
		res.Ratio = float64(bestCount) / float64(counted)
	}

	if counted > 0 && res.Ratio >= c.threshold {
		res.Consensus = true
		res.Decision = best
		c.decision = best
		c.transitionLocked(PhaseDecision)
	} else {
		c.transitionLocked(PhaseNoConsensus)
	}
	return res, nil
}

// RecordDecision overrides or annotates the outcome, e.g. a moderator
// breaking a deadlock. Valid once voting has concluded.
func (c *Coordinator) RecordDecision(decision string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseDecision && c.phase != PhaseNoConsensus {
		return apierr.New(apierr.KindInvalidPhase,
			"recording a decision requires a concluded vote, discussion %s is in %s", c.id, c.phase)
	}
	c.decision = decision
	return nil
}

// CompleteDiscussion closes the discussion.
func (c *Coordinator) CompleteDiscussion() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseDecision && c.phase != PhaseNoConsensus {
		return apierr.New(apierr.KindInvalidPhase,
			"completing requires a concluded vote, discussion %s is in %s", c.id, c.phase)
	}
	at := c.now()
	c.completedAt = &at
	c.transitionLocked(PhaseCompleted)
	return nil
}

// Status is a point-in-time snapshot for inspection endpoints.
type Status struct {
	ID           string            `json:"id"`
	Topic        string            `json:"topic"`
	Phase        Phase             `json:"phase"`
	Participants []string          `json:"participants"`
	Opinions     map[string]string `json:"opinions,omitempty"`
	Votes        map[string]string `json:"votes,omitempty"`
	Decision     string            `json:"decision,omitempty"`
	StartedAt    time.Time         `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// Snapshot returns the current status.
func (c *Coordinator) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		ID:           c.id,
		Topic:        c.topic,
		Phase:        c.phase,
		Participants: append([]string(nil), c.participants...),
		Opinions:     copyMap(c.opinions),
		Votes:        copyMap(c.votes),
		Decision:     c.decision,
		StartedAt:    c.startedAt,
		CompletedAt:  c.completedAt,
	}
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
