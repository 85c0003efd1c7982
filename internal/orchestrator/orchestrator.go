// Package orchestrator turns user intents (send, retry, navigate, cancel)
// into generation runs. Each run is one worker goroutine holding an immutable
// chain snapshot; the worker streams provider output to a single bounded
// subscriber channel and finalises the conversation graph exactly once.
//
// The orchestrator enforces at most one in-flight worker per conversation:
// submitting while a run is active cancels the old worker, and the new worker
// emits nothing after its Started event until the old one has reached a
// terminal event. Retry policy lives here, not in the drivers.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/internal/graph"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/providers"
	"github.com/haasonsaas/loom/internal/session"
	"github.com/haasonsaas/loom/internal/store"
	"github.com/haasonsaas/loom/pkg/models"
)

// Defaults for Options zero values.
const (
	DefaultQueueSize       = 256
	DefaultSubscriberWall  = 90 * time.Second
	DefaultCompleteTimeout = 60 * time.Second
	DefaultMaxAttempts     = 3
	DefaultRetryDelay      = time.Second
)

// drainGrace bounds how long a cancelled worker keeps collecting buffered
// provider chunks before finalising.
const drainGrace = 100 * time.Millisecond

// saveTimeout bounds finalisation saves. They run on a background context so
// a cancelled run still persists its partial text.
const saveTimeout = 15 * time.Second

// Run is the subscriber's handle on one generation worker. Events yields the
// worker's event stream in sequence order and closes after exactly one
// terminal event (Done, Error, or Cancelled).
type Run struct {
	ID             string
	ConversationID string
	Events         <-chan models.Event
}

// Options configures an Orchestrator. Zero values use the defaults above.
type Options struct {
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	// QueueSize is the per-run event channel capacity.
	QueueSize int

	// SubscriberWall is the longest a worker blocks delivering one event
	// into a full queue before cancelling the generation.
	SubscriberWall time.Duration

	// CompleteTimeout bounds a single non-streaming provider call.
	CompleteTimeout time.Duration

	// MaxAttempts is the total number of provider calls for retryable
	// failures, including the first.
	MaxAttempts int

	// RetryDelay is the backoff base; attempt n waits n*RetryDelay.
	RetryDelay time.Duration
}

// slot tracks the in-flight worker of one conversation. done closes once the
// worker has emitted its terminal event and released the slot, which is what
// a successor waits on.
type slot struct {
	workerID string
	cancel   context.CancelFunc
	done     chan struct{}
}

// Orchestrator owns the per-conversation worker slots and the run policy
// knobs (queue size, walls, retry). Safe for concurrent use.
type Orchestrator struct {
	store   store.Store
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	queueSize       int
	subscriberWall  time.Duration
	completeTimeout time.Duration
	maxAttempts     int
	retryDelay      time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

// New creates an orchestrator persisting through st.
func New(st store.Store, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: "loom"})
	}
	o := &Orchestrator{
		store:           st,
		logger:          logger.WithFields("component", "orchestrator"),
		metrics:         opts.Metrics,
		tracer:          tracer,
		queueSize:       opts.QueueSize,
		subscriberWall:  opts.SubscriberWall,
		completeTimeout: opts.CompleteTimeout,
		maxAttempts:     opts.MaxAttempts,
		retryDelay:      opts.RetryDelay,
		slots:           make(map[string]*slot),
	}
	if o.queueSize <= 0 {
		o.queueSize = DefaultQueueSize
	}
	if o.subscriberWall <= 0 {
		o.subscriberWall = DefaultSubscriberWall
	}
	if o.completeTimeout <= 0 {
		o.completeTimeout = DefaultCompleteTimeout
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = DefaultMaxAttempts
	}
	if o.retryDelay <= 0 {
		o.retryDelay = DefaultRetryDelay
	}
	return o
}

// Send appends a user message to the active conversation and launches a
// generation run over the resulting chain. The returned Run streams the
// worker's events; the assistant node is appended and persisted at
// finalisation.
func (o *Orchestrator) Send(ctx context.Context, sess *session.Session, content string, atts []models.Attachment) (*Run, error) {
	if strings.TrimSpace(content) == "" {
		return nil, &providers.Error{Kind: providers.KindBadRequest, Message: "message content must not be empty"}
	}
	snap, err := sess.Snapshot()
	if err != nil {
		return nil, err
	}

	var spec launchSpec
	err = sess.Mutate(func() error {
		g := graph.New(snap.Conversation)
		user, err := g.AddUser(content, atts)
		if err != nil {
			return graphErr(err)
		}
		spec.parentID = user.ID
		spec.branchID = user.BranchID
		msgs, err := g.Chain("")
		if err != nil {
			return graphErr(err)
		}
		spec.chain = snapshotChain(msgs)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return o.launch(ctx, sess, snap, spec), nil
}

// RetryMessage creates a fresh sibling for a previous assistant reply on a
// new branch and launches a run over the chain up to the shared user parent.
// The user turn is re-sent; no user node is duplicated. The pending node is
// completed in place at finalisation.
func (o *Orchestrator) RetryMessage(ctx context.Context, sess *session.Session, assistantID string) (*Run, error) {
	snap, err := sess.Snapshot()
	if err != nil {
		return nil, err
	}

	var spec launchSpec
	err = sess.Mutate(func() error {
		g := graph.New(snap.Conversation)
		pending, err := g.Retry(assistantID)
		if err != nil {
			return graphErr(err)
		}
		spec.pendingID = pending.ID
		spec.parentID = *pending.ParentID
		spec.branchID = pending.BranchID
		msgs, err := g.Chain("")
		if err != nil {
			return graphErr(err)
		}
		// The chain ends at the empty pending node; the provider sees
		// everything up to the user turn.
		spec.chain = snapshotChain(msgs[:len(msgs)-1])
		return nil
	})
	if err != nil {
		return nil, err
	}

	return o.launch(ctx, sess, snap, spec), nil
}

// Cancel requests cancellation of the conversation's in-flight run. It
// returns false when no run is active. Cancellation is advisory then
// enforced: the worker stops at its next suspension point, persists any
// partial text, and emits a Cancelled event.
func (o *Orchestrator) Cancel(conversationID string) bool {
	o.mu.Lock()
	s := o.slots[conversationID]
	o.mu.Unlock()
	if s == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	s.cancel()
	return true
}

// Done returns a channel that closes once the conversation's in-flight run
// has finalised. With no run active the channel is already closed. Callers
// that must not race a worker's finalisation save (deletion, shutdown) wait
// on it after Cancel.
func (o *Orchestrator) Done(conversationID string) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.slots[conversationID]; ok {
		return s.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Navigate moves the active leaf (direction "prev"/"next" rotates through
// siblings, "none" activates the node itself), persists the conversation,
// and returns a synchronous NavChanged event. No provider call is made.
func (o *Orchestrator) Navigate(ctx context.Context, sess *session.Session, nodeID, direction string) (*models.Event, error) {
	dir, err := graph.ParseDirection(direction)
	if err != nil {
		return nil, &providers.Error{Kind: providers.KindBadRequest, Message: err.Error(), Cause: err}
	}
	conv := sess.Conversation()
	if conv == nil {
		return nil, &providers.Error{Kind: providers.KindBadRequest, Message: "no active conversation"}
	}

	var nav *models.NavPayload
	var snapshot *models.Conversation
	err = sess.Mutate(func() error {
		g := graph.New(conv)
		if _, err := g.Navigate(nodeID, dir); err != nil {
			return graphErr(err)
		}
		nav = &models.NavPayload{
			ActiveLeaf:   conv.ActiveLeafID(),
			ActiveBranch: conv.Metadata.ActiveBranch,
			History:      g.History(),
		}
		snapshot = conv.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := o.store.Save(ctx, snapshot); err != nil {
		return nil, err
	}

	o.logger.Debug(ctx, "navigated",
		"conversation_id", conv.ID, "active_leaf", nav.ActiveLeaf, "active_branch", nav.ActiveBranch)
	ev := &models.Event{
		Type:           models.EventNavChanged,
		Time:           time.Now().UTC(),
		ConversationID: conv.ID,
		Nav:            nav,
	}
	return ev, nil
}

// launchSpec carries the per-run intent from Send/RetryMessage into the
// worker: the chain snapshot, the user parent, the target branch, and for
// retries the pending node to complete.
type launchSpec struct {
	chain     []*models.Message
	parentID  string
	branchID  string
	pendingID string
}

// launch installs a new slot (cancelling any predecessor) and starts the
// worker goroutine. The worker's lifetime follows ctx: a CLI interrupt or an
// HTTP client disconnect cancels the generation.
func (o *Orchestrator) launch(ctx context.Context, sess *session.Session, snap session.Snapshot, spec launchSpec) *Run {
	convID := snap.Conversation.ID
	runCtx, cancel := context.WithCancel(ctx)

	w := &worker{
		id:        uuid.NewString(),
		o:         o,
		sess:      sess,
		conv:      snap.Conversation,
		convID:    convID,
		provider:  snap.Provider,
		pname:     snap.ProviderName,
		model:     snap.Model,
		params:    snap.Params,
		sysInstr:  snap.SystemInstruction,
		stream:    snap.Stream,
		chain:     spec.chain,
		parentID:  spec.parentID,
		branchID:  spec.branchID,
		pendingID: spec.pendingID,
		events:    make(chan models.Event, o.queueSize),
		cancel:    cancel,
		state:     statePending,
		start:     time.Now(),
	}
	w.logger = o.logger.WithFields("worker_id", w.id, "conversation_id", convID)
	w.slot = &slot{workerID: w.id, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	prev := o.slots[convID]
	o.slots[convID] = w.slot
	o.mu.Unlock()

	if prev != nil {
		prev.cancel()
		w.prev = prev
	}

	go w.run(runCtx)
	return &Run{ID: w.id, ConversationID: convID, Events: w.events}
}

// releaseSlot publishes the worker's completion and frees the conversation
// for the next run.
func (o *Orchestrator) releaseSlot(convID string, s *slot) {
	o.mu.Lock()
	if o.slots[convID] == s {
		delete(o.slots, convID)
	}
	o.mu.Unlock()
	close(s.done)
}

// snapshotChain deep-copies the chain so the worker's request is immune to
// later graph mutation.
func snapshotChain(msgs []*models.Message) []*models.Message {
	out := make([]*models.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// graphErr maps graph sentinel errors onto the shared taxonomy: unresolved
// ids are NotFound, misuse (retrying a user node, navigating nowhere) is
// BadRequest.
func graphErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, graph.ErrNotFound):
		return &providers.Error{Kind: providers.KindNotFound, Message: err.Error(), Cause: err}
	case errors.Is(err, graph.ErrInvariant):
		return &providers.Error{Kind: providers.KindBadRequest, Message: err.Error(), Cause: err}
	default:
		return err
	}
}

func (o *Orchestrator) recordStall() {
	if o.metrics != nil {
		o.metrics.RecordSubscriberStall()
	}
}

func (o *Orchestrator) recordChunk(provider string) {
	if o.metrics != nil {
		o.metrics.RecordChunk(provider)
	}
}

func (o *Orchestrator) recordGeneration(provider, model, status string, seconds float64, usage *models.TokenUsage) {
	if o.metrics == nil {
		return
	}
	var prompt, completion int
	if usage != nil {
		prompt = usage.PromptTokens
		completion = usage.CompletionTokens
		if usage.ReasoningTokens > 0 {
			o.metrics.RecordReasoningTokens(provider, model, usage.ReasoningTokens)
		}
	}
	o.metrics.RecordGeneration(provider, model, status, seconds, prompt, completion)
}

func (o *Orchestrator) recordError(kind providers.Kind) {
	if o.metrics != nil {
		o.metrics.RecordError("orchestrator", string(kind))
	}
}

func (o *Orchestrator) generationStarted() {
	if o.metrics != nil {
		o.metrics.GenerationStarted()
	}
}

func (o *Orchestrator) generationEnded() {
	if o.metrics != nil {
		o.metrics.GenerationEnded()
	}
}
