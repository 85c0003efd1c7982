package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/loom/internal/graph"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/providers"
	"github.com/haasonsaas/loom/internal/session"
	"github.com/haasonsaas/loom/pkg/models"
)

// workerState tracks one run through its lifecycle. Transitions are logged;
// subscribers observe them indirectly through the event stream.
type workerState string

const (
	statePending    workerState = "pending"
	stateRunning    workerState = "running"
	stateStreaming  workerState = "streaming"
	stateFinalising workerState = "finalising"
	stateDone       workerState = "done"
	stateErrored    workerState = "errored"
	stateCancelled  workerState = "cancelled"
)

// finishKind selects the finalisation path.
type finishKind int

const (
	finishDone finishKind = iota
	finishError
	finishCancelled
)

// worker executes one generation run: provider call, event delivery, graph
// finalisation, persistence. It holds an immutable chain snapshot and never
// reads session state after launch; conversation mutation goes through
// sess.Mutate.
type worker struct {
	id     string
	o      *Orchestrator
	sess   *session.Session
	conv   *models.Conversation
	convID string

	provider providers.Provider
	pname    string
	model    string
	params   providers.Params
	sysInstr string
	stream   bool
	chain    []*models.Message

	// parentID is the user node the reply attaches under; branchID its
	// branch. pendingID is set for retry runs: the empty sibling from
	// graph.Retry that finalisation completes in place.
	parentID  string
	branchID  string
	pendingID string

	events chan models.Event
	seq    uint64

	cancel context.CancelFunc
	prev   *slot
	slot   *slot

	state   workerState
	stalled bool
	logger  *observability.Logger
	span    trace.Span
	start   time.Time

	text       strings.Builder
	chunkCount int
	usage      *models.TokenUsage
	responseID string
}

// run drives the worker to exactly one terminal event, then closes the
// subscriber channel and releases the conversation slot.
func (w *worker) run(ctx context.Context) {
	defer w.o.releaseSlot(w.convID, w.slot)
	defer close(w.events)

	w.o.generationStarted()
	defer w.o.generationEnded()

	ctx, span := w.o.tracer.TraceGeneration(ctx, w.pname, w.model)
	defer span.End()
	w.span = span
	w.o.tracer.SetAttributes(span, "conversation_id", w.convID, "worker_id", w.id)

	w.transition(ctx, stateRunning)
	started := w.event(models.EventStarted)
	started.Started = &models.StartedPayload{Provider: w.pname, Model: w.model}
	w.emit(ctx, started)

	// A successor emits nothing past Started until its predecessor has
	// reached a terminal event.
	if w.prev != nil {
		select {
		case <-w.prev.done:
		case <-ctx.Done():
			w.finalise(ctx, finishCancelled, nil, w.cancelReason(ctx))
			return
		}
	}

	req := &providers.Request{
		Model:             w.model,
		SystemInstruction: w.sysInstr,
		Chain:             w.chain,
		Params:            w.params,
	}
	if w.stream {
		w.runStream(ctx, req)
	} else {
		w.runComplete(ctx, req)
	}
}

// runComplete is the non-streaming path: one blocking call per attempt under
// the complete timeout.
func (w *worker) runComplete(ctx context.Context, req *providers.Request) {
	attempt := 0
	for {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, w.o.completeTimeout)
		completion, err := w.provider.Complete(callCtx, req)
		cancel()
		if err == nil {
			w.text.WriteString(completion.Text)
			w.responseID = completion.ResponseID
			if completion.Model != "" {
				w.model = completion.Model
			}
			if completion.Usage != nil {
				w.usage = completion.Usage
				ev := w.event(models.EventUsage)
				ev.Usage = completion.Usage
				w.emit(ctx, ev)
			}
			w.finalise(ctx, finishDone, nil, "")
			return
		}
		if ctx.Err() != nil || providers.KindOf(err) == providers.KindCancelled {
			w.finalise(ctx, finishCancelled, nil, w.cancelReason(ctx))
			return
		}
		if w.shouldRetry(ctx, attempt, err) {
			continue
		}
		if ctx.Err() != nil {
			w.finalise(ctx, finishCancelled, nil, w.cancelReason(ctx))
			return
		}
		w.finalise(ctx, finishError, err, "")
		return
	}
}

// runStream is the streaming path. Stream setup failures and pre-output
// stream errors are retryable; once text has been delivered the run is
// committed and any failure finalises with what accumulated.
func (w *worker) runStream(ctx context.Context, req *providers.Request) {
	attempt := 0
	for {
		attempt++
		chunks, err := w.provider.Stream(ctx, req)
		if err != nil {
			if ctx.Err() != nil || providers.KindOf(err) == providers.KindCancelled {
				w.finalise(ctx, finishCancelled, nil, w.cancelReason(ctx))
				return
			}
			if w.shouldRetry(ctx, attempt, err) {
				continue
			}
			if ctx.Err() != nil {
				w.finalise(ctx, finishCancelled, nil, w.cancelReason(ctx))
				return
			}
			w.finalise(ctx, finishError, err, "")
			return
		}

		w.transition(ctx, stateStreaming)
		retryErr := w.consume(ctx, chunks)
		if retryErr == nil {
			return
		}
		if w.shouldRetry(ctx, attempt, retryErr) {
			continue
		}
		if ctx.Err() != nil {
			w.finalise(ctx, finishCancelled, nil, w.cancelReason(ctx))
			return
		}
		w.finalise(ctx, finishError, retryErr, "")
		return
	}
}

// consume reads the chunk stream until a terminal chunk or cancellation. It
// returns nil once the run is finalised, or the stream error when the
// failure happened before any output, leaving the retry decision to the
// caller.
func (w *worker) consume(ctx context.Context, chunks <-chan *providers.Chunk) error {
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				if ctx.Err() != nil {
					w.finalise(ctx, finishCancelled, nil, w.cancelReason(ctx))
					return nil
				}
				w.finalise(ctx, finishError, &providers.Error{
					Kind:     providers.KindUnknown,
					Provider: w.pname,
					Model:    w.model,
					Message:  "stream closed without a terminal chunk",
				}, "")
				return nil
			}
			if chunk == nil {
				continue
			}
			switch {
			case chunk.Err != nil:
				if providers.KindOf(chunk.Err) == providers.KindCancelled || ctx.Err() != nil {
					w.finalise(ctx, finishCancelled, nil, w.cancelReason(ctx))
					return nil
				}
				if w.text.Len() == 0 {
					return chunk.Err
				}
				w.finalise(ctx, finishError, chunk.Err, "")
				return nil

			case chunk.Done:
				if chunk.ResponseID != "" {
					w.responseID = chunk.ResponseID
				}
				w.finalise(ctx, finishDone, nil, "")
				return nil

			case chunk.Usage != nil:
				w.usage = chunk.Usage
				ev := w.event(models.EventUsage)
				ev.Usage = chunk.Usage
				w.emit(ctx, ev)

			case chunk.Thinking != "":
				ev := w.event(models.EventThinking)
				ev.Thinking = &models.ThinkingPayload{Content: chunk.Thinking}
				w.emit(ctx, ev)

			case chunk.Text != "":
				w.text.WriteString(chunk.Text)
				w.chunkCount++
				w.o.recordChunk(w.pname)
				ev := w.event(models.EventChunk)
				ev.Chunk = &models.ChunkPayload{Text: chunk.Text}
				if !w.emit(ctx, ev) {
					w.drainBuffered(chunks)
					w.finalise(ctx, finishCancelled, nil, w.cancelReason(ctx))
					return nil
				}
			}

		case <-ctx.Done():
			w.drainBuffered(chunks)
			w.finalise(ctx, finishCancelled, nil, w.cancelReason(ctx))
			return nil
		}
	}
}

// drainBuffered collects chunks the driver already produced so the persisted
// partial text covers everything received, without delivering further events.
// The grace window guards against a driver that ignores cancellation.
func (w *worker) drainBuffered(chunks <-chan *providers.Chunk) {
	grace := time.NewTimer(drainGrace)
	defer grace.Stop()
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			if chunk == nil {
				continue
			}
			if chunk.Text != "" {
				w.text.WriteString(chunk.Text)
				w.chunkCount++
			}
			if chunk.Usage != nil {
				w.usage = chunk.Usage
			}
			if chunk.Err != nil || chunk.Done {
				return
			}
		case <-grace.C:
			return
		}
	}
}

// shouldRetry applies the retry policy: retryable kinds only, maxAttempts
// total calls, attempt n backing off n*retryDelay. Returns false when the
// context ends during backoff.
func (w *worker) shouldRetry(ctx context.Context, attempt int, err error) bool {
	if attempt >= w.o.maxAttempts || !providers.IsRetryable(err) {
		return false
	}
	delay := time.Duration(attempt) * w.o.retryDelay
	w.logger.Warn(ctx, "provider call failed, retrying",
		"attempt", attempt, "max_attempts", w.o.maxAttempts, "delay", delay.String(), "error", err)
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// finalise runs exactly once per worker: it applies the graph mutation for
// the outcome, persists the conversation, and emits the terminal event.
func (w *worker) finalise(ctx context.Context, kind finishKind, cause error, reason string) {
	w.transition(ctx, stateFinalising)
	text := w.text.String()

	var ev models.Event
	var status string

	switch kind {
	case finishDone:
		msg, err := w.persistAssistant(text, false)
		if err != nil {
			w.logger.Error(ctx, "finalisation failed", "error", err)
			w.o.recordError(providers.KindOf(err))
			w.o.tracer.RecordError(w.span, err)
			ev = w.errorEvent(err)
			status = "error"
			w.transition(ctx, stateErrored)
			break
		}
		done := w.event(models.EventDone)
		done.Done = &models.DonePayload{
			FullText:   text,
			MessageID:  msg.ID,
			ParentID:   w.parentID,
			Model:      w.model,
			TokenUsage: w.usage,
			ResponseID: w.responseID,
		}
		ev = done
		status = "done"
		w.transition(ctx, stateDone)

	case finishCancelled:
		// Keep whatever the run produced: partial text becomes a truncated
		// node (a retry's pending node is completed even when empty so it
		// does not dangle half-initialised); with nothing produced on a
		// send, the conversation is saved as-is so the user turn survives.
		if text != "" || w.pendingID != "" {
			if _, err := w.persistAssistant(text, true); err != nil {
				w.logger.Error(ctx, "saving partial text on cancel failed", "error", err)
			}
		} else if err := w.persistConversation(); err != nil {
			w.logger.Error(ctx, "saving conversation on cancel failed", "error", err)
		}
		cancelled := w.event(models.EventCancelled)
		cancelled.Cancelled = &models.CancelledPayload{Reason: reason}
		ev = cancelled
		status = "cancelled"
		w.transition(ctx, stateCancelled)

	case finishError:
		errKind := providers.KindOf(cause)
		if text != "" {
			if _, err := w.persistAssistant(text, true); err != nil {
				w.logger.Error(ctx, "saving partial text on error failed", "error", err)
			}
		} else {
			nodeText := fmt.Sprintf("Error: %s: %s", errKind, errorDetail(cause))
			if _, err := w.persistAssistant(nodeText, false); err != nil {
				w.logger.Error(ctx, "saving error node failed", "error", err)
			}
		}
		w.o.recordError(errKind)
		w.o.tracer.RecordError(w.span, cause)
		ev = w.errorEvent(cause)
		status = "error"
		w.transition(ctx, stateErrored)
	}

	w.emitTerminal(ev)
	w.o.recordGeneration(w.pname, w.model, status, time.Since(w.start).Seconds(), w.usage)
	w.logger.Info(ctx, "run finalised",
		"status", status, "chunks", w.chunkCount, "chars", len(text))
}

// persistAssistant applies the success/partial mutation under the session
// lock, then saves a clone on a background context so cancellation cannot
// abort the write.
func (w *worker) persistAssistant(text string, truncated bool) (*models.Message, error) {
	var msg *models.Message
	var snapshot *models.Conversation
	err := w.sess.Mutate(func() error {
		g := graph.New(w.conv)
		var err error
		if w.pendingID != "" {
			msg, err = g.CompleteAssistant(w.pendingID, text, w.model,
				map[string]any(w.params.Clone()), w.usage, w.responseID, truncated)
		} else {
			msg, err = g.AddAssistant(text, w.model,
				map[string]any(w.params.Clone()), w.usage, w.responseID,
				models.Ptr(w.parentID), w.branchID)
			if err == nil && truncated {
				if msg.ModelInfo == nil {
					msg.ModelInfo = map[string]any{}
				}
				msg.ModelInfo["truncated"] = true
			}
		}
		if err != nil {
			return graphErr(err)
		}
		snapshot = w.conv.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := w.o.store.Save(saveCtx, snapshot); err != nil {
		return msg, err
	}
	return msg, nil
}

// persistConversation saves the conversation without adding a node.
func (w *worker) persistConversation() error {
	var snapshot *models.Conversation
	if err := w.sess.Mutate(func() error {
		snapshot = w.conv.Clone()
		return nil
	}); err != nil {
		return err
	}
	saveCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	return w.o.store.Save(saveCtx, snapshot)
}

// emit delivers one non-terminal event. A full queue blocks at most the
// subscriber wall; expiry cancels the generation and reports false.
func (w *worker) emit(ctx context.Context, ev models.Event) bool {
	select {
	case w.events <- ev:
		return true
	default:
	}
	timer := time.NewTimer(w.o.subscriberWall)
	defer timer.Stop()
	select {
	case w.events <- ev:
		return true
	case <-timer.C:
		w.stalled = true
		w.o.recordStall()
		w.logger.Warn(ctx, "subscriber stalled, cancelling run", "wall", w.o.subscriberWall.String())
		w.cancel()
		return false
	case <-ctx.Done():
		return false
	}
}

// emitTerminal delivers the terminal event. Cancellation does not abort it;
// only the subscriber wall can, and then the event is dropped with a log.
func (w *worker) emitTerminal(ev models.Event) {
	select {
	case w.events <- ev:
		return
	default:
	}
	timer := time.NewTimer(w.o.subscriberWall)
	defer timer.Stop()
	select {
	case w.events <- ev:
	case <-timer.C:
		w.o.recordStall()
		w.logger.Error(context.Background(), "terminal event dropped after stall", "type", string(ev.Type))
	}
}

// event stamps the shared envelope. Sequence is a per-worker atomic counter,
// so the stream stays totally ordered however it is produced.
func (w *worker) event(t models.EventType) models.Event {
	return models.Event{
		Type:           t,
		Time:           time.Now().UTC(),
		Sequence:       atomic.AddUint64(&w.seq, 1),
		ConversationID: w.convID,
		WorkerID:       w.id,
	}
}

func (w *worker) errorEvent(cause error) models.Event {
	kind := providers.KindOf(cause)
	ev := w.event(models.EventError)
	ev.Error = &models.ErrorPayload{
		Kind:      string(kind),
		Message:   errorDetail(cause),
		Retriable: kind.Retryable(),
		Err:       cause,
	}
	return ev
}

func (w *worker) cancelReason(ctx context.Context) string {
	if w.stalled {
		return fmt.Sprintf("subscriber stalled: no event delivered within %s", w.o.subscriberWall)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "deadline exceeded"
	}
	return "cancelled"
}

func (w *worker) transition(ctx context.Context, to workerState) {
	from := w.state
	w.state = to
	w.logger.Debug(ctx, "worker state", "from", string(from), "to", string(to))
}

// errorDetail extracts the human-readable part of an error for event
// payloads and error nodes.
func errorDetail(err error) string {
	if err == nil {
		return "unknown error"
	}
	if perr, ok := providers.AsError(err); ok && perr.Message != "" {
		return perr.Message
	}
	return err.Error()
}
