// Package session holds the process-scoped state shared by the CLI and the
// gateway: the active conversation, the provider handle, and the generation
// defaults (model, params, system instruction, streaming flag).
//
// State is mutable only through setters. Each setter mirrors the change into
// the active conversation's metadata and schedules a quiet save, so rapid
// edits coalesce into one disk write. Workers never read session state after
// submission; they take a Snapshot instead.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/loom/internal/debounce"
	"github.com/haasonsaas/loom/internal/graph"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/providers"
	"github.com/haasonsaas/loom/internal/store"
	"github.com/haasonsaas/loom/pkg/models"
)

// DefaultQuietSaveDelay is the debounce window for metadata edits.
const DefaultQuietSaveDelay = 2 * time.Second

// quietSaveTimeout bounds the background save triggered by the debouncer.
const quietSaveTimeout = 10 * time.Second

// Session is the mutable state of one interactive session.
//
// The session mutex also guards in-memory mutation of the active
// conversation: setters write its metadata, and worker finalisation appends
// nodes through Mutate. Nothing else edits a conversation the session holds.
type Session struct {
	store  store.Store
	logger *observability.Logger
	saver  *debounce.Trailing

	mu                sync.Mutex
	provider          providers.Provider
	providerName      string
	model             string
	params            providers.Params
	systemInstruction string
	streaming         bool
	conv              *models.Conversation
}

// Options configures a new Session. Zero values fall back to defaults.
type Options struct {
	// Provider is the initial driver. May be nil; Snapshot fails until
	// UseProvider installs one.
	Provider providers.Provider

	// Model is the initial model id. Empty means the driver's default.
	Model string

	// Params are the initial generation parameters.
	Params providers.Params

	// SystemInstruction seeds new conversations and overrides the chain's
	// system root on provider calls.
	SystemInstruction string

	// Streaming selects the streaming path for new runs.
	Streaming bool

	// QuietSaveDelay overrides the metadata-edit debounce window.
	QuietSaveDelay time.Duration

	// Logger receives quiet-save failures. Defaults to a no-op logger.
	Logger *observability.Logger
}

// New creates a session backed by the given store.
func New(st store.Store, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	delay := opts.QuietSaveDelay
	if delay <= 0 {
		delay = DefaultQuietSaveDelay
	}
	s := &Session{
		store:             st,
		logger:            logger.WithFields("component", "session"),
		provider:          opts.Provider,
		model:             opts.Model,
		params:            opts.Params.Clone(),
		systemInstruction: opts.SystemInstruction,
		streaming:         opts.Streaming,
	}
	if opts.Provider != nil {
		s.providerName = opts.Provider.Name()
	}
	s.saver = debounce.NewTrailing(delay, s.quietSave)
	return s
}

// Store returns the conversation store the session persists through.
func (s *Session) Store() store.Store {
	return s.store
}

// Conversation returns the active conversation, or nil.
func (s *Session) Conversation() *models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// Provider returns the current driver, or nil.
func (s *Session) Provider() providers.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

// ProviderName returns the current driver's name, or "".
func (s *Session) ProviderName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerName
}

// Model returns the current model id, or "" for the driver default.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Params returns a copy of the current generation parameters.
func (s *Session) Params() providers.Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.Clone()
}

// SystemInstruction returns the current system instruction.
func (s *Session) SystemInstruction() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.systemInstruction
}

// Streaming reports whether new runs use the streaming path.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// SetModel sets the model and mirrors it into the active conversation.
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	s.model = model
	dirty := s.conv != nil
	if dirty {
		s.conv.Metadata.Model = model
	}
	s.mu.Unlock()
	if dirty {
		s.saver.Trigger()
	}
}

// SetParams replaces the whole parameter set and mirrors it into the active
// conversation.
func (s *Session) SetParams(p providers.Params) {
	s.mu.Lock()
	s.params = p.Clone()
	dirty := s.conv != nil
	if dirty {
		s.conv.Metadata.Params = map[string]any(p.Clone())
	}
	s.mu.Unlock()
	if dirty {
		s.saver.Trigger()
	}
}

// SetParam sets one generation parameter; a nil value removes the key.
func (s *Session) SetParam(key string, value any) {
	s.mu.Lock()
	if s.params == nil {
		s.params = providers.Params{}
	}
	if value == nil {
		delete(s.params, key)
	} else {
		s.params[key] = value
	}
	dirty := s.conv != nil
	if dirty {
		s.conv.Metadata.Params = map[string]any(s.params.Clone())
	}
	s.mu.Unlock()
	if dirty {
		s.saver.Trigger()
	}
}

// SetSystemInstruction sets the system instruction and mirrors it into the
// active conversation. The chain's system root keeps its original content;
// the instruction override wins at request time.
func (s *Session) SetSystemInstruction(instruction string) {
	s.mu.Lock()
	s.systemInstruction = instruction
	dirty := s.conv != nil
	if dirty {
		s.conv.Metadata.SystemInstruction = instruction
	}
	s.mu.Unlock()
	if dirty {
		s.saver.Trigger()
	}
}

// SetStreaming selects the streaming path and records the preference on the
// active conversation.
func (s *Session) SetStreaming(on bool) {
	s.mu.Lock()
	s.streaming = on
	dirty := s.conv != nil
	if dirty {
		s.conv.Metadata.StreamingPreference = &on
	}
	s.mu.Unlock()
	if dirty {
		s.saver.Trigger()
	}
}

// UseProvider installs a new driver. When the current model is not served by
// the new provider it is cleared, falling back to the driver default.
func (s *Session) UseProvider(p providers.Provider) {
	s.mu.Lock()
	s.provider = p
	s.providerName = p.Name()
	dirty := false
	if s.model != "" && !p.ValidateModel(s.model) {
		s.logger.Info(context.Background(), "model not served by provider, using default",
			"model", s.model, "provider", s.providerName)
		s.model = ""
		if s.conv != nil {
			s.conv.Metadata.Model = ""
			dirty = true
		}
	}
	s.mu.Unlock()
	if dirty {
		s.saver.Trigger()
	}
}

// SwitchConversation saves the previous conversation, then makes conv the
// active one and adopts its persisted generation settings (model, params,
// system instruction, streaming preference) into the session. A nil conv
// leaves the session without an active conversation.
func (s *Session) SwitchConversation(ctx context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	prev := s.conv
	var prevCopy *models.Conversation
	if prev != nil && prev != conv {
		prevCopy = prev.Clone()
	}
	s.mu.Unlock()

	if prevCopy != nil {
		if err := s.store.Save(ctx, prevCopy); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.conv = conv
	if conv != nil {
		meta := &conv.Metadata
		if meta.Model != "" {
			s.model = meta.Model
		}
		if len(meta.Params) > 0 {
			s.params = providers.Params(meta.Params).Clone()
		}
		if meta.SystemInstruction != "" {
			s.systemInstruction = meta.SystemInstruction
		}
		if meta.StreamingPreference != nil {
			s.streaming = *meta.StreamingPreference
		}
	}
	s.mu.Unlock()

	// Pending edits on the previous conversation are covered by the save
	// above; drop the stale trigger so it does not re-stamp the new one.
	s.saver.Cancel()
	return nil
}

// StartConversation creates a fresh conversation seeded with the session's
// system instruction, model, and params, persists it, and switches to it.
func (s *Session) StartConversation(ctx context.Context, title string) (*models.Conversation, error) {
	s.mu.Lock()
	conv := graph.NewConversation(title, s.systemInstruction).Conversation()
	conv.Metadata.Model = s.model
	if len(s.params) > 0 {
		conv.Metadata.Params = map[string]any(s.params.Clone())
	}
	s.mu.Unlock()

	if err := s.store.Save(ctx, conv); err != nil {
		return nil, err
	}
	if err := s.SwitchConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Open loads a conversation by identifier and switches to it.
func (s *Session) Open(ctx context.Context, identifier string) (*models.Conversation, error) {
	conv, err := s.store.Load(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if err := s.SwitchConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Snapshot is the immutable view a worker takes at submission time.
type Snapshot struct {
	Provider          providers.Provider
	ProviderName      string
	Model             string
	Params            providers.Params
	SystemInstruction string
	Stream            bool

	// Conversation is the live conversation object. Workers mutate it only
	// through Mutate.
	Conversation *models.Conversation
}

// Snapshot captures the state a generation run needs. It fails when no
// provider is configured or no conversation is active.
func (s *Session) Snapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provider == nil {
		return Snapshot{}, &providers.Error{
			Kind:    providers.KindConfigInvalid,
			Message: "no provider configured",
		}
	}
	if s.conv == nil {
		return Snapshot{}, &providers.Error{
			Kind:    providers.KindBadRequest,
			Message: "no active conversation",
		}
	}
	return Snapshot{
		Provider:          s.provider,
		ProviderName:      s.providerName,
		Model:             s.model,
		Params:            s.params.Clone(),
		SystemInstruction: s.systemInstruction,
		Stream:            s.streaming,
		Conversation:      s.conv,
	}, nil
}

// Mutate runs fn while holding the session lock. Worker finalisation goes
// through here so graph mutation never races a setter writing metadata on
// the same conversation.
func (s *Session) Mutate(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// Close flushes a pending quiet save and stops the debouncer.
func (s *Session) Close() {
	s.saver.Flush()
	s.saver.Stop()
}

// quietSave persists the active conversation in the background. Failures
// are logged, not surfaced; the next explicit save retries.
func (s *Session) quietSave() {
	s.mu.Lock()
	var data *models.Conversation
	if s.conv != nil {
		data = s.conv.Clone()
	}
	s.mu.Unlock()
	if data == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), quietSaveTimeout)
	defer cancel()
	if err := s.store.Save(ctx, data); err != nil {
		s.logger.Warn(ctx, "quiet save failed", "conversation_id", data.ID, "error", err)
	}
}
