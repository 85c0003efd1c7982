// Package store persists conversations as one JSON file per conversation
// under a single directory. Saves are atomic (temp file, fsync, rename) and
// serialised per conversation id; reads run concurrently. A filesystem
// watcher invalidates the listing cache when files change behind the
// process's back.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/haasonsaas/loom/internal/graph"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/providers"
	"github.com/haasonsaas/loom/pkg/models"
)

// Summary is one row of the conversation listing.
type Summary struct {
	ID           string    `json:"conversation_id"`
	Title        string    `json:"title"`
	Filename     string    `json:"filename"`
	Path         string    `json:"path"`
	CreatedAt    time.Time `json:"created_at"`
	Model        string    `json:"model,omitempty"`
	MessageCount int       `json:"message_count"`
}

// Store is the persistence surface the orchestrator, gateway and CLI consume.
// Identifier arguments accept a conversation id, a filename (with or without
// the .json extension), a case-insensitive title, or a 1-based index into the
// most recent listing; Load documents the resolution order.
type Store interface {
	List(ctx context.Context) ([]Summary, error)
	Load(ctx context.Context, identifier string) (*models.Conversation, error)
	Save(ctx context.Context, conv *models.Conversation) error
	Rename(ctx context.Context, identifier, newTitle string) (*models.Conversation, error)
	Duplicate(ctx context.Context, identifier, newTitle string) (*models.Conversation, error)
	Delete(ctx context.Context, identifier string) error
}

// Options carries the optional collaborators of a FileStore.
type Options struct {
	// Logger receives skip warnings and watcher errors. Defaults to a
	// no-op logger when nil.
	Logger *observability.Logger

	// Metrics records per-operation counters and latencies when set.
	Metrics *observability.Metrics
}

// FileStore implements Store on a directory of JSON files named
// <sanitized_title>_<conversation_id>.json.
type FileStore struct {
	dir     string
	logger  *observability.Logger
	metrics *observability.Metrics

	locks *keyedLock

	// mu guards the listing cache and the id-to-filename map. fresh is
	// only set when the watcher is running; without it every List rescans
	// the directory.
	mu      sync.RWMutex
	listing []Summary
	fresh   bool
	known   map[string]string

	watcher *fsnotify.Watcher
	watchWg sync.WaitGroup
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens (creating if needed) the conversations directory and
// starts the change watcher. A watcher failure is logged and degrades the
// store to rescanning on every List rather than failing construction.
func NewFileStore(dir string, opts Options) (*FileStore, error) {
	if dir == "" {
		return nil, &providers.Error{Kind: providers.KindConfigInvalid, Message: "conversations directory is required"}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &providers.Error{
			Kind:    providers.KindConfigInvalid,
			Message: fmt.Sprintf("create conversations directory %s", dir),
			Cause:   err,
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	s := &FileStore{
		dir:     dir,
		logger:  logger.WithFields("component", "store"),
		metrics: opts.Metrics,
		locks:   newKeyedLock(),
		known:   make(map[string]string),
	}
	s.startWatcher()
	return s, nil
}

// Dir returns the directory the store reads and writes.
func (s *FileStore) Dir() string {
	return s.dir
}

// Close stops the change watcher. The store remains usable for file
// operations afterwards; only cache invalidation on external changes stops.
func (s *FileStore) Close() error {
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	s.watchWg.Wait()
	s.watcher = nil
	return err
}

// List returns a summary per parsable conversation file, ordered by
// created_at (oldest first). Unparsable files are skipped with a warning so
// one corrupt file cannot hide the rest. Results are cached until a write or
// a watcher event invalidates them.
func (s *FileStore) List(ctx context.Context) ([]Summary, error) {
	start := time.Now()
	out, err := s.list(ctx)
	s.record("list", start, err)
	return out, err
}

func (s *FileStore) list(ctx context.Context) ([]Summary, error) {
	s.mu.RLock()
	if s.fresh {
		cached := append([]Summary(nil), s.listing...)
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &providers.Error{
			Kind:    providers.KindUnknown,
			Message: fmt.Sprintf("read conversations directory %s", s.dir),
			Cause:   err,
		}
	}

	summaries := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, &providers.Error{Kind: providers.KindCancelled, Message: "listing interrupted", Cause: err}
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.dir, name)
		conv, err := readConversation(path)
		if err != nil {
			s.logger.Warn(ctx, "skipping unreadable conversation file", "file", name, "error", err)
			continue
		}
		summaries = append(summaries, summarize(conv, name, path))
	}

	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
		}
		return summaries[i].Filename < summaries[j].Filename
	})

	s.mu.Lock()
	s.listing = summaries
	s.fresh = s.watcher != nil
	for _, sum := range summaries {
		s.known[sum.ID] = sum.Filename
	}
	s.mu.Unlock()

	return append([]Summary(nil), summaries...), nil
}

// Load resolves an identifier to a conversation. Resolution tries, in order:
// conversation id, exact filename, filename with .json appended,
// case-insensitive title, and finally a 1-based index into the most recent
// listing. A file that resolves but fails to decode or violates the graph
// invariants yields a conversation_corrupt error; an identifier that matches
// nothing yields not_found.
func (s *FileStore) Load(ctx context.Context, identifier string) (*models.Conversation, error) {
	start := time.Now()
	conv, err := s.load(ctx, identifier)
	s.record("load", start, err)
	return conv, err
}

func (s *FileStore) load(ctx context.Context, identifier string) (*models.Conversation, error) {
	res, err := s.resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	return loadConversation(res.path)
}

// Save writes the conversation to <sanitized_title>_<id>.json, stamping
// updated_at. The write goes to a temp file in the same directory, is synced,
// and replaces the target with an atomic rename so readers never observe a
// partial file. When the derived filename changed (title change, legacy
// layout migration) the conversation's previous file is removed. Writes to
// the same conversation are serialised.
func (s *FileStore) Save(ctx context.Context, conv *models.Conversation) error {
	start := time.Now()
	err := s.save(ctx, conv)
	s.record("save", start, err)
	return err
}

func (s *FileStore) save(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return &providers.Error{Kind: providers.KindInvariantViolation, Message: "conversation id is required"}
	}
	release, err := s.locks.Acquire(ctx, conv.ID)
	if err != nil {
		return &providers.Error{Kind: providers.KindCancelled, Message: "save interrupted", Cause: err}
	}
	defer release()
	_, err = s.saveLocked(ctx, conv)
	return err
}

// saveLocked writes the conversation and returns the path it landed on.
// The caller holds the conversation's write lock.
func (s *FileStore) saveLocked(ctx context.Context, conv *models.Conversation) (string, error) {
	conv.Touch()
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return "", &providers.Error{Kind: providers.KindUnknown, Message: "encode conversation", Cause: err}
	}
	name := filenameFor(conv)
	path := filepath.Join(s.dir, name)
	if err := writeFileAtomic(path, data, 0o600); err != nil {
		return "", &providers.Error{
			Kind:    providers.KindUnknown,
			Message: fmt.Sprintf("write conversation file %s", name),
			Cause:   err,
		}
	}

	s.mu.Lock()
	prev := s.known[conv.ID]
	s.known[conv.ID] = name
	s.fresh = false
	s.mu.Unlock()

	// A title change or a legacy-layout migration moves the conversation
	// to a new derived filename; sweep the old file so each id maps to
	// exactly one file.
	if prev != "" && prev != name {
		if err := os.Remove(filepath.Join(s.dir, prev)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn(ctx, "removing superseded conversation file", "file", prev, "error", err)
		}
	}
	return path, nil
}

// Rename sets a new title, saves, and removes the old file when the derived
// filename changed. It returns the updated conversation.
func (s *FileStore) Rename(ctx context.Context, identifier, newTitle string) (*models.Conversation, error) {
	start := time.Now()
	conv, err := s.renameOp(ctx, identifier, newTitle)
	s.record("rename", start, err)
	return conv, err
}

func (s *FileStore) renameOp(ctx context.Context, identifier, newTitle string) (*models.Conversation, error) {
	if strings.TrimSpace(newTitle) == "" {
		return nil, &providers.Error{Kind: providers.KindBadRequest, Message: "new title must not be empty"}
	}
	res, err := s.resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	conv, err := loadConversation(res.path)
	if err != nil {
		return nil, err
	}

	release, err := s.locks.Acquire(ctx, conv.ID)
	if err != nil {
		return nil, &providers.Error{Kind: providers.KindCancelled, Message: "rename interrupted", Cause: err}
	}
	defer release()

	conv.Metadata.Title = newTitle
	if _, err := s.saveLocked(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Duplicate deep-copies a conversation into a new one with fresh message ids,
// a fresh conversation id and fresh timestamps, then saves it. An empty
// newTitle derives one as "<source title> (Copy)".
func (s *FileStore) Duplicate(ctx context.Context, identifier, newTitle string) (*models.Conversation, error) {
	start := time.Now()
	conv, err := s.duplicateOp(ctx, identifier, newTitle)
	s.record("duplicate", start, err)
	return conv, err
}

func (s *FileStore) duplicateOp(ctx context.Context, identifier, newTitle string) (*models.Conversation, error) {
	src, err := s.load(ctx, identifier)
	if err != nil {
		return nil, err
	}
	dup := duplicateConversation(src, newTitle)
	if err := s.save(ctx, dup); err != nil {
		return nil, err
	}
	return dup, nil
}

// Delete resolves an identifier and removes its file.
func (s *FileStore) Delete(ctx context.Context, identifier string) error {
	start := time.Now()
	err := s.deleteOp(ctx, identifier)
	s.record("delete", start, err)
	return err
}

func (s *FileStore) deleteOp(ctx context.Context, identifier string) error {
	res, err := s.resolve(ctx, identifier)
	if err != nil {
		return err
	}
	key := res.id
	if key == "" {
		key = res.path
	}
	release, err := s.locks.Acquire(ctx, key)
	if err != nil {
		return &providers.Error{Kind: providers.KindCancelled, Message: "delete interrupted", Cause: err}
	}
	defer release()

	if err := os.Remove(res.path); err != nil {
		if os.IsNotExist(err) {
			return notFound(identifier)
		}
		return &providers.Error{
			Kind:    providers.KindUnknown,
			Message: fmt.Sprintf("delete conversation file %s", filepath.Base(res.path)),
			Cause:   err,
		}
	}

	s.mu.Lock()
	if res.id != "" {
		delete(s.known, res.id)
	}
	s.fresh = false
	s.mu.Unlock()
	return nil
}

// resolved is the outcome of identifier resolution. id is empty when only
// the file matched (e.g. an unparsable file addressed by filename).
type resolved struct {
	id   string
	path string
}

func (s *FileStore) resolve(ctx context.Context, identifier string) (resolved, error) {
	if identifier == "" {
		return resolved{}, notFound(identifier)
	}
	summaries, err := s.list(ctx)
	if err != nil {
		return resolved{}, err
	}

	for _, sum := range summaries {
		if sum.ID == identifier {
			return resolved{id: sum.ID, path: sum.Path}, nil
		}
	}

	// Filename matches hit the filesystem directly so that a corrupt file
	// can still be addressed (and surface conversation_corrupt on load).
	if !strings.ContainsAny(identifier, `/\`) {
		for _, name := range []string{identifier, identifier + ".json"} {
			path := filepath.Join(s.dir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				res := resolved{path: path}
				for _, sum := range summaries {
					if sum.Filename == name {
						res.id = sum.ID
						break
					}
				}
				return res, nil
			}
		}
	}

	for _, sum := range summaries {
		if strings.EqualFold(sum.Title, identifier) {
			return resolved{id: sum.ID, path: sum.Path}, nil
		}
	}

	if n, err := strconv.Atoi(identifier); err == nil && n >= 1 && n <= len(summaries) {
		sum := summaries[n-1]
		return resolved{id: sum.ID, path: sum.Path}, nil
	}

	return resolved{}, notFound(identifier)
}

func notFound(identifier string) *providers.Error {
	return &providers.Error{
		Kind:    providers.KindNotFound,
		Message: fmt.Sprintf("conversation %q not found", identifier),
	}
}

// loadConversation reads, decodes and validates one conversation file.
func loadConversation(path string) (*models.Conversation, error) {
	conv, err := readConversation(path)
	if err != nil {
		return nil, err
	}
	if err := graph.New(conv).Validate(); err != nil {
		return nil, &providers.Error{
			Kind:    providers.KindConversationCorrupt,
			Message: fmt.Sprintf("conversation file %s violates graph invariants", filepath.Base(path)),
			Cause:   err,
		}
	}
	return conv, nil
}

// readConversation decodes a conversation file without validating the graph,
// converting the legacy flat-history layout when it is detected.
func readConversation(path string) (*models.Conversation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(filepath.Base(path))
		}
		return nil, &providers.Error{
			Kind:    providers.KindUnknown,
			Message: fmt.Sprintf("read conversation file %s", filepath.Base(path)),
			Cause:   err,
		}
	}
	conv, err := decodeConversation(data)
	if err != nil {
		return nil, &providers.Error{
			Kind:    providers.KindConversationCorrupt,
			Message: fmt.Sprintf("decode conversation file %s", filepath.Base(path)),
			Cause:   err,
		}
	}
	return conv, nil
}

func summarize(conv *models.Conversation, filename, path string) Summary {
	return Summary{
		ID:           conv.ID,
		Title:        conv.Metadata.Title,
		Filename:     filename,
		Path:         path,
		CreatedAt:    conv.Metadata.CreatedAt,
		Model:        conv.Metadata.Model,
		MessageCount: len(conv.Messages),
	}
}

// duplicateConversation deep-copies src into a brand-new conversation:
// fresh conversation and message ids (parent, children, branch and active
// leaf references rewritten), fresh timestamps, and the given title (or
// "<source title> (Copy)" when empty). When the source active leaf does not
// survive the mapping the message with the latest timestamp takes over.
func duplicateConversation(src *models.Conversation, newTitle string) *models.Conversation {
	out := src.Clone()
	out.ID = uuid.NewString()

	idMap := make(map[string]string, len(out.Messages))
	for oldID := range out.Messages {
		idMap[oldID] = uuid.NewString()
	}

	remapped := make(map[string]*models.Message, len(out.Messages))
	for oldID, msg := range out.Messages {
		msg.ID = idMap[oldID]
		if msg.ParentID != nil {
			if parent, ok := idMap[*msg.ParentID]; ok {
				msg.ParentID = &parent
			}
		}
		for i, child := range msg.Children {
			if mapped, ok := idMap[child]; ok {
				msg.Children[i] = mapped
			}
		}
		remapped[msg.ID] = msg
	}
	out.Messages = remapped

	for _, info := range out.Branches {
		if mapped, ok := idMap[info.LastMessage]; ok {
			info.LastMessage = mapped
		}
	}

	out.Metadata.ActiveLeaf = nil
	if leaf := src.ActiveLeafID(); leaf != "" {
		if mapped, ok := idMap[leaf]; ok {
			out.Metadata.ActiveLeaf = &mapped
		}
	}
	if out.Metadata.ActiveLeaf == nil {
		if latest := latestMessageID(out.Messages); latest != "" {
			out.Metadata.ActiveLeaf = &latest
		}
	}

	if newTitle == "" {
		newTitle = src.Metadata.Title + " (Copy)"
	}
	out.Metadata.Title = newTitle

	now := time.Now().UTC()
	out.Metadata.CreatedAt = now
	out.Metadata.UpdatedAt = now
	return out
}

// latestMessageID returns the id of the newest message, breaking timestamp
// ties by id so the result is deterministic.
func latestMessageID(messages map[string]*models.Message) string {
	var bestID string
	var bestAt time.Time
	for id, m := range messages {
		if m == nil {
			continue
		}
		if bestID == "" || m.Timestamp.After(bestAt) || (m.Timestamp.Equal(bestAt) && id > bestID) {
			bestID = id
			bestAt = m.Timestamp
		}
	}
	return bestID
}

// filenameFor derives the on-disk name <sanitized_title>_<id>.json.
func filenameFor(conv *models.Conversation) string {
	return sanitizeTitle(conv.Metadata.Title) + "_" + conv.ID + ".json"
}

var filenameStrip = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// sanitizeTitle lowers a title into a filename-safe slug: whitespace becomes
// underscores, everything outside [A-Za-z0-9_-] is dropped, and the result is
// lowercased and capped at 40 characters.
func sanitizeTitle(title string) string {
	slug := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, title)
	slug = filenameStrip.ReplaceAllString(slug, "")
	slug = strings.ToLower(slug)
	if len(slug) > 40 {
		slug = slug[:40]
	}
	return slug
}

// writeFileAtomic writes data to a temp file in the target's directory,
// fsyncs it, and renames it over the target.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (s *FileStore) invalidate() {
	s.mu.Lock()
	s.fresh = false
	s.mu.Unlock()
}

// startWatcher begins watching the conversations directory so externally
// created, changed or removed files invalidate the listing cache. Failure to
// start is non-fatal: the store falls back to rescanning on every List.
func (s *FileStore) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn(context.Background(), "conversation watcher unavailable", "error", err)
		return
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		s.logger.Warn(context.Background(), "watching conversations directory failed",
			"dir", s.dir, "error", err)
		return
	}
	s.watcher = watcher
	s.watchWg.Add(1)
	go s.watchLoop()
}

func (s *FileStore) watchLoop() {
	defer s.watchWg.Done()
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			s.invalidate()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn(context.Background(), "conversation watcher error", "error", err)
		}
	}
}

func (s *FileStore) record(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordStoreOp(op, status, time.Since(start).Seconds())
}
