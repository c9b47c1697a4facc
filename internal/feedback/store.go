// Package feedback generates the parent-facing report for a finished
// conversation and keeps one record of it per session.
//
// Records are written by the [Dispatcher] in the background after a session
// completes. Two stores exist: the JSON-lines [FileStore] for small
// deployments and local development, and a PostgreSQL store in the postgres
// sub-package.
package feedback

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/storyturn/internal/fault"
)

// Status is the lifecycle state of a feedback record.
type Status string

const (
	StatusGenerating Status = "GENERATING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Record is the feedback report for one session.
type Record struct {
	SessionID   string    `json:"session_id"`
	Status      Status    `json:"status"`
	Analysis    string    `json:"child_analysis_feedback,omitempty"`
	ActionGuide string    `json:"parent_action_guide,omitempty"`
	GeneratedAt time.Time `json:"generated_at,omitzero"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists feedback records keyed by session ID.
//
// Save is an upsert. Get returns a [fault.KindNotFound] error when no record
// exists for the session. Exists reports whether any record exists,
// regardless of its status.
type Store interface {
	Save(ctx context.Context, r Record) error
	Get(ctx context.Context, sessionID string) (Record, error)
	Exists(ctx context.Context, sessionID string) (bool, error)
}

// ErrNotFound returns the error reported for a session without feedback.
func ErrNotFound(sessionID string) error {
	return fault.New(fault.KindNotFound, "feedback: get", fmt.Sprintf("no feedback for session %q", sessionID))
}

// MemStore keeps records in memory. It is safe for concurrent use.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]Record)}
}

// Save implements [Store].
func (m *MemStore) Save(_ context.Context, r Record) error {
	if r.SessionID == "" {
		return fault.New(fault.KindInvalidArgument, "feedback: save", "session id must not be empty")
	}
	m.mu.Lock()
	m.records[r.SessionID] = r
	m.mu.Unlock()
	return nil
}

// Get implements [Store].
func (m *MemStore) Get(_ context.Context, sessionID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[sessionID]
	if !ok {
		return Record{}, ErrNotFound(sessionID)
	}
	return r, nil
}

// Exists implements [Store].
func (m *MemStore) Exists(_ context.Context, sessionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[sessionID]
	return ok, nil
}

// FileStore persists feedback as append-only JSON lines in a local file.
// Every Save appends the full record; on open the file is replayed and the
// last line per session wins. Thread-safe for concurrent use.
type FileStore struct {
	mu    sync.Mutex
	path  string
	index *MemStore
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens the store at path, replaying existing lines. The file is
// created on first Save if it does not exist.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("feedback: file store: path must not be empty")
	}
	s := &FileStore{path: path, index: NewMemStore()}
	if err := s.replay(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) replay() error {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("feedback: open file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return fmt.Errorf("feedback: %s line %d: %w", s.path, line, err)
		}
		s.index.records[r.SessionID] = r
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("feedback: read file: %w", err)
	}
	return nil
}

// Save appends r to the file and updates the in-memory index.
func (s *FileStore) Save(ctx context.Context, r Record) error {
	if r.SessionID == "" {
		return fault.New(fault.KindInvalidArgument, "feedback: save", "session id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("feedback: marshal: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fault.Wrap(fault.KindStorage, "feedback: open file", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fault.Wrap(fault.KindStorage, "feedback: write", err)
	}
	return s.index.Save(ctx, r)
}

// Get implements [Store].
func (s *FileStore) Get(ctx context.Context, sessionID string) (Record, error) {
	return s.index.Get(ctx, sessionID)
}

// Exists implements [Store].
func (s *FileStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	return s.index.Exists(ctx, sessionID)
}
