// Package catalog is the read-only boundary to child and story records. The
// dialogue service only needs to check that referenced entities exist and to
// read the few fields used when opening a session.
package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/storyturn/internal/fault"
)

// Child is a registered child profile.
type Child struct {
	ID        int64
	Name      string
	BirthYear int
}

// AgeIn returns the child's age in the given year.
func (c Child) AgeIn(year int) int {
	if c.BirthYear <= 0 || c.BirthYear > year {
		return 0
	}
	return year - c.BirthYear
}

// Age returns the child's age in the current calendar year.
func (c Child) Age() int { return c.AgeIn(time.Now().Year()) }

// Story is a scripted story the dialogue is about.
type Story struct {
	ID    int64
	Title string

	// IntroQuestion opens every session for this story. Empty means the story
	// is not ready for dialogue.
	IntroQuestion string
}

// Catalog looks up children and stories. Unknown IDs fail with
// [fault.KindNotFound].
type Catalog interface {
	Child(ctx context.Context, id int64) (Child, error)
	Story(ctx context.Context, id int64) (Story, error)
}

// Memory is an in-process [Catalog] seeded at construction time.
// It is safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	children map[int64]Child
	stories  map[int64]Story
}

var _ Catalog = (*Memory)(nil)

// NewMemory returns a catalog holding the given records.
func NewMemory(children []Child, stories []Story) *Memory {
	m := &Memory{
		children: make(map[int64]Child, len(children)),
		stories:  make(map[int64]Story, len(stories)),
	}
	for _, c := range children {
		m.children[c.ID] = c
	}
	for _, s := range stories {
		m.stories[s.ID] = s
	}
	return m
}

// PutChild adds or replaces a child.
func (m *Memory) PutChild(c Child) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.children[c.ID] = c
}

// PutStory adds or replaces a story.
func (m *Memory) PutStory(s Story) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stories[s.ID] = s
}

// Child implements [Catalog].
func (m *Memory) Child(_ context.Context, id int64) (Child, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.children[id]
	if !ok {
		return Child{}, ErrChildNotFound(id)
	}
	return c, nil
}

// Story implements [Catalog].
func (m *Memory) Story(_ context.Context, id int64) (Story, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stories[id]
	if !ok {
		return Story{}, ErrStoryNotFound(id)
	}
	return s, nil
}

// ErrChildNotFound returns the NotFound error for a missing child.
func ErrChildNotFound(id int64) error {
	return fault.New(fault.KindNotFound, "catalog: child", fmt.Sprintf("child %d not found", id))
}

// ErrStoryNotFound returns the NotFound error for a missing story.
func ErrStoryNotFound(id int64) error {
	return fault.New(fault.KindNotFound, "catalog: story", fmt.Sprintf("story %d not found", id))
}
