package turn

import (
	"sync"
	"time"

	"node.town/ragvoice/backend"
	"node.town/ragvoice/etc"
	"node.town/ragvoice/event"
)

type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

type Entry struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is the append-only conversation log.
type Transcript struct {
	mu       sync.Mutex
	entries  []Entry
	appended event.Emitter[Entry]
	now      func() time.Time
}

func NewTranscript() *Transcript {
	return &Transcript{now: time.Now}
}

func (t *Transcript) Append(role Role, content string) Entry {
	t.mu.Lock()
	e := Entry{
		ID:        etc.NewSessionID(),
		Role:      role,
		Content:   content,
		Timestamp: t.now(),
	}
	t.entries = append(t.entries, e)
	t.mu.Unlock()

	t.appended.Emit(e)
	return e
}

func (t *Transcript) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}

func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Transcript) OnAppend(fn func(Entry)) func() {
	return t.appended.Subscribe(fn)
}

// Sources holds the ranked sources of the latest reply.
type Sources struct {
	mu      sync.Mutex
	items   []backend.Source
	changed event.Emitter[[]backend.Source]
}

func NewSources() *Sources {
	return &Sources{}
}

// Replace swaps in the sources of a new reply.
func (s *Sources) Replace(items []backend.Source) {
	s.mu.Lock()
	s.items = append([]backend.Source(nil), items...)
	snapshot := append([]backend.Source(nil), s.items...)
	s.mu.Unlock()

	s.changed.Emit(snapshot)
}

func (s *Sources) Items() []backend.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.Source{}, s.items...)
}

func (s *Sources) OnChange(fn func([]backend.Source)) func() {
	return s.changed.Subscribe(fn)
}
