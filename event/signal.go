package event

import (
	"sort"
	"sync"
)

// Signal is a boolean that is true while any of its named sources is
// true. Subscribers hear only changes of the combined value.
type Signal struct {
	mu      sync.Mutex
	sources map[string]bool
	on      bool
	changed Emitter[bool]
}

func NewSignal() *Signal {
	return &Signal{sources: make(map[string]bool)}
}

// Set records the state of one source and emits if the combined value
// flipped.
func (s *Signal) Set(source string, on bool) {
	s.mu.Lock()
	if on {
		s.sources[source] = true
	} else {
		delete(s.sources, source)
	}
	was := s.on
	s.on = len(s.sources) > 0
	now := s.on
	s.mu.Unlock()

	if was != now {
		s.changed.Emit(now)
	}
}

func (s *Signal) On() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

// Sources lists the sources currently holding the signal up.
func (s *Signal) Sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Signal) Subscribe(fn func(bool)) func() {
	return s.changed.Subscribe(fn)
}
