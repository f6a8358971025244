package session

import (
	"container/list"
	"context"
	"sync"
	"time"

	"julian-relay/internal/domain"
)

const (
	DefaultMaxTurns    = 12
	DefaultMaxSessions = 5000
	sweepInterval      = time.Minute
)

// entry is one session plus its per-key lock. The semaphore is a buffered
// channel holding a single token so waiters can give up on context cancel.
type entry struct {
	key     domain.SessionKey
	turns   []domain.Turn
	sem     chan struct{}
	holders int
	touched time.Time
	element *list.Element
}

func newEntry(key domain.SessionKey, now time.Time) *entry {
	e := &entry{key: key, sem: make(chan struct{}, 1), touched: now}
	e.sem <- struct{}{}
	return e
}

// Store owns every session's turn history. It is safe for concurrent use.
type Store struct {
	mu          sync.Mutex
	sessions    map[domain.SessionKey]*entry
	order       *list.List // least recently touched at front
	maxTurns    int
	maxSessions int
	idleTTL     time.Duration
	now         func() time.Time
}

type Option func(*Store)

// WithMaxTurns sets the sliding window size.
func WithMaxTurns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxTurns = n
		}
	}
}

// WithMaxSessions caps the number of live sessions.
func WithMaxSessions(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxSessions = n
		}
	}
}

// WithIdleTTL makes Sweep drop sessions untouched for longer than d.
// Zero disables idle eviction.
func WithIdleTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.idleTTL = d
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions:    make(map[domain.SessionKey]*entry),
		order:       list.New(),
		maxTurns:    DefaultMaxTurns,
		maxSessions: DefaultMaxSessions,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxTurns reports the configured window size.
func (s *Store) MaxTurns() int { return s.maxTurns }

// Get returns a copy of the session's turns, oldest first. An absent
// session is created empty.
func (s *Store) Get(key domain.SessionKey) []domain.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookupLocked(key)
	out := make([]domain.Turn, len(e.turns))
	copy(out, e.turns)
	return out
}

// Append adds a turn and trims the session to the most recent MaxTurns.
func (s *Store) Append(key domain.SessionKey, role domain.Role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookupLocked(key)
	e.turns = append(e.turns, domain.Turn{Role: role, Text: text})
	if over := len(e.turns) - s.maxTurns; over > 0 {
		kept := make([]domain.Turn, s.maxTurns)
		copy(kept, e.turns[over:])
		e.turns = kept
	}
}

// Clear removes the session. A task currently holding the key's lock keeps
// it; only the history is dropped.
func (s *Store) Clear(key domain.SessionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[key]
	if !ok {
		return
	}
	e.turns = nil
	if e.holders == 0 {
		s.removeLocked(e)
	}
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Acquire blocks until the caller owns the key's lock or ctx is done.
// The returned release must be called exactly once.
func (s *Store) Acquire(ctx context.Context, key domain.SessionKey) (func(), error) {
	s.mu.Lock()
	e := s.lookupLocked(key)
	e.holders++
	s.mu.Unlock()

	select {
	case <-e.sem:
	case <-ctx.Done():
		s.mu.Lock()
		e.holders--
		s.mu.Unlock()
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			e.holders--
			if cur, ok := s.sessions[e.key]; ok && cur == e {
				e.touched = s.now()
				s.order.MoveToBack(e.element)
				if e.turns == nil && e.holders == 0 {
					s.removeLocked(e)
				}
			}
			s.mu.Unlock()
			e.sem <- struct{}{}
		})
	}, nil
}

// Sweep drops sessions idle for longer than the configured TTL and returns
// how many were removed.
func (s *Store) Sweep(now time.Time) int {
	if s.idleTTL <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		e, _ := el.Value.(*entry)
		if now.Sub(e.touched) <= s.idleTTL {
			break
		}
		if e.holders == 0 {
			s.removeLocked(e)
			removed++
		}
		el = next
	}
	return removed
}

// Run sweeps idle sessions every minute until ctx is done.
func (s *Store) Run(ctx context.Context) {
	if s.idleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			s.Sweep(t)
		}
	}
}

// lookupLocked returns the entry for key, creating it if needed, and marks
// it as most recently used. Must be called with mu held.
func (s *Store) lookupLocked(key domain.SessionKey) *entry {
	now := s.now()
	if e, ok := s.sessions[key]; ok {
		e.touched = now
		s.order.MoveToBack(e.element)
		return e
	}

	if len(s.sessions) >= s.maxSessions {
		s.evictLocked()
	}
	e := newEntry(key, now)
	e.element = s.order.PushBack(e)
	s.sessions[key] = e
	return e
}

// evictLocked removes the least recently used session nobody holds.
func (s *Store) evictLocked() {
	for el := s.order.Front(); el != nil; el = el.Next() {
		e, _ := el.Value.(*entry)
		if e.holders == 0 {
			s.removeLocked(e)
			return
		}
	}
}

func (s *Store) removeLocked(e *entry) {
	s.order.Remove(e.element)
	delete(s.sessions, e.key)
}
