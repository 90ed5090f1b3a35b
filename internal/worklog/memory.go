package worklog

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

type pendingEntry struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int
}

type memoryGroup struct {
	delivered map[string]bool
	pending   map[string]*pendingEntry
}

// MemoryStore is an in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu          sync.Mutex
	seq         int64
	entries     []*Entry
	byID        map[string]*Entry
	groups      map[string]*memoryGroup
	subscribers map[chan struct{}]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:        make(map[string]*Entry),
		groups:      make(map[string]*memoryGroup),
		subscribers: make(map[chan struct{}]struct{}),
	}
}

func (s *MemoryStore) group(name string) *memoryGroup {
	g, ok := s.groups[name]
	if !ok {
		g = &memoryGroup{delivered: make(map[string]bool), pending: make(map[string]*pendingEntry)}
		s.groups[name] = g
	}
	return g
}

func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	s.seq++
	e.ID = strconv.FormatInt(s.seq, 10)
	stored := *e
	s.entries = append(s.entries, &stored)
	s.byID[stored.ID] = &stored
	for ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ReadNew(_ context.Context, group, consumer string, n int, now time.Time) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.group(group)
	var out []Entry
	for _, e := range s.entries {
		if len(out) >= n {
			break
		}
		if g.delivered[e.ID] || e.VisibleAt.After(now) {
			continue
		}
		g.delivered[e.ID] = true
		g.pending[e.ID] = &pendingEntry{consumer: consumer, deliveredAt: now, deliveries: 1}
		out = append(out, *e)
	}
	return out, nil
}

func (s *MemoryStore) Ack(_ context.Context, group, consumer, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.group(group)
	p, ok := g.pending[id]
	if !ok || p.consumer != consumer {
		return ErrEntryNotPending
	}
	delete(g.pending, id)
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, group, consumer string, idleBefore time.Time, n int, now time.Time) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.group(group)
	ids := make([]string, 0, len(g.pending))
	for id, p := range g.pending {
		if !p.deliveredAt.After(idleBefore) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.ParseInt(ids[i], 10, 64)
		b, _ := strconv.ParseInt(ids[j], 10, 64)
		return a < b
	})
	if len(ids) > n {
		ids = ids[:n]
	}
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		p := g.pending[id]
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		out = append(out, *s.byID[id])
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context, group string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.group(group)
	st := Stats{Group: group, Pending: make(map[string]int)}
	for _, e := range s.entries {
		if !g.delivered[e.ID] {
			st.Length++
		}
	}
	for _, p := range g.pending {
		st.Pending[p.consumer]++
	}
	return st, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subscribers, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}
