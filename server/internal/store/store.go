package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wptpipe/wptpipe/pkg/types"
)

// Page is the latest page summary received for one URL.
type Page struct {
	URL          string         `json:"url"`
	Group        string         `json:"group"`
	TestID       string         `json:"testId,omitempty"`
	Location     string         `json:"location"`
	Connectivity string         `json:"connectivity"`
	Medians      map[string]any `json:"medians"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Group is the latest summary received for one group.
type Group struct {
	types.GroupSummary
	Location     string    `json:"location"`
	Connectivity string    `json:"connectivity"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ErrorRecord is one failed test reported by an agent.
type ErrorRecord struct {
	URL     string    `json:"url"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Store is a thread-safe in-memory view of what agents have reported:
// the latest summary per page and per group, plus a bounded ring of recent
// errors. A background goroutine (Run) evicts pages and groups that have not
// been updated within the TTL.
type Store struct {
	mu     sync.RWMutex
	pages  map[string]Page
	groups map[string]Group
	errs   []ErrorRecord // ring, oldest first
	maxErr int
	ttl    time.Duration
	now    func() time.Time // injectable for deterministic tests
}

// New creates a Store with the given TTL and error ring size.
func New(ttl time.Duration, maxErrors int) *Store {
	if maxErrors <= 0 {
		maxErrors = 100
	}
	return &Store{
		pages:  make(map[string]Page),
		groups: make(map[string]Group),
		maxErr: maxErrors,
		ttl:    ttl,
		now:    time.Now,
	}
}

// PutPage stores or replaces the page for p.URL and stamps UpdatedAt.
func (s *Store) PutPage(p Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = s.now()
	s.pages[p.URL] = p
}

// Page returns the page for url. The entry may be stale if TTL has elapsed.
func (s *Store) Page(url string) (Page, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[url]
	return p, ok
}

// Pages returns live pages sorted by URL.
func (s *Store) Pages() []Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	out := make([]Page, 0, len(s.pages))
	for _, p := range s.pages {
		if s.live(p.UpdatedAt, now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// PutGroup stores or replaces the summary for g.Group and stamps UpdatedAt.
func (s *Store) PutGroup(g Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g.UpdatedAt = s.now()
	s.groups[g.Group] = g
}

// Group returns the summary for name.
func (s *Store) Group(name string) (Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[name]
	return g, ok
}

// Groups returns live group summaries sorted by name.
func (s *Store) Groups() []Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	out := make([]Group, 0, len(s.groups))
	for _, g := range s.groups {
		if s.live(g.UpdatedAt, now) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// RecordError appends e to the ring, dropping the oldest when full.
func (s *Store) RecordError(e ErrorRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.At.IsZero() {
		e.At = s.now()
	}
	if len(s.errs) >= s.maxErr {
		s.errs = s.errs[1:]
	}
	s.errs = append(s.errs, e)
}

// Errors returns recent errors, newest first.
func (s *Store) Errors() []ErrorRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ErrorRecord, len(s.errs))
	for i, e := range s.errs {
		out[len(s.errs)-1-i] = e
	}
	return out
}

// Count returns the number of pages and groups held, including stale ones.
func (s *Store) Count() (pages, groups int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages), len(s.groups)
}

// Evict removes pages and groups whose UpdatedAt is older than now minus TTL.
// It returns the number of entries removed.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, p := range s.pages {
		if !s.live(p.UpdatedAt, now) {
			delete(s.pages, k)
			removed++
		}
	}
	for k, g := range s.groups {
		if !s.live(g.UpdatedAt, now) {
			delete(s.groups, k)
			removed++
		}
	}
	return removed
}

// live reports whether an entry updated at t is still within the TTL.
// A TTL of zero disables expiry.
func (s *Store) live(t, now time.Time) bool {
	return s.ttl <= 0 || t.After(now.Add(-s.ttl))
}

// Run starts the background TTL eviction loop. It ticks at half the TTL
// (minimum 1 second) and blocks until ctx is cancelled. It returns at once
// when expiry is disabled.
func (s *Store) Run(ctx context.Context) {
	if s.ttl <= 0 {
		return
	}
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted stale entries", "count", n)
			}
		}
	}
}
