package repository

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/evalboard/internal/domain/model"
	"github.com/okian/evalboard/pkg/logger"
	"github.com/okian/evalboard/pkg/metrics"
)

// Treap-based, in-memory Store implementation.
//
// Ordering: score DESC, then EntryKey ASC (deterministic).
// "less" means ranks earlier, so in-order traversal yields the leaderboard
// from best to worst. Every row, including quarantined and soft-deleted
// ones, stays in the index and is filtered on read.

// treap node
type node struct {
	key   model.EntryKey
	score float64
	prio  uint64
	left  *node
	right *node
	size  int
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

// less returns true if (aScore, aKey) should appear before (bScore, bKey).
func less(aScore float64, aKey model.EntryKey, bScore float64, bKey model.EntryKey) bool {
	if aScore != bScore {
		return aScore > bScore // higher score ranks earlier
	}
	return aKey.Less(bKey)
}

func rotateRight(y *node) *node {
	x := y.left
	t2 := x.right
	x.right = y
	y.left = t2
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	t2 := y.left
	y.left = x
	x.right = t2
	fix(x)
	fix(y)
	return y
}

func insert(n *node, key model.EntryKey, score float64, prio uint64) *node {
	if n == nil {
		return &node{key: key, score: score, prio: prio, size: 1}
	}
	if less(score, key, n.score, n.key) {
		n.left = insert(n.left, key, score, prio)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, key, score, prio)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

func deleteNode(n *node, key model.EntryKey, score float64) *node {
	if n == nil {
		return nil
	}
	if score == n.score && key == n.key {
		// Merge children by rotating highest priority up until leaf.
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		if n.left.prio > n.right.prio {
			n = rotateRight(n)
			n.right = deleteNode(n.right, key, score)
		} else {
			n = rotateLeft(n)
			n.left = deleteNode(n.left, key, score)
		}
	} else if less(score, key, n.score, n.key) {
		n.left = deleteNode(n.left, key, score)
	} else {
		n.right = deleteNode(n.right, key, score)
	}
	fix(n)
	return n
}

// walk visits nodes in rank order until visit returns false.
func walk(n *node, visit func(*node) bool) bool {
	if n == nil {
		return true
	}
	if !walk(n.left, visit) {
		return false
	}
	if !visit(n) {
		return false
	}
	return walk(n.right, visit)
}

// TreapStore keeps entries in memory behind a single RWMutex.
type TreapStore struct {
	mu    sync.RWMutex
	root  *node
	byKey map[model.EntryKey]*Entry
	byID  map[string]model.EntryKey

	opts options

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewTreapStore constructs a treap store and starts its metrics updater.
func NewTreapStore(ctx context.Context, opts ...Option) *TreapStore {
	s := &TreapStore{
		byKey: make(map[model.EntryKey]*Entry),
		byID:  make(map[string]model.EntryKey),
		opts: options{
			metricsUpdateInterval: 5 * time.Second,
			now:                   time.Now,
			newID:                 uuid.NewString,
		},
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&s.opts)
	}
	if s.opts.logger == nil {
		s.opts.logger = logger.Nop()
	}
	s.startMetricsUpdater(ctx)
	return s
}

// Close stops the background metrics updater.
func (s *TreapStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	return nil
}

// Upsert implements Store.Upsert in O(log n) expected time.
func (s *TreapStore) Upsert(ctx context.Context, in UpsertInput) (Entry, error) {
	start := time.Now()
	defer func() {
		metrics.RecordRepositoryUpdateLatency(float64(time.Since(start).Milliseconds()))
	}()

	if !validKey(in.Key) {
		return Entry{}, ErrInvalidKey
	}
	if math.IsNaN(in.Score) || math.IsInf(in.Score, 0) {
		return Entry{}, ErrInvalidScore
	}
	now := s.opts.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byKey[in.Key]
	if ok {
		s.root = deleteNode(s.root, in.Key, e.Score)
	} else {
		e = &Entry{
			ID:       s.opts.newID(),
			Model:    in.Key.Model,
			Language: in.Key.Language,
			Subject:  in.Key.Subject,
			Task:     in.Key.Task,
		}
		s.byKey[in.Key] = e
		s.byID[e.ID] = in.Key
	}
	e.Score = in.Score
	e.UpdatedAt = now
	e.DeletedAt = nil
	if in.Quarantined != nil {
		e.Quarantined = *in.Quarantined
	}
	s.root = insert(s.root, in.Key, e.Score, rand.Uint64())
	return *e, nil
}

// Get implements Store.Get.
func (s *TreapStore) Get(ctx context.Context, key model.EntryKey, includeQuarantined bool) (Entry, error) {
	start := time.Now()
	defer func() {
		metrics.RecordRepositoryQueryLatency(float64(time.Since(start).Milliseconds()))
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byKey[key]
	if !ok || !e.Visible(includeQuarantined) {
		return Entry{}, ErrNotFound
	}
	return copyEntry(e), nil
}

// Lookup implements Store.Lookup.
func (s *TreapStore) Lookup(ctx context.Context, id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byID[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return copyEntry(s.byKey[key]), nil
}

// List implements Store.List by walking the treap in rank order.
func (s *TreapStore) List(ctx context.Context, f ListFilter) (Page, error) {
	start := time.Now()
	defer func() {
		metrics.RecordRepositoryQueryLatency(float64(time.Since(start).Milliseconds()))
	}()

	if f.Limit < 1 || f.Offset < 0 {
		metrics.RecordErrorByComponent("repository", "invalid_limit")
		return Page{}, ErrInvalidLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	page := Page{Entries: make([]Entry, 0, min(f.Limit, len(s.byKey)))}
	walk(s.root, func(n *node) bool {
		e := s.byKey[n.key]
		if !f.matches(e) {
			return true
		}
		if page.Total >= f.Offset && len(page.Entries) < f.Limit {
			page.Entries = append(page.Entries, copyEntry(e))
		}
		page.Total++
		return true
	})
	return page, nil
}

// SoftDelete implements Store.SoftDelete.
func (s *TreapStore) SoftDelete(ctx context.Context, id string, quarantine bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(id)
	if e == nil {
		return false, nil
	}
	if quarantine {
		e.Quarantined = true
		return true, nil
	}
	now := s.opts.now().UTC()
	e.DeletedAt = &now
	return true, nil
}

// Restore implements Store.Restore.
func (s *TreapStore) Restore(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(id)
	if e == nil {
		return false, nil
	}
	e.Quarantined = false
	e.DeletedAt = nil
	return true, nil
}

// HardDelete implements Store.HardDelete.
func (s *TreapStore) HardDelete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(id)
	if e == nil {
		return false, nil
	}
	s.removeLocked(e)
	return true, nil
}

// Clear implements Store.Clear.
func (s *TreapStore) Clear(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if before.IsZero() {
		n := len(s.byKey)
		s.root = nil
		s.byKey = make(map[model.EntryKey]*Entry)
		s.byID = make(map[string]model.EntryKey)
		return n, nil
	}
	var stale []*Entry
	for _, e := range s.byKey {
		if !e.UpdatedAt.After(before) {
			stale = append(stale, e)
		}
	}
	for _, e := range stale {
		s.removeLocked(e)
	}
	return len(stale), nil
}

// Stats implements Store.Stats.
func (s *TreapStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	groups := make(map[model.CategoryKey]*GroupStats)
	for _, e := range s.byKey {
		if e.DeletedAt != nil {
			st.Deleted++
			continue
		}
		st.Total++
		if e.Quarantined {
			st.Quarantined++
			continue
		}
		ck := e.Key().CategoryKey
		g, ok := groups[ck]
		if !ok {
			g = &GroupStats{Language: ck.Language, Subject: ck.Subject, Task: ck.Task, Min: e.Score, Max: e.Score}
			groups[ck] = g
		}
		g.Count++
		g.Min = math.Min(g.Min, e.Score)
		g.Max = math.Max(g.Max, e.Score)
		g.Avg += e.Score
	}
	st.Groups = make([]GroupStats, 0, len(groups))
	for _, g := range groups {
		g.Avg /= float64(g.Count)
		st.Groups = append(st.Groups, *g)
	}
	sortGroups(st.Groups)
	return st, nil
}

// Count returns the number of rows including hidden ones.
func (s *TreapStore) Count(ctx context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

func (s *TreapStore) lookupLocked(id string) *Entry {
	key, ok := s.byID[id]
	if !ok {
		return nil
	}
	return s.byKey[key]
}

func (s *TreapStore) removeLocked(e *Entry) {
	key := e.Key()
	s.root = deleteNode(s.root, key, e.Score)
	delete(s.byKey, key)
	delete(s.byID, e.ID)
}

// startMetricsUpdater starts a background goroutine that publishes the row count.
func (s *TreapStore) startMetricsUpdater(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.metricsUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				metrics.UpdateLeaderboardEntries(s.Count(ctx))
			}
		}
	}()
}

func copyEntry(e *Entry) Entry {
	out := *e
	if e.DeletedAt != nil {
		t := *e.DeletedAt
		out.DeletedAt = &t
	}
	return out
}

func sortGroups(groups []GroupStats) {
	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.Language != b.Language {
			return a.Language < b.Language
		}
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		return a.Task < b.Task
	})
}
