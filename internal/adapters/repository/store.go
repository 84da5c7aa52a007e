// Package repository defines the leaderboard cache store and its in-memory
// and SQL implementations.
package repository

import (
	"context"
	"time"

	"github.com/okian/evalboard/internal/domain/model"
)

// Entry is a leaderboard row.
type Entry = model.LeaderboardEntry

// UpsertInput describes one score write. A nil Quarantined keeps the
// current flag; new entries default to visible.
type UpsertInput struct {
	Key         model.EntryKey
	Score       float64
	Quarantined *bool
}

// ListFilter narrows a List call. Empty string fields match everything.
type ListFilter struct {
	Language           string
	Subject            string
	Task               string
	Model              string
	Limit              int
	Offset             int
	IncludeQuarantined bool
}

// Page is one slice of a filtered listing. Total counts every match.
type Page struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
}

// GroupStats aggregates visible entries of one category.
type GroupStats struct {
	Language string  `json:"language"`
	Subject  string  `json:"subject"`
	Task     string  `json:"task_type"`
	Count    int     `json:"count"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Avg      float64 `json:"avg"`
}

// Stats summarises the store. Total excludes soft-deleted rows; Groups
// covers entries that are neither quarantined nor deleted.
type Stats struct {
	Total       int          `json:"total"`
	Quarantined int          `json:"quarantined"`
	Deleted     int          `json:"deleted"`
	Groups      []GroupStats `json:"groups"`
}

// Store provides atomic access to current leaderboard scores.
type Store interface {
	// Upsert writes a score for key. Last writer wins, UpdatedAt is set to
	// now and any soft-delete is cleared.
	Upsert(ctx context.Context, in UpsertInput) (Entry, error)

	// Get returns the entry for key. Soft-deleted entries are never returned;
	// quarantined ones only when includeQuarantined is set.
	Get(ctx context.Context, key model.EntryKey, includeQuarantined bool) (Entry, error)

	// Lookup returns the entry with id in any state.
	Lookup(ctx context.Context, id string) (Entry, error)

	// List returns matching entries ordered by score desc, then key asc.
	List(ctx context.Context, f ListFilter) (Page, error)

	// SoftDelete quarantines the entry, or stamps DeletedAt when quarantine
	// is false. It reports whether the entry existed.
	SoftDelete(ctx context.Context, id string, quarantine bool) (bool, error)

	// Restore clears both quarantine and soft-delete.
	Restore(ctx context.Context, id string) (bool, error)

	// HardDelete removes the entry permanently.
	HardDelete(ctx context.Context, id string) (bool, error)

	// Clear removes entries updated at or before cutoff. A zero cutoff
	// removes everything.
	Clear(ctx context.Context, before time.Time) (int, error)

	// Stats returns counts and per-category aggregates.
	Stats(ctx context.Context) (Stats, error)

	// Close releases background resources.
	Close() error
}

func validKey(k model.EntryKey) bool {
	return k.Model != "" && k.Language != "" && k.Subject != "" && k.Task != ""
}

func (f ListFilter) matches(e *Entry) bool {
	if e.DeletedAt != nil {
		return false
	}
	if e.Quarantined && !f.IncludeQuarantined {
		return false
	}
	if f.Language != "" && e.Language != f.Language {
		return false
	}
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if f.Task != "" && e.Task != f.Task {
		return false
	}
	if f.Model != "" && e.Model != f.Model {
		return false
	}
	return true
}
