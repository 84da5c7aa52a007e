// Package model contains domain models passed between layers.
package model

import (
	"fmt"
	"time"
)

// CategoryKey identifies one leaderboard bucket.
type CategoryKey struct {
	Language string `json:"language"`
	Subject  string `json:"subject"`
	Task     string `json:"task_type"`
}

func (k CategoryKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Language, k.Subject, k.Task)
}

// EntryKey identifies one leaderboard row. It is unique across the store.
type EntryKey struct {
	Model string `json:"model"`
	CategoryKey
}

func (k EntryKey) String() string {
	return k.Model + "@" + k.CategoryKey.String()
}

// Less orders keys by model, language, subject, task ascending.
func (k EntryKey) Less(o EntryKey) bool {
	if k.Model != o.Model {
		return k.Model < o.Model
	}
	if k.Language != o.Language {
		return k.Language < o.Language
	}
	if k.Subject != o.Subject {
		return k.Subject < o.Subject
	}
	return k.Task < o.Task
}

// LeaderboardEntry is a cached score for a model in one category.
type LeaderboardEntry struct {
	ID          string     `json:"id"`
	Model       string     `json:"model"`
	Language    string     `json:"language"`
	Subject     string     `json:"subject"`
	Task        string     `json:"task_type"`
	Score       float64    `json:"score"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Quarantined bool       `json:"quarantined"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Key returns the identity of the entry.
func (e LeaderboardEntry) Key() EntryKey {
	return EntryKey{Model: e.Model, CategoryKey: CategoryKey{Language: e.Language, Subject: e.Subject, Task: e.Task}}
}

// Visible reports whether the entry should appear in a browse or cache read.
func (e LeaderboardEntry) Visible(includeQuarantined bool) bool {
	if e.DeletedAt != nil {
		return false
	}
	return includeQuarantined || !e.Quarantined
}
