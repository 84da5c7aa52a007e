package repository

import "errors"

// Sentinel kinds for leaderboard errors.
var (
	ErrNotFound     = errors.New("leaderboard entry not found")
	ErrInvalidLimit = errors.New("invalid leaderboard limit")
	ErrInvalidKey   = errors.New("leaderboard key has empty fields")
	ErrInvalidScore = errors.New("leaderboard score must be finite")
)
