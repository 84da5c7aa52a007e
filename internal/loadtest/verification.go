package loadtest

import "fmt"

// verifyLeaderboard checks that entries are ordered by score and that every
// score is a fraction.
func verifyLeaderboard(entries []Entry) []string {
	var warnings []string
	for i, e := range entries {
		if e.Score < 0 || e.Score > 1 {
			warnings = append(warnings, fmt.Sprintf("entry %d (%s) has score %.4f outside [0,1]", i, e.Model, e.Score))
		}
		if i > 0 && e.Score > entries[i-1].Score {
			warnings = append(warnings, fmt.Sprintf("entry %d (%s) scores above entry %d", i, e.Model, i-1))
		}
	}
	return warnings
}
