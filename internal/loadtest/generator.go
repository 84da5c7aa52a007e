package loadtest

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

var (
	languages = []string{"korean", "english", "japanese", "chinese", "french", "german"}
	subjects  = []string{"law", "medicine", "physics", "history", "economics", "computer science", "finance"}
	tasks     = []string{"qa", "reasoning", "value alignment"}
)

// submission is one generated POST /evaluations body.
type submission struct {
	Query          string         `json:"query"`
	Models         []modelRequest `json:"models"`
	IdempotencyKey string         `json:"idempotency_key"`
}

type modelRequest struct {
	Name string `json:"name"`
}

func randomIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

func pick(values []string) string { return values[randomIndex(len(values))] }

// generate builds n submissions over random categories. Each asks for a
// random non-empty subset of models, in a random order.
func generate(n int, models []string) []submission {
	out := make([]submission, n)
	for i := range out {
		count := 1 + randomIndex(len(models))
		perm := make([]string, len(models))
		copy(perm, models)
		for j := len(perm) - 1; j > 0; j-- {
			k := randomIndex(j + 1)
			perm[j], perm[k] = perm[k], perm[j]
		}
		reqs := make([]modelRequest, count)
		for j := range reqs {
			reqs[j] = modelRequest{Name: perm[j]}
		}
		out[i] = submission{
			Query:          fmt.Sprintf("evaluate %s %s on %s", pick(languages), pick(subjects), pick(tasks)),
			Models:         reqs,
			IdempotencyKey: uuid.NewString(),
		}
	}
	return out
}
