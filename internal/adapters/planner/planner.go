// Package planner turns a free-text evaluation query into a model.Plan.
package planner

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/okian/evalboard/internal/domain/category"
	"github.com/okian/evalboard/internal/domain/model"
)

// Sentinel errors.
var (
	ErrEmptyQuery  = errors.New("planner: empty query")
	ErrMalformed   = errors.New("planner: malformed plan")
	ErrCircuitOpen = errors.New("planner: circuit open")
)

const maxSampleSize = 100_000

var sampleSizeRegex = regexp.MustCompile(`\b\d+\b`)

// Planner derives a plan from a query and the models it will run on.
type Planner interface {
	Plan(ctx context.Context, query string, models []model.ModelRequest) (model.Plan, error)
}

// knownDatasets are recognised by name in a query, most specific first.
var knownDatasets = []string{
	"kmmlu", "kobest", "haerae", "klue", "click",
	"cmmlu", "ceval", "jmmlu",
	"mmlu_pro", "mmlu", "gsm8k", "hellaswag", "arc", "truthfulqa", "winogrande", "bbq", "humaneval",
}

// KeywordPlanner builds plans locally from the category keyword tables.
type KeywordPlanner struct{}

// NewKeywordPlanner returns a deterministic planner.
func NewKeywordPlanner() *KeywordPlanner { return &KeywordPlanner{} }

// Plan implements Planner.
func (KeywordPlanner) Plan(ctx context.Context, query string, models []model.ModelRequest) (model.Plan, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return model.Plan{}, ErrEmptyQuery
	}
	if err := ctx.Err(); err != nil {
		return model.Plan{}, err
	}

	cfg := category.NormalizePlan(model.PlanConfig{
		Dataset:    detectDataset(q),
		Language:   category.Language("", q),
		Subjects:   category.Subjects(nil, q),
		Tasks:      category.Tasks(nil, q),
		SampleSize: sampleSize(q),
		Method:     model.DefaultMethod,
	})
	return model.Plan{Config: cfg, Models: describeModels(models), Description: describe(cfg, q)}, nil
}

// describeModels copies the requests into credential-free descriptors.
func describeModels(models []model.ModelRequest) []model.ModelDescriptor {
	if len(models) == 0 {
		return nil
	}
	out := make([]model.ModelDescriptor, len(models))
	for i, m := range models {
		out[i] = model.ModelDescriptor{Name: m.Name, Endpoint: m.Endpoint, Provider: m.Provider}
	}
	return out
}

func detectDataset(q string) string {
	fields := strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '(' || r == ')' || r == '"' || r == '\''
	})
	for _, ds := range knownDatasets {
		for _, f := range fields {
			if f == ds || strings.ReplaceAll(f, "-", "") == ds {
				return ds
			}
		}
	}
	return ""
}

// sampleSize takes the first number in q within range.
func sampleSize(q string) int {
	for _, m := range sampleSizeRegex.FindAllString(q, -1) {
		n, err := strconv.Atoi(m)
		if err != nil || n < 1 || n > maxSampleSize {
			continue
		}
		return n
	}
	return model.DefaultSampleSize
}

func describe(cfg model.PlanConfig, q string) string {
	var b strings.Builder
	b.WriteString(cfg.Language)
	b.WriteString(" ")
	b.WriteString(strings.Join(cfg.Subjects, ", "))
	b.WriteString(" / ")
	b.WriteString(strings.Join(cfg.Tasks, ", "))
	if cfg.Dataset != "" {
		b.WriteString(" on ")
		b.WriteString(cfg.Dataset)
	}
	b.WriteString(" (")
	b.WriteString(strconv.Itoa(cfg.SampleSize))
	b.WriteString(" samples) for: ")
	b.WriteString(q)
	return b.String()
}
