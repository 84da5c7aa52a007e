// Package mapper converts raw evaluator runs into aggregate results,
// normalised experiment samples and per-category leaderboard scores.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/okian/evalboard/internal/domain/category"
	"github.com/okian/evalboard/internal/domain/model"
	"github.com/okian/evalboard/internal/domain/stats"
	"github.com/okian/evalboard/pkg/logger"
)

// Summary keys read from evaluator output.
const (
	KeyAccuracy       = "accuracy"
	KeyAverageScore   = "average_score"
	KeyTotalSamples   = "total_samples"
	KeyCorrectSamples = "correct_samples"

	defaultThreshold = 0.5
	defaultFormat    = "open"
)

// ErrMissingModel is returned for a run without a model name.
var ErrMissingModel = errors.New("run has no model name")

// Aggregate holds per-model totals for one task.
type Aggregate struct {
	Model          string         `json:"model"`
	TotalSamples   int            `json:"total_samples"`
	CorrectSamples int            `json:"correct_samples"`
	Accuracy       float64        `json:"accuracy"`
	AverageScore   float64        `json:"average_score"`
	ExecutionTime  float64        `json:"execution_time"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Stats          stats.Summary  `json:"stats"`
}

// CategoryScore is one leaderboard write produced by a run.
type CategoryScore struct {
	Key         model.EntryKey `json:"key"`
	Score       float64        `json:"score"`
	SampleCount int            `json:"sample_count"`
	// Explicit marks scores for the keys the plan asked for, as opposed to
	// buckets discovered from sample labels.
	Explicit bool `json:"explicit"`
}

// RunResult is the mapping of one model run.
type RunResult struct {
	Aggregate Aggregate                `json:"aggregate"`
	Samples   []model.ExperimentSample `json:"-"`
	Scores    []CategoryScore          `json:"scores"`
}

// Failure records a run that could not be mapped.
type Failure struct {
	Model string `json:"model"`
	Error string `json:"error"`
}

// BatchResult is the mapping of a whole evaluation output.
type BatchResult struct {
	Runs     []RunResult `json:"runs"`
	Failures []Failure   `json:"failures,omitempty"`
}

// Samples returns every sample across runs.
func (b BatchResult) Samples() []model.ExperimentSample {
	n := 0
	for _, r := range b.Runs {
		n += len(r.Samples)
	}
	out := make([]model.ExperimentSample, 0, n)
	for _, r := range b.Runs {
		out = append(out, r.Samples...)
	}
	return out
}

// Scores returns every category score across runs.
func (b BatchResult) Scores() []CategoryScore {
	var out []CategoryScore
	for _, r := range b.Runs {
		out = append(out, r.Scores...)
	}
	return out
}

// Mapper is stateless apart from its injected clock and id source.
type Mapper struct {
	threshold float64
	now       func() time.Time
	newID     func() string
	logger    logger.Logger
}

// Option configures a Mapper.
type Option func(*Mapper)

// WithCorrectThreshold sets the score above which a sample counts as correct.
func WithCorrectThreshold(t float64) Option {
	return func(m *Mapper) {
		if t >= 0 && t <= 1 {
			m.threshold = t
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Mapper) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIDGenerator overrides sample id generation.
func WithIDGenerator(gen func() string) Option {
	return func(m *Mapper) {
		if gen != nil {
			m.newID = gen
		}
	}
}

// WithLogger sets the logger used for isolated run failures.
func WithLogger(l logger.Logger) Option {
	return func(m *Mapper) {
		if l != nil {
			m.logger = l
		}
	}
}

// New builds a Mapper.
func New(opts ...Option) *Mapper {
	m := &Mapper{
		threshold: defaultThreshold,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logger.Nop()
	}
	return m
}

// MapBatch maps every run. A failing or panicking run is logged and recorded
// in Failures; the other runs are still mapped.
func (m *Mapper) MapBatch(ctx context.Context, taskID string, runs []model.ModelRun, planKeys []model.CategoryKey) BatchResult {
	var out BatchResult
	for i := range runs {
		res, err := m.safeMapRun(taskID, runs[i], planKeys)
		if err != nil {
			m.logger.Error(ctx, "mapping run failed",
				logger.String("task_id", taskID),
				logger.String("model", runs[i].Model),
				logger.Error(err),
			)
			out.Failures = append(out.Failures, Failure{Model: runs[i].Model, Error: err.Error()})
			continue
		}
		out.Runs = append(out.Runs, res)
	}
	return out
}

func (m *Mapper) safeMapRun(taskID string, run model.ModelRun, planKeys []model.CategoryKey) (res RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while mapping %q: %v", run.Model, r)
		}
	}()
	return m.MapRun(taskID, run, planKeys)
}

// MapRun maps one model run. planKeys are the categories the plan requested;
// when empty, the run's own dataset labels define the planned category.
func (m *Mapper) MapRun(taskID string, run model.ModelRun, planKeys []model.CategoryKey) (RunResult, error) {
	name := strings.TrimSpace(run.Model)
	if name == "" {
		return RunResult{}, ErrMissingModel
	}
	if len(planKeys) == 0 {
		planKeys = []model.CategoryKey{datasetKey(run.Dataset)}
	}
	now := m.now().UTC()

	samples := make([]model.ExperimentSample, 0, len(run.Samples))
	scores := make([]float64, 0, len(run.Samples))
	correct := 0
	for i, raw := range run.Samples {
		s := m.sample(taskID, name, i, raw, run.Dataset, now)
		samples = append(samples, s)
		scores = append(scores, s.Correctness)
		if s.Correctness > m.threshold {
			correct++
		}
	}

	agg := Aggregate{
		Model:          name,
		TotalSamples:   len(samples),
		CorrectSamples: correct,
		ExecutionTime:  run.ExecutionTime,
		Stats:          stats.Summarize(scores),
		Metadata: map[string]any{
			"dataset":          run.Dataset.Name,
			"taxonomy_version": category.TaxonomyVersion,
		},
	}
	explicit := m.fillAccuracy(&agg, run.Summary, scores)
	if len(run.Summary) > 0 {
		agg.Metadata["summary"] = run.Summary
	}

	res := RunResult{Aggregate: agg, Samples: samples}
	if !explicit && len(samples) == 0 {
		return res, nil
	}
	res.Scores = m.categoryScores(name, agg, samples, planKeys)
	return res, nil
}

// fillAccuracy applies the summary-first fallback chain and reports whether
// the summary carried an explicit figure.
func (m *Mapper) fillAccuracy(agg *Aggregate, summary map[string]float64, scores []float64) bool {
	explicit := false
	total, hasTotal := summary[KeyTotalSamples]
	correct, hasCorrect := summary[KeyCorrectSamples]

	switch acc, ok := summary[KeyAccuracy]; {
	case ok:
		agg.Accuracy = acc
		explicit = true
	case hasTotal && hasCorrect && total > 0:
		agg.Accuracy = correct / total
		explicit = true
	case agg.TotalSamples > 0:
		agg.Accuracy = float64(agg.CorrectSamples) / float64(agg.TotalSamples)
	}

	if hasTotal && total >= 0 {
		agg.TotalSamples = int(total)
	}
	if hasCorrect && correct >= 0 {
		agg.CorrectSamples = int(correct)
	}

	switch avg, ok := summary[KeyAverageScore]; {
	case ok:
		agg.AverageScore = avg
		explicit = true
	case len(scores) > 0:
		agg.AverageScore = stats.Mean(scores)
	default:
		agg.AverageScore = agg.Accuracy
	}

	agg.Accuracy = clamp01(agg.Accuracy)
	agg.AverageScore = clamp01(agg.AverageScore)
	return explicit
}

func (m *Mapper) categoryScores(name string, agg Aggregate, samples []model.ExperimentSample, planKeys []model.CategoryKey) []CategoryScore {
	out := make([]CategoryScore, 0, len(planKeys))
	seen := make(map[model.CategoryKey]struct{}, len(planKeys))
	for _, k := range planKeys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, CategoryScore{
			Key:         model.EntryKey{Model: name, CategoryKey: k},
			Score:       agg.Accuracy,
			SampleCount: agg.TotalSamples,
			Explicit:    true,
		})
	}

	type bucket struct{ n, correct int }
	var order []model.CategoryKey
	buckets := make(map[model.CategoryKey]*bucket)
	for _, s := range samples {
		k := model.CategoryKey{Language: s.Language, Subject: s.Subject, Task: s.Skill}
		if _, planned := seen[k]; planned {
			continue
		}
		b, ok := buckets[k]
		if !ok {
			b = &bucket{}
			buckets[k] = b
			order = append(order, k)
		}
		b.n++
		if s.Correctness > m.threshold {
			b.correct++
		}
	}
	for _, k := range order {
		b := buckets[k]
		out = append(out, CategoryScore{
			Key:         model.EntryKey{Model: name, CategoryKey: k},
			Score:       float64(b.correct) / float64(b.n),
			SampleCount: b.n,
		})
	}
	return out
}

func (m *Mapper) sample(taskID, name string, idx int, raw model.RawSample, ds model.DatasetDescriptor, now time.Time) model.ExperimentSample {
	meta := make(map[string]any, len(raw.Metadata)+2)
	for k, v := range raw.Metadata {
		meta[k] = v
	}
	meta["model"] = name
	meta["sample_index"] = idx

	format := firstNonEmpty(raw.Format, ds.Format, defaultFormat)

	return model.ExperimentSample{
		ID:          m.newID(),
		TaskID:      taskID,
		Model:       name,
		Prompt:      raw.Prompt,
		Answer:      raw.Answer,
		Reference:   raw.Reference,
		Skill:       firstMatch(category.LookupTask, model.DefaultTask, raw.Skill, ds.Skill, ds.Name),
		Subject:     firstMatch(category.LookupSubject, model.DefaultSubject, raw.Subject, ds.Subject, ds.Name),
		Language:    firstMatch(category.LookupLanguage, model.DefaultLanguage, raw.Language, ds.Language, ds.Name),
		Format:      format,
		Dataset:     ds.Name,
		Metadata:    meta,
		Correctness: sampleScore(raw),
		CreatedAt:   now,
	}
}

// sampleScore prefers an explicit score, then the correct flag.
func sampleScore(raw model.RawSample) float64 {
	switch {
	case raw.Score != nil:
		return clamp01(*raw.Score)
	case raw.Correct != nil && *raw.Correct:
		return 1
	default:
		return 0
	}
}

func datasetKey(ds model.DatasetDescriptor) model.CategoryKey {
	r := category.Normalize(category.Input{
		Dataset:  ds.Name,
		Language: ds.Language,
		Subjects: nonEmpty(ds.Subject),
		Tasks:    nonEmpty(ds.Skill),
	})
	return model.CategoryKey{Language: r.Language, Subject: r.Subjects[0], Task: r.Tasks[0]}
}

func firstMatch(lookup func(string) (string, bool), def string, sources ...string) string {
	for _, s := range sources {
		if v, ok := lookup(s); ok {
			return v
		}
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func nonEmpty(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return []string{s}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
