// Package category maps free-form evaluation labels onto the closed
// language, subject and task taxonomies used as leaderboard keys.
//
// Normalisation never fails: unknown input resolves to the default label
// of each dimension.
package category

import (
	"sort"
	"strings"
	"unicode"

	"github.com/okian/evalboard/internal/domain/model"
)

// Input carries whatever labels a caller has for one evaluation.
type Input struct {
	Dataset  string
	Language string
	Subjects []string
	Tasks    []string
	Metadata map[string]string
}

// Result is the canonical labelling of an Input. Every field is non-empty.
type Result struct {
	Language string
	Subjects []string
	Tasks    []string
}

// Keys returns the category keys for the result cross product.
func (r Result) Keys() []model.CategoryKey {
	p := model.Plan{Config: model.PlanConfig{Language: r.Language, Subjects: r.Subjects, Tasks: r.Tasks}}
	return p.CategoryKeys()
}

// Normalize resolves each dimension independently.
func Normalize(in Input) Result {
	hints := hintsOf(in)
	return Result{
		Language: Language(in.Language, hints...),
		Subjects: Subjects(in.Subjects, hints...),
		Tasks:    Tasks(in.Tasks, hints...),
	}
}

// NormalizePlan returns cfg with canonical labels.
func NormalizePlan(cfg model.PlanConfig) model.PlanConfig {
	var meta map[string]string
	if len(cfg.Filters) > 0 {
		meta = cfg.Filters
	}
	r := Normalize(Input{
		Dataset:  cfg.Dataset,
		Language: cfg.Language,
		Subjects: cfg.Subjects,
		Tasks:    cfg.Tasks,
		Metadata: meta,
	})
	cfg.Language = r.Language
	cfg.Subjects = r.Subjects
	cfg.Tasks = r.Tasks
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = model.DefaultSampleSize
	}
	if strings.TrimSpace(cfg.Method) == "" {
		cfg.Method = model.DefaultMethod
	}
	return cfg
}

// Language returns the canonical language for raw, inferring from hints
// when raw is not recognised.
func Language(raw string, hints ...string) string {
	if l, ok := CanonicalLanguage(raw); ok {
		return l
	}
	if m := match(languageRules, append([]string{raw}, hints...)); len(m) > 0 {
		return m[0]
	}
	return model.DefaultLanguage
}

// Subjects returns canonical subjects for raw, in first-seen order.
func Subjects(raw []string, hints ...string) []string {
	return resolveMany(raw, hints, CanonicalSubject, subjectRules, model.DefaultSubject)
}

// Tasks returns canonical task types for raw, in first-seen order.
func Tasks(raw []string, hints ...string) []string {
	return resolveMany(raw, hints, CanonicalTask, taskRules, model.DefaultTask)
}

// Subject resolves a single subject label.
func Subject(raw string, hints ...string) string {
	return Subjects([]string{raw}, hints...)[0]
}

// Task resolves a single task label.
func Task(raw string, hints ...string) string {
	return Tasks([]string{raw}, hints...)[0]
}

func resolveMany(raw, hints []string, canon func(string) (string, bool), rules []rule, def string) []string {
	out := make([]string, 0, len(raw))
	var unresolved []string
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		if c, ok := canon(r); ok {
			out = appendUnique(out, c)
			continue
		}
		unresolved = append(unresolved, r)
	}
	for _, m := range match(rules, unresolved) {
		out = appendUnique(out, m)
	}
	if len(out) == 0 {
		out = match(rules, hints)
	}
	if len(out) == 0 {
		out = []string{def}
	}
	return out
}

// CanonicalLanguage maps a language name or code onto the closed set.
func CanonicalLanguage(raw string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return "", false
	}
	if l, ok := languageAliases[key]; ok {
		return l, true
	}
	return lookup(languages, key)
}

// CanonicalSubject maps a subject onto the closed set. A bare fine name such
// as "physics" resolves to its coarse/fine form.
func CanonicalSubject(raw string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return "", false
	}
	if s, ok := lookup(subjects, key); ok {
		return s, true
	}
	for _, s := range subjects {
		if i := strings.IndexByte(s, '/'); i >= 0 && strings.ToLower(s[i+1:]) == key {
			return s, true
		}
	}
	return "", false
}

// CanonicalTask maps a task type onto the closed set.
func CanonicalTask(raw string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return "", false
	}
	return lookup(tasks, key)
}

// IsLanguage reports whether s is a canonical language.
func IsLanguage(s string) bool { return contains(languages, s) }

// IsSubject reports whether s is a canonical subject.
func IsSubject(s string) bool { return contains(subjects, s) }

// IsTask reports whether s is a canonical task type.
func IsTask(s string) bool { return contains(tasks, s) }

// Coarse returns the top-level part of a subject.
func Coarse(subject string) string {
	if i := strings.IndexByte(subject, '/'); i >= 0 {
		return subject[:i]
	}
	return subject
}

// Languages returns the closed language set.
func Languages() []string { return append([]string(nil), languages...) }

// SubjectSet returns the closed subject set.
func SubjectSet() []string { return append([]string(nil), subjects...) }

// TaskSet returns the closed task set.
func TaskSet() []string { return append([]string(nil), tasks...) }

func lookup(set []string, lowered string) (string, bool) {
	for _, s := range set {
		if strings.ToLower(s) == lowered {
			return s, true
		}
	}
	return "", false
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// match returns the labels of every rule found in texts, ordered by rule priority.
func match(rules []rule, texts []string) []string {
	h := haystack(texts)
	if h.text == "" {
		return nil
	}
	var out []string
	for _, r := range rules {
		if h.contains(r) {
			out = appendUnique(out, r.label)
		}
	}
	return out
}

type hay struct {
	text  string
	words map[string]struct{}
}

func haystack(texts []string) hay {
	var b strings.Builder
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strings.ToLower(t))
	}
	text := b.String()
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = struct{}{}
	}
	return hay{text: text, words: words}
}

func (h hay) contains(r rule) bool {
	if r.wholeWord {
		_, ok := h.words[r.keyword]
		return ok
	}
	return strings.Contains(h.text, r.keyword)
}

func hintsOf(in Input) []string {
	hints := make([]string, 0, 1+len(in.Metadata))
	if in.Dataset != "" {
		hints = append(hints, in.Dataset)
	}
	keys := make([]string, 0, len(in.Metadata))
	for k := range in.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		hints = append(hints, in.Metadata[k])
	}
	return hints
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

// LookupLanguage resolves raw alone, reporting whether anything matched.
func LookupLanguage(raw string) (string, bool) {
	if l, ok := CanonicalLanguage(raw); ok {
		return l, true
	}
	if m := match(languageRules, []string{raw}); len(m) > 0 {
		return m[0], true
	}
	return "", false
}

// LookupSubject resolves raw alone to its highest-priority subject.
func LookupSubject(raw string) (string, bool) {
	if s, ok := CanonicalSubject(raw); ok {
		return s, true
	}
	if m := match(subjectRules, []string{raw}); len(m) > 0 {
		return m[0], true
	}
	return "", false
}

// LookupTask resolves raw alone to its highest-priority task type.
func LookupTask(raw string) (string, bool) {
	if t, ok := CanonicalTask(raw); ok {
		return t, true
	}
	if m := match(taskRules, []string{raw}); len(m) > 0 {
		return m[0], true
	}
	return "", false
}
