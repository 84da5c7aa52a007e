package model

// Plan default values used when planning fails.
const (
	DefaultLanguage   = "Korean"
	DefaultSubject    = "General"
	DefaultTask       = "Knowledge"
	DefaultSampleSize = 100
	DefaultMethod     = "accuracy"
)

// PlanConfig is the machine-readable part of an evaluation plan.
type PlanConfig struct {
	Dataset    string            `json:"dataset"`
	Language   string            `json:"language"`
	Subjects   []string          `json:"subjects"`
	Tasks      []string          `json:"tasks"`
	SampleSize int               `json:"sample_size"`
	Method     string            `json:"method"`
	Filters    map[string]string `json:"filters,omitempty"`
}

// Plan is what the planner derives from a free-text query.
type Plan struct {
	Config      PlanConfig        `json:"config"`
	Description string            `json:"description"`
	Models      []ModelDescriptor `json:"models,omitempty"`
}

// DefaultPlan is used whenever the planner errors or times out.
func DefaultPlan(query string) Plan {
	return Plan{
		Config: PlanConfig{
			Language:   DefaultLanguage,
			Subjects:   []string{DefaultSubject},
			Tasks:      []string{DefaultTask},
			SampleSize: DefaultSampleSize,
			Method:     DefaultMethod,
		},
		Description: "default plan for: " + query,
	}
}

// CategoryKeys returns the subject x task cross product under the plan language.
// Missing dimensions fall back to their defaults so the result is never empty.
func (p Plan) CategoryKeys() []CategoryKey {
	lang := p.Config.Language
	if lang == "" {
		lang = DefaultLanguage
	}
	subjects := p.Config.Subjects
	if len(subjects) == 0 {
		subjects = []string{DefaultSubject}
	}
	tasks := p.Config.Tasks
	if len(tasks) == 0 {
		tasks = []string{DefaultTask}
	}

	seen := make(map[CategoryKey]struct{}, len(subjects)*len(tasks))
	keys := make([]CategoryKey, 0, len(subjects)*len(tasks))
	for _, s := range subjects {
		for _, t := range tasks {
			k := CategoryKey{Language: lang, Subject: s, Task: t}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}

// ModelRequest is a caller-supplied model reference.
type ModelRequest struct {
	Name     string `json:"name" validate:"required"`
	Endpoint string `json:"endpoint,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// ModelDescriptor is the immutable, credential-resolved form of a ModelRequest.
// The credential is not serialised.
type ModelDescriptor struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint,omitempty"`
	Provider string `json:"provider,omitempty"`
	apiKey   string
}

// NewModelDescriptor builds a descriptor carrying a credential.
func NewModelDescriptor(name, endpoint, provider, apiKey string) ModelDescriptor {
	return ModelDescriptor{Name: name, Endpoint: endpoint, Provider: provider, apiKey: apiKey}
}

// APIKey returns the resolved credential.
func (d ModelDescriptor) APIKey() string { return d.apiKey }

// HasCredential reports whether a credential was resolved.
func (d ModelDescriptor) HasCredential() bool { return d.apiKey != "" }

// DatasetDescriptor labels an evaluator run.
type DatasetDescriptor struct {
	Name     string `json:"name"`
	Language string `json:"language,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Skill    string `json:"skill,omitempty"`
	Format   string `json:"format,omitempty"`
}

// RawSample is one evaluator sample before normalisation.
type RawSample struct {
	Prompt    string         `json:"prompt"`
	Answer    string         `json:"answer"`
	Reference string         `json:"reference"`
	Score     *float64       `json:"score,omitempty"`
	Correct   *bool          `json:"correct,omitempty"`
	Skill     string         `json:"skill,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Language  string         `json:"language,omitempty"`
	Format    string         `json:"format,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ModelRun is the evaluator output for one model.
type ModelRun struct {
	Model         string             `json:"model"`
	Summary       map[string]float64 `json:"summary,omitempty"`
	Dataset       DatasetDescriptor  `json:"dataset"`
	ExecutionTime float64            `json:"execution_time"`
	Samples       []RawSample        `json:"samples,omitempty"`
}

// EvaluationOutput is the full evaluator result for a task.
type EvaluationOutput struct {
	Runs []ModelRun `json:"runs"`
}
