package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/okian/evalboard/internal/domain/category"
	"github.com/okian/evalboard/internal/domain/model"
	"github.com/okian/evalboard/pkg/logger"
)

const systemPrompt = `You plan LLM evaluations. Reply with a single JSON object and nothing else:
{"dataset": string, "language": string, "subjects": [string], "tasks": [string],
 "sample_size": integer, "method": string, "filters": {string: string}, "description": string}
language is one of Korean, English, Chinese, Japanese, Spanish, French, German, Multilingual.
tasks are drawn from Knowledge, Reasoning, Value, Alignment.`

// ChatClient is the subset of *openai.Client the planner uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIPlanner asks a chat model for a JSON plan.
type OpenAIPlanner struct {
	client ChatClient
	model  string
	logger logger.Logger
}

// NewOpenAIClient builds a go-openai client. An empty baseURL keeps the
// library default.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// NewOpenAIPlanner plans with chatModel through client.
func NewOpenAIPlanner(client ChatClient, chatModel string, log logger.Logger) *OpenAIPlanner {
	if chatModel == "" {
		chatModel = openai.GPT4oMini
	}
	if log == nil {
		log = logger.Nop()
	}
	return &OpenAIPlanner{client: client, model: chatModel, logger: log}
}

type planReply struct {
	Dataset     string            `json:"dataset"`
	Language    string            `json:"language"`
	Subjects    []string          `json:"subjects"`
	Tasks       []string          `json:"tasks"`
	SampleSize  int               `json:"sample_size"`
	Method      string            `json:"method"`
	Filters     map[string]string `json:"filters"`
	Description string            `json:"description"`
}

// Plan implements Planner.
func (p *OpenAIPlanner) Plan(ctx context.Context, query string, models []model.ModelRequest) (model.Plan, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return model.Plan{}, ErrEmptyQuery
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(q, models)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0,
	})
	if err != nil {
		return model.Plan{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return model.Plan{}, fmt.Errorf("%w: no choices", ErrMalformed)
	}

	content := stripFences(resp.Choices[0].Message.Content)
	var reply planReply
	if err := json.Unmarshal([]byte(content), &reply); err != nil {
		p.logger.Warn(ctx, "planner returned non-JSON content", logger.Int("length", len(content)))
		return model.Plan{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	cfg := category.NormalizePlan(model.PlanConfig{
		Dataset:    strings.TrimSpace(reply.Dataset),
		Language:   reply.Language,
		Subjects:   reply.Subjects,
		Tasks:      reply.Tasks,
		SampleSize: min(reply.SampleSize, maxSampleSize),
		Method:     reply.Method,
		Filters:    reply.Filters,
	})
	desc := strings.TrimSpace(reply.Description)
	if desc == "" {
		desc = describe(cfg, q)
	}
	return model.Plan{Config: cfg, Models: describeModels(models), Description: desc}, nil
}

// userPrompt is the query followed by the model names, when there are any.
func userPrompt(q string, models []model.ModelRequest) string {
	if len(models) == 0 {
		return q
	}
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.Name
	}
	return q + "\n\nModels under evaluation: " + strings.Join(names, ", ")
}

// stripFences removes a surrounding markdown code block.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
