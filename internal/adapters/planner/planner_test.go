package planner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/sony/gobreaker/v2"

	"github.com/okian/evalboard/internal/domain/model"
)

func TestKeywordPlanner(t *testing.T) {
	ctx := context.Background()
	p := NewKeywordPlanner()

	Convey("Given the keyword planner", t, func() {
		Convey("When the query names language, subject and task", func() {
			plan, err := p.Plan(ctx, "Evaluate Korean physics reasoning with 200 samples", nil)
			So(err, ShouldBeNil)
			So(plan.Config.Language, ShouldEqual, "Korean")
			So(plan.Config.Subjects, ShouldResemble, []string{"Science/Physics"})
			So(plan.Config.Tasks, ShouldResemble, []string{"Reasoning"})
			So(plan.Config.SampleSize, ShouldEqual, 200)
			So(plan.Config.Method, ShouldEqual, model.DefaultMethod)
			So(plan.Description, ShouldContainSubstring, "Science/Physics")
		})

		Convey("When the query names a dataset with digits in it", func() {
			plan, err := p.Plan(ctx, "run gsm8k", nil)
			So(err, ShouldBeNil)
			So(plan.Config.Dataset, ShouldEqual, "gsm8k")
			So(plan.Config.Language, ShouldEqual, "English")
			So(plan.Config.Subjects, ShouldResemble, []string{"Science/Math"})
			So(plan.Config.SampleSize, ShouldEqual, model.DefaultSampleSize)
		})

		Convey("When nothing in the query is recognised", func() {
			plan, err := p.Plan(ctx, "hello there", nil)
			So(err, ShouldBeNil)
			So(plan.CategoryKeys(), ShouldResemble, []model.CategoryKey{{
				Language: model.DefaultLanguage, Subject: model.DefaultSubject, Task: model.DefaultTask,
			}})
		})

		Convey("When the same query is planned twice the plans match", func() {
			a, _ := p.Plan(ctx, "한국어 역사 지식 50", nil)
			b, _ := p.Plan(ctx, "한국어 역사 지식 50", nil)
			So(a, ShouldResemble, b)
			So(a.Config.Subjects, ShouldResemble, []string{"Humanities/History"})
			So(a.Config.SampleSize, ShouldEqual, 50)
		})

		Convey("When models are given the plan lists them without credentials", func() {
			plan, err := p.Plan(ctx, "korean law", []model.ModelRequest{{Name: "alpha", Endpoint: "https://api.example.com"}})
			So(err, ShouldBeNil)
			So(plan.Models, ShouldHaveLength, 1)
			So(plan.Models[0].Name, ShouldEqual, "alpha")
			So(plan.Models[0].Endpoint, ShouldEqual, "https://api.example.com")
			So(plan.Models[0].APIKey(), ShouldBeEmpty)
		})

		Convey("When the query is blank", func() {
			_, err := p.Plan(ctx, "   ", nil)
			So(errors.Is(err, ErrEmptyQuery), ShouldBeTrue)
		})
	})
}

type fakeChat struct {
	mu      sync.Mutex
	content string
	err     error
	calls   int
	last    openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: f.content},
	}}}, nil
}

func TestOpenAIPlanner(t *testing.T) {
	ctx := context.Background()

	Convey("Given an OpenAI planner", t, func() {
		chat := &fakeChat{}
		p := NewOpenAIPlanner(chat, "", nil)

		Convey("When the model replies with a fenced JSON plan", func() {
			chat.content = "```json\n{\"dataset\":\"kmmlu\",\"language\":\"ko\",\"subjects\":[\"physics\"],\"tasks\":[\"reasoning\"],\"sample_size\":30,\"description\":\"physics check\"}\n```"
			plan, err := p.Plan(ctx, "korean physics", nil)
			So(err, ShouldBeNil)
			So(plan.Config.Dataset, ShouldEqual, "kmmlu")
			So(plan.Config.Language, ShouldEqual, "Korean")
			So(plan.Config.Subjects, ShouldResemble, []string{"Science/Physics"})
			So(plan.Config.Tasks, ShouldResemble, []string{"Reasoning"})
			So(plan.Config.SampleSize, ShouldEqual, 30)
			So(plan.Description, ShouldEqual, "physics check")

			So(chat.last.Model, ShouldEqual, openai.GPT4oMini)
			So(chat.last.Messages, ShouldHaveLength, 2)
			So(chat.last.Messages[1].Content, ShouldEqual, "korean physics")
			So(chat.last.ResponseFormat, ShouldNotBeNil)
		})

		Convey("When models are given they are named to the chat model", func() {
			chat.content = `{"language":"en"}`
			models := []model.ModelRequest{{Name: "alpha"}, {Name: "beta", Provider: "openai"}}
			plan, err := p.Plan(ctx, "english reasoning", models)
			So(err, ShouldBeNil)
			So(chat.last.Messages[1].Content, ShouldStartWith, "english reasoning")
			So(chat.last.Messages[1].Content, ShouldContainSubstring, "alpha, beta")
			So(plan.Models, ShouldHaveLength, 2)
			So(plan.Models[1].Provider, ShouldEqual, "openai")
		})

		Convey("When the reply omits fields they default", func() {
			chat.content = `{}`
			plan, err := p.Plan(ctx, "anything", nil)
			So(err, ShouldBeNil)
			So(plan.Config.Language, ShouldEqual, model.DefaultLanguage)
			So(plan.Config.SampleSize, ShouldEqual, model.DefaultSampleSize)
			So(plan.Description, ShouldContainSubstring, "anything")
		})

		Convey("When the reply is not JSON", func() {
			chat.content = "I think you should test physics."
			_, err := p.Plan(ctx, "physics", nil)
			So(errors.Is(err, ErrMalformed), ShouldBeTrue)
		})

		Convey("When the API call fails", func() {
			chat.err = errors.New("429 too many requests")
			_, err := p.Plan(ctx, "physics", nil)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "429")
		})
	})
}

type flakyPlanner struct {
	mu     sync.Mutex
	err    error
	calls  int
	models []model.ModelRequest
}

func (f *flakyPlanner) Plan(ctx context.Context, query string, models []model.ModelRequest) (model.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.models = models
	if f.err != nil {
		return model.Plan{}, f.err
	}
	return model.DefaultPlan(query), nil
}

func TestBreaker(t *testing.T) {
	ctx := context.Background()

	Convey("Given a breaker that trips after two failures", t, func() {
		inner := &flakyPlanner{err: errors.New("upstream down")}
		b := NewBreaker(inner, BreakerConfig{Name: "test-planner", FailureThreshold: 2, Timeout: time.Hour}, nil)

		_, err := b.Plan(ctx, "q", nil)
		So(err, ShouldNotBeNil)
		_, err = b.Plan(ctx, "q", nil)
		So(err, ShouldNotBeNil)

		Convey("Then further calls fail fast without reaching the planner", func() {
			So(b.State(), ShouldEqual, gobreaker.StateOpen)
			_, err := b.Plan(ctx, "q", nil)
			So(errors.Is(err, ErrCircuitOpen), ShouldBeTrue)
			So(inner.calls, ShouldEqual, 2)
		})
	})

	Convey("Given a healthy planner behind a breaker", t, func() {
		inner := &flakyPlanner{}
		b := NewBreaker(inner, DefaultBreakerConfig(), nil)

		plan, err := b.Plan(ctx, "q", nil)
		So(err, ShouldBeNil)
		So(plan.Config.Language, ShouldEqual, model.DefaultLanguage)
		So(b.State(), ShouldEqual, gobreaker.StateClosed)

		Convey("Then the models reach the wrapped planner", func() {
			models := []model.ModelRequest{{Name: "alpha"}}
			_, err := b.Plan(ctx, "q", models)
			So(err, ShouldBeNil)
			So(inner.models, ShouldResemble, models)
		})

		Convey("Then empty queries do not count as failures", func() {
			inner.err = ErrEmptyQuery
			for i := 0; i < 10; i++ {
				_, _ = b.Plan(ctx, "", nil)
			}
			So(b.State(), ShouldEqual, gobreaker.StateClosed)
		})
	})
}
