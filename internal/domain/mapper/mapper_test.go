package mapper_test

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/okian/evalboard/internal/domain/category"
	"github.com/okian/evalboard/internal/domain/mapper"
	"github.com/okian/evalboard/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func f(v float64) *float64 { return &v }
func b(v bool) *bool        { return &v }

func newMapper() *mapper.Mapper {
	n := 0
	return mapper.New(
		mapper.WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
		mapper.WithIDGenerator(func() string { n++; return fmt.Sprintf("s-%d", n) }),
	)
}

var planKey = model.CategoryKey{Language: "Korean", Subject: "General", Task: "Knowledge"}

func TestMapRunAccuracy(t *testing.T) {
	m := newMapper()

	Convey("Given a summary with correct and total counts", t, func() {
		run := model.ModelRun{
			Model:   "model-a",
			Summary: map[string]float64{"correct_samples": 8, "total_samples": 10},
		}
		res, err := m.MapRun("t1", run, []model.CategoryKey{planKey})

		Convey("Accuracy comes from the ratio", func() {
			So(err, ShouldBeNil)
			So(res.Aggregate.Accuracy, ShouldAlmostEqual, 0.8, 1e-12)
			So(res.Aggregate.TotalSamples, ShouldEqual, 10)
			So(res.Aggregate.CorrectSamples, ShouldEqual, 8)
			So(res.Aggregate.AverageScore, ShouldAlmostEqual, 0.8, 1e-12)
		})

		Convey("The plan key receives the run accuracy", func() {
			So(res.Scores, ShouldHaveLength, 1)
			So(res.Scores[0].Key, ShouldResemble, model.EntryKey{Model: "model-a", CategoryKey: planKey})
			So(res.Scores[0].Score, ShouldAlmostEqual, 0.8, 1e-12)
			So(res.Scores[0].Explicit, ShouldBeTrue)
		})
	})

	Convey("Given explicit accuracy and average score", t, func() {
		run := model.ModelRun{
			Model:   "model-a",
			Summary: map[string]float64{"accuracy": 0.7, "average_score": 0.65},
			Samples: []model.RawSample{{Score: f(1)}, {Score: f(0)}},
		}
		res, _ := m.MapRun("t1", run, []model.CategoryKey{planKey})

		Convey("The summary wins over sample derivation", func() {
			So(res.Aggregate.Accuracy, ShouldEqual, 0.7)
			So(res.Aggregate.AverageScore, ShouldEqual, 0.65)
			So(res.Aggregate.TotalSamples, ShouldEqual, 2)
		})
	})

	Convey("Given only samples", t, func() {
		run := model.ModelRun{
			Model: "model-b",
			Samples: []model.RawSample{
				{Score: f(0.9)}, {Score: f(0.5)}, {Correct: b(true)}, {Correct: b(false)}, {},
			},
		}
		res, _ := m.MapRun("t1", run, []model.CategoryKey{planKey})

		Convey("Scores above 0.5 count as correct", func() {
			So(res.Aggregate.CorrectSamples, ShouldEqual, 2)
			So(res.Aggregate.Accuracy, ShouldAlmostEqual, 0.4, 1e-12)
			So(res.Aggregate.AverageScore, ShouldAlmostEqual, 2.4/5, 1e-12)
			So(res.Aggregate.Stats.Count, ShouldEqual, 5)
		})
	})

	Convey("Given no samples and no summary", t, func() {
		res, err := m.MapRun("t1", model.ModelRun{Model: "empty"}, []model.CategoryKey{planKey})

		Convey("Everything is zero and no score is produced", func() {
			So(err, ShouldBeNil)
			So(res.Aggregate.Accuracy, ShouldEqual, 0)
			So(res.Aggregate.AverageScore, ShouldEqual, 0)
			So(res.Aggregate.TotalSamples, ShouldEqual, 0)
			So(res.Scores, ShouldBeEmpty)
			So(res.Samples, ShouldBeEmpty)
		})
	})

	Convey("Given out-of-range values", t, func() {
		run := model.ModelRun{
			Model:   "model-c",
			Summary: map[string]float64{"accuracy": 1.7, "average_score": math.NaN()},
			Samples: []model.RawSample{{Score: f(-2)}, {Score: f(5)}},
		}
		res, err := m.MapRun("t1", run, []model.CategoryKey{planKey})

		Convey("They are clamped, never rejected", func() {
			So(err, ShouldBeNil)
			So(res.Aggregate.Accuracy, ShouldEqual, 1)
			So(res.Aggregate.AverageScore, ShouldEqual, 0)
			So(res.Samples[0].Correctness, ShouldEqual, 0)
			So(res.Samples[1].Correctness, ShouldEqual, 1)
		})
	})

	Convey("A run without a model name is an error", t, func() {
		_, err := m.MapRun("t1", model.ModelRun{Model: "  "}, nil)
		So(err, ShouldEqual, mapper.ErrMissingModel)
	})
}

func TestMapRunSamples(t *testing.T) {
	m := newMapper()

	Convey("Given samples with mixed label sources", t, func() {
		run := model.ModelRun{
			Model:   "model-a",
			Dataset: model.DatasetDescriptor{Name: "kmmlu", Subject: "chemistry"},
			Samples: []model.RawSample{
				{Prompt: "p1", Answer: "a1", Reference: "r1", Score: f(1), Subject: "physics", Skill: "logic"},
				{Prompt: "p2", Score: f(0), Language: "en", Metadata: map[string]any{"source": "x"}},
			},
		}
		res, _ := m.MapRun("t1", run, []model.CategoryKey{planKey})

		Convey("Sample fields win over the dataset descriptor", func() {
			s := res.Samples[0]
			So(s.Subject, ShouldEqual, "Science/Physics")
			So(s.Skill, ShouldEqual, "Reasoning")
			So(s.Language, ShouldEqual, "Korean")
			So(s.Prompt, ShouldEqual, "p1")
			So(s.Reference, ShouldEqual, "r1")
		})

		Convey("The descriptor and then the dataset name fill the gaps", func() {
			s := res.Samples[1]
			So(s.Subject, ShouldEqual, "Science/Chemistry")
			So(s.Language, ShouldEqual, "English")
			So(s.Skill, ShouldEqual, "Knowledge")
		})

		Convey("Metadata carries the model and sample index", func() {
			So(res.Samples[1].Metadata["model"], ShouldEqual, "model-a")
			So(res.Samples[1].Metadata["sample_index"], ShouldEqual, 1)
			So(res.Samples[1].Metadata["source"], ShouldEqual, "x")
			So(res.Samples[1].TaskID, ShouldEqual, "t1")
			So(res.Samples[1].Dataset, ShouldEqual, "kmmlu")
			So(res.Samples[0].ID, ShouldNotEqual, res.Samples[1].ID)
		})

		Convey("Each distinct sample bucket gets its own score", func() {
			So(res.Scores, ShouldHaveLength, 3)
			So(res.Scores[0].Explicit, ShouldBeTrue)
			So(res.Scores[1].Key.CategoryKey, ShouldResemble,
				model.CategoryKey{Language: "Korean", Subject: "Science/Physics", Task: "Reasoning"})
			So(res.Scores[1].Score, ShouldEqual, 1)
			So(res.Scores[2].Score, ShouldEqual, 0)
			So(res.Scores[2].Explicit, ShouldBeFalse)
		})
	})

	Convey("Given unlabelled samples on an unknown dataset", t, func() {
		run := model.ModelRun{
			Model:   "model-a",
			Dataset: model.DatasetDescriptor{Name: "internal-suite"},
			Samples: []model.RawSample{{Score: f(1)}},
		}
		res, _ := m.MapRun("t1", run, []model.CategoryKey{planKey})

		Convey("Labels fall back to the fixed defaults and match the planned bucket", func() {
			So(res.Samples[0].Language, ShouldEqual, model.DefaultLanguage)
			So(res.Samples[0].Subject, ShouldEqual, model.DefaultSubject)
			So(res.Samples[0].Skill, ShouldEqual, model.DefaultTask)
			So(res.Samples[0].Format, ShouldEqual, "open")
			So(res.Scores, ShouldHaveLength, 1)
		})

		Convey("A plan for other labels does not relabel the samples", func() {
			other := model.CategoryKey{Language: "English", Subject: "Science/Math", Task: "Reasoning"}
			res, _ := m.MapRun("t1", run, []model.CategoryKey{other})
			So(res.Samples[0].Language, ShouldEqual, model.DefaultLanguage)
			So(res.Samples[0].Subject, ShouldEqual, model.DefaultSubject)
			So(res.Samples[0].Skill, ShouldEqual, model.DefaultTask)
			So(res.Scores, ShouldHaveLength, 2)
			So(res.Scores[0].Key.CategoryKey, ShouldResemble, other)
			So(res.Scores[1].Key.CategoryKey, ShouldResemble,
				model.CategoryKey{Language: model.DefaultLanguage, Subject: model.DefaultSubject, Task: model.DefaultTask})
		})
	})

	Convey("Without plan keys the dataset defines the category", t, func() {
		run := model.ModelRun{
			Model:   "model-a",
			Dataset: model.DatasetDescriptor{Name: "gsm8k"},
			Samples: []model.RawSample{{Correct: b(true)}},
		}
		res, _ := m.MapRun("t1", run, nil)
		So(res.Scores, ShouldHaveLength, 1)
		So(res.Scores[0].Key.Language, ShouldEqual, "English")
		So(res.Scores[0].Key.Subject, ShouldEqual, "Science/Math")
		So(res.Scores[0].Key.Task, ShouldEqual, "Reasoning")
		So(res.Aggregate.Metadata["taxonomy_version"], ShouldEqual, category.TaxonomyVersion)
	})
}

func TestMapBatch(t *testing.T) {
	m := newMapper()

	Convey("Given a batch with one bad run", t, func() {
		runs := []model.ModelRun{
			{Model: "a", Summary: map[string]float64{"correct_samples": 8, "total_samples": 10}},
			{Model: ""},
			{Model: "b", Summary: map[string]float64{"correct_samples": 6, "total_samples": 10}},
		}
		out := m.MapBatch(context.Background(), "t1", runs, []model.CategoryKey{planKey})

		Convey("The other runs are still mapped", func() {
			So(out.Runs, ShouldHaveLength, 2)
			So(out.Failures, ShouldHaveLength, 1)
			So(out.Failures[0].Error, ShouldEqual, mapper.ErrMissingModel.Error())
			scores := out.Scores()
			So(scores, ShouldHaveLength, 2)
			So(scores[0].Score, ShouldAlmostEqual, 0.8, 1e-12)
			So(scores[1].Score, ShouldAlmostEqual, 0.6, 1e-12)
			So(out.Samples(), ShouldBeEmpty)
		})
	})
}
