package category_test

import (
	"testing"

	"github.com/okian/evalboard/internal/domain/category"
	"github.com/okian/evalboard/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestLanguage(t *testing.T) {
	Convey("Given language labels", t, func() {
		Convey("Canonical names pass through case-insensitively", func() {
			So(category.Language("english"), ShouldEqual, "English")
			So(category.Language("  GERMAN "), ShouldEqual, "German")
		})

		Convey("Codes and native names resolve through aliases", func() {
			So(category.Language("ko"), ShouldEqual, "Korean")
			So(category.Language("한국어"), ShouldEqual, "Korean")
			So(category.Language("jpn"), ShouldEqual, "Japanese")
			So(category.Language("中文"), ShouldEqual, "Chinese")
		})

		Convey("Unknown labels are inferred from the dataset name", func() {
			So(category.Language("", "KMMLU-Hard"), ShouldEqual, "Korean")
			So(category.Language("", "cmmlu"), ShouldEqual, "Chinese")
			So(category.Language("", "mmlu_pro"), ShouldEqual, "English")
		})

		Convey("Priority decides between overlapping keywords", func() {
			So(category.Language("", "kmmlu mmlu"), ShouldEqual, "Korean")
		})

		Convey("Nothing recognisable falls back to the default", func() {
			So(category.Language("klingon", "xyz"), ShouldEqual, model.DefaultLanguage)
			So(category.Language(""), ShouldEqual, model.DefaultLanguage)
		})
	})
}

func TestSubjects(t *testing.T) {
	Convey("Given subject labels", t, func() {
		Convey("Canonical values and bare fine names are accepted", func() {
			So(category.Subjects([]string{"science/math"}), ShouldResemble, []string{"Science/Math"})
			So(category.Subjects([]string{"Physics"}), ShouldResemble, []string{"Science/Physics"})
			So(category.Subjects([]string{"Law"}), ShouldResemble, []string{"Law"})
		})

		Convey("Free text is matched by keyword and deduplicated", func() {
			got := category.Subjects([]string{"high school algebra", "college mathematics", "world history"})
			So(got, ShouldResemble, []string{"Science/Math", "Humanities/History"})
		})

		Convey("Whole-word keywords do not match inside other words", func() {
			So(category.Subjects([]string{"lawn care"}), ShouldResemble, []string{model.DefaultSubject})
			So(category.Subjects([]string{"international law"}), ShouldResemble, []string{"Law"})
		})

		Convey("Hints are used only when raw labels yield nothing", func() {
			So(category.Subjects(nil, "gsm8k"), ShouldResemble, []string{"Science/Math"})
			So(category.Subjects([]string{"Law"}, "gsm8k"), ShouldResemble, []string{"Law"})
		})

		Convey("Korean keywords are recognised", func() {
			So(category.Subjects([]string{"고등 수학"}), ShouldResemble, []string{"Science/Math"})
		})

		Convey("Coarse strips the fine part", func() {
			So(category.Coarse("Science/Math"), ShouldEqual, "Science")
			So(category.Coarse("Law"), ShouldEqual, "Law")
		})
	})
}

func TestTasks(t *testing.T) {
	Convey("Given task labels", t, func() {
		So(category.Tasks([]string{"reasoning"}), ShouldResemble, []string{"Reasoning"})
		So(category.Tasks([]string{"ethics and morality"}), ShouldResemble, []string{"Value"})
		So(category.Tasks(nil, "truthfulqa"), ShouldResemble, []string{"Alignment"})
		So(category.Tasks([]string{""}), ShouldResemble, []string{model.DefaultTask})
		So(category.Task("logic puzzles"), ShouldEqual, "Reasoning")
	})
}

func TestNormalize(t *testing.T) {
	Convey("Given a full input", t, func() {
		in := category.Input{
			Dataset:  "kmmlu",
			Subjects: []string{"Biology"},
			Metadata: map[string]string{"suite": "reasoning set"},
		}
		r := category.Normalize(in)

		Convey("Each dimension resolves independently", func() {
			So(r.Language, ShouldEqual, "Korean")
			So(r.Subjects, ShouldResemble, []string{"Science/Biology"})
			So(r.Tasks, ShouldResemble, []string{"Reasoning", "Knowledge"})
			So(r.Keys(), ShouldHaveLength, 2)
		})

		Convey("Every output is in the closed sets", func() {
			So(category.IsLanguage(r.Language), ShouldBeTrue)
			for _, s := range r.Subjects {
				So(category.IsSubject(s), ShouldBeTrue)
			}
			for _, tk := range r.Tasks {
				So(category.IsTask(tk), ShouldBeTrue)
			}
		})
	})

	Convey("Given arbitrary garbage", t, func() {
		inputs := []category.Input{
			{},
			{Dataset: "!!!"},
			{Language: "??", Subjects: []string{"", "   "}, Tasks: []string{"zzz"}},
		}
		Convey("Outputs are never empty", func() {
			for _, in := range inputs {
				r := category.Normalize(in)
				So(r.Language, ShouldNotBeEmpty)
				So(r.Subjects, ShouldNotBeEmpty)
				So(r.Tasks, ShouldNotBeEmpty)
			}
		})
	})

	Convey("Given a plan config", t, func() {
		cfg := category.NormalizePlan(model.PlanConfig{Language: "en", Subjects: []string{"chemistry"}})

		Convey("Labels and defaults are filled", func() {
			So(cfg.Language, ShouldEqual, "English")
			So(cfg.Subjects, ShouldResemble, []string{"Science/Chemistry"})
			So(cfg.Tasks, ShouldResemble, []string{model.DefaultTask})
			So(cfg.SampleSize, ShouldEqual, model.DefaultSampleSize)
			So(cfg.Method, ShouldEqual, model.DefaultMethod)
		})
	})

	Convey("The exported sets are copies", t, func() {
		l := category.Languages()
		l[0] = "Elvish"
		So(category.Languages()[0], ShouldEqual, model.DefaultLanguage)
		So(category.TaskSet(), ShouldHaveLength, 4)
		So(category.SubjectSet(), ShouldContain, "Science/Math")
	})
}

func TestLookup(t *testing.T) {
	Convey("Given single labels", t, func() {
		l, ok := category.LookupLanguage("kmmlu")
		So(ok, ShouldBeTrue)
		So(l, ShouldEqual, "Korean")

		_, ok = category.LookupLanguage("nothing here")
		So(ok, ShouldBeFalse)

		s, ok := category.LookupSubject("organic chemistry")
		So(ok, ShouldBeTrue)
		So(s, ShouldEqual, "Science/Chemistry")

		_, ok = category.LookupSubject("")
		So(ok, ShouldBeFalse)

		tk, ok := category.LookupTask("VALUE")
		So(ok, ShouldBeTrue)
		So(tk, ShouldEqual, "Value")
	})
}
