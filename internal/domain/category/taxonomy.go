package category

import "github.com/okian/evalboard/internal/domain/model"

// TaxonomyVersion identifies the label tables below. Bump it when a closed set
// or a keyword rule changes so cached entries can be told apart.
const TaxonomyVersion = "2024.2"

// Closed sets.
var (
	languages = []string{
		model.DefaultLanguage, "English", "Chinese", "Japanese", "Spanish", "French", "German", "Multilingual",
	}

	subjects = []string{
		model.DefaultSubject,
		"Science", "Science/Math", "Science/Physics", "Science/Chemistry", "Science/Biology", "Science/Earth Science",
		"Engineering", "Engineering/Computer Science", "Engineering/Electrical", "Engineering/Mechanical",
		"Humanities", "Humanities/History", "Humanities/Philosophy", "Humanities/Literature", "Humanities/Linguistics",
		"Social Science", "Social Science/Economics", "Social Science/Psychology", "Social Science/Politics", "Social Science/Sociology",
		"Medicine", "Medicine/Clinical", "Medicine/Pharmacy",
		"Law", "Business", "Business/Accounting", "Business/Finance", "Arts",
	}

	tasks = []string{model.DefaultTask, "Reasoning", "Value", "Alignment"}
)

// languageAliases maps codes and native names to a closed-set language.
var languageAliases = map[string]string{
	"ko": "Korean", "kor": "Korean", "kr": "Korean", "korean": "Korean", "한국어": "Korean", "한국": "Korean",
	"en": "English", "eng": "English", "english": "English",
	"zh": "Chinese", "zho": "Chinese", "chi": "Chinese", "cn": "Chinese", "chinese": "Chinese", "中文": "Chinese", "汉语": "Chinese",
	"ja": "Japanese", "jpn": "Japanese", "jp": "Japanese", "japanese": "Japanese", "日本語": "Japanese",
	"es": "Spanish", "spa": "Spanish", "spanish": "Spanish", "español": "Spanish",
	"fr": "French", "fra": "French", "fre": "French", "french": "French", "français": "French",
	"de": "German", "deu": "German", "ger": "German", "german": "German", "deutsch": "German",
	"multi": "Multilingual", "multilingual": "Multilingual", "mul": "Multilingual",
}

// rule maps a keyword to a label. Tables are ordered by priority: the first
// matching rule wins for single-valued dimensions and defines output order
// for multi-valued ones.
type rule struct {
	keyword   string
	label     string
	wholeWord bool
}

var languageRules = []rule{
	{"kmmlu", "Korean", false},
	{"klue", "Korean", true},
	{"kobest", "Korean", false},
	{"haerae", "Korean", false},
	{"click", "Korean", true},
	{"korean", "Korean", false},
	{"한국", "Korean", false},
	{"cmmlu", "Chinese", false},
	{"ceval", "Chinese", false},
	{"c-eval", "Chinese", false},
	{"chinese", "Chinese", false},
	{"中文", "Chinese", false},
	{"jmmlu", "Japanese", false},
	{"jglue", "Japanese", false},
	{"japanese", "Japanese", false},
	{"日本", "Japanese", false},
	{"spanish", "Spanish", false},
	{"french", "French", false},
	{"german", "German", false},
	{"multilingual", "Multilingual", false},
	{"mmmlu", "Multilingual", false},
	{"english", "English", false},
	{"mmlu", "English", false},
	{"gsm8k", "English", false},
	{"hellaswag", "English", false},
	{"truthfulqa", "English", false},
	{"arc", "English", true},
}

var subjectRules = []rule{
	{"math", "Science/Math", false},
	{"gsm8k", "Science/Math", false},
	{"algebra", "Science/Math", false},
	{"calculus", "Science/Math", false},
	{"geometry", "Science/Math", false},
	{"statistic", "Science/Math", false},
	{"수학", "Science/Math", false},
	{"physics", "Science/Physics", false},
	{"물리", "Science/Physics", false},
	{"chemistry", "Science/Chemistry", false},
	{"화학", "Science/Chemistry", false},
	{"biology", "Science/Biology", false},
	{"생물", "Science/Biology", false},
	{"astronomy", "Science/Earth Science", false},
	{"geology", "Science/Earth Science", false},
	{"computer science", "Engineering/Computer Science", false},
	{"computer_science", "Engineering/Computer Science", false},
	{"programming", "Engineering/Computer Science", false},
	{"coding", "Engineering/Computer Science", false},
	{"code", "Engineering/Computer Science", true},
	{"humaneval", "Engineering/Computer Science", false},
	{"mbpp", "Engineering/Computer Science", false},
	{"electrical", "Engineering/Electrical", false},
	{"mechanical", "Engineering/Mechanical", false},
	{"engineering", "Engineering", false},
	{"history", "Humanities/History", false},
	{"역사", "Humanities/History", false},
	{"philosophy", "Humanities/Philosophy", false},
	{"literature", "Humanities/Literature", false},
	{"linguistic", "Humanities/Linguistics", false},
	{"economics", "Social Science/Economics", false},
	{"econometrics", "Social Science/Economics", false},
	{"경제", "Social Science/Economics", false},
	{"psychology", "Social Science/Psychology", false},
	{"politic", "Social Science/Politics", false},
	{"government", "Social Science/Politics", false},
	{"sociology", "Social Science/Sociology", false},
	{"clinical", "Medicine/Clinical", false},
	{"medical", "Medicine/Clinical", false},
	{"medicine", "Medicine/Clinical", false},
	{"의학", "Medicine/Clinical", false},
	{"pharmacy", "Medicine/Pharmacy", false},
	{"pharmacology", "Medicine/Pharmacy", false},
	{"law", "Law", true},
	{"legal", "Law", false},
	{"jurisprudence", "Law", false},
	{"법률", "Law", false},
	{"accounting", "Business/Accounting", false},
	{"finance", "Business/Finance", false},
	{"business", "Business", false},
	{"marketing", "Business", false},
	{"management", "Business", false},
	{"art", "Arts", true},
	{"arts", "Arts", true},
	{"music", "Arts", false},
}

var taskRules = []rule{
	{"reasoning", "Reasoning", false},
	{"reason", "Reasoning", true},
	{"logic", "Reasoning", false},
	{"gsm8k", "Reasoning", false},
	{"bbh", "Reasoning", true},
	{"hellaswag", "Reasoning", false},
	{"arc", "Reasoning", true},
	{"추론", "Reasoning", false},
	{"ethic", "Value", false},
	{"moral", "Value", false},
	{"value", "Value", true},
	{"values", "Value", true},
	{"윤리", "Value", false},
	{"alignment", "Alignment", false},
	{"align", "Alignment", true},
	{"safety", "Alignment", false},
	{"harmless", "Alignment", false},
	{"toxic", "Alignment", false},
	{"bias", "Alignment", true},
	{"truthfulqa", "Alignment", false},
	{"knowledge", "Knowledge", false},
	{"mmlu", "Knowledge", false},
	{"trivia", "Knowledge", false},
	{"지식", "Knowledge", false},
}
