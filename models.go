package worksheetgen

import (
	"sort"
	"time"
)

// Difficulty levels accepted by the generator
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

// MaxMixedTopics is the largest number of topics a single worksheet may mix
const MaxMixedTopics = 3

// ChoiceLabels are the only valid labels for multiple choice items, in order
var ChoiceLabels = []string{"A", "B", "C", "D"}

// Topic identifies one category/subcategory pair a worksheet draws from
type Topic struct {
	Category    string `json:"category" validate:"required,max=120"`
	Subcategory string `json:"subcategory" validate:"required,max=120"`
}

// GenerationRequest represents a request to generate a worksheet
type GenerationRequest struct {
	Topics           []Topic         `json:"topics" validate:"required,min=1,max=3,dive"`
	Difficulty       string          `json:"difficulty" validate:"required,oneof=easy medium hard"`
	Count            int             `json:"count" validate:"required,oneof=10 15 20"`
	Modifiers        map[string]bool `json:"modifiers,omitempty"`
	IncludeAnswerKey bool            `json:"include_answer_key"`
}

// Mixed reports whether the request spans more than one topic
func (r GenerationRequest) Mixed() bool {
	return len(r.Topics) > 1
}

// ActiveModifiers returns the names of enabled modifiers in a stable order
func (r GenerationRequest) ActiveModifiers() []string {
	active := make([]string, 0, len(r.Modifiers))
	for name, on := range r.Modifiers {
		if on {
			active = append(active, name)
		}
	}
	sort.Strings(active)
	return active
}

// Item is a single generated problem.
// Choices holds exactly four labeled alternatives unless FreeResponse is set.
type Item struct {
	Number       int               `json:"number"`
	Content      string            `json:"content"`
	Choices      map[string]string `json:"choices,omitempty"`
	FreeResponse bool              `json:"free_response"`
	HasVisual    bool              `json:"has_visual"`
	VisualCode   string            `json:"visual_code,omitempty"`
}

// IsChoice reports whether the item is answered with a choice label
func (it Item) IsChoice() bool {
	return !it.FreeResponse && len(it.Choices) > 0
}

// AnswerRecord is the answer and worked solution for one item
type AnswerRecord struct {
	Number        int    `json:"number"`
	CorrectAnswer string `json:"correct_answer"`
	Solution      string `json:"solution"`
}

// Batch is one request's full set of items, answers and metadata.
// It only lives for the duration of a single pipeline run.
type Batch struct {
	ID         string          `json:"id"`
	Topics     []Topic         `json:"topics"`
	Difficulty string          `json:"difficulty"`
	Count      int             `json:"count"`
	Modifiers  map[string]bool `json:"modifiers,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Items      []Item          `json:"items"`
	Answers    []AnswerRecord  `json:"answers"`
}

// Item returns the item with the given number
func (b *Batch) Item(number int) (Item, bool) {
	for _, it := range b.Items {
		if it.Number == number {
			return it, true
		}
	}
	return Item{}, false
}

// Answer returns the answer record with the given number
func (b *Batch) Answer(number int) (AnswerRecord, bool) {
	for _, a := range b.Answers {
		if a.Number == number {
			return a, true
		}
	}
	return AnswerRecord{}, false
}

// Clone returns a deep copy of the batch
func (b *Batch) Clone() *Batch {
	out := *b
	out.Topics = append([]Topic(nil), b.Topics...)
	if b.Modifiers != nil {
		out.Modifiers = make(map[string]bool, len(b.Modifiers))
		for k, v := range b.Modifiers {
			out.Modifiers[k] = v
		}
	}
	out.Items = make([]Item, len(b.Items))
	for i, it := range b.Items {
		out.Items[i] = it.clone()
	}
	out.Answers = append([]AnswerRecord(nil), b.Answers...)
	return &out
}

func (it Item) clone() Item {
	if it.Choices != nil {
		choices := make(map[string]string, len(it.Choices))
		for k, v := range it.Choices {
			choices[k] = v
		}
		it.Choices = choices
	}
	return it
}

// VerificationStatus distinguishes a real verification from an assumed pass
type VerificationStatus string

const (
	VerificationVerified    VerificationStatus = "verified"
	VerificationUnavailable VerificationStatus = "unavailable"
)

// ItemVerification is the blind re-solve result for one item
type ItemVerification struct {
	Number         int    `json:"number"`
	Passed         bool   `json:"passed"`
	ExpectedAnswer string `json:"expected_answer"`
	VerifiedAnswer string `json:"verified_answer"`
	Issue          string `json:"issue,omitempty"`
}

// VerificationOutcome is the result of checking a whole batch.
// When Status is VerificationUnavailable, Passed is true and Results is empty.
type VerificationOutcome struct {
	Passed  bool               `json:"passed"`
	Status  VerificationStatus `json:"status"`
	Results []ItemVerification `json:"problem_results"`
}

// FailedNumbers returns the numbers of items that failed verification, ascending
func (v VerificationOutcome) FailedNumbers() []int {
	var failed []int
	for _, r := range v.Results {
		if !r.Passed {
			failed = append(failed, r.Number)
		}
	}
	sort.Ints(failed)
	return failed
}

// CompileProbe is the result of test-compiling one visual fragment
type CompileProbe struct {
	Success    bool   `json:"success"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

// Issue is a structural problem found in a batch
type Issue struct {
	Number  int    `json:"number"`
	Message string `json:"message"`
}
