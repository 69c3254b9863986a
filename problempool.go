package worksheetgen

import "sort"

// ProblemPool indexes a batch's items and answers by number so replacements
// can be merged in without touching anything else
type ProblemPool struct {
	items       map[int]Item
	answers     map[int]AnswerRecord
	order       []int
	answerOrder []int
}

// NewProblemPool creates a pool from a deep copy of batch
func NewProblemPool(batch *Batch) *ProblemPool {
	b := batch.Clone()
	pp := &ProblemPool{
		items:   make(map[int]Item, len(b.Items)),
		answers: make(map[int]AnswerRecord, len(b.Answers)),
	}
	for _, it := range b.Items {
		if _, dup := pp.items[it.Number]; dup {
			continue
		}
		pp.items[it.Number] = it
		pp.order = append(pp.order, it.Number)
	}
	for _, a := range b.Answers {
		if _, dup := pp.answers[a.Number]; dup {
			continue
		}
		pp.answers[a.Number] = a
		pp.answerOrder = append(pp.answerOrder, a.Number)
	}
	return pp
}

// Has reports whether the pool holds an item with this number
func (pp *ProblemPool) Has(number int) bool {
	_, ok := pp.items[number]
	return ok
}

// Get retrieves an item and its answer
func (pp *ProblemPool) Get(number int) (Item, AnswerRecord, bool) {
	it, ok := pp.items[number]
	if !ok {
		return Item{}, AnswerRecord{}, false
	}
	return it, pp.answers[number], true
}

// Replace swaps in a new item and answer for an existing number. It returns
// false, leaving the pool unchanged, when the number is unknown or the pair
// does not share it.
func (pp *ProblemPool) Replace(item Item, answer AnswerRecord) bool {
	if item.Number != answer.Number || !pp.Has(item.Number) {
		return false
	}
	pp.items[item.Number] = item
	if _, ok := pp.answers[answer.Number]; !ok {
		pp.answerOrder = append(pp.answerOrder, answer.Number)
		sort.Ints(pp.answerOrder)
	}
	pp.answers[answer.Number] = answer
	return true
}

// Size returns the number of items in the pool
func (pp *ProblemPool) Size() int {
	return len(pp.order)
}

// Items returns the items in their original order
func (pp *ProblemPool) Items() []Item {
	items := make([]Item, 0, len(pp.order))
	for _, n := range pp.order {
		items = append(items, pp.items[n])
	}
	return items
}

// Answers returns the answer records in their original order
func (pp *ProblemPool) Answers() []AnswerRecord {
	answers := make([]AnswerRecord, 0, len(pp.answerOrder))
	for _, n := range pp.answerOrder {
		answers = append(answers, pp.answers[n])
	}
	return answers
}
