package worksheetgen

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var requestValidator = newRequestValidator()

func newRequestValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateRequest checks a generation request before any backend call
func ValidateRequest(req GenerationRequest) error {
	if err := requestValidator.Struct(req); err != nil {
		return newGenerationError(KindInvalidRequest, describeValidation(err), nil)
	}

	for _, name := range sortedKeys(req.Modifiers) {
		if _, ok := modifierInstructions[name]; !ok {
			return newGenerationError(KindInvalidRequest,
				fmt.Sprintf("unknown modifier %q (known: %s)", name, strings.Join(KnownModifiers(), ", ")), nil)
		}
	}

	seen := make(map[Topic]bool, len(req.Topics))
	for _, t := range req.Topics {
		key := Topic{Category: strings.ToLower(strings.TrimSpace(t.Category)), Subcategory: strings.ToLower(strings.TrimSpace(t.Subcategory))}
		if seen[key] {
			return newGenerationError(KindInvalidRequest, fmt.Sprintf("topic %s / %s is listed twice", t.Category, t.Subcategory), nil)
		}
		seen[key] = true
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "GenerationRequest.")
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", field, fe.Param()))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s needs at least %s entries", field, fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s allows at most %s", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// ValidateBatch reports structural problems in a batch. It never fails and
// does not modify the batch; issues are advisory.
func ValidateBatch(b *Batch) []Issue {
	var issues []Issue

	items := make(map[int]Item, len(b.Items))
	for _, it := range b.Items {
		if _, dup := items[it.Number]; dup {
			issues = append(issues, Issue{Number: it.Number, Message: "duplicate item number"})
			continue
		}
		items[it.Number] = it
	}

	answered := make(map[int]bool, len(b.Answers))
	for _, a := range b.Answers {
		if answered[a.Number] {
			issues = append(issues, Issue{Number: a.Number, Message: "duplicate answer record"})
			continue
		}
		answered[a.Number] = true

		item, ok := items[a.Number]
		if !ok {
			issues = append(issues, Issue{Number: a.Number, Message: "answer references a missing item"})
			continue
		}
		if item.FreeResponse {
			if strings.TrimSpace(a.CorrectAnswer) == "" {
				issues = append(issues, Issue{Number: a.Number, Message: "free-response answer is empty"})
			}
			continue
		}
		if !isChoiceLabel(strings.ToUpper(strings.TrimSpace(a.CorrectAnswer))) {
			issues = append(issues, Issue{Number: a.Number, Message: fmt.Sprintf("answer %q is not a choice label A-D", a.CorrectAnswer)})
		}
	}

	contents := make(map[string]int, len(b.Items))
	for _, it := range b.Items {
		if !answered[it.Number] {
			issues = append(issues, Issue{Number: it.Number, Message: "item has no answer record"})
		}
		key := foldText(it.Content)
		if first, dup := contents[key]; dup {
			issues = append(issues, Issue{Number: it.Number, Message: fmt.Sprintf("same content as item %d", first)})
		} else {
			contents[key] = it.Number
		}
	}

	return issues
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
