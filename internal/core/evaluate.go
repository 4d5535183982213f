package core

import (
	"sort"
	"strconv"
	"strings"
)

// Evaluate computes the raw visibility of the item owning cond against the
// supplied answers. A missing answer is an empty value, not an error, and no
// combination of operator and malformed answer ever panics; such comparisons
// simply fail.
//
// Cascade-hide is not applied here: it needs the resolved visibility of other
// items and is handled by [ResolveVisibility].
func Evaluate(cond Condition, answers map[string]AnswerValue) bool {
	if cond.DependsOn == nil {
		return true
	}

	dep := cond.DependsOn
	matched := applyOperator(dep.Operator, answers[dep.ItemID], dep.Values)
	if !cond.ShowIf {
		matched = !matched
	}
	return matched
}

// ResolveVisibility computes the final visibility of every item in one
// ascending-seqno pass, applying cascade-hide. A dependency always precedes
// its dependents, so a single pass suffices: by the time an item is resolved,
// its parent's visibility is already known.
//
// Rendering clients run the same pass locally per answer-change event using
// the dependency map built by [BuildDependencyMap].
func ResolveVisibility(items []Item, answers map[string]AnswerValue) map[string]bool {
	ordered := make([]Item, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Seqno < ordered[j].Seqno
	})

	byID := make(map[string]Item, len(ordered))
	for _, item := range ordered {
		byID[item.ID] = item
	}

	visible := make(map[string]bool, len(ordered))
	for _, item := range ordered {
		shown := Evaluate(item.Condition, answers)

		if dep := item.Condition.DependsOn; dep != nil {
			parent, ok := byID[dep.ItemID]
			if ok && parent.Condition.CascadeHide {
				if parentShown, resolved := visible[parent.ID]; resolved && !parentShown {
					shown = false
				}
			}
		}

		visible[item.ID] = shown
	}

	return visible
}

func applyOperator(op Operator, answer AnswerValue, values []string) bool {
	switch op {
	case OperatorEquals, OperatorIn:
		return anyMember(answer, values)
	case OperatorNotEquals, OperatorNotIn:
		return !anyMember(answer, values)
	case OperatorContains:
		return containsAny(answer, values)
	case OperatorNotContains:
		return !containsAny(answer, values)
	case OperatorGreaterThan:
		return compareNumeric(answer, values, func(a, b float64) bool { return a > b })
	case OperatorGreaterThanOrEqual:
		return compareNumeric(answer, values, func(a, b float64) bool { return a >= b })
	case OperatorLessThan:
		return compareNumeric(answer, values, func(a, b float64) bool { return a < b })
	case OperatorLessThanOrEqual:
		return compareNumeric(answer, values, func(a, b float64) bool { return a <= b })
	case OperatorIsEmpty:
		return isEmptyAnswer(answer)
	case OperatorIsNotEmpty:
		return !isEmptyAnswer(answer)
	default:
		// Unknown operators never match. The schema validator rejects
		// them on write, so this branch only sees pre-validation data.
		return false
	}
}

// anyMember reports whether any element of the answer appears in values.
func anyMember(answer AnswerValue, values []string) bool {
	for _, entry := range answerStrings(answer) {
		for _, value := range values {
			if entry == value {
				return true
			}
		}
	}
	return false
}

// containsAny reports whether any element of the answer contains any of the
// values as a substring. An unanswered item contains nothing.
func containsAny(answer AnswerValue, values []string) bool {
	for _, entry := range answerStrings(answer) {
		for _, value := range values {
			if value != "" && strings.Contains(entry, value) {
				return true
			}
		}
	}
	return false
}

// compareNumeric parses the answer and the first reference value as numbers
// and applies cmp. Anything non-numeric fails the comparison.
func compareNumeric(answer AnswerValue, values []string, cmp func(a, b float64) bool) bool {
	if len(values) == 0 {
		return false
	}

	reference, err := strconv.ParseFloat(strings.TrimSpace(values[0]), 64)
	if err != nil {
		return false
	}

	entries := answerStrings(answer)
	if len(entries) == 0 {
		return false
	}

	parsed, err := strconv.ParseFloat(strings.TrimSpace(entries[0]), 64)
	if err != nil {
		return false
	}

	return cmp(parsed, reference)
}

func isEmptyAnswer(answer AnswerValue) bool {
	return len(answerStrings(answer)) == 0
}

// answerStrings normalizes an answer to its non-empty string elements.
// Numbers and booleans (as decoded from JSON) are coerced; any other dynamic
// type yields nothing.
func answerStrings(answer AnswerValue) []string {
	switch v := answer.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return nonEmpty(v)
	case []any:
		entries := make([]string, 0, len(v))
		for _, elem := range v {
			entries = append(entries, answerStrings(elem)...)
		}
		return entries
	case float64:
		return []string{formatNumber(v)}
	case int:
		return []string{strconv.Itoa(v)}
	case int64:
		return []string{strconv.FormatInt(v, 10)}
	case bool:
		return []string{strconv.FormatBool(v)}
	default:
		return nil
	}
}

func nonEmpty(values []string) []string {
	entries := make([]string, 0, len(values))
	for _, value := range values {
		if value != "" {
			entries = append(entries, value)
		}
	}
	return entries
}
