package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ParseOption configures optional [ParseCondition] behaviour.
type ParseOption func(*parseConfig)

type parseConfig struct {
	resolveSeqno func(seqno int) (string, bool)
}

// WithSeqnoResolver lets the caller resolve legacy questionSeqno references
// (position within the owning set) to item IDs. Without a resolver, documents
// that only carry questionSeqno are rejected as malformed.
func WithSeqnoResolver(resolve func(seqno int) (string, bool)) ParseOption {
	return func(c *parseConfig) { c.resolveSeqno = resolve }
}

// rawDependsOn tolerates every historical key spelling for the dependency
// reference. itemId wins over questionId, which wins over questionSeqno.
// Unknown keys are ignored and never re-emitted.
type rawDependsOn struct {
	ItemID        string          `json:"itemId"`
	QuestionID    string          `json:"questionId"`
	QuestionSeqno *int            `json:"questionSeqno"`
	Operator      string          `json:"operator"`
	Values        json.RawMessage `json:"values"`
}

type rawCondition struct {
	DependsOn   json.RawMessage `json:"dependsOn"`
	ShowIf      *bool           `json:"showIf"`
	CascadeHide *bool           `json:"cascadeHide"`
	Group       string          `json:"group"`

	// Legacy flat documents carried the dependency fields at the top
	// level instead of under dependsOn.
	QuestionID    string          `json:"questionId"`
	QuestionSeqno *int            `json:"questionSeqno"`
	Operator      string          `json:"operator"`
	Values        json.RawMessage `json:"values"`
}

// ParseCondition validates and normalizes one raw condition document into a
// [Condition]. It is a pure function of its input: no I/O, no state.
//
// Normalization covers legacy key aliases (questionId, questionSeqno, flat
// documents without a dependsOn wrapper), operator case, markup stripping,
// and length caps. Failures are always a [*SchemaError].
func ParseCondition(raw []byte, opts ...ParseOption) (Condition, error) {
	cfg := parseConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return EmptyCondition(), nil
	}

	var doc rawCondition
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return Condition{}, &SchemaError{
			Code: SchemaMalformedInput,
			Msg:  fmt.Sprintf("invalid condition document: %v", err),
		}
	}

	cond := EmptyCondition()
	if doc.ShowIf != nil {
		cond.ShowIf = *doc.ShowIf
	}
	if doc.CascadeHide != nil {
		cond.CascadeHide = *doc.CascadeHide
	}
	cond.Group = sanitizeGroup(doc.Group)

	dep, err := normalizeDependsOn(doc, cfg)
	if err != nil {
		return Condition{}, err
	}
	cond.DependsOn = dep

	return cond, nil
}

func normalizeDependsOn(doc rawCondition, cfg parseConfig) (*DependsOn, error) {
	var dep rawDependsOn

	switch {
	case len(doc.DependsOn) > 0 && !bytes.Equal(bytes.TrimSpace(doc.DependsOn), []byte("null")):
		if err := json.Unmarshal(doc.DependsOn, &dep); err != nil {
			return nil, &SchemaError{
				Code:  SchemaMalformedInput,
				Field: "dependsOn",
				Msg:   fmt.Sprintf("invalid dependsOn document: %v", err),
			}
		}
	case doc.Operator != "" && (doc.QuestionID != "" || doc.QuestionSeqno != nil):
		// Legacy flat shape.
		dep = rawDependsOn{
			QuestionID:    doc.QuestionID,
			QuestionSeqno: doc.QuestionSeqno,
			Operator:      doc.Operator,
			Values:        doc.Values,
		}
	default:
		return nil, nil
	}

	itemID, err := resolveItemID(dep, cfg)
	if err != nil {
		return nil, err
	}

	operator := Operator(strings.ToUpper(strings.TrimSpace(dep.Operator)))
	if !KnownOperator(operator) {
		return nil, &SchemaError{
			Code:  SchemaInvalidOperator,
			Field: "dependsOn.operator",
			Msg:   fmt.Sprintf("unknown operator %q", dep.Operator),
		}
	}

	values, err := decodeValues(dep.Values)
	if err != nil {
		return nil, err
	}
	values = sanitizeValues(values)

	if operator.RequiresValues() && len(values) == 0 {
		return nil, &SchemaError{
			Code:  SchemaValuesRequired,
			Field: "dependsOn.values",
			Msg:   fmt.Sprintf("operator %s requires at least one value", operator),
		}
	}

	return &DependsOn{
		ItemID:   itemID,
		Operator: operator,
		Values:   values,
	}, nil
}

func resolveItemID(dep rawDependsOn, cfg parseConfig) (string, error) {
	if id := strings.TrimSpace(dep.ItemID); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(dep.QuestionID); id != "" {
		return id, nil
	}
	if dep.QuestionSeqno != nil && cfg.resolveSeqno != nil {
		if id, ok := cfg.resolveSeqno(*dep.QuestionSeqno); ok {
			return id, nil
		}
		return "", &SchemaError{
			Code:  SchemaMalformedInput,
			Field: "dependsOn.questionSeqno",
			Msg:   fmt.Sprintf("no item at seqno %d", *dep.QuestionSeqno),
		}
	}

	return "", &SchemaError{
		Code:  SchemaMalformedInput,
		Field: "dependsOn.itemId",
		Msg:   "dependency item id is required",
	}
}

// decodeValues accepts a JSON array of strings, tolerating scalar numbers and
// booleans left behind by older editors. Objects and nested arrays are
// rejected.
func decodeValues(raw json.RawMessage) ([]string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var entries []any
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, &SchemaError{
			Code:  SchemaMalformedInput,
			Field: "dependsOn.values",
			Msg:   fmt.Sprintf("values must be an array: %v", err),
		}
	}

	values := make([]string, 0, len(entries))
	for i, entry := range entries {
		switch v := entry.(type) {
		case string:
			values = append(values, v)
		case float64:
			values = append(values, formatNumber(v))
		case bool:
			values = append(values, fmt.Sprintf("%t", v))
		case nil:
			values = append(values, "")
		default:
			return nil, &SchemaError{
				Code:  SchemaMalformedInput,
				Field: fmt.Sprintf("dependsOn.values[%d]", i),
				Msg:   "value must be a string",
			}
		}
	}

	return values, nil
}

func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}
