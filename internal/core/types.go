// Package core implements the conditional question display engine: schema
// validation for display conditions, dependency graph validation over a
// question-set, and visibility evaluation with cascade-hide propagation.
//
// The package is a pure library. It holds no state between calls and performs
// no I/O of its own; all question-set context is supplied per call through the
// [ItemRepository] interface.
package core

import (
	"bytes"
	"context"
	"encoding/json"
)

// AnswerType classifies the kind of answer an item collects. It determines
// which comparison operators are advisable for conditions that depend on the
// item (see [IsCompatible]).
type AnswerType string

const (
	AnswerSingleLineText AnswerType = "single_line_text"
	AnswerMultiLineText  AnswerType = "multi_line_text"
	AnswerEmail          AnswerType = "email"
	AnswerNumeric        AnswerType = "numeric"
	AnswerRating         AnswerType = "rating"
	AnswerMeterReading   AnswerType = "meter_reading"
	AnswerCheckbox       AnswerType = "checkbox"
	AnswerDropdown       AnswerType = "dropdown"
	AnswerMultiSelect    AnswerType = "multi_select"
	AnswerDate           AnswerType = "date"
	AnswerTime           AnswerType = "time"
	AnswerSignature      AnswerType = "signature"
	AnswerPeopleList     AnswerType = "people_list"
	AnswerSiteList       AnswerType = "site_list"
	AnswerGPS            AnswerType = "gps"
	AnswerNone           AnswerType = "none"
)

// AnswerValue is the caller-supplied answer for one item: a string, a
// []string for multi-select answers, or nil when unanswered. Any other
// dynamic type is treated as unanswered.
type AnswerValue = any

// Item is one question occupying position Seqno inside one question-set.
// Items are owned by the storage collaborator; the engine only reads them.
type Item struct {
	ID         string     `json:"id"`
	SetID      string     `json:"setId"`
	Seqno      int        `json:"seqno"`
	Label      string     `json:"label"`
	AnswerType AnswerType `json:"answerType"`
	Options    []string   `json:"options,omitempty"`
	Condition  Condition  `json:"condition"`
}

// DependsOn names the earlier item a condition is keyed on, the comparison to
// apply, and the reference values for that comparison.
type DependsOn struct {
	ItemID   string   `json:"itemId"`
	Operator Operator `json:"operator"`
	Values   []string `json:"values"`
}

// Condition is the visibility rule attached to an item. [EmptyCondition]
// gives the canonical "no dependency, always visible" form.
//
// ShowIf controls the polarity of the dependency check: true means "show when
// the check passes", false means "hide when the check passes". CascadeHide
// forces all of the item's own dependents hidden whenever the item itself ends
// up hidden, regardless of their conditions.
type Condition struct {
	DependsOn   *DependsOn
	ShowIf      bool
	CascadeHide bool
	Group       string
}

// EmptyCondition returns the condition that keeps an item always visible.
func EmptyCondition() Condition {
	return Condition{ShowIf: true}
}

// IsEmpty reports whether the condition has no dependency.
func (c Condition) IsEmpty() bool {
	return c.DependsOn == nil
}

// conditionWire is the stable JSON contract consumed by mobile and web
// clients. Group serializes as null when unset.
type conditionWire struct {
	DependsOn   *DependsOn `json:"dependsOn"`
	ShowIf      bool       `json:"showIf"`
	CascadeHide bool       `json:"cascadeHide"`
	Group       *string    `json:"group"`
}

// MarshalJSON emits the wire shape with explicit nulls for absent fields.
func (c Condition) MarshalJSON() ([]byte, error) {
	wire := conditionWire{
		DependsOn:   c.DependsOn,
		ShowIf:      c.ShowIf,
		CascadeHide: c.CascadeHide,
	}
	if c.Group != "" {
		wire.Group = &c.Group
	}
	return json.Marshal(wire)
}

// UnmarshalJSON accepts the wire shape. An empty document ({} or null)
// decodes to the empty condition. Raw input from untrusted callers should go
// through [ParseCondition] instead, which also normalizes legacy keys and
// sanitizes values.
func (c *Condition) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}")) {
		*c = EmptyCondition()
		return nil
	}

	var wire struct {
		DependsOn   *DependsOn `json:"dependsOn"`
		ShowIf      *bool      `json:"showIf"`
		CascadeHide *bool      `json:"cascadeHide"`
		Group       *string    `json:"group"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	parsed := EmptyCondition()
	parsed.DependsOn = wire.DependsOn
	if wire.ShowIf != nil {
		parsed.ShowIf = *wire.ShowIf
	}
	if wire.CascadeHide != nil {
		parsed.CascadeHide = *wire.CascadeHide
	}
	if wire.Group != nil {
		parsed.Group = *wire.Group
	}

	*c = parsed
	return nil
}

// ItemRepository supplies read-only question-set snapshots to the graph
// validator and the dependency map builder. Implementations must return items
// ordered by ascending seqno from ListItemsBySet.
type ItemRepository interface {
	// GetItem returns the item with the given ID. The boolean reports
	// whether the item exists; the error is reserved for lookup failures.
	GetItem(ctx context.Context, id string) (Item, bool, error)

	// ListItemsBySet returns every item in the question-set ordered by
	// ascending seqno.
	ListItemsBySet(ctx context.Context, setID string) ([]Item, error)
}

// DependentEdge describes one item whose visibility is keyed on a parent
// item's answer. Entries carry everything a rendering client needs to
// re-evaluate visibility locally without another server round trip.
type DependentEdge struct {
	DependentID    string   `json:"dependentId"`
	DependentSeqno int      `json:"dependentSeqno"`
	Operator       Operator `json:"operator"`
	Values         []string `json:"values"`
	ShowIf         bool     `json:"showIf"`
	CascadeHide    bool     `json:"cascadeHide"`
	Group          string   `json:"group,omitempty"`
}

// Severity grades a soft-validation warning.
type Severity string

const (
	// SeverityError marks a broken reference or ordering violation that
	// degrades a single item.
	SeverityError Severity = "error"
	// SeverityCritical marks an item caught in a dependency cycle.
	SeverityCritical Severity = "critical"
)

// Warning is the non-fatal, read-path counterpart of a [GraphError].
// Builders collect warnings instead of aborting so rendering clients can
// degrade gracefully; clients should fail open and treat an item carrying a
// critical warning as always visible.
type Warning struct {
	ItemID   string         `json:"itemId"`
	Code     GraphErrorCode `json:"code"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
}

// DependencyMap is the parent-to-dependents index for one question-set,
// assembled once per question-set load by [BuildDependencyMap].
type DependencyMap struct {
	Edges    map[string][]DependentEdge `json:"dependencyMap"`
	Warnings []Warning                  `json:"warnings"`
}
