// Package showif provides client interfaces and domain types for the showif
// conditional question display service.
//
// Use the sub-package to create a transport-specific client:
//
//	import showifhttp "github.com/showif/showif/clients/go/http"
package showif

import (
	"context"
	"encoding/json"
	"time"
)

// SetManager covers CRUD operations on question-sets.
type SetManager interface {
	CreateSet(ctx context.Context, set QuestionSet) (QuestionSet, error)
	GetSet(ctx context.Context, id string) (QuestionSet, error)
	ListSets(ctx context.Context) ([]QuestionSet, error)
	DeleteSet(ctx context.Context, id string) error
}

// ItemManager covers CRUD and reordering operations on items within one
// question-set.
type ItemManager interface {
	CreateItem(ctx context.Context, item Item) (Item, error)
	GetItem(ctx context.Context, setID, itemID string) (Item, error)
	ListItems(ctx context.Context, setID string) ([]Item, error)
	UpdateItem(ctx context.Context, item Item) (Item, error)
	DeleteItem(ctx context.Context, setID, itemID string) ([]string, error)
	MoveItem(ctx context.Context, setID, itemID string, newSeqno int) ([]Warning, error)
}

// ConditionManager attaches and clears display conditions.
type ConditionManager interface {
	SaveCondition(ctx context.Context, setID, itemID string, cond Condition) (Condition, []Advisory, error)
}

// Evaluator resolves visibility and dependency structure for a question-set.
type Evaluator interface {
	Visibility(ctx context.Context, setID string, answers map[string]any) (map[string]bool, error)
	DependencyMap(ctx context.Context, setID string) (DependencyMap, error)
}

// Streamer delivers real-time set change events.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, setID string, lastEventID int64) (<-chan SetEvent, error)
}

// QuestionSet is an ordered collection of items.
type QuestionSet struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Item is one question occupying position Seqno inside one question-set.
type Item struct {
	ID         string    `json:"id"`
	SetID      string    `json:"setId"`
	Seqno      int       `json:"seqno"`
	Label      string    `json:"label"`
	AnswerType string    `json:"answerType"`
	Options    []string  `json:"options,omitempty"`
	Condition  Condition `json:"condition"`
}

// DependsOn names the earlier item a condition is keyed on, the comparison to
// apply, and the reference values for that comparison.
type DependsOn struct {
	ItemID   string   `json:"itemId"`
	Operator string   `json:"operator"`
	Values   []string `json:"values"`
}

// Condition is the visibility rule attached to an item. A nil DependsOn means
// the item is always visible.
type Condition struct {
	DependsOn   *DependsOn `json:"dependsOn"`
	ShowIf      bool       `json:"showIf"`
	CascadeHide bool       `json:"cascadeHide"`
	Group       string     `json:"group,omitempty"`
}

// DependentEdge describes one item whose visibility depends on the map key's
// answer.
type DependentEdge struct {
	DependentID    string   `json:"dependentId"`
	DependentSeqno int      `json:"dependentSeqno"`
	Operator       string   `json:"operator"`
	Values         []string `json:"values"`
	ShowIf         bool     `json:"showIf"`
	CascadeHide    bool     `json:"cascadeHide"`
	Group          string   `json:"group,omitempty"`
}

// DependencyMap is the parent-to-dependents index of one question-set,
// together with any soft validation warnings.
type DependencyMap struct {
	Edges    map[string][]DependentEdge `json:"dependencyMap"`
	Warnings []Warning                  `json:"warnings"`
}

// Warning is a soft validation finding attached to one item.
type Warning struct {
	ItemID   string `json:"itemId"`
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Advisory is a non-blocking hint returned alongside a successful condition
// save when the operator is unusual for the dependency's answer type.
type Advisory struct {
	ItemID     string `json:"itemId"`
	Operator   string `json:"operator"`
	AnswerType string `json:"answerType"`
	Message    string `json:"message"`
}

// SetEvent is a real-time notification of a question-set change. Data carries
// the event payload: the affected item for item events, the saved condition
// for condition events.
type SetEvent struct {
	Type    string // "item_created" | "item_updated" | "item_moved" | "item_deleted" | "condition_saved" | "condition_cleared" | "error"
	EventID int64
	Data    json.RawMessage
}
