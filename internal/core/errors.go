package core

import (
	"fmt"
	"strings"
)

// SchemaErrorCode identifies the class of a structural validation failure.
type SchemaErrorCode string

const (
	SchemaMalformedInput  SchemaErrorCode = "MALFORMED_INPUT"
	SchemaInvalidOperator SchemaErrorCode = "INVALID_OPERATOR"
	SchemaValuesRequired  SchemaErrorCode = "VALUES_REQUIRED"
)

// SchemaError reports a structural problem in a raw condition document. It is
// always returned, never panicked, so hosts can surface field-level messages
// at the point of editing.
type SchemaError struct {
	Code  SchemaErrorCode
	Field string
	Msg   string
}

func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("condition schema: %s: %s: %s", e.Code, e.Field, e.Msg)
	}
	return fmt.Sprintf("condition schema: %s: %s", e.Code, e.Msg)
}

// GraphErrorCode identifies the class of a dependency graph violation.
type GraphErrorCode string

const (
	GraphNotFound          GraphErrorCode = "NOT_FOUND"
	GraphCrossSet          GraphErrorCode = "CROSS_SET"
	GraphSelfReference     GraphErrorCode = "SELF_REFERENCE"
	GraphOrderingViolation GraphErrorCode = "ORDERING_VIOLATION"
	GraphCycle             GraphErrorCode = "CYCLE"
)

// GraphError reports a referential, ordering, or cycle violation detected by
// [ValidateGraph]. On the write path a GraphError must abort the persistence
// transaction.
type GraphError struct {
	Code GraphErrorCode

	// ItemID is the offending dependency reference, where applicable.
	ItemID string

	// ExpectedSetID and ActualSetID are populated for CROSS_SET.
	ExpectedSetID string
	ActualSetID   string

	// DependencySeqno and OwnerSeqno are populated for ORDERING_VIOLATION.
	DependencySeqno int
	OwnerSeqno      int

	// Path is the accumulated item ID chain for CYCLE.
	Path []string
}

func (e *GraphError) Error() string {
	switch e.Code {
	case GraphNotFound:
		return fmt.Sprintf("condition graph: dependency %q not found", e.ItemID)
	case GraphCrossSet:
		return fmt.Sprintf("condition graph: dependency %q belongs to set %q, not %q",
			e.ItemID, e.ActualSetID, e.ExpectedSetID)
	case GraphSelfReference:
		return fmt.Sprintf("condition graph: item %q depends on itself", e.ItemID)
	case GraphOrderingViolation:
		return fmt.Sprintf("condition graph: dependency %q at seqno %d does not precede owner at seqno %d",
			e.ItemID, e.DependencySeqno, e.OwnerSeqno)
	case GraphCycle:
		return fmt.Sprintf("condition graph: dependency cycle %s", strings.Join(e.Path, " -> "))
	default:
		return fmt.Sprintf("condition graph: %s", e.Code)
	}
}

// Warning converts the error into its soft-validation counterpart for the
// given owning item. Cycles are critical; everything else degrades a single
// item and is graded as an error.
func (e *GraphError) Warning(ownerID string) Warning {
	severity := SeverityError
	if e.Code == GraphCycle {
		severity = SeverityCritical
	}
	return Warning{
		ItemID:   ownerID,
		Code:     e.Code,
		Severity: severity,
		Message:  e.Error(),
	}
}
