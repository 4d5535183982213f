package core

// Operator is the closed set of comparisons a condition can apply to its
// dependency's answer. Unknown operator strings are rejected by
// [ParseCondition]; [Evaluate] treats them as never matching rather than
// silently passing.
type Operator string

const (
	OperatorEquals             Operator = "EQUALS"
	OperatorNotEquals          Operator = "NOT_EQUALS"
	OperatorContains           Operator = "CONTAINS"
	OperatorNotContains        Operator = "NOT_CONTAINS"
	OperatorIn                 Operator = "IN"
	OperatorNotIn              Operator = "NOT_IN"
	OperatorGreaterThan        Operator = "GREATER_THAN"
	OperatorGreaterThanOrEqual Operator = "GREATER_THAN_OR_EQUAL"
	OperatorLessThan           Operator = "LESS_THAN"
	OperatorLessThanOrEqual    Operator = "LESS_THAN_OR_EQUAL"
	OperatorIsEmpty            Operator = "IS_EMPTY"
	OperatorIsNotEmpty         Operator = "IS_NOT_EMPTY"
)

var knownOperators = map[Operator]struct{}{
	OperatorEquals:             {},
	OperatorNotEquals:          {},
	OperatorContains:           {},
	OperatorNotContains:        {},
	OperatorIn:                 {},
	OperatorNotIn:              {},
	OperatorGreaterThan:        {},
	OperatorGreaterThanOrEqual: {},
	OperatorLessThan:           {},
	OperatorLessThanOrEqual:    {},
	OperatorIsEmpty:            {},
	OperatorIsNotEmpty:         {},
}

// KnownOperator reports whether op is a member of the closed operator set.
func KnownOperator(op Operator) bool {
	_, ok := knownOperators[op]
	return ok
}

// RequiresValues reports whether op needs a non-empty values list to be
// meaningful. Only the emptiness checks operate without reference values.
func (op Operator) RequiresValues() bool {
	return op != OperatorIsEmpty && op != OperatorIsNotEmpty
}

// compatClass groups operators by the kind of answer they compare sensibly
// against.
type compatClass int

const (
	classNumeric compatClass = iota
	classText
	classChoice
)

var classOperators = map[compatClass]map[Operator]struct{}{
	classNumeric: {
		OperatorEquals:             {},
		OperatorNotEquals:          {},
		OperatorGreaterThan:        {},
		OperatorGreaterThanOrEqual: {},
		OperatorLessThan:           {},
		OperatorLessThanOrEqual:    {},
		OperatorIsEmpty:            {},
		OperatorIsNotEmpty:         {},
	},
	classText: {
		OperatorEquals:      {},
		OperatorNotEquals:   {},
		OperatorContains:    {},
		OperatorNotContains: {},
		OperatorIsEmpty:     {},
		OperatorIsNotEmpty:  {},
	},
	classChoice: {
		OperatorEquals:     {},
		OperatorNotEquals:  {},
		OperatorIn:         {},
		OperatorNotIn:      {},
		OperatorIsEmpty:    {},
		OperatorIsNotEmpty: {},
	},
}

var answerTypeClass = map[AnswerType]compatClass{
	AnswerSingleLineText: classText,
	AnswerMultiLineText:  classText,
	AnswerEmail:          classText,
	AnswerNumeric:        classNumeric,
	AnswerRating:         classNumeric,
	AnswerMeterReading:   classNumeric,
	AnswerCheckbox:       classChoice,
	AnswerDropdown:       classChoice,
	AnswerMultiSelect:    classChoice,
	AnswerDate:           classText,
	AnswerTime:           classText,
	AnswerSignature:      classText,
	AnswerPeopleList:     classChoice,
	AnswerSiteList:       classChoice,
	AnswerGPS:            classText,
	AnswerNone:           classText,
}

// IsCompatible reports whether op makes sense against answers of the given
// type. The check is advisory: hosts surface it as UI guidance, it is not a
// persistence invariant. Unknown answer types fall back to the text class.
func IsCompatible(op Operator, answerType AnswerType) bool {
	class, ok := answerTypeClass[answerType]
	if !ok {
		class = classText
	}

	_, ok = classOperators[class][op]
	return ok
}
