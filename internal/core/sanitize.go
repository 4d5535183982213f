package core

import (
	"regexp"
	"strings"
)

const (
	maxValueLength = 500
	maxValueCount  = 50
	maxGroupLength = 100
)

var (
	tagPattern      = regexp.MustCompile(`<[^>]*>?`)
	groupCharFilter = regexp.MustCompile(`[^A-Za-z0-9_-]`)
)

// sanitizeValue strips HTML-like tag sequences and truncates the result.
// Condition values come from untrusted editors and are echoed back to mobile
// and web clients verbatim, so markup never survives persistence.
func sanitizeValue(value string) string {
	cleaned := tagPattern.ReplaceAllString(value, "")
	cleaned = strings.TrimSpace(cleaned)
	if len(cleaned) > maxValueLength {
		cleaned = cleaned[:maxValueLength]
	}
	return cleaned
}

// sanitizeValues sanitizes each entry and caps the list length.
func sanitizeValues(values []string) []string {
	if values == nil {
		return nil
	}
	if len(values) > maxValueCount {
		values = values[:maxValueCount]
	}

	cleaned := make([]string, 0, len(values))
	for _, value := range values {
		cleaned = append(cleaned, sanitizeValue(value))
	}
	return cleaned
}

// sanitizeGroup reduces a group label to [A-Za-z0-9_-] and truncates it.
// A label that sanitizes to nothing is dropped entirely.
func sanitizeGroup(group string) string {
	cleaned := groupCharFilter.ReplaceAllString(group, "")
	if len(cleaned) > maxGroupLength {
		cleaned = cleaned[:maxGroupLength]
	}
	return cleaned
}
