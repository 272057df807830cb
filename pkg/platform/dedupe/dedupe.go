// Package dedupe removes repeated values from slices while keeping first-seen order.
package dedupe

import "strings"

// Stable drops every value already seen earlier in the slice.
//
// Example:
//
//	Stable([]int{3, 1, 3, 2, 1})
//	// Returns: []int{3, 1, 2}
func Stable[T comparable](values []T) []T {
	if len(values) == 0 {
		return values
	}
	seen := make(map[T]struct{}, len(values))
	result := make([]T, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

// Trimmed trims whitespace, drops empty strings, then dedupes.
//
// Example:
//
//	Trimmed([]string{"  broker-1 ", "broker-2", "broker-1", "", "  "})
//	// Returns: []string{"broker-1", "broker-2"}
func Trimmed(values []string) []string {
	if len(values) == 0 {
		return values
	}
	trimmed := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			trimmed = append(trimmed, v)
		}
	}
	return Stable(trimmed)
}
