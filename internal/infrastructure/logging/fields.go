package logging

import (
	"maps"
	"slices"
)

// zapFields flattens extra into sorted key/value pairs for the sugared logger.
func zapFields(extra map[ExtraKey]any) []any {
	fields := make([]any, 0, len(extra)*2)
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		fields = append(fields, string(k), extra[k])
	}
	return fields
}

func zeroFields(extra map[ExtraKey]any) map[string]any {
	fields := make(map[string]any, len(extra))
	for k, v := range extra {
		fields[string(k)] = v
	}
	return fields
}
