// Package contextvar manages a session's named variables and its active
// contexts: turn-counted flags encoded as "name:count" that bias intent
// matching while a conversation stays on a topic.
package contextvar

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultLifespanTurns is how many turns a newly activated context lives.
const DefaultLifespanTurns = 5

// FormatActive encodes an active context entry.
func FormatActive(name string, lifespanTurns int) string {
	return fmt.Sprintf("%s:%d", name, lifespanTurns)
}

// ParseActive decodes a "name:count" entry.
func ParseActive(entry string) (name string, count int, ok bool) {
	idx := strings.LastIndex(entry, ":")
	if idx <= 0 {
		return "", 0, false
	}
	count, err := strconv.Atoi(entry[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return entry[:idx], count, true
}

// DecrementLifespans decrements every entry's turn count by one and drops
// entries reaching zero. Must be applied exactly once per processed turn;
// applying it twice silently shortens context lifetimes. Entries that do
// not parse are preserved unchanged.
func DecrementLifespans(entries []string) []string {
	result := make([]string, 0, len(entries))
	for _, entry := range entries {
		name, count, ok := ParseActive(entry)
		if !ok {
			result = append(result, entry)
			continue
		}
		if count <= 1 {
			continue
		}
		result = append(result, FormatActive(name, count-1))
	}
	return result
}

// ContainsActive reports whether an entry for name is present.
func ContainsActive(entries []string, name string) bool {
	prefix := name + ":"
	for _, entry := range entries {
		if entry == name || strings.HasPrefix(entry, prefix) {
			return true
		}
	}
	return false
}

// ReplaceActive removes any entry for name and appends the new one.
func ReplaceActive(entries []string, name string, lifespanTurns int) []string {
	prefix := name + ":"
	result := make([]string, 0, len(entries)+1)
	for _, entry := range entries {
		if entry == name || strings.HasPrefix(entry, prefix) {
			continue
		}
		result = append(result, entry)
	}
	return append(result, FormatActive(name, lifespanTurns))
}

// MergeActive unions two active-context lists, deduplicated by context
// name with target entries winning.
func MergeActive(target, source []string) []string {
	result := make([]string, 0, len(target)+len(source))
	seen := make(map[string]struct{}, len(target)+len(source))

	add := func(entry string) {
		name, _, ok := ParseActive(entry)
		if !ok {
			name = entry
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		result = append(result, entry)
	}

	for _, entry := range target {
		add(entry)
	}
	for _, entry := range source {
		add(entry)
	}
	return result
}
