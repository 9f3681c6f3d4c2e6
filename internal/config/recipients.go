package config

import "strings"

// ParseRecipients splits a comma-delimited recipient string, trims each entry,
// and drops blanks and duplicates while keeping first-seen order.
func ParseRecipients(raw string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
