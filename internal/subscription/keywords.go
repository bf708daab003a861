package subscription

import "strings"

// ParseKeywords splits a comma-separated list, trimming, lower-casing and
// dropping duplicates while keeping the first occurrence order.
func ParseKeywords(raw string) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, k := range strings.Split(raw, ",") {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Accepts applies the keyword filters to a listing text. An empty include
// set accepts everything; any exclude hit rejects.
func (s Subscription) Accepts(text string) bool {
	text = strings.ToLower(text)
	for _, k := range s.ExcludeKeywords {
		if strings.Contains(text, k) {
			return false
		}
	}
	if len(s.IncludeKeywords) == 0 {
		return true
	}
	for _, k := range s.IncludeKeywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
