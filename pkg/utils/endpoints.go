package utils

import (
	"slices"
	"strings"
)

// EndpointList splits a comma separated list of RPC endpoints. Blank entries are skipped and an
// endpoint that differs from an earlier one only by trailing slashes or letter case is dropped;
// the first spelling wins.
func EndpointList(raw string) []string {
	var out, keys []string
	for _, part := range strings.Split(raw, ",") {
		endpoint := strings.TrimRight(strings.TrimSpace(part), "/")
		if endpoint == "" {
			continue
		}
		key := strings.ToLower(endpoint)
		if slices.Contains(keys, key) {
			continue
		}
		keys = append(keys, key)
		out = append(out, endpoint)
	}
	return out
}
