package registry

import (
	"regexp"
	"strings"
)

var routerKeyDisallowed = regexp.MustCompile(`[^a-z0-9_|]+`)

// SanitizeRouterKey normalizes name into a router_key: lowercase,
// path separators folded to "|", everything else outside [a-z0-9_|]
// collapsed to "_". Mirrors, in spirit, the teacher's codegen/naming
// identifier sanitizers used to turn arbitrary tool names into safe
// Go/DSL identifiers.
func SanitizeRouterKey(name string) string {
	lower := strings.ToLower(name)
	lower = strings.ReplaceAll(lower, "/", "|")
	return routerKeyDisallowed.ReplaceAllString(lower, "_")
}
