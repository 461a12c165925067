package upstream

import "strings"

// badRequestFixes maps error-text fragments to the sanitizer that repairs
// them. Matching is case-insensitive substring search over the upstream
// error message.
var badRequestFixes = []struct {
	fragment  string
	sanitizer string
}{
	{"text content blocks must be non-empty", SanitizerDropEmptyText},
	{"cannot be empty", SanitizerDropEmptyText},
	{"whitespace", SanitizerDropEmptyText},
	{"tool_use_id", SanitizerPruneOrphanToolResult},
	{"tool_use ids were found without", SanitizerPruneOrphanToolResult},
	{"unexpected tool_use_id", SanitizerPruneOrphanToolResult},
	{"duplicate tool", SanitizerDedupeTools},
	{"tool names must be unique", SanitizerDedupeTools},
}

var contextOverflowFragments = []string{
	"context length",
	"context window",
	"maximum context",
	"prompt is too long",
	"too many tokens",
	"exceeds the maximum number of tokens",
}

// FixableSanitizer returns the name of the sanitizer that repairs the
// given upstream bad-request message, or "" when none applies.
func FixableSanitizer(message string) string {
	lower := strings.ToLower(message)
	if isContextOverflow(lower) {
		return ""
	}
	for _, fix := range badRequestFixes {
		if strings.Contains(lower, fix.fragment) {
			return fix.sanitizer
		}
	}
	return ""
}

func isContextOverflow(message string) bool {
	lower := strings.ToLower(message)
	for _, fragment := range contextOverflowFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
