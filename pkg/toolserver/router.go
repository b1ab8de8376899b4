package toolserver

import (
	"fmt"
	"regexp"
	"strings"
)

// toolNameRegex validates the canonical "server.tool" format. Both parts
// must start with a word character and contain only word characters and
// hyphens.
var toolNameRegex = regexp.MustCompile(`^([\w][\w-]*)\.([\w][\w-]*)$`)

// FunctionName converts a canonical "server.tool" name to the
// "server__tool" form advertised to LLM providers. Several function-calling
// APIs reject dots in function names, so the double underscore is the wire
// format and the dot is the routing format.
func FunctionName(canonical string) string {
	return strings.Replace(canonical, ".", "__", 1)
}

// NormalizeToolName converts an LLM-emitted tool name back to the canonical
// "server.tool" form. Text-mode models sometimes echo the dotted form
// directly, so dotted names pass through unchanged.
func NormalizeToolName(name string) string {
	if strings.Contains(name, "__") && !strings.Contains(name, ".") {
		return strings.Replace(name, "__", ".", 1)
	}
	return name
}

// SplitToolName splits canonical "server.tool" into (server, tool).
// Validates with a strict regex: both parts must be word characters and
// hyphens, non-empty.
func SplitToolName(name string) (server, tool string, err error) {
	matches := toolNameRegex.FindStringSubmatch(name)
	if matches == nil {
		return "", "", fmt.Errorf(
			"invalid tool name %q: must be in 'server.tool' format "+
				"(e.g., 'web-search.fetch_page')", name)
	}
	return matches[1], matches[2], nil
}
