package governance

import "strings"

// toolGroups is the closed tool-group expansion table from spec §6. It
// never changes at runtime; an unknown group name is handled by the
// caller (expandSelectors), which skips and logs rather than treating the
// literal "group:unknown" string as a tool name (Design Note, open
// question resolved: skip, don't silently fall through).
var toolGroups = map[string][]string{
	"group:memory":     {"memory_search", "memory_get"},
	"group:web":        {"web_search", "web_fetch"},
	"group:fs":         {"read", "write", "edit", "apply_patch"},
	"group:runtime":    {"exec", "process"},
	"group:sessions":   {"sessions_list", "sessions_history", "sessions_send", "sessions_spawn", "subagents", "session_status"},
	"group:ui":         {"browser", "canvas"},
	"group:automation": {"cron", "gateway"},
	"group:messaging":  {"message"},
	"group:nodes":      {"nodes"},
}

// toolAliases is the closed tool-name alias table from spec §6.
var toolAliases = map[string]string{
	"bash":        "exec",
	"apply-patch": "apply_patch",
}

// normalizeToolName lowercases, trims, and applies the alias table.
func normalizeToolName(toolName string) string {
	name := strings.ToLower(strings.TrimSpace(toolName))
	if alias, ok := toolAliases[name]; ok {
		return alias
	}
	return name
}

// unknownSelectorHandler receives a warning whenever a selector references a
// group name outside the closed table. It exists as a seam so Enforcer
// can route these through its own slog logger without groups.go importing
// log/slog directly for every call site.
type unknownSelectorHandler func(selector string)

// expandSelectors turns a policy's selector list into a set of concrete,
// normalized tool names. Unknown groups and malformed expr: selectors are
// skipped and reported via onUnknown; they never expand to anything.
func expandSelectors(selectors []ToolSelector, onUnknown unknownSelectorHandler) map[string]bool {
	out := make(map[string]bool, len(selectors))
	for _, sel := range selectors {
		s := string(sel)
		switch {
		case strings.HasPrefix(s, "group:"):
			names, ok := toolGroups[s]
			if !ok {
				if onUnknown != nil {
					onUnknown(s)
				}
				continue
			}
			for _, n := range names {
				out[n] = true
			}
		case strings.HasPrefix(s, "expr:"):
			// expr: selectors are evaluated per-call against the request
			// context, not expanded into a static set here. Enforcer
			// handles them separately (see matchesExpr); nothing
			// to add to the static set.
		default:
			out[normalizeToolName(s)] = true
		}
	}
	return out
}

// exprSelectors extracts the CEL predicate bodies ("expr:<cel>") from a
// selector list, preserving order.
func exprSelectors(selectors []ToolSelector) []string {
	var exprs []string
	for _, sel := range selectors {
		s := string(sel)
		if rest, ok := strings.CutPrefix(s, "expr:"); ok {
			exprs = append(exprs, rest)
		}
	}
	return exprs
}
