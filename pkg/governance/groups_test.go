package governance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeToolName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"bash", "exec"},
		{"apply-patch", "apply_patch"},
		{"  Read  ", "read"},
		{"EXEC", "exec"},
		{"web_search", "web_search"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, normalizeToolName(c.in), "input %q", c.in)
	}
}

func TestExpandSelectors_LiteralsAndGroups(t *testing.T) {
	selectors := []ToolSelector{"group:fs", "exec", "group:memory"}
	out := expandSelectors(selectors, nil)

	assert.True(t, out["read"])
	assert.True(t, out["write"])
	assert.True(t, out["edit"])
	assert.True(t, out["apply_patch"])
	assert.True(t, out["exec"])
	assert.True(t, out["memory_search"])
	assert.True(t, out["memory_get"])
	assert.False(t, out["browser"])
}

func TestExpandSelectors_UnknownGroupIsSkippedAndReported(t *testing.T) {
	var unknown []string
	selectors := []ToolSelector{"group:does-not-exist", "exec"}
	out := expandSelectors(selectors, func(s string) { unknown = append(unknown, s) })

	assert.True(t, out["exec"])
	assert.False(t, out["group:does-not-exist"], "unknown group must never appear as a literal tool name")
	assert.Equal(t, []string{"group:does-not-exist"}, unknown)
}

func TestExpandSelectors_ExprSelectorsDoNotExpandToLiterals(t *testing.T) {
	selectors := []ToolSelector{`expr:tool == "exec"`, "read"}
	out := expandSelectors(selectors, nil)

	assert.True(t, out["read"])
	assert.Len(t, out, 1, "expr: selectors contribute nothing to the static set")
}

func TestExprSelectors_ExtractsBodiesInOrder(t *testing.T) {
	selectors := []ToolSelector{"read", `expr:tool == "exec"`, "group:fs", `expr:hourOfDayUTC > 20`}
	got := exprSelectors(selectors)
	assert.Equal(t, []string{`tool == "exec"`, `hourOfDayUTC > 20`}, got)
}
