package governance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuditSink struct {
	events []PartialEvent
}

func (f *fakeAuditSink) Enqueue(e PartialEvent) {
	f.events = append(f.events, e)
}

func newTestEnforcer(t *testing.T) (*Enforcer, *EnforcerState, *fakeAuditSink) {
	t.Helper()
	state := NewEnforcerState()
	sink := &fakeAuditSink{}
	return NewEnforcer(state, sink, nil), state, sink
}

func TestEnforcer_NoPolicyDefaultsToAllow(t *testing.T) {
	e, _, sink := newTestEnforcer(t)

	d := e.Authorize(context.Background(), "exec", "agent-1", "sess-1")

	assert.True(t, d.Allowed)
	require.Len(t, sink.events, 1)
	assert.Equal(t, OutcomeAllowed, sink.events[0].Outcome)
}

func TestEnforcer_DenyListBlocksTool(t *testing.T) {
	e, state, sink := newTestEnforcer(t)
	state.SetPolicy(&OrgPolicy{Version: 1, Deny: []ToolSelector{"exec"}})

	d := e.Authorize(context.Background(), "bash", "agent-1", "sess-1")

	assert.False(t, d.Allowed)
	require.Len(t, sink.events, 1)
	assert.Equal(t, OutcomeBlocked, sink.events[0].Outcome)
	assert.Equal(t, "exec", sink.events[0].ToolName, "bash must normalize to exec before matching")
}

func TestEnforcer_AllowListBlocksToolsNotListed(t *testing.T) {
	e, state, _ := newTestEnforcer(t)
	state.SetPolicy(&OrgPolicy{Version: 1, Allow: []ToolSelector{"group:fs"}})

	allowed := e.Authorize(context.Background(), "read", "agent-1", "sess-1")
	blocked := e.Authorize(context.Background(), "exec", "agent-1", "sess-1")

	assert.True(t, allowed.Allowed)
	assert.False(t, blocked.Allowed)
}

func TestEnforcer_EmptyAllowListMeansNoRestriction(t *testing.T) {
	e, state, _ := newTestEnforcer(t)
	state.SetPolicy(&OrgPolicy{Version: 1})

	d := e.Authorize(context.Background(), "exec", "agent-1", "sess-1")
	assert.True(t, d.Allowed)
}

func TestEnforcer_DenyTakesPrecedenceOverAllow(t *testing.T) {
	e, state, _ := newTestEnforcer(t)
	state.SetPolicy(&OrgPolicy{
		Version: 1,
		Allow:   []ToolSelector{"exec"},
		Deny:    []ToolSelector{"exec"},
	})

	d := e.Authorize(context.Background(), "exec", "agent-1", "sess-1")
	assert.False(t, d.Allowed)
}

func TestEnforcer_KillSwitchBlocksRegardlessOfPolicy(t *testing.T) {
	e, state, _ := newTestEnforcer(t)
	state.SetPolicy(&OrgPolicy{Version: 1, Allow: []ToolSelector{"exec"}})
	state.SetKillSwitch(KillSwitchState{Active: true, Message: "frozen"})

	d := e.Authorize(context.Background(), "exec", "agent-1", "sess-1")

	assert.False(t, d.Allowed)
	assert.Equal(t, "frozen", d.Reason)
}

func TestEnforcer_OfflineOverrideAllowBypassesEverything(t *testing.T) {
	e, state, _ := newTestEnforcer(t)
	state.SetPolicy(&OrgPolicy{Version: 1, Deny: []ToolSelector{"exec"}})
	state.SetKillSwitch(KillSwitchState{Active: true, Message: "frozen"})
	state.SetOverride(OfflineOverrideAllow)

	d := e.Authorize(context.Background(), "exec", "agent-1", "sess-1")
	assert.True(t, d.Allowed)
}

func TestEnforcer_OfflineOverrideCachedSkipsKillSwitchButHonorsPolicy(t *testing.T) {
	e, state, _ := newTestEnforcer(t)
	state.SetPolicy(&OrgPolicy{Version: 1, Deny: []ToolSelector{"exec"}})
	state.SetOverride(OfflineOverrideCached)
	// Realistic state: Heartbeat's offlineMode=cached never also activates
	// the kill switch (they are mutually exclusive offline behaviors).

	allowedDecision := e.Authorize(context.Background(), "read", "agent-1", "sess-1")
	deniedDecision := e.Authorize(context.Background(), "exec", "agent-1", "sess-1")

	assert.True(t, allowedDecision.Allowed, "cached override still evaluates the stale policy")
	assert.False(t, deniedDecision.Allowed, "stale policy's deny list still applies")
}

func TestEnforcer_ExprSelectorMatches(t *testing.T) {
	e, state, _ := newTestEnforcer(t)
	state.SetPolicy(&OrgPolicy{Version: 1, Deny: []ToolSelector{`expr:tool == "exec" && hourOfDayUTC >= 0`}})

	d := e.Authorize(context.Background(), "exec", "agent-1", "sess-1")
	assert.False(t, d.Allowed)
}

func TestEnforcer_UnknownGroupIsSkippedButAllowListStillRestricts(t *testing.T) {
	e, state, _ := newTestEnforcer(t)
	state.SetPolicy(&OrgPolicy{Version: 1, Allow: []ToolSelector{"group:nonexistent"}})

	// An empty effective allow-set (because the only group is unknown)
	// still behaves as a real non-empty Allow list: nothing matches, so
	// everything not explicitly listed is blocked.
	d := e.Authorize(context.Background(), "exec", "agent-1", "sess-1")
	assert.False(t, d.Allowed)
}

func TestEnforcer_ExactlyOneAuditEventPerCall(t *testing.T) {
	e, state, sink := newTestEnforcer(t)
	state.SetPolicy(&OrgPolicy{Version: 1})

	e.Authorize(context.Background(), "exec", "agent-1", "sess-1")
	e.Authorize(context.Background(), "read", "agent-1", "sess-1")

	assert.Len(t, sink.events, 2)
}
