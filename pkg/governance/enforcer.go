package governance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/clawforge/sentinel/pkg/observability"
)

// auditSink is the subset of AuditPipeline the Enforcer needs.
type auditSink interface {
	Enqueue(PartialEvent)
}

// Enforcer authorizes tool calls on the hot path of the host assistant.
// Authorize must never suspend: it reads one atomic snapshot of
// EnforcerState and enqueues one audit event through a non-blocking
// channel-free call.
type Enforcer struct {
	state *EnforcerState
	audit auditSink
	obs   *observability.Provider

	predicates   *predicateEvaluator
	predicateErr error

	loggedUnknown sync.Map // string -> struct{}, dedupes "unknown group" log spam
	logger        *slog.Logger
}

// NewEnforcer constructs an Enforcer bound to shared state and an audit
// sink. If the CEL environment fails to build, expr: selectors degrade to
// "unknown selector, skip" rather than crashing construction.
func NewEnforcer(state *EnforcerState, audit auditSink, obs *observability.Provider) *Enforcer {
	pred, err := newPredicateEvaluator()
	e := &Enforcer{
		state:      state,
		audit:      audit,
		obs:        obs,
		predicates: pred,
		logger:     slog.Default().With("component", "enforcer"),
	}
	if err != nil {
		e.predicateErr = err
		e.logger.Warn("CEL predicate evaluator unavailable, expr: selectors will be skipped", "error", err)
	}
	return e
}

// Authorize implements the decision algorithm in spec §4.1, in strict
// order: normalize, offline-override fast path, kill switch, policy
// evaluation. Exactly one tool_call_attempt audit event is enqueued per
// call, whose outcome matches the returned Decision.
func (e *Enforcer) Authorize(ctx context.Context, toolName, agentID, sessionKey string) Decision {
	ctx, span := e.obsStartSpan(ctx)
	defer span.End()

	normalized := normalizeToolName(toolName)
	policy, killSwitch, override := e.state.Snapshot()

	// Step 2: offline override fast paths.
	if override == OfflineOverrideAllow {
		return e.finish(ctx, normalized, agentID, sessionKey, Decision{Allowed: true}, "offline_allow_mode")
	}

	// Step 3: kill switch. override=cached skips this step entirely and
	// falls straight through to policy evaluation against the stale
	// cached policy (spec §4.1 step 2).
	if override != OfflineOverrideCached && killSwitch.Active {
		msg := killSwitch.Message
		if msg == "" {
			msg = "kill switch active"
		}
		return e.finish(ctx, normalized, agentID, sessionKey, Decision{Allowed: false, Reason: msg}, "kill_switch")
	}

	// Step 4: policy evaluation, from the same snapshot taken above.
	if policy == nil {
		return e.finish(ctx, normalized, agentID, sessionKey, Decision{Allowed: true}, "no_policy")
	}

	hour := time.Now().UTC().Hour()

	denySet := expandSelectors(policy.Deny, e.logUnknown)
	if denySet[normalized] || e.matchesExpr(policy.Deny, normalized, agentID, sessionKey, hour) {
		return e.finish(ctx, normalized, agentID, sessionKey,
			Decision{Allowed: false, Reason: "tool is blocked by org policy"}, "deny_list")
	}

	if len(policy.Allow) > 0 {
		allowSet := expandSelectors(policy.Allow, e.logUnknown)
		allowedByExpr := e.matchesExpr(policy.Allow, normalized, agentID, sessionKey, hour)
		if !allowSet[normalized] && !allowedByExpr {
			return e.finish(ctx, normalized, agentID, sessionKey,
				Decision{Allowed: false, Reason: "tool is not in allowed list"}, "not_in_allow_list")
		}
	}

	return e.finish(ctx, normalized, agentID, sessionKey, Decision{Allowed: true}, "policy_allow")
}

// matchesExpr evaluates any expr: selectors present in the list. A
// compile/eval failure is equivalent to "no match" for that selector
// (logged once, never fail-open/closed on its own).
func (e *Enforcer) matchesExpr(selectors []ToolSelector, tool, agentID, sessionKey string, hourOfDayUTC int) bool {
	if e.predicates == nil {
		return false
	}
	for _, expr := range exprSelectors(selectors) {
		matched, ok := e.predicates.evaluate(expr, tool, agentID, sessionKey, hourOfDayUTC)
		if !ok {
			e.logUnknown("expr:" + expr)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

func (e *Enforcer) logUnknown(selector string) {
	if _, loaded := e.loggedUnknown.LoadOrStore(selector, struct{}{}); !loaded {
		e.logger.Warn("skipping unresolvable policy selector", "selector", selector)
	}
}

func (e *Enforcer) finish(ctx context.Context, toolName, agentID, sessionKey string, d Decision, reason string) Decision {
	outcome := OutcomeAllowed
	if !d.Allowed {
		outcome = OutcomeBlocked
	}

	if e.audit != nil {
		e.audit.Enqueue(PartialEvent{
			AgentID:    agentID,
			SessionKey: sessionKey,
			EventType:  EventToolCallAttempt,
			ToolName:   toolName,
			Outcome:    outcome,
			Reason:     reason,
		})
	}
	if e.obs != nil {
		e.obs.RecordDecision(ctx, string(outcome), reason)
	}
	return d
}

func (e *Enforcer) obsStartSpan(ctx context.Context) (context.Context, trace.Span) {
	if e.obs == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return e.obs.StartSpan(ctx, "enforcer.authorize")
}
