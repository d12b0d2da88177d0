// Package governance implements the client-side governance engine: the
// Enforcer, AuditPipeline, ConnectionFSM, Heartbeat, and SessionKeeper
// described by the control plane's local enforcement contract.
package governance

import "time"

// AuditLevel controls how much detail is recorded per audit event.
type AuditLevel string

const (
	AuditLevelOff      AuditLevel = "off"
	AuditLevelMetadata AuditLevel = "metadata"
	AuditLevelFull     AuditLevel = "full"
)

// ToolSelector is either a concrete tool name, a "group:<id>" reference
// into the closed group table, or an "expr:<CEL>" predicate (§4.1
// supplement). Expansion/evaluation happens in groups.go and cel.go.
type ToolSelector string

// OrgPolicy is the authoritative rule set for one organization at one
// version. Version never decreases for a given org in the local cache
// (enforced by callers that install a new policy, see EnforcerState.SetPolicy).
type OrgPolicy struct {
	Version    int
	Allow      []ToolSelector
	Deny       []ToolSelector
	AuditLevel AuditLevel
	FetchedAt  time.Time
}

// KillSwitchState is owned by EnforcerState and mutated only by Heartbeat.
type KillSwitchState struct {
	Active  bool
	Message string
}

// OfflineOverride is set by Heartbeat once consecutive heartbeat failures
// cross the configured threshold, and cleared on the next success.
type OfflineOverride string

const (
	OfflineOverrideNone   OfflineOverride = "none"
	OfflineOverrideAllow  OfflineOverride = "allow"
	OfflineOverrideCached OfflineOverride = "cached"
)

// Outcome is the recorded result of a governance decision or background
// task event.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeBlocked Outcome = "blocked"
	OutcomeError   Outcome = "error"
	OutcomeSuccess Outcome = "success"
)

// EventType categorizes an AuditEvent.
type EventType string

const (
	EventToolCallAttempt     EventType = "tool_call_attempt"
	EventKillSwitchActivated EventType = "kill_switch_activated"
	EventSessionEvent        EventType = "session_event"
)

// AuditEvent is an immutable record, identified by its position in the
// buffer (EnqueueSeq). It is delivered at-least-once and never mutated
// after creation.
type AuditEvent struct {
	UserID     string                 `json:"userId"`
	OrgID      string                 `json:"orgId"`
	AgentID    string                 `json:"agentId,omitempty"`
	SessionKey string                 `json:"sessionKey,omitempty"`
	EventType  EventType              `json:"eventType"`
	ToolName   string                 `json:"toolName,omitempty"`
	Outcome    Outcome                `json:"outcome"`
	Reason     string                 `json:"reason,omitempty"`
	Timestamp  int64                  `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	EnqueueSeq uint64                 `json:"-"`
}

// Decision is the result of Enforcer.Authorize.
type Decision struct {
	Allowed bool
	Reason  string
}

// SessionTokens is owned exclusively by SessionKeeper and published to
// consumers via callback on rotation. SessionKeeper does not enforce that
// ExpiresAt advances: a rotation whose ExpiresAt is not later than the
// previous one is logged as a warning and installed all the same.
type SessionTokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UserID       string
	OrgID        string
}

// ConnectionState is one of the four ConnectionFSM states.
type ConnectionState string

const (
	StateConnected       ConnectionState = "connected"
	StateDegraded        ConnectionState = "degraded"
	StateOffline         ConnectionState = "offline"
	StateUnauthenticated ConnectionState = "unauthenticated"
)

// ConnectionStatus is the observable snapshot of the ConnectionFSM.
type ConnectionStatus struct {
	State                   ConnectionState
	LastSuccessfulHeartbeat time.Time
	ConsecutiveFailures     int
	CachedPolicyAgeMs       int64
}
