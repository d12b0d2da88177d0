package governance

import (
	"context"
	"log/slog"
	"time"

	"github.com/clawforge/sentinel/pkg/config"
	"github.com/clawforge/sentinel/pkg/controlplane"
	"github.com/clawforge/sentinel/pkg/observability"
)

// policyFetcher is the subset of controlplane.Client the Engine uses to
// refresh the policy out of band from heartbeat polling.
type policyFetcher interface {
	FetchPolicy(ctx context.Context, orgID, accessToken string) (*controlplane.PolicyResponse, error)
}

// Engine wires the five governance components together in their
// dependency order and owns their combined lifecycle: ConnectionFSM,
// AuditPipeline, Enforcer, Heartbeat, SessionKeeper.
type Engine struct {
	State     *EnforcerState
	FSM       *ConnectionFSM
	Audit     *AuditPipeline
	Enforcer  *Enforcer
	Heartbeat *Heartbeat
	Session   *SessionKeeper

	client policyFetcher
	obs    *observability.Provider
	logger *slog.Logger

	orgID string
}

// EngineConfig bundles everything needed to construct an Engine.
type EngineConfig struct {
	Config        *config.Config
	Session       SessionTokens
	Client        *controlplane.Client
	Observability *observability.Provider
}

// NewEngine constructs and wires all five components. Construction order
// matters: ConnectionFSM has no dependencies, AuditPipeline depends only
// on durable storage and the client, Enforcer depends on EnforcerState and
// AuditPipeline, Heartbeat depends on EnforcerState and the FSM, and
// SessionKeeper depends on nothing governance-specific but fans its
// refreshed token out to AuditPipeline and Heartbeat via callback.
func NewEngine(cfg EngineConfig) *Engine {
	logger := slog.Default().With("component", "engine")
	cp := cfg.Config

	// cfg.Client is a concrete *controlplane.Client; converting a nil
	// pointer straight into an interface field would produce a non-nil
	// interface wrapping a nil value, breaking every `== nil` guard
	// downstream. Convert explicitly so an absent client stays a true nil
	// interface everywhere it is consumed.
	var auditClient shipper
	var hbClient heartbeatPinger
	var sessionClient refresher
	var policyClient policyFetcher
	if cfg.Client != nil {
		auditClient, hbClient, policyClient = cfg.Client, cfg.Client, cfg.Client
		// SessionKeeper stays inactive without a control-plane URL.
		if cp.ControlPlaneURL != "" {
			sessionClient = cfg.Client
		}
	}

	state := NewEnforcerState()

	// audit is assigned below; the FSM callback only fires once a caller
	// drives the FSM through the returned Engine, by which point
	// construction has finished, so the closure capturing it by reference
	// is safe.
	var audit *AuditPipeline
	fsm := NewConnectionFSM(cp.HeartbeatFailureThreshold, func(ev TransitionEvent) {
		logger.Info("connection state transition",
			"from", ev.From, "to", ev.To, "consecutive_failures", ev.ConsecutiveFailures)
		audit.Enqueue(PartialEvent{
			EventType: EventKillSwitchActivated,
			Outcome:   ev.Outcome,
			Metadata: map[string]interface{}{
				"kind":                "connection_state",
				"transitionType":      "connection_state_change",
				"from":                string(ev.From),
				"to":                  string(ev.To),
				"consecutiveFailures": ev.ConsecutiveFailures,
			},
		})
	})

	durable := NewDurableAuditBuffer(cp.ConfigRoot)
	audit = NewAuditPipeline(AuditPipelineConfig{
		UserID:          cfg.Session.UserID,
		OrgID:           cfg.Session.OrgID,
		AuditLevel:      AuditLevelMetadata,
		BatchSize:       cp.AuditBatchSize,
		FlushInterval:   cp.AuditFlushInterval(),
		MaxBufferSize:   cp.MaxAuditBufferSize,
		ControlPlaneURL: cp.ControlPlaneURL,
		AccessToken:     cfg.Session.AccessToken,
		Durable:         durable,
		Client:          auditClient,
		Observability:   cfg.Observability,
	})

	enforcer := NewEnforcer(state, audit, cfg.Observability)

	e := &Engine{
		State:    state,
		FSM:      fsm,
		Audit:    audit,
		Enforcer: enforcer,
		client:   policyClient,
		obs:      cfg.Observability,
		logger:   logger,
		orgID:    cfg.Session.OrgID,
	}

	heartbeat := NewHeartbeat(HeartbeatConfig{
		Client:                hbClient,
		State:                 state,
		FSM:                   fsm,
		Audit:                 audit,
		Observability:         cfg.Observability,
		OrgID:                 cfg.Session.OrgID,
		UserID:                cfg.Session.UserID,
		AccessToken:           cfg.Session.AccessToken,
		Interval:              cp.HeartbeatInterval(),
		FailureThreshold:      cp.HeartbeatFailureThreshold,
		OfflineMode:           OfflineMode(cp.OfflineMode),
		OnPolicyRefreshNeeded: e.refreshPolicy,
	})
	e.Heartbeat = heartbeat

	session := NewSessionKeeper(SessionKeeperConfig{
		Session:    cfg.Session,
		Client:     sessionClient,
		SessionDir: cp.ConfigRoot,
		OnRefresh:  e.onSessionRefreshed,
	})
	e.Session = session

	return e
}

// onSessionRefreshed fans a rotated access token out to AuditPipeline and
// Heartbeat, the two components that carry it on outbound requests.
func (e *Engine) onSessionRefreshed(s SessionTokens) {
	e.Audit.UpdateAccessToken(s.AccessToken)
	e.Heartbeat.UpdateAccessToken(s.AccessToken)
}

// refreshPolicy fetches the current policy out of band and installs it,
// invoked when a heartbeat response carries refreshPolicyNow=true.
func (e *Engine) refreshPolicy(ctx context.Context) {
	if e.client == nil {
		return
	}
	token := e.Session.CurrentSession().AccessToken
	resp, err := e.client.FetchPolicy(ctx, e.orgID, token)
	if err != nil {
		e.logger.Warn("out-of-band policy refresh failed", "error", err)
		return
	}

	policy := &OrgPolicy{
		Version:    resp.Version,
		AuditLevel: AuditLevel(resp.AuditLevel),
		FetchedAt:  time.Now(),
	}
	for _, a := range resp.Allow {
		policy.Allow = append(policy.Allow, ToolSelector(a))
	}
	for _, d := range resp.Deny {
		policy.Deny = append(policy.Deny, ToolSelector(d))
	}

	if installed := e.State.SetPolicy(policy); installed {
		e.Audit.UpdateAuditLevel(policy.AuditLevel)
		e.logger.Info("policy refreshed", "version", policy.Version)
	} else {
		e.logger.Debug("discarded stale policy refresh", "version", policy.Version)
	}
}

// Start launches the three background components (AuditPipeline,
// Heartbeat, SessionKeeper). Enforcer and ConnectionFSM are purely
// synchronous and need no goroutine.
func (e *Engine) Start(ctx context.Context) {
	e.Audit.Start(ctx)
	e.Heartbeat.Start(ctx)
	e.Session.Start(ctx)
}

// Stop shuts the background components down in reverse dependency order,
// flushing any buffered audit events on the way out.
func (e *Engine) Stop(ctx context.Context) {
	e.Session.Stop()
	e.Heartbeat.Stop()
	e.Audit.Stop(ctx)
}
