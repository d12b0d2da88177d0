package governance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clawforge/sentinel/pkg/controlplane"
	"github.com/clawforge/sentinel/pkg/observability"
)

// OfflineMode controls what Heartbeat does to EnforcerState once
// consecutive heartbeat failures cross failureThreshold.
type OfflineMode string

const (
	OfflineModeBlock  OfflineMode = "block"
	OfflineModeAllow  OfflineMode = "allow"
	OfflineModeCached OfflineMode = "cached"
)

// heartbeatPinger is the subset of controlplane.Client Heartbeat needs.
type heartbeatPinger interface {
	Heartbeat(ctx context.Context, orgID, userID, accessToken string) (*controlplane.HeartbeatResponse, error)
}

// Heartbeat polls the control plane on a fixed interval and drives
// EnforcerState's kill switch and offline override, and the ConnectionFSM,
// from the responses (spec §4.3/§4.4).
type Heartbeat struct {
	mu          sync.Mutex
	accessToken string

	client heartbeatPinger
	state  *EnforcerState
	fsm    *ConnectionFSM
	audit  auditSink
	obs    *observability.Provider
	logger *slog.Logger

	orgID            string
	userID           string
	interval         time.Duration
	failureThreshold int
	offlineMode      OfflineMode

	onPolicyRefreshNeeded func(ctx context.Context)

	lastKillSwitchActive bool

	// generation is bumped by Stop so in-flight responses that land after
	// shutdown never mutate state (Design Note §9).
	generation atomic.Uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// HeartbeatConfig configures a new Heartbeat.
type HeartbeatConfig struct {
	Client                heartbeatPinger
	State                 *EnforcerState
	FSM                   *ConnectionFSM
	Audit                 auditSink
	Observability         *observability.Provider
	OrgID                 string
	UserID                string
	AccessToken           string
	Interval              time.Duration
	FailureThreshold      int
	OfflineMode           OfflineMode
	OnPolicyRefreshNeeded func(ctx context.Context)
}

// NewHeartbeat constructs a Heartbeat bound to shared state and the FSM.
func NewHeartbeat(cfg HeartbeatConfig) *Heartbeat {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 10
	}
	mode := cfg.OfflineMode
	if mode == "" {
		mode = OfflineModeBlock
	}
	return &Heartbeat{
		accessToken:           cfg.AccessToken,
		client:                cfg.Client,
		state:                 cfg.State,
		fsm:                   cfg.FSM,
		audit:                 cfg.Audit,
		obs:                   cfg.Observability,
		logger:                slog.Default().With("component", "heartbeat"),
		orgID:                 cfg.OrgID,
		userID:                cfg.UserID,
		interval:              interval,
		failureThreshold:      threshold,
		offlineMode:           mode,
		onPolicyRefreshNeeded: cfg.OnPolicyRefreshNeeded,
		stopCh:                make(chan struct{}),
	}
}

// UpdateAccessToken is called by SessionKeeper on token rotation.
func (h *Heartbeat) UpdateAccessToken(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.accessToken = token
}

func (h *Heartbeat) currentAccessToken() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accessToken
}

// Start begins the periodic poll. An immediate first tick is not fired;
// the first poll happens after one interval elapses, matching a plain
// ticker loop.
func (h *Heartbeat) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.poll(ctx)
			case <-h.stopCh:
				return
			}
		}
	}()
}

// Stop halts the polling loop and bumps the generation counter so any
// response already in flight is discarded on arrival.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() {
		h.generation.Add(1)
		close(h.stopCh)
	})
	h.wg.Wait()
}

func (h *Heartbeat) poll(ctx context.Context) {
	gen := h.generation.Load()
	token := h.currentAccessToken()

	resp, err := h.client.Heartbeat(ctx, h.orgID, h.userID, token)

	if h.generation.Load() != gen {
		// Stopped while this call was in flight; the response is stale.
		return
	}

	if err != nil {
		h.handleFailure(err)
		return
	}
	h.handleSuccess(resp)
}

func (h *Heartbeat) handleSuccess(resp *controlplane.HeartbeatResponse) {
	now := time.Now()
	wasOffline := h.fsm.GetStatus().State != StateConnected
	h.fsm.RecordSuccess(now)
	if wasOffline {
		h.state.SetOverride(OfflineOverrideNone)
		h.logger.Info("connection restored")
	}

	h.mu.Lock()
	active := resp.KillSwitch
	edge := active != h.lastKillSwitchActive
	h.lastKillSwitchActive = active
	h.mu.Unlock()

	h.state.SetKillSwitch(KillSwitchState{Active: active, Message: resp.KillSwitchMessage})
	if edge {
		if active {
			h.logger.Warn("kill switch activated", "message", resp.KillSwitchMessage)
		} else {
			h.logger.Info("kill switch deactivated")
		}
		h.recordKillSwitchEvent(active, resp.KillSwitchMessage)
	}

	if h.obs != nil {
		h.obs.RecordDecision(context.Background(), "heartbeat_success", "")
	}

	if resp.RefreshPolicyNow && h.onPolicyRefreshNeeded != nil {
		h.onPolicyRefreshNeeded(context.Background())
	}
}

func (h *Heartbeat) handleFailure(err error) {
	if errors.Is(err, controlplane.ErrUnauthenticated) {
		h.fsm.SetUnauthenticated()
		h.logger.Warn("heartbeat unauthenticated, awaiting session refresh")
		return
	}

	h.fsm.RecordFailure()
	status := h.fsm.GetStatus()
	h.logger.Warn("heartbeat failed", "error", err, "consecutive_failures", status.ConsecutiveFailures)

	if status.ConsecutiveFailures < h.failureThreshold {
		return
	}

	switch h.offlineMode {
	case OfflineModeAllow:
		h.state.SetOverride(OfflineOverrideAllow)
	case OfflineModeCached:
		h.state.SetOverride(OfflineOverrideCached)
	default: // OfflineModeBlock
		const msg = "cannot reach control plane"
		h.state.SetKillSwitch(KillSwitchState{Active: true, Message: msg})
		h.mu.Lock()
		edge := !h.lastKillSwitchActive
		h.lastKillSwitchActive = true
		h.mu.Unlock()
		if edge {
			h.recordKillSwitchEvent(true, msg)
		}
	}
}

// recordKillSwitchEvent enqueues a kill_switch_activated audit event on
// every edge of the kill switch's Active flag, activation or
// deactivation alike.
func (h *Heartbeat) recordKillSwitchEvent(active bool, message string) {
	if h.audit == nil {
		return
	}
	outcome := OutcomeBlocked
	if !active {
		outcome = OutcomeAllowed
	}
	h.audit.Enqueue(PartialEvent{
		EventType: EventKillSwitchActivated,
		Outcome:   outcome,
		Reason:    message,
		Metadata: map[string]interface{}{
			"kind":   "kill_switch",
			"active": active,
		},
	})
}

var _ heartbeatPinger = (*controlplane.Client)(nil)
