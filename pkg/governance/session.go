package governance

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clawforge/sentinel/pkg/controlplane"
)

// refresher is the subset of controlplane.Client SessionKeeper needs.
type refresher interface {
	RefreshSession(ctx context.Context, refreshToken string) (*controlplane.AuthResponse, error)
}

// SessionKeeper proactively refreshes the access token before expiry and
// fans the new token out to other components via callback (spec §4.5).
type SessionKeeper struct {
	mu      sync.Mutex
	session SessionTokens

	client     refresher
	sessionDir string
	onRefresh  func(SessionTokens)
	logger     *slog.Logger

	checkInterval time.Duration
	refreshWindow time.Duration

	refreshing sync.Mutex // re-entrancy guard: a tick is ignored while a refresh is in flight
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// SessionKeeperConfig configures a new SessionKeeper.
type SessionKeeperConfig struct {
	Session       SessionTokens
	Client        refresher
	SessionDir    string
	OnRefresh     func(SessionTokens)
	CheckInterval time.Duration // default 60s
	RefreshWindow time.Duration // default 5m
}

// NewSessionKeeper constructs a SessionKeeper. It is a no-op background
// task (Start does nothing useful) when either the control-plane client
// or the refresh token is missing, per spec §4.5.
func NewSessionKeeper(cfg SessionKeeperConfig) *SessionKeeper {
	checkInterval := cfg.CheckInterval
	if checkInterval <= 0 {
		checkInterval = 60 * time.Second
	}
	refreshWindow := cfg.RefreshWindow
	if refreshWindow <= 0 {
		refreshWindow = 5 * time.Minute
	}
	return &SessionKeeper{
		session:       cfg.Session,
		client:        cfg.Client,
		sessionDir:    cfg.SessionDir,
		onRefresh:     cfg.OnRefresh,
		logger:        slog.Default().With("component", "session_keeper"),
		checkInterval: checkInterval,
		refreshWindow: refreshWindow,
		stopCh:        make(chan struct{}),
	}
}

// active reports whether this keeper has enough configuration to do
// anything (spec §4.5: no-op when controlPlaneUrl or refreshToken missing).
func (k *SessionKeeper) active() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.client != nil && k.session.RefreshToken != ""
}

// Start begins the periodic expiry check.
func (k *SessionKeeper) Start(ctx context.Context) {
	if !k.active() {
		k.logger.Info("session keeper inactive: no control plane or refresh token configured")
		return
	}
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		ticker := time.NewTicker(k.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				k.checkAndRefresh(ctx)
			case <-k.stopCh:
				return
			}
		}
	}()
}

// Stop halts the periodic check.
func (k *SessionKeeper) Stop() {
	k.stopOnce.Do(func() { close(k.stopCh) })
	k.wg.Wait()
}

// checkAndRefresh is reentrant-safe: a second tick arriving while a
// refresh is in progress is ignored.
func (k *SessionKeeper) checkAndRefresh(ctx context.Context) {
	if !k.refreshing.TryLock() {
		return
	}
	defer k.refreshing.Unlock()

	k.mu.Lock()
	expiresAt := k.session.ExpiresAt
	refreshToken := k.session.RefreshToken
	k.mu.Unlock()

	if time.Until(expiresAt) > k.refreshWindow {
		return
	}

	backoffs := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	for attempt := 0; attempt < 3; attempt++ {
		resp, err := k.client.RefreshSession(ctx, refreshToken)
		if err == nil {
			k.applyRefresh(resp)
			return
		}
		k.logger.Warn("session refresh attempt failed", "attempt", attempt+1, "error", err)
		if attempt < 2 {
			select {
			case <-time.After(backoffs[attempt]):
			case <-ctx.Done():
				return
			}
		}
	}
	k.logger.Error("session refresh failed after all attempts, will retry next tick")
}

func (k *SessionKeeper) applyRefresh(resp *controlplane.AuthResponse) {
	newSession := SessionTokens{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.UnixMilli(resp.ExpiresAt),
		UserID:       resp.UserID,
		OrgID:        resp.OrgID,
	}

	k.mu.Lock()
	if !newSession.ExpiresAt.After(k.session.ExpiresAt) {
		k.logger.Warn("refreshed session did not advance expiry, keeping new token anyway",
			"old_expiry", k.session.ExpiresAt, "new_expiry", newSession.ExpiresAt)
	}
	k.session = newSession
	k.mu.Unlock()

	k.persist(newSession)
	k.logDiagnostics(newSession.AccessToken)

	if k.onRefresh != nil {
		k.onRefresh(newSession)
	}
}

// persist writes the new SessionTokens to session.json, owner-only
// permissions. The refresh token may rotate and is overwritten, not
// merged. Failure is logged and otherwise swallowed (best-effort durability).
func (k *SessionKeeper) persist(s SessionTokens) {
	if k.sessionDir == "" {
		return
	}
	path := filepath.Join(k.sessionDir, "session.json")
	if err := os.MkdirAll(k.sessionDir, 0o700); err != nil {
		k.logger.Warn("failed to ensure session directory", "error", err)
		return
	}
	data, err := json.Marshal(sessionFile{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    s.ExpiresAt.UnixMilli(),
		UserID:       s.UserID,
		OrgID:        s.OrgID,
	})
	if err != nil {
		k.logger.Warn("failed to marshal session", "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		k.logger.Warn("failed to persist session", "error", err)
	}
}

type sessionFile struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt"`
	UserID       string `json:"userId"`
	OrgID        string `json:"orgId"`
}

// logDiagnostics decodes the new access token's JWT claims, best-effort
// and unverified (SPEC_FULL §4.5): the server-reported SessionTokens
// remain authoritative, this is purely an operator diagnostic.
func (k *SessionKeeper) logDiagnostics(accessToken string) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		k.logger.Debug("could not decode access token claims for diagnostics", "error", err)
		return
	}
	k.logger.Debug("session refreshed", "sub", claims["sub"], "org_id", claims["org_id"], "exp", claims["exp"])
}

// CurrentSession returns a copy of the current session tokens.
func (k *SessionKeeper) CurrentSession() SessionTokens {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.session
}
