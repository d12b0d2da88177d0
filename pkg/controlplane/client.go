// Package controlplane is the thin HTTP client the governance engine uses
// to talk to the control plane: heartbeat polling, audit event shipping,
// and session token refresh. It owns no governance state — it only knows
// how to make a resilient HTTP call and decode the response envelopes.
package controlplane

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Client wraps http.Client with bounded retry, exponential backoff (no
// jitter), and a circuit breaker. The backoff waits are short, but each
// attempt is bounded only by the HTTP client's 10-second timeout, so a
// call against an unresponsive endpoint can hold its caller for roughly
// 30 seconds before the error is returned.
type Client struct {
	httpClient *http.Client
	maxRetries int
	breaker    *circuitBreaker
	baseURL    string

	// retryLimiter caps how often this client opens a new connection
	// attempt on retry, independent of the AuditPipeline/Heartbeat's own
	// tick-driven pacing — it only throttles the inner retry-within-one-call
	// loop during a retry storm against a flaky endpoint.
	retryLimiter *rate.Limiter
}

// New creates a Client bound to a control-plane base URL.
func New(baseURL string) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		maxRetries:   2,
		breaker:      newCircuitBreaker(5, 30*time.Second),
		baseURL:      baseURL,
		retryLimiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 4),
	}
}

// Do executes a request with retry/backoff/circuit-breaking: up to three
// attempts, retried on transport errors and 5xx responses, with waits of
// 150ms and then 300ms between them. The waits total 450ms; the attempts
// themselves share no time budget beyond each one's HTTP timeout.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var traceBytes [8]byte
	traceID := ""
	if _, err := rand.Read(traceBytes[:]); err == nil {
		traceID = hex.EncodeToString(traceBytes[:])
	}
	if traceID != "" {
		req.Header.Set("X-Sentinel-Trace", traceID)
	}

	if !c.breaker.Allow() {
		return nil, fmt.Errorf("controlplane: circuit open for %s", req.URL.Host)
	}

	var resp *http.Response
	var err error
	var bodyBytes []byte
	if req.Body != nil {
		bodyBytes, _ = io.ReadAll(req.Body)
		_ = req.Body.Close()
	}

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.retryLimiter.Wait(req.Context()); err != nil {
				return nil, fmt.Errorf("controlplane: retry rate limited: %w", err)
			}
		}
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
		resp, err = c.httpClient.Do(req)
		if err == nil && resp.StatusCode < 500 {
			c.breaker.Success()
			return resp, nil
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		if attempt == c.maxRetries {
			break
		}
		backoff := time.Duration(math.Pow(2, float64(attempt))) * 150 * time.Millisecond
		time.Sleep(backoff)
	}

	c.breaker.Failure()
	if err != nil {
		return nil, fmt.Errorf("controlplane: request failed: %w", err)
	}
	return resp, nil
}

// circuitBreaker is a minimal CLOSED/OPEN/HALF_OPEN breaker around the
// underlying transport. It is independent of, and must not be confused
// with, the governance-visible ConnectionFSM: this breaker only protects
// the transport from hammering a dead endpoint.
type circuitBreaker struct {
	mu           sync.Mutex
	state        string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
}

func newCircuitBreaker(threshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{state: "CLOSED", threshold: threshold, resetTimeout: resetTimeout}
}

func (b *circuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == "OPEN" {
		if time.Since(b.lastFailure) > b.resetTimeout {
			b.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = "CLOSED"
	b.failureCount = 0
}

func (b *circuitBreaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.lastFailure = time.Now()
	if b.failureCount >= b.threshold {
		b.state = "OPEN"
	}
}

// --- Wire types (spec §6) ---

// HeartbeatResponse is the 2xx body of GET /api/v1/heartbeat/{orgId}/{userId}.
type HeartbeatResponse struct {
	PolicyVersion     int    `json:"policyVersion"`
	KillSwitch        bool   `json:"killSwitch"`
	KillSwitchMessage string `json:"killSwitchMessage,omitempty"`
	RefreshPolicyNow  bool   `json:"refreshPolicyNow"`
}

// AuditIngestRequest is the body of POST /api/v1/audit/{orgId}/events.
type AuditIngestRequest struct {
	Events []json.RawMessage `json:"events"`
}

// AuthExchangeRequest is the body of POST /api/v1/auth/exchange.
type AuthExchangeRequest struct {
	GrantType    string `json:"grantType"`
	Code         string `json:"code,omitempty"`
	IDToken      string `json:"idToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// AuthResponse is the response of POST /api/v1/auth/exchange.
type AuthResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt"`
	UserID       string `json:"userId"`
	OrgID        string `json:"orgId"`
}

// PolicyResponse is the body of GET /api/v1/policy/{orgId}.
type PolicyResponse struct {
	Version    int      `json:"version"`
	Allow      []string `json:"allow"`
	Deny       []string `json:"deny"`
	AuditLevel string   `json:"auditLevel"`
}

// Heartbeat issues GET /api/v1/heartbeat/{orgId}/{userId}.
func (c *Client) Heartbeat(ctx context.Context, orgID, userID, accessToken string) (*HeartbeatResponse, error) {
	url := fmt.Sprintf("%s/api/v1/heartbeat/%s/%s", c.baseURL, orgID, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("controlplane: building heartbeat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthenticated
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("controlplane: heartbeat status %d", resp.StatusCode)
	}

	var out HeartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("controlplane: decoding heartbeat response: %w", err)
	}
	return &out, nil
}

// ShipAudit issues POST /api/v1/audit/{orgId}/events.
func (c *Client) ShipAudit(ctx context.Context, orgID, accessToken string, events []json.RawMessage) error {
	url := fmt.Sprintf("%s/api/v1/audit/%s/events", c.baseURL, orgID)
	body, err := json.Marshal(AuditIngestRequest{Events: events})
	if err != nil {
		return fmt.Errorf("controlplane: encoding audit batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("controlplane: building audit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("controlplane: audit ingest status %d", resp.StatusCode)
	}
	return nil
}

// FetchPolicy issues GET /api/v1/policy/{orgId}.
func (c *Client) FetchPolicy(ctx context.Context, orgID, accessToken string) (*PolicyResponse, error) {
	url := fmt.Sprintf("%s/api/v1/policy/%s", c.baseURL, orgID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("controlplane: building policy request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthenticated
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("controlplane: policy fetch status %d", resp.StatusCode)
	}

	var out PolicyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("controlplane: decoding policy response: %w", err)
	}
	return &out, nil
}

// RefreshSession issues POST /api/v1/auth/exchange with grantType=refresh_token.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	url := fmt.Sprintf("%s/api/v1/auth/exchange", c.baseURL)
	body, err := json.Marshal(AuthExchangeRequest{GrantType: "refresh_token", RefreshToken: refreshToken})
	if err != nil {
		return nil, fmt.Errorf("controlplane: encoding refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("controlplane: building refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthenticated
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("controlplane: refresh status %d", resp.StatusCode)
	}

	var out AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("controlplane: decoding refresh response: %w", err)
	}
	return &out, nil
}

// ErrUnauthenticated is returned when the control plane responds 401.
var ErrUnauthenticated = fmt.Errorf("controlplane: unauthenticated")
