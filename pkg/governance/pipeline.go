package governance

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawforge/sentinel/pkg/controlplane"
	"github.com/clawforge/sentinel/pkg/observability"
)

// shipper is the subset of controlplane.Client the pipeline needs, so
// tests can substitute a fake without spinning up an HTTP server.
type shipper interface {
	ShipAudit(ctx context.Context, orgID, accessToken string, events []json.RawMessage) error
}

// AuditPipeline buffers audit events, persists them durably, and ships
// them to the control plane in batches (spec §4.2). All of its public
// methods other than flush are or may be non-blocking; enqueue in
// particular must never block the Enforcer's hot path.
type AuditPipeline struct {
	mu     sync.Mutex
	buffer []AuditEvent
	seq    uint64

	userID string
	orgID  string

	auditLevel      AuditLevel
	batchSize       int
	flushInterval   time.Duration
	maxBufferSize   int
	accessToken     string
	controlPlaneURL string

	durable *DurableAuditBuffer
	client  shipper
	obs     *observability.Provider
	logger  *slog.Logger

	warnedAtCapacity bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// AuditPipelineConfig configures a new pipeline.
type AuditPipelineConfig struct {
	UserID          string
	OrgID           string
	AuditLevel      AuditLevel
	BatchSize       int
	FlushInterval   time.Duration
	MaxBufferSize   int
	ControlPlaneURL string
	AccessToken     string
	Durable         *DurableAuditBuffer
	Client          shipper
	Observability   *observability.Provider
}

// NewAuditPipeline constructs a pipeline and reloads any durable events
// left over from a previous process (crash resilience, spec §4.2).
func NewAuditPipeline(cfg AuditPipelineConfig) *AuditPipeline {
	p := &AuditPipeline{
		userID:          cfg.UserID,
		orgID:           cfg.OrgID,
		auditLevel:      cfg.AuditLevel,
		batchSize:       cfg.BatchSize,
		flushInterval:   cfg.FlushInterval,
		maxBufferSize:   cfg.MaxBufferSize,
		controlPlaneURL: cfg.ControlPlaneURL,
		accessToken:     cfg.AccessToken,
		durable:         cfg.Durable,
		client:          cfg.Client,
		obs:             cfg.Observability,
		logger:          slog.Default().With("component", "audit_pipeline"),
		stopCh:          make(chan struct{}),
	}

	if p.durable != nil {
		recovered := p.durable.Load()
		for _, ev := range recovered {
			p.buffer = append(p.buffer, ev)
		}
		p.enforceCapacityLocked()
		if len(recovered) > 0 {
			p.logger.Info("recovered audit events from durable buffer", "count", len(p.buffer))
		}
	}

	return p
}

// PartialEvent is what callers pass to Enqueue; the pipeline stamps the
// remaining fields.
type PartialEvent struct {
	AgentID    string
	SessionKey string
	EventType  EventType
	ToolName   string
	Outcome    Outcome
	Reason     string
	Metadata   map[string]interface{}
}

// Enqueue stamps userId/orgId/timestamp, strips metadata unless
// auditLevel=full, and is a no-op when auditLevel=off. It never blocks:
// on overflow it drops the oldest events (not the newest) and emits a
// rearming 80%-capacity warning.
func (p *AuditPipeline) Enqueue(partial PartialEvent) {
	if p.auditLevel == AuditLevelOff {
		return
	}
	if p.maxBufferSize == 0 {
		p.logger.Warn("audit buffer capacity is zero, dropping event", "tool", partial.ToolName)
		return
	}

	metadata := partial.Metadata
	if p.auditLevel != AuditLevelFull {
		metadata = nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	ev := AuditEvent{
		UserID:     p.userID,
		OrgID:      p.orgID,
		AgentID:    partial.AgentID,
		SessionKey: partial.SessionKey,
		EventType:  partial.EventType,
		ToolName:   partial.ToolName,
		Outcome:    partial.Outcome,
		Reason:     partial.Reason,
		Timestamp:  time.Now().UnixMilli(),
		Metadata:   metadata,
		EnqueueSeq: p.seq,
	}
	p.buffer = append(p.buffer, ev)
	p.enforceCapacityLocked()

	if len(p.buffer) >= p.batchSize {
		go p.Flush(context.Background())
	}
}

// enforceCapacityLocked drops the oldest events once length exceeds
// maxAuditBufferSize, and manages the one-shot 80%-capacity warning.
// Caller must hold p.mu.
func (p *AuditPipeline) enforceCapacityLocked() {
	if p.maxBufferSize <= 0 {
		p.buffer = nil
		return
	}
	if len(p.buffer) > p.maxBufferSize {
		dropped := len(p.buffer) - p.maxBufferSize
		p.buffer = append([]AuditEvent(nil), p.buffer[dropped:]...)
		p.logger.Warn("audit buffer overflow, dropped oldest events", "dropped", dropped)
	}

	threshold := (p.maxBufferSize * 80) / 100
	if len(p.buffer) >= threshold {
		if !p.warnedAtCapacity {
			p.warnedAtCapacity = true
			p.logger.Warn("audit buffer nearing capacity", "length", len(p.buffer), "capacity", p.maxBufferSize)
		}
	} else {
		p.warnedAtCapacity = false
	}
}

// FlushOutcome describes what a flush call did.
type FlushOutcome string

const (
	FlushShipped   FlushOutcome = "shipped"
	FlushPersisted FlushOutcome = "persisted"
	FlushFailed    FlushOutcome = "failed"
	FlushEmpty     FlushOutcome = "empty"
)

// Flush ships all currently-buffered events in one HTTP call if the
// control plane is configured, otherwise persists them to disk. On
// failure the batch is prepended back onto the in-memory buffer in
// original order, enforcing capacity, and the buffer is re-persisted.
func (p *AuditPipeline) Flush(ctx context.Context) FlushOutcome {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return FlushEmpty
	}
	batch := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	if p.controlPlaneURL == "" || p.client == nil {
		p.persist(batch)
		p.recordMetric(FlushPersisted, len(batch))
		return FlushPersisted
	}

	raw := make([]json.RawMessage, 0, len(batch))
	for _, ev := range batch {
		b, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		raw = append(raw, b)
	}

	token := p.currentAccessToken()
	err := p.client.ShipAudit(ctx, p.orgID, token, raw)
	if err != nil {
		p.logger.Warn("audit ship failed, re-buffering batch", "error", err, "batch_size", len(batch))
		p.mu.Lock()
		p.buffer = append(append([]AuditEvent(nil), batch...), p.buffer...)
		p.enforceCapacityLocked()
		remaining := append([]AuditEvent(nil), p.buffer...)
		p.mu.Unlock()
		p.persist(remaining)
		p.recordMetric(FlushFailed, len(batch))
		return FlushFailed
	}

	if p.durable != nil {
		p.durable.Clear()
	}
	p.recordMetric(FlushShipped, len(batch))
	return FlushShipped
}

func (p *AuditPipeline) persist(events []AuditEvent) {
	if p.durable != nil {
		p.durable.Persist(events)
	}
}

func (p *AuditPipeline) recordMetric(outcome FlushOutcome, n int) {
	if p.obs != nil {
		p.obs.RecordAuditFlush(context.Background(), string(outcome), int64(n))
	}
}

func (p *AuditPipeline) currentAccessToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accessToken
}

// UpdateAccessToken is called by SessionKeeper on token rotation.
func (p *AuditPipeline) UpdateAccessToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accessToken = token
}

// UpdateAuditLevel applies hot reconfiguration of the audit level.
func (p *AuditPipeline) UpdateAuditLevel(level AuditLevel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.auditLevel = level
}

// BufferLength returns the current in-memory buffer length (for tests
// and diagnostics).
func (p *AuditPipeline) BufferLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// Start begins the periodic flush timer.
func (p *AuditPipeline) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Flush(ctx)
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop halts the flush timer and performs one final flush.
func (p *AuditPipeline) Stop(ctx context.Context) {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.Flush(ctx)
}

// newCorrelationID produces a request-correlation id for logging.
func newCorrelationID() string {
	return uuid.New().String()
}

var _ shipper = (*controlplane.Client)(nil)
