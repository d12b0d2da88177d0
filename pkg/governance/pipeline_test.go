package governance

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeShipper struct {
	mu        sync.Mutex
	fail      bool
	shipped   [][]json.RawMessage
	callCount int
}

func (f *fakeShipper) ShipAudit(ctx context.Context, orgID, accessToken string, events []json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	if f.fail {
		return errors.New("ship failed")
	}
	f.shipped = append(f.shipped, events)
	return nil
}

func newTestPipeline(t *testing.T, client shipper, controlPlaneURL string) *AuditPipeline {
	return NewAuditPipeline(AuditPipelineConfig{
		UserID:          "user-1",
		OrgID:           "org-1",
		AuditLevel:      AuditLevelMetadata,
		BatchSize:       100,
		FlushInterval:   time.Hour,
		MaxBufferSize:   10,
		ControlPlaneURL: controlPlaneURL,
		Client:          client,
		Durable:         NewDurableAuditBuffer(t.TempDir()),
	})
}

func TestAuditPipeline_EnqueueNoOpWhenAuditOff(t *testing.T) {
	p := newTestPipeline(t, &fakeShipper{}, "https://cp.example.com")
	p.auditLevel = AuditLevelOff

	p.Enqueue(PartialEvent{ToolName: "exec"})
	assert.Equal(t, 0, p.BufferLength())
}

func TestAuditPipeline_EnqueueStripsMetadataUnlessFull(t *testing.T) {
	p := newTestPipeline(t, &fakeShipper{}, "")
	p.Enqueue(PartialEvent{ToolName: "exec", Metadata: map[string]interface{}{"k": "v"}})

	require.Equal(t, 1, p.BufferLength())
	assert.Nil(t, p.buffer[0].Metadata)

	p.UpdateAuditLevel(AuditLevelFull)
	p.Enqueue(PartialEvent{ToolName: "read", Metadata: map[string]interface{}{"k": "v"}})
	assert.NotNil(t, p.buffer[1].Metadata)
}

func TestAuditPipeline_EnqueueDropsOldestOnOverflow(t *testing.T) {
	p := newTestPipeline(t, &fakeShipper{}, "")
	p.maxBufferSize = 3

	for i := 0; i < 5; i++ {
		p.Enqueue(PartialEvent{ToolName: "tool"})
	}

	require.Equal(t, 3, p.BufferLength())
	assert.Equal(t, uint64(3), p.buffer[0].EnqueueSeq, "oldest two must have been dropped")
	assert.Equal(t, uint64(5), p.buffer[2].EnqueueSeq)
}

func TestAuditPipeline_EnqueueZeroCapacityDropsEvent(t *testing.T) {
	p := newTestPipeline(t, &fakeShipper{}, "")
	p.maxBufferSize = 0

	p.Enqueue(PartialEvent{ToolName: "exec"})
	assert.Equal(t, 0, p.BufferLength())
}

func TestAuditPipeline_Flush_EmptyBufferIsNoOp(t *testing.T) {
	p := newTestPipeline(t, &fakeShipper{}, "https://cp.example.com")
	outcome := p.Flush(context.Background())
	assert.Equal(t, FlushEmpty, outcome)
}

func TestAuditPipeline_Flush_ShipsWhenControlPlaneConfigured(t *testing.T) {
	client := &fakeShipper{}
	p := newTestPipeline(t, client, "https://cp.example.com")
	p.Enqueue(PartialEvent{ToolName: "exec"})

	outcome := p.Flush(context.Background())

	assert.Equal(t, FlushShipped, outcome)
	assert.Equal(t, 0, p.BufferLength())
	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Len(t, client.shipped, 1)
}

func TestAuditPipeline_Flush_PersistsWhenNoControlPlane(t *testing.T) {
	p := newTestPipeline(t, nil, "")
	p.Enqueue(PartialEvent{ToolName: "exec"})

	outcome := p.Flush(context.Background())

	assert.Equal(t, FlushPersisted, outcome)
	loaded := p.durable.Load()
	require.Len(t, loaded, 1)
	assert.Equal(t, "exec", loaded[0].ToolName)
}

func TestAuditPipeline_Flush_FailurePrependsBatchBackInOrder(t *testing.T) {
	client := &fakeShipper{fail: true}
	p := newTestPipeline(t, client, "https://cp.example.com")
	p.Enqueue(PartialEvent{ToolName: "first"})
	p.Enqueue(PartialEvent{ToolName: "second"})

	outcome := p.Flush(context.Background())
	require.Equal(t, FlushFailed, outcome)

	// A third event enqueued after the failed flush must land after the
	// re-buffered batch, preserving original ordering.
	p.Enqueue(PartialEvent{ToolName: "third"})

	require.Equal(t, 3, p.BufferLength())
	assert.Equal(t, "first", p.buffer[0].ToolName)
	assert.Equal(t, "second", p.buffer[1].ToolName)
	assert.Equal(t, "third", p.buffer[2].ToolName)
}

func TestAuditPipeline_RecoversFromDurableBufferOnConstruction(t *testing.T) {
	dir := t.TempDir()
	durable := NewDurableAuditBuffer(dir)
	durable.Persist([]AuditEvent{{OrgID: "org-1", ToolName: "exec"}})

	p := NewAuditPipeline(AuditPipelineConfig{
		OrgID:         "org-1",
		AuditLevel:    AuditLevelMetadata,
		BatchSize:     100,
		FlushInterval: time.Hour,
		MaxBufferSize: 10,
		Durable:       durable,
	})

	assert.Equal(t, 1, p.BufferLength())
}

func TestAuditPipeline_UpdateAccessTokenReplacesCurrentToken(t *testing.T) {
	client := &fakeShipper{}
	p := newTestPipeline(t, client, "https://cp.example.com")
	p.UpdateAccessToken("new-token")
	assert.Equal(t, "new-token", p.currentAccessToken())
}
