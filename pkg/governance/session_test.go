package governance

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawforge/sentinel/pkg/controlplane"
)

type fakeRefresher struct {
	mu    sync.Mutex
	errs  []error
	resp  *controlplane.AuthResponse
	calls int
}

func (f *fakeRefresher) RefreshSession(ctx context.Context, refreshToken string) (*controlplane.AuthResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.resp, nil
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestSessionKeeper_NoRefreshWhenFarFromExpiry(t *testing.T) {
	client := &fakeRefresher{resp: &controlplane.AuthResponse{AccessToken: "new"}}
	k := NewSessionKeeper(SessionKeeperConfig{
		Session: SessionTokens{RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)},
		Client:  client,
	})

	k.checkAndRefresh(context.Background())

	assert.Equal(t, 0, client.callCount())
}

func TestSessionKeeper_RefreshesWithinWindow(t *testing.T) {
	client := &fakeRefresher{resp: &controlplane.AuthResponse{
		AccessToken: "new-access", RefreshToken: "new-refresh",
		ExpiresAt: time.Now().Add(time.Hour).UnixMilli(), UserID: "u1", OrgID: "o1",
	}}
	var refreshed SessionTokens
	k := NewSessionKeeper(SessionKeeperConfig{
		Session:   SessionTokens{RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Minute)},
		Client:    client,
		OnRefresh: func(s SessionTokens) { refreshed = s },
	})

	k.checkAndRefresh(context.Background())

	assert.Equal(t, 1, client.callCount())
	assert.Equal(t, "new-access", k.CurrentSession().AccessToken)
	assert.Equal(t, "new-access", refreshed.AccessToken)
}

func TestSessionKeeper_AbandonsRetryLoopWhenContextIsDone(t *testing.T) {
	client := &fakeRefresher{errs: []error{errors.New("e1"), errors.New("e2"), errors.New("e3")}}
	k := NewSessionKeeper(SessionKeeperConfig{
		Session: SessionTokens{RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Minute)},
		Client:  client,
	})

	// The real backoff waits between the 3 attempts (5s, then 10s) would make
	// a full retry loop take ~15s; a short-lived context lets us assert it bails out via
	// ctx.Done() during the first backoff wait instead of completing all
	// attempts.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		k.checkAndRefresh(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checkAndRefresh should bail out once context is done, not hang on full backoff")
	}
	assert.Equal(t, 1, client.callCount(), "only the first attempt runs before the context deadline interrupts the backoff wait")
}

func TestSessionKeeper_ReentrancyGuardSkipsConcurrentTick(t *testing.T) {
	client := &fakeRefresher{resp: &controlplane.AuthResponse{AccessToken: "new", ExpiresAt: time.Now().Add(time.Hour).UnixMilli()}}
	k := NewSessionKeeper(SessionKeeperConfig{
		Session: SessionTokens{RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Minute)},
		Client:  client,
	})

	k.refreshing.Lock()
	k.checkAndRefresh(context.Background()) // must return immediately, not block
	k.refreshing.Unlock()

	assert.Equal(t, 0, client.callCount())
}

func TestSessionKeeper_InactiveWithNoRefreshToken(t *testing.T) {
	k := NewSessionKeeper(SessionKeeperConfig{
		Session: SessionTokens{},
		Client:  &fakeRefresher{},
	})
	assert.False(t, k.active())
}

func TestSessionKeeper_PersistsSessionFile(t *testing.T) {
	dir := t.TempDir()
	client := &fakeRefresher{resp: &controlplane.AuthResponse{
		AccessToken: "new-access", ExpiresAt: time.Now().Add(time.Hour).UnixMilli(), UserID: "u1", OrgID: "o1",
	}}
	k := NewSessionKeeper(SessionKeeperConfig{
		Session:    SessionTokens{RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Minute)},
		Client:     client,
		SessionDir: dir,
	})

	k.checkAndRefresh(context.Background())

	data, err := os.ReadFile(filepath.Join(dir, "session.json"))
	require.NoError(t, err)
	var sf sessionFile
	require.NoError(t, json.Unmarshal(data, &sf))
	assert.Equal(t, "new-access", sf.AccessToken)
}
