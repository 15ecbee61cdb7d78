package recovery_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/maloquacious/fcl/internal/metrics"
	"github.com/maloquacious/fcl/internal/recovery"
	"github.com/maloquacious/fcl/internal/snapshot"
	"github.com/maloquacious/fcl/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLive is a live database whose health is controlled by the test.
// Payloads starting with "bad" restore into a corrupt database. A non-nil
// unavailable error is returned by every integrity check.
type fakeLive struct {
	mu          sync.Mutex
	content     string
	healthy     bool
	unavailable error
	replaced    int
}

func (f *fakeLive) Integrity(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable != nil {
		return f.unavailable
	}
	if !f.healthy {
		return fmt.Errorf("%w: page 3 is never used", store.ErrCorrupt)
	}
	return nil
}

func (f *fakeLive) Export(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []byte(f.content), nil
}

func (f *fakeLive) Replace(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaced++
	f.content = string(payload)
	f.healthy = len(payload) < 3 || string(payload[:3]) != "bad"
	return nil
}

func (f *fakeLive) set(content string, healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content, f.healthy = content, healthy
}

func openSnapshots(t *testing.T) *snapshot.Store {
	t.Helper()
	s, err := snapshot.Open(snapshot.Config{InMemory: true, Max: 5, Compress: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func capture(t *testing.T, snaps *snapshot.Store, live *fakeLive, content string) snapshot.Info {
	t.Helper()
	live.set(content, true)
	info, err := snaps.Capture(context.Background(), live)
	require.NoError(t, err)
	// Keys are millisecond timestamps; keep captures distinct and ordered.
	time.Sleep(2 * time.Millisecond)
	return info
}

func TestRecoverIfNeeded_Healthy(t *testing.T) {
	live := &fakeLive{content: "live", healthy: true}
	snaps := openSnapshots(t)
	c := recovery.NewController(live, snaps, recovery.Policy{}, nil, nil)

	before := testutil.ToFloat64(metrics.IntegrityChecksTotal.WithLabelValues(metrics.Healthy))
	out := c.RecoverIfNeeded(context.Background())
	assert.False(t, out.Recovered)
	assert.NoError(t, out.Err)
	assert.Equal(t, 0, live.replaced)
	assert.False(t, c.Flag().State().Recovered)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.IntegrityChecksTotal.WithLabelValues(metrics.Healthy)))
}

func TestRecoverIfNeeded_RestoresNewest(t *testing.T) {
	ctx := context.Background()
	live := &fakeLive{}
	snaps := openSnapshots(t)
	capture(t, snaps, live, "A0")
	newest := capture(t, snaps, live, "A")

	live.set("garbage", false)
	c := recovery.NewController(live, snaps, recovery.Policy{}, nil, nil)
	out := c.RecoverIfNeeded(ctx)

	require.NoError(t, out.Err)
	assert.True(t, out.Recovered)
	assert.Equal(t, newest.Key, out.Key)
	assert.Equal(t, "A", live.content)

	state := c.Flag().State()
	assert.True(t, state.Recovered)
	assert.Equal(t, out.At, state.At)
}

func TestRecoverIfNeeded_CheckDidNotRun(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"closed connection", store.ErrNotInitialized},
		{"canceled", context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			live := &fakeLive{}
			snaps := openSnapshots(t)
			capture(t, snaps, live, "older")
			live.set("newer", true)
			live.unavailable = tt.err

			c := recovery.NewController(live, snaps, recovery.Policy{Cascade: true}, nil, nil)
			corrupt := testutil.ToFloat64(metrics.IntegrityChecksTotal.WithLabelValues(metrics.Corrupt))
			unavailable := testutil.ToFloat64(metrics.IntegrityChecksTotal.WithLabelValues(metrics.Unavailable))

			out := c.RecoverIfNeeded(context.Background())
			assert.False(t, out.Recovered)
			assert.ErrorIs(t, out.Err, tt.err)
			assert.Equal(t, "newer", live.content)
			assert.Equal(t, 0, live.replaced)
			assert.False(t, c.Flag().State().Recovered)
			assert.Equal(t, corrupt, testutil.ToFloat64(metrics.IntegrityChecksTotal.WithLabelValues(metrics.Corrupt)))
			assert.Equal(t, unavailable+1, testutil.ToFloat64(metrics.IntegrityChecksTotal.WithLabelValues(metrics.Unavailable)))
		})
	}
}

func TestRecoverIfNeeded_NoSnapshots(t *testing.T) {
	live := &fakeLive{content: "garbage", healthy: false}
	c := recovery.NewController(live, openSnapshots(t), recovery.Policy{}, nil, nil)

	out := c.RecoverIfNeeded(context.Background())
	assert.False(t, out.Recovered)
	assert.ErrorIs(t, out.Err, recovery.ErrNoSnapshots)
	assert.Equal(t, "garbage", live.content)
	assert.Equal(t, 0, live.replaced)
	assert.False(t, c.Flag().State().Recovered)
}

func TestRecoverIfNeeded_NewestOnlyByDefault(t *testing.T) {
	live := &fakeLive{}
	snaps := openSnapshots(t)
	capture(t, snaps, live, "good")
	capture(t, snaps, live, "bad snapshot")

	live.set("garbage", false)
	c := recovery.NewController(live, snaps, recovery.Policy{}, nil, nil)
	out := c.RecoverIfNeeded(context.Background())

	assert.False(t, out.Recovered)
	assert.ErrorIs(t, out.Err, recovery.ErrStillCorrupt)
	assert.Equal(t, 1, live.replaced)
	assert.False(t, c.Flag().State().Recovered)
}

func TestRecoverIfNeeded_Cascade(t *testing.T) {
	live := &fakeLive{}
	snaps := openSnapshots(t)
	good := capture(t, snaps, live, "good")
	capture(t, snaps, live, "bad snapshot")

	live.set("garbage", false)
	c := recovery.NewController(live, snaps, recovery.Policy{Cascade: true}, nil, nil)
	out := c.RecoverIfNeeded(context.Background())

	require.NoError(t, out.Err)
	assert.True(t, out.Recovered)
	assert.Equal(t, good.Key, out.Key)
	assert.Equal(t, "good", live.content)
	assert.Equal(t, 2, live.replaced)
}

type failingSnapshots struct{ err error }

func (f failingSnapshots) List(context.Context) ([]snapshot.Info, error) { return nil, f.err }

func (f failingSnapshots) Restore(context.Context, string, snapshot.Replacer) error { return f.err }

func TestRecoverIfNeeded_ListFailure(t *testing.T) {
	boom := errors.New("boom")
	live := &fakeLive{content: "garbage"}
	c := recovery.NewController(live, failingSnapshots{err: boom}, recovery.Policy{}, nil, nil)

	out := c.RecoverIfNeeded(context.Background())
	assert.False(t, out.Recovered)
	assert.ErrorIs(t, out.Err, boom)
	assert.Equal(t, "garbage", live.content)
}

func TestFlag_SetDismissWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := recovery.NewFlag()
	ch := f.Watch(ctx)
	assert.Equal(t, recovery.State{}, <-ch)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.Set(at)
	assert.Equal(t, recovery.State{Recovered: true, At: at}, <-ch)

	f.Dismiss()
	assert.Equal(t, recovery.State{}, <-ch)
	assert.Equal(t, recovery.State{}, f.State())

	cancel()
	for range ch {
	}
}

func TestFlag_SlowWatcherSeesLatest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := recovery.NewFlag()
	ch := f.Watch(ctx)
	<-ch

	f.Set(time.Unix(1, 0))
	f.Dismiss()
	f.Set(time.Unix(3, 0))

	got := <-ch
	assert.True(t, got.Recovered)
	assert.Equal(t, time.Unix(3, 0), got.At)
}
