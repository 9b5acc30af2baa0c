package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/llmgate/gateway/internal/store"
	"github.com/stretchr/testify/require"
)

func TestProberHealthyEndpointMarksModelHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertModel(ctx, store.Model{ID: "local/llama", Endpoint: srv.URL, Enabled: true, Healthy: false}))

	prober := NewProber(st, 10*time.Second, time.Second, discardLogger())
	prober.tick(ctx)

	got, err := st.GetModel(ctx, "local/llama")
	require.NoError(t, err)
	require.True(t, got.Healthy)
	require.NotNil(t, got.LastProbeAt)
}

func TestProber405CountsAsHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertModel(ctx, store.Model{ID: "anthropic/claude", Endpoint: srv.URL, Enabled: true, Healthy: false}))

	prober := NewProber(st, 10*time.Second, time.Second, discardLogger())
	prober.tick(ctx)

	got, err := st.GetModel(ctx, "anthropic/claude")
	require.NoError(t, err)
	require.True(t, got.Healthy)
}

func TestProberUnreachableEndpointAccumulatesFailures(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertModel(ctx, store.Model{ID: "dead/model", Endpoint: "http://127.0.0.1:1", Enabled: true, Healthy: true}))

	prober := NewProber(st, 10*time.Second, 200*time.Millisecond, discardLogger())
	for i := 0; i < 3; i++ {
		prober.tick(ctx)
	}

	got, err := st.GetModel(ctx, "dead/model")
	require.NoError(t, err)
	require.False(t, got.Healthy)
}

func TestProberSkipsModelsWithoutEndpoint(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertModel(ctx, store.Model{ID: "no-endpoint", Enabled: true, Healthy: true}))

	prober := NewProber(st, 10*time.Second, time.Second, discardLogger())
	prober.tick(ctx)

	latest, err := st.LatestHealthLog(ctx, "no-endpoint")
	require.NoError(t, err)
	require.Nil(t, latest)
}

func TestProberSkipsOverlappingTick(t *testing.T) {
	block := make(chan struct{})
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertModel(ctx, store.Model{ID: "slow/model", Endpoint: srv.URL, Enabled: true}))

	prober := NewProber(st, 10*time.Second, 5*time.Second, discardLogger())

	go prober.tick(ctx)
	time.Sleep(20 * time.Millisecond) // let the first tick acquire the lock and block in the handler

	prober.tick(ctx) // should skip immediately, not block
	close(block)

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestNewProberAppliesDefaultsForInvalidValues(t *testing.T) {
	st := newTestStore(t)
	prober := NewProber(st, 0, 0, discardLogger())
	require.Equal(t, DefaultInterval, prober.Interval)
	require.Equal(t, DefaultTimeout, prober.Timeout)
}

func TestProberMultipleModelsAllProbed(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, st.UpsertModel(ctx, store.Model{ID: id, Endpoint: srv.URL, Enabled: true}))
	}

	prober := NewProber(st, 10*time.Second, time.Second, discardLogger())
	prober.tick(ctx)

	require.EqualValues(t, 3, hits.Load())
}
