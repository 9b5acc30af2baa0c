package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llmgate/gateway/internal/providers"
	"github.com/llmgate/gateway/internal/store"
)

type fakeStream struct{}

func (fakeStream) Next() (NormalizedChunk, bool, error) { return NormalizedChunk{}, false, nil }
func (fakeStream) Close() error                         { return nil }

// fakeAdapter fails for any model whose ID is in failFor, succeeds otherwise.
type fakeAdapter struct {
	failFor map[string]error
}

func (a *fakeAdapter) StreamChat(ctx context.Context, model store.Model, req Request) (Stream, error) {
	if err, ok := a.failFor[model.ID]; ok {
		return nil, err
	}
	return fakeStream{}, nil
}

type fakeRegistry struct {
	adapter Adapter
}

func (r *fakeRegistry) AdapterFor(wf store.WireFormat) (Adapter, bool) {
	if r.adapter == nil {
		return nil, false
	}
	return r.adapter, true
}

func candidatesFor(ids ...string) []Candidate {
	out := make([]Candidate, len(ids))
	for i, id := range ids {
		out[i] = Candidate{Model: store.Model{ID: id, WireFormat: store.WireFormatOpenAI, Provider: "p-" + id}, Rank: i + 1}
	}
	return out
}

func TestDispatchReturnsFirstSuccessfulCandidate(t *testing.T) {
	reg := &fakeRegistry{adapter: &fakeAdapter{}}
	st := newTestStore(t)
	d := NewDispatcher(reg, st)

	stream, model, err := d.Dispatch(context.Background(), candidatesFor("m1", "m2"), Request{})
	require.NoError(t, err)
	require.NotNil(t, stream)
	require.Equal(t, "m1", model.ID)
}

func TestDispatchAdvancesToNextCandidateOnFailure(t *testing.T) {
	reg := &fakeRegistry{adapter: &fakeAdapter{failFor: map[string]error{"m1": errors.New("boom")}}}
	st := newTestStore(t)
	d := NewDispatcher(reg, st)

	_, model, err := d.Dispatch(context.Background(), candidatesFor("m1", "m2"), Request{})
	require.NoError(t, err)
	require.Equal(t, "m2", model.ID)
}

func TestDispatchReturnsErrNoAvailableModelWhenAllFail(t *testing.T) {
	reg := &fakeRegistry{adapter: &fakeAdapter{failFor: map[string]error{"m1": errors.New("boom"), "m2": errors.New("boom")}}}
	st := newTestStore(t)
	d := NewDispatcher(reg, st)

	_, _, err := d.Dispatch(context.Background(), candidatesFor("m1", "m2"), Request{})
	require.Error(t, err)
	var noModel *ErrNoAvailableModel
	require.ErrorAs(t, err, &noModel)
}

func TestDispatchSkipsCandidateWithNoAdapter(t *testing.T) {
	reg := &fakeRegistry{adapter: nil}
	st := newTestStore(t)
	d := NewDispatcher(reg, st)

	_, _, err := d.Dispatch(context.Background(), candidatesFor("m1"), Request{})
	require.Error(t, err)
}

func Test429ClassifiesAsRateLimitedAndMarksProvider(t *testing.T) {
	reg := &fakeRegistry{adapter: &fakeAdapter{failFor: map[string]error{
		"m1": &providers.StatusError{StatusCode: 429, Body: "rate limited"},
	}}}
	st := newTestStore(t)
	ctx := context.Background()
	seedModel(t, st, store.Model{ID: "m1", Provider: "p-m1"})

	d := NewDispatcher(reg, st)
	_, _, err := d.Dispatch(ctx, candidatesFor("m1"), Request{})
	require.Error(t, err)

	limited, lerr := st.ListRateLimited(ctx)
	require.NoError(t, lerr)
	require.Contains(t, limited, "p-m1")
	require.True(t, limited["p-m1"].IsLimited)
}

func Test5xxAccumulatesHealthFailuresAndMarksUnhealthyAtThreshold(t *testing.T) {
	reg := &fakeRegistry{adapter: &fakeAdapter{failFor: map[string]error{
		"m1": &providers.StatusError{StatusCode: 503, Body: "unavailable"},
	}}}
	st := newTestStore(t)
	ctx := context.Background()
	seedModel(t, st, store.Model{ID: "m1", Provider: "p-m1", Healthy: true})

	d := NewDispatcher(reg, st)
	for i := 0; i < healthFailureThreshold-1; i++ {
		_, _, err := d.Dispatch(ctx, candidatesFor("m1"), Request{})
		require.Error(t, err)
	}
	m, err := st.GetModel(ctx, "m1")
	require.NoError(t, err)
	require.True(t, m.Healthy, "should stay healthy below the failure threshold")

	_, _, err = d.Dispatch(ctx, candidatesFor("m1"), Request{})
	require.Error(t, err)
	m, err = st.GetModel(ctx, "m1")
	require.NoError(t, err)
	require.False(t, m.Healthy, "should flip unhealthy once consecutive failures reach the threshold")
}

func TestConnectivityFailureMarksUnhealthyImmediately(t *testing.T) {
	reg := &fakeRegistry{adapter: &fakeAdapter{failFor: map[string]error{
		"m1": errors.New("dial tcp: connection refused (ECONNREFUSED)"),
	}}}
	st := newTestStore(t)
	ctx := context.Background()
	seedModel(t, st, store.Model{ID: "m1", Provider: "p-m1", Healthy: true})

	d := NewDispatcher(reg, st)
	_, _, err := d.Dispatch(ctx, candidatesFor("m1"), Request{})
	require.Error(t, err)

	m, err := st.GetModel(ctx, "m1")
	require.NoError(t, err)
	require.False(t, m.Healthy, "connectivity failures bypass the threshold and mark unhealthy on the first occurrence")
}

func TestFatalErrorLeavesModelStateUnchanged(t *testing.T) {
	reg := &fakeRegistry{adapter: &fakeAdapter{failFor: map[string]error{
		"m1": &providers.StatusError{StatusCode: 400, Body: "bad request"},
	}}}
	st := newTestStore(t)
	ctx := context.Background()
	seedModel(t, st, store.Model{ID: "m1", Provider: "p-m1", Healthy: true})

	d := NewDispatcher(reg, st)
	_, _, err := d.Dispatch(ctx, candidatesFor("m1"), Request{})
	require.Error(t, err)

	m, err := st.GetModel(ctx, "m1")
	require.NoError(t, err)
	require.True(t, m.Healthy, "4xx validation-shaped errors don't change model/provider health state")
}
