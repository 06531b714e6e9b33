package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/n3tuk/content-sync-lock/internal/flows"
	"github.com/n3tuk/content-sync-lock/internal/model"
)

// scriptedTransport fails the flows listed in fail and records every request.
type scriptedTransport struct {
	mu       sync.Mutex
	fail     map[string]error
	panicOn  string
	requests []model.PushRequest
	ctxErrs  []error
}

func (s *scriptedTransport) Push(ctx context.Context, req model.PushRequest) error {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	s.mu.Unlock()

	id := AnyFlow
	if req.Flow != nil {
		id = req.Flow.ID
	}
	if id == s.panicOn {
		panic("remote exploded")
	}
	return s.fail[id]
}

type recorded struct {
	flow, outcome string
}

type fakeRecorder struct {
	got []recorded
}

func (f *fakeRecorder) RecordPushAttempt(flow, outcome string, _ time.Duration) {
	f.got = append(f.got, recorded{flow, outcome})
}

var entity = &model.Entity{Type: "node", ID: "7", UUID: "u-7", Bundle: "article", Label: "Hello"}

func candidate(flow string, pools ...string) flows.Candidate {
	c := flows.Candidate{Flow: model.Flow{ID: flow}}
	for _, p := range pools {
		c.Pools = append(c.Pools, model.Pool{ID: p})
	}
	return c
}

func TestDispatchUnconstrained(t *testing.T) {
	tr := &scriptedTransport{}
	rec := &fakeRecorder{}
	res := New(tr, rec, zap.NewNop()).Dispatch(context.Background(), entity, flows.Unconstrained())

	assert.Equal(t, 1, res.Attempted)
	assert.True(t, res.Succeeded)
	assert.Nil(t, res.Flow)
	assert.Empty(t, res.Failures)

	require.Len(t, tr.requests, 1)
	req := tr.requests[0]
	assert.True(t, req.Forced)
	assert.Equal(t, model.ActionCreate, req.Action)
	assert.True(t, req.Unconstrained())
	assert.Equal(t, []recorded{{AnyFlow, "success"}}, rec.got)
}

func TestDispatchUnconstrainedFailure(t *testing.T) {
	tr := &scriptedTransport{fail: map[string]error{AnyFlow: errors.New("remote returned 503")}}
	res := New(tr, nil, zap.NewNop()).Dispatch(context.Background(), entity, flows.Unconstrained())

	assert.Equal(t, 1, res.Attempted)
	assert.False(t, res.Succeeded)
	assert.Equal(t, []Failure{{FlowID: AnyFlow, Reason: "remote returned 503"}}, res.Failures)
}

func TestDispatchStopsAtFirstSuccess(t *testing.T) {
	// F1 fails, F2 succeeds, F3 is never tried.
	tr := &scriptedTransport{fail: map[string]error{"f1": errors.New("timeout")}}
	rec := &fakeRecorder{}
	plan := flows.Constrained([]flows.Candidate{
		candidate("f1", "p1"),
		candidate("f2", "p2"),
		candidate("f3", "p1", "p2"),
	})

	res := New(tr, rec, zap.NewNop()).Dispatch(context.Background(), entity, plan)

	assert.Equal(t, 2, res.Attempted)
	assert.True(t, res.Succeeded)
	require.NotNil(t, res.Flow)
	assert.Equal(t, "f2", res.Flow.ID)
	assert.Equal(t, []Failure{{FlowID: "f1", Reason: "timeout"}}, res.Failures)

	require.Len(t, tr.requests, 2)
	assert.Equal(t, "f1", tr.requests[0].Flow.ID)
	assert.Equal(t, []model.Pool{{ID: "p1"}}, tr.requests[0].Pools)
	assert.Equal(t, "f2", tr.requests[1].Flow.ID)
	for _, req := range tr.requests {
		assert.True(t, req.Forced)
		assert.Equal(t, model.ActionCreate, req.Action)
	}
	assert.Equal(t, []recorded{{"f1", "failure"}, {"f2", "success"}}, rec.got)
}

func TestDispatchAttemptsNeverExceedCandidates(t *testing.T) {
	fail := errors.New("down")
	tests := []struct {
		name          string
		failing       []string
		wantAttempted int
		wantSucceeded bool
	}{
		{name: "first succeeds", failing: nil, wantAttempted: 1, wantSucceeded: true},
		{name: "last succeeds", failing: []string{"a", "b"}, wantAttempted: 3, wantSucceeded: true},
		{name: "all fail", failing: []string{"a", "b", "c"}, wantAttempted: 3, wantSucceeded: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &scriptedTransport{fail: map[string]error{}}
			for _, f := range tt.failing {
				tr.fail[f] = fail
			}
			plan := flows.Constrained([]flows.Candidate{candidate("a", "p"), candidate("b", "p"), candidate("c", "p")})

			res := New(tr, nil, zap.NewNop()).Dispatch(context.Background(), entity, plan)
			assert.Equal(t, tt.wantAttempted, res.Attempted)
			assert.Equal(t, tt.wantSucceeded, res.Succeeded)
			assert.Len(t, res.Failures, len(tt.failing))
			assert.LessOrEqual(t, res.Attempted, len(plan.Candidates))
		})
	}
}

func TestDispatchNoCandidates(t *testing.T) {
	tr := &scriptedTransport{}
	res := New(tr, nil, zap.NewNop()).Dispatch(context.Background(), entity, flows.Constrained(nil))

	assert.Equal(t, Result{}, res)
	assert.Empty(t, tr.requests)
}

func TestDispatchRecoversTransportPanic(t *testing.T) {
	tr := &scriptedTransport{panicOn: "f1"}
	plan := flows.Constrained([]flows.Candidate{candidate("f1", "p1"), candidate("f2", "p1")})

	res := New(tr, nil, zap.NewNop()).Dispatch(context.Background(), entity, plan)

	assert.True(t, res.Succeeded)
	assert.Equal(t, 2, res.Attempted)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0].Reason, "remote exploded")
}

func TestDispatchIgnoresCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := &scriptedTransport{fail: map[string]error{"f1": errors.New("nope")}}
	plan := flows.Constrained([]flows.Candidate{candidate("f1", "p1"), candidate("f2", "p1")})

	res := New(tr, nil, zap.NewNop()).Dispatch(ctx, entity, plan)

	assert.Equal(t, 2, res.Attempted)
	for _, err := range tr.ctxErrs {
		assert.NoError(t, err)
	}
}
