package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollenisator/internal/models"
	apperrors "pollenisator/pkg/errors"
)

// fakeState keeps intervals and the queue in memory
type fakeState struct {
	mu        sync.Mutex
	stop      bool
	intervals []models.Interval
	queue     []QueuedTool
}

func (f *fakeState) StopRequested(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stop, nil
}

func (f *fakeState) ActiveWaves(_ context.Context, _ string, now time.Time) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return models.ActiveWaves(f.intervals, now), nil
}

func (f *fakeState) Queue(context.Context, string) ([]QueuedTool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]QueuedTool(nil), f.queue...), nil
}

func (f *fakeState) setStop(v bool) {
	f.mu.Lock()
	f.stop = v
	f.mu.Unlock()
}

// fakeDispatcher removes dispatched tools from the queue like the real one
type fakeDispatcher struct {
	mu         sync.Mutex
	state      *fakeState
	dispatched []string
	times      []time.Time
	fail       map[string]bool
	keepQueue  bool
	afterEach  func()
}

func (d *fakeDispatcher) Dispatch(_ context.Context, _ string, toolID string) (string, error) {
	d.mu.Lock()
	defer func() {
		d.mu.Unlock()
		if d.afterEach != nil {
			d.afterEach()
		}
	}()
	if d.fail[toolID] {
		return "", apperrors.ErrWorkerUnavailable
	}
	d.dispatched = append(d.dispatched, toolID)
	d.times = append(d.times, time.Now())
	if d.keepQueue {
		return "worker-1", nil
	}

	d.state.mu.Lock()
	for i, q := range d.state.queue {
		if q.ID == toolID {
			d.state.queue = append(d.state.queue[:i], d.state.queue[i+1:]...)
			break
		}
	}
	d.state.mu.Unlock()
	return "worker-1", nil
}

func (d *fakeDispatcher) got() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dispatched...)
}

func TestSelectCandidates(t *testing.T) {
	active := map[string]bool{"W1": true}

	tests := []struct {
		name  string
		queue []QueuedTool
		want  []string
	}{
		{
			name: "window of one priority step",
			queue: []QueuedTool{
				{ID: "a", Wave: "W1", Priority: 3, Eligible: true},
				{ID: "b", Wave: "W1", Priority: 1, Eligible: true},
				{ID: "c", Wave: "W1", Priority: 2, Eligible: true},
				{ID: "d", Wave: "W1", Priority: 5, Eligible: true},
			},
			want: []string{"b", "c"},
		},
		{
			name: "ineligible and inactive tools do not set the minimum",
			queue: []QueuedTool{
				{ID: "oos", Wave: "W1", Priority: 0, Eligible: false},
				{ID: "oot", Wave: "W2", Priority: 0, Eligible: true},
				{ID: "a", Wave: "W1", Priority: 4, Eligible: true},
				{ID: "b", Wave: "W1", Priority: 6, Eligible: true},
			},
			want: []string{"a"},
		},
		{
			name:  "empty queue",
			queue: nil,
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ids []string
			for _, c := range SelectCandidates(tt.queue, active) {
				ids = append(ids, c.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestRunOnceSkipsOutOfTimeWave(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	state := &fakeState{
		intervals: []models.Interval{{Wave: "W1", Dated: now.Add(-time.Hour), Datef: now.Add(-time.Minute)}},
		queue:     []QueuedTool{{ID: "t1", Wave: "W1", Eligible: true}},
	}
	disp := &fakeDispatcher{state: state}
	a := NewAutoscan("eng1", state, disp, WithClock(func() time.Time { return now }))

	res, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Dispatched)

	state.mu.Lock()
	state.intervals = append(state.intervals, models.Interval{Wave: "W1", Dated: now.Add(-time.Minute), Datef: now.Add(time.Hour)})
	state.mu.Unlock()

	res, err = a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, res.Dispatched)
}

func TestRunOnceStopsBetweenDispatches(t *testing.T) {
	now := time.Now()
	state := &fakeState{
		intervals: []models.Interval{{Wave: "W1", Dated: now.Add(-time.Hour), Datef: now.Add(time.Hour)}},
		queue: []QueuedTool{
			{ID: "t1", Wave: "W1", Eligible: true},
			{ID: "t2", Wave: "W1", Eligible: true},
			{ID: "t3", Wave: "W1", Eligible: true},
		},
	}
	disp := &fakeDispatcher{state: state}
	disp.afterEach = func() { state.setStop(true) }
	a := NewAutoscan("eng1", state, disp)

	res, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Equal(t, []string{"t1"}, disp.got())
}

func TestRunOnceContinuesAfterFailure(t *testing.T) {
	now := time.Now()
	state := &fakeState{
		intervals: []models.Interval{{Wave: "W1", Dated: now.Add(-time.Hour), Datef: now.Add(time.Hour)}},
		queue: []QueuedTool{
			{ID: "bad", Wave: "W1", Eligible: true},
			{ID: "good", Wave: "W1", Eligible: true},
		},
	}
	disp := &fakeDispatcher{state: state, fail: map[string]bool{"bad": true}}
	a := NewAutoscan("eng1", state, disp)

	res, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{"good"}, res.Dispatched)
}

func TestRunHonoursStopWithinOneTick(t *testing.T) {
	const tick = 20 * time.Millisecond
	now := time.Now()
	state := &fakeState{
		intervals: []models.Interval{{Wave: "W1", Dated: now.Add(-time.Hour), Datef: now.Add(time.Hour)}},
		queue:     []QueuedTool{{ID: "t1", Wave: "W1", Eligible: true}},
	}
	disp := &fakeDispatcher{state: state, keepQueue: true}
	a := NewAutoscan("eng1", state, disp, WithTick(tick))

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	require.Eventually(t, func() bool { return len(disp.got()) >= 2 }, time.Second, 5*time.Millisecond)
	stoppedAt := time.Now()
	state.setStop(true)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("autoscan did not stop")
	}

	disp.mu.Lock()
	defer disp.mu.Unlock()
	for _, at := range disp.times {
		assert.False(t, at.After(stoppedAt.Add(tick)), "dispatch %s after stop", at.Sub(stoppedAt))
	}
}

func TestRunEndsWithContext(t *testing.T) {
	state := &fakeState{}
	a := NewAutoscan("eng1", state, &fakeDispatcher{state: state}, WithTick(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("autoscan ignored cancellation")
	}
}

func TestSupervisor(t *testing.T) {
	s := NewSupervisor(0, nil)

	started := make(chan string, 2)
	loop := func(name string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			started <- name
			<-ctx.Done()
			return nil
		}
	}

	exited := make(chan struct{}, 2)
	require.NoError(t, s.Start(context.Background(), "eng1", loop("eng1"), func() { exited <- struct{}{} }))
	assert.Equal(t, "eng1", <-started)
	err := s.Start(context.Background(), "eng1", loop("eng1"), nil)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))

	// a second engagement runs alongside the first
	require.NoError(t, s.Start(context.Background(), "eng2", loop("eng2"), nil))
	select {
	case name := <-started:
		assert.Equal(t, "eng2", name)
	case <-time.After(time.Second):
		t.Fatal("second autoscan loop never started")
	}
	running, max := s.GetStatus()
	assert.Equal(t, 2, running)
	assert.Equal(t, 0, max)

	assert.True(t, s.Stop("eng1"))
	<-exited
	assert.False(t, s.Running("eng1"))
	assert.ElementsMatch(t, []string{"eng2"}, s.Engagements())

	s.Shutdown()
	assert.False(t, s.Stop("eng2"))
}

func TestSupervisorLimit(t *testing.T) {
	s := NewSupervisor(1, nil)
	defer s.Shutdown()

	idle := func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}
	exited := make(chan struct{}, 1)
	require.NoError(t, s.Start(context.Background(), "eng1", idle, func() { exited <- struct{}{} }))

	err := s.Start(context.Background(), "eng2", idle, nil)
	assert.ErrorIs(t, err, apperrors.ErrAutoscanLimit)
	assert.False(t, s.Running("eng2"))

	s.Stop("eng1")
	<-exited
	require.NoError(t, s.Start(context.Background(), "eng2", idle, nil))
	assert.True(t, s.Running("eng2"))
}
