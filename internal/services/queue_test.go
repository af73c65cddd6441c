package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollenisator/internal/models"
)

func priorities(q []QueueEntry) []int {
	out := make([]int, len(q))
	for i, e := range q {
		out[i] = e.Priority
	}
	return out
}

func TestInsertByPriority(t *testing.T) {
	tests := []struct {
		name  string
		queue []int
		add   int
		want  []int
	}{
		{name: "empty", queue: nil, add: 3, want: []int{3}},
		{name: "middle", queue: []int{0, 3, 5}, add: 4, want: []int{0, 3, 4, 5}},
		{name: "after equals", queue: []int{1, 2, 2, 3}, add: 2, want: []int{1, 2, 2, 2, 3}},
		{name: "front", queue: []int{1, 2}, add: 0, want: []int{0, 1, 2}},
		{name: "back", queue: []int{1, 2}, add: 9, want: []int{1, 2, 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var q []QueueEntry
			for _, p := range tt.queue {
				q = append(q, QueueEntry{IID: "x", Priority: p})
			}
			got := InsertByPriority(q, QueueEntry{IID: "new", Priority: tt.add})
			assert.Equal(t, tt.want, priorities(got))
		})
	}
}

func TestQueueAddOrdersByPriority(t *testing.T) {
	f := newFixture(t)
	f.createEngagement("acme", false)

	var ids []string
	for _, p := range []int{0, 5, 3} {
		ids = append(ids, f.insertTool(models.Tool{Name: "t", Lvl: "ip:onAdd", Priority: p}))
	}
	added, err := f.svc.Queue.Add(f.ctx, f.eng, ids)
	require.NoError(t, err)
	assert.Equal(t, ids, added)

	p4 := f.insertTool(models.Tool{Name: "t4", Lvl: "ip:onAdd", Priority: 4})
	_, err = f.svc.Queue.Add(f.ctx, f.eng, []string{p4})
	require.NoError(t, err)

	queue, err := f.svc.Queue.Get(f.ctx, f.eng)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 4, 5}, priorities(queue))
	assert.Equal(t, p4, queue[2].IID)
}

func TestQueueAddSkipsQueuedAndFinishedTools(t *testing.T) {
	f := newFixture(t)
	f.createEngagement("acme", false)

	ready := f.insertTool(models.Tool{Name: "ready", Lvl: "ip:onAdd"})
	done := f.insertTool(models.Tool{Name: "done", Lvl: "ip:onAdd", Status: []string{models.StatusDone}})

	added, err := f.svc.Queue.Add(f.ctx, f.eng, []string{ready, done, "missing"})
	require.NoError(t, err)
	assert.Equal(t, []string{ready}, added)

	added, err = f.svc.Queue.Add(f.ctx, f.eng, []string{ready})
	require.NoError(t, err)
	assert.Empty(t, added)
}

func TestQueueRemoveAndClear(t *testing.T) {
	f := newFixture(t)
	f.createEngagement("acme", false)

	a := f.insertTool(models.Tool{Name: "a", Lvl: "ip:onAdd"})
	b := f.insertTool(models.Tool{Name: "b", Lvl: "ip:onAdd"})
	_, err := f.svc.Queue.Add(f.ctx, f.eng, []string{a, b})
	require.NoError(t, err)

	n, err := f.svc.Queue.Remove(f.ctx, f.eng, []string{a, "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	queue, err := f.svc.Queue.Get(f.ctx, f.eng)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, b, queue[0].IID)

	require.NoError(t, f.svc.Queue.Clear(f.ctx, f.eng))
	queue, err = f.svc.Queue.Get(f.ctx, f.eng)
	require.NoError(t, err)
	assert.Empty(t, queue)
}
