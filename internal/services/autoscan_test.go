package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollenisator/internal/models"
	"pollenisator/internal/store"
	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/testutil"
)

func TestAutoscanStartStop(t *testing.T) {
	f := newFixture(t)
	f.createEngagement("acme", false)

	err := f.svc.Autoscan.Stop(f.ctx, f.eng)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, f.svc.Autoscan.Start(f.ctx, f.eng))
	err = f.svc.Autoscan.Start(f.ctx, f.eng)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	status, err := f.svc.Autoscan.Status(f.ctx, f.eng)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Contains(t, f.svc.Autoscan.Running(), f.eng)

	require.NoError(t, f.svc.Autoscan.Stop(f.ctx, f.eng))
	assert.True(t, testutil.Eventually(t, time.Second, func() bool {
		return !f.svc.Autoscan.supervisor.Running(f.eng)
	}))
	n, err := f.store.Count(f.ctx, f.eng, models.CollAutoscan, livenessFilter)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, f.svc.Autoscan.Start(f.ctx, f.eng))
}

func TestAutoscanDispatchesOnlyActiveWaves(t *testing.T) {
	f := newFixture(t)
	cmdID := f.seedCommand("nmap", "nmap", "nmap |ip|", 0)
	f.seedCheck(models.CheckItem{Title: "ports", Lvl: models.TriggerHostAdd, Commands: []string{cmdID}})
	f.createEngagement("acme", true)
	f.addWorker("w1", "nmap")

	now := f.clock.Now()
	_, err := f.svc.Targets.AddInterval(f.ctx, f.eng, models.DefaultWave,
		now.Add(-2*time.Hour).Format(models.IntervalDateFormat),
		now.Add(-time.Minute).Format(models.IntervalDateFormat))
	require.NoError(t, err)
	_, err = f.svc.Targets.AddScope(f.ctx, f.eng, &models.Scope{Scope: "10.0.0.0/24"})
	require.NoError(t, err)
	_, err = f.svc.Targets.AddHost(f.ctx, f.eng, &models.Host{IP: "10.0.0.5"})
	require.NoError(t, err)
	tools := f.tools(store.Filter{"ip": "10.0.0.5"})
	require.Len(t, tools, 1)
	id := tools[0].ID

	require.NoError(t, f.svc.Autoscan.Start(f.ctx, f.eng))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, models.StatusReady, f.tool(id).Lifecycle())

	_, err = f.svc.Targets.AddInterval(f.ctx, f.eng, models.DefaultWave,
		now.Add(-time.Minute).Format(models.IntervalDateFormat),
		now.Add(time.Hour).Format(models.IntervalDateFormat))
	require.NoError(t, err)

	assert.True(t, testutil.Eventually(t, 2*time.Second, func() bool {
		return f.tool(id).Lifecycle() == models.StatusRunning
	}))
	assert.Equal(t, "w1", f.tool(id).Scanner)

	status, err := f.svc.Autoscan.Status(f.ctx, f.eng)
	require.NoError(t, err)
	assert.Zero(t, status.Queued)
}

func TestAutoscanQueueView(t *testing.T) {
	f := newFixture(t)
	f.createEngagement("acme", false)
	ready := f.insertTool(models.Tool{Name: "a", Lvl: "ip:onAdd", Priority: 1})
	oos := f.insertTool(models.Tool{Name: "b", Lvl: "ip:onAdd", Status: []string{models.StatusReady, models.StatusOOS}})
	_, err := f.svc.Queue.Add(f.ctx, f.eng, []string{ready, oos})
	require.NoError(t, err)

	queue, err := f.svc.Autoscan.Queue(f.ctx, f.eng)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	byID := map[string]bool{}
	for _, q := range queue {
		byID[q.ID] = q.Eligible
	}
	assert.True(t, byID[ready])
	assert.False(t, byID[oos])
}

func TestAutoscanRunsEngagementsConcurrently(t *testing.T) {
	f := newFixture(t)
	cmdID := f.seedCommand("nmap", "nmap", "nmap |ip|", 0)
	f.seedCheck(models.CheckItem{Title: "ports", Lvl: models.TriggerHostAdd, Commands: []string{cmdID}})

	now := f.clock.Now()
	toolOf := map[string]string{}
	for _, name := range []string{"acme", "globex"} {
		eng := f.createEngagement(name, true)
		f.addWorker("w-"+name, "nmap")
		_, err := f.svc.Targets.AddInterval(f.ctx, eng, models.DefaultWave,
			now.Add(-time.Hour).Format(models.IntervalDateFormat),
			now.Add(time.Hour).Format(models.IntervalDateFormat))
		require.NoError(t, err)
		_, err = f.svc.Targets.AddScope(f.ctx, eng, &models.Scope{Scope: "10.0.0.0/24"})
		require.NoError(t, err)
		_, err = f.svc.Targets.AddHost(f.ctx, eng, &models.Host{IP: "10.0.0.5"})
		require.NoError(t, err)
		tools := f.tools(store.Filter{"ip": "10.0.0.5"})
		require.Len(t, tools, 1)
		toolOf[eng] = tools[0].ID
	}

	for eng := range toolOf {
		require.NoError(t, f.svc.Autoscan.Start(f.ctx, eng))
	}
	assert.ElementsMatch(t, keys(toolOf), f.svc.Autoscan.Running())

	for eng, id := range toolOf {
		assert.True(t, testutil.Eventually(t, 2*time.Second, func() bool {
			tool, err := f.svc.Tools.Get(f.ctx, eng, id)
			return err == nil && tool.Lifecycle() == models.StatusRunning
		}), "autoscan of %s never dispatched", eng)
	}
}

func TestAutoscanRestartAfterStop(t *testing.T) {
	f := newFixture(t)
	f.createEngagement("acme", false)

	require.NoError(t, f.svc.Autoscan.Start(f.ctx, f.eng))
	require.NoError(t, f.svc.Autoscan.Stop(f.ctx, f.eng))
	assert.True(t, testutil.Eventually(t, time.Second, func() bool {
		return f.svc.Autoscan.Start(f.ctx, f.eng) == nil
	}))

	// the exit of the stopped loop must leave the new run alone
	time.Sleep(100 * time.Millisecond)
	n, err := f.store.Count(f.ctx, f.eng, models.CollAutoscan, livenessFilter)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	stopped, err := f.svc.Autoscan.StopRequested(f.ctx, f.eng)
	require.NoError(t, err)
	assert.False(t, stopped)
	status, err := f.svc.Autoscan.Status(f.ctx, f.eng)
	require.NoError(t, err)
	assert.True(t, status.Running)
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
