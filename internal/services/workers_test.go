package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollenisator/internal/bus"
	"pollenisator/internal/models"
	"pollenisator/internal/store"
	"pollenisator/pkg/testutil"
)

func keepalive(t *testing.T, f *fixture, sess *testutil.RecordingSession, payload string) {
	t.Helper()
	f.hub.Dispatch(context.Background(), sess, bus.Message{Event: bus.EventKeepalive, Data: json.RawMessage(payload)})
}

func TestKeepaliveReconcilesRunningTasks(t *testing.T) {
	f := newFixture(t)
	first := f.seedCommand("first", "Default", "true", 0)
	second := f.seedCommand("second", "Default", "true", 0)
	f.seedCheck(models.CheckItem{Title: "pair", Lvl: models.TriggerHostAdd, Commands: []string{first, second}})
	f.createEngagement("acme", false)
	sess := f.addWorker("w1", "Default")

	_, err := f.svc.Targets.AddScope(f.ctx, f.eng, &models.Scope{Scope: "10.0.0.0/24"})
	require.NoError(t, err)
	_, err = f.svc.Targets.AddHost(f.ctx, f.eng, &models.Host{IP: "10.0.0.5"})
	require.NoError(t, err)
	ids := map[string]string{}
	for _, tool := range f.tools(store.Filter{"ip": "10.0.0.5"}) {
		_, err := f.svc.Tools.Dispatch(f.ctx, f.eng, tool.ID)
		require.NoError(t, err)
		ids[tool.Name] = tool.ID
	}
	require.Len(t, ids, 2)

	// freshly dispatched tools may not have reached the worker yet
	keepalive(t, f, sess, `{"name":"w1","running_tasks":[]}`)
	assert.Len(t, f.worker("w1").RunningTools, 2)

	f.clock.Advance(time.Minute)
	keepalive(t, f, sess, `{"name":"w1"}`)
	assert.Len(t, f.worker("w1").RunningTools, 2, "a keepalive without tasks only refreshes the heartbeat")

	keepalive(t, f, sess, `{"name":"w1","running_tasks":["`+ids["first"]+`","unknown"]}`)

	assert.Equal(t, models.StatusRunning, f.tool(ids["first"]).Lifecycle())
	lost := f.tool(ids["second"])
	assert.Equal(t, models.StatusError, lost.Lifecycle())
	assert.Contains(t, lost.Notes, "lost by worker w1")
	assert.Equal(t, []models.RunningTool{{Pentest: f.eng, ToolIID: ids["first"]}}, f.worker("w1").RunningTools)
	assert.True(t, f.worker("w1").LastHeartbeat.Equal(f.clock.Now().UTC()))
	assert.Empty(t, sess.Events(bus.EventError))
}

func TestReconcileReleasesFinishedTools(t *testing.T) {
	f := newFixture(t)
	tool := f.portTool("nmap", "nmap |ip|")
	f.addWorker("w1", "nmap")
	_, err := f.svc.Tools.Dispatch(f.ctx, f.eng, tool.ID)
	require.NoError(t, err)

	// the tool was reset behind the worker's back
	_, err = f.store.UpdateOne(f.ctx, f.eng, models.CollTools, store.ByID(tool.ID),
		store.SetFields(map[string]any{"status": []string{models.StatusReady}}))
	require.NoError(t, err)

	require.NoError(t, f.svc.Workers.Reconcile(f.ctx, "w1", []string{}))
	assert.Empty(t, f.worker("w1").RunningTools)
	assert.Equal(t, models.StatusReady, f.tool(tool.ID).Lifecycle())
}
