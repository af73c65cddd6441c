package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollenisator/internal/models"
	"pollenisator/internal/store"
)

func TestPortFilterRejectsInstance(t *testing.T) {
	f := newFixture(t)
	cmdID := f.seedCommand("sslscan", "Default", "sslscan |ip|:|port|", 0)
	tlsID := f.seedCheck(models.CheckItem{Title: "tls", Lvl: models.TriggerPortAdd, Ports: "tcp/443,tcp/https", Commands: []string{cmdID}})
	anyID := f.seedCheck(models.CheckItem{Title: "banner", Lvl: models.TriggerPortAdd, Commands: []string{cmdID}})
	f.createEngagement("acme", false)

	res, err := f.svc.Targets.AddPort(f.ctx, f.eng, &models.Port{IP: "10.0.0.5", Port: "80", Proto: "tcp", Service: "http"})
	require.NoError(t, err)

	count := func(checkID string) int64 {
		n, err := f.store.Count(f.ctx, f.eng, models.CollCheckInstances, store.Filter{"check_iid": checkID, "target_iid": res.IID})
		require.NoError(t, err)
		return n
	}
	assert.Zero(t, count(tlsID))
	assert.Equal(t, int64(1), count(anyID))
}

func TestFireSkipsExistingPairs(t *testing.T) {
	f := newFixture(t)
	cmdID := f.seedCommand("nmap", "nmap", "nmap |ip|", 0)
	f.seedCheck(models.CheckItem{Title: "ports", Lvl: models.TriggerHostAdd, Commands: []string{cmdID}})
	f.createEngagement("acme", false)

	_, err := f.svc.Targets.AddHost(f.ctx, f.eng, &models.Host{IP: "10.0.0.5"})
	require.NoError(t, err)
	host, err := store.Get[models.Host](f.ctx, f.store, f.eng, models.CollHosts, store.Filter{"ip": "10.0.0.5"})
	require.NoError(t, err)

	res, err := f.svc.Checks.Fire(f.ctx, f.eng, models.TriggerHostAdd, []models.Entity{host})
	require.NoError(t, err)
	assert.Empty(t, res.Instances)
	assert.Empty(t, res.Tools)
	assert.Len(t, f.tools(store.Filter{"ip": "10.0.0.5"}), 1)
}

func TestFireBindsToolsToTarget(t *testing.T) {
	f := newFixture(t)
	nmapID := f.seedCommand("nmap", "nmap", "nmap |ip|", 0)
	niktoID := f.seedCommand("nikto", "Default", "nikto -h |ip|", 0)
	f.seedCheck(models.CheckItem{Title: "recon", Lvl: models.TriggerPortAdd, Priority: 2, Commands: []string{nmapID, niktoID}})
	f.createEngagement("acme", false)

	_, err := f.svc.Targets.AddScope(f.ctx, f.eng, &models.Scope{Wave: "Internal", Scope: "10.0.0.0/24"})
	require.NoError(t, err)
	_, err = f.svc.Targets.AddPort(f.ctx, f.eng, &models.Port{IP: "10.0.0.5", Port: "22"})
	require.NoError(t, err)

	tools := f.tools(store.Filter{"port": "22"})
	require.Len(t, tools, 2)
	for _, tool := range tools {
		assert.Equal(t, "Internal", tool.Wave)
		assert.Equal(t, "10.0.0.5", tool.IP)
		assert.Equal(t, "tcp", tool.Proto)
		assert.Equal(t, 2, tool.Priority)
		assert.Equal(t, []string{models.StatusReady}, tool.Status)
		assert.NotEmpty(t, tool.CheckIID)
	}
	assert.ElementsMatch(t, []string{"nmap", "nikto"}, []string{tools[0].Name, tools[1].Name})
}

func TestCheckStatusRollUp(t *testing.T) {
	f := newFixture(t)
	nmapID := f.seedCommand("nmap", "nmap", "nmap |ip|", 0)
	niktoID := f.seedCommand("nikto", "Default", "nikto -h |ip|", 0)
	f.seedCheck(models.CheckItem{Title: "recon", Lvl: models.TriggerPortAdd, Commands: []string{nmapID, niktoID}})
	f.createEngagement("acme", false)
	f.addWorker("w1", "nmap", "Default")

	_, err := f.svc.Targets.AddScope(f.ctx, f.eng, &models.Scope{Scope: "10.0.0.0/24"})
	require.NoError(t, err)
	_, err = f.svc.Targets.AddPort(f.ctx, f.eng, &models.Port{IP: "10.0.0.5", Port: "80"})
	require.NoError(t, err)
	tools := f.tools(store.Filter{"port": "80"})
	require.Len(t, tools, 2)
	instanceID := tools[0].CheckIID

	status := func() string {
		inst, err := store.Get[models.CheckInstance](f.ctx, f.store, f.eng, models.CollCheckInstances, store.ByID(instanceID))
		require.NoError(t, err)
		return inst.Status
	}
	assert.Equal(t, models.CheckStatusTodo, status())

	_, err = f.svc.Tools.Dispatch(f.ctx, f.eng, tools[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckStatusRunning, status())

	require.NoError(t, f.svc.Tools.MarkDone(f.ctx, f.eng, tools[0].ID, "out.xml"))
	assert.Equal(t, models.CheckStatusTodo, status())

	require.NoError(t, f.svc.Tools.MarkDone(f.ctx, f.eng, tools[1].ID, "out.txt"))
	assert.Equal(t, models.CheckStatusDone, status())
}

func TestCheckWithoutCommandsHasNoStatus(t *testing.T) {
	f := newFixture(t)
	f.seedCheck(models.CheckItem{Title: "manual review", Lvl: models.TriggerScopeAdd})
	f.createEngagement("acme", false)

	res, err := f.svc.Targets.AddScope(f.ctx, f.eng, &models.Scope{Scope: "example.com"})
	require.NoError(t, err)

	inst, err := store.Get[models.CheckInstance](f.ctx, f.store, f.eng, models.CollCheckInstances, store.Filter{"target_iid": res.IID})
	require.NoError(t, err)
	assert.Equal(t, models.CheckStatusNone, inst.Status)
	assert.Equal(t, models.EntityScope, inst.TargetType)
}

func TestAutoQueueQueuesNewTools(t *testing.T) {
	f := newFixture(t)
	cmdID := f.seedCommand("nmap", "nmap", "nmap |ip|", 0)
	f.seedCheck(models.CheckItem{Title: "ports", Lvl: models.TriggerHostAdd, Priority: 1, Commands: []string{cmdID}})
	f.createEngagement("acme", true)

	_, err := f.svc.Targets.AddScope(f.ctx, f.eng, &models.Scope{Scope: "10.0.0.0/24"})
	require.NoError(t, err)
	_, err = f.svc.Targets.AddHost(f.ctx, f.eng, &models.Host{IP: "10.0.0.5"})
	require.NoError(t, err)
	// out of scope tools stay out of the queue
	_, err = f.svc.Targets.AddHost(f.ctx, f.eng, &models.Host{IP: "192.168.1.1"})
	require.NoError(t, err)

	queue, err := f.svc.Queue.Get(f.ctx, f.eng)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, f.tools(store.Filter{"ip": "10.0.0.5"})[0].ID, queue[0].IID)
	assert.Equal(t, 1, queue[0].Priority)
}

func TestCheckItemPentestTypeFilter(t *testing.T) {
	f := newFixture(t)
	f.seedCheck(models.CheckItem{Title: "ad only", Lvl: models.TriggerScopeAdd, PentestTypes: []string{"Active Directory"}})
	eng, err := f.svc.Engagements.Create(f.ctx, CreateEngagement{Name: "web", PentestType: "Web"})
	require.NoError(t, err)
	f.eng = eng.UUID

	_, err = f.svc.Targets.AddScope(f.ctx, f.eng, &models.Scope{Scope: "example.com"})
	require.NoError(t, err)
	n, err := f.store.Count(f.ctx, f.eng, models.CollCheckInstances, store.Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}
