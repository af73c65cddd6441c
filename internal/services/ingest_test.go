package services

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollenisator/internal/models"
	"pollenisator/internal/store"
	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/plugins"
)

const eternalBlueOutput = `Starting Nmap 7.94 ( https://nmap.org )
Nmap scan report for 10.0.0.5
Host is up (0.00040s latency).

PORT    STATE SERVICE
445/tcp open  microsoft-ds

Host script results:
| smb-vuln-ms17-010:
|   VULNERABLE:
|   Remote Code Execution vulnerability in Microsoft SMBv1 servers (ms17-010)
|     State: VULNERABLE
|_    Risk factor: HIGH

Nmap done: 1 IP address (1 host up) scanned in 1.52 seconds
`

func TestIngestEternalBlue(t *testing.T) {
	f := newFixture(t)
	cmdID := f.seedCommand("eternalblue", "eternalblue", "nmap -p445 --script smb-vuln-ms17-010 |ip|", 0)
	f.seedCheck(models.CheckItem{Title: "ms17-010", Lvl: models.TriggerHostAdd, Commands: []string{cmdID}})
	f.createEngagement("acme", false)
	f.addWorker("w1", "eternalblue")

	_, err := f.svc.Targets.AddScope(f.ctx, f.eng, &models.Scope{Scope: "10.0.0.0/24"})
	require.NoError(t, err)
	_, err = f.svc.Targets.AddHost(f.ctx, f.eng, &models.Host{IP: "10.0.0.5"})
	require.NoError(t, err)
	tools := f.tools(store.Filter{"ip": "10.0.0.5"})
	require.Len(t, tools, 1)
	_, err = f.svc.Tools.Dispatch(f.ctx, f.eng, tools[0].ID)
	require.NoError(t, err)

	res, err := f.svc.Ingest.Ingest(f.ctx, Upload{
		Engagement: f.eng,
		ToolID:     tools[0].ID,
		Filename:   "eternalblue.txt",
		Content:    strings.NewReader(eternalBlueOutput),
		Worker:     "w1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, res.Status)
	assert.Equal(t, "eternalblue", res.Plugin)
	assert.Contains(t, res.Tags, plugins.TagPwnedEternalBlue)
	assert.Equal(t, 1, res.Targets)

	host, err := store.Get[models.Host](f.ctx, f.store, f.eng, models.CollHosts, store.Filter{"ip": "10.0.0.5"})
	require.NoError(t, err)
	assert.NotEmpty(t, host.InScopes)

	port, err := store.Get[models.Port](f.ctx, f.store, f.eng, models.CollPorts, store.Filter{"ip": "10.0.0.5", "port": "445", "proto": "tcp"})
	require.NoError(t, err)
	assert.Equal(t, "microsoft-ds", port.Service)
	assert.True(t, port.HasTag(plugins.TagEternalBlue))

	tool := f.tool(tools[0].ID)
	assert.Equal(t, models.StatusDone, tool.Lifecycle())
	assert.True(t, tool.HasTag(plugins.TagPwnedEternalBlue))
	assert.Equal(t, "eternalblue", tool.PluginUsed)
	assert.NotNil(t, tool.Datef)
	assert.Empty(t, f.worker("w1").RunningTools)

	tags, err := f.svc.Tags.List(f.ctx, f.eng)
	require.NoError(t, err)
	var names []string
	for _, tag := range tags {
		names = append(names, tag.Name)
	}
	assert.Contains(t, names, plugins.TagPwnedEternalBlue)
}

func TestIngestStrayResult(t *testing.T) {
	f := newFixture(t)
	f.createEngagement("acme", false)
	ready := f.insertTool(models.Tool{Name: "ready", Lvl: "ip:onAdd"})
	done := f.insertTool(models.Tool{Name: "done", Lvl: "ip:onAdd", Status: []string{models.StatusDone}})
	running := f.insertTool(models.Tool{Name: "running", Lvl: "ip:onAdd", Status: []string{models.StatusRunning}, Scanner: "w2"})

	tests := []struct {
		name   string
		toolID string
		worker string
	}{
		{name: "worker on ready tool", toolID: ready, worker: "w1"},
		{name: "worker on tool of another worker", toolID: running, worker: "w1"},
		{name: "operator on done tool", toolID: done},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Ingest.Ingest(f.ctx, Upload{
				Engagement: f.eng,
				ToolID:     tt.toolID,
				Filename:   "out.txt",
				Content:    strings.NewReader("late"),
				Worker:     tt.worker,
			})
			assert.ErrorIs(t, err, apperrors.ErrStrayResult)
		})
	}
	assert.Equal(t, models.StatusDone, f.tool(done).Lifecycle())
	assert.Equal(t, models.StatusReady, f.tool(ready).Lifecycle())
}

func TestIngestImportWithoutTool(t *testing.T) {
	f := newFixture(t)
	f.createEngagement("acme", false)

	res, err := f.svc.Ingest.Ingest(f.ctx, Upload{
		Engagement: f.eng,
		Filename:   "smb-sweep.txt",
		Content:    strings.NewReader(eternalBlueOutput),
		Plugin:     "eternalblue",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, res.Status)

	tool := f.tool(res.ToolID)
	assert.Equal(t, ImportWave, tool.Wave)
	assert.Equal(t, "smb-sweep", tool.Name)
	assert.Equal(t, models.StatusDone, tool.Lifecycle())

	n, err := f.store.Count(f.ctx, f.eng, models.CollWaves, store.Filter{"wave": ImportWave})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = f.store.Count(f.ctx, f.eng, models.CollPorts, store.Filter{"port": "445"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIngestReimportReusesTool(t *testing.T) {
	f := newFixture(t)
	f.createEngagement("acme", false)

	upload := func() *IngestResult {
		res, err := f.svc.Ingest.Ingest(f.ctx, Upload{
			Engagement: f.eng,
			Filename:   "smb-sweep.txt",
			Content:    strings.NewReader(eternalBlueOutput),
			Plugin:     "eternalblue",
		})
		require.NoError(t, err)
		return res
	}
	first := upload()
	second := upload()

	assert.Equal(t, first.ToolID, second.ToolID)
	assert.Equal(t, models.StatusDone, second.Status)
	assert.Len(t, f.tools(store.Filter{"wave": ImportWave}), 1)
}

func TestTruncateKeepsRunes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "abc", 10, "abc"},
		{"ascii", "abcdefghij", 8, "abcde..."},
		{"multibyte boundary", "ééééé", 8, "éé..."},
		{"inside rune", "aéééé", 8, "aéé..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), tt.n)
		})
	}
}

func TestIngestFallsBackToDefaultPlugin(t *testing.T) {
	f := newFixture(t)
	f.createEngagement("acme", false)
	id := f.insertTool(models.Tool{Name: "whois", Lvl: "ip:onAdd", Text: "whois |ip|"})

	res, err := f.svc.Ingest.Ingest(f.ctx, Upload{
		Engagement: f.eng,
		ToolID:     id,
		Filename:   "whois.txt",
		Content:    strings.NewReader("Registrar: Example"),
	})
	require.NoError(t, err)
	assert.Equal(t, plugins.DefaultName, res.Plugin)
	assert.Equal(t, models.StatusDone, res.Status)
	assert.Contains(t, f.tool(id).Notes, "Registrar: Example")
}
