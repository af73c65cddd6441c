package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"pollenisator/internal/bus"
	"pollenisator/internal/models"
	"pollenisator/internal/store"
	"pollenisator/pkg/logger"
	"pollenisator/pkg/testutil"
)

// testClock is a settable clock shared by the services under test
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *store.Store
	hub   *bus.Hub
	svc   *Services
	clock *testClock
	eng   string
}

// failingBackend fails the updates of the collections set with failUpdates.
type failingBackend struct {
	store.Backend
	mu   sync.Mutex
	fail map[string]error
}

func (b *failingBackend) failUpdates(coll string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.fail, coll)
		return
	}
	b.fail[coll] = err
}

func (b *failingBackend) Update(ctx context.Context, db, coll string, filter store.Filter, upd store.Update, many bool) ([]string, error) {
	b.mu.Lock()
	err := b.fail[coll]
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.Backend.Update(ctx, db, coll, filter, upd, many)
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithBackend(t, store.NewMemoryBackend())
}

func newFixtureWithBackend(t *testing.T, backend store.Backend) *fixture {
	t.Helper()
	hub := bus.NewHub(bus.WithLogger(logger.NewLogger(logrus.ErrorLevel)))
	st := store.New(backend, store.WithCache(256, 10*time.Second), store.WithNotifier(hub))
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)}
	svc := New(Options{
		Store:        st,
		Hub:          hub,
		Logger:       logger.NewLogger(logrus.ErrorLevel),
		Now:          clock.Now,
		AutoscanTick: 20 * time.Millisecond,
	})
	svc.Workers.RegisterHandlers(hub)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})
	return &fixture{t: t, ctx: context.Background(), store: st, hub: hub, svc: svc, clock: clock}
}

// seedCommand stores a global command. It has to run before the engagement
// is created to be copied into it.
func (f *fixture) seedCommand(name, plugin, text string, timeout int) string {
	f.t.Helper()
	id, err := f.store.Insert(f.ctx, models.GlobalNamespace, models.CollCommands, &models.Command{
		Name:    name,
		Plugin:  plugin,
		Text:    text,
		Timeout: timeout,
	})
	require.NoError(f.t, err)
	return id
}

func (f *fixture) seedCheck(item models.CheckItem) string {
	f.t.Helper()
	id, err := f.store.Insert(f.ctx, models.GlobalNamespace, models.CollCheckItems, &item)
	require.NoError(f.t, err)
	return id
}

func (f *fixture) createEngagement(name string, autoQueue bool) string {
	f.t.Helper()
	eng, err := f.svc.Engagements.Create(f.ctx, CreateEngagement{Name: name, AutoQueue: autoQueue})
	require.NoError(f.t, err)
	f.eng = eng.UUID
	return eng.UUID
}

// addWorker registers a worker on a recording session bound to the
// fixture engagement.
func (f *fixture) addWorker(name string, supported ...string) *testutil.RecordingSession {
	f.t.Helper()
	sess := testutil.NewRecordingSession("sid-" + name)
	f.hub.Attach(sess)
	_, err := f.svc.Workers.Register(f.ctx, name, supported, sess.ID())
	require.NoError(f.t, err)
	require.NoError(f.t, f.svc.Workers.Bind(f.ctx, name, f.eng))
	return sess
}

// watchEngagement joins a client session to the engagement room.
func (f *fixture) watchEngagement() *testutil.RecordingSession {
	sess := testutil.NewRecordingSession("client")
	f.hub.Attach(sess)
	f.hub.Join(sess.ID(), f.eng)
	return sess
}

func (f *fixture) tools(filter store.Filter) []models.Tool {
	f.t.Helper()
	tools, err := store.FindAll[models.Tool](f.ctx, f.store, f.eng, models.CollTools, filter)
	require.NoError(f.t, err)
	return tools
}

func (f *fixture) tool(id string) *models.Tool {
	f.t.Helper()
	tool, err := f.svc.Tools.Get(f.ctx, f.eng, id)
	require.NoError(f.t, err)
	return tool
}

func (f *fixture) worker(name string) *models.Worker {
	f.t.Helper()
	w, err := store.Get[models.Worker](f.ctx, f.store, models.GlobalNamespace, models.CollWorkers, store.Filter{"name": name})
	require.NoError(f.t, err)
	return w
}

func (f *fixture) insertTool(tool models.Tool) string {
	f.t.Helper()
	if tool.Wave == "" {
		tool.Wave = models.DefaultWave
	}
	if tool.Status == nil {
		tool.Status = []string{models.StatusReady}
	}
	id, err := f.store.Insert(f.ctx, f.eng, models.CollTools, &tool)
	require.NoError(f.t, err)
	return id
}

// portTool seeds a port:onAdd check with one command, adds the port and
// returns the tool created for it.
func (f *fixture) portTool(plugin, text string) *models.Tool {
	f.t.Helper()
	cmdID := f.seedCommand("scan-"+plugin, plugin, text, 0)
	f.seedCheck(models.CheckItem{Title: "scan " + plugin, Lvl: models.TriggerPortAdd, Commands: []string{cmdID}})
	f.createEngagement("acme", false)

	_, err := f.svc.Targets.AddScope(f.ctx, f.eng, &models.Scope{Scope: "10.0.0.0/24"})
	require.NoError(f.t, err)
	_, err = f.svc.Targets.AddPort(f.ctx, f.eng, &models.Port{IP: "10.0.0.5", Port: "80", Proto: "tcp", Service: "http"})
	require.NoError(f.t, err)
	tools := f.tools(store.Filter{"port": "80"})
	require.Len(f.t, tools, 1)
	return &tools[0]
}
