// Package services implements the engagement operations on top of the
// store: target creation, the check engine, the tool lifecycle, result
// ingestion and the autoscan.
package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"pollenisator/internal/auth"
	"pollenisator/internal/bus"
	"pollenisator/internal/files"
	"pollenisator/internal/metrics"
	"pollenisator/internal/models"
	"pollenisator/internal/store"
	"pollenisator/pkg/engine"
	"pollenisator/pkg/hooks"
	"pollenisator/pkg/logger"
	"pollenisator/pkg/plugins"
)

const (
	DefaultMaxRunning       = 5
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultWorkerOutputDir  = "/tmp/pollenisator"
)

// Alerter receives the tags and defects worth an out-of-band alert.
// *hooks.DiscordNotifier implements it.
type Alerter interface {
	NotifyTags(engagement, target string, tags []string) int
	NotifyDefect(engagement string, d *models.Defect) bool
}

// Options wires the shared components. Store and Hub are required.
type Options struct {
	Store            *store.Store
	Hub              *bus.Hub
	Plugins          *plugins.Registry
	Files            *files.Layout
	Tokens           *auth.Registry
	PortHooks        *hooks.PortHooks
	Alerts           Alerter
	Metrics          *metrics.Metrics
	Logger           *logger.Logger
	MaxRunning       int
	HeartbeatTimeout time.Duration
	WorkerOutputDir  string
	AutoscanTick     time.Duration
	MaxAutoscans     int
	Now              func() time.Time
}

// deps is shared by every service.
type deps struct {
	store   *store.Store
	hub     *bus.Hub
	metrics *metrics.Metrics
	logger  *logger.Logger
	now     func() time.Time
}

// Services groups the wired services.
type Services struct {
	Engagements *EngagementService
	Targets     *TargetService
	Checks      *CheckEngine
	Queue       *QueueService
	Tools       *ToolService
	Workers     *WorkerService
	Ingest      *IngestionService
	Defects     *DefectService
	Tags        *TagService
	Autoscan    *AutoscanService
	Archive     *ArchiveService
	Sweeper     *Sweeper
}

func New(opts Options) *Services {
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger(logrus.InfoLevel)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Plugins == nil {
		opts.Plugins = plugins.NewDefaultRegistry(opts.Logger)
	}
	if opts.Tokens == nil {
		opts.Tokens = auth.NewRegistry(0)
	}
	if opts.PortHooks == nil {
		opts.PortHooks = hooks.NewPortHooks()
	}
	if opts.MaxRunning <= 0 {
		opts.MaxRunning = DefaultMaxRunning
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.WorkerOutputDir == "" {
		opts.WorkerOutputDir = DefaultWorkerOutputDir
	}
	if opts.AutoscanTick <= 0 {
		opts.AutoscanTick = engine.DefaultTick
	}

	d := deps{
		store:   opts.Store,
		hub:     opts.Hub,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Now,
	}

	s := &Services{}
	s.Tags = &TagService{deps: d, alerts: opts.Alerts}
	s.Queue = &QueueService{deps: d}
	s.Checks = &CheckEngine{deps: d, queue: s.Queue}
	s.Targets = &TargetService{deps: d, checks: s.Checks, portHooks: opts.PortHooks}
	s.Checks.targets = s.Targets
	s.Tools = &ToolService{
		deps:       d,
		queue:      s.Queue,
		checks:     s.Checks,
		plugins:    opts.Plugins,
		tokens:     opts.Tokens,
		maxRunning: opts.MaxRunning,
		outputDir:  opts.WorkerOutputDir,
	}
	s.Defects = &DefectService{deps: d, alerts: opts.Alerts}
	s.Ingest = &IngestionService{
		deps:    d,
		plugins: opts.Plugins,
		files:   opts.Files,
		targets: s.Targets,
		tools:   s.Tools,
		tags:    s.Tags,
		defects: s.Defects,
	}
	s.Workers = &WorkerService{deps: d, tools: s.Tools, heartbeatTimeout: opts.HeartbeatTimeout}
	s.Autoscan = &AutoscanService{
		deps:       d,
		tools:      s.Tools,
		queue:      s.Queue,
		files:      opts.Files,
		tick:       opts.AutoscanTick,
		supervisor: engine.NewSupervisor(opts.MaxAutoscans, opts.Logger),
	}
	s.Engagements = &EngagementService{
		deps:     d,
		files:    opts.Files,
		tokens:   opts.Tokens,
		targets:  s.Targets,
		autoscan: s.Autoscan,
	}
	s.Archive = &ArchiveService{deps: d, engagements: s.Engagements}
	s.Sweeper = &Sweeper{
		deps:             d,
		workers:          s.Workers,
		tools:            s.Tools,
		autoscan:         s.Autoscan,
		tokens:           opts.Tokens,
		heartbeatTimeout: opts.HeartbeatTimeout,
	}
	return s
}

// Shutdown stops every autoscan loop.
func (s *Services) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.Autoscan.supervisor.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Autoscan.deps.logger.Warn("Autoscan loops did not stop before shutdown deadline")
	}
}

// keyFilter turns an entity key into a store filter. Empty strings also
// match absent fields since optional fields are omitted when empty.
func keyFilter(key map[string]any) store.Filter {
	f := make(store.Filter, len(key))
	for k, v := range key {
		if s, ok := v.(string); ok && s == "" {
			f[k] = store.In{"", nil}
			continue
		}
		f[k] = v
	}
	return f
}
