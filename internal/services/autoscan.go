package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"pollenisator/internal/files"
	"pollenisator/internal/models"
	"pollenisator/internal/store"
	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/engine"
	"pollenisator/pkg/logger"
)

type AutoscanMethods interface {
	Start(ctx context.Context, engagement string) error
	Stop(ctx context.Context, engagement string) error
	Status(ctx context.Context, engagement string) (*AutoscanStatus, error)
}

type AutoscanStatus struct {
	Running bool `json:"running"`
	Queued  int  `json:"queued"`
}

// liveness is the record whose presence keeps an autoscan loop going.
type liveness struct {
	ID      string    `json:"_id,omitempty"`
	Special bool      `json:"special"`
	Started time.Time `json:"started"`
}

var livenessFilter = store.Filter{"special": true}

// AutoscanService runs one autoscan loop per engagement and serves as the
// loop's view of the engagement.
type AutoscanService struct {
	deps
	tools      *ToolService
	queue      *QueueService
	files      *files.Layout
	tick       time.Duration
	supervisor *engine.Supervisor
	startMu    sync.Mutex
}

// Start writes the liveness record and launches the loop. Each run owns
// its record, so a loop exiting late never clears the record of the run
// started after it.
func (s *AutoscanService) Start(ctx context.Context, engagement string) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.supervisor.Running(engagement) {
		return apperrors.NewConflictError(models.CollAutoscan, engagement)
	}
	// records left without a loop come from a previous process
	if _, err := s.store.DeleteMany(ctx, engagement, models.CollAutoscan, livenessFilter, store.Notify()); err != nil {
		return err
	}
	runID := uuid.NewString()
	if _, err := s.store.Insert(ctx, engagement, models.CollAutoscan,
		liveness{ID: runID, Special: true, Started: s.now().UTC()}, store.Notify()); err != nil {
		return err
	}
	clearRecord := func() {
		if _, err := s.store.DeleteOne(context.Background(), engagement, models.CollAutoscan, store.ByID(runID), store.Notify()); err != nil {
			s.logger.WithEngagement(engagement).WithError(err).Warn("Failed to clear autoscan record")
		}
	}

	var events engine.EventLog
	var closeEvents func()
	if s.files != nil {
		al, err := logger.NewAutoscanLogger(engagement, s.files.EngagementDir(engagement), s.logger.GetLevel())
		if err != nil {
			s.logger.WithEngagement(engagement).WithError(err).Warn("Autoscan log files unavailable, logging to stdout only")
		} else {
			events = al
			closeEvents = func() { _ = al.Close() }
		}
	}

	opts := []engine.OptFunc{
		engine.WithTick(s.tick),
		engine.WithClock(s.now),
		engine.WithMetrics(s.metrics),
	}
	if events != nil {
		opts = append(opts, engine.WithEventLog(events))
	}
	loop := engine.NewAutoscan(engagement, s, s.tools, opts...)

	err := s.supervisor.Start(context.Background(), engagement, loop.Run, func() {
		clearRecord()
		if closeEvents != nil {
			closeEvents()
		}
	})
	if err != nil {
		clearRecord()
		if closeEvents != nil {
			closeEvents()
		}
		return err
	}
	s.logger.WithEngagement(engagement).Info("Autoscan started")
	return nil
}

// Stop removes the liveness record, which the loop checks between
// dispatches, and cancels the loop so an idle or waiting one ends at once.
func (s *AutoscanService) Stop(ctx context.Context, engagement string) error {
	n, err := s.store.DeleteMany(ctx, engagement, models.CollAutoscan, livenessFilter, store.Notify())
	if err != nil {
		return err
	}
	if !s.supervisor.Stop(engagement) && n == 0 {
		return apperrors.NotFound("autoscan", engagement)
	}
	return nil
}

func (s *AutoscanService) Status(ctx context.Context, engagement string) (*AutoscanStatus, error) {
	q, err := s.queue.Get(ctx, engagement)
	if err != nil {
		return nil, err
	}
	return &AutoscanStatus{Running: s.supervisor.Running(engagement), Queued: len(q)}, nil
}

// Running lists the engagements with a loop.
func (s *AutoscanService) Running() []string {
	return s.supervisor.Engagements()
}

// StopRequested is true once the liveness record is gone.
func (s *AutoscanService) StopRequested(ctx context.Context, engagement string) (bool, error) {
	n, err := s.store.Count(ctx, engagement, models.CollAutoscan, livenessFilter)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (s *AutoscanService) ActiveWaves(ctx context.Context, engagement string, now time.Time) (map[string]bool, error) {
	intervals, err := store.FindAll[models.Interval](ctx, s.store, engagement, models.CollIntervals, store.Filter{})
	if err != nil {
		return nil, err
	}
	return models.ActiveWaves(intervals, now), nil
}

// Queue resolves the queue entries to their tools. Entries whose tool is
// gone are skipped.
func (s *AutoscanService) Queue(ctx context.Context, engagement string) ([]engine.QueuedTool, error) {
	entries, err := s.queue.Get(ctx, engagement)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.IID
	}
	tools, err := store.FindAll[models.Tool](ctx, s.store, engagement, models.CollTools, store.Filter{"_id": store.InStrings(ids)})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Tool, len(tools))
	for i := range tools {
		byID[tools[i].ID] = &tools[i]
	}

	out := make([]engine.QueuedTool, 0, len(entries))
	for _, e := range entries {
		t, ok := byID[e.IID]
		if !ok {
			continue
		}
		out = append(out, engine.QueuedTool{
			ID:       t.ID,
			Wave:     t.Wave,
			Priority: e.Priority,
			Eligible: t.Eligible(),
			Detail:   t.DetailedString(),
		})
	}
	return out, nil
}
