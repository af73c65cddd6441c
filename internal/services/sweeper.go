package services

import (
	"context"
	"errors"
	"time"

	"pollenisator/internal/auth"
	"pollenisator/internal/models"
	"pollenisator/internal/store"
	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/logger"
)

// SweepReport counts what one sweep changed.
type SweepReport struct {
	StaleWorkers int
	TimedOut     int
	OOTChanged   int
	Tokens       int
}

// Sweeper removes workers that stopped sending heartbeats, times out tools
// running past their command timeout and refreshes the out-of-time overlay
// of engagements with an autoscan.
type Sweeper struct {
	deps
	workers          *WorkerService
	tools            *ToolService
	autoscan         *AutoscanService
	tokens           *auth.Registry
	heartbeatTimeout time.Duration
}

// Run sweeps every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.logger.LogDuration("sweep", nil, func() error {
				_, err := s.SweepOnce(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var (
		report SweepReport
		errs   []error
	)
	now := s.now()

	workers, err := s.workers.List(ctx, "")
	if err != nil {
		return report, err
	}
	for i := range workers {
		if !workers[i].Stale(now, s.heartbeatTimeout) {
			continue
		}
		s.logger.WithFields(logger.Fields{
			"worker":         workers[i].Name,
			"last_heartbeat": workers[i].LastHeartbeat,
		}).Warn("Removing stale worker")
		if err := s.workers.Delete(ctx, workers[i].Name); err != nil {
			errs = append(errs, err)
			continue
		}
		report.StaleWorkers++
	}

	engagements, err := store.FindAll[models.Engagement](ctx, s.store, models.GlobalNamespace, models.CollEngagements, store.Filter{})
	if err != nil {
		return report, err
	}
	for _, eng := range engagements {
		n, err := s.timeoutTools(ctx, eng.UUID, now)
		report.TimedOut += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	for _, eng := range s.autoscan.Running() {
		n, err := s.tools.RefreshOOT(ctx, eng)
		report.OOTChanged += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	if s.tokens != nil {
		report.Tokens = s.tokens.Purge()
	}
	return report, errors.Join(errs...)
}

// timeoutTools moves running tools past their command timeout to
// timedout. A zero timeout never expires.
func (s *Sweeper) timeoutTools(ctx context.Context, engagement string, now time.Time) (int, error) {
	running, err := store.FindAll[models.Tool](ctx, s.store, engagement, models.CollTools, store.Filter{"status": models.StatusRunning})
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range running {
		t := &running[i]
		if t.Dated == nil {
			continue
		}
		cmd, err := s.tools.command(ctx, engagement, t)
		if errors.Is(err, apperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if cmd.Timeout <= 0 || now.Sub(*t.Dated) <= time.Duration(cmd.Timeout)*time.Second {
			continue
		}
		if err := s.tools.MarkTimedout(ctx, engagement, t.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
