package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pollenisator/internal/bus"
	"pollenisator/internal/models"
	"pollenisator/internal/store"
	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/logger"
)

type WorkerMethods interface {
	List(ctx context.Context, engagement string) ([]models.Worker, error)
	Bind(ctx context.Context, name, engagement string) error
	Delete(ctx context.Context, name string) error
}

// WorkerService tracks the workers connected to the hub. Worker names are
// unique across engagements.
type WorkerService struct {
	deps
	tools            *ToolService
	heartbeatTimeout time.Duration
}

// RegisterHandlers routes the worker events of the hub to the service.
func (s *WorkerService) RegisterHandlers(h *bus.Hub) {
	h.Handle(bus.EventRegister, s.handleRegister)
	h.Handle(bus.EventKeepalive, s.handleKeepalive)
	h.OnDetach(s.sessionClosed)
}

func (s *WorkerService) handleRegister(ctx context.Context, sess bus.Session, data json.RawMessage) error {
	var p bus.RegisterPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.NewValidationError("data", string(data), err.Error())
	}
	_, err := s.Register(ctx, p.Name, p.SupportedPlugins, sess.ID())
	return err
}

func (s *WorkerService) handleKeepalive(ctx context.Context, _ bus.Session, data json.RawMessage) error {
	var p bus.KeepalivePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.NewValidationError("data", string(data), err.Error())
	}
	if err := s.Keepalive(ctx, p.Name); err != nil {
		return err
	}
	if p.RunningTasks == nil {
		return nil
	}
	return s.Reconcile(ctx, p.Name, p.RunningTasks)
}

// Register records a worker and binds its session. A known name keeps its
// engagement and running tools and takes the new session.
func (s *WorkerService) Register(ctx context.Context, name string, supported []string, sid string) (*models.Worker, error) {
	if name == "" {
		return nil, apperrors.NewValidationError("name", name, "must not be empty")
	}
	if supported == nil {
		supported = []string{}
	}
	now := s.now().UTC()

	unlock := s.store.LockCollection(models.GlobalNamespace, models.CollWorkers)
	defer unlock()

	w, err := store.Get[models.Worker](ctx, s.store, models.GlobalNamespace, models.CollWorkers, store.Filter{"name": name})
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		w = &models.Worker{
			Name:             name,
			SupportedPlugins: supported,
			LastHeartbeat:    now,
			RunningTools:     []models.RunningTool{},
			SID:              sid,
		}
		if w.ID, err = s.store.Insert(ctx, models.GlobalNamespace, models.CollWorkers, w, store.Notify()); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		w.SupportedPlugins, w.LastHeartbeat, w.SID = supported, now, sid
		if _, err := s.store.UpdateOne(ctx, models.GlobalNamespace, models.CollWorkers, store.ByID(w.ID), store.SetFields(map[string]any{
			"supported_plugins": supported,
			"last_heartbeat":    now,
			"sid":               sid,
		}), store.Notify()); err != nil {
			return nil, err
		}
	}

	if sid != "" {
		s.hub.BindWorker(name, sid)
	}
	s.logger.WithFields(logger.Fields{"worker": name, "plugins": supported}).Info("Worker registered")
	return w, nil
}

// Keepalive refreshes the heartbeat of a worker.
func (s *WorkerService) Keepalive(ctx context.Context, name string) error {
	ok, err := s.store.UpdateOne(ctx, models.GlobalNamespace, models.CollWorkers, store.Filter{"name": name},
		store.SetFields(map[string]any{"last_heartbeat": s.now().UTC()}))
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NotFound(models.CollWorkers, name)
	}
	return nil
}

// Reconcile compares the tools a worker reports running with the ones it
// was given. A tool the worker no longer runs ends in error once it was
// dispatched more than a heartbeat ago; younger ones may not have reached
// the worker yet.
func (s *WorkerService) Reconcile(ctx context.Context, name string, running []string) error {
	w, err := store.Get[models.Worker](ctx, s.store, models.GlobalNamespace, models.CollWorkers, store.Filter{"name": name})
	if err != nil {
		return err
	}
	reported := make(map[string]bool, len(running))
	for _, id := range running {
		reported[id] = true
	}

	var errs []error
	now := s.now()
	for _, rt := range w.RunningTools {
		if reported[rt.ToolIID] {
			delete(reported, rt.ToolIID)
			continue
		}
		tool, err := s.tools.Get(ctx, rt.Pentest, rt.ToolIID)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		if err != nil || tool.Lifecycle() != models.StatusRunning || tool.Scanner != name {
			errs = append(errs, s.tools.release(ctx, rt.Pentest, name, rt.ToolIID))
			continue
		}
		if tool.Dated != nil && now.Sub(*tool.Dated) < s.heartbeatTimeout {
			continue
		}
		s.logger.WithTool(rt.Pentest, rt.ToolIID).WithField("worker", name).Warn("Worker lost a running tool")
		errs = append(errs, s.tools.markFailed(ctx, rt.Pentest, tool, models.StatusError, "lost by worker "+name))
	}
	for id := range reported {
		s.logger.WithFields(logger.Fields{"worker": name, "tool_id": id}).Warn("Worker runs a tool it was not given")
	}
	return errors.Join(errs...)
}

// Bind assigns a worker to an engagement. An empty engagement unbinds it.
func (s *WorkerService) Bind(ctx context.Context, name, engagement string) error {
	ok, err := s.store.UpdateOne(ctx, models.GlobalNamespace, models.CollWorkers, store.Filter{"name": name},
		store.SetFields(map[string]any{"pentest": engagement}), store.Notify())
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NotFound(models.CollWorkers, name)
	}
	return nil
}

// List returns the workers of engagement, or every worker when empty.
func (s *WorkerService) List(ctx context.Context, engagement string) ([]models.Worker, error) {
	filter := store.Filter{}
	if engagement != "" {
		filter["pentest"] = engagement
	}
	return store.FindAll[models.Worker](ctx, s.store, models.GlobalNamespace, models.CollWorkers, filter)
}

// Delete removes a worker, tells it to quit and puts its running tools in
// error.
func (s *WorkerService) Delete(ctx context.Context, name string) error {
	w, err := store.Get[models.Worker](ctx, s.store, models.GlobalNamespace, models.CollWorkers, store.Filter{"name": name})
	if err != nil {
		return err
	}
	if err := s.hub.EmitToWorker(name, bus.EventDeleteWorker, bus.DeleteWorkerPayload{Name: name}); err != nil {
		s.logger.WithFields(logger.Fields{"worker": name, "error": err}).Debug("Worker gone before delete notice")
	}
	s.hub.UnbindWorker(name)

	var errs []error
	for _, rt := range w.RunningTools {
		err := s.tools.MarkError(ctx, rt.Pentest, rt.ToolIID, fmt.Sprintf("worker %s removed", name))
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) && !errors.Is(err, apperrors.ErrInvalidTransition) {
			errs = append(errs, err)
		}
	}
	if _, err := s.store.DeleteOne(ctx, models.GlobalNamespace, models.CollWorkers, store.ByID(w.ID), store.Notify()); err != nil {
		errs = append(errs, err)
	}
	s.logger.WithFields(logger.Fields{"worker": name, "running_tools": len(w.RunningTools)}).Info("Worker deleted")
	return errors.Join(errs...)
}

// sessionClosed unbinds the worker whose session ended. The record stays
// until the sweeper finds its heartbeat stale.
func (s *WorkerService) sessionClosed(sid string) {
	ctx := context.Background()
	workers, err := store.FindAll[models.Worker](ctx, s.store, models.GlobalNamespace, models.CollWorkers, store.Filter{"sid": sid})
	if err != nil {
		s.logger.WithError(err).Warn("Failed to look up worker of closed session")
		return
	}
	for i := range workers {
		if _, err := s.store.UpdateOne(ctx, models.GlobalNamespace, models.CollWorkers, store.ByID(workers[i].ID),
			store.Update{Unset: []string{"sid"}}); err != nil {
			s.logger.WithError(err).Warn("Failed to clear worker session")
		}
	}
}
