package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pollenisator/internal/auth"
	"pollenisator/internal/bus"
	"pollenisator/internal/models"
	"pollenisator/internal/store"
	"pollenisator/pkg/cmdline"
	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/logger"
	"pollenisator/pkg/plugins"
)

type ToolMethods interface {
	Get(ctx context.Context, engagement, toolID string) (*models.Tool, error)
	Dispatch(ctx context.Context, engagement, toolID string) (string, error)
	MarkDone(ctx context.Context, engagement, toolID, resultFile string) error
	MarkError(ctx context.Context, engagement, toolID, msg string) error
	MarkTimedout(ctx context.Context, engagement, toolID string) error
	MarkAsNotDone(ctx context.Context, engagement, toolID string) error
	Stop(ctx context.Context, engagement, toolID string, force bool) error
	GetProgress(ctx context.Context, engagement, toolID string) (json.RawMessage, error)
	CraftCommandLine(ctx context.Context, engagement, toolID string) (*CraftedCommand, error)
}

// ToolService drives tools through their lifecycle.
type ToolService struct {
	deps
	queue      *QueueService
	checks     *CheckEngine
	plugins    *plugins.Registry
	tokens     *auth.Registry
	maxRunning int
	outputDir  string
}

func (s *ToolService) Get(ctx context.Context, engagement, toolID string) (*models.Tool, error) {
	return store.Get[models.Tool](ctx, s.store, engagement, models.CollTools, store.ByID(toolID))
}

func (s *ToolService) command(ctx context.Context, engagement string, tool *models.Tool) (*models.Command, error) {
	if tool.CommandIID == "" {
		return &models.Command{Name: tool.Name, Plugin: plugins.DefaultName, Text: tool.Text}, nil
	}
	return store.Get[models.Command](ctx, s.store, engagement, models.CollCommands, store.ByID(tool.CommandIID))
}

// selectWorker returns the first worker of the engagement supporting
// plugin with room for one more tool.
func (s *ToolService) selectWorker(ctx context.Context, engagement, plugin string) (*models.Worker, error) {
	workers, err := store.FindAll[models.Worker](ctx, s.store, models.GlobalNamespace, models.CollWorkers, store.Filter{"pentest": engagement})
	if err != nil {
		return nil, err
	}
	for i := range workers {
		if workers[i].Supports(plugin) && workers[i].CanAccept(s.maxRunning) {
			return &workers[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no worker of %s supports %s with a free slot", apperrors.ErrWorkerUnavailable, engagement, plugin)
}

// Dispatch hands a ready tool to a capable worker and returns the worker
// name. The tool leaves the queue once running. A worker that cannot be
// reached leaves the tool in error.
func (s *ToolService) Dispatch(ctx context.Context, engagement, toolID string) (string, error) {
	tool, err := s.Get(ctx, engagement, toolID)
	if err != nil {
		return "", err
	}
	if tool.HasOverlay(models.StatusOOS) {
		return "", apperrors.NewValidationError("status", tool.Status, "tool is out of scope")
	}
	next, err := tool.Transition(models.StatusRunning)
	if err != nil {
		return "", err
	}
	cmd, err := s.command(ctx, engagement, tool)
	if err != nil {
		return "", err
	}
	worker, err := s.selectWorker(ctx, engagement, cmd.Plugin)
	if err != nil {
		s.metrics.IncDispatch("no_worker")
		return "", err
	}

	// a concurrent dispatch of the same tool loses on the status guard
	filter := store.ByID(tool.ID)
	if tool.HasOverlay(models.StatusReady) {
		filter["status"] = models.StatusReady
	}
	now := s.now().UTC()
	ok, err := s.store.UpdateOne(ctx, engagement, models.CollTools, filter, store.Update{
		Set:   map[string]any{"status": next, "dated": now, "scanner": worker.Name},
		Unset: []string{"datef"},
	}, store.Notify())
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &apperrors.TransitionError{From: models.StatusRunning, To: models.StatusRunning}
	}
	if _, err := s.store.UpdateOne(ctx, models.GlobalNamespace, models.CollWorkers, store.ByID(worker.ID), store.Update{
		Push: map[string]any{"running_tools": models.RunningTool{Pentest: engagement, ToolIID: tool.ID}},
	}, store.Notify()); err != nil {
		s.rollbackDispatch(engagement, tool)
		return "", err
	}
	s.metrics.IncTransition(models.StatusRunning)

	if err := s.hub.Emit(engagement, bus.EventToolStart, bus.ToolStartPayload{
		Pentest: engagement,
		ToolIID: tool.ID,
		Worker:  worker.Name,
		Detail:  tool.DetailedString(),
	}); err != nil {
		s.logger.WithTool(engagement, tool.ID).WithError(err).Warn("Failed to announce tool start")
	}

	token := s.tokens.Mint(engagement, worker.Name, auth.ScopeWorker)
	if err := s.hub.EmitToWorker(worker.Name, bus.EventExecuteCommand, bus.ExecuteCommandPayload{
		WorkerToken: token.Value,
		Pentest:     engagement,
		ToolID:      tool.ID,
	}); err != nil {
		s.tokens.Revoke(token.Value)
		s.metrics.IncDispatch("send_failed")
		if markErr := s.MarkError(ctx, engagement, tool.ID, "dispatch failed: "+err.Error()); markErr != nil {
			s.logger.WithTool(engagement, tool.ID).WithError(markErr).Error("Failed to record dispatch failure")
		}
		return "", err
	}

	if _, err := s.queue.Remove(ctx, engagement, []string{tool.ID}); err != nil {
		s.logger.WithTool(engagement, tool.ID).WithError(err).Warn("Failed to unqueue dispatched tool")
	}
	s.rollUp(ctx, engagement, tool)
	s.metrics.IncDispatch("dispatched")
	s.logger.WithFields(logger.Fields{
		"engagement": engagement,
		"tool_id":    tool.ID,
		"tool":       tool.DetailedString(),
		"worker":     worker.Name,
	}).Info("Tool dispatched")
	return worker.Name, nil
}

// rollbackDispatch restores a tool claimed by Dispatch to its previous
// state when no worker could be recorded as running it.
func (s *ToolService) rollbackDispatch(engagement string, tool *models.Tool) {
	upd := store.Update{
		Set:   map[string]any{"status": tool.Status},
		Unset: []string{"scanner", "dated"},
	}
	if tool.Datef != nil {
		upd.Set["datef"] = tool.Datef
	}
	ctx := context.Background()
	if _, err := s.store.UpdateOne(ctx, engagement, models.CollTools, store.ByID(tool.ID), upd, store.Notify()); err != nil {
		s.logger.WithTool(engagement, tool.ID).WithError(err).Error("Failed to roll back dispatch")
		return
	}
	s.metrics.IncDispatch("rolled_back")
}

// transition moves tool to the lifecycle flag to, applying the extra field
// changes, and releases it from the worker running it.
func (s *ToolService) transition(ctx context.Context, engagement string, tool *models.Tool, to string, upd store.Update) error {
	next, err := tool.Transition(to)
	if err != nil {
		return err
	}
	if upd.Set == nil {
		upd.Set = map[string]any{}
	}
	upd.Set["status"] = next
	ok, err := s.store.UpdateOne(ctx, engagement, models.CollTools, store.ByID(tool.ID), upd, store.Notify())
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NotFound(models.CollTools, tool.ID)
	}
	if tool.Scanner != "" {
		if err := s.release(ctx, engagement, tool.Scanner, tool.ID); err != nil {
			return err
		}
	}
	s.metrics.IncTransition(to)
	s.rollUp(ctx, engagement, tool)
	return nil
}

func (s *ToolService) release(ctx context.Context, engagement, worker, toolID string) error {
	_, err := s.store.UpdateOne(ctx, models.GlobalNamespace, models.CollWorkers, store.Filter{"name": worker}, store.Update{
		Pull: map[string]any{"running_tools": map[string]any{"pentest": engagement, "tool_iid": toolID}},
	}, store.Notify())
	return err
}

func (s *ToolService) rollUp(ctx context.Context, engagement string, tool *models.Tool) {
	if tool.CheckIID == "" {
		return
	}
	if _, err := s.checks.RefreshCheckStatus(ctx, engagement, tool.CheckIID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		s.logger.WithTool(engagement, tool.ID).WithError(err).Warn("Failed to refresh check status")
	}
}

// MarkDone ends a run successfully and records the result file.
func (s *ToolService) MarkDone(ctx context.Context, engagement, toolID, resultFile string) error {
	tool, err := s.Get(ctx, engagement, toolID)
	if err != nil {
		return err
	}
	return s.markDone(ctx, engagement, tool, map[string]any{"resultfile": resultFile})
}

func (s *ToolService) markDone(ctx context.Context, engagement string, tool *models.Tool, set map[string]any) error {
	set["datef"] = s.now().UTC()
	return s.transition(ctx, engagement, tool, models.StatusDone, store.Update{Set: set})
}

// MarkError ends a run in error, keeping msg in the notes.
func (s *ToolService) MarkError(ctx context.Context, engagement, toolID, msg string) error {
	tool, err := s.Get(ctx, engagement, toolID)
	if err != nil {
		return err
	}
	return s.markFailed(ctx, engagement, tool, models.StatusError, msg)
}

func (s *ToolService) MarkTimedout(ctx context.Context, engagement, toolID string) error {
	tool, err := s.Get(ctx, engagement, toolID)
	if err != nil {
		return err
	}
	return s.markFailed(ctx, engagement, tool, models.StatusTimedOut, "timed out")
}

func (s *ToolService) markFailed(ctx context.Context, engagement string, tool *models.Tool, to, msg string) error {
	return s.transition(ctx, engagement, tool, to, store.Update{
		Set:   map[string]any{"notes": msg},
		Unset: []string{"dated", "datef", "scanner"},
	})
}

// MarkAsNotDone puts a tool back to ready whatever its lifecycle. The
// scheduling overlays are kept.
func (s *ToolService) MarkAsNotDone(ctx context.Context, engagement, toolID string) error {
	tool, err := s.Get(ctx, engagement, toolID)
	if err != nil {
		return err
	}
	return s.transition(ctx, engagement, tool, models.StatusReady, store.Update{
		Unset: []string{"dated", "datef", "scanner", "resultfile"},
	})
}

// Stop asks the worker running the tool to stop it. With force the tool
// is reset to ready even when the worker cannot be reached; a result it
// uploads later is stray.
func (s *ToolService) Stop(ctx context.Context, engagement, toolID string, force bool) error {
	tool, err := s.Get(ctx, engagement, toolID)
	if err != nil {
		return err
	}
	if tool.Lifecycle() != models.StatusRunning && !force {
		return &apperrors.TransitionError{From: tool.Lifecycle(), To: models.StatusReady}
	}
	if tool.Scanner != "" {
		err = s.hub.EmitToWorker(tool.Scanner, bus.EventStopCommand, bus.ToolPayload{Pentest: engagement, ToolIID: tool.ID})
		if err != nil && !force {
			return err
		}
	}
	if !force {
		return nil
	}
	if err != nil {
		s.logger.WithTool(engagement, tool.ID).WithError(err).Warn("Worker unreachable, resetting tool anyway")
	}
	return s.transition(ctx, engagement, tool, models.StatusReady, store.Update{
		Unset: []string{"dated", "datef", "scanner", "resultfile"},
	})
}

// GetProgress asks the worker running the tool for its progress.
func (s *ToolService) GetProgress(ctx context.Context, engagement, toolID string) (json.RawMessage, error) {
	tool, err := s.Get(ctx, engagement, toolID)
	if err != nil {
		return nil, err
	}
	if tool.Lifecycle() != models.StatusRunning || tool.Scanner == "" {
		return nil, apperrors.NewValidationError("status", tool.Status, "tool is not running")
	}
	return s.hub.Request(ctx, tool.Scanner, bus.RPCKey{
		Engagement: engagement,
		ToolID:     tool.ID,
		Name:       bus.EventGetProgress,
	}, bus.ToolPayload{Pentest: engagement, ToolIID: tool.ID})
}

// CraftedCommand is the command line a worker runs for a tool.
type CraftedCommand struct {
	Cmdline string `json:"cmdline"`
	Plugin  string `json:"plugin"`
	Ext     string `json:"ext"`
	Timeout int    `json:"timeout"`
}

// CraftCommandLine substitutes the command text of a tool with the values
// of its wave, scope, host, port and the tool itself, then wires in the
// plugin output file.
func (s *ToolService) CraftCommandLine(ctx context.Context, engagement, toolID string) (*CraftedCommand, error) {
	tool, err := s.Get(ctx, engagement, toolID)
	if err != nil {
		return nil, err
	}
	cmd, err := s.command(ctx, engagement, tool)
	if err != nil {
		return nil, err
	}
	plugin, err := s.plugins.Get(cmd.Plugin)
	if err != nil {
		if plugin, err = s.plugins.Get(plugins.DefaultName); err != nil {
			return nil, err
		}
	}

	subs, err := s.substituters(ctx, engagement, tool)
	if err != nil {
		return nil, err
	}
	text := tool.Text
	if text == "" {
		text = cmd.Text
	}
	return &CraftedCommand{
		Cmdline: cmdline.Craft(text, subs, s.outputDir, tool.ID, tool.Name, plugin.FileOutputArg(), plugin.FileOutputExt()),
		Plugin:  plugin.Name(),
		Ext:     plugin.FileOutputExt(),
		Timeout: cmd.Timeout,
	}, nil
}

// substituters resolves, for every entity class declaring command
// variables, the entity the tool points at.
func (s *ToolService) substituters(ctx context.Context, engagement string, tool *models.Tool) ([]cmdline.Substituter, error) {
	var subs []cmdline.Substituter
	for _, k := range models.Kinds() {
		if len(k.CommandVariables) == 0 {
			continue
		}
		r, err := s.resolverFor(ctx, engagement, k.Name, tool)
		if err != nil {
			return nil, err
		}
		if r != nil {
			subs = append(subs, cmdline.Substituter{Prefixes: k.CommandVariables, Resolver: r})
		}
	}
	return subs, nil
}

func (s *ToolService) resolverFor(ctx context.Context, engagement, kind string, tool *models.Tool) (cmdline.Resolver, error) {
	var (
		coll     string
		filter   store.Filter
		fallback cmdline.Resolver
		out      models.Entity
	)
	switch kind {
	case models.EntityTool:
		return tool, nil
	case models.EntityWave:
		coll, filter = models.CollWaves, store.Filter{"wave": tool.Wave}
		fallback, out = &models.Wave{Wave: tool.Wave}, &models.Wave{}
	case models.EntityScope:
		if tool.Scope == "" {
			return nil, nil
		}
		coll, filter = models.CollScopes, store.Filter{"wave": tool.Wave, "scope": tool.Scope}
		fallback, out = &models.Scope{Wave: tool.Wave, Scope: tool.Scope}, &models.Scope{}
	case models.EntityHost:
		if tool.IP == "" {
			return nil, nil
		}
		coll, filter = models.CollHosts, store.Filter{"ip": tool.IP}
		fallback, out = &models.Host{IP: tool.IP}, &models.Host{}
	case models.EntityPort:
		if tool.Port == "" {
			return nil, nil
		}
		coll, filter = models.CollPorts, store.Filter{"ip": tool.IP, "port": tool.Port, "proto": tool.Proto}
		fallback, out = &models.Port{IP: tool.IP, Port: tool.Port, Proto: tool.Proto}, &models.Port{}
	default:
		return nil, nil
	}

	doc, err := s.store.FindOne(ctx, engagement, coll, filter)
	if errors.Is(err, apperrors.ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return nil, err
	}
	if err := store.Decode(doc, out); err != nil {
		return nil, err
	}
	r, ok := out.(cmdline.Resolver)
	if !ok {
		return fallback, nil
	}
	return r, nil
}

// RefreshOOT sets the out-of-time overlay on ready tools whose wave has no
// active interval and clears it elsewhere. It returns how many changed.
func (s *ToolService) RefreshOOT(ctx context.Context, engagement string) (int, error) {
	intervals, err := store.FindAll[models.Interval](ctx, s.store, engagement, models.CollIntervals, store.Filter{})
	if err != nil {
		return 0, err
	}
	active := models.ActiveWaves(intervals, s.now())
	tools, err := store.FindAll[models.Tool](ctx, s.store, engagement, models.CollTools, store.Filter{})
	if err != nil {
		return 0, err
	}
	changed := 0
	for i := range tools {
		t := &tools[i]
		if t.Lifecycle() != models.StatusReady {
			continue
		}
		oot := !active[t.Wave]
		if t.HasOverlay(models.StatusOOT) == oot {
			continue
		}
		if _, err := s.store.UpdateOne(ctx, engagement, models.CollTools, store.ByID(t.ID),
			store.SetFields(map[string]any{"status": t.WithOverlay(models.StatusOOT, oot)}), store.Notify()); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}
