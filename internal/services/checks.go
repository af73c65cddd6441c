package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"pollenisator/internal/models"
	"pollenisator/internal/store"
	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/logger"
)

// FireResult lists what one trigger created.
type FireResult struct {
	Instances []string `json:"instances"`
	Tools     []string `json:"tools"`
}

func (r *FireResult) merge(o FireResult) {
	r.Instances = append(r.Instances, o.Instances...)
	r.Tools = append(r.Tools, o.Tools...)
}

// CheckEngine instantiates check items on the targets firing their
// trigger, with one tool per command of the item.
type CheckEngine struct {
	deps
	queue   *QueueService
	targets *TargetService
}

type checkPair struct {
	item   *models.CheckItem
	target models.Entity
}

func pairKey(itemID, targetType, targetID string) string {
	return itemID + "|" + targetType + "|" + targetID
}

// FireAll fires every trigger of e.
func (c *CheckEngine) FireAll(ctx context.Context, engagement string, e models.Entity) (FireResult, error) {
	var res FireResult
	for _, trigger := range e.Triggers() {
		r, err := c.Fire(ctx, engagement, trigger, []models.Entity{e})
		if err != nil {
			return res, err
		}
		res.merge(r)
	}
	return res, nil
}

// Fire runs the check items bound to trigger against targets. Existing
// (item, target) pairs are left alone; the new instances and their tools
// are written in one insert each.
func (c *CheckEngine) Fire(ctx context.Context, engagement, trigger string, targets []models.Entity) (FireResult, error) {
	var res FireResult
	if len(targets) == 0 {
		return res, nil
	}

	eng, err := c.engagementRecord(ctx, engagement)
	if err != nil {
		return res, err
	}
	items, err := store.FindAll[models.CheckItem](ctx, c.store, models.GlobalNamespace, models.CollCheckItems, store.Filter{"lvl": trigger})
	if err != nil {
		return res, fmt.Errorf("load check items for %s: %w", trigger, err)
	}

	var pairs []checkPair
	for i := range items {
		item := &items[i]
		if !item.AppliesTo(eng.PentestType) {
			continue
		}
		for _, target := range targets {
			if models.IsPortTrigger(trigger) {
				if p, ok := target.(*models.Port); ok && !item.MatchesPort(p) {
					continue
				}
			}
			pairs = append(pairs, checkPair{item: item, target: target})
		}
	}
	if len(pairs) == 0 {
		return res, nil
	}

	unlock := c.store.LockCollection(engagement, models.CollCheckInstances)
	defer unlock()

	fresh, err := c.newPairs(ctx, engagement, pairs)
	if err != nil {
		return res, err
	}
	if len(fresh) == 0 {
		return res, nil
	}

	commands, err := c.localCommands(ctx, engagement, fresh)
	if err != nil {
		return res, err
	}

	env := newTargetEnv(c.store, engagement)
	instances := make([]models.CheckInstance, 0, len(fresh))
	var tools []models.Tool
	for _, p := range fresh {
		inst := models.CheckInstance{
			Base:       models.Base{ID: uuid.NewString()},
			CheckIID:   p.item.ID,
			TargetType: p.target.Kind().Name,
			TargetIID:  p.target.GetBase().ID,
			Status:     models.ComputeCheckStatus(nil, len(p.item.Commands) > 0),
		}
		instances = append(instances, inst)

		wave, inScope, err := env.placement(ctx, p.target)
		if err != nil {
			return res, err
		}
		for _, cmdID := range p.item.Commands {
			cmd, ok := commands[cmdID]
			if !ok {
				c.logger.WithFields(logger.Fields{
					"engagement": engagement,
					"check":      p.item.Title,
					"command":    cmdID,
				}).Warn("Check item command has no local copy")
				continue
			}
			tool := models.Tool{
				Base:       models.Base{ID: uuid.NewString()},
				Name:       cmd.Name,
				Wave:       wave,
				Lvl:        trigger,
				CommandIID: cmd.ID,
				CheckIID:   inst.ID,
				Text:       cmd.Text,
				Status:     []string{models.StatusReady},
				Priority:   p.item.Priority,
			}
			bindTarget(&tool, p.target)
			if !inScope {
				tool.Status = append(tool.Status, models.StatusOOS)
			}
			tools = append(tools, tool)
		}
	}

	if res.Instances, err = store.InsertAll(ctx, c.store, engagement, models.CollCheckInstances, instances, store.Notify()); err != nil {
		return res, err
	}
	if len(tools) > 0 {
		unlockTools := c.store.LockCollection(engagement, models.CollTools)
		res.Tools, err = store.InsertAll(ctx, c.store, engagement, models.CollTools, tools, store.Notify())
		unlockTools()
		if err != nil {
			return res, err
		}
	}

	c.logger.WithFields(logger.Fields{
		"engagement": engagement,
		"trigger":    trigger,
		"instances":  len(res.Instances),
		"tools":      len(res.Tools),
	}).Debug("Checks instantiated")

	if eng.AutoQueue && len(tools) > 0 {
		var queueable []string
		for i := range tools {
			if tools[i].Eligible() {
				queueable = append(queueable, tools[i].ID)
			}
		}
		if _, err := c.queue.Add(ctx, engagement, queueable); err != nil {
			return res, err
		}
	}
	return res, nil
}

// newPairs drops the pairs that already have an instance.
func (c *CheckEngine) newPairs(ctx context.Context, engagement string, pairs []checkPair) ([]checkPair, error) {
	itemIDs := make([]string, 0, len(pairs))
	targetIDs := make([]string, 0, len(pairs))
	for _, p := range pairs {
		itemIDs = append(itemIDs, p.item.ID)
		targetIDs = append(targetIDs, p.target.GetBase().ID)
	}
	existing, err := store.FindAll[models.CheckInstance](ctx, c.store, engagement, models.CollCheckInstances, store.Filter{
		"check_iid":  store.InStrings(itemIDs),
		"target_iid": store.InStrings(targetIDs),
	})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(existing))
	for i := range existing {
		seen[pairKey(existing[i].CheckIID, existing[i].TargetType, existing[i].TargetIID)] = true
	}

	var fresh []checkPair
	for _, p := range pairs {
		k := pairKey(p.item.ID, p.target.Kind().Name, p.target.GetBase().ID)
		if seen[k] {
			continue
		}
		seen[k] = true
		fresh = append(fresh, p)
	}
	return fresh, nil
}

// localCommands maps global command ids to their engagement copies.
func (c *CheckEngine) localCommands(ctx context.Context, engagement string, pairs []checkPair) (map[string]*models.Command, error) {
	var ids []string
	for _, p := range pairs {
		ids = append(ids, p.item.Commands...)
	}
	out := make(map[string]*models.Command, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cmds, err := store.FindAll[models.Command](ctx, c.store, engagement, models.CollCommands, store.Filter{"original_iid": store.InStrings(ids)})
	if err != nil {
		return nil, err
	}
	for i := range cmds {
		out[cmds[i].OriginalIID] = &cmds[i]
	}
	return out, nil
}

// RefreshCheckStatus recomputes the status of a check instance from its
// tools and stores it when it changed.
func (c *CheckEngine) RefreshCheckStatus(ctx context.Context, engagement, instanceID string) (string, error) {
	inst, err := store.Get[models.CheckInstance](ctx, c.store, engagement, models.CollCheckInstances, store.ByID(instanceID))
	if err != nil {
		return "", err
	}
	tools, err := store.FindAll[models.Tool](ctx, c.store, engagement, models.CollTools, store.Filter{"check_iid": instanceID})
	if err != nil {
		return "", err
	}

	hasCommands := len(tools) > 0
	item, err := store.Get[models.CheckItem](ctx, c.store, models.GlobalNamespace, models.CollCheckItems, store.ByID(inst.CheckIID))
	switch {
	case err == nil:
		hasCommands = len(item.Commands) > 0
	case !errors.Is(err, apperrors.ErrNotFound):
		return "", err
	}

	status := models.ComputeCheckStatus(tools, hasCommands)
	if status == inst.Status {
		return status, nil
	}
	_, err = c.store.UpdateOne(ctx, engagement, models.CollCheckInstances, store.ByID(instanceID),
		store.SetFields(map[string]any{"status": status}), store.Notify())
	return status, err
}

func (c *CheckEngine) engagementRecord(ctx context.Context, engagement string) (*models.Engagement, error) {
	eng, err := store.Get[models.Engagement](ctx, c.store, models.GlobalNamespace, models.CollEngagements, store.Filter{"uuid": engagement})
	if errors.Is(err, apperrors.ErrNotFound) {
		return &models.Engagement{UUID: engagement}, nil
	}
	return eng, err
}

// bindTarget copies the target fields of e onto a tool.
func bindTarget(t *models.Tool, e models.Entity) {
	switch v := e.(type) {
	case *models.Scope:
		t.Scope = v.Scope
	case *models.Host:
		t.IP = v.IP
	case *models.Port:
		t.IP, t.Port, t.Proto = v.IP, v.Port, v.Proto
	}
}

// targetEnv resolves the wave and scope status of targets, memoizing the
// scopes and hosts it loads.
type targetEnv struct {
	store      *store.Store
	engagement string
	scopes     map[string]*models.Scope
	hosts      map[string]*models.Host
}

func newTargetEnv(s *store.Store, engagement string) *targetEnv {
	return &targetEnv{store: s, engagement: engagement, hosts: map[string]*models.Host{}}
}

func (e *targetEnv) loadScopes(ctx context.Context) error {
	if e.scopes != nil {
		return nil
	}
	scopes, err := store.FindAll[models.Scope](ctx, e.store, e.engagement, models.CollScopes, store.Filter{})
	if err != nil {
		return err
	}
	e.scopes = make(map[string]*models.Scope, len(scopes))
	for i := range scopes {
		e.scopes[scopes[i].ID] = &scopes[i]
	}
	return nil
}

func (e *targetEnv) host(ctx context.Context, ip string) (*models.Host, error) {
	if h, ok := e.hosts[ip]; ok {
		return h, nil
	}
	h, err := store.Get[models.Host](ctx, e.store, e.engagement, models.CollHosts, store.Filter{"ip": ip})
	if errors.Is(err, apperrors.ErrNotFound) {
		h, err = &models.Host{IP: ip}, nil
	}
	if err != nil {
		return nil, err
	}
	e.hosts[ip] = h
	return h, nil
}

// placement returns the wave a tool on target belongs to and whether the
// target is in scope. Hosts and ports take the wave of their first scope.
func (e *targetEnv) placement(ctx context.Context, target models.Entity) (string, bool, error) {
	var h *models.Host
	switch v := target.(type) {
	case *models.Scope:
		return v.Wave, true, nil
	case *models.Wave:
		return v.Wave, true, nil
	case *models.Host:
		h = v
	case *models.Port:
		var err error
		if h, err = e.host(ctx, v.IP); err != nil {
			return "", false, err
		}
	default:
		return models.DefaultWave, true, nil
	}

	if !h.InScope() {
		return models.DefaultWave, false, nil
	}
	if err := e.loadScopes(ctx); err != nil {
		return "", false, err
	}
	for _, id := range h.InScopes {
		if s, ok := e.scopes[id]; ok && s.Wave != "" {
			return s.Wave, true, nil
		}
	}
	return models.DefaultWave, true, nil
}
