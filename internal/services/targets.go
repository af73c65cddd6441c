package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"pollenisator/internal/models"
	"pollenisator/internal/store"
	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/hooks"
	"pollenisator/pkg/logger"
	"pollenisator/pkg/plugins"
)

type TargetMethods interface {
	Create(ctx context.Context, engagement, kind string, raw map[string]any) (models.InsertResult, error)
	AddScope(ctx context.Context, engagement string, s *models.Scope) (models.InsertResult, error)
	AddHost(ctx context.Context, engagement string, h *models.Host) (models.InsertResult, error)
	AddPort(ctx context.Context, engagement string, p *models.Port) (models.InsertResult, error)
	AddWave(ctx context.Context, engagement string, w *models.Wave) (models.InsertResult, error)
	AddInterval(ctx context.Context, engagement, wave, dated, datef string) (models.InsertResult, error)
	UpdatePortService(ctx context.Context, engagement, portID, service, product string) error
	Delete(ctx context.Context, engagement, collection, id string) error
	List(ctx context.Context, engagement, collection string, filter store.Filter) ([]store.Document, error)
}

// TargetService creates the targets of an engagement and fires their
// triggers into the check engine.
type TargetService struct {
	deps
	checks    *CheckEngine
	portHooks *hooks.PortHooks
}

// insert stores e unless its key exists. The entity id is set to the
// stored or the existing record.
func (t *TargetService) insert(ctx context.Context, engagement string, e models.Entity, parent string) (models.InsertResult, error) {
	if err := e.Validate(); err != nil {
		return models.InsertResult{}, err
	}
	base := e.GetBase()
	if base.ID == "" {
		base.ID = uuid.NewString()
	}
	opts := []store.WriteOption{store.Notify()}
	if parent != "" {
		opts = append(opts, store.WithParent(parent))
	}
	res, err := t.store.InsertUnique(ctx, engagement, e.Kind().Collection, keyFilter(e.Key()), e, opts...)
	if err != nil {
		return res, err
	}
	base.ID = res.IID
	return res, nil
}

// fire runs the triggers of a new entity. Failures are logged, the entity
// stays stored.
func (t *TargetService) fire(ctx context.Context, engagement string, e models.Entity) {
	if _, err := t.checks.FireAll(ctx, engagement, e); err != nil {
		t.logger.WithFields(logger.Fields{
			"engagement": engagement,
			"target":     e.DetailedString(),
			"error":      err,
		}).Error("Failed to instantiate checks")
	}
}

// Create decodes raw as an entity of kind and inserts it through the
// matching Add operation.
func (t *TargetService) Create(ctx context.Context, engagement, kind string, raw map[string]any) (models.InsertResult, error) {
	k, ok := models.KindByName(kind)
	if !ok {
		return models.InsertResult{}, apperrors.NewValidationError("type", kind, "unknown entity type")
	}
	e := k.New()
	if err := store.Decode(store.Document(raw), e); err != nil {
		return models.InsertResult{}, apperrors.NewValidationError("body", nil, err.Error())
	}
	e.GetBase().ID = ""

	switch v := e.(type) {
	case *models.Scope:
		return t.AddScope(ctx, engagement, v)
	case *models.Host:
		return t.AddHost(ctx, engagement, v)
	case *models.Port:
		return t.AddPort(ctx, engagement, v)
	case *models.Wave:
		return t.AddWave(ctx, engagement, v)
	}
	res, err := t.insert(ctx, engagement, e, "")
	if err == nil && res.Res {
		t.fire(ctx, engagement, e)
	}
	return res, err
}

func (t *TargetService) ensureWave(ctx context.Context, engagement, wave string) error {
	_, err := t.AddWave(ctx, engagement, &models.Wave{Wave: wave})
	return err
}

func (t *TargetService) AddWave(ctx context.Context, engagement string, w *models.Wave) (models.InsertResult, error) {
	w.Wave = strings.TrimSpace(w.Wave)
	res, err := t.insert(ctx, engagement, w, "")
	if err == nil && res.Res {
		t.fire(ctx, engagement, w)
	}
	return res, err
}

// AddInterval parses the window bounds and attaches it to wave.
func (t *TargetService) AddInterval(ctx context.Context, engagement, wave, dated, datef string) (models.InsertResult, error) {
	iv, err := models.ParseInterval(wave, dated, datef)
	if err != nil {
		return models.InsertResult{}, err
	}
	if err := t.ensureWave(ctx, engagement, wave); err != nil {
		return models.InsertResult{}, err
	}
	return t.insert(ctx, engagement, iv, "")
}

// AddScope stores the scope, records it on the hosts it covers and clears
// the out-of-scope overlay of their tools.
func (t *TargetService) AddScope(ctx context.Context, engagement string, s *models.Scope) (models.InsertResult, error) {
	s.Normalize()
	if err := s.Validate(); err != nil {
		return models.InsertResult{}, err
	}
	if err := t.ensureWave(ctx, engagement, s.Wave); err != nil {
		return models.InsertResult{}, err
	}
	res, err := t.insert(ctx, engagement, s, "")
	if err != nil || !res.Res {
		return res, err
	}

	hosts, err := store.FindAll[models.Host](ctx, t.store, engagement, models.CollHosts, store.Filter{})
	if err != nil {
		return res, err
	}
	for i := range hosts {
		h := &hosts[i]
		if !s.Covers(h.IP) {
			continue
		}
		wasInScope := h.InScope()
		if _, err := t.store.UpdateOne(ctx, engagement, models.CollHosts, store.ByID(h.ID),
			store.Update{AddToSet: map[string]any{"in_scopes": s.ID}}, store.Notify()); err != nil {
			return res, err
		}
		if !wasInScope {
			if err := t.setHostOverlay(ctx, engagement, h.IP, false); err != nil {
				return res, err
			}
		}
	}

	t.fire(ctx, engagement, s)
	return res, nil
}

// DeleteScope removes the scope, its tools and check instances, and puts
// the tools of hosts left without scope out of scope.
func (t *TargetService) DeleteScope(ctx context.Context, engagement, id string) error {
	s, err := store.Get[models.Scope](ctx, t.store, engagement, models.CollScopes, store.ByID(id))
	if err != nil {
		return err
	}
	if _, err := t.store.DeleteOne(ctx, engagement, models.CollScopes, store.ByID(id), store.Notify()); err != nil {
		return err
	}
	if _, err := t.store.DeleteMany(ctx, engagement, models.CollTools, store.Filter{"scope": s.Scope, "wave": s.Wave}, store.Notify()); err != nil {
		return err
	}
	if _, err := t.store.DeleteMany(ctx, engagement, models.CollCheckInstances, store.Filter{"target_iid": id}, store.Notify()); err != nil {
		return err
	}

	hosts, err := store.FindAll[models.Host](ctx, t.store, engagement, models.CollHosts, store.Filter{"in_scopes": id})
	if err != nil {
		return err
	}
	for i := range hosts {
		h := &hosts[i]
		if _, err := t.store.UpdateOne(ctx, engagement, models.CollHosts, store.ByID(h.ID),
			store.Update{Pull: map[string]any{"in_scopes": id}}, store.Notify()); err != nil {
			return err
		}
		if len(h.InScopes) == 1 {
			if err := t.setHostOverlay(ctx, engagement, h.IP, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// setHostOverlay sets or clears OOS on every tool targeting ip.
func (t *TargetService) setHostOverlay(ctx context.Context, engagement, ip string, oos bool) error {
	tools, err := store.FindAll[models.Tool](ctx, t.store, engagement, models.CollTools, store.Filter{"ip": ip})
	if err != nil {
		return err
	}
	for i := range tools {
		tool := &tools[i]
		if tool.HasOverlay(models.StatusOOS) == oos {
			continue
		}
		if _, err := t.store.UpdateOne(ctx, engagement, models.CollTools, store.ByID(tool.ID),
			store.SetFields(map[string]any{"status": tool.WithOverlay(models.StatusOOS, oos)}), store.Notify()); err != nil {
			return err
		}
	}
	return nil
}

// AddHost stores the host with the ids of the scopes covering it.
func (t *TargetService) AddHost(ctx context.Context, engagement string, h *models.Host) (models.InsertResult, error) {
	h.Normalize()
	if err := h.Validate(); err != nil {
		return models.InsertResult{}, err
	}
	scopes, err := store.FindAll[models.Scope](ctx, t.store, engagement, models.CollScopes, store.Filter{})
	if err != nil {
		return models.InsertResult{}, err
	}
	h.InScopes = h.ComputeScopes(scopes)

	res, err := t.insert(ctx, engagement, h, "")
	if err == nil && res.Res {
		t.fire(ctx, engagement, h)
	}
	return res, err
}

// AddPort stores the port, creating its host first. Port hooks may seed a
// computer and port infos.
func (t *TargetService) AddPort(ctx context.Context, engagement string, p *models.Port) (models.InsertResult, error) {
	p.Normalize()
	if err := p.Validate(); err != nil {
		return models.InsertResult{}, err
	}
	hostRes, err := t.AddHost(ctx, engagement, &models.Host{IP: p.IP})
	if err != nil {
		return models.InsertResult{}, fmt.Errorf("add host of port %s: %w", p.DetailedString(), err)
	}

	fx := t.portHooks.Run(p)
	if len(fx.Infos) > 0 {
		if p.Infos == nil {
			p.Infos = map[string]any{}
		}
		for k, v := range fx.Infos {
			p.Infos[k] = v
		}
	}

	res, err := t.insert(ctx, engagement, p, hostRes.IID)
	if err != nil || !res.Res {
		return res, err
	}
	for i := range fx.Computers {
		if _, err := t.insert(ctx, engagement, &fx.Computers[i], res.IID); err != nil {
			t.logger.WithFields(logger.Fields{"engagement": engagement, "ip": p.IP, "error": err}).Warn("Failed to seed computer")
		}
	}
	t.fire(ctx, engagement, p)
	return res, nil
}

// UpdatePortService records a new service and fires port:onServiceUpdate
// when it changed.
func (t *TargetService) UpdatePortService(ctx context.Context, engagement, portID, service, product string) error {
	p, err := store.Get[models.Port](ctx, t.store, engagement, models.CollPorts, store.ByID(portID))
	if err != nil {
		return err
	}
	service = strings.TrimSpace(service)
	if service == p.Service && (product == "" || product == p.Product) {
		return nil
	}
	set := map[string]any{"service": service}
	if product != "" {
		set["product"] = product
		p.Product = product
	}
	if _, err := t.store.UpdateOne(ctx, engagement, models.CollPorts, store.ByID(portID), store.SetFields(set), store.Notify()); err != nil {
		return err
	}
	p.Service = service
	if _, err := t.checks.Fire(ctx, engagement, models.TriggerPortServiceUpdate, []models.Entity{p}); err != nil {
		return err
	}
	return nil
}

// Delete removes one document. Scopes go through DeleteScope.
func (t *TargetService) Delete(ctx context.Context, engagement, collection, id string) error {
	if collection == models.CollScopes {
		return t.DeleteScope(ctx, engagement, id)
	}
	ok, err := t.store.DeleteOne(ctx, engagement, collection, store.ByID(id), store.Notify())
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NotFound(collection, id)
	}
	return nil
}

func (t *TargetService) List(ctx context.Context, engagement, collection string, filter store.Filter) ([]store.Document, error) {
	if _, ok := models.KindByCollection(collection); !ok && collection != models.CollSettings {
		return nil, apperrors.NewValidationError("collection", collection, "unknown collection")
	}
	return t.store.Find(ctx, engagement, collection, filter)
}

// EnsuredTarget is the entity a plugin target resolved to.
type EnsuredTarget struct {
	Collection string
	ID         string
	Entity     models.Entity
	Created    bool
}

// EnsureTarget creates the entity described by a plugin target when absent
// and returns it. A level holding a trigger name fires that trigger on the
// entity.
func (t *TargetService) EnsureTarget(ctx context.Context, engagement string, target plugins.Target) (*EnsuredTarget, error) {
	level := target.Lvl
	trigger := ""
	if strings.Contains(level, ":") {
		trigger = level
		switch {
		case target.Port != "":
			level = plugins.LevelPort
		case target.IP != "":
			level = plugins.LevelIP
		case target.Scope != "":
			level = plugins.LevelScope
		default:
			level = plugins.LevelWave
		}
	}

	var (
		e   models.Entity
		res models.InsertResult
		err error
	)
	switch level {
	case plugins.LevelWave:
		w := &models.Wave{Wave: target.Wave}
		if w.Wave == "" {
			w.Wave = models.DefaultWave
		}
		res, err = t.AddWave(ctx, engagement, w)
		e = w
	case plugins.LevelScope:
		s := &models.Scope{Wave: target.Wave, Scope: target.Scope}
		res, err = t.AddScope(ctx, engagement, s)
		e = s
	case plugins.LevelIP:
		h := &models.Host{IP: target.IP}
		res, err = t.AddHost(ctx, engagement, h)
		e = h
	case plugins.LevelPort:
		p := &models.Port{IP: target.IP, Port: target.Port, Proto: target.Proto, Service: target.Service, Product: target.Product}
		res, err = t.AddPort(ctx, engagement, p)
		e = p
		if err == nil && !res.Res && target.Service != "" {
			err = t.UpdatePortService(ctx, engagement, res.IID, target.Service, target.Product)
		}
	default:
		return nil, apperrors.NewValidationError("lvl", target.Lvl, "unknown target level")
	}
	if err != nil {
		return nil, err
	}

	out := &EnsuredTarget{Collection: e.Kind().Collection, ID: res.IID, Created: res.Res}
	if out.Entity, err = t.load(ctx, engagement, e.Kind(), res.IID); err != nil {
		return nil, err
	}

	if len(target.Infos) > 0 {
		set := make(map[string]any, len(target.Infos))
		for k, v := range target.Infos {
			set["infos."+k] = v
		}
		if _, err := t.store.UpdateOne(ctx, engagement, out.Collection, store.ByID(out.ID), store.SetFields(set), store.Notify()); err != nil {
			return nil, err
		}
	}
	if trigger != "" {
		if _, err := t.checks.Fire(ctx, engagement, trigger, []models.Entity{out.Entity}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t *TargetService) load(ctx context.Context, engagement string, k models.Kind, id string) (models.Entity, error) {
	doc, err := t.store.FindOne(ctx, engagement, k.Collection, store.ByID(id))
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("%s %s vanished: %w", k.Name, id, err)
		}
		return nil, err
	}
	e := k.New()
	if err := store.Decode(doc, e); err != nil {
		return nil, err
	}
	return e, nil
}
