package services

import (
	"context"
	"errors"
	"sort"

	"pollenisator/internal/models"
	"pollenisator/internal/store"
	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/logger"
)

type DefectMethods interface {
	Add(ctx context.Context, engagement string, d *models.Defect) (models.InsertResult, error)
	ListGlobal(ctx context.Context, engagement string) ([]models.Defect, error)
}

// DefectService stores defects. Global defects are kept ordered by risk;
// assigned defects point at a global defect of the same title, created on
// demand.
type DefectService struct {
	deps
	alerts Alerter
}

var globalDefectFilter = store.Filter{"target_id": store.In{"", nil}}

// Add stores d unless an identical defect exists.
func (s *DefectService) Add(ctx context.Context, engagement string, d *models.Defect) (models.InsertResult, error) {
	if err := d.Validate(); err != nil {
		return models.InsertResult{}, err
	}
	var (
		res models.InsertResult
		err error
	)
	if d.IsGlobal() {
		res, err = s.addGlobal(ctx, engagement, d)
	} else {
		res, err = s.addAssigned(ctx, engagement, d)
	}
	if err != nil {
		return res, err
	}
	d.ID = res.IID
	if res.Res && s.alerts != nil {
		s.alerts.NotifyDefect(engagement, d)
	}
	return res, nil
}

func (s *DefectService) addGlobal(ctx context.Context, engagement string, d *models.Defect) (models.InsertResult, error) {
	unlock := s.store.LockCollection(engagement, models.CollDefects)
	defer unlock()

	existing, err := store.FindAll[models.Defect](ctx, s.store, engagement, models.CollDefects, globalDefectFilter)
	if err != nil {
		return models.InsertResult{}, err
	}
	for i := range existing {
		if existing[i].Title == d.Title {
			return models.InsertResult{Res: false, IID: existing[i].ID}, nil
		}
	}

	d.Index = models.GlobalIndex(existing, d.Risk)
	var ops []store.WriteOp
	for i := range existing {
		if existing[i].Index >= d.Index {
			ops = append(ops, store.UpdateOp(store.ByID(existing[i].ID),
				store.SetFields(map[string]any{"index": existing[i].Index + 1}), false))
		}
	}
	if len(ops) > 0 {
		if _, err := s.store.BulkWrite(ctx, engagement, models.CollDefects, ops, store.Notify()); err != nil {
			return models.InsertResult{}, err
		}
	}
	id, err := s.store.Insert(ctx, engagement, models.CollDefects, d, store.Notify())
	if err != nil {
		return models.InsertResult{}, err
	}
	s.logger.WithFields(logger.Fields{"engagement": engagement, "title": d.Title, "index": d.Index}).Debug("Global defect added")
	return models.InsertResult{Res: true, IID: id}, nil
}

func (s *DefectService) addAssigned(ctx context.Context, engagement string, d *models.Defect) (models.InsertResult, error) {
	if d.GlobalDefect == "" {
		global := &models.Defect{
			Title:     d.Title,
			Ease:      d.Ease,
			Impact:    d.Impact,
			Risk:      d.Risk,
			Types:     d.Types,
			Synthesis: d.Synthesis,
		}
		res, err := s.addGlobal(ctx, engagement, global)
		if err != nil {
			return models.InsertResult{}, err
		}
		d.GlobalDefect = res.IID
	}
	return s.store.InsertUnique(ctx, engagement, models.CollDefects, keyFilter(d.Key()), d, store.Notify(), store.WithParent(d.GlobalDefect))
}

// ListGlobal returns the global defects in report order.
func (s *DefectService) ListGlobal(ctx context.Context, engagement string) ([]models.Defect, error) {
	defects, err := store.FindAll[models.Defect](ctx, s.store, engagement, models.CollDefects, globalDefectFilter)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(defects, func(i, j int) bool { return defects[i].Index < defects[j].Index })
	return defects, nil
}

// templateFor returns the global defect template titled title, if any.
func (s *DefectService) templateFor(ctx context.Context, title string) (*models.Defect, error) {
	tpl, err := store.Get[models.Defect](ctx, s.store, models.GlobalNamespace, models.CollDefects, store.Filter{"title": title})
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	return tpl, err
}
