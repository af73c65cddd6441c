package services

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"pollenisator/internal/auth"
	"pollenisator/internal/files"
	"pollenisator/internal/models"
	"pollenisator/internal/store"
	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/logger"
)

type EngagementMethods interface {
	Create(ctx context.Context, req CreateEngagement) (*models.Engagement, error)
	List(ctx context.Context) ([]models.Engagement, error)
	Get(ctx context.Context, id string) (*models.Engagement, error)
	Delete(ctx context.Context, id string) error
	MintToken(ctx context.Context, id, subject string) (auth.Token, error)
}

type CreateEngagement struct {
	Name        string `json:"name" binding:"required"`
	Creator     string `json:"creator"`
	PentestType string `json:"pentest_type"`
	AutoQueue   bool   `json:"auto_queue"`
}

// EngagementService owns the engagement registry of the global namespace
// and the lifecycle of each engagement namespace.
type EngagementService struct {
	deps
	files    *files.Layout
	tokens   *auth.Registry
	targets  *TargetService
	autoscan *AutoscanService
}

// Create registers a new engagement under a fresh UUID, copies the
// global commands into its namespace and adds the default wave.
func (s *EngagementService) Create(ctx context.Context, req CreateEngagement) (*models.Engagement, error) {
	eng := &models.Engagement{
		UUID:        uuid.NewString(),
		Name:        strings.TrimSpace(req.Name),
		Creator:     req.Creator,
		PentestType: req.PentestType,
		AutoQueue:   req.AutoQueue,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.register(ctx, eng); err != nil {
		return nil, err
	}

	commands, err := store.FindAll[models.Command](ctx, s.store, models.GlobalNamespace, models.CollCommands, store.Filter{})
	if err != nil {
		return nil, err
	}
	local := make([]*models.Command, 0, len(commands))
	for i := range commands {
		local = append(local, commands[i].LocalCopy())
	}
	if _, err := store.InsertAll(ctx, s.store, eng.UUID, models.CollCommands, local); err != nil {
		return nil, err
	}
	// the default wave fires its checks against the local commands
	if _, err := s.targets.AddWave(ctx, eng.UUID, &models.Wave{Wave: models.DefaultWave}); err != nil {
		return nil, err
	}

	s.logger.WithFields(logger.Fields{
		"engagement": eng.UUID,
		"name":       eng.Name,
		"commands":   len(local),
	}).Info("Engagement created")
	return eng, nil
}

// register validates the name against the existing engagements and
// stores the record.
func (s *EngagementService) register(ctx context.Context, eng *models.Engagement) error {
	unlock := s.store.LockCollection(models.GlobalNamespace, models.CollEngagements)
	defer unlock()

	existing, err := s.List(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(existing))
	for _, e := range existing {
		names = append(names, e.Name)
	}
	if err := models.ValidateEngagementName(eng.Name, names); err != nil {
		return err
	}
	_, err = s.store.Insert(ctx, models.GlobalNamespace, models.CollEngagements, eng, store.Notify())
	return err
}

func (s *EngagementService) List(ctx context.Context) ([]models.Engagement, error) {
	return store.FindAll[models.Engagement](ctx, s.store, models.GlobalNamespace, models.CollEngagements, store.Filter{})
}

func (s *EngagementService) Get(ctx context.Context, id string) (*models.Engagement, error) {
	eng, err := store.Get[models.Engagement](ctx, s.store, models.GlobalNamespace, models.CollEngagements, store.Filter{"uuid": id})
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.NotFound("engagement", id)
	}
	return eng, err
}

// Delete stops the autoscan, drops the namespace and the files, revokes
// the tokens and unbinds the workers of an engagement.
func (s *EngagementService) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if s.autoscan != nil {
		s.autoscan.supervisor.Stop(id)
	}
	if err := s.store.DropNamespace(ctx, id); err != nil {
		return err
	}
	if _, err := s.store.DeleteOne(ctx, models.GlobalNamespace, models.CollEngagements, store.Filter{"uuid": id}, store.Notify()); err != nil {
		return err
	}
	if _, err := s.store.UpdateMany(ctx, models.GlobalNamespace, models.CollWorkers, store.Filter{"pentest": id},
		store.SetFields(map[string]any{"pentest": "", "running_tools": []models.RunningTool{}}), store.Notify()); err != nil {
		return err
	}
	if s.tokens != nil {
		s.tokens.RevokeEngagement(id)
	}
	if s.files != nil {
		if err := s.files.RemoveEngagement(id); err != nil {
			s.logger.WithFields(logger.Fields{"engagement": id, "error": err}).Warn("Failed to remove engagement files")
		}
	}
	s.metrics.SetQueueLength(id, 0)
	s.logger.WithFields(logger.Fields{"engagement": id}).Info("Engagement deleted")
	return nil
}

// MintToken issues a notification client token for an engagement.
func (s *EngagementService) MintToken(ctx context.Context, id, subject string) (auth.Token, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return auth.Token{}, err
	}
	return s.tokens.Mint(id, subject, auth.ScopeClient), nil
}
