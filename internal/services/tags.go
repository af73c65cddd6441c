package services

import (
	"context"
	"errors"
	"strings"

	"pollenisator/internal/models"
	"pollenisator/internal/store"
	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/hooks"
)

const settingsTagsKey = "tags"

type tagsDoc struct {
	ID   string       `json:"_id,omitempty"`
	Key  string       `json:"key"`
	Tags []models.Tag `json:"tags"`
}

// DefaultTag describes a tag seen for the first time.
func DefaultTag(name string) models.Tag {
	if strings.HasPrefix(name, hooks.PwnedTagPrefix) {
		return models.Tag{Name: name, Color: "red", Level: "high"}
	}
	return models.Tag{Name: name, Color: "grey", Level: "info"}
}

// TagService keeps the engagement tag registry and attaches tags to
// entities.
type TagService struct {
	deps
	alerts Alerter
}

func (t *TagService) load(ctx context.Context, engagement string) (*tagsDoc, error) {
	doc, err := store.Get[tagsDoc](ctx, t.store, engagement, models.CollSettings, store.Filter{"key": settingsTagsKey})
	if errors.Is(err, apperrors.ErrNotFound) {
		return &tagsDoc{Key: settingsTagsKey, Tags: []models.Tag{}}, nil
	}
	return doc, err
}

// List returns the registered tags of an engagement.
func (t *TagService) List(ctx context.Context, engagement string) ([]models.Tag, error) {
	doc, err := t.load(ctx, engagement)
	if err != nil {
		return nil, err
	}
	return doc.Tags, nil
}

// Register adds the tags not yet known to the registry.
func (t *TagService) Register(ctx context.Context, engagement string, tags []models.Tag) error {
	unlock := t.store.LockCollection(engagement, models.CollSettings)
	defer unlock()

	doc, err := t.load(ctx, engagement)
	if err != nil {
		return err
	}
	merged, changed := mergeTags(doc.Tags, tags)
	if !changed {
		return nil
	}
	if doc.ID == "" {
		doc.Tags = merged
		_, err = t.store.Insert(ctx, engagement, models.CollSettings, doc, store.Notify())
		return err
	}
	_, err = t.store.UpdateOne(ctx, engagement, models.CollSettings, store.ByID(doc.ID),
		store.SetFields(map[string]any{"tags": merged}), store.Notify())
	return err
}

// Attach tags the entity stored in collection under id. target describes
// the entity in alerts. New tags are added to the registry and pwned tags
// are alerted.
func (t *TagService) Attach(ctx context.Context, engagement, collection, id, target string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	doc, err := t.store.FindOne(ctx, engagement, collection, store.ByID(id))
	if err != nil {
		return err
	}
	var base models.Base
	if err := store.Decode(doc, &base); err != nil {
		return err
	}

	incoming := make([]models.Tag, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			incoming = append(incoming, DefaultTag(n))
		}
	}
	merged, changed := mergeTags(base.Tags, incoming)
	if changed {
		if _, err := t.store.UpdateOne(ctx, engagement, collection, store.ByID(id),
			store.SetFields(map[string]any{"tags": merged}), store.Notify()); err != nil {
			return err
		}
	}
	if err := t.Register(ctx, engagement, incoming); err != nil {
		return err
	}
	if t.alerts != nil {
		t.alerts.NotifyTags(engagement, target, names)
	}
	return nil
}

func mergeTags(existing, incoming []models.Tag) ([]models.Tag, bool) {
	seen := make(map[string]bool, len(existing))
	out := append([]models.Tag{}, existing...)
	for _, tag := range existing {
		seen[tag.Name] = true
	}
	changed := false
	for _, tag := range incoming {
		if tag.Name == "" || seen[tag.Name] {
			continue
		}
		seen[tag.Name] = true
		out = append(out, tag)
		changed = true
	}
	return out, changed
}
