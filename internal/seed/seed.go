// Package seed loads command, check item and defect templates from YAML
// into the global namespace.
package seed

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"pollenisator/internal/models"
	"pollenisator/internal/store"
	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/logger"
)

//go:embed schema.json
var schemaJSON []byte

//go:embed templates/default.yaml
var defaultTemplates []byte

type CommandTemplate struct {
	Name    string `yaml:"name"`
	Plugin  string `yaml:"plugin"`
	Text    string `yaml:"text"`
	Timeout int    `yaml:"timeout"`
}

// CheckTemplate names its commands; they are resolved to ids on apply.
type CheckTemplate struct {
	Title        string   `yaml:"title"`
	Lvl          string   `yaml:"lvl"`
	Category     string   `yaml:"category"`
	Description  string   `yaml:"description"`
	PentestTypes []string `yaml:"pentest_types"`
	Ports        string   `yaml:"ports"`
	Priority     int      `yaml:"priority"`
	Commands     []string `yaml:"commands"`
}

type DefectTemplate struct {
	Title     string   `yaml:"title"`
	Ease      string   `yaml:"ease"`
	Impact    string   `yaml:"impact"`
	Risk      string   `yaml:"risk"`
	Types     []string `yaml:"type"`
	Synthesis string   `yaml:"synthesis"`
}

type TemplateSet struct {
	Commands []CommandTemplate `yaml:"commands"`
	Checks   []CheckTemplate   `yaml:"checks"`
	Defects  []DefectTemplate  `yaml:"defects"`
}

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to load template schema: %w", err)
	}
	return s, nil
})

// Parse decodes a YAML template set and validates it against the
// template schema.
func Parse(data []byte) (*TemplateSet, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, apperrors.NewValidationError("template", nil, "invalid YAML: "+err.Error())
	}
	if raw == nil {
		raw = map[string]any{}
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		return nil, apperrors.NewValidationError("template", nil, err.Error())
	}

	s, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, apperrors.NewValidationError("template", nil, strings.Join(problems, "; "))
	}

	var set TemplateSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, apperrors.NewValidationError("template", nil, err.Error())
	}
	if err := set.resolvable(); err != nil {
		return nil, err
	}
	return &set, nil
}

// LoadFile parses the template set stored at path.
func LoadFile(path string) (*TemplateSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	set, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

// Default returns the embedded template set.
func Default() (*TemplateSet, error) {
	return Parse(defaultTemplates)
}

// resolvable checks that every command a check names is part of the set.
func (t *TemplateSet) resolvable() error {
	names := make(map[string]bool, len(t.Commands))
	for _, c := range t.Commands {
		names[c.Name] = true
	}
	for _, chk := range t.Checks {
		for _, name := range chk.Commands {
			if !names[name] {
				return apperrors.NewValidationError("commands", name, fmt.Sprintf("check %q names an unknown command", chk.Title))
			}
		}
	}
	return nil
}

// Report counts the templates inserted and those already present.
type Report struct {
	Commands int `json:"commands"`
	Checks   int `json:"checks"`
	Defects  int `json:"defects"`
	Skipped  int `json:"skipped"`
}

type Seeder struct {
	store  *store.Store
	logger *logger.Logger
}

func NewSeeder(st *store.Store, log *logger.Logger) *Seeder {
	return &Seeder{store: st, logger: log}
}

// Apply inserts the set into the global namespace. Templates are unique by
// name (commands) or title; existing ones are left untouched, so applying
// the same set twice is harmless.
func (s *Seeder) Apply(ctx context.Context, set *TemplateSet) (Report, error) {
	var report Report
	ids := make(map[string]string, len(set.Commands))

	for _, c := range set.Commands {
		cmd := &models.Command{Name: c.Name, Plugin: c.Plugin, Text: c.Text, Timeout: c.Timeout}
		if cmd.Plugin == "" {
			cmd.Plugin = "Default"
		}
		if err := cmd.Validate(); err != nil {
			return report, err
		}
		res, err := s.store.InsertUnique(ctx, models.GlobalNamespace, models.CollCommands, store.Filter{"name": cmd.Name}, cmd)
		if err != nil {
			return report, err
		}
		ids[c.Name] = res.IID
		report.count(res.Res, &report.Commands)
	}

	for _, c := range set.Checks {
		item := &models.CheckItem{
			Title:        c.Title,
			Lvl:          c.Lvl,
			Category:     c.Category,
			Description:  c.Description,
			PentestTypes: c.PentestTypes,
			Ports:        c.Ports,
			Priority:     c.Priority,
			Commands:     make([]string, 0, len(c.Commands)),
		}
		for _, name := range c.Commands {
			item.Commands = append(item.Commands, ids[name])
		}
		if err := item.Validate(); err != nil {
			return report, err
		}
		res, err := s.store.InsertUnique(ctx, models.GlobalNamespace, models.CollCheckItems,
			store.Filter{"title": item.Title, "lvl": item.Lvl}, item)
		if err != nil {
			return report, err
		}
		report.count(res.Res, &report.Checks)
	}

	for _, d := range set.Defects {
		defect := &models.Defect{
			Title:     d.Title,
			Ease:      d.Ease,
			Impact:    d.Impact,
			Risk:      d.Risk,
			Types:     d.Types,
			Synthesis: d.Synthesis,
		}
		if err := defect.Validate(); err != nil {
			return report, err
		}
		res, err := s.store.InsertUnique(ctx, models.GlobalNamespace, models.CollDefects, store.Filter{"title": defect.Title}, defect)
		if err != nil {
			return report, err
		}
		report.count(res.Res, &report.Defects)
	}

	s.logger.WithFields(logger.Fields{
		"commands": report.Commands,
		"checks":   report.Checks,
		"defects":  report.Defects,
		"skipped":  report.Skipped,
	}).Info("Templates seeded")
	return report, nil
}

func (r *Report) count(inserted bool, n *int) {
	if inserted {
		*n++
		return
	}
	r.Skipped++
}
