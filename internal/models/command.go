package models

import (
	"strings"

	apperrors "pollenisator/pkg/errors"
)

// Command is a command-line template. Global commands are copied into each
// engagement with OriginalIID pointing back at the template.
type Command struct {
	Base
	Name        string   `json:"name"`
	Plugin      string   `json:"plugin"`
	Text        string   `json:"text"`
	Timeout     int      `json:"timeout"`
	Owners      []string `json:"owners,omitempty"`
	OriginalIID string   `json:"original_iid,omitempty"`
}

func (c *Command) Kind() Kind { return registry[EntityCommand] }

func (c *Command) Key() map[string]any {
	return map[string]any{"name": c.Name}
}

func (c *Command) Triggers() []string { return nil }

func (c *Command) DetailedString() string {
	return c.Name
}

func (c *Command) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return apperrors.NewValidationError("name", c.Name, "must not be empty")
	}
	if strings.TrimSpace(c.Text) == "" {
		return apperrors.NewValidationError("text", c.Text, "must not be empty")
	}
	return nil
}

// LocalCopy returns the engagement-local copy of a global command.
func (c *Command) LocalCopy() *Command {
	cp := *c
	cp.Base = Base{Tags: c.Tags, Infos: c.Infos}
	cp.OriginalIID = c.ID
	if c.Owners != nil {
		cp.Owners = append([]string(nil), c.Owners...)
	}
	return &cp
}
