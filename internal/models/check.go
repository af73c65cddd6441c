package models

import (
	"fmt"
	"slices"
	"strings"

	apperrors "pollenisator/pkg/errors"
)

// CheckItem is a global template describing when and how a target should be
// audited.
type CheckItem struct {
	Base
	Title        string   `json:"title"`
	Lvl          string   `json:"lvl"`
	PentestTypes []string `json:"pentest_types,omitempty"`
	Commands     []string `json:"commands"`
	Ports        string   `json:"ports,omitempty"`
	Priority     int      `json:"priority"`
	Category     string   `json:"category,omitempty"`
	Description  string   `json:"description,omitempty"`
	Parent       string   `json:"parent,omitempty"`
}

func (c *CheckItem) Kind() Kind { return registry[EntityCheckItem] }

func (c *CheckItem) Key() map[string]any {
	return map[string]any{"title": c.Title, "lvl": c.Lvl}
}

func (c *CheckItem) Triggers() []string { return nil }

func (c *CheckItem) DetailedString() string {
	return c.Title
}

func (c *CheckItem) Validate() error {
	if strings.TrimSpace(c.Title) == "" {
		return apperrors.NewValidationError("title", c.Title, "must not be empty")
	}
	if !strings.Contains(c.Lvl, ":") {
		return apperrors.NewValidationError("lvl", c.Lvl, "must be a trigger name such as port:onAdd")
	}
	return nil
}

// AppliesTo reports whether the item is enabled for the engagement's
// pentest type. Items without types apply everywhere.
func (c *CheckItem) AppliesTo(pentestType string) bool {
	if len(c.PentestTypes) == 0 || pentestType == "" {
		return true
	}
	return slices.ContainsFunc(c.PentestTypes, func(t string) bool {
		return strings.EqualFold(t, pentestType)
	})
}

// MatchesPort applies the item's port filter. An empty filter matches.
func (c *CheckItem) MatchesPort(p *Port) bool {
	if strings.TrimSpace(c.Ports) == "" {
		return true
	}
	return CheckCommandService([]string{c.Ports}, p.Port, p.Proto, p.Service)
}

const (
	CheckStatusNone    = ""
	CheckStatusTodo    = "todo"
	CheckStatusRunning = "running"
	CheckStatusDone    = "done"
)

// CheckInstance materializes a CheckItem on one target.
type CheckInstance struct {
	Base
	CheckIID   string `json:"check_iid"`
	TargetType string `json:"target_type"`
	TargetIID  string `json:"target_iid"`
	Status     string `json:"status"`
	Notes      string `json:"notes,omitempty"`
}

func (c *CheckInstance) Kind() Kind { return registry[EntityCheckInstance] }

func (c *CheckInstance) Key() map[string]any {
	return map[string]any{"check_iid": c.CheckIID, "target_type": c.TargetType, "target_iid": c.TargetIID}
}

func (c *CheckInstance) Triggers() []string { return nil }

func (c *CheckInstance) DetailedString() string {
	return fmt.Sprintf("check %s on %s %s", c.CheckIID, c.TargetType, c.TargetIID)
}

func (c *CheckInstance) Validate() error {
	if c.CheckIID == "" || c.TargetIID == "" {
		return apperrors.NewValidationError("check_iid", c.CheckIID, "check and target are required")
	}
	return nil
}

// ComputeCheckStatus derives a check instance status from its tools: done
// when all are done, running when any runs, todo otherwise. A check without
// commands has no status.
func ComputeCheckStatus(tools []Tool, hasCommands bool) string {
	if !hasCommands {
		return CheckStatusNone
	}
	if len(tools) == 0 {
		return CheckStatusTodo
	}
	allDone := true
	for i := range tools {
		lifecycle := tools[i].Lifecycle()
		if lifecycle == StatusRunning {
			return CheckStatusRunning
		}
		if lifecycle != StatusDone {
			allDone = false
		}
	}
	if allDone {
		return CheckStatusDone
	}
	return CheckStatusTodo
}
