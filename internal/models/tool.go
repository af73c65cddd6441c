package models

import (
	"fmt"
	"slices"
	"strings"
	"time"

	apperrors "pollenisator/pkg/errors"
)

// Lifecycle flags and scheduling overlays of a tool status.
const (
	StatusReady    = "ready"
	StatusRunning  = "running"
	StatusDone     = "done"
	StatusError    = "error"
	StatusTimedOut = "timedout"
	StatusOOS      = "OOS"
	StatusOOT      = "OOT"
)

var lifecycleFlags = []string{StatusReady, StatusRunning, StatusDone, StatusError, StatusTimedOut}

var allowedTransitions = map[string]map[string]bool{
	StatusReady: {
		StatusReady:   true,
		StatusRunning: true,
		StatusDone:    true,
		StatusError:   true,
	},
	StatusRunning: {
		StatusReady:    true,
		StatusDone:     true,
		StatusError:    true,
		StatusTimedOut: true,
	},
	StatusDone:     {StatusReady: true},
	StatusError:    {StatusReady: true},
	StatusTimedOut: {StatusReady: true},
}

// ValidateTransition refuses lifecycle changes outside the state machine.
func ValidateTransition(from, to string) error {
	if allowedTransitions[from][to] {
		return nil
	}
	return &apperrors.TransitionError{From: from, To: to}
}

// IsTerminal reports whether the lifecycle flag ends a run.
func IsTerminal(lifecycle string) bool {
	return lifecycle == StatusDone || lifecycle == StatusError || lifecycle == StatusTimedOut
}

// Tool is one invocation of a command against a target.
type Tool struct {
	Base
	Name       string     `json:"name"`
	Wave       string     `json:"wave"`
	Lvl        string     `json:"lvl"`
	CommandIID string     `json:"command_iid,omitempty"`
	CheckIID   string     `json:"check_iid,omitempty"`
	Scope      string     `json:"scope,omitempty"`
	IP         string     `json:"ip,omitempty"`
	Port       string     `json:"port,omitempty"`
	Proto      string     `json:"proto,omitempty"`
	Text       string     `json:"text"`
	Status     []string   `json:"status"`
	Priority   int        `json:"priority"`
	Dated      *time.Time `json:"dated,omitempty"`
	Datef      *time.Time `json:"datef,omitempty"`
	Scanner    string     `json:"scanner,omitempty"`
	PluginUsed string     `json:"plugin_used,omitempty"`
	ResultFile string     `json:"resultfile,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

func (t *Tool) Kind() Kind { return registry[EntityTool] }

func (t *Tool) Key() map[string]any {
	return map[string]any{
		"wave":      t.Wave,
		"name":      t.Name,
		"lvl":       t.Lvl,
		"check_iid": t.CheckIID,
		"scope":     t.Scope,
		"ip":        t.IP,
		"port":      t.Port,
		"proto":     t.Proto,
	}
}

func (t *Tool) Triggers() []string { return nil }

func (t *Tool) DetailedString() string {
	switch {
	case t.Port != "":
		return fmt.Sprintf("%s on %s:%s/%s", t.Name, t.IP, t.Port, t.Proto)
	case t.IP != "":
		return fmt.Sprintf("%s on %s", t.Name, t.IP)
	case t.Scope != "":
		return fmt.Sprintf("%s on %s", t.Name, t.Scope)
	default:
		return fmt.Sprintf("%s on wave %s", t.Name, t.Wave)
	}
}

func (t *Tool) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return apperrors.NewValidationError("name", t.Name, "must not be empty")
	}
	if t.Wave == "" {
		return apperrors.NewValidationError("wave", t.Wave, "must not be empty")
	}
	return nil
}

// TargetType names the kind of entity the tool runs against.
func (t *Tool) TargetType() string {
	switch {
	case t.Port != "":
		return EntityPort
	case t.IP != "":
		return EntityHost
	case t.Scope != "":
		return EntityScope
	default:
		return EntityWave
	}
}

// Lifecycle returns the lifecycle flag, ready when none is set.
func (t *Tool) Lifecycle() string {
	for _, s := range t.Status {
		if slices.Contains(lifecycleFlags, s) {
			return s
		}
	}
	return StatusReady
}

func (t *Tool) HasOverlay(flag string) bool {
	return slices.Contains(t.Status, flag)
}

// Eligible reports whether the autoscan may pick the tool: ready and not
// out of scope. OOT is decided from the live intervals instead.
func (t *Tool) Eligible() bool {
	return t.Lifecycle() == StatusReady && !t.HasOverlay(StatusOOS)
}

// Transition returns the status list after moving to the lifecycle flag
// to, keeping the overlays.
func (t *Tool) Transition(to string) ([]string, error) {
	if err := ValidateTransition(t.Lifecycle(), to); err != nil {
		return nil, err
	}
	next := []string{to}
	for _, s := range t.Status {
		if s == StatusOOS || s == StatusOOT {
			next = append(next, s)
		}
	}
	return next, nil
}

// WithOverlay returns the status list with the overlay set or cleared.
func (t *Tool) WithOverlay(flag string, on bool) []string {
	next := make([]string, 0, len(t.Status)+1)
	for _, s := range t.Status {
		if s != flag {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		next = append(next, StatusReady)
	}
	if on {
		next = append(next, flag)
	}
	return next
}

func (t *Tool) Lookup(marker string) (string, bool) {
	return infosLookup("tool", marker, t.Infos)
}
