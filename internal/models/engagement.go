package models

import (
	"strings"
	"time"

	apperrors "pollenisator/pkg/errors"
)

// Engagement is the unit of isolation. UUID names its namespace.
type Engagement struct {
	UUID        string    `json:"uuid"`
	Name        string    `json:"name"`
	Creator     string    `json:"creator,omitempty"`
	PentestType string    `json:"pentest_type,omitempty"`
	AutoQueue   bool      `json:"auto_queue"`
	CreatedAt   time.Time `json:"creation_date"`
}

var reservedEngagementNames = []string{"admin", "config", "local", "broker_pollenisator", GlobalNamespace}

// ValidateEngagementName checks a new name against the naming rules and the
// names already in use.
func ValidateEngagementName(name string, existing []string) error {
	if strings.TrimSpace(name) == "" {
		return apperrors.NewValidationError("name", name, "must not be empty")
	}
	lower := strings.ToLower(name)
	for _, reserved := range reservedEngagementNames {
		if strings.Contains(lower, reserved) {
			return apperrors.NewValidationError("name", name, "contains reserved word "+reserved)
		}
	}
	if strings.Contains(name, ".") {
		return apperrors.NewValidationError("name", name, "must not contain a dot")
	}
	if strings.ContainsAny(name, " \t") {
		return apperrors.NewValidationError("name", name, "must not contain spaces")
	}
	for _, e := range existing {
		if strings.EqualFold(e, name) {
			return apperrors.NewValidationError("name", name, "already used")
		}
	}
	return nil
}
