package models

import (
	"net"
	"strings"

	apperrors "pollenisator/pkg/errors"
)

// Host is an IP address or DNS name seen during the engagement.
type Host struct {
	Base
	IP       string   `json:"ip"`
	InScopes []string `json:"in_scopes"`
	OS       string   `json:"os,omitempty"`
	Notes    string   `json:"notes,omitempty"`
}

func (h *Host) Kind() Kind { return registry[EntityHost] }

func (h *Host) Key() map[string]any {
	return map[string]any{"ip": h.IP}
}

func (h *Host) Triggers() []string {
	return []string{TriggerHostAdd}
}

func (h *Host) DetailedString() string {
	return h.IP
}

func (h *Host) Normalize() {
	h.IP = strings.Trim(strings.ToLower(strings.TrimSpace(h.IP)), ".")
	if h.InScopes == nil {
		h.InScopes = []string{}
	}
}

func (h *Host) Validate() error {
	if h.IP == "" {
		return apperrors.NewValidationError("ip", h.IP, "must not be empty")
	}
	if strings.ContainsAny(h.IP, " /\t") {
		return apperrors.NewValidationError("ip", h.IP, "not an address or hostname")
	}
	return nil
}

// IsIP reports whether the host is a literal address.
func (h *Host) IsIP() bool {
	return net.ParseIP(h.IP) != nil
}

// InScope reports whether at least one scope covers the host.
func (h *Host) InScope() bool {
	return len(h.InScopes) > 0
}

// ComputeScopes returns the ids of the scopes covering the host.
func (h *Host) ComputeScopes(scopes []Scope) []string {
	ids := []string{}
	for i := range scopes {
		if scopes[i].Covers(h.IP) {
			ids = append(ids, scopes[i].ID)
		}
	}
	return ids
}

func (h *Host) Lookup(marker string) (string, bool) {
	if marker == "ip" {
		return h.IP, true
	}
	return infosLookup("ip", marker, h.Infos)
}
