package models

import (
	"net"
	"strings"

	apperrors "pollenisator/pkg/errors"
)

// Scope is a network range or a DNS domain declared in scope for a wave.
type Scope struct {
	Base
	Wave  string `json:"wave"`
	Scope string `json:"scope"`
	Notes string `json:"notes,omitempty"`
}

func (s *Scope) Kind() Kind { return registry[EntityScope] }

func (s *Scope) Key() map[string]any {
	return map[string]any{"wave": s.Wave, "scope": s.Scope}
}

// IsNetwork reports whether the scope is an IP range rather than a domain.
func (s *Scope) IsNetwork() bool {
	_, ok := s.network()
	return ok
}

func (s *Scope) network() (*net.IPNet, bool) {
	if _, ipnet, err := net.ParseCIDR(s.Scope); err == nil {
		return ipnet, true
	}
	if ip := net.ParseIP(s.Scope); ip != nil {
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, true
	}
	return nil, false
}

func (s *Scope) Triggers() []string {
	if s.IsNetwork() {
		return []string{TriggerScopeAdd, TriggerScopeRangeAdd}
	}
	return []string{TriggerScopeAdd, TriggerScopeDomainAdd}
}

func (s *Scope) DetailedString() string {
	return s.Scope
}

// Normalize canonicalizes ranges to their network address and domains to
// lowercase without surrounding dots.
func (s *Scope) Normalize() {
	if s.Wave == "" {
		s.Wave = DefaultWave
	}
	s.Scope = strings.TrimSpace(s.Scope)
	if _, ipnet, err := net.ParseCIDR(s.Scope); err == nil {
		s.Scope = ipnet.String()
		return
	}
	if net.ParseIP(s.Scope) == nil {
		s.Scope = strings.Trim(strings.ToLower(s.Scope), ".")
	}
}

func (s *Scope) Validate() error {
	if s.Scope == "" {
		return apperrors.NewValidationError("scope", s.Scope, "must not be empty")
	}
	if strings.Contains(s.Scope, "/") && !s.IsNetwork() {
		return apperrors.NewValidationError("scope", s.Scope, "not a valid CIDR range")
	}
	if strings.ContainsAny(s.Scope, " \t") {
		return apperrors.NewValidationError("scope", s.Scope, "must not contain spaces")
	}
	return nil
}

// Covers reports whether host (an IP or a DNS name) falls inside the scope:
// CIDR containment for ranges, equality or subdomain for domains.
func (s *Scope) Covers(host string) bool {
	host = strings.Trim(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return false
	}
	if ipnet, ok := s.network(); ok {
		ip := net.ParseIP(host)
		return ip != nil && ipnet.Contains(ip)
	}
	if net.ParseIP(host) != nil {
		return false
	}
	return host == s.Scope || strings.HasSuffix(host, "."+s.Scope)
}

// ParentDomain returns the scope without its first label, or the scope
// itself when it has at most two labels.
func (s *Scope) ParentDomain() string {
	if s.IsNetwork() {
		return s.Scope
	}
	labels := strings.Split(s.Scope, ".")
	if len(labels) <= 2 {
		return s.Scope
	}
	return strings.Join(labels[1:], ".")
}

func (s *Scope) Lookup(marker string) (string, bool) {
	switch marker {
	case "scope":
		return s.Scope, true
	case "parent_domain":
		return s.ParentDomain(), true
	}
	return infosLookup("scope", marker, s.Infos)
}
