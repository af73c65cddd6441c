package models

import (
	"fmt"
	"strconv"
	"strings"

	apperrors "pollenisator/pkg/errors"
)

type Port struct {
	Base
	IP      string `json:"ip"`
	Port    string `json:"port"`
	Proto   string `json:"proto"`
	Service string `json:"service,omitempty"`
	Product string `json:"product,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

func (p *Port) Kind() Kind { return registry[EntityPort] }

func (p *Port) Key() map[string]any {
	return map[string]any{"ip": p.IP, "port": p.Port, "proto": p.Proto}
}

func (p *Port) Triggers() []string {
	return []string{TriggerPortAdd}
}

func (p *Port) DetailedString() string {
	return fmt.Sprintf("%s:%s/%s", p.IP, p.Port, p.Proto)
}

func (p *Port) Normalize() {
	p.IP = strings.Trim(strings.ToLower(strings.TrimSpace(p.IP)), ".")
	p.Port = strings.TrimSpace(p.Port)
	p.Proto = strings.ToLower(strings.TrimSpace(p.Proto))
	if p.Proto == "" {
		p.Proto = "tcp"
	}
	p.Service = strings.TrimSpace(p.Service)
}

func (p *Port) Validate() error {
	if p.IP == "" {
		return apperrors.NewValidationError("ip", p.IP, "must not be empty")
	}
	if p.Proto != "tcp" && p.Proto != "udp" {
		return apperrors.NewValidationError("proto", p.Proto, "must be tcp or udp")
	}
	n, err := strconv.Atoi(p.Port)
	if err != nil || n < 0 || n > 65535 {
		return apperrors.NewValidationError("port", p.Port, "must be a number between 0 and 65535")
	}
	return nil
}

func (p *Port) Lookup(marker string) (string, bool) {
	switch marker {
	case "port":
		return p.Port, true
	case "port.proto":
		return p.Proto, true
	case "port.service":
		return p.Service, true
	case "port.product":
		return p.Product, true
	}
	return infosLookup("port", marker, p.Infos)
}

// CheckCommandService reports whether (port, proto, service) matches any
// entry of the comma separated filters. Entries are proto/port,
// proto/service or proto/lo-hi; a missing proto means tcp.
func CheckCommandService(filters []string, port, proto, service string) bool {
	proto = strings.ToLower(proto)
	portNum, portErr := strconv.Atoi(port)
	for _, filter := range filters {
		for _, elem := range strings.Split(filter, ",") {
			elem = strings.TrimSpace(elem)
			if elem == "" {
				continue
			}
			wantProto, rest, found := strings.Cut(elem, "/")
			if !found {
				wantProto, rest = "tcp", elem
			}
			if strings.ToLower(wantProto) != proto {
				continue
			}
			if lo, hi, isRange := strings.Cut(rest, "-"); isRange {
				loN, errLo := strconv.Atoi(lo)
				hiN, errHi := strconv.Atoi(hi)
				if errLo == nil && errHi == nil {
					if portErr == nil && loN <= portNum && portNum <= hiN {
						return true
					}
					continue
				}
			}
			if n, err := strconv.Atoi(rest); err == nil {
				if portErr == nil && n == portNum {
					return true
				}
				continue
			}
			if service != "" && strings.EqualFold(rest, service) {
				return true
			}
		}
	}
	return false
}
