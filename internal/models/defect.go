package models

import (
	"strings"

	apperrors "pollenisator/pkg/errors"
)

// Risk levels, most severe first.
const (
	RiskCritical  = "Critical"
	RiskMajor     = "Major"
	RiskImportant = "Important"
	RiskMinor     = "Minor"
)

var riskOrder = []string{RiskCritical, RiskMajor, RiskImportant, RiskMinor}

// riskMatrix[ease][impact]
var riskMatrix = map[string]map[string]string{
	"Trivial":  {RiskMinor: RiskMajor, RiskImportant: RiskMajor, RiskMajor: RiskCritical, RiskCritical: RiskCritical},
	"Easy":     {RiskMinor: RiskImportant, RiskImportant: RiskImportant, RiskMajor: RiskMajor, RiskCritical: RiskCritical},
	"Moderate": {RiskMinor: RiskMinor, RiskImportant: RiskImportant, RiskMajor: RiskImportant, RiskCritical: RiskMajor},
	"Arduous":  {RiskMinor: RiskMinor, RiskImportant: RiskMinor, RiskMajor: RiskImportant, RiskCritical: RiskImportant},
}

// ComputeRisk derives the risk from ease and impact, or "" when either is
// unknown.
func ComputeRisk(ease, impact string) string {
	return riskMatrix[ease][impact]
}

// RiskRank orders risks, lower is more severe. Unknown risks sort last.
func RiskRank(risk string) int {
	for i, r := range riskOrder {
		if strings.EqualFold(r, risk) {
			return i
		}
	}
	return len(riskOrder)
}

// Defect is a reportable finding. Global defects have no target and are
// ordered by Index; assigned defects point at their global parent.
type Defect struct {
	Base
	Title        string   `json:"title"`
	TargetID     string   `json:"target_id"`
	TargetType   string   `json:"target_type,omitempty"`
	IP           string   `json:"ip,omitempty"`
	Port         string   `json:"port,omitempty"`
	Proto        string   `json:"proto,omitempty"`
	Ease         string   `json:"ease,omitempty"`
	Impact       string   `json:"impact,omitempty"`
	Risk         string   `json:"risk"`
	Types        []string `json:"type,omitempty"`
	Synthesis    string   `json:"synthesis,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	Proofs       []string `json:"proofs,omitempty"`
	Index        int      `json:"index"`
	GlobalDefect string   `json:"global_defect,omitempty"`
}

func (d *Defect) Kind() Kind { return registry[EntityDefect] }

func (d *Defect) Key() map[string]any {
	if d.IsGlobal() {
		return map[string]any{"title": d.Title, "target_id": ""}
	}
	return map[string]any{"title": d.Title, "target_id": d.TargetID, "target_type": d.TargetType}
}

func (d *Defect) Triggers() []string { return nil }

func (d *Defect) DetailedString() string {
	if d.IsGlobal() {
		return d.Title
	}
	if d.Port != "" {
		return d.Title + " on " + d.IP + ":" + d.Port + "/" + d.Proto
	}
	if d.IP != "" {
		return d.Title + " on " + d.IP
	}
	return d.Title
}

func (d *Defect) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return apperrors.NewValidationError("title", d.Title, "must not be empty")
	}
	if d.Risk == "" {
		d.Risk = ComputeRisk(d.Ease, d.Impact)
	}
	if RiskRank(d.Risk) == len(riskOrder) {
		return apperrors.NewValidationError("risk", d.Risk, "must be Critical, Major, Important or Minor")
	}
	return nil
}

func (d *Defect) IsGlobal() bool {
	return d.TargetID == ""
}

// GlobalIndex returns the position a new global defect of the given risk
// takes among existing ones: after every defect at least as severe.
func GlobalIndex(existing []Defect, risk string) int {
	rank := RiskRank(risk)
	pos := 0
	for i := range existing {
		if RiskRank(existing[i].Risk) <= rank {
			pos++
		}
	}
	return pos
}

// Computer is a Windows machine record seeded from SMB discovery.
type Computer struct {
	Base
	IP     string `json:"ip"`
	Name   string `json:"name,omitempty"`
	Domain string `json:"domain,omitempty"`
	OS     string `json:"os,omitempty"`
}

func (c *Computer) Kind() Kind { return registry[EntityComputer] }

func (c *Computer) Key() map[string]any {
	return map[string]any{"ip": c.IP}
}

func (c *Computer) Triggers() []string { return nil }

func (c *Computer) DetailedString() string {
	if c.Name != "" {
		return c.Name + " (" + c.IP + ")"
	}
	return c.IP
}

func (c *Computer) Validate() error {
	if c.IP == "" {
		return apperrors.NewValidationError("ip", c.IP, "must not be empty")
	}
	return nil
}
