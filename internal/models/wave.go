package models

import (
	"fmt"
	"strings"
	"time"

	apperrors "pollenisator/pkg/errors"
)

// Wave groups tools and the time windows in which they may run.
type Wave struct {
	Base
	Wave     string   `json:"wave"`
	WaveCmds []string `json:"wave_cmds,omitempty"`
}

func (w *Wave) Kind() Kind { return registry[EntityWave] }

func (w *Wave) Key() map[string]any {
	return map[string]any{"wave": w.Wave}
}

func (w *Wave) Triggers() []string {
	return []string{TriggerWaveAdd}
}

func (w *Wave) DetailedString() string {
	return w.Wave
}

func (w *Wave) Validate() error {
	if strings.TrimSpace(w.Wave) == "" {
		return apperrors.NewValidationError("wave", w.Wave, "must not be empty")
	}
	return nil
}

func (w *Wave) Lookup(marker string) (string, bool) {
	if marker == "wave" {
		return w.Wave, true
	}
	return infosLookup("wave", marker, w.Infos)
}

// IntervalDateFormat is the textual format accepted for interval bounds.
const IntervalDateFormat = "02/01/2006 15:04:05"

// Interval is a [Dated, Datef) window attached to a wave.
type Interval struct {
	Base
	Wave  string    `json:"wave"`
	Dated time.Time `json:"dated"`
	Datef time.Time `json:"datef"`
}

func (i *Interval) Kind() Kind { return registry[EntityInterval] }

func (i *Interval) Key() map[string]any {
	return map[string]any{"wave": i.Wave, "dated": i.Dated, "datef": i.Datef}
}

func (i *Interval) Triggers() []string { return nil }

func (i *Interval) DetailedString() string {
	return fmt.Sprintf("%s [%s, %s)", i.Wave, i.Dated.Format(IntervalDateFormat), i.Datef.Format(IntervalDateFormat))
}

func (i *Interval) Validate() error {
	if i.Wave == "" {
		return apperrors.NewValidationError("wave", i.Wave, "must not be empty")
	}
	if !i.Datef.After(i.Dated) {
		return apperrors.NewValidationError("datef", i.Datef, "must be after dated")
	}
	return nil
}

// Contains reports whether now falls inside the window.
func (i *Interval) Contains(now time.Time) bool {
	return !now.Before(i.Dated) && now.Before(i.Datef)
}

// ParseInterval builds an interval from the textual date format.
func ParseInterval(wave, dated, datef string) (*Interval, error) {
	start, err := time.ParseInLocation(IntervalDateFormat, dated, time.Local)
	if err != nil {
		return nil, apperrors.NewValidationError("dated", dated, "bad date format, expected "+IntervalDateFormat)
	}
	end, err := time.ParseInLocation(IntervalDateFormat, datef, time.Local)
	if err != nil {
		return nil, apperrors.NewValidationError("datef", datef, "bad date format, expected "+IntervalDateFormat)
	}
	return &Interval{Wave: wave, Dated: start, Datef: end}, nil
}

// ActiveWaves returns the set of waves with an interval containing now.
func ActiveWaves(intervals []Interval, now time.Time) map[string]bool {
	active := make(map[string]bool)
	for i := range intervals {
		if intervals[i].Contains(now) {
			active[intervals[i].Wave] = true
		}
	}
	return active
}
