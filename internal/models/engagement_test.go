package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "pollenisator/pkg/errors"
)

func TestValidateEngagementName(t *testing.T) {
	existing := []string{"AcmeCorp"}

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid", input: "client_2024"},
		{name: "empty", input: "", wantErr: true},
		{name: "reserved admin", input: "admin", wantErr: true},
		{name: "reserved global namespace", input: "pollenisator", wantErr: true},
		{name: "reserved is case insensitive", input: "Config", wantErr: true},
		{name: "dot", input: "acme.test", wantErr: true},
		{name: "space", input: "acme test", wantErr: true},
		{name: "duplicate ignoring case", input: "acmecorp", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEngagementName(tt.input, existing)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperrors.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseInterval(t *testing.T) {
	i, err := ParseInterval("w1", "01/02/2024 08:00:00", "01/02/2024 18:00:00")
	require.NoError(t, err)
	require.NoError(t, i.Validate())

	inside := time.Date(2024, 2, 1, 12, 0, 0, 0, time.Local)
	assert.True(t, i.Contains(inside))
	assert.True(t, i.Contains(i.Dated))
	assert.False(t, i.Contains(i.Datef))

	_, err = ParseInterval("w1", "2024-02-01", "01/02/2024 18:00:00")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestActiveWaves(t *testing.T) {
	now := time.Now()
	intervals := []Interval{
		{Wave: "past", Dated: now.Add(-2 * time.Hour), Datef: now.Add(-time.Minute)},
		{Wave: "current", Dated: now.Add(-time.Hour), Datef: now.Add(time.Hour)},
	}

	active := ActiveWaves(intervals, now)
	assert.True(t, active["current"])
	assert.False(t, active["past"])
}

func TestDefectRisk(t *testing.T) {
	assert.Equal(t, RiskCritical, ComputeRisk("Trivial", RiskCritical))
	assert.Equal(t, RiskMinor, ComputeRisk("Arduous", RiskMinor))
	assert.Equal(t, "", ComputeRisk("Unknown", RiskMinor))

	existing := []Defect{
		{Risk: RiskCritical, Index: 0},
		{Risk: RiskMajor, Index: 1},
		{Risk: RiskMinor, Index: 2},
	}
	assert.Equal(t, 1, GlobalIndex(existing, RiskCritical))
	assert.Equal(t, 2, GlobalIndex(existing, RiskImportant))
	assert.Equal(t, 3, GlobalIndex(existing, RiskMinor))
}

func TestDefectValidateComputesRisk(t *testing.T) {
	d := Defect{Title: "Weak password", Ease: "Easy", Impact: RiskMajor}
	require.NoError(t, d.Validate())
	assert.Equal(t, RiskMajor, d.Risk)

	bad := Defect{Title: "Unrated"}
	assert.ErrorIs(t, bad.Validate(), apperrors.ErrValidation)
}
