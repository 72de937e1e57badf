package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeverityOrdering(t *testing.T) {
	ordered := []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, ordered[i].Rank(), ordered[i-1].Rank(),
			"%s should outrank %s", ordered[i], ordered[i-1])
	}
}

func TestSeverityAtLeast(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityMedium.AtLeast(SeverityHigh))
	assert.True(t, SeverityInfo.AtLeast(SeverityInfo))
}

func TestParseSeverity_UnknownDefaultsToInfo(t *testing.T) {
	assert.Equal(t, SeverityInfo, ParseSeverity("catastrophic"))
	assert.Equal(t, SeverityInfo, ParseSeverity(""))
	assert.Equal(t, SeverityHigh, ParseSeverity("high"))
}

func TestParseCategory_UnknownDefaultsToMaintainability(t *testing.T) {
	assert.Equal(t, CategoryMaintainability, ParseCategory("vibes"))
	assert.Equal(t, CategoryMaintainability, ParseCategory(""))
	assert.Equal(t, CategorySecurity, ParseCategory("security"))
}

func TestFindingAnchored(t *testing.T) {
	tests := []struct {
		name    string
		finding Finding
		want    bool
	}{
		{"path and line", Finding{FilePath: "main.go", LineStart: 10}, true},
		{"path only", Finding{FilePath: "main.go"}, false},
		{"line only", Finding{LineStart: 10}, false},
		{"neither", Finding{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.finding.Anchored())
		})
	}
}

func TestFindingComputeHash_StableAndDistinct(t *testing.T) {
	a := Finding{Severity: SeverityHigh, Category: CategorySecurity, Title: "SQL injection", FilePath: "db.go", LineStart: 42}
	b := a
	assert.Equal(t, a.ComputeHash(), b.ComputeHash())
	assert.Len(t, a.ComputeHash(), 32)

	b.LineStart = 43
	assert.NotEqual(t, a.ComputeHash(), b.ComputeHash())
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunStatusQueued.Terminal())
	assert.False(t, RunStatusInProgress.Terminal())
	assert.True(t, RunStatusCompleted.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
	assert.True(t, RunStatusSkipped.Terminal())
}

func TestExternalReference(t *testing.T) {
	assert.Equal(t, "pr-17-abc123", ExternalReference(17, "abc123"))
}
