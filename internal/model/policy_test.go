package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDefaults(t *testing.T) {
	p := &ReviewPolicy{}
	assert.Equal(t, SeverityLow, p.CommentSeverityThreshold())
	assert.Equal(t, 25, p.MaxInlineComments())
}

func TestPolicyAccessors(t *testing.T) {
	p := &ReviewPolicy{
		SeverityThresholds: map[string]Severity{ThresholdActionComment: SeverityHigh},
		CommentLimits:      CommentLimits{MaxInlineComments: 5},
		EnabledRules:       []string{"security", "performance"},
	}
	assert.Equal(t, SeverityHigh, p.CommentSeverityThreshold())
	assert.Equal(t, 5, p.MaxInlineComments())
	assert.True(t, p.RuleEnabled(CategorySecurity))
	assert.False(t, p.RuleEnabled(CategoryStyle))
}

func TestPolicyJSON_EmptyFocusKeyAbsent(t *testing.T) {
	p := ReviewPolicy{Tone: "constructive", Language: "en"}

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	_, present := obj["focus"]
	assert.False(t, present, "empty focus must not serialize as []")
}

func TestPolicyJSON_ExtraKeysRoundTrip(t *testing.T) {
	p := ReviewPolicy{
		Tone: "constructive",
		Extra: map[string]any{
			"custom_gate":  "strict",
			"team_channel": "#reviews",
		},
	}

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var back ReviewPolicy
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "strict", back.Extra["custom_gate"])
	assert.Equal(t, "#reviews", back.Extra["team_channel"])
	assert.Equal(t, "constructive", back.Tone)
}

func TestPolicyJSON_TypedFieldsWinOverExtra(t *testing.T) {
	p := ReviewPolicy{
		Tone:  "constructive",
		Extra: map[string]any{"tone": "harsh"},
	}
	data, err := json.Marshal(p)
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	assert.Equal(t, "constructive", obj["tone"])
}

func TestPolicyJSON_Deterministic(t *testing.T) {
	p := ReviewPolicy{
		SeverityThresholds: map[string]Severity{"comment": SeverityMedium, "block": SeverityCritical},
		EnabledRules:       []string{"correctness", "security"},
		Extra:              map[string]any{"zz": 1, "aa": 2},
	}
	first, err := json.Marshal(p)
	require.NoError(t, err)
	second, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestPolicyClone_Independent(t *testing.T) {
	p := &ReviewPolicy{
		SeverityThresholds: map[string]Severity{ThresholdActionComment: SeverityLow},
		EnabledRules:       []string{"security"},
		Focus:              []string{"auth"},
		Extra:              map[string]any{"k": "v"},
	}
	c := p.Clone()
	c.SeverityThresholds[ThresholdActionComment] = SeverityCritical
	c.EnabledRules[0] = "style"
	c.Extra["k"] = "mutated"

	assert.Equal(t, SeverityLow, p.SeverityThresholds[ThresholdActionComment])
	assert.Equal(t, "security", p.EnabledRules[0])
	assert.Equal(t, "v", p.Extra["k"])
}

func TestEventRouting(t *testing.T) {
	tests := []struct {
		action   string
		review   bool
		metadata bool
	}{
		{"opened", true, false},
		{"synchronize", true, false},
		{"reopened", true, false},
		{"labeled", false, true},
		{"ready_for_review", false, true},
		{"closed", false, false},
		{"edited", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			e := &PullRequestEvent{Action: tt.action}
			assert.Equal(t, tt.review, e.TriggersReview())
			assert.Equal(t, tt.metadata, e.TriggersMetadataSync())
		})
	}
}

func TestEventExternalRef(t *testing.T) {
	var e PullRequestEvent
	e.PullRequest.Number = 99
	e.PullRequest.Head.SHA = "deadbeef"
	assert.Equal(t, "pr-99-deadbeef", e.ExternalRef())
}

func TestPathIgnored(t *testing.T) {
	tests := []struct {
		pattern string
		file    string
		want    bool
	}{
		{"*.gen.go", "api.gen.go", true},
		{"*.gen.go", "internal/client.gen.go", true},
		{"*.gen.go", "api.go", false},
		{"vendor/**", "vendor/lib/a.go", true},
		{"vendor/**", "vendor", true},
		{"vendor/**", "internal/vendor.go", false},
		{"docs/*", "docs/readme.md", true},
		{"docs/*", "docs/guides/setup.md", true},
		{"docs/*", "docserver/main.go", false},
		{"internal/*/mock.go", "internal/api/mock.go", true},
		{"internal/*/mock.go", "internal/api/real.go", false},
		{"", "anything.go", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.file, func(t *testing.T) {
			p := &ReviewPolicy{IgnoredPaths: []string{tt.pattern}}
			assert.Equal(t, tt.want, p.PathIgnored(tt.file))
		})
	}
}
