package model

import (
	"encoding/json"
	"maps"
	"path"
	"slices"
	"strings"
)

// ConfigSource identifies which configuration layer a policy value came from.
type ConfigSource string

const (
	ConfigSourceDefault    ConfigSource = "default"
	ConfigSourceRepository ConfigSource = "repository"
	ConfigSourceRepoFile   ConfigSource = "repo_file"
)

// ThresholdActionComment is the severity-threshold key gating which
// findings are published as comments.
const ThresholdActionComment = "comment"

// Provenance records where the resolved policy came from.
type Provenance struct {
	Source ConfigSource `json:"source"`
	Branch string       `json:"branch,omitempty"`
}

// CommentLimits bounds how much a run may publish.
type CommentLimits struct {
	MaxInlineComments int `json:"max_inline_comments"`
}

// ReviewPolicy is the fully merged set of review behavior knobs for one
// repository at resolution time. It is a value object: not persisted on
// its own, only embedded as a run's policy snapshot.
//
// Unknown keys from the repository's stored review rules survive the
// merge verbatim in Extra and round-trip through JSON. This is how
// operators attach custom fields without a schema change.
type ReviewPolicy struct {
	SeverityThresholds map[string]Severity `json:"severity_thresholds"`
	CommentLimits      CommentLimits       `json:"comment_limits"`
	EnabledRules       []string            `json:"enabled_rules"`
	Tone               string              `json:"tone"`
	Language           string              `json:"language"`
	Focus              []string            `json:"focus,omitempty"`
	IgnoredPaths       []string            `json:"ignored_paths,omitempty"`
	Provider           string              `json:"provider"`
	AllowFallback      bool                `json:"allow_fallback"`
	Provenance         Provenance          `json:"provenance"`

	Extra map[string]any `json:"-"`
}

// policyKeys are the JSON keys owned by the typed fields above. Anything
// else lands in Extra.
var policyKeys = map[string]struct{}{
	"severity_thresholds": {},
	"comment_limits":      {},
	"enabled_rules":       {},
	"tone":                {},
	"language":            {},
	"focus":               {},
	"ignored_paths":       {},
	"provider":            {},
	"allow_fallback":      {},
	"provenance":          {},
}

// CommentSeverityThreshold returns the minimum severity eligible for
// publication as a comment. Defaults to low when unset.
func (p *ReviewPolicy) CommentSeverityThreshold() Severity {
	if s, ok := p.SeverityThresholds[ThresholdActionComment]; ok {
		return s
	}
	return SeverityLow
}

// MaxInlineComments returns the inline comment budget. Defaults to 25
// when unset or non-positive.
func (p *ReviewPolicy) MaxInlineComments() int {
	if p.CommentLimits.MaxInlineComments > 0 {
		return p.CommentLimits.MaxInlineComments
	}
	return 25
}

// RuleEnabled reports whether a category participates in the review.
func (p *ReviewPolicy) RuleEnabled(c Category) bool {
	return slices.Contains(p.EnabledRules, string(c))
}

// PathIgnored reports whether a changed-file path matches any of the
// policy's ignored path globs.
func (p *ReviewPolicy) PathIgnored(file string) bool {
	for _, pattern := range p.IgnoredPaths {
		if pattern != "" && matchPathGlob(pattern, file) {
			return true
		}
	}
	return false
}

// matchPathGlob performs glob matching where a pattern without a
// separator matches the file's base name ("*.gen.go" matches
// "api/client.gen.go") and a pattern ending in "/*" or "/**" matches
// everything under the directory.
func matchPathGlob(pattern, file string) bool {
	if ok, _ := path.Match(pattern, file); ok {
		return true
	}

	if !strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(file))
		return ok
	}

	for _, suffix := range []string{"/**", "/*"} {
		if strings.HasSuffix(pattern, suffix) {
			dir := strings.TrimSuffix(pattern, suffix)
			if file == dir || strings.HasPrefix(file, dir+"/") {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy. Snapshots stored on runs are cloned so
// later code paths can never mutate the frozen policy.
func (p *ReviewPolicy) Clone() *ReviewPolicy {
	if p == nil {
		return nil
	}
	out := *p
	out.SeverityThresholds = maps.Clone(p.SeverityThresholds)
	out.EnabledRules = slices.Clone(p.EnabledRules)
	out.Focus = slices.Clone(p.Focus)
	out.IgnoredPaths = slices.Clone(p.IgnoredPaths)
	out.Extra = maps.Clone(p.Extra)
	return &out
}

// policyAlias breaks the MarshalJSON recursion.
type policyAlias ReviewPolicy

// MarshalJSON flattens Extra into the object alongside the typed fields.
// Typed fields win on key collision. Map keys serialize sorted, so the
// output is byte-stable for identical policies.
func (p ReviewPolicy) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(policyAlias(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return base, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(base, &obj); err != nil {
		return nil, err
	}
	for k, v := range p.Extra {
		if _, owned := policyKeys[k]; owned {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		obj[k] = raw
	}
	return json.Marshal(obj)
}

// UnmarshalJSON restores typed fields and collects unknown keys back
// into Extra, so snapshots round-trip losslessly.
func (p *ReviewPolicy) UnmarshalJSON(data []byte) error {
	var alias policyAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*p = ReviewPolicy(alias)

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	for k, raw := range obj {
		if _, owned := policyKeys[k]; owned {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if p.Extra == nil {
			p.Extra = make(map[string]any)
		}
		p.Extra[k] = v
	}
	return nil
}
