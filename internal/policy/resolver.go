// Package policy resolves the review policy for a repository by merging
// three configuration layers: hard-coded defaults, the repository's
// stored review rules, and the in-repo config file. Resolution never
// fails; a missing or invalid config file degrades to the lower layers.
package policy

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/pullcrit/pullcrit/internal/model"
	"github.com/pullcrit/pullcrit/pkg/github"
)

// Repository is the state a policy is resolved against.
type Repository struct {
	FullName string
	// Branch the config file is fetched from. Usually the PR's base
	// branch, falling back to the default branch.
	Branch string
	// StoredRules is the free-form review rules object operators attach
	// to the repository. Unknown keys pass through to the policy.
	StoredRules map[string]any
}

// Resolver merges configuration layers into a ReviewPolicy.
type Resolver struct {
	gh           github.Client
	configFile   string
	fetchTimeout time.Duration
}

func NewResolver(gh github.Client, configFile string, fetchTimeout time.Duration) *Resolver {
	if configFile == "" {
		configFile = ".pullcrit.yml"
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	return &Resolver{gh: gh, configFile: configFile, fetchTimeout: fetchTimeout}
}

// Default returns the base policy every resolution starts from.
func Default() *model.ReviewPolicy {
	categories := model.AllCategories()
	rules := make([]string, len(categories))
	for i, c := range categories {
		rules[i] = string(c)
	}
	return &model.ReviewPolicy{
		SeverityThresholds: map[string]model.Severity{
			model.ThresholdActionComment: model.SeverityLow,
		},
		CommentLimits: model.CommentLimits{MaxInlineComments: 25},
		EnabledRules:  rules,
		Tone:          "constructive",
		Language:      "en",
		Provider:      "anthropic",
		AllowFallback: true,
		Provenance:    model.Provenance{Source: model.ConfigSourceDefault},
	}
}

// Resolve merges the three layers for the repository. It never returns
// an error: a missing or unparsable in-repo config falls back silently
// to the stored rules, then to pure defaults. Output is deterministic
// for identical repository state.
func (r *Resolver) Resolve(ctx context.Context, repo Repository) *model.ReviewPolicy {
	p := Default()

	if len(repo.StoredRules) > 0 {
		applyStoredRules(p, repo.StoredRules)
		p.Provenance = model.Provenance{Source: model.ConfigSourceRepository}
	}

	cfg, err := r.fetchRepoConfig(ctx, repo)
	if err != nil {
		zap.L().Debug("repo config unavailable, using lower layers",
			zap.String("repo", repo.FullName),
			zap.String("file", r.configFile),
			zap.Error(err))
		return p
	}
	applyRepoConfig(p, cfg)
	p.Provenance = model.Provenance{Source: model.ConfigSourceRepoFile, Branch: repo.Branch}
	return p
}

// repoConfig is the schema of the in-repo config file.
type repoConfig struct {
	MinSeverity string          `yaml:"min_severity"`
	MaxFindings int             `yaml:"max_findings"`
	Categories  map[string]bool `yaml:"categories"`
	Tone        string          `yaml:"tone"`
	Language    string          `yaml:"language"`
	Focus       []string        `yaml:"focus"`
}

func (r *Resolver) fetchRepoConfig(ctx context.Context, repo Repository) (*repoConfig, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	raw, err := r.gh.GetFileContent(fetchCtx, repo.FullName, r.configFile, repo.Branch)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch %s", r.configFile)
	}

	var cfg repoConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, eris.Wrapf(err, "parse %s", r.configFile)
	}
	return &cfg, nil
}

// applyStoredRules shallow-merges the repository's stored rules onto the
// policy. Known keys overwrite the typed fields, list-valued keys union,
// and unknown keys survive verbatim in Extra.
func applyStoredRules(p *model.ReviewPolicy, rules map[string]any) {
	for _, key := range slices.Sorted(maps.Keys(rules)) {
		value := rules[key]
		switch key {
		case "severity_thresholds":
			if m, ok := value.(map[string]any); ok {
				thresholds := make(map[string]model.Severity, len(m))
				for action, sev := range m {
					if s, ok := sev.(string); ok {
						thresholds[action] = model.ParseSeverity(s)
					}
				}
				p.SeverityThresholds = thresholds
			}
		case "comment_limits":
			if m, ok := value.(map[string]any); ok {
				if n, ok := asInt(m["max_inline_comments"]); ok && n > 0 {
					p.CommentLimits.MaxInlineComments = n
				}
			}
		case "enabled_rules":
			p.EnabledRules = unionStrings(p.EnabledRules, asStrings(value))
		case "focus":
			if focus := asStrings(value); len(focus) > 0 {
				p.Focus = unionStrings(p.Focus, focus)
			}
		case "ignored_paths":
			p.IgnoredPaths = unionStrings(p.IgnoredPaths, asStrings(value))
		case "tone":
			if s, ok := value.(string); ok && s != "" {
				p.Tone = s
			}
		case "language":
			if s, ok := value.(string); ok {
				setLanguage(p, s)
			}
		case "provider":
			if s, ok := value.(string); ok && s != "" {
				p.Provider = s
			}
		case "allow_fallback":
			if b, ok := value.(bool); ok {
				p.AllowFallback = b
			}
		case "provenance":
			// Provenance is derived, never operator-set.
		default:
			if p.Extra == nil {
				p.Extra = make(map[string]any)
			}
			p.Extra[key] = value
		}
	}
}

// applyRepoConfig overlays the parsed in-repo config. True category
// flags union into enabled rules and never remove rules already present.
// An empty focus list leaves the existing focus untouched, so the key
// stays absent when nothing set it.
func applyRepoConfig(p *model.ReviewPolicy, cfg *repoConfig) {
	if cfg.MinSeverity != "" {
		if p.SeverityThresholds == nil {
			p.SeverityThresholds = make(map[string]model.Severity)
		}
		p.SeverityThresholds[model.ThresholdActionComment] = model.ParseSeverity(cfg.MinSeverity)
	}
	if cfg.MaxFindings > 0 {
		p.CommentLimits.MaxInlineComments = cfg.MaxFindings
	}
	for _, name := range slices.Sorted(maps.Keys(cfg.Categories)) {
		if !cfg.Categories[name] {
			continue
		}
		c := model.ParseCategory(name)
		if !slices.Contains(p.EnabledRules, string(c)) {
			p.EnabledRules = append(p.EnabledRules, string(c))
		}
	}
	if cfg.Tone != "" {
		p.Tone = cfg.Tone
	}
	if cfg.Language != "" {
		setLanguage(p, cfg.Language)
	}
	if len(cfg.Focus) > 0 {
		p.Focus = slices.Clone(cfg.Focus)
	}
}

// setLanguage applies a language override only when it is a valid BCP 47
// tag. Invalid tags keep the lower layer's value.
func setLanguage(p *model.ReviewPolicy, lang string) {
	tag, err := language.Parse(lang)
	if err != nil {
		zap.L().Debug("ignoring invalid policy language", zap.String("language", lang))
		return
	}
	p.Language = tag.String()
}

func unionStrings(base, add []string) []string {
	out := slices.Clone(base)
	for _, s := range add {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func asStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
