package policy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pullcrit/pullcrit/internal/model"
	"github.com/pullcrit/pullcrit/pkg/github"
)

// fakeGitHub serves a single file body for GetFileContent. The other
// client methods are unused by the resolver.
type fakeGitHub struct {
	github.Client
	content []byte
	err     error
	calls   int
}

func (f *fakeGitHub) GetFileContent(ctx context.Context, repoFullName, path, ref string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.content, nil
}

func newTestResolver(gh github.Client) *Resolver {
	return NewResolver(gh, ".pullcrit.yml", time.Second)
}

func TestDefaultPolicy(t *testing.T) {
	p := Default()

	assert.Equal(t, model.SeverityLow, p.CommentSeverityThreshold())
	assert.Equal(t, 25, p.MaxInlineComments())
	assert.Equal(t, "constructive", p.Tone)
	assert.Equal(t, "en", p.Language)
	assert.Equal(t, model.ConfigSourceDefault, p.Provenance.Source)
	for _, c := range model.AllCategories() {
		assert.True(t, p.RuleEnabled(c), "category %s should be enabled by default", c)
	}
}

func TestResolvePureDefaults(t *testing.T) {
	gh := &fakeGitHub{err: eris.New("404 not found")}
	r := newTestResolver(gh)

	p := r.Resolve(context.Background(), Repository{FullName: "acme/widgets", Branch: "main"})

	assert.Equal(t, model.ConfigSourceDefault, p.Provenance.Source)
	assert.Equal(t, model.SeverityLow, p.CommentSeverityThreshold())
	assert.Equal(t, 1, gh.calls)
}

func TestResolveStoredRules(t *testing.T) {
	gh := &fakeGitHub{err: eris.New("404 not found")}
	r := newTestResolver(gh)

	p := r.Resolve(context.Background(), Repository{
		FullName: "acme/widgets",
		Branch:   "main",
		StoredRules: map[string]any{
			"severity_thresholds": map[string]any{"comment": "medium"},
			"comment_limits":      map[string]any{"max_inline_comments": float64(10)},
			"tone":                "terse",
			"team_slack_channel":  "#reviews",
			"block_merge":         true,
		},
	})

	assert.Equal(t, model.SeverityMedium, p.CommentSeverityThreshold())
	assert.Equal(t, 10, p.MaxInlineComments())
	assert.Equal(t, "terse", p.Tone)
	assert.Equal(t, model.ConfigSourceRepository, p.Provenance.Source)

	// Unknown keys pass through verbatim.
	assert.Equal(t, "#reviews", p.Extra["team_slack_channel"])
	assert.Equal(t, true, p.Extra["block_merge"])

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"team_slack_channel":"#reviews"`)
}

func TestResolveRepoConfigOverlay(t *testing.T) {
	gh := &fakeGitHub{content: []byte(`
min_severity: high
max_findings: 15
tone: direct
language: fr
focus:
  - auth
  - crypto
categories:
  security: true
  style: false
`)}
	r := newTestResolver(gh)

	p := r.Resolve(context.Background(), Repository{FullName: "acme/widgets", Branch: "develop"})

	assert.Equal(t, model.SeverityHigh, p.CommentSeverityThreshold())
	assert.Equal(t, 15, p.MaxInlineComments())
	assert.Equal(t, "direct", p.Tone)
	assert.Equal(t, "fr", p.Language)
	assert.Equal(t, []string{"auth", "crypto"}, p.Focus)
	assert.Equal(t, model.ConfigSourceRepoFile, p.Provenance.Source)
	assert.Equal(t, "develop", p.Provenance.Branch)

	// A false flag never removes a rule that is already enabled.
	assert.True(t, p.RuleEnabled(model.CategoryStyle))
	assert.True(t, p.RuleEnabled(model.CategorySecurity))
}

func TestResolveCategoryFlagsUnion(t *testing.T) {
	gh := &fakeGitHub{content: []byte("categories:\n  security: true\n")}
	r := newTestResolver(gh)

	p := r.Resolve(context.Background(), Repository{
		FullName:    "acme/widgets",
		StoredRules: map[string]any{"enabled_rules": []any{"security"}},
	})

	// Union, no duplicate entry.
	count := 0
	for _, rule := range p.EnabledRules {
		if rule == string(model.CategorySecurity) {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestResolveEmptyFocusKeyAbsent(t *testing.T) {
	gh := &fakeGitHub{content: []byte("min_severity: medium\nfocus: []\n")}
	r := newTestResolver(gh)

	p := r.Resolve(context.Background(), Repository{FullName: "acme/widgets", Branch: "main"})

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	_, present := obj["focus"]
	assert.False(t, present, "empty focus must leave the key absent, got %s", data)
}

func TestResolveInvalidConfigFallsBack(t *testing.T) {
	gh := &fakeGitHub{content: []byte(":\nnot valid yaml: [unclosed")}
	r := newTestResolver(gh)

	p := r.Resolve(context.Background(), Repository{
		FullName:    "acme/widgets",
		StoredRules: map[string]any{"tone": "terse"},
	})

	// Falls back silently to the stored rules layer.
	assert.Equal(t, "terse", p.Tone)
	assert.Equal(t, model.ConfigSourceRepository, p.Provenance.Source)
}

func TestResolveInvalidLanguageKept(t *testing.T) {
	gh := &fakeGitHub{content: []byte("language: 'not a language tag!!'\n")}
	r := newTestResolver(gh)

	p := r.Resolve(context.Background(), Repository{FullName: "acme/widgets"})

	assert.Equal(t, "en", p.Language)
}

func TestResolveDeterministic(t *testing.T) {
	gh := &fakeGitHub{content: []byte("min_severity: high\ncategories:\n  security: true\n  testing: true\n")}
	r := newTestResolver(gh)
	repo := Repository{
		FullName: "acme/widgets",
		Branch:   "main",
		StoredRules: map[string]any{
			"zeta":  1.0,
			"alpha": "x",
			"focus": []any{"auth"},
		},
	}

	first := r.Resolve(context.Background(), repo)
	second := r.Resolve(context.Background(), repo)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestResolveIgnoredPathGlobs(t *testing.T) {
	gh := &fakeGitHub{err: eris.New("404 not found")}
	r := newTestResolver(gh)

	p := r.Resolve(context.Background(), Repository{
		FullName: "acme/widgets",
		StoredRules: map[string]any{
			"ignored_paths": []any{"*.gen.go", "vendor/**"},
		},
	})

	assert.Equal(t, []string{"*.gen.go", "vendor/**"}, p.IgnoredPaths)
	assert.True(t, p.PathIgnored("api.gen.go"))
	assert.True(t, p.PathIgnored("vendor/lib/a.go"))
	assert.False(t, p.PathIgnored("internal/api.go"))
}
