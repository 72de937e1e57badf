package review

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/pullcrit/pullcrit/internal/model"
)

// ErrUnparsableResponse marks a completion that could not be decoded as
// a review result. Callers distinguish it from transport failures with
// errors.Is; it always fails the run.
var ErrUnparsableResponse = eris.New("review: unparsable model response")

// rawReview mirrors the JSON shape the model is instructed to emit.
// Every field is optional; normalization fills the gaps.
type rawReview struct {
	Summary  rawSummary   `json:"summary"`
	Findings []rawFinding `json:"findings"`
}

type rawSummary struct {
	Overview        string   `json:"overview"`
	RiskLevel       string   `json:"risk_level"`
	Recommendations []string `json:"recommendations"`
}

type rawFinding struct {
	Severity    string  `json:"severity"`
	Category    string  `json:"category"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Rationale   string  `json:"rationale"`
	Confidence  float64 `json:"confidence"`
	FilePath    string  `json:"file_path"`
	LineStart   int     `json:"line_start"`
	LineEnd     int     `json:"line_end"`
	Suggestion  string  `json:"suggestion"`
}

// ParseResult decodes a completion into a normalized ReviewResult.
// Markdown code fences around the JSON are tolerated. Anything that is
// not a JSON object fails with ErrUnparsableResponse.
func ParseResult(raw string) (*model.ReviewResult, error) {
	cleaned := cleanJSON(raw)
	if cleaned == "" {
		return nil, eris.Wrapf(ErrUnparsableResponse, "no JSON object in %q", snippet(raw))
	}

	var rv rawReview
	if err := json.Unmarshal([]byte(cleaned), &rv); err != nil {
		return nil, eris.Wrapf(ErrUnparsableResponse, "%v in %q", err, snippet(raw))
	}

	result := &model.ReviewResult{
		Summary:  normalizeSummary(rv.Summary),
		Findings: make([]model.Finding, 0, len(rv.Findings)),
	}
	for _, rf := range rv.Findings {
		result.Findings = append(result.Findings, normalizeFinding(rf))
	}
	return result, nil
}

func normalizeSummary(s rawSummary) model.ReviewSummary {
	out := model.ReviewSummary{
		Overview:        strings.TrimSpace(s.Overview),
		RiskLevel:       strings.ToLower(strings.TrimSpace(s.RiskLevel)),
		Recommendations: s.Recommendations,
	}
	if out.Overview == "" {
		out.Overview = "Review completed."
	}
	switch out.RiskLevel {
	case "low", "medium", "high", "critical":
	default:
		out.RiskLevel = "low"
	}
	if out.Recommendations == nil {
		out.Recommendations = []string{}
	}
	return out
}

func normalizeFinding(rf rawFinding) model.Finding {
	f := model.Finding{
		Severity:    model.ParseSeverity(rf.Severity),
		Category:    model.ParseCategory(rf.Category),
		Title:       strings.TrimSpace(rf.Title),
		Description: strings.TrimSpace(rf.Description),
		Rationale:   strings.TrimSpace(rf.Rationale),
		Confidence:  clamp01(rf.Confidence),
		FilePath:    strings.TrimSpace(rf.FilePath),
		LineStart:   rf.LineStart,
		LineEnd:     rf.LineEnd,
		Suggestion:  rf.Suggestion,
	}
	if f.Title == "" {
		f.Title = "Untitled finding"
	}
	if f.LineEnd < f.LineStart {
		f.LineEnd = f.LineStart
	}
	return f
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// cleanJSON strips markdown fences and leading/trailing prose so the
// model's answer can be fed to json.Unmarshal. Returns "" when no JSON
// object is present at all.
func cleanJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

func snippet(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
