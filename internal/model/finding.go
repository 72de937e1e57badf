package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Severity is the importance level of a finding, ordered
// info < low < medium < high < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the severity ordinal. Unknown severities rank as info.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is at or above the given threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.Rank() >= threshold.Rank()
}

// ParseSeverity maps a raw string onto a Severity. Unknown or invalid
// values normalize to info.
func ParseSeverity(raw string) Severity {
	s := Severity(raw)
	if _, ok := severityRank[s]; ok {
		return s
	}
	return SeverityInfo
}

// Category classifies a finding. Closed set; unknown values normalize
// to maintainability.
type Category string

const (
	CategorySecurity        Category = "security"
	CategoryCorrectness     Category = "correctness"
	CategoryPerformance     Category = "performance"
	CategoryMaintainability Category = "maintainability"
	CategoryStyle           Category = "style"
	CategoryTesting         Category = "testing"
	CategoryDocumentation   Category = "documentation"
)

var knownCategories = map[Category]struct{}{
	CategorySecurity:        {},
	CategoryCorrectness:     {},
	CategoryPerformance:     {},
	CategoryMaintainability: {},
	CategoryStyle:           {},
	CategoryTesting:         {},
	CategoryDocumentation:   {},
}

// AllCategories lists every known category in a stable order.
func AllCategories() []Category {
	return []Category{
		CategorySecurity,
		CategoryCorrectness,
		CategoryPerformance,
		CategoryMaintainability,
		CategoryStyle,
		CategoryTesting,
		CategoryDocumentation,
	}
}

// ParseCategory maps a raw string onto a Category. Unknown or invalid
// values normalize to maintainability.
func ParseCategory(raw string) Category {
	c := Category(raw)
	if _, ok := knownCategories[c]; ok {
		return c
	}
	return CategoryMaintainability
}

// Finding is one issue reported by the review engine for one run.
type Finding struct {
	ID          string   `json:"id"`
	RunID       string   `json:"run_id"`
	Hash        string   `json:"finding_hash"`
	Severity    Severity `json:"severity"`
	Category    Category `json:"category"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Rationale   string   `json:"rationale,omitempty"`
	Confidence  float64  `json:"confidence"`

	// Location, when present, anchors the finding to a diff position.
	// Zero values mean absent.
	FilePath  string `json:"file_path,omitempty"`
	LineStart int    `json:"line_start,omitempty"`
	LineEnd   int    `json:"line_end,omitempty"`

	Suggestion string `json:"suggestion,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Anchored reports whether the finding has enough location information
// to post an inline comment against.
func (f *Finding) Anchored() bool {
	return f.FilePath != "" && f.LineStart > 0
}

// ComputeHash returns the stable dedup hash over severity, category,
// title and location, hex-encoded and truncated to 32 characters.
func (f *Finding) ComputeHash() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%d",
		f.Severity, f.Category, f.Title, f.FilePath, f.LineStart)))
	return hex.EncodeToString(sum[:])[:32]
}

// AnnotationType distinguishes how a finding was published.
type AnnotationType string

const (
	AnnotationTypeInline  AnnotationType = "inline_comment"
	AnnotationTypeSummary AnnotationType = "summary_comment"
)

// Annotation records that a finding was published externally.
type Annotation struct {
	ID         string         `json:"id"`
	FindingID  string         `json:"finding_id"`
	ExternalID int64          `json:"external_id"`
	Type       AnnotationType `json:"type"`
	CreatedAt  time.Time      `json:"created_at"`
}
