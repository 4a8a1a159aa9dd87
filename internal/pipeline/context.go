package pipeline

import (
	"strings"

	"marketscope/internal/artifact"
)

// Stage contexts are the only inputs a call ever sees. Each constructor
// accepts exactly the direct upstream item plus the rolling run summary, so
// sibling-branch state cannot leak into a prompt by construction.

// TaxonomyContext seeds the first stage.
type TaxonomyContext struct {
	Industry string `json:"industry"`
}

// CategoryContext is the isolated input for one segment-specialist call.
type CategoryContext struct {
	RunSummary      string `json:"run_summary"`
	CategoryName    string `json:"category_name"`
	CategoryContext string `json:"category_context"`
}

func newCategoryContext(summary string, cat artifact.Category) CategoryContext {
	ctxText := cat.Description
	if ctxText == "" {
		ctxText = strings.Join(cat.Trends, "; ")
	}
	return CategoryContext{
		RunSummary:      summary,
		CategoryName:    cat.Name,
		CategoryContext: ctxText,
	}
}

// SegmentContext is the isolated input for one behavioral-ethologist call.
type SegmentContext struct {
	RunSummary     string `json:"run_summary"`
	CategoryName   string `json:"category_name"`
	SegmentName    string `json:"segment_name"`
	SegmentContext string `json:"segment_context"`
}

func newSegmentContext(summary, categoryName string, seg artifact.Segment) SegmentContext {
	ctxText := seg.Description
	if ctxText == "" {
		ctxText = seg.Notes
	}
	return SegmentContext{
		RunSummary:     summary,
		CategoryName:   categoryName,
		SegmentName:    seg.Name,
		SegmentContext: ctxText,
	}
}

// CompetitiveContext is the isolated input for one competitive-strategist
// call: the segment's own behavioral profile, nothing from sibling segments.
type CompetitiveContext struct {
	RunSummary string                     `json:"run_summary"`
	Profile    artifact.BehavioralProfile `json:"pain_points"`
}

func newCompetitiveContext(summary string, bp artifact.BehavioralProfile) CompetitiveContext {
	return CompetitiveContext{RunSummary: summary, Profile: bp}
}

// JuryContext hands the terminal stage the entire accumulated artifact.
// The jury is the one role that is supposed to see every branch.
type JuryContext struct {
	Artifact *artifact.Artifact `json:"artifact"`
}
