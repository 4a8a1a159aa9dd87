package artifact

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// AllocationBudgetUSD is the total capital the jury distributes across
// surviving segments. The verdict's allocations always sum to this exactly.
const AllocationBudgetUSD int64 = 1_000_000

// ErrFrozen is returned when attaching to an artifact after Freeze.
var ErrFrozen = errors.New("artifact: frozen, no further attachment allowed")

// Category is one top-level finding from the taxonomy stage.
type Category struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	TAM            string   `json:"tam,omitempty"`
	SOM            string   `json:"som,omitempty"`
	HistoricalCAGR string   `json:"historical_cagr,omitempty"`
	ProjectedCAGR  string   `json:"projected_cagr,omitempty"`
	Trends         []string `json:"trends,omitempty"`
}

// Taxonomy is the full output of the taxonomy stage.
type Taxonomy struct {
	Industry   string     `json:"industry"`
	Summary    string     `json:"summary,omitempty"`
	Categories []Category `json:"categories"`
}

// Segment is one niche inside a category.
type Segment struct {
	Name             string   `json:"name"`
	SegmentType      string   `json:"segment_type,omitempty"` // primary | secondary
	Description      string   `json:"description,omitempty"`
	GrowthDrivers    []string `json:"growth_drivers,omitempty"`
	UnderCapitalized bool     `json:"under_capitalized,omitempty"`
	OverSaturated    bool     `json:"over_saturated,omitempty"`
	Notes            string   `json:"notes,omitempty"`
}

// CategorySegments is the segment stage's output for one category.
type CategorySegments struct {
	CategoryName string    `json:"category_name"`
	Segments     []Segment `json:"segments"`
}

// BehavioralProfile captures the user-behavior findings for one segment.
type BehavioralProfile struct {
	CategoryName      string   `json:"category_name"`
	SegmentName       string   `json:"segment_name"`
	ZeroMomentOfTruth string   `json:"zero_moment_of_truth"`
	AlternativePaths  []string `json:"alternative_paths,omitempty"`
	RetentionKillers  []string `json:"retention_killers,omitempty"`
	Notes             string   `json:"notes,omitempty"`
}

// CompetitiveProfile captures the competition-and-gaps findings for one segment.
type CompetitiveProfile struct {
	CategoryName       string   `json:"category_name"`
	SegmentName        string   `json:"segment_name"`
	DeliveryMechanisms []string `json:"delivery_mechanisms,omitempty"`
	ProductFeatureGaps []string `json:"product_feature_gaps,omitempty"`
	ExperienceGaps     []string `json:"experience_gaps,omitempty"`
	MoatAssessment     string   `json:"moat_assessment"`
	Notes              string   `json:"notes,omitempty"`
}

// SegmentVerdict is the jury's call on a single segment.
type SegmentVerdict struct {
	CategoryName string `json:"category_name"`
	SegmentName  string `json:"segment_name"`
	Verdict      string `json:"verdict"` // green | amber | red
	Rationale    string `json:"rationale,omitempty"`
}

// Allocation is one slice of the jury's capital split.
type Allocation struct {
	CategoryName string `json:"category_name"`
	SegmentName  string `json:"segment_name"`
	AmountUSD    int64  `json:"amount_usd"`
	Rationale    string `json:"rationale,omitempty"`
}

// JuryVerdict is the terminal stage output over the whole artifact.
type JuryVerdict struct {
	ConflictCheck    string           `json:"conflict_check"`
	MoatAssessment   string           `json:"moat_assessment"`
	ExecutiveSummary string           `json:"executive_summary"`
	SegmentVerdicts  []SegmentVerdict `json:"segment_verdicts,omitempty"`
	Allocations      []Allocation     `json:"allocations,omitempty"`
}

// DroppedItem records one fan-out item that exhausted its retries and was
// excluded from the artifact. Never silently discarded: both downstream
// stages and the final report see these.
type DroppedItem struct {
	Stage        string `json:"stage"`
	CategoryName string `json:"category_name,omitempty"`
	SegmentName  string `json:"segment_name,omitempty"`
	Kind         string `json:"kind"`
	Reason       string `json:"reason"`
}

// Artifact is the accumulating result tree of one pipeline run. It is
// append-only: a stage's output is attached once and never mutated by later
// stages. After Freeze it is read-only.
type Artifact struct {
	mu     sync.RWMutex
	frozen bool

	RunID       string               `json:"run_id"`
	Industry    string               `json:"industry"`
	GeneratedAt time.Time            `json:"generated_at"`
	Taxonomy    *Taxonomy            `json:"taxonomy,omitempty"`
	Segments    []CategorySegments   `json:"segments,omitempty"`
	Behavioral  []BehavioralProfile  `json:"behavioral,omitempty"`
	Competitive []CompetitiveProfile `json:"competitive,omitempty"`
	Jury        *JuryVerdict         `json:"jury,omitempty"`
	Dropped     []DroppedItem        `json:"dropped,omitempty"`
}

// New creates an empty artifact for a run.
func New(runID, industry string) *Artifact {
	return &Artifact{
		RunID:       runID,
		Industry:    industry,
		GeneratedAt: time.Now().UTC(),
	}
}

func (a *Artifact) attach(f func()) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen {
		return ErrFrozen
	}
	f()
	return nil
}

// AttachTaxonomy records the taxonomy stage output and adopts the model's
// industry naming when present.
func (a *Artifact) AttachTaxonomy(t Taxonomy) error {
	return a.attach(func() {
		a.Taxonomy = &t
		if t.Industry != "" {
			a.Industry = t.Industry
		}
	})
}

func (a *Artifact) AttachSegments(cs CategorySegments) error {
	return a.attach(func() { a.Segments = append(a.Segments, cs) })
}

func (a *Artifact) AttachBehavioral(bp BehavioralProfile) error {
	return a.attach(func() { a.Behavioral = append(a.Behavioral, bp) })
}

func (a *Artifact) AttachCompetitive(cp CompetitiveProfile) error {
	return a.attach(func() { a.Competitive = append(a.Competitive, cp) })
}

func (a *Artifact) AttachJury(v JuryVerdict) error {
	return a.attach(func() { a.Jury = &v })
}

// RecordDropped books a dropped fan-out item with its failure reason.
func (a *Artifact) RecordDropped(d DroppedItem) error {
	return a.attach(func() { a.Dropped = append(a.Dropped, d) })
}

// Freeze makes the artifact read-only. Idempotent.
func (a *Artifact) Freeze() {
	a.mu.Lock()
	a.frozen = true
	a.mu.Unlock()
}

// Frozen reports whether the artifact has been frozen.
func (a *Artifact) Frozen() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.frozen
}

// PartialCoverage reports whether any fan-out item was dropped.
func (a *Artifact) PartialCoverage() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.Dropped) > 0
}

// MarshalJSON serializes the artifact tree, including a derived
// partial_coverage flag.
func (a *Artifact) MarshalJSON() ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	type alias Artifact
	return json.Marshal(struct {
		*alias
		PartialCoverage bool `json:"partial_coverage"`
	}{
		alias:           (*alias)(a),
		PartialCoverage: len(a.Dropped) > 0,
	})
}
