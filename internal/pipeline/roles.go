package pipeline

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"marketscope/internal/artifact"
	"marketscope/internal/call"
)

// StageRole identifies one of the five pipeline roles. The set is closed:
// stage behavior is dispatched over this enum, not over subclassing.
type StageRole int

const (
	StageTaxonomy StageRole = iota
	StageSegment
	StageBehavioral
	StageCompetitive
	StageJury
)

// StageOrder is the strict dependency chain. Each stage requires the
// previous one to complete (possibly partially) before it may start.
var StageOrder = [...]StageRole{StageTaxonomy, StageSegment, StageBehavioral, StageCompetitive, StageJury}

func (r StageRole) String() string {
	switch r {
	case StageTaxonomy:
		return "taxonomy_architect"
	case StageSegment:
		return "segment_specialist"
	case StageBehavioral:
		return "behavioral_ethologist"
	case StageCompetitive:
		return "competitive_strategist"
	case StageJury:
		return "decision_jury"
	}
	return fmt.Sprintf("stage(%d)", int(r))
}

// DefaultModels mirrors the stock per-role model assignment; config can
// override any of them.
func DefaultModels() map[StageRole]string {
	return map[StageRole]string{
		StageTaxonomy:    "gemini-2.5-pro",
		StageSegment:     "gemini-2.5-flash",
		StageBehavioral:  "gemini-2.5-flash",
		StageCompetitive: "gemini-2.5-pro",
		StageJury:        "gemini-2.5-pro",
	}
}

// StageSpec couples one role with its model, retry policy and output schema.
type StageSpec struct {
	Model  string
	Retry  call.RetryPolicy
	Schema *jsonschema.Resolved
}

// newSpecTable resolves the per-role output schemas once and binds models
// and retry policies from settings.
func newSpecTable(s Settings) (map[StageRole]StageSpec, error) {
	models := DefaultModels()
	for role, m := range s.Models {
		if m != "" {
			models[role] = m
		}
	}

	taxSchema, err := call.SchemaFor[artifact.Taxonomy]()
	if err != nil {
		return nil, err
	}
	segSchema, err := call.SchemaFor[artifact.CategorySegments]()
	if err != nil {
		return nil, err
	}
	behSchema, err := call.SchemaFor[artifact.BehavioralProfile]()
	if err != nil {
		return nil, err
	}
	compSchema, err := call.SchemaFor[artifact.CompetitiveProfile]()
	if err != nil {
		return nil, err
	}
	jurySchema, err := call.SchemaFor[artifact.JuryVerdict]()
	if err != nil {
		return nil, err
	}

	schemas := map[StageRole]*jsonschema.Resolved{
		StageTaxonomy:    taxSchema,
		StageSegment:     segSchema,
		StageBehavioral:  behSchema,
		StageCompetitive: compSchema,
		StageJury:        jurySchema,
	}

	table := make(map[StageRole]StageSpec, len(StageOrder))
	for _, role := range StageOrder {
		table[role] = StageSpec{
			Model:  models[role],
			Retry:  s.retryFor(role),
			Schema: schemas[role],
		}
	}
	return table, nil
}
