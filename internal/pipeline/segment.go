package pipeline

import (
	"context"

	"marketscope/internal/artifact"
	"marketscope/internal/call"
	"marketscope/internal/llmclient"
)

// SegmentSpecialist drills one category down into niche segments. Fans out:
// one independent call per category.
type SegmentSpecialist struct {
	LLM   llmclient.LLMClient
	Calls *call.Client
	Spec  StageSpec
}

const segmentPrompt = `You are a market research Segment Specialist. You drill down into categories to identify niche segments, growth drivers, and capital saturation.

Analyze the category given in the input and identify its segments.

Research questions:
1. For this category, what are the primary vs. secondary segments? (List 2-5 segments; label each as "primary" or "secondary".)
2. What are the growth drivers (e.g. regulatory shifts, tech breakthroughs) for each segment?
3. Which segments are currently under-capitalized vs. over-saturated?

Return STRICT JSON ONLY:
{
  "category_name": "<category name>",
  "segments": [
    {
      "name": "<segment name>",
      "segment_type": "primary or secondary",
      "description": "<short description>",
      "growth_drivers": ["<driver1>", "<driver2>"],
      "under_capitalized": true,
      "over_saturated": false,
      "notes": "<optional notes>"
    }
  ]
}`

func (s *SegmentSpecialist) Run(ctx context.Context, in CategoryContext) (artifact.CategorySegments, call.Result) {
	res := s.Calls.Invoke(ctx, s.LLM, call.Request{
		Stage:  StageSegment.String(),
		Prompt: segmentPrompt,
		Input:  in,
		Schema: s.Spec.Schema,
		Retry:  s.Spec.Retry,
	})
	var out artifact.CategorySegments
	if !res.OK {
		return out, res
	}
	if err := res.Decode(&out); err != nil {
		return out, res.AsSchemaInvalid(err)
	}
	if out.CategoryName == "" {
		out.CategoryName = in.CategoryName
	}
	return out, res
}
