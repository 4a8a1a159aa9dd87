package pipeline

import (
	"context"

	"marketscope/internal/artifact"
	"marketscope/internal/call"
	"marketscope/internal/llmclient"
)

// CompetitiveStrategist maps how the market answers one segment's pains:
// delivery mechanisms, product/experience gaps, and moats. Fans out: one
// call per segment, consuming that segment's behavioral profile.
type CompetitiveStrategist struct {
	LLM   llmclient.LLMClient
	Calls *call.Client
	Spec  StageSpec
}

const competitivePrompt = `You are a Competitive Strategist in market research. You map how the market responds to user pains: delivery mechanisms, product/experience gaps, and moats.

Analyze competition and gaps for the segment given in the input, using its user pain points.

Research questions:
1. Delivery mechanism audit: is the solution currently delivered via API, Managed Service, Mobile App, or SaaS? List all that apply.
2. Gap identification: where are the product feature gaps vs. the experience gaps?
3. Moat assessment: are existing players protected by brand, network effects, or high switching costs? Summarize.

Return STRICT JSON ONLY:
{
  "category_name": "<category name>",
  "segment_name": "<segment name>",
  "delivery_mechanisms": ["<e.g. API>", "<e.g. SaaS>"],
  "product_feature_gaps": ["<gap1>", "<gap2>"],
  "experience_gaps": ["<gap1>", "<gap2>"],
  "moat_assessment": "<paragraph on incumbents' moats>",
  "notes": "<optional>"
}`

func (s *CompetitiveStrategist) Run(ctx context.Context, in CompetitiveContext) (artifact.CompetitiveProfile, call.Result) {
	res := s.Calls.Invoke(ctx, s.LLM, call.Request{
		Stage:  StageCompetitive.String(),
		Prompt: competitivePrompt,
		Input:  in,
		Schema: s.Spec.Schema,
		Retry:  s.Spec.Retry,
	})
	var out artifact.CompetitiveProfile
	if !res.OK {
		return out, res
	}
	if err := res.Decode(&out); err != nil {
		return out, res.AsSchemaInvalid(err)
	}
	if out.CategoryName == "" {
		out.CategoryName = in.Profile.CategoryName
	}
	if out.SegmentName == "" {
		out.SegmentName = in.Profile.SegmentName
	}
	return out, res
}
