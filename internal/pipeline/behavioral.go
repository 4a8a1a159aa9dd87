package pipeline

import (
	"context"

	"marketscope/internal/artifact"
	"marketscope/internal/call"
	"marketscope/internal/llmclient"
)

// BehavioralEthologist maps the human element of one segment: when users
// realize their process is broken, what workarounds they use, and why they
// quit existing solutions. Fans out: one call per surviving segment.
type BehavioralEthologist struct {
	LLM   llmclient.LLMClient
	Calls *call.Client
	Spec  StageSpec
}

const behavioralPrompt = `You are a Behavioral Ethologist in market research. You map the human/user element: when users realize they have a problem, what workarounds they use, and why they quit solutions.

Analyze user behavior and pain points for the segment given in the input.

Research questions:
1. The "Zero Moment of Truth": when exactly does the user realize their current process is broken? Describe the trigger moment.
2. Alternative path analysis: what are the "free" or "manual" workarounds users rely on before paying for a solution?
3. Retention killers: why do they quit existing solutions? (e.g. "Too complex for my staff", "Data silo issues", "Hidden costs".)

Return STRICT JSON ONLY:
{
  "category_name": "<category name>",
  "segment_name": "<segment name>",
  "zero_moment_of_truth": "<description of when the user realizes the problem>",
  "alternative_paths": ["<workaround1>", "<workaround2>"],
  "retention_killers": ["<reason1>", "<reason2>"],
  "notes": "<optional>"
}`

func (s *BehavioralEthologist) Run(ctx context.Context, in SegmentContext) (artifact.BehavioralProfile, call.Result) {
	res := s.Calls.Invoke(ctx, s.LLM, call.Request{
		Stage:  StageBehavioral.String(),
		Prompt: behavioralPrompt,
		Input:  in,
		Schema: s.Spec.Schema,
		Retry:  s.Spec.Retry,
	})
	var out artifact.BehavioralProfile
	if !res.OK {
		return out, res
	}
	if err := res.Decode(&out); err != nil {
		return out, res.AsSchemaInvalid(err)
	}
	if out.CategoryName == "" {
		out.CategoryName = in.CategoryName
	}
	if out.SegmentName == "" {
		out.SegmentName = in.SegmentName
	}
	return out, res
}
