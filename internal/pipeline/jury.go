package pipeline

import (
	"context"
	"sort"

	"marketscope/internal/artifact"
	"marketscope/internal/call"
	"marketscope/internal/llmclient"
)

// DecisionJury is the terminal stage: it stress-tests the whole artifact,
// checks consistency between growth claims and user friction, and splits the
// capital budget across surviving segments.
type DecisionJury struct {
	LLM   llmclient.LLMClient
	Calls *call.Client
	Spec  StageSpec
}

const juryPrompt = `You are the Decision Jury for a market research report. You stress-test the findings: check consistency between growth and friction, assess moats, and recommend where to allocate capital.

Review the consolidated market research artifact given in the input and answer the jury questions.

1. Conflict check: does the projected CAGR (taxonomy) match the reported user friction (behavioral profiles)? A strongly growing market whose users hate existing tools is a green flag for a new entrant. Point out alignment or mismatch.
2. Moat assessment: given the competitive profiles, can a new solution actually survive? Summarize barriers and opportunities.
3. Capital allocation: split exactly $1,000,000 across the segments that appear in the artifact, favoring the shortest time to revenue. Use whole US dollars; amounts must sum to 1000000.
4. Segment verdicts: for each segment in the artifact, assign "green" (strong opportunity), "amber" (moderate) or "red" (avoid / saturated) with a short rationale.

Return STRICT JSON ONLY:
{
  "conflict_check": "<1-3 paragraphs>",
  "moat_assessment": "<1-3 paragraphs>",
  "executive_summary": "<short summary of the whole report>",
  "segment_verdicts": [
    {"category_name": "<cat>", "segment_name": "<seg>", "verdict": "green|amber|red", "rationale": "<short>"}
  ],
  "allocations": [
    {"category_name": "<cat>", "segment_name": "<seg>", "amount_usd": 0, "rationale": "<short>"}
  ]
}`

// Run invokes the jury over the whole artifact and normalizes the capital
// split so it always totals the budget exactly, over surviving segments only.
func (s *DecisionJury) Run(ctx context.Context, in JuryContext) (artifact.JuryVerdict, call.Result) {
	res := s.Calls.Invoke(ctx, s.LLM, call.Request{
		Stage:  StageJury.String(),
		Prompt: juryPrompt,
		Input:  in,
		Schema: s.Spec.Schema,
		Retry:  s.Spec.Retry,
	})
	var out artifact.JuryVerdict
	if !res.OK {
		return out, res
	}
	if err := res.Decode(&out); err != nil {
		return out, res.AsSchemaInvalid(err)
	}
	out.Allocations = normalizeAllocations(out.Allocations, survivingSegments(in.Artifact), artifact.AllocationBudgetUSD)
	return out, res
}

type segmentKey struct {
	Category string
	Segment  string
}

// survivingSegments lists the segments that made it through the whole chain,
// in artifact order. Dropped branches never receive capital.
func survivingSegments(a *artifact.Artifact) []segmentKey {
	keys := make([]segmentKey, 0, len(a.Competitive))
	for _, cp := range a.Competitive {
		keys = append(keys, segmentKey{Category: cp.CategoryName, Segment: cp.SegmentName})
	}
	return keys
}

// normalizeAllocations clamps the model's split to surviving segments and
// rescales it so the total equals budget exactly. With no usable model
// split, the budget is divided evenly. Deterministic for identical inputs.
func normalizeAllocations(allocs []artifact.Allocation, surviving []segmentKey, budget int64) []artifact.Allocation {
	if len(surviving) == 0 {
		return nil
	}
	valid := map[segmentKey]bool{}
	for _, k := range surviving {
		valid[k] = true
	}

	kept := make([]artifact.Allocation, 0, len(allocs))
	var total int64
	for _, al := range allocs {
		k := segmentKey{Category: al.CategoryName, Segment: al.SegmentName}
		if al.AmountUSD <= 0 || !valid[k] {
			continue
		}
		kept = append(kept, al)
		total += al.AmountUSD
	}

	if total == 0 {
		// Even split, remainder to the first segment.
		n := int64(len(surviving))
		share := budget / n
		out := make([]artifact.Allocation, len(surviving))
		for i, k := range surviving {
			out[i] = artifact.Allocation{CategoryName: k.Category, SegmentName: k.Segment, AmountUSD: share}
		}
		out[0].AmountUSD += budget - share*n
		return out
	}

	var sum int64
	for i := range kept {
		kept[i].AmountUSD = kept[i].AmountUSD * budget / total
		sum += kept[i].AmountUSD
	}
	if rem := budget - sum; rem != 0 {
		// Rounding remainder goes to the largest allocation (first on ties).
		idx := 0
		for i := range kept {
			if kept[i].AmountUSD > kept[idx].AmountUSD {
				idx = i
			}
		}
		kept[idx].AmountUSD += rem
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].AmountUSD > kept[j].AmountUSD })
	return kept
}
