package pipeline

import (
	"context"

	"marketscope/internal/artifact"
	"marketscope/internal/call"
	"marketscope/internal/llmclient"
)

// TaxonomyArchitect decomposes the industry into categories with market
// metrics. It runs exactly once per pipeline, first.
type TaxonomyArchitect struct {
	LLM   llmclient.LLMClient
	Calls *call.Client
	Spec  StageSpec
}

const taxonomyPrompt = `You are a market research Taxonomy Architect. You decompose industries into logical categories and provide TAM/SOM and CAGR data.

Analyze the industry/area given in the input and produce a decomposition tree (categories) with market metrics.

Answer these research questions:
1. What are the core technical or service-based categories in this industry? (List 3-7 categories.)
2. For each category: what is the Total Addressable Market (TAM) vs. Serviceable Obtainable Market (SOM)? Use concise text (e.g. "$50B / $5B").
3. For each category: what is the historical CAGR and projected CAGR (2024-2030)? Use percentage strings (e.g. "8%", "12%").
4. Which categories show the highest historical vs. projected CAGR? Reflect this in your trends.
5. What are the core market trends for each category?

Return STRICT JSON ONLY:
{
  "industry": "<industry name>",
  "summary": "<2-3 sentence executive summary of the industry and key metrics>",
  "categories": [
    {
      "name": "<category name>",
      "description": "<short description>",
      "tam": "<TAM estimate>",
      "som": "<SOM estimate>",
      "historical_cagr": "<e.g. 8%>",
      "projected_cagr": "<e.g. 12%>",
      "trends": ["<trend1>", "<trend2>"]
    }
  ]
}`

func (s *TaxonomyArchitect) Run(ctx context.Context, in TaxonomyContext) (artifact.Taxonomy, call.Result) {
	res := s.Calls.Invoke(ctx, s.LLM, call.Request{
		Stage:  StageTaxonomy.String(),
		Prompt: taxonomyPrompt,
		Input:  in,
		Schema: s.Spec.Schema,
		Retry:  s.Spec.Retry,
	})
	var out artifact.Taxonomy
	if !res.OK {
		return out, res
	}
	if err := res.Decode(&out); err != nil {
		return out, res.AsSchemaInvalid(err)
	}
	if out.Industry == "" {
		out.Industry = in.Industry
	}
	return out, res
}
