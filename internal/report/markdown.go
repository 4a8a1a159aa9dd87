package report

import (
	"fmt"
	"sort"
	"strings"

	"marketscope/internal/artifact"
)

// Markdown renders a frozen artifact as a human-readable research report.
// Partial artifacts render too; dropped branches are listed at the end so
// the reader knows what the report does not cover.
func Markdown(a *artifact.Artifact) string {
	var b strings.Builder

	industry := a.Industry
	if industry == "" {
		industry = "(unknown industry)"
	}
	fmt.Fprintf(&b, "# Market Research Report: %s\n\n", industry)
	fmt.Fprintf(&b, "Run `%s`, generated %s.\n\n", a.RunID, a.GeneratedAt.Format("2006-01-02 15:04 UTC"))

	if a.Jury != nil && a.Jury.ExecutiveSummary != "" {
		b.WriteString("## Executive Summary\n\n")
		b.WriteString(a.Jury.ExecutiveSummary)
		b.WriteString("\n\n")
	}

	writeTaxonomy(&b, a.Taxonomy)
	writeSegments(&b, a.Segments)
	writeBehavioral(&b, a.Behavioral)
	writeCompetitive(&b, a.Competitive)
	writeJury(&b, a.Jury)
	writeDropped(&b, a.Dropped)

	return b.String()
}

func writeTaxonomy(b *strings.Builder, t *artifact.Taxonomy) {
	if t == nil {
		return
	}
	b.WriteString("## Market Taxonomy\n\n")
	if t.Summary != "" {
		b.WriteString(t.Summary)
		b.WriteString("\n\n")
	}
	b.WriteString("| Category | TAM / SOM | CAGR (hist / proj) |\n")
	b.WriteString("|---|---|---|\n")
	for _, c := range t.Categories {
		fmt.Fprintf(b, "| %s | %s / %s | %s / %s |\n",
			c.Name, orDash(c.TAM), orDash(c.SOM), orDash(c.HistoricalCAGR), orDash(c.ProjectedCAGR))
	}
	b.WriteString("\n")
	for _, c := range t.Categories {
		if c.Description == "" && len(c.Trends) == 0 {
			continue
		}
		fmt.Fprintf(b, "### %s\n\n", c.Name)
		if c.Description != "" {
			b.WriteString(c.Description)
			b.WriteString("\n\n")
		}
		for _, tr := range c.Trends {
			fmt.Fprintf(b, "- %s\n", tr)
		}
		if len(c.Trends) > 0 {
			b.WriteString("\n")
		}
	}
}

func writeSegments(b *strings.Builder, all []artifact.CategorySegments) {
	if len(all) == 0 {
		return
	}
	b.WriteString("## Segments\n\n")
	for _, cs := range all {
		fmt.Fprintf(b, "### %s\n\n", cs.CategoryName)
		for _, s := range cs.Segments {
			flags := segmentFlags(s)
			fmt.Fprintf(b, "- **%s** (%s%s)", s.Name, orDash(s.SegmentType), flags)
			if s.Description != "" {
				fmt.Fprintf(b, ": %s", s.Description)
			}
			b.WriteString("\n")
			for _, d := range s.GrowthDrivers {
				fmt.Fprintf(b, "  - driver: %s\n", d)
			}
		}
		b.WriteString("\n")
	}
}

func segmentFlags(s artifact.Segment) string {
	var flags []string
	if s.UnderCapitalized {
		flags = append(flags, "under-capitalized")
	}
	if s.OverSaturated {
		flags = append(flags, "over-saturated")
	}
	if len(flags) == 0 {
		return ""
	}
	return ", " + strings.Join(flags, ", ")
}

func writeBehavioral(b *strings.Builder, profiles []artifact.BehavioralProfile) {
	if len(profiles) == 0 {
		return
	}
	b.WriteString("## User Behavior\n\n")
	for _, p := range profiles {
		fmt.Fprintf(b, "### %s / %s\n\n", p.CategoryName, p.SegmentName)
		fmt.Fprintf(b, "**Zero moment of truth.** %s\n\n", p.ZeroMomentOfTruth)
		if len(p.AlternativePaths) > 0 {
			b.WriteString("Workarounds before paying:\n")
			for _, w := range p.AlternativePaths {
				fmt.Fprintf(b, "- %s\n", w)
			}
			b.WriteString("\n")
		}
		if len(p.RetentionKillers) > 0 {
			b.WriteString("Why users quit:\n")
			for _, k := range p.RetentionKillers {
				fmt.Fprintf(b, "- %s\n", k)
			}
			b.WriteString("\n")
		}
	}
}

func writeCompetitive(b *strings.Builder, profiles []artifact.CompetitiveProfile) {
	if len(profiles) == 0 {
		return
	}
	b.WriteString("## Competitive Landscape\n\n")
	for _, p := range profiles {
		fmt.Fprintf(b, "### %s / %s\n\n", p.CategoryName, p.SegmentName)
		if len(p.DeliveryMechanisms) > 0 {
			fmt.Fprintf(b, "Delivery: %s\n\n", strings.Join(p.DeliveryMechanisms, ", "))
		}
		if len(p.ProductFeatureGaps) > 0 {
			b.WriteString("Product feature gaps:\n")
			for _, g := range p.ProductFeatureGaps {
				fmt.Fprintf(b, "- %s\n", g)
			}
			b.WriteString("\n")
		}
		if len(p.ExperienceGaps) > 0 {
			b.WriteString("Experience gaps:\n")
			for _, g := range p.ExperienceGaps {
				fmt.Fprintf(b, "- %s\n", g)
			}
			b.WriteString("\n")
		}
		if p.MoatAssessment != "" {
			fmt.Fprintf(b, "**Moats.** %s\n\n", p.MoatAssessment)
		}
	}
}

func writeJury(b *strings.Builder, v *artifact.JuryVerdict) {
	if v == nil {
		return
	}
	b.WriteString("## Jury Verdict\n\n")
	if v.ConflictCheck != "" {
		fmt.Fprintf(b, "**Growth vs. friction.** %s\n\n", v.ConflictCheck)
	}
	if v.MoatAssessment != "" {
		fmt.Fprintf(b, "**Moat assessment.** %s\n\n", v.MoatAssessment)
	}
	if len(v.SegmentVerdicts) > 0 {
		b.WriteString("| Category | Segment | Verdict | Rationale |\n")
		b.WriteString("|---|---|---|---|\n")
		for _, sv := range v.SegmentVerdicts {
			fmt.Fprintf(b, "| %s | %s | %s | %s |\n",
				sv.CategoryName, sv.SegmentName, strings.ToUpper(sv.Verdict), orDash(sv.Rationale))
		}
		b.WriteString("\n")
	}
	if len(v.Allocations) > 0 {
		b.WriteString("### Capital Allocation\n\n")
		allocs := make([]artifact.Allocation, len(v.Allocations))
		copy(allocs, v.Allocations)
		sort.SliceStable(allocs, func(i, j int) bool { return allocs[i].AmountUSD > allocs[j].AmountUSD })
		var total int64
		b.WriteString("| Category | Segment | Amount |\n")
		b.WriteString("|---|---|---|\n")
		for _, al := range allocs {
			fmt.Fprintf(b, "| %s | %s | $%s |\n", al.CategoryName, al.SegmentName, formatUSD(al.AmountUSD))
			total += al.AmountUSD
		}
		fmt.Fprintf(b, "| | **Total** | **$%s** |\n\n", formatUSD(total))
	}
}

func writeDropped(b *strings.Builder, dropped []artifact.DroppedItem) {
	if len(dropped) == 0 {
		return
	}
	b.WriteString("## Coverage Gaps\n\n")
	b.WriteString("These branches were dropped after exhausting retries and are not covered above:\n\n")
	for _, d := range dropped {
		target := d.CategoryName
		if d.SegmentName != "" {
			target += " / " + d.SegmentName
		}
		if target == "" {
			target = "(run-level)"
		}
		fmt.Fprintf(b, "- %s at %s stage: %s\n", target, d.Stage, d.Reason)
	}
	b.WriteString("\n")
}

// formatUSD renders an amount with thousands separators.
func formatUSD(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	parts = append([]string{s}, parts...)
	out := strings.Join(parts, ",")
	if neg {
		out = "-" + out
	}
	return out
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
