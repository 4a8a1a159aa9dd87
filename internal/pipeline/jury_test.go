package pipeline

import (
	"testing"

	"marketscope/internal/artifact"
)

func sumAllocs(allocs []artifact.Allocation) int64 {
	var total int64
	for _, a := range allocs {
		total += a.AmountUSD
	}
	return total
}

func TestNormalizeAllocationsRescalesToBudget(t *testing.T) {
	surviving := []segmentKey{
		{Category: "Payments", Segment: "B2B"},
		{Category: "Payments", Segment: "B2C"},
		{Category: "Lending", Segment: "SMB"},
	}
	allocs := []artifact.Allocation{
		{CategoryName: "Payments", SegmentName: "B2B", AmountUSD: 300},
		{CategoryName: "Payments", SegmentName: "B2C", AmountUSD: 200},
		{CategoryName: "Lending", SegmentName: "SMB", AmountUSD: 100},
	}

	out := normalizeAllocations(allocs, surviving, artifact.AllocationBudgetUSD)
	if got := sumAllocs(out); got != artifact.AllocationBudgetUSD {
		t.Fatalf("total = %d, want %d", got, artifact.AllocationBudgetUSD)
	}
	if len(out) != 3 {
		t.Fatalf("allocations = %d, want 3", len(out))
	}
	// 300:200:100 rescales to 500000/333333/166666 and the rounding
	// remainder of 1 lands on the largest share.
	if out[0].SegmentName != "B2B" || out[0].AmountUSD != 500_001 {
		t.Fatalf("largest share wrong: %+v", out[0])
	}
}

func TestNormalizeAllocationsDropsUnknownAndNegative(t *testing.T) {
	surviving := []segmentKey{{Category: "Payments", Segment: "B2B"}}
	allocs := []artifact.Allocation{
		{CategoryName: "Payments", SegmentName: "B2B", AmountUSD: 100},
		{CategoryName: "Ghost", SegmentName: "Invented", AmountUSD: 900},
		{CategoryName: "Payments", SegmentName: "B2B", AmountUSD: -50},
	}

	out := normalizeAllocations(allocs, surviving, artifact.AllocationBudgetUSD)
	if len(out) != 1 {
		t.Fatalf("allocations = %d, want 1", len(out))
	}
	if out[0].AmountUSD != artifact.AllocationBudgetUSD {
		t.Fatalf("amount = %d, want full budget", out[0].AmountUSD)
	}
}

func TestNormalizeAllocationsEvenSplitFallback(t *testing.T) {
	surviving := []segmentKey{
		{Category: "A", Segment: "1"},
		{Category: "A", Segment: "2"},
		{Category: "B", Segment: "1"},
	}

	out := normalizeAllocations(nil, surviving, artifact.AllocationBudgetUSD)
	if got := sumAllocs(out); got != artifact.AllocationBudgetUSD {
		t.Fatalf("total = %d, want %d", got, artifact.AllocationBudgetUSD)
	}
	if len(out) != 3 {
		t.Fatalf("allocations = %d, want 3", len(out))
	}
	// 1_000_000 / 3 leaves a remainder of 1 on the first segment.
	if out[0].AmountUSD != 333_334 || out[1].AmountUSD != 333_333 {
		t.Fatalf("uneven split wrong: %+v", out)
	}
}

func TestNormalizeAllocationsRoundingRemainder(t *testing.T) {
	surviving := []segmentKey{
		{Category: "A", Segment: "1"},
		{Category: "A", Segment: "2"},
		{Category: "A", Segment: "3"},
	}
	allocs := []artifact.Allocation{
		{CategoryName: "A", SegmentName: "1", AmountUSD: 1},
		{CategoryName: "A", SegmentName: "2", AmountUSD: 1},
		{CategoryName: "A", SegmentName: "3", AmountUSD: 1},
	}

	out := normalizeAllocations(allocs, surviving, artifact.AllocationBudgetUSD)
	if got := sumAllocs(out); got != artifact.AllocationBudgetUSD {
		t.Fatalf("total = %d, want %d", got, artifact.AllocationBudgetUSD)
	}
}

func TestNormalizeAllocationsDeterministic(t *testing.T) {
	surviving := []segmentKey{
		{Category: "A", Segment: "1"},
		{Category: "B", Segment: "2"},
	}
	allocs := []artifact.Allocation{
		{CategoryName: "A", SegmentName: "1", AmountUSD: 700},
		{CategoryName: "B", SegmentName: "2", AmountUSD: 300},
	}

	first := normalizeAllocations(allocs, surviving, artifact.AllocationBudgetUSD)
	second := normalizeAllocations(allocs, surviving, artifact.AllocationBudgetUSD)
	if len(first) != len(second) {
		t.Fatalf("length mismatch")
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("allocation %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestNormalizeAllocationsNoSurvivors(t *testing.T) {
	out := normalizeAllocations([]artifact.Allocation{{CategoryName: "A", SegmentName: "1", AmountUSD: 100}}, nil, artifact.AllocationBudgetUSD)
	if out != nil {
		t.Fatalf("expected nil, got %+v", out)
	}
}
