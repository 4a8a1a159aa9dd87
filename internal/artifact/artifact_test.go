package artifact

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

func TestArtifactAppendOnlyAndFreeze(t *testing.T) {
	a := New("r1", "fintech")
	if a.Frozen() {
		t.Fatalf("new artifact must not be frozen")
	}

	if err := a.AttachTaxonomy(Taxonomy{Industry: "FinTech", Categories: []Category{{Name: "Payments"}}}); err != nil {
		t.Fatalf("attach taxonomy: %v", err)
	}
	if a.Industry != "FinTech" {
		t.Fatalf("industry not adopted from taxonomy: %q", a.Industry)
	}
	if err := a.AttachSegments(CategorySegments{CategoryName: "Payments", Segments: []Segment{{Name: "B2B"}}}); err != nil {
		t.Fatalf("attach segments: %v", err)
	}
	if err := a.RecordDropped(DroppedItem{Stage: "segment_specialist", CategoryName: "Lending", Kind: "rate_limited", Reason: "quota"}); err != nil {
		t.Fatalf("record dropped: %v", err)
	}
	if !a.PartialCoverage() {
		t.Fatalf("dropped item must flag partial coverage")
	}

	a.Freeze()
	if !a.Frozen() {
		t.Fatalf("freeze did not stick")
	}
	if err := a.AttachSegments(CategorySegments{CategoryName: "Late"}); !errors.Is(err, ErrFrozen) {
		t.Fatalf("attach after freeze: got %v, want ErrFrozen", err)
	}
	if err := a.AttachJury(JuryVerdict{}); !errors.Is(err, ErrFrozen) {
		t.Fatalf("jury after freeze: got %v, want ErrFrozen", err)
	}
	if len(a.Segments) != 1 {
		t.Fatalf("frozen artifact mutated: %d segments", len(a.Segments))
	}
}

func TestArtifactMarshalIncludesPartialFlag(t *testing.T) {
	a := New("r2", "retail")
	b, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := m["partial_coverage"].(bool); !ok || v {
		t.Fatalf("partial_coverage = %v, want false", m["partial_coverage"])
	}

	if err := a.RecordDropped(DroppedItem{Stage: "decision_jury", Kind: "schema_invalid", Reason: "x"}); err != nil {
		t.Fatalf("record dropped: %v", err)
	}
	b, err = json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := m["partial_coverage"].(bool); !ok || !v {
		t.Fatalf("partial_coverage = %v, want true", m["partial_coverage"])
	}
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	a := New("run-42", "logistics")
	if err := a.AttachTaxonomy(Taxonomy{Industry: "Logistics", Categories: []Category{{Name: "Last Mile", TAM: "$10B"}}}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	a.Freeze()

	if err := store.Save(a); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got, want := store.Path("run-42"), filepath.Join(dir, "run-42.json"); got != want {
		t.Fatalf("path = %q, want %q", got, want)
	}

	loaded, err := store.Load("run-42")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.Frozen() {
		t.Fatalf("loaded artifact must be frozen")
	}
	if loaded.Taxonomy == nil || len(loaded.Taxonomy.Categories) != 1 || loaded.Taxonomy.Categories[0].Name != "Last Mile" {
		t.Fatalf("taxonomy did not survive the round trip: %+v", loaded.Taxonomy)
	}
}

func TestStoreLoadMissing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Load("nope"); err == nil {
		t.Fatalf("expected error for missing run")
	}
}
