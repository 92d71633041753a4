package types

import (
	"encoding/json"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Virginia - EC2", "virginia---ec2"},
		{"Cable", "cable"},
		{"US East: 1", "us-east--1"},
		{"Dulles:Chrome", "dulles-chrome"},
		{"", ""},
		{"already-normal", "already-normal"},
	}
	for _, tc := range tests {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"Virginia - EC2", "3G", "Dulles:Chrome.Cable", "  MiXeD : Case  ", "ÄÖÜ Straße",
	}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent for %q: once %q, twice %q", in, once, twice)
		}
	}
}

func TestStats_AddAndMerge(t *testing.T) {
	var a Stats
	a.Add(1000)
	a.Add(3000)

	var b Stats
	b.Add(2000)

	var ab, ba Stats
	ab.Merge(a)
	ab.Merge(b)
	ba.Merge(b)
	ba.Merge(a)

	if ab != ba {
		t.Fatalf("merge not commutative: %+v vs %+v", ab, ba)
	}
	if ab.Count != 3 || ab.Sum != 6000 || ab.Min != 1000 || ab.Max != 3000 {
		t.Errorf("merged stats = %+v", ab)
	}
	if ab.Mean() != 2000 {
		t.Errorf("Mean() = %v, want 2000", ab.Mean())
	}
}

func TestStats_MergeEmpty(t *testing.T) {
	s := Stats{Count: 1, Sum: 5, Min: 5, Max: 5}
	s.Merge(Stats{})
	if s != (Stats{Count: 1, Sum: 5, Min: 5, Max: 5}) {
		t.Errorf("merging empty stats changed value: %+v", s)
	}
	if (Stats{}).Mean() != 0 {
		t.Error("Mean of empty stats should be 0")
	}
}

func TestStats_MarshalJSONIncludesMean(t *testing.T) {
	b, err := json.Marshal(Stats{Count: 2, Sum: 3000, Min: 1000, Max: 2000})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]float64
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m["mean"] != 1500 || m["count"] != 2 || m["sum"] != 3000 {
		t.Errorf("json = %s", b)
	}
}

func TestEventType(t *testing.T) {
	if got := EventType(DefaultNamespace, SuffixPageSummary); got != "webpagetest.pageSummary" {
		t.Errorf("EventType = %q", got)
	}
}
