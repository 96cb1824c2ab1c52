package resolver

import (
	"errors"
	"testing"

	"github.com/PeerPigeon/PigeonMatch/internal/clock"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"", NameClockDominant, false},
		{NameClockDominant, NameClockDominant, false},
		{NameLastWriteWins, NameLastWriteWins, false},
		{"random", "", true},
	}
	for _, tt := range tests {
		s, err := New(tt.name)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownStrategy) {
				t.Errorf("New(%q): expected ErrUnknownStrategy, got %v", tt.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("New(%q) failed: %v", tt.name, err)
		}
		if s.Name() != tt.want {
			t.Errorf("New(%q).Name() = %s, want %s", tt.name, s.Name(), tt.want)
		}
	}
}

func TestResolveEmpty(t *testing.T) {
	for _, s := range []Strategy{ClockDominant{}, LastWriteWins{}} {
		if _, err := s.Resolve(nil); !errors.Is(err, ErrNoCandidates) {
			t.Errorf("%s: expected ErrNoCandidates, got %v", s.Name(), err)
		}
	}
}

func TestClockDominantPicksDominating(t *testing.T) {
	candidates := []Candidate{
		{PeerID: "local", State: map[string]interface{}{"x": 1}, Clock: clock.VectorClock{"a": 1}},
		{PeerID: "remote", State: map[string]interface{}{"x": 2}, Clock: clock.VectorClock{"a": 2, "b": 1}},
	}
	winner, err := ClockDominant{}.Resolve(candidates)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if winner.PeerID != "remote" {
		t.Errorf("Expected dominating candidate to win, got %s", winner.PeerID)
	}
}

func TestClockDominantTieGoesToFirst(t *testing.T) {
	candidates := []Candidate{
		{PeerID: "first", Clock: clock.VectorClock{"a": 2, "b": 1}},
		{PeerID: "second", Clock: clock.VectorClock{"a": 1, "b": 2}},
	}
	winner, _ := ClockDominant{}.Resolve(candidates)
	if winner.PeerID != "first" {
		t.Errorf("Expected first candidate on tie, got %s", winner.PeerID)
	}

	equal := []Candidate{
		{PeerID: "first", Clock: clock.VectorClock{"a": 1}},
		{PeerID: "second", Clock: clock.VectorClock{"a": 1}},
	}
	winner, _ = ClockDominant{}.Resolve(equal)
	if winner.PeerID != "first" {
		t.Errorf("Expected first candidate for identical clocks, got %s", winner.PeerID)
	}
}

func TestClockDominantThreeWay(t *testing.T) {
	candidates := []Candidate{
		{PeerID: "old", Clock: clock.VectorClock{"a": 1}},
		{PeerID: "mid", Clock: clock.VectorClock{"a": 2}},
		{PeerID: "new", Clock: clock.VectorClock{"a": 3}},
	}
	winner, _ := ClockDominant{}.Resolve(candidates)
	if winner.PeerID != "new" {
		t.Errorf("Expected newest candidate, got %s", winner.PeerID)
	}
}

func TestLastWriteWinsHighestCounter(t *testing.T) {
	candidates := []Candidate{
		{PeerID: "p1", Clock: clock.VectorClock{"a": 5}},
		{PeerID: "p2", Clock: clock.VectorClock{"a": 1, "b": 6}},
	}
	winner, err := LastWriteWins{}.Resolve(candidates)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if winner.PeerID != "p2" {
		t.Errorf("Expected p2 (holds counter 6), got %s", winner.PeerID)
	}

	// clock-dominant picks differently for the same incomparable clocks
	cd, _ := ClockDominant{}.Resolve(candidates)
	if cd.PeerID != "p1" {
		t.Errorf("Expected clock-dominant to keep list order, got %s", cd.PeerID)
	}
}

func TestLastWriteWinsTieGoesToFirst(t *testing.T) {
	candidates := []Candidate{
		{PeerID: "p1", Clock: clock.VectorClock{"a": 4}},
		{PeerID: "p2", Clock: clock.VectorClock{"b": 4}},
	}
	winner, _ := LastWriteWins{}.Resolve(candidates)
	if winner.PeerID != "p1" {
		t.Errorf("Expected p1 on equal maxima, got %s", winner.PeerID)
	}
}

func TestLastWriteWinsEmptyClocks(t *testing.T) {
	candidates := []Candidate{{PeerID: "p1"}, {PeerID: "p2"}}
	winner, _ := LastWriteWins{}.Resolve(candidates)
	if winner.PeerID != "p1" {
		t.Errorf("Expected first candidate when no counters exist, got %s", winner.PeerID)
	}
}

func TestShallowMerge(t *testing.T) {
	nested := map[string]interface{}{"n": 1}
	dst := map[string]interface{}{"a": 1, "b": 2}
	out := ShallowMerge(dst, map[string]interface{}{"b": 3, "c": nested})
	if out["a"] != 1 || out["b"] != 3 {
		t.Errorf("ShallowMerge failed: %v", out)
	}
	nested["n"] = 2
	if out["c"].(map[string]interface{})["n"] != 2 {
		t.Error("ShallowMerge should share nested values")
	}
	if got := ShallowMerge(nil, map[string]interface{}{"a": 1}); got["a"] != 1 {
		t.Errorf("ShallowMerge into nil failed: %v", got)
	}
}

func TestCloneState(t *testing.T) {
	original := map[string]interface{}{
		"a": 1,
		"b": map[string]interface{}{"c": 2},
		"d": []interface{}{3, map[string]interface{}{"e": 4}},
	}
	cloned := CloneState(original)
	original["a"] = 999
	original["b"].(map[string]interface{})["c"] = 999
	original["d"].([]interface{})[1].(map[string]interface{})["e"] = 999

	if cloned["a"] != 1 {
		t.Error("Primitive not independent")
	}
	if cloned["b"].(map[string]interface{})["c"] != 2 {
		t.Error("Nested map not independent")
	}
	if cloned["d"].([]interface{})[1].(map[string]interface{})["e"] != 4 {
		t.Error("Nested slice not independent")
	}
	if got := CloneState(nil); got == nil {
		t.Error("CloneState(nil) should return an empty state")
	}
}
