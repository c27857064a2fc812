package memory

import (
	"context"
	"strings"
	"testing"
)

func candidateBySlot(cands []Candidate, slot string) (Candidate, bool) {
	for _, c := range cands {
		if c.Slot == slot {
			return c, true
		}
	}
	return Candidate{}, false
}

func TestHeuristicExtractor_BiographicalFacts(t *testing.T) {
	batch := []Event{{
		UserID: "u1", SessionID: 1, Seq: 3, Role: RoleSubject, Kind: KindMessage,
		Content: "My name is Margaret Hale. I was born in Leeds in 1951 and I grew up near the canal. My father was named Thomas.",
	}}
	cands, err := NewHeuristicExtractor().Extract(context.Background(), batch, nil)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	want := map[string]string{
		"identity/name":    "margaret hale",
		"birth/year":       "1951",
		"birth/place":      "leeds",
		"places/childhood": "the canal",
		"family/father":    "thomas",
	}
	for slot, fragment := range want {
		c, ok := candidateBySlot(cands, slot)
		if !ok {
			t.Fatalf("missing slot %s in %+v", slot, cands)
		}
		if !strings.Contains(strings.ToLower(c.Text), fragment) {
			t.Fatalf("slot %s text %q does not mention %q", slot, c.Text, fragment)
		}
		if c.SourceSeq != 3 {
			t.Fatalf("slot %s source seq = %d, want 3", slot, c.SourceSeq)
		}
	}
}

func TestHeuristicExtractor_IgnoresInterviewerAndFeedback(t *testing.T) {
	batch := []Event{
		{Seq: 1, Role: RoleInterviewer, Kind: KindMessage, Content: "My name is Interviewer Bot and I was born in 2020."},
		{Seq: 2, Role: RoleSubject, Kind: KindSkip, Content: "I was born in 1960 but skip this"},
	}
	cands, err := NewHeuristicExtractor().Extract(context.Background(), batch, nil)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(cands) != 0 {
		t.Fatalf("expected no candidates, got %+v", cands)
	}
}

func TestHeuristicExtractor_ShortQuestionBackIsNotAFact(t *testing.T) {
	batch := []Event{{Seq: 1, Role: RoleSubject, Kind: KindMessage, Content: "Do I have to say where I was born?"}}
	cands, _ := NewHeuristicExtractor().Extract(context.Background(), batch, nil)
	if len(cands) != 0 {
		t.Fatalf("expected question to be skipped, got %+v", cands)
	}
}

func TestRelativeRegex_RequiresCapitalisedName(t *testing.T) {
	cands := extractFromAnswer("My mother was very kind to everyone in the village.", 1)
	if _, ok := candidateBySlot(cands, "family/mother"); ok {
		t.Fatalf("lowercase description must not be read as a name: %+v", cands)
	}
}

func TestHeuristicExtractor_OneCandidatePerStructuredSentence(t *testing.T) {
	cands := extractFromAnswer("I was born in 1948.", 1)
	if len(cands) != 1 || cands[0].Slot != "birth/year" {
		t.Fatalf("want only the birth year, got %+v", cands)
	}

	cands = extractFromAnswer("I was born in 1948. I worked on the docks for twenty years.", 2)
	if _, ok := candidateBySlot(cands, "birth/year"); !ok {
		t.Fatalf("missing birth year in %+v", cands)
	}
	var clauses []string
	for _, c := range cands {
		if c.Slot == "" {
			clauses = append(clauses, c.Text)
		}
	}
	if len(clauses) == 0 {
		t.Fatalf("the unstructured sentence should still yield a clause: %+v", cands)
	}
	for _, text := range clauses {
		if strings.Contains(text, "1948") {
			t.Fatalf("clause %q restates the structured sentence", text)
		}
	}
}
