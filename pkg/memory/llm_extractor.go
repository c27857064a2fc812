package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dotsetgreg/biographer/pkg/providers"
)

const extractorSystemPrompt = `You maintain long-term memory for a biographer.
Read the new interview excerpt and list durable facts about the subject's life.
Use a fact slot such as identity/name, birth/year, birth/place, family/mother,
family/spouse, places/childhood, career/occupation, education/school when the
fact has a single current value; leave slot empty for episodes and anecdotes.
Only include facts the subject stated. Do not repeat known memories.
Respond with JSON: {"memories":[{"slot":"","title":"","text":"","confidence":0.0,"source_seq":0}]}`

// LLMExtractor asks the model to extract memory candidates.
type LLMExtractor struct {
	Generator providers.Generator
	MaxTokens int
}

func NewLLMExtractor(gen providers.Generator) *LLMExtractor {
	return &LLMExtractor{Generator: gen, MaxTokens: 1200}
}

func (x *LLMExtractor) Extract(ctx context.Context, batch []Event, prior []MemoryItem) ([]Candidate, error) {
	if x == nil || x.Generator == nil {
		return nil, fmt.Errorf("llm extractor has no generator")
	}
	hasContent := false
	for _, ev := range batch {
		if ev.CountsTowardConsolidation() {
			hasContent = true
			break
		}
	}
	if !hasContent {
		return nil, nil
	}

	raw, err := x.Generator.Generate(ctx, buildExtractionPrompt(batch, prior), providers.Constraints{
		System:      extractorSystemPrompt,
		MaxTokens:   x.MaxTokens,
		Temperature: 0.1,
		JSON:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("extract memories: %w", err)
	}
	return parseCandidatesResponse(raw), nil
}

func buildExtractionPrompt(batch []Event, prior []MemoryItem) string {
	var b strings.Builder
	if len(prior) > 0 {
		b.WriteString("Known memories:\n")
		for _, it := range prior {
			slot := it.Slot
			if slot == "" {
				slot = "-"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", slot, it.Text)
		}
		b.WriteString("\n")
	}
	b.WriteString("New excerpt:\n")
	for _, ev := range batch {
		switch ev.Role {
		case RoleSubject:
			if ev.Kind != KindMessage {
				continue
			}
			fmt.Fprintf(&b, "#%d subject: %s\n", ev.Seq, ev.Content)
		case RoleInterviewer:
			fmt.Fprintf(&b, "#%d interviewer: %s\n", ev.Seq, ev.Content)
		case RoleSystem:
			// notes are context for the interviewer, not facts
		}
	}
	return b.String()
}

// parseCandidatesResponse accepts an envelope, a bare array, or JSON buried
// in prose or code fences.
func parseCandidatesResponse(raw string) []Candidate {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	type candidate struct {
		Slot       string  `json:"slot"`
		Title      string  `json:"title"`
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
		SourceSeq  int64   `json:"source_seq"`
	}
	type envelope struct {
		Memories []candidate `json:"memories"`
	}

	convert := func(cands []candidate) []Candidate {
		out := make([]Candidate, 0, len(cands))
		for _, c := range cands {
			text := strings.TrimSpace(c.Text)
			if text == "" {
				continue
			}
			out = append(out, Candidate{
				Slot:       normalizeSlot(c.Slot),
				Title:      strings.TrimSpace(c.Title),
				Text:       text,
				Confidence: c.Confidence,
				SourceSeq:  c.SourceSeq,
			})
		}
		return out
	}
	try := func(s string) ([]Candidate, bool) {
		var env envelope
		if err := json.Unmarshal([]byte(s), &env); err == nil && env.Memories != nil {
			return convert(env.Memories), true
		}
		var arr []candidate
		if err := json.Unmarshal([]byte(s), &arr); err == nil {
			return convert(arr), true
		}
		return nil, false
	}

	if out, ok := try(raw); ok {
		return out
	}
	start := strings.IndexAny(raw, "[{")
	end := strings.LastIndexAny(raw, "]}")
	if start >= 0 && end > start {
		if out, ok := try(raw[start : end+1]); ok {
			return out
		}
	}
	return nil
}
