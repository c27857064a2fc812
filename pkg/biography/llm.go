package biography

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dotsetgreg/biographer/pkg/memory"
	"github.com/dotsetgreg/biographer/pkg/providers"
)

const synthesisSystemPrompt = `You are a biographer writing a warm, factual life story.
You receive an outline of chapters, each with the facts the subject shared.
Write flowing prose for every chapter using only those facts. Do not invent
names, dates or events. Keep chapter titles exactly as given.
Respond with JSON: {"title":"","sections":[{"title":"","content":""}]}`

func synthesisSystem(opts Options) string {
	return synthesisSystemPrompt + "\n\n" + opts.instructions()
}

// LLMSynthesizer has the model write chapter prose over the outline. The
// outline fixes structure and memory references; the model only supplies
// text, and chapters it leaves out keep the outline's wording.
type LLMSynthesizer struct {
	Generator   providers.Generator
	Outline     *OutlineSynthesizer
	MaxTokens   int
	Temperature float64
}

func NewLLMSynthesizer(gen providers.Generator) *LLMSynthesizer {
	return NewStyledLLMSynthesizer(gen, Options{})
}

// NewStyledLLMSynthesizer writes in opts' style and perspective. The same
// options shape the outline the model works from.
func NewStyledLLMSynthesizer(gen providers.Generator, opts Options) *LLMSynthesizer {
	return &LLMSynthesizer{
		Generator:   gen,
		Outline:     NewStyledOutlineSynthesizer(opts),
		MaxTokens:   2400,
		Temperature: 0.4,
	}
}

func (s *LLMSynthesizer) Synthesize(ctx context.Context, userID string, snapshot []memory.MemoryItem) (memory.BiographyDoc, error) {
	outline := s.Outline
	if outline == nil {
		outline = NewOutlineSynthesizer()
	}
	doc, err := outline.Synthesize(ctx, userID, snapshot)
	if err != nil {
		return memory.BiographyDoc{}, err
	}
	if len(doc.Sections) == 0 {
		return doc, nil
	}

	opts := outline.Options.normalized()
	raw, err := s.Generator.Generate(ctx, buildSynthesisPrompt(doc, snapshot, opts), providers.Constraints{
		System:      synthesisSystem(opts),
		MaxTokens:   s.MaxTokens,
		Temperature: s.Temperature,
		JSON:        true,
	})
	if err != nil {
		return memory.BiographyDoc{}, fmt.Errorf("synthesize biography: %w", err)
	}
	written, ok := parseSynthesis(raw)
	if !ok {
		return doc, nil
	}
	if t := strings.TrimSpace(written.Title); t != "" {
		doc.Title = t
	}
	prose := map[string]string{}
	for _, sec := range written.Sections {
		if c := strings.TrimSpace(sec.Content); c != "" {
			prose[strings.ToLower(strings.TrimSpace(sec.Title))] = c
		}
	}
	for i := range doc.Sections {
		if c, ok := prose[strings.ToLower(doc.Sections[i].Title)]; ok {
			doc.Sections[i].Content = c
		}
	}
	items := append([]memory.MemoryItem(nil), snapshot...)
	memory.SortItems(items)
	return finish(doc, userID, items), nil
}

func buildSynthesisPrompt(doc memory.BiographyDoc, snapshot []memory.MemoryItem, opts Options) string {
	byID := make(map[string]memory.MemoryItem, len(snapshot))
	for _, it := range snapshot {
		byID[it.ID] = it
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Working title: %s\n", doc.Title)
	fmt.Fprintf(&b, "Style: %s, %s person\n\n", opts.Style, opts.Perspective)
	for _, sec := range doc.Sections {
		fmt.Fprintf(&b, "Chapter: %s\n", sec.Title)
		writeFacts(&b, sec, byID)
		b.WriteString("\n")
	}
	return b.String()
}

func writeFacts(b *strings.Builder, sec memory.Section, byID map[string]memory.MemoryItem) {
	for _, id := range sec.MemoryIDs {
		if it, ok := byID[id]; ok {
			fmt.Fprintf(b, "- %s\n", it.Text)
		}
	}
	for _, sub := range sec.Subsections {
		writeFacts(b, sub, byID)
	}
}

type synthesis struct {
	Title    string `json:"title"`
	Sections []struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"sections"`
}

func parseSynthesis(raw string) (synthesis, bool) {
	raw = strings.TrimSpace(raw)
	var out synthesis
	if err := json.Unmarshal([]byte(raw), &out); err == nil {
		return out, len(out.Sections) > 0
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return synthesis{}, false
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return synthesis{}, false
	}
	return out, len(out.Sections) > 0
}
