package biography

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/dotsetgreg/biographer/pkg/config"
	"github.com/dotsetgreg/biographer/pkg/memory"
	"github.com/dotsetgreg/biographer/pkg/providers"
)

// Synthesizer turns a memory snapshot into a biography document. It sees
// nothing but the snapshot: the same items always yield the same document
// modulo Version and CreatedAt, which the caller assigns.
type Synthesizer interface {
	Synthesize(ctx context.Context, userID string, snapshot []memory.MemoryItem) (memory.BiographyDoc, error)
}

// NewSynthesizer builds the synthesizer named by kind ("outline" or "llm")
// writing in opts' style and perspective.
func NewSynthesizer(kind string, gen providers.Generator, opts Options) (Synthesizer, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "outline":
		return NewStyledOutlineSynthesizer(opts), nil
	case "llm":
		if gen == nil {
			return nil, fmt.Errorf("llm synthesizer requires a model provider")
		}
		return NewStyledLLMSynthesizer(gen, opts), nil
	default:
		return nil, fmt.Errorf("unknown biography synthesizer %q", kind)
	}
}

// SynthesizerFromConfig builds the configured synthesizer.
func SynthesizerFromConfig(cfg *config.Config, gen providers.Generator) (Synthesizer, error) {
	opts, err := ParseOptions(cfg.Biography.Style, cfg.Biography.Perspective)
	if err != nil {
		return nil, err
	}
	return NewSynthesizer(cfg.Biography.Synthesizer, gen, opts)
}

// SnapshotHash identifies a memory snapshot independent of item order.
func SnapshotHash(items []memory.MemoryItem) string {
	keys := make([]string, 0, len(items))
	for _, it := range items {
		keys = append(keys, it.ID+"\x00"+it.Text)
	}
	sort.Strings(keys)
	h := blake3.New()
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Completeness is the share of active memory ids the document references.
// An empty snapshot is complete.
func Completeness(doc memory.BiographyDoc, active []memory.MemoryItem) float64 {
	if len(active) == 0 {
		return 1
	}
	referenced := make(map[string]struct{}, len(doc.MemoryIDs))
	for _, id := range doc.MemoryIDs {
		referenced[id] = struct{}{}
	}
	hit := 0
	for _, it := range active {
		if _, ok := referenced[it.ID]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(active))
}

// finish fills the fields every synthesizer derives the same way.
func finish(doc memory.BiographyDoc, userID string, snapshot []memory.MemoryItem) memory.BiographyDoc {
	doc.UserID = userID
	doc.MemoryIDs = collectIDs(doc.Sections)
	doc.MemoryCount = len(snapshot)
	doc.SnapshotHash = SnapshotHash(snapshot)
	doc.Markdown = RenderMarkdown(doc)
	return doc
}

func collectIDs(sections []memory.Section) []string {
	seen := map[string]struct{}{}
	var out []string
	var walk func([]memory.Section)
	walk = func(secs []memory.Section) {
		for _, s := range secs {
			for _, id := range s.MemoryIDs {
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				out = append(out, id)
			}
			walk(s.Subsections)
		}
	}
	walk(sections)
	return out
}

func renderJSON(doc memory.BiographyDoc) (string, error) {
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render biography json: %w", err)
	}
	return string(out), nil
}
