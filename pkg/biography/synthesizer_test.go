package biography

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/biographer/pkg/memory"
	"github.com/dotsetgreg/biographer/pkg/providers"
)

func TestOutline_DerivedFromSnapshotOnly(t *testing.T) {
	ctx := context.Background()
	snap := lifeSnapshot("u1")
	synth := NewOutlineSynthesizer()

	a, err := synth.Synthesize(ctx, "u1", snap)
	require.NoError(t, err)

	shuffled := append([]memory.MemoryItem(nil), snap...)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	b, err := synth.Synthesize(ctx, "u1", shuffled)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, len(snap), a.MemoryCount)
	assert.Equal(t, SnapshotHash(snap), a.SnapshotHash)
	assert.Equal(t, 1.0, Completeness(a, snap))
}

func TestOutline_ThematicChapterLayout(t *testing.T) {
	doc, err := NewStyledOutlineSynthesizer(Options{Style: StyleThematic}).Synthesize(context.Background(), "u1", lifeSnapshot("u1"))
	require.NoError(t, err)

	var titles []string
	for _, s := range doc.Sections {
		titles = append(titles, s.Title)
	}
	assert.Equal(t, []string{"Origins", "Early Years", "Family", "Work", "Home", "Stories"}, titles)
	assert.Equal(t, "Born in 1951. Born in Cork.", doc.Sections[0].Content)
	require.Len(t, doc.Sections[0].MemoryIDs, 2)

	stories := doc.Sections[5]
	require.Len(t, stories.Subsections, 2)
	assert.Equal(t, "Preference", stories.Subsections[0].Title)
	assert.Equal(t, "Moments", stories.Subsections[1].Title)

	assert.Contains(t, doc.Markdown, "# A Life in Conversation")
	assert.Contains(t, doc.Markdown, "## Family\n\nTheir mother is Rose.")
	assert.Contains(t, doc.Markdown, "### Moments")
}

func TestOutline_EmptySnapshot(t *testing.T) {
	doc, err := NewOutlineSynthesizer().Synthesize(context.Background(), "u1", nil)
	require.NoError(t, err)
	assert.Empty(t, doc.Sections)
	assert.Zero(t, doc.MemoryCount)
	assert.Equal(t, 1.0, Completeness(doc, nil))
}

func TestLLMSynthesizer_UsesProseKeepsStructure(t *testing.T) {
	var prompt string
	gen := providers.GeneratorFunc(func(_ context.Context, p string, c providers.Constraints) (string, error) {
		prompt = p
		assert.True(t, c.JSON)
		return "```json\n" + `{"title":"The Engineer from Cork","sections":[{"title":"family","content":"Rose raised them with patience."}]}` + "\n```", nil
	})
	snap := lifeSnapshot("u1")
	doc, err := NewStyledLLMSynthesizer(gen, Options{Style: StyleThematic}).Synthesize(context.Background(), "u1", snap)
	require.NoError(t, err)

	assert.Contains(t, prompt, "Chapter: Family")
	assert.Contains(t, prompt, "- Their mother is Rose")
	assert.Equal(t, "The Engineer from Cork", doc.Title)
	assert.Equal(t, "Rose raised them with patience.", doc.Sections[2].Content)
	// chapters the model skipped keep the outline text
	assert.Equal(t, "Worked as a ship's engineer.", doc.Sections[3].Content)
	assert.Equal(t, 1.0, Completeness(doc, snap))
	assert.Contains(t, doc.Markdown, "Rose raised them with patience.")
}

func TestLLMSynthesizer_UnparsableFallsBackToOutline(t *testing.T) {
	gen := providers.GeneratorFunc(func(context.Context, string, providers.Constraints) (string, error) {
		return "I'd rather not.", nil
	})
	snap := lifeSnapshot("u1")
	got, err := NewLLMSynthesizer(gen).Synthesize(context.Background(), "u1", snap)
	require.NoError(t, err)
	want, err := NewOutlineSynthesizer().Synthesize(context.Background(), "u1", snap)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLLMSynthesizer_ProviderErrorPropagates(t *testing.T) {
	boom := &providers.ProviderError{Provider: "test", Kind: providers.ErrorTransient, StatusCode: 529, Message: "overloaded"}
	gen := providers.GeneratorFunc(func(context.Context, string, providers.Constraints) (string, error) {
		return "", boom
	})
	_, err := NewLLMSynthesizer(gen).Synthesize(context.Background(), "u1", lifeSnapshot("u1"))
	var perr *providers.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.True(t, providers.IsTransient(err))
}

func TestNewSynthesizer(t *testing.T) {
	s, err := NewSynthesizer("", nil, Options{})
	require.NoError(t, err)
	require.IsType(t, &OutlineSynthesizer{}, s)
	assert.Equal(t, Options{Style: StyleChronological, Perspective: PerspectiveThird}, s.(*OutlineSynthesizer).Options)

	_, err = NewSynthesizer("llm", nil, Options{})
	assert.Error(t, err)

	_, err = NewSynthesizer("poetry", nil, Options{})
	assert.Error(t, err)
}

func TestOutline_ChronologicalChapterLayout(t *testing.T) {
	doc, err := NewOutlineSynthesizer().Synthesize(context.Background(), "u1", lifeSnapshot("u1"))
	require.NoError(t, err)

	var titles []string
	for _, s := range doc.Sections {
		titles = append(titles, s.Title)
	}
	assert.Equal(t, []string{"Beginnings", "Childhood", "Adult Life", "Today", "Stories"}, titles)
	assert.Equal(t, "Born in 1951. Born in Cork. Their mother is Rose.", doc.Sections[0].Content)
	// a dated story joins the life stage it happened in
	assert.Equal(t, "Worked as a ship's engineer. Crossed the Atlantic in 1974.", doc.Sections[2].Content)
	require.Len(t, doc.Sections[4].Subsections, 1)
	assert.Equal(t, "Preference", doc.Sections[4].Subsections[0].Title)
}

func TestOutline_ChronologicalOrdersByYear(t *testing.T) {
	snap := []memory.MemoryItem{
		item("u1", "birth/year", "Birth year", "Born in 1951", 0),
		item("u1", "", "", "Moved to Halifax in 1990", 1),
		item("u1", "", "", "Learned to sail in 1960", 2),
		item("u1", "", "", "Joined the merchant navy in 1970", 3),
	}
	doc, err := NewOutlineSynthesizer().Synthesize(context.Background(), "u1", snap)
	require.NoError(t, err)

	require.Len(t, doc.Sections, 3)
	assert.Equal(t, "Childhood", doc.Sections[1].Title)
	assert.Equal(t, "Learned to sail in 1960.", doc.Sections[1].Content)
	assert.Equal(t, "Adult Life", doc.Sections[2].Title)
	assert.Equal(t, "Joined the merchant navy in 1970. Moved to Halifax in 1990.", doc.Sections[2].Content)
}

func TestOutline_Perspective(t *testing.T) {
	snap := []memory.MemoryItem{
		item("u1", "birth/place", "Birthplace", "Born in Cork", 0),
		item("u1", "family/mother", "Mother", "Their mother is Rose", 1),
		item("u1", "places/home", "Home", "Lives in Halifax", 2),
		item("u1", "", "Preference", "I love my boat", 3),
	}

	first, err := NewStyledOutlineSynthesizer(Options{Perspective: PerspectiveFirst}).Synthesize(context.Background(), "u1", snap)
	require.NoError(t, err)
	assert.Equal(t, "I was born in Cork. My mother is Rose.", first.Sections[0].Content)
	assert.Equal(t, "I live in Halifax.", first.Sections[1].Content)
	assert.Equal(t, "I love my boat.", first.Sections[2].Subsections[0].Content)

	third, err := NewStyledOutlineSynthesizer(Options{Perspective: PerspectiveThird}).Synthesize(context.Background(), "u1", snap)
	require.NoError(t, err)
	assert.Equal(t, "Born in Cork. Their mother is Rose.", third.Sections[0].Content)
	assert.Equal(t, "They love their boat.", third.Sections[2].Subsections[0].Content)
}

func TestLLMSynthesizer_PromptCarriesStyleAndPerspective(t *testing.T) {
	var system, prompt string
	gen := providers.GeneratorFunc(func(_ context.Context, p string, c providers.Constraints) (string, error) {
		system, prompt = c.System, p
		return `{"title":"","sections":[]}`, nil
	})
	snap := lifeSnapshot("u1")

	_, err := NewStyledLLMSynthesizer(gen, Options{Style: StyleThematic, Perspective: PerspectiveFirst}).Synthesize(context.Background(), "u1", snap)
	require.NoError(t, err)
	assert.Contains(t, system, "The chapters are themes")
	assert.Contains(t, system, "first person")
	assert.Contains(t, prompt, "Style: thematic, first person")
	assert.Contains(t, prompt, "Chapter: Family")

	_, err = NewLLMSynthesizer(gen).Synthesize(context.Background(), "u1", snap)
	require.NoError(t, err)
	assert.Contains(t, system, "time order")
	assert.Contains(t, system, "third person")
	assert.Contains(t, prompt, "Style: chronological, third person")
	assert.Contains(t, prompt, "Chapter: Beginnings")
}

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions("", "")
	require.NoError(t, err)
	assert.Equal(t, Options{Style: StyleChronological, Perspective: PerspectiveThird}, opts)

	opts, err = ParseOptions("Thematic", "first_person")
	require.NoError(t, err)
	assert.Equal(t, Options{Style: StyleThematic, Perspective: PerspectiveFirst}, opts)

	_, err = ParseOptions("narrative", "")
	assert.Error(t, err)
	_, err = ParseOptions("", "second")
	assert.Error(t, err)
}

func TestCompleteness_Partial(t *testing.T) {
	snap := lifeSnapshot("u1")
	doc := memory.BiographyDoc{MemoryIDs: []string{snap[0].ID, snap[1].ID}}
	assert.InDelta(t, 0.25, Completeness(doc, snap), 1e-9)
}
