package biography

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dotsetgreg/biographer/pkg/memory"
)

type chapter struct {
	title    string
	prefixes []string
}

// themes groups the life story by subject; unslotted items land in
// "Stories".
var themes = []chapter{
	{title: "Origins", prefixes: []string{"identity/", "birth/"}},
	{title: "Early Years", prefixes: []string{"places/childhood", "education/"}},
	{title: "Family", prefixes: []string{"family/"}},
	{title: "Work", prefixes: []string{"career/"}},
	{title: "Home", prefixes: []string{"places/"}},
}

// lifeStages are the chronological chapters, in life order.
var lifeStages = []chapter{
	{title: "Beginnings", prefixes: []string{"identity/", "birth/", "family/mother", "family/father", "family/grandparents", "family/siblings"}},
	{title: "Childhood", prefixes: []string{"places/childhood", "education/"}},
	{title: "Adult Life", prefixes: []string{"career/", "family/"}},
	{title: "Today", prefixes: []string{"places/"}},
}

const (
	storiesTitle  = "Stories"
	childhoodIdx  = 1
	adultLifeIdx  = 2
	adulthoodAge  = 18
	defaultTitle  = "A Life in Conversation"
	birthSlotRoot = "birth/"
)

var yearRegex = regexp.MustCompile(`\b(1[89]\d{2}|20\d{2})\b`)

// OutlineSynthesizer lays memories out into fixed chapters by slot, in the
// configured style and perspective.
type OutlineSynthesizer struct {
	Title   string
	Options Options
}

func NewOutlineSynthesizer() *OutlineSynthesizer {
	return NewStyledOutlineSynthesizer(Options{})
}

func NewStyledOutlineSynthesizer(opts Options) *OutlineSynthesizer {
	return &OutlineSynthesizer{Title: defaultTitle, Options: opts.normalized()}
}

func (o *OutlineSynthesizer) Synthesize(_ context.Context, userID string, snapshot []memory.MemoryItem) (memory.BiographyDoc, error) {
	items := append([]memory.MemoryItem(nil), snapshot...)
	memory.SortItems(items)
	title := o.Title
	if title == "" {
		title = defaultTitle
	}
	opts := o.Options.normalized()
	var sections []memory.Section
	if opts.Style == StyleThematic {
		sections = thematicSections(items, opts.Perspective)
	} else {
		sections = chronologicalSections(items, opts.Perspective)
	}
	doc := memory.BiographyDoc{Title: title, Sections: sections}
	return finish(doc, userID, items), nil
}

func thematicSections(items []memory.MemoryItem, p Perspective) []memory.Section {
	buckets := make([][]memory.MemoryItem, len(themes))
	var stories []memory.MemoryItem
	for _, it := range items {
		idx := chapterFor(themes, it.Slot)
		if idx < 0 {
			stories = append(stories, it)
			continue
		}
		buckets[idx] = append(buckets[idx], it)
	}
	return assemble(themes, buckets, stories, p)
}

// chronologicalSections places slotted memories by life stage. Unslotted
// memories that name a year join Childhood or Adult Life by the subject's
// age then, or Adult Life when the birth year is unknown. Within a chapter
// dated memories follow undated ones in year order.
func chronologicalSections(items []memory.MemoryItem, p Perspective) []memory.Section {
	born := birthYear(items)
	buckets := make([][]memory.MemoryItem, len(lifeStages))
	var stories []memory.MemoryItem
	for _, it := range items {
		idx := chapterFor(lifeStages, it.Slot)
		if idx < 0 {
			year := yearOf(it)
			if year == 0 {
				stories = append(stories, it)
				continue
			}
			idx = adultLifeIdx
			if born > 0 && year-born < adulthoodAge {
				idx = childhoodIdx
			}
		}
		buckets[idx] = append(buckets[idx], it)
	}
	for _, b := range buckets {
		sort.SliceStable(b, func(i, j int) bool { return yearOf(b[i]) < yearOf(b[j]) })
	}
	return assemble(lifeStages, buckets, stories, p)
}

func assemble(chapters []chapter, buckets [][]memory.MemoryItem, stories []memory.MemoryItem, p Perspective) []memory.Section {
	var out []memory.Section
	for i, ch := range chapters {
		if len(buckets[i]) == 0 {
			continue
		}
		out = append(out, memory.Section{
			Title:     ch.title,
			Content:   paragraph(buckets[i], p),
			MemoryIDs: ids(buckets[i]),
		})
	}
	if len(stories) > 0 {
		out = append(out, storySection(stories, p))
	}
	return out
}

// yearOf is the first year a memory's text names. Birth facts sort as
// undated so they open their chapter.
func yearOf(it memory.MemoryItem) int {
	if strings.HasPrefix(it.Slot, birthSlotRoot) {
		return 0
	}
	return firstYear(it.Text)
}

func birthYear(items []memory.MemoryItem) int {
	for _, it := range items {
		if it.Slot == "birth/year" {
			return firstYear(it.Text)
		}
	}
	return 0
}

func firstYear(text string) int {
	m := yearRegex.FindString(text)
	if m == "" {
		return 0
	}
	year, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return year
}

func chapterFor(chapters []chapter, slot string) int {
	if slot == "" {
		return -1
	}
	for i, ch := range chapters {
		for _, p := range ch.prefixes {
			if strings.HasPrefix(slot, p) {
				return i
			}
		}
	}
	return -1
}

// storySection gives each titled group of unslotted memories a subsection.
func storySection(items []memory.MemoryItem, p Perspective) memory.Section {
	sec := memory.Section{Title: storiesTitle}
	index := map[string]int{}
	for _, it := range items {
		title := strings.TrimSpace(it.Title)
		if title == "" {
			title = "Moments"
		}
		i, ok := index[title]
		if !ok {
			i = len(sec.Subsections)
			index[title] = i
			sec.Subsections = append(sec.Subsections, memory.Section{Title: title})
		}
		sub := &sec.Subsections[i]
		sub.MemoryIDs = append(sub.MemoryIDs, it.ID)
		sub.Content = joinSentences(sub.Content, voice(it.Text, p))
	}
	return sec
}

func paragraph(items []memory.MemoryItem, p Perspective) string {
	var out string
	for _, it := range items {
		out = joinSentences(out, voice(it.Text, p))
	}
	return out
}

func joinSentences(prev, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return prev
	}
	if !strings.HasSuffix(text, ".") && !strings.HasSuffix(text, "!") && !strings.HasSuffix(text, "?") {
		text += "."
	}
	if prev == "" {
		return text
	}
	return prev + " " + text
}

func ids(items []memory.MemoryItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}
