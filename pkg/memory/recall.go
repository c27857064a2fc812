package memory

import (
	"sort"
	"strings"
)

// Recall ranks items against query and returns the best k. Scores blend
// vector similarity with term overlap, weighted by confidence; ties go to
// the more recent item.
func Recall(items []MemoryItem, query string, k int) []MemoryItem {
	query = strings.TrimSpace(query)
	if len(items) == 0 || k <= 0 {
		return nil
	}
	if query == "" {
		out := append([]MemoryItem(nil), items...)
		SortItems(out)
		if len(out) > k {
			out = out[len(out)-k:]
		}
		return out
	}

	qv := embedText(query)
	terms := tokenize(NormalizeText(query))
	type scored struct {
		item  MemoryItem
		score float64
	}
	ranked := make([]scored, 0, len(items))
	for _, it := range items {
		text := it.Title + " " + it.Text
		score := 0.7*cosineSimilarity(qv, embedText(text)) + 0.3*termOverlap(terms, text)
		conf := it.Confidence
		if conf <= 0 {
			conf = 0.5
		}
		score *= 0.75 + 0.25*conf
		ranked = append(ranked, scored{item: it, score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return newer(ranked[i].item, ranked[j].item)
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]MemoryItem, 0, len(ranked))
	for _, s := range ranked {
		out = append(out, s.item)
	}
	return out
}

func termOverlap(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	have := map[string]struct{}{}
	for _, t := range tokenize(NormalizeText(text)) {
		have[t] = struct{}{}
	}
	hits := 0
	for _, t := range terms {
		if len(t) < 3 {
			continue
		}
		if _, ok := have[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
