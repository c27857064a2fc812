package memory

import (
	"context"
	"regexp"
	"strings"
)

var (
	identityRegex   = regexp.MustCompile(`\b(?i:my name is|call me|i'm called)\s+(` + nameExpr + `)`)
	bornYearRegex   = regexp.MustCompile(`(?i)\bi was born\b[^.!?\n]{0,60}?\b((?:19|20)\d{2})\b`)
	bornPlaceRegex  = regexp.MustCompile(`(?i)\bi was born in\s+([A-Z][A-Za-z ,.'\-]{1,80}?)(?:\s+in\s+(?:19|20)\d{2}|[.!?\n;]|$)`)
	grewUpRegex     = regexp.MustCompile(`(?i)\bi grew up ((?:in|on|near|around)\s+[^.!?\n;]{2,80})`)
	liveInRegex     = regexp.MustCompile(`(?i)\bi (?:now )?live in\s+([^.!?\n;]{2,80})`)
	occupationRegex = regexp.MustCompile(`(?i)\bi (?:work|worked|am working|was working) as (?:an? )?([^.!?\n;]{2,80})`)
	relativeRegex   = regexp.MustCompile(`\b(?i:my (mother|mom|father|dad|wife|husband|partner|son|daughter|brother|sister|grandmother|grandfather)(?:'s name)? (?:is|was) (?:named |called )?)(` + nameExpr + `)`)
	marriedRegex    = regexp.MustCompile(`\b(?i:i (?:married|am married to|was married to))\s+(` + nameExpr + `)`)
	prefRegex       = regexp.MustCompile(`(?i)\b(i (?:really )?(?:like|love|prefer|hate|dislike|enjoy|enjoyed)\b[^.!?\n]*)`)

	firstPersonVerbFactRegex = regexp.MustCompile(`(?i)\b(i (?:am|was|have|had|used to|worked|studied|moved|lived|built|learned|remember|met|joined|left|started|spent|went|grew|raised|served|taught|owned|ran)\b[^.!?\n]{4,180})`)
	sentenceSplitRegex       = regexp.MustCompile(`[.!?\n;]+`)
	firstPersonLeadRegex     = regexp.MustCompile(`(?i)^(?:i|i'm|i am|my|we)\b`)
	hedgedLeadRegex          = regexp.MustCompile(`(?i)^i (?:think|guess|wonder|hope|suppose|feel like)\b`)
)

// nameExpr matches one or more capitalised words.
const nameExpr = `[A-Z][A-Za-z'\-]+(?: [A-Z][A-Za-z'\-]+)*`

var relativeSlots = map[string]string{
	"mother": "family/mother", "mom": "family/mother",
	"father": "family/father", "dad": "family/father",
	"wife": "family/spouse", "husband": "family/spouse", "partner": "family/spouse",
	"son": "family/children", "daughter": "family/children",
	"brother": "family/siblings", "sister": "family/siblings",
	"grandmother": "family/grandparents", "grandfather": "family/grandparents",
}

// HeuristicExtractor pulls biographical facts out of subject answers with
// regular expressions. It is deterministic and needs no model.
type HeuristicExtractor struct {
	Policy Policy
}

func NewHeuristicExtractor() *HeuristicExtractor {
	return &HeuristicExtractor{Policy: NewDefaultPolicy()}
}

func (h *HeuristicExtractor) Extract(_ context.Context, batch []Event, _ []MemoryItem) ([]Candidate, error) {
	policy := h.Policy
	if policy == nil {
		policy = NewDefaultPolicy()
	}
	var out []Candidate
	for _, ev := range batch {
		if !policy.ShouldCapture(ev) {
			continue
		}
		out = append(out, extractFromAnswer(ev.Content, ev.Seq)...)
	}
	return out, nil
}

func extractFromAnswer(content string, seq int64) []Candidate {
	content = strings.TrimSpace(content)
	if content == "" || isLikelyQuestion(content) {
		return nil
	}

	var out []Candidate
	seen := map[string]struct{}{}
	add := func(slot, title, text string, conf float64) {
		text = normalizeEntityPhrase(text)
		if text == "" {
			return
		}
		key := slot + "|" + strings.ToLower(text)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, Candidate{Slot: slot, Title: title, Text: text, Confidence: conf, SourceSeq: seq})
	}
	// sentences that produced a structured fact get no free-form clause
	spans := sentenceSpans(content)
	covered := map[int]struct{}{}
	cover := func(at int) {
		for i, sp := range spans {
			if at >= sp[0] && at < sp[1] {
				covered[i] = struct{}{}
				return
			}
		}
	}
	first := func(re *regexp.Regexp) string {
		if m := re.FindStringSubmatchIndex(content); len(m) >= 4 && m[2] >= 0 {
			cover(m[0])
			return normalizeEntityPhrase(content[m[2]:m[3]])
		}
		return ""
	}

	if v := first(identityRegex); v != "" {
		add("identity/name", "Name", "Their name is "+v, 0.8)
	}
	if v := first(bornYearRegex); v != "" {
		add("birth/year", "Birth year", "Born in "+v, 0.85)
	}
	if v := first(bornPlaceRegex); v != "" {
		add("birth/place", "Birthplace", "Born in "+v, 0.8)
	}
	if v := first(grewUpRegex); v != "" {
		add("places/childhood", "Childhood home", "Grew up "+v, 0.75)
	}
	if v := first(liveInRegex); v != "" {
		add("places/home", "Home", "Lives in "+v, 0.7)
	}
	if v := first(occupationRegex); v != "" {
		add("career/occupation", "Occupation", "Worked as "+v, 0.7)
	}
	for _, m := range relativeRegex.FindAllStringSubmatchIndex(content, -1) {
		cover(m[0])
		rel := strings.ToLower(content[m[2]:m[3]])
		slot := relativeSlots[rel]
		name := normalizeEntityPhrase(content[m[4]:m[5]])
		if slot == "" || name == "" {
			continue
		}
		if slot == "family/children" || slot == "family/siblings" {
			// several children or siblings can coexist; keep them unslotted
			add("", "Family", "Their "+rel+" is "+name, 0.75)
			continue
		}
		add(slot, strings.ToUpper(rel[:1])+rel[1:], "Their "+rel+" is "+name, 0.75)
	}
	if v := first(marriedRegex); v != "" {
		add("family/spouse", "Spouse", "Married "+v, 0.75)
	}
	for _, m := range prefRegex.FindAllStringSubmatchIndex(content, -1) {
		cover(m[0])
		add("", "Preference", content[m[2]:m[3]], 0.65)
	}
	for i, sp := range spans {
		if _, ok := covered[i]; ok {
			continue
		}
		for _, phrase := range ExtractFactSignals(content[sp[0]:sp[1]]) {
			add("", "", phrase, 0.6)
		}
	}
	return out
}

// sentenceSpans returns the [start, end) byte ranges between sentence
// separators.
func sentenceSpans(content string) [][2]int {
	var out [][2]int
	start := 0
	for _, sep := range sentenceSplitRegex.FindAllStringIndex(content, -1) {
		if sep[0] > start {
			out = append(out, [2]int{start, sep[0]})
		}
		start = sep[1]
	}
	if start < len(content) {
		out = append(out, [2]int{start, len(content)})
	}
	return out
}

// ExtractFactSignals emits normalized first-person factual statements.
func ExtractFactSignals(content string) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	add := func(value string) {
		value = normalizeEntityPhrase(value)
		if value == "" {
			return
		}
		key := strings.ToLower(value)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, value)
	}

	for _, m := range firstPersonVerbFactRegex.FindAllStringSubmatch(content, -1) {
		add(m[1])
	}
	for _, clause := range extractFirstPersonClauses(content) {
		add(clause)
	}
	if len(out) > 16 {
		out = out[:16]
	}
	return out
}

func extractFirstPersonClauses(content string) []string {
	var out []string
	for _, part := range sentenceSplitRegex.Split(content, -1) {
		part = normalizeEntityPhrase(part)
		lower := strings.ToLower(part)
		if len(lower) < 12 || !firstPersonLeadRegex.MatchString(lower) || hedgedLeadRegex.MatchString(lower) {
			continue
		}
		out = append(out, part)
	}
	return out
}

func normalizeEntityPhrase(in string) string {
	in = strings.Trim(strings.TrimSpace(in), " .,!?:;\"'")
	if len(in) < 2 {
		return ""
	}
	if len(in) > 180 {
		in = strings.TrimSpace(in[:180])
	}
	return in
}

// isLikelyQuestion catches answers that are really questions back to the
// interviewer ("what do you mean?").
func isLikelyQuestion(content string) bool {
	content = strings.TrimSpace(content)
	return strings.HasSuffix(content, "?") && len(strings.Fields(content)) < 12
}
