package biography

import (
	"fmt"
	"regexp"
	"strings"
)

// Style decides how chapters are cut: along the life's timeline or by
// theme.
type Style string

const (
	StyleChronological Style = "chronological"
	StyleThematic      Style = "thematic"
)

// Perspective is the grammatical person the biography is told in.
type Perspective string

const (
	PerspectiveFirst Perspective = "first"
	PerspectiveThird Perspective = "third"
)

// Options shape a biography. The zero value is chronological, third person.
type Options struct {
	Style       Style
	Perspective Perspective
}

// ParseOptions validates the configured style and perspective. Empty values
// take the defaults.
func ParseOptions(style, perspective string) (Options, error) {
	var opts Options
	switch s := Style(strings.ToLower(strings.TrimSpace(style))); s {
	case "":
	case StyleChronological, StyleThematic:
		opts.Style = s
	default:
		return Options{}, fmt.Errorf("unknown biography style %q (want chronological or thematic)", style)
	}
	p := strings.ToLower(strings.TrimSpace(perspective))
	p = strings.TrimSuffix(strings.TrimSuffix(p, "_person"), " person")
	switch Perspective(p) {
	case "":
	case PerspectiveFirst, PerspectiveThird:
		opts.Perspective = Perspective(p)
	default:
		return Options{}, fmt.Errorf("unknown biography perspective %q (want first or third)", perspective)
	}
	return opts.normalized(), nil
}

func (o Options) normalized() Options {
	if o.Style == "" {
		o.Style = StyleChronological
	}
	if o.Perspective == "" {
		o.Perspective = PerspectiveThird
	}
	return o
}

func (o Options) instructions() string {
	o = o.normalized()
	var b strings.Builder
	switch o.Style {
	case StyleThematic:
		b.WriteString("The chapters are themes. Draw connections between related experiences across the years and use topic-based transitions.\n")
	default:
		b.WriteString("The chapters follow the life in time order. Keep a clear forward progression, give dates where the facts have them and use time markers between events.\n")
	}
	switch o.Perspective {
	case PerspectiveFirst:
		b.WriteString(`Write in the first person as the subject ("I", "my"). Never refer to the subject as "they" or by name.`)
	default:
		b.WriteString(`Write in the third person. Refer to the subject by name when the facts give one and as "they" otherwise. Never use "I" or "my" for the subject.`)
	}
	return b.String()
}

// Fragments the extractor writes without a subject, and how each reads in
// the first person.
var firstPersonLeads = []struct{ from, to string }{
	{"Born ", "I was born "},
	{"Grew up ", "I grew up "},
	{"Lives in ", "I live in "},
	{"Worked as ", "I worked as "},
	{"Married ", "I married "},
	{"Their ", "My "},
	{"They were ", "I was "},
	{"They are ", "I am "},
	{"They ", "I "},
}

var (
	firstToThird = []struct {
		re *regexp.Regexp
		to string
	}{
		{regexp.MustCompile(`(?i)\bI was\b`), "they were"},
		{regexp.MustCompile(`(?i)\bI am\b`), "they are"},
		{regexp.MustCompile(`(?i)\bI'm\b`), "they're"},
		{regexp.MustCompile(`(?i)\bI've\b`), "they've"},
		{regexp.MustCompile(`(?i)\bI'd\b`), "they'd"},
		{regexp.MustCompile(`(?i)\bI\b`), "they"},
		{regexp.MustCompile(`(?i)\bmyself\b`), "themselves"},
		{regexp.MustCompile(`(?i)\bmy\b`), "their"},
		{regexp.MustCompile(`(?i)\bme\b`), "them"},
	}
	thirdToFirst = []struct {
		re *regexp.Regexp
		to string
	}{
		{regexp.MustCompile(`\bthey were\b`), "I was"},
		{regexp.MustCompile(`\bthey are\b`), "I am"},
		{regexp.MustCompile(`\bthemselves\b`), "myself"},
		{regexp.MustCompile(`\btheir\b`), "my"},
	}
)

// voice rewrites a memory's text into p. Stored memories mix subjectless
// fragments ("Born in Cork") with first-person clauses ("I love sailing");
// anything the rules do not recognise is left alone.
func voice(text string, p Perspective) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return text
	}
	if p == PerspectiveFirst {
		for _, lead := range firstPersonLeads {
			if strings.HasPrefix(text, lead.from) {
				text = lead.to + text[len(lead.from):]
				break
			}
		}
		for _, r := range thirdToFirst {
			text = r.re.ReplaceAllString(text, r.to)
		}
		return text
	}
	for _, r := range firstToThird {
		text = r.re.ReplaceAllString(text, r.to)
	}
	return capitalize(text)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
