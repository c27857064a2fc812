package biography

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"gopkg.in/yaml.v3"

	"github.com/dotsetgreg/biographer/pkg/memory"
)

var (
	markdownOnce sync.Once
	markdownConv goldmark.Markdown
)

func markdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownConv = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdownConv
}

// RenderMarkdown renders the section tree, one heading level per depth.
func RenderMarkdown(doc memory.BiographyDoc) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", doc.Title)
	var walk func([]memory.Section, int)
	walk = func(secs []memory.Section, depth int) {
		for _, s := range secs {
			level := depth
			if level > 6 {
				level = 6
			}
			fmt.Fprintf(&b, "\n%s %s\n", strings.Repeat("#", level), s.Title)
			if c := strings.TrimSpace(s.Content); c != "" {
				fmt.Fprintf(&b, "\n%s\n", c)
			}
			walk(s.Subsections, depth+1)
		}
	}
	walk(doc.Sections, 2)
	return b.String()
}

// RenderHTML converts the document's Markdown to HTML.
func RenderHTML(doc memory.BiographyDoc) (string, error) {
	src := doc.Markdown
	if src == "" {
		src = RenderMarkdown(doc)
	}
	var buf bytes.Buffer
	if err := markdown().Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("render biography html: %w", err)
	}
	return buf.String(), nil
}

// RenderYAML exports the structured document.
func RenderYAML(doc memory.BiographyDoc) (string, error) {
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render biography yaml: %w", err)
	}
	return string(out), nil
}

// Render formats doc as "markdown", "html", "yaml" or "json".
func Render(doc memory.BiographyDoc, format string) (string, error) {
	switch strings.ToLower(format) {
	case "", "md", "markdown":
		if doc.Markdown != "" {
			return doc.Markdown, nil
		}
		return RenderMarkdown(doc), nil
	case "html":
		return RenderHTML(doc)
	case "yaml", "yml":
		return RenderYAML(doc)
	case "json":
		return renderJSON(doc)
	default:
		return "", fmt.Errorf("unsupported biography format %q", format)
	}
}

// Export writes doc under dir as <user>-v<version>.<ext> and returns the path.
func Export(dir string, doc memory.BiographyDoc, format string) (string, error) {
	body, err := Render(doc, format)
	if err != nil {
		return "", err
	}
	ext := strings.ToLower(format)
	switch ext {
	case "", "markdown":
		ext = "md"
	case "yml":
		ext = "yaml"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-v%d.%s", safeName(doc.UserID), doc.Version, ext))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("write biography export: %w", err)
	}
	return path, nil
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
