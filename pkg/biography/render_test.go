package biography

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dotsetgreg/biographer/pkg/memory"
)

func TestRender_Formats(t *testing.T) {
	doc, err := NewOutlineSynthesizer().Synthesize(context.Background(), "u1", lifeSnapshot("u1"))
	require.NoError(t, err)
	doc.Version = 3

	html, err := Render(doc, "html")
	require.NoError(t, err)
	assert.Contains(t, html, "<h1>A Life in Conversation</h1>")
	assert.Contains(t, html, "<h2>Beginnings</h2>")

	out, err := Render(doc, "yaml")
	require.NoError(t, err)
	var back memory.BiographyDoc
	require.NoError(t, yaml.Unmarshal([]byte(out), &back))
	assert.Equal(t, 3, back.Version)
	assert.Equal(t, doc.MemoryIDs, back.MemoryIDs)
	assert.Empty(t, back.Markdown)

	md, err := Render(doc, "markdown")
	require.NoError(t, err)
	assert.Equal(t, doc.Markdown, md)

	_, err = Render(doc, "pdf")
	assert.Error(t, err)
}

func TestExport_WritesVersionedFile(t *testing.T) {
	doc, err := NewOutlineSynthesizer().Synthesize(context.Background(), "user/1", lifeSnapshot("user/1"))
	require.NoError(t, err)
	doc.Version = 2

	dir := filepath.Join(t.TempDir(), "exports")
	path, err := Export(dir, doc, "markdown")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "user_1-v2.md"), path)
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, doc.Markdown, string(body))
}
