package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"

	"github.com/dotsetgreg/biographer/pkg/config"
	"github.com/dotsetgreg/biographer/pkg/providers"
)

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	docsRoot := &cobra.Command{
		Use:    "docs",
		Short:  "Internal docs maintenance commands",
		Hidden: true,
	}

	var (
		outputDir string
		checkOnly bool
	)
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate CLI and config reference docs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			return generateDocumentation(rootFactory, outputDir, checkOnly)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if generated docs are out of date")

	docsRoot.AddCommand(gen)
	return docsRoot
}

func generateDocumentation(rootFactory func() *cobra.Command, outputDir string, checkOnly bool) error {
	tmpDir, err := os.MkdirTemp("", "biographer-docs-gen-*")
	if err != nil {
		return fmt.Errorf("create temp docs dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := writeGeneratedReferences(rootFactory, tmpDir); err != nil {
		return err
	}
	generated, err := listFiles(tmpDir)
	if err != nil {
		return err
	}

	for _, rel := range generated {
		want, err := os.ReadFile(filepath.Join(tmpDir, rel))
		if err != nil {
			return err
		}
		dst := filepath.Join(outputDir, rel)
		if checkOnly {
			have, err := os.ReadFile(dst)
			if err != nil || !bytes.Equal(want, have) {
				return fmt.Errorf("docs out of date: %s; run `biographer docs generate`", rel)
			}
			continue
		}
		if err := writeTextFile(dst, string(want)); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

func writeGeneratedReferences(rootFactory func() *cobra.Command, outDir string) error {
	cliRoot := rootFactory()
	markCommandsForDocgen(cliRoot)

	cliDir := filepath.Join(outDir, "reference", "cli")
	if err := os.MkdirAll(cliDir, 0o755); err != nil {
		return fmt.Errorf("create cli docs dir: %w", err)
	}
	prepender := func(filename string) string {
		title := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
		return fmt.Sprintf("# %s\n\n", strings.ReplaceAll(title, "_", " "))
	}
	linkHandler := func(name string) string { return name }
	if err := cobraDoc.GenMarkdownTreeCustom(cliRoot, cliDir, prepender, linkHandler); err != nil {
		return fmt.Errorf("generate cli markdown docs: %w", err)
	}

	manDir := filepath.Join(outDir, "reference", "man")
	if err := os.MkdirAll(manDir, 0o755); err != nil {
		return fmt.Errorf("create man docs dir: %w", err)
	}
	header := &cobraDoc.GenManHeader{Title: "BIOGRAPHER", Section: "1", Source: "biographer"}
	if err := cobraDoc.GenManTree(cliRoot, header, manDir); err != nil {
		return fmt.Errorf("generate man pages: %w", err)
	}

	configRef, err := buildConfigReferenceMarkdown()
	if err != nil {
		return err
	}
	return writeTextFile(filepath.Join(outDir, "reference", "config.md"), configRef)
}

func markCommandsForDocgen(cmd *cobra.Command) {
	cmd.DisableAutoGenTag = true
	for _, child := range cmd.Commands() {
		markCommandsForDocgen(child)
	}
}

func writeTextFile(path string, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", path, err)
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func listFiles(root string) ([]string, error) {
	files := []string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// configRow is one leaf setting in the generated config reference.
type configRow struct {
	key, kind, env, def string
}

func buildConfigReferenceMarkdown() (string, error) {
	var rows []configRow
	walkConfig(reflect.ValueOf(*config.DefaultConfig()), "", &rows)
	sort.Slice(rows, func(i, j int) bool { return rows[i].key < rows[j].key })

	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Generated from `pkg/config/config.go` and `config.DefaultConfig()`.\n")
	b.WriteString("Files may contain comments; environment variables override file values.\n\n")
	fmt.Fprintf(&b, "Supported providers: `%s`\n\n", strings.Join(providers.SupportedProviders(), "`, `"))
	b.WriteString("| Key | Type | Env Var | Default |\n| --- | --- | --- | --- |\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "| `%s` | `%s` | `%s` | `%s` |\n", cell(r.key), cell(r.kind), cell(r.env), cell(r.def))
	}
	return b.String(), nil
}

// walkConfig records every json-tagged leaf of v, descending into nested
// structs with dotted keys.
func walkConfig(v reflect.Value, prefix string, rows *[]configRow) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if !f.IsExported() || name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		fv := v.Field(i)
		if f.Type.Kind() == reflect.Struct {
			walkConfig(fv, key, rows)
			continue
		}
		def, _ := json.Marshal(fv.Interface())
		*rows = append(*rows, configRow{key: key, kind: kindName(f.Type), env: f.Tag.Get("env"), def: string(def)})
	}
}

func kindName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Int, reflect.Int64:
		return "int"
	case reflect.Float64:
		return "float"
	case reflect.Slice:
		return "array<" + kindName(t.Elem()) + ">"
	case reflect.Map:
		return "map<" + kindName(t.Key()) + "," + kindName(t.Elem()) + ">"
	default:
		return t.Kind().String()
	}
}

// cell escapes a markdown table cell; empty cells render as "-".
func cell(v string) string {
	if strings.TrimSpace(v) == "" || v == `""` {
		return "-"
	}
	return strings.ReplaceAll(v, "|", "\\|")
}
