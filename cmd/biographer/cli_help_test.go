package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/biographer/pkg/memory"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand(false)
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestCLIHelpListsCommands(t *testing.T) {
	cases := []struct {
		args []string
		want []string
	}{
		{[]string{"--help"}, []string{"interview", "serve", "bio", "memories", "archive", "eval", "onboard", "--config"}},
		{[]string{"interview", "--help"}, []string{"--user", "--restart", "--max-turns"}},
		{[]string{"bio", "--help"}, []string{"show", "export", "versions", "regenerate"}},
		{[]string{"bio", "show", "--help"}, []string{"--format", "--version", "--user"}},
		{[]string{"eval", "--help"}, []string{"completeness"}},
	}
	for _, tc := range cases {
		t.Run(strings.Join(tc.args, "_"), func(t *testing.T) {
			output, err := runRootCommandForTest(tc.args...)
			if err != nil {
				t.Fatalf("execute command %v: %v\nOutput:\n%s", tc.args, err, output)
			}
			for _, want := range tc.want {
				if !strings.Contains(output, want) {
					t.Fatalf("help for %v is missing %q\n%s", tc.args, want, output)
				}
			}
		})
	}
}

func TestRootWithoutSubcommandFails(t *testing.T) {
	if _, err := runRootCommandForTest(); err == nil {
		t.Fatal("expected an error without a subcommand")
	}
}

func TestGenerateDocumentation(t *testing.T) {
	dir := t.TempDir()
	factory := func() *cobra.Command { return buildRootCommand(false) }
	if err := generateDocumentation(factory, dir, false); err != nil {
		t.Fatalf("generate docs: %v", err)
	}
	for _, rel := range []string{
		filepath.Join("reference", "cli", "biographer_interview.md"),
		filepath.Join("reference", "man", "biographer-interview.1"),
		filepath.Join("reference", "config.md"),
	} {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			t.Fatalf("expected %s: %v", rel, err)
		}
	}
	ref, err := os.ReadFile(filepath.Join(dir, "reference", "config.md"))
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"MAX_EVENTS_LEN", "MAX_CONSIDERATION_ITERATIONS", "SESSION_TIMEOUT_MINUTES", "MEMORY_THRESHOLD_FOR_UPDATE"} {
		if !strings.Contains(string(ref), key) {
			t.Fatalf("config reference is missing %s", key)
		}
	}

	if err := generateDocumentation(factory, dir, true); err != nil {
		t.Fatalf("check against fresh docs: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "reference", "config.md"), []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := generateDocumentation(factory, dir, true); err == nil {
		t.Fatal("expected stale docs to fail the check")
	}
}

func TestLastQuestion(t *testing.T) {
	window := []memory.Event{
		{Role: memory.RoleSystem, Kind: memory.KindNote, Content: "note"},
		{Role: memory.RoleInterviewer, Kind: memory.KindMessage, Content: "Where were you born?"},
		{Role: memory.RoleSubject, Kind: memory.KindMessage, Content: "Leeds"},
		{Role: memory.RoleSubject, Kind: memory.KindLike, Content: "Like the question"},
	}
	if got := lastQuestion(window); got != "Where were you born?" {
		t.Fatalf("lastQuestion = %q", got)
	}
	if got := lastQuestion(nil); got != "" {
		t.Fatalf("lastQuestion(nil) = %q", got)
	}
}

func TestMissingFromBiography(t *testing.T) {
	doc := memory.BiographyDoc{MemoryIDs: []string{"a"}}
	active := []memory.MemoryItem{{ID: "a", Text: "Born in 1951"}, {ID: "b", Text: "Worked as a nurse"}}
	got := missingFromBiography(doc, active)
	if len(got) != 1 || got[0] != "Worked as a nurse" {
		t.Fatalf("missingFromBiography = %v", got)
	}
}
