package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/pathway/internal/handler"
	"github.com/kingrea/pathway/internal/procedure"
)

const permitGraph = `
id: permit
nodes:
  - id: start
    kind: start
  - id: verify
    kind: dependency-gate
    dependencies:
      - identity-check
  - id: done
    kind: end
edges:
  - from: start
    to: verify
  - from: verify
    to: done
`

const brokenGraph = `
id: broken
nodes:
  - id: start
    kind: start
  - id: done
    kind: end
edges:
  - from: start
    to: done
  - from: start
    to: nowhere
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestKeyValueFlagParsesPairs(t *testing.T) {
	var kv keyValueFlag
	if err := kv.Set("applicant=ada"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := kv.Set("note=a=b"); err != nil {
		t.Fatalf("set with embedded equals: %v", err)
	}
	if kv["applicant"] != "ada" || kv["note"] != "a=b" {
		t.Fatalf("unexpected values %v", kv)
	}
	if err := kv.Set("missing"); err == nil {
		t.Fatalf("expected error for value without '='")
	}
	if err := kv.Set(" =x"); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestBuildContextMergesFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "context.yaml", "applicant: grace\nparcel:\n  id: 42\n")

	got, err := buildContext(path, keyValueFlag{"applicant": "ada"})
	if err != nil {
		t.Fatalf("build context: %v", err)
	}
	if got["applicant"] != "ada" {
		t.Fatalf("-set should override the file, got %v", got["applicant"])
	}
	parcel, ok := got["parcel"].(map[string]any)
	if !ok || parcel["id"] != 42 {
		t.Fatalf("nested file values should survive, got %#v", got["parcel"])
	}

	empty, err := buildContext("", nil)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty context, got %v, %v", empty, err)
	}
}

func TestCheckGraphsReportsErrorsAndWarnings(t *testing.T) {
	dir := t.TempDir()
	permit := writeFile(t, dir, "permit.yaml", permitGraph)
	broken := writeFile(t, dir, "nested/broken.yml", brokenGraph)
	writeFile(t, dir, "notes.txt", "ignored")

	paths, err := scanGraphs(dir, procedure.DefaultGraphPattern)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(paths) != 2 || paths[0] != broken || paths[1] != permit {
		t.Fatalf("unexpected scan result %v", paths)
	}

	checked, err := checkGraphs(paths)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if checked[0].result.OK || !checked[0].result.Has(procedure.KindDanglingEdge) {
		t.Fatalf("broken graph should report a dangling edge, got %+v", checked[0].result)
	}
	if !checked[1].result.OK {
		t.Fatalf("permit graph should validate, got %+v", checked[1].result)
	}
	if len(checked[1].warnings) != 1 || !strings.Contains(checked[1].warnings[0], "identity-check") {
		t.Fatalf("expected an unresolved dependency warning, got %v", checked[1].warnings)
	}
}

func TestScanGraphsMissingDirectory(t *testing.T) {
	paths, err := scanGraphs(filepath.Join(t.TempDir(), "absent"), procedure.DefaultGraphPattern)
	if err != nil || len(paths) != 0 {
		t.Fatalf("missing directory should yield nothing, got %v, %v", paths, err)
	}
}

func TestRegisterCollaboratorsLoadsFixtures(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := handler.NewRegistry()
	if err := registerCollaborators(r, t.TempDir(), logger); err != nil {
		t.Fatalf("register without fixtures: %v", err)
	}
	if len(r.Names()) != 0 {
		t.Fatalf("no fixtures should register nothing, got %v", r.Names())
	}

	dir := t.TempDir()
	writeFile(t, dir, documentsFile, "upload:\n  kinds: [deed]\n  required_fields: [parcel]\n")
	writeFile(t, dir, credentialsFile, "ada: {verified: true, factor_level: 2}\n")
	r = handler.NewRegistry()
	if err := registerCollaborators(r, dir, logger); err != nil {
		t.Fatalf("register fixtures: %v", err)
	}
	for _, name := range []string{handlerDocuments, handlerCredentials} {
		if _, err := r.Resolve(name); err != nil {
			t.Fatalf("expected %s handler: %v", name, err)
		}
	}

	writeFile(t, dir, documentsFile, "upload: [not, a, mapping")
	if err := registerCollaborators(handler.NewRegistry(), dir, logger); err == nil {
		t.Fatalf("expected parse error for malformed fixture")
	}
}

func TestSampleGraphsValidate(t *testing.T) {
	paths, err := scanGraphs(filepath.Join("..", "..", "graphs"), procedure.DefaultGraphPattern)
	if err != nil {
		t.Fatalf("scan samples: %v", err)
	}
	if len(paths) == 0 {
		t.Fatalf("expected sample graphs")
	}
	checked, err := checkGraphs(paths)
	if err != nil {
		t.Fatalf("check samples: %v", err)
	}
	for _, c := range checked {
		if !c.result.OK || len(c.warnings) > 0 {
			t.Fatalf("%s: errors %v warnings %v", c.path, c.result.Errors, c.warnings)
		}
	}
}
