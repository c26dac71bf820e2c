package procedure

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const permitYAML = `
id: building-permit
version: 2
name: Building permit
labels:
  service: permits
nodes:
  - id: start
    kind: start
  - id: collect
    kind: action
    handler: documents.validate
    timeout: 30s
    retry:
      max_attempts: 3
      backoff_base: 2s
      backoff_factor: 1.5
      jitter: 0.2
  - id: verify
    kind: dependency-gate
    dependencies:
      - identity-check@v1
      - graph: tax-clearance
        required: false
        alternatives:
          - selector:
              service: tax
  - id: review
    kind: human-review
  - id: approved
    kind: end
  - id: rejected
    kind: terminal
edges:
  - from: start
    to: collect
  - from: collect
    to: collect
    recovery: true
    retry_loop: true
  - from: collect
    to: verify
  - from: verify
    to: review
  - from: review
    to: approved
    condition: output.decision == "approve"
  - from: review
    to: rejected
    priority: 10
`

func TestParseGraphYAMLNormalizes(t *testing.T) {
	g, err := ParseGraphYAML([]byte(permitYAML))
	if err != nil {
		t.Fatalf("parse permit graph: %v", err)
	}
	if g.Entry != "start" {
		t.Fatalf("entry should default to the start node, got %q", g.Entry)
	}
	if strings.Join(g.Exits, ",") != "approved,rejected" {
		t.Fatalf("unexpected exits %v", g.Exits)
	}
	collect, _ := g.Node("collect")
	if collect.Timeout != 30*time.Second {
		t.Fatalf("timeout should decode from duration string, got %s", collect.Timeout)
	}
	if collect.Retry.MaxAttempts != 3 || collect.Retry.BackoffBase != 2*time.Second {
		t.Fatalf("unexpected retry policy %+v", collect.Retry)
	}
	start, _ := g.Node("start")
	if start.Retry.MaxAttempts != 1 || start.Retry.BackoffFactor != 2 {
		t.Fatalf("retry defaults not applied: %+v", start.Retry)
	}
	verify, _ := g.Node("verify")
	if len(verify.Dependencies) != 2 {
		t.Fatalf("expected two dependencies, got %d", len(verify.Dependencies))
	}
	short := verify.Dependencies[0]
	if short.Graph != "identity-check" || short.Version != 1 || !short.Required {
		t.Fatalf("scalar shorthand decoded incorrectly: %+v", short)
	}
	tax := verify.Dependencies[1]
	if tax.Required {
		t.Fatalf("explicit required: false should be kept")
	}
	if len(tax.Alternatives) != 1 || tax.Alternatives[0].Key() != "selector:service=tax" {
		t.Fatalf("unexpected alternatives %+v", tax.Alternatives)
	}
}

func TestParseGraphYAMLOrdersOutgoingByPriority(t *testing.T) {
	g, err := ParseGraphYAML([]byte(permitYAML))
	if err != nil {
		t.Fatalf("parse permit graph: %v", err)
	}
	edges := g.Outgoing("review")
	if len(edges) != 2 || edges[0].To != "approved" || edges[1].To != "rejected" {
		t.Fatalf("unexpected edge order %+v", edges)
	}
}

func TestParseGraphYAMLRejectsEmptyPayload(t *testing.T) {
	if _, err := ParseGraphYAML([]byte("  \n")); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestParseGraphYAMLSurfacesValidationFailure(t *testing.T) {
	const payload = `
id: broken
nodes:
  - id: start
    kind: start
  - id: work
    kind: action
    handler: noop
edges:
  - from: start
    to: work
`
	_, err := ParseGraphYAML([]byte(payload))
	if !errors.Is(err, ErrInvalidGraph) {
		t.Fatalf("expected ErrInvalidGraph, got %v", err)
	}
}

func TestLoadGraphDirMatchesNestedDefinitions(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "permits", "residential")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(nested, "permit.yaml"), []byte(permitYAML), 0o644); err != nil {
		t.Fatalf("write graph: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}
	graphs, err := LoadGraphDir(dir, "")
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if len(graphs) != 1 || graphs[0].ID != "building-permit" {
		t.Fatalf("unexpected graphs %+v", graphs)
	}
}

func TestLoadGraphDirRejectsBadPattern(t *testing.T) {
	if _, err := LoadGraphDir(t.TempDir(), "[unterminated"); err == nil {
		t.Fatalf("expected invalid pattern error")
	}
}

func TestParseGraphRef(t *testing.T) {
	cases := map[string]GraphRef{
		"identity":        {ID: "identity"},
		"identity@latest": {ID: "identity"},
		"identity@3":      {ID: "identity", Version: 3},
		"identity@v4":     {ID: "identity", Version: 4},
	}
	for raw, want := range cases {
		got, err := ParseGraphRef(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q = %+v, want %+v", raw, got, want)
		}
	}
	if _, err := ParseGraphRef("identity@v0"); err == nil {
		t.Fatalf("expected error for version zero")
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, BackoffBase: time.Second, BackoffFactor: 2}
	if got := p.Backoff(1, 0); got != 2*time.Second {
		t.Fatalf("backoff after one attempt = %s", got)
	}
	if got := p.Backoff(3, 0); got != 8*time.Second {
		t.Fatalf("backoff after three attempts = %s", got)
	}
	p.Jitter = 0.5
	if got := p.Backoff(1, 1); got != 3*time.Second {
		t.Fatalf("jittered backoff = %s", got)
	}
	if got := (RetryPolicy{}).Backoff(3, 0.5); got != 0 {
		t.Fatalf("zero base should not wait, got %s", got)
	}
}
