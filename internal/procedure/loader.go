package procedure

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// DefaultGraphPattern matches every YAML definition below a graphs directory.
const DefaultGraphPattern = "**/*.{yaml,yml}"

// ParseGraphYAML decodes and normalizes a graph definition from YAML/JSON bytes.
func ParseGraphYAML(data []byte) (Graph, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Graph{}, fmt.Errorf("procedure: graph payload is empty")
	}
	var g Graph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return Graph{}, fmt.Errorf("procedure: decode graph: %w", err)
	}
	normalized, _, err := g.Normalized()
	if err != nil {
		return Graph{}, err
	}
	return normalized, nil
}

// LoadGraphReader reads a graph definition from r.
func LoadGraphReader(r io.Reader) (Graph, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return Graph{}, fmt.Errorf("procedure: read graph: %w", err)
	}
	return ParseGraphYAML(content)
}

// LoadGraphFile loads a graph definition from path.
func LoadGraphFile(path string) (Graph, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Graph{}, fmt.Errorf("procedure: read %s: %w", path, err)
	}
	g, parseErr := ParseGraphYAML(content)
	if parseErr != nil {
		return Graph{}, fmt.Errorf("procedure: %s: %w", path, parseErr)
	}
	return g, nil
}

// LoadGraphDir loads every definition under dir matching pattern (doublestar
// syntax, DefaultGraphPattern when empty) in lexical path order.
func LoadGraphDir(dir, pattern string) ([]Graph, error) {
	if pattern == "" {
		pattern = DefaultGraphPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("procedure: invalid graph pattern %q", pattern)
	}
	matches, err := doublestar.Glob(os.DirFS(dir), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("procedure: scan %s: %w", dir, err)
	}
	sort.Strings(matches)
	graphs := make([]Graph, 0, len(matches))
	for _, match := range matches {
		g, err := LoadGraphFile(filepath.Join(dir, filepath.FromSlash(match)))
		if err != nil {
			return nil, err
		}
		graphs = append(graphs, g)
	}
	return graphs, nil
}

// UnmarshalYAML accepts either the mapping form or a scalar shorthand
// ("identity-check", "identity-check@v2"). Required defaults to true.
func (d *DependencyRef) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		ref, err := ParseGraphRef(value.Value)
		if err != nil {
			return err
		}
		*d = DependencyRef{Graph: ref.ID, Version: ref.Version, Required: true}
		return nil
	}
	type plain DependencyRef
	decoded := plain{Required: true}
	if err := value.Decode(&decoded); err != nil {
		return err
	}
	*d = DependencyRef(decoded)
	return nil
}
