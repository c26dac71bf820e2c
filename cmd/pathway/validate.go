package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/pathway/internal/config"
	"github.com/kingrea/pathway/internal/procedure"
)

// checkedGraph is one definition and what validation said about it.
type checkedGraph struct {
	path     string
	graph    procedure.Graph
	result   procedure.ValidationResult
	warnings []string
}

func validateCmd(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	project := projectFlag(fs)
	pattern := fs.String("pattern", procedure.DefaultGraphPattern, "doublestar pattern used to scan the graphs directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	paths := fs.Args()
	if len(paths) == 0 {
		dir, err := resolveProject(*project)
		if err != nil {
			return err
		}
		cfg, err := config.Load(dir)
		if err != nil {
			return err
		}
		paths, err = scanGraphs(cfg.GraphsDir(), *pattern)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			fmt.Println(styleMuted.Render("no graph definitions under " + cfg.GraphsDir()))
			return nil
		}
	}

	checked, err := checkGraphs(paths)
	if err != nil {
		return err
	}
	invalid := 0
	for _, c := range checked {
		if !c.result.OK {
			invalid++
		}
		fmt.Print(renderValidation(c.path, c.graph, c.result, c.warnings))
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d graphs invalid", invalid, len(checked))
	}
	return nil
}

func scanGraphs(dir, pattern string) ([]string, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	matches, err := doublestar.Glob(os.DirFS(dir), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(matches)
	paths := make([]string, len(matches))
	for i, match := range matches {
		paths[i] = filepath.Join(dir, filepath.FromSlash(match))
	}
	return paths, nil
}

// checkGraphs validates every file on its own, then registers the valid ones
// together so dependency references can be checked across files.
func checkGraphs(paths []string) ([]checkedGraph, error) {
	checked := make([]checkedGraph, 0, len(paths))
	registry := procedure.NewRegistry()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var raw procedure.Graph
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		normalized, result, _ := raw.Normalized()
		c := checkedGraph{path: path, graph: raw, result: result}
		if result.OK {
			c.graph = normalized
			if _, err := registry.Register(normalized); err != nil {
				c.warnings = append(c.warnings, err.Error())
			}
		}
		checked = append(checked, c)
	}

	for i := range checked {
		c := &checked[i]
		if !c.result.OK {
			continue
		}
		for _, node := range c.graph.Nodes {
			for _, dep := range node.Dependencies {
				if dependencyResolves(registry, dep) {
					continue
				}
				c.warnings = append(c.warnings, fmt.Sprintf("node %s: dependency %s matches no loaded graph", node.ID, dep.Key()))
			}
		}
	}
	return checked, nil
}

func dependencyResolves(registry *procedure.Registry, dep procedure.DependencyRef) bool {
	for _, candidate := range dep.Candidates() {
		if _, err := registry.Resolve(candidate); err == nil {
			return true
		}
	}
	return false
}
