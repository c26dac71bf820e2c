// Command pathway runs procedure graphs.
//
//	pathway serve                       run the engine and the HTTP event intake
//	pathway validate [file...]          check graph definitions
//	pathway run -graph permit -owner u1 start an execution and drive it locally
//	pathway inspect [execution-id]      print executions, checkpoints and journal
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	ctx := context.Background()
	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		err = serveCmd(ctx, args)
	case "validate":
		err = validateCmd(args)
	case "run":
		err = runCmd(ctx, args)
	case "inspect":
		err = inspectCmd(ctx, args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		die("unknown command %q", cmd)
	}
	if err != nil {
		die("%v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: pathway <command> [flags]

commands:
  serve     run the engine, scheduler and HTTP event intake
  validate  check graph definitions without running them
  run       start one execution and drive it until it settles
  inspect   show executions, their checkpoints and journal`)
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// projectFlag registers the shared -project flag.
func projectFlag(fs *flag.FlagSet) *string {
	return fs.String("project", "", "path to the project directory (defaults to cwd)")
}

func resolveProject(project string) (string, error) {
	if strings.TrimSpace(project) == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("determine working directory: %w", err)
		}
		project = cwd
	}
	abs, err := filepath.Abs(project)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	return abs, nil
}

type keyValueFlag map[string]string

func (kv *keyValueFlag) String() string {
	if kv == nil || len(*kv) == 0 {
		return ""
	}
	var pairs []string
	for key, value := range *kv {
		pairs = append(pairs, fmt.Sprintf("%s=%s", key, value))
	}
	return strings.Join(pairs, ", ")
}

func (kv *keyValueFlag) Set(value string) error {
	parts := strings.SplitN(value, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	key := strings.TrimSpace(parts[0])
	if key == "" {
		return fmt.Errorf("context key is empty in %q", value)
	}
	if *kv == nil {
		*kv = keyValueFlag{}
	}
	(*kv)[key] = parts[1]
	return nil
}
