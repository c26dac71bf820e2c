package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/pathway/internal/execution"
	"github.com/kingrea/pathway/internal/procedure"
	"github.com/kingrea/pathway/internal/procedure/engine"
)

const journalLines = 20

func runCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	project := projectFlag(fs)
	graphFlag := fs.String("graph", "", "graph to start, as id or id@vN")
	owner := fs.String("owner", "", "owner the execution runs for")
	contextFile := fs.String("context-file", "", "YAML file with the initial execution context")
	memory := fs.Bool("memory", false, "use an in-memory store instead of the configured one")
	parallel := fs.Bool("parallel", false, "allow another active execution of the same graph for this owner")
	poll := fs.Duration("poll", 200*time.Millisecond, "how often to check for armed retry timers")
	timeout := fs.Duration("timeout", time.Minute, "give up driving the execution after this long")
	values := keyValueFlag{}
	fs.Var(&values, "set", "context value key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*graphFlag) == "" {
		return errors.New("run: -graph is required")
	}
	if strings.TrimSpace(*owner) == "" {
		return errors.New("run: -owner is required")
	}
	ref, err := procedure.ParseGraphRef(*graphFlag)
	if err != nil {
		return err
	}
	initial, err := buildContext(*contextFile, values)
	if err != nil {
		return err
	}

	dir, err := resolveProject(*project)
	if err != nil {
		return err
	}
	quiet := false
	a, err := bootstrap(ctx, dir, bootOptions{memory: *memory, logFile: &quiet})
	if err != nil {
		return err
	}
	defer a.Close()

	state, err := a.engine.Start(ctx, engine.StartRequest{
		Graph:         ref,
		OwnerID:       *owner,
		Context:       initial,
		AllowParallel: *parallel,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	state, err = drive(ctx, a, state.ID, *poll)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	graph, _ := a.graphs.Get(state.Graph)
	fmt.Print(renderState(state, graph, a.journal.For(state.ID, journalLines)))
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("run: %s still %s after %s", state.ID, state.Status, *timeout)
	}
	if state.Status == execution.StatusFailed {
		return fmt.Errorf("run: %s failed: %s", state.ID, state.StatusReason)
	}
	return nil
}

// drive drains the queue until the execution settles: terminal, waiting on
// outside input, or with nothing left to schedule.
func drive(ctx context.Context, a *app, id string, poll time.Duration) (execution.State, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if err := a.queue.Drain(ctx, a.engine); err != nil {
			state, _ := a.store.Get(context.Background(), id)
			return state, err
		}
		state, err := a.store.Get(ctx, id)
		if err != nil {
			return execution.State{}, err
		}
		if state.Status.Terminal() || state.Status == execution.StatusWaitingExternal || a.queue.Pending() == 0 {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-ticker.C:
		}
	}
}

// buildContext merges the context file with -set values; -set wins.
func buildContext(path string, values keyValueFlag) (map[string]any, error) {
	initial := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read context file: %w", err)
		}
		if err := yaml.Unmarshal(data, &initial); err != nil {
			return nil, fmt.Errorf("parse context file %s: %w", path, err)
		}
		if initial == nil {
			initial = map[string]any{}
		}
	}
	for key, value := range values {
		initial[key] = value
	}
	return initial, nil
}
