package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/kingrea/pathway/internal/escalation"
	"github.com/kingrea/pathway/internal/execution"
)

func inspectCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	project := projectFlag(fs)
	owner := fs.String("owner", "", "only list executions for this owner")
	active := fs.Bool("active", false, "only list executions that have not finished")
	lines := fs.Int("journal", journalLines, "journal lines to show for one execution")
	escalations := fs.Bool("escalations", false, "list escalation reports instead of executions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dir, err := resolveProject(*project)
	if err != nil {
		return err
	}
	quiet := false
	a, err := bootstrap(ctx, dir, bootOptions{logFile: &quiet})
	if err != nil {
		return err
	}
	defer a.Close()

	if *escalations {
		sink, err := escalation.NewFileSink(a.cfg.EscalationsDir())
		if err != nil {
			return err
		}
		reports, err := sink.List()
		if err != nil {
			return err
		}
		if len(reports) == 0 {
			fmt.Println(styleMuted.Render("no escalations"))
			return nil
		}
		for _, r := range reports {
			fmt.Printf("%-38s %-20s %s %s\n", r.ExecutionID, r.Graph,
				styleFailed.Render(r.ErrorKind), styleDetail.Render(r.Reason))
		}
		return nil
	}

	if fs.NArg() == 0 {
		states, err := a.store.List(ctx, execution.Filter{OwnerID: *owner, ActiveOnly: *active})
		if err != nil {
			return err
		}
		fmt.Print(renderList(states))
		return nil
	}

	for _, id := range fs.Args() {
		state, err := a.store.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", id, err)
		}
		graph, _ := a.graphs.Get(state.Graph)
		fmt.Print(renderState(state, graph, a.journal.For(id, *lines)))
	}
	return nil
}
