package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/pathway/internal/execution"
	"github.com/kingrea/pathway/internal/procedure"
)

var (
	styleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	styleFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	styleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	styleWaiting = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	styleDetail  = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	styleHeading = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true).MarginTop(1)
	styleBox     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(execution.StatusCompleted), "ok":
		return styleOK
	case string(execution.StatusFailed), "invalid":
		return styleFailed
	case string(execution.StatusRunning), string(execution.NodeActive):
		return styleRunning
	case string(execution.StatusWaitingExternal), string(execution.StatusWaitingOnDependency), string(execution.NodeWaiting):
		return styleWaiting
	default:
		return styleMuted
	}
}

func badge(status string) string {
	return statusStyle(status).Render(strings.ToUpper(status))
}

// renderValidation prints one line per graph and the errors beneath it.
func renderValidation(path string, g procedure.Graph, result procedure.ValidationResult, warnings []string) string {
	var b strings.Builder
	status := "ok"
	if !result.OK {
		status = "invalid"
	}
	fmt.Fprintf(&b, "%s %s %s\n", badge(status), g.Ref(), styleMuted.Render(path))
	for _, verr := range result.Errors {
		fmt.Fprintf(&b, "    %s %s\n", styleFailed.Render("✗"), verr.String())
	}
	for _, warning := range warnings {
		fmt.Fprintf(&b, "    %s %s\n", styleWaiting.Render("!"), warning)
	}
	return b.String()
}

// renderState prints an execution summary, its node table and journal tail.
func renderState(state execution.State, graph *procedure.Graph, journal []string) string {
	var head strings.Builder
	fmt.Fprintf(&head, "%s  %s\n", lipgloss.NewStyle().Bold(true).Render(state.ID), badge(string(state.Status)))
	fmt.Fprintf(&head, "graph    %s\n", state.Graph)
	fmt.Fprintf(&head, "owner    %s\n", state.OwnerID)
	if state.ParentID != "" {
		fmt.Fprintf(&head, "parent   %s (node %s, depth %d)\n", state.ParentID, state.ParentNode, state.Depth)
	}
	fmt.Fprintf(&head, "node     %s\n", state.CurrentNode)
	fmt.Fprintf(&head, "version  %d, updated %s", state.Version, state.UpdatedAt.Format(time.RFC3339))
	if state.StatusReason != "" {
		fmt.Fprintf(&head, "\nreason   %s", styleDetail.Render(state.StatusReason))
	}

	var b strings.Builder
	b.WriteString(styleBox.Render(head.String()))
	b.WriteString("\n")

	b.WriteString(styleHeading.Render("Nodes"))
	b.WriteString("\n")
	for _, id := range nodeOrder(state, graph) {
		ns := state.Node(id)
		line := fmt.Sprintf("  %-24s %s", id, badge(string(ns.Status)))
		if ns.Attempts > 0 {
			line += styleMuted.Render(fmt.Sprintf("  attempts=%d", ns.Attempts))
		}
		if ns.ErrorKind != "" {
			line += "  " + styleFailed.Render(ns.ErrorKind) + " " + styleDetail.Render(ns.LastError)
		}
		b.WriteString(line + "\n")
	}

	if len(state.Dependencies) > 0 {
		b.WriteString(styleHeading.Render("Dependencies"))
		b.WriteString("\n")
		keys := make([]string, 0, len(state.Dependencies))
		for key := range state.Dependencies {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			record := state.Dependencies[key]
			line := fmt.Sprintf("  %-32s %s", key, badge(string(record.Status)))
			if record.ChildID != "" {
				line += styleMuted.Render("  child=" + record.ChildID)
			}
			if record.Reason != "" {
				line += "  " + styleDetail.Render(record.Reason)
			}
			b.WriteString(line + "\n")
		}
	}

	if len(state.Checkpoints) > 0 {
		b.WriteString(styleHeading.Render("Checkpoints"))
		b.WriteString("\n")
		for _, cp := range state.Checkpoints {
			line := fmt.Sprintf("  #%-3d %s v%-3d %-28s %s", cp.Sequence, cp.ID, cp.StateVersion, cp.CausedBy, cp.Snapshot.Status)
			if cp.Superseded {
				line = styleMuted.Render(line + " (superseded)")
			}
			b.WriteString(line + "\n")
		}
	}

	if len(journal) > 0 {
		b.WriteString(styleHeading.Render("Journal"))
		b.WriteString("\n")
		for _, line := range journal {
			b.WriteString("  " + styleDetail.Render(line) + "\n")
		}
	}
	return b.String()
}

// renderList prints one line per execution.
func renderList(states []execution.State) string {
	if len(states) == 0 {
		return styleMuted.Render("no executions") + "\n"
	}
	var b strings.Builder
	for _, state := range states {
		fmt.Fprintf(&b, "%-38s %-20s %-16s %s %s\n",
			state.ID, state.Graph, state.OwnerID, badge(string(state.Status)), styleMuted.Render(state.CurrentNode))
	}
	return b.String()
}

// nodeOrder lists nodes in declaration order, falling back to the recorded
// node ids when the graph is no longer registered.
func nodeOrder(state execution.State, graph *procedure.Graph) []string {
	if graph != nil {
		return graph.NodeIDs()
	}
	ids := make([]string, 0, len(state.Nodes))
	for id := range state.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
