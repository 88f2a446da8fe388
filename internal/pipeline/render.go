package pipeline

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ppiankov/factorcanon/internal/canon"
	"github.com/ppiankov/factorcanon/internal/labels"
	"github.com/ppiankov/factorcanon/internal/store"
)

// maxListed caps long label lists in terminal output
const maxListed = 20

func newTable(header ...string) table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	row := make(table.Row, len(header))
	for i, h := range header {
		row[i] = h
	}
	tw.AppendHeader(row)
	return tw
}

func alignRight(tw table.Writer, columns ...int) {
	configs := make([]table.ColumnConfig, 0, len(columns))
	for _, n := range columns {
		configs = append(configs, table.ColumnConfig{Number: n, Align: text.AlignRight, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
}

// RenderSummary prints the outcome of a run
func RenderSummary(w io.Writer, r *Report) {
	tw := newTable("", "")
	alignRight(tw, 2)
	tw.AppendRow(table.Row{"Input files", len(r.Inputs)})
	tw.AppendRow(table.Row{"Records", r.Records})
	tw.AppendRow(table.Row{"Distinct labels", r.Labels})
	if c := r.Converge; c != nil {
		tw.AppendSeparator()
		tw.AppendRow(table.Row{"Run", c.RunID})
		tw.AppendRow(table.Row{"Passes", c.Passes})
		tw.AppendRow(table.Row{"Stop reason", string(c.StopReason)})
		tw.AppendRow(table.Row{"Newly resolved", c.Resolved})
		tw.AppendRow(table.Row{"Unresolved", len(c.Unresolved)})
		tw.AppendRow(table.Row{"Diagnostics", len(c.Diagnostics)})
	}
	if s := r.Materialize; s != nil {
		tw.AppendSeparator()
		tw.AppendRow(table.Row{"Groups", s.Groups})
		tw.AppendRow(table.Row{"Mapped records", s.MappedRecords})
		tw.AppendRow(table.Row{"Unmapped records", s.UnmappedRecords})
		tw.AppendRow(table.Row{"Files written", len(s.Files)})
	}
	if r.Duration > 0 {
		tw.AppendRow(table.Row{"Duration", r.Duration.Round(time.Millisecond).String()})
	}
	fmt.Fprintln(w, tw.Render())

	if c := r.Converge; c != nil && len(c.Unresolved) > 0 {
		fmt.Fprintf(w, "\nUnresolved labels (%d): %s\n", len(c.Unresolved), joinCapped(c.Unresolved, maxListed))
	}
	if c := r.Converge; c != nil && len(c.Diagnostics) > 0 {
		fmt.Fprintln(w, "\nDiagnostics:")
		for i, d := range c.Diagnostics {
			if i == maxListed {
				fmt.Fprintf(w, "  ... %d more\n", len(c.Diagnostics)-maxListed)
				break
			}
			fmt.Fprintf(w, "  %s\n", d)
		}
	}
}

// RenderGroups prints every group with its member count and a few members.
// With group set, it lists that group's members with their provenance.
func RenderGroups(w io.Writer, m *canon.Mapping, group string) error {
	if group != "" {
		return renderGroup(w, m, group)
	}

	tw := newTable("#", "Group", "Members", "Examples", "Created")
	alignRight(tw, 1, 3)
	for i, g := range m.AllGroups() {
		tw.AppendRow(table.Row{i + 1, g.Name, len(g.Members), joinCapped(g.Members, 3), "pass " + strconv.Itoa(g.CreatedPass)})
	}
	tw.AppendFooter(table.Row{"", "", m.Len(), "labels", "v" + strconv.Itoa(m.Version())})
	fmt.Fprintln(w, tw.Render())
	return nil
}

func renderGroup(w io.Writer, m *canon.Mapping, group string) error {
	members := m.MembersOf(group)
	if members == nil {
		return fmt.Errorf("no group named %q", labels.Display(group))
	}
	tw := newTable("Label", "Pass", "Run", "Source")
	alignRight(tw, 2)
	for _, label := range members {
		e, _ := m.Entry(label)
		tw.AppendRow(table.Row{e.Label, e.Pass, e.RunID, e.Source})
	}
	tw.SetTitle(labels.Display(group))
	fmt.Fprintln(w, tw.Render())
	return nil
}

// RenderRuns prints the run history
func RenderRuns(w io.Writer, runs []store.Run) {
	tw := newTable("Run", "Started", "Status", "Provider", "Passes", "Resolved", "Unresolved")
	alignRight(tw, 5, 6, 7)
	for _, r := range runs {
		model := r.Provider
		if r.Model != "" {
			model += "/" + r.Model
		}
		tw.AppendRow(table.Row{r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Status, model, r.Passes, r.Resolved, r.Unresolved})
	}
	fmt.Fprintln(w, tw.Render())
}

func joinCapped(items []string, n int) string {
	if len(items) <= n {
		return strings.Join(items, ", ")
	}
	return strings.Join(items[:n], ", ") + fmt.Sprintf(", ... (%d more)", len(items)-n)
}
