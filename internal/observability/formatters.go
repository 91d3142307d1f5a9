// Package observability provides formatted CLI output: a live event printer
// and tables for runs, entities and campaigns.
package observability

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/jonathan/leadflow/internal/delivery"
	"github.com/jonathan/leadflow/internal/events"
	"github.com/jonathan/leadflow/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer handles formatted output for the CLI.
type Printer struct {
	out io.Writer
	// verbose also prints progress updates.
	verbose bool
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer, verbose bool) *Printer {
	return &Printer{out: out, verbose: verbose}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		if len(line) > boxWidth-4 {
			line = line[:boxWidth-7] + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintEvent writes one line for ev. Progress updates are only printed in
// verbose mode. Undecodable payloads print the raw type.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintEvent(ev events.Event) {
	line, ok := p.describe(ev)
	if !ok {
		return
	}
	fmt.Fprintf(p.out, "[%4d] %s %-18s %s\n", ev.Sequence, ev.Timestamp.Format("15:04:05"), ev.Type, line)
}

func (p *Printer) describe(ev events.Event) (string, bool) {
	switch ev.Type {
	case events.TypePhaseTransition:
		var pt events.PhaseTransition
		if err := ev.Decode(&pt); err != nil {
			return "", true
		}
		return fmt.Sprintf("%s → %s", pt.From, pt.To), true

	case events.TypeProgress:
		if !p.verbose {
			return "", false
		}
		var pu events.ProgressUpdate
		if err := ev.Decode(&pu); err != nil {
			return "", true
		}
		s := fmt.Sprintf("%s %5.1f%% %s", pu.Phase, pu.Percent, formatCounters(pu.Counters))
		if pu.EstimatedRemainingSeconds != nil {
			s += " eta " + (time.Duration(*pu.EstimatedRemainingSeconds * float64(time.Second))).Round(time.Second).String()
		}
		if pu.LastCompleted != nil {
			s += fmt.Sprintf(" last=%q (%s)", pu.LastCompleted.Name, pu.LastCompleted.Outcome)
		}
		return s, true

	case events.TypeEntityCompleted:
		var es events.EntitySummary
		if err := ev.Decode(&es); err != nil {
			return "", true
		}
		s := fmt.Sprintf("%s %q %s", es.Phase, es.Name, es.Outcome)
		if es.Error != "" {
			s += ": " + es.Error
		}
		return s, true

	case events.TypeError:
		var en events.ErrorNotification
		if err := ev.Decode(&en); err != nil {
			return "", true
		}
		s := fmt.Sprintf("%s: %s", en.Code, en.Message)
		if en.RetryInSeconds != nil {
			s += fmt.Sprintf(" (retry in %ds)", *en.RetryInSeconds)
		}
		return s, true

	case events.TypeDelivery:
		var du events.DeliveryUpdate
		if err := ev.Decode(&du); err != nil {
			return "", true
		}
		return fmt.Sprintf("%s %s → %s (campaign %s)", du.CampaignID.String()[:8], du.Channel, du.Status, du.Aggregate), true

	case events.TypeRunFinished:
		var rf events.RunFinished
		if err := ev.Decode(&rf); err != nil {
			return "", true
		}
		s := fmt.Sprintf("%s (%s)", rf.Outcome, rf.Phase)
		if rf.Error != "" {
			s += ": " + rf.Error
		}
		return s, true
	}
	return "", true
}

func formatCounters(c types.Counters) string {
	return fmt.Sprintf("discovered=%d scored=%d generated=%d ready=%d", c.Discovered, c.Scored, c.Generated, c.OutreachReady)
}

// PrintRunSummary outputs a boxed summary of a run.
func (p *Printer) PrintRunSummary(run *types.Run) {
	if run == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run:      %s\n", run.ID))
	sb.WriteString(fmt.Sprintf("Target:   %s in %s\n", run.Config.Niche, run.Config.Location))
	sb.WriteString(fmt.Sprintf("Phase:    %s\n", run.Phase))
	if run.Outcome != "" {
		sb.WriteString(fmt.Sprintf("Outcome:  %s\n", run.Outcome))
	}
	if run.EndedAt != nil {
		sb.WriteString(fmt.Sprintf("Duration: %s\n", run.EndedAt.Sub(run.StartedAt).Round(time.Second)))
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Discovered:     %d\n", run.Counters.Discovered))
	sb.WriteString(fmt.Sprintf("Scored:         %d\n", run.Counters.Scored))
	sb.WriteString(fmt.Sprintf("Generated:      %d\n", run.Counters.Generated))
	sb.WriteString(fmt.Sprintf("Outreach ready: %d\n", run.Counters.OutreachReady))

	if len(run.Errors) > 0 {
		sb.WriteString(fmt.Sprintf("\nErrors (%d):\n", len(run.Errors)))
		start := max(0, len(run.Errors)-maxItemsToShow)
		for _, e := range run.Errors[start:] {
			sb.WriteString(fmt.Sprintf("  • [%s] %s\n", e.Kind, e.Message))
		}
		if start > 0 {
			sb.WriteString(fmt.Sprintf("  ... and %d earlier\n", start))
		}
	}

	p.printBox("RUN SUMMARY", strings.TrimSuffix(sb.String(), "\n"))
}

func (p *Printer) newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(p.out)
	tw.SetStyle(table.StyleLight)
	return tw
}

// RunsTable renders one row per run.
func (p *Printer) RunsTable(runs []*types.Run) {
	tw := p.newTable()
	tw.AppendHeader(table.Row{"ID", "Location", "Niche", "Phase", "Outcome", "Discovered", "Scored", "Generated", "Ready", "Started"})
	for _, r := range runs {
		tw.AppendRow(table.Row{
			r.ID, r.Config.Location, r.Config.Niche, r.Phase, r.Outcome,
			r.Counters.Discovered, r.Counters.Scored, r.Counters.Generated, r.Counters.OutreachReady,
			r.StartedAt.Format(time.RFC3339),
		})
	}
	tw.Render()
}

// EntitiesTable renders one row per entity with its score and per-phase
// outcomes.
func (p *Printer) EntitiesTable(entities []types.Entity) {
	tw := p.newTable()
	tw.AppendHeader(table.Row{"Name", "Website", "Score", "Scoring", "Generation", "Outreach", "Preview"})
	for _, e := range entities {
		score := "-"
		if e.Score != nil {
			score = fmt.Sprintf("%.1f", e.Score.Overall)
		}
		preview := ""
		if e.Generated != nil {
			preview = e.Generated.PreviewURL
		}
		tw.AppendRow(table.Row{
			e.Name, e.Website, score,
			e.Outcomes[types.PhaseScoring], e.Outcomes[types.PhaseGenerating], e.Outcomes[types.PhaseOutreach],
			preview,
		})
	}
	tw.AppendFooter(table.Row{"Total", len(entities)})
	tw.Render()
}

// CampaignsTable renders one row per campaign with per-channel states.
func (p *Printer) CampaignsTable(campaigns []*types.Campaign) {
	tw := p.newTable()
	header := table.Row{"Campaign", "Entity", "Status"}
	for _, ch := range types.AllChannels() {
		header = append(header, string(ch))
	}
	tw.AppendHeader(header)
	for _, c := range campaigns {
		row := table.Row{c.ID, c.EntityID, delivery.Aggregate(c)}
		for _, ch := range types.AllChannels() {
			cell := "-"
			if d, ok := c.Channels[ch]; ok && d.Enabled {
				cell = fmt.Sprintf("%s (%d/%d)", d.State, d.Attempts, d.MaxAttempts)
			}
			row = append(row, cell)
		}
		tw.AppendRow(row)
	}
	tw.Render()
}
