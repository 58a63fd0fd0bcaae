package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"ddtui/internal/engine"
)

var (
	panelBorder     = lipgloss.Color("#2D6A80")
	accentPrimary   = lipgloss.Color("#50E3C2")
	accentSecondary = lipgloss.Color("#F6AE2D")
	mutedText       = lipgloss.Color("#8CA1AE")
	warningText     = lipgloss.Color("#FF6B6B")
	writingText     = lipgloss.Color("#F6AE2D")
	completeText    = lipgloss.Color("#44E7AE")
	pendingText     = lipgloss.Color("#2B4C5B")
)

var (
	headerStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Bold(true).
			Foreground(accentPrimary)

	statusStyle = lipgloss.NewStyle().
			Foreground(accentSecondary).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(warningText).
			Bold(true)

	panelTitleStyle = lipgloss.NewStyle().
			Foreground(accentPrimary).
			Bold(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(panelBorder).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedText)

	selectedLineStyle = lipgloss.NewStyle().
				Foreground(accentPrimary).
				Bold(true)

	cellPendingStyle  = lipgloss.NewStyle().Foreground(pendingText)
	cellWritingStyle  = lipgloss.NewStyle().Foreground(writingText)
	cellCompleteStyle = lipgloss.NewStyle().Foreground(completeText)
	cellErrorStyle    = lipgloss.NewStyle().Foreground(warningText).Bold(true)
)

func (m Model) View() string {
	if !m.ready {
		return "Booting ddtui..."
	}

	header := headerStyle.Render("ddtui Disk Imaging")

	statusPrefix := "*"
	if m.run != nil {
		statusPrefix = m.spinner.View()
	}
	statusBody := strings.TrimSpace(m.statusText)
	if statusBody == "" {
		statusBody = "Ready"
	}
	statusLine := statusStyle.Render(statusPrefix + " " + statusBody)
	if strings.TrimSpace(m.errorText) != "" {
		statusLine = errorStyle.Render(m.errorText)
	}

	innerW := maxInt(40, m.width-8)
	var body string
	switch m.screen {
	case screenMenu:
		body = m.viewMenu(innerW)
	case screenSource, screenDest:
		body = m.viewDeviceList(innerW)
	case screenTarget:
		body = m.viewTargetPrompt(innerW)
	case screenConfirm:
		body = m.viewConfirm(innerW)
	case screenProgress:
		body = m.viewProgress(innerW)
	case screenResult:
		body = m.viewResult(innerW)
	}

	parts := []string{header, statusLine, body}
	if m.screen == screenProgress || m.screen == screenResult {
		parts = append(parts, renderPanel("Log", m.logView.View(), innerW, m.logView.Height+1, false))
	}
	parts = append(parts, helpStyle.Render(m.helpLine()))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m Model) helpLine() string {
	switch m.screen {
	case screenMenu:
		return "up/down select | enter confirm | q quit"
	case screenSource, screenDest:
		return "up/down select | enter confirm | esc back"
	case screenTarget:
		return "enter confirm | esc back"
	case screenConfirm:
		return "y/enter start | n/esc abort"
	case screenProgress:
		return "v toggle view | c cancel | up/down scroll log"
	case screenResult:
		return "enter menu | q quit"
	}
	return ""
}

func (m Model) viewMenu(width int) string {
	var lines []string
	for i, entry := range menuEntries {
		line := "  " + entry.label
		if i == m.cursor {
			line = selectedLineStyle.Render("> " + entry.label)
		}
		lines = append(lines, line)
	}
	return renderPanel("Operations", strings.Join(lines, "\n"), width, len(menuEntries)+1, true)
}

func (m Model) viewDeviceList(width int) string {
	title := "Select " + sourcePrompt(m.kind)
	if m.screen == screenDest {
		title = "Select destination device"
		if m.kind == engine.KindRestore {
			title = "Select device to restore onto"
		}
	}
	if len(m.devices) == 0 {
		return renderPanel(title, helpStyle.Render("No block devices found."), width, 3, true)
	}
	var lines []string
	for i, dev := range m.devices {
		label := fmt.Sprintf("%s  %s", dev.String(), humanize.IBytes(dev.Bytes))
		line := "  " + label
		if i == m.cursor {
			line = selectedLineStyle.Render("> " + label)
		}
		lines = append(lines, line)
	}
	return renderPanel(title, strings.Join(lines, "\n"), width, len(m.devices)+1, true)
}

func (m Model) viewTargetPrompt(width int) string {
	title := "Image file"
	if m.kind == engine.KindRestore {
		title = "Image file to restore"
	}
	return renderPanel(title, m.pathInput.View(), width, 2, true)
}

func (m Model) viewConfirm(width int) string {
	if m.plan == nil {
		return ""
	}
	lines := []string{
		fmt.Sprintf("Operation:  %s", m.plan.Kind),
		fmt.Sprintf("Source:     %s", m.plan.Source),
		fmt.Sprintf("Target:     %s", m.plan.Dest),
		fmt.Sprintf("Size:       %s", humanize.IBytes(m.plan.TotalBytes)),
		fmt.Sprintf("Block size: %s", humanize.IBytes(m.plan.BlockSize)),
		"",
		fmt.Sprintf("Command:    %s", m.plan.Command),
		"",
		errorStyle.Render("All data on the target will be destroyed. Continue? (y/n)"),
	}
	return renderPanel("Confirm", strings.Join(lines, "\n"), width, len(lines)+1, true)
}

func (m Model) viewProgress(width int) string {
	run := m.run
	var snap engine.Snapshot
	if run != nil {
		snap = run.Snapshot()
	} else {
		snap = m.lastSnap
	}

	summary := summaryLine(snap)
	var visual string
	if m.viewMode == viewBlockMap {
		visual = renderBlockMap(snap.Cells, m.blockMapCells()) + "\n" + blockMapLegend()
	} else {
		visual = m.bar.ViewAs(snap.Percent / 100)
	}

	lines := []string{
		fmt.Sprintf("%s: %s -> %s", snap.Kind, snap.Source, snap.Dest),
		"",
		visual,
		"",
		summary,
	}
	return renderPanel("Progress", strings.Join(lines, "\n"), width, len(lines)+2, true)
}

func (m Model) viewResult(width int) string {
	snap := m.lastSnap
	verdict := statusStyle.Render("Completed")
	switch {
	case snap.Cancelled:
		verdict = statusStyle.Render("Cancelled")
	case snap.State == engine.StateFailed:
		verdict = errorStyle.Render(fmt.Sprintf("Failed (exit code %d)", snap.ExitCode))
	}

	lines := []string{
		fmt.Sprintf("%s: %s -> %s", snap.Kind, snap.Source, snap.Dest),
		verdict,
		"",
		fmt.Sprintf("Transferred: %s of %s (%.1f%%)",
			humanize.IBytes(snap.Bytes), humanize.IBytes(snap.TotalBytes), snap.Percent),
		fmt.Sprintf("Duration:    %s", formatDuration(time.Duration(snap.Elapsed*float64(time.Second)))),
		fmt.Sprintf("Errors:      %d", snap.ErrorCount),
	}
	if snap.LastErrorAt != nil {
		lines = append(lines, fmt.Sprintf("Last error:  near offset %d", *snap.LastErrorAt))
	}
	if m.report != nil {
		lines = append(lines, "", fmt.Sprintf("Report:      %s", m.report.Directory))
	} else if m.reportErr != nil {
		lines = append(lines, "", errorStyle.Render("Report not saved: "+m.reportErr.Error()))
	}
	if snap.State == engine.StateFailed && strings.TrimSpace(snap.Diagnostic) != "" {
		tail := snap.Diagnostic
		if idx := strings.LastIndexByte(strings.TrimRight(tail, "\n"), '\n'); idx >= 0 {
			tail = tail[idx+1:]
		}
		lines = append(lines, "", helpStyle.Render(strings.TrimSpace(tail)))
	}
	return renderPanel("Result", strings.Join(lines, "\n"), width, len(lines)+1, true)
}

// summaryLine is the one-line condensed progress readout shared by both view
// modes.
func summaryLine(snap engine.Snapshot) string {
	rate := "--"
	if snap.Rate > 0 {
		rate = humanize.IBytes(uint64(snap.Rate)) + "/s"
	}
	eta := "--"
	if snap.ETAKnown {
		eta = formatDuration(snap.ETA)
	}
	line := fmt.Sprintf("%.1f%% | %s of %s | %s | ETA %s | elapsed %s",
		snap.Percent,
		humanize.IBytes(snap.Bytes), humanize.IBytes(snap.TotalBytes),
		rate, eta,
		formatDuration(time.Duration(snap.Elapsed*float64(time.Second))))
	if snap.ErrorCount > 0 {
		line += errorStyle.Render(fmt.Sprintf(" | %d errors", snap.ErrorCount))
	}
	return line
}

// renderBlockMap draws the cell grid, wrapping at perRow cells. Rendering is
// pure display: it never mutates cell state.
func renderBlockMap(cells []engine.CellState, perRow int) string {
	if len(cells) == 0 {
		return ""
	}
	if perRow < 1 {
		perRow = len(cells)
	}
	var rows []string
	var row strings.Builder
	for i, cell := range cells {
		row.WriteString(cellGlyph(cell))
		if (i+1)%perRow == 0 {
			rows = append(rows, row.String())
			row.Reset()
		}
	}
	if row.Len() > 0 {
		rows = append(rows, row.String())
	}
	return strings.Join(rows, "\n")
}

func cellGlyph(cell engine.CellState) string {
	switch cell {
	case engine.CellWriting:
		return cellWritingStyle.Render("▒")
	case engine.CellComplete:
		return cellCompleteStyle.Render("█")
	case engine.CellError:
		return cellErrorStyle.Render("X")
	default:
		return cellPendingStyle.Render("·")
	}
}

func blockMapLegend() string {
	return helpStyle.Render(fmt.Sprintf("%s Pending  %s Writing  %s Complete  %s Error",
		cellPendingStyle.Render("·"),
		cellWritingStyle.Render("▒"),
		cellCompleteStyle.Render("█"),
		cellErrorStyle.Render("X")))
}

// formatDuration renders H:MM:SS, or M:SS under an hour.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Round(time.Second).Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

func renderPanel(title, body string, width, height int, focused bool) string {
	borderColor := panelBorder
	if focused {
		borderColor = accentSecondary
	}
	style := panelStyle.
		BorderForeground(borderColor).
		Width(width).
		Height(height)

	titleLine := panelTitleStyle.Render(title)
	return style.Render(titleLine + "\n" + body)
}
