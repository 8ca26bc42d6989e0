package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"

	"github.com/keo571/netquery-insight-chat/internal/chart"
	"github.com/keo571/netquery-insight-chat/internal/conversation"
	"github.com/keo571/netquery-insight-chat/internal/protocol"
)

const barWidth = 30

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	sqlStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	barStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	headerCell   = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	bodyCell     = lipgloss.NewStyle().Padding(0, 1)
)

// Renderer prints agent replies to a terminal. In plain mode it writes no
// escape sequences, which keeps piped output and tests readable.
type Renderer struct {
	w       io.Writer
	styled  bool
	maxRows int
}

// NewRenderer returns a renderer for w. Styling is used only when w is a
// terminal and plain is false.
func NewRenderer(w io.Writer, plain bool, maxRows int) *Renderer {
	styled := false
	if f, ok := w.(*os.File); ok && !plain {
		styled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	if maxRows <= 0 {
		maxRows = DefaultProfile().MaxRows
	}
	return &Renderer{w: w, styled: styled, maxRows: maxRows}
}

func (r *Renderer) style(s lipgloss.Style, text string) string {
	if !r.styled {
		return text
	}
	return s.Render(text)
}

func (r *Renderer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.w, format, args...)
}

// Message prints one finished agent reply.
func (r *Renderer) Message(m conversation.Message) {
	if m.IsError {
		r.Error(m.Content)
		return
	}
	if m.SQL != "" {
		r.printf("%s\n%s\n\n", r.style(headingStyle, "SQL"), r.style(sqlStyle, m.SQL))
	}
	if m.HasResults() || m.DisplayInfo != nil {
		r.Table(m.Results, m.DisplayInfo)
	}
	if m.Content != "" {
		r.printf("%s\n\n", m.Content)
	}
	if m.AnalysisExplanation != "" {
		r.printf("%s\n", strings.TrimSpace(m.AnalysisExplanation))
		r.printf("\n")
	}
	if m.Visualization != nil {
		r.Chart(m.Visualization, m.Results)
	}
	if m.SchemaOverview != nil {
		r.Schema(m.SchemaOverview)
	} else if len(m.SuggestedQueries) > 0 {
		r.Suggestions(m.SuggestedQueries)
	}
}

// Table prints up to maxRows rows, columns in result order.
func (r *Renderer) Table(rows []protocol.Row, info *protocol.DisplayInfo) {
	if len(rows) == 0 {
		r.printf("%s\n\n", r.style(mutedStyle, "No rows returned."))
		return
	}
	cols := rows[0].Columns()
	shown := rows
	if len(shown) > r.maxRows {
		shown = shown[:r.maxRows]
	}

	t := table.New().Headers(cols...)
	if r.styled {
		t = t.Border(lipgloss.RoundedBorder()).
			BorderStyle(mutedStyle).
			StyleFunc(func(row, _ int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerCell
				}
				return bodyCell
			})
	} else {
		t = t.Border(lipgloss.NormalBorder())
	}
	for _, row := range shown {
		cells := make([]string, len(cols))
		for i, c := range cols {
			v, _ := row.Get(c)
			cells[i] = cellText(v)
		}
		t = t.Row(cells...)
	}
	r.printf("%s\n", t.Render())
	r.printf("%s\n\n", r.style(mutedStyle, rowSummary(len(shown), len(rows), info)))
}

func rowSummary(shown, received int, info *protocol.DisplayInfo) string {
	s := fmt.Sprintf("Showing %d of %d rows", shown, received)
	if info == nil {
		return s
	}
	switch {
	case info.TotalInDataset == nil:
		s += " (dataset has more than 1000 rows; use /download for everything)"
	case *info.TotalInDataset > received:
		s += fmt.Sprintf(" (dataset has %d rows; use /download for everything)", *info.TotalInDataset)
	}
	return s
}

func cellText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// Chart draws a horizontal bar chart when the suggested visualization suits
// the rows, and says why not otherwise. Pre-aggregated descriptor data is
// plotted in place of the result rows.
func (r *Renderer) Chart(v *protocol.Visualization, rows []protocol.Row) {
	rows = chart.Source(v, rows)
	d := chart.Evaluate(v, rows)
	if !d.Render {
		if d.Reason != chart.ReasonNoVisualization && d.Reason != chart.ReasonTypeNone {
			r.printf("%s\n\n", r.style(mutedStyle, "Chart skipped: "+d.Reason))
		}
		return
	}

	title := v.Title
	if title == "" {
		title = fmt.Sprintf("%s by %s", d.Columns.Y, d.Columns.X)
	}
	r.printf("%s %s\n", r.style(headingStyle, title), r.style(mutedStyle, "("+string(v.Type)+")"))

	labels := make([]string, 0, len(rows))
	values := make([]float64, 0, len(rows))
	maxVal, labelWidth := 0.0, 0
	for i, row := range rows {
		if i == r.maxRows {
			break
		}
		x, _ := row.Get(d.Columns.X)
		y, _ := row.Get(d.Columns.Y)
		n, ok := number(y)
		if !ok {
			continue
		}
		label := cellText(x)
		labels = append(labels, label)
		values = append(values, n)
		maxVal = math.Max(maxVal, math.Abs(n))
		labelWidth = max(labelWidth, lipgloss.Width(label))
	}
	for i, label := range labels {
		width := 0
		if maxVal > 0 {
			width = int(math.Round(math.Abs(values[i]) / maxVal * barWidth))
		}
		bar := r.style(barStyle, strings.Repeat("█", width))
		r.printf("%-*s %s %s\n", labelWidth, label, bar, strconv.FormatFloat(values[i], 'f', -1, 64))
	}
	r.printf("\n")
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

// Schema lists the tables and starter questions.
func (r *Renderer) Schema(o *protocol.SchemaOverview) {
	if len(o.Tables) > 0 {
		r.printf("%s\n", r.style(headingStyle, "Available tables"))
		for _, t := range o.Tables {
			if t.Description != "" {
				r.printf("  • %s: %s\n", t.Name, t.Description)
			} else {
				r.printf("  • %s\n", t.Name)
			}
		}
		r.printf("\n")
	}
	r.Suggestions(o.SuggestedQueries)
}

// Suggestions prints follow-up questions, numbered.
func (r *Renderer) Suggestions(qs []string) {
	if len(qs) == 0 {
		return
	}
	r.printf("%s\n", r.style(headingStyle, "Try asking"))
	for i, q := range qs {
		r.printf("  %d. %s\n", i+1, q)
	}
	r.printf("\n")
}

// Health prints an adapter health report.
func (r *Renderer) Health(h *protocol.Health) {
	status := h.Status
	if h.Status != "healthy" {
		status = r.style(errorStyle, status)
	}
	r.printf("status: %s\nnetquery_api: %s\n", status, h.NetqueryAPI)
	if h.NetqueryCacheSize != nil {
		r.printf("netquery_cache_size: %d\n", *h.NetqueryCacheSize)
	}
	if h.Error != "" {
		r.printf("error: %s\n", h.Error)
	}
}

// Error prints a user-facing failure.
func (r *Renderer) Error(text string) {
	r.printf("%s %s\n\n", r.style(errorStyle, "!"), text)
}

// Info prints a muted status line.
func (r *Renderer) Info(format string, args ...any) {
	r.printf("%s\n", r.style(mutedStyle, fmt.Sprintf(format, args...)))
}
