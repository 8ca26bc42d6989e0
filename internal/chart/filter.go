// Package chart decides whether a suggested visualization fits a result set.
//
// The checks are deliberately conservative: a chart that would mislead is
// worse than a missing one, so anything that looks like a raw entity list or
// a relationship table is suppressed for chart types that expect aggregated
// data.
package chart

import (
	"fmt"
	"strings"

	"github.com/keo571/netquery-insight-chat/internal/protocol"
)

// Columns are the result columns a chart plots.
type Columns struct {
	X string `json:"x_column"`
	Y string `json:"y_column"`
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Render  bool
	Columns *Columns
	Reason  string
}

// Suppression reasons reported in Decision.Reason.
const (
	ReasonNoVisualization  = "no visualization suggested"
	ReasonTypeNone         = "visualization type is none"
	ReasonUnsupportedType  = "unsupported chart type"
	ReasonNoResults        = "no results to plot"
	ReasonMissingColumns   = "visualization does not name both axes"
	ReasonUnresolvedX      = "x column not found in results"
	ReasonUnresolvedY      = "y column not found in results"
	ReasonRelationshipData = "results relate entities rather than measure them"
	ReasonRawEntityList    = "results look like a raw entity list, not an aggregate"
)

// rawListThreshold is the row count above which unaggregated, unique
// categories are treated as a plain listing.
const rawListThreshold = 5

var aggregateMarkers = []string{"count", "total", "sum", "avg", "average", "max", "min"}

// Source returns the rows a chart of v plots: the descriptor's
// pre-aggregated data when it carries any, otherwise results.
func Source(v *protocol.Visualization, results []protocol.Row) []protocol.Row {
	if v != nil && len(v.Data) > 0 {
		return v.Data
	}
	return results
}

// ShouldRender reports whether v should be drawn for rows.
func ShouldRender(v *protocol.Visualization, rows []protocol.Row) bool {
	return Evaluate(v, rows).Render
}

// ResolveColumns maps the descriptor's axis names onto result columns, or
// returns nil when either axis cannot be resolved.
func ResolveColumns(v *protocol.Visualization, rows []protocol.Row) *Columns {
	if v == nil || len(rows) == 0 || v.Config.XColumn == "" || v.Config.YColumn == "" {
		return nil
	}
	x, ok := resolve(v.Config.XColumn, roleCategory, rows[0])
	if !ok {
		return nil
	}
	y, ok := resolve(v.Config.YColumn, roleMeasure, rows[0])
	if !ok {
		return nil
	}
	return &Columns{X: x, Y: y}
}

// Evaluate runs the full suitability check and explains a suppression.
func Evaluate(v *protocol.Visualization, rows []protocol.Row) Decision {
	switch {
	case v == nil:
		return Decision{Reason: ReasonNoVisualization}
	case v.Type == protocol.ChartNone || v.Type == "":
		return Decision{Reason: ReasonTypeNone}
	case len(rows) == 0:
		return Decision{Reason: ReasonNoResults}
	case v.Config.XColumn == "" || v.Config.YColumn == "":
		return Decision{Reason: ReasonMissingColumns}
	}

	x, ok := resolve(v.Config.XColumn, roleCategory, rows[0])
	if !ok {
		return Decision{Reason: fmt.Sprintf("%s: %q", ReasonUnresolvedX, v.Config.XColumn)}
	}
	y, ok := resolve(v.Config.YColumn, roleMeasure, rows[0])
	if !ok {
		return Decision{Reason: fmt.Sprintf("%s: %q", ReasonUnresolvedY, v.Config.YColumn)}
	}
	cols := &Columns{X: x, Y: y}

	switch v.Type {
	case protocol.ChartBar, protocol.ChartPie, protocol.ChartLine:
		if reason := aggregationProblem(rows, x); reason != "" {
			return Decision{Columns: cols, Reason: reason}
		}
	case protocol.ChartScatter, protocol.ChartArea:
	default:
		return Decision{Columns: cols, Reason: fmt.Sprintf("%s: %q", ReasonUnsupportedType, v.Type)}
	}
	return Decision{Render: true, Columns: cols}
}

func aggregationProblem(rows []protocol.Row, xColumn string) string {
	first := rows[0]

	hasAggregate := false
	stringColumns := 0
	for _, col := range first.Columns() {
		val, _ := first.Get(col)
		if isString(val) {
			stringColumns++
		}
		if isNumeric(val) && isAggregateName(col) {
			hasAggregate = true
		}
	}

	if stringColumns >= 2 && !hasAggregate {
		return ReasonRelationshipData
	}
	if !hasAggregate && !hasDuplicates(rows, xColumn) && len(rows) > rawListThreshold {
		return ReasonRawEntityList
	}
	return ""
}

func isAggregateName(col string) bool {
	lower := strings.ToLower(col)
	if lower == "value" || lower == "amount" {
		return true
	}
	for _, marker := range aggregateMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func hasDuplicates(rows []protocol.Row, col string) bool {
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		v, _ := r.Get(col)
		seen[fmt.Sprintf("%T:%v", v, v)] = struct{}{}
	}
	return len(seen) < len(rows)
}
