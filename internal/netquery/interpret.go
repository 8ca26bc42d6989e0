package netquery

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/keo571/netquery-insight-chat/internal/protocol"
)

// InterpretResult is the raw interpret answer. Older backends nest the
// schema guidance under "interpretation", so the loose fields stay raw until
// Payload picks the right ones.
type InterpretResult struct {
	Interpretation   Analysis        `json:"interpretation"`
	Visualization    json.RawMessage `json:"visualization,omitempty"`
	SchemaOverview   json.RawMessage `json:"schema_overview,omitempty"`
	SuggestedQueries json.RawMessage `json:"suggested_queries,omitempty"`
	Guidance         bool            `json:"guidance,omitempty"`
}

// Analysis is the narrative part of an interpretation.
type Analysis struct {
	Summary          string          `json:"summary"`
	KeyFindings      []string        `json:"key_findings"`
	SchemaOverview   json.RawMessage `json:"schema_overview,omitempty"`
	SuggestedQueries json.RawMessage `json:"suggested_queries,omitempty"`
	Guidance         bool            `json:"guidance,omitempty"`
}

// UnmarshalJSON tolerates a null or non-object interpretation.
func (a *Analysis) UnmarshalJSON(data []byte) error {
	*a = Analysis{}
	if !isObject(data) {
		return nil
	}
	type alias Analysis
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = Analysis(raw)
	return nil
}

// Payload assembles the interpretation sent to clients. totalCount is the row
// count reported by execute (nil when unknown) and analyzedRows the number of
// rows the backend analyzes.
func (r *InterpretResult) Payload(totalCount *int, analyzedRows int) protocol.Interpretation {
	overview, suggestions := r.guidanceFields()
	return protocol.Interpretation{
		Analysis:         AnalysisMarkdown(r.Interpretation, totalCount, analyzedRows),
		Visualization:    r.visualization(),
		SchemaOverview:   overview,
		SuggestedQueries: suggestions,
	}
}

// guidanceFields reads schema guidance from the top level and falls back to
// the nested interpretation when neither top-level field is present.
func (r *InterpretResult) guidanceFields() (*protocol.SchemaOverview, []string) {
	overviewRaw, suggestionsRaw := r.SchemaOverview, r.SuggestedQueries
	if !isObject(overviewRaw) && !isArray(suggestionsRaw) {
		overviewRaw = r.Interpretation.SchemaOverview
		suggestionsRaw = r.Interpretation.SuggestedQueries
	}
	suggestions := decodeStrings(suggestionsRaw)
	if suggestions == nil {
		suggestions = []string{}
	}
	return decodeOverview(overviewRaw), suggestions
}

func (r *InterpretResult) visualization() *protocol.Visualization {
	if !isObject(r.Visualization) {
		return nil
	}
	var v protocol.Visualization
	if err := json.Unmarshal(r.Visualization, &v); err != nil {
		return nil
	}
	return &v
}

// AnalysisMarkdown renders the summary, numbered findings and, when only a
// preview was analyzed, a note pointing at the full download.
func AnalysisMarkdown(a Analysis, totalCount *int, analyzedRows int) string {
	var b strings.Builder
	if a.Summary != "" {
		fmt.Fprintf(&b, "**Summary:**\n\n%s\n\n", a.Summary)
	}
	if len(a.KeyFindings) > 0 {
		b.WriteString("**Key Findings:**\n\n")
		for i, finding := range a.KeyFindings {
			fmt.Fprintf(&b, "%d. %s\n", i+1, finding)
		}
		b.WriteString("\n")
	}

	switch {
	case totalCount == nil:
		fmt.Fprintf(&b, "**Analysis Note:**\n\nInsights based on first %d rows of more than 1000 rows. Download full dataset for complete analysis.\n\n", analyzedRows)
	case *totalCount > analyzedRows:
		fmt.Fprintf(&b, "**Analysis Note:**\n\nInsights based on first %d rows of %d rows. Download full dataset for complete analysis.\n\n", analyzedRows, *totalCount)
	}
	return b.String()
}
