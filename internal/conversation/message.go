package conversation

import (
	"slices"
	"time"

	"github.com/keo571/netquery-insight-chat/internal/protocol"
)

// Role identifies who authored a message.
type Role string

// Message roles.
const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// LoadingStates records which parts of an agent reply have arrived.
type LoadingStates struct {
	SQL           bool `json:"sql"`
	Data          bool `json:"data"`
	Analysis      bool `json:"analysis"`
	Visualization bool `json:"visualization"`
}

func allLoaded() LoadingStates {
	return LoadingStates{SQL: true, Data: true, Analysis: true, Visualization: true}
}

// Message is one chat bubble. Agent messages fill in as events arrive.
type Message struct {
	ID        int64     `json:"id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`

	Content             string                   `json:"content,omitempty"`
	SQL                 string                   `json:"sql,omitempty"`
	SQLExplanation      string                   `json:"sql_explanation,omitempty"`
	AnalysisExplanation string                   `json:"analysis_explanation,omitempty"`
	Results             []protocol.Row           `json:"results,omitempty"`
	Visualization       *protocol.Visualization  `json:"visualization,omitempty"`
	DisplayInfo         *protocol.DisplayInfo    `json:"display_info,omitempty"`
	SchemaOverview      *protocol.SchemaOverview `json:"schema_overview,omitempty"`
	SuggestedQueries    []string                 `json:"suggested_queries,omitempty"`
	QueryID             string                   `json:"query_id,omitempty"`

	IsError       bool          `json:"is_error,omitempty"`
	ErrorCategory Category      `json:"error_category,omitempty"`
	LoadingStates LoadingStates `json:"loading_states"`
	IsLoading     bool          `json:"is_loading"`
}

// HasResults reports whether a data event delivered rows.
func (m Message) HasResults() bool {
	return len(m.Results) > 0
}

// clone copies the slices a reader might otherwise share with the writer.
// Rows and descriptors are replaced wholesale on update, never edited in
// place, so sharing their contents is safe.
func (m Message) clone() Message {
	m.Results = slices.Clone(m.Results)
	m.SuggestedQueries = slices.Clone(m.SuggestedQueries)
	return m
}
