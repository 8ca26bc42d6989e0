package protocol

import (
	"bytes"
	"encoding/json"
)

// ChatRequest is the body of POST /chat and of each WebSocket chat frame.
type ChatRequest struct {
	Message               string `json:"message" validate:"required,max=8000"`
	SessionID             string `json:"session_id,omitempty" validate:"omitempty,max=128"`
	Database              string `json:"database,omitempty" validate:"omitempty,max=128"`
	IncludeInterpretation bool   `json:"include_interpretation,omitempty"`
}

// DisplayInfo tells the client how many rows it received and how many to show.
type DisplayInfo struct {
	TotalRows      int  `json:"total_rows"`
	InitialDisplay int  `json:"initial_display"`
	HasScrollData  bool `json:"has_scroll_data"`
	// TotalInDataset is the row count before truncation, nil when unknown.
	TotalInDataset *int `json:"total_in_dataset,omitempty"`
}

// UnmarshalJSON accepts a non-numeric total_in_dataset (older adapters send
// "1000+") and treats it as unknown.
func (d *DisplayInfo) UnmarshalJSON(data []byte) error {
	type alias DisplayInfo
	var raw struct {
		alias
		TotalInDataset json.RawMessage `json:"total_in_dataset"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = DisplayInfo(raw.alias)
	d.TotalInDataset = nil
	if len(raw.TotalInDataset) > 0 && !bytes.Equal(raw.TotalInDataset, []byte("null")) {
		var n int
		if err := json.Unmarshal(raw.TotalInDataset, &n); err == nil {
			d.TotalInDataset = &n
		}
	}
	return nil
}

// ChartType names a visualization kind.
type ChartType string

// Chart types a descriptor may carry.
const (
	ChartBar     ChartType = "bar"
	ChartLine    ChartType = "line"
	ChartPie     ChartType = "pie"
	ChartScatter ChartType = "scatter"
	ChartArea    ChartType = "area"
	ChartNone    ChartType = "none"
)

// Visualization is a suggested chart for a result set.
type Visualization struct {
	Type   ChartType           `json:"type"`
	Title  string              `json:"title,omitempty"`
	Config VisualizationConfig `json:"config"`
	Data   []Row               `json:"data,omitempty"`
}

// VisualizationConfig names the columns a chart plots.
type VisualizationConfig struct {
	XColumn  string          `json:"x_column,omitempty"`
	YColumn  string          `json:"y_column,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Grouping json.RawMessage `json:"grouping,omitempty"`
}

// TableInfo describes one table of the schema overview.
type TableInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SchemaOverview lists the tables a user can ask about.
type SchemaOverview struct {
	SchemaID         string      `json:"schema_id,omitempty"`
	Tables           []TableInfo `json:"tables"`
	SuggestedQueries []string    `json:"suggested_queries"`
}

// Interpretation is the analysis of an executed query, served by
// GET /api/interpret/{query_id} and streamed as the interpretation event.
type Interpretation struct {
	Analysis         string          `json:"analysis"`
	Visualization    *Visualization  `json:"visualization"`
	SchemaOverview   *SchemaOverview `json:"schema_overview"`
	SuggestedQueries []string        `json:"suggested_queries"`
}

// Feedback types.
const (
	FeedbackThumbsUp   = "thumbs_up"
	FeedbackThumbsDown = "thumbs_down"
)

// FeedbackTags is the fixed vocabulary a thumbs-down may carry.
var FeedbackTags = []string{
	"Inaccurate Data",
	"Slow Response",
	"Bad Formatting",
	"SQL Error",
	"Other",
}

// Feedback is the body of POST /api/feedback.
type Feedback struct {
	Type         string   `json:"type" validate:"required,oneof=thumbs_up thumbs_down"`
	QueryID      string   `json:"query_id,omitempty" validate:"omitempty,max=128"`
	UserQuestion string   `json:"user_question,omitempty" validate:"omitempty,max=8000"`
	SQLQuery     string   `json:"sql_query,omitempty" validate:"omitempty,max=20000"`
	Description  string   `json:"description,omitempty" validate:"omitempty,max=4000"`
	Tags         []string `json:"tags,omitempty" validate:"omitempty,dive,feedback_tag"`
	Timestamp    string   `json:"timestamp" validate:"required"`
}

// FeedbackAck is returned after feedback has been stored.
type FeedbackAck struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Health is the body of GET /health.
type Health struct {
	Status            string `json:"status"`
	NetqueryAPI       string `json:"netquery_api"`
	NetqueryCacheSize *int   `json:"netquery_cache_size,omitempty"`
	Error             string `json:"error,omitempty"`
}
