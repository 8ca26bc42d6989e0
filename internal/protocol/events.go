// Package protocol defines the wire contract between the chat adapter and its
// clients: the streamed event union, result rows and the REST payloads.
package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates the streamed event union.
type EventType string

// Event types in the order they normally appear within one turn.
const (
	EventSession        EventType = "session"
	EventSQL            EventType = "sql"
	EventData           EventType = "data"
	EventAnalysis       EventType = "analysis"
	EventVisualization  EventType = "visualization"
	EventInterpretation EventType = "interpretation"
	EventGeneralAnswer  EventType = "general_answer"
	EventGuidance       EventType = "guidance"
	EventDone           EventType = "done"
	EventError          EventType = "error"
)

// Terminal reports whether the event type ends a stream.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError
}

// Known reports whether t is part of the event union.
func (t EventType) Known() bool {
	switch t {
	case EventSession, EventSQL, EventData, EventAnalysis, EventVisualization,
		EventInterpretation, EventGeneralAnswer, EventGuidance, EventDone, EventError:
		return true
	}
	return false
}

// Event is one frame of a chat stream. Only the fields belonging to Type are
// meaningful; MarshalJSON writes exactly those.
type Event struct {
	Type EventType `json:"type"`

	SessionID string `json:"session_id,omitempty"`

	SQL         string `json:"sql,omitempty"`
	QueryID     string `json:"query_id,omitempty"`
	Explanation string `json:"explanation,omitempty"`

	Results     []Row        `json:"results,omitempty"`
	DisplayInfo *DisplayInfo `json:"display_info,omitempty"`

	Analysis         string          `json:"analysis,omitempty"`
	Visualization    *Visualization  `json:"visualization,omitempty"`
	SchemaOverview   *SchemaOverview `json:"schema_overview,omitempty"`
	SuggestedQueries []string        `json:"suggested_queries,omitempty"`

	Answer  string `json:"answer,omitempty"`
	Message string `json:"message,omitempty"`
}

// SessionEvent announces the server-side conversation id.
func SessionEvent(id string) Event {
	return Event{Type: EventSession, SessionID: id}
}

// SQLEvent carries the generated query.
func SQLEvent(sql, queryID, explanation string) Event {
	return Event{Type: EventSQL, SQL: sql, QueryID: queryID, Explanation: explanation}
}

// DataEvent carries executed results.
func DataEvent(rows []Row, info *DisplayInfo) Event {
	if rows == nil {
		rows = []Row{}
	}
	return Event{Type: EventData, Results: rows, DisplayInfo: info}
}

// AnalysisEvent carries the narrative explanation of a result set.
func AnalysisEvent(explanation string) Event {
	return Event{Type: EventAnalysis, Explanation: explanation}
}

// VisualizationEvent carries a chart descriptor and schema hints.
func VisualizationEvent(p Interpretation) Event {
	return Event{
		Type:             EventVisualization,
		Visualization:    p.Visualization,
		SchemaOverview:   p.SchemaOverview,
		SuggestedQueries: p.SuggestedQueries,
	}
}

// InterpretationEvent is the combined analysis and visualization frame.
func InterpretationEvent(p Interpretation) Event {
	return Event{
		Type:             EventInterpretation,
		Analysis:         p.Analysis,
		Visualization:    p.Visualization,
		SchemaOverview:   p.SchemaOverview,
		SuggestedQueries: p.SuggestedQueries,
	}
}

// GeneralAnswerEvent carries a conversational reply that needed no SQL.
func GeneralAnswerEvent(answer, queryID string) Event {
	return Event{Type: EventGeneralAnswer, Answer: answer, QueryID: queryID}
}

// GuidanceEvent is sent when no SQL could be generated.
func GuidanceEvent(message string, overview *SchemaOverview, suggestions []string) Event {
	return Event{Type: EventGuidance, Message: message, SchemaOverview: overview, SuggestedQueries: suggestions}
}

// DoneEvent terminates a successful stream.
func DoneEvent() Event {
	return Event{Type: EventDone}
}

// ErrorEvent terminates a failed stream.
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}

// MarshalJSON writes the fields of the variant selected by Type.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventSession:
		return json.Marshal(struct {
			Type      EventType `json:"type"`
			SessionID string    `json:"session_id"`
		}{e.Type, e.SessionID})
	case EventSQL:
		return json.Marshal(struct {
			Type        EventType `json:"type"`
			SQL         string    `json:"sql"`
			QueryID     string    `json:"query_id"`
			Explanation string    `json:"explanation"`
		}{e.Type, e.SQL, e.QueryID, e.Explanation})
	case EventData:
		results := e.Results
		if results == nil {
			results = []Row{}
		}
		return json.Marshal(struct {
			Type        EventType    `json:"type"`
			Results     []Row        `json:"results"`
			DisplayInfo *DisplayInfo `json:"display_info,omitempty"`
		}{e.Type, results, e.DisplayInfo})
	case EventAnalysis:
		return json.Marshal(struct {
			Type        EventType `json:"type"`
			Explanation string    `json:"explanation"`
		}{e.Type, e.Explanation})
	case EventVisualization:
		return json.Marshal(struct {
			Type             EventType       `json:"type"`
			Visualization    *Visualization  `json:"visualization"`
			SchemaOverview   *SchemaOverview `json:"schema_overview"`
			SuggestedQueries []string        `json:"suggested_queries"`
		}{e.Type, e.Visualization, e.SchemaOverview, e.SuggestedQueries})
	case EventInterpretation:
		return json.Marshal(struct {
			Type             EventType       `json:"type"`
			Analysis         string          `json:"analysis"`
			Visualization    *Visualization  `json:"visualization"`
			SchemaOverview   *SchemaOverview `json:"schema_overview"`
			SuggestedQueries []string        `json:"suggested_queries"`
		}{e.Type, e.Analysis, e.Visualization, e.SchemaOverview, e.SuggestedQueries})
	case EventGeneralAnswer:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Answer  string    `json:"answer"`
			QueryID string    `json:"query_id,omitempty"`
		}{e.Type, e.Answer, e.QueryID})
	case EventGuidance:
		return json.Marshal(struct {
			Type             EventType       `json:"type"`
			Message          string          `json:"message"`
			SchemaOverview   *SchemaOverview `json:"schema_overview"`
			SuggestedQueries []string        `json:"suggested_queries"`
		}{e.Type, e.Message, e.SchemaOverview, e.SuggestedQueries})
	case EventDone:
		return json.Marshal(struct {
			Type EventType `json:"type"`
		}{e.Type})
	case EventError:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Message string    `json:"message"`
		}{e.Type, e.Message})
	default:
		return nil, fmt.Errorf("marshal event: unknown type %q", e.Type)
	}
}
