package adapter

import (
	"fmt"
	"strings"

	"github.com/keo571/netquery-insight-chat/internal/protocol"
)

const followUpRules = `
CONTEXT RULES FOR FOLLOW-UP QUESTIONS:

When the user's question builds on previous queries, use the conversation history to:

1. Resolve references to entities, tables, or columns mentioned previously
   - "the pool", "those servers", "their names" should reference entities from prior queries

2. Preserve the user's intent when modifying queries
   - "also show X" or "as well" → add columns/joins to previous query while preserving filters
   - "remove X" or "don't show Y" → exclude specified columns from previous SELECT
   - "sort by X instead" → keep same data but change ORDER BY clause

3. Maintain consistency with previous query patterns
   - If previous query returned detail rows, continue returning details unless user requests aggregation
   - If previous query used specific filters (WHERE) or limits, preserve them unless explicitly changed
   - If previous query joined certain tables, reuse those relationships when relevant

Generate SQL that naturally continues the conversation based on the context above.`

// BuildContextPrompt wraps message with the last recent exchanges so the
// backend can resolve follow-up questions. Without history the message is
// returned unchanged.
func BuildContextPrompt(history []Exchange, message string, recent int) string {
	if len(history) == 0 || recent <= 0 {
		return message
	}
	if len(history) > recent {
		history = history[len(history)-recent:]
	}

	parts := []string{"CONVERSATION HISTORY - Use this to understand follow-up questions:\n"}
	for i, ex := range history {
		parts = append(parts, fmt.Sprintf("Exchange %d:\n  User asked: %s\n  SQL query: %s\n", i+1, ex.UserMessage, ex.SQL))
	}
	parts = append(parts, "USER'S NEW QUESTION: "+message, followUpRules)
	return strings.Join(parts, "\n")
}

// SQLExplanation renders generated SQL as a markdown block.
func SQLExplanation(sql string) string {
	return "**SQL Query:**\n```sql\n" + sql + "\n```\n\n"
}

// BuildDisplayInfo describes the preview rows for client-side paging.
func BuildDisplayInfo(rows []protocol.Row, totalCount *int, initialDisplay int) *protocol.DisplayInfo {
	info := &protocol.DisplayInfo{
		TotalRows:      len(rows),
		InitialDisplay: initialDisplay,
		HasScrollData:  len(rows) > initialDisplay,
	}
	if totalCount != nil {
		n := *totalCount
		info.TotalInDataset = &n
	}
	return info
}
