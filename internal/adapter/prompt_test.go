package adapter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keo571/netquery-insight-chat/internal/protocol"
)

func TestBuildContextPromptWithoutHistory(t *testing.T) {
	assert.Equal(t, "show servers", BuildContextPrompt(nil, "show servers", 3))
	assert.Equal(t, "show servers", BuildContextPrompt([]Exchange{{UserMessage: "a", SQL: "b"}}, "show servers", 0))
}

func TestBuildContextPromptKeepsRecentExchanges(t *testing.T) {
	history := []Exchange{
		{UserMessage: "first", SQL: "SELECT 1"},
		{UserMessage: "second", SQL: "SELECT 2"},
		{UserMessage: "third", SQL: "SELECT 3"},
	}

	got := BuildContextPrompt(history, "and the names?", 2)

	assert.True(t, strings.HasPrefix(got, "CONVERSATION HISTORY - Use this to understand follow-up questions:\n\n"))
	assert.NotContains(t, got, "first")
	assert.Contains(t, got, "Exchange 1:\n  User asked: second\n  SQL query: SELECT 2\n")
	assert.Contains(t, got, "Exchange 2:\n  User asked: third\n  SQL query: SELECT 3\n")
	assert.Contains(t, got, "USER'S NEW QUESTION: and the names?\n")
	assert.Contains(t, got, "CONTEXT RULES FOR FOLLOW-UP QUESTIONS:")
	assert.True(t, strings.HasSuffix(got, "Generate SQL that naturally continues the conversation based on the context above."))
}

func TestSQLExplanation(t *testing.T) {
	assert.Equal(t, "**SQL Query:**\n```sql\nSELECT 1\n```\n\n", SQLExplanation("SELECT 1"))
}

func TestBuildDisplayInfo(t *testing.T) {
	rows := []protocol.Row{protocol.NewRow("a", 1), protocol.NewRow("a", 2), protocol.NewRow("a", 3)}

	info := BuildDisplayInfo(rows, nil, 2)
	assert.Equal(t, 3, info.TotalRows)
	assert.Equal(t, 2, info.InitialDisplay)
	assert.True(t, info.HasScrollData)
	assert.Nil(t, info.TotalInDataset)

	total := 3
	info = BuildDisplayInfo(rows, &total, 30)
	assert.False(t, info.HasScrollData)
	total = 99
	assert.Equal(t, 3, *info.TotalInDataset, "display info keeps its own copy")
}
