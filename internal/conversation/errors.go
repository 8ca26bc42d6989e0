package conversation

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Category groups failures for user-facing messaging.
type Category string

// Failure categories.
const (
	CategoryNetwork   Category = "network"
	CategoryTimeout   Category = "timeout"
	CategoryServer    Category = "server"
	CategoryAuth      Category = "auth"
	CategoryNotFound  Category = "not_found"
	CategoryParse     Category = "parse"
	CategoryQuery     Category = "query"
	CategorySchema    Category = "schema"
	CategoryStreaming Category = "streaming"
	CategoryFeedback  Category = "feedback"
	CategoryGeneric   Category = "generic"
)

var friendly = map[Category]string{
	CategoryNetwork:   "I couldn't reach the query service. Please check your connection and try again.",
	CategoryTimeout:   "That request took too long to finish. Try a narrower question, or try again in a moment.",
	CategoryServer:    "The query service ran into a problem on its side. Please try again shortly.",
	CategoryAuth:      "You don't have access to that data source. Please check your permissions.",
	CategoryNotFound:  "I couldn't find that result. It may have expired, so try asking the question again.",
	CategoryParse:     "I received a response I couldn't read. Please try again.",
	CategoryQuery:     "I couldn't run the generated query. Try rephrasing your question.",
	CategorySchema:    "Your question refers to data I couldn't find in the schema. Try asking about the available tables.",
	CategoryStreaming: "The response was interrupted before it finished. Please try again.",
	CategoryFeedback:  "Your feedback couldn't be sent right now. Please try again later.",
	CategoryGeneric:   "Something went wrong while processing your request. Please try again.",
}

// Text matchers, checked in order; the first hit wins. Needles match whole
// tokens, see containsToken.
var textRules = []struct {
	category Category
	needles  []string
}{
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CategoryNetwork, []string{"connection refused", "no such host", "dial tcp", "connection reset", "network", "failed to fetch"}},
	{CategoryAuth, []string{"unauthorized", "forbidden", "permission denied", "not authenticated"}},
	{CategorySchema, []string{"no such table", "no such column", "unknown table", "unknown column", "does not exist", "schema"}},
	{CategoryNotFound, []string{"not found", "404"}},
	{CategoryParse, []string{"json", "parse", "unexpected token", "invalid character", "decode"}},
	{CategoryServer, []string{"internal server error", "bad gateway", "service unavailable", "server error", "500", "502", "503"}},
	{CategoryQuery, []string{"sql", "syntax error", "query"}},
	{CategoryStreaming, []string{"stream", "terminal event", "unexpected eof"}},
	{CategoryFeedback, []string{"feedback"}},
}

// Message returns the pre-written text for c.
func (c Category) Message() string {
	if m, ok := friendly[c]; ok {
		return m
	}
	return friendly[CategoryGeneric]
}

// Classify maps raw error text and an optional HTTP status to a category.
func Classify(text string, status int) Category {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CategoryAuth
	case status == http.StatusNotFound:
		return CategoryNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CategoryTimeout
	case status >= 500:
		return CategoryServer
	}

	lower := strings.ToLower(text)
	for _, rule := range textRules {
		for _, needle := range rule.needles {
			if containsToken(lower, needle) {
				return rule.category
			}
		}
	}
	return CategoryGeneric
}

// containsToken reports whether needle occurs in text with no word
// character on either side. Hyphens and underscores count as word
// characters so compound names stay whole.
func containsToken(text, needle string) bool {
	for from := 0; ; {
		i := strings.Index(text[from:], needle)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(needle)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		from = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '-' || b == '_' ||
		('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}

// Translate classifies err and returns its user-facing message.
func Translate(err error) (Category, string) {
	if err == nil {
		return CategoryGeneric, CategoryGeneric.Message()
	}

	var status int
	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) {
		status = coded.StatusCode()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout, CategoryTimeout.Message()
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return CategoryTimeout, CategoryTimeout.Message()
	}

	c := Classify(err.Error(), status)
	return c, c.Message()
}

// TranslateText classifies a server-reported error message.
func TranslateText(text string) (Category, string) {
	c := Classify(text, 0)
	return c, c.Message()
}
