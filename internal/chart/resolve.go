package chart

import (
	"encoding/json"
	"strings"

	"github.com/keo571/netquery-insight-chat/internal/protocol"
)

type role int

const (
	roleCategory role = iota
	roleMeasure
)

// aliasGroups are generic synonyms only; domain vocabulary does not belong here.
var aliasGroups = [][]string{
	{"name", "label", "title", "category", "group"},
	{"count", "total", "value", "amount", "num", "number"},
}

// excludedCategory is never picked by the categorical type fallback.
const excludedCategory = "items"

// resolve finds the column of row that best matches requested. Rules are
// tried in order: exact, case-insensitive, substring, alias, then type.
func resolve(requested string, r role, row protocol.Row) (string, bool) {
	cols := row.Columns()

	for _, c := range cols {
		if c == requested {
			return c, true
		}
	}

	want := strings.ToLower(requested)
	for _, c := range cols {
		if strings.ToLower(c) == want {
			return c, true
		}
	}

	for _, c := range cols {
		lc := strings.ToLower(c)
		if lc == "" {
			continue
		}
		if strings.Contains(lc, want) || strings.Contains(want, lc) {
			return c, true
		}
	}

	if c, ok := resolveAlias(want, cols); ok {
		return c, true
	}

	for _, c := range cols {
		v, _ := row.Get(c)
		switch r {
		case roleCategory:
			if isString(v) && c != excludedCategory {
				return c, true
			}
		case roleMeasure:
			if isNumeric(v) {
				return c, true
			}
		}
	}
	return "", false
}

func resolveAlias(want string, cols []string) (string, bool) {
	for _, group := range aliasGroups {
		if !matchesAny(want, group) {
			continue
		}
		for _, c := range cols {
			if matchesAny(strings.ToLower(c), group) {
				return c, true
			}
		}
	}
	return "", false
}

func matchesAny(name string, words []string) bool {
	for _, w := range words {
		if strings.Contains(name, w) {
			return true
		}
	}
	return false
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func isNumeric(v any) bool {
	switch v.(type) {
	case json.Number, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}
