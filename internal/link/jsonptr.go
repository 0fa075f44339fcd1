package link

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/peti69/weaver/internal/unit"
	"github.com/peti69/weaver/internal/value"
)

// extractJSONPointer unmarshals raw and resolves pointer against it
// using RFC 6901 syntax (the pack carries no JSON-pointer library, so
// resolution is hand-rolled; see DESIGN.md). A resolved null yields
// value.UndefinedValue(); bool/string/number values map directly;
// anything else (object, array) is an unresolved-pointer error, matching
// the OBIS/regex siblings' "can't be resolved" behaviour.
func extractJSONPointer(raw, pointer string) (value.Value, error) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return value.Value{}, fmt.Errorf("json parse error: %w", err)
	}

	node, ok := resolveJSONPointer(doc, pointer)
	if !ok {
		return value.Value{}, fmt.Errorf("json pointer %s can't be resolved", pointer)
	}

	switch v := node.(type) {
	case nil:
		return value.UndefinedValue(), nil
	case bool:
		return value.NewBoolean(v), nil
	case string:
		return value.NewString(v), nil
	case float64:
		return value.NewNumber(v, unit.None), nil
	default:
		return value.Value{}, fmt.Errorf("json pointer %s can't be resolved", pointer)
	}
}

func resolveJSONPointer(doc any, pointer string) (any, bool) {
	if pointer == "" {
		return doc, true
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, false
	}
	cur := doc
	for _, tok := range strings.Split(pointer, "/")[1:] {
		tok = strings.ReplaceAll(tok, "~1", "/")
		tok = strings.ReplaceAll(tok, "~0", "~")
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[tok]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			cur = c[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
