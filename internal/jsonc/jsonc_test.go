package jsonc

import (
	"encoding/json"
	"testing"
)

func TestStripLineAndBlockComments(t *testing.T) {
	src := []byte(`{
		// a line comment
		"a": 1, /* inline */
		"b": "text // not a comment",
		"c": [1, 2, 3,],
	}`)
	var doc map[string]any
	if err := json.Unmarshal(Strip(src), &doc); err != nil {
		t.Fatalf("unmarshal after strip failed: %v", err)
	}
	if doc["a"] != 1.0 {
		t.Errorf("a = %v, want 1", doc["a"])
	}
	if doc["b"] != "text // not a comment" {
		t.Errorf("b = %q, comment marker inside a string must survive", doc["b"])
	}
	c, ok := doc["c"].([]any)
	if !ok || len(c) != 3 {
		t.Fatalf("c = %v, want a 3-element array", doc["c"])
	}
}

func TestStripTrailingCommaBeforeBrace(t *testing.T) {
	src := []byte(`{"a": 1,}`)
	var doc map[string]any
	if err := json.Unmarshal(Strip(src), &doc); err != nil {
		t.Fatalf("unmarshal after strip failed: %v", err)
	}
}
