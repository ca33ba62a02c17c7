package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRenderFieldsPrintsTable(t *testing.T) {
	var buf bytes.Buffer
	err := renderFields(&buf, map[string]any{
		"public_key":  "pub",
		"private_key": "priv",
		"count":       3,
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "{") {
		t.Fatalf("expected table output, got JSON:\n%s", out)
	}
	for _, want := range []string{"FIELD", "VALUE", "public_key", "pub", "count", "3"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Index(out, "count") > strings.Index(out, "private_key") {
		t.Fatalf("rows not sorted:\n%s", out)
	}
}

func TestRenderFieldsFallsBackToJSONForNonObjects(t *testing.T) {
	var buf bytes.Buffer
	if err := renderFields(&buf, []string{"a", "b"}); err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "[") {
		t.Fatalf("expected JSON array, got:\n%s", buf.String())
	}
}

func TestFieldRowsFlattensNestedValues(t *testing.T) {
	rows, ok := fieldRows(struct {
		Name string         `json:"name"`
		Meta map[string]int `json:"meta"`
		Gone *string        `json:"gone"`
	}{Name: "x", Meta: map[string]int{"a": 1}})
	if !ok {
		t.Fatalf("expected object rows")
	}
	want := [][2]string{{"gone", ""}, {"meta", `{"a":1}`}, {"name", "x"}}
	if len(rows) != len(want) {
		t.Fatalf("rows = %v", rows)
	}
	for i := range want {
		if rows[i] != want[i] {
			t.Fatalf("row %d = %v, want %v", i, rows[i], want[i])
		}
	}
}
