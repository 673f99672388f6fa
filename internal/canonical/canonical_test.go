package canonical

import "testing"

func TestHashKeyOrderIndependence(t *testing.T) {
	a, err := Hash(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	b, err := Hash(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if a != b {
		t.Errorf("hashes differ for key-reordered payloads: %s vs %s", a, b)
	}
}

func TestHashDetectsMutation(t *testing.T) {
	a, err := Hash(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	b, err := Hash(map[string]any{"a": 1, "b": 3})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if a == b {
		t.Error("hashes identical for distinct payloads")
	}
}

func TestHashNestedAndArrays(t *testing.T) {
	a, err := Hash(map[string]any{
		"outer": map[string]any{"y": 2, "x": 1},
		"list":  []any{"b", "a"},
	})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	b, err := Hash(map[string]any{
		"list":  []any{"b", "a"},
		"outer": map[string]any{"x": 1, "y": 2},
	})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if a != b {
		t.Error("nested key order changed the hash")
	}

	// Array order is significant.
	c, err := Hash(map[string]any{
		"outer": map[string]any{"x": 1, "y": 2},
		"list":  []any{"a", "b"},
	})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if a == c {
		t.Error("array reordering should change the hash")
	}
}

func TestHashStructAndMapAgree(t *testing.T) {
	type payload struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	s, err := Hash(payload{A: 1, B: 2})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	m, err := Hash(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if s != m {
		t.Errorf("struct and equivalent map hash differently: %s vs %s", s, m)
	}
}
