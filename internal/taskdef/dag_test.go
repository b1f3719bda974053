package taskdef

import (
	"strings"
	"testing"
)

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func TestTopoSort_Diamond(t *testing.T) {
	names := []string{"D", "C", "B", "A"}
	after := map[string][]string{
		"B": {"A"},
		"C": {"A"},
		"D": {"B", "C"},
	}

	sorted, err := topoSort(names, after)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(sorted) != 4 {
		t.Fatalf("expected 4 nodes, got %v", sorted)
	}
	if indexOf(sorted, "A") >= indexOf(sorted, "B") || indexOf(sorted, "A") >= indexOf(sorted, "C") {
		t.Errorf("expected A before B and C, got %v", sorted)
	}
	if indexOf(sorted, "B") >= indexOf(sorted, "D") || indexOf(sorted, "C") >= indexOf(sorted, "D") {
		t.Errorf("expected B and C before D, got %v", sorted)
	}
}

func TestTopoSort_Cycle(t *testing.T) {
	names := []string{"a", "b", "c"}
	after := map[string][]string{
		"a": {"c"},
		"b": {"a"},
		"c": {"b"},
	}

	_, err := topoSort(names, after)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !strings.Contains(err.Error(), "circular dependency detected") {
		t.Errorf("unexpected error: %v", err)
	}
	if strings.Count(err.Error(), "->") != 3 {
		t.Errorf("expected a three-edge cycle path, got %v", err)
	}
}

func TestTopoSort_Empty(t *testing.T) {
	sorted, err := topoSort(nil, nil)
	if err != nil || sorted != nil {
		t.Fatalf("expected nil, nil; got %v, %v", sorted, err)
	}
}
