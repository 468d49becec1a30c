package model

import "testing"

type fakeNode struct {
	name string
	deps []string
}

func (f fakeNode) Name() string        { return f.name }
func (f fakeNode) DependsOn() []string { return f.deps }

func nodes(specs ...fakeNode) []dagNode {
	out := make([]dagNode, len(specs))
	for i, s := range specs {
		out[i] = s
	}
	return out
}

func TestCompileDAGTopologicalOrder(t *testing.T) {
	order, err := compileDAG(nodes(
		fakeNode{name: "c", deps: []string{"a", "b"}},
		fakeNode{name: "a"},
		fakeNode{name: "b", deps: []string{"a"}},
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos := map[string]int{}
	for i, n := range order {
		pos[n.Name()] = i
	}
	if pos["a"] >= pos["b"] || pos["b"] >= pos["c"] {
		t.Fatalf("expected order a, b, c; got positions %v", pos)
	}
}

func TestCompileDAGDetectsCycle(t *testing.T) {
	_, err := compileDAG(nodes(
		fakeNode{name: "x", deps: []string{"y"}},
		fakeNode{name: "y", deps: []string{"x"}},
	))
	if err == nil {
		t.Fatal("expected cycle error, got nil")
	}
}

func TestCompileDAGRejectsDuplicateNames(t *testing.T) {
	_, err := compileDAG(nodes(
		fakeNode{name: "a"},
		fakeNode{name: "a"},
	))
	if err == nil {
		t.Fatal("expected duplicate name error, got nil")
	}
}

func TestAffectedClosureRunsEachNodeAtMostOnce(t *testing.T) {
	order, err := compileDAG(nodes(
		fakeNode{name: "a"},
		fakeNode{name: "b", deps: []string{"a"}},
		fakeNode{name: "c", deps: []string{"b"}},
		fakeNode{name: "unrelated"},
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	affected := affectedClosure(map[string]bool{"a": true}, order)
	if len(affected) != 2 {
		t.Fatalf("expected 2 affected nodes, got %d: %v", len(affected), affected)
	}
	if affected[0].Name() != "b" || affected[1].Name() != "c" {
		t.Fatalf("expected [b, c] in order, got %v", affected)
	}
}

func TestAffectedClosureEmptyWhenNothingDepends(t *testing.T) {
	order, err := compileDAG(nodes(
		fakeNode{name: "a"},
		fakeNode{name: "b"},
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	affected := affectedClosure(map[string]bool{"a": true}, order)
	if len(affected) != 0 {
		t.Fatalf("expected no affected nodes, got %v", affected)
	}
}
