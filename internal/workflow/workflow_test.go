package workflow

import (
	"errors"
	"testing"
)

func TestWorkflowValidate(t *testing.T) {
	t.Run("Valid Graph", func(t *testing.T) {
		w := linearWorkflow("a", "b", "c")
		if err := w.Validate(); err != nil {
			t.Fatalf("Expected valid workflow, got %v", err)
		}
	})

	t.Run("Empty Graph", func(t *testing.T) {
		err := (&Workflow{ID: "wf"}).Validate()
		if !errors.Is(err, ErrEmptyGraph) {
			t.Errorf("Expected ErrEmptyGraph, got %v", err)
		}
	})

	t.Run("Duplicate Node IDs", func(t *testing.T) {
		w := &Workflow{
			ID:    "wf",
			Nodes: []Node{{ID: "a", Type: "noop"}, {ID: "a", Type: "noop"}},
		}
		var verr *ValidationError
		if err := w.Validate(); !errors.As(err, &verr) {
			t.Errorf("Expected ValidationError, got %v", err)
		}
	})

	t.Run("Missing Node Type", func(t *testing.T) {
		w := &Workflow{ID: "wf", Nodes: []Node{{ID: "a"}}}
		var verr *ValidationError
		if err := w.Validate(); !errors.As(err, &verr) {
			t.Errorf("Expected ValidationError, got %v", err)
		}
	})

	t.Run("Self Loop", func(t *testing.T) {
		w := &Workflow{
			ID:    "wf",
			Nodes: []Node{{ID: "a", Type: "noop"}},
			Edges: []Edge{{Source: "a", Target: "a"}},
		}
		if err := w.Validate(); err == nil {
			t.Error("Expected self-loop to fail validation")
		}
	})

	t.Run("Cycle", func(t *testing.T) {
		w := linearWorkflow("a", "b")
		w.Edges = append(w.Edges, Edge{Source: "b", Target: "a"})
		if err := w.Validate(); !errors.Is(err, ErrCycleDetected) {
			t.Errorf("Expected ErrCycleDetected, got %v", err)
		}
	})

	t.Run("Dangling Edge", func(t *testing.T) {
		w := linearWorkflow("a", "b")
		w.Edges = append(w.Edges, Edge{Source: "ghost", Target: "a"})
		if err := w.Validate(); !errors.Is(err, ErrDanglingEdge) {
			t.Errorf("Expected ErrDanglingEdge, got %v", err)
		}
	})

	t.Run("Bad Condition Operator", func(t *testing.T) {
		w := linearWorkflow("a", "b")
		w.Edges[0].Condition = &Condition{Field: "x", Operator: "approximates", Value: []byte(`1`)}
		var verr *ValidationError
		if err := w.Validate(); !errors.As(err, &verr) {
			t.Errorf("Expected ValidationError for unknown operator, got %v", err)
		}
	})

	t.Run("Bad Regex Pattern", func(t *testing.T) {
		w := linearWorkflow("a", "b")
		w.Edges[0].Condition = &Condition{Field: "x", Operator: OpRegex, Value: []byte(`"["`)}
		var verr *ValidationError
		if err := w.Validate(); !errors.As(err, &verr) {
			t.Errorf("Expected ValidationError for bad regex, got %v", err)
		}
	})
}

func TestNodeByID(t *testing.T) {
	w := linearWorkflow("a", "b")
	if n := w.NodeByID("b"); n == nil || n.ID != "b" {
		t.Errorf("Expected node b, got %v", n)
	}
	if n := w.NodeByID("ghost"); n != nil {
		t.Errorf("Expected nil for unknown node, got %v", n)
	}
}
