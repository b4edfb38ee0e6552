package analysis

import (
	"testing"

	"tether/pkg/ast"
	"tether/pkg/parser"
)

func parseCFGBody(t *testing.T, input string) *ast.Value {
	t.Helper()
	p := parser.New(input)
	expr, err := p.Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	return expr
}

func TestBuildCFGStraightLine(t *testing.T) {
	body := parseCFGBody(t, "(+ x y)")
	cfg := BuildCFG(body, []string{"x", "y"})

	if cfg.Entry == nil || cfg.Exit == nil {
		t.Fatal("expected Entry and Exit nodes")
	}
	if !cfg.Entry.Def["x"] || !cfg.Entry.Def["y"] {
		t.Error("Entry should define parameters x and y")
	}

	found := false
	for _, n := range cfg.Nodes {
		if n.Use["x"] && n.Use["y"] {
			found = true
		}
	}
	if !found {
		t.Error("expected a node using both x and y")
	}
}

func TestLivenessStraightLine(t *testing.T) {
	body := parseCFGBody(t, "(let ((z (+ x y))) z)")
	cfg := BuildCFG(body, []string{"x", "y"})
	cfg.ComputeLiveness()

	if !cfg.Entry.LiveOut["x"] || !cfg.Entry.LiveOut["y"] {
		t.Errorf("x and y should be live out of Entry, got %v", cfg.Entry.LiveOut)
	}
	if cfg.Exit.LiveIn["x"] || cfg.Exit.LiveIn["y"] {
		t.Error("x and y should be dead by Exit")
	}
}

func TestLivenessBranch(t *testing.T) {
	body := parseCFGBody(t, "(if c (+ x 1) (+ y 1))")
	cfg := BuildCFG(body, []string{"c", "x", "y"})
	cfg.ComputeLiveness()

	if !cfg.Entry.LiveOut["c"] {
		t.Error("c should be live out of Entry (used at the branch)")
	}
	if !cfg.Entry.LiveOut["x"] || !cfg.Entry.LiveOut["y"] {
		t.Error("both x and y must stay live past Entry since either arm may run")
	}
}

func TestFreePointsOnBranch(t *testing.T) {
	body := parseCFGBody(t, "(if c (+ x 1) (+ y 1))")
	cfg := BuildCFG(body, []string{"c", "x", "y"})
	cfg.ComputeLiveness()

	mustFree := map[string]bool{"c": true, "x": true, "y": true}
	points := cfg.ComputeFreePoints(mustFree, nil)

	freed := map[string]bool{}
	for _, p := range points {
		freed[p.VarName] = true
	}
	if !freed["x"] || !freed["y"] {
		t.Errorf("expected distinct frees for x and y on their own branch, got %+v", points)
	}
}

func TestFreePointsRespectMustFreeFalse(t *testing.T) {
	body := parseCFGBody(t, "(+ x 1)")
	cfg := BuildCFG(body, []string{"x"})
	cfg.ComputeLiveness()

	points := cfg.ComputeFreePoints(map[string]bool{"x": false}, nil)
	if len(points) != 0 {
		t.Errorf("expected no free points for must_free=false variable, got %+v", points)
	}
}

func TestFreePointsSharedIsAtomic(t *testing.T) {
	body := parseCFGBody(t, "(+ x 1)")
	cfg := BuildCFG(body, []string{"x"})
	cfg.ComputeLiveness()

	points := cfg.ComputeFreePoints(map[string]bool{"x": true}, map[string]bool{"x": true})
	if len(points) == 0 || !points[0].IsAtomic {
		t.Errorf("expected an atomic decrement free point for shared x, got %+v", points)
	}
}

func TestInferLoopBorrows(t *testing.T) {
	body := parseCFGBody(t, "(map f xs)")
	cfg := BuildCFG(body, []string{"f", "xs"})

	ownership := NewOwnershipContext(nil)
	ownership.DefineOwned("xs")

	shapes := NewShapeContext()
	shapes.AddShape("xs", ShapeTree)

	borrows := cfg.InferLoopBorrows(ownership, shapes)

	found := false
	for _, b := range borrows {
		if b.VarName == "xs" && b.NeedsTether {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a tethered loop borrow on xs, got %+v", borrows)
	}
}
