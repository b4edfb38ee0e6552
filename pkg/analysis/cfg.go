package analysis

import "tether/pkg/ast"

// NodeKind classifies a CFG node by the control-flow role of its expression.
type NodeKind int

const (
	NodeSeq NodeKind = iota
	NodeEntry
	NodeExit
	NodeBranch      // if: splits into then/else successors
	NodeJoin        // merge point after a branch
	NodeLoopHeader  // re-entered on each iteration
	NodeLoopBackedge
	NodeReturn
)

// CFGNode is one program point in the control-flow graph built over an AST.
type CFGNode struct {
	ID         int
	Kind       NodeKind
	Expr       *ast.Value // nil for Entry/Exit
	Use        map[string]bool
	Def        map[string]bool
	Succ       []*CFGNode
	Pred       []*CFGNode
	LiveIn     map[string]bool
	LiveOut    map[string]bool
}

// CFG is a control-flow graph over a single function/expression body.
type CFG struct {
	Nodes []*CFGNode
	Entry *CFGNode
	Exit  *CFGNode
}

func newCFGNode(id int, kind NodeKind, expr *ast.Value) *CFGNode {
	return &CFGNode{
		ID:   id,
		Kind: kind,
		Expr: expr,
		Use:  make(map[string]bool),
		Def:  make(map[string]bool),
	}
}

func (n *CFGNode) addSucc(s *CFGNode) {
	n.Succ = append(n.Succ, s)
	s.Pred = append(s.Pred, n)
}

// cfgBuilder threads node allocation while walking the AST.
type cfgBuilder struct {
	cfg    *CFG
	nextID int
}

// BuildCFG builds a control-flow graph for a function body over params.
// The Entry node's Def set contains the parameter names (spec 4.3: "def[n] =
// variables bound at n, including parameters at Entry").
func BuildCFG(body *ast.Value, params []string) *CFG {
	b := &cfgBuilder{cfg: &CFG{}}
	entry := b.newNode(NodeEntry, nil)
	for _, p := range params {
		entry.Def[p] = true
	}
	exit := b.newNode(NodeExit, nil)
	b.cfg.Entry = entry
	b.cfg.Exit = exit

	last := b.build(body, entry)
	last.addSucc(exit)
	return b.cfg
}

func (b *cfgBuilder) newNode(kind NodeKind, expr *ast.Value) *CFGNode {
	n := newCFGNode(b.nextID, kind, expr)
	b.nextID++
	b.cfg.Nodes = append(b.cfg.Nodes, n)
	return n
}

// build appends node(s) for expr after pred, returning the new frontier node
// that later code should chain from.
func (b *cfgBuilder) build(expr *ast.Value, pred *CFGNode) *CFGNode {
	if expr == nil || ast.IsNil(expr) {
		return pred
	}

	if ast.IsSym(expr) {
		n := b.newNode(NodeSeq, expr)
		n.Use[expr.Str] = true
		pred.addSucc(n)
		return n
	}

	if !ast.IsCell(expr) {
		n := b.newNode(NodeSeq, expr)
		pred.addSucc(n)
		return n
	}

	op := expr.Car
	args := expr.Cdr

	if ast.IsSym(op) {
		switch op.Str {
		case "if":
			cond := args.Car
			thenExpr := args.Cdr.Car
			var elseExpr *ast.Value
			if args.Cdr.Cdr != nil && !ast.IsNil(args.Cdr.Cdr) {
				elseExpr = args.Cdr.Cdr.Car
			}

			condNode := b.build(cond, pred)
			branch := b.newNode(NodeBranch, expr)
			condNode.addSucc(branch)

			thenOut := b.build(thenExpr, branch)
			elseOut := b.build(elseExpr, branch)

			join := b.newNode(NodeJoin, nil)
			thenOut.addSucc(join)
			elseOut.addSucc(join)
			return join

		case "let", "letrec":
			bindings := args.Car
			cur := pred
			for bd := bindings; !ast.IsNil(bd) && ast.IsCell(bd); bd = bd.Cdr {
				binding := bd.Car
				if !ast.IsCell(binding) {
					continue
				}
				valOut := b.build(binding.Cdr.Car, cur)
				if ast.IsSym(binding.Car) {
					defNode := b.newNode(NodeSeq, binding)
					defNode.Def[binding.Car.Str] = true
					valOut.addSucc(defNode)
					cur = defNode
				} else {
					cur = valOut
				}
			}
			if args.Cdr != nil && !ast.IsNil(args.Cdr) {
				cur = b.build(args.Cdr.Car, cur)
			}
			return cur

		case "lambda":
			// A lambda literal captures its free variables but does not
			// itself branch the enclosing function's control flow.
			n := b.newNode(NodeSeq, expr)
			for _, v := range FindFreeVars(expr, map[string]bool{}) {
				n.Use[v] = true
			}
			pred.addSucc(n)
			return n

		case "loop", "for-each", "map", "fold", "filter":
			header := b.newNode(NodeLoopHeader, expr)
			pred.addSucc(header)
			for a := args; !ast.IsNil(a) && ast.IsCell(a); a = a.Cdr {
				if ast.IsSym(a.Car) {
					header.Use[a.Car.Str] = true
				}
			}
			body := b.build(args.Car, header)
			backedge := b.newNode(NodeLoopBackedge, nil)
			body.addSucc(backedge)
			backedge.addSucc(header)
			exit := b.newNode(NodeSeq, nil)
			header.addSucc(exit)
			return exit
		}
	}

	// Default: sequential evaluation of operator then arguments, each a use.
	n := b.newNode(NodeSeq, expr)
	if ast.IsSym(op) {
		n.Use[op.Str] = true
	}
	for a := args; !ast.IsNil(a) && ast.IsCell(a); a = a.Cdr {
		if ast.IsSym(a.Car) {
			n.Use[a.Car.Str] = true
		}
	}
	pred.addSucc(n)
	return n
}

// ComputeLiveness runs the standard backward dataflow from spec 4.3:
//
//	live_in[n]  = use[n] ∪ (live_out[n] \ def[n])
//	live_out[n] = ⋃ live_in[s] over successors s
//
// iterating to a fixed point.
func (cfg *CFG) ComputeLiveness() {
	for _, n := range cfg.Nodes {
		n.LiveIn = make(map[string]bool)
		n.LiveOut = make(map[string]bool)
	}

	changed := true
	for changed {
		changed = false
		for i := len(cfg.Nodes) - 1; i >= 0; i-- {
			n := cfg.Nodes[i]

			newOut := make(map[string]bool)
			for _, s := range n.Succ {
				for v := range s.LiveIn {
					newOut[v] = true
				}
			}

			newIn := make(map[string]bool)
			for v := range n.Use {
				newIn[v] = true
			}
			for v := range newOut {
				if !n.Def[v] {
					newIn[v] = true
				}
			}

			if !setEq(newIn, n.LiveIn) || !setEq(newOut, n.LiveOut) {
				n.LiveIn = newIn
				n.LiveOut = newOut
				changed = true
			}
		}
	}
}

func setEq(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// FreePointInfo names a node where a variable's binding becomes dead: the
// node is in the variable's live_in set but not its live_out set.
type FreePointInfo struct {
	VarName    string
	NodeID     int
	MustFree   bool
	IsAtomic   bool // Ownership = Shared: emit atomic decrement instead of a free
}

// ComputeFreePoints finds, per spec 4.3, the smallest set of nodes N such
// that v is live-in but not live-out at each n in N. mustFree/shared come
// from the ownership pass: a variable with must_free = false never gets an
// emitted free point, and one with Shared ownership gets an atomic
// decrement instead of a plain free.
func (cfg *CFG) ComputeFreePoints(mustFree map[string]bool, shared map[string]bool) []FreePointInfo {
	var points []FreePointInfo
	for _, n := range cfg.Nodes {
		for v := range n.LiveIn {
			if n.LiveOut[v] {
				continue
			}
			if mustFree != nil && !mustFree[v] {
				continue
			}
			points = append(points, FreePointInfo{
				VarName:  v,
				NodeID:   n.ID,
				MustFree: true,
				IsAtomic: shared != nil && shared[v],
			})
		}
	}
	return points
}

// LivenessContext caches one CFG per analyzed function so codegen can ask
// for free points and loop borrows without rebuilding the graph on every
// query. It is the C5 counterpart to SummaryAnalyzer's per-function cache.
type LivenessContext struct {
	cfgs map[string]*CFG
}

func NewLivenessContext() *LivenessContext {
	return &LivenessContext{cfgs: make(map[string]*CFG)}
}

// AnalyzeFunction builds and caches the CFG for name, computing liveness.
func (lc *LivenessContext) AnalyzeFunction(name string, body *ast.Value, params []string) *CFG {
	cfg := BuildCFG(body, params)
	cfg.ComputeLiveness()
	lc.cfgs[name] = cfg
	return cfg
}

func (lc *LivenessContext) CFGFor(name string) *CFG {
	return lc.cfgs[name]
}

// FreePointsFor returns the cached function's free points, or nil if the
// function was never analyzed.
func (lc *LivenessContext) FreePointsFor(name string, mustFree, shared map[string]bool) []FreePointInfo {
	cfg := lc.cfgs[name]
	if cfg == nil {
		return nil
	}
	return cfg.ComputeFreePoints(mustFree, shared)
}

// LoopBorrowsFor returns the cached function's inferred loop borrows.
func (lc *LivenessContext) LoopBorrowsFor(name string, ownership *OwnershipContext, shapes *ShapeContext) []LoopBorrow {
	cfg := lc.cfgs[name]
	if cfg == nil {
		return nil
	}
	return cfg.InferLoopBorrows(ownership, shapes)
}

// LoopBorrow describes a borrow of a looping primitive's collection argument
// that must be held live from the loop header through the loop exit.
type LoopBorrow struct {
	VarName     string
	HeaderID    int
	ExitID      int
	NeedsTether bool
}

// InferLoopBorrows implements spec 4.3's borrow inference: for each looping
// primitive whose collection argument is a Local with shape Tree or DAG,
// insert a borrow spanning the loop header to the loop exit with
// needs_tether = true (codegen must emit a tether acquire at the header and
// a release at the exit on every normal and exceptional path).
func (cfg *CFG) InferLoopBorrows(ownership *OwnershipContext, shapes *ShapeContext) []LoopBorrow {
	var borrows []LoopBorrow

	for _, header := range cfg.Nodes {
		if header.Kind != NodeLoopHeader {
			continue
		}

		var exit *CFGNode
		for _, s := range header.Succ {
			if s.Kind != NodeLoopBackedge {
				exit = s
			}
		}
		if exit == nil {
			continue
		}

		for v := range header.Use {
			if ownership != nil {
				info := ownership.Owners[v]
				if info == nil || info.Class != OwnerLocal {
					continue
				}
			}
			if shapes != nil {
				si := shapes.FindShape(v)
				if si == nil || (si.Shape != ShapeTree && si.Shape != ShapeDAG) {
					continue
				}
			}
			borrows = append(borrows, LoopBorrow{
				VarName:     v,
				HeaderID:    header.ID,
				ExitID:      exit.ID,
				NeedsTether: true,
			})
		}
	}

	return borrows
}
