package analysis

import (
	"tether/pkg/ast"
)

// EscapeClass classifies how a variable's value escapes its defining scope.
type EscapeClass int

const (
	EscapeNone      EscapeClass = iota // does not escape; stack/pool eligible
	EscapeReturn                       // flows out through a function return
	EscapeCapture                      // captured by a lambda closure
	EscapeHeapStore                    // stored into a heap object field
	EscapeArg                          // passed as an argument that outlives the call
	EscapeGlobal                       // reachable from a top-level/global binding
)

func (e EscapeClass) String() string {
	switch e {
	case EscapeReturn:
		return "return"
	case EscapeCapture:
		return "capture"
	case EscapeHeapStore:
		return "heap-store"
	case EscapeArg:
		return "arg"
	case EscapeGlobal:
		return "global"
	default:
		return "none"
	}
}

// VarUsage is the process-wide record kept for one variable name: how often
// it is referenced, whether a lambda captures it, and the strongest escape
// classification observed for it.
type VarUsage struct {
	Name             string
	UseCount         int
	CapturedByLambda bool
	Escape           EscapeClass
	LastUseDepth     int // Nesting depth of the last syntactic reference seen
}

// AnalysisContext is the process-wide registry that the ownership, shape,
// region, reuse, RC-elision and concurrency passes all read from and write
// into. Each sub-pass keeps its own table (OwnershipContext, ShapeContext,
// RegionAnalyzer, SummaryRegistry, ...); AnalysisContext is where their
// shared variable-usage and escape facts live so a later pass never needs to
// re-walk the tree to ask "does this escape".
type AnalysisContext struct {
	Vars map[string]*VarUsage

	Ownership *OwnershipContext
	Shapes    *ShapeContext
	Regions   *RegionAnalyzer
	Functions *SummaryRegistry
}

// NewAnalysisContext creates an empty, process-wide analysis context.
func NewAnalysisContext() *AnalysisContext {
	return &AnalysisContext{
		Vars: make(map[string]*VarUsage),
	}
}

// AddVar registers a variable for usage/escape tracking.
func (ctx *AnalysisContext) AddVar(name string) {
	if _, ok := ctx.Vars[name]; ok {
		return
	}
	ctx.Vars[name] = &VarUsage{Name: name}
}

// FindVar looks up the usage record for a variable, or nil if untracked.
func (ctx *AnalysisContext) FindVar(name string) *VarUsage {
	return ctx.Vars[name]
}

// AttachOwnership wires a shared OwnershipContext into this registry.
func (ctx *AnalysisContext) AttachOwnership(o *OwnershipContext) { ctx.Ownership = o }

// AttachShapes wires a shared ShapeContext into this registry.
func (ctx *AnalysisContext) AttachShapes(s *ShapeContext) { ctx.Shapes = s }

// AttachRegions wires a shared RegionAnalyzer into this registry.
func (ctx *AnalysisContext) AttachRegions(r *RegionAnalyzer) { ctx.Regions = r }

// AttachFunctions wires a shared SummaryRegistry into this registry.
func (ctx *AnalysisContext) AttachFunctions(f *SummaryRegistry) { ctx.Functions = f }

// AnalyzeExpr walks expr counting references to tracked variables and
// marking which of them are captured by an enclosing lambda.
func (ctx *AnalysisContext) AnalyzeExpr(expr *ast.Value) {
	ctx.walkDepth(expr, false, map[string]bool{}, 0)
}

func copyBoolSet(m map[string]bool) map[string]bool {
	n := make(map[string]bool, len(m)+1)
	for k, v := range m {
		n[k] = v
	}
	return n
}

func (ctx *AnalysisContext) walkDepth(expr *ast.Value, inLambda bool, bound map[string]bool, depth int) {
	if expr == nil || ast.IsNil(expr) {
		return
	}

	switch expr.Tag {
	case ast.TSym:
		usage, ok := ctx.Vars[expr.Str]
		if !ok {
			return
		}
		usage.UseCount++
		usage.LastUseDepth = depth
		if inLambda && !bound[expr.Str] {
			usage.CapturedByLambda = true
		}
		return

	case ast.TCell:
		op := expr.Car
		args := expr.Cdr

		if ast.IsSym(op) {
			switch op.Str {
			case "lambda":
				params := args.Car
				newBound := copyBoolSet(bound)
				for p := params; !ast.IsNil(p) && ast.IsCell(p); p = p.Cdr {
					if ast.IsSym(p.Car) {
						newBound[p.Car.Str] = true
					}
				}
				for b := args.Cdr; b != nil && !ast.IsNil(b) && ast.IsCell(b); b = b.Cdr {
					ctx.walkDepth(b.Car, true, newBound, depth+1)
				}
				return

			case "let", "letrec":
				bindings := args.Car
				newBound := copyBoolSet(bound)
				if op.Str == "letrec" {
					for b := bindings; !ast.IsNil(b) && ast.IsCell(b); b = b.Cdr {
						binding := b.Car
						if ast.IsCell(binding) && ast.IsSym(binding.Car) {
							newBound[binding.Car.Str] = true
						}
					}
				}
				for b := bindings; !ast.IsNil(b) && ast.IsCell(b); b = b.Cdr {
					binding := b.Car
					if !ast.IsCell(binding) {
						continue
					}
					ctx.walkDepth(binding.Cdr.Car, inLambda, newBound, depth+1)
					if ast.IsSym(binding.Car) {
						newBound[binding.Car.Str] = true
					}
				}
				if args.Cdr != nil && !ast.IsNil(args.Cdr) {
					ctx.walkDepth(args.Cdr.Car, inLambda, newBound, depth+1)
				}
				return
			}
		}

		ctx.walkDepth(op, inLambda, bound, depth)
		for a := args; a != nil && !ast.IsNil(a) && ast.IsCell(a); a = a.Cdr {
			ctx.walkDepth(a.Car, inLambda, bound, depth)
		}
	}
}

// AnalyzeEscape marks the variable(s) produced in tail position of expr with
// the given escape classification. A top-level form passed to AnalyzeEscape
// with EscapeGlobal models "this expression's value is bound at module
// scope"; a return-statement body passed with EscapeReturn models "this
// expression's value flows out through the enclosing function's return".
func (ctx *AnalysisContext) AnalyzeEscape(expr *ast.Value, class EscapeClass) {
	tail := ctx.tailSymbol(expr)
	if tail == "" {
		return
	}
	if usage, ok := ctx.Vars[tail]; ok {
		if class > usage.Escape {
			usage.Escape = class
		}
	}
}

// tailSymbol returns the variable name in tail/result position of expr, if
// any can be determined structurally.
func (ctx *AnalysisContext) tailSymbol(expr *ast.Value) string {
	if expr == nil || ast.IsNil(expr) {
		return ""
	}
	if ast.IsSym(expr) {
		return expr.Str
	}
	if !ast.IsCell(expr) {
		return ""
	}
	op := expr.Car
	args := expr.Cdr
	if ast.IsSym(op) {
		switch op.Str {
		case "let", "letrec":
			if args.Cdr != nil && !ast.IsNil(args.Cdr) {
				return ctx.tailSymbol(args.Cdr.Car)
			}
		case "do":
			last := (*ast.Value)(nil)
			for a := args; !ast.IsNil(a) && ast.IsCell(a); a = a.Cdr {
				last = a.Car
			}
			return ctx.tailSymbol(last)
		case "if":
			// Conservative: an if's result is not traced into either arm.
			return ""
		}
	}
	return ""
}

// FindFreeVars returns the names referenced in expr that are not present in
// bound, each listed at most once, in first-occurrence order.
func FindFreeVars(expr *ast.Value, bound map[string]bool) []string {
	seen := make(map[string]bool)
	var free []string

	var walk func(e *ast.Value, bound map[string]bool)
	walk = func(e *ast.Value, bound map[string]bool) {
		if e == nil || ast.IsNil(e) {
			return
		}
		switch e.Tag {
		case ast.TSym:
			if !bound[e.Str] && !seen[e.Str] {
				seen[e.Str] = true
				free = append(free, e.Str)
			}
		case ast.TCell:
			op := e.Car
			args := e.Cdr
			if ast.IsSym(op) {
				switch op.Str {
				case "lambda":
					params := args.Car
					inner := copyBoolSet(bound)
					for p := params; !ast.IsNil(p) && ast.IsCell(p); p = p.Cdr {
						if ast.IsSym(p.Car) {
							inner[p.Car.Str] = true
						}
					}
					for b := args.Cdr; b != nil && !ast.IsNil(b) && ast.IsCell(b); b = b.Cdr {
						walk(b.Car, inner)
					}
					return
				case "let", "letrec":
					bindings := args.Car
					inner := copyBoolSet(bound)
					if op.Str == "letrec" {
						for b := bindings; !ast.IsNil(b) && ast.IsCell(b); b = b.Cdr {
							binding := b.Car
							if ast.IsCell(binding) && ast.IsSym(binding.Car) {
								inner[binding.Car.Str] = true
							}
						}
					}
					for b := bindings; !ast.IsNil(b) && ast.IsCell(b); b = b.Cdr {
						binding := b.Car
						if !ast.IsCell(binding) {
							continue
						}
						walk(binding.Cdr.Car, inner)
						if ast.IsSym(binding.Car) {
							inner[binding.Car.Str] = true
						}
					}
					if args.Cdr != nil && !ast.IsNil(args.Cdr) {
						walk(args.Cdr.Car, inner)
					}
					return
				}
			}
			walk(op, bound)
			for a := args; a != nil && !ast.IsNil(a) && ast.IsCell(a); a = a.Cdr {
				walk(a.Car, bound)
			}
		}
	}

	walk(expr, bound)
	return free
}
