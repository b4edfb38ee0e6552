package analysis

import "tether/pkg/ast"

// DPSCandidate represents a function eligible for DPS transformation.
type DPSCandidate struct {
	Name             string
	Params           []string
	ReturnType       string
	IsTailCall       bool
	BodyExpr         *ast.Value
	AccumulatorIndex int // index into Params carrying the running result, or -1
}

// DPSAnalyzer identifies DPS transformation opportunities.
type DPSAnalyzer struct {
	Candidates map[string]*DPSCandidate
	Registry   *SummaryRegistry
}

// NewDPSAnalyzer creates a new DPS analyzer.
func NewDPSAnalyzer(registry *SummaryRegistry) *DPSAnalyzer {
	return &DPSAnalyzer{
		Candidates: make(map[string]*DPSCandidate),
		Registry:   registry,
	}
}

// AnalyzeFunction checks if a function is a DPS candidate.
func (da *DPSAnalyzer) AnalyzeFunction(name string, params *ast.Value, body *ast.Value) *DPSCandidate {
	summary := da.Registry.Lookup(name)
	if summary == nil {
		return nil
	}

	// Must return fresh allocation.
	if summary.Return == nil || !summary.Return.IsFresh {
		return nil
	}

	// Must allocate O(n) or more.
	if summary.Allocations == 0 {
		return nil
	}

	// Check if tail-recursive.
	isTail := da.isTailRecursive(body, name)
	paramNames := dpsExtractParamNames(params)

	candidate := &DPSCandidate{
		Name:             name,
		Params:           paramNames,
		ReturnType:       "Obj",
		IsTailCall:       isTail,
		BodyExpr:         body,
		AccumulatorIndex: -1,
	}
	if isTail {
		candidate.AccumulatorIndex = da.findAccumulatorParam(body, name, paramNames)
	}

	da.Candidates[name] = candidate
	return candidate
}

// findAccumulatorParam takes the first self call in body and, when its
// argument list passes every parameter through unchanged except one (e.g.
// (loop xs (cons x acc)) over params (xs acc)), reports that parameter's
// index as the DPS destination slot. Returns -1 when there is no self call
// or when more than one argument differs, as in
// (loop (cdr xs) (cons (car xs) acc)).
func (da *DPSAnalyzer) findAccumulatorParam(body *ast.Value, fnName string, params []string) int {
	call := da.findSelfCall(body, fnName)
	if call == nil {
		return -1
	}
	args := call.Cdr
	changed := -1
	for i := range params {
		if args == nil || ast.IsNil(args) {
			break
		}
		arg := args.Car
		isSameParam := ast.IsSym(arg) && arg.Str == params[i]
		if !isSameParam {
			if changed != -1 {
				// More than one parameter changes across the call; no
				// single accumulator slot to single out.
				return -1
			}
			changed = i
		}
		args = args.Cdr
	}
	return changed
}

func (da *DPSAnalyzer) findSelfCall(expr *ast.Value, fnName string) *ast.Value {
	if expr == nil || ast.IsNil(expr) || !ast.IsCell(expr) {
		return nil
	}
	if ast.IsSym(expr.Car) && expr.Car.Str == fnName {
		return expr
	}
	if found := da.findSelfCall(expr.Car, fnName); found != nil {
		return found
	}
	return da.findSelfCall(expr.Cdr, fnName)
}

func dpsExtractParamNames(params *ast.Value) []string {
	var names []string
	for !ast.IsNil(params) && ast.IsCell(params) {
		param := params.Car
		if ast.IsSym(param) {
			names = append(names, param.Str)
		}
		params = params.Cdr
	}
	return names
}

func (da *DPSAnalyzer) isTailRecursive(body *ast.Value, fnName string) bool {
	return da.isInTailPosition(body, fnName, true)
}

func (da *DPSAnalyzer) isInTailPosition(expr *ast.Value, fnName string, isTail bool) bool {
	if expr == nil || ast.IsNil(expr) {
		return false
	}

	if !ast.IsCell(expr) {
		return false
	}

	if ast.IsSym(expr.Car) {
		switch expr.Car.Str {
		case fnName:
			return isTail
		case "if":
			if expr.Cdr == nil || expr.Cdr.Cdr == nil || expr.Cdr.Cdr.Cdr == nil {
				return false
			}
			thenBranch := expr.Cdr.Cdr.Car
			elseBranch := expr.Cdr.Cdr.Cdr.Car
			return da.isInTailPosition(thenBranch, fnName, isTail) ||
				da.isInTailPosition(elseBranch, fnName, isTail)
		case "let", "letrec":
			if expr.Cdr == nil || expr.Cdr.Cdr == nil {
				return false
			}
			bodyExpr := expr.Cdr.Cdr.Car
			return da.isInTailPosition(bodyExpr, fnName, isTail)
		case "do":
			last := expr.Cdr
			for last != nil && ast.IsCell(last.Cdr) && !ast.IsNil(last.Cdr) {
				last = last.Cdr
			}
			if last == nil || ast.IsNil(last) {
				return false
			}
			return da.isInTailPosition(last.Car, fnName, isTail)
		}
	}

	return false
}
