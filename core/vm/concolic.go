package vm

import "math/big"

// PathConstraint records one symbolic branch decision: a JUMPI whose
// condition was derived from calldata. Constraints are handed to an external
// solver; the middleware itself never blocks.
type PathConstraint struct {
	Site      CmpSite
	Taken     bool
	Condition *big.Int
	Dest      uint64
}

// ConcolicMiddleware shadows JUMPI instructions whose condition the dataflow
// middleware marked as calldata-derived.
type ConcolicMiddleware struct {
	taint       *DataflowMiddleware
	constraints []PathConstraint
}

// NewConcolicMiddleware builds the constraint recorder on top of the given
// taint tracker (which must run earlier in the chain).
func NewConcolicMiddleware(taint *DataflowMiddleware) *ConcolicMiddleware {
	return &ConcolicMiddleware{taint: taint}
}

func (m *ConcolicMiddleware) Name() string { return "concolic" }

func (m *ConcolicMiddleware) Before(ctx *OpContext) {
	if ctx.Op != JUMPI || ctx.Stack.Len() < 2 {
		return
	}
	if m.taint == nil || !m.taint.TaintOfCondition(ctx) {
		return
	}
	dest := ctx.Stack.Back(0)
	cond := ctx.Stack.Back(1)
	var destPC uint64
	if dest.BitLen() <= 64 {
		destPC = dest.Uint64()
	}
	m.constraints = append(m.constraints, PathConstraint{
		Site:      CmpSite{Code: ctx.Contract.CodeAddress, PC: ctx.PC},
		Taken:     cond.Sign() != 0,
		Condition: new(big.Int).Set(cond),
		Dest:      destPC,
	})
}

// Constraints returns the path constraints recorded since the last Reset.
func (m *ConcolicMiddleware) Constraints() []PathConstraint {
	return m.constraints
}

// Reset clears the per-run constraint list.
func (m *ConcolicMiddleware) Reset() {
	m.constraints = nil
}
