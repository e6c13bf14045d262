package vm

import "github.com/snapfuzz/snapfuzz/core/types"

// CoverageEdge is a (pc_from, pc_to) control-flow edge within one contract's
// code.
type CoverageEdge struct {
	Code types.Address
	From uint64
	To   uint64
}

// CoverageMiddleware records branch edges as execution passes JUMPI and
// JUMPDEST. The per-run edge set is merged into the fuzzer's global bitmap by
// the feedback pipeline.
type CoverageMiddleware struct {
	edges map[CoverageEdge]uint64
}

// NewCoverageMiddleware returns an empty coverage recorder.
func NewCoverageMiddleware() *CoverageMiddleware {
	return &CoverageMiddleware{edges: make(map[CoverageEdge]uint64)}
}

func (m *CoverageMiddleware) Name() string { return "coverage" }

func (m *CoverageMiddleware) Before(ctx *OpContext) {
	switch ctx.Op {
	case JUMPI:
		// Branch edge: the destination depends on the condition. Both
		// operands are still on the stack pre-dispatch.
		dest := ctx.Stack.Back(0)
		cond := ctx.Stack.Back(1)
		to := ctx.PC + 1
		if cond.Sign() != 0 && dest.BitLen() <= 64 {
			to = dest.Uint64()
		}
		m.hit(ctx.Contract.CodeAddress, ctx.PC, to)
	case JUMP:
		dest := ctx.Stack.Back(0)
		if dest.BitLen() <= 64 {
			m.hit(ctx.Contract.CodeAddress, ctx.PC, dest.Uint64())
		}
	case JUMPDEST:
		m.hit(ctx.Contract.CodeAddress, ctx.PC, ctx.PC)
	}
}

func (m *CoverageMiddleware) hit(code types.Address, from, to uint64) {
	m.edges[CoverageEdge{Code: code, From: from, To: to}]++
}

// Edges returns the edges recorded since the last Reset.
func (m *CoverageMiddleware) Edges() map[CoverageEdge]uint64 {
	return m.edges
}

// Reset clears the per-run edge set.
func (m *CoverageMiddleware) Reset() {
	m.edges = make(map[CoverageEdge]uint64)
}
