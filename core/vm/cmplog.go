package vm

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/snapfuzz/snapfuzz/core/types"
)

// CmpSite identifies one comparison instruction in one contract.
type CmpSite struct {
	Code types.Address
	PC   uint64
}

// CmpObservation records the operand pair of a comparison-like opcode along
// with its arithmetic distance, used to bias the mutator toward satisfying
// hard equality and ordering checks.
type CmpObservation struct {
	Site     CmpSite
	Op       OpCode
	Lhs      *big.Int
	Rhs      *big.Int
	Distance *uint256.Int
}

// CmpLogMiddleware watches EQ, LT, GT, SLT, SGT and SUB and records operand
// pairs with their distance.
type CmpLogMiddleware struct {
	obs []CmpObservation
}

// NewCmpLogMiddleware returns an empty comparison recorder.
func NewCmpLogMiddleware() *CmpLogMiddleware {
	return &CmpLogMiddleware{}
}

func (m *CmpLogMiddleware) Name() string { return "cmplog" }

func (m *CmpLogMiddleware) Before(ctx *OpContext) {
	switch ctx.Op {
	case EQ, LT, GT, SLT, SGT, SUB:
	default:
		return
	}
	if ctx.Stack.Len() < 2 {
		return
	}
	a := new(big.Int).Set(ctx.Stack.Back(0))
	b := new(big.Int).Set(ctx.Stack.Back(1))

	// Skip trivially small operand pairs: they carry no guidance.
	if a.BitLen() <= 1 && b.BitLen() <= 1 {
		return
	}

	m.obs = append(m.obs, CmpObservation{
		Site:     CmpSite{Code: ctx.Contract.CodeAddress, PC: ctx.PC},
		Op:       ctx.Op,
		Lhs:      a,
		Rhs:      b,
		Distance: cmpDistance(a, b),
	})
}

// cmpDistance returns |a-b| saturated to 256 bits.
func cmpDistance(a, b *big.Int) *uint256.Int {
	diff := new(big.Int).Sub(a, b)
	diff.Abs(diff)
	d, overflow := uint256.FromBig(diff)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return d
}

// Observations returns the comparisons recorded since the last Reset.
func (m *CmpLogMiddleware) Observations() []CmpObservation {
	return m.obs
}

// Reset clears the per-run observation list.
func (m *CmpLogMiddleware) Reset() {
	m.obs = m.obs[:0]
}
