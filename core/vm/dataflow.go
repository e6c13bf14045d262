package vm

import (
	"github.com/snapfuzz/snapfuzz/core/types"
)

// StorageSlot identifies one storage slot of one account.
type StorageSlot struct {
	Addr types.Address
	Key  types.Hash
}

// TaintedCall records one outgoing CALL or CALLCODE, with flags for whether
// its target and value were derived from calldata. The arbitrary-call oracle
// consumes these.
type TaintedCall struct {
	Site          CmpSite
	Target        types.Address
	TargetTainted bool
	ValueTainted  bool
}

// DataflowMiddleware maintains a shadow taint stack per call depth: words
// loaded from calldata are tainted, arithmetic propagates taint, and tainted
// SSTOREs / CALL targets are flagged.
//
// The shadow is updated lazily: each opcode's stack effect is applied at the
// next pre-dispatch callback of the same depth, then the shadow is re-synced
// against the live stack so frames entered and left between callbacks cannot
// desynchronise it.
type DataflowMiddleware struct {
	shadow  map[int][]bool
	pending map[int]func([]bool) []bool

	writes map[StorageSlot]bool
	calls  []TaintedCall
}

// NewDataflowMiddleware returns an empty taint tracker.
func NewDataflowMiddleware() *DataflowMiddleware {
	return &DataflowMiddleware{
		shadow:  make(map[int][]bool),
		pending: make(map[int]func([]bool) []bool),
		writes:  make(map[StorageSlot]bool),
	}
}

func (m *DataflowMiddleware) Name() string { return "dataflow" }

func (m *DataflowMiddleware) Before(ctx *OpContext) {
	d := ctx.Depth
	sh := m.shadow[d]
	if p := m.pending[d]; p != nil {
		sh = p(sh)
		delete(m.pending, d)
	}
	sh = syncShadow(sh, ctx.Stack.Len())

	op := ctx.Op
	n := len(sh)

	// Flag taint sinks before dispatch, while operands are observable.
	switch op {
	case SSTORE:
		// Back(1) is the value; a tainted slot key also counts.
		if n >= 2 && (sh[n-1] || sh[n-2]) {
			key := types.BigToHash(ctx.Stack.Back(0))
			m.writes[StorageSlot{Addr: ctx.Contract.Address, Key: key}] = true
		}
	case CALL, CALLCODE:
		if n >= 3 {
			m.calls = append(m.calls, TaintedCall{
				Site:          CmpSite{Code: ctx.Contract.CodeAddress, PC: ctx.PC},
				Target:        types.BigToAddress(ctx.Stack.Back(1)),
				TargetTainted: sh[n-2],
				ValueTainted:  sh[n-3],
			})
		}
	}

	// Queue the stack effect of this opcode for the next callback.
	m.pending[d] = taintEffect(op, sh)
	m.shadow[d] = sh
}

// syncShadow pads or truncates the shadow to match the live stack height.
func syncShadow(sh []bool, want int) []bool {
	for len(sh) < want {
		sh = append(sh, false)
	}
	if len(sh) > want {
		sh = sh[:want]
	}
	return sh
}

// taintEffect returns the post-execution shadow transformation for op given
// the pre-execution shadow sh.
func taintEffect(op OpCode, pre []bool) func([]bool) []bool {
	n := len(pre)
	top := func(i int) bool {
		if n-1-i >= 0 && n-1-i < n {
			return pre[n-1-i]
		}
		return false
	}

	switch {
	case op == CALLDATALOAD:
		// 1 pop, 1 push: the loaded word is calldata-derived.
		return func(sh []bool) []bool { return replaceTop(sh, 1, true) }

	case op == ADD, op == MUL, op == SUB, op == DIV, op == SDIV,
		op == MOD, op == SMOD, op == EXP, op == SIGNEXTEND,
		op == LT, op == GT, op == SLT, op == SGT, op == EQ,
		op == AND, op == OR, op == XOR, op == BYTE,
		op == SHL, op == SHR, op == SAR:
		t := top(0) || top(1)
		return func(sh []bool) []bool { return replaceTop(sh, 2, t) }

	case op == ADDMOD, op == MULMOD:
		t := top(0) || top(1) || top(2)
		return func(sh []bool) []bool { return replaceTop(sh, 3, t) }

	case op == ISZERO, op == NOT:
		t := top(0)
		return func(sh []bool) []bool { return replaceTop(sh, 1, t) }

	case op >= DUP1 && op <= DUP16:
		idx := int(op - DUP1)
		t := top(idx)
		return func(sh []bool) []bool { return append(sh, t) }

	case op >= SWAP1 && op <= SWAP16:
		idx := int(op - SWAP1 + 1)
		return func(sh []bool) []bool {
			if len(sh) > idx {
				last := len(sh) - 1
				sh[last], sh[last-idx] = sh[last-idx], sh[last]
			}
			return sh
		}

	default:
		// Everything else is handled by the re-sync against the live stack:
		// new words arrive untainted.
		return nil
	}
}

// replaceTop pops n entries and pushes one with taint t.
func replaceTop(sh []bool, n int, t bool) []bool {
	if len(sh) >= n {
		sh = sh[:len(sh)-n]
	} else {
		sh = sh[:0]
	}
	return append(sh, t)
}

// TaintedWrites returns the storage slots written under calldata influence
// since the last Reset.
func (m *DataflowMiddleware) TaintedWrites() map[StorageSlot]bool {
	return m.writes
}

// TaintedCalls returns the outgoing calls observed since the last Reset.
func (m *DataflowMiddleware) TaintedCalls() []TaintedCall {
	return m.calls
}

// TaintOfCondition reports whether the JUMPI condition (second stack item)
// is calldata-derived. The concolic middleware uses this to decide which
// branches are symbolic.
func (m *DataflowMiddleware) TaintOfCondition(ctx *OpContext) bool {
	sh := m.shadow[ctx.Depth]
	if len(sh) >= 2 {
		return sh[len(sh)-2]
	}
	return false
}

// Reset clears all per-run taint state.
func (m *DataflowMiddleware) Reset() {
	m.shadow = make(map[int][]bool)
	m.pending = make(map[int]func([]bool) []bool)
	m.writes = make(map[StorageSlot]bool)
	m.calls = nil
}
