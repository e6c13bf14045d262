package vm

import (
	"math/big"

	"github.com/snapfuzz/snapfuzz/core/types"
)

// OpContext is the view of the executing frame handed to each middleware
// before an opcode dispatches. Middlewares may observe the frame, mutate the
// stack or memory, request a short-circuit of the pending call, or flag a
// control leak that aborts the frame cleanly.
type OpContext struct {
	PC       uint64
	Op       OpCode
	EVM      *EVM
	Contract *Contract
	Stack    *Stack
	Memory   *Memory
	Depth    int

	// Leak, when set by a middleware, aborts the frame before the opcode
	// executes and surfaces a ControlLeak outcome carrying the full
	// continuation.
	Leak *LeakRequest

	// ShortRet, when set on a CALL-family opcode, skips executing the callee:
	// the interpreter consumes the call arguments, writes ShortRet into the
	// return buffer and pushes success.
	ShortRet []byte
	Short    bool
}

// LeakRequest describes a CALL the reentrancy middleware diverted into a
// paused continuation instead of executing.
type LeakRequest struct {
	Target types.Address
	Input  []byte
	Value  *big.Int
}

// Middleware observes (and may mutate) the frame between opcode dispatches.
// The chain runs in registration order, once per opcode, before gas is
// charged.
type Middleware interface {
	Name() string
	Before(ctx *OpContext)
}

// runMiddlewares dispatches the configured middlewares in order, stopping
// early once one requests a leak.
func (evm *EVM) runMiddlewares(ctx *OpContext) {
	for _, m := range evm.middlewares {
		m.Before(ctx)
		if ctx.Leak != nil {
			return
		}
	}
}

// AddMiddleware appends a middleware to the chain.
func (evm *EVM) AddMiddleware(m Middleware) {
	evm.middlewares = append(evm.middlewares, m)
}

// Middlewares returns the registered chain, in dispatch order.
func (evm *EVM) Middlewares() []Middleware {
	return evm.middlewares
}
