package vm

import (
	"math/big"

	"github.com/snapfuzz/snapfuzz/core/types"
)

// FrameImage is the serialised-by-value state of one EVM frame, sufficient to
// resume it at its next instruction. Stack and memory are deep copies; no
// live pointer into a running frame survives in an image.
type FrameImage struct {
	Caller      types.Address
	Address     types.Address
	CodeAddress types.Address
	Code        []byte
	CodeHash    types.Hash
	Input       []byte
	Value       *big.Int
	Gas         uint64
	PC          uint64
	Stack       []*big.Int
	Memory      []byte
	ReadOnly    bool

	// Pending marks a frame whose in-flight subcall already consumed its
	// CALL arguments; RetOffset/RetSize locate the return buffer the subcall
	// result must be written to. The innermost frame of a fresh pause is
	// never pending: its CALL arguments are still on the stack.
	Pending   bool
	RetOffset uint64
	RetSize   uint64
	// GasForwarded is the gas the in-flight subcall had left when the leak
	// unwound through this frame; it is refunded on resumption. The innermost
	// frame records zero: its leaking CALL was never charged.
	GasForwarded uint64
}

// PausedFrame is a captured continuation: the frame chain (innermost first)
// at the moment control leaked into attacker-controlled code, plus the
// external call that caused the leak.
type PausedFrame struct {
	Frames []FrameImage

	ExternalTarget types.Address
	ExternalInput  []byte
	ExternalValue  *big.Int

	// ParentState is the content hash of the snapshot the pause was captured
	// from. Resumption runs against the current state, which is what gives
	// reentrancy its semantics; the hash exists for diagnostics and replay.
	ParentState types.Hash

	// Depth counts how many pauses are already stacked beneath this one.
	Depth int
}

// Copy deep-copies the pause so snapshots can store continuations by value.
func (p *PausedFrame) Copy() *PausedFrame {
	c := &PausedFrame{
		ExternalTarget: p.ExternalTarget,
		ParentState:    p.ParentState,
		Depth:          p.Depth,
	}
	c.ExternalInput = append([]byte(nil), p.ExternalInput...)
	if p.ExternalValue != nil {
		c.ExternalValue = new(big.Int).Set(p.ExternalValue)
	}
	c.Frames = make([]FrameImage, len(p.Frames))
	for i, f := range p.Frames {
		c.Frames[i] = f.copy()
	}
	return c
}

func (f FrameImage) copy() FrameImage {
	g := f
	g.Code = append([]byte(nil), f.Code...)
	g.Input = append([]byte(nil), f.Input...)
	g.Memory = append([]byte(nil), f.Memory...)
	if f.Value != nil {
		g.Value = new(big.Int).Set(f.Value)
	}
	g.Stack = make([]*big.Int, len(f.Stack))
	for i, v := range f.Stack {
		g.Stack[i] = new(big.Int).Set(v)
	}
	return g
}

// ControlLeakError carries a pause up through the recursive call chain. It is
// not an execution failure: the interpreter treats it as a first-class halt
// and each unwound frame appends its own image.
type ControlLeakError struct {
	Pause *PausedFrame
}

func (e *ControlLeakError) Error() string {
	return "control leak into " + e.Pause.ExternalTarget.Hex()
}

// captureFrame snapshots the currently executing frame. pending reports
// whether the frame's subcall arguments were already consumed.
func captureFrame(contract *Contract, pc uint64, stack *Stack, mem *Memory, readOnly bool, pending bool, retOffset, retSize, gasForwarded uint64) FrameImage {
	img := FrameImage{
		Caller:       contract.CallerAddress,
		Address:      contract.Address,
		CodeAddress:  contract.CodeAddress,
		Code:         append([]byte(nil), contract.Code...),
		CodeHash:     contract.CodeHash,
		Input:        append([]byte(nil), contract.Input...),
		Gas:          contract.Gas,
		PC:           pc,
		Stack:        stack.Image(),
		Memory:       mem.Image(),
		ReadOnly:     readOnly,
		Pending:      pending,
		RetOffset:    retOffset,
		RetSize:      retSize,
		GasForwarded: gasForwarded,
	}
	if contract.Value != nil {
		img.Value = new(big.Int).Set(contract.Value)
	}
	return img
}

// restoreFrame reconstitutes a contract, stack and memory from an image.
func restoreFrame(f FrameImage) (*Contract, *Stack, *Memory) {
	c := &Contract{
		CallerAddress: f.Caller,
		Address:       f.Address,
		CodeAddress:   f.CodeAddress,
		Code:          append([]byte(nil), f.Code...),
		CodeHash:      f.CodeHash,
		Input:         append([]byte(nil), f.Input...),
		Gas:           f.Gas,
	}
	if f.Value != nil {
		c.Value = new(big.Int).Set(f.Value)
	}
	return c, NewStackFromImage(f.Stack), NewMemoryFromImage(f.Memory)
}

// Resume picks up a paused continuation, feeding injected as the return data
// of the leaked external call. It completes the innermost frame first, then
// unwinds outward, writing each frame's subcall result into its return
// buffer. A nested control leak during resumption surfaces as a new
// ControlLeakError whose frame chain includes the not-yet-unwound outer
// frames of the original pause.
func (evm *EVM) Resume(pause *PausedFrame, injected []byte) ([]byte, uint64, error) {
	frames := pause.Frames
	if len(frames) == 0 {
		return nil, 0, ErrInvalidResume
	}

	var (
		ret     []byte
		err     error
		gasLeft uint64
	)

	// The innermost frame holds the leaking CALL's arguments on its stack.
	contract, stack, mem := restoreFrame(frames[0])
	retOffset, retSize := consumeCallArgs(frames[0], stack)
	contract.RefundGas(frames[0].GasForwarded)
	writeCallResult(mem, retOffset, retSize, injected)
	stack.Push(big.NewInt(1))
	evm.returnData = append([]byte(nil), injected...)

	ret, err = evm.resumeFrame(contract, stack, mem, frames[0], frames[1:], pause)
	gasLeft = contract.Gas

	if err != nil || len(frames) == 1 {
		return ret, gasLeft, err
	}

	// Unwind the outer frames, feeding each the completed subcall result.
	for i := 1; i < len(frames); i++ {
		f := frames[i]
		octr, ostack, omem := restoreFrame(f)
		octr.RefundGas(f.GasForwarded)
		writeCallResult(omem, f.RetOffset, f.RetSize, ret)
		ostack.Push(big.NewInt(1))
		evm.returnData = append([]byte(nil), ret...)
		ret, err = evm.resumeFrame(octr, ostack, omem, f, frames[i+1:], pause)
		gasLeft = octr.Gas
		if err != nil {
			return ret, gasLeft, err
		}
	}
	return ret, gasLeft, nil
}

// resumeFrame continues one frame past its paused CALL. A further control
// leak inside the frame is extended with the remaining outer frames so the
// new pause still resumes the whole chain.
func (evm *EVM) resumeFrame(contract *Contract, stack *Stack, mem *Memory, f FrameImage, outer []FrameImage, pause *PausedFrame) ([]byte, error) {
	prevReadOnly := evm.readOnly
	evm.readOnly = f.ReadOnly
	evm.depth++
	ret, err := evm.run(contract, f.PC+1, stack, mem)
	evm.depth--
	evm.readOnly = prevReadOnly

	var leak *ControlLeakError
	if asControlLeak(err, &leak) {
		for _, of := range outer {
			leak.Pause.Frames = append(leak.Pause.Frames, of.copy())
		}
		leak.Pause.Depth = pause.Depth + 1
	}
	return ret, err
}

// consumeCallArgs pops the 7 CALL operands captured on a leaking frame's
// stack and returns the return-buffer location.
func consumeCallArgs(f FrameImage, stack *Stack) (retOffset, retSize uint64) {
	if f.Pending {
		return f.RetOffset, f.RetSize
	}
	// gas, addr, value, argsOffset, argsLength, retOffset, retLength
	stack.Pop()
	stack.Pop()
	stack.Pop()
	stack.Pop()
	stack.Pop()
	ro := stack.Pop()
	rs := stack.Pop()
	return ro.Uint64(), rs.Uint64()
}

// writeCallResult copies ret into the caller's return buffer, truncated or
// zero-padded to retSize per CALL semantics.
func writeCallResult(mem *Memory, retOffset, retSize uint64, ret []byte) {
	if retSize == 0 {
		return
	}
	mem.Resize(retOffset + retSize)
	buf := make([]byte, retSize)
	copy(buf, ret)
	mem.Set(retOffset, retSize, buf)
}

// asControlLeak unwraps err into a *ControlLeakError if it is one.
func asControlLeak(err error, out **ControlLeakError) bool {
	if err == nil {
		return false
	}
	if cle, ok := err.(*ControlLeakError); ok {
		*out = cle
		return true
	}
	return false
}
