package vm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/snapfuzz/snapfuzz/core/types"
	"github.com/snapfuzz/snapfuzz/crypto"
)

// BlockContext provides the EVM with block-level information. Every snapshot
// carries its own block environment; nothing here is process-global.
type BlockContext struct {
	BlockNumber *big.Int
	Time        uint64
	Coinbase    types.Address
	GasLimit    uint64
	BaseFee     *big.Int
	PrevRandao  types.Hash
	ChainID     *big.Int
}

// TxContext provides the EVM with transaction-level information.
type TxContext struct {
	Origin   types.Address
	GasPrice *big.Int
}

// StateDB provides the EVM with access to world state. The interface is
// defined here to avoid a circular import with core/state; the fuzzer's
// working state implements it, including the known-storage bookkeeping the
// on-chain fetch middleware relies on.
type StateDB interface {
	CreateAccount(addr types.Address)
	GetBalance(addr types.Address) *big.Int
	AddBalance(addr types.Address, amount *big.Int)
	SubBalance(addr types.Address, amount *big.Int)
	GetNonce(addr types.Address) uint64
	SetNonce(addr types.Address, nonce uint64)
	GetCode(addr types.Address) []byte
	SetCode(addr types.Address, code []byte)
	GetCodeHash(addr types.Address) types.Hash
	GetCodeSize(addr types.Address) int

	GetState(addr types.Address, key types.Hash) types.Hash
	SetState(addr types.Address, key types.Hash, value types.Hash)
	GetCommittedState(addr types.Address, key types.Hash) types.Hash

	GetTransientState(addr types.Address, key types.Hash) types.Hash
	SetTransientState(addr types.Address, key types.Hash, value types.Hash)

	SelfDestruct(addr types.Address)
	HasSelfDestructed(addr types.Address) bool

	Exist(addr types.Address) bool
	Empty(addr types.Address) bool

	Snapshot() int
	RevertToSnapshot(id int)

	AddLog(log *types.Log)
	Logs() []*types.Log

	// Known-storage bookkeeping: a slot that was never fetched from upstream
	// is "unknown" rather than zero. The on-chain fetch middleware fills
	// unknowns in on first access.
	SlotFetched(addr types.Address, key types.Hash) bool
	MarkSlotFetched(addr types.Address, key types.Hash)
	CodeFetched(addr types.Address) bool
	MarkCodeFetched(addr types.Address)

	// Tainted-unknown marking: permanent upstream misses install zero values
	// and mute value-tracking oracles for the address.
	MarkUnknownTainted(addr types.Address)
	UnknownTainted(addr types.Address) bool
}

// Config holds EVM configuration options.
type Config struct {
	MaxCallDepth  int
	MaxPauseDepth int
}

// DefaultConfig returns the standard EVM configuration.
func DefaultConfig() Config {
	return Config{
		MaxCallDepth:  MaxCallDepth,
		MaxPauseDepth: 4,
	}
}

// ErrInvalidResume reports a resumption against an empty or corrupt pause.
var ErrInvalidResume = errors.New("invalid paused frame")

// EVM is the execution environment: the 256-bit stack machine plus the
// middleware bus the fuzzer instruments it with.
type EVM struct {
	Context   BlockContext
	TxContext TxContext
	Config    Config
	StateDB   StateDB

	depth       int
	readOnly    bool
	jumpTable   JumpTable
	precompiles map[types.Address]PrecompiledContract
	returnData  []byte
	callGasTemp uint64
	middlewares []Middleware
}

// NewEVM creates a new EVM instance bound to the given state.
func NewEVM(blockCtx BlockContext, txCtx TxContext, config Config, stateDB StateDB) *EVM {
	if config.MaxCallDepth == 0 {
		config.MaxCallDepth = MaxCallDepth
	}
	if config.MaxPauseDepth == 0 {
		config.MaxPauseDepth = 4
	}
	return &EVM{
		Context:   blockCtx,
		TxContext: txCtx,
		Config:    config,
		StateDB:   stateDB,
		jumpTable: newJumpTable(),
	}
}

// Depth returns the current call depth.
func (evm *EVM) Depth() int { return evm.depth }

// SetPrecompiles replaces the EVM's precompile map.
func (evm *EVM) SetPrecompiles(p map[types.Address]PrecompiledContract) {
	evm.precompiles = p
}

// precompile returns the precompiled contract at addr.
func (evm *EVM) precompile(addr types.Address) (PrecompiledContract, bool) {
	m := evm.precompiles
	if m == nil {
		m = PrecompiledContracts
	}
	p, ok := m[addr]
	return p, ok
}

// runPrecompile executes a precompiled contract.
func runPrecompile(p PrecompiledContract, input []byte, gas uint64) ([]byte, uint64, error) {
	gasCost := p.RequiredGas(input)
	if gas < gasCost {
		return nil, 0, ErrOutOfGas
	}
	output, err := p.Run(input)
	return output, gas - gasCost, err
}

// Run executes the contract bytecode from the beginning with a fresh stack
// and memory.
func (evm *EVM) Run(contract *Contract, input []byte) ([]byte, error) {
	contract.Input = input
	return evm.run(contract, 0, NewStack(), NewMemory())
}

// run is the interpreter loop. Gas charging order follows go-ethereum:
// constant gas -> dynamic gas (including memory expansion) -> resize memory
// -> execute. The middleware chain runs once per opcode before any of that,
// and may abort the frame with a control leak.
func (evm *EVM) run(contract *Contract, pc uint64, stack *Stack, mem *Memory) ([]byte, error) {
	for {
		op := contract.GetOp(pc)

		// Middleware bus: observe/mutate the frame before dispatch.
		if len(evm.middlewares) > 0 {
			ctx := &OpContext{
				PC:       pc,
				Op:       op,
				EVM:      evm,
				Contract: contract,
				Stack:    stack,
				Memory:   mem,
				Depth:    evm.depth,
			}
			evm.runMiddlewares(ctx)
			if ctx.Leak != nil {
				// Abort cleanly, preserving the full continuation. No gas
				// has been charged for this opcode yet.
				pause := &PausedFrame{
					ExternalTarget: ctx.Leak.Target,
					ExternalInput:  ctx.Leak.Input,
					ExternalValue:  ctx.Leak.Value,
				}
				pause.Frames = append(pause.Frames,
					captureFrame(contract, pc, stack, mem, evm.readOnly, false, 0, 0, 0))
				return nil, &ControlLeakError{Pause: pause}
			}
			if ctx.Short {
				pc = evm.shortCircuitCall(op, contract, stack, mem, pc, ctx.ShortRet)
				continue
			}
		}

		operation := evm.jumpTable[op]
		if operation == nil || operation.execute == nil {
			return nil, ErrInvalidOpCode
		}

		sLen := stack.Len()
		if sLen < operation.minStack {
			return nil, ErrStackUnderflow
		}
		if sLen > operation.maxStack {
			return nil, ErrStackOverflow
		}

		if operation.constantGas > 0 {
			if !contract.UseGas(operation.constantGas) {
				return nil, ErrOutOfGas
			}
		}

		var memorySize uint64
		if operation.memorySize != nil {
			memSize, overflow := operation.memorySize(stack)
			if overflow {
				return nil, ErrGasUintOverflow
			}
			if memSize > 0 {
				memorySize = toWordSize(memSize) * 32
			}
		}

		if operation.dynamicGas != nil {
			cost, err := operation.dynamicGas(evm, contract, stack, mem, memorySize)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrOutOfGas, err)
			}
			if !contract.UseGas(cost) {
				return nil, ErrOutOfGas
			}
		}

		if memorySize > 0 && uint64(mem.Len()) < memorySize {
			mem.Resize(memorySize)
		}

		ret, err := operation.execute(&pc, evm, contract, mem, stack)

		if err != nil {
			var leak *ControlLeakError
			if asControlLeak(err, &leak) {
				// A nested frame leaked; our image was appended by opCall.
				return nil, err
			}
			if errors.Is(err, ErrExecutionReverted) {
				return ret, err
			}
			return nil, err
		}

		if operation.halts {
			return ret, nil
		}
		if operation.jumps {
			continue
		}
		pc++
	}
}

// shortCircuitCall consumes a CALL-family opcode's arguments and fakes a
// successful call returning ret. Used by middlewares that intercept calls
// (flashloan balanceOf overrides).
func (evm *EVM) shortCircuitCall(op OpCode, contract *Contract, stack *Stack, mem *Memory, pc uint64, ret []byte) uint64 {
	nargs := 7
	if op == DELEGATECALL || op == STATICCALL {
		nargs = 6
	}
	args := make([]*big.Int, nargs)
	for i := 0; i < nargs; i++ {
		args[i] = stack.Pop()
	}
	retOffset := args[nargs-2].Uint64()
	retSize := args[nargs-1].Uint64()
	writeCallResult(mem, retOffset, retSize, ret)
	evm.returnData = append([]byte(nil), ret...)
	stack.Push(big.NewInt(1))
	return pc + 1
}

// Call executes a message call to addr with the given input, gas and value.
// A ControlLeakError from a nested frame propagates without reverting state:
// the transaction is paused, not failed.
func (evm *EVM) Call(caller types.Address, addr types.Address, input []byte, gas uint64, value *big.Int) ([]byte, uint64, error) {
	if evm.depth > evm.Config.MaxCallDepth {
		return nil, gas, ErrMaxCallDepthExceeded
	}
	if evm.StateDB == nil {
		return nil, gas, ErrNoStateDB
	}

	transfersValue := value != nil && value.Sign() > 0
	if transfersValue {
		if evm.StateDB.GetBalance(caller).Cmp(value) < 0 {
			return nil, gas, ErrInsufficientBalance
		}
	}

	snapshot := evm.StateDB.Snapshot()

	p, isPrecompile := evm.precompile(addr)

	if !evm.StateDB.Exist(addr) {
		if !isPrecompile && !transfersValue && evm.StateDB.GetCodeSize(addr) == 0 {
			return nil, gas, nil
		}
		evm.StateDB.CreateAccount(addr)
	}

	if transfersValue {
		if evm.readOnly {
			return nil, gas, ErrWriteProtection
		}
		evm.StateDB.SubBalance(caller, value)
		evm.StateDB.AddBalance(addr, value)
	}

	if isPrecompile {
		ret, gasLeft, err := runPrecompile(p, input, gas)
		if err != nil {
			evm.StateDB.RevertToSnapshot(snapshot)
		}
		return ret, gasLeft, err
	}

	code := evm.StateDB.GetCode(addr)
	if len(code) == 0 {
		return nil, gas, nil
	}

	contract := NewContract(caller, addr, value, gas)
	contract.Code = code
	contract.CodeHash = evm.StateDB.GetCodeHash(addr)

	evm.depth++
	ret, err := evm.Run(contract, input)
	evm.depth--

	gasLeft := contract.Gas
	var leak *ControlLeakError
	if asControlLeak(err, &leak) {
		return nil, gasLeft, err
	}
	if err != nil && !errors.Is(err, ErrExecutionReverted) {
		evm.StateDB.RevertToSnapshot(snapshot)
		gasLeft = 0
	} else if errors.Is(err, ErrExecutionReverted) {
		evm.StateDB.RevertToSnapshot(snapshot)
	}
	return ret, gasLeft, err
}

// CallCode runs the callee's code in the caller's storage context.
func (evm *EVM) CallCode(caller types.Address, addr types.Address, input []byte, gas uint64, value *big.Int) ([]byte, uint64, error) {
	if evm.depth > evm.Config.MaxCallDepth {
		return nil, gas, ErrMaxCallDepthExceeded
	}
	if p, ok := evm.precompile(addr); ok {
		return runPrecompile(p, input, gas)
	}
	if evm.StateDB == nil {
		return nil, gas, ErrNoStateDB
	}

	snapshot := evm.StateDB.Snapshot()
	code := evm.StateDB.GetCode(addr)
	if len(code) == 0 {
		return nil, gas, nil
	}

	contract := NewContract(caller, caller, value, gas)
	contract.CodeAddress = addr
	contract.Code = code
	contract.CodeHash = evm.StateDB.GetCodeHash(addr)

	evm.depth++
	ret, err := evm.Run(contract, input)
	evm.depth--

	gasLeft := contract.Gas
	var leak *ControlLeakError
	if asControlLeak(err, &leak) {
		return nil, gasLeft, err
	}
	if err != nil && !errors.Is(err, ErrExecutionReverted) {
		evm.StateDB.RevertToSnapshot(snapshot)
		gasLeft = 0
	} else if errors.Is(err, ErrExecutionReverted) {
		evm.StateDB.RevertToSnapshot(snapshot)
	}
	return ret, gasLeft, err
}

// DelegateCall runs the callee's code preserving the original caller and
// value.
func (evm *EVM) DelegateCall(caller types.Address, origCaller types.Address, addr types.Address, input []byte, gas uint64, value *big.Int) ([]byte, uint64, error) {
	if evm.depth > evm.Config.MaxCallDepth {
		return nil, gas, ErrMaxCallDepthExceeded
	}
	if p, ok := evm.precompile(addr); ok {
		return runPrecompile(p, input, gas)
	}
	if evm.StateDB == nil {
		return nil, gas, ErrNoStateDB
	}

	snapshot := evm.StateDB.Snapshot()
	code := evm.StateDB.GetCode(addr)
	if len(code) == 0 {
		return nil, gas, nil
	}

	contract := NewContract(origCaller, caller, value, gas)
	contract.CodeAddress = addr
	contract.Code = code
	contract.CodeHash = evm.StateDB.GetCodeHash(addr)

	evm.depth++
	ret, err := evm.Run(contract, input)
	evm.depth--

	gasLeft := contract.Gas
	var leak *ControlLeakError
	if asControlLeak(err, &leak) {
		return nil, gasLeft, err
	}
	if err != nil && !errors.Is(err, ErrExecutionReverted) {
		evm.StateDB.RevertToSnapshot(snapshot)
		gasLeft = 0
	} else if errors.Is(err, ErrExecutionReverted) {
		evm.StateDB.RevertToSnapshot(snapshot)
	}
	return ret, gasLeft, err
}

// StaticCall executes a read-only message call.
func (evm *EVM) StaticCall(caller types.Address, addr types.Address, input []byte, gas uint64) ([]byte, uint64, error) {
	if evm.depth > evm.Config.MaxCallDepth {
		return nil, gas, ErrMaxCallDepthExceeded
	}
	if evm.StateDB == nil {
		return nil, gas, ErrNoStateDB
	}

	prevReadOnly := evm.readOnly
	evm.readOnly = true
	defer func() { evm.readOnly = prevReadOnly }()

	snapshot := evm.StateDB.Snapshot()

	if p, ok := evm.precompile(addr); ok {
		ret, gasLeft, err := runPrecompile(p, input, gas)
		if err != nil {
			evm.StateDB.RevertToSnapshot(snapshot)
		}
		return ret, gasLeft, err
	}

	code := evm.StateDB.GetCode(addr)
	if len(code) == 0 {
		return nil, gas, nil
	}

	contract := NewContract(caller, addr, new(big.Int), gas)
	contract.Code = code
	contract.CodeHash = evm.StateDB.GetCodeHash(addr)

	evm.depth++
	ret, err := evm.Run(contract, input)
	evm.depth--

	gasLeft := contract.Gas
	var leak *ControlLeakError
	if asControlLeak(err, &leak) {
		return nil, gasLeft, err
	}
	if err != nil && !errors.Is(err, ErrExecutionReverted) {
		evm.StateDB.RevertToSnapshot(snapshot)
		gasLeft = 0
	} else if errors.Is(err, ErrExecutionReverted) {
		evm.StateDB.RevertToSnapshot(snapshot)
	}
	return ret, gasLeft, err
}

// CreateAddress computes the address of a contract created with CREATE.
// Per the Yellow Paper: addr = keccak256(rlp([sender, nonce]))[12:]
func CreateAddress(caller types.Address, nonce uint64) types.Address {
	addrEnc := encodeRLPBytes(caller[:])
	nonceEnc := encodeRLPUint(nonce)
	payload := append(addrEnc, nonceEnc...)
	data := wrapRLPList(payload)
	hash := crypto.Keccak256(data)
	return types.BytesToAddress(hash[12:])
}

// Create2Address computes the address of a contract created with CREATE2.
func Create2Address(caller types.Address, salt *big.Int, initCodeHash []byte) types.Address {
	saltBytes := make([]byte, 32)
	if salt != nil {
		b := salt.Bytes()
		copy(saltBytes[32-len(b):], b)
	}
	data := make([]byte, 0, 85)
	data = append(data, 0xff)
	data = append(data, caller[:]...)
	data = append(data, saltBytes...)
	data = append(data, initCodeHash...)
	hash := crypto.Keccak256(data)
	return types.BytesToAddress(hash[12:])
}

// encodeRLPBytes encodes a byte slice as an RLP string.
func encodeRLPBytes(b []byte) []byte {
	if len(b) == 1 && b[0] < 0x80 {
		return b
	}
	if len(b) < 56 {
		return append([]byte{byte(0x80 + len(b))}, b...)
	}
	lenBytes := uintToMinBytes(uint64(len(b)))
	header := append([]byte{byte(0xb7 + len(lenBytes))}, lenBytes...)
	return append(header, b...)
}

// encodeRLPUint encodes a uint64 as an RLP integer.
func encodeRLPUint(v uint64) []byte {
	if v == 0 {
		return []byte{0x80}
	}
	if v < 128 {
		return []byte{byte(v)}
	}
	b := uintToMinBytes(v)
	return append([]byte{byte(0x80 + len(b))}, b...)
}

// wrapRLPList wraps payload bytes in an RLP list header.
func wrapRLPList(payload []byte) []byte {
	if len(payload) < 56 {
		return append([]byte{byte(0xc0 + len(payload))}, payload...)
	}
	lenBytes := uintToMinBytes(uint64(len(payload)))
	header := append([]byte{byte(0xf7 + len(lenBytes))}, lenBytes...)
	return append(header, payload...)
}

// uintToMinBytes encodes a uint64 as big-endian bytes with no leading zeros.
func uintToMinBytes(v uint64) []byte {
	if v == 0 {
		return nil
	}
	var buf [8]byte
	n := 0
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
		if buf[i] != 0 || n > 0 {
			n = 8 - i
		}
	}
	return buf[8-n:]
}

// Create creates a new contract with the given init code.
func (evm *EVM) Create(caller types.Address, code []byte, gas uint64, value *big.Int) ([]byte, types.Address, uint64, error) {
	if evm.depth > evm.Config.MaxCallDepth {
		return nil, types.Address{}, gas, ErrMaxCallDepthExceeded
	}
	if evm.readOnly {
		return nil, types.Address{}, gas, ErrWriteProtection
	}
	if evm.StateDB == nil {
		return nil, types.Address{}, gas, ErrNoStateDB
	}

	nonce := evm.StateDB.GetNonce(caller)
	evm.StateDB.SetNonce(caller, nonce+1)
	contractAddr := CreateAddress(caller, nonce)

	return evm.create(caller, code, gas, value, contractAddr)
}

// Create2 creates a new contract using CREATE2 with the given salt.
func (evm *EVM) Create2(caller types.Address, code []byte, gas uint64, endowment *big.Int, salt *big.Int) ([]byte, types.Address, uint64, error) {
	if evm.depth > evm.Config.MaxCallDepth {
		return nil, types.Address{}, gas, ErrMaxCallDepthExceeded
	}
	if evm.readOnly {
		return nil, types.Address{}, gas, ErrWriteProtection
	}
	if evm.StateDB == nil {
		return nil, types.Address{}, gas, ErrNoStateDB
	}

	initCodeHash := crypto.Keccak256(code)
	contractAddr := Create2Address(caller, salt, initCodeHash)

	return evm.create(caller, code, gas, endowment, contractAddr)
}

// create is the shared implementation for Create and Create2.
func (evm *EVM) create(caller types.Address, code []byte, gas uint64, value *big.Int, contractAddr types.Address) ([]byte, types.Address, uint64, error) {
	if len(code) > MaxInitCodeSize {
		return nil, types.Address{}, gas, ErrMaxInitCodeSizeExceeded
	}

	contractHash := evm.StateDB.GetCodeHash(contractAddr)
	if evm.StateDB.GetNonce(contractAddr) != 0 ||
		(contractHash != (types.Hash{}) && contractHash != crypto.EmptyCodeHash) {
		return nil, types.Address{}, 0, ErrContractCollision
	}

	snapshot := evm.StateDB.Snapshot()

	if !evm.StateDB.Exist(contractAddr) {
		evm.StateDB.CreateAccount(contractAddr)
	}
	evm.StateDB.SetNonce(contractAddr, 1)

	if value != nil && value.Sign() > 0 {
		if evm.StateDB.GetBalance(caller).Cmp(value) < 0 {
			return nil, types.Address{}, gas, ErrInsufficientBalance
		}
		evm.StateDB.SubBalance(caller, value)
		evm.StateDB.AddBalance(contractAddr, value)
	}

	// EIP-150: reserve 1/64 of gas in the creating frame.
	callGas := gas - gas/CallGasFraction
	gas -= callGas

	contract := NewContract(caller, contractAddr, value, callGas)
	contract.Code = code

	evm.depth++
	ret, err := evm.Run(contract, nil)
	evm.depth--

	if err != nil {
		var leak *ControlLeakError
		if asControlLeak(err, &leak) {
			return nil, contractAddr, gas + contract.Gas, err
		}
		evm.StateDB.RevertToSnapshot(snapshot)
		if !errors.Is(err, ErrExecutionReverted) {
			return ret, types.Address{}, gas, err
		}
		gas += contract.Gas
		return ret, types.Address{}, gas, err
	}

	gas += contract.Gas

	if len(ret) > 0 {
		if len(ret) > MaxCodeSize {
			evm.StateDB.RevertToSnapshot(snapshot)
			return nil, types.Address{}, 0, ErrMaxCodeSizeExceeded
		}
		depositCost := uint64(len(ret)) * CreateDataGas
		if gas < depositCost {
			evm.StateDB.RevertToSnapshot(snapshot)
			return nil, types.Address{}, 0, ErrOutOfGas
		}
		gas -= depositCost
		evm.StateDB.SetCode(contractAddr, ret)
	}

	return ret, contractAddr, gas, nil
}
