package fuzzer

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/snapfuzz/snapfuzz/core/state"
	"github.com/snapfuzz/snapfuzz/core/types"
	"github.com/snapfuzz/snapfuzz/core/vm"
)

// ExecStatus classifies the outcome of one executed input.
type ExecStatus int

const (
	ExecSuccess ExecStatus = iota
	ExecRevert
	ExecControlLeak
)

func (s ExecStatus) String() string {
	switch s {
	case ExecSuccess:
		return "success"
	case ExecRevert:
		return "revert"
	case ExecControlLeak:
		return "control-leak"
	}
	return "unknown"
}

// ExecResult is the outcome of executing one input against one snapshot,
// bundling the instrumentation the feedback pipeline and oracles consume.
type ExecResult struct {
	Status     ExecStatus
	ReturnData []byte
	GasUsed    uint64
	Logs       []*types.Log
	Post       *state.Snapshot

	// Pause is the continuation captured when Status is ExecControlLeak.
	Pause *vm.PausedFrame

	Coverage      map[vm.CoverageEdge]uint64
	Cmps          []vm.CmpObservation
	TaintedWrites map[vm.StorageSlot]bool
	TaintedCalls  []vm.TaintedCall
	Flows         []vm.TokenFlow
	Constraints   []vm.PathConstraint
}

// Executor is the VM capability interface: a uniform execute(tx, state) ->
// outcome over any backing VM. The fuzzing loop never touches the EVM
// directly, which keeps the core VM-agnostic.
type Executor interface {
	// Deploy installs code built from the given init bytecode and
	// constructor arguments, returning the extended snapshot and the
	// deployed address.
	Deploy(st *state.Snapshot, initCode, ctorArgs []byte, deployer types.Address) (*state.Snapshot, types.Address, error)

	// Execute runs one input (fresh call or resumption) against st. The
	// returned result owns a new post snapshot; st is never mutated.
	Execute(st *state.Snapshot, in *Input) (*ExecResult, error)
}

// Deploy failure kinds.
var (
	ErrDeployOutOfGas = errors.New("deploy: out of gas")
	ErrDeployReverted = errors.New("deploy: constructor reverted")
	ErrCodeInvalid    = errors.New("deploy: invalid code")
	ErrBadResumeRef   = errors.New("resume: no such paused continuation")
)

// EVMConfig carries the executor's tunables.
type EVMConfig struct {
	Attackers []types.Address
	Tokens    []types.Address

	TxGasLimit    uint64
	MaxPauseDepth int

	EnableCoverage  bool
	EnableCmpLog    bool
	EnableDataflow  bool
	EnableFlashloan bool
	EnableConcolic  bool

	// Source, when set, enables the on-chain read-through fetch middleware.
	Source vm.SlotSource
}

// DefaultEVMConfig returns the standard executor configuration.
func DefaultEVMConfig() EVMConfig {
	return EVMConfig{
		TxGasLimit:     12_000_000,
		MaxPauseDepth:  4,
		EnableCoverage: true,
		EnableCmpLog:   true,
		EnableDataflow: true,
	}
}

// EVMExecutor implements Executor over the core/vm interpreter with the full
// middleware chain.
type EVMExecutor struct {
	cfg EVMConfig
}

// NewEVMExecutor builds the EVM-backed executor.
func NewEVMExecutor(cfg EVMConfig) *EVMExecutor {
	if cfg.TxGasLimit == 0 {
		cfg.TxGasLimit = 12_000_000
	}
	if cfg.MaxPauseDepth == 0 {
		cfg.MaxPauseDepth = 4
	}
	return &EVMExecutor{cfg: cfg}
}

// instruments bundles the middleware chain wired into one EVM instance.
type instruments struct {
	coverage *vm.CoverageMiddleware
	cmplog   *vm.CmpLogMiddleware
	dataflow *vm.DataflowMiddleware
	concolic *vm.ConcolicMiddleware
	flash    *vm.FlashloanMiddleware
	reent    *vm.ReentrancyMiddleware
	logs     *vm.LogCaptureMiddleware
}

// newEVM builds an EVM over a working state with the configured middleware
// chain. Middleware order matters: the fetcher installs missing state before
// anything else observes it, and the reentrancy detector runs last so leaks
// happen only after all observers saw the opcode.
func (e *EVMExecutor) newEVM(st *state.Snapshot, sdb *state.StateDB, origin types.Address) (*vm.EVM, *instruments) {
	blockCtx := vm.BlockContext{
		BlockNumber: st.Env.Number,
		Time:        st.Env.Timestamp,
		Coinbase:    st.Env.Coinbase,
		GasLimit:    st.Env.GasLimit,
		BaseFee:     st.Env.BaseFee,
		PrevRandao:  st.Env.PrevRandao,
		ChainID:     st.Env.ChainID,
	}
	txCtx := vm.TxContext{Origin: origin, GasPrice: big.NewInt(1)}

	evm := vm.NewEVM(blockCtx, txCtx, vm.Config{MaxPauseDepth: e.cfg.MaxPauseDepth}, sdb)

	ins := &instruments{}
	if e.cfg.Source != nil {
		evm.AddMiddleware(vm.NewFetchMiddleware(e.cfg.Source))
	}
	if e.cfg.EnableCoverage {
		ins.coverage = vm.NewCoverageMiddleware()
		evm.AddMiddleware(ins.coverage)
	}
	if e.cfg.EnableCmpLog {
		ins.cmplog = vm.NewCmpLogMiddleware()
		evm.AddMiddleware(ins.cmplog)
	}
	if e.cfg.EnableDataflow {
		ins.dataflow = vm.NewDataflowMiddleware()
		evm.AddMiddleware(ins.dataflow)
	}
	if e.cfg.EnableConcolic && ins.dataflow != nil {
		ins.concolic = vm.NewConcolicMiddleware(ins.dataflow)
		evm.AddMiddleware(ins.concolic)
	}
	if e.cfg.EnableFlashloan {
		ins.flash = vm.NewFlashloanMiddleware(e.cfg.Tokens, e.cfg.Attackers)
		evm.AddMiddleware(ins.flash)
	}
	ins.logs = vm.NewLogCaptureMiddleware()
	evm.AddMiddleware(ins.logs)

	ins.reent = vm.NewReentrancyMiddleware(e.cfg.Attackers, e.cfg.MaxPauseDepth)
	ins.reent.SetPauseDepth(st.PauseDepth())
	evm.AddMiddleware(ins.reent)

	return evm, ins
}

// Deploy implements Executor.
func (e *EVMExecutor) Deploy(st *state.Snapshot, initCode, ctorArgs []byte, deployer types.Address) (*state.Snapshot, types.Address, error) {
	if len(initCode) == 0 {
		return nil, types.Address{}, ErrCodeInvalid
	}
	sdb := state.New(st)
	evm, _ := e.newEVM(st, sdb, deployer)

	code := append(append([]byte(nil), initCode...), ctorArgs...)
	_, addr, _, err := evm.Create(deployer, code, e.cfg.TxGasLimit, new(big.Int))
	if err != nil {
		if errors.Is(err, vm.ErrExecutionReverted) {
			return nil, types.Address{}, ErrDeployReverted
		}
		if errors.Is(err, vm.ErrOutOfGas) {
			return nil, types.Address{}, ErrDeployOutOfGas
		}
		return nil, types.Address{}, fmt.Errorf("%w: %v", ErrCodeInvalid, err)
	}
	return sdb.Commit(), addr, nil
}

// Execute implements Executor. Identical (st, in) pairs always produce
// identical results: the EVM reads its whole environment from st.
func (e *EVMExecutor) Execute(st *state.Snapshot, in *Input) (*ExecResult, error) {
	if in.Prefix != nil {
		pre, err := e.Execute(st, in.Prefix)
		if err != nil {
			return nil, err
		}
		st = pre.Post
		tail := in.Copy()
		tail.Prefix = nil
		res, err := e.Execute(st, tail)
		if err != nil {
			return nil, err
		}
		mergeInstrumentation(res, pre)
		return res, nil
	}

	sdb := state.New(st)
	evm, ins := e.newEVM(st, sdb, in.Caller)

	// Flashloan borrow hint: credit the ledger and pin the token balance
	// before the call runs.
	if in.Borrow != nil && ins.flash != nil {
		sdb.Ledger().Add(in.Borrow.Token, in.Caller, in.Borrow.Amount)
		ins.flash.SetBalanceOverride(in.Borrow.Token, in.Caller, in.Borrow.Amount)
	}

	var (
		ret     []byte
		gasLeft uint64
		err     error
	)
	consumedPause := -1

	if in.Resume != nil {
		if in.Resume.PauseIndex < 0 || in.Resume.PauseIndex >= len(st.Pauses) {
			return nil, ErrBadResumeRef
		}
		consumedPause = in.Resume.PauseIndex
		pause := st.Pauses[consumedPause].Copy()
		ret, gasLeft, err = evm.Resume(pause, in.Resume.ReturnData)
	} else {
		value := in.Value
		if value == nil {
			value = new(big.Int)
		}
		ret, gasLeft, err = evm.Call(in.Caller, in.Target, in.Calldata(), e.cfg.TxGasLimit, value)
	}

	res := &ExecResult{
		ReturnData: append([]byte(nil), ret...),
		GasUsed:    e.cfg.TxGasLimit - gasLeft,
	}
	collectInstrumentation(res, ins)

	var leak *vm.ControlLeakError
	switch {
	case err == nil:
		res.Status = ExecSuccess
	case errors.As(err, &leak):
		res.Status = ExecControlLeak
	case errors.Is(err, vm.ErrExecutionReverted),
		errors.Is(err, vm.ErrOutOfGas),
		errors.Is(err, vm.ErrGasUintOverflow),
		errors.Is(err, vm.ErrInvalidOpCode),
		errors.Is(err, vm.ErrInvalidJump),
		errors.Is(err, vm.ErrStackUnderflow),
		errors.Is(err, vm.ErrStackOverflow),
		errors.Is(err, vm.ErrWriteProtection),
		errors.Is(err, vm.ErrReturnDataOutOfBounds),
		errors.Is(err, vm.ErrMaxCallDepthExceeded),
		errors.Is(err, vm.ErrMaxCodeSizeExceeded),
		errors.Is(err, vm.ErrMaxInitCodeSizeExceeded),
		errors.Is(err, vm.ErrContractCollision),
		errors.Is(err, vm.ErrInsufficientBalance):
		res.Status = ExecRevert
	default:
		// Internal invariant failure: never silent.
		return nil, err
	}

	// Apply observed token flows to the working ledger before committing.
	if ins.flash != nil {
		for _, f := range ins.flash.Flows() {
			sdb.Ledger().Add(f.Token, f.Holder, f.Amount)
		}
	}

	if res.Status == ExecRevert {
		// The transaction left no state behind; the post state is the
		// parent, minus nothing.
		res.Post = st
		return res, nil
	}

	post := sdb.Commit()
	if consumedPause >= 0 {
		post.Pauses = append(post.Pauses[:consumedPause], post.Pauses[consumedPause+1:]...)
	}
	if res.Status == ExecControlLeak {
		pause := leak.Pause
		pause.ParentState = st.Hash()
		pause.Depth = st.PauseDepth()
		res.Pause = pause
		post.Pauses = append(post.Pauses, pause.Copy())
	}
	res.Post = post
	return res, nil
}

func collectInstrumentation(res *ExecResult, ins *instruments) {
	if ins.coverage != nil {
		res.Coverage = ins.coverage.Edges()
	}
	if ins.cmplog != nil {
		res.Cmps = ins.cmplog.Observations()
	}
	if ins.dataflow != nil {
		res.TaintedWrites = ins.dataflow.TaintedWrites()
		res.TaintedCalls = ins.dataflow.TaintedCalls()
	}
	if ins.concolic != nil {
		res.Constraints = ins.concolic.Constraints()
	}
	if ins.flash != nil {
		res.Flows = ins.flash.Flows()
	}
	if ins.logs != nil {
		res.Logs = ins.logs.Logs()
	}
}

// mergeInstrumentation folds a prefix transaction's observations into the
// final result so feedback sees the whole sequence.
func mergeInstrumentation(res, pre *ExecResult) {
	if res.Coverage == nil {
		res.Coverage = make(map[vm.CoverageEdge]uint64)
	}
	for e, n := range pre.Coverage {
		res.Coverage[e] += n
	}
	res.Cmps = append(pre.Cmps, res.Cmps...)
	if res.TaintedWrites == nil {
		res.TaintedWrites = make(map[vm.StorageSlot]bool)
	}
	for s := range pre.TaintedWrites {
		res.TaintedWrites[s] = true
	}
	res.TaintedCalls = append(pre.TaintedCalls, res.TaintedCalls...)
	res.Flows = append(pre.Flows, res.Flows...)
	res.Constraints = append(pre.Constraints, res.Constraints...)
	res.Logs = append(pre.Logs, res.Logs...)
}
