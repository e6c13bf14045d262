package vm

import (
	"math/big"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/snapfuzz/snapfuzz/core/types"
)

// ReentrancyMiddleware diverts CALLs into attacker-controlled addresses into
// paused continuations instead of executing them: the callee is the fuzzer's
// own code, so the VM has nothing to run, and the pause lets arbitrary
// transactions interleave before the call "returns".
type ReentrancyMiddleware struct {
	attackers mapset.Set[types.Address]

	// pauseDepth is the number of pauses already stacked in the snapshot the
	// current execution started from; capture stops at maxPauseDepth.
	pauseDepth    int
	maxPauseDepth int
}

// NewReentrancyMiddleware builds the leak detector over the given
// attacker-controlled caller set.
func NewReentrancyMiddleware(attackers []types.Address, maxPauseDepth int) *ReentrancyMiddleware {
	s := mapset.NewThreadUnsafeSet[types.Address]()
	for _, a := range attackers {
		s.Add(a)
	}
	if maxPauseDepth == 0 {
		maxPauseDepth = 4
	}
	return &ReentrancyMiddleware{attackers: s, maxPauseDepth: maxPauseDepth}
}

func (m *ReentrancyMiddleware) Name() string { return "reentrancy" }

// SetPauseDepth informs the detector how many pauses the originating
// snapshot already carries. Deeper leak attempts execute the call as a plain
// no-op account call instead of pausing.
func (m *ReentrancyMiddleware) SetPauseDepth(d int) { m.pauseDepth = d }

// AddAttacker extends the attacker-controlled set.
func (m *ReentrancyMiddleware) AddAttacker(a types.Address) { m.attackers.Add(a) }

func (m *ReentrancyMiddleware) Before(ctx *OpContext) {
	if ctx.Op != CALL {
		return
	}
	if ctx.Stack.Len() < 7 {
		return
	}
	target := types.BigToAddress(ctx.Stack.Back(1))
	if !m.attackers.Contains(target) {
		return
	}
	if target == ctx.Contract.Address || IsPrecompile(target) {
		return
	}
	if m.pauseDepth >= m.maxPauseDepth {
		return
	}

	value := new(big.Int).Set(ctx.Stack.Back(2))
	argsOffset := ctx.Stack.Back(3)
	argsLen := ctx.Stack.Back(4)

	var input []byte
	if argsOffset.BitLen() <= 64 && argsLen.BitLen() <= 64 {
		input = getData(ctx.Memory.Data(), argsOffset.Uint64(), argsLen.Uint64())
	}

	ctx.Leak = &LeakRequest{
		Target: target,
		Input:  input,
		Value:  value,
	}
}
