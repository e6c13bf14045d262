package oracle

import (
	"fmt"
	"math/big"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/snapfuzz/snapfuzz/core/types"
	"github.com/snapfuzz/snapfuzz/core/vm"
)

// --- BugTopic oracle ---

// BugTopicOracle lifts sentinel log emissions into bug reports: the
// AssertionFailed(string) topic and the "fuzzland"-prefixed typed-bug topic.
type BugTopicOracle struct{}

func (o *BugTopicOracle) Name() string { return "bug-topic" }

func (o *BugTopicOracle) Inspect(ctx *Ctx) []*BugReport {
	var out []*BugReport
	for _, l := range ctx.Logs {
		if len(l.Topics) == 0 {
			continue
		}
		t := l.Topics[0]
		if t == vm.AssertionFailedTopic {
			out = append(out, &BugReport{
				Kind:    KindAssertionViolated,
				Message: decodeAssertionMessage(l.Data),
				Witness: ctx.Witness,
			})
			continue
		}
		var prefix [8]byte
		copy(prefix[:], t[:8])
		if prefix == vm.FuzzMagicPrefix {
			out = append(out, &BugReport{
				Kind:    KindTypedBug,
				Message: hexStr(t[8:]),
				Witness: ctx.Witness,
			})
		}
	}
	return out
}

// decodeAssertionMessage extracts the string argument of an
// AssertionFailed(string) event payload.
func decodeAssertionMessage(data []byte) string {
	vals, err := vm.DecodeFunctionResult(data, []vm.ABIType{{Kind: vm.ABIString}})
	if err != nil || len(vals) == 0 {
		return hexStr(data)
	}
	return vals[0].StringVal
}

// --- Balance-extraction oracle ---

// BalanceExtractionOracle fires when the attacker set's net holdings (native
// balance plus flashloan-ledger position) grew by more than the threshold
// across the sequence.
type BalanceExtractionOracle struct {
	// Threshold is the minimum profit, in wei, considered a finding.
	Threshold *big.Int
}

func (o *BalanceExtractionOracle) Name() string { return "balance-extraction" }

func (o *BalanceExtractionOracle) Inspect(ctx *Ctx) []*BugReport {
	threshold := o.Threshold
	if threshold == nil {
		threshold = big.NewInt(0)
	}

	profit := new(big.Int)
	for _, a := range ctx.Attackers {
		if ctx.Post.TaintedUnknown[a] {
			continue
		}
		profit.Add(profit, ctx.Post.Balance(a))
		profit.Sub(profit, ctx.Pre.Balance(a))
		// Token position delta.
		profit.Add(profit, ctx.Post.Ledger.HolderTotal(a))
		profit.Sub(profit, ctx.Pre.Ledger.HolderTotal(a))
	}

	if profit.Cmp(threshold) <= 0 {
		return nil
	}
	return []*BugReport{{
		Kind:    KindFundLoss,
		Message: fmt.Sprintf("attacker net gain %s wei-equivalent", profit),
		Witness: ctx.Witness,
	}}
}

// --- Price-manipulation oracle ---

var (
	selToken0      = vm.ComputeSelector("token0()")
	selGetReserves = vm.ComputeSelector("getReserves()")
)

// PriceManipulationOracle probes DEX-pair-shaped contracts (token0()
// answers) and fires when the reserve ratio shifted by more than
// ShiftNumerator/ShiftDenominator across a single sequence, or when the
// flashloan ledger finished a sequence unbalanced in the attacker's favour.
type PriceManipulationOracle struct {
	Pairs            []types.Address // candidate pair contracts to probe
	ShiftNumerator   int64
	ShiftDenominator int64
}

func (o *PriceManipulationOracle) Name() string { return "price-manipulation" }

func (o *PriceManipulationOracle) Inspect(ctx *Ctx) []*BugReport {
	num, den := o.ShiftNumerator, o.ShiftDenominator
	if den == 0 {
		num, den = 1, 100
	}

	var out []*BugReport
	for _, pair := range o.Pairs {
		if ctx.Post.TaintedUnknown[pair] {
			continue
		}
		// Heuristic pair probe: token0() must answer with a word.
		if ret, ok := ctx.Probe(pair, vm.EncodeFunctionCall(selToken0, nil)); !ok || len(ret) < 32 {
			continue
		}
		pre0, pre1, okPre := reserves(ctx.ProbePre, pair)
		post0, post1, okPost := reserves(ctx.Probe, pair)
		if !okPre || !okPost {
			continue
		}
		if ratioShifted(pre0, pre1, post0, post1, num, den) {
			out = append(out, &BugReport{
				Kind: KindPriceManipulation,
				Message: fmt.Sprintf("pair %s reserves moved %s/%s -> %s/%s",
					pair.Hex(), pre0, pre1, post0, post1),
				Witness: ctx.Witness,
			})
		}
	}

	// Unreturned flashloan with attacker profit is the same class of
	// finding even without a probed pair.
	if !ctx.Post.Ledger.Balanced() {
		for _, a := range ctx.Attackers {
			if ctx.Post.Ledger.HolderTotal(a).Sign() > 0 {
				out = append(out, &BugReport{
					Kind:    KindPriceManipulation,
					Message: fmt.Sprintf("flashloan ledger unbalanced in favour of %s", a.Hex()),
					Witness: ctx.Witness,
				})
				break
			}
		}
	}
	return out
}

func reserves(probe ProbeFunc, pair types.Address) (*big.Int, *big.Int, bool) {
	ret, ok := probe(pair, vm.EncodeFunctionCall(selGetReserves, nil))
	if !ok || len(ret) < 64 {
		return nil, nil, false
	}
	r0 := new(big.Int).SetBytes(ret[:32])
	r1 := new(big.Int).SetBytes(ret[32:64])
	if r0.Sign() == 0 || r1.Sign() == 0 {
		return nil, nil, false
	}
	return r0, r1, true
}

// ratioShifted reports whether the reserve ratio moved from pre0/pre1 to
// post0/post1 by more than num/den of its pre value, i.e.
// |pre0/pre1 - post0/post1| / (pre0/pre1) > num/den, evaluated in integer
// cross-multiplication to avoid division.
func ratioShifted(pre0, pre1, post0, post1 *big.Int, num, den int64) bool {
	// diff = |pre0*post1 - post0*pre1|, bound = pre0*post1 * num/den
	lhs := new(big.Int).Mul(pre0, post1)
	rhs := new(big.Int).Mul(post0, pre1)
	diff := new(big.Int).Sub(lhs, rhs)
	diff.Abs(diff)
	bound := new(big.Int).Mul(lhs, big.NewInt(num))
	bound.Quo(bound, big.NewInt(den))
	return diff.Cmp(bound) > 0
}

// --- Arbitrary-call oracle ---

// ArbitraryCallOracle fires when a CALL's target was derived from attacker
// calldata with no intervening integrity check, and the resolved target is
// outside the known contract and attacker sets.
type ArbitraryCallOracle struct {
	Known mapset.Set[types.Address]
}

// NewArbitraryCallOracle builds the oracle over the known address universe.
func NewArbitraryCallOracle(known []types.Address) *ArbitraryCallOracle {
	s := mapset.NewThreadUnsafeSet[types.Address]()
	for _, a := range known {
		s.Add(a)
	}
	return &ArbitraryCallOracle{Known: s}
}

func (o *ArbitraryCallOracle) Name() string { return "arbitrary-call" }

func (o *ArbitraryCallOracle) Inspect(ctx *Ctx) []*BugReport {
	var out []*BugReport
	for _, c := range ctx.TaintedCalls {
		if !c.TargetTainted {
			continue
		}
		if c.Target.IsZero() || o.Known.Contains(c.Target) {
			continue
		}
		out = append(out, &BugReport{
			Kind: KindArbitraryCall,
			Message: fmt.Sprintf("call target %s at %s:%d controlled by calldata",
				c.Target.Hex(), c.Site.Code.Hex(), c.Site.PC),
			Witness: ctx.Witness,
		})
	}
	return out
}

// --- Reentrancy oracle ---

// ReentrancyOracle fires when a paused continuation was resumed after
// re-entry and the reentered contract's storage no longer satisfies the
// pre-pause view: a write that landed between pause and resume is exactly
// the state an on-chain reentrant call would have exploited.
type ReentrancyOracle struct{}

func (o *ReentrancyOracle) Name() string { return "reentrancy" }

func (o *ReentrancyOracle) Inspect(ctx *Ctx) []*BugReport {
	if !ctx.ResumedPause || ctx.Reverted {
		return nil
	}
	pre := ctx.Pre.Account(ctx.ResumedContract)
	post := ctx.Post.Account(ctx.ResumedContract)
	if pre == nil || post == nil {
		return nil
	}
	for key, v := range post.Storage {
		if pre.Storage[key] != v {
			return []*BugReport{{
				Kind: KindReentrancy,
				Message: fmt.Sprintf("storage of %s mutated across resumed continuation (slot %s)",
					ctx.ResumedContract.Hex(), key.Hex()),
				Witness: ctx.Witness,
			}}
		}
	}
	return nil
}

// --- Invariant-harness oracle ---

// InvariantFunc is one registered invariant probe: a bool-returning function
// with a configured name prefix.
type InvariantFunc struct {
	Target   types.Address
	Name     string
	Selector [4]byte
}

// InvariantOracle invokes echidna_/invariant_-style harness functions after
// each sequence; false or revert is a finding.
type InvariantOracle struct {
	Funcs []InvariantFunc
}

// InvariantPrefixes are the harness-function name prefixes recognised when
// scanning ABIs.
var InvariantPrefixes = []string{"echidna_", "invariant_", "oracle_"}

// IsInvariantName reports whether the function name marks an invariant
// harness.
func IsInvariantName(name string) bool {
	for _, p := range InvariantPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (o *InvariantOracle) Name() string { return "invariant" }

func (o *InvariantOracle) Inspect(ctx *Ctx) []*BugReport {
	var out []*BugReport
	for _, f := range o.Funcs {
		ret, ok := ctx.Probe(f.Target, vm.EncodeFunctionCall(f.Selector, nil))
		broken := !ok
		if ok {
			vals, err := vm.DecodeFunctionResult(ret, []vm.ABIType{{Kind: vm.ABIBool}})
			broken = err != nil || !vals[0].Bool
		}
		if broken {
			out = append(out, &BugReport{
				Kind:    KindInvariantBroken,
				Message: f.Name,
				Witness: ctx.Witness,
			})
		}
	}
	return out
}
