// Package oracle implements the bug predicates evaluated after each executed
// sequence. Oracles are judgement, not exploration: they share nothing with
// the feedback pipeline, and a firing oracle does not imply corpus admission.
package oracle

import (
	"encoding/hex"
	"math/big"

	"github.com/snapfuzz/snapfuzz/core/state"
	"github.com/snapfuzz/snapfuzz/core/types"
	"github.com/snapfuzz/snapfuzz/core/vm"
	"github.com/snapfuzz/snapfuzz/crypto"
)

// Kind classifies a bug report.
type Kind string

const (
	KindAssertionViolated Kind = "AssertionViolated"
	KindFundLoss          Kind = "FundLoss"
	KindPriceManipulation Kind = "PriceManipulation"
	KindArbitraryCall     Kind = "ArbitraryCall"
	KindReentrancy        Kind = "Reentrancy"
	KindInvariantBroken   Kind = "InvariantBroken"
	KindTypedBug          Kind = "TypedBug"
)

// WitnessTx is one transaction of a bug witness, in executable form.
type WitnessTx struct {
	Caller   types.Address `json:"caller"`
	Target   types.Address `json:"target"`
	Calldata []byte        `json:"calldata"`
	Value    *big.Int      `json:"value,omitempty"`

	// Resume marks a resumption step; ReturnData is the injected result of
	// the leaked call.
	Resume     bool   `json:"resume,omitempty"`
	PauseIndex int    `json:"pauseIndex,omitempty"`
	ReturnData []byte `json:"returnData,omitempty"`
}

// BugReport is an oracle finding: the kind, a human-readable message, and
// the ordered input sequence reproducing it from the genesis state.
type BugReport struct {
	Kind    Kind        `json:"kind"`
	Message string      `json:"message"`
	Witness []WitnessTx `json:"witness"`

	// SourceSpans lists covered source-map spans when artifact metadata
	// included a source map.
	SourceSpans []string `json:"sourceSpans,omitempty"`
}

// Hash returns the report's stable identity, used as its filename.
func (b *BugReport) Hash() types.Hash {
	h := []byte(b.Kind)
	h = append(h, b.Message...)
	for _, w := range b.Witness {
		h = append(h, w.Caller[:]...)
		h = append(h, w.Target[:]...)
		h = append(h, w.Calldata...)
		if w.Resume {
			h = append(h, 1)
			h = append(h, w.ReturnData...)
		}
	}
	return crypto.Keccak256Hash(h)
}

// ProbeFunc executes a read-only call against the sequence's post state.
// ok is false when the call reverted.
type ProbeFunc func(target types.Address, calldata []byte) (ret []byte, ok bool)

// Ctx is everything an oracle may inspect about one executed sequence.
type Ctx struct {
	Pre  *state.Snapshot
	Post *state.Snapshot

	// Logs are all emissions of the final transaction, including ones from
	// later-reverted frames.
	Logs []*types.Log

	Reverted     bool
	Leaked       bool
	ResumedPause bool
	// ResumedContract is the account whose frame the resumption continued,
	// when ResumedPause is set.
	ResumedContract types.Address

	// Witness is the full transaction sequence from genesis to this point.
	Witness []WitnessTx

	Attackers []types.Address
	Tokens    []types.Address

	TaintedCalls []vm.TaintedCall

	// Probe runs a view call against Post; ProbePre against Pre.
	Probe    ProbeFunc
	ProbePre ProbeFunc
}

// Oracle is a post-sequence predicate producing zero or more bug reports.
type Oracle interface {
	Name() string
	Inspect(ctx *Ctx) []*BugReport
}

// hexStr renders bytes for report messages.
func hexStr(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}
