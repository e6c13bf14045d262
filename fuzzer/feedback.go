package fuzzer

import (
	"github.com/holiman/uint256"
	"github.com/snapfuzz/snapfuzz/core/vm"
)

// Feedback is the corpus-admission pipeline: three novelty metrics composed
// with union semantics. It is pure bookkeeping over ExecResults — oracles
// are a separate pipeline; a bug firing does not imply admission and vice
// versa.
type Feedback struct {
	// edges is the global edge-coverage bitmap; its key set only grows.
	edges map[vm.CoverageEdge]bool

	// cmpBest tracks the smallest distance seen per comparison site.
	cmpBest map[vm.CmpSite]*uint256.Int

	// taintedSlots tracks storage slots already reached by a
	// calldata-tainted write.
	taintedSlots map[vm.StorageSlot]bool
}

// NewFeedback returns an empty feedback state.
func NewFeedback() *Feedback {
	return &Feedback{
		edges:        make(map[vm.CoverageEdge]bool),
		cmpBest:      make(map[vm.CmpSite]*uint256.Int),
		taintedSlots: make(map[vm.StorageSlot]bool),
	}
}

// Evaluate scores one execution result, merging its observations into the
// global maps. The input is corpus-admissible when any feedback fired.
func (f *Feedback) Evaluate(res *ExecResult) (bool, FeedbackScores) {
	var scores FeedbackScores

	// 1. Edge-coverage novelty.
	for e := range res.Coverage {
		if !f.edges[e] {
			f.edges[e] = true
			scores.NewEdges++
		}
	}

	// 2. Comparison progress: strictly smaller distance at a known site.
	for _, o := range res.Cmps {
		best, seen := f.cmpBest[o.Site]
		if !seen || o.Distance.Lt(best) {
			f.cmpBest[o.Site] = o.Distance.Clone()
			if seen && !best.IsZero() {
				scores.CmpProgress++
			}
		}
	}

	// 3. Dataflow novelty: a tainted write reaching a fresh slot.
	for slot := range res.TaintedWrites {
		if !f.taintedSlots[slot] {
			f.taintedSlots[slot] = true
			scores.DataflowNew++
		}
	}

	return scores.Total() > 0, scores
}

// EdgeCount returns the size of the global coverage bitmap. It is
// non-decreasing across a run.
func (f *Feedback) EdgeCount() int { return len(f.edges) }

// SeenEdge reports whether the given edge is in the global bitmap.
func (f *Feedback) SeenEdge(e vm.CoverageEdge) bool { return f.edges[e] }
