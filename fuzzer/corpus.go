package fuzzer

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/snapfuzz/snapfuzz/core/state"
	"github.com/snapfuzz/snapfuzz/core/types"
	"github.com/snapfuzz/snapfuzz/log"
)

// FeedbackScores records which feedbacks fired for an admitted entry.
type FeedbackScores struct {
	NewEdges    int
	CmpProgress int
	DataflowNew int
}

// Total returns the combined score.
func (f FeedbackScores) Total() int {
	return f.NewEdges + f.CmpProgress + f.DataflowNew
}

// Entry is one corpus element: an input bound to the snapshot it executed
// against, with its provenance.
type Entry struct {
	ID      uint64
	StateID types.Hash
	Input   *Input

	ParentID uint64
	Mutation string
	Scores   FeedbackScores
}

// StateEntry is the scheduler's view of one snapshot.
type StateEntry struct {
	Snapshot *state.Snapshot

	// Scheduling signals (spec: age, hit rarity, child count, last novelty).
	BornIter       uint64
	Children       int
	NonNovelStreak int
	LastNovelty    uint64
	Weight         float64
}

// Corpus holds the admitted inputs and the snapshots they reference.
// Snapshots are deduplicated by content hash; once the configured cap is
// hit, a bounded LRU over insertion order drops the oldest snapshot unless an
// entry or a pause still references it (the genesis state is pinned).
type Corpus struct {
	entries []*Entry
	nextID  uint64

	states  map[types.Hash]*StateEntry
	touched *lru.Cache[types.Hash, struct{}]
	genesis types.Hash

	logger *log.Logger
}

// NewCorpus creates a corpus bounded to maxStates snapshots.
func NewCorpus(maxStates int, logger *log.Logger) *Corpus {
	if maxStates <= 0 {
		maxStates = 4096
	}
	c := &Corpus{
		states: make(map[types.Hash]*StateEntry),
		logger: logger.Module("corpus"),
	}
	c.touched, _ = lru.NewWithEvict[types.Hash, struct{}](maxStates, func(key types.Hash, _ struct{}) {
		c.evictState(key)
	})
	return c
}

// AddGenesis installs the starting snapshot; it is never evicted.
func (c *Corpus) AddGenesis(st *state.Snapshot) types.Hash {
	h := st.Hash()
	c.genesis = h
	c.states[h] = &StateEntry{Snapshot: st, Weight: 1}
	return h
}

// AddState registers a snapshot produced at the given iteration, returning
// its id. Existing snapshots are deduplicated by structural hash.
func (c *Corpus) AddState(st *state.Snapshot, iter uint64) types.Hash {
	h := st.Hash()
	if _, ok := c.states[h]; ok {
		return h
	}
	c.states[h] = &StateEntry{
		Snapshot:    st,
		BornIter:    iter,
		LastNovelty: iter,
		Weight:      1,
	}
	c.touched.Add(h, struct{}{})
	return h
}

// State returns the scheduler entry for a snapshot id.
func (c *Corpus) State(id types.Hash) *StateEntry {
	return c.states[id]
}

// States returns all live state entries.
func (c *Corpus) States() map[types.Hash]*StateEntry {
	return c.states
}

// AddEntry admits an input with its provenance, returning the new entry.
func (c *Corpus) AddEntry(stateID types.Hash, in *Input, parent uint64, mutation string, scores FeedbackScores) *Entry {
	c.nextID++
	e := &Entry{
		ID:       c.nextID,
		StateID:  stateID,
		Input:    in.Copy(),
		ParentID: parent,
		Mutation: mutation,
		Scores:   scores,
	}
	c.entries = append(c.entries, e)
	c.logger.Debug("admitted", "id", e.ID, "state", stateID.Hex(), "mutation", mutation)
	return e
}

// Entries returns all admitted entries.
func (c *Corpus) Entries() []*Entry {
	return c.entries
}

// Len returns the number of admitted entries.
func (c *Corpus) Len() int { return len(c.entries) }

// evictState drops a snapshot unless an entry or a pause still references
// it, or it is the genesis.
func (c *Corpus) evictState(id types.Hash) {
	if id == c.genesis {
		return
	}
	for _, e := range c.entries {
		if e.StateID == id {
			return
		}
	}
	for _, se := range c.states {
		for _, p := range se.Snapshot.Pauses {
			if p.ParentState == id {
				return
			}
		}
	}
	delete(c.states, id)
	c.logger.Debug("evicted state", "id", id.Hex())
}
