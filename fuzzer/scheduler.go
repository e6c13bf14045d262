package fuzzer

import (
	"math"
	"math/rand"
	"sort"

	"github.com/holiman/uint256"
	"github.com/snapfuzz/snapfuzz/core/types"
	"github.com/snapfuzz/snapfuzz/core/vm"
)

// SchedulerConfig tunes the two-tier scheduler.
type SchedulerConfig struct {
	// InfantBoost multiplies the weight of freshly admitted states.
	InfantBoost float64
	// InfantWindow is how many iterations a state counts as an infant.
	InfantWindow uint64
	// DecayAfter is the number of consecutive non-novel children after
	// which a state's weight decays exponentially.
	DecayAfter int
	// DecayFactor is the per-streak-step multiplier once decay starts.
	DecayFactor float64
}

// DefaultSchedulerConfig returns the standard scheduling parameters.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		InfantBoost:  4,
		InfantWindow: 256,
		DecayAfter:   32,
		DecayFactor:  0.5,
	}
}

// TemplateKey identifies one callable function on one target.
type TemplateKey struct {
	Target   types.Address
	Selector [4]byte
}

// templateStats is the bandit arm for one (target, selector) pair.
type templateStats struct {
	calls  uint64
	reward float64 // accumulated coverage gain
}

// Scheduler implements the two-tier selection: a power-scheduled
// weighted-random choice of parent state, then an epsilon-greedy bandit
// choice of the transaction template to apply, rewarded by coverage gain.
// Per-site comparison operands are kept as favourites for the mutator.
type Scheduler struct {
	cfg    SchedulerConfig
	corpus *Corpus

	templates map[TemplateKey]*templateStats
	keys      []TemplateKey

	// favourites maps comparison sites to the operand values most recently
	// observed there; the mutator draws replacement values from this table.
	favourites map[vm.CmpSite][2]*uint256.Int
}

// NewScheduler builds a scheduler over the corpus.
func NewScheduler(cfg SchedulerConfig, corpus *Corpus) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		corpus:     corpus,
		templates:  make(map[TemplateKey]*templateStats),
		favourites: make(map[vm.CmpSite][2]*uint256.Int),
	}
}

// RegisterTemplate adds a callable function to the template pool.
func (s *Scheduler) RegisterTemplate(key TemplateKey) {
	if _, ok := s.templates[key]; ok {
		return
	}
	s.templates[key] = &templateStats{}
	s.keys = append(s.keys, key)
}

// Templates returns the registered template keys.
func (s *Scheduler) Templates() []TemplateKey { return s.keys }

// stateWeight computes the scheduling weight of one state at the given
// iteration: infant states are boosted, rarely-hit recently-novel states
// score high, and long non-novel streaks decay exponentially.
func (s *Scheduler) stateWeight(se *StateEntry, iter uint64) float64 {
	w := 1.0

	if iter-se.BornIter < s.cfg.InfantWindow {
		w *= s.cfg.InfantBoost
	}
	// Hit rarity: fewer children -> higher weight.
	w *= 1.0 / (1.0 + float64(se.Children)/16.0)
	// Recency of novelty.
	sinceNovel := float64(iter - se.LastNovelty)
	w *= 1.0 / (1.0 + sinceNovel/1024.0)

	if se.NonNovelStreak >= s.cfg.DecayAfter {
		over := se.NonNovelStreak - s.cfg.DecayAfter
		w *= math.Pow(s.cfg.DecayFactor, 1+float64(over)/float64(s.cfg.DecayAfter))
	}
	return w
}

// SelectState picks the parent snapshot for the next iteration:
// weighted-random over all live states, ties broken by recency.
func (s *Scheduler) SelectState(rng *rand.Rand, iter uint64) (types.Hash, *StateEntry) {
	states := s.corpus.States()
	if len(states) == 0 {
		return types.Hash{}, nil
	}

	ids := make([]types.Hash, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	// Deterministic iteration order for reproducible runs.
	sort.Slice(ids, func(i, j int) bool {
		a, b := states[ids[i]], states[ids[j]]
		if a.BornIter != b.BornIter {
			return a.BornIter > b.BornIter
		}
		return lessHash(ids[i], ids[j])
	})

	total := 0.0
	weights := make([]float64, len(ids))
	for i, id := range ids {
		w := s.stateWeight(states[id], iter)
		weights[i] = w
		total += w
	}
	if total <= 0 {
		id := ids[0]
		return id, states[id]
	}

	pick := rng.Float64() * total
	for i, id := range ids {
		pick -= weights[i]
		if pick <= 0 {
			return id, states[id]
		}
	}
	id := ids[len(ids)-1]
	return id, states[id]
}

// SelectTemplate picks the transaction template to apply: an epsilon-greedy
// bandit over (target, selector) rewards.
func (s *Scheduler) SelectTemplate(rng *rand.Rand) (TemplateKey, bool) {
	if len(s.keys) == 0 {
		return TemplateKey{}, false
	}
	if rng.Float64() < 0.2 {
		return s.keys[rng.Intn(len(s.keys))], true
	}
	best := s.keys[0]
	bestScore := -1.0
	for _, k := range s.keys {
		st := s.templates[k]
		score := (st.reward + 1) / (float64(st.calls) + 1)
		if score > bestScore {
			best, bestScore = k, score
		}
	}
	return best, true
}

// ReportOutcome feeds one iteration's result back into the scheduler.
func (s *Scheduler) ReportOutcome(stateID types.Hash, key TemplateKey, novel bool, coverageGain int, iter uint64) {
	if se := s.corpus.State(stateID); se != nil {
		se.Children++
		if novel {
			se.NonNovelStreak = 0
			se.LastNovelty = iter
		} else {
			se.NonNovelStreak++
		}
	}
	if st := s.templates[key]; st != nil {
		st.calls++
		st.reward += float64(coverageGain)
	}
}

// RecordComparisons refreshes the favourite-operand table from a run's
// comparison observations.
func (s *Scheduler) RecordComparisons(obs []vm.CmpObservation) {
	for _, o := range obs {
		lhs, _ := uint256.FromBig(o.Lhs)
		rhs, _ := uint256.FromBig(o.Rhs)
		s.favourites[o.Site] = [2]*uint256.Int{lhs, rhs}
	}
}

// FavouriteValues returns the current comparison operand pool as 256-bit
// integers, deterministically ordered. The mutator samples these when
// replacing argument slots.
func (s *Scheduler) FavouriteValues() []*uint256.Int {
	sites := make([]vm.CmpSite, 0, len(s.favourites))
	for site := range s.favourites {
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool {
		if sites[i].Code != sites[j].Code {
			return lessHash(sites[i].Code.Hash(), sites[j].Code.Hash())
		}
		return sites[i].PC < sites[j].PC
	})
	out := make([]*uint256.Int, 0, len(sites)*2)
	for _, site := range sites {
		pair := s.favourites[site]
		if pair[0] != nil {
			out = append(out, pair[0])
		}
		if pair[1] != nil {
			out = append(out, pair[1])
		}
	}
	return out
}

func lessHash(a, b types.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
