package fuzzer

import (
	"math/rand"
	"testing"

	"github.com/snapfuzz/snapfuzz/core/state"
	"github.com/snapfuzz/snapfuzz/core/vm"
	"github.com/snapfuzz/snapfuzz/log"
)

func newTestCorpus() *Corpus {
	return NewCorpus(128, log.Default())
}

func TestSchedulerInfantBoost(t *testing.T) {
	c := newTestCorpus()
	s := NewScheduler(DefaultSchedulerConfig(), c)

	old := &StateEntry{BornIter: 0, LastNovelty: 0}
	infant := &StateEntry{BornIter: 10_000, LastNovelty: 10_000}

	iter := uint64(10_100)
	if s.stateWeight(infant, iter) <= s.stateWeight(old, iter) {
		t.Error("infant state not prioritised")
	}
}

func TestSchedulerNonNovelDecay(t *testing.T) {
	c := newTestCorpus()
	cfg := DefaultSchedulerConfig()
	s := NewScheduler(cfg, c)

	fresh := &StateEntry{BornIter: 0, LastNovelty: 0}
	stale := &StateEntry{BornIter: 0, LastNovelty: 0, NonNovelStreak: cfg.DecayAfter + 1}
	if s.stateWeight(stale, 10) >= s.stateWeight(fresh, 10) {
		t.Error("non-novel streak did not decay weight")
	}

	worse := &StateEntry{BornIter: 0, LastNovelty: 0, NonNovelStreak: cfg.DecayAfter * 4}
	if s.stateWeight(worse, 10) >= s.stateWeight(stale, 10) {
		t.Error("decay not monotone in streak length")
	}
}

func TestSchedulerSelectDeterministic(t *testing.T) {
	build := func() (*Scheduler, *Corpus) {
		c := newTestCorpus()
		st := state.NewSnapshot(testEnv())
		c.AddGenesis(st)
		sdb := state.New(st)
		sdb.SetNonce(attacker, 1)
		c.AddState(sdb.Commit(), 1)
		return NewScheduler(DefaultSchedulerConfig(), c), c
	}

	s1, _ := build()
	s2, _ := build()
	id1, _ := s1.SelectState(rand.New(rand.NewSource(7)), 10)
	id2, _ := s2.SelectState(rand.New(rand.NewSource(7)), 10)
	if id1 != id2 {
		t.Error("identical corpus and seed selected different states")
	}
}

func TestSchedulerOutcomeBookkeeping(t *testing.T) {
	c := newTestCorpus()
	st := state.NewSnapshot(testEnv())
	id := c.AddGenesis(st)
	s := NewScheduler(DefaultSchedulerConfig(), c)
	key := TemplateKey{Target: target}
	s.RegisterTemplate(key)

	s.ReportOutcome(id, key, false, 0, 1)
	s.ReportOutcome(id, key, false, 0, 2)
	if se := c.State(id); se.NonNovelStreak != 2 || se.Children != 2 {
		t.Errorf("streak/children = %d/%d", se.NonNovelStreak, se.Children)
	}
	s.ReportOutcome(id, key, true, 3, 3)
	if se := c.State(id); se.NonNovelStreak != 0 || se.LastNovelty != 3 {
		t.Errorf("novelty reset wrong: %+v", se)
	}
}

func TestSchedulerFavourites(t *testing.T) {
	c := newTestCorpus()
	s := NewScheduler(DefaultSchedulerConfig(), c)

	obs := cmpObs(10, 900)
	s.RecordComparisons([]vm.CmpObservation{obs})
	favs := s.FavouriteValues()
	if len(favs) != 2 {
		t.Fatalf("favourites = %d, want 2 (both operands)", len(favs))
	}
	if favs[1].Uint64() != 900 {
		t.Errorf("rhs favourite = %v", favs[1])
	}
}

func TestSchedulerTemplateBandit(t *testing.T) {
	c := newTestCorpus()
	s := NewScheduler(DefaultSchedulerConfig(), c)
	hot := TemplateKey{Target: target, Selector: [4]byte{1}}
	cold := TemplateKey{Target: target, Selector: [4]byte{2}}
	s.RegisterTemplate(hot)
	s.RegisterTemplate(cold)

	// Reward the hot template heavily.
	for i := 0; i < 16; i++ {
		s.ReportOutcome([32]byte{}, hot, true, 10, uint64(i))
		s.ReportOutcome([32]byte{}, cold, false, 0, uint64(i))
	}

	rng := rand.New(rand.NewSource(1))
	hits := 0
	for i := 0; i < 100; i++ {
		k, ok := s.SelectTemplate(rng)
		if !ok {
			t.Fatal("no template selected")
		}
		if k == hot {
			hits++
		}
	}
	if hits < 60 {
		t.Errorf("bandit picked the rewarded arm only %d/100 times", hits)
	}
}
