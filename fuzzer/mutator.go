package fuzzer

import (
	"math/big"
	"math/rand"

	"github.com/snapfuzz/snapfuzz/core/state"
	"github.com/snapfuzz/snapfuzz/core/types"
	"github.com/snapfuzz/snapfuzz/core/vm"
)

// MutatorConfig bounds generated inputs.
type MutatorConfig struct {
	MaxDynLen        int // max generated dynamic array / bytes length
	MaxSequenceDepth int // max transactions in a lifted sequence
}

// DefaultMutatorConfig returns the standard mutation bounds.
func DefaultMutatorConfig() MutatorConfig {
	return MutatorConfig{MaxDynLen: 32, MaxSequenceDepth: 4}
}

// Strategy is one pure mutation operator. Apply returns false when the
// operator does not apply to the input (wrong shape, nothing to do); the
// mutator then tries another.
type Strategy struct {
	Name  string
	Apply func(m *Mutator, in *Input, st *state.Snapshot, rng *rand.Rand) bool

	uses   uint64
	reward float64
}

// Mutator applies power-scheduled structured mutations over typed inputs.
// Strategy registration is data-driven: new operators slot in without
// touching the scheduler.
type Mutator struct {
	cfg       MutatorConfig
	constants *ConstantsPool
	sched     *Scheduler
	corpus    *Corpus
	attackers []types.Address
	tokens    []types.Address

	// ArgTypesFn resolves a template's argument types from the ABI
	// registry; set by the fuzzing loop.
	ArgTypesFn func(TemplateKey) []vm.ABIType

	strategies []*Strategy
}

// NewMutator builds the mutator with the default operator set.
func NewMutator(cfg MutatorConfig, constants *ConstantsPool, sched *Scheduler, corpus *Corpus, attackers, tokens []types.Address) *Mutator {
	m := &Mutator{
		cfg:       cfg,
		constants: constants,
		sched:     sched,
		corpus:    corpus,
		attackers: attackers,
		tokens:    tokens,
	}
	m.Register(&Strategy{Name: "bitflip", Apply: mutateBitflip})
	m.Register(&Strategy{Name: "constant", Apply: mutateConstant})
	m.Register(&Strategy{Name: "favourite", Apply: mutateFavourite})
	m.Register(&Strategy{Name: "splice", Apply: mutateSplice})
	m.Register(&Strategy{Name: "caller", Apply: mutateCaller})
	m.Register(&Strategy{Name: "value", Apply: mutateValue})
	m.Register(&Strategy{Name: "flashloan", Apply: mutateFlashloan})
	m.Register(&Strategy{Name: "to-resume", Apply: mutateToResume})
	m.Register(&Strategy{Name: "seq-lift", Apply: mutateSeqLift})
	return m
}

// Register adds a mutation operator.
func (m *Mutator) Register(s *Strategy) {
	m.strategies = append(m.strategies, s)
}

// Mutate applies one operator to a copy of in, returning the mutant and the
// operator name. The same rng state always yields the same mutant.
func (m *Mutator) Mutate(in *Input, st *state.Snapshot, rng *rand.Rand) (*Input, string) {
	out := in.Copy()
	for attempt := 0; attempt < 8; attempt++ {
		s := m.pick(rng)
		if s.Apply(m, out, st, rng) {
			s.uses++
			return out, s.Name
		}
	}
	return out, "identity"
}

// ReportResult feeds power-scheduling: novel children reward their operator,
// reverts on a coverage plateau cost it.
func (m *Mutator) ReportResult(name string, novel, reverted bool) {
	for _, s := range m.strategies {
		if s.Name != name {
			continue
		}
		if novel {
			s.reward += 1
		} else if reverted {
			s.reward -= 0.25
			if s.reward < 0 {
				s.reward = 0
			}
		}
		return
	}
}

// pick selects an operator with probability proportional to its
// power-scheduled score.
func (m *Mutator) pick(rng *rand.Rand) *Strategy {
	total := 0.0
	for _, s := range m.strategies {
		total += m.score(s)
	}
	p := rng.Float64() * total
	for _, s := range m.strategies {
		p -= m.score(s)
		if p <= 0 {
			return s
		}
	}
	return m.strategies[len(m.strategies)-1]
}

func (m *Mutator) score(s *Strategy) float64 {
	return (s.reward + 1) / (float64(s.uses)/64 + 1)
}

// GenerateArgs produces a random argument vector for the given types,
// drawing from the constants pool and comparison favourites.
func (m *Mutator) GenerateArgs(argTypes []vm.ABIType, rng *rand.Rand) []vm.ABIValue {
	out := make([]vm.ABIValue, len(argTypes))
	for i, t := range argTypes {
		out[i] = m.generateValue(t, rng)
	}
	return out
}

func (m *Mutator) generateValue(t vm.ABIType, rng *rand.Rand) vm.ABIValue {
	switch t.Kind {
	case vm.ABIUint, vm.ABIInt:
		return vm.ABIValue{Type: t, Int: m.randomWord(t, rng)}
	case vm.ABIAddress:
		return vm.ABIValue{Type: t, Addr: m.randomAddress(rng)}
	case vm.ABIBool:
		return vm.ABIValue{Type: t, Bool: rng.Intn(2) == 1}
	case vm.ABIFixedBytes:
		b := make([]byte, t.Size)
		rng.Read(b)
		return vm.ABIValue{Type: t, BytesVal: b}
	case vm.ABIBytes, vm.ABIString:
		n := rng.Intn(m.cfg.MaxDynLen + 1)
		b := make([]byte, n)
		rng.Read(b)
		v := vm.ABIValue{Type: t, BytesVal: b}
		if t.Kind == vm.ABIString {
			v.StringVal = string(b)
		}
		return v
	case vm.ABIFixedArray:
		elems := make([]vm.ABIValue, t.Size)
		for i := range elems {
			elems[i] = m.generateValue(*t.Elem, rng)
		}
		return vm.ABIValue{Type: t, ArrayElems: elems}
	case vm.ABIDynamicArray:
		n := rng.Intn(m.cfg.MaxDynLen + 1)
		elems := make([]vm.ABIValue, n)
		for i := range elems {
			elems[i] = m.generateValue(*t.Elem, rng)
		}
		return vm.ABIValue{Type: t, ArrayElems: elems}
	case vm.ABITuple:
		elems := make([]vm.ABIValue, len(t.Fields))
		for i, f := range t.Fields {
			elems[i] = m.generateValue(f, rng)
		}
		return vm.ABIValue{Type: t, TupleElems: elems}
	}
	return vm.ABIValue{Type: t, Int: new(big.Int)}
}

// randomWord draws an integer respecting the type width: small values,
// pooled constants and comparison favourites, clamped into range.
func (m *Mutator) randomWord(t vm.ABIType, rng *rand.Rand) *big.Int {
	var v *big.Int
	switch rng.Intn(4) {
	case 0:
		v = big.NewInt(int64(rng.Intn(256)))
	case 1:
		v = m.constants.Sample(rng)
	case 2:
		favs := m.sched.FavouriteValues()
		if len(favs) > 0 {
			v = favs[rng.Intn(len(favs))].ToBig()
		} else {
			v = m.constants.Sample(rng)
		}
	default:
		buf := make([]byte, t.Width/8)
		if len(buf) == 0 {
			buf = make([]byte, 32)
		}
		rng.Read(buf)
		v = new(big.Int).SetBytes(buf)
	}
	return clampWidth(v, t)
}

// clampWidth masks v into the type's bit width.
func clampWidth(v *big.Int, t vm.ABIType) *big.Int {
	w := t.Width
	if w == 0 || w > 256 {
		w = 256
	}
	mask := new(big.Int).Lsh(big.NewInt(1), uint(w))
	mask.Sub(mask, big.NewInt(1))
	return new(big.Int).And(v, mask)
}

func (m *Mutator) randomAddress(rng *rand.Rand) types.Address {
	pool := append(append([]types.Address(nil), m.attackers...), m.tokens...)
	if len(pool) > 0 && rng.Intn(2) == 0 {
		return pool[rng.Intn(len(pool))]
	}
	var a types.Address
	rng.Read(a[:])
	return a
}

// --- operators ---

// mutateBitflip flips bits or bytes within one typed slot, respecting the
// slot's width.
func mutateBitflip(m *Mutator, in *Input, st *state.Snapshot, rng *rand.Rand) bool {
	if in.IsResume() {
		// Flip inside the injected return data instead.
		if len(in.Resume.ReturnData) == 0 {
			in.Resume.ReturnData = make([]byte, 32)
		}
		idx := rng.Intn(len(in.Resume.ReturnData))
		in.Resume.ReturnData[idx] ^= byte(1 << rng.Intn(8))
		return true
	}
	if len(in.Args) == 0 {
		return false
	}
	i := rng.Intn(len(in.Args))
	v := &in.Args[i]
	switch v.Type.Kind {
	case vm.ABIUint, vm.ABIInt:
		if v.Int == nil {
			v.Int = new(big.Int)
		}
		bit := rng.Intn(v.Type.Width)
		if v.Type.Width == 0 {
			bit = rng.Intn(256)
		}
		flipped := new(big.Int).Set(v.Int)
		if flipped.Bit(bit) == 1 {
			flipped.SetBit(flipped, bit, 0)
		} else {
			flipped.SetBit(flipped, bit, 1)
		}
		v.Int = clampWidth(flipped, v.Type)
		return true
	case vm.ABIFixedBytes, vm.ABIBytes, vm.ABIString:
		if len(v.BytesVal) == 0 {
			return false
		}
		idx := rng.Intn(len(v.BytesVal))
		v.BytesVal[idx] ^= byte(1 << rng.Intn(8))
		if v.Type.Kind == vm.ABIString {
			v.StringVal = string(v.BytesVal)
		}
		return true
	case vm.ABIBool:
		v.Bool = !v.Bool
		return true
	}
	return false
}

// mutateConstant replaces one slot with a constants-pool value.
func mutateConstant(m *Mutator, in *Input, st *state.Snapshot, rng *rand.Rand) bool {
	if in.IsResume() || len(in.Args) == 0 {
		return false
	}
	i := rng.Intn(len(in.Args))
	v := &in.Args[i]
	switch v.Type.Kind {
	case vm.ABIUint, vm.ABIInt:
		v.Int = clampWidth(m.constants.Sample(rng), v.Type)
		return true
	case vm.ABIAddress:
		v.Addr = types.BigToAddress(m.constants.Sample(rng))
		return true
	}
	return false
}

// mutateFavourite replaces one integer slot with a comparison operand.
func mutateFavourite(m *Mutator, in *Input, st *state.Snapshot, rng *rand.Rand) bool {
	if in.IsResume() || len(in.Args) == 0 {
		return false
	}
	favs := m.sched.FavouriteValues()
	if len(favs) == 0 {
		return false
	}
	i := rng.Intn(len(in.Args))
	v := &in.Args[i]
	if v.Type.Kind != vm.ABIUint && v.Type.Kind != vm.ABIInt {
		return false
	}
	v.Int = clampWidth(favs[rng.Intn(len(favs))].ToBig(), v.Type)
	return true
}

// mutateSplice swaps the argument vector with another corpus input that
// calls the same selector.
func mutateSplice(m *Mutator, in *Input, st *state.Snapshot, rng *rand.Rand) bool {
	if in.IsResume() {
		return false
	}
	var candidates []*Entry
	for _, e := range m.corpus.Entries() {
		if !e.Input.IsResume() && e.Input.Selector == in.Selector && e.Input.Target == in.Target && len(e.Input.Args) == len(in.Args) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 || len(in.Args) == 0 {
		return false
	}
	donor := candidates[rng.Intn(len(candidates))].Input
	// Splice a suffix of the donor's arguments.
	cut := rng.Intn(len(in.Args))
	for i := cut; i < len(in.Args); i++ {
		in.Args[i] = copyValue(donor.Args[i])
	}
	return true
}

// mutateCaller swaps the caller across the attacker-controlled set.
func mutateCaller(m *Mutator, in *Input, st *state.Snapshot, rng *rand.Rand) bool {
	if len(m.attackers) < 2 {
		return false
	}
	next := m.attackers[rng.Intn(len(m.attackers))]
	if next == in.Caller {
		return false
	}
	in.Caller = next
	return true
}

// mutateValue perturbs the transferred value.
func mutateValue(m *Mutator, in *Input, st *state.Snapshot, rng *rand.Rand) bool {
	if in.IsResume() {
		return false
	}
	switch rng.Intn(3) {
	case 0:
		in.Value = new(big.Int)
	case 1:
		in.Value = big.NewInt(int64(rng.Intn(1 << 20)))
	default:
		in.Value = m.constants.Sample(rng)
	}
	return true
}

// mutateFlashloan toggles the "borrow X of token T" hint.
func mutateFlashloan(m *Mutator, in *Input, st *state.Snapshot, rng *rand.Rand) bool {
	if len(m.tokens) == 0 {
		return false
	}
	if in.Borrow != nil {
		in.Borrow = nil
		return true
	}
	amount := m.constants.Sample(rng)
	if amount.Sign() == 0 {
		amount = big.NewInt(1_000_000)
	}
	in.Borrow = &BorrowHint{
		Token:  m.tokens[rng.Intn(len(m.tokens))],
		Amount: amount,
	}
	return true
}

// mutateToResume converts a fresh call into a resumption of a compatible
// paused continuation in the originating state.
func mutateToResume(m *Mutator, in *Input, st *state.Snapshot, rng *rand.Rand) bool {
	if in.IsResume() || st == nil || len(st.Pauses) == 0 {
		return false
	}
	idx := rng.Intn(len(st.Pauses))
	ret := make([]byte, 32)
	if rng.Intn(2) == 0 {
		b := m.constants.Sample(rng).Bytes()
		copy(ret[32-len(b):], b)
	}
	in.Args = nil
	in.RawArgs = nil
	in.Value = nil
	in.Resume = &ResumeRef{PauseIndex: idx, ReturnData: ret}
	return true
}

// mutateSeqLift prepends a transaction, lifting the input to a sequence
// (bounded by MaxSequenceDepth).
func mutateSeqLift(m *Mutator, in *Input, st *state.Snapshot, rng *rand.Rand) bool {
	if in.SequenceLen() >= m.cfg.MaxSequenceDepth {
		return false
	}
	key, ok := m.sched.SelectTemplate(rng)
	if !ok {
		return false
	}
	caller := in.Caller
	if len(m.attackers) > 0 {
		caller = m.attackers[rng.Intn(len(m.attackers))]
	}
	prefix := &Input{
		Caller:   caller,
		Target:   key.Target,
		Selector: key.Selector,
	}
	if m.ArgTypesFn != nil {
		prefix.Args = m.GenerateArgs(m.ArgTypesFn(key), rng)
	}
	prefix.Prefix = in.Prefix
	in.Prefix = prefix
	return true
}
