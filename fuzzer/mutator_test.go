package fuzzer

import (
	"bytes"
	"math/big"
	"math/rand"
	"testing"

	"github.com/snapfuzz/snapfuzz/core/state"
	"github.com/snapfuzz/snapfuzz/core/types"
	"github.com/snapfuzz/snapfuzz/core/vm"
	"github.com/snapfuzz/snapfuzz/log"
)

func newTestMutator() *Mutator {
	c := NewCorpus(128, log.Default())
	s := NewScheduler(DefaultSchedulerConfig(), c)
	attackers := []types.Address{
		attacker,
		types.HexToAddress("0x35c9dfd76bf02107ff4f7128bd69716612d31ddb"),
	}
	tokens := []types.Address{types.HexToAddress("0x04")}
	return NewMutator(DefaultMutatorConfig(), NewConstantsPool(), s, c, attackers, tokens)
}

func baseInput() *Input {
	return &Input{
		Caller:   attacker,
		Target:   target,
		Selector: vm.ComputeSelector("process(uint8)"),
		Args: []vm.ABIValue{
			{Type: vm.ABIType{Kind: vm.ABIUint, Width: 8}, Int: big.NewInt(1)},
		},
	}
}

func TestMutateIdempotentUnderSeed(t *testing.T) {
	st := state.NewSnapshot(testEnv())

	run := func() ([]byte, string, types.Address) {
		m := newTestMutator()
		out, name := m.Mutate(baseInput(), st, rand.New(rand.NewSource(42)))
		return out.Calldata(), name, out.Caller
	}
	cd1, n1, c1 := run()
	cd2, n2, c2 := run()
	if n1 != n2 || c1 != c2 || !bytes.Equal(cd1, cd2) {
		t.Errorf("same seed produced different mutants: %s/%s %x/%x", n1, n2, cd1, cd2)
	}
}

func TestMutateDoesNotAliasOriginal(t *testing.T) {
	st := state.NewSnapshot(testEnv())
	m := newTestMutator()
	in := baseInput()
	before := in.Calldata()

	for i := 0; i < 32; i++ {
		m.Mutate(in, st, rand.New(rand.NewSource(int64(i))))
	}
	if !bytes.Equal(in.Calldata(), before) {
		t.Error("mutation modified the original input")
	}
}

func TestMutateRespectsTypeWidth(t *testing.T) {
	st := state.NewSnapshot(testEnv())
	m := newTestMutator()
	limit := big.NewInt(256)

	for seed := int64(0); seed < 64; seed++ {
		out, _ := m.Mutate(baseInput(), st, rand.New(rand.NewSource(seed)))
		if out.IsResume() || len(out.Args) == 0 {
			continue
		}
		v := out.Args[0]
		if v.Type.Kind == vm.ABIUint && v.Int != nil && v.Int.Cmp(limit) >= 0 {
			t.Errorf("seed %d: uint8 slot out of range: %v", seed, v.Int)
		}
	}
}

func TestMutateToResumeTargetsPause(t *testing.T) {
	st := state.NewSnapshot(testEnv())
	st.Pauses = append(st.Pauses, &vm.PausedFrame{ExternalTarget: attacker})
	m := newTestMutator()

	converted := false
	for seed := int64(0); seed < 256 && !converted; seed++ {
		out, name := m.Mutate(baseInput(), st, rand.New(rand.NewSource(seed)))
		if name == "to-resume" {
			converted = true
			if !out.IsResume() || out.Resume.PauseIndex != 0 {
				t.Errorf("resume conversion malformed: %+v", out.Resume)
			}
		}
	}
	if !converted {
		t.Error("to-resume never fired despite an available pause")
	}
}

func TestMutateSequenceLiftBounded(t *testing.T) {
	st := state.NewSnapshot(testEnv())
	m := newTestMutator()
	m.sched.RegisterTemplate(TemplateKey{Target: target, Selector: [4]byte{9}})

	in := baseInput()
	for i := 0; i < 64; i++ {
		in, _ = m.Mutate(in, st, rand.New(rand.NewSource(int64(i))))
	}
	if got := in.SequenceLen(); got > m.cfg.MaxSequenceDepth {
		t.Errorf("sequence length %d exceeds cap %d", got, m.cfg.MaxSequenceDepth)
	}
}

func TestGenerateArgsRespectsDynBound(t *testing.T) {
	m := newTestMutator()
	elem := vm.ABIType{Kind: vm.ABIUint, Width: 256}
	argT := []vm.ABIType{
		{Kind: vm.ABIDynamicArray, Elem: &elem},
		{Kind: vm.ABIBytes},
	}
	for seed := int64(0); seed < 32; seed++ {
		vals := m.GenerateArgs(argT, rand.New(rand.NewSource(seed)))
		if len(vals[0].ArrayElems) > m.cfg.MaxDynLen {
			t.Errorf("array length %d over bound", len(vals[0].ArrayElems))
		}
		if len(vals[1].BytesVal) > m.cfg.MaxDynLen {
			t.Errorf("bytes length %d over bound", len(vals[1].BytesVal))
		}
	}
}

func TestHarvestCalldataFeedsConstants(t *testing.T) {
	genesis := state.NewSnapshot(testEnv())
	cfg := DefaultConfig()
	cfg.Attackers = []types.Address{attacker}
	f := New(cfg, testExecutor(), genesis, log.Default())

	before := f.constants.Len()
	// Selector + one full word + a 3-byte tail.
	data := append([]byte{0xa9, 0x05, 0x9c, 0xbb}, make([]byte, 32)...)
	data[4+31] = 0x77
	data = append(data, 0x01, 0x02, 0x03)
	f.HarvestCalldata(data)

	// Selector, argument word and tail are all pooled (the zero word and
	// small values may dedup against the seeded pool).
	if f.constants.Len() <= before {
		t.Errorf("pool did not grow: %d -> %d", before, f.constants.Len())
	}

	// Too short to carry a selector: ignored.
	n := f.constants.Len()
	f.HarvestCalldata([]byte{1, 2})
	if f.constants.Len() != n {
		t.Error("short calldata polluted the pool")
	}
}

func TestConstantsPoolHarvestsPushData(t *testing.T) {
	p := NewConstantsPool()
	before := p.Len()
	code := []byte{
		byte(vm.PUSH2), 0x12, 0x34,
		byte(vm.PUSH1), 0x56,
		byte(vm.ADD),
	}
	p.HarvestCode(code)
	if p.Len() != before+2 {
		t.Errorf("harvested %d constants, want 2", p.Len()-before)
	}
}
