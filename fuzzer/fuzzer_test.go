package fuzzer

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/snapfuzz/snapfuzz/core/state"
	"github.com/snapfuzz/snapfuzz/core/types"
	"github.com/snapfuzz/snapfuzz/core/vm"
	"github.com/snapfuzz/snapfuzz/log"
	"github.com/snapfuzz/snapfuzz/oracle"
)

// dispatchContract routes process(uint8) and oracle_harness() by selector:
// process stores its argument (require a < 2) at slot 2; the harness
// returns slot2 == 0.
func dispatchContract() []byte {
	selProcess := vm.ComputeSelector("process(uint8)")
	selHarness := vm.ComputeSelector("oracle_harness()")

	code := []byte{
		byte(vm.PUSH1), 0, byte(vm.CALLDATALOAD),
		byte(vm.PUSH1), 0xe0, byte(vm.SHR),
		byte(vm.DUP1), byte(vm.PUSH4),
	}
	code = append(code, selProcess[:]...)
	code = append(code, byte(vm.EQ), byte(vm.PUSH1), 27, byte(vm.JUMPI))
	code = append(code, byte(vm.DUP1), byte(vm.PUSH4))
	code = append(code, selHarness[:]...)
	code = append(code, byte(vm.EQ), byte(vm.PUSH1), 48, byte(vm.JUMPI))
	code = append(code, byte(vm.STOP))

	// 27: process(uint8)
	code = append(code,
		byte(vm.JUMPDEST),
		byte(vm.PUSH1), 4, byte(vm.CALLDATALOAD),
		byte(vm.PUSH1), 2, byte(vm.DUP1+1), byte(vm.LT),
		byte(vm.PUSH1), 43, byte(vm.JUMPI),
		byte(vm.PUSH1), 0, byte(vm.PUSH1), 0, byte(vm.REVERT),
		byte(vm.JUMPDEST),
		byte(vm.PUSH1), 2, byte(vm.SSTORE),
		byte(vm.STOP),
	)

	// 48: oracle_harness() -> bool(slot2 == 0)
	code = append(code,
		byte(vm.JUMPDEST),
		byte(vm.PUSH1), 2, byte(vm.SLOAD), byte(vm.ISZERO),
		byte(vm.PUSH1), 0, byte(vm.MSTORE),
		byte(vm.PUSH1), 32, byte(vm.PUSH1), 0, byte(vm.RETURN),
	)
	return code
}

func TestFuzzerBreaksHarnessInvariant(t *testing.T) {
	genesis := genesisWith(dispatchContract())
	exec := testExecutor()

	cfg := DefaultConfig()
	cfg.Attackers = []types.Address{attacker}
	cfg.MaxIterations = 50_000
	cfg.PanicOnBug = true
	cfg.StatsEvery = 0

	f := New(cfg, exec, genesis, log.Default())
	f.RegisterFunction(target, "process", []vm.ABIType{{Kind: vm.ABIUint, Width: 8}})
	f.RegisterFunction(target, "oracle_harness", nil)

	err := f.Run()
	if !errors.Is(err, ErrBugFound) {
		t.Fatalf("Run = %v, want bug found (bugs: %d)", err, len(f.Bugs()))
	}

	bugs := f.Bugs()
	if len(bugs) == 0 {
		t.Fatal("no bug recorded")
	}
	b := bugs[0]
	if b.Kind != oracle.KindInvariantBroken || b.Message != "oracle_harness" {
		t.Errorf("bug = %s %q", b.Kind, b.Message)
	}
	if len(b.Witness) == 0 {
		t.Fatal("empty witness")
	}
	// The witness must end in a process call storing a nonzero value.
	last := b.Witness[len(b.Witness)-1]
	sel := vm.ComputeSelector("process(uint8)")
	var got [4]byte
	copy(got[:], last.Calldata[:4])
	if got != sel {
		t.Errorf("final witness selector = %x", got)
	}
}

func TestFuzzerCoverageMonotoneAcrossRun(t *testing.T) {
	genesis := genesisWith(dispatchContract())
	exec := testExecutor()

	cfg := DefaultConfig()
	cfg.Attackers = []types.Address{attacker}
	cfg.MaxIterations = 200
	cfg.StatsEvery = 0

	f := New(cfg, exec, genesis, log.Default())
	f.RegisterFunction(target, "process", []vm.ABIType{{Kind: vm.ABIUint, Width: 8}})

	prev := 0
	for i := 0; i < 5; i++ {
		if err := f.Run(); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if f.Coverage() < prev {
			t.Fatalf("coverage shrank: %d -> %d", prev, f.Coverage())
		}
		prev = f.Coverage()
		f.cfg.MaxIterations += 200
	}
}

func TestFuzzerPersistsCorpusAndStats(t *testing.T) {
	dir := t.TempDir()
	genesis := genesisWith(dispatchContract())
	exec := testExecutor()

	cfg := DefaultConfig()
	cfg.Attackers = []types.Address{attacker}
	cfg.MaxIterations = 2000
	cfg.WorkDir = dir
	cfg.StatsEvery = 500

	f := New(cfg, exec, genesis, log.Default())
	f.RegisterFunction(target, "process", []vm.ABIType{{Kind: vm.ABIUint, Width: 8}})
	if err := f.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, err := filepath.Glob(filepath.Join(dir, "corpus", "*"))
	if err != nil || len(entries) == 0 {
		t.Errorf("no corpus files persisted: %v", err)
	}
	if stats, err := filepath.Glob(filepath.Join(dir, "stats.json")); err != nil || len(stats) == 0 {
		t.Errorf("stats.json not persisted: %v", err)
	}

	// Replayable files must load back as inputs.
	replayables, _ := filepath.Glob(filepath.Join(dir, "corpus", "*_replayable"))
	if len(replayables) == 0 {
		t.Fatal("no replayable sequences persisted")
	}
	if _, err := LoadReplayInputs(replayables[0]); err != nil {
		t.Errorf("replayable sequence did not load: %v", err)
	}
}

func TestFuzzerReplayReproducesBug(t *testing.T) {
	genesis := genesisWith(dispatchContract())
	exec := testExecutor()

	cfg := DefaultConfig()
	cfg.Attackers = []types.Address{attacker}

	f := New(cfg, exec, genesis, log.Default())
	f.RegisterFunction(target, "process", []vm.ABIType{{Kind: vm.ABIUint, Width: 8}})
	f.RegisterFunction(target, "oracle_harness", nil)

	// A hand-written witness: process(1).
	in := &Input{
		Caller:   attacker,
		Target:   target,
		Selector: vm.ComputeSelector("process(uint8)"),
		Args:     uint8Arg(1),
	}
	if err := f.Replay([]*Input{in}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	found := false
	for _, b := range f.Bugs() {
		if b.Kind == oracle.KindInvariantBroken {
			found = true
		}
	}
	if !found {
		t.Error("replayed sequence did not fire the invariant oracle")
	}
}

func TestCorpusDedupAndEviction(t *testing.T) {
	c := NewCorpus(4, log.Default())
	genesis := state.NewSnapshot(testEnv())
	c.AddGenesis(genesis)

	// The same snapshot admitted twice dedups by hash.
	id1 := c.AddState(genesis.Copy(), 1)
	id2 := c.AddState(genesis.Copy(), 2)
	if id1 != id2 {
		t.Error("structurally equal snapshots got different ids")
	}

	// Genesis is never evicted, whatever the pressure.
	for i := byte(1); i < 32; i++ {
		sdb := state.New(genesis)
		sdb.SetNonce(types.BytesToAddress([]byte{i}), uint64(i))
		c.AddState(sdb.Commit(), uint64(i))
	}
	if c.State(c.genesis) == nil {
		t.Error("genesis evicted under pressure")
	}
}
