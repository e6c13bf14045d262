package vm

import (
	"bytes"
	"testing"

	"github.com/snapfuzz/snapfuzz/core/types"
)

var testAttacker = types.HexToAddress("0x24cd2edba056b7c654a50e8201b619d4f624fdda")

// leakContract calls the attacker, then writes storage[7] = 1.
func leakContract() []byte {
	code := []byte{
		byte(PUSH1), 0, // retLen
		byte(PUSH1), 0, // retOffset
		byte(PUSH1), 0, // argsLen
		byte(PUSH1), 0, // argsOffset
		byte(PUSH1), 0, // value
		byte(PUSH1 + 19), // PUSH20
	}
	code = append(code, testAttacker[:]...)
	code = append(code,
		byte(PUSH2), 0xff, 0xff, // gas
		byte(CALL),
		byte(POP),
		byte(PUSH1), 1, byte(PUSH1), 7, byte(SSTORE),
		byte(STOP),
	)
	return code
}

func leakEVM(sdb *mockStateDB) (*EVM, *ReentrancyMiddleware) {
	evm := testEVM(sdb)
	reent := NewReentrancyMiddleware([]types.Address{testAttacker}, 4)
	evm.AddMiddleware(reent)
	return evm, reent
}

func TestControlLeakCapturesContinuation(t *testing.T) {
	sdb := newMockStateDB()
	installContract(sdb, leakContract())
	evm, _ := leakEVM(sdb)

	_, _, err := evm.Call(testCaller, testContract, nil, 500000, nil)
	var leak *ControlLeakError
	if !asControlLeak(err, &leak) {
		t.Fatalf("err = %v, want control leak", err)
	}
	p := leak.Pause
	if p.ExternalTarget != testAttacker {
		t.Errorf("leak target = %s", p.ExternalTarget.Hex())
	}
	if len(p.Frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(p.Frames))
	}
	if p.Frames[0].Pending {
		t.Error("innermost frame must hold its CALL args")
	}
	// The SSTORE after the call must not have run yet.
	if got := sdb.GetState(testContract, types.BytesToHash([]byte{7})); !got.IsZero() {
		t.Errorf("post-call store ran before resume: %x", got)
	}
}

func TestResumeCompletesFrame(t *testing.T) {
	sdb := newMockStateDB()
	installContract(sdb, leakContract())
	evm, _ := leakEVM(sdb)

	_, _, err := evm.Call(testCaller, testContract, nil, 500000, nil)
	var leak *ControlLeakError
	if !asControlLeak(err, &leak) {
		t.Fatalf("err = %v, want control leak", err)
	}

	injected := make([]byte, 32)
	injected[31] = 9
	if _, _, err := evm.Resume(leak.Pause.Copy(), injected); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got := sdb.GetState(testContract, types.BytesToHash([]byte{7}))
	if got[31] != 1 {
		t.Errorf("storage[7] = %x, want 1 after resumption", got)
	}
}

func TestResumeTwiceFromSamePause(t *testing.T) {
	sdb := newMockStateDB()
	installContract(sdb, leakContract())
	evm, _ := leakEVM(sdb)

	_, _, err := evm.Call(testCaller, testContract, nil, 500000, nil)
	var leak *ControlLeakError
	if !asControlLeak(err, &leak) {
		t.Fatalf("err = %v, want control leak", err)
	}

	// A pause is a value: resuming a copy must not consume the original.
	ret1, _, err1 := evm.Resume(leak.Pause.Copy(), nil)
	ret2, _, err2 := evm.Resume(leak.Pause.Copy(), nil)
	if err1 != nil || err2 != nil {
		t.Fatalf("Resume: %v / %v", err1, err2)
	}
	if !bytes.Equal(ret1, ret2) {
		t.Errorf("resumptions diverged: %x vs %x", ret1, ret2)
	}
}

func TestPauseDepthBound(t *testing.T) {
	sdb := newMockStateDB()
	installContract(sdb, leakContract())
	evm := testEVM(sdb)
	reent := NewReentrancyMiddleware([]types.Address{testAttacker}, 4)
	reent.SetPauseDepth(4) // already at the bound
	evm.AddMiddleware(reent)

	// The call into the attacker degrades to a plain empty-account call;
	// execution runs to completion.
	_, _, err := evm.Call(testCaller, testContract, nil, 500000, nil)
	if err != nil {
		t.Fatalf("bounded leak should execute normally, got %v", err)
	}
	got := sdb.GetState(testContract, types.BytesToHash([]byte{7}))
	if got[31] != 1 {
		t.Errorf("storage[7] = %x, want 1", got)
	}
}

func TestLeakDoesNotFireForSelfOrPrecompile(t *testing.T) {
	// CALL to the identity precompile (0x04) with attacker set containing it.
	code := []byte{
		byte(PUSH1), 0, byte(PUSH1), 0, byte(PUSH1), 0, byte(PUSH1), 0,
		byte(PUSH1), 0, byte(PUSH1), 4, byte(PUSH2), 0xff, 0xff,
		byte(CALL), byte(STOP),
	}
	sdb := newMockStateDB()
	installContract(sdb, code)
	evm := testEVM(sdb)
	pre := types.BytesToAddress([]byte{4})
	evm.AddMiddleware(NewReentrancyMiddleware([]types.Address{pre}, 4))

	if _, _, err := evm.Call(testCaller, testContract, nil, 500000, nil); err != nil {
		t.Fatalf("precompile call should not leak: %v", err)
	}
}

func TestNestedLeakChainsFrames(t *testing.T) {
	// Outer contract calls inner contract, which leaks to the attacker.
	inner := types.HexToAddress("0x3000000000000000000000000000000000000003")

	outer := []byte{
		byte(PUSH1), 0, byte(PUSH1), 0, byte(PUSH1), 0, byte(PUSH1), 0,
		byte(PUSH1), 0, byte(PUSH1 + 19),
	}
	outer = append(outer, inner[:]...)
	outer = append(outer,
		byte(PUSH2), 0xff, 0xff,
		byte(CALL),
		byte(POP),
		byte(PUSH1), 1, byte(PUSH1), 8, byte(SSTORE),
		byte(STOP),
	)

	sdb := newMockStateDB()
	installContract(sdb, outer)
	sdb.getOrNew(inner).code = leakContract()
	evm, _ := leakEVM(sdb)

	_, _, err := evm.Call(testCaller, testContract, nil, 500000, nil)
	var leak *ControlLeakError
	if !asControlLeak(err, &leak) {
		t.Fatalf("err = %v, want control leak", err)
	}
	if len(leak.Pause.Frames) != 2 {
		t.Fatalf("frames = %d, want 2 (inner + outer)", len(leak.Pause.Frames))
	}
	if !leak.Pause.Frames[1].Pending {
		t.Error("outer frame should be pending")
	}

	if _, _, err := evm.Resume(leak.Pause.Copy(), nil); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	// Both frames completed: inner wrote slot 7 (on the inner account),
	// outer wrote slot 8 (on the outer account).
	if got := sdb.GetState(inner, types.BytesToHash([]byte{7})); got[31] != 1 {
		t.Errorf("inner storage[7] = %x, want 1", got)
	}
	if got := sdb.GetState(testContract, types.BytesToHash([]byte{8})); got[31] != 1 {
		t.Errorf("outer storage[8] = %x, want 1", got)
	}
}
