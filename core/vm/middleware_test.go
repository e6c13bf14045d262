package vm

import (
	"errors"
	"math/big"
	"testing"

	"github.com/snapfuzz/snapfuzz/core/types"
)

// branchContract jumps to a JUMPDEST when the first calldata word is non-zero.
func branchContract() []byte {
	return []byte{
		byte(PUSH1), 0, byte(CALLDATALOAD), // cond
		byte(PUSH1), 8, byte(JUMPI),
		byte(STOP),
		0,
		byte(JUMPDEST),
		byte(PUSH1), 1, byte(PUSH1), 3, byte(SSTORE),
		byte(STOP),
	}
}

func TestCoverageMiddlewareRecordsBranchEdges(t *testing.T) {
	run := func(input []byte) map[CoverageEdge]uint64 {
		sdb := newMockStateDB()
		installContract(sdb, branchContract())
		evm := testEVM(sdb)
		cov := NewCoverageMiddleware()
		evm.AddMiddleware(cov)
		if _, _, err := evm.Call(testCaller, testContract, input, 200000, nil); err != nil {
			t.Fatalf("Call: %v", err)
		}
		return cov.Edges()
	}

	taken := run([]byte{1})
	fallthru := run(nil)

	foundTaken := false
	for e := range taken {
		if e.From == 5 && e.To == 8 {
			foundTaken = true
		}
	}
	if !foundTaken {
		t.Errorf("taken branch edge missing: %v", taken)
	}

	foundFall := false
	for e := range fallthru {
		if e.From == 5 && e.To == 6 {
			foundFall = true
		}
	}
	if !foundFall {
		t.Errorf("fallthrough edge missing: %v", fallthru)
	}
}

func TestCmpLogRecordsDistance(t *testing.T) {
	// EQ(calldata[0..32], 1000)
	code := []byte{
		byte(PUSH2), 0x03, 0xe8, // 1000
		byte(PUSH1), 0, byte(CALLDATALOAD),
		byte(EQ), byte(POP), byte(STOP),
	}
	sdb := newMockStateDB()
	installContract(sdb, code)
	evm := testEVM(sdb)
	cmp := NewCmpLogMiddleware()
	evm.AddMiddleware(cmp)

	input := make([]byte, 32)
	input[31] = 100 // distance 900
	if _, _, err := evm.Call(testCaller, testContract, input, 200000, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	obs := cmp.Observations()
	if len(obs) != 1 {
		t.Fatalf("observations = %d, want 1", len(obs))
	}
	if obs[0].Op != EQ {
		t.Errorf("op = %v", obs[0].Op)
	}
	if obs[0].Distance.Uint64() != 900 {
		t.Errorf("distance = %v, want 900", obs[0].Distance)
	}
}

func TestDataflowFlagsTaintedStore(t *testing.T) {
	// storage[5] = calldata word: a calldata-tainted write.
	code := []byte{
		byte(PUSH1), 0, byte(CALLDATALOAD),
		byte(PUSH1), 5, byte(SSTORE),
		byte(STOP),
	}
	sdb := newMockStateDB()
	installContract(sdb, code)
	evm := testEVM(sdb)
	df := NewDataflowMiddleware()
	evm.AddMiddleware(df)

	input := make([]byte, 32)
	input[31] = 3
	if _, _, err := evm.Call(testCaller, testContract, input, 200000, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	slot := StorageSlot{Addr: testContract, Key: types.BytesToHash([]byte{5})}
	if !df.TaintedWrites()[slot] {
		t.Errorf("tainted write not flagged: %v", df.TaintedWrites())
	}
}

func TestDataflowConstantStoreNotTainted(t *testing.T) {
	code := []byte{
		byte(PUSH1), 9,
		byte(PUSH1), 5, byte(SSTORE),
		byte(STOP),
	}
	sdb := newMockStateDB()
	installContract(sdb, code)
	evm := testEVM(sdb)
	df := NewDataflowMiddleware()
	evm.AddMiddleware(df)

	if _, _, err := evm.Call(testCaller, testContract, nil, 200000, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(df.TaintedWrites()) != 0 {
		t.Errorf("constant store flagged tainted: %v", df.TaintedWrites())
	}
}

func TestDataflowTaintedCallTarget(t *testing.T) {
	// CALL whose target comes straight from calldata.
	code := []byte{
		byte(PUSH1), 0, // retLen
		byte(PUSH1), 0, // retOffset
		byte(PUSH1), 0, // argsLen
		byte(PUSH1), 0, // argsOffset
		byte(PUSH1), 0, // value
		byte(PUSH1), 0, byte(CALLDATALOAD), // target from calldata
		byte(PUSH2), 0xff, 0xff,
		byte(CALL), byte(POP), byte(STOP),
	}
	sdb := newMockStateDB()
	installContract(sdb, code)
	evm := testEVM(sdb)
	df := NewDataflowMiddleware()
	evm.AddMiddleware(df)

	input := make([]byte, 32)
	input[31] = 0x42
	if _, _, err := evm.Call(testCaller, testContract, input, 200000, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	calls := df.TaintedCalls()
	if len(calls) != 1 {
		t.Fatalf("tainted calls = %d, want 1", len(calls))
	}
	if !calls[0].TargetTainted {
		t.Error("target taint not propagated")
	}
	if calls[0].Target != types.BytesToAddress([]byte{0x42}) {
		t.Errorf("target = %s", calls[0].Target.Hex())
	}
}

// fakeSource is a SlotSource with canned answers.
type fakeSource struct {
	storage map[types.Hash]types.Hash
	code    map[types.Address][]byte
	calls   int
	fail    bool
}

func (f *fakeSource) Code(addr types.Address) ([]byte, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("upstream down")
	}
	return f.code[addr], nil
}

func (f *fakeSource) Storage(addr types.Address, key types.Hash) (types.Hash, error) {
	f.calls++
	if f.fail {
		return types.Hash{}, errors.New("upstream down")
	}
	return f.storage[key], nil
}

func (f *fakeSource) Balance(addr types.Address) (*big.Int, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("upstream down")
	}
	return new(big.Int), nil
}

func TestFetchMiddlewareInstallsSlot(t *testing.T) {
	// SLOAD slot 1 and return it.
	code := []byte{
		byte(PUSH1), 1, byte(SLOAD),
		byte(PUSH1), 0, byte(MSTORE),
		byte(PUSH1), 32, byte(PUSH1), 0, byte(RETURN),
	}
	src := &fakeSource{storage: map[types.Hash]types.Hash{
		types.BytesToHash([]byte{1}): types.BytesToHash([]byte{0xbe, 0xef}),
	}}

	sdb := newMockStateDB()
	installContract(sdb, code)
	evm := testEVM(sdb)
	evm.AddMiddleware(NewFetchMiddleware(src))

	ret, _, err := evm.Call(testCaller, testContract, nil, 200000, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if ret[30] != 0xbe || ret[31] != 0xef {
		t.Errorf("fetched slot = %x", ret)
	}

	// Second execution must hit the fetched marker, not the upstream.
	before := src.calls
	if _, _, err := evm.Call(testCaller, testContract, nil, 200000, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if src.calls != before {
		t.Errorf("refetched an already-known slot (%d extra calls)", src.calls-before)
	}
}

func TestFetchMiddlewarePermanentMissTaints(t *testing.T) {
	code := []byte{
		byte(PUSH1), 1, byte(SLOAD), byte(POP), byte(STOP),
	}
	src := &fakeSource{fail: true}

	sdb := newMockStateDB()
	installContract(sdb, code)
	evm := testEVM(sdb)
	evm.AddMiddleware(NewFetchMiddleware(src))

	if _, _, err := evm.Call(testCaller, testContract, nil, 200000, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !sdb.UnknownTainted(testContract) {
		t.Error("permanent miss did not taint the address")
	}
	if !sdb.SlotFetched(testContract, types.BytesToHash([]byte{1})) {
		t.Error("missed slot should still be marked fetched (as zero)")
	}
}

func TestFlashloanTracksTransfer(t *testing.T) {
	token := types.HexToAddress("0x4000000000000000000000000000000000000004")
	recipient := types.HexToAddress("0x5000000000000000000000000000000000000005")

	// Build transfer(recipient, 500) calldata in memory, then CALL token.
	calldata := EncodeFunctionCall(selTransfer, []ABIValue{
		{Type: ABIType{Kind: ABIAddress}, Addr: recipient},
		{Type: ABIType{Kind: ABIUint, Width: 256}, Int: big.NewInt(500)},
	})

	var code []byte
	// MSTORE the calldata into memory word by word (pad to 96 bytes).
	padded := make([]byte, 96)
	copy(padded, calldata)
	for i := 0; i < 96; i += 32 {
		code = append(code, byte(PUSH32))
		code = append(code, padded[i:i+32]...)
		code = append(code, byte(PUSH1), byte(i), byte(MSTORE))
	}
	code = append(code,
		byte(PUSH1), 0, // retLen
		byte(PUSH1), 0, // retOffset
		byte(PUSH1), 68, // argsLen = 4 + 64
		byte(PUSH1), 0, // argsOffset
		byte(PUSH1), 0, // value
		byte(PUSH1+19),
	)
	code = append(code, token[:]...)
	code = append(code, byte(PUSH2), 0xff, 0xff, byte(CALL), byte(POP), byte(STOP))

	sdb := newMockStateDB()
	installContract(sdb, code)
	evm := testEVM(sdb)
	flash := NewFlashloanMiddleware([]types.Address{token}, nil)
	evm.AddMiddleware(flash)

	if _, _, err := evm.Call(testCaller, testContract, nil, 500000, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	flows := flash.Flows()
	if len(flows) != 2 {
		t.Fatalf("flows = %d, want debit+credit", len(flows))
	}
	if flows[0].Holder != testContract || flows[0].Amount.Int64() != -500 {
		t.Errorf("debit flow = %+v", flows[0])
	}
	if flows[1].Holder != recipient || flows[1].Amount.Int64() != 500 {
		t.Errorf("credit flow = %+v", flows[1])
	}
}
