package vm

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/snapfuzz/snapfuzz/core/types"
)

// mockAccount backs mockStateDB.
type mockAccount struct {
	nonce   uint64
	balance *big.Int
	code    []byte
	storage map[types.Hash]types.Hash
	dead    bool
}

func newMockAccount() *mockAccount {
	return &mockAccount{balance: new(big.Int), storage: make(map[types.Hash]types.Hash)}
}

func (a *mockAccount) copy() *mockAccount {
	c := &mockAccount{
		nonce:   a.nonce,
		balance: new(big.Int).Set(a.balance),
		code:    append([]byte(nil), a.code...),
		storage: make(map[types.Hash]types.Hash, len(a.storage)),
		dead:    a.dead,
	}
	for k, v := range a.storage {
		c.storage[k] = v
	}
	return c
}

// mockStateDB is a naive full-copy-snapshot implementation of StateDB for
// interpreter tests.
type mockStateDB struct {
	accounts  map[types.Address]*mockAccount
	logs      []*types.Log
	transient map[types.Address]map[types.Hash]types.Hash
	fetched   map[string]bool
	tainted   map[types.Address]bool
	snaps     []map[types.Address]*mockAccount
}

func newMockStateDB() *mockStateDB {
	return &mockStateDB{
		accounts:  make(map[types.Address]*mockAccount),
		transient: make(map[types.Address]map[types.Hash]types.Hash),
		fetched:   make(map[string]bool),
		tainted:   make(map[types.Address]bool),
	}
}

func (s *mockStateDB) get(addr types.Address) *mockAccount { return s.accounts[addr] }

func (s *mockStateDB) getOrNew(addr types.Address) *mockAccount {
	if a := s.accounts[addr]; a != nil {
		return a
	}
	a := newMockAccount()
	s.accounts[addr] = a
	return a
}

func (s *mockStateDB) CreateAccount(addr types.Address) { s.accounts[addr] = newMockAccount() }

func (s *mockStateDB) GetBalance(addr types.Address) *big.Int {
	if a := s.get(addr); a != nil {
		return new(big.Int).Set(a.balance)
	}
	return new(big.Int)
}
func (s *mockStateDB) AddBalance(addr types.Address, v *big.Int) {
	a := s.getOrNew(addr)
	a.balance.Add(a.balance, v)
}
func (s *mockStateDB) SubBalance(addr types.Address, v *big.Int) {
	a := s.getOrNew(addr)
	a.balance.Sub(a.balance, v)
}
func (s *mockStateDB) GetNonce(addr types.Address) uint64 {
	if a := s.get(addr); a != nil {
		return a.nonce
	}
	return 0
}
func (s *mockStateDB) SetNonce(addr types.Address, n uint64) { s.getOrNew(addr).nonce = n }
func (s *mockStateDB) GetCode(addr types.Address) []byte {
	if a := s.get(addr); a != nil {
		return a.code
	}
	return nil
}
func (s *mockStateDB) SetCode(addr types.Address, code []byte) { s.getOrNew(addr).code = code }
func (s *mockStateDB) GetCodeHash(addr types.Address) types.Hash {
	if a := s.get(addr); a != nil && len(a.code) > 0 {
		return types.BytesToHash(a.code[:1])
	}
	return types.Hash{}
}
func (s *mockStateDB) GetCodeSize(addr types.Address) int { return len(s.GetCode(addr)) }

func (s *mockStateDB) GetState(addr types.Address, k types.Hash) types.Hash {
	if a := s.get(addr); a != nil {
		return a.storage[k]
	}
	return types.Hash{}
}
func (s *mockStateDB) SetState(addr types.Address, k, v types.Hash) {
	s.getOrNew(addr).storage[k] = v
}
func (s *mockStateDB) GetCommittedState(addr types.Address, k types.Hash) types.Hash {
	return s.GetState(addr, k)
}

func (s *mockStateDB) GetTransientState(addr types.Address, k types.Hash) types.Hash {
	if m := s.transient[addr]; m != nil {
		return m[k]
	}
	return types.Hash{}
}
func (s *mockStateDB) SetTransientState(addr types.Address, k, v types.Hash) {
	m := s.transient[addr]
	if m == nil {
		m = make(map[types.Hash]types.Hash)
		s.transient[addr] = m
	}
	m[k] = v
}

func (s *mockStateDB) SelfDestruct(addr types.Address) { s.getOrNew(addr).dead = true }
func (s *mockStateDB) HasSelfDestructed(addr types.Address) bool {
	if a := s.get(addr); a != nil {
		return a.dead
	}
	return false
}

func (s *mockStateDB) Exist(addr types.Address) bool { return s.get(addr) != nil }
func (s *mockStateDB) Empty(addr types.Address) bool {
	a := s.get(addr)
	return a == nil || (a.nonce == 0 && a.balance.Sign() == 0 && len(a.code) == 0)
}

func (s *mockStateDB) Snapshot() int {
	cp := make(map[types.Address]*mockAccount, len(s.accounts))
	for k, v := range s.accounts {
		cp[k] = v.copy()
	}
	s.snaps = append(s.snaps, cp)
	return len(s.snaps) - 1
}
func (s *mockStateDB) RevertToSnapshot(id int) {
	s.accounts = s.snaps[id]
	s.snaps = s.snaps[:id]
}

func (s *mockStateDB) AddLog(l *types.Log)  { s.logs = append(s.logs, l) }
func (s *mockStateDB) Logs() []*types.Log   { return s.logs }

func (s *mockStateDB) SlotFetched(addr types.Address, k types.Hash) bool {
	return s.fetched[addr.Hex()+k.Hex()]
}
func (s *mockStateDB) MarkSlotFetched(addr types.Address, k types.Hash) {
	s.fetched[addr.Hex()+k.Hex()] = true
}
func (s *mockStateDB) CodeFetched(addr types.Address) bool { return s.fetched[addr.Hex()] }
func (s *mockStateDB) MarkCodeFetched(addr types.Address)  { s.fetched[addr.Hex()] = true }
func (s *mockStateDB) MarkUnknownTainted(addr types.Address) { s.tainted[addr] = true }
func (s *mockStateDB) UnknownTainted(addr types.Address) bool { return s.tainted[addr] }

// --- helpers ---

var (
	testCaller   = types.HexToAddress("0x1000000000000000000000000000000000000001")
	testContract = types.HexToAddress("0x2000000000000000000000000000000000000002")
)

func testEVM(sdb StateDB) *EVM {
	return NewEVM(BlockContext{
		BlockNumber: big.NewInt(100),
		Time:        1_700_000_000,
		GasLimit:    30_000_000,
		ChainID:     big.NewInt(1),
	}, TxContext{Origin: testCaller, GasPrice: big.NewInt(1)}, DefaultConfig(), sdb)
}

func installContract(sdb *mockStateDB, code []byte) {
	a := sdb.getOrNew(testContract)
	a.code = code
	sdb.getOrNew(testCaller).balance = big.NewInt(1e18)
}

// --- tests ---

func TestRunAddReturn(t *testing.T) {
	// 2 + 3 stored to memory and returned.
	code := []byte{
		byte(PUSH1), 2, byte(PUSH1), 3, byte(ADD),
		byte(PUSH1), 0, byte(MSTORE),
		byte(PUSH1), 32, byte(PUSH1), 0, byte(RETURN),
	}
	sdb := newMockStateDB()
	installContract(sdb, code)
	evm := testEVM(sdb)

	ret, _, err := evm.Call(testCaller, testContract, nil, 100000, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(ret) != 32 || ret[31] != 5 {
		t.Errorf("return = %x, want ...05", ret)
	}
}

func TestRunSstore(t *testing.T) {
	// storage[1] = 42
	code := []byte{
		byte(PUSH1), 42, byte(PUSH1), 1, byte(SSTORE), byte(STOP),
	}
	sdb := newMockStateDB()
	installContract(sdb, code)
	evm := testEVM(sdb)

	if _, _, err := evm.Call(testCaller, testContract, nil, 100000, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	got := sdb.GetState(testContract, types.BytesToHash([]byte{1}))
	if got[31] != 42 {
		t.Errorf("storage[1] = %x, want 42", got)
	}
}

func TestRunRevertReturnsDataAndRollsBack(t *testing.T) {
	// storage[1] = 7, then REVERT with one memory word.
	code := []byte{
		byte(PUSH1), 7, byte(PUSH1), 1, byte(SSTORE),
		byte(PUSH1), 0xaa, byte(PUSH1), 0, byte(MSTORE),
		byte(PUSH1), 32, byte(PUSH1), 0, byte(REVERT),
	}
	sdb := newMockStateDB()
	installContract(sdb, code)
	evm := testEVM(sdb)

	ret, _, err := evm.Call(testCaller, testContract, nil, 100000, nil)
	if !errors.Is(err, ErrExecutionReverted) {
		t.Fatalf("err = %v, want revert", err)
	}
	if len(ret) != 32 || ret[31] != 0xaa {
		t.Errorf("revert data = %x", ret)
	}
	if got := sdb.GetState(testContract, types.BytesToHash([]byte{1})); !got.IsZero() {
		t.Errorf("storage write survived revert: %x", got)
	}
}

func TestRunJumpAndInvalidJump(t *testing.T) {
	// JUMP over an INVALID to a JUMPDEST, then STOP.
	code := []byte{
		byte(PUSH1), 4, byte(JUMP),
		byte(INVALID),
		byte(JUMPDEST), byte(STOP),
	}
	sdb := newMockStateDB()
	installContract(sdb, code)
	evm := testEVM(sdb)
	if _, _, err := evm.Call(testCaller, testContract, nil, 100000, nil); err != nil {
		t.Fatalf("valid jump failed: %v", err)
	}

	// Jump into PUSH data must fail.
	bad := []byte{
		byte(PUSH1), 1, byte(JUMP),
		byte(JUMPDEST), byte(STOP),
	}
	installContract(sdb, bad)
	if _, _, err := evm.Call(testCaller, testContract, nil, 100000, nil); err == nil {
		t.Fatal("jump into immediate should fail")
	}
}

func TestExecuteDeterminism(t *testing.T) {
	// keccak of calldata, returned as one word.
	code := []byte{
		byte(CALLDATASIZE), byte(PUSH1), 0, byte(PUSH1), 0, byte(CALLDATACOPY),
		byte(CALLDATASIZE), byte(PUSH1), 0, byte(KECCAK256),
		byte(PUSH1), 0, byte(MSTORE),
		byte(PUSH1), 32, byte(PUSH1), 0, byte(RETURN),
	}
	input := []byte{1, 2, 3, 4, 5}

	run := func() []byte {
		sdb := newMockStateDB()
		installContract(sdb, code)
		evm := testEVM(sdb)
		ret, _, err := evm.Call(testCaller, testContract, input, 200000, nil)
		if err != nil {
			t.Fatalf("Call: %v", err)
		}
		return ret
	}
	a, b := run(), run()
	if !bytes.Equal(a, b) {
		t.Errorf("identical (state, tx) diverged: %x vs %x", a, b)
	}
}

func TestCallValueTransfer(t *testing.T) {
	code := []byte{byte(STOP)}
	sdb := newMockStateDB()
	installContract(sdb, code)
	evm := testEVM(sdb)

	_, _, err := evm.Call(testCaller, testContract, nil, 100000, big.NewInt(1000))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := sdb.GetBalance(testContract); got.Int64() != 1000 {
		t.Errorf("callee balance = %v, want 1000", got)
	}

	// Insufficient balance fails without executing.
	_, _, err = evm.Call(testCaller, testContract, nil, 100000, big.NewInt(1e18))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("err = %v, want insufficient balance", err)
	}
}

func TestCreateDeploysRuntimeCode(t *testing.T) {
	// CODECOPY(0, 13, 2); RETURN(0, 2); runtime = {CALLER, STOP} at offset 13.
	init := []byte{
		byte(PUSH1), 2, byte(PUSH1), 13, byte(PUSH1), 0, byte(CODECOPY),
		byte(PUSH1), 2, byte(PUSH1), 0, byte(RETURN),
		0, // padding so the runtime sits at offset 13
		byte(CALLER), byte(STOP),
	}
	sdb := newMockStateDB()
	sdb.getOrNew(testCaller).balance = big.NewInt(1e18)
	evm := testEVM(sdb)

	_, addr, _, err := evm.Create(testCaller, init, 1_000_000, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	code := sdb.GetCode(addr)
	if len(code) != 2 || OpCode(code[0]) != CALLER {
		t.Errorf("deployed code = %x", code)
	}
	want := CreateAddress(testCaller, 0)
	if addr != want {
		t.Errorf("address = %s, want %s", addr.Hex(), want.Hex())
	}
}

func TestCreateCodeSizeLimit(t *testing.T) {
	// RETURN(0, n) of zeroed memory deploys n bytes of code.
	mkInit := func(n uint64) []byte {
		return []byte{
			byte(PUSH3), byte(n >> 16), byte(n >> 8), byte(n),
			byte(PUSH1), 0, byte(RETURN),
		}
	}
	sdb := newMockStateDB()
	sdb.getOrNew(testCaller).balance = big.NewInt(1e18)
	evm := testEVM(sdb)

	// Exactly at the limit: fine.
	if _, _, _, err := evm.Create(testCaller, mkInit(MaxCodeSize), 100_000_000, nil); err != nil {
		t.Fatalf("Create at limit: %v", err)
	}
	// One byte over: rejected.
	if _, _, _, err := evm.Create(testCaller, mkInit(MaxCodeSize+1), 100_000_000, nil); !errors.Is(err, ErrMaxCodeSizeExceeded) {
		t.Errorf("Create over limit = %v, want max code size exceeded", err)
	}
}

func TestMaxStorageKeyRoundTrip(t *testing.T) {
	// SSTORE/SLOAD at key 2^256-1.
	code := []byte{
		byte(PUSH1), 42,
		byte(PUSH32),
	}
	code = append(code, bytes.Repeat([]byte{0xff}, 32)...)
	code = append(code, byte(SSTORE))
	code = append(code, byte(PUSH32))
	code = append(code, bytes.Repeat([]byte{0xff}, 32)...)
	code = append(code,
		byte(SLOAD),
		byte(PUSH1), 0, byte(MSTORE),
		byte(PUSH1), 32, byte(PUSH1), 0, byte(RETURN),
	)
	sdb := newMockStateDB()
	installContract(sdb, code)
	evm := testEVM(sdb)

	ret, _, err := evm.Call(testCaller, testContract, nil, 500000, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if ret[31] != 42 {
		t.Errorf("storage at max key = %x, want 42", ret)
	}
}

func TestLogOpcodeFeedsStateAndMiddleware(t *testing.T) {
	// LOG1 with topic 0x77 over one memory word.
	code := []byte{
		byte(PUSH1), 0x55, byte(PUSH1), 0, byte(MSTORE),
		byte(PUSH1), 0x77, // topic
		byte(PUSH1), 32, byte(PUSH1), 0, // size, offset
		byte(LOG1), byte(STOP),
	}
	sdb := newMockStateDB()
	installContract(sdb, code)
	evm := testEVM(sdb)
	capture := NewLogCaptureMiddleware()
	evm.AddMiddleware(capture)

	if _, _, err := evm.Call(testCaller, testContract, nil, 100000, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(sdb.Logs()) != 1 {
		t.Fatalf("state logs = %d, want 1", len(sdb.Logs()))
	}
	if len(capture.Logs()) != 1 {
		t.Fatalf("captured logs = %d, want 1", len(capture.Logs()))
	}
	l := capture.Logs()[0]
	if l.Topics[0][31] != 0x77 {
		t.Errorf("topic = %x", l.Topics[0])
	}
	if l.Data[31] != 0x55 {
		t.Errorf("data = %x", l.Data)
	}
}
