package state

import (
	"math/big"

	"github.com/snapfuzz/snapfuzz/core/types"
	"github.com/snapfuzz/snapfuzz/crypto"
)

// stateObject is the mutable working view of one account during transaction
// execution. Scalars are copied from the base snapshot on first touch; the
// base storage map stays shared and reads fall through to it, so unmodified
// sub-trees are never duplicated.
type stateObject struct {
	base *Account // shared, read-only; nil for accounts created this tx

	nonce    uint64
	balance  *big.Int
	code     []byte
	codeHash types.Hash

	dirtyStorage   map[types.Hash]types.Hash
	fetchedSlots   map[types.Hash]bool
	codeFetched    bool
	selfDestructed bool
}

func newStateObject(base *Account) *stateObject {
	obj := &stateObject{
		base:         base,
		balance:      new(big.Int),
		codeHash:     crypto.EmptyCodeHash,
		dirtyStorage: make(map[types.Hash]types.Hash),
		fetchedSlots: make(map[types.Hash]bool),
	}
	if base != nil {
		obj.nonce = base.Nonce
		if base.Balance != nil {
			obj.balance = new(big.Int).Set(base.Balance)
		}
		obj.code = base.Code
		obj.codeHash = base.CodeHash
		obj.codeFetched = base.CodeFetched
	}
	return obj
}

// StateDB is the journaled working state the EVM executes against. It is
// created from an immutable Snapshot and committed back into a new one.
type StateDB struct {
	parent  *Snapshot
	objects map[types.Address]*stateObject
	journal *journal

	logs      []*types.Log
	transient map[types.Address]map[types.Hash]types.Hash
	tainted   map[types.Address]bool
	ledger    *Ledger
}

// New creates a working state over the given snapshot.
func New(parent *Snapshot) *StateDB {
	s := &StateDB{
		parent:    parent,
		objects:   make(map[types.Address]*stateObject),
		journal:   newJournal(),
		transient: make(map[types.Address]map[types.Hash]types.Hash),
		tainted:   make(map[types.Address]bool),
		ledger:    parent.Ledger.Copy(),
	}
	for a := range parent.TaintedUnknown {
		s.tainted[a] = true
	}
	return s
}

// Ledger returns the working flashloan ledger.
func (s *StateDB) Ledger() *Ledger { return s.ledger }

func (s *StateDB) getObject(addr types.Address) *stateObject {
	if obj := s.objects[addr]; obj != nil {
		return obj
	}
	if base := s.parent.Account(addr); base != nil {
		obj := newStateObject(base)
		s.objects[addr] = obj
		return obj
	}
	return nil
}

func (s *StateDB) getOrNewObject(addr types.Address) *stateObject {
	if obj := s.getObject(addr); obj != nil {
		return obj
	}
	obj := newStateObject(nil)
	s.journal.append(createObjectChange{addr: addr, prev: nil})
	s.objects[addr] = obj
	return obj
}

// --- vm.StateDB: accounts ---

func (s *StateDB) CreateAccount(addr types.Address) {
	prev := s.objects[addr]
	s.journal.append(createObjectChange{addr: addr, prev: prev})
	obj := newStateObject(nil)
	if prev != nil {
		// Balance survives account re-creation.
		obj.balance = new(big.Int).Set(prev.balance)
	} else if base := s.parent.Account(addr); base != nil && base.Balance != nil {
		obj.balance = new(big.Int).Set(base.Balance)
	}
	s.objects[addr] = obj
}

func (s *StateDB) GetBalance(addr types.Address) *big.Int {
	if obj := s.getObject(addr); obj != nil {
		return new(big.Int).Set(obj.balance)
	}
	return new(big.Int)
}

func (s *StateDB) AddBalance(addr types.Address, amount *big.Int) {
	obj := s.getOrNewObject(addr)
	s.journal.append(balanceChange{addr: addr, prev: new(big.Int).Set(obj.balance)})
	obj.balance = new(big.Int).Add(obj.balance, amount)
}

func (s *StateDB) SubBalance(addr types.Address, amount *big.Int) {
	obj := s.getOrNewObject(addr)
	s.journal.append(balanceChange{addr: addr, prev: new(big.Int).Set(obj.balance)})
	obj.balance = new(big.Int).Sub(obj.balance, amount)
}

func (s *StateDB) GetNonce(addr types.Address) uint64 {
	if obj := s.getObject(addr); obj != nil {
		return obj.nonce
	}
	return 0
}

func (s *StateDB) SetNonce(addr types.Address, nonce uint64) {
	obj := s.getOrNewObject(addr)
	s.journal.append(nonceChange{addr: addr, prev: obj.nonce})
	obj.nonce = nonce
}

func (s *StateDB) GetCode(addr types.Address) []byte {
	if obj := s.getObject(addr); obj != nil {
		return obj.code
	}
	return nil
}

func (s *StateDB) SetCode(addr types.Address, code []byte) {
	obj := s.getOrNewObject(addr)
	s.journal.append(codeChange{addr: addr, prevCode: obj.code, prevHash: obj.codeHash})
	obj.code = code
	obj.codeHash = crypto.Keccak256Hash(code)
}

func (s *StateDB) GetCodeHash(addr types.Address) types.Hash {
	if obj := s.getObject(addr); obj != nil {
		return obj.codeHash
	}
	return types.Hash{}
}

func (s *StateDB) GetCodeSize(addr types.Address) int {
	return len(s.GetCode(addr))
}

// --- vm.StateDB: storage ---

func (s *StateDB) GetState(addr types.Address, key types.Hash) types.Hash {
	obj := s.getObject(addr)
	if obj == nil {
		return types.Hash{}
	}
	if v, ok := obj.dirtyStorage[key]; ok {
		return v
	}
	if obj.base != nil {
		return obj.base.Storage[key]
	}
	return types.Hash{}
}

func (s *StateDB) SetState(addr types.Address, key types.Hash, value types.Hash) {
	obj := s.getOrNewObject(addr)
	prev, existed := obj.dirtyStorage[key]
	s.journal.append(storageChange{addr: addr, key: key, prev: prev, existed: existed})
	obj.dirtyStorage[key] = value
	if !obj.fetchedSlots[key] {
		s.journal.append(slotFetchedChange{addr: addr, key: key})
		obj.fetchedSlots[key] = true
	}
}

func (s *StateDB) GetCommittedState(addr types.Address, key types.Hash) types.Hash {
	obj := s.getObject(addr)
	if obj == nil || obj.base == nil {
		return types.Hash{}
	}
	return obj.base.Storage[key]
}

// --- vm.StateDB: transient storage ---

func (s *StateDB) GetTransientState(addr types.Address, key types.Hash) types.Hash {
	if m := s.transient[addr]; m != nil {
		return m[key]
	}
	return types.Hash{}
}

func (s *StateDB) SetTransientState(addr types.Address, key types.Hash, value types.Hash) {
	prev := s.GetTransientState(addr, key)
	s.journal.append(transientChange{addr: addr, key: key, prev: prev})
	s.setTransient(addr, key, value)
}

func (s *StateDB) setTransient(addr types.Address, key types.Hash, value types.Hash) {
	m := s.transient[addr]
	if m == nil {
		m = make(map[types.Hash]types.Hash)
		s.transient[addr] = m
	}
	m[key] = value
}

// --- vm.StateDB: lifecycle ---

func (s *StateDB) SelfDestruct(addr types.Address) {
	obj := s.getObject(addr)
	if obj == nil {
		return
	}
	s.journal.append(selfDestructChange{addr: addr, prev: obj.selfDestructed})
	obj.selfDestructed = true
}

func (s *StateDB) HasSelfDestructed(addr types.Address) bool {
	if obj := s.getObject(addr); obj != nil {
		return obj.selfDestructed
	}
	return false
}

func (s *StateDB) Exist(addr types.Address) bool {
	return s.getObject(addr) != nil
}

func (s *StateDB) Empty(addr types.Address) bool {
	obj := s.getObject(addr)
	if obj == nil {
		return true
	}
	return obj.nonce == 0 && obj.balance.Sign() == 0 && len(obj.code) == 0
}

func (s *StateDB) Snapshot() int {
	return s.journal.snapshot()
}

func (s *StateDB) RevertToSnapshot(id int) {
	s.journal.revertToSnapshot(id, s)
}

// --- vm.StateDB: logs ---

func (s *StateDB) AddLog(log *types.Log) {
	s.journal.append(logChange{})
	s.logs = append(s.logs, log)
}

func (s *StateDB) Logs() []*types.Log { return s.logs }

// --- vm.StateDB: known-storage bookkeeping ---

func (s *StateDB) SlotFetched(addr types.Address, key types.Hash) bool {
	obj := s.getObject(addr)
	if obj == nil {
		return false
	}
	if obj.fetchedSlots[key] {
		return true
	}
	return obj.base != nil && obj.base.FetchedSlots[key]
}

func (s *StateDB) MarkSlotFetched(addr types.Address, key types.Hash) {
	obj := s.getOrNewObject(addr)
	if obj.fetchedSlots[key] || (obj.base != nil && obj.base.FetchedSlots[key]) {
		return
	}
	s.journal.append(slotFetchedChange{addr: addr, key: key})
	obj.fetchedSlots[key] = true
}

func (s *StateDB) CodeFetched(addr types.Address) bool {
	obj := s.getObject(addr)
	if obj == nil {
		return false
	}
	// An account with installed code never refetches.
	return obj.codeFetched || len(obj.code) > 0
}

func (s *StateDB) MarkCodeFetched(addr types.Address) {
	obj := s.getOrNewObject(addr)
	if obj.codeFetched {
		return
	}
	s.journal.append(codeFetchedChange{addr: addr})
	obj.codeFetched = true
}

func (s *StateDB) MarkUnknownTainted(addr types.Address) {
	_, existed := s.tainted[addr]
	s.journal.append(taintChange{addr: addr, existed: existed})
	s.tainted[addr] = true
}

func (s *StateDB) UnknownTainted(addr types.Address) bool {
	return s.tainted[addr]
}

// Commit folds the working state into a new immutable snapshot. Accounts and
// storage maps untouched by the transaction are shared with the parent;
// touched accounts get a merged storage map with zero values pruned for
// slots known to be zero.
func (s *StateDB) Commit() *Snapshot {
	out := s.parent.Copy()

	for addr, obj := range s.objects {
		if obj.selfDestructed {
			delete(out.Accounts, addr)
			continue
		}
		acc := &Account{
			Nonce:       obj.nonce,
			Balance:     new(big.Int).Set(obj.balance),
			Code:        obj.code,
			CodeHash:    obj.codeHash,
			CodeFetched: obj.codeFetched,
		}
		if len(obj.dirtyStorage) == 0 && obj.base != nil {
			acc.Storage = obj.base.Storage
		} else {
			merged := make(map[types.Hash]types.Hash)
			if obj.base != nil {
				for k, v := range obj.base.Storage {
					merged[k] = v
				}
			}
			for k, v := range obj.dirtyStorage {
				if v.IsZero() {
					delete(merged, k)
				} else {
					merged[k] = v
				}
			}
			acc.Storage = merged
		}
		if len(obj.fetchedSlots) == 0 && obj.base != nil {
			acc.FetchedSlots = obj.base.FetchedSlots
		} else {
			fetched := make(map[types.Hash]bool)
			if obj.base != nil {
				for k := range obj.base.FetchedSlots {
					fetched[k] = true
				}
			}
			for k := range obj.fetchedSlots {
				fetched[k] = true
			}
			acc.FetchedSlots = fetched
		}
		out.Accounts[addr] = acc
	}

	out.Ledger = s.ledger.Copy()
	for a := range s.tainted {
		out.TaintedUnknown[a] = true
	}
	out.hashSet = false
	return out
}
