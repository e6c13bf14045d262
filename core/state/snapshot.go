// Package state implements the fuzzer's world model: immutable, content-
// hashed snapshots extended by transaction execution, and the journaled
// working state the EVM mutates while a transaction runs.
package state

import (
	"encoding/binary"
	"math/big"
	"sort"

	"github.com/snapfuzz/snapfuzz/core/types"
	"github.com/snapfuzz/snapfuzz/core/vm"
	"github.com/snapfuzz/snapfuzz/crypto"
)

// BlockEnv is the block environment a snapshot executes under. Snapshots
// carry their own environment so replay is deterministic and workers are
// independent.
type BlockEnv struct {
	Number     *big.Int
	Timestamp  uint64
	Coinbase   types.Address
	BaseFee    *big.Int
	ChainID    *big.Int
	PrevRandao types.Hash
	GasLimit   uint64
}

// Copy deep-copies the environment.
func (e BlockEnv) Copy() BlockEnv {
	c := e
	if e.Number != nil {
		c.Number = new(big.Int).Set(e.Number)
	}
	if e.BaseFee != nil {
		c.BaseFee = new(big.Int).Set(e.BaseFee)
	}
	if e.ChainID != nil {
		c.ChainID = new(big.Int).Set(e.ChainID)
	}
	return c
}

// Account is one account's state within a snapshot. Storage maps are shared
// between snapshots until written (path-copy): an Account held by a Snapshot
// is immutable.
type Account struct {
	Nonce    uint64
	Balance  *big.Int
	Code     []byte
	CodeHash types.Hash
	Storage  map[types.Hash]types.Hash

	// FetchedSlots marks slots whose value is definitively known (fetched
	// from upstream or written locally); absent+unfetched slots are
	// "unknown" and eligible for on-chain fetch.
	FetchedSlots map[types.Hash]bool
	CodeFetched  bool
}

// Snapshot is an immutable representation of the full VM world at a logical
// point. Snapshots are value-typed: extension produces a new snapshot that
// shares unmodified account and storage sub-trees with its parent.
type Snapshot struct {
	Accounts map[types.Address]*Account
	Env      BlockEnv
	Ledger   *Ledger

	// Pauses is the stack of captured continuations, oldest first.
	Pauses []*vm.PausedFrame

	// TaintedUnknown marks addresses whose upstream fetch permanently
	// failed; value-tracking oracles skip them.
	TaintedUnknown map[types.Address]bool

	hash    types.Hash
	hashSet bool
}

// NewSnapshot returns an empty world with the given environment.
func NewSnapshot(env BlockEnv) *Snapshot {
	return &Snapshot{
		Accounts:       make(map[types.Address]*Account),
		Env:            env,
		Ledger:         NewLedger(),
		TaintedUnknown: make(map[types.Address]bool),
	}
}

// Account returns the account at addr, or nil.
func (s *Snapshot) Account(addr types.Address) *Account {
	return s.Accounts[addr]
}

// Balance returns the balance at addr (zero for absent accounts).
func (s *Snapshot) Balance(addr types.Address) *big.Int {
	if a := s.Accounts[addr]; a != nil && a.Balance != nil {
		return new(big.Int).Set(a.Balance)
	}
	return new(big.Int)
}

// Storage returns the value of (addr, key), zero when absent.
func (s *Snapshot) Storage(addr types.Address, key types.Hash) types.Hash {
	if a := s.Accounts[addr]; a != nil {
		return a.Storage[key]
	}
	return types.Hash{}
}

// SetAccount installs an account into a snapshot under construction. Must
// not be called on a snapshot already shared with the corpus.
func (s *Snapshot) SetAccount(addr types.Address, a *Account) {
	s.Accounts[addr] = a
	s.hashSet = false
}

// PauseDepth returns the number of stacked continuations.
func (s *Snapshot) PauseDepth() int { return len(s.Pauses) }

// Hash returns the canonical content hash of the snapshot. Account and slot
// order do not affect the hash; zero storage values and zero ledger entries
// are excluded.
func (s *Snapshot) Hash() types.Hash {
	if s.hashSet {
		return s.hash
	}

	h := make([]byte, 0, 1024)

	addrs := make([]types.Address, 0, len(s.Accounts))
	for a := range s.Accounts {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return lessBytes(addrs[i][:], addrs[j][:])
	})

	var u64 [8]byte
	for _, addr := range addrs {
		acc := s.Accounts[addr]
		h = append(h, addr[:]...)
		binary.BigEndian.PutUint64(u64[:], acc.Nonce)
		h = append(h, u64[:]...)
		if acc.Balance != nil {
			h = append(h, types.BigToHash(acc.Balance).Bytes()...)
		} else {
			h = append(h, make([]byte, 32)...)
		}
		h = append(h, acc.CodeHash[:]...)

		keys := make([]types.Hash, 0, len(acc.Storage))
		for k, v := range acc.Storage {
			if !v.IsZero() {
				keys = append(keys, k)
			}
		}
		sort.Slice(keys, func(i, j int) bool {
			return lessBytes(keys[i][:], keys[j][:])
		})
		for _, k := range keys {
			v := acc.Storage[k]
			h = append(h, k[:]...)
			h = append(h, v[:]...)
		}
	}

	// Environment.
	if s.Env.Number != nil {
		h = append(h, types.BigToHash(s.Env.Number).Bytes()...)
	}
	binary.BigEndian.PutUint64(u64[:], s.Env.Timestamp)
	h = append(h, u64[:]...)
	h = append(h, s.Env.Coinbase[:]...)

	// Normalised ledger.
	h = append(h, s.Ledger.digest()...)

	// Continuations: target + input of each pause.
	for _, p := range s.Pauses {
		h = append(h, p.ExternalTarget[:]...)
		h = append(h, p.ExternalInput...)
		binary.BigEndian.PutUint64(u64[:], uint64(len(p.Frames)))
		h = append(h, u64[:]...)
	}

	s.hash = crypto.Keccak256Hash(h)
	s.hashSet = true
	return s.hash
}

func lessBytes(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Copy returns a new snapshot sharing all account data with the receiver.
// The caller must treat shared accounts as read-only; StateDB performs the
// per-account copy-on-write when a transaction mutates them.
func (s *Snapshot) Copy() *Snapshot {
	c := &Snapshot{
		Accounts:       make(map[types.Address]*Account, len(s.Accounts)),
		Env:            s.Env.Copy(),
		Ledger:         s.Ledger.Copy(),
		TaintedUnknown: make(map[types.Address]bool, len(s.TaintedUnknown)),
	}
	for a, acc := range s.Accounts {
		c.Accounts[a] = acc
	}
	for a := range s.TaintedUnknown {
		c.TaintedUnknown[a] = true
	}
	c.Pauses = make([]*vm.PausedFrame, len(s.Pauses))
	for i, p := range s.Pauses {
		c.Pauses[i] = p.Copy()
	}
	return c
}
