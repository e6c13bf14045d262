package state

import (
	"math/big"

	"github.com/snapfuzz/snapfuzz/core/types"
)

// journalEntry is a revertible state change.
type journalEntry interface {
	revert(s *StateDB)
}

// journal tracks state modifications for intra-transaction snapshot/revert.
type journal struct {
	entries   []journalEntry
	snapshots map[int]int // snapshot ID -> entry index
	nextID    int
}

func newJournal() *journal {
	return &journal{snapshots: make(map[int]int)}
}

func (j *journal) append(entry journalEntry) {
	j.entries = append(j.entries, entry)
}

func (j *journal) snapshot() int {
	id := j.nextID
	j.nextID++
	j.snapshots[id] = len(j.entries)
	return id
}

func (j *journal) revertToSnapshot(id int, s *StateDB) {
	idx, ok := j.snapshots[id]
	if !ok {
		return
	}
	for i := len(j.entries) - 1; i >= idx; i-- {
		j.entries[i].revert(s)
	}
	j.entries = j.entries[:idx]

	for sid := range j.snapshots {
		if sid >= id {
			delete(j.snapshots, sid)
		}
	}
}

// --- Concrete journal entries ---

type createObjectChange struct {
	addr types.Address
	prev *stateObject // nil if the account didn't exist before
}

func (ch createObjectChange) revert(s *StateDB) {
	if ch.prev == nil {
		delete(s.objects, ch.addr)
	} else {
		s.objects[ch.addr] = ch.prev
	}
}

type balanceChange struct {
	addr types.Address
	prev *big.Int
}

func (ch balanceChange) revert(s *StateDB) {
	if obj := s.objects[ch.addr]; obj != nil {
		obj.balance = ch.prev
	}
}

type nonceChange struct {
	addr types.Address
	prev uint64
}

func (ch nonceChange) revert(s *StateDB) {
	if obj := s.objects[ch.addr]; obj != nil {
		obj.nonce = ch.prev
	}
}

type codeChange struct {
	addr     types.Address
	prevCode []byte
	prevHash types.Hash
}

func (ch codeChange) revert(s *StateDB) {
	if obj := s.objects[ch.addr]; obj != nil {
		obj.code = ch.prevCode
		obj.codeHash = ch.prevHash
	}
}

type storageChange struct {
	addr    types.Address
	key     types.Hash
	prev    types.Hash
	existed bool
}

func (ch storageChange) revert(s *StateDB) {
	if obj := s.objects[ch.addr]; obj != nil {
		if ch.existed {
			obj.dirtyStorage[ch.key] = ch.prev
		} else {
			delete(obj.dirtyStorage, ch.key)
		}
	}
}

type transientChange struct {
	addr types.Address
	key  types.Hash
	prev types.Hash
}

func (ch transientChange) revert(s *StateDB) {
	s.setTransient(ch.addr, ch.key, ch.prev)
}

type selfDestructChange struct {
	addr types.Address
	prev bool
}

func (ch selfDestructChange) revert(s *StateDB) {
	if obj := s.objects[ch.addr]; obj != nil {
		obj.selfDestructed = ch.prev
	}
}

type logChange struct{}

func (ch logChange) revert(s *StateDB) {
	s.logs = s.logs[:len(s.logs)-1]
}

type slotFetchedChange struct {
	addr types.Address
	key  types.Hash
}

func (ch slotFetchedChange) revert(s *StateDB) {
	if obj := s.objects[ch.addr]; obj != nil {
		delete(obj.fetchedSlots, ch.key)
	}
}

type codeFetchedChange struct {
	addr types.Address
}

func (ch codeFetchedChange) revert(s *StateDB) {
	if obj := s.objects[ch.addr]; obj != nil {
		obj.codeFetched = false
	}
}

type taintChange struct {
	addr    types.Address
	existed bool
}

func (ch taintChange) revert(s *StateDB) {
	if !ch.existed {
		delete(s.tainted, ch.addr)
	}
}
