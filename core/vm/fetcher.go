package vm

import (
	"math/big"

	"github.com/snapfuzz/snapfuzz/core/types"
)

// SlotSource supplies code, storage slots and balances for addresses the
// in-memory state has never seen. The onchain package provides the RPC-backed
// implementation; errors returned from it are treated as permanent misses.
type SlotSource interface {
	Code(addr types.Address) ([]byte, error)
	Storage(addr types.Address, key types.Hash) (types.Hash, error)
	Balance(addr types.Address) (*big.Int, error)
}

// FetchMiddleware fills unknown state in from upstream on first access:
// SLOAD of an unfetched slot, and BALANCE/EXTCODE*/CALL-family touching an
// address with no installed code. Installed values go through the normal
// journal, and the fetched markers make the install idempotent. A permanent
// upstream miss installs zero/empty and taints the address so value-tracking
// oracles skip it.
type FetchMiddleware struct {
	source SlotSource
}

// NewFetchMiddleware builds the read-through hook over the given source.
func NewFetchMiddleware(source SlotSource) *FetchMiddleware {
	return &FetchMiddleware{source: source}
}

func (m *FetchMiddleware) Name() string { return "onchain" }

func (m *FetchMiddleware) Before(ctx *OpContext) {
	if m.source == nil {
		return
	}
	db := ctx.EVM.StateDB

	switch ctx.Op {
	case SLOAD:
		if ctx.Stack.Len() < 1 {
			return
		}
		addr := ctx.Contract.Address
		key := types.BigToHash(ctx.Stack.Back(0))
		m.fetchSlot(db, addr, key)

	case BALANCE, EXTCODESIZE, EXTCODECOPY, EXTCODEHASH:
		if ctx.Stack.Len() < 1 {
			return
		}
		m.fetchAccount(db, types.BigToAddress(ctx.Stack.Back(0)))

	case CALL, CALLCODE:
		if ctx.Stack.Len() < 2 {
			return
		}
		m.fetchAccount(db, types.BigToAddress(ctx.Stack.Back(1)))

	case DELEGATECALL, STATICCALL:
		if ctx.Stack.Len() < 2 {
			return
		}
		m.fetchAccount(db, types.BigToAddress(ctx.Stack.Back(1)))
	}
}

func (m *FetchMiddleware) fetchSlot(db StateDB, addr types.Address, key types.Hash) {
	if db.SlotFetched(addr, key) {
		return
	}
	val, err := m.source.Storage(addr, key)
	if err != nil {
		db.MarkSlotFetched(addr, key)
		db.MarkUnknownTainted(addr)
		return
	}
	if !val.IsZero() {
		db.SetState(addr, key, val)
	}
	db.MarkSlotFetched(addr, key)
}

func (m *FetchMiddleware) fetchAccount(db StateDB, addr types.Address) {
	if db.CodeFetched(addr) || IsPrecompile(addr) {
		return
	}
	code, err := m.source.Code(addr)
	if err != nil {
		db.MarkCodeFetched(addr)
		db.MarkUnknownTainted(addr)
		return
	}
	if len(code) > 0 {
		if !db.Exist(addr) {
			db.CreateAccount(addr)
		}
		db.SetCode(addr, code)
	}
	if bal, err := m.source.Balance(addr); err == nil && bal.Sign() > 0 {
		if !db.Exist(addr) {
			db.CreateAccount(addr)
		}
		db.AddBalance(addr, bal)
	}
	db.MarkCodeFetched(addr)
}
