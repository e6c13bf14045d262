package vm

import (
	"math/big"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/snapfuzz/snapfuzz/core/types"
)

// ERC-20 selectors the flashloan middleware intercepts.
var (
	selTransfer     = ComputeSelector("transfer(address,uint256)")
	selTransferFrom = ComputeSelector("transferFrom(address,address,uint256)")
	selBalanceOf    = ComputeSelector("balanceOf(address)")
)

// TokenFlow is one observed token movement, signed from the perspective of
// the holder: positive = received, negative = sent.
type TokenFlow struct {
	Token  types.Address
	Holder types.Address
	Amount *big.Int
}

// FlashloanMiddleware watches CALLs into known ERC-20 contracts and keeps
// the borrowed/returned accounting that funds the "infinite starting
// balance" fiction. When balance overrides are enabled, balanceOf queries
// for attacker accounts short-circuit to the overridden amount.
type FlashloanMiddleware struct {
	tokens    mapset.Set[types.Address]
	attackers mapset.Set[types.Address]

	flows     []TokenFlow
	overrides map[types.Address]map[types.Address]*big.Int // token -> holder -> balance
}

// NewFlashloanMiddleware builds the ERC-20 watcher over the known token and
// attacker sets.
func NewFlashloanMiddleware(tokens, attackers []types.Address) *FlashloanMiddleware {
	ts := mapset.NewThreadUnsafeSet[types.Address]()
	for _, t := range tokens {
		ts.Add(t)
	}
	as := mapset.NewThreadUnsafeSet[types.Address]()
	for _, a := range attackers {
		as.Add(a)
	}
	return &FlashloanMiddleware{
		tokens:    ts,
		attackers: as,
		overrides: make(map[types.Address]map[types.Address]*big.Int),
	}
}

func (m *FlashloanMiddleware) Name() string { return "flashloan" }

// AddToken marks addr as a tracked ERC-20.
func (m *FlashloanMiddleware) AddToken(addr types.Address) { m.tokens.Add(addr) }

// SetBalanceOverride pins the balanceOf answer for (token, holder). Used by
// the executor when a "borrow" hint mints a flashloan position.
func (m *FlashloanMiddleware) SetBalanceOverride(token, holder types.Address, amount *big.Int) {
	h := m.overrides[token]
	if h == nil {
		h = make(map[types.Address]*big.Int)
		m.overrides[token] = h
	}
	h[holder] = new(big.Int).Set(amount)
}

func (m *FlashloanMiddleware) Before(ctx *OpContext) {
	var target types.Address
	switch ctx.Op {
	case CALL, CALLCODE:
		if ctx.Stack.Len() < 7 {
			return
		}
		target = types.BigToAddress(ctx.Stack.Back(1))
	case STATICCALL:
		if ctx.Stack.Len() < 6 {
			return
		}
		target = types.BigToAddress(ctx.Stack.Back(1))
	default:
		return
	}
	if !m.tokens.Contains(target) {
		return
	}

	input := m.callInput(ctx)
	if len(input) < 4 {
		return
	}
	var sel [4]byte
	copy(sel[:], input[:4])

	switch sel {
	case selTransfer:
		if len(input) < 68 {
			return
		}
		to := types.BytesToAddress(input[16:36])
		amount := new(big.Int).SetBytes(input[36:68])
		m.record(target, ctx.Contract.Address, new(big.Int).Neg(amount))
		m.record(target, to, amount)

	case selTransferFrom:
		if len(input) < 100 {
			return
		}
		from := types.BytesToAddress(input[16:36])
		to := types.BytesToAddress(input[48:68])
		amount := new(big.Int).SetBytes(input[68:100])
		m.record(target, from, new(big.Int).Neg(amount))
		m.record(target, to, amount)

	case selBalanceOf:
		if len(input) < 36 {
			return
		}
		holder := types.BytesToAddress(input[16:36])
		if bal := m.override(target, holder); bal != nil && m.attackers.Contains(holder) {
			out := make([]byte, 32)
			b := bal.Bytes()
			copy(out[32-len(b):], b)
			ctx.Short = true
			ctx.ShortRet = out
		}
	}
}

func (m *FlashloanMiddleware) callInput(ctx *OpContext) []byte {
	var offIdx, lenIdx int
	if ctx.Op == STATICCALL {
		offIdx, lenIdx = 2, 3
	} else {
		offIdx, lenIdx = 3, 4
	}
	off := ctx.Stack.Back(offIdx)
	length := ctx.Stack.Back(lenIdx)
	if off.BitLen() > 64 || length.BitLen() > 64 {
		return nil
	}
	return getData(ctx.Memory.Data(), off.Uint64(), length.Uint64())
}

func (m *FlashloanMiddleware) record(token, holder types.Address, amount *big.Int) {
	m.flows = append(m.flows, TokenFlow{Token: token, Holder: holder, Amount: amount})
}

func (m *FlashloanMiddleware) override(token, holder types.Address) *big.Int {
	if h := m.overrides[token]; h != nil {
		return h[holder]
	}
	return nil
}

// Flows returns the token movements recorded since the last Reset.
func (m *FlashloanMiddleware) Flows() []TokenFlow { return m.flows }

// Reset clears per-run flow state. Balance overrides persist: they model the
// open flashloan position across the whole sequence.
func (m *FlashloanMiddleware) Reset() {
	m.flows = nil
}
