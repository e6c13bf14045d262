package state

import (
	"math/big"
	"sort"

	"github.com/snapfuzz/snapfuzz/core/types"
)

// Ledger is the flashloan accounting: a signed delta per (token, holder),
// crediting borrows and debiting repayments. A balanced ledger (every token
// sums to zero) at sequence end means all borrowed funds were returned;
// imbalance in the attacker's favour is the fund-loss / price-manipulation
// signal.
type Ledger struct {
	deltas map[types.Address]map[types.Address]*big.Int
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{deltas: make(map[types.Address]map[types.Address]*big.Int)}
}

// Add applies a signed delta to (token, holder). Zero results are pruned so
// the ledger stays normalised.
func (l *Ledger) Add(token, holder types.Address, delta *big.Int) {
	if delta == nil || delta.Sign() == 0 {
		return
	}
	h := l.deltas[token]
	if h == nil {
		h = make(map[types.Address]*big.Int)
		l.deltas[token] = h
	}
	cur := h[holder]
	if cur == nil {
		cur = new(big.Int)
	}
	cur = new(big.Int).Add(cur, delta)
	if cur.Sign() == 0 {
		delete(h, holder)
		if len(h) == 0 {
			delete(l.deltas, token)
		}
		return
	}
	h[holder] = cur
}

// Delta returns the signed delta of (token, holder), zero when absent.
func (l *Ledger) Delta(token, holder types.Address) *big.Int {
	if h := l.deltas[token]; h != nil {
		if d := h[holder]; d != nil {
			return new(big.Int).Set(d)
		}
	}
	return new(big.Int)
}

// TokenSum returns the sum of all deltas for one token. Zero means the
// token's flows balance.
func (l *Ledger) TokenSum(token types.Address) *big.Int {
	sum := new(big.Int)
	for _, d := range l.deltas[token] {
		sum.Add(sum, d)
	}
	return sum
}

// Balanced reports whether every tracked token sums to zero.
func (l *Ledger) Balanced() bool {
	for token := range l.deltas {
		if l.TokenSum(token).Sign() != 0 {
			return false
		}
	}
	return true
}

// HolderTotal returns the sum of deltas across all tokens for one holder,
// the attacker-profit figure the balance-extraction oracle inspects.
func (l *Ledger) HolderTotal(holder types.Address) *big.Int {
	sum := new(big.Int)
	for _, holders := range l.deltas {
		if d := holders[holder]; d != nil {
			sum.Add(sum, d)
		}
	}
	return sum
}

// Tokens returns the tracked token addresses in sorted order.
func (l *Ledger) Tokens() []types.Address {
	out := make([]types.Address, 0, len(l.deltas))
	for t := range l.deltas {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return lessBytes(out[i][:], out[j][:]) })
	return out
}

// Copy deep-copies the ledger.
func (l *Ledger) Copy() *Ledger {
	c := NewLedger()
	for token, holders := range l.deltas {
		hc := make(map[types.Address]*big.Int, len(holders))
		for holder, d := range holders {
			hc[holder] = new(big.Int).Set(d)
		}
		c.deltas[token] = hc
	}
	return c
}

// digest renders the normalised ledger deterministically for content
// hashing.
func (l *Ledger) digest() []byte {
	var out []byte
	for _, token := range l.Tokens() {
		holders := l.deltas[token]
		hs := make([]types.Address, 0, len(holders))
		for h := range holders {
			hs = append(hs, h)
		}
		sort.Slice(hs, func(i, j int) bool { return lessBytes(hs[i][:], hs[j][:]) })
		for _, h := range hs {
			out = append(out, token[:]...)
			out = append(out, h[:]...)
			d := holders[h]
			if d.Sign() < 0 {
				out = append(out, 1)
			} else {
				out = append(out, 0)
			}
			out = append(out, types.BigToHash(new(big.Int).Abs(d)).Bytes()...)
		}
	}
	return out
}
