package fuzzer

import (
	"math/big"
	"math/rand"

	"github.com/snapfuzz/snapfuzz/core/types"
	"github.com/snapfuzz/snapfuzz/core/vm"
)

// ConstantsPool is the pool of interesting values the mutator substitutes
// into argument slots: boundary values, constants harvested from contract
// bytecode PUSH data, seeded storage values and historical calldata words.
// Comparison operands are not pooled here; the scheduler keeps them.
type ConstantsPool struct {
	vals []*big.Int
	seen map[string]bool
}

// NewConstantsPool returns a pool seeded with the classic boundary values.
func NewConstantsPool() *ConstantsPool {
	p := &ConstantsPool{seen: make(map[string]bool)}
	for _, v := range []int64{0, 1, 2, 127, 128, 255, 256, 1024, 65535} {
		p.Add(big.NewInt(v))
	}
	// 2^256 - 1: the storage-key and uint256 upper boundary.
	max := new(big.Int).Lsh(big.NewInt(1), 256)
	p.Add(max.Sub(max, big.NewInt(1)))
	return p
}

// Add inserts a value if it is not already pooled.
func (p *ConstantsPool) Add(v *big.Int) {
	if v == nil {
		return
	}
	key := string(v.Bytes())
	if p.seen[key] {
		return
	}
	p.seen[key] = true
	p.vals = append(p.vals, new(big.Int).Set(v))
}

// HarvestCode walks bytecode and pools every PUSH immediate.
func (p *ConstantsPool) HarvestCode(code []byte) {
	for i := 0; i < len(code); i++ {
		op := vm.OpCode(code[i])
		if size := op.PushSize(); size > 0 {
			end := i + 1 + size
			if end > len(code) {
				end = len(code)
			}
			p.Add(new(big.Int).SetBytes(code[i+1 : end]))
			i += size
		}
	}
}

// HarvestStorage pools every distinct storage value of an account.
func (p *ConstantsPool) HarvestStorage(storage map[types.Hash]types.Hash) {
	for _, v := range storage {
		p.Add(new(big.Int).SetBytes(v.Bytes()))
	}
}

// Sample returns a pooled value, or zero when the pool is empty.
func (p *ConstantsPool) Sample(rng *rand.Rand) *big.Int {
	if len(p.vals) == 0 {
		return new(big.Int)
	}
	return new(big.Int).Set(p.vals[rng.Intn(len(p.vals))])
}

// Len returns the number of pooled values.
func (p *ConstantsPool) Len() int { return len(p.vals) }
