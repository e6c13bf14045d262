package vm

import (
	"errors"
	"math/big"

	"github.com/snapfuzz/snapfuzz/core/types"
	"github.com/snapfuzz/snapfuzz/crypto"
)

// executionFunc is the signature for opcode execution functions.
type executionFunc func(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error)

var (
	tt256   = new(big.Int).Lsh(big.NewInt(1), 256)
	tt256m1 = new(big.Int).Sub(tt256, big.NewInt(1))
	tt255   = new(big.Int).Lsh(big.NewInt(1), 255)
	big0    = big.NewInt(0)
	big1    = big.NewInt(1)
	big32   = big.NewInt(32)
)

// toU256 wraps v into the unsigned 256-bit range.
func toU256(v *big.Int) *big.Int {
	return v.And(v, tt256m1)
}

// toS256 interprets v (already in 0..2^256-1) as a signed two's-complement
// value.
func toS256(v *big.Int) *big.Int {
	if v.Cmp(tt255) < 0 {
		return v
	}
	return new(big.Int).Sub(v, tt256)
}

// fromS256 converts a signed value back into the unsigned 256-bit range.
func fromS256(v *big.Int) *big.Int {
	if v.Sign() < 0 {
		return toU256(new(big.Int).Add(v, tt256))
	}
	return toU256(v)
}

func bigToHash(v *big.Int) types.Hash       { return types.BigToHash(v) }
func bigToAddress(v *big.Int) types.Address { return types.BigToAddress(v) }

// getData returns a zero-padded slice of data[start:start+size].
func getData(data []byte, start, size uint64) []byte {
	length := uint64(len(data))
	if start > length {
		start = length
	}
	end := start + size
	if end > length {
		end = length
	}
	out := make([]byte, size)
	copy(out, data[start:end])
	return out
}

// --- arithmetic ---

func opAdd(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	x, y := stack.Pop(), stack.Peek()
	toU256(y.Add(x, y))
	return nil, nil
}

func opMul(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	x, y := stack.Pop(), stack.Peek()
	toU256(y.Mul(x, y))
	return nil, nil
}

func opSub(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	x, y := stack.Pop(), stack.Peek()
	toU256(y.Sub(x, y))
	return nil, nil
}

func opDiv(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	x, y := stack.Pop(), stack.Peek()
	if y.Sign() == 0 {
		y.SetUint64(0)
	} else {
		toU256(y.Div(x, y))
	}
	return nil, nil
}

func opSdiv(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	x, y := stack.Pop(), stack.Pop()
	if y.Sign() == 0 {
		stack.Push(new(big.Int))
		return nil, nil
	}
	sx, sy := toS256(x), toS256(y)
	res := new(big.Int).Quo(sx, sy)
	stack.Push(fromS256(res))
	return nil, nil
}

func opMod(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	x, y := stack.Pop(), stack.Peek()
	if y.Sign() == 0 {
		y.SetUint64(0)
	} else {
		toU256(y.Mod(x, y))
	}
	return nil, nil
}

func opSmod(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	x, y := stack.Pop(), stack.Pop()
	if y.Sign() == 0 {
		stack.Push(new(big.Int))
		return nil, nil
	}
	sx, sy := toS256(x), toS256(y)
	res := new(big.Int).Rem(sx, sy)
	stack.Push(fromS256(res))
	return nil, nil
}

func opAddmod(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	x, y, z := stack.Pop(), stack.Pop(), stack.Peek()
	if z.Sign() == 0 {
		z.SetUint64(0)
	} else {
		sum := new(big.Int).Add(x, y)
		toU256(z.Mod(sum, z))
	}
	return nil, nil
}

func opMulmod(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	x, y, z := stack.Pop(), stack.Pop(), stack.Peek()
	if z.Sign() == 0 {
		z.SetUint64(0)
	} else {
		prod := new(big.Int).Mul(x, y)
		toU256(z.Mod(prod, z))
	}
	return nil, nil
}

func opExp(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	base, exponent := stack.Pop(), stack.Peek()
	exponent.Exp(base, exponent, tt256)
	return nil, nil
}

func opSignExtend(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	back, num := stack.Pop(), stack.Peek()
	if back.Cmp(big32) < 0 {
		bit := uint(back.Uint64()*8 + 7)
		mask := new(big.Int).Lsh(big1, bit)
		mask.Sub(mask, big1)
		if num.Bit(int(bit)) > 0 {
			num.Or(num, new(big.Int).Not(mask))
		} else {
			num.And(num, mask)
		}
		toU256(num)
	}
	return nil, nil
}

// --- comparison / bitwise ---

func opLt(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	x, y := stack.Pop(), stack.Peek()
	if x.Cmp(y) < 0 {
		y.SetUint64(1)
	} else {
		y.SetUint64(0)
	}
	return nil, nil
}

func opGt(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	x, y := stack.Pop(), stack.Peek()
	if x.Cmp(y) > 0 {
		y.SetUint64(1)
	} else {
		y.SetUint64(0)
	}
	return nil, nil
}

func opSlt(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	x, y := stack.Pop(), stack.Pop()
	if toS256(x).Cmp(toS256(y)) < 0 {
		stack.Push(big.NewInt(1))
	} else {
		stack.Push(new(big.Int))
	}
	return nil, nil
}

func opSgt(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	x, y := stack.Pop(), stack.Pop()
	if toS256(x).Cmp(toS256(y)) > 0 {
		stack.Push(big.NewInt(1))
	} else {
		stack.Push(new(big.Int))
	}
	return nil, nil
}

func opEq(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	x, y := stack.Pop(), stack.Peek()
	if x.Cmp(y) == 0 {
		y.SetUint64(1)
	} else {
		y.SetUint64(0)
	}
	return nil, nil
}

func opIszero(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	x := stack.Peek()
	if x.Sign() == 0 {
		x.SetUint64(1)
	} else {
		x.SetUint64(0)
	}
	return nil, nil
}

func opAnd(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	x, y := stack.Pop(), stack.Peek()
	y.And(x, y)
	return nil, nil
}

func opOr(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	x, y := stack.Pop(), stack.Peek()
	y.Or(x, y)
	return nil, nil
}

func opXor(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	x, y := stack.Pop(), stack.Peek()
	y.Xor(x, y)
	return nil, nil
}

func opNot(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	x := stack.Peek()
	x.Xor(x, tt256m1)
	return nil, nil
}

func opByte(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	i, val := stack.Pop(), stack.Peek()
	if i.Cmp(big32) < 0 {
		b := types.BigToHash(val)
		val.SetUint64(uint64(b[i.Uint64()]))
	} else {
		val.SetUint64(0)
	}
	return nil, nil
}

func opShl(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	shift, val := stack.Pop(), stack.Peek()
	if shift.Cmp(big.NewInt(256)) >= 0 {
		val.SetUint64(0)
	} else {
		toU256(val.Lsh(val, uint(shift.Uint64())))
	}
	return nil, nil
}

func opShr(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	shift, val := stack.Pop(), stack.Peek()
	if shift.Cmp(big.NewInt(256)) >= 0 {
		val.SetUint64(0)
	} else {
		val.Rsh(val, uint(shift.Uint64()))
	}
	return nil, nil
}

func opSar(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	shift, val := stack.Pop(), stack.Pop()
	sval := toS256(val)
	if shift.Cmp(big.NewInt(256)) >= 0 {
		if sval.Sign() < 0 {
			stack.Push(new(big.Int).Set(tt256m1))
		} else {
			stack.Push(new(big.Int))
		}
		return nil, nil
	}
	stack.Push(fromS256(sval.Rsh(sval, uint(shift.Uint64()))))
	return nil, nil
}

// --- hashing / environment ---

func opKeccak256(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	offset, size := stack.Pop(), stack.Peek()
	data := memory.GetPtr(int64(offset.Uint64()), int64(size.Uint64()))
	hash := crypto.Keccak256(data)
	size.SetBytes(hash)
	return nil, nil
}

func opAddress(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	stack.Push(contract.Address.Big())
	return nil, nil
}

func opBalance(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	addr := stack.Peek()
	bal := evm.StateDB.GetBalance(bigToAddress(addr))
	addr.Set(bal)
	return nil, nil
}

func opOrigin(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	stack.Push(evm.TxContext.Origin.Big())
	return nil, nil
}

func opCaller(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	stack.Push(contract.CallerAddress.Big())
	return nil, nil
}

func opCallValue(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	if contract.Value != nil {
		stack.Push(new(big.Int).Set(contract.Value))
	} else {
		stack.Push(new(big.Int))
	}
	return nil, nil
}

func opCallDataLoad(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	offset := stack.Peek()
	if offset.BitLen() > 64 {
		offset.SetUint64(0)
		return nil, nil
	}
	data := getData(contract.Input, offset.Uint64(), 32)
	offset.SetBytes(data)
	return nil, nil
}

func opCallDataSize(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	stack.Push(big.NewInt(int64(len(contract.Input))))
	return nil, nil
}

func opCallDataCopy(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	memOffset, dataOffset, length := stack.Pop(), stack.Pop(), stack.Pop()
	if length.Sign() == 0 {
		return nil, nil
	}
	var off uint64
	if dataOffset.BitLen() <= 64 {
		off = dataOffset.Uint64()
	} else {
		off = uint64(len(contract.Input))
	}
	data := getData(contract.Input, off, length.Uint64())
	memory.Set(memOffset.Uint64(), length.Uint64(), data)
	return nil, nil
}

func opCodeSize(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	stack.Push(big.NewInt(int64(len(contract.Code))))
	return nil, nil
}

func opCodeCopy(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	memOffset, codeOffset, length := stack.Pop(), stack.Pop(), stack.Pop()
	if length.Sign() == 0 {
		return nil, nil
	}
	var off uint64
	if codeOffset.BitLen() <= 64 {
		off = codeOffset.Uint64()
	} else {
		off = uint64(len(contract.Code))
	}
	data := getData(contract.Code, off, length.Uint64())
	memory.Set(memOffset.Uint64(), length.Uint64(), data)
	return nil, nil
}

func opGasPrice(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	if evm.TxContext.GasPrice != nil {
		stack.Push(new(big.Int).Set(evm.TxContext.GasPrice))
	} else {
		stack.Push(new(big.Int))
	}
	return nil, nil
}

func opExtCodeSize(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	addr := stack.Peek()
	addr.SetInt64(int64(evm.StateDB.GetCodeSize(bigToAddress(addr))))
	return nil, nil
}

func opExtCodeCopy(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	addr, memOffset, codeOffset, length := stack.Pop(), stack.Pop(), stack.Pop(), stack.Pop()
	if length.Sign() == 0 {
		return nil, nil
	}
	code := evm.StateDB.GetCode(bigToAddress(addr))
	var off uint64
	if codeOffset.BitLen() <= 64 {
		off = codeOffset.Uint64()
	} else {
		off = uint64(len(code))
	}
	data := getData(code, off, length.Uint64())
	memory.Set(memOffset.Uint64(), length.Uint64(), data)
	return nil, nil
}

func opReturnDataSize(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	stack.Push(big.NewInt(int64(len(evm.returnData))))
	return nil, nil
}

func opReturnDataCopy(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	memOffset, dataOffset, length := stack.Pop(), stack.Pop(), stack.Pop()
	if dataOffset.BitLen() > 64 {
		return nil, ErrReturnDataOutOfBounds
	}
	end := new(big.Int).Add(dataOffset, length)
	if end.BitLen() > 64 || uint64(len(evm.returnData)) < end.Uint64() {
		return nil, ErrReturnDataOutOfBounds
	}
	if length.Sign() == 0 {
		return nil, nil
	}
	memory.Set(memOffset.Uint64(), length.Uint64(), evm.returnData[dataOffset.Uint64():end.Uint64()])
	return nil, nil
}

func opExtCodeHash(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	addr := stack.Peek()
	a := bigToAddress(addr)
	if !evm.StateDB.Exist(a) {
		addr.SetUint64(0)
	} else {
		addr.SetBytes(evm.StateDB.GetCodeHash(a).Bytes())
	}
	return nil, nil
}

// --- block environment ---

func opBlockhash(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	num := stack.Peek()
	// The fuzzer executes against a single pinned block: derive ancestor
	// hashes deterministically from the block number.
	if evm.Context.BlockNumber == nil || num.Cmp(evm.Context.BlockNumber) >= 0 {
		num.SetUint64(0)
		return nil, nil
	}
	diff := new(big.Int).Sub(evm.Context.BlockNumber, num)
	if diff.Cmp(big.NewInt(256)) > 0 {
		num.SetUint64(0)
		return nil, nil
	}
	h := crypto.Keccak256Hash(num.Bytes())
	num.SetBytes(h.Bytes())
	return nil, nil
}

func opCoinbase(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	stack.Push(evm.Context.Coinbase.Big())
	return nil, nil
}

func opTimestamp(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	stack.Push(new(big.Int).SetUint64(evm.Context.Time))
	return nil, nil
}

func opNumber(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	if evm.Context.BlockNumber != nil {
		stack.Push(new(big.Int).Set(evm.Context.BlockNumber))
	} else {
		stack.Push(new(big.Int))
	}
	return nil, nil
}

func opPrevRandao(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	stack.Push(evm.Context.PrevRandao.Big())
	return nil, nil
}

func opGasLimit(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	stack.Push(new(big.Int).SetUint64(evm.Context.GasLimit))
	return nil, nil
}

func opChainID(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	if evm.Context.ChainID != nil {
		stack.Push(new(big.Int).Set(evm.Context.ChainID))
	} else {
		stack.Push(new(big.Int))
	}
	return nil, nil
}

func opSelfBalance(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	stack.Push(evm.StateDB.GetBalance(contract.Address))
	return nil, nil
}

func opBaseFee(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	if evm.Context.BaseFee != nil {
		stack.Push(new(big.Int).Set(evm.Context.BaseFee))
	} else {
		stack.Push(new(big.Int))
	}
	return nil, nil
}

// --- stack / memory / storage ---

func opPop(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	stack.Pop()
	return nil, nil
}

func opMload(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	offset := stack.Peek()
	data := memory.GetPtr(int64(offset.Uint64()), 32)
	offset.SetBytes(data)
	return nil, nil
}

func opMstore(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	offset, val := stack.Pop(), stack.Pop()
	memory.Set32(offset.Uint64(), val)
	return nil, nil
}

func opMstore8(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	offset, val := stack.Pop(), stack.Pop()
	memory.store[offset.Uint64()] = byte(val.Uint64())
	return nil, nil
}

func opSload(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	key := stack.Peek()
	val := evm.StateDB.GetState(contract.Address, bigToHash(key))
	key.SetBytes(val.Bytes())
	return nil, nil
}

func opSstore(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	if evm.readOnly {
		return nil, ErrWriteProtection
	}
	key, val := stack.Pop(), stack.Pop()
	evm.StateDB.SetState(contract.Address, bigToHash(key), bigToHash(val))
	return nil, nil
}

func opJump(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	dest := stack.Pop()
	if !contract.validJumpdest(dest) {
		return nil, ErrInvalidJump
	}
	*pc = dest.Uint64()
	return nil, nil
}

func opJumpi(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	dest, cond := stack.Pop(), stack.Pop()
	if cond.Sign() != 0 {
		if !contract.validJumpdest(dest) {
			return nil, ErrInvalidJump
		}
		*pc = dest.Uint64()
	} else {
		*pc++
	}
	return nil, nil
}

func opPc(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	stack.Push(new(big.Int).SetUint64(*pc))
	return nil, nil
}

func opMsize(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	stack.Push(big.NewInt(int64(memory.Len())))
	return nil, nil
}

func opGas(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	stack.Push(new(big.Int).SetUint64(contract.Gas))
	return nil, nil
}

func opJumpdest(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	return nil, nil
}

func opTload(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	key := stack.Peek()
	val := evm.StateDB.GetTransientState(contract.Address, bigToHash(key))
	key.SetBytes(val.Bytes())
	return nil, nil
}

func opTstore(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	if evm.readOnly {
		return nil, ErrWriteProtection
	}
	key, val := stack.Pop(), stack.Pop()
	evm.StateDB.SetTransientState(contract.Address, bigToHash(key), bigToHash(val))
	return nil, nil
}

func opMcopy(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	dst, src, length := stack.Pop(), stack.Pop(), stack.Pop()
	if length.Sign() == 0 {
		return nil, nil
	}
	data := memory.Get(int64(src.Uint64()), int64(length.Uint64()))
	memory.Set(dst.Uint64(), length.Uint64(), data)
	return nil, nil
}

// --- push / dup / swap ---

func opPush0(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	stack.Push(new(big.Int))
	return nil, nil
}

// makePush returns an executionFunc that pushes n immediate bytes from code.
func makePush(size uint64) executionFunc {
	return func(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
		codeLen := uint64(len(contract.Code))
		start := *pc + 1
		end := start + size
		if start > codeLen {
			start = codeLen
		}
		if end > codeLen {
			end = codeLen
		}
		val := new(big.Int).SetBytes(getDataRightPad(contract.Code[start:end], size))
		stack.Push(val)
		*pc += size
		return nil, nil
	}
}

// getDataRightPad pads data on the right to size bytes (PUSH semantics).
func getDataRightPad(data []byte, size uint64) []byte {
	out := make([]byte, size)
	copy(out, data)
	return out
}

// makeDup returns an executionFunc that duplicates the nth stack item.
func makeDup(n int) executionFunc {
	return func(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
		stack.Dup(n)
		return nil, nil
	}
}

// makeSwap returns an executionFunc that swaps the top with the nth item.
func makeSwap(n int) executionFunc {
	return func(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
		stack.Swap(n)
		return nil, nil
	}
}

// --- logging ---

func makeLog(topics int) executionFunc {
	return func(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
		if evm.readOnly {
			return nil, ErrWriteProtection
		}
		offset, size := stack.Pop(), stack.Pop()
		log := &types.Log{Address: contract.Address}
		for i := 0; i < topics; i++ {
			log.Topics = append(log.Topics, bigToHash(stack.Pop()))
		}
		log.Data = memory.Get(int64(offset.Uint64()), int64(size.Uint64()))
		evm.StateDB.AddLog(log)
		return nil, nil
	}
}

// --- calls / creation / halting ---

func opCreate(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	value, offset, size := stack.Pop(), stack.Pop(), stack.Pop()
	code := memory.Get(int64(offset.Uint64()), int64(size.Uint64()))
	gas := contract.Gas
	contract.UseGas(gas)

	ret, addr, gasLeft, err := evm.Create(contract.Address, code, gas, value)
	contract.RefundGas(gasLeft)

	var leak *ControlLeakError
	if asControlLeak(err, &leak) {
		leak.Pause.Frames = append(leak.Pause.Frames,
			captureFrame(contract, *pc, stack, memory, evm.readOnly, true, 0, 0, 0))
		return nil, err
	}
	if err != nil && !isRevert(err) {
		stack.Push(new(big.Int))
		return nil, nil
	}
	if isRevert(err) {
		evm.returnData = ret
		stack.Push(new(big.Int))
		return nil, nil
	}
	evm.returnData = nil
	stack.Push(addr.Big())
	return nil, nil
}

func opCreate2(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	value, offset, size, salt := stack.Pop(), stack.Pop(), stack.Pop(), stack.Pop()
	code := memory.Get(int64(offset.Uint64()), int64(size.Uint64()))
	gas := contract.Gas
	contract.UseGas(gas)

	ret, addr, gasLeft, err := evm.Create2(contract.Address, code, gas, value, salt)
	contract.RefundGas(gasLeft)

	var leak *ControlLeakError
	if asControlLeak(err, &leak) {
		leak.Pause.Frames = append(leak.Pause.Frames,
			captureFrame(contract, *pc, stack, memory, evm.readOnly, true, 0, 0, 0))
		return nil, err
	}
	if err != nil && !isRevert(err) {
		stack.Push(new(big.Int))
		return nil, nil
	}
	if isRevert(err) {
		evm.returnData = ret
		stack.Push(new(big.Int))
		return nil, nil
	}
	evm.returnData = nil
	stack.Push(addr.Big())
	return nil, nil
}

func opCall(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	// gas, addr, value, argsOffset, argsLength, retOffset, retLength
	stack.Pop() // requested gas; callGasTemp holds the resolved amount
	addr, value := stack.Pop(), stack.Pop()
	inOffset, inSize, retOffset, retSize := stack.Pop(), stack.Pop(), stack.Pop(), stack.Pop()

	toAddr := bigToAddress(addr)
	args := memory.Get(int64(inOffset.Uint64()), int64(inSize.Uint64()))

	gas := evm.callGasTemp
	if value.Sign() > 0 {
		gas += GasCallStipend
	}

	ret, gasLeft, err := evm.Call(contract.Address, toAddr, args, gas, value)

	var leak *ControlLeakError
	if asControlLeak(err, &leak) {
		leak.Pause.Frames = append(leak.Pause.Frames,
			captureFrame(contract, *pc, stack, memory, evm.readOnly, true, retOffset.Uint64(), retSize.Uint64(), gasLeft))
		return nil, err
	}
	if err != nil {
		stack.Push(new(big.Int))
	} else {
		stack.Push(big.NewInt(1))
	}
	if err == nil || isRevert(err) {
		writeCallResult(memory, retOffset.Uint64(), retSize.Uint64(), ret)
	}
	contract.RefundGas(gasLeft)
	evm.returnData = ret
	return nil, nil
}

func opCallCode(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	stack.Pop()
	addr, value := stack.Pop(), stack.Pop()
	inOffset, inSize, retOffset, retSize := stack.Pop(), stack.Pop(), stack.Pop(), stack.Pop()

	toAddr := bigToAddress(addr)
	args := memory.Get(int64(inOffset.Uint64()), int64(inSize.Uint64()))

	gas := evm.callGasTemp
	if value.Sign() > 0 {
		gas += GasCallStipend
	}

	ret, gasLeft, err := evm.CallCode(contract.Address, toAddr, args, gas, value)

	var leak *ControlLeakError
	if asControlLeak(err, &leak) {
		leak.Pause.Frames = append(leak.Pause.Frames,
			captureFrame(contract, *pc, stack, memory, evm.readOnly, true, retOffset.Uint64(), retSize.Uint64(), gasLeft))
		return nil, err
	}
	if err != nil {
		stack.Push(new(big.Int))
	} else {
		stack.Push(big.NewInt(1))
	}
	if err == nil || isRevert(err) {
		writeCallResult(memory, retOffset.Uint64(), retSize.Uint64(), ret)
	}
	contract.RefundGas(gasLeft)
	evm.returnData = ret
	return nil, nil
}

func opDelegateCall(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	stack.Pop()
	addr := stack.Pop()
	inOffset, inSize, retOffset, retSize := stack.Pop(), stack.Pop(), stack.Pop(), stack.Pop()

	toAddr := bigToAddress(addr)
	args := memory.Get(int64(inOffset.Uint64()), int64(inSize.Uint64()))

	ret, gasLeft, err := evm.DelegateCall(contract.Address, contract.CallerAddress, toAddr, args, evm.callGasTemp, contract.Value)

	var leak *ControlLeakError
	if asControlLeak(err, &leak) {
		leak.Pause.Frames = append(leak.Pause.Frames,
			captureFrame(contract, *pc, stack, memory, evm.readOnly, true, retOffset.Uint64(), retSize.Uint64(), gasLeft))
		return nil, err
	}
	if err != nil {
		stack.Push(new(big.Int))
	} else {
		stack.Push(big.NewInt(1))
	}
	if err == nil || isRevert(err) {
		writeCallResult(memory, retOffset.Uint64(), retSize.Uint64(), ret)
	}
	contract.RefundGas(gasLeft)
	evm.returnData = ret
	return nil, nil
}

func opStaticCall(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	stack.Pop()
	addr := stack.Pop()
	inOffset, inSize, retOffset, retSize := stack.Pop(), stack.Pop(), stack.Pop(), stack.Pop()

	toAddr := bigToAddress(addr)
	args := memory.Get(int64(inOffset.Uint64()), int64(inSize.Uint64()))

	ret, gasLeft, err := evm.StaticCall(contract.Address, toAddr, args, evm.callGasTemp)

	var leak *ControlLeakError
	if asControlLeak(err, &leak) {
		leak.Pause.Frames = append(leak.Pause.Frames,
			captureFrame(contract, *pc, stack, memory, evm.readOnly, true, retOffset.Uint64(), retSize.Uint64(), gasLeft))
		return nil, err
	}
	if err != nil {
		stack.Push(new(big.Int))
	} else {
		stack.Push(big.NewInt(1))
	}
	if err == nil || isRevert(err) {
		writeCallResult(memory, retOffset.Uint64(), retSize.Uint64(), ret)
	}
	contract.RefundGas(gasLeft)
	evm.returnData = ret
	return nil, nil
}

func opReturn(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	offset, size := stack.Pop(), stack.Pop()
	ret := memory.Get(int64(offset.Uint64()), int64(size.Uint64()))
	return ret, nil
}

func opRevert(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	offset, size := stack.Pop(), stack.Pop()
	ret := memory.Get(int64(offset.Uint64()), int64(size.Uint64()))
	return ret, ErrExecutionReverted
}

func opStop(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	return nil, nil
}

func opInvalid(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	return nil, ErrInvalidOpCode
}

func opSelfdestruct(pc *uint64, evm *EVM, contract *Contract, memory *Memory, stack *Stack) ([]byte, error) {
	if evm.readOnly {
		return nil, ErrWriteProtection
	}
	beneficiary := bigToAddress(stack.Pop())
	balance := evm.StateDB.GetBalance(contract.Address)
	evm.StateDB.SubBalance(contract.Address, balance)
	evm.StateDB.AddBalance(beneficiary, balance)
	evm.StateDB.SelfDestruct(contract.Address)
	return nil, nil
}

// isRevert reports whether err is the REVERT sentinel.
func isRevert(err error) bool {
	return errors.Is(err, ErrExecutionReverted)
}
