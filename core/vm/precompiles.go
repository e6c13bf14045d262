package vm

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/big"
	"math/bits"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/snapfuzz/snapfuzz/core/types"
	"github.com/snapfuzz/snapfuzz/crypto"
	"golang.org/x/crypto/ripemd160"
)

// PrecompiledContract is the interface for native contracts.
type PrecompiledContract interface {
	RequiredGas(input []byte) uint64
	Run(input []byte) ([]byte, error)
}

// PrecompiledContracts holds the active precompile set: ecrecover, sha256,
// ripemd160, identity, modexp and blake2F. The bn254 pairing precompiles
// (0x06-0x08) and KZG point evaluation (0x0a) are not mapped; calls to their
// addresses behave as calls to empty accounts.
var PrecompiledContracts = map[types.Address]PrecompiledContract{
	types.BytesToAddress([]byte{1}): &ecrecover{},
	types.BytesToAddress([]byte{2}): &sha256hash{},
	types.BytesToAddress([]byte{3}): &ripemd160hash{},
	types.BytesToAddress([]byte{4}): &dataCopy{},
	types.BytesToAddress([]byte{5}): &bigModExp{},
	types.BytesToAddress([]byte{9}): &blake2F{},
}

// IsPrecompile reports whether addr maps to a native contract.
func IsPrecompile(addr types.Address) bool {
	_, ok := PrecompiledContracts[addr]
	return ok
}

type ecrecover struct{}

func (c *ecrecover) RequiredGas(input []byte) uint64 { return 3000 }

func (c *ecrecover) Run(input []byte) ([]byte, error) {
	const ecRecoverInputLength = 128
	input = append(input, make([]byte, ecRecoverInputLength)...)
	input = input[:ecRecoverInputLength]

	r := new(big.Int).SetBytes(input[64:96])
	s := new(big.Int).SetBytes(input[96:128])
	v := input[63] - 27

	if !allZero(input[32:63]) || (v != 0 && v != 1) {
		return nil, nil
	}
	if !gethcrypto.ValidateSignatureValues(v, r, s, false) {
		return nil, nil
	}
	sig := make([]byte, 65)
	copy(sig, input[64:128])
	sig[64] = v

	pubKey, err := gethcrypto.Ecrecover(input[:32], sig)
	if err != nil {
		return nil, nil
	}
	out := make([]byte, 32)
	copy(out[12:], crypto.Keccak256(pubKey[1:])[12:])
	return out, nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

type sha256hash struct{}

func (c *sha256hash) RequiredGas(input []byte) uint64 {
	return toWordSize(uint64(len(input)))*12 + 60
}

func (c *sha256hash) Run(input []byte) ([]byte, error) {
	h := sha256.Sum256(input)
	return h[:], nil
}

type ripemd160hash struct{}

func (c *ripemd160hash) RequiredGas(input []byte) uint64 {
	return toWordSize(uint64(len(input)))*120 + 600
}

func (c *ripemd160hash) Run(input []byte) ([]byte, error) {
	rip := ripemd160.New()
	rip.Write(input)
	return types.BytesToHash(rip.Sum(nil)).Bytes(), nil
}

type dataCopy struct{}

func (c *dataCopy) RequiredGas(input []byte) uint64 {
	return toWordSize(uint64(len(input)))*3 + 15
}

func (c *dataCopy) Run(input []byte) ([]byte, error) {
	out := make([]byte, len(input))
	copy(out, input)
	return out, nil
}

type bigModExp struct{}

func (c *bigModExp) RequiredGas(input []byte) uint64 {
	// Floor price; exact EIP-2565 pricing is irrelevant to exploration.
	return 200
}

func (c *bigModExp) Run(input []byte) ([]byte, error) {
	baseLen := bigFromPadded(input, 0, 32).Uint64()
	expLen := bigFromPadded(input, 32, 32).Uint64()
	modLen := bigFromPadded(input, 64, 32).Uint64()
	if baseLen == 0 && modLen == 0 {
		return []byte{}, nil
	}
	data := input
	if len(data) > 96 {
		data = data[96:]
	} else {
		data = nil
	}
	base := new(big.Int).SetBytes(getData(data, 0, baseLen))
	exp := new(big.Int).SetBytes(getData(data, baseLen, expLen))
	mod := new(big.Int).SetBytes(getData(data, baseLen+expLen, modLen))

	out := make([]byte, modLen)
	if mod.Sign() == 0 {
		return out, nil
	}
	res := new(big.Int).Exp(base, exp, mod).Bytes()
	copy(out[uint64(len(out))-uint64(len(res)):], res)
	return out, nil
}

func bigFromPadded(data []byte, start, size uint64) *big.Int {
	return new(big.Int).SetBytes(getData(data, start, size))
}

// blake2F is the BLAKE2b F compression function precompile (EIP-152).
type blake2F struct{}

const blake2FInputLength = 213

var (
	errBlake2FInputLength = errors.New("blake2f: invalid input length")
	errBlake2FFinalFlag   = errors.New("blake2f: invalid final block indicator")
)

func (c *blake2F) RequiredGas(input []byte) uint64 {
	// One gas per round; the round count is the big-endian uint32 head.
	if len(input) < 4 {
		return 0
	}
	return uint64(binary.BigEndian.Uint32(input[:4]))
}

func (c *blake2F) Run(input []byte) ([]byte, error) {
	// Input layout: [4B rounds][64B h][128B m][8B t0][8B t1][1B f].
	if len(input) != blake2FInputLength {
		return nil, errBlake2FInputLength
	}
	rounds := binary.BigEndian.Uint32(input[:4])

	finalByte := input[212]
	if finalByte != 0 && finalByte != 1 {
		return nil, errBlake2FFinalFlag
	}
	final := finalByte == 1

	var h [8]uint64
	for i := 0; i < 8; i++ {
		h[i] = binary.LittleEndian.Uint64(input[4+i*8:])
	}
	var m [16]uint64
	for i := 0; i < 16; i++ {
		m[i] = binary.LittleEndian.Uint64(input[68+i*8:])
	}
	t := [2]uint64{
		binary.LittleEndian.Uint64(input[196:204]),
		binary.LittleEndian.Uint64(input[204:212]),
	}

	blake2bCompress(&h, m, t, final, rounds)

	out := make([]byte, 64)
	for i := 0; i < 8; i++ {
		binary.LittleEndian.PutUint64(out[i*8:], h[i])
	}
	return out, nil
}

// blake2bIV is the BLAKE2b initialisation vector.
var blake2bIV = [8]uint64{
	0x6a09e667f3bcc908, 0xbb67ae8584caa73b,
	0x3c6ef372fe94f82b, 0xa54ff53a5f1d36f1,
	0x510e527fade682d1, 0x9b05688c2b3e6c1f,
	0x1f83d9abfb41bd6b, 0x5be0cd19137e2179,
}

// blake2bSigma is the message schedule permutation table.
var blake2bSigma = [10][16]byte{
	{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
	{14, 10, 4, 8, 9, 15, 13, 6, 1, 12, 0, 2, 11, 7, 5, 3},
	{11, 8, 12, 0, 5, 2, 15, 13, 10, 14, 3, 6, 7, 1, 9, 4},
	{7, 9, 3, 1, 13, 12, 11, 14, 2, 6, 5, 10, 4, 0, 15, 8},
	{9, 0, 5, 7, 2, 4, 10, 15, 14, 1, 11, 12, 6, 8, 3, 13},
	{2, 12, 6, 10, 0, 11, 8, 3, 4, 13, 7, 5, 15, 14, 1, 9},
	{12, 5, 1, 15, 14, 13, 4, 10, 0, 7, 6, 3, 9, 2, 8, 11},
	{13, 11, 7, 14, 12, 1, 3, 9, 5, 0, 15, 4, 8, 6, 2, 10},
	{6, 15, 14, 9, 11, 3, 0, 8, 12, 2, 13, 7, 1, 4, 10, 5},
	{10, 2, 8, 4, 7, 6, 1, 5, 15, 11, 9, 14, 3, 12, 13, 0},
}

// blake2bCompress runs `rounds` rounds of the BLAKE2b F function over h
// in place.
func blake2bCompress(h *[8]uint64, m [16]uint64, t [2]uint64, final bool, rounds uint32) {
	var v [16]uint64
	copy(v[:8], h[:])
	copy(v[8:], blake2bIV[:])
	v[12] ^= t[0]
	v[13] ^= t[1]
	if final {
		v[14] = ^v[14]
	}

	g := func(a, b, c, d int, x, y uint64) {
		v[a] = v[a] + v[b] + x
		v[d] = bits.RotateLeft64(v[d]^v[a], -32)
		v[c] = v[c] + v[d]
		v[b] = bits.RotateLeft64(v[b]^v[c], -24)
		v[a] = v[a] + v[b] + y
		v[d] = bits.RotateLeft64(v[d]^v[a], -16)
		v[c] = v[c] + v[d]
		v[b] = bits.RotateLeft64(v[b]^v[c], -63)
	}

	for i := uint32(0); i < rounds; i++ {
		s := blake2bSigma[i%10]
		g(0, 4, 8, 12, m[s[0]], m[s[1]])
		g(1, 5, 9, 13, m[s[2]], m[s[3]])
		g(2, 6, 10, 14, m[s[4]], m[s[5]])
		g(3, 7, 11, 15, m[s[6]], m[s[7]])
		g(0, 5, 10, 15, m[s[8]], m[s[9]])
		g(1, 6, 11, 12, m[s[10]], m[s[11]])
		g(2, 7, 8, 13, m[s[12]], m[s[13]])
		g(3, 4, 9, 14, m[s[14]], m[s[15]])
	}

	for i := 0; i < 8; i++ {
		h[i] ^= v[i] ^ v[i+8]
	}
}
