// Package crypto provides the hashing primitives used by the fuzzer core:
// Keccak-256 for code hashes, snapshot content hashes, ABI selectors and
// sentinel bug topics.
package crypto

import (
	"github.com/snapfuzz/snapfuzz/core/types"
	"golang.org/x/crypto/sha3"
)

// Keccak256 calculates the Keccak-256 hash of the given data.
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// Keccak256Hash calculates Keccak-256 and returns it as a types.Hash.
func Keccak256Hash(data ...[]byte) types.Hash {
	return types.BytesToHash(Keccak256(data...))
}

// EmptyCodeHash is the Keccak-256 hash of empty input, the code hash of an
// account with no code.
var EmptyCodeHash = Keccak256Hash(nil)
