package vm

import (
	"encoding/hex"
	"testing"

	"github.com/snapfuzz/snapfuzz/core/types"
)

func TestPrecompileMap(t *testing.T) {
	for _, b := range []byte{1, 2, 3, 4, 5, 9} {
		if !IsPrecompile(types.BytesToAddress([]byte{b})) {
			t.Errorf("0x%02x missing from precompile set", b)
		}
	}
	for _, b := range []byte{6, 7, 8, 0x0a} {
		if IsPrecompile(types.BytesToAddress([]byte{b})) {
			t.Errorf("0x%02x unexpectedly mapped", b)
		}
	}
}

func TestIdentityPrecompile(t *testing.T) {
	p := PrecompiledContracts[types.BytesToAddress([]byte{4})]
	in := []byte{1, 2, 3}
	out, err := p.Run(in)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != string(in) {
		t.Errorf("identity = %x", out)
	}
	out[0] = 9
	if in[0] != 1 {
		t.Error("identity aliased its input")
	}
}

func TestSha256Precompile(t *testing.T) {
	p := PrecompiledContracts[types.BytesToAddress([]byte{2})]
	out, err := p.Run([]byte("abc"))
	if err != nil {
		t.Fatal(err)
	}
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if hex.EncodeToString(out) != want {
		t.Errorf("sha256(abc) = %x", out)
	}
}

// EIP-152 test vector 5: 12 rounds over the blake2b-512("abc") block.
func TestBlake2FKnownVector(t *testing.T) {
	h, err := hex.DecodeString(
		"48c9bdf267e6096a3ba7ca8485ae67bb2bf894fe72f36e3cf1361d5f3af54fa5" +
			"d182e6ad7f520e511f6c3e2b8c68059b6bbd41fbabd9831f79217e1319cde05b")
	if err != nil {
		t.Fatal(err)
	}
	input := make([]byte, blake2FInputLength)
	input[3] = 12 // rounds, big-endian
	copy(input[4:68], h)
	copy(input[68:], "abc") // message block, zero-padded
	input[196] = 3          // t0, little-endian
	input[212] = 1          // final

	p := &blake2F{}
	if got := p.RequiredGas(input); got != 12 {
		t.Errorf("RequiredGas = %d, want 12 (one per round)", got)
	}
	out, err := p.Run(input)
	if err != nil {
		t.Fatal(err)
	}
	want := "ba80a53f981c4d0d6a2797b69f12f6e94c212f14685ac4b74b12bb6fdbffa2d1" +
		"7d87c5392aab792dc252d5de4533cc9518d38aa8dbf1925ab92386edd4009923"
	if hex.EncodeToString(out) != want {
		t.Errorf("blake2F = %x", out)
	}
}

func TestBlake2FRejectsMalformedInput(t *testing.T) {
	p := &blake2F{}
	if _, err := p.Run(make([]byte, 212)); err == nil {
		t.Error("short input accepted")
	}
	bad := make([]byte, blake2FInputLength)
	bad[212] = 2
	if _, err := p.Run(bad); err == nil {
		t.Error("invalid final flag accepted")
	}
}
