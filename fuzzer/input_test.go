package fuzzer

import (
	"bytes"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/snapfuzz/snapfuzz/core/types"
)

func TestInputJSONRoundTrip(t *testing.T) {
	in := baseInput()
	in.Value = big.NewInt(12345)
	in.Borrow = &BorrowHint{
		Token:  types.HexToAddress("0x04"),
		Amount: big.NewInt(999),
	}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	out := new(Input)
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(out.Calldata(), in.Calldata()) {
		t.Errorf("calldata round trip: %x vs %x", out.Calldata(), in.Calldata())
	}
	if out.Caller != in.Caller || out.Target != in.Target {
		t.Error("addresses lost in round trip")
	}
	if out.Value.Cmp(in.Value) != 0 {
		t.Errorf("value round trip: %v", out.Value)
	}
	if out.Borrow == nil || out.Borrow.Amount.Int64() != 999 {
		t.Errorf("borrow hint round trip: %+v", out.Borrow)
	}
}

func TestInputJSONResumeRoundTrip(t *testing.T) {
	in := &Input{
		Caller: attacker,
		Target: target,
		Resume: &ResumeRef{PauseIndex: 2, ReturnData: []byte{1, 2, 3}},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	out := new(Input)
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatal(err)
	}
	if !out.IsResume() || out.Resume.PauseIndex != 2 {
		t.Errorf("resume round trip: %+v", out.Resume)
	}
	if !bytes.Equal(out.Resume.ReturnData, []byte{1, 2, 3}) {
		t.Errorf("return data round trip: %x", out.Resume.ReturnData)
	}
}

func TestInputJSONPrefixRoundTrip(t *testing.T) {
	in := baseInput()
	in.Prefix = baseInput()

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	out := new(Input)
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatal(err)
	}
	if out.Prefix == nil || out.SequenceLen() != 2 {
		t.Errorf("prefix lost: len = %d", out.SequenceLen())
	}
}

// Round-trip against the executor: a reloaded corpus input reproduces the
// stored outcome on its referenced state.
func TestInputRoundTripReproducesOutcome(t *testing.T) {
	st := genesisWith(guardedStoreCode())
	exec := testExecutor()

	in := baseInput()
	res1, err := exec.Execute(st, in)
	if err != nil {
		t.Fatal(err)
	}

	data, _ := json.Marshal(in)
	reloaded := new(Input)
	if err := json.Unmarshal(data, reloaded); err != nil {
		t.Fatal(err)
	}
	res2, err := exec.Execute(st, reloaded)
	if err != nil {
		t.Fatal(err)
	}
	if res1.Status != res2.Status {
		t.Errorf("status diverged: %v vs %v", res1.Status, res2.Status)
	}
	if res1.Post.Hash() != res2.Post.Hash() {
		t.Error("post state diverged after round trip")
	}
}

func TestInputCopyIndependence(t *testing.T) {
	in := baseInput()
	c := in.Copy()
	c.Args[0].Int.SetInt64(99)
	c.Caller = types.Address{}

	if in.Args[0].Int.Int64() != 1 {
		t.Error("Copy aliased argument values")
	}
	if in.Caller != attacker {
		t.Error("Copy aliased caller")
	}
}

func TestEmptyCalldata(t *testing.T) {
	in := &Input{Caller: attacker, Target: target}
	// Selector zero with no args: calldata is the 4 zero bytes.
	cd := in.Calldata()
	if len(cd) != 4 {
		t.Errorf("calldata length = %d, want 4", len(cd))
	}
	var sel [4]byte
	if !bytes.Equal(cd, sel[:]) {
		t.Errorf("calldata = %x", cd)
	}
}

func TestSelectorPreservedWithRawArgs(t *testing.T) {
	raw := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03}
	in := new(Input)
	data, _ := json.Marshal(map[string]any{
		"caller":   attacker.Hex(),
		"target":   target.Hex(),
		"calldata": "0x" + hexEncode(raw),
	})
	if err := json.Unmarshal(data, in); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(in.Calldata(), raw) {
		t.Errorf("raw calldata round trip: %x vs %x", in.Calldata(), raw)
	}
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 0, len(b)*2)
	for _, v := range b {
		out = append(out, digits[v>>4], digits[v&0xf])
	}
	return string(out)
}
