package vm

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/snapfuzz/snapfuzz/core/types"
)

func TestComputeSelectorKnown(t *testing.T) {
	sel := ComputeSelector("transfer(address,uint256)")
	if hex.EncodeToString(sel[:]) != "a9059cbb" {
		t.Errorf("transfer selector = %x, want a9059cbb", sel)
	}
	sel = ComputeSelector("balanceOf(address)")
	if hex.EncodeToString(sel[:]) != "70a08231" {
		t.Errorf("balanceOf selector = %x, want 70a08231", sel)
	}
}

func TestParseABIType(t *testing.T) {
	cases := []struct {
		name string
		kind ABITypeKind
	}{
		{"uint8", ABIUint},
		{"uint256", ABIUint},
		{"int128", ABIInt},
		{"address", ABIAddress},
		{"bool", ABIBool},
		{"bytes", ABIBytes},
		{"bytes32", ABIFixedBytes},
		{"string", ABIString},
		{"uint256[]", ABIDynamicArray},
		{"bool[4]", ABIFixedArray},
	}
	for _, c := range cases {
		got, err := ParseABIType(c.name)
		if err != nil {
			t.Fatalf("ParseABIType(%q): %v", c.name, err)
		}
		if got.Kind != c.kind {
			t.Errorf("ParseABIType(%q).Kind = %d, want %d", c.name, got.Kind, c.kind)
		}
		if got.String() != c.name {
			t.Errorf("round trip of %q = %q", c.name, got.String())
		}
	}

	if _, err := ParseABIType("uint7"); err == nil {
		t.Error("uint7 should not parse")
	}
	if _, err := ParseABIType("bytes33"); err == nil {
		t.Error("bytes33 should not parse")
	}
}

func TestEncodeDecodeStatic(t *testing.T) {
	u256 := ABIType{Kind: ABIUint, Width: 256}
	addrT := ABIType{Kind: ABIAddress}
	vals := []ABIValue{
		{Type: u256, Int: big.NewInt(123456)},
		{Type: addrT, Addr: types.HexToAddress("0x24cd2edba056b7c654a50e8201b619d4f624fdda")},
		{Type: ABIType{Kind: ABIBool}, Bool: true},
	}
	enc := EncodeValues(vals)
	if len(enc) != 96 {
		t.Fatalf("static encoding length = %d, want 96", len(enc))
	}
	dec, err := DecodeFunctionResult(enc, []ABIType{u256, addrT, {Kind: ABIBool}})
	if err != nil {
		t.Fatal(err)
	}
	if dec[0].Int.Int64() != 123456 {
		t.Errorf("uint round trip = %v", dec[0].Int)
	}
	if dec[1].Addr != vals[1].Addr {
		t.Errorf("address round trip = %v", dec[1].Addr)
	}
	if !dec[2].Bool {
		t.Error("bool round trip lost true")
	}
}

func TestEncodeDecodeDynamic(t *testing.T) {
	bytesT := ABIType{Kind: ABIBytes}
	elem := ABIType{Kind: ABIUint, Width: 256}
	arrT := ABIType{Kind: ABIDynamicArray, Elem: &elem}

	vals := []ABIValue{
		{Type: bytesT, BytesVal: []byte{0xde, 0xad, 0xbe, 0xef}},
		{Type: arrT, ArrayElems: []ABIValue{
			{Type: elem, Int: big.NewInt(1)},
			{Type: elem, Int: big.NewInt(2)},
		}},
	}
	enc := EncodeValues(vals)
	dec, err := DecodeFunctionResult(enc, []ABIType{bytesT, arrT})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dec[0].BytesVal, vals[0].BytesVal) {
		t.Errorf("bytes round trip = %x", dec[0].BytesVal)
	}
	if len(dec[1].ArrayElems) != 2 || dec[1].ArrayElems[1].Int.Int64() != 2 {
		t.Errorf("array round trip = %+v", dec[1].ArrayElems)
	}
}

func TestEncodeFunctionCallLayout(t *testing.T) {
	sel := ComputeSelector("process(uint8)")
	call := EncodeFunctionCall(sel, []ABIValue{
		{Type: ABIType{Kind: ABIUint, Width: 8}, Int: big.NewInt(1)},
	})
	if len(call) != 36 {
		t.Fatalf("call length = %d, want 36", len(call))
	}
	if !bytes.Equal(call[:4], sel[:]) {
		t.Error("selector not at head")
	}
	if call[35] != 1 {
		t.Error("uint8 argument not right-aligned")
	}
}

func TestDecodeShortData(t *testing.T) {
	_, err := DecodeFunctionResult([]byte{1, 2}, []ABIType{{Kind: ABIUint, Width: 256}})
	if err == nil {
		t.Error("short data should fail")
	}
}
