// Package fuzzer contains the fuzzing engine: the VM capability interface,
// the corpus with its two-tier infant-state scheduler, the feedback pipeline
// and the main loop.
package fuzzer

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/snapfuzz/snapfuzz/core/types"
	"github.com/snapfuzz/snapfuzz/core/vm"
)

// BorrowHint asks the executor to open a flashloan position before the call:
// the ledger is credited and the token's balanceOf answer for the caller is
// overridden.
type BorrowHint struct {
	Token  types.Address
	Amount *big.Int
}

// ResumeRef converts an input into a resumption of a paused continuation:
// instead of starting a fresh call, the executor picks up the pause at
// PauseIndex and feeds ReturnData as the leaked call's result.
type ResumeRef struct {
	PauseIndex int
	ReturnData []byte
}

// Input is one fuzzed transaction: either a fresh call or a resumption.
type Input struct {
	Caller   types.Address
	Target   types.Address
	Selector [4]byte
	Args     []vm.ABIValue
	// RawArgs carries undecoded argument bytes for inputs loaded from disk
	// before re-typing against an ABI; ignored when Args is set.
	RawArgs []byte
	Value   *big.Int

	Borrow    *BorrowHint
	Liquidate bool
	Resume    *ResumeRef

	// Prefix lifts the input to a multi-transaction sequence: it executes
	// before the input proper, against the same starting snapshot.
	Prefix *Input
}

// Calldata renders the canonical calldata: selector followed by the ABI
// encoding of the argument vector.
func (in *Input) Calldata() []byte {
	if in.Resume != nil {
		return nil
	}
	if len(in.Args) == 0 && len(in.RawArgs) > 0 {
		out := make([]byte, 4+len(in.RawArgs))
		copy(out[:4], in.Selector[:])
		copy(out[4:], in.RawArgs)
		return out
	}
	return vm.EncodeFunctionCall(in.Selector, in.Args)
}

// IsResume reports whether the input resumes a paused continuation.
func (in *Input) IsResume() bool { return in.Resume != nil }

// SequenceLen counts the transactions in the input including its prefixes.
func (in *Input) SequenceLen() int {
	n := 0
	for cur := in; cur != nil; cur = cur.Prefix {
		n++
	}
	return n
}

// Copy deep-copies the input.
func (in *Input) Copy() *Input {
	c := *in
	if in.Value != nil {
		c.Value = new(big.Int).Set(in.Value)
	}
	c.Args = copyValues(in.Args)
	c.RawArgs = append([]byte(nil), in.RawArgs...)
	if in.Borrow != nil {
		c.Borrow = &BorrowHint{Token: in.Borrow.Token, Amount: new(big.Int).Set(in.Borrow.Amount)}
	}
	if in.Resume != nil {
		c.Resume = &ResumeRef{
			PauseIndex: in.Resume.PauseIndex,
			ReturnData: append([]byte(nil), in.Resume.ReturnData...),
		}
	}
	if in.Prefix != nil {
		c.Prefix = in.Prefix.Copy()
	}
	return &c
}

func copyValues(vals []vm.ABIValue) []vm.ABIValue {
	out := make([]vm.ABIValue, len(vals))
	for i, v := range vals {
		out[i] = copyValue(v)
	}
	return out
}

func copyValue(v vm.ABIValue) vm.ABIValue {
	c := v
	if v.Int != nil {
		c.Int = new(big.Int).Set(v.Int)
	}
	c.BytesVal = append([]byte(nil), v.BytesVal...)
	c.ArrayElems = copyValues(v.ArrayElems)
	c.TupleElems = copyValues(v.TupleElems)
	return c
}

// --- persistence ---

// inputJSON is the on-disk form of an input: raw calldata plus the fields
// calldata cannot carry. Argument types are re-derived from the target's ABI
// at load time.
type inputJSON struct {
	Caller    string     `json:"caller"`
	Target    string     `json:"target"`
	Calldata  string     `json:"calldata"`
	Value     string     `json:"value,omitempty"`
	Liquidate bool       `json:"liquidate,omitempty"`
	Borrow    *hintJSON  `json:"borrow,omitempty"`
	Resume    *resumeRef `json:"resume,omitempty"`
	Prefix    *inputJSON `json:"prefix,omitempty"`
}

type hintJSON struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type resumeRef struct {
	PauseIndex int    `json:"pauseIndex"`
	ReturnData string `json:"returnData"`
}

// MarshalJSON implements json.Marshaler.
func (in *Input) MarshalJSON() ([]byte, error) {
	return json.Marshal(in.toJSON())
}

func (in *Input) toJSON() *inputJSON {
	j := &inputJSON{
		Caller:    in.Caller.Hex(),
		Target:    in.Target.Hex(),
		Calldata:  "0x" + hex.EncodeToString(in.Calldata()),
		Liquidate: in.Liquidate,
	}
	if in.Value != nil && in.Value.Sign() > 0 {
		j.Value = in.Value.String()
	}
	if in.Borrow != nil {
		j.Borrow = &hintJSON{Token: in.Borrow.Token.Hex(), Amount: in.Borrow.Amount.String()}
	}
	if in.Resume != nil {
		j.Resume = &resumeRef{
			PauseIndex: in.Resume.PauseIndex,
			ReturnData: "0x" + hex.EncodeToString(in.Resume.ReturnData),
		}
	}
	if in.Prefix != nil {
		j.Prefix = in.Prefix.toJSON()
	}
	return j
}

// UnmarshalJSON implements json.Unmarshaler. Typed arguments are not
// reconstructed here; ReplayDecode re-types the calldata against an ABI.
func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	return in.fromJSON(&j)
}

func (in *Input) fromJSON(j *inputJSON) error {
	in.Caller = types.HexToAddress(j.Caller)
	in.Target = types.HexToAddress(j.Target)

	raw, err := decodeHex(j.Calldata)
	if err != nil {
		return fmt.Errorf("corpus input calldata: %w", err)
	}
	if len(raw) >= 4 {
		copy(in.Selector[:], raw[:4])
		// Args stay empty until re-typed against an ABI; the raw tail keeps
		// Calldata() round-tripping byte-exactly.
		if len(raw) > 4 {
			in.RawArgs = append([]byte(nil), raw[4:]...)
		}
	}
	if j.Value != "" {
		v, ok := new(big.Int).SetString(j.Value, 10)
		if !ok {
			return fmt.Errorf("corpus input value %q", j.Value)
		}
		in.Value = v
	}
	in.Liquidate = j.Liquidate
	if j.Borrow != nil {
		amount, ok := new(big.Int).SetString(j.Borrow.Amount, 10)
		if !ok {
			return fmt.Errorf("corpus borrow amount %q", j.Borrow.Amount)
		}
		in.Borrow = &BorrowHint{Token: types.HexToAddress(j.Borrow.Token), Amount: amount}
	}
	if j.Resume != nil {
		ret, err := decodeHex(j.Resume.ReturnData)
		if err != nil {
			return fmt.Errorf("corpus resume data: %w", err)
		}
		in.Resume = &ResumeRef{PauseIndex: j.Resume.PauseIndex, ReturnData: ret}
	}
	if j.Prefix != nil {
		in.Prefix = new(Input)
		if err := in.Prefix.fromJSON(j.Prefix); err != nil {
			return err
		}
	}
	return nil
}

func decodeHex(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
