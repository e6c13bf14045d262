// Package loader builds the fuzzer's genesis world from locally compiled
// contract artifacts: <name>.bin deployment bytecode, <name>.abi JSON,
// optional <name>.address pins, and optional combined JSON with runtime
// bytecode and source maps.
package loader

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/snapfuzz/snapfuzz/core/state"
	"github.com/snapfuzz/snapfuzz/core/types"
	"github.com/snapfuzz/snapfuzz/core/vm"
	"github.com/snapfuzz/snapfuzz/fuzzer"
	"github.com/snapfuzz/snapfuzz/log"
)

// ErrNoArtifacts reports an artifact directory with nothing to deploy.
var ErrNoArtifacts = errors.New("loader: no artifacts found")

// Function is one ABI entry of kind "function" or "constructor".
type Function struct {
	Name            string
	Inputs          []vm.ABIType
	StateMutability string
	IsConstructor   bool
}

// Contract is one compiled artifact.
type Contract struct {
	Name      string
	Bin       []byte
	Functions []Function

	// PinnedAddress is the deployment address forced by a .address file.
	PinnedAddress    types.Address
	HasPinnedAddress bool

	// RuntimeBin and SrcMap come from combined JSON and enable source-span
	// coverage reporting.
	RuntimeBin []byte
	SrcMap     string
}

// Project is a loaded artifact directory.
type Project struct {
	Contracts []*Contract
}

// abiEntryJSON is the solc ABI array element.
type abiEntryJSON struct {
	Type            string         `json:"type"`
	Name            string         `json:"name"`
	Inputs          []abiParamJSON `json:"inputs"`
	StateMutability string         `json:"stateMutability"`
}

type abiParamJSON struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Components []abiParamJSON `json:"components"`
}

// combinedJSON is the optional solc --combined-json artifact.
type combinedJSON struct {
	Contracts map[string]struct {
		BinRuntime    string `json:"bin-runtime"`
		SrcmapRuntime string `json:"srcmap-runtime"`
	} `json:"contracts"`
}

// LoadDirectory reads every <name>.bin / <name>.abi pair under dir.
// Contracts sort by name: the deterministic deployment order.
func LoadDirectory(dir string) (*Project, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}

	byName := make(map[string]*Contract)
	var combined *combinedJSON

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(dir, name)
		switch {
		case strings.HasSuffix(name, ".bin"):
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			bin, err := decodeHexFile(data)
			if err != nil {
				return nil, fmt.Errorf("loader: %s: %w", name, err)
			}
			getContract(byName, strings.TrimSuffix(name, ".bin")).Bin = bin

		case strings.HasSuffix(name, ".abi"):
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			funcs, err := ParseABI(data)
			if err != nil {
				return nil, fmt.Errorf("loader: %s: %w", name, err)
			}
			getContract(byName, strings.TrimSuffix(name, ".abi")).Functions = funcs

		case strings.HasSuffix(name, ".address"):
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			c := getContract(byName, strings.TrimSuffix(name, ".address"))
			c.PinnedAddress = types.HexToAddress(strings.TrimSpace(string(data)))
			c.HasPinnedAddress = true

		case strings.HasSuffix(name, ".json"):
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			var cj combinedJSON
			if json.Unmarshal(data, &cj) == nil && len(cj.Contracts) > 0 {
				combined = &cj
			}
		}
	}

	p := &Project{}
	for _, c := range byName {
		if len(c.Bin) == 0 {
			continue
		}
		p.Contracts = append(p.Contracts, c)
	}
	if len(p.Contracts) == 0 {
		return nil, ErrNoArtifacts
	}
	sort.Slice(p.Contracts, func(i, j int) bool {
		return p.Contracts[i].Name < p.Contracts[j].Name
	})

	if combined != nil {
		for key, entry := range combined.Contracts {
			// Combined-JSON keys look like "file.sol:Name".
			short := key
			if idx := strings.LastIndex(key, ":"); idx >= 0 {
				short = key[idx+1:]
			}
			if c := byName[short]; c != nil {
				if bin, err := decodeHexFile([]byte(entry.BinRuntime)); err == nil {
					c.RuntimeBin = bin
				}
				c.SrcMap = entry.SrcmapRuntime
			}
		}
	}
	return p, nil
}

func getContract(m map[string]*Contract, name string) *Contract {
	if c := m[name]; c != nil {
		return c
	}
	c := &Contract{Name: name}
	m[name] = c
	return c
}

// ParseABI parses a solc ABI JSON array into typed function entries.
func ParseABI(data []byte) ([]Function, error) {
	var raw []abiEntryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	var out []Function
	for _, e := range raw {
		if e.Type != "function" && e.Type != "constructor" {
			continue
		}
		inputs, err := parseParams(e.Inputs)
		if err != nil {
			return nil, err
		}
		out = append(out, Function{
			Name:            e.Name,
			Inputs:          inputs,
			StateMutability: e.StateMutability,
			IsConstructor:   e.Type == "constructor",
		})
	}
	return out, nil
}

func parseParams(params []abiParamJSON) ([]vm.ABIType, error) {
	out := make([]vm.ABIType, len(params))
	for i, p := range params {
		if strings.HasPrefix(p.Type, "tuple") {
			fields, err := parseParams(p.Components)
			if err != nil {
				return nil, err
			}
			t := vm.ABIType{Kind: vm.ABITuple, Fields: fields}
			// Array suffixes on tuples.
			suffix := strings.TrimPrefix(p.Type, "tuple")
			for strings.HasPrefix(suffix, "[") {
				end := strings.Index(suffix, "]")
				if end < 0 {
					return nil, fmt.Errorf("loader: bad tuple type %q", p.Type)
				}
				dims := suffix[1:end]
				elem := t
				if dims == "" {
					t = vm.ABIType{Kind: vm.ABIDynamicArray, Elem: &elem}
				} else {
					n := 0
					fmt.Sscanf(dims, "%d", &n)
					t = vm.ABIType{Kind: vm.ABIFixedArray, Size: n, Elem: &elem}
				}
				suffix = suffix[end+1:]
			}
			out[i] = t
			continue
		}
		t, err := vm.ParseABIType(p.Type)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

// ParseConstructorArgs parses the CLI form "Contract:a,b;Other:c" into a
// per-contract raw value list.
func ParseConstructorArgs(spec string) (map[string][]string, error) {
	out := make(map[string][]string)
	if spec == "" {
		return out, nil
	}
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, ":")
		if idx <= 0 {
			return nil, fmt.Errorf("loader: malformed constructor args %q", part)
		}
		name := part[:idx]
		var vals []string
		if rest := part[idx+1:]; rest != "" {
			vals = strings.Split(rest, ",")
		}
		out[name] = vals
	}
	return out, nil
}

// EncodeConstructorArgs types the raw strings against the contract's
// constructor and ABI-encodes them.
func EncodeConstructorArgs(c *Contract, raw []string) ([]byte, error) {
	var ctor *Function
	for i := range c.Functions {
		if c.Functions[i].IsConstructor {
			ctor = &c.Functions[i]
			break
		}
	}
	if ctor == nil || len(ctor.Inputs) == 0 {
		if len(raw) > 0 {
			return nil, fmt.Errorf("loader: %s has no constructor arguments", c.Name)
		}
		return nil, nil
	}
	if len(raw) != len(ctor.Inputs) {
		return nil, fmt.Errorf("loader: %s constructor wants %d args, got %d",
			c.Name, len(ctor.Inputs), len(raw))
	}
	vals := make([]vm.ABIValue, len(raw))
	for i, s := range raw {
		v, err := coerceValue(ctor.Inputs[i], strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("loader: %s constructor arg %d: %w", c.Name, i, err)
		}
		vals[i] = v
	}
	return vm.EncodeValues(vals), nil
}

// coerceValue converts a CLI string into a typed ABI value.
func coerceValue(t vm.ABIType, s string) (vm.ABIValue, error) {
	switch t.Kind {
	case vm.ABIUint, vm.ABIInt:
		v, ok := new(big.Int).SetString(s, 0)
		if !ok {
			return vm.ABIValue{}, fmt.Errorf("not an integer: %q", s)
		}
		return vm.ABIValue{Type: t, Int: v}, nil
	case vm.ABIAddress:
		return vm.ABIValue{Type: t, Addr: types.HexToAddress(s)}, nil
	case vm.ABIBool:
		return vm.ABIValue{Type: t, Bool: s == "true" || s == "1"}, nil
	case vm.ABIString:
		return vm.ABIValue{Type: t, StringVal: s}, nil
	case vm.ABIBytes, vm.ABIFixedBytes:
		b, err := decodeHexFile([]byte(s))
		if err != nil {
			return vm.ABIValue{}, err
		}
		return vm.ABIValue{Type: t, BytesVal: b}, nil
	}
	return vm.ABIValue{}, fmt.Errorf("unsupported constructor arg type %s", t)
}

// AttackerBalance is the pre-funded balance of each attacker account.
var AttackerBalance = new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)

// BuildGenesis deploys the project into a fresh snapshot (sorted-name
// order, honouring pinned addresses) and funds the attacker set. It returns
// the genesis snapshot and the name -> address mapping.
func BuildGenesis(p *Project, exec fuzzer.Executor, env state.BlockEnv, attackers []types.Address, ctorArgs map[string][]string, logger *log.Logger) (*state.Snapshot, map[string]types.Address, error) {
	if logger == nil {
		logger = log.Default()
	}
	l := logger.Module("loader")

	st := state.NewSnapshot(env)
	for _, a := range attackers {
		st.SetAccount(a, &state.Account{
			Balance: new(big.Int).Set(AttackerBalance),
			Storage: make(map[types.Hash]types.Hash),
		})
	}

	deployer := types.HexToAddress("0x8b21e662154b4bbc1ec0754d0238875fe3d22fa6")
	addrs := make(map[string]types.Address)

	for _, c := range p.Contracts {
		args, err := EncodeConstructorArgs(c, ctorArgs[c.Name])
		if err != nil {
			return nil, nil, err
		}
		next, addr, err := exec.Deploy(st, c.Bin, args, deployer)
		if err != nil {
			return nil, nil, fmt.Errorf("loader: deploy %s: %w", c.Name, err)
		}
		if c.HasPinnedAddress && addr != c.PinnedAddress {
			// Re-home the deployed account at its pinned address so
			// hard-wired cross-contract links resolve.
			acc := next.Account(addr)
			next = next.Copy()
			next.SetAccount(c.PinnedAddress, acc)
			delete(next.Accounts, addr)
			addr = c.PinnedAddress
		}
		st = next
		addrs[c.Name] = addr
		l.Info("deployed", "contract", c.Name, "address", addr.Hex())
	}
	return st, addrs, nil
}

// ExtractSelectors harvests candidate 4-byte function selectors from runtime
// bytecode (PUSH4 immediates), used for on-chain targets without an ABI.
func ExtractSelectors(code []byte) [][4]byte {
	seen := make(map[[4]byte]bool)
	var out [][4]byte
	for i := 0; i < len(code); i++ {
		op := vm.OpCode(code[i])
		size := op.PushSize()
		if size == 4 && i+4 < len(code) {
			var sel [4]byte
			copy(sel[:], code[i+1:i+5])
			if sel != [4]byte{0xff, 0xff, 0xff, 0xff} && !seen[sel] {
				seen[sel] = true
				out = append(out, sel)
			}
		}
		i += size
	}
	return out
}

// decodeHexFile decodes hex content tolerating 0x prefixes and surrounding
// whitespace.
func decodeHexFile(data []byte) ([]byte, error) {
	s := strings.TrimSpace(string(data))
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
