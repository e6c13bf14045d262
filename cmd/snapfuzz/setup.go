package main

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/snapfuzz/snapfuzz/core/state"
	"github.com/snapfuzz/snapfuzz/core/types"
	"github.com/snapfuzz/snapfuzz/fuzzer"
	"github.com/snapfuzz/snapfuzz/loader"
	"github.com/snapfuzz/snapfuzz/log"
	"github.com/snapfuzz/snapfuzz/onchain"
)

// errUpstream marks failures that left fuzzing state undefined (exit 3).
var errUpstream = errors.New("upstream failure")

// defaultAttackers is the finite attacker-controlled caller set. Fixed,
// well-known addresses keep runs reproducible.
var defaultAttackers = []types.Address{
	types.HexToAddress("0x24cd2edba056b7c654a50e8201b619d4f624fdda"),
	types.HexToAddress("0x35c9dfd76bf02107ff4f7128bd69716612d31ddb"),
	types.HexToAddress("0xe1a425f1be27bf4cfc5fbcbc51e746088bd872c8"),
}

// chainIDs maps chain tags to chain ids.
var chainIDs = map[string]uint64{
	"eth":      1,
	"goerli":   5,
	"bsc":      56,
	"polygon":  137,
	"arbitrum": 42161,
	"base":     8453,
	"local":    31337,
}

type setup struct {
	fuzzer *fuzzer.Fuzzer
	exec   fuzzer.Executor
	client *onchain.Client
	logger *log.Logger
}

func (s *setup) close() {
	if s.client != nil {
		s.client.Close()
	}
}

// buildSetup assembles the executor, genesis world and fuzzer from CLI
// flags.
func buildSetup(c *cli.Context, logger *log.Logger) (*setup, error) {
	chainTag := c.String("chain")
	chainID, ok := chainIDs[chainTag]
	if !ok {
		return nil, fmt.Errorf("unknown chain tag %q", chainTag)
	}
	block := c.Uint64("onchain-block-number")

	env := state.BlockEnv{
		Number:     new(big.Int).SetUint64(max(block, 1)),
		Timestamp:  1_700_000_000,
		Coinbase:   types.HexToAddress("0x4200000000000000000000000000000000000011"),
		BaseFee:    big.NewInt(1),
		ChainID:    new(big.Int).SetUint64(chainID),
		GasLimit:   30_000_000,
		PrevRandao: types.HexToHash("0x01"),
	}

	ecfg := fuzzer.DefaultEVMConfig()
	ecfg.Attackers = defaultAttackers
	ecfg.EnableFlashloan = c.Bool("flashloan")
	ecfg.EnableConcolic = c.Bool("concolic")

	s := &setup{logger: logger}

	var onchainSource onchain.Source
	if c.Bool("onchain") {
		url := os.Getenv("ETH_RPC_URL")
		if url == "" {
			return nil, errors.New("onchain mode needs ETH_RPC_URL")
		}
		client, err := onchain.Dial(onchain.DefaultClientConfig(url, chainID, block), logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errUpstream, err)
		}
		s.client = client
		onchainSource = onchain.NewCache(client, c.String("base-path"), chainID, block)
		ecfg.Source = onchainSource
	}

	exec := fuzzer.NewEVMExecutor(ecfg)
	s.exec = exec

	fcfg := fuzzer.DefaultConfig()
	fcfg.WorkDir = c.String("base-path")
	fcfg.Seed = c.Int64("seed")
	fcfg.MaxIterations = c.Uint64("iterations")
	fcfg.PanicOnBug = c.Bool("panic-on-bug")
	fcfg.Attackers = ecfg.Attackers
	fcfg.EnablePriceOracle = c.Bool("price-oracle")

	var (
		f   *fuzzer.Fuzzer
		err error
	)
	if c.Bool("onchain") {
		f, err = buildOnchain(c, fcfg, exec, env, onchainSource, s.client, logger)
	} else {
		if c.Bool("fetch-tx-data") {
			logger.Warn("--fetch-tx-data needs an upstream chain; ignored in offline mode")
		}
		f, err = buildOffline(c, fcfg, exec, env, logger)
	}
	if err != nil {
		return nil, err
	}
	s.fuzzer = f
	return s, nil
}

// buildOffline deploys a compiled artifact directory into the genesis
// snapshot and registers every ABI function.
func buildOffline(c *cli.Context, fcfg fuzzer.Config, exec fuzzer.Executor, env state.BlockEnv, logger *log.Logger) (*fuzzer.Fuzzer, error) {
	dir := c.String("target")
	proj, err := loader.LoadDirectory(dir)
	if err != nil {
		return nil, err
	}
	ctorArgs, err := loader.ParseConstructorArgs(c.String("constructor-args"))
	if err != nil {
		return nil, err
	}

	genesis, addrs, err := loader.BuildGenesis(proj, exec, env, fcfg.Attackers, ctorArgs, logger)
	if err != nil {
		return nil, err
	}

	f := fuzzer.New(fcfg, exec, genesis, logger)
	for _, contract := range proj.Contracts {
		addr := addrs[contract.Name]
		for _, fn := range contract.Functions {
			if fn.IsConstructor {
				continue
			}
			f.RegisterFunction(addr, fn.Name, fn.Inputs)
		}
		if c.Bool("price-oracle") {
			f.RegisterPair(addr)
		}
	}
	return f, nil
}

// buildOnchain seeds the genesis with live targets; code and storage fill in
// lazily through the fetch middleware.
func buildOnchain(c *cli.Context, fcfg fuzzer.Config, exec fuzzer.Executor, env state.BlockEnv, src onchain.Source, client *onchain.Client, logger *log.Logger) (*fuzzer.Fuzzer, error) {
	targets, err := parseTargets(c.String("target"))
	if err != nil {
		return nil, err
	}

	genesis := state.NewSnapshot(env)
	for _, a := range fcfg.Attackers {
		genesis.SetAccount(a, &state.Account{
			Balance: new(big.Int).Set(loader.AttackerBalance),
			Storage: make(map[types.Hash]types.Hash),
		})
	}

	f := fuzzer.New(fcfg, exec, genesis, logger)
	for _, target := range targets {
		code, err := src.Code(target)
		if err != nil {
			return nil, fmt.Errorf("%w: code of %s: %v", errUpstream, target.Hex(), err)
		}
		if len(code) == 0 {
			return nil, fmt.Errorf("target %s has no code at pinned block", target.Hex())
		}
		// No ABI upstream: register selector-only templates harvested from
		// the bytecode; the mutator fuzzes their argument bytes raw.
		for _, sel := range loader.ExtractSelectors(code) {
			f.RegisterSelector(target, sel)
		}
		if c.Bool("price-oracle") {
			f.RegisterPair(target)
		}
	}

	// Historical calldata enriches the constants pool; a failed sweep is a
	// lost enrichment, not a fatal error.
	if c.Bool("fetch-tx-data") && client != nil {
		const txLookback = 8
		data, err := client.TxCalldata(targets, txLookback)
		if err != nil {
			logger.Warn("tx calldata sweep incomplete", "err", err)
		}
		for _, d := range data {
			f.HarvestCalldata(d)
		}
		logger.Info("harvested historical calldata", "txs", len(data))
	}
	return f, nil
}

func parseTargets(spec string) ([]types.Address, error) {
	var out []types.Address
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.HasPrefix(part, "0x") || len(part) != 42 {
			return nil, fmt.Errorf("bad target address %q", part)
		}
		out = append(out, types.HexToAddress(part))
	}
	if len(out) == 0 {
		return nil, errors.New("no targets given")
	}
	return out, nil
}

// replay executes stored sequences against the genesis snapshot so crashes
// reproduce before fuzzing continues.
func (s *setup) replay(inputs []*fuzzer.Input) error {
	return s.fuzzer.Replay(inputs)
}
