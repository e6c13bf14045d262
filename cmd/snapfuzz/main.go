// Command snapfuzz is the snapshot-based smart-contract fuzzer.
//
// Usage:
//
//	snapfuzz fuzz evm -t <glob-or-csv-of-addresses> [flags]
//
// Offline mode points -t at a directory of compiled artifacts; on-chain
// mode (-o) treats -t as a comma-separated address list fetched from the
// node in ETH_RPC_URL at a pinned block height.
//
// Exit codes: 0 clean end, 1 bug found under --panic-on-bug,
// 2 configuration error, 3 upstream fetch failure.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/snapfuzz/snapfuzz/fuzzer"
	"github.com/snapfuzz/snapfuzz/log"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.3.0"
var version = "v0.1.0-dev"

// Exit codes.
const (
	exitOK       = 0
	exitBugFound = 1
	exitConfig   = 2
	exitUpstream = 3
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	app := &cli.App{
		Name:           "snapfuzz",
		Usage:          "snapshot-based hybrid fuzzer for EVM smart contracts",
		Version:        version,
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			{
				Name:  "fuzz",
				Usage: "run the fuzzing loop",
				Subcommands: []*cli.Command{
					{
						Name:   "evm",
						Usage:  "fuzz EVM targets (offline artifacts or live chain)",
						Flags:  evmFlags(),
						Action: runEVM,
					},
				},
			},
		},
	}

	if err := app.Run(args); err != nil {
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			return ec.ExitCode()
		}
		fmt.Fprintln(os.Stderr, "snapfuzz:", err)
		return exitConfig
	}
	return exitOK
}

func evmFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "target", Aliases: []string{"t"}, Required: true,
			Usage: "artifact directory, or comma-separated addresses with -o"},
		&cli.BoolFlag{Name: "onchain", Aliases: []string{"o"},
			Usage: "fuzz live targets at a pinned block"},
		&cli.StringFlag{Name: "chain", Aliases: []string{"c"}, Value: "eth",
			Usage: "chain tag (eth, bsc, polygon, ...)"},
		&cli.Uint64Flag{Name: "onchain-block-number",
			Usage: "pinned block height, used as given (0 is block 0; the chain head is not looked up)"},
		&cli.BoolFlag{Name: "flashloan", Aliases: []string{"f"},
			Usage: "enable flashloan middleware and ledger accounting"},
		&cli.BoolFlag{Name: "liquidation", Aliases: []string{"i"},
			Usage: "liquidation operation hints (accepted; the flag is not read and no hint is generated)"},
		&cli.BoolFlag{Name: "price-oracle", Aliases: []string{"p"},
			Usage: "enable the price-manipulation oracle"},
		&cli.BoolFlag{Name: "panic-on-bug",
			Usage: "stop and exit 1 on the first finding"},
		&cli.StringFlag{Name: "constructor-args",
			Usage: `constructor arguments: "Contract:arg1,arg2;Other:arg"`},
		&cli.BoolFlag{Name: "fetch-tx-data",
			Usage: "harvest historical tx calldata into the constants pool"},
		&cli.BoolFlag{Name: "concolic",
			Usage: "record path constraints for the external solver"},
		&cli.BoolFlag{Name: "concolic-caller",
			Usage: "treat the caller as symbolic in recorded constraints"},
		&cli.StringFlag{Name: "replay-file",
			Usage: "glob of replayable sequences to execute before fuzzing"},
		&cli.StringFlag{Name: "base-path",
			Usage: "working directory for corpus/, bugs/, cache/, stats.json"},
		&cli.Uint64Flag{Name: "iterations",
			Usage: "stop after N iterations (0 = unbounded)"},
		&cli.Int64Flag{Name: "seed", Value: 1,
			Usage: "deterministic PRNG seed"},
		&cli.IntFlag{Name: "verbosity", Value: 3,
			Usage: "log level 0-5"},
	}
}

// runEVM wires the configuration, builds the genesis world and drives the
// fuzzing loop until a stop condition or SIGINT.
func runEVM(c *cli.Context) error {
	logger := log.New(log.VerbosityToLevel(c.Int("verbosity")))
	log.SetDefault(logger)

	if os.Getenv("NO_TELEMETRY") == "" {
		// Telemetry is opt-out and currently a no-op placeholder; the
		// variable is honoured so automation can rely on it.
		logger.Debug("telemetry enabled")
	}

	s, err := buildSetup(c, logger)
	if err != nil {
		if errors.Is(err, errUpstream) {
			return cli.Exit(err.Error(), exitUpstream)
		}
		return cli.Exit(err.Error(), exitConfig)
	}
	defer s.close()

	f := s.fuzzer

	// Replay stored sequences before fuzzing.
	if glob := c.String("replay-file"); glob != "" {
		inputs, err := fuzzer.LoadReplayInputs(glob)
		if err != nil {
			return cli.Exit(err.Error(), exitConfig)
		}
		if err := s.replay(inputs); err != nil {
			return cli.Exit(err.Error(), exitUpstream)
		}
	}

	// SIGINT flips the cooperative stop flag; the loop halts between
	// iterations.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info("interrupt: stopping")
		f.Stop()
	}()

	if err := f.Run(); err != nil {
		if errors.Is(err, fuzzer.ErrBugFound) {
			return cli.Exit("bug found", exitBugFound)
		}
		return cli.Exit(err.Error(), exitUpstream)
	}
	return nil
}
