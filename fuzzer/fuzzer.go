package fuzzer

import (
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/snapfuzz/snapfuzz/core/state"
	"github.com/snapfuzz/snapfuzz/core/types"
	"github.com/snapfuzz/snapfuzz/core/vm"
	"github.com/snapfuzz/snapfuzz/log"
	"github.com/snapfuzz/snapfuzz/metrics"
	"github.com/snapfuzz/snapfuzz/oracle"
)

// ErrBugFound is returned by Run when a bug fires under PanicOnBug.
var ErrBugFound = errors.New("bug found")

// Config tunes one fuzzing worker.
type Config struct {
	WorkDir string
	Seed    int64

	MaxIterations uint64 // 0 = unbounded
	BugLimit      int    // 0 = unbounded
	PanicOnBug    bool
	Timeout       time.Duration // 0 = unbounded

	CorpusMaxStates int
	Scheduler       SchedulerConfig
	Mutation        MutatorConfig

	Attackers []types.Address
	Tokens    []types.Address

	// Oracle thresholds; deliberately configuration, not constants.
	FundLossThreshold    *big.Int
	PriceShiftNumerator  int64
	PriceShiftDenominator int64
	EnablePriceOracle    bool

	// StatsEvery is the sampling interval, in iterations, for stats.json.
	StatsEvery uint64
}

// DefaultConfig returns the standard worker configuration.
func DefaultConfig() Config {
	return Config{
		Seed:                  1,
		CorpusMaxStates:       4096,
		Scheduler:             DefaultSchedulerConfig(),
		Mutation:              DefaultMutatorConfig(),
		FundLossThreshold:     big.NewInt(0),
		PriceShiftNumerator:   1,
		PriceShiftDenominator: 100,
		StatsEvery:            4096,
	}
}

// ABIFunction describes one callable function on a target.
type ABIFunction struct {
	Name     string
	Inputs   []vm.ABIType
	Selector [4]byte
	View     bool
}

// Fuzzer is one single-threaded cooperative fuzzing worker.
type Fuzzer struct {
	cfg  Config
	exec Executor

	corpus    *Corpus
	sched     *Scheduler
	feedback  *Feedback
	mutator   *Mutator
	constants *ConstantsPool
	oracles   []oracle.Oracle

	rng     *rand.Rand
	logger  *log.Logger
	reg     *metrics.Registry
	persist *Persister

	stop atomic.Bool
	iter uint64

	genesisID types.Hash
	abis      map[TemplateKey]*ABIFunction
	history   map[types.Hash][]oracle.WitnessTx
	bugs      map[types.Hash]*oracle.BugReport
	pairs     []types.Address
	known     []types.Address
	invFuncs  []oracle.InvariantFunc
}

// New creates a fuzzing worker over the genesis snapshot.
func New(cfg Config, exec Executor, genesis *state.Snapshot, logger *log.Logger) *Fuzzer {
	if logger == nil {
		logger = log.Default()
	}
	f := &Fuzzer{
		cfg:       cfg,
		exec:      exec,
		feedback:  NewFeedback(),
		constants: NewConstantsPool(),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		logger:    logger.Module("fuzzer"),
		reg:       metrics.NewRegistry(),
		abis:      make(map[TemplateKey]*ABIFunction),
		history:   make(map[types.Hash][]oracle.WitnessTx),
		bugs:      make(map[types.Hash]*oracle.BugReport),
	}
	f.corpus = NewCorpus(cfg.CorpusMaxStates, logger)
	f.sched = NewScheduler(cfg.Scheduler, f.corpus)
	f.mutator = NewMutator(cfg.Mutation, f.constants, f.sched, f.corpus, cfg.Attackers, cfg.Tokens)
	f.mutator.ArgTypesFn = func(k TemplateKey) []vm.ABIType {
		if fn := f.abis[k]; fn != nil {
			return fn.Inputs
		}
		return nil
	}
	if cfg.WorkDir != "" {
		f.persist = NewPersister(cfg.WorkDir)
	}

	f.genesisID = f.corpus.AddGenesis(genesis)
	f.history[f.genesisID] = nil

	// Harvest constants from deployed code and seeded storage.
	for _, acc := range genesis.Accounts {
		f.constants.HarvestCode(acc.Code)
		f.constants.HarvestStorage(acc.Storage)
	}

	f.buildOracles()
	return f
}

// RegisterFunction adds one callable function to the template pool. Harness
// functions (echidna_/invariant_/oracle_ prefixes) become invariant probes
// instead of fuzz targets.
func (f *Fuzzer) RegisterFunction(target types.Address, name string, inputs []vm.ABIType) {
	sel := vm.ComputeSelector(vm.Signature(name, inputs))
	fn := &ABIFunction{Name: name, Inputs: inputs, Selector: sel}
	key := TemplateKey{Target: target, Selector: sel}
	f.abis[key] = fn

	if oracle.IsInvariantName(name) && len(inputs) == 0 {
		f.invFuncs = append(f.invFuncs, oracle.InvariantFunc{Target: target, Name: name, Selector: sel})
		f.buildOracles()
		return
	}
	f.sched.RegisterTemplate(key)
	f.addKnown(target)
}

// RegisterSelector adds a selector-only template for a target without an
// ABI (on-chain mode): arguments are fuzzed as raw bytes.
func (f *Fuzzer) RegisterSelector(target types.Address, sel [4]byte) {
	key := TemplateKey{Target: target, Selector: sel}
	if _, ok := f.abis[key]; !ok {
		f.abis[key] = &ABIFunction{Selector: sel}
	}
	f.sched.RegisterTemplate(key)
	f.addKnown(target)
}

// Replay executes stored sequences against the genesis snapshot, feeding
// their observations through the normal feedback and oracle pipelines.
func (f *Fuzzer) Replay(inputs []*Input) error {
	genesis := f.corpus.State(f.genesisID)
	if genesis == nil {
		return errors.New("no genesis state")
	}
	st := genesis.Snapshot
	stateID := f.genesisID
	for _, in := range inputs {
		pre := st
		res, err := f.exec.Execute(pre, in)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		f.sched.RecordComparisons(res.Cmps)
		f.feedback.Evaluate(res)
		witness := append(append([]oracle.WitnessTx(nil), f.history[stateID]...), witnessOf(in)...)
		if res.Status != ExecRevert {
			postID := f.corpus.AddState(res.Post, f.iter)
			f.history[postID] = witness
			st = res.Post
			stateID = postID
		}
		if err := f.judge(pre, in, res, witness); err != nil {
			return err
		}
	}
	return nil
}

// HarvestCalldata pools the selector and argument words of one historical
// transaction's calldata, biasing the mutator toward values the contract
// has actually been called with.
func (f *Fuzzer) HarvestCalldata(data []byte) {
	if len(data) < 4 {
		return
	}
	f.constants.Add(new(big.Int).SetBytes(data[:4]))
	args := data[4:]
	for i := 0; i+32 <= len(args); i += 32 {
		f.constants.Add(new(big.Int).SetBytes(args[i : i+32]))
	}
	if rem := len(args) % 32; rem != 0 {
		f.constants.Add(new(big.Int).SetBytes(args[len(args)-rem:]))
	}
}

// RegisterPair marks a DEX-pair-shaped contract for the price oracle.
func (f *Fuzzer) RegisterPair(addr types.Address) {
	f.pairs = append(f.pairs, addr)
	f.buildOracles()
}

func (f *Fuzzer) addKnown(a types.Address) {
	for _, k := range f.known {
		if k == a {
			return
		}
	}
	f.known = append(f.known, a)
	f.buildOracles()
}

// buildOracles reassembles the oracle chain from the current configuration.
func (f *Fuzzer) buildOracles() {
	known := append(append([]types.Address(nil), f.known...), f.cfg.Attackers...)
	known = append(known, f.cfg.Tokens...)

	f.oracles = []oracle.Oracle{
		&oracle.BugTopicOracle{},
		&oracle.BalanceExtractionOracle{Threshold: f.cfg.FundLossThreshold},
		oracle.NewArbitraryCallOracle(known),
		&oracle.ReentrancyOracle{},
		&oracle.InvariantOracle{Funcs: f.invFuncs},
	}
	if f.cfg.EnablePriceOracle {
		f.oracles = append(f.oracles, &oracle.PriceManipulationOracle{
			Pairs:            f.pairs,
			ShiftNumerator:   f.cfg.PriceShiftNumerator,
			ShiftDenominator: f.cfg.PriceShiftDenominator,
		})
	}
}

// Stop requests cooperative termination; the loop checks it between
// iterations.
func (f *Fuzzer) Stop() { f.stop.Store(true) }

// Bugs returns the deduplicated findings so far.
func (f *Fuzzer) Bugs() []*oracle.BugReport {
	out := make([]*oracle.BugReport, 0, len(f.bugs))
	for _, b := range f.bugs {
		out = append(out, b)
	}
	return out
}

// Coverage returns the global edge count.
func (f *Fuzzer) Coverage() int { return f.feedback.EdgeCount() }

// Run drives the fuzzing loop until a stop condition fires. It returns
// ErrBugFound when PanicOnBug is set and a bug fires; internal invariant
// failures abort the worker with their diagnostic.
func (f *Fuzzer) Run() error {
	if f.persist != nil {
		if err := f.persist.EnsureLayout(); err != nil {
			return fmt.Errorf("fuzzer: workdir: %w", err)
		}
	}
	deadline := time.Time{}
	if f.cfg.Timeout > 0 {
		deadline = time.Now().Add(f.cfg.Timeout)
	}

	f.logger.Info("fuzzing started",
		"templates", len(f.sched.Templates()),
		"attackers", len(f.cfg.Attackers),
		"seed", f.cfg.Seed)

	for !f.stop.Load() {
		if f.cfg.MaxIterations > 0 && f.iter >= f.cfg.MaxIterations {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
		if f.cfg.BugLimit > 0 && len(f.bugs) >= f.cfg.BugLimit {
			break
		}
		if err := f.step(); err != nil {
			if errors.Is(err, ErrBugFound) {
				return err
			}
			return fmt.Errorf("fuzzer: iteration %d: %w", f.iter, err)
		}
	}

	f.flushStats()
	f.logger.Info("fuzzing finished",
		"iterations", f.iter,
		"edges", f.feedback.EdgeCount(),
		"corpus", f.corpus.Len(),
		"bugs", len(f.bugs))
	return nil
}

// step runs one fuzzing iteration: select, mutate, execute, score, judge.
func (f *Fuzzer) step() error {
	f.iter++
	f.reg.Meter("fuzzer/execs").Mark(1)

	stateID, se := f.sched.SelectState(f.rng, f.iter)
	if se == nil {
		return errors.New("no states to schedule")
	}
	st := se.Snapshot

	in, mutation := f.nextInput(stateID, st)
	if in == nil {
		return nil
	}

	res, err := f.exec.Execute(st, in)
	if err != nil {
		if errors.Is(err, ErrBadResumeRef) {
			return nil
		}
		return err
	}

	f.sched.RecordComparisons(res.Cmps)
	novel, scores := f.feedback.Evaluate(res)
	f.sched.ReportOutcome(stateID, TemplateKey{Target: in.Target, Selector: in.Selector}, novel, scores.NewEdges, f.iter)
	f.mutator.ReportResult(mutation, novel, res.Status == ExecRevert)
	f.reg.Gauge("fuzzer/edges").Set(int64(f.feedback.EdgeCount()))

	witness := append(append([]oracle.WitnessTx(nil), f.history[stateID]...), witnessOf(in)...)

	admit := novel || res.Status == ExecControlLeak
	if admit && res.Status != ExecRevert {
		postID := f.corpus.AddState(res.Post, f.iter)
		if _, ok := f.history[postID]; !ok {
			f.history[postID] = witness
		}
		entry := f.corpus.AddEntry(stateID, in, 0, mutation, scores)
		for _, acc := range res.Post.Accounts {
			f.constants.HarvestStorage(acc.Storage)
		}
		if f.persist != nil {
			if err := f.persist.SaveEntry(entry, witness); err != nil {
				f.logger.Warn("persist entry failed", "err", err)
			}
		}
	} else if admit {
		// Revert with novel coverage: keep the input, not the state.
		entry := f.corpus.AddEntry(stateID, in, 0, mutation, scores)
		if f.persist != nil {
			if err := f.persist.SaveEntry(entry, witness); err != nil {
				f.logger.Warn("persist entry failed", "err", err)
			}
		}
	}

	if err := f.judge(st, in, res, witness); err != nil {
		return err
	}

	if f.cfg.StatsEvery > 0 && f.iter%f.cfg.StatsEvery == 0 {
		f.flushStats()
	}
	return nil
}

// nextInput picks the base input for this iteration: a mutated corpus entry
// when one exists for the state, otherwise a freshly generated template
// call. Resume candidates surface through the to-resume mutation.
func (f *Fuzzer) nextInput(stateID types.Hash, st *state.Snapshot) (*Input, string) {
	entries := f.corpus.Entries()
	if len(entries) > 0 && f.rng.Intn(2) == 0 {
		base := entries[f.rng.Intn(len(entries))].Input
		return f.mutator.Mutate(base, st, f.rng)
	}

	key, ok := f.sched.SelectTemplate(f.rng)
	if !ok {
		return nil, ""
	}
	caller := types.Address{}
	if len(f.cfg.Attackers) > 0 {
		caller = f.cfg.Attackers[f.rng.Intn(len(f.cfg.Attackers))]
	}
	in := &Input{
		Caller:   caller,
		Target:   key.Target,
		Selector: key.Selector,
	}
	if fn := f.abis[key]; fn != nil {
		in.Args = f.mutator.GenerateArgs(fn.Inputs, f.rng)
	}
	// A generated input may still be mutated into a resumption.
	if len(st.Pauses) > 0 && f.rng.Intn(2) == 0 {
		return f.mutator.Mutate(in, st, f.rng)
	}
	return in, "generate"
}

// judge runs the oracle chain over the executed sequence.
func (f *Fuzzer) judge(pre *state.Snapshot, in *Input, res *ExecResult, witness []oracle.WitnessTx) error {
	ctx := &oracle.Ctx{
		Pre:          pre,
		Post:         res.Post,
		Logs:         res.Logs,
		Reverted:     res.Status == ExecRevert,
		Leaked:       res.Status == ExecControlLeak,
		ResumedPause: in.IsResume(),
		Witness:      witness,
		Attackers:    f.cfg.Attackers,
		Tokens:       f.cfg.Tokens,
		TaintedCalls: res.TaintedCalls,
		Probe:        f.probeFn(res.Post),
		ProbePre:     f.probeFn(pre),
	}
	if in.IsResume() && in.Resume.PauseIndex < len(pre.Pauses) {
		p := pre.Pauses[in.Resume.PauseIndex]
		if len(p.Frames) > 0 {
			ctx.ResumedContract = p.Frames[0].Address
		}
	}

	for _, o := range f.oracles {
		for _, bug := range o.Inspect(ctx) {
			h := bug.Hash()
			if _, seen := f.bugs[h]; seen {
				continue
			}
			f.bugs[h] = bug
			f.reg.Counter("fuzzer/bugs").Inc(1)
			f.reportBug(bug)
			if f.persist != nil {
				if err := f.persist.SaveBug(bug); err != nil {
					f.logger.Warn("persist bug failed", "err", err)
				}
			}
			if f.cfg.PanicOnBug {
				return ErrBugFound
			}
		}
	}
	return nil
}

// reportBug renders a finding to the terminal and the structured log.
func (f *Fuzzer) reportBug(b *oracle.BugReport) {
	header := color.New(color.FgRed, color.Bold).Sprintf("[%s]", b.Kind)
	fmt.Printf("%s %s (witness: %d tx)\n", header, b.Message, len(b.Witness))
	f.logger.Warn("bug found", "kind", string(b.Kind), "message", b.Message, "witness", len(b.Witness))
}

// probeFn builds a read-only call runner against a snapshot. Probes share
// the executor's determinism and never leak state into the corpus.
func (f *Fuzzer) probeFn(st *state.Snapshot) oracle.ProbeFunc {
	return func(target types.Address, calldata []byte) ([]byte, bool) {
		caller := types.Address{}
		if len(f.cfg.Attackers) > 0 {
			caller = f.cfg.Attackers[0]
		}
		in := &Input{Caller: caller, Target: target}
		if len(calldata) >= 4 {
			copy(in.Selector[:], calldata[:4])
			in.RawArgs = append([]byte(nil), calldata[4:]...)
		}
		res, err := f.exec.Execute(st, in)
		if err != nil || res.Status != ExecSuccess {
			return nil, false
		}
		return res.ReturnData, true
	}
}

// witnessOf expands an input (prefixes first) into witness transactions.
func witnessOf(in *Input) []oracle.WitnessTx {
	var out []oracle.WitnessTx
	if in.Prefix != nil {
		out = witnessOf(in.Prefix)
	}
	w := oracle.WitnessTx{
		Caller:   in.Caller,
		Target:   in.Target,
		Calldata: in.Calldata(),
		Value:    in.Value,
	}
	if in.Resume != nil {
		w.Resume = true
		w.PauseIndex = in.Resume.PauseIndex
		w.ReturnData = in.Resume.ReturnData
	}
	return append(out, w)
}

// flushStats writes the current throughput and coverage figures.
func (f *Fuzzer) flushStats() {
	if f.persist == nil {
		return
	}
	s := Stats{
		Iterations: f.iter,
		ExecsPerS:  f.reg.Meter("fuzzer/execs").RateMean(),
		Edges:      f.feedback.EdgeCount(),
		Corpus:     f.corpus.Len(),
		Bugs:       len(f.bugs),
		SampledAt:  time.Now().Unix(),
	}
	if err := f.persist.SaveStats(&s); err != nil {
		f.logger.Warn("persist stats failed", "err", err)
	}
}
