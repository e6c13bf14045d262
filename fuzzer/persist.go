package fuzzer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/snapfuzz/snapfuzz/oracle"
)

// Stats is the stats.json payload: throughput and coverage over time.
type Stats struct {
	Iterations uint64  `json:"iterations"`
	ExecsPerS  float64 `json:"execsPerSecond"`
	Edges      int     `json:"edges"`
	Corpus     int     `json:"corpus"`
	Bugs       int     `json:"bugs"`
	SampledAt  int64   `json:"sampledAt"`
}

// Persister writes corpus entries, bug reports and stats under the working
// directory:
//
//	corpus/<id>             canonical input bytes + provenance
//	corpus/<id>_replayable  full ordered tx sequence from genesis
//	bugs/<hash>.json        bug reports
//	stats.json              throughput and coverage over time
//
// All writes are atomic renames so concurrent workers can share a directory
// append-only.
type Persister struct {
	dir string
}

// NewPersister creates a persister rooted at dir.
func NewPersister(dir string) *Persister {
	return &Persister{dir: dir}
}

// EnsureLayout creates the working-directory structure.
func (p *Persister) EnsureLayout() error {
	for _, sub := range []string{"corpus", "bugs", "cache"} {
		if err := os.MkdirAll(filepath.Join(p.dir, sub), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// entryJSON is the on-disk form of a corpus entry.
type entryJSON struct {
	ID       uint64         `json:"id"`
	StateID  string         `json:"stateId"`
	ParentID uint64         `json:"parentId,omitempty"`
	Mutation string         `json:"mutation"`
	Scores   FeedbackScores `json:"scores"`
	Input    *Input         `json:"input"`
}

// SaveEntry persists one admitted entry plus its replayable sequence.
func (p *Persister) SaveEntry(e *Entry, seq []oracle.WitnessTx) error {
	name := fmt.Sprintf("%d", e.ID)
	data, err := json.MarshalIndent(&entryJSON{
		ID:       e.ID,
		StateID:  e.StateID.Hex(),
		ParentID: e.ParentID,
		Mutation: e.Mutation,
		Scores:   e.Scores,
		Input:    e.Input,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := p.atomicWrite(filepath.Join(p.dir, "corpus", name), data); err != nil {
		return err
	}

	replay, err := json.MarshalIndent(seq, "", "  ")
	if err != nil {
		return err
	}
	return p.atomicWrite(filepath.Join(p.dir, "corpus", name+"_replayable"), replay)
}

// SaveBug persists one bug report keyed by its content hash.
func (p *Persister) SaveBug(b *oracle.BugReport) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	name := b.Hash().Hex()[2:18] + ".json"
	return p.atomicWrite(filepath.Join(p.dir, "bugs", name), data)
}

// SaveStats overwrites stats.json.
func (p *Persister) SaveStats(s *Stats) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return p.atomicWrite(filepath.Join(p.dir, "stats.json"), data)
}

// LoadReplayInputs reads every file matching the glob as a serialised input
// sequence: a corpus/<id>_replayable witness array yields one input per
// transaction in order; any other file holds one Input, prefixes inline.
func LoadReplayInputs(glob string) ([]*Input, error) {
	files, err := filepath.Glob(glob)
	if err != nil {
		return nil, err
	}
	var out []*Input
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", file, err)
		}
		// A _replayable file is a JSON array of witness transactions.
		var seq []oracle.WitnessTx
		if json.Unmarshal(data, &seq) == nil {
			for _, w := range seq {
				in := &Input{Caller: w.Caller, Target: w.Target, Value: w.Value}
				if w.Resume {
					in.Resume = &ResumeRef{PauseIndex: w.PauseIndex, ReturnData: w.ReturnData}
				} else if len(w.Calldata) >= 4 {
					copy(in.Selector[:], w.Calldata[:4])
					in.RawArgs = w.Calldata[4:]
				}
				out = append(out, in)
			}
			continue
		}
		in := new(Input)
		if err := json.Unmarshal(data, in); err != nil {
			return nil, fmt.Errorf("replay %s: %w", file, err)
		}
		out = append(out, in)
	}
	return out, nil
}

// atomicWrite writes data to path via a temp file and rename.
func (p *Persister) atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
