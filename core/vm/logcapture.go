package vm

import (
	"github.com/snapfuzz/snapfuzz/core/types"
	"github.com/snapfuzz/snapfuzz/crypto"
)

// Sentinel bug-reporting topics, matched against the first topic of emitted
// logs.
var (
	// AssertionFailedTopic is keccak256("AssertionFailed(string)").
	AssertionFailedTopic = crypto.Keccak256Hash([]byte("AssertionFailed(string)"))

	// FuzzMagicPrefix is the 8-byte ASCII prefix of single-topic typed-bug
	// logs: "fuzzland" packed into the high 8 bytes of the topic.
	FuzzMagicPrefix = [8]byte{'f', 'u', 'z', 'z', 'l', 'a', 'n', 'd'}
)

// LogCaptureMiddleware records LOG0..LOG4 emissions pre-dispatch so oracles
// see events even when the enclosing frame later reverts, and flags sentinel
// bug topics as they appear.
type LogCaptureMiddleware struct {
	logs        []*types.Log
	sentinelHit bool
}

// NewLogCaptureMiddleware returns an empty log recorder.
func NewLogCaptureMiddleware() *LogCaptureMiddleware {
	return &LogCaptureMiddleware{}
}

func (m *LogCaptureMiddleware) Name() string { return "logcapture" }

func (m *LogCaptureMiddleware) Before(ctx *OpContext) {
	var topics int
	switch ctx.Op {
	case LOG0:
	case LOG1:
		topics = 1
	case LOG2:
		topics = 2
	case LOG3:
		topics = 3
	case LOG4:
		topics = 4
	default:
		return
	}
	if ctx.Stack.Len() < topics+2 {
		return
	}
	offset := ctx.Stack.Back(0)
	size := ctx.Stack.Back(1)

	log := &types.Log{Address: ctx.Contract.Address}
	for i := 0; i < topics; i++ {
		log.Topics = append(log.Topics, types.BigToHash(ctx.Stack.Back(2+i)))
	}
	if offset.BitLen() <= 64 && size.BitLen() <= 64 {
		log.Data = getData(ctx.Memory.Data(), offset.Uint64(), size.Uint64())
	}
	m.logs = append(m.logs, log)

	if IsSentinelLog(log) {
		m.sentinelHit = true
	}
}

// IsSentinelLog reports whether the log carries a sentinel bug topic.
func IsSentinelLog(l *types.Log) bool {
	if len(l.Topics) == 0 {
		return false
	}
	t := l.Topics[0]
	if t == AssertionFailedTopic {
		return true
	}
	var prefix [8]byte
	copy(prefix[:], t[:8])
	return prefix == FuzzMagicPrefix
}

// Logs returns the emissions recorded since the last Reset.
func (m *LogCaptureMiddleware) Logs() []*types.Log { return m.logs }

// SentinelHit reports whether any sentinel topic was seen since Reset.
func (m *LogCaptureMiddleware) SentinelHit() bool { return m.sentinelHit }

// Reset clears the per-run log buffer.
func (m *LogCaptureMiddleware) Reset() {
	m.logs = nil
	m.sentinelHit = false
}
