package types

// Log is an event emitted by a LOG0..LOG4 opcode during execution. The
// fuzzer's oracle set consumes these directly; there is no receipt layer.
type Log struct {
	Address Address
	Topics  []Hash
	Data    []byte
}

// Copy returns a deep copy of the log.
func (l *Log) Copy() *Log {
	c := &Log{Address: l.Address}
	c.Topics = append([]Hash(nil), l.Topics...)
	c.Data = append([]byte(nil), l.Data...)
	return c
}
