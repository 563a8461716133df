package logger

// noop discards everything. Used by unit tests that don't care about
// log output but need a Logger to satisfy a constructor signature.
type noop struct{}

// NewNoop returns a Logger that discards all output.
func NewNoop() Logger { return noop{} }

func (noop) Debug(string, ...Field) {}
func (noop) Info(string, ...Field)  {}
func (noop) Warn(string, ...Field)  {}
func (noop) Error(string, ...Field) {}
func (n noop) With(...Field) Logger { return n }
func (noop) Sync() error            { return nil }
