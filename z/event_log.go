package z

import "golang.org/x/net/trace"

var (
	// NoEventLog is used whenever event logging is turned off. Every call on it is discarded.
	NoEventLog trace.EventLog = nilEventLog{}
)

type nilEventLog struct{}

func (nel nilEventLog) Printf(format string, a ...interface{}) {}

func (nel nilEventLog) Errorf(format string, a ...interface{}) {}

func (nel nilEventLog) Finish() {}

// NewEventLog returns a trace.EventLog for the given family and title when enabled is true, and NoEventLog otherwise.
func NewEventLog(family, title string, enabled bool) trace.EventLog {
	if !enabled {
		return NoEventLog
	}

	return trace.NewEventLog(family, title)
}
