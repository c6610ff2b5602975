package chocola

import (
	"github.com/elliotcourant/timber"
)

type (
	// Logger is implemented by any logging system that is used for standard logs.
	Logger interface {
		Errorf(string, ...interface{})
		Warningf(string, ...interface{})
		Infof(string, ...interface{})
		Debugf(string, ...interface{})
	}

	// defaultLogger sends everything to a timber logger. The logger skips one more frame so lines are attributed to
	// the engine code calling defaultLogger, not to this file.
	defaultLogger struct {
		log timber.Logger
	}

	nopLogger struct{}
)

func newDefaultLogger() defaultLogger {
	return defaultLogger{
		log: timber.New().SetDepth(1),
	}
}

func (l defaultLogger) Errorf(format string, args ...interface{}) {
	l.log.Errorf(format, args...)
}

func (l defaultLogger) Warningf(format string, args ...interface{}) {
	l.log.Warningf(format, args...)
}

func (l defaultLogger) Infof(format string, args ...interface{}) {
	l.log.Infof(format, args...)
}

func (l defaultLogger) Debugf(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}

func (nopLogger) Errorf(string, ...interface{})   {}
func (nopLogger) Warningf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})    {}
func (nopLogger) Debugf(string, ...interface{})   {}
