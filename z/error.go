package z

import (
	"github.com/pkg/errors"
)

// AssertTrue panics if b is false.
func AssertTrue(b bool) {
	if !b {
		panic(errors.New("assert failed"))
	}
}

// AssertTruef is AssertTrue with extra info.
func AssertTruef(b bool, format string, args ...interface{}) {
	if !b {
		panic(errors.Errorf(format, args...))
	}
}
