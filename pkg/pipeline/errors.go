package pipeline

import (
	"errors"
	"fmt"
	"runtime/debug"
)

var (
	// ErrDuplicateStage is returned when plugin/stage is already registered
	ErrDuplicateStage = errors.New("stage already registered")

	// ErrBuilt is returned by builder methods after Build
	ErrBuilt = errors.New("pipeline already built")

	// ErrInvalidStage is returned for nil stages and empty names
	ErrInvalidStage = errors.New("invalid stage")
)

// PollError is a failed source poll. None of the poll's points reach the tick.
type PollError struct {
	Plugin string
	Stage  string
	Err    error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("source %s/%s: %v", e.Plugin, e.Stage, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// Fatal reports whether the source was deregistered because of this error
func (e *PollError) Fatal() bool { return IsFatal(e.Err) }

// TransformError is a failed transform. Later transforms still run.
type TransformError struct {
	Plugin string
	Stage  string
	Err    error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s/%s: %v", e.Plugin, e.Stage, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// WriteError is a failed output write. Other outputs are unaffected.
type WriteError struct {
	Plugin string
	Stage  string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("output %s/%s: %v", e.Plugin, e.Stage, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// PanicError is a panic recovered from a stage. It always indicates a bug in
// the plugin.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("stage panicked: %v", e.Value)
}

// Unwrap exposes the panic value when it is an error
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return "fatal: " + e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks a poll error as permanent: the source is deregistered after the
// current tick and never polled again.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal
func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}

// guard runs fn and converts a panic into a *PanicError
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}
