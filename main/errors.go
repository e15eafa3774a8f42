package main

import (
	"github.com/pkg/errors"
)

// Error kinds. Every error returned by a component carries one of these so
// callers can branch with errors.Is while the wrapped cause stays readable.
var (
	ErrConfig    = errors.New("configuration error")
	ErrTransport = errors.New("transport error")
	ErrProbe     = errors.New("probe error")
	ErrLaunch    = errors.New("launch error")
	ErrNoDisplay = errors.New("cannot find VNC server")
)

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string {
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.err}
}

// withKind tags err with kind. A nil err stays nil.
func withKind(kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}
