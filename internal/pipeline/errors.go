package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures for callers that react differently to
// bad data and broken infrastructure.
type Kind int

const (
	KindSource Kind = iota + 1 // source unreachable or unreadable
	KindShape                  // input unusable: too few rows, mixed dimensions
	KindSink                   // result write failed
	KindConfig                 // settings rejected before any work
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindShape:
		return "shape"
	case KindSink:
		return "sink"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// StageError is returned by Run for every stage failure.
type StageError struct {
	Stage string
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage (%s error): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IsKind reports whether err carries a StageError of kind k.
func IsKind(err error, k Kind) bool {
	var se *StageError
	return errors.As(err, &se) && se.Kind == k
}

func stageErr(stage string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Kind: kind, Err: err}
}
