package changelog

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrEndOfStream is returned by Source.Next once the source has no more events.
// A binlog tail normally never ends; finite sources (tests, replays) do.
var ErrEndOfStream = errors.New("end of change stream")

// ConnectivityError means the source or target could not be reached.
type ConnectivityError struct {
	Component string
	Err       error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s unreachable: %v", e.Component, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// MissingKeyError means the configured key column is not present in a row.
type MissingKeyError struct {
	Column     string
	Schema     string
	Table      string
	Kind       Kind
	Coordinate Coordinate
	Columns    []string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("key column %q missing from %s row of %s.%s at %s (row columns: %v)",
		e.Column, e.Kind, e.Schema, e.Table, e.Coordinate, e.Columns)
}

// ApplyError wraps a failure returned by the target store.
type ApplyError struct {
	Op  string
	Key interface{}
	Err error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s of key %v failed: %v", e.Op, e.Key, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// PositionPersistError means a checkpoint could not be written.
type PositionPersistError struct {
	Coordinate Coordinate
	Err        error
}

func (e *PositionPersistError) Error() string {
	return fmt.Sprintf("persisting binlog position %s failed: %v", e.Coordinate, e.Err)
}

func (e *PositionPersistError) Unwrap() error { return e.Err }

// HaltError is returned by Loop.Run when replication stops on a failure.
// It carries what an operator needs to find and, if necessary, skip the event.
type HaltError struct {
	Coordinate Coordinate
	Schema     string
	Table      string
	Gtid       string
	Err        error
}

func (e *HaltError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("replication halted at %s: %v", e.Coordinate, e.Err)
	}

	return fmt.Sprintf("replication halted at %s on %s.%s: %v", e.Coordinate, e.Schema, e.Table, e.Err)
}

func (e *HaltError) Unwrap() error { return e.Err }
