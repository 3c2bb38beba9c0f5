package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures reported in a session result.
type ErrorKind string

const (
	KindSchemaMismatch       ErrorKind = "schema_mismatch"
	KindSerialization        ErrorKind = "serialization"
	KindConcurrencyViolation ErrorKind = "concurrency_violation"
	KindTransport            ErrorKind = "transport"
	KindConnection           ErrorKind = "connection"
	KindConflict             ErrorKind = "conflict"
	KindCanceled             ErrorKind = "canceled"
	KindApply                ErrorKind = "apply"
)

// SchemaMismatchError is returned when two sides disagree on a scope. It is
// fatal for the session.
type SchemaMismatchError struct {
	Scope  string
	Reason string
	Local  string
	Remote string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch for scope %s: %s (local %q, remote %q)", e.Scope, e.Reason, e.Local, e.Remote)
}

// SerializationError is returned when a batch part cannot be encoded or
// decoded. It aborts the processing of the affected table only.
type SerializationError struct {
	Table string
	Index int
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization of %s part %d: %v", e.Table, e.Index, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// ConcurrencyViolationError wraps a driver-level constraint violation hit
// while applying a row.
type ConcurrencyViolationError struct {
	Table string
	Key   []any
	Err   error
}

func (e *ConcurrencyViolationError) Error() string {
	return fmt.Sprintf("concurrency violation on %s %v: %v", e.Table, e.Key, e.Err)
}

func (e *ConcurrencyViolationError) Unwrap() error { return e.Err }

// TransportError wraps a failure to exchange a protocol step.
type TransportError struct {
	Step string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Step, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConnectionError is returned when a backend cannot be reached.
type ConnectionError struct {
	Backend string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Backend, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// kinded is implemented by errors that carry their kind, such as failures
// reported by a remote node.
type kinded interface {
	ErrorKind() ErrorKind
}

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	var (
		schemaErr *SchemaMismatchError
		serErr    *SerializationError
		ccErr     *ConcurrencyViolationError
		trErr     *TransportError
		connErr   *ConnectionError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &schemaErr):
		return KindSchemaMismatch
	case errors.As(err, &serErr):
		return KindSerialization
	case errors.As(err, &ccErr):
		return KindConcurrencyViolation
	case errors.As(err, &trErr):
		return KindTransport
	case errors.As(err, &connErr):
		return KindConnection
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	}
	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return KindApply
}

// RowFailure reports a row that could not be applied.
type RowFailure struct {
	Table   string    `json:"table" bson:"table"`
	Key     []any     `json:"key" bson:"key"`
	Kind    ErrorKind `json:"kind" bson:"kind"`
	Message string    `json:"message" bson:"message"`
}

// NewRowFailure classifies err for a row of table.
func NewRowFailure(table string, key []any, err error) RowFailure {
	return RowFailure{Table: table, Key: key, Kind: KindOf(err), Message: err.Error()}
}

// TableFailure reports a table whose changes were not processed.
type TableFailure struct {
	Table   string    `json:"table" bson:"table"`
	Index   int       `json:"index" bson:"index"`
	Kind    ErrorKind `json:"kind" bson:"kind"`
	Message string    `json:"message" bson:"message"`
}

// NewTableFailure classifies err for the part index of table.
func NewTableFailure(table string, index int, err error) TableFailure {
	return TableFailure{Table: table, Index: index, Kind: KindOf(err), Message: err.Error()}
}
