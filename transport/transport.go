// Package transport carries session steps between a client and a server.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/breez/table-sync/batch"
	"github.com/breez/table-sync/batch/codec"
	"github.com/breez/table-sync/conflict"
	"github.com/breez/table-sync/logging"
	"github.com/breez/table-sync/types"
)

// Step identifies a protocol exchange, in session order.
type Step int

const (
	StepBeginSession Step = iota
	StepEnsureScopes
	StepEnsureSchema
	StepEnsureDatabase
	StepGetChangeBatch
	StepApplyChanges
	StepCommitWatermark
	StepGetLocalTimestamp
	StepEndSession
)

var stepNames = [...]string{
	StepBeginSession:      "BeginSession",
	StepEnsureScopes:      "EnsureScopes",
	StepEnsureSchema:      "EnsureSchema",
	StepEnsureDatabase:    "EnsureDatabase",
	StepGetChangeBatch:    "GetChangeBatch",
	StepApplyChanges:      "ApplyChanges",
	StepCommitWatermark:   "CommitWatermark",
	StepGetLocalTimestamp: "GetLocalTimestamp",
	StepEndSession:        "EndSession",
}

func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return fmt.Sprintf("Step(%d)", int(s))
	}
	return stepNames[s]
}

// Request is one step sent by a client. Fields beyond the header are only set
// for the steps that use them.
type Request struct {
	SessionID   string `json:"session_id" bson:"session_id"`
	Step        Step   `json:"step" bson:"step"`
	ScopeName   string `json:"scope_name" bson:"scope_name"`
	ClientID    string `json:"client_id" bson:"client_id"`
	RequestTime int64  `json:"request_time" bson:"request_time"`
	Signature   string `json:"signature,omitempty" bson:"signature,omitempty"`

	// BeginSession
	Policy        conflict.SessionPolicy `json:"policy,omitempty" bson:"policy,omitempty"`
	Parameters    map[string]any         `json:"parameters,omitempty" bson:"parameters,omitempty"`
	MaxBatchBytes int                    `json:"max_batch_bytes,omitempty" bson:"max_batch_bytes,omitempty"`
	Reinitialize  bool                   `json:"reinitialize,omitempty" bson:"reinitialize,omitempty"`
	IsNewScope    bool                   `json:"is_new_scope,omitempty" bson:"is_new_scope,omitempty"`

	// EnsureScopes
	SchemaHash    string `json:"schema_hash,omitempty" bson:"schema_hash,omitempty"`
	SchemaVersion string `json:"schema_version,omitempty" bson:"schema_version,omitempty"`

	// ApplyChanges
	Part    *batch.PartInfo `json:"part,omitempty" bson:"part,omitempty"`
	Payload []byte          `json:"payload,omitempty" bson:"payload,omitempty"`

	// GetChangeBatch
	PartIndex int `json:"part_index,omitempty" bson:"part_index,omitempty"`
}

// Response answers a Request.
type Response struct {
	SessionID string `json:"session_id" bson:"session_id"`
	Step      Step   `json:"step" bson:"step"`
	ServerID  string `json:"server_id,omitempty" bson:"server_id,omitempty"`

	// Scope is the server's scope definition, EnsureSchema only.
	Scope *types.Scope `json:"scope,omitempty" bson:"scope,omitempty"`

	// ServerSequence is the server's sequence: its current value for
	// GetLocalTimestamp, the download snapshot for GetChangeBatch and
	// CommitWatermark.
	ServerSequence int64 `json:"server_sequence,omitempty" bson:"server_sequence,omitempty"`

	// ApplyChanges
	Applied       int                  `json:"applied,omitempty" bson:"applied,omitempty"`
	Conflicts     []conflict.Record    `json:"conflicts,omitempty" bson:"conflicts,omitempty"`
	Failures      []types.RowFailure   `json:"failures,omitempty" bson:"failures,omitempty"`
	TableFailures []types.TableFailure `json:"table_failures,omitempty" bson:"table_failures,omitempty"`

	// GetChangeBatch. Part is nil when there are no more parts.
	Part    *batch.PartInfo `json:"part,omitempty" bson:"part,omitempty"`
	Payload []byte          `json:"payload,omitempty" bson:"payload,omitempty"`
	More    bool            `json:"more,omitempty" bson:"more,omitempty"`

	Error *Error `json:"error,omitempty" bson:"error,omitempty"`
}

// Error is a failure reported by the server for a step.
type Error struct {
	Kind    types.ErrorKind `json:"kind" bson:"kind"`
	Message string          `json:"message" bson:"message"`
	Scope   string          `json:"scope,omitempty" bson:"scope,omitempty"`
	Local   string          `json:"local,omitempty" bson:"local,omitempty"`
	Remote  string          `json:"remote,omitempty" bson:"remote,omitempty"`
}

// NewError converts err for the wire. Schema mismatches keep their hashes
// so the client can rebuild the typed error.
func NewError(err error) *Error {
	e := &Error{Kind: types.KindOf(err), Message: err.Error()}
	var mismatch *types.SchemaMismatchError
	if errors.As(err, &mismatch) {
		e.Scope = mismatch.Scope
		e.Message = mismatch.Reason
		e.Local = mismatch.Local
		e.Remote = mismatch.Remote
	}
	return e
}

// Err returns the typed error. Hashes are swapped since the server's local
// hash is the client's remote one.
func (e *Error) Err() error {
	if e == nil {
		return nil
	}
	if e.Kind == types.KindSchemaMismatch {
		return &types.SchemaMismatchError{Scope: e.Scope, Reason: e.Message, Local: e.Remote, Remote: e.Local}
	}
	return &RemoteError{Kind: e.Kind, Message: e.Message}
}

// RemoteError is a non schema failure reported by the server.
type RemoteError struct {
	Kind    types.ErrorKind
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s error: %s", e.Kind, e.Message)
}

func (e *RemoteError) ErrorKind() types.ErrorKind { return e.Kind }

// Transport sends a step to the server.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// Handler serves steps on the server.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// Serve calls h and folds its error into the response.
func Serve(ctx context.Context, h Handler, req *Request) *Response {
	resp, err := h.Handle(ctx, req)
	if resp == nil {
		resp = &Response{}
	}
	resp.SessionID = req.SessionID
	resp.Step = req.Step
	if err != nil {
		logging.From(ctx).Warnf("%s of session %s failed: %v", req.Step, req.SessionID, err)
		resp.Error = NewError(err)
	}
	return resp
}

// Local calls a Handler in process. With a Codec set every request and
// response goes through it as it would on the wire.
type Local struct {
	Handler Handler
	Codec   codec.Codec
}

func NewLocal(h Handler, c codec.Codec) *Local {
	return &Local{Handler: h, Codec: c}
}

func (l *Local) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, &types.TransportError{Step: req.Step.String(), Err: err}
	}
	if l.Codec != nil {
		var decoded Request
		if err := roundTrip(l.Codec, req, &decoded); err != nil {
			return nil, &types.TransportError{Step: req.Step.String(), Err: err}
		}
		req = &decoded
	}
	resp := Serve(ctx, l.Handler, req)
	if l.Codec != nil {
		var decoded Response
		if err := roundTrip(l.Codec, resp, &decoded); err != nil {
			return nil, &types.TransportError{Step: req.Step.String(), Err: err}
		}
		resp = &decoded
	}
	return resp, nil
}

func roundTrip(c codec.Codec, in, out any) error {
	data, err := c.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := c.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

// Exchange sends req and returns the response or the error it carries.
func Exchange(ctx context.Context, t Transport, req *Request) (*Response, error) {
	resp, err := t.Send(ctx, req)
	if err != nil {
		var trErr *types.TransportError
		if errors.As(err, &trErr) {
			return nil, err
		}
		return nil, &types.TransportError{Step: req.Step.String(), Err: err}
	}
	if err := resp.Error.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}
