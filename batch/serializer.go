package batch

import (
	"errors"
	"fmt"
	"time"

	"github.com/breez/table-sync/batch/codec"
	"github.com/breez/table-sync/batch/compress"
	"github.com/breez/table-sync/types"
)

var errEmptyPayload = errors.New("empty payload")

type wirePart struct {
	Table      string         `json:"table" bson:"table"`
	SchemaHash string         `json:"schema_hash" bson:"schema_hash"`
	Index      int            `json:"index" bson:"index"`
	IsLast     bool           `json:"is_last" bson:"is_last"`
	RowCount   int            `json:"row_count" bson:"row_count"`
	Columns    []types.Column `json:"columns" bson:"columns"`
	PrimaryKey []string       `json:"primary_key" bson:"primary_key"`
	Rows       []wireRow      `json:"rows" bson:"rows"`
}

type wireRow struct {
	Key      []any          `json:"k" bson:"k"`
	State    types.RowState `json:"s" bson:"s"`
	Values   []any          `json:"v,omitempty" bson:"v,omitempty"`
	Sequence int64          `json:"q" bson:"q"`
	Origin   string         `json:"o,omitempty" bson:"o,omitempty"`
	Modified int64          `json:"m,omitempty" bson:"m,omitempty"`
}

// Serializer turns parts into payloads: one compression type byte followed
// by the compressed codec bytes.
type Serializer struct {
	Codec      codec.Codec
	Compressor compress.Compressor
}

// NewSerializer returns a serializer, using JSON without compression for nil
// arguments.
func NewSerializer(c codec.Codec, comp compress.Compressor) *Serializer {
	if c == nil {
		c = codec.JSON
	}
	if comp == nil {
		comp, _ = compress.ByType(compress.None)
	}
	return &Serializer{Codec: c, Compressor: comp}
}

func (s *Serializer) Serialize(p *Part) ([]byte, error) {
	table := &types.Table{Name: p.Table, Columns: p.Columns, PrimaryKey: p.PrimaryKey}
	keyCols := table.KeyColumns()
	wire := wirePart{
		Table:      p.Table,
		SchemaHash: p.SchemaHash,
		Index:      p.Index,
		IsLast:     p.IsLast,
		RowCount:   len(p.Changes),
		Columns:    p.Columns,
		PrimaryKey: p.PrimaryKey,
		Rows:       make([]wireRow, len(p.Changes)),
	}
	for i, c := range p.Changes {
		row := wireRow{State: c.State, Sequence: c.Sequence, Origin: c.Origin}
		if !c.LastModified.IsZero() {
			row.Modified = c.LastModified.UnixNano()
		}
		row.Key = make([]any, len(c.Key))
		for j, v := range c.Key {
			if j < len(keyCols) {
				v = types.EncodeValue(keyCols[j].Type, v)
			}
			row.Key[j] = v
		}
		if c.Values != nil {
			if len(c.Values) != len(p.Columns) {
				return nil, &types.SerializationError{Table: p.Table, Index: p.Index,
					Err: fmt.Errorf("%w: row has %d values for %d columns", types.ErrInvalidValue, len(c.Values), len(p.Columns))}
			}
			row.Values = make([]any, len(c.Values))
			for j, v := range c.Values {
				row.Values[j] = types.EncodeValue(p.Columns[j].Type, v)
			}
		}
		wire.Rows[i] = row
	}

	data, err := s.Codec.Marshal(&wire)
	if err != nil {
		return nil, &types.SerializationError{Table: p.Table, Index: p.Index, Err: err}
	}
	compressed, err := s.Compressor.Compress(data)
	if err != nil {
		return nil, &types.SerializationError{Table: p.Table, Index: p.Index, Err: err}
	}
	payload := make([]byte, 0, len(compressed)+1)
	payload = append(payload, byte(s.Compressor.Type()))
	return append(payload, compressed...), nil
}

func (s *Serializer) Deserialize(payload []byte) (*Part, error) {
	if len(payload) == 0 {
		return nil, &types.SerializationError{Err: errEmptyPayload}
	}
	comp, err := compress.ByType(compress.Type(payload[0]))
	if err != nil {
		return nil, &types.SerializationError{Err: err}
	}
	data, err := comp.Decompress(payload[1:])
	if err != nil {
		return nil, &types.SerializationError{Err: err}
	}
	var wire wirePart
	if err := s.Codec.Unmarshal(data, &wire); err != nil {
		return nil, &types.SerializationError{Err: err}
	}
	fail := func(err error) (*Part, error) {
		return nil, &types.SerializationError{Table: wire.Table, Index: wire.Index, Err: err}
	}
	if wire.RowCount != len(wire.Rows) {
		return fail(fmt.Errorf("row count %d does not match %d rows", wire.RowCount, len(wire.Rows)))
	}

	part := &Part{
		Table:      wire.Table,
		SchemaHash: wire.SchemaHash,
		Index:      wire.Index,
		IsLast:     wire.IsLast,
		RowCount:   wire.RowCount,
		Columns:    wire.Columns,
		PrimaryKey: wire.PrimaryKey,
		Changes:    make([]types.Change, len(wire.Rows)),
	}
	table := &types.Table{Name: wire.Table, Columns: wire.Columns, PrimaryKey: wire.PrimaryKey}
	keyCols := table.KeyColumns()
	if len(keyCols) != len(wire.PrimaryKey) {
		return fail(fmt.Errorf("primary key %v does not match columns", wire.PrimaryKey))
	}
	for i, r := range wire.Rows {
		if len(r.Key) != len(keyCols) {
			return fail(fmt.Errorf("row %d has %d key values for %d key columns", i, len(r.Key), len(keyCols)))
		}
		change := types.Change{
			Table:    wire.Table,
			State:    r.State,
			Sequence: r.Sequence,
			Origin:   r.Origin,
			Key:      make([]any, len(r.Key)),
		}
		if r.Modified != 0 {
			change.LastModified = time.Unix(0, r.Modified).UTC()
		}
		for j, v := range r.Key {
			if change.Key[j], err = types.DecodeValue(keyCols[j].Type, v); err != nil {
				return fail(fmt.Errorf("row %d key: %w", i, err))
			}
		}
		if r.State != types.RowDeleted {
			if change.Values, err = types.NormalizeRow(wire.Columns, r.Values); err != nil {
				return fail(fmt.Errorf("row %d: %w", i, err))
			}
			if change.Values == nil {
				return fail(fmt.Errorf("row %d: upsert without values", i))
			}
		}
		part.Changes[i] = change
	}
	return part, nil
}
