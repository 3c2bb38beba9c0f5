// Package batch splits change streams into bounded, self-describing parts,
// serializes and spools them, and checks the order parts are received in.
package batch

import (
	"github.com/breez/table-sync/types"
)

// Part is a contiguous slice of one table's changes.
type Part struct {
	Table      string
	SchemaHash string
	Index      int
	IsLast     bool
	RowCount   int
	Columns    []types.Column
	PrimaryKey []string
	Changes    []types.Change
}

// PartInfo describes a serialized part without holding its rows.
type PartInfo struct {
	Table    string `json:"table" bson:"table"`
	Index    int    `json:"index" bson:"index"`
	IsLast   bool   `json:"is_last" bson:"is_last"`
	RowCount int    `json:"row_count" bson:"row_count"`
	Size     int    `json:"size" bson:"size"`

	// Location is where the payload is spooled on this node.
	Location string `json:"-" bson:"-"`
}

// Info returns the metadata of the part.
func (p *Part) Info() PartInfo {
	return PartInfo{Table: p.Table, Index: p.Index, IsLast: p.IsLast, RowCount: p.RowCount}
}

func newPart(table *types.Table, schemaHash string, index int) *Part {
	return &Part{
		Table:      table.Name,
		SchemaHash: schemaHash,
		Index:      index,
		Columns:    table.Columns,
		PrimaryKey: table.PrimaryKey,
	}
}

// Batch is the list of parts produced for one session and direction.
type Batch struct {
	SessionID string
	Parts     []PartInfo

	spool      Spool
	serializer *Serializer
}

// RowCount returns the number of rows over all parts.
func (b *Batch) RowCount() int {
	n := 0
	for _, p := range b.Parts {
		n += p.RowCount
	}
	return n
}

// Payload returns the serialized payload of a part.
func (b *Batch) Payload(info PartInfo) ([]byte, error) {
	return b.spool.Read(info.Location)
}

// Open reads a part back from the spool.
func (b *Batch) Open(info PartInfo) (*Part, error) {
	payload, err := b.spool.Read(info.Location)
	if err != nil {
		return nil, &types.SerializationError{Table: info.Table, Index: info.Index, Err: err}
	}
	return b.serializer.Deserialize(payload)
}

// Cleanup removes the spooled payloads of the batch.
func (b *Batch) Cleanup() error {
	return b.spool.Remove(b.SessionID)
}

// Add spools a payload received from another node and records its part.
func (b *Batch) Add(info PartInfo, payload []byte) (PartInfo, error) {
	location, err := b.spool.Write(b.SessionID, info.Table, info.Index, payload)
	if err != nil {
		return info, err
	}
	info.Location = location
	info.Size = len(payload)
	b.Parts = append(b.Parts, info)
	return info, nil
}

// TableParts returns the parts of one table in the order they were added.
func (b *Batch) TableParts(table string) []PartInfo {
	var parts []PartInfo
	for _, p := range b.Parts {
		if p.Table == table {
			parts = append(parts, p)
		}
	}
	return parts
}
