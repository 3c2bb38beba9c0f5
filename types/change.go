package types

import (
	"time"
)

// RowState is the state of a tracked row.
type RowState string

const (
	RowUpserted RowState = "upserted"
	RowDeleted  RowState = "deleted"
)

// Change is one changed row as it travels between nodes.
type Change struct {
	Table string   `json:"table" bson:"table"`
	Key   []any    `json:"key" bson:"key"`
	State RowState `json:"state" bson:"state"`

	// Values holds the full row aligned with the table columns. It is nil
	// for deletes.
	Values []any `json:"values,omitempty" bson:"values,omitempty"`

	// Sequence is the change-sequence value on the node that sent the change.
	Sequence int64 `json:"sequence" bson:"sequence"`

	// Origin is the node the change was last applied from on the sending
	// node; empty when it was a local edit there.
	Origin string `json:"origin,omitempty" bson:"origin,omitempty"`

	LastModified time.Time `json:"last_modified" bson:"last_modified"`
}

// EstimatedSize returns an approximation of the number of bytes the change
// takes once serialized. Batching uses it instead of an exact byte count.
func (c *Change) EstimatedSize() int {
	size := 48 + len(c.Table) + len(c.Origin)
	for _, v := range c.Key {
		size += valueSize(v)
	}
	for _, v := range c.Values {
		size += valueSize(v)
	}
	return size
}

func valueSize(v any) int {
	switch x := v.(type) {
	case nil:
		return 4
	case string:
		return len(x) + 8
	case []byte:
		return len(x)*4/3 + 8
	case bool:
		return 5
	default:
		return 16
	}
}

// IsDelete reports whether the change removes the row.
func (c *Change) IsDelete() bool {
	return c.State == RowDeleted
}

// TrackedRow is the tracking state a node keeps for one base-table row.
type TrackedRow struct {
	Key      []any
	Sequence int64
	State    RowState

	// Origin is the node the row was last applied from; empty for local
	// edits. OriginSequence is the sequence the change had on that node.
	Origin         string
	OriginSequence int64

	LastModified time.Time

	// Values holds the current base-table row, nil when the row is absent.
	Values []any
}

// IsDeleted reports whether the tracked row is a tombstone.
func (r *TrackedRow) IsDeleted() bool {
	return r.State == RowDeleted
}

// ScopeInfo is a node's synchronization state for one scope.
type ScopeInfo struct {
	ScopeName  string `json:"scope_name" bson:"scope_name"`
	NodeID     string `json:"node_id" bson:"node_id"`
	IsNewScope bool   `json:"is_new_scope" bson:"is_new_scope"`

	// LastSyncWatermark is the local sequence the node's uploads are confirmed
	// up to. On the server it is the sequence delivered to the client NodeID.
	LastSyncWatermark *int64 `json:"last_sync_watermark,omitempty" bson:"last_sync_watermark,omitempty"`

	// LastServerWatermark is the server sequence a client has received up to.
	LastServerWatermark *int64 `json:"last_server_watermark,omitempty" bson:"last_server_watermark,omitempty"`

	LastSyncTimestamp *time.Time `json:"last_sync_timestamp,omitempty" bson:"last_sync_timestamp,omitempty"`
	SchemaVersion     string     `json:"schema_version" bson:"schema_version"`
	SchemaHash        string     `json:"schema_hash" bson:"schema_hash"`
}

// Watermark returns LastSyncWatermark or 0 when it is unset.
func (i *ScopeInfo) Watermark() int64 {
	if i == nil || i.LastSyncWatermark == nil {
		return 0
	}
	return *i.LastSyncWatermark
}

// DeepCopy returns a copy of the info that shares no pointers.
func (i *ScopeInfo) DeepCopy() *ScopeInfo {
	if i == nil {
		return nil
	}
	clone := *i
	if i.LastSyncWatermark != nil {
		w := *i.LastSyncWatermark
		clone.LastSyncWatermark = &w
	}
	if i.LastServerWatermark != nil {
		w := *i.LastServerWatermark
		clone.LastServerWatermark = &w
	}
	if i.LastSyncTimestamp != nil {
		ts := *i.LastSyncTimestamp
		clone.LastSyncTimestamp = &ts
	}
	return &clone
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}
