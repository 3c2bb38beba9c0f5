package batch

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/breez/table-sync/changes"
	"github.com/breez/table-sync/logging"
)

const streamBuffer = 4

// SendFunc transmits one serialized part.
type SendFunc func(ctx context.Context, info PartInfo, payload []byte) error

// Manager splits change sets into parts.
type Manager struct {
	serializer *Serializer
	spool      Spool
	logger     logging.Logger
}

func NewManager(serializer *Serializer, spool Spool) *Manager {
	return &Manager{
		serializer: serializer,
		spool:      spool,
		logger:     logging.New("batch"),
	}
}

// Serializer returns the serializer parts are written with.
func (m *Manager) Serializer() *Serializer {
	return m.serializer
}

// NewBatch returns an empty batch backed by the manager's spool.
func (m *Manager) NewBatch(batchID string) *Batch {
	return &Batch{SessionID: batchID, spool: m.spool, serializer: m.serializer}
}

// CreateBatches reads the whole change set and spools its parts. A part takes
// rows while its estimated size stays within maxBytes; an empty part always
// takes one row. maxBytes <= 0 puts each table in a single part. Tables
// without changes produce no parts.
func (m *Manager) CreateBatches(ctx context.Context, batchID string, cs *changes.ChangeSet, maxBytes int) (*Batch, error) {
	b := m.NewBatch(batchID)
	err := m.produce(ctx, b, cs, maxBytes, func(PartInfo) error { return nil })
	if err != nil {
		return b, err
	}
	m.logger.Debugf("batch %s: %d parts, %d rows", batchID, len(b.Parts), b.RowCount())
	return b, nil
}

// Stream splits like CreateBatches while sending every part as soon as it is
// spooled. Parts are sent in production order.
func (m *Manager) Stream(ctx context.Context, batchID string, cs *changes.ChangeSet, maxBytes int, send SendFunc) (*Batch, error) {
	b := m.NewBatch(batchID)
	infos := make(chan PartInfo, streamBuffer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(infos)
		return m.produce(gctx, b, cs, maxBytes, func(info PartInfo) error {
			select {
			case infos <- info:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})
	g.Go(func() error {
		for info := range infos {
			payload, err := m.spool.Read(info.Location)
			if err != nil {
				return err
			}
			if err := send(gctx, info, payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return b, err
	}
	m.logger.Debugf("batch %s: streamed %d parts, %d rows", batchID, len(b.Parts), b.RowCount())
	return b, nil
}

func (m *Manager) produce(ctx context.Context, b *Batch, cs *changes.ChangeSet, maxBytes int, emit func(PartInfo) error) error {
	defer cs.Close()

	for cs.Next(ctx) {
		tc := cs.Table()
		table := tc.Table()

		var cur *Part
		size := 0
		index := 0
		flush := func(last bool) error {
			cur.IsLast = last
			cur.RowCount = len(cur.Changes)
			payload, err := m.serializer.Serialize(cur)
			if err != nil {
				return err
			}
			location, err := m.spool.Write(b.SessionID, cur.Table, cur.Index, payload)
			if err != nil {
				return err
			}
			info := cur.Info()
			info.Size = len(payload)
			info.Location = location
			b.Parts = append(b.Parts, info)
			return emit(info)
		}

		for tc.Next() {
			change := tc.Change()
			estimated := change.EstimatedSize()
			if cur != nil && maxBytes > 0 && size+estimated > maxBytes {
				if err := flush(false); err != nil {
					return err
				}
				index++
				cur = nil
			}
			if cur == nil {
				cur = newPart(table, cs.SchemaHash(), index)
				size = 0
			}
			cur.Changes = append(cur.Changes, change)
			size += estimated
		}
		if err := tc.Err(); err != nil {
			return err
		}
		if cur != nil {
			if err := flush(true); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return cs.Err()
}
