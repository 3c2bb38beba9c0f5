package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPartOutOfOrder is returned for a part whose index is not the next one of
// its table, or that arrives after the table's last part.
var ErrPartOutOfOrder = errors.New("part out of order")

// Receiver checks that the parts of every table arrive in ascending index
// order without gaps or duplicates.
type Receiver struct {
	mu       sync.Mutex
	next     map[string]int
	complete map[string]bool
	rows     int
}

func NewReceiver() *Receiver {
	return &Receiver{next: make(map[string]int), complete: make(map[string]bool)}
}

// Accept records a part. It fails when the part is not the expected one.
func (r *Receiver) Accept(info PartInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.complete[info.Table] {
		return fmt.Errorf("%w: %s part %d after the last part", ErrPartOutOfOrder, info.Table, info.Index)
	}
	if expected := r.next[info.Table]; info.Index != expected {
		return fmt.Errorf("%w: %s part %d, expected %d", ErrPartOutOfOrder, info.Table, info.Index, expected)
	}
	r.next[info.Table] = info.Index + 1
	if info.IsLast {
		r.complete[info.Table] = true
	}
	r.rows += info.RowCount
	return nil
}

// ApplyBatch accepts a part and hands it to apply.
func (r *Receiver) ApplyBatch(ctx context.Context, part *Part, apply func(context.Context, *Part) error) error {
	if err := r.Accept(part.Info()); err != nil {
		return err
	}
	return apply(ctx, part)
}

// Complete reports whether the last part of a table was received.
func (r *Receiver) Complete(table string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.complete[table]
}

// Pending returns the tables that received parts but not their last one.
func (r *Receiver) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pending []string
	for table := range r.next {
		if !r.complete[table] {
			pending = append(pending, table)
		}
	}
	return pending
}

// Rows returns the number of rows accepted.
func (r *Receiver) Rows() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows
}
