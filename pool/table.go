// File: pool/table.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Table is the fixed-capacity connection table. A slot is owned by whoever
// wins the compare-and-swap on its occupancy flag, so two concurrent
// claimers can never receive the same index.

package pool

import "sync/atomic"

type slot[T any] struct {
	used atomic.Bool
	val  atomic.Pointer[T]
}

// Table holds up to Cap values of *T.
type Table[T any] struct {
	slots  []slot[T]
	active atomic.Int32
}

// NewTable creates a table with capacity slots (at least one).
func NewTable[T any](capacity int) *Table[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Table[T]{slots: make([]slot[T], capacity)}
}

// Claim reserves the first free slot. ok is false when the table is full.
func (t *Table[T]) Claim() (idx int, ok bool) {
	for i := range t.slots {
		if t.slots[i].used.CompareAndSwap(false, true) {
			t.active.Add(1)
			return i, true
		}
	}
	return -1, false
}

// Set stores v in a claimed slot.
func (t *Table[T]) Set(idx int, v *T) {
	if idx < 0 || idx >= len(t.slots) || !t.slots[idx].used.Load() {
		return
	}
	t.slots[idx].val.Store(v)
}

// Get returns the value in slot idx, or nil.
func (t *Table[T]) Get(idx int) *T {
	if idx < 0 || idx >= len(t.slots) {
		return nil
	}
	return t.slots[idx].val.Load()
}

// Release frees slot idx. Releasing a free slot is a no-op.
func (t *Table[T]) Release(idx int) {
	if idx < 0 || idx >= len(t.slots) {
		return
	}
	s := &t.slots[idx]
	s.val.Store(nil)
	if s.used.CompareAndSwap(true, false) {
		t.active.Add(-1)
	}
}

// Len returns the number of occupied slots.
func (t *Table[T]) Len() int { return int(t.active.Load()) }

// Cap returns the fixed capacity.
func (t *Table[T]) Cap() int { return len(t.slots) }

// Range calls fn for every slot holding a value until fn returns false.
func (t *Table[T]) Range(fn func(idx int, v *T) bool) {
	for i := range t.slots {
		if v := t.slots[i].val.Load(); v != nil {
			if !fn(i, v) {
				return
			}
		}
	}
}
