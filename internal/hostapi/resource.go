package hostapi

import (
	"fmt"
	"reflect"
)

// ErrResourceTransactionMismatch is returned when a resource is used from a
// transaction other than the one that created it — ported from
// original_source's resource.rs check (`entry.txn != self.txn`), which it
// treats as a fatal guest bug rather than a recoverable error.
type ErrResourceTransactionMismatch struct {
	ResourceKind string
	Handle       int
	CreatedIn    int32
	UsedIn       int32
}

func (e *ErrResourceTransactionMismatch) Error() string {
	return fmt.Sprintf(
		"hostapi: %s resource %d was created in transaction %d but used in transaction %d",
		e.ResourceKind, e.Handle, e.CreatedIn, e.UsedIn,
	)
}

type entry[T any] struct {
	data T
	txn  *int32
}

// Slab is a type-keyed, reuse-on-remove collection of long-lived host
// objects (HTTP response bodies, prepared SQL rows, …), each remembering
// which transaction index created it. Ported from original_source's
// ResourceSlab (backed by the `slab` crate) using a Go slice plus a free
// list instead.
type Slab[T any] struct {
	entries []*entry[T]
	free    []int
}

func newSlab[T any]() *Slab[T] { return &Slab[T]{} }

// Insert adds data, created under the transaction at txn (nil if no
// transaction is open — a resource created outside a transaction may be
// used from any transaction), returning its handle.
func (s *Slab[T]) Insert(data T, txn *int32) int {
	e := &entry[T]{data: data, txn: txn}
	if n := len(s.free); n > 0 {
		idx := s.free[n-1]
		s.free = s.free[:n-1]
		s.entries[idx] = e
		return idx
	}
	s.entries = append(s.entries, e)
	return len(s.entries) - 1
}

// Get returns data at handle, enforcing that callerTxn (nil if not in a
// transaction) matches the resource's creating transaction when the
// resource was created inside one.
func (s *Slab[T]) Get(kind string, handle int, callerTxn *int32) (T, error) {
	var zero T
	if handle < 0 || handle >= len(s.entries) || s.entries[handle] == nil {
		return zero, fmt.Errorf("hostapi: %s resource %d does not exist", kind, handle)
	}
	e := s.entries[handle]
	if e.txn != nil && (callerTxn == nil || *e.txn != *callerTxn) {
		used := int32(-1)
		if callerTxn != nil {
			used = *callerTxn
		}
		return zero, &ErrResourceTransactionMismatch{ResourceKind: kind, Handle: handle, CreatedIn: *e.txn, UsedIn: used}
	}
	return e.data, nil
}

// Remove deletes handle and returns it to the free list.
func (s *Slab[T]) Remove(handle int) {
	if handle < 0 || handle >= len(s.entries) {
		return
	}
	s.entries[handle] = nil
	s.free = append(s.free, handle)
}

// RemoveByTxn removes and returns every entry created under txn, for a
// caller that needs to tear down resources bound to a transaction before
// it closes (e.g. an abandoned SQL row cursor when the guest exits the
// transaction without reading every row).
func (s *Slab[T]) RemoveByTxn(txn int32) []T {
	var removed []T
	for handle, e := range s.entries {
		if e == nil || e.txn == nil || *e.txn != txn {
			continue
		}
		removed = append(removed, e.data)
		s.entries[handle] = nil
		s.free = append(s.free, handle)
	}
	return removed
}

// Resources is the per-task-execution table of every open resource kind,
// keyed by its Go type — the idiomatic replacement for original_source's
// anymap3-backed Resources struct.
type Resources struct {
	slabs map[reflect.Type]any
}

func NewResources() *Resources {
	return &Resources{slabs: map[reflect.Type]any{}}
}

// SlabFor returns (creating if necessary) the Slab[T] for type T.
func SlabFor[T any](r *Resources) *Slab[T] {
	key := reflect.TypeOf((*T)(nil))
	if existing, ok := r.slabs[key]; ok {
		return existing.(*Slab[T])
	}
	s := newSlab[T]()
	r.slabs[key] = s
	return s
}
