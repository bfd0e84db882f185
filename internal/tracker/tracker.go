// Package tracker keeps an editor's working copy of a value next to the
// last committed one.
package tracker

import "sort"

// WorkingCopy holds a pending value, the committed value it was derived
// from and the version that committed value was read at. It is not safe
// for concurrent use.
type WorkingCopy[T any] struct {
	clone     func(T) T
	committed T
	pending   T
	version   string
	modified  bool
	validity  map[string]bool
}

// New starts tracking value read at version. clone must return a deep copy.
func New[T any](value T, version string, clone func(T) T) *WorkingCopy[T] {
	w := &WorkingCopy[T]{clone: clone}
	w.Reset(value, version)
	return w
}

// Value returns a copy of the pending value.
func (w *WorkingCopy[T]) Value() T {
	return w.clone(w.pending)
}

// Committed returns a copy of the last committed value.
func (w *WorkingCopy[T]) Committed() T {
	return w.clone(w.committed)
}

// BaseVersion is the version the committed value was read at.
func (w *WorkingCopy[T]) BaseVersion() string {
	return w.version
}

// IsModified reports whether Update was called since the last Reset.
func (w *WorkingCopy[T]) IsModified() bool {
	return w.modified
}

// Update replaces the pending value with fn applied to a copy of it.
func (w *WorkingCopy[T]) Update(fn func(T) T) {
	w.pending = fn(w.clone(w.pending))
	w.modified = true
}

// SetFieldValidity records whether one input field currently validates.
func (w *WorkingCopy[T]) SetFieldValidity(field string, ok bool) {
	if ok {
		delete(w.validity, field)
		return
	}
	w.validity[field] = false
}

// IsValid reports whether every reported field validates.
func (w *WorkingCopy[T]) IsValid() bool {
	return len(w.validity) == 0
}

// Invalid returns the fields currently failing validation, sorted.
func (w *WorkingCopy[T]) Invalid() []string {
	fields := make([]string, 0, len(w.validity))
	for f := range w.validity {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Reset commits value at version, drops pending edits and clears field
// validity.
func (w *WorkingCopy[T]) Reset(value T, version string) {
	w.committed = w.clone(value)
	w.pending = w.clone(value)
	w.version = version
	w.modified = false
	w.validity = make(map[string]bool)
}
