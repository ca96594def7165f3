// Package offsetptr implements the self-relative pointer type that makes a
// persisted object graph relocatable.
//
// A Raw value stores target_address - own_address instead of an absolute
// address. Two processes that map the same bytes at the same virtual base
// (or, within a single mapping, two copies of the same sub-graph at
// different offsets) see identical stored words resolve to correctly
// shifted targets, because dereferencing always adds back the pointer's own
// address. A user data structure stored inside the mapping that must
// survive a close/open cycle must use Raw or Ptr uniformly instead of
// mixing in raw Go pointers or uintptrs: a raw pointer baked into a
// byte-for-byte mapped file has no meaning in the next process that maps
// it at a different address. Nothing else in this module uses the package:
// the manager addresses allocations by plain offsets, keeps its named
// object directory in a separate JSON file, and keeps no segment header
// inside the mapping.
package offsetptr

import "unsafe"

// nullOffset is the sentinel representation of a null pointer. No legal
// offset ever equals 1: that would require two distinct, byte-aligned
// one-byte objects pointing at each other, which cannot happen because an
// OffsetPtr's own storage is at least 8 bytes wide.
const nullOffset int64 = 1

// Raw is an untyped self-relative pointer: own storage holds the byte
// distance to its target. The zero value is NOT null (it means "points at
// itself"); always construct via FromRaw or Null.
type Raw struct {
	offset int64
}

// Null returns a Raw pointer holding the null sentinel.
func Null() Raw {
	return Raw{offset: nullOffset}
}

// FromRaw builds a Raw pointer stored at self that targets target.
// Passing a nil target produces the null sentinel.
func FromRaw(self, target unsafe.Pointer) Raw {
	if target == nil {
		return Null()
	}
	return Raw{offset: int64(uintptr(target)) - int64(uintptr(self))}
}

// IsNull reports whether p holds the null sentinel.
func (p Raw) IsNull() bool {
	return p.offset == nullOffset
}

// ToRaw resolves the pointer stored at self to an absolute address.
// self must be the address at which p itself is stored; passing any other
// address yields an unrelated (and almost certainly invalid) pointer.
func (p Raw) ToRaw(self unsafe.Pointer) unsafe.Pointer {
	if p.IsNull() {
		return nil
	}
	return unsafe.Pointer(uintptr(int64(uintptr(self)) + p.offset)) //nolint:govet // self-relative pointer arithmetic is the point of this type
}

// Set repoints p (stored at self) at target.
func (p *Raw) Set(self, target unsafe.Pointer) {
	*p = FromRaw(self, target)
}

// Equal reports whether two Raw pointers stored at possibly different
// addresses resolve to the same absolute target.
func (p Raw) Equal(selfP unsafe.Pointer, q Raw, selfQ unsafe.Pointer) bool {
	if p.IsNull() || q.IsNull() {
		return p.IsNull() == q.IsNull()
	}
	return p.ToRaw(selfP) == q.ToRaw(selfQ)
}

// Rebase re-expresses the same absolute target from a new storage address.
// Use this when copying or moving an OffsetPtr to a different location
// inside the same mapping while its target does not move: the byte pattern
// alone is not portable across storage addresses, only the resolved target
// is.
func (p Raw) Rebase(oldSelf, newSelf unsafe.Pointer) Raw {
	if p.IsNull() {
		return p
	}
	return FromRaw(newSelf, p.ToRaw(oldSelf))
}

// Offset returns the raw stored distance, mainly for serialization and
// debugging; ordinary code should prefer ToRaw.
func (p Raw) Offset() int64 {
	return p.offset
}

// FromOffset reconstructs a Raw pointer from a previously-serialized
// distance (e.g. read back from a persisted struct).
func FromOffset(offset int64) Raw {
	return Raw{offset: offset}
}

// Ptr is a typed self-relative pointer to a T. It wraps Raw with pointer
// arithmetic and dereferencing convenience; persisted containers that need
// a concrete element type should embed Ptr[T] rather than Raw directly.
type Ptr[T any] struct {
	raw Raw
}

// NullPtr returns a typed null pointer.
func NullPtr[T any]() Ptr[T] {
	return Ptr[T]{raw: Null()}
}

// PtrFromRaw builds a typed pointer stored at self targeting target.
func PtrFromRaw[T any](self unsafe.Pointer, target *T) Ptr[T] {
	return Ptr[T]{raw: FromRaw(self, unsafe.Pointer(target))}
}

// IsNull reports whether p is null.
func (p Ptr[T]) IsNull() bool { return p.raw.IsNull() }

// Get resolves p (stored at self) to a *T. Returns nil if p is null.
func (p Ptr[T]) Get(self unsafe.Pointer) *T {
	raw := p.raw.ToRaw(self)
	if raw == nil {
		return nil
	}
	return (*T)(raw)
}

// Set repoints p (stored at self) at target.
func (p *Ptr[T]) Set(self unsafe.Pointer, target *T) {
	p.raw.Set(self, unsafe.Pointer(target))
}

// Add returns a pointer n elements of T past p, re-expressed from the same
// self address. Mirrors C pointer arithmetic; n may be negative.
func (p Ptr[T]) Add(self unsafe.Pointer, n int) Ptr[T] {
	if p.IsNull() {
		return p
	}
	var zero T
	elemSize := unsafe.Sizeof(zero)
	cur := p.raw.ToRaw(self)
	next := unsafe.Pointer(uintptr(cur) + uintptr(n)*elemSize)
	return Ptr[T]{raw: FromRaw(self, next)}
}

// Rebase re-expresses p's target from a new storage address newSelf, given
// that p was previously stored at oldSelf and the target itself has not
// moved. Use this when relocating a struct containing Ptr[T] fields within
// the same mapping (e.g. compacting a free list node).
func (p Ptr[T]) Rebase(oldSelf, newSelf unsafe.Pointer) Ptr[T] {
	return Ptr[T]{raw: p.raw.Rebase(oldSelf, newSelf)}
}

// Raw exposes the underlying untyped representation, e.g. for persistence.
func (p Ptr[T]) Raw() Raw { return p.raw }

// PtrFromRawOffset reconstructs a typed pointer from a serialized offset.
func PtrFromRawOffset[T any](offset int64) Ptr[T] {
	return Ptr[T]{raw: FromOffset(offset)}
}
