package core

import (
	"sync/atomic"
	"weak"
)

// WeakRef is checked immediately before a task runs. A task whose WeakRef
// is no longer valid is dropped as cancelled. The zero WeakRef is always valid.
type WeakRef struct {
	alive func() bool
}

// Valid reports whether the referenced owner still exists.
func (r WeakRef) Valid() bool {
	return r.alive == nil || r.alive()
}

// Owner hands out WeakRefs that all become invalid at once when the owner
// is invalidated, the way a weak pointer factory does.
type Owner struct {
	valid *atomic.Bool
}

func NewOwner() *Owner {
	v := &atomic.Bool{}
	v.Store(true)
	return &Owner{valid: v}
}

func (o *Owner) WeakRef() WeakRef {
	v := o.valid
	return WeakRef{alive: v.Load}
}

// Invalidate cancels every task bound to this owner that has not started.
func (o *Owner) Invalidate() {
	o.valid.Store(false)
}

func (o *Owner) IsValid() bool {
	return o.valid.Load()
}

// WeakRefTo returns a WeakRef that stays valid while p is reachable.
func WeakRefTo[T any](p *T) WeakRef {
	wp := weak.Make(p)
	return WeakRef{alive: func() bool { return wp.Value() != nil }}
}
