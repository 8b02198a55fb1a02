// Package memscope provides lifetime-scoped allocation pools.
//
// A dissection pass uses two scopes: a packet scope that is freed after every
// packet and a session scope that lives until the capture session ends.
// Values allocated from a scope are zeroed when the scope is freed, so data
// kept past its scope's lifetime reads back empty instead of stale.
package memscope

import (
	"fmt"
)

// Kind selects which lifetime a piece of state belongs to.
type Kind int

const (
	// PacketScope data is released when the current packet's context is cleaned up.
	PacketScope Kind = iota
	// SessionScope data is released when the capture session is closed.
	SessionScope
)

func (k Kind) String() string {
	switch k {
	case PacketScope:
		return "packet"
	case SessionScope:
		return "session"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Scope owns a set of allocations and cleanup callbacks.
//
// A Scope is not safe for concurrent use.
type Scope struct {
	kind       Kind
	name       string
	zeroers    []func()
	cleanups   []func()
	generation uint64
	destroyed  bool
}

// New creates an empty scope.
func New(kind Kind, name string) *Scope {
	return &Scope{kind: kind, name: name}
}

// Kind returns the lifetime class of the scope.
func (s *Scope) Kind() Kind { return s.kind }

// Name returns the diagnostic name given at creation.
func (s *Scope) Name() string { return s.name }

// Generation increments every time the scope is freed.
func (s *Scope) Generation() uint64 { return s.generation }

// Len returns the number of live allocations.
func (s *Scope) Len() int { return len(s.zeroers) }

// Destroyed reports whether Destroy has been called.
func (s *Scope) Destroyed() bool { return s.destroyed }

// OnFree registers fn to run the next time the scope is freed.
// Callbacks run in reverse registration order.
func (s *Scope) OnFree(fn func()) {
	s.mustBeLive()
	s.cleanups = append(s.cleanups, fn)
}

// Free releases every allocation and runs pending cleanups. The scope stays
// usable for new allocations afterwards.
func (s *Scope) Free() {
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		s.cleanups[i]()
	}
	for _, z := range s.zeroers {
		z()
	}
	s.cleanups = s.cleanups[:0]
	s.zeroers = s.zeroers[:0]
	s.generation++
}

// Destroy frees the scope and rejects any later allocation.
func (s *Scope) Destroy() {
	if s.destroyed {
		return
	}
	s.Free()
	s.zeroers = nil
	s.cleanups = nil
	s.destroyed = true
}

func (s *Scope) mustBeLive() {
	if s.destroyed {
		panic(fmt.Sprintf("memscope: allocation from destroyed %s scope %q", s.kind, s.name))
	}
}

// Alloc returns a new zero T owned by s.
func Alloc[T any](s *Scope) *T {
	s.mustBeLive()
	v := new(T)
	s.zeroers = append(s.zeroers, func() {
		var zero T
		*v = zero
	})
	return v
}

// AllocSlice returns a zeroed []T of length n owned by s.
func AllocSlice[T any](s *Scope, n int) []T {
	s.mustBeLive()
	v := make([]T, n)
	s.zeroers = append(s.zeroers, func() {
		clear(v)
	})
	return v
}
