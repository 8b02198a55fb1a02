// Package tap routes records published by decoders to registered listeners.
//
// A tap point is a name, normally a protocol abbreviation. Listeners attach
// to a point with an optional display filter and are called once per
// published record, in registration order, after the packet has been fully
// dissected.
package tap

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/endorses/lippytap/internal/pkg/dfilter"
	"github.com/endorses/lippytap/internal/pkg/epan"
	"github.com/endorses/lippytap/internal/pkg/logger"
)

var (
	// ErrUnknownTapName is returned when registering against an unknown point.
	ErrUnknownTapName = errors.New("unknown tap name")
	// ErrDuplicateRegistration is returned when a listener is attached twice
	// to the same point.
	ErrDuplicateRegistration = errors.New("listener already registered")
	// ErrInvalidFilter is returned for filters that do not compile or name
	// unknown fields.
	ErrInvalidFilter = errors.New("invalid tap filter")
	// ErrUnknownHandle is returned by Remove for handles it never issued.
	ErrUnknownHandle = errors.New("unknown tap handle")
)

// PacketStatus is what a listener reports for each record.
type PacketStatus int

const (
	// DontRedraw means the listener's output did not change.
	DontRedraw PacketStatus = iota
	// Redraw marks the listener dirty so the next DrawDirty draws it.
	Redraw
	// Failed stops delivery to the listener until the next ResetAll.
	Failed
)

func (s PacketStatus) String() string {
	switch s {
	case DontRedraw:
		return "dont_redraw"
	case Redraw:
		return "redraw"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("PacketStatus(%d)", int(s))
	}
}

// Flags declares what a listener needs from the dissection.
type Flags uint32

const (
	RequiresNothing      Flags = 0
	RequiresProtoTree    Flags = 1 << 0
	RequiresColumns      Flags = 1 << 1
	// RequiresErrorPackets delivers records from malformed packets too.
	RequiresErrorPackets Flags = 1 << 2
)

// Listener consumes tap records.
type Listener interface {
	Reset()
	Packet(pinfo *epan.PacketInfo, edt *epan.Context, record any) PacketStatus
	Draw()
}

// ListenerFuncs adapts optional callbacks to Listener. Nil callbacks are
// skipped; a nil PacketFn reports DontRedraw.
type ListenerFuncs struct {
	ResetFn  func()
	PacketFn func(pinfo *epan.PacketInfo, edt *epan.Context, record any) PacketStatus
	DrawFn   func()
}

// Reset calls ResetFn.
func (l *ListenerFuncs) Reset() {
	if l.ResetFn != nil {
		l.ResetFn()
	}
}

// Packet calls PacketFn.
func (l *ListenerFuncs) Packet(pinfo *epan.PacketInfo, edt *epan.Context, record any) PacketStatus {
	if l.PacketFn == nil {
		return DontRedraw
	}
	return l.PacketFn(pinfo, edt, record)
}

// Draw calls DrawFn.
func (l *ListenerFuncs) Draw() {
	if l.DrawFn != nil {
		l.DrawFn()
	}
}

// Options configures a registration.
type Options struct {
	// Filter is a display filter; records from packets that do not match are
	// not delivered. Empty means every record.
	Filter string
	Flags  Flags
}

// Handle identifies one registration.
type Handle uint64

type registration struct {
	handle   Handle
	point    string
	listener Listener
	filter   *dfilter.Filter
	flags    Flags
	dirty    bool
	failed   bool
}

// Registry holds tap points and their listeners.
//
// Registration, removal and dispatch may run from different goroutines; the
// listener list is copied before any callback runs, so callbacks may
// register or remove listeners themselves.
type Registry struct {
	mu         sync.RWMutex
	fields     *epan.FieldRegistry
	points     map[string]struct{}
	byPoint    map[string][]*registration
	byHandle   map[Handle]*registration
	order      []*registration
	nextHandle Handle
}

var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(nil)
	})
	return defaultRegistry
}

// NewRegistry creates an empty registry. Filters are validated against
// fields when it is non-nil.
func NewRegistry(fields *epan.FieldRegistry) *Registry {
	return &Registry{
		fields:   fields,
		points:   make(map[string]struct{}),
		byPoint:  make(map[string][]*registration),
		byHandle: make(map[Handle]*registration),
	}
}

// SetFields sets the registry used to validate filters of later
// registrations.
func (r *Registry) SetFields(fields *epan.FieldRegistry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fields = fields
}

// RegisterPoint declares a tap name. Declaring an existing name is a no-op.
func (r *Registry) RegisterPoint(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points[name] = struct{}{}
}

// HasPoint reports whether name was declared.
func (r *Registry) HasPoint(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.points[name]
	return ok
}

// Points returns every declared tap name.
func (r *Registry) Points() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.points))
	for name := range r.points {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Register attaches l to the named point.
func (r *Registry) Register(name string, l Listener, opts Options) (Handle, error) {
	if l == nil {
		return 0, fmt.Errorf("tap %q: nil listener", name)
	}

	filter, err := dfilter.Compile(opts.Filter)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.points[name]; !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTapName, name)
	}
	if r.fields != nil {
		if err := filter.Validate(r.fields.Known); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
		}
	}
	if reflect.ValueOf(l).Comparable() {
		for _, reg := range r.byPoint[name] {
			if reflect.TypeOf(reg.listener) == reflect.TypeOf(l) &&
				reflect.ValueOf(reg.listener).Comparable() && reg.listener == l {
				return 0, fmt.Errorf("%w: tap %q", ErrDuplicateRegistration, name)
			}
		}
	}

	r.nextHandle++
	reg := &registration{
		handle:   r.nextHandle,
		point:    name,
		listener: l,
		filter:   filter,
		flags:    opts.Flags,
		dirty:    true,
	}
	r.byPoint[name] = append(r.byPoint[name], reg)
	r.byHandle[reg.handle] = reg
	r.order = append(r.order, reg)

	logger.Debug("Tap listener registered",
		"tap", name,
		"handle", uint64(reg.handle),
		"filter", opts.Filter,
		"flags", uint32(opts.Flags))
	return reg.handle, nil
}

// Remove detaches a listener. The listener receives nothing afterwards.
func (r *Registry) Remove(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byHandle[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	delete(r.byHandle, h)
	r.byPoint[reg.point] = without(r.byPoint[reg.point], reg)
	r.order = without(r.order, reg)

	logger.Debug("Tap listener removed", "tap", reg.point, "handle", uint64(h))
	return nil
}

func without(list []*registration, reg *registration) []*registration {
	out := make([]*registration, 0, len(list))
	for _, it := range list {
		if it != reg {
			out = append(out, it)
		}
	}
	return out
}

// Listeners returns the number of listeners attached to name.
func (r *Registry) Listeners(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPoint[name])
}

// Len returns the total number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// PrimeContext primes c with the fields of every listener filter.
func (r *Registry) PrimeContext(c *epan.Context) {
	r.mu.RLock()
	filters := make([]*dfilter.Filter, 0, len(r.order))
	for _, reg := range r.order {
		if reg.filter != nil {
			filters = append(filters, reg.filter)
		}
	}
	r.mu.RUnlock()

	for _, f := range filters {
		c.PrimeWithFilter(f)
	}
}

// NeedsTree reports whether any listener filters or asked for a tree.
func (r *Registry) NeedsTree() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, reg := range r.order {
		if reg.filter != nil || reg.flags&RequiresProtoTree != 0 {
			return true
		}
	}
	return false
}

// NeedsColumns reports whether any listener asked for columns.
func (r *Registry) NeedsColumns() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, reg := range r.order {
		if reg.flags&RequiresColumns != 0 {
			return true
		}
	}
	return false
}

// Emit delivers record to every eligible listener of name and returns how
// many were called.
func (r *Registry) Emit(name string, pinfo *epan.PacketInfo, c *epan.Context, record any) int {
	r.mu.RLock()
	regs := make([]*registration, len(r.byPoint[name]))
	copy(regs, r.byPoint[name])
	r.mu.RUnlock()

	called := 0
	for _, reg := range regs {
		r.mu.RLock()
		_, live := r.byHandle[reg.handle]
		failed := reg.failed
		r.mu.RUnlock()
		if !live || failed {
			continue
		}
		if pinfo != nil && pinfo.Malformed && reg.flags&RequiresErrorPackets == 0 {
			continue
		}
		if reg.filter != nil && (c == nil || !reg.filter.Match(c)) {
			continue
		}

		called++
		switch status := reg.listener.Packet(pinfo, c, record); status {
		case Redraw:
			r.mu.Lock()
			reg.dirty = true
			r.mu.Unlock()
		case Failed:
			r.mu.Lock()
			reg.failed = true
			r.mu.Unlock()
			logger.Warn("Tap listener failed", "tap", name, "handle", uint64(reg.handle))
		}
	}
	return called
}

// ResetAll resets every listener, clears failures and marks them dirty.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	regs := make([]*registration, len(r.order))
	copy(regs, r.order)
	for _, reg := range regs {
		reg.failed = false
		reg.dirty = true
	}
	r.mu.Unlock()

	for _, reg := range regs {
		reg.listener.Reset()
	}
}

// DrawDirty draws every dirty listener in registration order and clears the
// dirty mark. It returns the number of listeners drawn.
func (r *Registry) DrawDirty() int {
	r.mu.Lock()
	var regs []*registration
	for _, reg := range r.order {
		if reg.dirty && !reg.failed {
			reg.dirty = false
			regs = append(regs, reg)
		}
	}
	r.mu.Unlock()

	for _, reg := range regs {
		reg.listener.Draw()
	}
	return len(regs)
}

// DrawAll draws every listener that has not failed.
func (r *Registry) DrawAll() int {
	r.mu.Lock()
	for _, reg := range r.order {
		reg.dirty = true
	}
	r.mu.Unlock()
	return r.DrawDirty()
}

// Compile-time check
var _ epan.TapSink = (*Registry)(nil)
