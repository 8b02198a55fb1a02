// Package stats holds the statistics modules selectable with -z. Each module
// is a tap listener bound to one tap point with an optional display filter.
//
// Modules register themselves via init() and are looked up by the name part of
// a "name[,filter]" argument, e.g. "dns,srt,ip.addr == 10.0.0.1".
package stats

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/endorses/lippytap/internal/pkg/constants"
	"github.com/endorses/lippytap/internal/pkg/logger"
	"github.com/endorses/lippytap/internal/pkg/tap"
)

var (
	ErrUnknownStatistic = errors.New("unknown statistic")
	ErrBadArguments     = errors.New("bad statistic arguments")
)

// Args are the parsed pieces of a -z argument.
type Args struct {
	Name   string
	Filter string
	// Out receives the report when the module is drawn. Nil disables text
	// output; Result is still available.
	Out io.Writer
}

// Module is a statistics consumer.
type Module interface {
	tap.Listener

	Name() string
	TapName() string
	Filter() string
	Flags() tap.Flags

	// WriteReport renders the current state as text.
	WriteReport(w io.Writer) error
	// Result returns the current state as a JSON-encodable value.
	Result() any
}

// Descriptor describes one registered statistic.
type Descriptor struct {
	Name        string
	Description string
	New         func(args Args) (Module, error)
}

// Registry maps statistic names to descriptors.
type Registry struct {
	mu    sync.RWMutex
	descs map[string]Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{descs: make(map[string]Descriptor)}
}

var defaultRegistry = NewRegistry()

// Default returns the registry populated by the built-in modules.
func Default() *Registry { return defaultRegistry }

// Register adds d to the default registry.
func Register(d Descriptor) error { return defaultRegistry.Register(d) }

// MustRegister adds d to the default registry and panics on error.
//
// Use this in init() functions for fail-fast behavior during startup.
func MustRegister(d Descriptor) {
	if err := Register(d); err != nil {
		panic(fmt.Sprintf("failed to register statistic %s: %v", d.Name, err))
	}
}

// Register adds d.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" || d.New == nil {
		return fmt.Errorf("statistic %q: name and constructor are required", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descs[d.Name]; exists {
		return fmt.Errorf("statistic %s already registered", d.Name)
	}
	r.descs[d.Name] = d
	return nil
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descs[name]
	return d, ok
}

// Descriptors returns every descriptor sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.descs))
	for _, d := range r.descs {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Parse splits spec into a registered name and a filter. Names contain
// commas themselves, so the longest registered name that spec starts with
// wins.
func (r *Registry) Parse(spec string) (Args, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := ""
	for name := range r.descs {
		if len(name) <= len(best) {
			continue
		}
		if spec == name || strings.HasPrefix(spec, name+",") {
			best = name
		}
	}
	if best == "" {
		return Args{}, fmt.Errorf("%w: %q", ErrUnknownStatistic, spec)
	}

	args := Args{Name: best}
	if len(spec) > len(best) {
		args.Filter = strings.TrimSpace(spec[len(best)+1:])
		if args.Filter == "" {
			return Args{}, fmt.Errorf("%w: %q has an empty filter", ErrBadArguments, spec)
		}
	}
	return args, nil
}

// New parses spec and constructs the module. out receives the report on Draw.
func (r *Registry) New(spec string, out io.Writer) (Module, error) {
	args, err := r.Parse(spec)
	if err != nil {
		return nil, err
	}
	d, _ := r.Lookup(args.Name)
	args.Out = out
	m, err := d.New(args)
	if err != nil {
		return nil, fmt.Errorf("statistic %s: %w", args.Name, err)
	}
	return m, nil
}

// Attach registers m with reg under its tap name and filter.
func Attach(reg *tap.Registry, m Module) (tap.Handle, error) {
	h, err := reg.Register(m.TapName(), m, tap.Options{Filter: m.Filter(), Flags: m.Flags()})
	if err != nil {
		return 0, fmt.Errorf("statistic %s: %w", m.Name(), err)
	}
	logger.Debug("Statistic attached", "name", m.Name(), "tap", m.TapName(), "filter", m.Filter())
	return h, nil
}

// base carries what every module shares.
type base struct {
	name    string
	tapName string
	filter  string
	out     io.Writer
}

func newBase(args Args, tapName string) base {
	return base{name: args.Name, tapName: tapName, filter: args.Filter, out: args.Out}
}

func (b *base) Name() string    { return b.name }
func (b *base) TapName() string { return b.tapName }
func (b *base) Filter() string  { return b.filter }

// draw writes the report of m to the configured output.
func (b *base) draw(m Module) {
	if b.out == nil {
		return
	}
	if err := m.WriteReport(b.out); err != nil {
		logger.Warn("Failed to write statistic report", "name", b.name, "error", err)
	}
}

func rule() string {
	return strings.Repeat("=", constants.ReportWidth)
}
