package epan

import (
	"fmt"
	"sort"
	"sync"
)

// FieldID identifies a registered protocol or field. Zero is never assigned.
type FieldID int

// FieldType describes the value a field carries.
type FieldType int

const (
	FieldProtocol FieldType = iota
	FieldNone
	FieldBool
	FieldUint
	FieldInt
	FieldString
	FieldBytes
	FieldIP
	FieldTime
)

func (t FieldType) String() string {
	switch t {
	case FieldProtocol:
		return "protocol"
	case FieldNone:
		return "none"
	case FieldBool:
		return "bool"
	case FieldUint:
		return "uint"
	case FieldInt:
		return "int"
	case FieldString:
		return "string"
	case FieldBytes:
		return "bytes"
	case FieldIP:
		return "ip"
	case FieldTime:
		return "time"
	default:
		return fmt.Sprintf("FieldType(%d)", int(t))
	}
}

// FieldInfo is the registered description of one field.
type FieldInfo struct {
	ID     FieldID   `json:"id"`
	Abbrev string    `json:"abbrev"`
	Name   string    `json:"name"`
	Type   FieldType `json:"-"`
	Parent FieldID   `json:"parent,omitempty"`
}

// IsProtocol reports whether the entry is a protocol rather than a field.
func (fi FieldInfo) IsProtocol() bool { return fi.Type == FieldProtocol }

// FieldRegistry catalogs protocols and fields by filter abbreviation.
type FieldRegistry struct {
	mu       sync.RWMutex
	byAbbrev map[string]FieldID
	infos    []FieldInfo // index = FieldID-1
}

// NewFieldRegistry creates an empty registry.
func NewFieldRegistry() *FieldRegistry {
	return &FieldRegistry{byAbbrev: make(map[string]FieldID)}
}

// RegisterProtocol registers a protocol entry. Registering the same
// abbreviation twice as a protocol returns the existing ID.
func (r *FieldRegistry) RegisterProtocol(abbrev, name string) (FieldID, error) {
	return r.register(FieldInfo{Abbrev: abbrev, Name: name, Type: FieldProtocol})
}

// RegisterField registers a field under parent.
func (r *FieldRegistry) RegisterField(parent FieldID, abbrev, name string, typ FieldType) (FieldID, error) {
	if typ == FieldProtocol {
		return 0, fmt.Errorf("field %q: use RegisterProtocol for protocols", abbrev)
	}
	if _, ok := r.Info(parent); !ok {
		return 0, fmt.Errorf("field %q: unknown parent %d", abbrev, parent)
	}
	return r.register(FieldInfo{Abbrev: abbrev, Name: name, Type: typ, Parent: parent})
}

// MustRegisterProtocol is RegisterProtocol that panics on error.
//
// Use this in decoder registration for fail-fast behavior during startup.
func (r *FieldRegistry) MustRegisterProtocol(abbrev, name string) FieldID {
	id, err := r.RegisterProtocol(abbrev, name)
	if err != nil {
		panic(err)
	}
	return id
}

// MustRegisterField is RegisterField that panics on error.
func (r *FieldRegistry) MustRegisterField(parent FieldID, abbrev, name string, typ FieldType) FieldID {
	id, err := r.RegisterField(parent, abbrev, name, typ)
	if err != nil {
		panic(err)
	}
	return id
}

func (r *FieldRegistry) register(fi FieldInfo) (FieldID, error) {
	if fi.Abbrev == "" {
		return 0, fmt.Errorf("field abbreviation must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, exists := r.byAbbrev[fi.Abbrev]; exists {
		prev := r.infos[id-1]
		if prev.Type == fi.Type && prev.Parent == fi.Parent {
			return id, nil
		}
		return 0, fmt.Errorf("field %q already registered as %s", fi.Abbrev, prev.Type)
	}

	fi.ID = FieldID(len(r.infos) + 1)
	r.infos = append(r.infos, fi)
	r.byAbbrev[fi.Abbrev] = fi.ID
	return fi.ID, nil
}

// Lookup returns the ID registered for abbrev.
func (r *FieldRegistry) Lookup(abbrev string) (FieldID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAbbrev[abbrev]
	return id, ok
}

// Known reports whether abbrev is registered.
func (r *FieldRegistry) Known(abbrev string) bool {
	_, ok := r.Lookup(abbrev)
	return ok
}

// Info returns the description of id.
func (r *FieldRegistry) Info(id FieldID) (FieldInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id <= 0 || int(id) > len(r.infos) {
		return FieldInfo{}, false
	}
	return r.infos[id-1], true
}

// Abbrev returns the filter abbreviation of id, or "" if unknown.
func (r *FieldRegistry) Abbrev(id FieldID) string {
	fi, _ := r.Info(id)
	return fi.Abbrev
}

// All returns every registered entry sorted by abbreviation.
func (r *FieldRegistry) All() []FieldInfo {
	r.mu.RLock()
	out := make([]FieldInfo, len(r.infos))
	copy(out, r.infos)
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Abbrev < out[j].Abbrev })
	return out
}
