package epan

import (
	"fmt"
	"sort"
	"sync"

	"github.com/endorses/lippytap/internal/pkg/memscope"
	"github.com/google/gopacket/layers"
)

// Decoder is a protocol decoder. The core treats it as a black box: it is
// given the bytes for its layer and a Packet handle through which it adds
// tree items, publishes tap records and hands the payload to the next
// decoder.
//
// Decode returns an error for malformed input. Panics are recovered and
// reported as dissector faults.
type Decoder interface {
	// Protocol returns the filter abbreviation, which is also the tap name.
	Protocol() string
	Decode(p *Packet, data []byte) error
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc struct {
	Name string
	Fn   func(p *Packet, data []byte) error
}

// Protocol returns d.Name.
func (d DecoderFunc) Protocol() string { return d.Name }

// Decode calls d.Fn.
func (d DecoderFunc) Decode(p *Packet, data []byte) error { return d.Fn(p, data) }

// DecoderTable maps protocol names, link types and dissector-table keys
// (such as "udp.port" 53) onto decoders.
type DecoderTable struct {
	mu       sync.RWMutex
	fields   *FieldRegistry
	decoders map[string]Decoder
	protoIDs map[string]FieldID
	links    map[layers.LinkType]string
	tables   map[string]map[uint32]string

	frame frameFields
}

// NewDecoderTable creates a table containing only the built-in frame and
// data protocols.
func NewDecoderTable() *DecoderTable {
	t := &DecoderTable{
		fields:   NewFieldRegistry(),
		decoders: make(map[string]Decoder),
		protoIDs: make(map[string]FieldID),
		links:    make(map[layers.LinkType]string),
		tables:   make(map[string]map[uint32]string),
	}
	t.frame = registerFrameFields(t.fields)
	t.protoIDs[protoFrame] = t.frame.proto
	t.protoIDs[protoData] = t.frame.data
	return t
}

// Fields returns the field registry decoders register into.
func (t *DecoderTable) Fields() *FieldRegistry { return t.fields }

// Add registers d. The decoder's protocol must already be registered in
// Fields as a protocol.
func (t *DecoderTable) Add(d Decoder) error {
	name := d.Protocol()
	id, ok := t.fields.Lookup(name)
	if !ok {
		return fmt.Errorf("decoder %q: protocol not registered", name)
	}
	if fi, _ := t.fields.Info(id); !fi.IsProtocol() {
		return fmt.Errorf("decoder %q: %q is a field, not a protocol", name, name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.decoders[name]; exists || name == protoFrame || name == protoData {
		return fmt.Errorf("decoder %q already registered", name)
	}
	t.decoders[name] = d
	t.protoIDs[name] = id
	return nil
}

// Get returns the decoder registered for proto.
func (t *DecoderTable) Get(proto string) (Decoder, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.decoders[proto]
	return d, ok
}

// SetLinkDecoder selects the entry decoder for a link-layer type.
func (t *DecoderTable) SetLinkDecoder(lt layers.LinkType, proto string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.links[lt] = proto
}

// ForLink returns the entry decoder for a link-layer type.
func (t *DecoderTable) ForLink(lt layers.LinkType) (Decoder, bool) {
	t.mu.RLock()
	name, ok := t.links[lt]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return t.Get(name)
}

// AddTableEntry routes key in the named dissector table to proto.
func (t *DecoderTable) AddTableEntry(table string, key uint32, proto string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.tables[table]
	if !ok {
		m = make(map[uint32]string)
		t.tables[table] = m
	}
	m[key] = proto
}

// Dispatch looks up key in the named dissector table.
func (t *DecoderTable) Dispatch(table string, key uint32) (Decoder, bool) {
	t.mu.RLock()
	name, ok := t.tables[table][key]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return t.Get(name)
}

// Protocols returns every registered decoder name, sorted.
func (t *DecoderTable) Protocols() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.decoders))
	for name := range t.decoders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (t *DecoderTable) protocolID(proto string) FieldID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.protoIDs[proto]
}

// Packet is the handle a decoder works through while its layer is decoded.
type Packet struct {
	// Info is shared by every decoder of the packet.
	Info *PacketInfo

	ctx   *Context
	proto string
	node  *TreeNode
	depth int
}

// Protocol returns the protocol currently decoding.
func (p *Packet) Protocol() string { return p.proto }

// Session returns the session the packet belongs to.
func (p *Packet) Session() *Session { return p.ctx.session }

// Tree returns the protocol's subtree, or nil when no tree is being built.
func (p *Packet) Tree() *TreeNode { return p.node }

// Add appends a field to the protocol's subtree.
func (p *Packet) Add(id FieldID, value any) *TreeNode {
	return p.node.Add(id, value)
}

// Wants reports whether an item for id would be kept. Decoders use it to
// skip producing details nobody will look at.
func (p *Packet) Wants(id FieldID) bool {
	return p.ctx.tree != nil && p.ctx.tree.keep(id)
}

// Tapping reports whether tap records published now will be delivered.
func (p *Packet) Tapping() bool { return p.ctx.tapping }

// Tap publishes record under the current protocol's tap name. Records are
// delivered to listeners after the whole packet has been dissected.
func (p *Packet) Tap(record any) {
	p.ctx.queueTap(p.proto, record)
}

// SetColumn sets a summary column if columns were requested.
func (p *Packet) SetColumn(col Column, text string) {
	p.Info.Columns.Set(col, text)
}

// Scope returns the allocation scope for kind.
func (p *Packet) Scope(kind memscope.Kind) *memscope.Scope {
	return p.Info.Scope(kind)
}

// Handoff passes data to the decoder registered for proto. It reports false
// when no such decoder exists.
func (p *Packet) Handoff(proto string, data []byte) bool {
	d, ok := p.ctx.decoders().Get(proto)
	if !ok {
		return false
	}
	p.ctx.callDecoder(d, data, p.depth+1)
	return true
}

// HandoffTable tries each key of the named dissector table in order and
// passes data to the first match. Unclaimed payloads go to the data decoder.
func (p *Packet) HandoffTable(table string, data []byte, keys ...uint32) bool {
	for _, k := range keys {
		if d, ok := p.ctx.decoders().Dispatch(table, k); ok {
			p.ctx.callDecoder(d, data, p.depth+1)
			return true
		}
	}
	p.HandoffData(data)
	return false
}

// HandoffData records data as an undecoded payload.
func (p *Packet) HandoffData(data []byte) {
	if len(data) == 0 {
		return
	}
	p.ctx.callDecoder(dataDecoder{fields: p.ctx.decoders().frame}, data, p.depth+1)
}

// ReportFault sends a fault about the current protocol to the session's sink.
func (p *Packet) ReportFault(severity Severity, format string, args ...any) {
	p.ctx.reportFault(DissectorFault{
		Protocol: p.proto,
		Frame:    p.Info.Frame.Number,
		Message:  fmt.Sprintf(format, args...),
		Severity: severity,
	})
}
