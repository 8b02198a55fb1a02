package epan

import (
	"fmt"

	"github.com/endorses/lippytap/internal/pkg/dfilter"
	"github.com/endorses/lippytap/internal/pkg/logger"
	"github.com/endorses/lippytap/internal/pkg/memscope"
)

// maxHandoffDepth bounds decoder recursion for a single packet.
const maxHandoffDepth = 32

type tapRecord struct {
	name   string
	record any
}

// Context holds everything about the dissection of one packet: the tree,
// the packet info and the per-packet scope. A context is reusable: Reset it
// between packets, Free it when done.
type Context struct {
	session       *Session
	wantTree      bool
	visible       bool
	fakeProtocols bool
	primed        map[FieldID]struct{}

	tree      *ProtoTree
	pinfo     PacketInfo
	scope     *memscope.Scope
	protoData *map[protoDataKey]any

	tapQueue []tapRecord
	tapping  bool
	ran      bool
	freed    bool
}

func newContext(s *Session, wantTree, visible bool) *Context {
	return &Context{
		session:       s,
		wantTree:      wantTree,
		visible:       visible,
		fakeProtocols: true,
		primed:        make(map[FieldID]struct{}),
		scope:         memscope.New(memscope.PacketScope, "packet"),
	}
}

// Session returns the owning session.
func (c *Context) Session() *Session { return c.session }

// Tree returns the protocol tree of the last Run, or nil if none was built.
func (c *Context) Tree() *ProtoTree { return c.tree }

// PacketInfo returns the packet info of the last Run.
func (c *Context) PacketInfo() *PacketInfo { return &c.pinfo }

// Visible reports whether trees are fully materialized.
func (c *Context) Visible() bool { return c.visible }

// SetFakeProtocols controls whether protocol items of an invisible tree are
// faked. It takes effect on the next Run.
func (c *Context) SetFakeProtocols(fake bool) { c.fakeProtocols = fake }

// PrimeWithField asks that id be materialized even when the tree is not
// visible. The field's protocol is primed with it.
func (c *Context) PrimeWithField(id FieldID) {
	fields := c.session.Fields()
	for id != 0 {
		if _, done := c.primed[id]; done {
			return
		}
		fi, ok := fields.Info(id)
		if !ok {
			return
		}
		c.primed[id] = struct{}{}
		id = fi.Parent
	}
}

// PrimeWithFields primes every id.
func (c *Context) PrimeWithFields(ids []FieldID) {
	for _, id := range ids {
		c.PrimeWithField(id)
	}
}

// PrimeWithFilter primes every field f references. Unknown names are
// ignored; a nil filter primes nothing.
func (c *Context) PrimeWithFilter(f *dfilter.Filter) {
	fields := c.session.Fields()
	for _, name := range f.Fields() {
		if id, ok := fields.Lookup(name); ok {
			c.PrimeWithField(id)
		}
	}
}

// Primed reports whether id was primed.
func (c *Context) Primed(id FieldID) bool {
	_, ok := c.primed[id]
	return ok
}

// Run dissects one record. Columns are filled when cols is non-nil; tap
// records are delivered after dissection when withTaps is set and the
// session has a tap sink.
//
// A panic raised by the fault sink with *AbortError stops the pass and is
// returned as the error.
func (c *Context) Run(rec Record, frame FrameData, cols *Columns, withTaps bool) (err error) {
	if c.freed {
		return ErrContextFreed
	}
	if c.session.closed {
		return ErrSessionClosed
	}
	if c.ran {
		return ErrAlreadyRun
	}
	c.ran = true

	taps := c.session.cfg.Taps
	if !withTaps {
		taps = nil
	}
	if taps != nil {
		taps.PrimeContext(c)
		if cols == nil && taps.NeedsColumns() {
			cols = &Columns{}
		}
	}

	if c.wantTree || len(c.primed) > 0 || (taps != nil && taps.NeedsTree()) {
		c.tree = newProtoTree(c.session.Fields(), c.visible, c.fakeProtocols, c.primed)
	}

	if frame.CapLen == 0 {
		frame.CapLen = uint32(len(rec.Data))
	}
	if frame.Length == 0 {
		frame.Length = frame.CapLen
	}
	c.pinfo = PacketInfo{
		Frame:   frame,
		Columns: cols,
		Visited: c.session.Visited(frame.Number),
		ctx:     c,
	}

	defer func() {
		if r := recover(); r != nil {
			ae, ok := r.(*AbortError)
			if !ok {
				panic(r)
			}
			c.tapQueue = nil
			c.tapping = false
			err = ae
		}
	}()

	c.tapping = taps != nil
	c.callDecoder(frameDecoder{fields: c.decoders().frame}, rec.Data, 0)
	c.session.visited[frame.Number] = struct{}{}

	if taps != nil {
		queue := c.tapQueue
		c.tapQueue = nil
		for _, tr := range queue {
			taps.Emit(tr.name, &c.pinfo, c, tr.record)
		}
	}
	c.tapping = false
	return nil
}

// ContainsField reports whether the tree of the last Run holds abbrev.
func (c *Context) ContainsField(abbrev string) bool {
	id, ok := c.session.Fields().Lookup(abbrev)
	return ok && c.tree.Contains(id)
}

// FieldValues implements dfilter.FieldView over the tree of the last Run.
func (c *Context) FieldValues(abbrev string) ([]any, bool) {
	return c.tree.FieldValues(abbrev)
}

// Reset prepares the context for the next packet. Primed fields are cleared.
func (c *Context) Reset() {
	c.Cleanup()
	c.primed = make(map[FieldID]struct{})
	c.ran = false
}

// Cleanup releases the results of the last Run: the tree, packet info,
// packet-scope data and any undelivered tap records.
func (c *Context) Cleanup() {
	if c.freed {
		return
	}
	c.scope.Free()
	c.tree = nil
	c.pinfo = PacketInfo{}
	c.tapQueue = nil
	c.tapping = false
}

// Free releases the context. Freeing twice is a no-op.
func (c *Context) Free() {
	if c.freed {
		return
	}
	c.Cleanup()
	c.scope.Destroy()
	c.freed = true
	c.session.liveContexts--
}

// Freed reports whether Free was called.
func (c *Context) Freed() bool { return c.freed }

func (c *Context) decoders() *DecoderTable { return c.session.decoders }

// packetData returns the packet-scope proto data map, allocating it from the
// packet scope on first use when create is set. It is nil until then.
func (c *Context) packetData(create bool) map[protoDataKey]any {
	if c.protoData == nil {
		if !create {
			return nil
		}
		c.protoData = memscope.Alloc[map[protoDataKey]any](c.scope)
		*c.protoData = make(map[protoDataKey]any)
		c.scope.OnFree(func() { c.protoData = nil })
	}
	return *c.protoData
}

func (c *Context) queueTap(name string, record any) {
	if !c.tapping {
		return
	}
	c.tapQueue = append(c.tapQueue, tapRecord{name: name, record: record})
}

func (c *Context) callDecoder(d Decoder, data []byte, depth int) {
	proto := d.Protocol()
	if depth > maxHandoffDepth {
		c.reportFault(DissectorFault{
			Protocol: proto,
			Frame:    c.pinfo.Frame.Number,
			Message:  fmt.Sprintf("handoff depth %d exceeded", maxHandoffDepth),
			Severity: SeverityBug,
		})
		return
	}

	c.pinfo.Layers = append(c.pinfo.Layers, proto)
	p := &Packet{
		Info:  &c.pinfo,
		ctx:   c,
		proto: proto,
		depth: depth,
	}
	p.node = c.tree.Root().Add(c.decoders().protocolID(proto), nil)

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if ae, ok := r.(*AbortError); ok {
			panic(ae)
		}
		c.reportFault(DissectorFault{
			Protocol: proto,
			Frame:    c.pinfo.Frame.Number,
			Message:  fmt.Sprintf("panic: %v", r),
			Severity: SeverityBug,
		})
	}()

	if err := d.Decode(p, data); err != nil {
		c.pinfo.Malformed = true
		p.node.Add(c.decoders().frame.malformed, err.Error())
		logger.Debug("Malformed packet",
			"protocol", proto,
			"frame", c.pinfo.Frame.Number,
			"error", err)
	}
}

func (c *Context) reportFault(f DissectorFault) {
	c.pinfo.Faulted = true
	c.session.cfg.FaultSink.Report(f)
}
