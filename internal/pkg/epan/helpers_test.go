package epan

import (
	"errors"

	"github.com/endorses/lippytap/internal/pkg/nstime"
	"github.com/google/gopacket/layers"
)

// testProto is a toy link-layer protocol: byte 0 is a kind, the rest is the
// payload. Kind 0xff is malformed, 0xfe panics, 0xfd loops back into itself.
type testProto struct {
	proto  FieldID
	kind   FieldID
	detail FieldID

	taps    int
	decodes int
}

func (d *testProto) Protocol() string { return "test" }

func (d *testProto) Decode(p *Packet, data []byte) error {
	d.decodes++
	if len(data) == 0 {
		return errors.New("empty test header")
	}
	kind := data[0]
	switch kind {
	case 0xff:
		return errors.New("bad kind")
	case 0xfe:
		var m map[string]int
		m["boom"] = 1
	case 0xfd:
		p.Handoff("test", data)
		return nil
	}

	p.Add(d.kind, uint64(kind))
	if p.Wants(d.detail) {
		p.Add(d.detail, "detail")
	}
	p.SetColumn(ColProtocol, "TEST")
	p.Tap(kind)
	d.taps++
	p.HandoffData(data[1:])
	return nil
}

func newTestTable() (*DecoderTable, *testProto) {
	table := NewDecoderTable()
	r := table.Fields()
	d := &testProto{}
	d.proto = r.MustRegisterProtocol("test", "Test Protocol")
	d.kind = r.MustRegisterField(d.proto, "test.kind", "Kind", FieldUint)
	d.detail = r.MustRegisterField(d.proto, "test.detail", "Detail", FieldString)
	if err := table.Add(d); err != nil {
		panic(err)
	}
	table.SetLinkDecoder(layers.LinkTypeEthernet, "test")
	return table, d
}

func testFrame(n uint32, secs int64) FrameData {
	return FrameData{
		Number:    n,
		Timestamp: nstime.New(secs, 0),
		LinkType:  layers.LinkTypeEthernet,
	}
}

type recordingSink struct {
	faults []DissectorFault
}

func (s *recordingSink) Report(f DissectorFault) { s.faults = append(s.faults, f) }

type emitted struct {
	name   string
	record any
}

type recordingTaps struct {
	tree     bool
	columns  bool
	prime    []FieldID
	emitted  []emitted
	sawTree  []bool
	sawCols  []bool
	sawLayer []string
}

func (r *recordingTaps) PrimeContext(c *Context) { c.PrimeWithFields(r.prime) }
func (r *recordingTaps) NeedsTree() bool         { return r.tree }
func (r *recordingTaps) NeedsColumns() bool      { return r.columns }

func (r *recordingTaps) Emit(name string, pinfo *PacketInfo, c *Context, record any) int {
	r.emitted = append(r.emitted, emitted{name: name, record: record})
	r.sawTree = append(r.sawTree, c.Tree() != nil)
	r.sawCols = append(r.sawCols, pinfo.Columns != nil)
	if len(pinfo.Layers) > 0 {
		r.sawLayer = append(r.sawLayer, pinfo.Layers[len(pinfo.Layers)-1])
	}
	return 1
}
