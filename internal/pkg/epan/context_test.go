package epan

import (
	"bytes"
	"errors"
	"testing"

	"github.com/endorses/lippytap/internal/pkg/dfilter"
	"github.com/endorses/lippytap/internal/pkg/memscope"
	"github.com/endorses/lippytap/internal/pkg/nstime"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, cfg Config) (*Session, *testProto) {
	t.Helper()
	table, d := newTestTable()
	cfg.Decoders = table
	if cfg.FaultSink == nil {
		cfg.FaultSink = &recordingSink{}
	}
	s := NewSession(cfg, ProviderFuncs{
		StartTimestamp: func() (nstime.Time, bool) { return nstime.New(100, 0), true },
		FrameTimestamp: func(n uint32) (nstime.Time, bool) { return nstime.New(100+int64(n)-1, 0), true },
		InterfaceName: func(id, section uint32) (string, bool) {
			return "eth0", id == 0
		},
	})
	t.Cleanup(s.Close)
	return s, d
}

func TestContext_RunVisibleTree(t *testing.T) {
	s, _ := newTestSession(t, Config{})
	c, err := s.NewContext(true, true)
	require.NoError(t, err)
	defer c.Free()

	require.NoError(t, c.Run(Record{Data: []byte{0x01, 0xaa, 0xbb}}, testFrame(1, 100), nil, false))

	assert.True(t, c.ContainsField("frame"))
	assert.True(t, c.ContainsField("frame.number"))
	assert.True(t, c.ContainsField("test"))
	assert.True(t, c.ContainsField("test.kind"))
	assert.True(t, c.ContainsField("test.detail"))
	assert.True(t, c.ContainsField("data.len"))
	assert.True(t, c.ContainsField("frame.interface_name"))
	assert.False(t, c.ContainsField("nonexistent.field"))

	values, ok := c.FieldValues("frame.protocols")
	require.True(t, ok)
	assert.Equal(t, []any{"frame:test:data"}, values)

	values, ok = c.FieldValues("test.kind")
	require.True(t, ok)
	assert.Equal(t, []any{uint64(1)}, values)

	assert.Equal(t, []string{"frame", "test", "data"}, c.PacketInfo().Layers)
	assert.Equal(t, uint32(3), c.PacketInfo().Frame.CapLen)

	var buf bytes.Buffer
	require.NoError(t, c.Tree().Format(&buf))
	assert.Contains(t, buf.String(), "test.kind: 1")
}

func TestContext_NoTreeWithoutRequest(t *testing.T) {
	s, d := newTestSession(t, Config{})
	c, err := s.NewContext(false, false)
	require.NoError(t, err)
	defer c.Free()

	require.NoError(t, c.Run(Record{Data: []byte{0x01}}, testFrame(1, 100), nil, false))
	assert.Nil(t, c.Tree())
	assert.False(t, c.ContainsField("test.kind"))
	assert.Equal(t, 1, d.decodes)
	assert.Equal(t, []string{"frame", "test"}, c.PacketInfo().Layers)
}

func TestContext_PrimedFieldsInInvisibleTree(t *testing.T) {
	s, _ := newTestSession(t, Config{})
	c, err := s.NewContext(true, false)
	require.NoError(t, err)
	defer c.Free()

	id, ok := s.Fields().Lookup("test.detail")
	require.True(t, ok)
	c.PrimeWithField(id)

	proto, _ := s.Fields().Lookup("test")
	assert.True(t, c.Primed(proto), "priming a field primes its protocol")

	require.NoError(t, c.Run(Record{Data: []byte{0x02}}, testFrame(1, 100), nil, false))
	assert.True(t, c.ContainsField("test.detail"))
	assert.True(t, c.ContainsField("test"))
	assert.False(t, c.ContainsField("test.kind"), "unprimed field is faked")
	assert.False(t, c.ContainsField("frame.number"))
}

func TestContext_PrimeAfterRunHasNoEffect(t *testing.T) {
	s, _ := newTestSession(t, Config{})
	c, err := s.NewContext(true, false)
	require.NoError(t, err)
	defer c.Free()

	require.NoError(t, c.Run(Record{Data: []byte{0x02}}, testFrame(1, 100), nil, false))
	id, _ := s.Fields().Lookup("test.detail")
	c.PrimeWithField(id)
	assert.False(t, c.ContainsField("test.detail"))

	c.Reset()
	c.PrimeWithField(id)
	require.NoError(t, c.Run(Record{Data: []byte{0x02}}, testFrame(1, 100), nil, false))
	assert.True(t, c.ContainsField("test.detail"))
}

func TestContext_PrimeWithFilter(t *testing.T) {
	s, _ := newTestSession(t, Config{})
	c, err := s.NewContext(false, false)
	require.NoError(t, err)
	defer c.Free()

	f := dfilter.MustCompile("test.kind == 7 and not data")
	c.PrimeWithFilter(f)
	c.PrimeWithFilter(nil)

	require.NoError(t, c.Run(Record{Data: []byte{0x07}}, testFrame(1, 100), nil, false))
	require.NotNil(t, c.Tree(), "primed fields force a tree")
	assert.True(t, f.Match(c))

	c.Reset()
	c.PrimeWithFilter(f)
	require.NoError(t, c.Run(Record{Data: []byte{0x07, 0x01}}, testFrame(2, 101), nil, false))
	assert.False(t, f.Match(c), "payload makes data present")
}

func TestContext_FakeProtocolsDisabled(t *testing.T) {
	s, _ := newTestSession(t, Config{})
	c, err := s.NewContext(true, false)
	require.NoError(t, err)
	defer c.Free()

	c.SetFakeProtocols(false)
	require.NoError(t, c.Run(Record{Data: []byte{0x01}}, testFrame(1, 100), nil, false))
	assert.True(t, c.ContainsField("frame"))
	assert.True(t, c.ContainsField("test"))
	assert.False(t, c.ContainsField("test.kind"))
}

func TestContext_AlwaysVisible(t *testing.T) {
	s, _ := newTestSession(t, Config{AlwaysVisible: true})
	c, err := s.NewContext(true, false)
	require.NoError(t, err)
	defer c.Free()

	assert.True(t, c.Visible())
	require.NoError(t, c.Run(Record{Data: []byte{0x01}}, testFrame(1, 100), nil, false))
	assert.True(t, c.ContainsField("test.detail"))
}

func TestContext_Lifecycle(t *testing.T) {
	s, _ := newTestSession(t, Config{})
	c, err := s.NewContext(true, true)
	require.NoError(t, err)
	assert.Equal(t, 1, s.LiveContexts())

	rec := Record{Data: []byte{0x01}}
	require.NoError(t, c.Run(rec, testFrame(1, 100), nil, false))
	assert.ErrorIs(t, c.Run(rec, testFrame(2, 101), nil, false), ErrAlreadyRun)

	c.Reset()
	c.Reset()
	assert.Nil(t, c.Tree())
	assert.Empty(t, c.PacketInfo().Layers)
	require.NoError(t, c.Run(rec, testFrame(2, 101), nil, false))

	c.Free()
	c.Free()
	assert.True(t, c.Freed())
	assert.Equal(t, 0, s.LiveContexts())
	assert.ErrorIs(t, c.Run(rec, testFrame(3, 102), nil, false), ErrContextFreed)
}

func TestContext_ResetBeforeRunMatchesFreshContext(t *testing.T) {
	s, _ := newTestSession(t, Config{})
	c, err := s.NewContext(true, false)
	require.NoError(t, err)
	defer c.Free()

	detail, ok := s.Fields().Lookup("test.detail")
	require.True(t, ok)
	proto, _ := s.Fields().Lookup("test")
	c.PrimeWithField(detail)
	require.True(t, c.Primed(detail))

	c.Reset()
	assert.False(t, c.Primed(detail))
	assert.False(t, c.Primed(proto))
	assert.Nil(t, c.Tree())
	assert.False(t, c.Visible())
	assert.Empty(t, c.PacketInfo().Layers)

	fresh, err := s.NewContext(true, false)
	require.NoError(t, err)
	defer fresh.Free()

	rec := Record{Data: []byte{0x02}}
	require.NoError(t, c.Run(rec, testFrame(1, 100), nil, false))
	require.NoError(t, fresh.Run(rec, testFrame(1, 100), nil, false))

	var got, want bytes.Buffer
	require.NoError(t, c.Tree().Format(&got))
	require.NoError(t, fresh.Tree().Format(&want))
	assert.Equal(t, want.String(), got.String())
	assert.False(t, c.ContainsField("test.detail"), "priming did not survive Reset")
	assert.Equal(t, fresh.PacketInfo().Layers, c.PacketInfo().Layers)
}

func TestContext_RunAfterSessionClose(t *testing.T) {
	table, _ := newTestTable()
	s := NewSession(Config{Decoders: table}, ProviderFuncs{})
	c, err := s.NewContext(false, false)
	require.NoError(t, err)

	s.Close()
	s.Close()
	assert.True(t, s.Closed())
	assert.ErrorIs(t, c.Run(Record{Data: []byte{1}}, testFrame(1, 0), nil, false), ErrSessionClosed)
	c.Free()

	_, err = s.NewContext(false, false)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestContext_Malformed(t *testing.T) {
	s, _ := newTestSession(t, Config{})
	c, err := s.NewContext(true, true)
	require.NoError(t, err)
	defer c.Free()

	require.NoError(t, c.Run(Record{Data: []byte{0xff}}, testFrame(1, 100), nil, false))
	assert.True(t, c.PacketInfo().Malformed)
	assert.False(t, c.PacketInfo().Faulted)
	values, ok := c.FieldValues("_ws.malformed")
	require.True(t, ok)
	assert.Equal(t, []any{"bad kind"}, values)
}

func TestContext_PanicBecomesFault(t *testing.T) {
	sink := &recordingSink{}
	s, _ := newTestSession(t, Config{FaultSink: sink})
	c, err := s.NewContext(true, true)
	require.NoError(t, err)
	defer c.Free()

	require.NoError(t, c.Run(Record{Data: []byte{0xfe}}, testFrame(4, 100), nil, false))
	require.Len(t, sink.faults, 1)
	assert.Equal(t, "test", sink.faults[0].Protocol)
	assert.Equal(t, uint32(4), sink.faults[0].Frame)
	assert.Equal(t, SeverityBug, sink.faults[0].Severity)
	assert.Contains(t, sink.faults[0].Message, "panic")
	assert.True(t, c.PacketInfo().Faulted)
	assert.True(t, c.ContainsField("frame.protocols"), "frame decoder finishes after a nested fault")
}

func TestContext_HandoffDepthLimited(t *testing.T) {
	sink := &recordingSink{}
	s, _ := newTestSession(t, Config{FaultSink: sink})
	c, err := s.NewContext(false, false)
	require.NoError(t, err)
	defer c.Free()

	require.NoError(t, c.Run(Record{Data: []byte{0xfd}}, testFrame(1, 100), nil, false))
	require.Len(t, sink.faults, 1)
	assert.Contains(t, sink.faults[0].Message, "depth")
	assert.Len(t, c.PacketInfo().Layers, maxHandoffDepth+1)
}

func TestContext_AbortOnFault(t *testing.T) {
	s, _ := newTestSession(t, Config{FaultSink: AbortOnFaultSink{MinSeverity: SeverityBug}})
	c, err := s.NewContext(false, false)
	require.NoError(t, err)
	defer c.Free()

	err = c.Run(Record{Data: []byte{0xfe}}, testFrame(1, 100), nil, false)
	var ae *AbortError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "test", ae.Fault.Protocol)
}

func TestContext_AbortOnFaultPassesWarnings(t *testing.T) {
	next := &recordingSink{}
	sink := AbortOnFaultSink{MinSeverity: SeverityBug, Next: next}
	assert.NotPanics(t, func() {
		sink.Report(DissectorFault{Protocol: "x", Severity: SeverityWarning})
	})
	assert.Len(t, next.faults, 1)
	assert.Panics(t, func() {
		sink.Report(DissectorFault{Protocol: "x", Severity: SeverityBug})
	})
}

func TestContext_Columns(t *testing.T) {
	s, _ := newTestSession(t, Config{})
	c, err := s.NewContext(false, false)
	require.NoError(t, err)
	defer c.Free()

	cols := &Columns{}
	require.NoError(t, c.Run(Record{Data: []byte{0x01}}, testFrame(1, 100), cols, false))
	assert.Equal(t, "TEST", cols.Get(ColProtocol))

	cols.Append(ColInfo, "a")
	cols.Append(ColInfo, "b")
	assert.Equal(t, "a b", cols.Get(ColInfo))
	cols.Clear()
	assert.Equal(t, "", cols.Get(ColInfo))

	var nilCols *Columns
	nilCols.Set(ColInfo, "x")
	assert.Equal(t, "", nilCols.Get(ColInfo))
}

func TestContext_TapsQueuedUntilDissectionEnds(t *testing.T) {
	taps := &recordingTaps{}
	s, _ := newTestSession(t, Config{Taps: taps})
	c, err := s.NewContext(false, false)
	require.NoError(t, err)
	defer c.Free()

	require.NoError(t, c.Run(Record{Data: []byte{0x05, 0x01}}, testFrame(1, 100), nil, true))
	require.Len(t, taps.emitted, 2)
	assert.Equal(t, "frame", taps.emitted[0].name, "outermost protocol first")
	assert.Equal(t, "test", taps.emitted[1].name)
	assert.Equal(t, byte(0x05), taps.emitted[1].record)
	assert.Equal(t, []string{"data", "data"}, taps.sawLayer, "listeners run after the last layer")
	assert.Equal(t, []bool{false, false}, taps.sawTree)
}

func TestContext_TapsDisabled(t *testing.T) {
	taps := &recordingTaps{}
	s, d := newTestSession(t, Config{Taps: taps})
	c, err := s.NewContext(false, false)
	require.NoError(t, err)
	defer c.Free()

	require.NoError(t, c.Run(Record{Data: []byte{0x05}}, testFrame(1, 100), nil, false))
	assert.Empty(t, taps.emitted)
	assert.Equal(t, 1, d.taps)
}

func TestContext_TapRequirements(t *testing.T) {
	taps := &recordingTaps{tree: true, columns: true}
	s, _ := newTestSession(t, Config{Taps: taps})
	kind, _ := s.Fields().Lookup("test.kind")
	taps.prime = []FieldID{kind}

	c, err := s.NewContext(false, false)
	require.NoError(t, err)
	defer c.Free()

	require.NoError(t, c.Run(Record{Data: []byte{0x05}}, testFrame(1, 100), nil, true))
	require.NotEmpty(t, taps.emitted)
	assert.True(t, taps.sawTree[0])
	assert.True(t, taps.sawCols[0])
	assert.True(t, c.ContainsField("test.kind"))
}

func TestContext_VisitedOnSecondPass(t *testing.T) {
	s, _ := newTestSession(t, Config{})
	c, err := s.NewContext(false, false)
	require.NoError(t, err)
	defer c.Free()

	rec := Record{Data: []byte{0x01}}
	require.NoError(t, c.Run(rec, testFrame(1, 100), nil, false))
	assert.False(t, c.PacketInfo().Visited)

	c.Reset()
	require.NoError(t, c.Run(rec, testFrame(1, 100), nil, false))
	assert.True(t, c.PacketInfo().Visited)
	assert.True(t, s.Visited(1))
	assert.False(t, s.Visited(2))
}

func TestContext_FrameTiming(t *testing.T) {
	s, _ := newTestSession(t, Config{})
	c, err := s.NewContext(true, true)
	require.NoError(t, err)
	defer c.Free()

	require.NoError(t, c.Run(Record{Data: []byte{0x01}}, testFrame(3, 102), nil, false))
	rel, ok := c.PacketInfo().RelativeTime()
	require.True(t, ok)
	assert.Equal(t, nstime.New(2, 0), rel)

	values, ok := c.FieldValues("frame.time_delta")
	require.True(t, ok)
	require.Len(t, values, 1)
	assert.Equal(t, nstime.New(1, 0).Duration(), values[0])
}

func TestContext_ProtoDataScopes(t *testing.T) {
	s, _ := newTestSession(t, Config{})
	c, err := s.NewContext(false, false)
	require.NoError(t, err)
	defer c.Free()

	require.NoError(t, c.Run(Record{Data: []byte{0x01}}, testFrame(1, 100), nil, false))
	pi := c.PacketInfo()
	pi.AddProtoData(memscope.PacketScope, "test", 0, "packet")
	pi.AddProtoData(memscope.SessionScope, "test", 0, "session")

	v, ok := pi.GetProtoData(memscope.PacketScope, "test", 0)
	require.True(t, ok)
	assert.Equal(t, "packet", v)
	assert.Equal(t, 1, c.scope.Len(), "packet data is allocated from the packet scope")

	c.Reset()
	assert.Zero(t, c.scope.Len())
	require.NoError(t, c.Run(Record{Data: []byte{0x01}}, testFrame(1, 100), nil, false))
	pi = c.PacketInfo()
	_, ok = pi.GetProtoData(memscope.PacketScope, "test", 0)
	assert.False(t, ok, "packet data is released by Reset")
	v, ok = pi.GetProtoData(memscope.SessionScope, "test", 0)
	require.True(t, ok)
	assert.Equal(t, "session", v)

	pi.RemoveProtoData(memscope.SessionScope, "test", 0)
	_, ok = pi.GetProtoData(memscope.SessionScope, "test", 0)
	assert.False(t, ok)

	assert.Same(t, s.Scope(), pi.Scope(memscope.SessionScope))
	assert.NotSame(t, s.Scope(), pi.Scope(memscope.PacketScope))
}

func TestContext_PacketScopeFreedOnReset(t *testing.T) {
	s, _ := newTestSession(t, Config{})
	c, err := s.NewContext(false, false)
	require.NoError(t, err)
	defer c.Free()

	require.NoError(t, c.Run(Record{Data: []byte{0x01}}, testFrame(1, 100), nil, false))
	scope := c.PacketInfo().Scope(memscope.PacketScope)
	v := memscope.Alloc[int](scope)
	*v = 42
	gen := scope.Generation()

	c.Reset()
	assert.Equal(t, 0, *v)
	assert.Equal(t, gen+1, scope.Generation())
}

func TestSession_ProviderUnavailable(t *testing.T) {
	s := NewSession(Config{}, ProviderFuncs{})
	defer s.Close()

	_, ok := s.StartTimestamp()
	assert.False(t, ok)
	_, ok = s.EndTimestamp()
	assert.False(t, ok)
	_, ok = s.FrameTimestamp(1)
	assert.False(t, ok)
	_, ok = s.InterfaceName(0, 0)
	assert.False(t, ok)
	_, ok = s.InterfaceDescription(0, 0)
	assert.False(t, ok)
	_, ok = s.ProcessID(0, 0)
	assert.False(t, ok)
	_, ok = s.ProcessName(0, 0)
	assert.False(t, ok)
	_, ok = s.ProcessUUID(0, 0)
	assert.False(t, ok)
	assert.NotEqual(t, s.ID().String(), NewSession(Config{}, ProviderFuncs{}).ID().String())

	c, err := s.NewContext(true, true)
	require.NoError(t, err)
	defer c.Free()
	frame := testFrame(2, 0)
	frame.LinkType = layers.LinkTypeNull
	require.NoError(t, c.Run(Record{Data: []byte{1, 2}}, frame, nil, false))
	assert.False(t, c.ContainsField("frame.time_relative"))
	assert.False(t, c.ContainsField("frame.interface_name"))
	assert.True(t, c.ContainsField("data"), "unknown link type falls back to data")
}

func TestSession_CompileFilter(t *testing.T) {
	tests := []struct {
		name    string
		strict  bool
		expr    string
		wantErr error
	}{
		{"known field", true, "frame.number > 1", nil},
		{"unknown field lenient", false, "bogus.field == 1", nil},
		{"unknown field strict", true, "bogus.field == 1", dfilter.ErrUnknownField},
		{"syntax", false, "frame.number ==", dfilter.ErrSyntax},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession(Config{StrictFields: tt.strict}, ProviderFuncs{})
			defer s.Close()

			f, err := s.CompileFilter(tt.expr)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expr, f.String())
		})
	}
}

func TestDecoderTable(t *testing.T) {
	table, d := newTestTable()

	assert.Error(t, table.Add(d), "duplicate decoder")
	assert.Error(t, table.Add(DecoderFunc{Name: "unregistered"}))
	assert.Error(t, table.Add(DecoderFunc{Name: "test.kind"}), "field is not a protocol")
	assert.Equal(t, []string{"test"}, table.Protocols())

	table.AddTableEntry("test.port", 53, "test")
	got, ok := table.Dispatch("test.port", 53)
	require.True(t, ok)
	assert.Equal(t, "test", got.Protocol())
	_, ok = table.Dispatch("test.port", 54)
	assert.False(t, ok)
	_, ok = table.Dispatch("missing", 53)
	assert.False(t, ok)

	_, ok = table.ForLink(layers.LinkTypeEthernet)
	assert.True(t, ok)
	_, ok = table.ForLink(layers.LinkTypeRaw)
	assert.False(t, ok)
}
