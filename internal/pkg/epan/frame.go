package epan

import (
	"strings"

	"github.com/endorses/lippytap/internal/pkg/nstime"
)

const (
	protoFrame     = "frame"
	protoData      = "data"
	protoMalformed = "_ws.malformed"
)

// frameFields holds the IDs of the built-in protocols every table carries.
type frameFields struct {
	proto        FieldID
	number       FieldID
	length       FieldID
	capLen       FieldID
	time         FieldID
	timeRelative FieldID
	timeDelta    FieldID
	ifaceID      FieldID
	ifaceName    FieldID
	ifaceDesc    FieldID
	protocols    FieldID

	data    FieldID
	dataLen FieldID
	payload FieldID

	malformed FieldID
}

func registerFrameFields(r *FieldRegistry) frameFields {
	var f frameFields
	f.proto = r.MustRegisterProtocol(protoFrame, "Frame")
	f.number = r.MustRegisterField(f.proto, "frame.number", "Frame Number", FieldUint)
	f.length = r.MustRegisterField(f.proto, "frame.len", "Frame Length", FieldUint)
	f.capLen = r.MustRegisterField(f.proto, "frame.cap_len", "Capture Length", FieldUint)
	f.time = r.MustRegisterField(f.proto, "frame.time", "Arrival Time", FieldTime)
	f.timeRelative = r.MustRegisterField(f.proto, "frame.time_relative", "Time since first frame", FieldTime)
	f.timeDelta = r.MustRegisterField(f.proto, "frame.time_delta", "Time delta from previous captured frame", FieldTime)
	f.ifaceID = r.MustRegisterField(f.proto, "frame.interface_id", "Interface id", FieldUint)
	f.ifaceName = r.MustRegisterField(f.proto, "frame.interface_name", "Interface name", FieldString)
	f.ifaceDesc = r.MustRegisterField(f.proto, "frame.interface_description", "Interface description", FieldString)
	f.protocols = r.MustRegisterField(f.proto, "frame.protocols", "Protocols in frame", FieldString)

	f.data = r.MustRegisterProtocol(protoData, "Data")
	f.dataLen = r.MustRegisterField(f.data, "data.len", "Length", FieldUint)
	f.payload = r.MustRegisterField(f.data, "data.data", "Data", FieldBytes)

	f.malformed = r.MustRegisterProtocol(protoMalformed, "Malformed Packet")
	return f
}

// frameDecoder is the entry point of every dissection. It describes the
// record itself and hands the bytes to the link-layer decoder.
type frameDecoder struct {
	fields frameFields
}

func (frameDecoder) Protocol() string { return protoFrame }

func (d frameDecoder) Decode(p *Packet, data []byte) error {
	f := d.fields
	fd := p.Info.Frame
	s := p.Session()

	p.Add(f.number, uint64(fd.Number))
	p.Add(f.length, uint64(fd.Length))
	p.Add(f.capLen, uint64(fd.CapLen))
	p.Add(f.time, fd.Timestamp.Time())
	if p.Wants(f.timeRelative) {
		if rel, ok := p.Info.RelativeTime(); ok {
			p.Add(f.timeRelative, rel.Duration())
		}
	}
	if p.Wants(f.timeDelta) && fd.Number > 1 {
		if prev, ok := s.FrameTimestamp(fd.Number - 1); ok {
			p.Add(f.timeDelta, nstime.Delta(fd.Timestamp, prev).Duration())
		}
	}

	p.Add(f.ifaceID, uint64(fd.InterfaceID))
	if p.Wants(f.ifaceName) {
		if name, ok := s.InterfaceName(fd.InterfaceID, fd.Section); ok {
			p.Add(f.ifaceName, name)
		}
	}
	if p.Wants(f.ifaceDesc) {
		if desc, ok := s.InterfaceDescription(fd.InterfaceID, fd.Section); ok {
			p.Add(f.ifaceDesc, desc)
		}
	}

	// Delivery waits for the end of dissection, so listeners still see every layer.
	p.Tap(fd)

	if next, ok := s.Decoders().ForLink(fd.LinkType); ok {
		p.ctx.callDecoder(next, data, p.depth+1)
	} else {
		p.HandoffData(data)
	}

	if p.Wants(f.protocols) {
		p.Add(f.protocols, strings.Join(p.Info.Layers, ":"))
	}
	return nil
}

// dataDecoder records payload bytes no other decoder claimed.
type dataDecoder struct {
	fields frameFields
}

func (dataDecoder) Protocol() string { return protoData }

func (d dataDecoder) Decode(p *Packet, data []byte) error {
	p.Add(d.fields.dataLen, uint64(len(data)))
	if p.Wants(d.fields.payload) {
		b := make([]byte, len(data))
		copy(b, data)
		p.Add(d.fields.payload, b)
	}
	return nil
}
