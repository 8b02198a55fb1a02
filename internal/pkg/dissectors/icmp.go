package dissectors

import (
	"fmt"

	"github.com/endorses/lippytap/internal/pkg/epan"
	"github.com/endorses/lippytap/internal/pkg/memscope"
	"github.com/endorses/lippytap/internal/pkg/nstime"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const protoICMP = "icmp"

// ICMPRecord is published on the "icmp" tap once per ICMP message.
type ICMPRecord struct {
	Type uint8
	Code uint8
	ID   uint16
	Seq  uint16

	// For echo messages: the matched request of a reply, or, on revisits,
	// the reply of a request. Zero frames mean no match.
	RequestFrame  uint32
	RequestTime   nstime.Time
	ResponseFrame uint32
	// ResponseTime is the reply delay, set on matched replies.
	ResponseTime nstime.Time
}

// IsEchoRequest reports whether r is an echo request.
func (r *ICMPRecord) IsEchoRequest() bool { return r.Type == layers.ICMPv4TypeEchoRequest }

// IsEchoReply reports whether r is an echo reply.
func (r *ICMPRecord) IsEchoReply() bool { return r.Type == layers.ICMPv4TypeEchoReply }

type icmpTransaction struct {
	reqFrame  uint32
	reqTime   nstime.Time
	respFrame uint32
}

type icmpConversation struct {
	pending map[uint32]*icmpTransaction
}

type icmpv4 struct {
	typ, code, checksum, ident, seq, respIn, respTo, respTime epan.FieldID
}

func newICMPv4(r *epan.FieldRegistry) epan.Decoder {
	p := r.MustRegisterProtocol(protoICMP, "Internet Control Message Protocol")
	return &icmpv4{
		typ:      r.MustRegisterField(p, "icmp.type", "Type", epan.FieldUint),
		code:     r.MustRegisterField(p, "icmp.code", "Code", epan.FieldUint),
		checksum: r.MustRegisterField(p, "icmp.checksum", "Checksum", epan.FieldUint),
		ident:    r.MustRegisterField(p, "icmp.ident", "Identifier", epan.FieldUint),
		seq:      r.MustRegisterField(p, "icmp.seq", "Sequence Number", epan.FieldUint),
		respIn:   r.MustRegisterField(p, "icmp.resp_in", "Response frame", epan.FieldUint),
		respTo:   r.MustRegisterField(p, "icmp.resp_to", "Request frame", epan.FieldUint),
		respTime: r.MustRegisterField(p, "icmp.resptime", "Response time", epan.FieldTime),
	}
}

func (*icmpv4) Protocol() string { return protoICMP }

func (d *icmpv4) Decode(p *epan.Packet, data []byte) error {
	var msg layers.ICMPv4
	if err := msg.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("icmp: %w", err)
	}

	typ, code := msg.TypeCode.Type(), msg.TypeCode.Code()
	p.Add(d.typ, uint64(typ))
	p.Add(d.code, uint64(code))
	if p.Wants(d.checksum) {
		p.Add(d.checksum, uint64(msg.Checksum))
	}

	rec := &ICMPRecord{Type: typ, Code: code}
	echo := typ == layers.ICMPv4TypeEchoRequest || typ == layers.ICMPv4TypeEchoReply
	if echo {
		rec.ID, rec.Seq = msg.Id, msg.Seq
		p.Add(d.ident, uint64(msg.Id))
		p.Add(d.seq, uint64(msg.Seq))

		if t := d.match(p, typ, msg.Id, msg.Seq); t != nil {
			frame := p.Info.Frame.Number
			if typ == layers.ICMPv4TypeEchoReply && t.respFrame == frame {
				rec.RequestFrame = t.reqFrame
				rec.RequestTime = t.reqTime
				rec.ResponseFrame = frame
				rec.ResponseTime = nstime.Delta(p.Info.Frame.Timestamp, t.reqTime)
				p.Add(d.respTo, uint64(t.reqFrame))
				if p.Wants(d.respTime) {
					p.Add(d.respTime, rec.ResponseTime.Duration())
				}
			} else if typ == layers.ICMPv4TypeEchoRequest && t.reqFrame == frame {
				rec.RequestFrame = frame
				rec.RequestTime = t.reqTime
				rec.ResponseFrame = t.respFrame
				if t.respFrame != 0 {
					p.Add(d.respIn, uint64(t.respFrame))
				}
			}
		}
	}

	p.SetColumn(epan.ColProtocol, "ICMP")
	info := msg.TypeCode.String()
	if echo {
		info = fmt.Sprintf("%s id=0x%04x, seq=%d", info, msg.Id, msg.Seq)
	}
	p.SetColumn(epan.ColInfo, info)
	p.Tap(rec)

	if !echo && len(msg.Payload) > 0 {
		p.HandoffData(msg.Payload)
	}
	return nil
}

// match pairs echo requests and replies by (identifier, sequence) within the
// conversation between the two hosts.
func (d *icmpv4) match(p *epan.Packet, typ uint8, id, seq uint16) *icmpTransaction {
	info := p.Info
	if v, ok := info.GetProtoData(memscope.SessionScope, protoICMP, 0); ok {
		return v.(*icmpTransaction)
	}
	if info.Src == nil || info.Dst == nil {
		return nil
	}

	conv := p.Session().Conversations().FindOrCreate(
		epan.NewConversationKey(protoICMP, info.Src, 0, info.Dst, 0), info.Frame.Number)
	info.Conversation = conv

	var state *icmpConversation
	if v, ok := conv.Data(protoICMP); ok {
		state = v.(*icmpConversation)
	} else {
		state = &icmpConversation{pending: make(map[uint32]*icmpTransaction)}
		conv.SetData(protoICMP, state)
	}

	key := uint32(id)<<16 | uint32(seq)
	var t *icmpTransaction
	switch typ {
	case layers.ICMPv4TypeEchoRequest:
		t = memscope.Alloc[icmpTransaction](p.Scope(memscope.SessionScope))
		t.reqFrame = info.Frame.Number
		t.reqTime = info.Frame.Timestamp
		state.pending[key] = t
	case layers.ICMPv4TypeEchoReply:
		prev, ok := state.pending[key]
		if !ok || prev.respFrame != 0 {
			return nil
		}
		prev.respFrame = info.Frame.Number
		t = prev
	}

	info.AddProtoData(memscope.SessionScope, protoICMP, 0, t)
	return t
}
