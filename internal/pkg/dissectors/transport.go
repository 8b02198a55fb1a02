package dissectors

import (
	"fmt"

	"github.com/endorses/lippytap/internal/pkg/epan"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	protoUDP = "udp"
	protoTCP = "tcp"
)

// UDPRecord is published on the "udp" tap.
type UDPRecord struct {
	SrcPort uint16
	DstPort uint16
	Length  uint16
	Stream  uint32
}

type udp struct {
	srcport, dstport, port, length, checksum, stream epan.FieldID
}

func newUDP(r *epan.FieldRegistry) epan.Decoder {
	p := r.MustRegisterProtocol(protoUDP, "User Datagram Protocol")
	return &udp{
		srcport:  r.MustRegisterField(p, "udp.srcport", "Source Port", epan.FieldUint),
		dstport:  r.MustRegisterField(p, "udp.dstport", "Destination Port", epan.FieldUint),
		port:     r.MustRegisterField(p, "udp.port", "Source or Destination Port", epan.FieldUint),
		length:   r.MustRegisterField(p, "udp.length", "Length", epan.FieldUint),
		checksum: r.MustRegisterField(p, "udp.checksum", "Checksum", epan.FieldUint),
		stream:   r.MustRegisterField(p, "udp.stream", "Stream index", epan.FieldUint),
	}
}

func (*udp) Protocol() string { return protoUDP }

func (d *udp) Decode(p *epan.Packet, data []byte) error {
	var u layers.UDP
	if err := u.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("udp: %w", err)
	}

	src, dst := uint16(u.SrcPort), uint16(u.DstPort)
	conv := joinConversation(p, protoUDP, src, dst)

	p.Add(d.srcport, uint64(src))
	p.Add(d.dstport, uint64(dst))
	if p.Wants(d.port) {
		p.Add(d.port, uint64(src))
		p.Add(d.port, uint64(dst))
	}
	p.Add(d.length, uint64(u.Length))
	if p.Wants(d.checksum) {
		p.Add(d.checksum, uint64(u.Checksum))
	}
	if conv != nil {
		p.Add(d.stream, uint64(conv.ID-1))
	}

	p.SetColumn(epan.ColProtocol, "UDP")
	p.SetColumn(epan.ColInfo, fmt.Sprintf("%d → %d Len=%d", src, dst, len(u.Payload)))
	rec := &UDPRecord{SrcPort: src, DstPort: dst, Length: u.Length}
	if conv != nil {
		rec.Stream = conv.ID - 1
	}
	p.Tap(rec)

	p.HandoffTable(TableUDPPort, u.Payload, portOrder(src, dst)...)
	return nil
}

// TCPRecord is published on the "tcp" tap.
type TCPRecord struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	Flags      uint16
	PayloadLen int
	Stream     uint32
}

type tcp struct {
	srcport, dstport, port, seq, ack, flags, syn, ackFlag, fin, rst, push epan.FieldID
	window, length, stream                                                epan.FieldID
}

func newTCP(r *epan.FieldRegistry) epan.Decoder {
	p := r.MustRegisterProtocol(protoTCP, "Transmission Control Protocol")
	flags := r.MustRegisterField(p, "tcp.flags", "Flags", epan.FieldUint)
	return &tcp{
		srcport: r.MustRegisterField(p, "tcp.srcport", "Source Port", epan.FieldUint),
		dstport: r.MustRegisterField(p, "tcp.dstport", "Destination Port", epan.FieldUint),
		port:    r.MustRegisterField(p, "tcp.port", "Source or Destination Port", epan.FieldUint),
		seq:     r.MustRegisterField(p, "tcp.seq", "Sequence Number", epan.FieldUint),
		ack:     r.MustRegisterField(p, "tcp.ack", "Acknowledgment Number", epan.FieldUint),
		flags:   flags,
		syn:     r.MustRegisterField(flags, "tcp.flags.syn", "Syn", epan.FieldBool),
		ackFlag: r.MustRegisterField(flags, "tcp.flags.ack", "Acknowledgment", epan.FieldBool),
		fin:     r.MustRegisterField(flags, "tcp.flags.fin", "Fin", epan.FieldBool),
		rst:     r.MustRegisterField(flags, "tcp.flags.reset", "Reset", epan.FieldBool),
		push:    r.MustRegisterField(flags, "tcp.flags.push", "Push", epan.FieldBool),
		window:  r.MustRegisterField(p, "tcp.window_size_value", "Window", epan.FieldUint),
		length:  r.MustRegisterField(p, "tcp.len", "TCP Segment Len", epan.FieldUint),
		stream:  r.MustRegisterField(p, "tcp.stream", "Stream index", epan.FieldUint),
	}
}

func (*tcp) Protocol() string { return protoTCP }

func (d *tcp) Decode(p *epan.Packet, data []byte) error {
	var t layers.TCP
	if err := t.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("tcp: %w", err)
	}

	src, dst := uint16(t.SrcPort), uint16(t.DstPort)
	conv := joinConversation(p, protoTCP, src, dst)
	flags := tcpFlags(&t)

	p.Add(d.srcport, uint64(src))
	p.Add(d.dstport, uint64(dst))
	if p.Wants(d.port) {
		p.Add(d.port, uint64(src))
		p.Add(d.port, uint64(dst))
	}
	p.Add(d.seq, uint64(t.Seq))
	p.Add(d.ack, uint64(t.Ack))
	p.Add(d.flags, uint64(flags))
	p.Add(d.syn, t.SYN)
	p.Add(d.ackFlag, t.ACK)
	p.Add(d.fin, t.FIN)
	p.Add(d.rst, t.RST)
	p.Add(d.push, t.PSH)
	p.Add(d.window, uint64(t.Window))
	p.Add(d.length, uint64(len(t.Payload)))
	if conv != nil {
		p.Add(d.stream, uint64(conv.ID-1))
	}

	p.SetColumn(epan.ColProtocol, "TCP")
	p.SetColumn(epan.ColInfo, fmt.Sprintf("%d → %d Seq=%d Ack=%d Len=%d", src, dst, t.Seq, t.Ack, len(t.Payload)))
	rec := &TCPRecord{SrcPort: src, DstPort: dst, Seq: t.Seq, Ack: t.Ack, Flags: flags, PayloadLen: len(t.Payload)}
	if conv != nil {
		rec.Stream = conv.ID - 1
	}
	p.Tap(rec)

	if len(t.Payload) > 0 {
		p.HandoffTable(TableTCPPort, t.Payload, portOrder(src, dst)...)
	}
	return nil
}

func tcpFlags(t *layers.TCP) uint16 {
	var f uint16
	for i, set := range []bool{t.FIN, t.SYN, t.RST, t.PSH, t.ACK, t.URG, t.ECE, t.CWR, t.NS} {
		if set {
			f |= 1 << i
		}
	}
	return f
}

// joinConversation records the packet's transport endpoints and attaches it
// to the session conversation for them.
func joinConversation(p *epan.Packet, transport string, src, dst uint16) *epan.Conversation {
	info := p.Info
	info.SrcPort, info.DstPort = src, dst
	info.Transport = transport
	if info.Src == nil || info.Dst == nil {
		return nil
	}
	key := epan.NewConversationKey(transport, info.Src, src, info.Dst, dst)
	info.Conversation = p.Session().Conversations().FindOrCreate(key, info.Frame.Number)
	return info.Conversation
}
