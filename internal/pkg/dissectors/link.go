package dissectors

import (
	"errors"
	"fmt"

	"github.com/endorses/lippytap/internal/pkg/epan"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	protoEth  = "eth"
	protoSLL  = "sll"
	protoNull = "null"
	protoRaw  = "raw"
)

// EthernetRecord is published on the "eth" tap.
type EthernetRecord struct {
	Src  string
	Dst  string
	Type layers.EthernetType
}

type ethernet struct {
	src, dst, addr, typ epan.FieldID
}

func newEthernet(r *epan.FieldRegistry) epan.Decoder {
	p := r.MustRegisterProtocol(protoEth, "Ethernet II")
	return &ethernet{
		src:  r.MustRegisterField(p, "eth.src", "Source", epan.FieldString),
		dst:  r.MustRegisterField(p, "eth.dst", "Destination", epan.FieldString),
		addr: r.MustRegisterField(p, "eth.addr", "Address", epan.FieldString),
		typ:  r.MustRegisterField(p, "eth.type", "Type", epan.FieldUint),
	}
}

func (*ethernet) Protocol() string { return protoEth }

func (d *ethernet) Decode(p *epan.Packet, data []byte) error {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("ethernet: %w", err)
	}

	src, dst := eth.SrcMAC.String(), eth.DstMAC.String()
	p.Add(d.dst, dst)
	p.Add(d.src, src)
	if p.Wants(d.addr) {
		p.Add(d.addr, src)
		p.Add(d.addr, dst)
	}
	p.Add(d.typ, uint64(eth.EthernetType))

	p.SetColumn(epan.ColProtocol, "ETH")
	p.SetColumn(epan.ColSource, src)
	p.SetColumn(epan.ColDestination, dst)
	p.Tap(&EthernetRecord{Src: src, Dst: dst, Type: eth.EthernetType})

	p.HandoffTable(TableEtherType, eth.Payload, uint32(eth.EthernetType))
	return nil
}

type linuxSLL struct {
	pkttype, src, etype epan.FieldID
}

func newLinuxSLL(r *epan.FieldRegistry) epan.Decoder {
	p := r.MustRegisterProtocol(protoSLL, "Linux cooked capture v1")
	return &linuxSLL{
		pkttype: r.MustRegisterField(p, "sll.pkttype", "Packet type", epan.FieldUint),
		src:     r.MustRegisterField(p, "sll.src.eth", "Source", epan.FieldString),
		etype:   r.MustRegisterField(p, "sll.etype", "Protocol", epan.FieldUint),
	}
}

func (*linuxSLL) Protocol() string { return protoSLL }

func (d *linuxSLL) Decode(p *epan.Packet, data []byte) error {
	var sll layers.LinuxSLL
	if err := sll.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("linux sll: %w", err)
	}
	p.Add(d.pkttype, uint64(sll.PacketType))
	if len(sll.Addr) > 0 {
		p.Add(d.src, sll.Addr.String())
	}
	p.Add(d.etype, uint64(sll.EthernetType))
	p.SetColumn(epan.ColProtocol, "SLL")

	p.HandoffTable(TableEtherType, sll.Payload, uint32(sll.EthernetType))
	return nil
}

type loopback struct {
	family epan.FieldID
}

func newLoopback(r *epan.FieldRegistry) epan.Decoder {
	p := r.MustRegisterProtocol(protoNull, "Null/Loopback")
	return &loopback{
		family: r.MustRegisterField(p, "null.family", "Family", epan.FieldUint),
	}
}

func (*loopback) Protocol() string { return protoNull }

func (d *loopback) Decode(p *epan.Packet, data []byte) error {
	var lb layers.Loopback
	if err := lb.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("loopback: %w", err)
	}
	p.Add(d.family, uint64(lb.Family))
	p.HandoffTable(TableFamily, lb.Payload, uint32(lb.Family))
	return nil
}

// rawIP handles link types that carry a bare IP packet.
type rawIP struct{}

func newRawIP(r *epan.FieldRegistry) epan.Decoder {
	r.MustRegisterProtocol(protoRaw, "Raw packet data")
	return rawIP{}
}

func (rawIP) Protocol() string { return protoRaw }

func (rawIP) Decode(p *epan.Packet, data []byte) error {
	if len(data) == 0 {
		return errors.New("raw: empty packet")
	}
	switch data[0] >> 4 {
	case 4:
		p.Handoff(protoIP, data)
	case 6:
		p.Handoff(protoIPv6, data)
	default:
		p.HandoffData(data)
		return fmt.Errorf("raw: unknown IP version %d", data[0]>>4)
	}
	return nil
}
