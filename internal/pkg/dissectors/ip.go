package dissectors

import (
	"fmt"
	"net"

	"github.com/endorses/lippytap/internal/pkg/epan"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	protoIP   = "ip"
	protoIPv6 = "ipv6"
)

// IPRecord is published on the "ip" and "ipv6" taps.
type IPRecord struct {
	Version  uint8
	Src      net.IP
	Dst      net.IP
	Protocol layers.IPProtocol
	TTL      uint8
	Length   uint16
}

type ipv4 struct {
	version, hdrLen, length, id, flagsDF, flagsMF, fragOffset epan.FieldID
	ttl, proto, checksum, src, dst, addr                      epan.FieldID
}

func newIPv4(r *epan.FieldRegistry) epan.Decoder {
	p := r.MustRegisterProtocol(protoIP, "Internet Protocol Version 4")
	return &ipv4{
		version:    r.MustRegisterField(p, "ip.version", "Version", epan.FieldUint),
		hdrLen:     r.MustRegisterField(p, "ip.hdr_len", "Header Length", epan.FieldUint),
		length:     r.MustRegisterField(p, "ip.len", "Total Length", epan.FieldUint),
		id:         r.MustRegisterField(p, "ip.id", "Identification", epan.FieldUint),
		flagsDF:    r.MustRegisterField(p, "ip.flags.df", "Don't fragment", epan.FieldBool),
		flagsMF:    r.MustRegisterField(p, "ip.flags.mf", "More fragments", epan.FieldBool),
		fragOffset: r.MustRegisterField(p, "ip.frag_offset", "Fragment Offset", epan.FieldUint),
		ttl:        r.MustRegisterField(p, "ip.ttl", "Time to Live", epan.FieldUint),
		proto:      r.MustRegisterField(p, "ip.proto", "Protocol", epan.FieldUint),
		checksum:   r.MustRegisterField(p, "ip.checksum", "Header Checksum", epan.FieldUint),
		src:        r.MustRegisterField(p, "ip.src", "Source Address", epan.FieldIP),
		dst:        r.MustRegisterField(p, "ip.dst", "Destination Address", epan.FieldIP),
		addr:       r.MustRegisterField(p, "ip.addr", "Source or Destination Address", epan.FieldIP),
	}
}

func (*ipv4) Protocol() string { return protoIP }

func (d *ipv4) Decode(p *epan.Packet, data []byte) error {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("ipv4: %w", err)
	}

	src, dst := cloneIP(ip.SrcIP), cloneIP(ip.DstIP)
	p.Info.Src, p.Info.Dst = src, dst

	p.Add(d.version, uint64(ip.Version))
	p.Add(d.hdrLen, uint64(ip.IHL)*4)
	p.Add(d.length, uint64(ip.Length))
	p.Add(d.id, uint64(ip.Id))
	p.Add(d.flagsDF, ip.Flags&layers.IPv4DontFragment != 0)
	p.Add(d.flagsMF, ip.Flags&layers.IPv4MoreFragments != 0)
	p.Add(d.fragOffset, uint64(ip.FragOffset)*8)
	p.Add(d.ttl, uint64(ip.TTL))
	p.Add(d.proto, uint64(ip.Protocol))
	if p.Wants(d.checksum) {
		p.Add(d.checksum, uint64(ip.Checksum))
	}
	p.Add(d.src, src)
	p.Add(d.dst, dst)
	if p.Wants(d.addr) {
		p.Add(d.addr, src)
		p.Add(d.addr, dst)
	}

	p.SetColumn(epan.ColProtocol, "IPv4")
	p.SetColumn(epan.ColSource, src.String())
	p.SetColumn(epan.ColDestination, dst.String())
	p.Tap(&IPRecord{Version: 4, Src: src, Dst: dst, Protocol: ip.Protocol, TTL: ip.TTL, Length: ip.Length})

	// Only the first fragment carries the transport header.
	if ip.FragOffset != 0 || ip.Flags&layers.IPv4MoreFragments != 0 {
		p.HandoffData(ip.Payload)
		return nil
	}
	p.HandoffTable(TableIPProto, ip.Payload, uint32(ip.Protocol))
	return nil
}

type ipv6 struct {
	version, tclass, flow, plen, nxt, hlim, src, dst, addr epan.FieldID
}

func newIPv6(r *epan.FieldRegistry) epan.Decoder {
	p := r.MustRegisterProtocol(protoIPv6, "Internet Protocol Version 6")
	return &ipv6{
		version: r.MustRegisterField(p, "ipv6.version", "Version", epan.FieldUint),
		tclass:  r.MustRegisterField(p, "ipv6.tclass", "Traffic Class", epan.FieldUint),
		flow:    r.MustRegisterField(p, "ipv6.flow", "Flow Label", epan.FieldUint),
		plen:    r.MustRegisterField(p, "ipv6.plen", "Payload Length", epan.FieldUint),
		nxt:     r.MustRegisterField(p, "ipv6.nxt", "Next Header", epan.FieldUint),
		hlim:    r.MustRegisterField(p, "ipv6.hlim", "Hop Limit", epan.FieldUint),
		src:     r.MustRegisterField(p, "ipv6.src", "Source Address", epan.FieldIP),
		dst:     r.MustRegisterField(p, "ipv6.dst", "Destination Address", epan.FieldIP),
		addr:    r.MustRegisterField(p, "ipv6.addr", "Source or Destination Address", epan.FieldIP),
	}
}

func (*ipv6) Protocol() string { return protoIPv6 }

func (d *ipv6) Decode(p *epan.Packet, data []byte) error {
	var ip layers.IPv6
	if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("ipv6: %w", err)
	}

	src, dst := cloneIP(ip.SrcIP), cloneIP(ip.DstIP)
	p.Info.Src, p.Info.Dst = src, dst

	p.Add(d.version, uint64(ip.Version))
	p.Add(d.tclass, uint64(ip.TrafficClass))
	p.Add(d.flow, uint64(ip.FlowLabel))
	p.Add(d.plen, uint64(ip.Length))
	p.Add(d.nxt, uint64(ip.NextHeader))
	p.Add(d.hlim, uint64(ip.HopLimit))
	p.Add(d.src, src)
	p.Add(d.dst, dst)
	if p.Wants(d.addr) {
		p.Add(d.addr, src)
		p.Add(d.addr, dst)
	}

	p.SetColumn(epan.ColProtocol, "IPv6")
	p.SetColumn(epan.ColSource, src.String())
	p.SetColumn(epan.ColDestination, dst.String())
	p.Tap(&IPRecord{Version: 6, Src: src, Dst: dst, Protocol: ip.NextHeader, TTL: ip.HopLimit, Length: ip.Length})

	p.HandoffTable(TableIPProto, ip.Payload, uint32(ip.NextHeader))
	return nil
}

func cloneIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}
