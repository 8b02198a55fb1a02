// Package dissectors provides the protocol decoders lippytap ships with.
// Byte-level parsing is delegated to gopacket/layers; the decoders here map
// the parsed layers onto registered fields, session conversations and tap
// records.
package dissectors

import (
	"fmt"

	"github.com/endorses/lippytap/internal/pkg/epan"
	"github.com/google/gopacket/layers"
)

// Dissector tables used for handoff between layers.
const (
	TableEtherType = "ethertype"
	TableFamily    = "null.family"
	TableIPProto   = "ip.proto"
	TableUDPPort   = "udp.port"
	TableTCPPort   = "tcp.port"
)

// TapPoints declares tap names. *tap.Registry implements it.
type TapPoints interface {
	RegisterPoint(name string)
}

// factory builds a decoder, registering its fields in r.
type factory func(r *epan.FieldRegistry) epan.Decoder

var factories = []factory{
	newEthernet,
	newLinuxSLL,
	newLoopback,
	newRawIP,
	newIPv4,
	newIPv6,
	newUDP,
	newTCP,
	newICMPv4,
	newDNS,
}

// Register adds every built-in decoder to table, wires link types and
// dissector tables, and declares a tap point per protocol when points is
// non-nil.
func Register(table *epan.DecoderTable, points TapPoints) error {
	fields := table.Fields()
	for _, f := range factories {
		d := f(fields)
		if err := table.Add(d); err != nil {
			return fmt.Errorf("register %s decoder: %w", d.Protocol(), err)
		}
		if points != nil {
			points.RegisterPoint(d.Protocol())
		}
	}
	if points != nil {
		points.RegisterPoint("frame")
	}

	table.SetLinkDecoder(layers.LinkTypeEthernet, protoEth)
	table.SetLinkDecoder(layers.LinkTypeLinuxSLL, protoSLL)
	table.SetLinkDecoder(layers.LinkTypeNull, protoNull)
	table.SetLinkDecoder(layers.LinkTypeLoop, protoNull)
	table.SetLinkDecoder(layers.LinkTypeRaw, protoRaw)
	table.SetLinkDecoder(layers.LinkTypeIPv4, protoRaw)
	table.SetLinkDecoder(layers.LinkTypeIPv6, protoRaw)

	table.AddTableEntry(TableEtherType, uint32(layers.EthernetTypeIPv4), protoIP)
	table.AddTableEntry(TableEtherType, uint32(layers.EthernetTypeIPv6), protoIPv6)

	table.AddTableEntry(TableFamily, uint32(layers.ProtocolFamilyIPv4), protoIP)
	table.AddTableEntry(TableFamily, uint32(layers.ProtocolFamilyIPv6BSD), protoIPv6)
	table.AddTableEntry(TableFamily, uint32(layers.ProtocolFamilyIPv6FreeBSD), protoIPv6)
	table.AddTableEntry(TableFamily, uint32(layers.ProtocolFamilyIPv6Darwin), protoIPv6)
	table.AddTableEntry(TableFamily, uint32(layers.ProtocolFamilyIPv6Linux), protoIPv6)

	table.AddTableEntry(TableIPProto, uint32(layers.IPProtocolICMPv4), protoICMP)
	table.AddTableEntry(TableIPProto, uint32(layers.IPProtocolTCP), protoTCP)
	table.AddTableEntry(TableIPProto, uint32(layers.IPProtocolUDP), protoUDP)

	table.AddTableEntry(TableUDPPort, 53, protoDNS)
	table.AddTableEntry(TableUDPPort, 5353, protoDNS)
	table.AddTableEntry(TableTCPPort, 53, protoDNS)
	return nil
}

// NewTable returns a decoder table with every built-in decoder registered.
func NewTable(points TapPoints) (*epan.DecoderTable, error) {
	table := epan.NewDecoderTable()
	if err := Register(table, points); err != nil {
		return nil, err
	}
	return table, nil
}

// portOrder returns the two ports with the lower one first, the order
// dissector tables are consulted in.
func portOrder(a, b uint16) []uint32 {
	if a > b {
		a, b = b, a
	}
	return []uint32{uint32(a), uint32(b)}
}
