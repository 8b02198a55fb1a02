package stats

import (
	"fmt"
	"io"

	"github.com/endorses/lippytap/internal/pkg/dissectors"
	"github.com/endorses/lippytap/internal/pkg/epan"
	"github.com/endorses/lippytap/internal/pkg/srt"
	"github.com/endorses/lippytap/internal/pkg/tap"
	"github.com/google/gopacket/layers"
)

func init() {
	MustRegister(Descriptor{
		Name:        "dns,srt",
		Description: "DNS service response time by opcode",
		New:         newDNSSRT,
	})
}

var dnsOpCodes = []layers.DNSOpCode{
	layers.DNSOpCodeQuery,
	layers.DNSOpCodeIQuery,
	layers.DNSOpCodeStatus,
	layers.DNSOpCodeNotify,
	layers.DNSOpCodeUpdate,
}

// DNSSRTResult is the JSON form of a dns,srt module.
type DNSSRTResult struct {
	Name      string        `json:"name"`
	Filter    string        `json:"filter,omitempty"`
	Rows      []srt.Summary `json:"rows"`
	Requests  uint64        `json:"requests"`
	Responses uint64        `json:"responses"`
	Open      uint64        `json:"open"`
	Discarded uint64        `json:"discarded"`
	Unmatched uint64        `json:"unmatched"`
}

type dnsSRT struct {
	base
	table *srt.Table

	requests  uint64
	responses uint64
	// discarded counts retransmitted queries and duplicate responses.
	discarded uint64
	unmatched uint64
}

func newDNSSRT(args Args) (Module, error) {
	m := &dnsSRT{
		base:  newBase(args, "dns"),
		table: srt.NewTable("DNS", len(dnsOpCodes), "Opcode", args.Filter),
	}
	for _, op := range dnsOpCodes {
		if err := m.table.InitRow(int(op), dissectors.OpCodeName(op)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *dnsSRT) Flags() tap.Flags { return tap.RequiresNothing }

func (m *dnsSRT) Reset() {
	m.table.Reset()
	m.requests, m.responses, m.discarded, m.unmatched = 0, 0, 0, 0
}

func (m *dnsSRT) Packet(pinfo *epan.PacketInfo, _ *epan.Context, record any) tap.PacketStatus {
	rec, ok := record.(*dissectors.DNSRecord)
	if !ok {
		return tap.DontRedraw
	}

	switch {
	case rec.Retransmission:
		m.discarded++
	case !rec.Response:
		m.requests++
	case rec.RequestFrame == 0:
		m.unmatched++
	default:
		if err := m.table.AddSample(int(rec.OpCode), rec.RequestTime, pinfo); err != nil {
			return tap.Failed
		}
		m.responses++
	}
	return tap.Redraw
}

func (m *dnsSRT) Draw() { m.draw(m) }

func (m *dnsSRT) open() uint64 {
	if m.responses >= m.requests {
		return 0
	}
	return m.requests - m.responses
}

func (m *dnsSRT) WriteReport(w io.Writer) error {
	if err := m.table.Draw(w, true, false); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\nOpen requests: %d\nDiscarded requests: %d\nUnmatched responses: %d\n%s\n",
		m.open(), m.discarded, m.unmatched, rule())
	return err
}

func (m *dnsSRT) Result() any {
	return DNSSRTResult{
		Name:      m.name,
		Filter:    m.filter,
		Rows:      m.table.Summaries(),
		Requests:  m.requests,
		Responses: m.responses,
		Open:      m.open(),
		Discarded: m.discarded,
		Unmatched: m.unmatched,
	}
}
