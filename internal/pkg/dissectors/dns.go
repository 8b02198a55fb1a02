package dissectors

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/endorses/lippytap/internal/pkg/constants"
	"github.com/endorses/lippytap/internal/pkg/epan"
	"github.com/endorses/lippytap/internal/pkg/memscope"
	"github.com/endorses/lippytap/internal/pkg/nstime"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const protoDNS = "dns"

// DNSRecord is published on the "dns" tap once per DNS message.
type DNSRecord struct {
	ID           uint16
	Response     bool
	OpCode       layers.DNSOpCode
	ResponseCode layers.DNSResponseCode
	QueryName    string
	QueryType    layers.DNSType
	Questions    uint16
	Answers      uint16

	// Retransmission is set for a query repeating an unanswered one, or a
	// response to a query that was already answered.
	Retransmission bool
	// RequestFrame and RequestTime identify the matched query of a response.
	// RequestFrame is 0 when no query was seen.
	RequestFrame uint32
	RequestTime  nstime.Time
	// ResponseFrame is the frame that answered a query, known on revisits.
	ResponseFrame uint32
}

// dnsTransaction is one query awaiting or having received its response.
type dnsTransaction struct {
	id        uint16
	reqFrame  uint32
	reqTime   nstime.Time
	respFrame uint32
}

// dnsConversation is the per-conversation matching state.
type dnsConversation struct {
	pending map[uint16]*dnsTransaction
}

// dnsFrameState is what a frame learned on its first pass, replayed when
// it is dissected again.
type dnsFrameState struct {
	trans          *dnsTransaction
	retransmission bool
}

type dns struct {
	id, response, opcode, rcode, authoritative, truncated, recdesired, recavail epan.FieldID
	qdcount, ancount, nscount, arcount                                          epan.FieldID
	qryName, qryType, qryClass                                                  epan.FieldID
	respName, respType, respTTL, a, aaaa, cname                                 epan.FieldID
	responseIn, responseTo, time, retransmission, retransmitOf, length          epan.FieldID
}

func newDNS(r *epan.FieldRegistry) epan.Decoder {
	p := r.MustRegisterProtocol(protoDNS, "Domain Name System")
	return &dns{
		length:         r.MustRegisterField(p, "dns.length", "Length", epan.FieldUint),
		id:             r.MustRegisterField(p, "dns.id", "Transaction ID", epan.FieldUint),
		response:       r.MustRegisterField(p, "dns.flags.response", "Response", epan.FieldBool),
		opcode:         r.MustRegisterField(p, "dns.flags.opcode", "Opcode", epan.FieldUint),
		rcode:          r.MustRegisterField(p, "dns.flags.rcode", "Reply code", epan.FieldUint),
		authoritative:  r.MustRegisterField(p, "dns.flags.authoritative", "Authoritative", epan.FieldBool),
		truncated:      r.MustRegisterField(p, "dns.flags.truncated", "Truncated", epan.FieldBool),
		recdesired:     r.MustRegisterField(p, "dns.flags.recdesired", "Recursion desired", epan.FieldBool),
		recavail:       r.MustRegisterField(p, "dns.flags.recavail", "Recursion available", epan.FieldBool),
		qdcount:        r.MustRegisterField(p, "dns.count.queries", "Questions", epan.FieldUint),
		ancount:        r.MustRegisterField(p, "dns.count.answers", "Answer RRs", epan.FieldUint),
		nscount:        r.MustRegisterField(p, "dns.count.auth_rr", "Authority RRs", epan.FieldUint),
		arcount:        r.MustRegisterField(p, "dns.count.add_rr", "Additional RRs", epan.FieldUint),
		qryName:        r.MustRegisterField(p, "dns.qry.name", "Name", epan.FieldString),
		qryType:        r.MustRegisterField(p, "dns.qry.type", "Type", epan.FieldUint),
		qryClass:       r.MustRegisterField(p, "dns.qry.class", "Class", epan.FieldUint),
		respName:       r.MustRegisterField(p, "dns.resp.name", "Name", epan.FieldString),
		respType:       r.MustRegisterField(p, "dns.resp.type", "Type", epan.FieldUint),
		respTTL:        r.MustRegisterField(p, "dns.resp.ttl", "Time to live", epan.FieldUint),
		a:              r.MustRegisterField(p, "dns.a", "Address", epan.FieldIP),
		aaaa:           r.MustRegisterField(p, "dns.aaaa", "AAAA Address", epan.FieldIP),
		cname:          r.MustRegisterField(p, "dns.cname", "CNAME", epan.FieldString),
		responseIn:     r.MustRegisterField(p, "dns.response_in", "Response In", epan.FieldUint),
		responseTo:     r.MustRegisterField(p, "dns.response_to", "Request In", epan.FieldUint),
		time:           r.MustRegisterField(p, "dns.time", "Time", epan.FieldTime),
		retransmission: r.MustRegisterField(p, "dns.retransmission", "Retransmission", epan.FieldNone),
		retransmitOf:   r.MustRegisterField(p, "dns.retransmit_request_in", "Retransmitted request. Original request in", epan.FieldUint),
	}
}

func (*dns) Protocol() string { return protoDNS }

func (d *dns) Decode(p *epan.Packet, data []byte) error {
	if p.Info.Transport == protoTCP {
		if len(data) < 2 {
			return fmt.Errorf("dns over tcp: %d bytes, need length prefix", len(data))
		}
		n := int(binary.BigEndian.Uint16(data))
		p.Add(d.length, uint64(n))
		data = data[2:]
		if len(data) < n {
			return fmt.Errorf("dns over tcp: message of %d bytes truncated to %d", n, len(data))
		}
		data = data[:n]
	}

	var msg layers.DNS
	if err := msg.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("dns: %w", err)
	}

	st := d.match(p, &msg)
	d.addTree(p, &msg, st)

	rec := &DNSRecord{
		ID:             msg.ID,
		Response:       msg.QR,
		OpCode:         msg.OpCode,
		ResponseCode:   msg.ResponseCode,
		Questions:      msg.QDCount,
		Answers:        msg.ANCount,
		Retransmission: st.retransmission,
	}
	if len(msg.Questions) > 0 {
		rec.QueryName = string(msg.Questions[0].Name)
		rec.QueryType = msg.Questions[0].Type
	}
	if t := st.trans; t != nil {
		if msg.QR {
			rec.RequestFrame = t.reqFrame
			rec.RequestTime = t.reqTime
		} else if t.reqFrame == p.Info.Frame.Number {
			rec.ResponseFrame = t.respFrame
		}
	}

	p.SetColumn(epan.ColProtocol, "DNS")
	p.SetColumn(epan.ColInfo, dnsInfo(&msg))
	p.Tap(rec)
	return nil
}

// match pairs queries with responses. On the first pass it updates the
// conversation and remembers the result for the frame; revisits replay it.
func (d *dns) match(p *epan.Packet, msg *layers.DNS) dnsFrameState {
	info := p.Info
	frame := info.Frame.Number

	if v, ok := info.GetProtoData(memscope.SessionScope, protoDNS, 0); ok {
		return *v.(*dnsFrameState)
	}
	if info.Conversation == nil {
		return dnsFrameState{}
	}

	var state *dnsConversation
	if v, ok := info.Conversation.Data(protoDNS); ok {
		state = v.(*dnsConversation)
	} else {
		state = &dnsConversation{pending: make(map[uint16]*dnsTransaction)}
		info.Conversation.SetData(protoDNS, state)
	}

	st := memscope.Alloc[dnsFrameState](p.Scope(memscope.SessionScope))
	prev := state.pending[msg.ID]
	if !msg.QR {
		window := nstime.FromDuration(constants.DNSRetransmitWindow)
		if prev != nil && prev.respFrame == 0 &&
			nstime.Compare(nstime.Delta(info.Frame.Timestamp, prev.reqTime), window) <= 0 {
			st.trans = prev
			st.retransmission = true
		} else {
			t := memscope.Alloc[dnsTransaction](p.Scope(memscope.SessionScope))
			t.id = msg.ID
			t.reqFrame = frame
			t.reqTime = info.Frame.Timestamp
			state.pending[msg.ID] = t
			st.trans = t
		}
	} else if prev != nil {
		st.trans = prev
		if prev.respFrame == 0 {
			prev.respFrame = frame
		} else if prev.respFrame != frame {
			st.retransmission = true
		}
	}

	info.AddProtoData(memscope.SessionScope, protoDNS, 0, st)
	return *st
}

func (d *dns) addTree(p *epan.Packet, msg *layers.DNS, st dnsFrameState) {
	p.Add(d.id, uint64(msg.ID))
	p.Add(d.response, msg.QR)
	p.Add(d.opcode, uint64(msg.OpCode))
	if msg.QR {
		p.Add(d.rcode, uint64(msg.ResponseCode))
		p.Add(d.authoritative, msg.AA)
		p.Add(d.recavail, msg.RA)
	}
	p.Add(d.truncated, msg.TC)
	p.Add(d.recdesired, msg.RD)
	p.Add(d.qdcount, uint64(msg.QDCount))
	p.Add(d.ancount, uint64(msg.ANCount))
	p.Add(d.nscount, uint64(msg.NSCount))
	p.Add(d.arcount, uint64(msg.ARCount))

	for _, q := range msg.Questions {
		p.Add(d.qryName, string(q.Name))
		p.Add(d.qryType, uint64(q.Type))
		p.Add(d.qryClass, uint64(q.Class))
	}
	for _, rr := range msg.Answers {
		p.Add(d.respName, string(rr.Name))
		p.Add(d.respType, uint64(rr.Type))
		p.Add(d.respTTL, uint64(rr.TTL))
		switch rr.Type {
		case layers.DNSTypeA:
			p.Add(d.a, cloneIP(rr.IP))
		case layers.DNSTypeAAAA:
			p.Add(d.aaaa, cloneIP(rr.IP))
		case layers.DNSTypeCNAME:
			p.Add(d.cname, string(rr.CNAME))
		}
	}

	t := st.trans
	if t == nil {
		return
	}
	frame := p.Info.Frame.Number
	if msg.QR {
		p.Add(d.responseTo, uint64(t.reqFrame))
		if p.Wants(d.time) {
			p.Add(d.time, nstime.Delta(p.Info.Frame.Timestamp, t.reqTime).Duration())
		}
	} else if t.respFrame != 0 && t.reqFrame == frame {
		p.Add(d.responseIn, uint64(t.respFrame))
	}
	if st.retransmission {
		p.Add(d.retransmission, nil)
		if !msg.QR {
			p.Add(d.retransmitOf, uint64(t.reqFrame))
		}
	}
}

func dnsInfo(msg *layers.DNS) string {
	var b strings.Builder
	if msg.OpCode == layers.DNSOpCodeQuery {
		b.WriteString("Standard query")
	} else {
		b.WriteString(OpCodeName(msg.OpCode))
	}
	if msg.QR {
		b.WriteString(" response")
	}
	fmt.Fprintf(&b, " 0x%04x", msg.ID)
	if msg.QR && msg.ResponseCode != layers.DNSResponseCodeNoErr {
		b.WriteString(" " + ResponseCodeName(msg.ResponseCode))
	}
	for _, q := range msg.Questions {
		fmt.Fprintf(&b, " %s %s", TypeName(q.Type), q.Name)
	}
	return b.String()
}

// OpCodeName returns the mnemonic of a DNS opcode.
func OpCodeName(opcode layers.DNSOpCode) string {
	switch opcode {
	case layers.DNSOpCodeQuery:
		return "QUERY"
	case layers.DNSOpCodeIQuery:
		return "IQUERY"
	case layers.DNSOpCodeStatus:
		return "STATUS"
	case layers.DNSOpCodeNotify:
		return "NOTIFY"
	case layers.DNSOpCodeUpdate:
		return "UPDATE"
	default:
		return fmt.Sprintf("OPCODE%d", opcode)
	}
}

// ResponseCodeName returns the mnemonic of a DNS response code.
func ResponseCodeName(rcode layers.DNSResponseCode) string {
	switch rcode {
	case layers.DNSResponseCodeNoErr:
		return "NOERROR"
	case layers.DNSResponseCodeFormErr:
		return "FORMERR"
	case layers.DNSResponseCodeServFail:
		return "SERVFAIL"
	case layers.DNSResponseCodeNXDomain:
		return "NXDOMAIN"
	case layers.DNSResponseCodeNotImp:
		return "NOTIMP"
	case layers.DNSResponseCodeRefused:
		return "REFUSED"
	default:
		return fmt.Sprintf("RCODE%d", rcode)
	}
}

// TypeName returns the mnemonic of a DNS record type.
func TypeName(t layers.DNSType) string {
	switch t {
	case layers.DNSTypeA:
		return "A"
	case layers.DNSTypeNS:
		return "NS"
	case layers.DNSTypeCNAME:
		return "CNAME"
	case layers.DNSTypeSOA:
		return "SOA"
	case layers.DNSTypePTR:
		return "PTR"
	case layers.DNSTypeMX:
		return "MX"
	case layers.DNSTypeTXT:
		return "TXT"
	case layers.DNSTypeAAAA:
		return "AAAA"
	case layers.DNSTypeSRV:
		return "SRV"
	default:
		return fmt.Sprintf("TYPE%d", t)
	}
}
