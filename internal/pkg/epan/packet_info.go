package epan

import (
	"net"

	"github.com/endorses/lippytap/internal/pkg/memscope"
	"github.com/endorses/lippytap/internal/pkg/nstime"
	"github.com/google/gopacket/layers"
)

// Record is one captured packet as handed over by the reader.
type Record struct {
	Data []byte
}

// FrameData is the per-frame metadata supplied by the capture reader.
type FrameData struct {
	Number      uint32          `json:"number"`
	Timestamp   nstime.Time     `json:"timestamp"`
	CapLen      uint32          `json:"cap_len"`
	Length      uint32          `json:"length"`
	InterfaceID uint32          `json:"interface_id"`
	Section     uint32          `json:"section"`
	LinkType    layers.LinkType `json:"link_type"`
}

// Column names one summary column.
type Column int

const (
	ColProtocol Column = iota
	ColSource
	ColDestination
	ColInfo
	numColumns
)

func (c Column) String() string {
	switch c {
	case ColProtocol:
		return "Protocol"
	case ColSource:
		return "Source"
	case ColDestination:
		return "Destination"
	case ColInfo:
		return "Info"
	default:
		return "Unknown"
	}
}

// Columns collects the one-line summary a packet list shows.
type Columns struct {
	values [numColumns]string
}

// Set replaces the text of col.
func (c *Columns) Set(col Column, text string) {
	if c == nil || col < 0 || col >= numColumns {
		return
	}
	c.values[col] = text
}

// Append adds text to col, separated by a space.
func (c *Columns) Append(col Column, text string) {
	if c == nil || col < 0 || col >= numColumns {
		return
	}
	if c.values[col] == "" {
		c.values[col] = text
		return
	}
	c.values[col] += " " + text
}

// Get returns the text of col.
func (c *Columns) Get(col Column) string {
	if c == nil || col < 0 || col >= numColumns {
		return ""
	}
	return c.values[col]
}

// Clear empties every column.
func (c *Columns) Clear() {
	if c != nil {
		c.values = [numColumns]string{}
	}
}

// PacketInfo is the per-packet state shared between decoders and handed to
// tap listeners.
type PacketInfo struct {
	Frame FrameData

	// Layers lists protocols in dissection order, outermost first.
	Layers []string

	Src       net.IP
	Dst       net.IP
	SrcPort   uint16
	DstPort   uint16
	Transport string

	Conversation *Conversation
	Columns      *Columns

	// Visited is set when the frame was already dissected earlier in this session.
	Visited bool
	// Malformed is set when a decoder rejected its input.
	Malformed bool
	// Faulted is set when a decoder reported a fault or panicked.
	Faulted bool

	ctx *Context
}

// Session returns the session the packet is dissected in.
func (p *PacketInfo) Session() *Session {
	if p.ctx == nil {
		return nil
	}
	return p.ctx.session
}

// Scope returns the allocation scope for kind.
func (p *PacketInfo) Scope(kind memscope.Kind) *memscope.Scope {
	if p.ctx == nil {
		return nil
	}
	if kind == memscope.SessionScope {
		return p.ctx.session.scope
	}
	return p.ctx.scope
}

// RelativeTime returns the frame timestamp relative to the capture start,
// or false when the capture start is unavailable.
func (p *PacketInfo) RelativeTime() (nstime.Time, bool) {
	s := p.Session()
	if s == nil {
		return nstime.Time{}, false
	}
	start, ok := s.StartTimestamp()
	if !ok {
		return nstime.Time{}, false
	}
	return nstime.Delta(p.Frame.Timestamp, start), true
}

// HasLayer reports whether proto was dissected in this packet.
func (p *PacketInfo) HasLayer(proto string) bool {
	for _, l := range p.Layers {
		if l == proto {
			return true
		}
	}
	return false
}
