package epan

import (
	"bytes"
	"net"

	"github.com/endorses/lippytap/internal/pkg/memscope"
)

// ConversationKey identifies a bidirectional transport conversation. Both
// directions of a flow produce the same key.
type ConversationKey struct {
	Transport string
	AddrA     string
	PortA     uint16
	AddrB     string
	PortB     uint16
}

// NewConversationKey builds a normalized key for a packet from src to dst.
func NewConversationKey(transport string, src net.IP, srcPort uint16, dst net.IP, dstPort uint16) ConversationKey {
	a, b := normalizeIP(src), normalizeIP(dst)
	swap := false
	switch c := bytes.Compare(a, b); {
	case c > 0:
		swap = true
	case c == 0 && srcPort > dstPort:
		swap = true
	}
	if swap {
		a, b = b, a
		srcPort, dstPort = dstPort, srcPort
	}
	return ConversationKey{
		Transport: transport,
		AddrA:     a.String(),
		PortA:     srcPort,
		AddrB:     b.String(),
		PortB:     dstPort,
	}
}

func normalizeIP(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

// Conversation is session-scoped state shared by every packet of a flow.
type Conversation struct {
	ID         uint32
	Key        ConversationKey
	FirstFrame uint32
	LastFrame  uint32
	Packets    uint32

	data map[string]any
}

// Data returns the per-protocol state stored on the conversation.
func (c *Conversation) Data(proto string) (any, bool) {
	if c == nil || c.data == nil {
		return nil, false
	}
	v, ok := c.data[proto]
	return v, ok
}

// SetData stores per-protocol state on the conversation.
func (c *Conversation) SetData(proto string, v any) {
	if c == nil {
		return
	}
	if c.data == nil {
		c.data = make(map[string]any)
	}
	c.data[proto] = v
}

// ConversationTable holds every conversation seen in a session. Entries are
// allocated from the session scope.
type ConversationTable struct {
	scope *memscope.Scope
	byKey map[ConversationKey]*Conversation
	order []*Conversation
}

func newConversationTable(scope *memscope.Scope) *ConversationTable {
	return &ConversationTable{
		scope: scope,
		byKey: make(map[ConversationKey]*Conversation),
	}
}

// FindOrCreate returns the conversation for key, creating it at frame if it
// does not exist yet.
func (t *ConversationTable) FindOrCreate(key ConversationKey, frame uint32) *Conversation {
	if c, ok := t.byKey[key]; ok {
		if frame > c.LastFrame {
			c.LastFrame = frame
			c.Packets++
		}
		return c
	}

	c := memscope.Alloc[Conversation](t.scope)
	c.ID = uint32(len(t.order) + 1)
	c.Key = key
	c.FirstFrame = frame
	c.LastFrame = frame
	c.Packets = 1
	t.byKey[key] = c
	t.order = append(t.order, c)
	return c
}

// Find returns the conversation for key without creating one.
func (t *ConversationTable) Find(key ConversationKey) (*Conversation, bool) {
	c, ok := t.byKey[key]
	return c, ok
}

// Len returns the number of conversations.
func (t *ConversationTable) Len() int { return len(t.order) }

// All returns conversations in creation order.
func (t *ConversationTable) All() []*Conversation {
	out := make([]*Conversation, len(t.order))
	copy(out, t.order)
	return out
}

func (t *ConversationTable) clear() {
	t.byKey = make(map[ConversationKey]*Conversation)
	t.order = nil
}
