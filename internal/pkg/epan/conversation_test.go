package epan

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConversationKey_Bidirectional(t *testing.T) {
	a := net.ParseIP("10.0.0.1")
	b := net.ParseIP("10.0.0.2")

	tests := []struct {
		name string
		k1   ConversationKey
		k2   ConversationKey
	}{
		{
			name: "different addresses",
			k1:   NewConversationKey("udp", a, 5000, b, 53),
			k2:   NewConversationKey("udp", b, 53, a, 5000),
		},
		{
			name: "same address",
			k1:   NewConversationKey("tcp", a, 80, a, 8080),
			k2:   NewConversationKey("tcp", a, 8080, a, 80),
		},
		{
			name: "mapped IPv4",
			k1:   NewConversationKey("udp", a.To16(), 1, b, 2),
			k2:   NewConversationKey("udp", b.To4(), 2, a.To4(), 1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.k1, tt.k2)
		})
	}

	assert.NotEqual(t,
		NewConversationKey("udp", a, 1, b, 2),
		NewConversationKey("tcp", a, 1, b, 2))
}

func TestConversationTable(t *testing.T) {
	s := NewSession(Config{}, ProviderFuncs{})
	defer s.Close()
	table := s.Conversations()

	key := NewConversationKey("udp", net.ParseIP("10.0.0.1"), 5000, net.ParseIP("10.0.0.2"), 53)
	_, ok := table.Find(key)
	assert.False(t, ok)

	c := table.FindOrCreate(key, 1)
	require.NotNil(t, c)
	assert.Equal(t, uint32(1), c.ID)
	assert.Equal(t, uint32(1), c.Packets)

	again := table.FindOrCreate(key, 3)
	assert.Same(t, c, again)
	assert.Equal(t, uint32(2), c.Packets)
	assert.Equal(t, uint32(3), c.LastFrame)

	table.FindOrCreate(key, 3)
	assert.Equal(t, uint32(2), c.Packets, "revisiting a frame is not counted twice")

	c.SetData("dns", 42)
	v, ok := c.Data("dns")
	require.True(t, ok)
	assert.Equal(t, 42, v)
	_, ok = c.Data("icmp")
	assert.False(t, ok)

	other := table.FindOrCreate(NewConversationKey("tcp", net.ParseIP("10.0.0.1"), 1, net.ParseIP("10.0.0.3"), 2), 4)
	assert.Equal(t, uint32(2), other.ID)
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, []*Conversation{c, other}, table.All())

	var nilConv *Conversation
	_, ok = nilConv.Data("dns")
	assert.False(t, ok)
	nilConv.SetData("dns", 1)
}
