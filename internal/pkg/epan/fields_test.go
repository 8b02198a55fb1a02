package epan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldRegistry_Register(t *testing.T) {
	r := NewFieldRegistry()

	proto, err := r.RegisterProtocol("foo", "Foo Protocol")
	require.NoError(t, err)
	assert.NotZero(t, proto)

	id, err := r.RegisterField(proto, "foo.len", "Length", FieldUint)
	require.NoError(t, err)

	fi, ok := r.Info(id)
	require.True(t, ok)
	assert.Equal(t, "foo.len", fi.Abbrev)
	assert.Equal(t, proto, fi.Parent)
	assert.False(t, fi.IsProtocol())

	got, ok := r.Lookup("foo.len")
	assert.True(t, ok)
	assert.Equal(t, id, got)
	assert.True(t, r.Known("foo"))
	assert.False(t, r.Known("bar"))
}

func TestFieldRegistry_Errors(t *testing.T) {
	r := NewFieldRegistry()
	proto := r.MustRegisterProtocol("foo", "Foo")

	tests := []struct {
		name string
		fn   func() error
	}{
		{
			name: "empty abbreviation",
			fn: func() error {
				_, err := r.RegisterProtocol("", "Empty")
				return err
			},
		},
		{
			name: "unknown parent",
			fn: func() error {
				_, err := r.RegisterField(FieldID(99), "foo.x", "X", FieldUint)
				return err
			},
		},
		{
			name: "protocol through RegisterField",
			fn: func() error {
				_, err := r.RegisterField(proto, "foo.sub", "Sub", FieldProtocol)
				return err
			},
		},
		{
			name: "type conflict",
			fn: func() error {
				_, err := r.RegisterField(proto, "foo", "Foo again", FieldUint)
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.fn())
		})
	}
}

func TestFieldRegistry_IdempotentRegistration(t *testing.T) {
	r := NewFieldRegistry()
	p1 := r.MustRegisterProtocol("foo", "Foo")
	p2 := r.MustRegisterProtocol("foo", "Foo")
	assert.Equal(t, p1, p2)

	f1 := r.MustRegisterField(p1, "foo.len", "Length", FieldUint)
	f2 := r.MustRegisterField(p1, "foo.len", "Length", FieldUint)
	assert.Equal(t, f1, f2)
	assert.Len(t, r.All(), 2)
}

func TestFieldRegistry_AllSorted(t *testing.T) {
	r := NewFieldRegistry()
	b := r.MustRegisterProtocol("bbb", "B")
	r.MustRegisterField(b, "bbb.a", "A", FieldString)
	r.MustRegisterProtocol("aaa", "A")

	var names []string
	for _, fi := range r.All() {
		names = append(names, fi.Abbrev)
	}
	assert.Equal(t, []string{"aaa", "bbb", "bbb.a"}, names)
	assert.Equal(t, "", r.Abbrev(FieldID(1000)))
}

func TestFieldRegistry_MustPanics(t *testing.T) {
	r := NewFieldRegistry()
	assert.Panics(t, func() {
		r.MustRegisterField(FieldID(5), "x.y", "Y", FieldUint)
	})
}
