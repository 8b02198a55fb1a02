package statsprofile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
read_filter: "not icmp"
stats:
  - name: dns,srt
    filter: ip.addr in {10.0.0.0/8}
  - name: icmp,srt
    disabled: true
  - name: proto,counts
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "not icmp", p.ReadFilter)
	require.Len(t, p.Stats, 3)
	assert.Equal(t, Entry{Name: "dns,srt", Filter: "ip.addr in {10.0.0.0/8}"}, p.Stats[0])
	assert.True(t, p.Stats[1].Disabled)
	assert.Equal(t, []string{"dns,srt,ip.addr in {10.0.0.0/8}", "proto,counts"}, p.Specs())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad yaml", "stats: [name: {"},
		{"missing name", "stats:\n  - filter: dns\n"},
		{"wrong type", "stats: 3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestParseFile_Missing(t *testing.T) {
	p, err := ParseFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, p.Stats)
	assert.Empty(t, p.Specs())
}

func TestWriteFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "stats.yaml")
	in := FromSpecs([]string{"dns,srt", "icmp,srt,icmp.type == 8", "proto,counts,udp.port in {53 5353}"})

	require.NoError(t, WriteFile(path, in))
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file is renamed away")

	out, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, in.Stats, out.Stats)
	assert.Equal(t, Entry{Name: "icmp,srt", Filter: "icmp.type == 8"}, out.Stats[1])
}

func TestFromSpecs(t *testing.T) {
	p := FromSpecs([]string{"dns,srt", "dns,srt,dns.flags.response == 1"})
	assert.Equal(t, []Entry{
		{Name: "dns,srt"},
		{Name: "dns,srt", Filter: "dns.flags.response == 1"},
	}, p.Stats)
}

func TestDefaultPath(t *testing.T) {
	assert.Equal(t, "stats.yaml", filepath.Base(DefaultPath()))
}
