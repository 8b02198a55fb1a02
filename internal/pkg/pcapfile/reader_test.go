package pcapfile

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/endorses/lippytap/internal/pkg/epan"
	"github.com/endorses/lippytap/internal/pkg/nstime"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFrames = [][]byte{
	bytes.Repeat([]byte{0xaa}, 60),
	bytes.Repeat([]byte{0xbb}, 74),
	bytes.Repeat([]byte{0xcc}, 42),
}

func frameTime(i int) time.Time {
	return time.Unix(1700000000+int64(i), int64(i)*5000)
}

func writePcap(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for i, data := range testFrames {
		ci := gopacket.CaptureInfo{Timestamp: frameTime(i), CaptureLength: len(data), Length: len(data) + 4}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return buf.Bytes()
}

func writePcapNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	intf := pcapgo.NgInterface{
		Name:                "eth0",
		Description:         "uplink",
		LinkType:            layers.LinkTypeEthernet,
		SnapLength:          65536,
		TimestampResolution: 9,
	}
	w, err := pcapgo.NewNgWriterInterface(&buf, intf, pcapgo.NgWriterOptions{})
	require.NoError(t, err)
	for i, data := range testFrames {
		ci := gopacket.CaptureInfo{Timestamp: frameTime(i), CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
	require.NoError(t, w.Flush())
	return buf.Bytes()
}

func readAll(t *testing.T, r *Reader) []epan.FrameData {
	t.Helper()
	var frames []epan.FrameData
	for {
		rec, fd, err := r.Next()
		if err == io.EOF {
			return frames
		}
		require.NoError(t, err)
		assert.Len(t, rec.Data, int(fd.CapLen))
		frames = append(frames, fd)
	}
}

func TestSniff(t *testing.T) {
	tests := []struct {
		name    string
		head    []byte
		want    Format
		wantErr bool
	}{
		{"pcap little endian", []byte{0xd4, 0xc3, 0xb2, 0xa1}, FormatPcap, false},
		{"pcap big endian", []byte{0xa1, 0xb2, 0xc3, 0xd4}, FormatPcap, false},
		{"pcap nanosecond", []byte{0x4d, 0x3c, 0xb2, 0xa1}, FormatPcap, false},
		{"pcapng", []byte{0x0a, 0x0d, 0x0d, 0x0a, 0x1c}, FormatPcapNG, false},
		{"text", []byte("GET /"), 0, true},
		{"short", []byte{0xd4}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Sniff(tt.head)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReader_Pcap(t *testing.T) {
	r, err := NewReader(bytes.NewReader(writePcap(t)))
	require.NoError(t, err)
	assert.Equal(t, FormatPcap, r.Format())

	frames := readAll(t, r)
	require.Len(t, frames, 3)
	for i, fd := range frames {
		assert.Equal(t, uint32(i+1), fd.Number)
		assert.Equal(t, layers.LinkTypeEthernet, fd.LinkType)
		assert.Equal(t, uint32(len(testFrames[i])), fd.CapLen)
		assert.Equal(t, uint32(len(testFrames[i])+4), fd.Length)
		assert.Equal(t, nstime.FromTime(frameTime(i)), fd.Timestamp)
	}
	assert.Equal(t, uint32(3), r.Frames())
	assert.Empty(t, r.Interfaces())

	// Reading past the end stays at EOF.
	_, _, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReader_PcapNG(t *testing.T) {
	r, err := NewReader(bytes.NewReader(writePcapNG(t)))
	require.NoError(t, err)
	assert.Equal(t, FormatPcapNG, r.Format())

	frames := readAll(t, r)
	require.Len(t, frames, 3)
	assert.Equal(t, layers.LinkTypeEthernet, frames[0].LinkType)
	assert.Equal(t, uint32(0), frames[0].InterfaceID)
	assert.Equal(t, nstime.FromTime(frameTime(2)), frames[2].Timestamp)

	require.Len(t, r.Interfaces(), 1)
	assert.Equal(t, "eth0", r.Interfaces()[0].Name)
}

func TestReader_Provider(t *testing.T) {
	r, err := NewReader(bytes.NewReader(writePcapNG(t)))
	require.NoError(t, err)
	p := r.Provider()

	_, ok := p.StartTimestamp()
	assert.False(t, ok, "nothing read yet")

	readAll(t, r)

	start, ok := p.StartTimestamp()
	require.True(t, ok)
	assert.Equal(t, nstime.FromTime(frameTime(0)), start)
	end, ok := p.EndTimestamp()
	require.True(t, ok)
	assert.Equal(t, nstime.FromTime(frameTime(2)), end)

	ts, ok := p.FrameTimestamp(2)
	require.True(t, ok)
	assert.Equal(t, nstime.FromTime(frameTime(1)), ts)
	_, ok = p.FrameTimestamp(0)
	assert.False(t, ok)
	_, ok = p.FrameTimestamp(4)
	assert.False(t, ok)

	name, ok := p.InterfaceName(0, 0)
	require.True(t, ok)
	assert.Equal(t, "eth0", name)
	desc, ok := p.InterfaceDescription(0, 0)
	require.True(t, ok)
	assert.Equal(t, "uplink", desc)
	_, ok = p.InterfaceName(1, 0)
	assert.False(t, ok)
	_, ok = p.InterfaceName(0, 1)
	assert.False(t, ok)
}

func TestReader_ProviderOnPcap(t *testing.T) {
	r, err := NewReader(bytes.NewReader(writePcap(t)))
	require.NoError(t, err)
	readAll(t, r)

	_, ok := r.Provider().InterfaceName(0, 0)
	assert.False(t, ok, "pcap files carry no interface names")
}

func TestNewReader_Errors(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("not a capture file")))
	assert.ErrorIs(t, err, ErrUnknownFormat)

	_, err = NewReader(bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.pcap")
	require.NoError(t, os.WriteFile(path, writePcap(t), 0o644))

	r, err := Open(path)
	require.NoError(t, err)
	assert.Len(t, readAll(t, r), 3)
	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close(), "second close is a no-op")

	_, err = Open(filepath.Join(t.TempDir(), "missing.pcap"))
	assert.Error(t, err)
}

func TestReader_Truncated(t *testing.T) {
	data := writePcap(t)
	r, err := NewReader(bytes.NewReader(data[:len(data)-10]))
	require.NoError(t, err)

	frames := readAll(t, r)
	assert.Len(t, frames, 2, "a cut-off last record ends the file")
}
