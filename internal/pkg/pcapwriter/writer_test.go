package pcapwriter

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/endorses/lippytap/internal/pkg/epan"
	"github.com/endorses/lippytap/internal/pkg/nstime"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.pcap")
	w, err := New(&Config{FilePath: path, BufferSize: 4, SyncInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	return w, path
}

func readBack(t *testing.T, path string) (*pcapgo.Reader, *os.File) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	return r, f
}

func TestNew(t *testing.T) {
	w, path := newWriter(t)
	defer w.Close()

	assert.Equal(t, path, w.FilePath())
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestNew_EmptyPath(t *testing.T) {
	_, err := New(&Config{})
	assert.Error(t, err)

	_, err = New(nil)
	assert.Error(t, err)
}

func TestWriteRecord(t *testing.T) {
	w, path := newWriter(t)

	data := []byte{1, 2, 3, 4, 5, 6}
	frames := []epan.FrameData{
		{Number: 1, Timestamp: nstime.New(1700000000, 250000000), Length: 60, LinkType: layers.LinkTypeRaw},
		{Number: 2, Timestamp: nstime.New(1700000001, 0), LinkType: layers.LinkTypeRaw},
	}
	for _, fd := range frames {
		require.NoError(t, w.WriteRecord(epan.Record{Data: data}, fd))
	}
	// The record buffer may be reused after WriteRecord returns.
	data[0] = 0xff

	require.NoError(t, w.Close())
	packets, bytes := w.Stats()
	assert.Equal(t, int64(2), packets)
	assert.Equal(t, int64(12), bytes)

	r, _ := readBack(t, path)
	assert.Equal(t, layers.LinkTypeRaw, r.LinkType())

	got, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, got)
	assert.Equal(t, 60, ci.Length)
	assert.Equal(t, 6, ci.CaptureLength)
	assert.Equal(t, time.Unix(1700000000, 250000000).UTC(), ci.Timestamp.UTC())

	_, ci, err = r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, 6, ci.Length, "length never drops below the captured bytes")
}

func TestClose_EmptyFileIsReadable(t *testing.T) {
	w, path := newWriter(t)
	require.NoError(t, w.Close())

	r, _ := readBack(t, path)
	assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())
}

func TestClose_Idempotent(t *testing.T) {
	w, _ := newWriter(t)
	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())
	assert.ErrorIs(t, w.WriteRecord(epan.Record{Data: []byte{1}}, epan.FrameData{}), ErrClosed)
}
