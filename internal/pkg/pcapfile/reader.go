// Package pcapfile reads pcap and pcapng capture files and serves the frame
// metadata a dissection session asks its provider for.
package pcapfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/endorses/lippytap/internal/pkg/epan"
	"github.com/endorses/lippytap/internal/pkg/logger"
	"github.com/endorses/lippytap/internal/pkg/nstime"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ErrUnknownFormat is returned for files that are neither pcap nor pcapng.
var ErrUnknownFormat = errors.New("unknown capture file format")

// Format is the on-disk container format.
type Format int

const (
	FormatPcap Format = iota
	FormatPcapNG
)

func (f Format) String() string {
	if f == FormatPcapNG {
		return "pcapng"
	}
	return "pcap"
}

var (
	magicMicroLE = []byte{0xd4, 0xc3, 0xb2, 0xa1}
	magicMicroBE = []byte{0xa1, 0xb2, 0xc3, 0xd4}
	magicNanoLE  = []byte{0x4d, 0x3c, 0xb2, 0xa1}
	magicNanoBE  = []byte{0xa1, 0xb2, 0x3c, 0x4d}
	magicNG      = []byte{0x0a, 0x0d, 0x0d, 0x0a}
)

// Sniff returns the format announced by the first bytes of a file.
func Sniff(head []byte) (Format, error) {
	if len(head) < 4 {
		return 0, fmt.Errorf("%w: short header", ErrUnknownFormat)
	}
	m := head[:4]
	switch {
	case bytes.Equal(m, magicNG):
		return FormatPcapNG, nil
	case bytes.Equal(m, magicMicroLE), bytes.Equal(m, magicMicroBE),
		bytes.Equal(m, magicNanoLE), bytes.Equal(m, magicNanoBE):
		return FormatPcap, nil
	}
	return 0, fmt.Errorf("%w: magic % x", ErrUnknownFormat, m)
}

// Interface describes one pcapng interface description block.
type Interface struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	LinkType    layers.LinkType `json:"link_type"`
}

// Reader yields the records of a capture file in order and remembers the
// timestamp of every frame it has returned.
type Reader struct {
	format Format
	pcap   *pcapgo.Reader
	ng     *pcapgo.NgReader
	closer io.Closer

	frame      uint32
	timestamps []nstime.Time
	ifaces     []Interface
}

// Open opens the capture file at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.closer = f
	logger.Debug("Opened capture file", "file", path, "format", r.format.String())
	return r, nil
}

// NewReader sniffs the format of src and prepares to read from it.
func NewReader(src io.Reader) (*Reader, error) {
	br := bufio.NewReader(src)
	head, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownFormat, err)
	}
	format, err := Sniff(head)
	if err != nil {
		return nil, err
	}

	r := &Reader{format: format}
	switch format {
	case FormatPcapNG:
		r.ng, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	default:
		r.pcap, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s header: %w", format, err)
	}
	return r, nil
}

// Format returns the container format.
func (r *Reader) Format() Format { return r.format }

// Frames returns the number of frames read so far.
func (r *Reader) Frames() uint32 { return r.frame }

// Next returns the next record and its frame metadata. Frames are numbered
// from 1. It returns io.EOF after the last record.
func (r *Reader) Next() (epan.Record, epan.FrameData, error) {
	var (
		data []byte
		err  error
		fd   epan.FrameData
	)
	if r.ng != nil {
		d, info, e := r.ng.ReadPacketData()
		data, err = d, e
		if err == nil {
			fd.Timestamp = nstime.FromTime(info.Timestamp)
			fd.CapLen = uint32(info.CaptureLength)
			fd.Length = uint32(info.Length)
			fd.InterfaceID = uint32(info.InterfaceIndex)
			fd.LinkType = r.interfaceLinkType(info.InterfaceIndex)
		}
	} else {
		d, info, e := r.pcap.ReadPacketData()
		data, err = d, e
		if err == nil {
			fd.Timestamp = nstime.FromTime(info.Timestamp)
			fd.CapLen = uint32(info.CaptureLength)
			fd.Length = uint32(info.Length)
			fd.LinkType = r.pcap.LinkType()
		}
	}
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return epan.Record{}, epan.FrameData{}, io.EOF
		}
		return epan.Record{}, epan.FrameData{}, fmt.Errorf("frame %d: %w", r.frame+1, err)
	}

	r.frame++
	fd.Number = r.frame
	r.timestamps = append(r.timestamps, fd.Timestamp)
	return epan.Record{Data: data}, fd, nil
}

func (r *Reader) interfaceLinkType(index int) layers.LinkType {
	r.loadInterfaces()
	if index >= 0 && index < len(r.ifaces) {
		return r.ifaces[index].LinkType
	}
	return r.ng.LinkType()
}

// loadInterfaces picks up interface blocks seen since the last call.
func (r *Reader) loadInterfaces() {
	if r.ng == nil {
		return
	}
	for i := len(r.ifaces); i < r.ng.NInterfaces(); i++ {
		intf, err := r.ng.Interface(i)
		if err != nil {
			break
		}
		r.ifaces = append(r.ifaces, Interface{
			Name:        intf.Name,
			Description: intf.Description,
			LinkType:    intf.LinkType,
		})
	}
}

// Interfaces returns the pcapng interfaces seen so far. Plain pcap files
// have none.
func (r *Reader) Interfaces() []Interface {
	r.loadInterfaces()
	return append([]Interface(nil), r.ifaces...)
}

// FrameTimestamp returns the timestamp of a frame already read.
func (r *Reader) FrameTimestamp(frame uint32) (nstime.Time, bool) {
	if frame == 0 || int(frame) > len(r.timestamps) {
		return nstime.Time{}, false
	}
	return r.timestamps[frame-1], true
}

// StartTimestamp returns the timestamp of the first frame.
func (r *Reader) StartTimestamp() (nstime.Time, bool) {
	return r.FrameTimestamp(1)
}

// EndTimestamp returns the timestamp of the last frame read so far.
func (r *Reader) EndTimestamp() (nstime.Time, bool) {
	return r.FrameTimestamp(r.frame)
}

func (r *Reader) interfaceInfo(id, section uint32) (Interface, bool) {
	// gopacket merges sections into one interface list.
	if section != 0 {
		return Interface{}, false
	}
	r.loadInterfaces()
	if int(id) >= len(r.ifaces) {
		return Interface{}, false
	}
	return r.ifaces[id], true
}

// Provider returns session callbacks backed by r.
func (r *Reader) Provider() epan.ProviderFuncs {
	return epan.ProviderFuncs{
		FrameTimestamp: r.FrameTimestamp,
		StartTimestamp: r.StartTimestamp,
		EndTimestamp:   r.EndTimestamp,
		InterfaceName: func(id, section uint32) (string, bool) {
			intf, ok := r.interfaceInfo(id, section)
			if !ok || intf.Name == "" {
				return "", false
			}
			return intf.Name, true
		},
		InterfaceDescription: func(id, section uint32) (string, bool) {
			intf, ok := r.interfaceInfo(id, section)
			if !ok || intf.Description == "" {
				return "", false
			}
			return intf.Description, true
		},
	}
}

// Close closes the underlying file when the reader was opened with Open.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}
