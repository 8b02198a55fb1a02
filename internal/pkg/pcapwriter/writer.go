// Package pcapwriter exports the packets of an analysis pass to a pcap file.
package pcapwriter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/endorses/lippytap/internal/pkg/constants"
	"github.com/endorses/lippytap/internal/pkg/epan"
	"github.com/endorses/lippytap/internal/pkg/logger"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ErrClosed is returned by WriteRecord after Close.
var ErrClosed = errors.New("pcap writer closed")

type packet struct {
	data  []byte
	frame epan.FrameData
}

// Writer writes records to a pcap file from a background goroutine. The
// file header takes the link type of the first record.
type Writer struct {
	filePath     string
	file         *os.File
	writer       *pcapgo.Writer
	packetChan   chan packet
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	mu           sync.Mutex
	closed       atomic.Bool
	syncTicker   *time.Ticker
	packetCount  int64
	bytesWritten int64
	writeErr     error
}

// Config for the pcap writer.
type Config struct {
	FilePath     string        // Path to the pcap file
	BufferSize   int           // Queue depth
	SnapLen      uint32        // Snapshot length in the file header
	SyncInterval time.Duration // How often to sync to disk
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		BufferSize:   constants.ExportBufferSize,
		SnapLen:      constants.ExportSnapLen,
		SyncInterval: constants.ExportSyncInterval,
	}
}

// New creates the file and starts the write loop.
func New(config *Config) (*Writer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FilePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}
	defaults := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.SnapLen == 0 {
		config.SnapLen = defaults.SnapLen
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}

	file, err := os.Create(config.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create pcap file: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		filePath:   config.FilePath,
		file:       file,
		writer:     pcapgo.NewWriter(file),
		packetChan: make(chan packet, config.BufferSize),
		ctx:        ctx,
		cancel:     cancel,
		syncTicker: time.NewTicker(config.SyncInterval),
	}

	w.wg.Add(1)
	go w.writeLoop(config.SnapLen)

	logger.Debug("Created pcap writer", "file", config.FilePath, "buffer_size", config.BufferSize)
	return w, nil
}

// WriteRecord queues one record. The data is copied, so rec may be reused
// once WriteRecord returns. It blocks while the queue is full.
func (w *Writer) WriteRecord(rec epan.Record, frame epan.FrameData) error {
	if w.closed.Load() {
		return ErrClosed
	}
	pkt := packet{data: append([]byte(nil), rec.Data...), frame: frame}
	select {
	case w.packetChan <- pkt:
		return nil
	case <-w.ctx.Done():
		return ErrClosed
	}
}

func (w *Writer) writeLoop(snapLen uint32) {
	defer w.wg.Done()

	headerWritten := false
	for {
		select {
		case pkt, ok := <-w.packetChan:
			if !ok {
				if !headerWritten {
					// An empty export is still a readable file.
					_ = w.writer.WriteFileHeader(snapLen, layers.LinkTypeEthernet)
				}
				return
			}
			if !headerWritten {
				if err := w.writer.WriteFileHeader(snapLen, pkt.frame.LinkType); err != nil {
					w.fail(fmt.Errorf("failed to write pcap header: %w", err))
					return
				}
				headerWritten = true
				logger.Debug("Wrote pcap header", "file", w.filePath, "link_type", pkt.frame.LinkType)
			}
			if err := w.writePacket(pkt); err != nil {
				logger.Error("Failed to write packet", "error", err, "file", w.filePath, "frame", pkt.frame.Number)
			}

		case <-w.syncTicker.C:
			w.mu.Lock()
			if w.file != nil {
				_ = w.file.Sync()
			}
			w.mu.Unlock()
		}
	}
}

func (w *Writer) fail(err error) {
	logger.Error("Pcap writer failed", "error", err, "file", w.filePath)
	w.mu.Lock()
	w.writeErr = err
	w.mu.Unlock()
	w.cancel()
	// Unblock the queue so Close can finish.
	for range w.packetChan {
	}
}

func (w *Writer) writePacket(pkt packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	length := int(pkt.frame.Length)
	if length < len(pkt.data) {
		length = len(pkt.data)
	}
	ci := gopacket.CaptureInfo{
		Timestamp:      pkt.frame.Timestamp.Time(),
		CaptureLength:  len(pkt.data),
		Length:         length,
		InterfaceIndex: int(pkt.frame.InterfaceID),
	}
	if err := w.writer.WritePacket(ci, pkt.data); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}

	atomic.AddInt64(&w.packetCount, 1)
	atomic.AddInt64(&w.bytesWritten, int64(len(pkt.data)))
	return nil
}

// Close drains the queue, syncs and closes the file. It returns the error
// that stopped the write loop, if any.
func (w *Writer) Close() error {
	if w.closed.Swap(true) {
		return nil
	}

	close(w.packetChan)
	w.wg.Wait()
	w.syncTicker.Stop()
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			logger.Warn("Failed to sync pcap file", "error", err, "file", w.filePath)
		}
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close pcap file: %w", err)
		}
		w.file = nil
	}

	logger.Info("Closed pcap writer",
		"file", w.filePath,
		"packets", w.packetCount,
		"bytes", w.bytesWritten)
	return w.writeErr
}

// Stats returns the packets and bytes written so far.
func (w *Writer) Stats() (packetCount, bytesWritten int64) {
	return atomic.LoadInt64(&w.packetCount), atomic.LoadInt64(&w.bytesWritten)
}

// FilePath returns the file path being written to.
func (w *Writer) FilePath() string {
	return w.filePath
}
