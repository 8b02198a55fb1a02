// Package constants provides shared constants used across lippytap components.
package constants

import "time"

// Shutdown and cancellation
const (
	// GracefulShutdownTimeout is how long the CLI waits for the analysis
	// runner to finish drawing after a second signal before exiting
	GracefulShutdownTimeout = 2 * time.Second

	// SignalChannelBuffer is the buffer size for OS signal channels
	SignalChannelBuffer = 1
)

// Service response time tables
//
// Table Sizing Strategy:
//
// 1. Hint (DefaultSRTRows):
//   - Rows allocated up front when a module does not know its procedure count
//   - Tables grow on demand past the hint
//
// 2. Cap (MaxSRTRows):
//   - Largest index a table accepts; larger indices are reported to the
//     caller as out of range instead of allocating unbounded memory
//   - 65536 covers every 16-bit opcode or procedure number
const (
	// DefaultSRTRows is the row hint for tables without a known size
	DefaultSRTRows = 16

	// MaxSRTRows bounds the index a service response time table grows to
	MaxSRTRows = 65536

	// DefaultSRTUnit is the display unit for SRT columns
	DefaultSRTUnit = time.Microsecond
)

// Report rendering
const (
	// ReportWidth is the width of the "====" rules around tap reports
	ReportWidth = 80

	// ProcedureColumnWidth is the minimum width of the label column
	ProcedureColumnWidth = 16
)

// Request matching
const (
	// DNSRetransmitWindow is how close in time a repeated DNS query with the
	// same transaction id must be to count as a retransmission
	DNSRetransmitWindow = 5 * time.Second
)

// Packet export
const (
	// ExportBufferSize is the queue depth between the analysis pass and the
	// export file writer
	ExportBufferSize = 1000

	// ExportSnapLen is the snapshot length written to export file headers
	ExportSnapLen = 65536

	// ExportSyncInterval is how often the export file is synced to disk
	ExportSyncInterval = 5 * time.Second
)
