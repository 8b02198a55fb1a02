// Package analysis drives a whole-trace pass: every record from a source is
// dissected in one pooled context with taps enabled, and the statistics are
// drawn once the source is exhausted or the pass is cancelled.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/endorses/lippytap/internal/pkg/dfilter"
	"github.com/endorses/lippytap/internal/pkg/epan"
	"github.com/endorses/lippytap/internal/pkg/logger"
	"github.com/endorses/lippytap/internal/pkg/tap"
)

// RecordSource yields records in frame order and io.EOF at the end.
type RecordSource interface {
	Next() (epan.Record, epan.FrameData, error)
}

// PacketFunc is called for every packet that passes the read filter, after
// its taps have run. rec and the context are only valid during the call.
type PacketFunc func(rec epan.Record, pinfo *epan.PacketInfo, c *epan.Context)

// Options configures a Runner.
type Options struct {
	// ReadFilter drops packets from the Matched count and from OnPacket.
	// Taps still see every packet.
	ReadFilter *dfilter.Filter
	// WantTree builds a visible tree for every packet.
	WantTree bool
	// Columns fills the summary columns handed to OnPacket.
	Columns  bool
	OnPacket PacketFunc
}

// Summary describes a finished pass.
type Summary struct {
	Frames    uint64        `json:"frames"`
	Matched   uint64        `json:"matched"`
	Malformed uint64        `json:"malformed"`
	Faulted   uint64        `json:"faulted"`
	Drawn     int           `json:"drawn"`
	Cancelled bool          `json:"cancelled,omitempty"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// Runner runs analysis passes over one session.
type Runner struct {
	session *epan.Session
	taps    *tap.Registry
	opts    Options
}

// NewRunner returns a runner dissecting in session and drawing the
// listeners of taps. taps must be the registry the session emits to.
func NewRunner(session *epan.Session, taps *tap.Registry, opts Options) *Runner {
	return &Runner{session: session, taps: taps, opts: opts}
}

// Run dissects every record of src. Cancelling ctx stops the pass before the
// next frame; the listeners are drawn in either case. An abort raised by a
// strict fault sink ends the pass with that error.
func (r *Runner) Run(ctx context.Context, src RecordSource) (Summary, error) {
	var sum Summary
	start := time.Now()

	c, err := r.session.NewContext(r.opts.WantTree, r.opts.WantTree)
	if err != nil {
		return sum, fmt.Errorf("failed to create dissection context: %w", err)
	}
	defer c.Free()

	var cols *epan.Columns
	if r.opts.Columns {
		cols = &epan.Columns{}
	}

	if r.taps != nil {
		r.taps.ResetAll()
	}

	runErr := r.loop(ctx, c, cols, src, &sum)

	if r.taps != nil {
		sum.Drawn = r.taps.DrawDirty()
	}
	sum.Elapsed = time.Since(start)

	logger.Info("Analysis finished",
		"frames", sum.Frames,
		"matched", sum.Matched,
		"malformed", sum.Malformed,
		"cancelled", sum.Cancelled,
		"elapsed", sum.Elapsed)
	return sum, runErr
}

func (r *Runner) loop(ctx context.Context, c *epan.Context, cols *epan.Columns, src RecordSource, sum *Summary) error {
	for {
		select {
		case <-ctx.Done():
			sum.Cancelled = true
			logger.Debug("Analysis cancelled", "frames", sum.Frames, "reason", ctx.Err())
			return nil
		default:
		}

		rec, fd, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read record: %w", err)
		}

		c.Reset()
		c.PrimeWithFilter(r.opts.ReadFilter)
		cols.Clear()
		if err := c.Run(rec, fd, cols, true); err != nil {
			return fmt.Errorf("frame %d: %w", fd.Number, err)
		}

		pinfo := c.PacketInfo()
		sum.Frames++
		if pinfo.Malformed {
			sum.Malformed++
		}
		if pinfo.Faulted {
			sum.Faulted++
		}
		if !r.opts.ReadFilter.Match(c) {
			continue
		}
		sum.Matched++
		if r.opts.OnPacket != nil {
			r.opts.OnPacket(rec, pinfo, c)
		}
	}
}

// SliceSource serves records from memory.
type SliceSource struct {
	Records []epan.Record
	Frames  []epan.FrameData
	pos     int
}

// Add appends a record. Frames without a number are numbered by position.
func (s *SliceSource) Add(rec epan.Record, fd epan.FrameData) {
	if fd.Number == 0 {
		fd.Number = uint32(len(s.Records) + 1)
	}
	s.Records = append(s.Records, rec)
	s.Frames = append(s.Frames, fd)
}

// Next implements RecordSource.
func (s *SliceSource) Next() (epan.Record, epan.FrameData, error) {
	if s.pos >= len(s.Records) {
		return epan.Record{}, epan.FrameData{}, io.EOF
	}
	i := s.pos
	s.pos++
	return s.Records[i], s.Frames[i], nil
}

// Rewind starts over at the first record.
func (s *SliceSource) Rewind() { s.pos = 0 }
