// Package srt implements service response time tables: rows of request to
// response delays indexed by procedure or opcode number.
package srt

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/endorses/lippytap/internal/pkg/constants"
	"github.com/endorses/lippytap/internal/pkg/epan"
	"github.com/endorses/lippytap/internal/pkg/nstime"
	"github.com/endorses/lippytap/internal/pkg/timestat"
)

// MaxRows is the largest row count a table grows to.
const MaxRows = constants.MaxSRTRows

// ErrIndexOutOfRange is returned for negative indices and indices the table
// refuses to grow to.
var ErrIndexOutOfRange = errors.New("srt row index out of range")

// Row is one procedure of a table.
type Row struct {
	Index   int
	Label   string
	Labeled bool
	Stat    timestat.TimeStat
}

// Name returns the label, or a synthesized name for unlabeled rows.
func (r *Row) Name() string {
	if r.Labeled {
		return r.Label
	}
	return fmt.Sprintf("Unknown(%d)", r.Index)
}

// Table is a service response time table.
type Table struct {
	Name        string
	ColumnLabel string
	Filter      string
	// Unit is the display unit of every time column.
	Unit time.Duration

	rows []Row
}

// NewTable creates a table with hint rows, none of them labeled.
func NewTable(name string, hint int, columnLabel, filter string) *Table {
	if hint < 0 {
		hint = 0
	}
	if hint > MaxRows {
		hint = MaxRows
	}
	t := &Table{
		Name:        name,
		ColumnLabel: columnLabel,
		Filter:      filter,
		Unit:        constants.DefaultSRTUnit,
	}
	t.grow(hint)
	return t
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Row returns the row at index.
func (t *Table) Row(index int) (*Row, bool) {
	if index < 0 || index >= len(t.rows) {
		return nil, false
	}
	return &t.rows[index], true
}

func (t *Table) grow(n int) {
	for i := len(t.rows); i < n; i++ {
		t.rows = append(t.rows, Row{Index: i})
	}
}

func (t *Table) ensure(index int) error {
	if index < 0 || index >= MaxRows {
		return fmt.Errorf("%w: %d (table %q holds at most %d rows)", ErrIndexOutOfRange, index, t.Name, MaxRows)
	}
	t.grow(index + 1)
	return nil
}

// InitRow sets the label of index, growing the table if needed. Rows created
// in between stay unlabeled.
func (t *Table) InitRow(index int, label string) error {
	if err := t.ensure(index); err != nil {
		return err
	}
	r := &t.rows[index]
	r.Label = label
	r.Labeled = true
	return nil
}

// AddSample records the delay between a request seen at reqTime and the
// response packet resp. Negative delays are recorded as observed.
func (t *Table) AddSample(index int, reqTime nstime.Time, resp *epan.PacketInfo) error {
	if resp == nil {
		return fmt.Errorf("srt table %q: nil response packet", t.Name)
	}
	return t.AddDelta(index, nstime.Delta(resp.Frame.Timestamp, reqTime), resp.Frame.Number)
}

// AddDelta records a precomputed delay observed at frame.
func (t *Table) AddDelta(index int, delta nstime.Time, frame uint32) error {
	if err := t.ensure(index); err != nil {
		return err
	}
	t.rows[index].Stat.Update(delta, frame)
	return nil
}

// Reset clears every row's statistics. Labels are kept.
func (t *Table) Reset() {
	for i := range t.rows {
		t.rows[i].Stat.Init()
	}
}

// Free releases the rows and the filter. The table is empty afterwards.
func (t *Table) Free() {
	t.rows = nil
	t.Filter = ""
}

// Summary is one rendered row, with times in the table's unit rounded to
// the nearest integer.
type Summary struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	Calls    uint32 `json:"calls"`
	Min      int64  `json:"min"`
	MinFrame uint32 `json:"min_frame"`
	Max      int64  `json:"max"`
	MaxFrame uint32 `json:"max_frame"`
	Avg      int64  `json:"avg"`
	Sum      int64  `json:"sum"`
}

// Summaries returns every row that received at least one sample, in index
// order.
func (t *Table) Summaries() []Summary {
	unit := t.unit()
	var out []Summary
	for i := range t.rows {
		r := &t.rows[i]
		if r.Stat.Num == 0 {
			continue
		}
		total := r.Stat.Total.Nanoseconds()
		out = append(out, Summary{
			Index:    r.Index,
			Name:     r.Name(),
			Calls:    r.Stat.Num,
			Min:      scale(float64(r.Stat.Min.Nanoseconds()), unit),
			MinFrame: r.Stat.MinFrame,
			Max:      scale(float64(r.Stat.Max.Nanoseconds()), unit),
			MaxFrame: r.Stat.MaxFrame,
			Avg:      scale(float64(total)/float64(r.Stat.Num), unit),
			Sum:      scale(float64(total), unit),
		})
	}
	return out
}

func (t *Table) unit() time.Duration {
	if t.Unit <= 0 {
		return constants.DefaultSRTUnit
	}
	return t.Unit
}

func scale(ns float64, unit time.Duration) int64 {
	return int64(math.Round(ns / float64(unit)))
}

func unitSuffix(unit time.Duration) string {
	switch unit {
	case time.Nanosecond:
		return "ns"
	case time.Microsecond:
		return "us"
	case time.Millisecond:
		return "ms"
	case time.Second:
		return "s"
	default:
		return unit.String()
	}
}

// Draw writes the table in the tshark -z layout. Rows without samples are
// skipped.
func (t *Table) Draw(w io.Writer, withHeader, withFooter bool) error {
	var b strings.Builder
	rule := strings.Repeat("=", constants.ReportWidth)
	u := unitSuffix(t.unit())

	label := t.ColumnLabel
	if label == "" {
		label = "Procedure"
	}
	width := constants.ProcedureColumnWidth
	summaries := t.Summaries()
	for _, s := range summaries {
		if len(s.Name) > width {
			width = len(s.Name)
		}
	}
	if len(label) > width {
		width = len(label)
	}

	if withHeader {
		fmt.Fprintln(&b, rule)
		fmt.Fprintf(&b, "%s SRT Statistics:\n", t.Name)
		fmt.Fprintf(&b, "Filter: %s\n", t.Filter)
		fmt.Fprintf(&b, "Index  %-*s %8s %14s %14s %14s %16s\n", width, label,
			"Calls", "Min SRT ("+u+")", "Max SRT ("+u+")", "Avg SRT ("+u+")", "Sum SRT ("+u+")")
	}
	for _, s := range summaries {
		fmt.Fprintf(&b, "%5d  %-*s %8d %14d %14d %14d %16d\n", s.Index, width, s.Name,
			s.Calls, s.Min, s.Max, s.Avg, s.Sum)
	}
	if withFooter {
		fmt.Fprintln(&b, rule)
	}

	_, err := io.WriteString(w, b.String())
	return err
}
