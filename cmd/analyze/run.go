package analyze

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/endorses/lippytap/internal/pkg/analysis"
	"github.com/endorses/lippytap/internal/pkg/dissectors"
	"github.com/endorses/lippytap/internal/pkg/epan"
	"github.com/endorses/lippytap/internal/pkg/logger"
	"github.com/endorses/lippytap/internal/pkg/pcapfile"
	"github.com/endorses/lippytap/internal/pkg/pcapwriter"
	"github.com/endorses/lippytap/internal/pkg/stats"
	"github.com/endorses/lippytap/internal/pkg/tap"
)

// Config is everything one analysis pass needs.
type Config struct {
	File       string
	Stats      []string
	ReadFilter string
	// Count stops after this many frames; zero reads the whole file.
	Count  int
	Strict bool
	// Print writes a summary line for every packet passing ReadFilter.
	Print bool
	// WriteFile exports the packets passing ReadFilter to a pcap file.
	WriteFile string
	// JSON collects statistic results instead of drawing them as text.
	JSON bool
}

// StatResult is one statistic in a JSON report.
type StatResult struct {
	Spec   string `json:"spec"`
	Name   string `json:"name"`
	Filter string `json:"filter,omitempty"`
	Result any    `json:"result"`
}

// Report is the outcome of one pass.
type Report struct {
	File     string           `json:"file"`
	Format   string           `json:"format"`
	Session  string           `json:"session_id"`
	Summary  analysis.Summary `json:"summary"`
	Exported int64            `json:"exported,omitempty"`
	Stats    []StatResult     `json:"stats"`
	Errors   []string         `json:"errors,omitempty"`
}

type attached struct {
	spec   string
	module stats.Module
	handle tap.Handle
}

// Run analyses cfg.File. Text reports and packet lines go to out; per-stat
// setup failures are written to errOut and the pass continues without them.
func Run(ctx context.Context, cfg Config, out, errOut io.Writer) (*Report, error) {
	reader, err := pcapfile.Open(cfg.File)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	reg := tap.NewRegistry(nil)
	table, err := dissectors.NewTable(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to build decoder table: %w", err)
	}
	reg.SetFields(table.Fields())

	var sink epan.FaultSink = epan.LoggingFaultSink{}
	if cfg.Strict {
		sink = epan.AbortOnFaultSink{MinSeverity: epan.SeverityWarning, Next: sink}
	}
	session := epan.NewSession(epan.Config{
		Decoders:     table,
		Taps:         reg,
		FaultSink:    sink,
		StrictFields: cfg.Strict,
	}, reader.Provider())
	defer session.Close()

	report := &Report{
		File:    cfg.File,
		Format:  reader.Format().String(),
		Session: session.ID().String(),
		Stats:   []StatResult{},
	}

	filter, err := session.CompileFilter(cfg.ReadFilter)
	if err != nil {
		return nil, fmt.Errorf("invalid read filter: %w", err)
	}

	var drawTo io.Writer
	if !cfg.JSON {
		drawTo = out
	}
	mods := attachStats(reg, cfg.Stats, drawTo, errOut, report)
	defer func() {
		for _, a := range mods {
			if err := reg.Remove(a.handle); err != nil && !errors.Is(err, tap.ErrUnknownHandle) {
				logger.Warn("Failed to remove statistic", "name", a.module.Name(), "error", err)
			}
		}
	}()

	var export *pcapwriter.Writer
	if cfg.WriteFile != "" {
		if cfg.WriteFile == cfg.File {
			return nil, errors.New("refusing to overwrite the capture file being read")
		}
		cfgW := pcapwriter.DefaultConfig()
		cfgW.FilePath = cfg.WriteFile
		if export, err = pcapwriter.New(cfgW); err != nil {
			return nil, err
		}
	}
	printing := cfg.Print && !cfg.JSON

	opts := analysis.Options{ReadFilter: filter, Columns: printing}
	if printing || export != nil {
		opts.OnPacket = func(rec epan.Record, pinfo *epan.PacketInfo, _ *epan.Context) {
			if printing {
				fmt.Fprintln(out, packetLine(pinfo))
			}
			if export != nil {
				if err := export.WriteRecord(rec, pinfo.Frame); err != nil {
					logger.Warn("Failed to export packet", "frame", pinfo.Frame.Number, "error", err)
				}
			}
		}
	}

	var src analysis.RecordSource = reader
	if cfg.Count > 0 {
		src = &limitSource{src: reader, left: cfg.Count}
	}

	runner := analysis.NewRunner(session, reg, opts)
	sum, runErr := runner.Run(ctx, src)
	report.Summary = sum

	if export != nil {
		if err := export.Close(); err != nil && runErr == nil {
			runErr = err
		}
		report.Exported, _ = export.Stats()
	}

	for _, a := range mods {
		report.Stats = append(report.Stats, StatResult{
			Spec:   a.spec,
			Name:   a.module.Name(),
			Filter: a.module.Filter(),
			Result: a.module.Result(),
		})
	}
	return report, runErr
}

func attachStats(reg *tap.Registry, specs []string, out, errOut io.Writer, report *Report) []attached {
	var mods []attached
	for _, spec := range specs {
		m, err := stats.Default().New(spec, out)
		if err == nil {
			var h tap.Handle
			h, err = stats.Attach(reg, m)
			if err == nil {
				mods = append(mods, attached{spec: spec, module: m, handle: h})
				continue
			}
		}
		msg := fmt.Sprintf("invalid -z argument %q: %v", spec, err)
		fmt.Fprintln(errOut, "lippytap: "+msg)
		report.Errors = append(report.Errors, msg)
	}
	return mods
}

func packetLine(pinfo *epan.PacketInfo) string {
	cols := pinfo.Columns
	rel := 0.0
	if t, ok := pinfo.RelativeTime(); ok {
		rel = t.Duration().Seconds()
	}
	return fmt.Sprintf("%6d %11.6f %15s -> %-15s %-6s %s",
		pinfo.Frame.Number, rel,
		cols.Get(epan.ColSource), cols.Get(epan.ColDestination),
		cols.Get(epan.ColProtocol), cols.Get(epan.ColInfo))
}

// limitSource stops after left records.
type limitSource struct {
	src  analysis.RecordSource
	left int
}

func (s *limitSource) Next() (epan.Record, epan.FrameData, error) {
	if s.left <= 0 {
		return epan.Record{}, epan.FrameData{}, io.EOF
	}
	s.left--
	return s.src.Next()
}
