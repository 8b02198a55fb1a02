package stats

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/endorses/lippytap/internal/pkg/epan"
	"github.com/endorses/lippytap/internal/pkg/tap"
)

func init() {
	MustRegister(Descriptor{
		Name:        "proto,counts",
		Description: "Frames and bytes per protocol layer",
		New:         newProtoCounts,
	})
}

// ProtoCount is one protocol row of a proto,counts module.
type ProtoCount struct {
	Protocol string `json:"protocol"`
	Frames   uint64 `json:"frames"`
	Bytes    uint64 `json:"bytes"`
}

// ProtoCountsResult is the JSON form of a proto,counts module.
type ProtoCountsResult struct {
	Name      string       `json:"name"`
	Filter    string       `json:"filter,omitempty"`
	Frames    uint64       `json:"frames"`
	Protocols []ProtoCount `json:"protocols"`
}

type protoCounts struct {
	base
	frames uint64
	counts map[string]*ProtoCount
}

func newProtoCounts(args Args) (Module, error) {
	return &protoCounts{base: newBase(args, "frame"), counts: make(map[string]*ProtoCount)}, nil
}

// Malformed frames are still frames.
func (m *protoCounts) Flags() tap.Flags { return tap.RequiresErrorPackets }

func (m *protoCounts) Reset() {
	m.frames = 0
	m.counts = make(map[string]*ProtoCount)
}

func (m *protoCounts) Packet(pinfo *epan.PacketInfo, _ *epan.Context, _ any) tap.PacketStatus {
	m.frames++
	seen := make(map[string]bool, len(pinfo.Layers))
	for _, proto := range pinfo.Layers {
		if seen[proto] {
			continue
		}
		seen[proto] = true
		c, ok := m.counts[proto]
		if !ok {
			c = &ProtoCount{Protocol: proto}
			m.counts[proto] = c
		}
		c.Frames++
		c.Bytes += uint64(pinfo.Frame.Length)
	}
	return tap.Redraw
}

func (m *protoCounts) Draw() { m.draw(m) }

// sorted returns the rows by descending frame count, then name.
func (m *protoCounts) sorted() []ProtoCount {
	out := make([]ProtoCount, 0, len(m.counts))
	for _, c := range m.counts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Frames != out[j].Frames {
			return out[i].Frames > out[j].Frames
		}
		return out[i].Protocol < out[j].Protocol
	})
	return out
}

func (m *protoCounts) Result() any {
	return ProtoCountsResult{Name: m.name, Filter: m.filter, Frames: m.frames, Protocols: m.sorted()}
}

func (m *protoCounts) WriteReport(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintln(&b, rule())
	fmt.Fprintln(&b, "Protocol Counts:")
	fmt.Fprintf(&b, "Filter: %s\n", m.filter)
	fmt.Fprintf(&b, "Frames: %d\n", m.frames)
	fmt.Fprintf(&b, "%-20s %10s %14s %10s\n", "Protocol", "Frames", "Bytes", "% Frames")
	for _, c := range m.sorted() {
		pct := 0.0
		if m.frames > 0 {
			pct = float64(c.Frames) / float64(m.frames) * 100
		}
		fmt.Fprintf(&b, "%-20s %10d %14d %9.2f%%\n", c.Protocol, c.Frames, c.Bytes, pct)
	}
	fmt.Fprintln(&b, rule())
	_, err := io.WriteString(w, b.String())
	return err
}
