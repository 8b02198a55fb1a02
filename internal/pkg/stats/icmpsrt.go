package stats

import (
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/endorses/lippytap/internal/pkg/dissectors"
	"github.com/endorses/lippytap/internal/pkg/epan"
	"github.com/endorses/lippytap/internal/pkg/tap"
	"github.com/endorses/lippytap/internal/pkg/timestat"
)

func init() {
	MustRegister(Descriptor{
		Name:        "icmp,srt",
		Description: "ICMP echo request/reply response time and loss",
		New:         newICMPSRT,
	})
}

// ICMPSRTResult is the JSON form of an icmp,srt module. Times are in
// milliseconds.
type ICMPSRTResult struct {
	Name     string  `json:"name"`
	Filter   string  `json:"filter,omitempty"`
	Requests uint64  `json:"requests"`
	Replies  uint64  `json:"replies"`
	Lost     uint64  `json:"lost"`
	LossPct  float64 `json:"loss_pct"`
	Min      float64 `json:"min_ms"`
	Max      float64 `json:"max_ms"`
	Mean     float64 `json:"mean_ms"`
	Median   float64 `json:"median_ms"`
	StdDev   float64 `json:"stddev_ms"`
	MinFrame uint32  `json:"min_frame"`
	MaxFrame uint32  `json:"max_frame"`
}

type icmpSRT struct {
	base
	stat     timestat.TimeStat
	samples  []float64
	requests uint64
	replies  uint64
}

func newICMPSRT(args Args) (Module, error) {
	return &icmpSRT{base: newBase(args, "icmp")}, nil
}

func (m *icmpSRT) Flags() tap.Flags { return tap.RequiresNothing }

func (m *icmpSRT) Reset() {
	m.stat.Init()
	m.samples = m.samples[:0]
	m.requests, m.replies = 0, 0
}

func (m *icmpSRT) Packet(_ *epan.PacketInfo, _ *epan.Context, record any) tap.PacketStatus {
	rec, ok := record.(*dissectors.ICMPRecord)
	if !ok {
		return tap.DontRedraw
	}
	switch {
	case rec.IsEchoRequest():
		m.requests++
	case rec.IsEchoReply() && rec.RequestFrame != 0:
		m.replies++
		m.stat.Update(rec.ResponseTime, rec.ResponseFrame)
		m.samples = append(m.samples, rec.ResponseTime.Milliseconds())
	default:
		return tap.DontRedraw
	}
	return tap.Redraw
}

func (m *icmpSRT) Draw() { m.draw(m) }

func (m *icmpSRT) result() ICMPSRTResult {
	r := ICMPSRTResult{
		Name:     m.name,
		Filter:   m.filter,
		Requests: m.requests,
		Replies:  m.replies,
	}
	if m.requests > m.replies {
		r.Lost = m.requests - m.replies
	}
	if m.requests > 0 {
		r.LossPct = float64(r.Lost) / float64(m.requests) * 100
	}
	if m.stat.Num > 0 {
		r.Min = m.stat.Min.Milliseconds()
		r.Max = m.stat.Max.Milliseconds()
		r.Mean = m.stat.Average()
		r.MinFrame = m.stat.MinFrame
		r.MaxFrame = m.stat.MaxFrame
		r.Median = median(m.samples)
		r.StdDev = sampleStdDev(m.samples, r.Mean)
	}
	return r
}

func (m *icmpSRT) Result() any { return m.result() }

func (m *icmpSRT) WriteReport(w io.Writer) error {
	r := m.result()
	filter := r.Filter
	if filter == "" {
		filter = "<none>"
	}
	_, err := fmt.Fprintf(w, "\n%s\n"+
		"ICMP Service Response Time (SRT) Statistics (all times in ms):\n"+
		"Filter: %s\n\n"+
		"Requests  Replies   Lost      %% Loss\n"+
		"%-10d%-10d%-10d%5.1f%%\n\n"+
		"Minimum   Maximum   Mean      Median    SDeviation     Min Frame Max Frame\n"+
		"%-10.3f%-10.3f%-10.3f%-10.3f%-10.3f     %-10d%-10d\n"+
		"%s\n",
		rule(), filter,
		r.Requests, r.Replies, r.Lost, r.LossPct,
		r.Min, r.Max, r.Mean, r.Median, r.StdDev, r.MinFrame, r.MaxFrame,
		rule())
	return err
}

func median(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	s := append([]float64(nil), samples...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// sampleStdDev uses the n-1 denominator; fewer than two samples give 0.
func sampleStdDev(samples []float64, mean float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sq float64
	for _, v := range samples {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(samples)-1))
}
