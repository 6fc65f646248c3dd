// Package metrics keeps gateway counters, gauges and histograms and renders
// them in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry.
var Collector = NewRegistry()

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// series is one labelled time series of a family.
type series interface {
	write(sb *strings.Builder, name, labels string)
}

// family groups the series sharing a metric name.
type family struct {
	name   string
	help   string
	kind   kind
	series map[string]series // by label string
}

// Registry holds metric families by name. Series are created on first use
// and live for the life of the process.
type Registry struct {
	start time.Time

	mu       sync.Mutex
	families map[string]*family
}

func NewRegistry() *Registry {
	return &Registry{start: time.Now(), families: make(map[string]*family)}
}

func (r *Registry) Uptime() time.Duration {
	return time.Since(r.start)
}

// lookup returns the series name{labels}, creating it with mk. Reusing a
// name with a different kind panics: it is a programming error.
func (r *Registry) lookup(name, help, labels string, k kind, mk func() series) series {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[name]
	if !ok {
		f = &family{name: name, help: help, kind: k, series: make(map[string]series)}
		r.families[name] = f
	}
	if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, f.kind, k))
	}
	s, ok := f.series[labels]
	if !ok {
		s = mk()
		f.series[labels] = s
	}
	return s
}

// Counter only goes up.
type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc()         { c.v.Add(1) }
func (c *Counter) Add(n int64)  { c.v.Add(n) }
func (c *Counter) Value() int64 { return c.v.Load() }

func (c *Counter) write(sb *strings.Builder, name, labels string) {
	fmt.Fprintf(sb, "%s %d\n", seriesName(name, labels), c.Value())
}

type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.v.Store(n) }
func (g *Gauge) Inc()         { g.v.Add(1) }
func (g *Gauge) Dec()         { g.v.Add(-1) }
func (g *Gauge) Value() int64 { return g.v.Load() }

func (g *Gauge) write(sb *strings.Builder, name, labels string) {
	fmt.Fprintf(sb, "%s %d\n", seriesName(name, labels), g.Value())
}

// Histogram counts observations into cumulative upper bounds.
type Histogram struct {
	bounds []float64 // sorted

	mu     sync.Mutex
	counts []int64 // per bound, cumulative
	total  int64
	sum    float64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

func (h *Histogram) write(sb *strings.Builder, name, labels string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sep := ""
	if labels != "" {
		sep = ","
	}
	for i, le := range h.bounds {
		bound := strconv.FormatFloat(le, 'g', -1, 64)
		if math.IsInf(le, 1) {
			bound = "+Inf"
		}
		fmt.Fprintf(sb, "%s_bucket{%s%sle=%q} %d\n", name, labels, sep, bound, h.counts[i])
	}
	fmt.Fprintf(sb, "%s %d\n", seriesName(name+"_count", labels), h.total)
	fmt.Fprintf(sb, "%s %f\n", seriesName(name+"_sum", labels), h.sum)
}

// Counter returns the counter name{labels}. labels is the rendered label
// set, e.g. `rule="quota"`.
func (r *Registry) Counter(name, help, labels string) *Counter {
	return r.lookup(name, help, labels, kindCounter, func() series { return &Counter{} }).(*Counter)
}

func (r *Registry) Gauge(name, help, labels string) *Gauge {
	return r.lookup(name, help, labels, kindGauge, func() series { return &Gauge{} }).(*Gauge)
}

// Histogram returns the histogram name{labels}. Bounds only apply when
// the series is created.
func (r *Registry) Histogram(name, help, labels string, bounds []float64) *Histogram {
	return r.lookup(name, help, labels, kindHistogram, func() series {
		b := slices.Clone(bounds)
		slices.Sort(b)
		return &Histogram{bounds: b, counts: make([]int64, len(b))}
	}).(*Histogram)
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WriteText(w)
	}
}

// WriteText renders every family sorted by name, series sorted by labels.
func (r *Registry) WriteText(w io.Writer) {
	var sb strings.Builder
	sb.WriteString("# HELP wagate_uptime_seconds Time since start in seconds\n")
	sb.WriteString("# TYPE wagate_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "wagate_uptime_seconds %d\n", int64(r.Uptime().Seconds()))

	r.mu.Lock()
	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		f := r.families[name]
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind)
		labels := make([]string, 0, len(f.series))
		for l := range f.series {
			labels = append(labels, l)
		}
		slices.Sort(labels)
		for _, l := range labels {
			f.series[l].write(&sb, f.name, l)
		}
	}
	r.mu.Unlock()

	io.WriteString(w, sb.String())
}

func seriesName(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

var (
	SessionsConnected = Collector.Gauge("wagate_sessions_connected", "Sessions currently connected", "")
	SessionsTracked   = Collector.Gauge("wagate_sessions_tracked", "Sessions held by the session manager", "")
	ReconnectsTotal   = Collector.Counter("wagate_reconnects_total", "Reconnect attempts scheduled", "")
	QRTimeoutsTotal   = Collector.Counter("wagate_qr_timeouts_total", "Pairing attempts abandoned after the QR timeout", "")
	MessagesSent      = Collector.Counter("wagate_messages_sent_total", "Messages transmitted", "")
	SendFailures      = Collector.Counter("wagate_send_failures_total", "Allowed messages the protocol client failed to transmit", "")
	MessagesInbound   = Collector.Counter("wagate_messages_inbound_total", "Direct inbound messages received", "")
	InboundDropped    = Collector.Counter("wagate_inbound_dropped_total", "Inbound messages dropped because the queue was full", "")
	RateLimited       = Collector.Counter("wagate_api_rate_limited_total", "API requests rejected by the rate limiter", "")

	SendLatency = Collector.Histogram("wagate_send_latency_seconds", "Protocol send latency in seconds", "",
		[]float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30})
)

// PolicyDenied counts a denial by the named rule.
func PolicyDenied(rule string) {
	Collector.Counter("wagate_policy_denials_total", "Sends denied by the policy pipeline", "rule="+strconv.Quote(rule)).Inc()
}

// SessionStopped counts a terminal session stop by reason.
func SessionStopped(reason string) {
	Collector.Counter("wagate_session_stops_total", "Sessions stopped", "reason="+strconv.Quote(reason)).Inc()
}
