// Package metrics counts what the relay does and renders it in the
// Prometheus text format for the API server's metrics route.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Counter only goes up.
type Counter struct{ value atomic.Int64 }

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Value() int64 { return c.value.Load() }

func (c *Counter) write(w io.Writer, name, labels string) {
	fmt.Fprintf(w, "%s%s %d\n", name, labels, c.Value())
}

// Gauge tracks a level, such as forward calls in flight.
type Gauge struct{ value atomic.Int64 }

func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

func (g *Gauge) write(w io.Writer, name, labels string) {
	fmt.Fprintf(w, "%s%s %d\n", name, labels, g.Value())
}

// Histogram counts observations into cumulative buckets. The +Inf bucket
// is implicit.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64
	count  int64
	sum    float64
}

func newHistogram(bounds []float64) *Histogram {
	finite := make([]float64, 0, len(bounds))
	for _, b := range bounds {
		if !math.IsInf(b, 1) {
			finite = append(finite, b)
		}
	}
	sort.Float64s(finite)
	return &Histogram{bounds: finite, counts: make([]int64, len(finite))}
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, b := range h.bounds {
		if v <= b {
			h.counts[i]++
		}
	}
}

func (h *Histogram) write(w io.Writer, name, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.bounds {
		fmt.Fprintf(w, "%s_bucket{le=\"%s\"} %d\n", name, strconv.FormatFloat(b, 'g', -1, 64), h.counts[i])
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", name, h.count)
	fmt.Fprintf(w, "%s_sum %g\n", name, h.sum)
	fmt.Fprintf(w, "%s_count %d\n", name, h.count)
}

type series interface {
	write(w io.Writer, name, labels string)
}

// family is one metric name with its series, keyed by label value ("" when
// the metric has no label).
type family struct {
	name, help, typ, label string

	mu     sync.Mutex
	series map[string]series
}

func (f *family) get(value string, create func() series) series {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.series[value]
	if !ok {
		s = create()
		f.series[value] = s
	}
	return s
}

func (f *family) write(w io.Writer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.typ)
	values := make([]string, 0, len(f.series))
	for v := range f.series {
		values = append(values, v)
	}
	sort.Strings(values)
	for _, v := range values {
		labels := ""
		if f.label != "" {
			labels = fmt.Sprintf("{%s=%q}", f.label, v)
		}
		f.series[v].write(w, f.name, labels)
	}
}

// CounterVec is a counter split by one label.
type CounterVec struct{ f *family }

// With returns the counter for one label value.
func (v *CounterVec) With(value string) *Counter {
	return v.f.get(value, func() series { return &Counter{} }).(*Counter)
}

// Registry holds metric families. Registering a name twice returns the
// existing metric.
type Registry struct {
	mu       sync.Mutex
	families map[string]*family
	started  time.Time
}

func NewRegistry() *Registry {
	return &Registry{families: make(map[string]*family), started: time.Now()}
}

func (r *Registry) family(name, help, typ, label string) *family {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.families[name]; ok {
		if f.typ != typ || f.label != label {
			panic(fmt.Sprintf("metrics: %s registered as %s and %s", name, f.typ, typ))
		}
		return f
	}
	f := &family{name: name, help: help, typ: typ, label: label, series: make(map[string]series)}
	r.families[name] = f
	return f
}

func (r *Registry) Counter(name, help string) *Counter {
	return r.family(name, help, "counter", "").get("", func() series { return &Counter{} }).(*Counter)
}

func (r *Registry) CounterVec(name, help, label string) *CounterVec {
	return &CounterVec{f: r.family(name, help, "counter", label)}
}

func (r *Registry) Gauge(name, help string) *Gauge {
	return r.family(name, help, "gauge", "").get("", func() series { return &Gauge{} }).(*Gauge)
}

func (r *Registry) Histogram(name, help string, bounds []float64) *Histogram {
	return r.family(name, help, "histogram", "").get("", func() series { return newHistogram(bounds) }).(*Histogram)
}

// Handler renders every family, sorted by name, after the uptime gauge.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var sb strings.Builder
		fmt.Fprintf(&sb, "# HELP navigatorbot_uptime_seconds Time since start in seconds\n")
		fmt.Fprintf(&sb, "# TYPE navigatorbot_uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "navigatorbot_uptime_seconds %d\n", int64(time.Since(r.started).Seconds()))

		r.mu.Lock()
		fams := make([]*family, 0, len(r.families))
		for _, f := range r.families {
			fams = append(fams, f)
		}
		r.mu.Unlock()
		sort.Slice(fams, func(i, j int) bool { return fams[i].name < fams[j].name })
		for _, f := range fams {
			f.write(&sb)
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = io.WriteString(w, sb.String())
	}
}

// Default is the registry served on the metrics route.
var Default = NewRegistry()

var (
	MessagesReceived = Default.Counter("navigatorbot_messages_received_total", "Inbound chat messages published to the bus")
	MessagesDropped  = Default.Counter("navigatorbot_messages_dropped_total", "Inbound messages dropped because the bus stayed full")
	CommandsTotal    = Default.Counter("navigatorbot_commands_total", "Chat commands handled without forwarding")
	ForwardsTotal    = Default.Counter("navigatorbot_forwards_total", "Forward calls to the navigator server")
	ForwardFailures  = Default.CounterVec("navigatorbot_forward_failures_total", "Failed forward calls by kind", "kind")
	AccessDenied     = Default.Counter("navigatorbot_access_denied_total", "Messages refused by access control")
	CodesIssued      = Default.Counter("navigatorbot_codes_issued_total", "Activation codes issued through the payment API")
	InFlight         = Default.Gauge("navigatorbot_forwards_in_flight", "Forward calls currently waiting on the navigator server")

	ForwardLatency = Default.Histogram("navigatorbot_forward_latency_seconds", "Navigator /process latency in seconds",
		[]float64{0.25, 0.5, 1, 2, 5, 10, 30, 60})
)
