// Package metrics is a small Prometheus text-format registry plus the fixed
// metric set the caption pipeline reports into.
//
// Series are addressed by their full exposition name, labels included:
// WithLabels("x_total", "op", "embed") names the series x_total{op="embed"}
// of the family x_total.
package metrics

import (
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuckets are latency buckets in seconds, sized for model calls.
var DefaultBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// Counter only goes up.
type Counter struct{ n atomic.Int64 }

func (c *Counter) Inc()         { c.n.Add(1) }
func (c *Counter) Add(n int64)  { c.n.Add(n) }
func (c *Counter) Value() int64 { return c.n.Load() }

// Gauge holds the last value set.
type Gauge struct{ n atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.n.Store(n) }
func (g *Gauge) Inc()         { g.n.Add(1) }
func (g *Gauge) Dec()         { g.n.Add(-1) }
func (g *Gauge) Value() int64 { return g.n.Load() }

// Histogram counts observations into cumulative upper-bound buckets.
type Histogram struct {
	mu         sync.Mutex
	bounds     []float64
	cumulative []uint64
	sum        float64
	count      uint64
}

func newHistogram(bounds []float64) *Histogram {
	b := slices.Clone(bounds)
	slices.Sort(b)
	return &Histogram{bounds: b, cumulative: make([]uint64, len(b))}
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i := len(h.bounds) - 1; i >= 0 && v <= h.bounds[i]; i-- {
		h.cumulative[i]++
	}
}

// Since observes the seconds elapsed since t.
func (h *Histogram) Since(t time.Time) { h.Observe(time.Since(t).Seconds()) }

type histogramState struct {
	bounds     []float64
	cumulative []uint64
	sum        float64
	count      uint64
}

func (h *Histogram) state() histogramState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramState{
		bounds:     h.bounds,
		cumulative: slices.Clone(h.cumulative),
		sum:        h.sum,
		count:      h.count,
	}
}

// family is every series sharing one metric name.
type family struct {
	name    string
	help    string
	kind    kind
	buckets []float64
	series  map[string]any // label set ("" or `k="v",...`) -> *Counter, *Gauge or *Histogram
}

// Registry holds metric families in registration order.
type Registry struct {
	mu       sync.Mutex
	families map[string]*family
	order    []string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{families: make(map[string]*family)}
}

// get returns the series for name, creating family and series on first
// use. Registering one family name under two kinds panics.
func (r *Registry) get(name, help string, k kind, buckets []float64) any {
	base, labels := splitName(name)
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.families[base]
	if !ok {
		f = &family{name: base, kind: k, buckets: buckets, series: make(map[string]any)}
		r.families[base] = f
		r.order = append(r.order, base)
	}
	if f.kind != k {
		panic(fmt.Sprintf("metrics: %s is a %s, not a %s", base, f.kind, k))
	}
	if f.help == "" {
		f.help = help
	}
	if s, ok := f.series[labels]; ok {
		return s
	}
	var s any
	switch k {
	case kindCounter:
		s = &Counter{}
	case kindGauge:
		s = &Gauge{}
	case kindHistogram:
		s = newHistogram(f.buckets)
	}
	f.series[labels] = s
	return s
}

// Counter returns the counter series called name.
func (r *Registry) Counter(name, help string) *Counter {
	return r.get(name, help, kindCounter, nil).(*Counter)
}

// Gauge returns the gauge series called name.
func (r *Registry) Gauge(name, help string) *Gauge {
	return r.get(name, help, kindGauge, nil).(*Gauge)
}

// Histogram returns the histogram series called name. The first call for a
// family fixes its buckets; nil means DefaultBuckets.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	return r.get(name, help, kindHistogram, buckets).(*Histogram)
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// WithLabels appends label pairs to name: WithLabels("x", "k", "v") is
// `x{k="v"}`. Values are escaped. An odd number of kvs returns name.
func WithLabels(name string, kvs ...string) string {
	if len(kvs) == 0 || len(kvs)%2 != 0 {
		return name
	}
	pairs := make([]string, 0, len(kvs)/2)
	for i := 0; i < len(kvs); i += 2 {
		pairs = append(pairs, kvs[i]+`="`+labelEscaper.Replace(kvs[i+1])+`"`)
	}
	return name + "{" + strings.Join(pairs, ",") + "}"
}

// splitName separates `x{k="v"}` into "x" and `k="v"`.
func splitName(name string) (base, labels string) {
	i := strings.IndexByte(name, '{')
	if i < 0 || !strings.HasSuffix(name, "}") {
		return name, ""
	}
	return name[:i], name[i+1 : len(name)-1]
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

func joinLabels(labels, extra string) string {
	if labels == "" {
		return "{" + extra + "}"
	}
	return "{" + labels + "," + extra + "}"
}

// WriteTo writes every family in the Prometheus text format.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	r.mu.Lock()
	for _, name := range r.order {
		f := r.families[name]
		if f.help != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", f.name, f.help)
		}
		fmt.Fprintf(&b, "# TYPE %s %s\n", f.name, f.kind)
		for _, labels := range slices.Sorted(maps.Keys(f.series)) {
			switch s := f.series[labels].(type) {
			case *Counter:
				fmt.Fprintf(&b, "%s%s %d\n", f.name, braces(labels), s.Value())
			case *Gauge:
				fmt.Fprintf(&b, "%s%s %d\n", f.name, braces(labels), s.Value())
			case *Histogram:
				st := s.state()
				for i, le := range st.bounds {
					fmt.Fprintf(&b, "%s_bucket%s %d\n", f.name, joinLabels(labels, fmt.Sprintf(`le="%g"`, le)), st.cumulative[i])
				}
				fmt.Fprintf(&b, "%s_bucket%s %d\n", f.name, joinLabels(labels, `le="+Inf"`), st.count)
				fmt.Fprintf(&b, "%s_sum%s %g\n", f.name, braces(labels), st.sum)
				fmt.Fprintf(&b, "%s_count%s %d\n", f.name, braces(labels), st.count)
			}
		}
	}
	r.mu.Unlock()
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// Render returns the exposition text.
func (r *Registry) Render() string {
	var b strings.Builder
	r.WriteTo(&b)
	return b.String()
}

// Handler serves the registry for Prometheus scrapes.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WriteTo(w)
	})
}
