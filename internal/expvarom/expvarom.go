// Package expvarom implements typed counters and labeled maps on top of
// expvar, and exposes them over HTTP in OpenMetrics/Prometheus text format.
//
// It follows the usage shape of the teacher's queue and monitoring code:
// package-level vars created with NewInt/NewMap at init time, then Add/Set
// from hot paths, with MetricsHandler served on a "/metrics" route. No
// other package in this module imports it.
package expvarom

import (
	"expvar"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
)

var (
	registryMu sync.Mutex
	registry   []metric
)

type metric struct {
	name string
	help string
	kind string // "counter" or "gauge" (we only ever emit counters)
	get  func() string
}

func register(m metric) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, m)
}

// Int is a monotonic (or at least simply-set) integer counter, exported via
// expvar and over MetricsHandler.
type Int struct {
	v *expvar.Int
}

// NewInt creates and registers a new counter named name, with the given
// help text.
func NewInt(name, help string) *Int {
	v := expvar.NewInt(name)
	i := &Int{v: v}
	register(metric{
		name: sanitize(name),
		help: help,
		kind: "counter",
		get: func() string {
			return fmt.Sprintf("%s %s\n", sanitize(name), v.String())
		},
	})
	return i
}

// Add adds delta to the counter.
func (i *Int) Add(delta int64) { i.v.Add(delta) }

// Set sets the counter's value.
func (i *Int) Set(v int64) { i.v.Set(v) }

// Map is a counter partitioned by a single label, e.g. "result" or
// "recipient_type".
type Map struct {
	label string
	v     *expvar.Map
}

// NewMap creates and registers a new labeled counter map, named name, with
// values broken out by labelName, and the given help text.
func NewMap(name, labelName, help string) *Map {
	v := new(expvar.Map).Init()
	m := &Map{label: labelName, v: v}
	register(metric{
		name: sanitize(name),
		help: help,
		kind: "counter",
		get: func() string {
			var b strings.Builder
			v.Do(func(kv expvar.KeyValue) {
				fmt.Fprintf(&b, "%s{%s=%q} %s\n",
					sanitize(name), labelName, kv.Key, kv.Value.String())
			})
			return b.String()
		},
	})
	return m
}

// Add adds delta to the counter for the given label value.
func (m *Map) Add(labelValue string, delta int64) {
	m.v.Add(labelValue, delta)
}

func sanitize(name string) string {
	r := strings.NewReplacer("/", "_", "-", "_", ".", "_")
	return r.Replace(name)
}

// MetricsHandler serves all registered metrics in a Prometheus/OpenMetrics
// compatible text exposition format.
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	registryMu.Lock()
	ms := make([]metric, len(registry))
	copy(ms, registry)
	registryMu.Unlock()

	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	for _, m := range ms {
		writeMetric(w, m)
	}
}

func writeMetric(w io.Writer, m metric) {
	if m.help != "" {
		fmt.Fprintf(w, "# HELP %s %s\n", m.name, m.help)
	}
	fmt.Fprintf(w, "# TYPE %s %s\n", m.name, m.kind)
	io.WriteString(w, m.get())
}
