// Package metrics is a small dependency-free registry rendering the
// Prometheus text format at /metrics.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

type kind string

const (
	kindCounter   kind = "counter"
	kindHistogram kind = "histogram"
)

type desc struct {
	name    string
	help    string
	kind    kind
	buckets []float64
}

type series struct {
	labels  map[string]string
	count   uint64
	sum     float64
	byBound []uint64 // histogram bucket counts, last slot is +Inf
}

type Registry struct {
	mu    sync.RWMutex
	descs map[string]desc
	data  map[string]map[string]*series // name -> label key -> series
}

func NewRegistry() *Registry {
	r := &Registry{
		descs: make(map[string]desc),
		data:  make(map[string]map[string]*series),
	}
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	r.RegisterCounter("nimbus_transitions_total", "Accepted and rejected session transitions by from, to, and status.")
	r.RegisterCounter("nimbus_effect_attempts_total", "Effect handler attempts by effect and status.")
	r.RegisterCounter("nimbus_effect_retries_total", "Effect handler retries by effect.")
	r.RegisterCounter("nimbus_effect_dead_letters_total", "Effects dead-lettered after exhausting retries, by effect.")
	r.RegisterCounter("nimbus_reaper_sweeps_total", "Zombie reaper sweeps by status.")
	r.RegisterCounter("nimbus_reaper_reaped_total", "Sessions reaped by origin state and target state.")
	r.RegisterCounter("nimbus_gpu_operations_total", "GPU backend operation attempts by op, region, and status.")
	r.RegisterHistogram("nimbus_gpu_operation_latency_ms", "GPU backend operation latency in milliseconds by op, region, and status.", []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000})
	r.RegisterCounter("nimbus_provision_total", "Session provisioning outcomes by provider, region, and status.")
	r.RegisterHistogram("nimbus_provision_latency_ms", "Session provisioning latency in milliseconds by provider, region, and status.", []float64{100, 500, 1000, 5000, 15000, 30000, 60000, 120000, 300000})
	r.RegisterCounter("nimbus_gpu_retries_total", "GPU backend retries by op, region, and reason.")
	r.RegisterCounter("nimbus_gpu_retry_exhausted_total", "GPU backend operations that exhausted retries by op and region.")
	r.RegisterHistogram("nimbus_reaper_sweep_duration_ms", "Zombie reaper sweep duration in milliseconds.", []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000})
}

func (r *Registry) RegisterCounter(name, help string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs[name] = desc{name: name, help: help, kind: kindCounter}
}

func (r *Registry) RegisterHistogram(name, help string, buckets []float64) {
	cp := append([]float64(nil), buckets...)
	sort.Float64s(cp)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs[name] = desc{name: name, help: help, kind: kindHistogram, buckets: cp}
}

func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descs[name]
	if !ok || d.kind != kindCounter {
		return
	}
	r.seriesFor(d, labels).count++
}

func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descs[name]
	if !ok || d.kind != kindHistogram {
		return
	}
	s := r.seriesFor(d, labels)
	slot := len(d.buckets)
	for i, bound := range d.buckets {
		if value <= bound {
			slot = i
			break
		}
	}
	s.byBound[slot]++
	s.count++
	s.sum += value
}

// seriesFor must be called with r.mu held.
func (r *Registry) seriesFor(d desc, labels map[string]string) *series {
	byKey := r.data[d.name]
	if byKey == nil {
		byKey = make(map[string]*series)
		r.data[d.name] = byKey
	}
	key := labelsKey(labels)
	s := byKey[key]
	if s == nil {
		s = &series{labels: cloneLabels(labels)}
		if d.kind == kindHistogram {
			s.byBound = make([]uint64, len(d.buckets)+1)
		}
		byKey[key] = s
	}
	return s
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.Render()))
	})
}

func (r *Registry) Render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.descs))
	for name := range r.descs {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		d := r.descs[name]
		fmt.Fprintf(&b, "# HELP %s %s\n", name, d.help)
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, d.kind)

		byKey := r.data[name]
		keys := make([]string, 0, len(byKey))
		for key := range byKey {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			s := byKey[key]
			switch d.kind {
			case kindCounter:
				writeLine(&b, name, s.labels, fmt.Sprintf("%d", s.count))
			case kindHistogram:
				var cumulative uint64
				for i, n := range s.byBound {
					cumulative += n
					withLE := cloneLabels(s.labels)
					if i < len(d.buckets) {
						withLE["le"] = trimFloat(d.buckets[i])
					} else {
						withLE["le"] = "+Inf"
					}
					writeLine(&b, name+"_bucket", withLE, fmt.Sprintf("%d", cumulative))
				}
				writeLine(&b, name+"_sum", s.labels, trimFloat(s.sum))
				writeLine(&b, name+"_count", s.labels, fmt.Sprintf("%d", s.count))
			}
		}
	}
	return b.String()
}

func writeLine(b *strings.Builder, name string, labels map[string]string, value string) {
	b.WriteString(name)
	if len(labels) > 0 {
		keys := make([]string, 0, len(labels))
		for k := range labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("{")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(b, "%s=%q", k, labels[k])
		}
		b.WriteString("}")
	}
	b.WriteString(" ")
	b.WriteString(value)
	b.WriteString("\n")
}

func labelsKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(labels[k])
		b.WriteString(";")
	}
	return b.String()
}

func cloneLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func trimFloat(v float64) string {
	s := fmt.Sprintf("%.6f", v)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" {
		return "0"
	}
	return s
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = NewRegistry()
)

func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

func ResetDefaultForTest() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry()
}
