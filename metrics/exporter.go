package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ExporterConfig configures the Prometheus text-exposition endpoint.
type ExporterConfig struct {
	// Namespace prefixes every metric name, e.g. "engine" produces
	// "engine_gas_used_total".
	Namespace string
	// Path is the HTTP path metrics are served on. Defaults to "/metrics".
	Path string
}

// DefaultExporterConfig returns the engine's standard exporter settings.
func DefaultExporterConfig() ExporterConfig {
	return ExporterConfig{Namespace: "engine", Path: "/metrics"}
}

// Exporter serves a Registry's contents in Prometheus text format.
type Exporter struct {
	mu       sync.RWMutex
	config   ExporterConfig
	registry *Registry
}

// NewExporter creates an Exporter reading from registry.
func NewExporter(registry *Registry, config ExporterConfig) *Exporter {
	if config.Path == "" {
		config.Path = "/metrics"
	}
	return &Exporter{config: config, registry: registry}
}

// Handler returns an http.Handler serving the configured path.
func (e *Exporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(e.config.Path, e.handle)
	return mux
}

func (e *Exporter) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Write([]byte(e.Render()))
}

// Render returns the full Prometheus text-exposition body, for callers that
// want the text without an HTTP round trip.
func (e *Exporter) Render() string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	e.registry.mu.RLock()
	defer e.registry.mu.RUnlock()

	var b strings.Builder

	for _, name := range sortedKeys(e.registry.counters) {
		promName := e.promName(name)
		writeType(&b, promName, "counter")
		fmt.Fprintf(&b, "%s %d\n", promName, e.registry.counters[name].Value())
	}
	for _, name := range sortedKeys(e.registry.gauges) {
		promName := e.promName(name)
		writeType(&b, promName, "gauge")
		fmt.Fprintf(&b, "%s %d\n", promName, e.registry.gauges[name].Value())
	}
	for _, name := range sortedKeys(e.registry.histograms) {
		h := e.registry.histograms[name]
		promName := e.promName(name)
		writeType(&b, promName, "summary")
		fmt.Fprintf(&b, "%s_count %d\n", promName, h.Count())
		fmt.Fprintf(&b, "%s_sum %s\n", promName, formatFloat(h.Sum()))
		if h.Count() > 0 {
			fmt.Fprintf(&b, "%s_mean %s\n", promName, formatFloat(h.Mean()))
		}
	}
	return b.String()
}

func (e *Exporter) promName(name string) string {
	if e.config.Namespace == "" {
		return name
	}
	return e.config.Namespace + "_" + name
}

func writeType(b *strings.Builder, name, kind string) {
	fmt.Fprintf(b, "# TYPE %s %s\n", name, kind)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
