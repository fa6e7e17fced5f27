package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// TransformLabel identifies a transform counter series.
type TransformLabel struct {
	Operation string
	Status    string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// ingest outcomes, trim and merge runs, capability links and dependency
// health. Writers are coordinated through a RWMutex; the active transform
// gauge is atomic.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	ingestOutcomes  map[string]uint64
	transformEvents map[TransformLabel]uint64
	transformTime   map[string]time.Duration
	linkEvents      map[string]uint64
	healthValue     map[string]float64
	healthState     map[string]string
	activeTransform atomic.Int64
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs an empty Recorder with initialized backing maps.
func New() *Recorder {
	r := &Recorder{}
	r.init()
	return r
}

func (r *Recorder) init() {
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.ingestOutcomes = make(map[string]uint64)
	r.transformEvents = make(map[TransformLabel]uint64)
	r.transformTime = make(map[string]time.Duration)
	r.linkEvents = make(map[string]uint64)
	r.healthValue = make(map[string]float64)
	r.healthState = make(map[string]string)
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder. Nil is ignored.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveIngest records the outcome of one uploaded file, e.g. "accepted",
// "duration_rejected", "probe_failed" or "store_failed".
func (r *Recorder) ObserveIngest(outcome string) {
	key := normalizeName(outcome)
	r.mu.Lock()
	r.ingestOutcomes[key]++
	r.mu.Unlock()
}

// TransformStarted records the start of a trim or merge run and increments
// the active gauge.
func (r *Recorder) TransformStarted(operation string) {
	r.recordTransform(operation, "start", 0)
	r.activeTransform.Add(1)
}

// TransformCompleted records a successful run and its wall time.
func (r *Recorder) TransformCompleted(operation string, elapsed time.Duration) {
	r.recordTransform(operation, "complete", elapsed)
	r.decrementGauge(&r.activeTransform)
}

// TransformFailed records a failed run. The gauge never drops below zero.
func (r *Recorder) TransformFailed(operation string, elapsed time.Duration) {
	r.recordTransform(operation, "fail", elapsed)
	r.decrementGauge(&r.activeTransform)
}

func (r *Recorder) recordTransform(operation, status string, elapsed time.Duration) {
	label := TransformLabel{Operation: normalizeName(operation), Status: normalizeName(status)}
	r.mu.Lock()
	r.transformEvents[label]++
	if elapsed > 0 {
		r.transformTime[label.Operation] += elapsed
	}
	r.mu.Unlock()
}

// ObserveLink counts capability link events: "issued", "resolved", "rejected".
func (r *Recorder) ObserveLink(event string) {
	key := normalizeName(event)
	r.mu.Lock()
	r.linkEvents[key]++
	r.mu.Unlock()
}

// SetDependencyHealth maps a status string to a numeric health value for the
// named dependency (store, ffmpeg, redis).
func (r *Recorder) SetDependencyHealth(service, status string) {
	normalizedService := normalizeName(service)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := -1.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	}
	r.mu.Lock()
	r.healthValue[normalizedService] = value
	r.healthState[normalizedService] = normalizedStatus
	r.mu.Unlock()
}

// ActiveTransforms exposes the number of trim and merge runs in flight.
func (r *Recorder) ActiveTransforms() int64 {
	return r.activeTransform.Load()
}

// IngestCounts returns a copy of the ingest outcome counters.
func (r *Recorder) IngestCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.ingestOutcomes))
	for k, v := range r.ingestOutcomes {
		out[k] = v
	}
	return out
}

// TransformCounts returns a copy of the transform event counters.
func (r *Recorder) TransformCounts() map[TransformLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[TransformLabel]uint64, len(r.transformEvents))
	for k, v := range r.transformEvents {
		out[k] = v
	}
	return out
}

// LinkCounts returns a copy of the link event counters.
func (r *Recorder) LinkCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.linkEvents))
	for k, v := range r.linkEvents {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.init()
	r.mu.Unlock()
	r.activeTransform.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with label sets sorted
// for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP vidvault_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE vidvault_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "vidvault_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP vidvault_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE vidvault_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "vidvault_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP vidvault_ingest_files_total Uploaded files by ingest outcome")
	fmt.Fprintln(w, "# TYPE vidvault_ingest_files_total counter")
	for _, outcome := range sortedKeys(r.ingestOutcomes) {
		fmt.Fprintf(w, "vidvault_ingest_files_total{outcome=\"%s\"} %d\n", outcome, r.ingestOutcomes[outcome])
	}

	fmt.Fprintln(w, "# HELP vidvault_transforms_total Trim and merge runs by operation and status")
	fmt.Fprintln(w, "# TYPE vidvault_transforms_total counter")
	for _, label := range r.sortedTransformLabels() {
		fmt.Fprintf(w, "vidvault_transforms_total{operation=\"%s\",status=\"%s\"} %d\n", label.Operation, label.Status, r.transformEvents[label])
	}

	fmt.Fprintln(w, "# HELP vidvault_transform_duration_seconds_sum Cumulative wall time of finished trim and merge runs")
	fmt.Fprintln(w, "# TYPE vidvault_transform_duration_seconds_sum counter")
	for _, op := range sortedKeys(r.transformTime) {
		fmt.Fprintf(w, "vidvault_transform_duration_seconds_sum{operation=\"%s\"} %f\n", op, r.transformTime[op].Seconds())
	}

	fmt.Fprintln(w, "# HELP vidvault_active_transforms Current number of trim and merge runs in flight")
	fmt.Fprintln(w, "# TYPE vidvault_active_transforms gauge")
	fmt.Fprintf(w, "vidvault_active_transforms %d\n", r.activeTransform.Load())

	fmt.Fprintln(w, "# HELP vidvault_link_events_total Capability link events by type")
	fmt.Fprintln(w, "# TYPE vidvault_link_events_total counter")
	for _, event := range sortedKeys(r.linkEvents) {
		fmt.Fprintf(w, "vidvault_link_events_total{event=\"%s\"} %d\n", event, r.linkEvents[event])
	}

	fmt.Fprintln(w, "# HELP vidvault_dependency_health Health reported by dependencies (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE vidvault_dependency_health gauge")
	for _, service := range sortedKeys(r.healthValue) {
		fmt.Fprintf(w, "vidvault_dependency_health{service=\"%s\",status=\"%s\"} %f\n", service, r.healthState[service], r.healthValue[service])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedTransformLabels() []TransformLabel {
	labels := make([]TransformLabel, 0, len(r.transformEvents))
	for label := range r.transformEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Operation != labels[j].Operation {
			return labels[i].Operation < labels[j].Operation
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// normalizePath collapses numeric ids and capability tokens so label
// cardinality stays bounded.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 32 {
		return true
	}
	for _, r := range segment {
		if (r >= '0' && r <= '9') || r == '.' {
			return true
		}
	}
	return false
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return Default().Handler()
}
