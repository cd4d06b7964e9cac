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

// JobLabel keys job lifecycle counters by outcome and failure kind.
type JobLabel struct {
	Status string
	Kind   string
}

// VariantLabel keys variant transcode counters.
type VariantLabel struct {
	Variant string
	Outcome string
}

// Recorder aggregates in-memory counters and gauges for the ops HTTP server,
// job lifecycle, variant transcodes, publishing, workspaces, and the
// maintenance sweep. Writers coordinate through a RWMutex; the active job and
// workspace gauges are atomics.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	jobEvents        map[JobLabel]uint64
	jobDuration      time.Duration
	jobDurationCount uint64
	variantEvents    map[VariantLabel]uint64
	variantDuration  map[string]time.Duration
	publishObjects   map[string]uint64
	publishBytes     uint64
	publishFailures  uint64
	workspaceEvents  map[string]uint64
	sweepEnqueued    map[string]uint64
	activeJobs       atomic.Int64
	activeWorkspaces atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	r := &Recorder{}
	r.resetLocked()
	return r
}

// Default returns the singleton Recorder shared by the package-level helpers.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and duration by method,
// normalized path, and status code.
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

// JobStarted records a running attempt and bumps the active job gauge.
func (r *Recorder) JobStarted() {
	r.recordJobEvent("started", "")
	r.activeJobs.Add(1)
}

// JobCompleted records a successful attempt and its duration.
func (r *Recorder) JobCompleted(duration time.Duration) {
	r.recordJobEvent("done", "")
	r.decrementGauge(&r.activeJobs)
	r.mu.Lock()
	r.jobDuration += duration
	r.jobDurationCount++
	r.mu.Unlock()
}

// JobRetried records an attempt that failed with a retryable kind and was
// rescheduled.
func (r *Recorder) JobRetried(kind string) {
	r.recordJobEvent("retry_scheduled", kind)
	r.decrementGauge(&r.activeJobs)
}

// JobDead records an attempt that ended the job terminally.
func (r *Recorder) JobDead(kind string) {
	r.recordJobEvent("dead", kind)
	r.decrementGauge(&r.activeJobs)
}

// JobReleased records an attempt handed back to the broker without
// consuming an attempt, for example on shutdown or a busy asset.
func (r *Recorder) JobReleased(reason string) {
	r.recordJobEvent("released", reason)
	r.decrementGauge(&r.activeJobs)
}

// JobDeferred records a delivery pushed back before it started, such as
// one whose asset was already claimed.
func (r *Recorder) JobDeferred(reason string) {
	r.recordJobEvent("deferred", reason)
}

// JobEnqueued records a job accepted by the broker.
func (r *Recorder) JobEnqueued() {
	r.recordJobEvent("queued", "")
}

func (r *Recorder) recordJobEvent(status, kind string) {
	label := JobLabel{Status: normalizeName(status), Kind: strings.ToLower(strings.TrimSpace(kind))}
	r.mu.Lock()
	r.jobEvents[label]++
	r.mu.Unlock()
}

// ObserveVariant records the outcome of one variant transcode.
func (r *Recorder) ObserveVariant(variant, outcome string, duration time.Duration) {
	label := VariantLabel{Variant: normalizeName(variant), Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.variantEvents[label]++
	r.variantDuration[label.Variant] += duration
	r.mu.Unlock()
}

// ObservePublish records one uploaded object by kind (segment, playlist,
// master) and its size.
func (r *Recorder) ObservePublish(kind string, bytes int64) {
	normalized := normalizeName(kind)
	r.mu.Lock()
	r.publishObjects[normalized]++
	if bytes > 0 {
		r.publishBytes += uint64(bytes)
	}
	r.mu.Unlock()
}

// ObservePublishFailure records a failed upload.
func (r *Recorder) ObservePublishFailure() {
	r.mu.Lock()
	r.publishFailures++
	r.mu.Unlock()
}

// WorkspaceAcquired bumps the live workspace gauge.
func (r *Recorder) WorkspaceAcquired() {
	r.recordWorkspaceEvent("acquire")
	r.activeWorkspaces.Add(1)
}

// WorkspaceReleased records a release. A failed removal is still a release.
func (r *Recorder) WorkspaceReleased(removeFailed bool) {
	r.recordWorkspaceEvent("release")
	if removeFailed {
		r.recordWorkspaceEvent("release_error")
	}
	r.decrementGauge(&r.activeWorkspaces)
}

// WorkspaceDoubleRelease records a release of an already released workspace.
func (r *Recorder) WorkspaceDoubleRelease() {
	r.recordWorkspaceEvent("double_release")
}

// WorkspaceReaped records leaked workspaces removed by the sweep.
func (r *Recorder) WorkspaceReaped(count int) {
	if count <= 0 {
		return
	}
	r.mu.Lock()
	r.workspaceEvents["reaped"] += uint64(count)
	r.mu.Unlock()
}

func (r *Recorder) recordWorkspaceEvent(event string) {
	r.mu.Lock()
	r.workspaceEvents[normalizeName(event)]++
	r.mu.Unlock()
}

// SweepEnqueued records jobs re-enqueued by the maintenance sweep by reason.
func (r *Recorder) SweepEnqueued(reason string, count int) {
	if count <= 0 {
		return
	}
	r.mu.Lock()
	r.sweepEnqueued[normalizeName(reason)] += uint64(count)
	r.mu.Unlock()
}

// ActiveJobs exposes the current number of running attempts.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// ActiveWorkspaces exposes the number of acquired, unreleased workspaces.
func (r *Recorder) ActiveWorkspaces() int64 {
	return r.activeWorkspaces.Load()
}

// JobCounts returns a copy of the job lifecycle counters.
func (r *Recorder) JobCounts() map[JobLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[JobLabel]uint64, len(r.jobEvents))
	for k, v := range r.jobEvents {
		out[k] = v
	}
	return out
}

// WorkspaceCounts returns a copy of the workspace event counters.
func (r *Recorder) WorkspaceCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.workspaceEvents))
	for k, v := range r.workspaceEvents {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
}

func (r *Recorder) resetLocked() {
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.jobEvents = make(map[JobLabel]uint64)
	r.jobDuration = 0
	r.jobDurationCount = 0
	r.variantEvents = make(map[VariantLabel]uint64)
	r.variantDuration = make(map[string]time.Duration)
	r.publishObjects = make(map[string]uint64)
	r.publishBytes = 0
	r.publishFailures = 0
	r.workspaceEvents = make(map[string]uint64)
	r.sweepEnqueued = make(map[string]uint64)
	r.activeJobs.Store(0)
	r.activeWorkspaces.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	jobLabels := r.sortedJobLabels()
	variantLabels := r.sortedVariantLabels()

	fmt.Fprintln(w, "# HELP vodforge_http_requests_total Total number of HTTP requests served by the ops server")
	fmt.Fprintln(w, "# TYPE vodforge_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "vodforge_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP vodforge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE vodforge_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "vodforge_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP vodforge_jobs_total Transcode job events by status and failure kind")
	fmt.Fprintln(w, "# TYPE vodforge_jobs_total counter")
	for _, label := range jobLabels {
		fmt.Fprintf(w, "vodforge_jobs_total{status=\"%s\",kind=\"%s\"} %d\n", label.Status, label.Kind, r.jobEvents[label])
	}

	fmt.Fprintln(w, "# HELP vodforge_job_duration_seconds_sum Cumulative duration of successful attempts")
	fmt.Fprintln(w, "# TYPE vodforge_job_duration_seconds_sum counter")
	fmt.Fprintf(w, "vodforge_job_duration_seconds_sum %f\n", r.jobDuration.Seconds())
	fmt.Fprintln(w, "# HELP vodforge_job_duration_seconds_count Number of successful attempts observed")
	fmt.Fprintln(w, "# TYPE vodforge_job_duration_seconds_count counter")
	fmt.Fprintf(w, "vodforge_job_duration_seconds_count %d\n", r.jobDurationCount)

	fmt.Fprintln(w, "# HELP vodforge_active_jobs Current number of running attempts")
	fmt.Fprintln(w, "# TYPE vodforge_active_jobs gauge")
	fmt.Fprintf(w, "vodforge_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP vodforge_variant_transcodes_total Variant transcodes by outcome")
	fmt.Fprintln(w, "# TYPE vodforge_variant_transcodes_total counter")
	for _, label := range variantLabels {
		fmt.Fprintf(w, "vodforge_variant_transcodes_total{variant=\"%s\",outcome=\"%s\"} %d\n", label.Variant, label.Outcome, r.variantEvents[label])
	}

	fmt.Fprintln(w, "# HELP vodforge_variant_transcode_seconds_sum Cumulative encode time by variant")
	fmt.Fprintln(w, "# TYPE vodforge_variant_transcode_seconds_sum counter")
	for _, variant := range sortedKeys(r.variantDuration) {
		fmt.Fprintf(w, "vodforge_variant_transcode_seconds_sum{variant=\"%s\"} %f\n", variant, r.variantDuration[variant].Seconds())
	}

	fmt.Fprintln(w, "# HELP vodforge_published_objects_total Objects uploaded to storage by kind")
	fmt.Fprintln(w, "# TYPE vodforge_published_objects_total counter")
	for _, kind := range sortedKeys(r.publishObjects) {
		fmt.Fprintf(w, "vodforge_published_objects_total{kind=\"%s\"} %d\n", kind, r.publishObjects[kind])
	}

	fmt.Fprintln(w, "# HELP vodforge_published_bytes_total Bytes uploaded to storage")
	fmt.Fprintln(w, "# TYPE vodforge_published_bytes_total counter")
	fmt.Fprintf(w, "vodforge_published_bytes_total %d\n", r.publishBytes)

	fmt.Fprintln(w, "# HELP vodforge_publish_failures_total Failed uploads")
	fmt.Fprintln(w, "# TYPE vodforge_publish_failures_total counter")
	fmt.Fprintf(w, "vodforge_publish_failures_total %d\n", r.publishFailures)

	fmt.Fprintln(w, "# HELP vodforge_workspace_events_total Workspace lifecycle events")
	fmt.Fprintln(w, "# TYPE vodforge_workspace_events_total counter")
	for _, event := range sortedKeys(r.workspaceEvents) {
		fmt.Fprintf(w, "vodforge_workspace_events_total{event=\"%s\"} %d\n", event, r.workspaceEvents[event])
	}

	fmt.Fprintln(w, "# HELP vodforge_active_workspaces Workspaces acquired and not yet released")
	fmt.Fprintln(w, "# TYPE vodforge_active_workspaces gauge")
	fmt.Fprintf(w, "vodforge_active_workspaces %d\n", r.activeWorkspaces.Load())

	fmt.Fprintln(w, "# HELP vodforge_sweep_enqueued_total Jobs re-enqueued by the maintenance sweep")
	fmt.Fprintln(w, "# TYPE vodforge_sweep_enqueued_total counter")
	for _, reason := range sortedKeys(r.sweepEnqueued) {
		fmt.Fprintf(w, "vodforge_sweep_enqueued_total{reason=\"%s\"} %d\n", reason, r.sweepEnqueued[reason])
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

func (r *Recorder) sortedJobLabels() []JobLabel {
	labels := make([]JobLabel, 0, len(r.jobEvents))
	for label := range r.jobEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Status != labels[j].Status {
			return labels[i].Status < labels[j].Status
		}
		return labels[i].Kind < labels[j].Kind
	})
	return labels
}

func (r *Recorder) sortedVariantLabels() []VariantLabel {
	labels := make([]VariantLabel, 0, len(r.variantEvents))
	for label := range r.variantEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Variant != labels[j].Variant {
			return labels[i].Variant < labels[j].Variant
		}
		return labels[i].Outcome < labels[j].Outcome
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
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
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
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
