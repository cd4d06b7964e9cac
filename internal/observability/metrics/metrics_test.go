package metrics

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	recorder := New()

	type testCase struct {
		name     string
		method   string
		path     string
		status   int
		duration time.Duration
	}

	cases := []testCase{
		{
			name:     "root path",
			method:   "get",
			path:     "/",
			status:   200,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "empty path",
			method:   "GET",
			path:     "",
			status:   200,
			duration: 25 * time.Millisecond,
		},
		{
			name:     "id segment",
			method:   "post",
			path:     "/users/123",
			status:   201,
			duration: 100 * time.Millisecond,
		},
		{
			name:     "trailing slash and alpha id",
			method:   "POST",
			path:     "/users/abc123def/",
			status:   201,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "multi ids",
			method:   "PATCH",
			path:     "streams/abc/456/extra",
			status:   404,
			duration: 10 * time.Millisecond,
		},
	}

	expectedCounts := make(map[requestLabel]struct {
		count    uint64
		duration time.Duration
	})

	for _, tc := range cases {
		recorder.ObserveRequest(tc.method, tc.path, tc.status, tc.duration)

		label := requestLabel{
			method: strings.ToUpper(tc.method),
			path:   normalizePath(tc.path),
			status: fmt.Sprintf("%d", tc.status),
		}
		current := expectedCounts[label]
		current.count++
		current.duration += tc.duration
		expectedCounts[label] = current
	}

	if len(recorder.requestCount) != len(expectedCounts) {
		t.Fatalf("unexpected number of labels: got %d want %d", len(recorder.requestCount), len(expectedCounts))
	}

	for label, expected := range expectedCounts {
		gotCount := recorder.requestCount[label]
		gotDuration := recorder.requestDuration[label]
		if gotCount != expected.count {
			t.Errorf("count mismatch for %+v: got %d want %d", label, gotCount, expected.count)
		}
		if gotDuration != expected.duration {
			t.Errorf("duration mismatch for %+v: got %s want %s", label, gotDuration, expected.duration)
		}
	}

	labels := recorder.sortedRequestLabels()
	sortedExpected := make([]requestLabel, 0, len(expectedCounts))
	for label := range expectedCounts {
		sortedExpected = append(sortedExpected, label)
	}
	sort.Slice(sortedExpected, func(i, j int) bool {
		if sortedExpected[i].method != sortedExpected[j].method {
			return sortedExpected[i].method < sortedExpected[j].method
		}
		if sortedExpected[i].path != sortedExpected[j].path {
			return sortedExpected[i].path < sortedExpected[j].path
		}
		return sortedExpected[i].status < sortedExpected[j].status
	})

	if len(labels) != len(sortedExpected) {
		t.Fatalf("sorted labels length mismatch: got %d want %d", len(labels), len(sortedExpected))
	}

	for i := range labels {
		if labels[i] != sortedExpected[i] {
			t.Errorf("sorted label %d mismatch: got %+v want %+v", i, labels[i], sortedExpected[i])
		}
	}
}

func TestJobGaugeConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	starts := 100
	finishes := 150

	wg.Add(starts + finishes)
	for i := 0; i < starts; i++ {
		go func() {
			defer wg.Done()
			recorder.JobStarted()
		}()
	}
	for i := 0; i < finishes; i++ {
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				recorder.JobDead("no_audio_track")
				return
			}
			recorder.JobCompleted(time.Second)
		}(i)
	}

	wg.Wait()

	if active := recorder.ActiveJobs(); active != 0 {
		t.Fatalf("active jobs should not go negative; got %d", active)
	}

	counts := recorder.JobCounts()
	if count := counts[JobLabel{Status: "started"}]; count != uint64(starts) {
		t.Fatalf("unexpected start events: got %d want %d", count, starts)
	}
	if count := counts[JobLabel{Status: "dead", Kind: "no_audio_track"}]; count != uint64(finishes/2) {
		t.Fatalf("unexpected dead events: got %d want %d", count, finishes/2)
	}
}

func TestWorkspaceEvents(t *testing.T) {
	recorder := New()
	recorder.WorkspaceAcquired()
	recorder.WorkspaceAcquired()
	recorder.WorkspaceReleased(false)
	recorder.WorkspaceReleased(true)
	recorder.WorkspaceDoubleRelease()
	recorder.WorkspaceReaped(3)
	recorder.WorkspaceReaped(0)

	counts := recorder.WorkspaceCounts()
	expected := map[string]uint64{"acquire": 2, "release": 2, "release_error": 1, "double_release": 1, "reaped": 3}
	for event, want := range expected {
		if counts[event] != want {
			t.Fatalf("event %s: got %d want %d", event, counts[event], want)
		}
	}
	if recorder.ActiveWorkspaces() != 0 {
		t.Fatalf("expected no active workspaces, got %d", recorder.ActiveWorkspaces())
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/metrics", 200, 150*time.Millisecond)
	recorder.ObserveRequest("get", "/metrics/", 200, 50*time.Millisecond)

	recorder.JobEnqueued()
	recorder.JobStarted()
	recorder.JobStarted()
	recorder.JobCompleted(90 * time.Second)
	recorder.JobRetried("Publish_Failed")

	recorder.ObserveVariant("720p", "ok", 30*time.Second)
	recorder.ObserveVariant("360p", "failed", 10*time.Second)

	recorder.ObservePublish("segment", 1000)
	recorder.ObservePublish("master", 24)
	recorder.ObservePublishFailure()

	recorder.WorkspaceAcquired()

	recorder.SweepEnqueued("pending", 2)

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP vodforge_http_requests_total Total number of HTTP requests served by the ops server
# TYPE vodforge_http_requests_total counter
vodforge_http_requests_total{method="GET",path="/metrics",status="200"} 2
# HELP vodforge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE vodforge_http_request_duration_seconds_sum counter
vodforge_http_request_duration_seconds_sum{method="GET",path="/metrics",status="200"} 0.200000
# HELP vodforge_jobs_total Transcode job events by status and failure kind
# TYPE vodforge_jobs_total counter
vodforge_jobs_total{status="done",kind=""} 1
vodforge_jobs_total{status="queued",kind=""} 1
vodforge_jobs_total{status="retry_scheduled",kind="publish_failed"} 1
vodforge_jobs_total{status="started",kind=""} 2
# HELP vodforge_job_duration_seconds_sum Cumulative duration of successful attempts
# TYPE vodforge_job_duration_seconds_sum counter
vodforge_job_duration_seconds_sum 90.000000
# HELP vodforge_job_duration_seconds_count Number of successful attempts observed
# TYPE vodforge_job_duration_seconds_count counter
vodforge_job_duration_seconds_count 1
# HELP vodforge_active_jobs Current number of running attempts
# TYPE vodforge_active_jobs gauge
vodforge_active_jobs 0
# HELP vodforge_variant_transcodes_total Variant transcodes by outcome
# TYPE vodforge_variant_transcodes_total counter
vodforge_variant_transcodes_total{variant="360p",outcome="failed"} 1
vodforge_variant_transcodes_total{variant="720p",outcome="ok"} 1
# HELP vodforge_variant_transcode_seconds_sum Cumulative encode time by variant
# TYPE vodforge_variant_transcode_seconds_sum counter
vodforge_variant_transcode_seconds_sum{variant="360p"} 10.000000
vodforge_variant_transcode_seconds_sum{variant="720p"} 30.000000
# HELP vodforge_published_objects_total Objects uploaded to storage by kind
# TYPE vodforge_published_objects_total counter
vodforge_published_objects_total{kind="master"} 1
vodforge_published_objects_total{kind="segment"} 1
# HELP vodforge_published_bytes_total Bytes uploaded to storage
# TYPE vodforge_published_bytes_total counter
vodforge_published_bytes_total 1024
# HELP vodforge_publish_failures_total Failed uploads
# TYPE vodforge_publish_failures_total counter
vodforge_publish_failures_total 1
# HELP vodforge_workspace_events_total Workspace lifecycle events
# TYPE vodforge_workspace_events_total counter
vodforge_workspace_events_total{event="acquire"} 1
# HELP vodforge_active_workspaces Workspaces acquired and not yet released
# TYPE vodforge_active_workspaces gauge
vodforge_active_workspaces 1
# HELP vodforge_sweep_enqueued_total Jobs re-enqueued by the maintenance sweep
# TYPE vodforge_sweep_enqueued_total counter
vodforge_sweep_enqueued_total{reason="pending"} 2`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))

	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}

	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) != len(expectedLines) {
		return formatDiff(actualLines, expectedLines)
	}
	for i := range actualLines {
		if actualLines[i] != expectedLines[i] {
			return formatDiff(actualLines, expectedLines)
		}
	}
	return ""
}

func formatDiff(actual, expected []string) string {
	var b strings.Builder
	b.WriteString("expected\n")
	for _, line := range expected {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("got\n")
	for _, line := range actual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
