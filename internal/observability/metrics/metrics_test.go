package metrics

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "", want: "/"},
		{in: "/", want: "/"},
		{in: "/api/videos/upload", want: "/api/videos/upload"},
		{in: "/api/videos/generate-link", want: "/api/videos/generate-link"},
		{in: "/api/videos/42/metadata", want: "/api/videos/:id/metadata"},
		{in: "/api/videos/eyJhbGciOi.eyJmaWxl.c2lnbmF0dXJl", want: "/api/videos/:id"},
		{in: "api/videos/", want: "/api/videos"},
	}
	for _, tc := range cases {
		if got := normalizePath(tc.in); got != tc.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestObserveRequestAggregatesByLabel(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/api/videos/1/metadata", 200, 100*time.Millisecond)
	recorder.ObserveRequest("GET", "/api/videos/2/metadata", 200, 50*time.Millisecond)
	recorder.ObserveRequest("POST", "/api/videos/trim", 400, 10*time.Millisecond)

	label := requestLabel{method: "GET", path: "/api/videos/:id/metadata", status: "200"}
	if got := recorder.requestCount[label]; got != 2 {
		t.Fatalf("expected 2 observations, got %d", got)
	}
	if got := recorder.requestDuration[label]; got != 150*time.Millisecond {
		t.Fatalf("expected 150ms cumulative, got %s", got)
	}
	if len(recorder.sortedRequestLabels()) != 2 {
		t.Fatalf("expected 2 label sets")
	}
}

func TestTransformGaugeNeverNegative(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	starts, fails := 40, 60
	wg.Add(starts + fails)
	for i := 0; i < starts; i++ {
		go func() {
			defer wg.Done()
			recorder.TransformStarted("trim")
		}()
	}
	for i := 0; i < fails; i++ {
		go func() {
			defer wg.Done()
			recorder.TransformFailed("trim", time.Millisecond)
		}()
	}
	wg.Wait()

	if active := recorder.ActiveTransforms(); active < 0 {
		t.Fatalf("active transforms went negative: %d", active)
	}
	counts := recorder.TransformCounts()
	if counts[TransformLabel{Operation: "trim", Status: "start"}] != uint64(starts) {
		t.Fatalf("unexpected start count: %v", counts)
	}
	if counts[TransformLabel{Operation: "trim", Status: "fail"}] != uint64(fails) {
		t.Fatalf("unexpected fail count: %v", counts)
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("POST", "/api/videos/merge", 200, time.Second)
	recorder.ObserveIngest("accepted")
	recorder.ObserveIngest("accepted")
	recorder.ObserveIngest("duration_rejected")
	recorder.TransformStarted("merge")
	recorder.TransformCompleted("merge", 2*time.Second)
	recorder.ObserveLink("issued")
	recorder.ObserveLink("rejected")
	recorder.SetDependencyHealth("ffmpeg", "ok")
	recorder.SetDependencyHealth("Store", "degraded")

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	for _, want := range []string{
		`vidvault_http_requests_total{method="POST",path="/api/videos/merge",status="200"} 1`,
		`vidvault_http_request_duration_seconds_sum{method="POST",path="/api/videos/merge",status="200"} 1.000000`,
		`vidvault_ingest_files_total{outcome="accepted"} 2`,
		`vidvault_ingest_files_total{outcome="duration_rejected"} 1`,
		`vidvault_transforms_total{operation="merge",status="complete"} 1`,
		`vidvault_transform_duration_seconds_sum{operation="merge"} 2.000000`,
		`vidvault_active_transforms 0`,
		`vidvault_link_events_total{event="issued"} 1`,
		`vidvault_dependency_health{service="ffmpeg",status="ok"} 1.000000`,
		`vidvault_dependency_health{service="store",status="degraded"} -1.000000`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected output to contain %q\n%s", want, body)
		}
	}

	rr := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if rr.Body.String() != body {
		t.Fatalf("handler output differs from Write output")
	}
}

func TestResetClearsCounters(t *testing.T) {
	recorder := New()
	recorder.ObserveLink("issued")
	recorder.TransformStarted("trim")
	recorder.Reset()

	if len(recorder.LinkCounts()) != 0 {
		t.Fatalf("expected link counters to be cleared")
	}
	if recorder.ActiveTransforms() != 0 {
		t.Fatalf("expected gauge reset")
	}
}
