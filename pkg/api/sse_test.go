package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/psaab/bpfpp/pkg/stats"
)

func TestSetSSEHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	setSSEHeaders(w)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", cc)
	}
	if cn := w.Header().Get("Connection"); cn != "keep-alive" {
		t.Errorf("Connection = %q, want keep-alive", cn)
	}
}

func TestWriteSSEEvent(t *testing.T) {
	w := httptest.NewRecorder()
	writeSSEEvent(w, "42", "test_event", `{"key":"value"}`)

	body := w.Body.String()
	if !strings.Contains(body, "id: 42\n") {
		t.Errorf("missing id line in %q", body)
	}
	if !strings.Contains(body, "event: test_event\n") {
		t.Errorf("missing event line in %q", body)
	}
	if !strings.Contains(body, "data: {\"key\":\"value\"}\n") {
		t.Errorf("missing data line in %q", body)
	}
	if !strings.HasSuffix(body, "\n\n") {
		t.Errorf("SSE event should end with double newline")
	}
}

func TestWriteSSEEventNoEventType(t *testing.T) {
	w := httptest.NewRecorder()
	writeSSEEvent(w, "1", "", "hello")

	body := w.Body.String()
	if strings.Contains(body, "event:") {
		t.Errorf("should not have event line when empty, got %q", body)
	}
	if !strings.Contains(body, "id: 1\n") {
		t.Errorf("missing id line")
	}
	if !strings.Contains(body, "data: hello\n") {
		t.Errorf("missing data line")
	}
}

func TestStatsStreamHandler(t *testing.T) {
	store := stats.New(stats.Options{Cores: 1})
	if err := store.RecordLatency(0, 550); err != nil {
		t.Fatal(err)
	}
	s := &Server{src: store, streamEvery: 10 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest("GET", "/api/v1/stats/stream", nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.statsStreamHandler(w, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: stats") {
		t.Fatalf("expected stats event in response, got %q", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	// Parse the first SSE data line
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var resp StatsResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &resp); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if resp.Global.TotalRounds != 1 || resp.Global.MinNs != 550 {
			t.Errorf("global = %+v, want one round of 550ns", resp.Global)
		}
		if resp.Mode != "histogram" {
			t.Errorf("mode = %q, want histogram", resp.Mode)
		}
		return
	}
	t.Error("no data line in stream")
}

func TestStatsStreamBadInterval(t *testing.T) {
	s := &Server{src: stats.New(stats.Options{Cores: 1}), streamEvery: time.Second}

	for _, iv := range []string{"bogus", "1ms"} {
		req := httptest.NewRequest("GET", "/api/v1/stats/stream?interval="+iv, nil)
		w := httptest.NewRecorder()
		s.statsStreamHandler(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("interval=%s: status = %d, want 400", iv, w.Code)
		}
	}
}

func TestStatsStreamUnavailable(t *testing.T) {
	s := &Server{}
	w := httptest.NewRecorder()
	s.statsStreamHandler(w, httptest.NewRequest("GET", "/api/v1/stats/stream", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
