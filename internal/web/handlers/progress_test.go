package handlers

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kozaktomas/face-clusterer/internal/queue"
	"github.com/kozaktomas/face-clusterer/internal/reconcile"
)

type stuckQueue struct {
	cancelled bool
}

func (q *stuckQueue) Status() queue.Status {
	return queue.Status{State: queue.StateRunning, IsRunning: true, Pending: 4, Processing: 1}
}

func (q *stuckQueue) Cancel() {
	q.cancelled = true
}

func TestProgressHandler_Snapshot(t *testing.T) {
	holder := reconcile.NewHolder(&stuckQueue{}, reconcile.Options{})
	holder.ScanStarted(5, 10)
	handler := NewProgressHandler(holder)

	recorder := httptest.NewRecorder()
	handler.Snapshot(recorder, httptest.NewRequest("GET", "/api/v1/progress", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	var snap reconcile.Snapshot
	parseJSONResponse(t, recorder, &snap)
	if snap.State != reconcile.StateScanning || snap.JobID != 5 || snap.Total != 10 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestProgressHandler_Diagnose(t *testing.T) {
	q := &stuckQueue{}
	holder := reconcile.NewHolder(q, reconcile.Options{})
	holder.ScanStarted(5, 10)
	handler := NewProgressHandler(holder)

	recorder := httptest.NewRecorder()
	handler.Diagnose(recorder, httptest.NewRequest("POST", "/api/v1/progress/diagnose", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	var snap reconcile.Snapshot
	parseJSONResponse(t, recorder, &snap)
	if snap.State != reconcile.StateIdle {
		t.Errorf("expected idle after diagnose, got %s", snap.State)
	}
	if !strings.Contains(snap.Notice, "4 pending") {
		t.Errorf("expected notice to describe the queue, got %q", snap.Notice)
	}
	if !q.cancelled {
		t.Error("expected the queue to be cancelled")
	}
}

func TestProgressHandler_Events(t *testing.T) {
	holder := reconcile.NewHolder(&stuckQueue{}, reconcile.Options{})
	handler := NewProgressHandler(holder)
	server := httptest.NewServer(http.HandlerFunc(handler.Events))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", server.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event stream, got %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	nextEvent := func() (string, string) {
		t.Helper()
		var name, data string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("reading stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && name != "":
				return name, data
			}
		}
	}

	name, data := nextEvent()
	if name != "snapshot" || !strings.Contains(data, `"state":"idle"`) {
		t.Fatalf("expected idle snapshot first, got %s %s", name, data)
	}

	holder.ScanStarted(9, 3)
	name, data = nextEvent()
	if name != "status" || !strings.Contains(data, "Scanning 3 photos") {
		t.Errorf("expected scanning status event, got %s %s", name, data)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if holder.Subscribers() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("subscriber was not removed after the client disconnected")
}
