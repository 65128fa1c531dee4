package progress

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kozaktomas/face-clusterer/internal/events"
)

func TestRender_ReturnsCompletion(t *testing.T) {
	ch := make(chan events.Event, 10)
	ch <- events.Event{Type: events.TypeStatus, Data: events.StatusData{Stage: "scanning"}}
	ch <- events.Event{Type: events.TypeProgress, Data: events.ProgressData{Current: 1, Total: 3}}
	ch <- events.Event{Type: events.TypeProgress, Data: events.ProgressData{Current: 2, Total: 3}}
	ch <- events.Event{Type: events.TypeCompleted, Data: events.CompletedData{Total: 3, Completed: 2, Failed: 1, DetectedFaces: 4}}

	var out bytes.Buffer
	done, err := Render(context.Background(), ch, 3, &out)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if done == nil || done.DetectedFaces != 4 || done.Failed != 1 {
		t.Errorf("completion = %+v", done)
	}
	if !strings.Contains(out.String(), "Detecting faces") {
		t.Errorf("output %q does not contain the bar description", out.String())
	}
}

func TestRender_ClosedChannel(t *testing.T) {
	ch := make(chan events.Event)
	close(ch)
	done, err := Render(context.Background(), ch, 1, &bytes.Buffer{})
	if err != nil || done != nil {
		t.Errorf("Render() = %+v, %v; want nil, nil", done, err)
	}
}

func TestRender_ContextDone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := Render(ctx, make(chan events.Event), 1, &bytes.Buffer{}); err == nil {
		t.Error("expected context error")
	}
}
