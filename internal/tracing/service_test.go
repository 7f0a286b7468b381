package tracing

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prasenjit/omock/internal/models"
)

func newTrace(mockID, method string, status int) *models.Trace {
	return &models.Trace{
		MockID:   mockID,
		APIName:  "api-" + mockID,
		Request:  models.TraceRequest{Method: method},
		Response: models.TraceResponse{StatusCode: status},
	}
}

func TestNewService(t *testing.T) {
	s := NewService(0)
	if got := s.GetStats().MaxTraces; got != 1000 {
		t.Errorf("Expected default max 1000, got %d", got)
	}

	s = NewService(50)
	if got := s.GetStats().MaxTraces; got != 50 {
		t.Errorf("Expected max 50, got %d", got)
	}
}

func TestRecordTrace_AssignsIDAndTimestamp(t *testing.T) {
	s := NewService(10)
	trace := newTrace("m1", "GET", 200)

	s.RecordTrace(trace)

	if trace.ID == "" {
		t.Error("Expected trace ID to be generated")
	}
	if trace.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}

	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	kept := &models.Trace{ID: "custom", Timestamp: fixed}
	s.RecordTrace(kept)
	if kept.ID != "custom" || !kept.Timestamp.Equal(fixed) {
		t.Error("Expected existing ID and timestamp to be preserved")
	}
}

func TestRecordTrace_EvictsOldest(t *testing.T) {
	s := NewService(5)

	for i := 0; i < 12; i++ {
		s.RecordTrace(&models.Trace{ID: fmt.Sprintf("t%d", i)})
	}

	traces := s.GetTraces(nil)
	if len(traces) != 5 {
		t.Fatalf("Expected 5 traces, got %d", len(traces))
	}
	if traces[0].ID != "t11" || traces[4].ID != "t7" {
		t.Errorf("Expected newest first t11..t7, got %s..%s", traces[0].ID, traces[4].ID)
	}
	if s.GetTrace("t6") != nil {
		t.Error("Expected t6 to be evicted")
	}
}

func TestGetTraces_Filters(t *testing.T) {
	s := NewService(100)
	s.RecordTrace(newTrace("m1", "GET", 200))
	s.RecordTrace(newTrace("m1", "POST", 500))
	s.RecordTrace(newTrace("m2", "GET", 404))

	tests := []struct {
		name   string
		filter *models.TraceFilter
		want   int
	}{
		{"no filter", nil, 3},
		{"by mock", &models.TraceFilter{MockID: "m1"}, 2},
		{"by api name", &models.TraceFilter{APIName: "api-m2"}, 1},
		{"by method", &models.TraceFilter{Method: "GET"}, 2},
		{"by status", &models.TraceFilter{StatusCode: 500}, 1},
		{"combined", &models.TraceFilter{MockID: "m1", Method: "GET"}, 1},
		{"limit", &models.TraceFilter{Limit: 2}, 2},
		{"offset", &models.TraceFilter{Offset: 2}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(s.GetTraces(tt.filter)); got != tt.want {
				t.Errorf("Expected %d traces, got %d", tt.want, got)
			}
		})
	}
}

func TestClearTraces(t *testing.T) {
	s := NewService(3)
	for i := 0; i < 5; i++ {
		s.RecordTrace(newTrace("m1", "GET", 200))
	}

	s.ClearTraces()
	if got := s.GetStats().TotalTraces; got != 0 {
		t.Errorf("Expected 0 traces, got %d", got)
	}

	s.RecordTrace(newTrace("m1", "GET", 200))
	if got := len(s.GetTraces(nil)); got != 1 {
		t.Errorf("Expected 1 trace after clear, got %d", got)
	}
}

func TestClearTracesByMock(t *testing.T) {
	s := NewService(4)
	s.RecordTrace(&models.Trace{ID: "a", MockID: "m1"})
	s.RecordTrace(&models.Trace{ID: "b", MockID: "m2"})
	s.RecordTrace(&models.Trace{ID: "c", MockID: "m1"})
	s.RecordTrace(&models.Trace{ID: "d", MockID: "m2"})
	s.RecordTrace(&models.Trace{ID: "e", MockID: "m1"})

	s.ClearTracesByMock("m1")

	traces := s.GetTraces(nil)
	if len(traces) != 2 {
		t.Fatalf("Expected 2 traces, got %d", len(traces))
	}
	if traces[0].ID != "d" || traces[1].ID != "b" {
		t.Errorf("Expected order d,b got %s,%s", traces[0].ID, traces[1].ID)
	}

	s.RecordTrace(&models.Trace{ID: "f", MockID: "m2"})
	if got := s.GetTraces(nil)[0].ID; got != "f" {
		t.Errorf("Expected newest trace f, got %s", got)
	}
}

func TestSubscribeWithFilter(t *testing.T) {
	s := NewService(10)

	id, ch := s.Subscribe(models.TraceFilter{MockID: "m2"})
	s.RecordTrace(newTrace("m1", "GET", 200))
	s.RecordTrace(newTrace("m2", "GET", 200))

	select {
	case got := <-ch:
		if got.MockID != "m2" {
			t.Errorf("Expected only m2 traces, got %s", got.MockID)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for trace")
	}

	s.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Error("Expected channel to be closed after unsubscribe")
	}
	if got := s.GetStats().ActiveSubscribers; got != 0 {
		t.Errorf("Expected 0 subscribers, got %d", got)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := NewService(10)
	_, _ = s.Subscribe(models.TraceFilter{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBacklog*2; i++ {
			s.RecordTrace(newTrace("m1", "GET", 200))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RecordTrace blocked on a full subscriber")
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := NewService(50)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			s.RecordTrace(newTrace(fmt.Sprintf("m%d", n%3), "GET", 200))
		}(i)
		go func() {
			defer wg.Done()
			_ = s.GetTraces(&models.TraceFilter{Limit: 10})
		}()
	}
	wg.Wait()

	if got := s.GetStats().TotalTraces; got != 50 {
		t.Errorf("Expected 50 traces, got %d", got)
	}
}

func TestWebSocketStream(t *testing.T) {
	s := NewService(10)
	srv := httptest.NewServer(NewWebSocketHandler(s, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?mockId=m1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	// wait for the handler to subscribe
	deadline := time.Now().Add(2 * time.Second)
	for s.GetStats().ActiveSubscribers == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.RecordTrace(newTrace("m2", "GET", 200))
	s.RecordTrace(newTrace("m1", "POST", 201))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if !strings.Contains(string(data), `"mock_id":"m1"`) {
		t.Errorf("Expected m1 trace, got %s", data)
	}
}
