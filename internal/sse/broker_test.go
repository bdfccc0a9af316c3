package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func drain(s *Subscriber) []string {
	var out []string
	for {
		select {
		case msg := <-s.Events():
			out = append(out, string(msg))
		default:
			return out
		}
	}
}

func next(t *testing.T, s *Subscriber) string {
	t.Helper()
	select {
	case msg := <-s.Events():
		return string(msg)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
		return ""
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	s := b.Subscribe("")
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(s)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
	if _, ok := <-s.Events(); ok {
		t.Error("expected channel closed after unsubscribe")
	}
}

func TestPublishJobEvent(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	s := b.Subscribe("")
	defer b.Unsubscribe(s)

	b.PublishJobEvent("failed", "j1", "s1", "disk full")

	msg := next(t, s)
	for _, want := range []string{"id: 1\n", "event: job.failed", `"jobId":"j1"`, `"sessionId":"s1"`, `"error":"disk full"`} {
		if !strings.Contains(msg, want) {
			t.Errorf("missing %q in %q", want, msg)
		}
	}

	b.PublishJobEvent("queued", "j2", "s1", "")
	msg = next(t, s)
	if !strings.Contains(msg, "id: 2\n") || strings.Contains(msg, `"error"`) {
		t.Errorf("second frame = %q", msg)
	}
}

func TestSessionFilter(t *testing.T) {
	b := NewBroker(time.Millisecond)
	defer b.Close()
	mine := b.Subscribe("s1")
	defer b.Unsubscribe(mine)
	all := b.Subscribe("")
	defer b.Unsubscribe(all)

	b.PublishJobEvent("running", "j-other", "s2", "")
	b.PublishJobEvent("running", "j-mine", "s1", "")
	b.PublishManifestUpdated("t1")

	// Job and manifest events take separate paths, so only membership is checked.
	mineFrames := strings.Join([]string{next(t, mine), next(t, mine)}, "")
	if !strings.Contains(mineFrames, `"jobId":"j-mine"`) || !strings.Contains(mineFrames, "event: manifest.updated") {
		t.Errorf("session subscriber frames = %q", mineFrames)
	}
	time.Sleep(20 * time.Millisecond)
	if extra := drain(mine); len(extra) != 0 || strings.Contains(mineFrames, "j-other") {
		t.Errorf("session subscriber received another session's job: %q", extra)
	}

	allFrames := strings.Join([]string{next(t, all), next(t, all), next(t, all)}, "")
	if !strings.Contains(allFrames, "j-other") || !strings.Contains(allFrames, "j-mine") {
		t.Errorf("unfiltered subscriber frames = %q", allFrames)
	}
}

func TestPublishManifestUpdated_Throttle(t *testing.T) {
	b := NewBroker(200 * time.Millisecond)
	defer b.Close()
	s := b.Subscribe("")
	defer b.Unsubscribe(s)

	// First event goes out immediately; the burst after it is coalesced.
	b.PublishManifestUpdated("t1")
	b.PublishManifestUpdated("t2")
	b.PublishManifestUpdated("t3")

	time.Sleep(50 * time.Millisecond)
	first := drain(s)
	if len(first) != 1 || !strings.Contains(first[0], `"lastUpdatedAt":"t1"`) {
		t.Fatalf("immediate events = %q, want only t1", first)
	}

	time.Sleep(300 * time.Millisecond)
	trailing := drain(s)
	if len(trailing) != 1 || !strings.Contains(trailing[0], `"lastUpdatedAt":"t3"`) {
		t.Errorf("trailing events = %q, want only t3", trailing)
	}
}

func TestThrottle(t *testing.T) {
	th := &throttle{min: time.Minute}
	defer th.stop()
	now := time.Now()

	if !th.offer(now, "a") {
		t.Fatal("first value should pass")
	}
	if th.offer(now.Add(time.Second), "b") || th.offer(now.Add(2*time.Second), "c") {
		t.Fatal("values inside the window should be held")
	}
	if th.due() == nil {
		t.Fatal("expected a scheduled flush")
	}
	if v, ok := th.flush(now.Add(time.Minute)); !ok || v != "c" {
		t.Errorf("flush = %q, %v; want c, true", v, ok)
	}
	if _, ok := th.flush(now.Add(time.Minute)); ok {
		t.Error("second flush should have nothing held")
	}
	if th.due() != nil {
		t.Error("no flush should be scheduled after flushing")
	}
}

func TestSSEHandler(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/events?session=s1", nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	b.PublishJobEvent("succeeded", "j9", "other", "")
	b.PublishJobEvent("succeeded", "j1", "s1", "")
	b.PublishManifestUpdated("x")
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done

	body := w.Body.String()
	if !strings.HasPrefix(body, "retry: 3000\n\n") {
		t.Errorf("missing retry hint: %q", body)
	}
	if !strings.Contains(body, `"jobId":"j1"`) || !strings.Contains(body, "event: manifest.updated") {
		t.Errorf("handler output missing events: %q", body)
	}
	if strings.Contains(body, "j9") {
		t.Errorf("handler leaked another session's job: %q", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 0 {
		t.Errorf("client not cleaned up after disconnect")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	s := b.Subscribe("")
	defer b.Unsubscribe(s)

	for i := 0; i < clientBuffer+10; i++ {
		b.PublishJobEvent("queued", "j", "s", "")
	}
	// The broker loop must still answer.
	if b.ClientCount() != 1 {
		t.Error("broker stalled on a full subscriber")
	}
}

func TestCloseClosesSubscribersAndStopsOperations(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	s := b.Subscribe("")
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}

	b.Close()

	select {
	case _, ok := <-s.Events():
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close")
	}

	// Safe no-ops after close.
	b.PublishJobEvent("queued", "j1", "s1", "")
	b.PublishManifestUpdated("x")
	b.Unsubscribe(s)
	b.Close()
	if _, ok := <-b.Subscribe("").Events(); ok {
		t.Error("subscribe after close should return a closed stream")
	}
}
