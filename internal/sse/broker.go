// Package sse streams finalize-job and manifest events to HTTP clients.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

const (
	clientBuffer = 64
	keepAlive    = 15 * time.Second
)

// Event is one frame on the stream. SessionID scopes job events; manifest
// events carry none and reach every client.
type Event struct {
	Type      string
	SessionID string
	Data      any
}

// Subscriber is one connected stream. A non-empty session limits job events
// to that session.
type Subscriber struct {
	ch      chan []byte
	session string
}

// Events yields formatted frames until the subscriber is removed or the broker closes.
func (s *Subscriber) Events() <-chan []byte { return s.ch }

func (s *Subscriber) wants(e Event) bool {
	return s.session == "" || e.SessionID == "" || e.SessionID == s.session
}

// Broker fans job and manifest events out to subscribers. One goroutine owns
// the subscriber set, the frame counter and the manifest throttle; the public
// methods talk to it over channels.
type Broker struct {
	join     chan *Subscriber
	leave    chan *Subscriber
	jobs     chan Event
	manifest chan string
	count    chan chan int

	manifestGate *throttle

	stop    chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker starts a broker. manifest.updated goes out at most once per
// manifestThrottle; the newest suppressed value follows when the window closes.
func NewBroker(manifestThrottle time.Duration) *Broker {
	if manifestThrottle <= 0 {
		manifestThrottle = 2 * time.Second
	}
	b := &Broker{
		join:         make(chan *Subscriber),
		leave:        make(chan *Subscriber),
		jobs:         make(chan Event, 256),
		manifest:     make(chan string, 256),
		count:        make(chan chan int),
		manifestGate: &throttle{min: manifestThrottle},
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	go b.run()
	return b
}

func manifestEvent(updatedAt string) Event {
	return Event{Type: "manifest.updated", Data: map[string]string{"lastUpdatedAt": updatedAt}}
}

func (b *Broker) run() {
	defer close(b.stopped)
	defer b.manifestGate.stop()

	subs := make(map[*Subscriber]struct{})
	var seq uint64

	send := func(e Event) {
		payload, err := json.Marshal(e.Data)
		if err != nil {
			return
		}
		seq++
		frame := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, e.Type, payload))
		for s := range subs {
			if !s.wants(e) {
				continue
			}
			select {
			case s.ch <- frame:
			default:
				// slow reader; frame dropped
			}
		}
	}

	for {
		select {
		case <-b.stop:
			for s := range subs {
				close(s.ch)
			}
			return

		case s := <-b.join:
			subs[s] = struct{}{}

		case s := <-b.leave:
			if _, ok := subs[s]; ok {
				delete(subs, s)
				close(s.ch)
			}

		case e := <-b.jobs:
			send(e)

		case updatedAt := <-b.manifest:
			if b.manifestGate.offer(time.Now(), updatedAt) {
				send(manifestEvent(updatedAt))
			}

		case <-b.manifestGate.due():
			if updatedAt, ok := b.manifestGate.flush(time.Now()); ok {
				send(manifestEvent(updatedAt))
			}

		case resp := <-b.count:
			resp <- len(subs)
		}
	}
}

// throttle passes at most one value per window and holds the newest of the rest.
type throttle struct {
	min     time.Duration
	last    time.Time
	pending string
	held    bool
	timer   *time.Timer
}

// offer reports whether v may be sent now. Otherwise v replaces any held
// value and a flush is scheduled for the end of the window.
func (t *throttle) offer(now time.Time, v string) bool {
	if now.Sub(t.last) >= t.min {
		t.last = now
		return true
	}
	t.pending, t.held = v, true
	if t.timer == nil {
		t.timer = time.NewTimer(t.min - now.Sub(t.last))
	}
	return false
}

// due fires when a held value may be flushed. A nil channel blocks forever.
func (t *throttle) due() <-chan time.Time {
	if t.timer == nil {
		return nil
	}
	return t.timer.C
}

func (t *throttle) flush(now time.Time) (string, bool) {
	t.timer = nil
	if !t.held {
		return "", false
	}
	t.held = false
	t.last = now
	return t.pending, true
}

func (t *throttle) stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Close stops the broker and closes every subscriber. Safe to call twice.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stop)
	}
	<-b.stopped
}

// Subscribe registers a stream. An empty session receives all job events.
func (b *Broker) Subscribe(session string) *Subscriber {
	s := &Subscriber{ch: make(chan []byte, clientBuffer), session: session}
	if b.closed.Load() {
		close(s.ch)
		return s
	}
	select {
	case b.join <- s:
	case <-b.stopped:
		close(s.ch)
	}
	return s
}

// Unsubscribe removes s and closes its channel.
func (b *Broker) Unsubscribe(s *Subscriber) {
	if b.closed.Load() {
		return
	}
	select {
	case b.leave <- s:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected subscribers.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.count <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// PublishJobEvent sends job.<status> (queued, running, succeeded, failed) to
// subscribers watching all sessions or sessionID.
func (b *Broker) PublishJobEvent(status, jobID, sessionID, errMsg string) {
	data := map[string]string{"jobId": jobID, "sessionId": sessionID}
	if errMsg != "" {
		data["error"] = errMsg
	}
	if b.closed.Load() {
		return
	}
	select {
	case b.jobs <- Event{Type: "job." + status, SessionID: sessionID, Data: data}:
	case <-b.stopped:
	}
}

// PublishManifestUpdated sends a throttled manifest.updated to every subscriber.
func (b *Broker) PublishManifestUpdated(lastUpdatedAt string) {
	if b.closed.Load() {
		return
	}
	select {
	case b.manifest <- lastUpdatedAt:
	case <-b.stopped:
	}
}

// ServeHTTP serves GET /api/events. ?session=<id> narrows job events to one
// staging session.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("retry: 3000\n\n"))
	flusher.Flush()

	sub := b.Subscribe(r.URL.Query().Get("session"))
	defer b.Unsubscribe(sub)

	ping := time.NewTicker(keepAlive)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case frame, ok := <-sub.Events():
			if !ok {
				return
			}
			_, _ = w.Write(frame)
			flusher.Flush()
		}
	}
}
