package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"okgate/pipeline"
)

type event struct {
	signal  pipeline.Signal
	channel string
	payload string
}

type eventLog struct {
	mu     sync.Mutex
	events []event
	notify chan event
}

func newEventLog() *eventLog {
	return &eventLog{notify: make(chan event, 64)}
}

func (l *eventLog) record(e event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
	l.notify <- e
}

func (l *eventLog) all() []event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) wait(t *testing.T, match func(event) bool) event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-l.notify:
			if match(e) {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event, got %v", l.all())
		}
	}
}

func testClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestListenerDeliversPerChannel(t *testing.T) {
	_, rdb := testClient(t)

	el := newEventLog()
	app := func(ctx *pipeline.Context) error {
		el.record(event{signal: ctx.Signal, channel: ctx.Channel, payload: string(ctx.Raw)})
		return nil
	}

	l := NewListener(rdb, app, "chan-a", "chan-b")
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(context.Background())
	}()

	// both channels get CONNECTED before any data
	el.wait(t, func(e event) bool { return e.signal == pipeline.Connected && e.channel == "chan-b" })

	ctx := context.Background()
	if err := rdb.Publish(ctx, "chan-a", "ping-a").Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := rdb.Publish(ctx, "chan-b", "ping-b").Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ea := el.wait(t, func(e event) bool { return e.signal == pipeline.OnData && e.channel == "chan-a" })
	if ea.payload != "ping-a" {
		t.Fatalf("payload = %q", ea.payload)
	}
	el.wait(t, func(e event) bool { return e.signal == pipeline.OnData && e.channel == "chan-b" })

	l.Close()
	<-done

	// DISCONNECTED and EXIT broadcast exactly once per channel
	counts := map[string]int{}
	for _, e := range el.all() {
		if e.signal == pipeline.Disconnected || e.signal == pipeline.Exit {
			counts[e.channel+"/"+string(e.signal)]++
		}
	}
	for _, ch := range []string{"chan-a", "chan-b"} {
		if counts[ch+"/DISCONNECTED"] != 1 || counts[ch+"/EXIT"] != 1 {
			t.Fatalf("shutdown signals not exactly once: %v", counts)
		}
	}
}

func TestListenerStopSentinelStopsOneReader(t *testing.T) {
	_, rdb := testClient(t)

	el := newEventLog()
	app := func(ctx *pipeline.Context) error {
		el.record(event{signal: ctx.Signal, channel: ctx.Channel, payload: string(ctx.Raw)})
		if ctx.Signal == pipeline.OnData && ctx.Channel == "stop-me" {
			return ErrStopReader
		}
		return nil
	}

	l := NewListener(rdb, app, "stop-me", "keep-going")
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(context.Background())
	}()
	el.wait(t, func(e event) bool { return e.signal == pipeline.Connected && e.channel == "keep-going" })

	ctx := context.Background()
	rdb.Publish(ctx, "stop-me", "bye")
	el.wait(t, func(e event) bool { return e.signal == pipeline.OnData && e.channel == "stop-me" })

	// the surviving reader still delivers
	rdb.Publish(ctx, "keep-going", "still-here")
	e := el.wait(t, func(e event) bool { return e.signal == pipeline.OnData && e.channel == "keep-going" })
	if e.payload != "still-here" {
		t.Fatalf("payload = %q", e.payload)
	}

	l.Close()
	<-done
}

func TestListenerAppErrorDoesNotStopReader(t *testing.T) {
	_, rdb := testClient(t)

	el := newEventLog()
	app := func(ctx *pipeline.Context) error {
		el.record(event{signal: ctx.Signal, channel: ctx.Channel, payload: string(ctx.Raw)})
		if ctx.Signal == pipeline.OnData && string(ctx.Raw) == "bad" {
			return context.DeadlineExceeded
		}
		return nil
	}

	l := NewListener(rdb, app, "c")
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(context.Background())
	}()
	el.wait(t, func(e event) bool { return e.signal == pipeline.Connected })

	ctx := context.Background()
	rdb.Publish(ctx, "c", "bad")
	el.wait(t, func(e event) bool { return e.signal == pipeline.OnData && e.payload == "bad" })
	rdb.Publish(ctx, "c", "good")
	el.wait(t, func(e event) bool { return e.signal == pipeline.OnData && e.payload == "good" })

	l.Close()
	<-done
}
