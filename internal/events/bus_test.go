package events

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversToSpecificSubscribers(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))

	terminalEvents := make(chan Event, 1)
	exitEvents := make(chan Event, 1)

	bus.Subscribe(TypeTerminalData, func(event Event) {
		terminalEvents <- event
	})
	bus.Subscribe(TypeProcessExit, func(event Event) {
		exitEvents <- event
	})

	bus.Publish(Event{
		Type:     TypeTerminalData,
		Source:   "supervisor",
		Payload:  "hello\r\n",
		Severity: SeverityInfo,
	})

	select {
	case got := <-terminalEvents:
		if got.Type != TypeTerminalData {
			t.Fatalf("received type = %q, want %q", got.Type, TypeTerminalData)
		}
		if got.Payload != "hello\r\n" {
			t.Fatalf("payload = %v, want %q", got.Payload, "hello\r\n")
		}
		if got.Timestamp.IsZero() {
			t.Fatal("expected publish to stamp a timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("terminal subscriber did not receive event")
	}

	select {
	case got := <-exitEvents:
		t.Fatalf("exit subscriber received unexpected event %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEveryType(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{}, 2)

	bus.SubscribeAll(func(event Event) {
		mu.Lock()
		seen = append(seen, event.Type)
		mu.Unlock()
		done <- struct{}{}
	})

	bus.Publish(Event{Type: TypeProcessSpawn})
	bus.Publish(Event{Type: TypeTerminalClosed})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("wildcard subscriber did not receive all events")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("wildcard handler saw %d events, want 2", len(seen))
	}
}

func TestPublishDropsWhenSubscriberBufferFull(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}
	bus := New(WithBufferSize(1), WithLogger(logger))

	release := make(chan struct{})
	received := make(chan struct{}, 8)
	bus.Subscribe(TypeTerminalData, func(Event) {
		<-release
		received <- struct{}{}
	})

	// First fills the in-flight handler, second fills the buffer, the rest drop.
	for i := 0; i < 4; i++ {
		bus.Publish(Event{Type: TypeTerminalData, Payload: fmt.Sprintf("chunk-%d", i)})
	}
	close(release)

	deadline := time.After(time.Second)
	delivered := 0
loop:
	for {
		select {
		case <-received:
			delivered++
		case <-deadline:
			break loop
		default:
			if delivered >= 2 && logger.count() > 0 {
				break loop
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	if logger.count() == 0 {
		t.Fatal("expected dropped-event warnings when buffer is full")
	}
}

func TestSubscribeIgnoresInvalidRegistrations(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))
	bus.Subscribe("", func(Event) { t.Fatal("handler for empty type must not register") })
	bus.Subscribe(TypeTerminalData, nil)
	bus.SubscribeAll(nil)

	bus.Publish(Event{Type: TypeTerminalData})
	time.Sleep(20 * time.Millisecond)
}

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureLogger) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (c *captureLogger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}
