package dispatcher

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/batman-mesh/livemap/pkg/core"
)

// testLogger records formatted lines per level.
type testLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *testLogger) add(level, msg string, kv []any) {
	l.mu.Lock()
	l.lines = append(l.lines, fmt.Sprintf("%s: %s %v", level, msg, kv))
	l.mu.Unlock()
}

func (l *testLogger) Debug(msg string, kv ...any) { l.add("DEBUG", msg, kv) }
func (l *testLogger) Info(msg string, kv ...any)  { l.add("INFO", msg, kv) }
func (l *testLogger) Error(msg string, kv ...any) { l.add("ERROR", msg, kv) }

func (l *testLogger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *testLogger) {
	t.Helper()
	logger := &testLogger{}
	d, err := New(logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Close)
	return d, logger
}

func meshEvent(id string) Event {
	return Event{
		Kind:   KindMesh,
		Update: core.Update{ID: core.VehicleID(id), Position: core.Position{Lat: 13.1, Lon: 77.5}, Source: "mesh"},
	}
}

func TestDispatcher_SyncHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var got Event
	d.Register(KindMesh, func(e Event) error {
		got = e
		return nil
	})

	if err := d.Dispatch(meshEvent("7")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Update.ID != "7" {
		t.Errorf("handler saw vehicle %q", got.Update.ID)
	}
	if got.Timestamp.IsZero() {
		t.Error("expected dispatch to stamp the event")
	}
}

func TestDispatcher_SyncHandlerError(t *testing.T) {
	d, _ := newTestDispatcher(t)

	wantErr := errors.New("rejected")
	d.Register(KindFeed, func(e Event) error { return wantErr })

	if err := d.Dispatch(Event{Kind: KindFeed}); !errors.Is(err, wantErr) {
		t.Errorf("expected handler error, got %v", err)
	}
}

func TestDispatcher_UnknownKind(t *testing.T) {
	d, _ := newTestDispatcher(t)

	err := d.Dispatch(Event{Kind: "carrier-pigeon"})

	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

func TestDispatcher_BufferedHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var processed atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)

	d.Register(KindMesh, func(e Event) error {
		processed.Add(1)
		wg.Done()
		return nil
	}, Buffered(100))

	for i := 0; i < 3; i++ {
		if err := d.Dispatch(meshEvent(fmt.Sprint(i))); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}

	wg.Wait()

	if processed.Load() != 3 {
		t.Errorf("expected 3 processed, got %d", processed.Load())
	}
}

func TestDispatcher_BufferedDropsWhenFull(t *testing.T) {
	d, _ := newTestDispatcher(t)

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	d.Register(KindMesh, func(e Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	}, Buffered(2))
	defer close(block)

	// first event is picked up by the worker
	if err := d.Dispatch(meshEvent("1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-started

	// two more fill the queue
	d.Dispatch(meshEvent("2"))
	d.Dispatch(meshEvent("3"))
	if n := d.QueueLengths()[KindMesh]; n != 2 {
		t.Errorf("expected 2 queued events, got %d", n)
	}

	err := d.Dispatch(meshEvent("4"))
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestDispatcher_BufferedBlocking(t *testing.T) {
	d, _ := newTestDispatcher(t)

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	d.Register(KindMesh, func(e Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	}, Buffered(1), Blocking())

	d.Dispatch(meshEvent("1"))
	<-started
	d.Dispatch(meshEvent("2"))

	done := make(chan struct{})
	go func() {
		d.Dispatch(meshEvent("3"))
		close(done)
	}()

	select {
	case <-done:
		t.Error("dispatch should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("dispatch did not unblock")
	}
}

func TestDispatcher_LoggedHandler(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Register(KindMesh, func(e Event) error { return nil }, Logged())

	d.Dispatch(meshEvent("1"))

	if n := len(logger.snapshot()); n < 2 {
		t.Errorf("expected at least 2 log messages, got %d", n)
	}
}

func TestDispatcher_LoggedHandlerError(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Register(KindMesh, func(e Event) error {
		return fmt.Errorf("test error")
	}, Logged())

	d.Dispatch(meshEvent("1"))

	hasError := false
	for _, msg := range logger.snapshot() {
		if strings.HasPrefix(msg, "ERROR") {
			hasError = true
			break
		}
	}

	if !hasError {
		t.Error("expected error log message")
	}
}

func TestDispatcher_HasHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	d.Register(KindFeed, func(e Event) error { return nil })

	if !d.HasHandler(KindFeed) {
		t.Error("expected handler to exist")
	}

	if d.HasHandler(KindMesh) {
		t.Error("expected handler to not exist")
	}
}

func TestDispatcher_CombinedOptions(t *testing.T) {
	d, logger := newTestDispatcher(t)

	var wg sync.WaitGroup
	wg.Add(1)

	d.Register(KindMesh, func(e Event) error {
		wg.Done()
		return nil
	}, Buffered(100), Logged())

	if err := d.Dispatch(meshEvent("1")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	wg.Wait()

	// logging wraps the handler inside the worker, so the completion message
	// may land just after wg.Done
	deadline := time.Now().Add(time.Second)
	for len(logger.snapshot()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(logger.snapshot()); n < 2 {
		t.Errorf("expected log messages, got %d", n)
	}
}

func TestDispatcher_ClosedRejects(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.Register(KindMesh, func(e Event) error { return nil }, Buffered(4))

	d.Close()

	if err := d.Dispatch(meshEvent("1")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
