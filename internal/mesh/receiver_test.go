package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batman-mesh/livemap/internal/dispatcher"
	"github.com/batman-mesh/livemap/pkg/core"
)

// fakeTransport replays queued frames and errors, then blocks until closed.
type fakeTransport struct {
	mu     sync.Mutex
	script []any // Frame or error
	sent   [][]byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport(script ...any) *fakeTransport {
	return &fakeTransport{script: script, closed: make(chan struct{})}
}

func (f *fakeTransport) Receive(ctx context.Context) (Frame, error) {
	f.mu.Lock()
	if len(f.script) > 0 {
		next := f.script[0]
		f.script = f.script[1:]
		f.mu.Unlock()
		if err, ok := next.(error); ok {
			return Frame{}, err
		}
		return next.(Frame), nil
	}
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-f.closed:
		return Frame{}, ErrClosed
	}
}

func (f *fakeTransport) Send(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []dispatcher.Event
	err    error
}

func (d *recordingDispatcher) Dispatch(e dispatcher.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.events = append(d.events, e)
	return nil
}

func (d *recordingDispatcher) ids() []core.VehicleID {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []core.VehicleID
	for _, e := range d.events {
		out = append(out, e.Update.ID)
	}
	return out
}

func frame(payload string) Frame {
	return Frame{Payload: []byte(payload), Sender: "10.0.0.2", ReceivedAt: time.Now()}
}

func TestReceiver_DecodeFailuresDoNotStopLoop(t *testing.T) {
	tr := newFakeTransport(
		frame(`{"id":1,"lat":13.1,"long":77.5}`),
		frame(`not json`),
		frame(`{"id":2,"lat":200,"long":77.5}`),
		frame(`{"id":3,"lat":13.2,"long":77.6}`),
	)
	d := &recordingDispatcher{}
	r := NewReceiver(tr, d, nil)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	require.Eventually(t, func() bool { return len(d.ids()) == 2 }, time.Second, 5*time.Millisecond)
	tr.Close()
	require.NoError(t, <-done)

	assert.Equal(t, []core.VehicleID{"1", "3"}, d.ids())
	stats := r.Stats()
	assert.Equal(t, uint64(4), stats.Frames)
	assert.Equal(t, uint64(2), stats.Accepted)
	assert.Equal(t, uint64(2), stats.Rejected)

	d.mu.Lock()
	assert.Equal(t, dispatcher.KindMesh, d.events[0].Kind)
	d.mu.Unlock()
}

func TestReceiver_TransientErrorBacksOff(t *testing.T) {
	tr := newFakeTransport(
		errors.New("interface down"),
		frame(`{"id":5,"lat":1,"long":2}`),
	)
	d := &recordingDispatcher{}
	r := NewReceiver(tr, d, nil)
	r.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(d.ids()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestReceiver_DispatchFailureCounted(t *testing.T) {
	tr := newFakeTransport(frame(`{"id":1,"lat":1,"long":2}`))
	d := &recordingDispatcher{err: dispatcher.ErrQueueFull}
	r := NewReceiver(tr, d, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return r.Stats().Dropped == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestTransmitter_SendsMeshPacket(t *testing.T) {
	tr := newFakeTransport()
	tx := NewTransmitter(tr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tx.Run(ctx) }()

	tx.Transmit(ctx, core.Record{ID: "2", Position: core.Position{Lat: 13.1, Lon: 77.5}})

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.sent) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.JSONEq(t, `{"id":2,"lat":13.1,"long":77.5}`, string(tr.sent[0]))
}

// blockingTransport never completes a Send until its context ends.
type blockingTransport struct{ *fakeTransport }

func (b *blockingTransport) Send(ctx context.Context, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestTransmitter_DoesNotBlockOnSlowTransport(t *testing.T) {
	tx := NewTransmitter(&blockingTransport{newFakeTransport()}, nil)

	start := time.Now()
	for i := 0; i < defaultTransmitSize+10; i++ {
		tx.Transmit(context.Background(), core.Record{ID: "1"})
	}
	assert.Less(t, time.Since(start), sendTimeout/2)
	assert.Equal(t, uint64(10), tx.Dropped())
}
