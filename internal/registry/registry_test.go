package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batman-mesh/livemap/pkg/core"
	"github.com/batman-mesh/livemap/pkg/streaming"
)

// fakeTransport records text frames. Writes fail once failWith is set and
// block while gate is non-nil and open.
type fakeTransport struct {
	mu       sync.Mutex
	messages [][]byte
	control  []int
	failWith error
	gate     chan struct{}
	closed   bool
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	if messageType != ws.TextMessage {
		f.control = append(f.control, messageType)
		return nil
	}
	f.messages = append(f.messages, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	for i, m := range f.messages {
		out[i] = string(m)
	}
	return out
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type staticStore []core.Record

func (s staticStore) SnapshotAll() []core.Record { return s }

func newTestRegistry(t *testing.T, records ...core.Record) *Registry {
	t.Helper()
	r, err := New(staticStore(records), nil)
	require.NoError(t, err)
	t.Cleanup(r.CloseAll)
	return r
}

func messageType(t *testing.T, raw string) string {
	t.Helper()
	var env streaming.Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	return env.Type
}

func TestRegister_InitialStateFirst(t *testing.T) {
	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	r := newTestRegistry(t, core.Record{ID: "1", Position: core.Position{Lat: 13.1, Lon: 77.5}, Timestamp: ts})

	tr := &fakeTransport{}
	h := NewHandle(tr)
	require.NoError(t, r.Register(h))
	assert.Equal(t, 1, r.Len())

	assert.Equal(t, 1, r.Broadcast([]byte(`{"id":1}`)))

	require.Eventually(t, func() bool { return len(tr.texts()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := tr.texts()
	assert.Equal(t, streaming.TypeInitialState, messageType(t, msgs[0]))
	assert.Contains(t, msgs[0], `"2024-05-01T00:00:00Z"`)
	assert.Equal(t, `{"id":1}`, msgs[1])
}

func TestRegister_Duplicate(t *testing.T) {
	r := newTestRegistry(t)
	h := NewHandle(&fakeTransport{})

	require.NoError(t, r.Register(h))
	assert.ErrorIs(t, r.Register(h), ErrAlreadyRegistered)
	assert.Equal(t, 1, r.Len())
}

func TestRegister_ClosedHandle(t *testing.T) {
	r := newTestRegistry(t)
	h := NewHandle(&fakeTransport{})
	h.Close()

	assert.ErrorIs(t, r.Register(h), ErrHandleClosed)
	assert.Equal(t, 0, r.Len())
}

func TestUnregister_ExactlyOnce(t *testing.T) {
	r := newTestRegistry(t)
	tr := &fakeTransport{}
	h := NewHandle(tr)
	require.NoError(t, r.Register(h))

	var wg sync.WaitGroup
	var mu sync.Mutex
	removed := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Unregister(h) {
				mu.Lock()
				removed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Unregister(h))

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("handle write loop did not exit")
	}
	assert.True(t, tr.isClosed())
	assert.Equal(t, StateClosed, h.State())
}

func TestBroadcast_FailingViewerIsolated(t *testing.T) {
	r := newTestRegistry(t)

	const viewers = 5
	transports := make([]*fakeTransport, viewers)
	handles := make([]*Handle, viewers)
	for i := range transports {
		transports[i] = &fakeTransport{}
		handles[i] = NewHandle(transports[i])
		require.NoError(t, r.Register(handles[i]))
	}

	// the third viewer's socket breaks
	transports[2].mu.Lock()
	transports[2].failWith = errors.New("broken pipe")
	transports[2].mu.Unlock()

	for i := 0; i < 3; i++ {
		r.Broadcast([]byte(fmt.Sprintf(`{"tick":%d}`, i)))
	}

	require.Eventually(t, func() bool { return r.Len() == viewers-1 }, time.Second, 5*time.Millisecond)
	for i, tr := range transports {
		if i == 2 {
			continue
		}
		tr := tr
		require.Eventually(t, func() bool { return len(tr.texts()) == 4 }, time.Second, 5*time.Millisecond,
			"viewer %d should get initial state and 3 ticks", i)
	}
	<-handles[2].Done()
	assert.True(t, transports[2].isClosed())
}

func TestBroadcast_SlowViewerDropped(t *testing.T) {
	r := newTestRegistry(t)

	slow := &fakeTransport{gate: make(chan struct{})}
	slowHandle := NewHandle(slow, WithQueueSize(2))
	require.NoError(t, r.Register(slowHandle))

	fast := &fakeTransport{}
	require.NoError(t, r.Register(NewHandle(fast, WithQueueSize(64))))

	// the slow viewer's writer is stuck on initial_state; its queue fills
	for i := 0; i < 4; i++ {
		r.Broadcast([]byte(`{"n":1}`))
	}

	assert.Equal(t, 1, r.Len(), "slow viewer should be removed")
	require.Eventually(t, func() bool { return len(fast.texts()) == 5 }, time.Second, 5*time.Millisecond)

	close(slow.gate)
	select {
	case <-slowHandle.Done():
	case <-time.After(time.Second):
		t.Fatal("slow handle did not shut down")
	}
}

func TestSend(t *testing.T) {
	r := newTestRegistry(t)
	tr := &fakeTransport{}
	h := NewHandle(tr)

	assert.ErrorIs(t, r.Send(h, []byte("x")), ErrNotRegistered)

	require.NoError(t, r.Register(h))
	require.NoError(t, r.Send(h, []byte(`{"type":"position_update","data":[]}`)))
	require.Eventually(t, func() bool { return len(tr.texts()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestCloseAll(t *testing.T) {
	r := newTestRegistry(t)
	var handles []*Handle
	var transports []*fakeTransport
	for i := 0; i < 3; i++ {
		tr := &fakeTransport{}
		h := NewHandle(tr)
		require.NoError(t, r.Register(h))
		handles = append(handles, h)
		transports = append(transports, tr)
	}

	r.CloseAll()

	assert.Equal(t, 0, r.Len())
	for i, h := range handles {
		select {
		case <-h.Done():
		case <-time.After(time.Second):
			t.Fatalf("handle %d not closed", i)
		}
		assert.True(t, transports[i].isClosed())
		transports[i].mu.Lock()
		assert.Equal(t, []int{ws.CloseMessage}, transports[i].control, "close frame expected")
		transports[i].mu.Unlock()
	}

	assert.ErrorIs(t, r.Register(NewHandle(&fakeTransport{})), ErrClosed)
	assert.Equal(t, 0, r.Broadcast([]byte("late")))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(9).String())
}
