package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batman-mesh/livemap/internal/geo"
	"github.com/batman-mesh/livemap/internal/simulator"
	"github.com/batman-mesh/livemap/internal/store"
	"github.com/batman-mesh/livemap/pkg/core"
	"github.com/batman-mesh/livemap/pkg/streaming"
)

type recordingBroadcaster struct {
	mu   sync.Mutex
	msgs []string
}

func (b *recordingBroadcaster) Broadcast(data []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, string(data))
	return 1
}

func (b *recordingBroadcaster) messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.msgs...)
}

type sourceFunc func(ctx context.Context) ([]core.Record, error)

func (f sourceFunc) Next(ctx context.Context) ([]core.Record, error) { return f(ctx) }

type recordingTx struct {
	sent []core.Record
}

func (r *recordingTx) Transmit(_ context.Context, rec core.Record) {
	r.sent = append(r.sent, rec)
}

func testPaths() map[core.VehicleID]core.WaypointPath {
	return map[core.VehicleID]core.WaypointPath{
		"1": {{Lat: 13.10, Lon: 77.50}, {Lat: 13.11, Lon: 77.51}},
		"2": {{Lat: 13.20, Lon: 77.60}},
	}
}

func TestSimulationSource_SeedsStoreAndAdvancesOne(t *testing.T) {
	sim, err := simulator.New(testPaths(), simulator.WithPicker(func(int) int { return 0 }))
	require.NoError(t, err)
	st := store.New()
	tx := &recordingTx{}

	src, err := NewSimulationSource(sim, st, tx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Len(), "every vehicle is seeded")

	records, err := src.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, core.VehicleID("1"), records[0].ID)
	assert.Equal(t, core.Position{Lat: 13.10, Lon: 77.50}, records[0].Position)

	// second step moves vehicle 1 to its next waypoint
	records, err = src.Next(context.Background())
	require.NoError(t, err)
	got, ok := st.Get("1")
	require.True(t, ok)
	assert.Equal(t, records[0].Position, got.Position)
	assert.Equal(t, core.Position{Lat: 13.11, Lon: 77.51}, got.Position)

	assert.Len(t, tx.sent, 2)
}

func TestSimulationSource_BroadcastsViewerUpdates(t *testing.T) {
	sim, err := simulator.New(testPaths(), simulator.WithPicker(func(int) int { return 0 }))
	require.NoError(t, err)
	st := store.New()
	tx := &recordingTx{}
	src, err := NewSimulationSource(sim, st, tx)
	require.NoError(t, err)
	out := &recordingBroadcaster{}
	s, err := New(src, out, time.Second)
	require.NoError(t, err)

	_, err = st.Apply(core.Update{ID: "car9", Position: core.Position{Lat: 1, Lon: 2}, Source: "viewer"})
	require.NoError(t, err)

	now := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.tick(context.Background(), now.Add(time.Duration(i)*time.Second)))
	}

	var car9 int
	for _, m := range out.messages() {
		var p streaming.RecordPayload
		require.NoError(t, json.Unmarshal([]byte(m), &p))
		if p.ID == "car9" {
			car9++
			assert.Equal(t, [2]float64{1, 2}, p.Position)
		}
	}
	assert.Equal(t, 1, car9, "viewer update is broadcast once on the next tick")
	assert.Len(t, out.messages(), 6)
	for _, r := range tx.sent {
		assert.NotEqual(t, core.VehicleID("car9"), r.ID, "only simulated records are retransmitted")
	}
}

func TestSnapshotSource(t *testing.T) {
	st := store.New()
	st.Upsert("b", core.Position{Lat: 1, Lon: 1})
	st.Upsert("a", core.Position{Lat: 2, Lon: 2})

	records, err := NewSnapshotSource(st).Next(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, core.VehicleID("a"), records[0].ID)
}

func TestTick_StampsTickTime(t *testing.T) {
	recorded := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := recorded.Add(3 * time.Second)
	src := sourceFunc(func(context.Context) ([]core.Record, error) {
		return []core.Record{
			{ID: "1", Position: core.Position{Lat: 1, Lon: 2}, Timestamp: recorded},
			{ID: "2", Position: core.Position{Lat: 3, Lon: 4}, Timestamp: recorded},
		}, nil
	})
	out := &recordingBroadcaster{}
	s, err := New(src, out, time.Second)
	require.NoError(t, err)

	require.NoError(t, s.tick(context.Background(), tick))

	msgs := out.messages()
	require.Len(t, msgs, 2)
	var p streaming.RecordPayload
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &p))
	assert.Equal(t, "2024-01-01T00:00:03Z", p.Timestamp)
	assert.Equal(t, [2]float64{1, 2}, p.Position)

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Ticks)
	assert.Equal(t, uint64(2), stats.Messages)
	assert.Equal(t, tick, stats.LastTick)
}

func TestTick_ErrorsAndPanicsAreCounted(t *testing.T) {
	calls := 0
	src := sourceFunc(func(context.Context) ([]core.Record, error) {
		calls++
		switch calls {
		case 1:
			return nil, errors.New("feed unavailable")
		case 2:
			panic("boom")
		default:
			return nil, nil
		}
	})
	s, err := New(src, &recordingBroadcaster{}, time.Second)
	require.NoError(t, err)

	assert.Error(t, s.tick(context.Background(), time.Now()))
	assert.ErrorContains(t, s.tick(context.Background(), time.Now()), "panic")
	assert.NoError(t, s.tick(context.Background(), time.Now()))

	stats := s.Stats()
	assert.Equal(t, uint64(3), stats.Ticks)
	assert.Equal(t, uint64(2), stats.FailedTicks)
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	src := sourceFunc(func(context.Context) ([]core.Record, error) {
		return []core.Record{{ID: "1", Position: core.Position{Lat: 1, Lon: 1}, Timestamp: time.Now()}}, nil
	})
	out := &recordingBroadcaster{}
	s, err := New(src, out, 5*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(out.messages()) >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestNew_RejectsZeroInterval(t *testing.T) {
	_, err := New(sourceFunc(nil), &recordingBroadcaster{}, 0)
	assert.Error(t, err)
}

func TestTick_ProximityAlert(t *testing.T) {
	st := store.New()
	st.Upsert("1", core.Position{Lat: 13.1350, Lon: 77.5690})
	st.Upsert("2", core.Position{Lat: 13.1351, Lon: 77.5690})

	out := &recordingBroadcaster{}
	s, err := New(NewSnapshotSource(st), out, time.Second,
		WithProximity(geo.NewProximityDetector(50), st))
	require.NoError(t, err)

	require.NoError(t, s.tick(context.Background(), time.Now()))
	require.NoError(t, s.tick(context.Background(), time.Now()))

	var alerts []streaming.Envelope
	for _, m := range out.messages() {
		var env streaming.Envelope
		if json.Unmarshal([]byte(m), &env) == nil && env.Type == streaming.TypeProximityAlert {
			alerts = append(alerts, env)
		}
	}
	require.Len(t, alerts, 1, "alert fires once while the pair stays close")
	assert.Equal(t, uint64(1), s.Stats().Alerts)
}
