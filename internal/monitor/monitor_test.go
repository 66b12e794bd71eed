package monitor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batman-mesh/livemap/internal/mesh"
	"github.com/batman-mesh/livemap/internal/scheduler"
	"github.com/batman-mesh/livemap/internal/storage"
)

type fixedLen int

func (n fixedLen) Len() int { return int(n) }

type fixedSched scheduler.Stats

func (f fixedSched) Stats() scheduler.Stats { return scheduler.Stats(f) }

type fixedReceiver mesh.ReceiverStats

func (f fixedReceiver) Stats() mesh.ReceiverStats { return mesh.ReceiverStats(f) }

type fixedCheckpoint storage.CheckpointStats

func (f fixedCheckpoint) Stats() storage.CheckpointStats { return storage.CheckpointStats(f) }

type fixedQueues map[string]int

func (f fixedQueues) QueueLengths() map[string]int { return f }

type recordingPoints struct {
	mu     sync.Mutex
	points []*influxdb2_write.Point
}

func (r *recordingPoints) WritePoint(p *influxdb2_write.Point) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, p)
	return nil
}

func (r *recordingPoints) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.points)
}

func TestNewService_RequiresDeps(t *testing.T) {
	_, err := NewService(Dependencies{}, time.Second)
	assert.Error(t, err)

	_, err = NewService(Dependencies{
		Viewers:   fixedLen(0),
		Vehicles:  fixedLen(0),
		Scheduler: fixedSched{},
	}, 0)
	assert.Error(t, err)
}

func TestSample(t *testing.T) {
	s, err := NewService(Dependencies{
		Mode:       "live",
		Viewers:    fixedLen(3),
		Vehicles:   fixedLen(5),
		Scheduler:  fixedSched{Ticks: 10, FailedTicks: 1, Messages: 50, LastDuration: 2 * time.Millisecond},
		Receiver:   fixedReceiver{Frames: 7, Accepted: 6, Rejected: 1},
		Checkpoint: fixedCheckpoint{Pending: 4, Failures: 2},
		Queues:     fixedQueues{"mesh": 9},
	}, time.Second)
	require.NoError(t, err)

	st := s.Sample()
	assert.Equal(t, "live", st.Mode)
	assert.Equal(t, 3, st.Viewers)
	assert.Equal(t, 5, st.Vehicles)
	assert.Equal(t, uint64(10), st.Ticks)
	assert.Equal(t, uint64(1), st.FailedTicks)
	assert.InDelta(t, 2.0, st.LastTickMillis, 1e-9)
	assert.Equal(t, uint64(6), st.MeshAccepted)
	assert.Equal(t, 4, st.CheckpointPending)
	assert.Equal(t, map[string]int{"mesh": 9}, st.Queues)
}

func TestPoints(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	points := Points(Status{Time: ts, Mode: "simulation", Viewers: 2, Vehicles: 5, Queues: map[string]int{"mesh": 1}})
	require.Len(t, points, 2)

	line := influxdb2_write.PointToLineProtocol(points[0], time.Nanosecond)
	assert.Contains(t, line, "livemap_status,mode=simulation")
	assert.Contains(t, line, "viewers=2i")
	assert.Contains(t, line, "vehicles=5i")

	queue := influxdb2_write.PointToLineProtocol(points[1], time.Nanosecond)
	assert.Contains(t, queue, "livemap_queue,kind=mesh,mode=simulation length=1i")
}

func TestRun_RecordsSamples(t *testing.T) {
	points := &recordingPoints{}
	statusPath := filepath.Join(t.TempDir(), "status.json")
	s, err := NewService(Dependencies{
		Mode:       "simulation",
		Viewers:    fixedLen(1),
		Vehicles:   fixedLen(5),
		Scheduler:  fixedSched{Ticks: 3},
		Points:     points,
		StatusPath: statusPath,
	}, 10*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return points.count() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 5, s.Last().Vehicles)

	data, err := os.ReadFile(statusPath)
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, uint64(3), st.Ticks)
	assert.Equal(t, "simulation", st.Mode)
}
