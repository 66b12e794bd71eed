package store

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batman-mesh/livemap/pkg/core"
)

func fixedClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	t := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func TestUpsert_LastWriteWins(t *testing.T) {
	s := New(WithClock(fixedClock(time.Unix(0, 0))))

	ts1, err := s.Upsert("car1", core.Position{Lat: 1, Lon: 1})
	require.NoError(t, err)
	ts2, err := s.Upsert("car1", core.Position{Lat: 2, Lon: 2})
	require.NoError(t, err)

	assert.True(t, ts2.After(ts1))
	assert.Equal(t, 1, s.Len())

	r, ok := s.Get("car1")
	require.True(t, ok)
	assert.Equal(t, core.Position{Lat: 2, Lon: 2}, r.Position)
	assert.Equal(t, ts2, r.Timestamp)
}

func TestUpsert_RejectsInvalid(t *testing.T) {
	s := New()

	_, err := s.Upsert("", core.Position{})
	assert.ErrorIs(t, err, core.ErrEmptyVehicleID)

	_, err = s.Upsert("car1", core.Position{Lat: 100, Lon: 0})
	assert.ErrorIs(t, err, core.ErrInvalidPosition)

	_, err = s.Upsert(core.VehicleID(strings.Repeat("n", core.MaxVehicleIDLen+1)), core.Position{Lat: 1, Lon: 2})
	assert.ErrorIs(t, err, core.ErrVehicleIDTooLong)

	assert.Equal(t, 0, s.Len())
}

func TestSnapshotAll_OrderedAndUnique(t *testing.T) {
	s := New()
	for _, id := range []core.VehicleID{"10", "car9", "2", "1", "2", "car1"} {
		_, err := s.Upsert(id, core.Position{Lat: 1, Lon: 2})
		require.NoError(t, err)
	}

	snap := s.SnapshotAll()
	ids := make([]core.VehicleID, 0, len(snap))
	for _, r := range snap {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []core.VehicleID{"1", "2", "10", "car1", "car9"}, ids)
}

func TestSnapshotAll_IsCopy(t *testing.T) {
	s := New()
	_, err := s.Upsert("1", core.Position{Lat: 1, Lon: 1})
	require.NoError(t, err)

	snap := s.SnapshotAll()
	snap[0].Position.Lat = 50

	r, _ := s.Get("1")
	assert.Equal(t, 1.0, r.Position.Lat)
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	s := New()
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := core.VehicleID(fmt.Sprintf("v%d", i%20))
				_, _ = s.Upsert(id, core.Position{Lat: float64(w), Lon: float64(i % 180)})
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				seen := make(map[core.VehicleID]bool)
				for _, rec := range s.SnapshotAll() {
					assert.False(t, seen[rec.ID], "duplicate id %s", rec.ID)
					seen[rec.ID] = true
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, s.Len())
}

func TestRestore_KeepsNewer(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return now }))
	_, err := s.Upsert("1", core.Position{Lat: 5, Lon: 5})
	require.NoError(t, err)

	skipped := s.Restore([]core.Record{
		{ID: "1", Position: core.Position{Lat: 1, Lon: 1}, Timestamp: now.Add(-time.Hour)},
		{ID: "2", Position: core.Position{Lat: 2, Lon: 2}, Timestamp: now.Add(-time.Hour)},
		{ID: "3", Position: core.Position{Lat: 200, Lon: 2}, Timestamp: now},
	})

	assert.Equal(t, 1, skipped)
	r1, _ := s.Get("1")
	assert.Equal(t, 5.0, r1.Position.Lat)
	r2, ok := s.Get("2")
	require.True(t, ok)
	assert.Equal(t, 2.0, r2.Position.Lat)
	assert.Equal(t, 2, s.Len())
}

func TestObserver_SeesEveryWrite(t *testing.T) {
	var seen []core.Record
	s := New(WithObserver(func(r core.Record) { seen = append(seen, r) }))

	_, err := s.Upsert("1", core.Position{Lat: 1, Lon: 2})
	require.NoError(t, err)
	_, err = s.Apply(core.Update{ID: "2", Position: core.Position{Lat: 3, Lon: 4}})
	require.NoError(t, err)
	_, err = s.Upsert("3", core.Position{Lat: 300, Lon: 4})
	require.Error(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, core.VehicleID("1"), seen[0].ID)
	assert.Equal(t, core.VehicleID("2"), seen[1].ID)
	assert.False(t, seen[1].Timestamp.IsZero())
}

func TestChangedSince_ReturnsLaterWritesOnce(t *testing.T) {
	s := New()
	_, err := s.Upsert("1", core.Position{Lat: 1, Lon: 1})
	require.NoError(t, err)

	cursor := s.Seq()
	changed, next := s.ChangedSince(cursor)
	assert.Empty(t, changed)
	assert.Equal(t, cursor, next)

	for _, u := range []core.Update{
		{ID: "car9", Position: core.Position{Lat: 1, Lon: 2}},
		{ID: "2", Position: core.Position{Lat: 3, Lon: 3}},
		{ID: "car9", Position: core.Position{Lat: 5, Lon: 6}},
	} {
		_, err := s.Apply(u)
		require.NoError(t, err)
	}

	changed, next = s.ChangedSince(cursor)
	require.Len(t, changed, 2)
	assert.Equal(t, core.VehicleID("2"), changed[0].ID)
	assert.Equal(t, core.VehicleID("car9"), changed[1].ID)
	assert.Equal(t, core.Position{Lat: 5, Lon: 6}, changed[1].Position)

	changed, _ = s.ChangedSince(next)
	assert.Empty(t, changed)
}
