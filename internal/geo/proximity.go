package geo

import (
	"sync"

	"github.com/batman-mesh/livemap/pkg/core"
)

// Alert reports two vehicles that came within the proximity threshold.
type Alert struct {
	Vehicles [2]core.VehicleID
	Distance float64
}

type pairKey struct {
	a, b core.VehicleID
}

func newPairKey(a, b core.VehicleID) pairKey {
	if b.Less(a) {
		a, b = b, a
	}
	return pairKey{a: a, b: b}
}

// ProximityDetector reports vehicle pairs when they first come closer than
// the threshold. A pair alerts again only after it has separated.
type ProximityDetector struct {
	threshold float64

	mu     sync.Mutex
	active map[pairKey]struct{}
}

// NewProximityDetector creates a detector with a threshold in meters.
func NewProximityDetector(thresholdMeters float64) *ProximityDetector {
	return &ProximityDetector{
		threshold: thresholdMeters,
		active:    make(map[pairKey]struct{}),
	}
}

// Check compares every pair of records and returns the newly close pairs.
func (d *ProximityDetector) Check(records []core.Record) []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	var alerts []Alert
	near := make(map[pairKey]struct{})
	for i := 0; i < len(records); i++ {
		for j := i + 1; j < len(records); j++ {
			dist := Distance(records[i].Position, records[j].Position)
			if dist >= d.threshold {
				continue
			}
			key := newPairKey(records[i].ID, records[j].ID)
			near[key] = struct{}{}
			if _, seen := d.active[key]; seen {
				continue
			}
			alerts = append(alerts, Alert{Vehicles: [2]core.VehicleID{key.a, key.b}, Distance: dist})
		}
	}
	d.active = near
	return alerts
}
