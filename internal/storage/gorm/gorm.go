// Package gormstorage implements the checkpoint backend on GORM. The same code
// serves SQLite, Postgres and MySQL; the dialect comes from the database manager.
package gormstorage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/clause"

	"github.com/batman-mesh/livemap/internal/database"
	"github.com/batman-mesh/livemap/internal/geo"
	"github.com/batman-mesh/livemap/pkg/core"
)

// VehiclePosition is one checkpoint row. Geom holds the EPSG:3857 point as
// WKB; Location holds the same point as hex EWKB tagged with its SRID.
// The VehicleID column width matches core.MaxVehicleIDLen.
type VehiclePosition struct {
	VehicleID  string         `gorm:"primaryKey;size:64"`
	Latitude   float64        `gorm:"not null"`
	Longitude  float64        `gorm:"not null"`
	Geom       []byte         `json:"-"`
	Location   string         `gorm:"size:64" json:"location"`
	Projected  datatypes.JSON `json:"projected"`
	RecordedAt time.Time      `gorm:"index;not null"`
	UpdatedAt  time.Time
}

// TableName overrides the GORM default.
func (VehiclePosition) TableName() string {
	return "vehicle_positions"
}

type projected struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Backend persists records through a connected database.Manager.
type Backend struct {
	mgr *database.Manager
}

// New creates a backend over mgr. mgr must already be connected.
func New(mgr *database.Manager) *Backend {
	return &Backend{mgr: mgr}
}

// Init migrates the checkpoint table.
func (b *Backend) Init(context.Context) error {
	return b.mgr.Migrate(&VehiclePosition{})
}

// Close closes the connection pool.
func (b *Backend) Close() error {
	return b.mgr.Close()
}

// SaveRecords upserts one row per record keyed by vehicle id.
func (b *Backend) SaveRecords(ctx context.Context, records []core.Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]VehiclePosition, 0, len(records))
	for _, r := range records {
		row, err := toRow(r)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	err := b.mgr.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "vehicle_id"}},
			UpdateAll: true,
		}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("save %d records: %w", len(rows), err)
	}
	return nil
}

// LoadRecords returns every stored record ordered by vehicle id.
func (b *Backend) LoadRecords(ctx context.Context) ([]core.Record, error) {
	var rows []VehiclePosition
	if err := b.mgr.DB.WithContext(ctx).Order("vehicle_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	out := make([]core.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, core.Record{
			ID:        core.VehicleID(row.VehicleID),
			Position:  core.Position{Lat: row.Latitude, Lon: row.Longitude},
			Timestamp: row.RecordedAt.UTC(),
		})
	}
	return out, nil
}

func toRow(r core.Record) (VehiclePosition, error) {
	wkb, err := geo.WKB(r.Position)
	if err != nil {
		return VehiclePosition{}, fmt.Errorf("vehicle %s: %w", r.ID, err)
	}
	ewkb, err := geo.EWKBHex(r.Position)
	if err != nil {
		return VehiclePosition{}, fmt.Errorf("vehicle %s: %w", r.ID, err)
	}
	x, y := geo.Project3857(r.Position)
	proj, err := json.Marshal(projected{X: x, Y: y})
	if err != nil {
		return VehiclePosition{}, fmt.Errorf("vehicle %s: %w", r.ID, err)
	}
	return VehiclePosition{
		VehicleID:  string(r.ID),
		Latitude:   r.Position.Lat,
		Longitude:  r.Position.Lon,
		Geom:       wkb,
		Location:   ewkb,
		Projected:  datatypes.JSON(proj),
		RecordedAt: r.Timestamp,
	}, nil
}
