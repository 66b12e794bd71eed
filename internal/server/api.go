package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/batman-mesh/livemap/internal/geo"
	"github.com/batman-mesh/livemap/pkg/core"
	"github.com/batman-mesh/livemap/pkg/streaming"
)

// StatusResponse is the body of /api/status.
type StatusResponse struct {
	Mode      string          `json:"mode"`
	Uptime    string          `json:"uptime"`
	Viewers   int             `json:"viewers"`
	Vehicles  int             `json:"vehicles"`
	Scheduler SchedulerStatus `json:"scheduler"`
}

// SchedulerStatus reports broadcast tick counters.
type SchedulerStatus struct {
	Ticks        uint64 `json:"ticks"`
	FailedTicks  uint64 `json:"failedTicks"`
	Messages     uint64 `json:"messages"`
	Alerts       uint64 `json:"alerts"`
	LastTick     string `json:"lastTick,omitempty"`
	LastDuration string `json:"lastDuration"`
}

type pathFeature struct {
	Type       string         `json:"type"`
	Geometry   any            `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

type featureCollection struct {
	Type     string        `json:"type"`
	Features []pathFeature `json:"features"`
}

// Handler returns the HTTP routes: the viewer websocket on / and /ws plus
// the JSON status API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.serveViewer)
	mux.HandleFunc("/ws", s.serveViewer)

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/paths", s.handlePaths)

	return mux
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	records := s.deps.Store.SnapshotAll()
	out := make([]streaming.RecordPayload, 0, len(records))
	for _, rec := range records {
		out = append(out, streaming.NewRecordPayload(rec, time.Time{}))
	}
	s.writeJSON(w, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.deps.Scheduler.Stats()
	resp := StatusResponse{
		Mode:     s.cfg.Mode,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Viewers:  s.deps.Registry.Len(),
		Vehicles: s.deps.Store.Len(),
		Scheduler: SchedulerStatus{
			Ticks:        stats.Ticks,
			FailedTicks:  stats.FailedTicks,
			Messages:     stats.Messages,
			Alerts:       stats.Alerts,
			LastDuration: stats.LastDuration.String(),
		},
	}
	if !stats.LastTick.IsZero() {
		resp.Scheduler.LastTick = streaming.FormatTimestamp(stats.LastTick)
	}
	s.writeJSON(w, resp)
}

func (s *Server) handlePaths(w http.ResponseWriter, r *http.Request) {
	if len(s.deps.Paths) == 0 {
		http.NotFound(w, r)
		return
	}

	ids := make([]core.VehicleID, 0, len(s.deps.Paths))
	for id := range s.deps.Paths {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	fc := featureCollection{Type: "FeatureCollection", Features: make([]pathFeature, 0, len(ids))}
	for _, id := range ids {
		g, err := geo.PathGeometry(s.deps.Paths[id])
		if err != nil {
			s.logger.Warn("skipping invalid path", "vehicle", id, "error", err)
			continue
		}
		fc.Features = append(fc.Features, pathFeature{
			Type:       "Feature",
			Geometry:   g,
			Properties: map[string]any{"id": id},
		})
	}
	s.writeJSON(w, fc)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write json response", "error", err)
	}
}
