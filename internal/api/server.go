package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"crowdsense/internal/analytics"
	"crowdsense/internal/config"
	"crowdsense/internal/feed"
	"crowdsense/internal/model"
	"crowdsense/internal/snapshot"
)

type EngineControl interface {
	Reset()
	UpdateConfig(cfg *config.Config)
}

type Server struct {
	cfg       *config.Manager
	agg       *analytics.Aggregator
	snapshots *snapshot.Store
	history   *feed.History
	hub       *feed.Hub
	engine    EngineControl
	logger    *slog.Logger
	version   string
	upgrader  websocket.Upgrader
}

type statusResponse struct {
	Status     string                 `json:"status"`
	Time       string                 `json:"time"`
	Version    string                 `json:"version"`
	ConfigPath string                 `json:"config_path"`
	Occupancy  config.OccupancyConfig `json:"occupancy"`
	Ingest     ingestStatus           `json:"ingest"`
	API        apiStatus              `json:"api"`
	Feed       feedStatus             `json:"feed"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type feedStatus struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval"`
	Clients  int    `json:"clients"`
}

func Start(ctx context.Context, cfg *config.Manager, agg *analytics.Aggregator, snapshots *snapshot.Store, history *feed.History, hub *feed.Hub, engine EngineControl, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:       cfg,
		agg:       agg,
		snapshots: snapshots,
		history:   history,
		hub:       hub,
		engine:    engine,
		logger:    logger,
		version:   version,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	httpServer := &http.Server{Addr: current.Addr, Handler: server.routes()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/visitors/count/", s.handleVisitorCount)
	mux.HandleFunc("/visitors/estimated/", s.handleEstimatedCount)
	mux.HandleFunc("/occupancy/live", s.handleLive)
	mux.HandleFunc("/occupancy/live/", s.handleLive)
	mux.HandleFunc("/predictions", s.handlePredictions)
	mux.HandleFunc("/predictions/zone/", s.handleZonePredictions)
	mux.HandleFunc("/charts/scores", s.handleScores)
	mux.HandleFunc("/charts/scores/", s.handleScores)
	mux.HandleFunc("/charts/estimates", s.handleEstimates)
	mux.HandleFunc("/charts/estimates/", s.handleEstimates)
	mux.HandleFunc("/charts/utilization", s.handleUtilization)
	mux.HandleFunc("/charts/daily", s.handleDaily)
	mux.HandleFunc("/charts/hourly", s.handleHourly)
	mux.HandleFunc("/charts/peak-hours", s.handlePeakHours)
	mux.HandleFunc("/charts/daily-totals", s.handleDailyTotals)
	mux.HandleFunc("/charts/scan-minutes", s.handleScanMinutes)
	mux.HandleFunc("/zones/recommend", s.handleRecommend)
	mux.HandleFunc("/feed/history", s.handleFeedHistory)
	mux.HandleFunc("/ws/live", s.handleLiveFeed)
	mux.HandleFunc("/admin/clear", s.handleClear)
	mux.HandleFunc("/admin/restart", s.handleRestart)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	clients := 0
	if s.hub != nil {
		clients = s.hub.Count()
	}
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Occupancy:  cfg.Occupancy,
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		API: apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Feed: feedStatus{
			Enabled:  cfg.Feed.Enabled,
			Interval: cfg.Feed.Interval.String(),
			Clients:  clients,
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleVisitorCount serves distinct-visitor counts for the named window,
// or for an explicit range: /visitors/count/{window}?zone=N and
// /visitors/count/range?start=..&end=..&zone=N.
func (s *Server) handleVisitorCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	segment := strings.TrimPrefix(r.URL.Path, "/visitors/count/")
	zoneID, err := parseZoneParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if segment == "range" {
		start, end, err := parseRangeParams(r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		out, err := s.agg.CountForRange(r.Context(), zoneID, start, end)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	kind, err := model.ParseWindowKind(segment)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.agg.CountForWindow(r.Context(), zoneID, kind)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEstimatedCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	segment := strings.TrimPrefix(r.URL.Path, "/visitors/estimated/")
	zoneID, err := parseZoneParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	kind, err := model.ParseWindowKind(segment)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.agg.EstimatedForWindow(r.Context(), zoneID, kind)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/occupancy/live")
	path = strings.TrimPrefix(path, "/")
	if path != "" {
		zoneID, err := strconv.ParseInt(path, 10, 64)
		if err != nil {
			s.writeError(w, &model.ValidationError{Field: "zone", Reason: "not an integer"})
			return
		}
		snaps, updated, ok := s.snapshots.Get(zoneID)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"zone_id":    zoneID,
			"updated_at": updated.Format(time.RFC3339Nano),
			"windows":    snaps,
		})
		return
	}
	all := s.snapshots.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"zones": all,
		"count": len(all),
	})
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	out, err := s.agg.AllPredictions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"predictions": out,
		"count":       len(out),
	})
}

func (s *Server) handleZonePredictions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/predictions/zone/")
	zoneID, err := strconv.ParseInt(path, 10, 64)
	if err != nil {
		s.writeError(w, &model.ValidationError{Field: "zone", Reason: "not an integer"})
		return
	}
	out, err := s.agg.PredictionsForZone(r.Context(), zoneID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"zone_id":     zoneID,
		"predictions": out,
		"count":       len(out),
	})
}

func (s *Server) handleScores(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/charts/scores")
	path = strings.TrimPrefix(path, "/")
	var out []model.PredictionScore
	var err error
	if path != "" {
		var zoneID int64
		zoneID, err = strconv.ParseInt(path, 10, 64)
		if err != nil {
			s.writeError(w, &model.ValidationError{Field: "zone", Reason: "not an integer"})
			return
		}
		out, err = s.agg.PredictionScoresForZone(r.Context(), zoneID)
	} else {
		out, err = s.agg.PredictionScores(r.Context())
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scores": out, "count": len(out)})
}

func (s *Server) handleEstimates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/charts/estimates")
	path = strings.TrimPrefix(path, "/")
	var out []model.EstimatedCount
	var err error
	if path != "" {
		var zoneID int64
		zoneID, err = strconv.ParseInt(path, 10, 64)
		if err != nil {
			s.writeError(w, &model.ValidationError{Field: "zone", Reason: "not an integer"})
			return
		}
		out, err = s.agg.EstimatedCountsForZone(r.Context(), zoneID)
	} else {
		out, err = s.agg.EstimatedCounts(r.Context())
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"estimates": out, "count": len(out)})
}

func (s *Server) handleUtilization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	out, err := s.agg.SectionUtilization(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sections": out, "count": len(out)})
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	out, err := s.agg.VisitorsPerDay(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"points": out, "count": len(out)})
}

func (s *Server) handleHourly(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	out, err := s.agg.VisitorsPerHour(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"points": out, "count": len(out)})
}

func (s *Server) handlePeakHours(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	start, end, err := parseRangeParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.agg.PeakHoursInRange(r.Context(), start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hours": out, "count": len(out)})
}

func (s *Server) handleDailyTotals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	start, end, err := parseRangeParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.agg.DailyTotalsInRange(r.Context(), start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": out, "count": len(out)})
}

func (s *Server) handleScanMinutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	start, end, err := parseRangeParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.agg.AverageScanMinutesByZone(r.Context(), start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"zones": out, "count": len(out)})
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	out, err := s.agg.RecommendZones(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"zones": out, "count": len(out)})
}

func (s *Server) handleFeedHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	list := s.history.List(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"updates": list,
		"count":   len(list),
	})
}

func (s *Server) handleLiveFeed(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		}
		return
	}
	s.hub.Serve(ws)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		if s.snapshots != nil {
			s.snapshots.Clear()
		}
		if s.history != nil {
			s.history.Clear()
		}
	case "snapshots", "live":
		if s.snapshots != nil {
			s.snapshots.Clear()
		}
	case "feed", "history":
		if s.history != nil {
			s.history.Clear()
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.engine != nil {
		s.engine.Reset()
	}
	if s.snapshots != nil {
		s.snapshots.Clear()
	}
	if s.history != nil {
		s.history.Clear()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// writeError maps the error taxonomy to HTTP: unknown zone is 404, bad
// input is 400, anything else is a 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	case model.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	default:
		if s.logger != nil {
			s.logger.Error("request failed", "err", err)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func parseZoneParam(r *http.Request) (*int64, error) {
	v := r.URL.Query().Get("zone")
	if v == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, &model.ValidationError{Field: "zone", Reason: "not an integer"}
	}
	return &id, nil
}

func parseRangeParams(r *http.Request) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")
	if startStr == "" || endStr == "" {
		return time.Time{}, time.Time{}, &model.ValidationError{Field: "range", Reason: "start and end are required"}
	}
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, &model.ValidationError{Field: "start", Reason: "not an RFC3339 timestamp"}
	}
	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, &model.ValidationError{Field: "end", Reason: "not an RFC3339 timestamp"}
	}
	return start, end, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
