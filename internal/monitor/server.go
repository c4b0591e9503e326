// Package monitor serves the live status of a pipeline run over HTTP:
// JSON status endpoints, echarts dashboards, a PNG alignment report and,
// when a journal is attached, the journal's admin debug routes.
package monitor

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/scanalign/internal/httputil"
	"github.com/banshee-data/scanalign/internal/monitoring"
	"github.com/banshee-data/scanalign/internal/pipeline"
	"github.com/banshee-data/scanalign/internal/stitch"
	"github.com/banshee-data/scanalign/internal/storage/sqlite"
	"github.com/banshee-data/scanalign/internal/version"
	"github.com/banshee-data/scanalign/internal/warp"
)

// Source is the live run the monitor reports on. *pipeline.Pipeline
// satisfies it.
type Source interface {
	RunID() string
	Stats() pipeline.RunStats
	Stitcher() *stitch.Stitcher
	Engine() *warp.Engine
}

// Config configures a Server.
type Config struct {
	Address string
	// Journal is optional; it enables /api/runs and the /debug/ routes.
	Journal *sqlite.Store
	// Threshold is drawn as a reference line on confidence charts.
	Threshold float64
}

// Server is the HTTP monitor.
type Server struct {
	cfg    Config
	server *http.Server
	src    Source
}

// NewServer builds the monitor. With a nil src the run endpoints answer
// 503 and only /health and the journal routes are useful.
func NewServer(cfg Config, src Source) *Server {
	s := &Server{cfg: cfg, src: src}
	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) source() Source { return s.src }

// Handler exposes the route mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until ctx is cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("[Monitor] HTTP server listening on %s", s.cfg.Address)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	monitoring.Logf("[Monitor] shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("[Monitor] HTTP server shutdown error: %v", err)
		if err := s.server.Close(); err != nil {
			monitoring.Logf("[Monitor] HTTP server force close error: %v", err)
		}
	}
	return nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/alignment", s.handleAlignment)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRun)
	mux.HandleFunc("GET /charts/alignment", s.handleAlignmentChart)
	mux.HandleFunc("GET /charts/runs/{id}", s.handleRunChart)
	mux.HandleFunc("GET /report/alignment.png", s.handleAlignmentReport)

	if s.cfg.Journal != nil {
		if err := s.cfg.Journal.AttachAdminRoutes(mux); err != nil {
			monitoring.Logf("[Monitor] admin routes unavailable: %v", err)
		}
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

// WarpStatus is the engine part of Status.
type WarpStatus struct {
	State        string          `json:"state"`
	TilesDone    int             `json:"tiles_done"`
	TilesTotal   int             `json:"tiles_total"`
	MemoryBudget int64           `json:"memory_budget"`
	Device       warp.MemoryInfo `json:"device"`
}

// Status is the /api/status document.
type Status struct {
	Version  version.Info      `json:"version"`
	RunID    string            `json:"run_id"`
	Run      pipeline.RunStats `json:"run"`
	Stitcher stitch.Stats      `json:"stitcher"`
	Warp     WarpStatus        `json:"warp"`
}

func buildStatus(src Source) Status {
	eng := src.Engine()
	done, total := eng.Progress()
	return Status{
		Version:  version.Current(),
		RunID:    src.RunID(),
		Run:      src.Stats(),
		Stitcher: src.Stitcher().Stats(),
		Warp: WarpStatus{
			State:        eng.State().String(),
			TilesDone:    done,
			TilesTotal:   total,
			MemoryBudget: eng.Config().MemoryBudget,
			Device:       eng.Device().Info(),
		},
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	src := s.source()
	if src == nil {
		httputil.ServiceUnavailable(w, "no run attached")
		return
	}
	httputil.WriteJSONOK(w, buildStatus(src))
}

// limitParam parses ?limit=, defaulting to def and capping at 10000.
func limitParam(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, 10000), nil
}

// tail returns the last n records.
func tail(recs []stitch.Record, n int) []stitch.Record {
	if len(recs) > n {
		return recs[len(recs)-n:]
	}
	return recs
}

func (s *Server) handleAlignment(w http.ResponseWriter, r *http.Request) {
	src := s.source()
	if src == nil {
		httputil.ServiceUnavailable(w, "no run attached")
		return
	}
	limit, err := limitParam(r, 500)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	st := src.Stitcher()
	httputil.WriteJSONOK(w, map[string]any{
		"last":    st.LastAlignment(),
		"history": tail(st.History(), limit),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Journal == nil {
		httputil.NotFound(w, "journal disabled")
		return
	}
	limit, err := limitParam(r, 50)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	runs, err := s.cfg.Journal.Runs(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, runs)
}

// RunDetail is the /api/runs/{id} document.
type RunDetail struct {
	Run    *sqlite.Run       `json:"run"`
	Strips []sqlite.StripRow `json:"strips"`
	Cycles []sqlite.CycleRow `json:"cycles"`
}

func (s *Server) runDetail(w http.ResponseWriter, r *http.Request) (*RunDetail, bool) {
	if s.cfg.Journal == nil {
		httputil.NotFound(w, "journal disabled")
		return nil, false
	}
	id := r.PathValue("id")
	run, err := s.cfg.Journal.Run(r.Context(), id)
	if errors.Is(err, sqlite.ErrRunNotFound) {
		httputil.NotFound(w, err.Error())
		return nil, false
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return nil, false
	}
	strips, err := s.cfg.Journal.StripEvents(r.Context(), id)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return nil, false
	}
	cycles, err := s.cfg.Journal.Cycles(r.Context(), id)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return nil, false
	}
	return &RunDetail{Run: run, Strips: strips, Cycles: cycles}, true
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if d, ok := s.runDetail(w, r); ok {
		httputil.WriteJSONOK(w, d)
	}
}
