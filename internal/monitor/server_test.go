package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanalign/internal/align"
	"github.com/banshee-data/scanalign/internal/pipeline"
	"github.com/banshee-data/scanalign/internal/raster"
	"github.com/banshee-data/scanalign/internal/stitch"
	"github.com/banshee-data/scanalign/internal/storage/sqlite"
	"github.com/banshee-data/scanalign/internal/testutil"
	"github.com/banshee-data/scanalign/internal/warp"
)

type stepAligner struct{ n int }

func (a *stepAligner) Estimate(_, _ *raster.Raster) align.Result {
	a.n++
	return align.Result{OffsetX: float64(a.n%3) - 1, OffsetY: 0.25, Confidence: 0.8 + 0.01*float64(a.n), Success: true}
}

type fakeSource struct {
	st  *stitch.Stitcher
	eng *warp.Engine
}

func (f *fakeSource) RunID() string              { return "run-test" }
func (f *fakeSource) Stats() pipeline.RunStats   { return pipeline.RunStats{RunID: "run-test", StripsProcessed: 4} }
func (f *fakeSource) Stitcher() *stitch.Stitcher { return f.st }
func (f *fakeSource) Engine() *warp.Engine       { return f.eng }

func newFakeSource(t *testing.T, strips int) *fakeSource {
	t.Helper()
	cfg := stitch.DefaultConfig()
	cfg.OverlapPixels = 4
	st := stitch.New(cfg, stitch.WithAligner(&stepAligner{}))
	for i := 0; i < strips; i++ {
		r := raster.MustNew(16, 8, 1, 8)
		for j := range r.Pix {
			r.Pix[j] = uint16((j * 7) % 256)
		}
		require.NoError(t, st.AddStrip(raster.Strip{ID: uint64(i), Position: float64(4 * i), Raster: r}))
	}
	return &fakeSource{st: st, eng: warp.NewEngine(warp.DefaultConfig(), nil, nil)}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	testutil.QuietLogs(t)
	s := NewServer(Config{}, nil)
	rec := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	testutil.QuietLogs(t)
	s := NewServer(Config{}, nil)

	rec := get(t, s.Handler(), "/api/status")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s = NewServer(Config{}, newFakeSource(t, 4))
	rec = get(t, s.Handler(), "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "run-test", st.RunID)
	assert.Equal(t, 4, st.Run.StripsProcessed)
	assert.Equal(t, 4, st.Stitcher.Accepted)
	assert.Equal(t, 8+3*4, st.Stitcher.Height)
	assert.Equal(t, "idle", st.Warp.State)
	assert.Equal(t, warp.DefaultConfig().MemoryBudget, st.Warp.MemoryBudget)
	assert.Equal(t, warp.DefaultConfig().MemoryBudget, st.Warp.Device.Total)
}

func TestAlignment(t *testing.T) {
	testutil.QuietLogs(t)
	s := NewServer(Config{}, newFakeSource(t, 5))

	rec := get(t, s.Handler(), "/api/alignment?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Last    align.Result    `json:"last"`
		History []stitch.Record `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.History, 2)
	assert.Equal(t, uint64(3), body.History[0].StripID)
	assert.Equal(t, uint64(4), body.History[1].StripID)
	assert.True(t, body.Last.Success)

	rec = get(t, s.Handler(), "/api/alignment?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlignmentChart(t *testing.T) {
	testutil.QuietLogs(t)
	s := NewServer(Config{Threshold: 0.7}, newFakeSource(t, 3))

	rec := get(t, s.Handler(), "/charts/alignment")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
	body := rec.Body.String()
	assert.Contains(t, body, "Alignment confidence")
	assert.Contains(t, body, "Strip offsets")
}

func TestAlignmentReport(t *testing.T) {
	testutil.QuietLogs(t)
	s := NewServer(Config{}, newFakeSource(t, 6))

	rec := get(t, s.Handler(), "/report/alignment.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Positive(t, img.Bounds().Dx())

	empty := NewServer(Config{}, newFakeSource(t, 0))
	rec = get(t, empty.Handler(), "/report/alignment.png")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSaveAlignmentReport(t *testing.T) {
	src := newFakeSource(t, 3)
	path := filepath.Join(t.TempDir(), "alignment.png")
	require.NoError(t, SaveAlignmentReport(path, src.st.History(), 0.7))
	assert.ErrorIs(t, SaveAlignmentReport(path, nil, 0.7), ErrNoHistory)
}

func TestRunsWithoutJournal(t *testing.T) {
	testutil.QuietLogs(t)
	s := NewServer(Config{}, nil)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/api/runs").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/api/runs/x").Code)
}

func TestRunsWithJournal(t *testing.T) {
	testutil.QuietLogs(t)
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.StartRun(ctx, pipeline.RunInfo{ID: "r1", StartedAt: now}))
	for c := 1; c <= 2; c++ {
		require.NoError(t, store.RecordCycle(ctx, pipeline.CycleEvent{
			RunID: "r1", Cycle: c, Registered: true, Confidence: 0.9, Tiles: 4, At: now,
		}))
	}

	s := NewServer(Config{Journal: store}, nil)
	h := s.Handler()

	rec := get(t, h, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []sqlite.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)

	rec = get(t, h, "/api/runs/r1")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail RunDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Len(t, detail.Cycles, 2)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/runs/nope").Code)

	rec = get(t, h, "/charts/runs/r1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Registration cycles")

	// Journal admin routes are mounted on the same mux.
	assert.Equal(t, http.StatusOK, get(t, h, "/debug/runs").Code)
}

func TestStartStopsOnCancel(t *testing.T) {
	testutil.QuietLogs(t)
	s := NewServer(Config{Address: "127.0.0.1:0"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
