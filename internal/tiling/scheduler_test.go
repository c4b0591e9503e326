package tiling

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPlan_WholeImageFits(t *testing.T) {
	s := Scheduler{TileWidth: 32, TileHeight: 32, Halo: 50}
	req := Request{ImageWidth: 100, ImageHeight: 100, BytesPerPixel: 1, Budget: 20000, SafetyFactor: 1}

	tiles, err := s.Plan(req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := []Tile{{Width: 100, Height: 100, Halo: 50}}
	if diff := cmp.Diff(want, tiles); diff != "" {
		t.Errorf("tiles mismatch (-want +got):\n%s", diff)
	}

	// One byte less and the same size check forces tiling.
	req.Budget--
	tiles, err = s.Plan(req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(tiles) < 2 {
		t.Errorf("expected tiling below the whole-image footprint, got %d tile(s)", len(tiles))
	}
}

func TestPlan_RowMajorGrid(t *testing.T) {
	s := Scheduler{TileWidth: 4, TileHeight: 4, Halo: 1}
	req := Request{ImageWidth: 10, ImageHeight: 6, BytesPerPixel: 1, Budget: 100, SafetyFactor: 1}

	tiles, err := s.Plan(req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := []Tile{
		{Index: 0, X: 0, Y: 0, Width: 4, Height: 4, Halo: 1},
		{Index: 1, X: 4, Y: 0, Width: 4, Height: 4, Halo: 1},
		{Index: 2, X: 8, Y: 0, Width: 2, Height: 4, Halo: 1},
		{Index: 3, X: 0, Y: 4, Width: 4, Height: 2, Halo: 1},
		{Index: 4, X: 4, Y: 4, Width: 4, Height: 2, Halo: 1},
		{Index: 5, X: 8, Y: 4, Width: 2, Height: 2, Halo: 1},
	}
	if diff := cmp.Diff(want, tiles); diff != "" {
		t.Errorf("tiles mismatch (-want +got):\n%s", diff)
	}
}

func TestPlan_ShrinksLargerSideFirst(t *testing.T) {
	s := Scheduler{TileWidth: 8, TileHeight: 8}
	req := Request{ImageWidth: 16, ImageHeight: 16, BytesPerPixel: 1, Budget: 60, SafetyFactor: 1}

	tiles, err := s.Plan(req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if got := len(tiles); got != 12 {
		t.Fatalf("len(tiles) = %d, want 12", got)
	}
	if tiles[0].Width != 5 || tiles[0].Height != 6 {
		t.Errorf("first core = %dx%d, want 5x6", tiles[0].Width, tiles[0].Height)
	}
	if err := Coverage(tiles, 16, 16); err != nil {
		t.Error(err)
	}
	if !Fits(tiles, req) {
		t.Error("plan exceeds the budget")
	}
}

func TestPlan_BudgetTooSmall(t *testing.T) {
	s := Scheduler{TileWidth: 64, TileHeight: 64, Halo: 10}
	_, err := s.Plan(Request{ImageWidth: 1000, ImageHeight: 1000, BytesPerPixel: 4, Budget: 100, SafetyFactor: 1})
	if !errors.Is(err, ErrBudgetTooSmall) {
		t.Fatalf("err = %v, want ErrBudgetTooSmall", err)
	}
}

func TestPlan_InvalidRequest(t *testing.T) {
	good := Request{ImageWidth: 10, ImageHeight: 10, BytesPerPixel: 1, Budget: 1 << 20, SafetyFactor: 1}
	tests := []struct {
		name  string
		s     Scheduler
		tweak func(*Request)
	}{
		{"zero width", Scheduler{TileWidth: 4, TileHeight: 4}, func(r *Request) { r.ImageWidth = 0 }},
		{"negative height", Scheduler{TileWidth: 4, TileHeight: 4}, func(r *Request) { r.ImageHeight = -1 }},
		{"zero cost", Scheduler{TileWidth: 4, TileHeight: 4}, func(r *Request) { r.BytesPerPixel = 0 }},
		{"zero budget", Scheduler{TileWidth: 4, TileHeight: 4}, func(r *Request) { r.Budget = 0 }},
		{"zero safety", Scheduler{TileWidth: 4, TileHeight: 4}, func(r *Request) { r.SafetyFactor = 0 }},
		{"zero tile", Scheduler{TileWidth: 0, TileHeight: 4}, func(*Request) {}},
		{"negative halo", Scheduler{TileWidth: 4, TileHeight: 4, Halo: -1}, func(*Request) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := good
			tt.tweak(&req)
			if _, err := tt.s.Plan(req); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestPlan_CoverageAndBudgetProperty(t *testing.T) {
	s := Scheduler{TileWidth: 37, TileHeight: 23, Halo: 3}
	for _, w := range []int{1, 7, 64, 129} {
		for _, h := range []int{1, 9, 50, 200} {
			for _, budget := range []int64{2000, 9000, 1 << 16, 1 << 24} {
				req := Request{ImageWidth: w, ImageHeight: h, BytesPerPixel: 2, Budget: budget, SafetyFactor: 1.25}
				tiles, err := s.Plan(req)
				if err != nil {
					t.Fatalf("%dx%d budget %d: %v", w, h, budget, err)
				}
				if err := Coverage(tiles, w, h); err != nil {
					t.Errorf("%dx%d budget %d: %v", w, h, budget, err)
				}
				if !Fits(tiles, req) {
					t.Errorf("%dx%d budget %d: max footprint %d over limit %d", w, h, budget, MaxFootprint(tiles, req), req.Limit())
				}
				for i, tl := range tiles {
					if tl.Index != i {
						t.Fatalf("tile %d has index %d", i, tl.Index)
					}
				}
			}
		}
	}
}

func TestPlan_LargeImageScenario(t *testing.T) {
	s := Scheduler{TileWidth: 4096, TileHeight: 4096, Halo: 128}
	req := Request{
		ImageWidth:    20000,
		ImageHeight:   20000,
		BytesPerPixel: 20, // single-channel warp: two float64 coordinates plus two samples
		Budget:        64 << 20,
		SafetyFactor:  1.25,
	}

	tiles, err := s.Plan(req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(tiles) < 2 {
		t.Fatalf("expected a tiled plan, got %d tile(s)", len(tiles))
	}
	if err := Coverage(tiles, req.ImageWidth, req.ImageHeight); err != nil {
		t.Fatal(err)
	}
	if !Fits(tiles, req) {
		t.Fatalf("max footprint %d exceeds limit %d", MaxFootprint(tiles, req), req.Limit())
	}
	for i := 1; i < len(tiles); i++ {
		a, b := tiles[i-1], tiles[i]
		rowMajor := (b.Y == a.Y && b.X > a.X) || (b.Y > a.Y && b.X == 0)
		if !rowMajor {
			t.Fatalf("tiles %d and %d are not in row-major order: %v, %v", i-1, i, a, b)
		}
		if b.Width > 4096 || b.Height > 4096 || b.Halo != 128 {
			t.Fatalf("unexpected tile geometry %v", b)
		}
	}
}

func TestTile_PaddedClipsToImage(t *testing.T) {
	tl := Tile{X: 0, Y: 8, Width: 4, Height: 2, Halo: 3}
	got := tl.Padded(10, 10)
	if got.Min.X != 0 || got.Min.Y != 5 || got.Max.X != 7 || got.Max.Y != 10 {
		t.Errorf("Padded = %v", got)
	}
	if fp := TileFootprint(tl, Request{ImageWidth: 10, ImageHeight: 10, BytesPerPixel: 1}); fp != 7*5*TemporaryFactor {
		t.Errorf("TileFootprint = %d", fp)
	}
}

func TestCoverage_DetectsGapsAndOverlaps(t *testing.T) {
	gap := []Tile{{Width: 2, Height: 2}}
	if err := Coverage(gap, 2, 3); err == nil {
		t.Error("expected gap to be reported")
	}
	overlap := []Tile{{Width: 2, Height: 2}, {X: 1, Width: 1, Height: 1}, {Y: 2, Width: 1, Height: 1}}
	if err := Coverage(overlap, 2, 3); err == nil {
		t.Error("expected overlap to be reported")
	}
	outside := []Tile{{X: 1, Width: 2, Height: 1}}
	if err := Coverage(outside, 2, 1); err == nil {
		t.Error("expected out-of-bounds tile to be reported")
	}
}
