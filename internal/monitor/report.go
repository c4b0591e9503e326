package monitor

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"io"
	"net/http"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/banshee-data/scanalign/internal/httputil"
	"github.com/banshee-data/scanalign/internal/stitch"
)

// ErrNoHistory is returned when there are no records to plot.
var ErrNoHistory = errors.New("no alignment history")

var (
	confidenceColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	thresholdColor  = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	offsetXColor    = color.RGBA{R: 44, G: 160, B: 44, A: 255}
	offsetYColor    = color.RGBA{R: 255, G: 127, B: 14, A: 255}
)

func confidencePlot(recs []stitch.Record, threshold float64) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Alignment confidence"
	p.X.Label.Text = "Strip"
	p.Y.Label.Text = "Confidence"
	p.Y.Min, p.Y.Max = 0, 1
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, 0, len(recs))
	for _, r := range recs {
		if r.Estimated {
			pts = append(pts, plotter.XY{X: float64(r.StripID), Y: r.Alignment.Confidence})
		}
	}
	if len(pts) > 0 {
		line, scatter, err := plotter.NewLinePoints(pts)
		if err != nil {
			return nil, fmt.Errorf("confidence line: %w", err)
		}
		line.Color = confidenceColor
		line.Width = vg.Points(1)
		scatter.Color = confidenceColor
		scatter.Radius = vg.Points(1.5)
		p.Add(line, scatter)
		p.Legend.Add("confidence", line, scatter)
	}

	thr := plotter.NewFunction(func(float64) float64 { return threshold })
	thr.Color = thresholdColor
	thr.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(thr)
	p.Legend.Add(fmt.Sprintf("threshold %.2f", threshold), thr)
	return p, nil
}

func offsetPlot(recs []stitch.Record) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Estimated offsets"
	p.X.Label.Text = "Strip"
	p.Y.Label.Text = "Pixels"
	p.Add(plotter.NewGrid())

	xs := make(plotter.XYs, 0, len(recs))
	ys := make(plotter.XYs, 0, len(recs))
	for _, r := range recs {
		x := float64(r.StripID)
		xs = append(xs, plotter.XY{X: x, Y: r.Alignment.OffsetX})
		ys = append(ys, plotter.XY{X: x, Y: r.Alignment.OffsetY})
	}
	for _, s := range []struct {
		name string
		pts  plotter.XYs
		c    color.Color
	}{
		{"offset x", xs, offsetXColor},
		{"offset y", ys, offsetYColor},
	} {
		l, err := plotter.NewLine(s.pts)
		if err != nil {
			return nil, fmt.Errorf("%s line: %w", s.name, err)
		}
		l.Color = s.c
		l.Width = vg.Points(1)
		p.Add(l)
		p.Legend.Add(s.name, l)
	}
	return p, nil
}

// WriteAlignmentReport renders the confidence and offset plots of recs,
// stacked, as a PNG.
func WriteAlignmentReport(w io.Writer, recs []stitch.Record, threshold float64) error {
	if len(recs) == 0 {
		return ErrNoHistory
	}
	conf, err := confidencePlot(recs, threshold)
	if err != nil {
		return err
	}
	offs, err := offsetPlot(recs)
	if err != nil {
		return err
	}

	plots := [][]*plot.Plot{{conf}, {offs}}
	img := vgimg.New(10*vg.Inch, 8*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows:      2,
		Cols:      1,
		PadTop:    vg.Points(6),
		PadBottom: vg.Points(6),
		PadLeft:   vg.Points(6),
		PadRight:  vg.Points(6),
		PadY:      vg.Points(12),
	}
	canvases := plot.Align(plots, tiles, dc)
	for j := range plots {
		for i := range plots[j] {
			plots[j][i].Draw(canvases[j][i])
		}
	}
	_, err = vgimg.PngCanvas{Canvas: img}.WriteTo(w)
	return err
}

// SaveAlignmentReport writes the PNG report to path.
func SaveAlignmentReport(path string, recs []stitch.Record, threshold float64) error {
	var buf bytes.Buffer
	if err := WriteAlignmentReport(&buf, recs, threshold); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func (s *Server) handleAlignmentReport(w http.ResponseWriter, r *http.Request) {
	src := s.source()
	if src == nil {
		httputil.ServiceUnavailable(w, "no run attached")
		return
	}
	var buf bytes.Buffer
	err := WriteAlignmentReport(&buf, src.Stitcher().History(), s.threshold(src))
	if errors.Is(err, ErrNoHistory) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render report: %v", err))
		return
	}
	httputil.WriteBody(w, "image/png", buf.Bytes())
}
