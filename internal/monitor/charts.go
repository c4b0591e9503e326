package monitor

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/scanalign/internal/httputil"
	"github.com/banshee-data/scanalign/internal/stitch"
	"github.com/banshee-data/scanalign/internal/storage/sqlite"
)

func chartInit(title string) charts.GlobalOpts {
	return charts.WithInitializationOpts(opts.Initialization{
		PageTitle: title,
		Width:     "100%",
		Height:    "420px",
	})
}

// confidenceChart plots per-strip alignment confidence with the
// acceptance threshold as a flat reference series.
func confidenceChart(recs []stitch.Record, threshold float64) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		chartInit("Alignment confidence"),
		charts.WithTitleOpts(opts.Title{Title: "Alignment confidence", Subtitle: fmt.Sprintf("strips=%d threshold=%.2f", len(recs), threshold)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "strip"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "confidence", Min: 0, Max: 1}),
	)

	xs := make([]string, len(recs))
	conf := make([]opts.LineData, len(recs))
	thr := make([]opts.LineData, len(recs))
	for i, r := range recs {
		xs[i] = strconv.FormatUint(r.StripID, 10)
		if r.Estimated {
			conf[i] = opts.LineData{Value: r.Alignment.Confidence}
		} else {
			conf[i] = opts.LineData{Value: "-"}
		}
		thr[i] = opts.LineData{Value: threshold}
	}
	line.SetXAxis(xs).
		AddSeries("confidence", conf).
		AddSeries("threshold", thr, charts.WithLineStyleOpts(opts.LineStyle{Type: "dashed"}))
	return line
}

// offsetChart plots the estimated and applied horizontal offsets plus the
// vertical residual.
func offsetChart(recs []stitch.Record) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		chartInit("Strip offsets"),
		charts.WithTitleOpts(opts.Title{Title: "Strip offsets"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "strip"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "pixels"}),
	)

	xs := make([]string, len(recs))
	ox := make([]opts.LineData, len(recs))
	oy := make([]opts.LineData, len(recs))
	applied := make([]opts.LineData, len(recs))
	for i, r := range recs {
		xs[i] = strconv.FormatUint(r.StripID, 10)
		ox[i] = opts.LineData{Value: r.Alignment.OffsetX}
		oy[i] = opts.LineData{Value: r.Alignment.OffsetY}
		applied[i] = opts.LineData{Value: r.AppliedOffsetX}
	}
	line.SetXAxis(xs).
		AddSeries("offset x", ox).
		AddSeries("offset y", oy).
		AddSeries("applied x", applied, charts.WithLineChartOpts(opts.LineChart{Step: "middle"}))
	return line
}

// cycleChart shows per-cycle registration confidence and tile counts.
func cycleChart(runID string, cycles []sqlite.CycleRow) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		chartInit("Registration cycles"),
		charts.WithTitleOpts(opts.Title{Title: "Registration cycles", Subtitle: "run " + runID}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "cycle"}),
	)

	xs := make([]string, len(cycles))
	conf := make([]opts.BarData, len(cycles))
	tiles := make([]opts.BarData, len(cycles))
	replans := make([]opts.BarData, len(cycles))
	for i, c := range cycles {
		xs[i] = strconv.Itoa(c.Cycle)
		conf[i] = opts.BarData{Value: c.Confidence}
		tiles[i] = opts.BarData{Value: c.Tiles}
		replans[i] = opts.BarData{Value: c.Replans}
	}
	bar.SetXAxis(xs).
		AddSeries("confidence", conf).
		AddSeries("tiles", tiles).
		AddSeries("replans", replans)
	return bar
}

// RenderAlignmentPage writes an HTML page with the confidence and offset
// charts for recs.
func RenderAlignmentPage(w io.Writer, recs []stitch.Record, threshold float64) error {
	page := components.NewPage().SetPageTitle("Strip alignment")
	page.AddCharts(confidenceChart(recs, threshold), offsetChart(recs))
	return page.Render(w)
}

func (s *Server) handleAlignmentChart(w http.ResponseWriter, r *http.Request) {
	src := s.source()
	if src == nil {
		httputil.ServiceUnavailable(w, "no run attached")
		return
	}
	limit, err := limitParam(r, 2000)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	var buf bytes.Buffer
	if err := RenderAlignmentPage(&buf, tail(src.Stitcher().History(), limit), s.threshold(src)); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	httputil.WriteBody(w, "text/html; charset=utf-8", buf.Bytes())
}

func (s *Server) handleRunChart(w http.ResponseWriter, r *http.Request) {
	d, ok := s.runDetail(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := cycleChart(d.Run.ID, d.Cycles).Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	httputil.WriteBody(w, "text/html; charset=utf-8", buf.Bytes())
}

func (s *Server) threshold(src Source) float64 {
	if s.cfg.Threshold > 0 {
		return s.cfg.Threshold
	}
	return src.Stitcher().Config().Threshold
}
