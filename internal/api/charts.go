package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// handleScanChart renders the recent scan periods and packet counts as an
// HTML line chart.
func (s *Server) handleScanChart(c *gin.Context) {
	samples := s.tracker.Samples()
	periods := Periods(samples)
	if len(periods) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not enough scans tracked"})
		return
	}

	x := make([]string, len(periods))
	periodData := make([]opts.LineData, len(periods))
	packetData := make([]opts.LineData, len(periods))
	for i, p := range periods {
		x[i] = strconv.Itoa(i + 1)
		periodData[i] = opts.LineData{Value: p * 1000}
		packetData[i] = opts.LineData{Value: samples[i+1].Packets}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Velodyne scans", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Scan period",
			Subtitle: fmt.Sprintf("%d scans ending %s", len(samples), samples[len(samples)-1].Timestamp.Format(time.RFC3339)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms / packets"}),
	)
	line.SetXAxis(x).
		AddSeries("period (ms)", periodData).
		AddSeries("packets", packetData)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("render error: %v", err)})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

// handleScanPlot renders the recent scan periods as a PNG.
func (s *Server) handleScanPlot(c *gin.Context) {
	periods := Periods(s.tracker.Samples())
	if len(periods) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not enough scans tracked"})
		return
	}

	p := plot.New()
	p.Title.Text = "Scan period"
	p.X.Label.Text = "Scan"
	p.Y.Label.Text = "Period (ms)"

	pts := make(plotter.XYs, len(periods))
	for i, period := range periods {
		pts[i].X = float64(i + 1)
		pts[i].Y = period * 1000
	}
	l, err := plotter.NewLine(pts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	l.Width = vg.Points(1)
	p.Add(l)

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}
