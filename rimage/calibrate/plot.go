package calibrate

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/eglrp/Calib3DTools/rimage"
)

var (
	lineColor  = color.NRGBA{R: 255, G: 40, B: 40, A: 255}
	pointColor = color.NRGBA{R: 40, G: 220, B: 40, A: 255}
	labelColor = color.NRGBA{R: 255, G: 255, B: 0, A: 255}
)

// DrawLines returns a copy of img with the given lines drawn over it, every line labeled with
// its index.
func DrawLines(img image.Image, lines [][]r2.Point) image.Image {
	dc := gg.NewContextForImage(img)
	for i, l := range lines {
		if len(l) == 0 {
			continue
		}
		rimage.DrawPolyline(dc, l, lineColor, 1.5)
		rimage.DrawPoints(dc, l, pointColor, 1.5)
		mid := l[len(l)/2]
		rimage.DrawString(dc, fmt.Sprint(i), image.Pt(int(mid.X)+4, int(mid.Y)+4), labelColor, 14)
	}
	return dc.Image()
}

// PlotOrders writes a chart of the RMSE and maximum error reached at every order of the fit.
// The image format follows the extension of path.
func PlotOrders(fit *FitResult, path string) error {
	if fit == nil || len(fit.Orders) == 0 {
		return errors.New("no fit order to plot")
	}
	p := plot.New()
	p.Title.Text = "Distortion fit"
	p.X.Label.Text = "Order"
	p.Y.Label.Text = "Error (px)"

	rmsePts := plotter.XYs{{X: 1, Y: fit.Initial.RMSE}}
	maxPts := plotter.XYs{{X: 1, Y: fit.Initial.Max}}
	for _, o := range fit.Orders {
		rmsePts = append(rmsePts, plotter.XY{X: float64(o.Order), Y: o.Residual.RMSE})
		maxPts = append(maxPts, plotter.XY{X: float64(o.Order), Y: o.Residual.Max})
	}

	for _, series := range []struct {
		name  string
		pts   plotter.XYs
		color color.Color
	}{
		{"rmse", rmsePts, color.NRGBA{R: 30, G: 90, B: 200, A: 255}},
		{"max", maxPts, color.NRGBA{R: 200, G: 60, B: 30, A: 255}},
	} {
		line, points, err := plotter.NewLinePoints(series.pts)
		if err != nil {
			return err
		}
		line.Color = series.color
		line.Width = vg.Points(1)
		points.GlyphStyle.Color = series.color
		p.Add(line, points)
		p.Legend.Add(series.name, line, points)
	}
	p.Add(plotter.NewGrid())

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "error saving plot to %q", path)
	}
	return nil
}
