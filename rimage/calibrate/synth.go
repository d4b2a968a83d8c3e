package calibrate

import (
	"math"

	"github.com/eglrp/Calib3DTools/rimage"
	"github.com/eglrp/Calib3DTools/rimage/transform"
	"github.com/eglrp/Calib3DTools/utils"
)

// StripeChart is a synthetic pattern of parallel bands alternating between two gray levels.
// Edges lie every Period pixels from the principal point along the normal direction.
type StripeChart struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
	// Angle of the stripe normal in degrees, 0 gives vertical edges.
	Angle       float64 `json:"angle" yaml:"angle"`
	Period      float64 `json:"period" yaml:"period"`
	Low         float64 `json:"low" yaml:"low"`
	High        float64 `json:"high" yaml:"high"`
	Supersample int     `json:"supersample" yaml:"supersample"`
}

// StripeCharts returns n charts of the given size with their normals spread over half a turn,
// starting at offset degrees.
func StripeCharts(width, height, n int, offset float64) []StripeChart {
	charts := make([]StripeChart, n)
	for i := range charts {
		charts[i] = StripeChart{
			Width:       width,
			Height:      height,
			Angle:       offset + 180*float64(i)/float64(n),
			Period:      float64(min(width, height)) / 4,
			Low:         50,
			High:        200,
			Supersample: 4,
		}
	}
	return charts
}

// Value is the chart level at the centered ideal position (x, y).
func (c StripeChart) Value(x, y float64) float64 {
	theta := utils.DegToRad(c.Angle)
	t := (x*math.Cos(theta) + y*math.Sin(theta)) / c.Period
	if int64(math.Floor(t))&1 == 0 {
		return c.High
	}
	return c.Low
}

// Render draws the chart as seen through a lens whose correction is m: the distorted pixel p
// shows the chart at m(p), both centered on the principal point. A nil m gives the ideal
// chart. Every pixel averages Supersample x Supersample samples.
func (c StripeChart) Render(m transform.Mapper) *rimage.FloatGray {
	img := rimage.NewFloatGray(c.Width, c.Height)
	pp := transform.PrincipalPoint(c.Width, c.Height)
	n := max(1, c.Supersample)
	weight := 1 / float64(n*n)
	for y := 0; y < c.Height; y++ {
		row := img.Row(y)
		for x := range row {
			sum := 0.
			for j := 0; j < n; j++ {
				sy := float64(y) + (float64(j)+.5)/float64(n) - .5 - pp.Y
				for i := 0; i < n; i++ {
					sx := float64(x) + (float64(i)+.5)/float64(n) - .5 - pp.X
					ux, uy := sx, sy
					if m != nil {
						ux, uy = m.Transform(sx, sy)
					}
					sum += c.Value(ux, uy)
				}
			}
			row[x] = sum * weight
		}
	}
	return img
}
