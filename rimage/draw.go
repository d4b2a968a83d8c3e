package rimage

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/golang/geo/r2"
	"golang.org/x/image/font/gofont/goregular"
)

var font *truetype.Font

// init sets up the fonts we want to use.
func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Font returns the font we use for drawing.
func Font() *truetype.Font {
	return font
}

// DrawString writes a string to the given context at a particular point.
func DrawString(dc *gg.Context, text string, p image.Point, c color.Color, size float64) {
	dc.SetFontFace(truetype.NewFace(Font(), &truetype.Options{Size: size}))
	dc.SetColor(c)
	dc.DrawStringWrapped(text, float64(p.X), float64(p.Y), 0, 0, float64(dc.Width()), 1, 0)
}

// DrawPolyline strokes the open polyline through pts. Pixel centers are at integer
// coordinates, so everything is shifted by half a pixel.
func DrawPolyline(dc *gg.Context, pts []r2.Point, c color.Color, width float64) {
	if len(pts) == 0 {
		return
	}
	dc.SetColor(c)
	dc.SetLineWidth(width)
	dc.MoveTo(pts[0].X+.5, pts[0].Y+.5)
	for _, p := range pts[1:] {
		dc.LineTo(p.X+.5, p.Y+.5)
	}
	dc.Stroke()
}

// DrawPoints draws a filled dot of the given radius on every point.
func DrawPoints(dc *gg.Context, pts []r2.Point, c color.Color, radius float64) {
	dc.SetColor(c)
	for _, p := range pts {
		dc.DrawCircle(p.X+.5, p.Y+.5, radius)
		dc.Fill()
	}
}
