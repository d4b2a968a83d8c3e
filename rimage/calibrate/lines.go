package calibrate

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"

	"github.com/eglrp/Calib3DTools/logging"
	"github.com/eglrp/Calib3DTools/rimage/edge"
	"github.com/eglrp/Calib3DTools/rimage/transform"
)

// minLinePoints is the number of resampled points a line needs to carry information about
// its curvature.
const minLinePoints = 3

// Line is one resampled curve, tagged with the index of the image it was found in.
type Line struct {
	Image  int        `json:"image" yaml:"image"`
	Points edge.Curve `json:"points" yaml:"points"`
}

// LineSet is every line used for fitting, grouped by image.
type LineSet struct {
	Lines []Line
	// PerImage[i] is the number of lines of image i.
	PerImage []int
	Width    int
	Height   int
	// Dropped counts curves rejected for being too short.
	Dropped int
}

// LineBuilder accumulates the curves of a sequence of same sized images into a LineSet.
type LineBuilder struct {
	width, height int
	threshold     float64
	resample      edge.ResampleOptions
	logger        logging.Logger

	lines    []Line
	perImage []int
	dropped  int
}

// NewLineBuilder returns a builder for width x height images.
func NewLineBuilder(width, height int, cfg Config, logger logging.Logger) *LineBuilder {
	if logger == nil {
		logger = logging.Global()
	}
	resample := cfg.Resample
	resample.Bounds = image.Rect(0, 0, width, height)
	return &LineBuilder{
		width:     width,
		height:    height,
		threshold: cfg.LengthThresholdRatio * float64(min(width, height)),
		resample:  resample,
		logger:    logger,
	}
}

// Threshold is the number of raw edge points a curve must exceed to become a line.
func (b *LineBuilder) Threshold() float64 {
	return b.threshold
}

// BeginImage starts the group of the next image.
func (b *LineBuilder) BeginImage() {
	b.perImage = append(b.perImage, 0)
}

// PushGroup adds curves to the current image, starting one if needed, and returns how many of
// them were kept. Curves at or under the length threshold, or left with too few points after
// resampling, are dropped.
func (b *LineBuilder) PushGroup(curves []edge.Curve) int {
	if len(b.perImage) == 0 {
		b.BeginImage()
	}
	current := len(b.perImage) - 1
	kept := 0
	for _, c := range curves {
		if float64(len(c)) <= b.threshold {
			b.dropped++
			continue
		}
		pts := edge.Resample(c, b.resample)
		if len(pts) < minLinePoints {
			b.dropped++
			continue
		}
		b.lines = append(b.lines, Line{Image: current, Points: pts})
		kept++
	}
	b.perImage[current] += kept
	b.logger.Debugf("image %d: %d of %d curves kept as lines", current, kept, len(curves))
	return kept
}

// Build returns the accumulated LineSet, or an *EmptyInputError when it has no line.
func (b *LineBuilder) Build() (*LineSet, error) {
	if len(b.lines) == 0 {
		return nil, &EmptyInputError{Images: len(b.perImage), Dropped: b.dropped}
	}
	return &LineSet{
		Lines:    b.lines,
		PerImage: append([]int(nil), b.perImage...),
		Width:    b.width,
		Height:   b.height,
		Dropped:  b.dropped,
	}, nil
}

// NumPoints is the total number of points over all lines.
func (ls *LineSet) NumPoints() int {
	n := 0
	for _, l := range ls.Lines {
		n += len(l.Points)
	}
	return n
}

// ImageLines returns the lines of image i.
func (ls *LineSet) ImageLines(i int) []Line {
	var out []Line
	for _, l := range ls.Lines {
		if l.Image == i {
			out = append(out, l)
		}
	}
	return out
}

// Detected returns, per image, the point sequences of its lines.
func (ls *LineSet) Detected() [][][]r2.Point {
	out := make([][][]r2.Point, len(ls.PerImage))
	for i := range out {
		out[i] = make([][]r2.Point, 0, ls.PerImage[i])
	}
	for _, l := range ls.Lines {
		out[l.Image] = append(out[l.Image], append([]r2.Point(nil), l.Points...))
	}
	return out
}

// Residual is the straightness error of a set of lines, in pixels.
type Residual struct {
	RMSE float64 `json:"rmse" yaml:"rmse"`
	Max  float64 `json:"max" yaml:"max"`
}

// RMSE maps every point through m around the principal point and measures the distance of each
// to the total least squares line of its own curve. A nil m means the identity.
func (ls *LineSet) RMSE(m transform.Mapper) Residual {
	return residualOf(ls.Lines, transform.PrincipalPoint(ls.Width, ls.Height), m)
}

// ImageRMSE is RMSE restricted to every image in turn.
func (ls *LineSet) ImageRMSE(m transform.Mapper) []Residual {
	pp := transform.PrincipalPoint(ls.Width, ls.Height)
	out := make([]Residual, len(ls.PerImage))
	for i := range out {
		out[i] = residualOf(ls.ImageLines(i), pp, m)
	}
	return out
}

func residualOf(lines []Line, pp r2.Point, m transform.Mapper) Residual {
	var sum, maxDist float64
	count := 0
	mapped := make([]r2.Point, 0)
	for _, l := range lines {
		mapped = mapped[:0]
		for _, p := range l.Points {
			c := p.Sub(pp)
			if m != nil {
				c.X, c.Y = m.Transform(c.X, c.Y)
			}
			mapped = append(mapped, c)
		}
		s, mx := lineError(mapped)
		sum += s
		maxDist = math.Max(maxDist, mx)
		count += len(mapped)
	}
	if count == 0 {
		return Residual{}
	}
	return Residual{RMSE: math.Sqrt(sum / float64(count)), Max: maxDist}
}

// fitLine returns the unit normal n and offset c of the total least squares line n·p + c = 0.
func fitLine(pts []r2.Point) (r2.Point, float64) {
	var mean r2.Point
	for _, p := range pts {
		mean = mean.Add(p)
	}
	mean = mean.Mul(1 / float64(len(pts)))
	var sxx, sxy, syy float64
	for _, p := range pts {
		d := p.Sub(mean)
		sxx += d.X * d.X
		sxy += d.X * d.Y
		syy += d.Y * d.Y
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(mat.NewSymDense(2, []float64{sxx, sxy, sxy, syy}), true); !ok {
		n := r2.Point{X: 0, Y: 1}
		return n, -n.Dot(mean)
	}
	// eigenvalues are ascending, the normal goes with the smallest
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	n := r2.Point{X: vecs.At(0, 0), Y: vecs.At(1, 0)}
	return n, -n.Dot(mean)
}

// lineError returns the sum of squared distances of pts to their own line and the largest one.
func lineError(pts []r2.Point) (float64, float64) {
	if len(pts) < 2 {
		return 0, 0
	}
	n, c := fitLine(pts)
	var sum, maxDist float64
	for _, p := range pts {
		d := n.Dot(p) + c
		sum += d * d
		maxDist = math.Max(maxDist, math.Abs(d))
	}
	return sum, maxDist
}

// ImageSummary describes the lines found in one image. Lengths are polyline lengths in pixels.
type ImageSummary struct {
	Image        int     `json:"image" yaml:"image"`
	Lines        int     `json:"lines" yaml:"lines"`
	Points       int     `json:"points" yaml:"points"`
	MeanLength   float64 `json:"mean_length" yaml:"mean_length"`
	MedianLength float64 `json:"median_length" yaml:"median_length"`
	MaxLength    float64 `json:"max_length" yaml:"max_length"`
}

// Summary reports line and point counts and length statistics per image.
func (ls *LineSet) Summary() []ImageSummary {
	out := make([]ImageSummary, len(ls.PerImage))
	lengths := make([]stats.Float64Data, len(ls.PerImage))
	for i := range out {
		out[i].Image = i
	}
	for _, l := range ls.Lines {
		out[l.Image].Lines++
		out[l.Image].Points += len(l.Points)
		lengths[l.Image] = append(lengths[l.Image], l.Points.Length())
	}
	for i, data := range lengths {
		if len(data) == 0 {
			continue
		}
		// errors only happen on empty input
		out[i].MeanLength, _ = stats.Mean(data)
		out[i].MedianLength, _ = stats.Median(data)
		out[i].MaxLength, _ = stats.Max(data)
	}
	return out
}
