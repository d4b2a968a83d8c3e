// Package edge finds sub-pixel edge points on straight image features and conditions the
// resulting curves for distortion fitting.
package edge

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"github.com/eglrp/Calib3DTools/rimage"
	"github.com/eglrp/Calib3DTools/utils"
)

// Curve is an ordered sequence of sub-pixel edge points.
type Curve []r2.Point

// Length is the polyline length of the curve.
func (c Curve) Length() float64 {
	total := 0.
	for i := 1; i < len(c); i++ {
		total += c[i].Sub(c[i-1]).Norm()
	}
	return total
}

// ExtractParams are the detection parameters.
type ExtractParams struct {
	Sigma     float64 `json:"sigma" yaml:"sigma"`
	ThLow     float64 `json:"th_low" yaml:"th_low"`
	ThHigh    float64 `json:"th_high" yaml:"th_high"`
	MinLength float64 `json:"min_length" yaml:"min_length"`
	// CornerAngle in degrees; curves turning more than this over CornerSpan points are split.
	CornerAngle float64 `json:"corner_angle" yaml:"corner_angle"`
	CornerSpan  int     `json:"corner_span" yaml:"corner_span"`
}

// DefaultExtractParams returns the detection defaults.
func DefaultExtractParams() ExtractParams {
	return ExtractParams{
		Sigma:       1,
		ThLow:       1,
		ThHigh:      10,
		MinLength:   100,
		CornerAngle: 30,
		CornerSpan:  10,
	}
}

// Validate checks the parameters for consistency.
func (p ExtractParams) Validate() error {
	if p.Sigma < 0 {
		return errors.Errorf("sigma must be non negative, got %v", p.Sigma)
	}
	if p.ThLow < 0 || p.ThHigh < p.ThLow {
		return errors.Errorf("thresholds must satisfy 0 <= low <= high, got low=%v high=%v", p.ThLow, p.ThHigh)
	}
	if p.MinLength < 0 {
		return errors.Errorf("min length must be non negative, got %v", p.MinLength)
	}
	if p.CornerAngle < 0 || p.CornerSpan < 0 {
		return errors.Errorf("corner angle and span must be non negative, got %v and %d", p.CornerAngle, p.CornerSpan)
	}
	return nil
}

// Extraction is the result of Extract.
type Extraction struct {
	Curves []Curve
	// Candidates is the number of points that passed non maximum suppression.
	Candidates int
	// Discarded counts pieces shorter than MinLength.
	Discarded int
}

// Extract detects edge points with sub-pixel accuracy, chains them, keeps chains through
// hysteresis and returns the locally straight pieces of at least MinLength points.
func Extract(img *rimage.FloatGray, params ExtractParams) (Extraction, error) {
	if err := params.Validate(); err != nil {
		return Extraction{}, err
	}
	var result Extraction
	if img.Width() < 5 || img.Height() < 5 {
		return result, nil
	}

	d := newDetector(rimage.GaussianSmooth(img, params.Sigma))
	result.Candidates = d.computeEdgePoints(params.ThLow)
	d.chainEdgePoints()
	d.hysteresis(params.ThLow, params.ThHigh)

	maxTurn := utils.DegToRad(params.CornerAngle)
	chains, closed := d.listChains()
	for i, chain := range chains {
		if closed[i] {
			chain = openAtCorner(chain, maxTurn, params.CornerSpan)
		}
		for _, piece := range splitCorners(chain, maxTurn, params.CornerSpan) {
			if float64(len(piece)) < params.MinLength {
				result.Discarded++
				continue
			}
			result.Curves = append(result.Curves, piece)
		}
	}
	return result, nil
}

// detector holds the per pixel state of the Devernay detector. An edge point found at pixel i
// is stored at index i.
type detector struct {
	width, height int
	gx, gy, mod   []float64
	ex, ey        []float64
	next, prev    []int
	valid         []bool
}

func newDetector(img *rimage.FloatGray) *detector {
	width, height := img.Width(), img.Height()
	size := width * height
	d := &detector{
		width:  width,
		height: height,
		gx:     make([]float64, size),
		gy:     make([]float64, size),
		mod:    make([]float64, size),
		ex:     make([]float64, size),
		ey:     make([]float64, size),
		next:   make([]int, size),
		prev:   make([]int, size),
		valid:  make([]bool, size),
	}
	for i := range d.ex {
		d.ex[i], d.ey[i] = -1, -1
		d.next[i], d.prev[i] = -1, -1
	}
	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			i := x + y*width
			d.gx[i] = img.Get(x+1, y) - img.Get(x-1, y)
			d.gy[i] = img.Get(x, y+1) - img.Get(x, y-1)
			d.mod[i] = math.Hypot(d.gx[i], d.gy[i])
		}
	}
	return d
}

// greater is a > b with a margin for rounding noise.
func greater(a, b float64) bool {
	if a <= b {
		return false
	}
	return a-b >= 1000*2.220446049250313e-16
}

// computeEdgePoints keeps the local maxima of the gradient modulus along the dominant gradient
// axis and refines them with the vertex of the parabola through the three moduli.
func (d *detector) computeEdgePoints(thLow float64) int {
	count := 0
	for y := 2; y < d.height-2; y++ {
		for x := 2; x < d.width-2; x++ {
			i := x + y*d.width
			mod := d.mod[i]
			if mod < thLow || mod == 0 {
				continue
			}
			left, right := d.mod[i-1], d.mod[i+1]
			down, up := d.mod[i-d.width], d.mod[i+d.width]
			gx, gy := math.Abs(d.gx[i]), math.Abs(d.gy[i])

			dx, dy := 0, 0
			switch {
			case greater(mod, left) && !greater(right, mod) && gx >= gy:
				dx = 1
			case greater(mod, down) && !greater(up, mod) && gx <= gy:
				dy = 1
			default:
				continue
			}
			a := d.mod[(x-dx)+(y-dy)*d.width]
			c := d.mod[(x+dx)+(y+dy)*d.width]
			offset := 0.
			if denom := a - mod - mod + c; denom != 0 {
				offset = 0.5 * (a - c) / denom
			}
			d.ex[i] = float64(x) + offset*float64(dx)
			d.ey[i] = float64(y) + offset*float64(dy)
			count++
		}
	}
	return count
}

// linkScore is positive when to can follow from along the edge, negative when it can precede
// it, zero when they are not compatible. The magnitude favors close points.
func (d *detector) linkScore(from, to int) float64 {
	if d.ex[to] < 0 {
		return 0
	}
	if d.gx[from]*d.gx[to]+d.gy[from]*d.gy[to] <= 0 {
		return 0
	}
	dx := d.ex[to] - d.ex[from]
	dy := d.ey[to] - d.ey[from]
	dist := math.Hypot(dx, dy)
	if dist == 0 {
		return 0
	}
	if dx*d.gy[from]-dy*d.gx[from] >= 0 {
		return 1 / dist
	}
	return -1 / dist
}

// chainEdgePoints links every edge point to its best forward and backward neighbor in a 5x5
// window. Links are kept mutual: next[a] == b iff prev[b] == a.
func (d *detector) chainEdgePoints() {
	for y := 2; y < d.height-2; y++ {
		for x := 2; x < d.width-2; x++ {
			e := x + y*d.width
			if d.ex[e] < 0 {
				continue
			}
			fwd, bck := -1, -1
			fwdScore, bckScore := 0., 0.
			for j := -2; j <= 2; j++ {
				for i := -2; i <= 2; i++ {
					nb := (x + i) + (y+j)*d.width
					s := d.linkScore(e, nb)
					if s > fwdScore {
						fwdScore, fwd = s, nb
					}
					if s < bckScore {
						bckScore, bck = s, nb
					}
				}
			}

			if fwd >= 0 && d.next[e] != fwd {
				if alt := d.prev[fwd]; alt < 0 || d.linkScore(alt, fwd) < fwdScore {
					if d.next[e] >= 0 {
						d.prev[d.next[e]] = -1
					}
					d.next[e] = fwd
					if alt >= 0 {
						d.next[alt] = -1
					}
					d.prev[fwd] = e
				}
			}
			if bck >= 0 && d.prev[e] != bck {
				if alt := d.next[bck]; alt < 0 || d.linkScore(alt, bck) > bckScore {
					if alt >= 0 {
						d.prev[alt] = -1
					}
					d.next[bck] = e
					if d.prev[e] >= 0 {
						d.next[d.prev[e]] = -1
					}
					d.prev[e] = bck
				}
			}
		}
	}
}

// hysteresis marks the chains holding a point of modulus >= thHigh, grown through points of
// modulus >= thLow.
func (d *detector) hysteresis(thLow, thHigh float64) {
	for i := range d.ex {
		if d.ex[i] < 0 || d.valid[i] || d.mod[i] < thHigh {
			continue
		}
		d.valid[i] = true
		for j := d.next[i]; j >= 0 && !d.valid[j] && d.mod[j] >= thLow; j = d.next[j] {
			d.valid[j] = true
		}
		for j := d.prev[i]; j >= 0 && !d.valid[j] && d.mod[j] >= thLow; j = d.prev[j] {
			d.valid[j] = true
		}
	}
}

// listChains walks the valid links and returns one curve per chain, and whether the chain is a
// closed contour.
func (d *detector) listChains() ([]Curve, []bool) {
	used := make([]bool, len(d.ex))
	var chains []Curve
	var closed []bool
	for i := range d.ex {
		if !d.valid[i] || used[i] {
			continue
		}
		start := i
		for d.prev[start] >= 0 && d.prev[start] != i && d.valid[d.prev[start]] {
			start = d.prev[start]
		}
		var chain Curve
		last := start
		for k := start; k >= 0 && d.valid[k] && !used[k]; k = d.next[k] {
			used[k] = true
			last = k
			chain = append(chain, r2.Point{X: d.ex[k], Y: d.ey[k]})
		}
		chains = append(chains, chain)
		closed = append(closed, len(chain) > 2 && d.next[last] == start)
	}
	return chains, closed
}

// openAtCorner cuts a closed contour at its sharpest turn, measured cyclically, so that no corner
// is hidden near the arbitrary start of the chain. The corner point both starts and ends the
// returned curve. Contours without a turn above maxTurn are returned unchanged.
func openAtCorner(c Curve, maxTurn float64, span int) Curve {
	n := len(c)
	if span <= 0 || maxTurn <= 0 || n < 2*span+1 {
		return c
	}
	best, angle := -1, maxTurn
	for k := range c {
		d1 := c[k].Sub(c[(k-span+n)%n])
		d2 := c[(k+span)%n].Sub(c[k])
		if a := math.Atan2(math.Abs(d1.Cross(d2)), d1.Dot(d2)); a > angle {
			best, angle = k, a
		}
	}
	if best < 0 {
		return c
	}
	opened := make(Curve, 0, n+1)
	opened = append(opened, c[best:]...)
	opened = append(opened, c[:best]...)
	return append(opened, c[best])
}

// splitCorners cuts a chain where its direction turns by more than maxTurn radians between the
// span points before and the span points after. Each corner point ends one piece and starts the
// next.
func splitCorners(c Curve, maxTurn float64, span int) []Curve {
	if span <= 0 || maxTurn <= 0 || len(c) < 2*span+1 {
		return []Curve{c}
	}
	turn := func(k int) float64 {
		d1 := c[k].Sub(c[k-span])
		d2 := c[k+span].Sub(c[k])
		return math.Atan2(math.Abs(d1.Cross(d2)), d1.Dot(d2))
	}

	var pieces []Curve
	from := 0
	for k := span; k < len(c)-span; {
		angle := turn(k)
		if angle <= maxTurn {
			k++
			continue
		}
		best := k
		for k++; k < len(c)-span; k++ {
			next := turn(k)
			if next <= maxTurn {
				break
			}
			if next > angle {
				best, angle = k, next
			}
		}
		pieces = append(pieces, c[from:best+1])
		from = best
	}
	return append(pieces, c[from:])
}
