// Package transform holds the distortion models, their inversion and persistence, and the
// concurrent image corrector.
package transform

import "github.com/pkg/errors"

// DistortionType is the name of the distortion model.
type DistortionType string

const (
	// PolynomialDistortionType is the bivariate polynomial estimated from straight lines.
	PolynomialDistortionType = DistortionType("polynomial")
	// BrownConradyDistortionType is the radial and tangential model, used to synthesize test data.
	BrownConradyDistortionType = DistortionType("brown_conrady")
	// InverseBrownConradyDistortionType undoes a Brown-Conrady model numerically.
	InverseBrownConradyDistortionType = DistortionType("inverse_brown_conrady")
)

// Mapper moves a point given in coordinates centered at the principal point.
type Mapper interface {
	Transform(x, y float64) (float64, float64)
}

// Distorter is a Mapper that knows its model and parameters.
type Distorter interface {
	Mapper
	ModelType() DistortionType
	CheckValid() error
	Parameters() []float64
}

// InvalidDistortionError is used when the distortion parameters are invalid.
func InvalidDistortionError(msg string) error {
	return errors.Wrap(errors.New("invalid distortion parameters"), msg)
}

// NewDistorter returns a Distorter given a valid DistortionType and its parameters.
func NewDistorter(distortionType DistortionType, parameters []float64) (Distorter, error) {
	var d Distorter
	var err error
	switch distortionType {
	case PolynomialDistortionType:
		d, err = NewPolynomialFromParameters(parameters)
	case BrownConradyDistortionType:
		d, err = NewBrownConrady(parameters)
	case InverseBrownConradyDistortionType:
		var bc *BrownConrady
		bc, err = NewBrownConrady(parameters)
		if err == nil {
			d = bc.Inverse()
		}
	default:
		return nil, errors.Errorf("do not know how to parse %q distortion model", distortionType)
	}
	if err != nil {
		return nil, err
	}
	return d, d.CheckValid()
}
