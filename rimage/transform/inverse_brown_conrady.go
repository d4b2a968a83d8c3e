package transform

// InverseBrownConrady undoes a BrownConrady model with Newton-Raphson iterations. It is used to
// place points on the distorted image of straight lines.
type InverseBrownConrady struct {
	Forward *BrownConrady `json:"forward" yaml:"forward"`
}

// CheckValid checks if the forward model is valid.
func (ibc *InverseBrownConrady) CheckValid() error {
	if ibc == nil {
		return InvalidDistortionError("InverseBrownConrady shaped distortion parameters not provided")
	}
	return ibc.Forward.CheckValid()
}

// ModelType returns the type of distortion model.
func (ibc *InverseBrownConrady) ModelType() DistortionType {
	return InverseBrownConradyDistortionType
}

// Parameters returns the parameters of the forward model.
func (ibc *InverseBrownConrady) Parameters() []float64 {
	if ibc == nil {
		return []float64{}
	}
	return ibc.Forward.Parameters()
}

// Transform finds the point that the forward model maps to (xd, yd), starting from (xd, yd).
func (ibc *InverseBrownConrady) Transform(xd, yd float64) (float64, float64) {
	if ibc == nil || ibc.Forward == nil {
		return xd, yd
	}
	const maxIterations = 20
	const tolerance = 1e-12

	s := ibc.Forward.scale()
	xd, yd = xd/s, yd/s
	xu, yu := xd, yd
	for i := 0; i < maxIterations; i++ {
		xEst, yEst := ibc.Forward.apply(xu, yu)
		errX, errY := xEst-xd, yEst-yd
		if errX*errX+errY*errY < tolerance*tolerance {
			break
		}
		a, b, c, d := ibc.Forward.jacobian(xu, yu)
		det := a*d - b*c
		if det == 0 {
			break
		}
		xu -= (d*errX - b*errY) / det
		yu -= (-c*errX + a*errY) / det
	}
	return xu * s, yu * s
}
