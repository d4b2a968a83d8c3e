package rimage

import (
	"math"
)

// GaussianFunction1D takes in a sigma and returns a gaussian function useful for weighing averages or blurring.
func GaussianFunction1D(sigma float64) func(p float64) float64 {
	if sigma <= 0. {
		return func(p float64) float64 {
			return 1.
		}
	}
	return func(p float64) float64 {
		return math.Exp(-0.5*math.Pow(p, 2)/math.Pow(sigma, 2)) / (sigma * math.Sqrt(2.*math.Pi))
	}
}

// GaussianRadius is the half width of the kernel used for sigma: 4 sigma worth of the gaussian
// function, at least one tap.
func GaussianRadius(sigma float64) int {
	if sigma <= 0 {
		return 0
	}
	return int(math.Max(1, math.Ceil(4.*sigma)))
}

// GaussianKernel1D returns the normalized kernel of length 2*GaussianRadius(sigma)+1. A non
// positive sigma gives the identity kernel.
func GaussianKernel1D(sigma float64) []float64 {
	radius := GaussianRadius(sigma)
	gaus := GaussianFunction1D(sigma)
	kernel := make([]float64, 2*radius+1)
	sum := 0.
	for i := range kernel {
		kernel[i] = gaus(float64(i - radius))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// MirrorIndex reflects i into [0, n) without repeating the border sample.
func MirrorIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// GaussianSmooth convolves the image with a separable gaussian, mirroring at the borders. The
// input is left untouched.
func GaussianSmooth(img *FloatGray, sigma float64) *FloatGray {
	if sigma <= 0 {
		return img.Clone()
	}
	kernel := GaussianKernel1D(sigma)
	radius := len(kernel) / 2
	width, height := img.Width(), img.Height()

	tmp := NewFloatGray(width, height)
	for y := 0; y < height; y++ {
		src, dst := img.Row(y), tmp.Row(y)
		for x := 0; x < width; x++ {
			val := 0.
			for k, w := range kernel {
				val += w * src[MirrorIndex(x+k-radius, width)]
			}
			dst[x] = val
		}
	}

	out := NewFloatGray(width, height)
	for y := 0; y < height; y++ {
		dst := out.Row(y)
		for k, w := range kernel {
			src := tmp.Row(MirrorIndex(y+k-radius, height))
			for x := 0; x < width; x++ {
				dst[x] += w * src[x]
			}
		}
	}
	return out
}
