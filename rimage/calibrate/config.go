// Package calibrate estimates a polynomial lens distortion model from images of straight
// features, and reports how straight those features are before and after correction.
package calibrate

import (
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gopkg.in/yaml.v3"

	"github.com/eglrp/Calib3DTools/rimage/edge"
	"github.com/eglrp/Calib3DTools/rimage/transform"
)

// Config holds every tunable of the calibration pipeline.
type Config struct {
	Extract  edge.ExtractParams   `json:"extract" yaml:"extract"`
	Resample edge.ResampleOptions `json:"resample" yaml:"resample"`

	// Order is the target degree of the distortion polynomial, odd and at least 3.
	Order          int `json:"order" yaml:"order"`
	OrderIncrement int `json:"order_increment" yaml:"order_increment"`
	// ConvergenceEpsilon is the RMSE change in pixels under which iterations stop.
	ConvergenceEpsilon  float64 `json:"convergence_epsilon" yaml:"convergence_epsilon"`
	OrderIterations     int     `json:"order_iterations" yaml:"order_iterations"`
	MaxRefineIterations int     `json:"max_refine_iterations" yaml:"max_refine_iterations"`
	// LengthThresholdRatio times min(w, h) is the number of edge points a curve must exceed to
	// be used as a line.
	LengthThresholdRatio float64 `json:"length_threshold_ratio" yaml:"length_threshold_ratio"`

	// InverseDegree of zero means Order.
	InverseDegree int                       `json:"inverse_degree" yaml:"inverse_degree"`
	Invert        transform.InvertOptions   `json:"invert" yaml:"invert"`
	Corrector     transform.CorrectorConfig `json:"corrector" yaml:"corrector"`
}

// DefaultConfig returns the calibration defaults.
func DefaultConfig() Config {
	return Config{
		Extract:              edge.DefaultExtractParams(),
		Resample:             edge.DefaultResampleOptions(0, 0),
		Order:                5,
		OrderIncrement:       2,
		ConvergenceEpsilon:   0.001,
		OrderIterations:      50,
		MaxRefineIterations:  100,
		LengthThresholdRatio: 0.3,
		Corrector:            transform.DefaultCorrectorConfig(),
	}
}

// Validate checks the configuration. Every failure is a *ValidationError.
func (cfg Config) Validate() error {
	if err := cfg.Extract.Validate(); err != nil {
		return newValidationError("extract", "%v", err)
	}
	r := cfg.Resample
	if r.UnitSigma < 0 || r.NSigma < 0 || r.UpFactor < 0 || r.DownFactor < 0 || r.BorderMargin < 0 {
		return newValidationError("resample", "factors, sigmas and margin must be non negative")
	}
	if cfg.Order < 3 || cfg.Order%2 == 0 {
		return newValidationError("order", "must be odd and at least 3, got %d", cfg.Order)
	}
	if cfg.OrderIncrement < 2 || cfg.OrderIncrement%2 != 0 {
		return newValidationError("order_increment", "must be even and at least 2, got %d", cfg.OrderIncrement)
	}
	if !(cfg.ConvergenceEpsilon > 0) || math.IsInf(cfg.ConvergenceEpsilon, 0) {
		return newValidationError("convergence_epsilon", "must be positive, got %v", cfg.ConvergenceEpsilon)
	}
	if cfg.OrderIterations < 1 {
		return newValidationError("order_iterations", "must be at least 1, got %d", cfg.OrderIterations)
	}
	if cfg.MaxRefineIterations < 1 {
		return newValidationError("max_refine_iterations", "must be at least 1, got %d", cfg.MaxRefineIterations)
	}
	if cfg.LengthThresholdRatio < 0 || cfg.LengthThresholdRatio > 1 {
		return newValidationError("length_threshold_ratio", "must be in [0, 1], got %v", cfg.LengthThresholdRatio)
	}
	if cfg.InverseDegree < 0 {
		return newValidationError("inverse_degree", "must be non negative, got %d", cfg.InverseDegree)
	}
	if cfg.Invert.GridStep < 0 {
		return newValidationError("invert", "grid step must be non negative, got %v", cfg.Invert.GridStep)
	}
	if err := cfg.Corrector.Validate(); err != nil {
		return newValidationError("corrector", "%v", err)
	}
	return nil
}

// inverseDegree is the degree of the fitted inverse.
func (cfg Config) inverseDegree() int {
	if cfg.InverseDegree > 0 {
		return cfg.InverseDegree
	}
	return cfg.Order
}

// orders lists the polynomial degrees the fitter goes through.
func (cfg Config) orders() []int {
	var out []int
	for order := 3; order <= cfg.Order; order += cfg.OrderIncrement {
		out = append(out, order)
	}
	if out[len(out)-1] != cfg.Order {
		out = append(out, cfg.Order)
	}
	return out
}

// LoadConfig reads a JSON or YAML file on top of DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "error opening config file")
	}
	defer utils.UncheckedErrorFunc(f.Close)
	data, err := io.ReadAll(f)
	if err != nil {
		return Config{}, errors.Wrap(err, "error reading config file")
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		return Config{}, errors.Errorf("unknown config file extension %q", ext)
	}
	if err != nil {
		return Config{}, errors.Wrapf(err, "error parsing config file %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
