package transform

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gopkg.in/yaml.v3"
)

// SavePolynomial writes the coefficients to path. The extension picks the format: .json, .yaml
// or .yml, and .txt for the plain form (degree, then the X and the Y coefficients). Floats are
// written in their shortest exact form so that loading gives back the same values.
func SavePolynomial(path string, p *Polynomial) error {
	if err := p.CheckValid(); err != nil {
		return err
	}
	var data []byte
	var err error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		data, err = json.MarshalIndent(p, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(p)
	case ".txt":
		data = marshalText(p)
	default:
		return errors.Errorf("unknown coefficient file extension %q", ext)
	}
	if err != nil {
		return errors.Wrapf(err, "error encoding polynomial for %q", path)
	}
	//nolint:gosec
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "error writing polynomial file %q", path)
}

// LoadPolynomial reads coefficients written by SavePolynomial and validates their count.
func LoadPolynomial(path string) (*Polynomial, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening polynomial file %q", path)
	}
	defer utils.UncheckedErrorFunc(f.Close)

	p := &Polynomial{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.NewDecoder(f).Decode(p)
	case ".yaml", ".yml":
		err = yaml.NewDecoder(f).Decode(p)
	case ".txt":
		p, err = unmarshalText(bufio.NewScanner(f))
	default:
		return nil, errors.Errorf("unknown coefficient file extension %q", ext)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error parsing polynomial file %q", path)
	}
	if err := p.CheckValid(); err != nil {
		return nil, errors.Wrapf(err, "polynomial file %q", path)
	}
	return p, nil
}

func marshalText(p *Polynomial) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d\n", p.Degree)
	for _, coeffs := range [][]float64{p.X, p.Y} {
		for k, c := range coeffs {
			if k > 0 {
				buf.WriteByte(' ')
			}
			buf.WriteString(strconv.FormatFloat(c, 'g', -1, 64))
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func unmarshalText(scanner *bufio.Scanner) (*Polynomial, error) {
	scanner.Split(bufio.ScanWords)
	var values []float64
	for scanner.Scan() {
		v, err := strconv.ParseFloat(scanner.Text(), 64)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return NewPolynomialFromParameters(values)
}
