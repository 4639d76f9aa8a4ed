// Package calibrate fits and applies an isotonic (monotonic non-decreasing)
// calibration curve that maps raw model scores onto a human-rating scale.
// Curves are fit with the Pool-Adjacent-Violators algorithm and persist as a
// small JSON artifact so a fitted curve can be applied without refitting.
package calibrate

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// OutputScale selects the range calibrated values are mapped onto.
type OutputScale string

const (
	// Scale0To100 maps human ratings (0-3) onto the 0-100 score range.
	Scale0To100 OutputScale = "0_100"
	// Scale0To3 keeps calibrated values on the raw human-rating scale.
	Scale0To3 OutputScale = "0_3"
)

// MinSamples is the smallest paired-sample count a fit will accept.
const MinSamples = 5

var (
	// ErrNotFitted is returned when Transform or Save is called before Fit.
	ErrNotFitted = errors.New("calibrator not fitted")
	// ErrTooFewSamples is returned when Fit receives fewer than MinSamples pairs.
	ErrTooFewSamples = fmt.Errorf("calibration requires at least %d samples", MinSamples)
)

// FitStats records audit information about a fit.
type FitStats struct {
	NSamples    int     `json:"n_samples"`
	NThresholds int     `json:"n_thresholds"`
	OutputScale string  `json:"output_scale"`
	XMin        float64 `json:"x_min"`
	XMax        float64 `json:"x_max"`
	YMin        float64 `json:"y_min"`
	YMax        float64 `json:"y_max"`
}

// Calibrator maps raw model scores (0-100) to calibrated values via a
// monotonic step curve with linear interpolation between breakpoints.
// The zero value is unfitted; call Fit or Load before Transform.
type Calibrator struct {
	fitted      bool
	xThresholds []float64
	yValues     []float64
	stats       FitStats
}

// New returns an unfitted calibrator.
func New() *Calibrator {
	return &Calibrator{}
}

// Fitted reports whether the calibrator holds a usable curve.
func (c *Calibrator) Fitted() bool {
	return c.fitted
}

// Stats returns the fit statistics of the current curve.
func (c *Calibrator) Stats() FitStats {
	return c.stats
}

// Fit builds the calibration curve from paired (model score, human rating)
// samples. Human ratings are on a 0-3 scale and are rescaled to 0-100 when
// scale is Scale0To100. Fails loudly on mismatched lengths or fewer than
// MinSamples pairs: silently producing a wrong curve would corrupt scoring.
func (c *Calibrator) Fit(modelScores, humanRatings []float64, scale OutputScale) error {
	if len(modelScores) != len(humanRatings) {
		return fmt.Errorf("sample length mismatch: %d model scores, %d ratings",
			len(modelScores), len(humanRatings))
	}
	if len(modelScores) < MinSamples {
		return ErrTooFewSamples
	}
	if scale == "" {
		scale = Scale0To100
	}

	n := len(modelScores)
	type pair struct{ x, y float64 }
	pairs := make([]pair, n)
	for i := range modelScores {
		y := humanRatings[i]
		if scale == Scale0To100 {
			y = y / 3.0 * 100.0
		}
		pairs[i] = pair{x: modelScores[i], y: y}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].x < pairs[j].x })

	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, p := range pairs {
		xs[i] = p.x
		ys[i] = p.y
	}
	iso := fitPAV(ys)

	// Collapse to breakpoints where the fitted value actually changes.
	c.xThresholds = c.xThresholds[:0]
	c.yValues = c.yValues[:0]
	for i := range xs {
		if i == 0 || iso[i] != iso[i-1] {
			c.xThresholds = append(c.xThresholds, xs[i])
			c.yValues = append(c.yValues, iso[i])
		}
	}

	// Pad so the curve covers the full [0, 100] domain.
	if c.xThresholds[0] > 0 {
		c.xThresholds = append([]float64{0}, c.xThresholds...)
		c.yValues = append([]float64{c.yValues[0]}, c.yValues...)
	}
	last := len(c.xThresholds) - 1
	if c.xThresholds[last] < 100 {
		c.xThresholds = append(c.xThresholds, 100)
		c.yValues = append(c.yValues, c.yValues[last])
	}

	c.stats = FitStats{
		NSamples:    n,
		NThresholds: len(c.xThresholds),
		OutputScale: string(scale),
		XMin:        xs[0],
		XMax:        xs[n-1],
		YMin:        minOf(ys),
		YMax:        maxOf(ys),
	}
	c.fitted = true

	slog.Info("fitted isotonic calibrator",
		"samples", n, "thresholds", len(c.xThresholds), "scale", scale)
	return nil
}

// fitPAV runs the Pool-Adjacent-Violators algorithm over y values already
// sorted by their x coordinate, returning a non-decreasing sequence.
// Iteration count is bounded to guarantee termination.
func fitPAV(y []float64) []float64 {
	n := len(y)
	iso := make([]float64, n)
	copy(iso, y)

	for iter := 0; iter < n*2; iter++ {
		changed := false
		i := 0
		for i < n-1 {
			if iso[i] > iso[i+1] {
				// Pool the whole violating run into its mean.
				j := i + 1
				for j < n-1 && iso[j] > iso[j+1] {
					j++
				}
				sum := 0.0
				for k := i; k <= j; k++ {
					sum += iso[k]
				}
				mean := sum / float64(j-i+1)
				for k := i; k <= j; k++ {
					iso[k] = mean
				}
				changed = true
				i = j + 1
			} else {
				i++
			}
		}
		if !changed {
			break
		}
	}
	return iso
}

// Transform maps a raw model score through the fitted curve. Input is
// clamped to [0, 100]; values between breakpoints interpolate linearly.
func (c *Calibrator) Transform(score float64) (float64, error) {
	if !c.fitted {
		return 0, ErrNotFitted
	}

	s := math.Max(0, math.Min(100, score))

	for i := 0; i < len(c.xThresholds)-1; i++ {
		if s <= c.xThresholds[i+1] {
			x0, x1 := c.xThresholds[i], c.xThresholds[i+1]
			y0, y1 := c.yValues[i], c.yValues[i+1]
			if x1 == x0 {
				return y0, nil
			}
			t := (s - x0) / (x1 - x0)
			return y0 + t*(y1-y0), nil
		}
	}
	return c.yValues[len(c.yValues)-1], nil
}

// TransformBatch applies Transform to each score.
func (c *Calibrator) TransformBatch(scores []float64) ([]float64, error) {
	out := make([]float64, len(scores))
	for i, s := range scores {
		v, err := c.Transform(s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// MappingRow is one line of the human-readable score mapping table.
type MappingRow struct {
	Raw        float64 `json:"raw"`
	Calibrated float64 `json:"calibrated"`
}

// MappingTable samples the curve at the given step for audit output.
func (c *Calibrator) MappingTable(step int) ([]MappingRow, error) {
	if !c.fitted {
		return nil, ErrNotFitted
	}
	if step <= 0 {
		step = 10
	}
	var rows []MappingRow
	for s := 0; s <= 100; s += step {
		v, err := c.Transform(float64(s))
		if err != nil {
			return nil, err
		}
		rows = append(rows, MappingRow{Raw: float64(s), Calibrated: math.Round(v*10) / 10})
	}
	return rows, nil
}

// artifact is the on-disk calibration document.
type artifact struct {
	XThresholds []float64 `json:"x_thresholds"`
	YValues     []float64 `json:"y_values"`
	FitStats    FitStats  `json:"fit_stats"`
	Version     string    `json:"version"`
}

const artifactVersion = "1.0"

// Save writes the fitted curve and its fit statistics as a JSON artifact.
func (c *Calibrator) Save(path string) error {
	if !c.fitted {
		return ErrNotFitted
	}
	doc := artifact{
		XThresholds: c.xThresholds,
		YValues:     c.yValues,
		FitStats:    c.stats,
		Version:     artifactVersion,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding calibration artifact: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating artifact directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing calibration artifact: %w", err)
	}
	slog.Info("saved calibration artifact", "path", path)
	return nil
}

// Load reads a previously saved artifact. The curve is applied as-is and is
// never refit on load.
func Load(path string) (*Calibrator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading calibration artifact: %w", err)
	}
	var doc artifact
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding calibration artifact: %w", err)
	}
	if len(doc.XThresholds) == 0 || len(doc.XThresholds) != len(doc.YValues) {
		return nil, fmt.Errorf("malformed calibration artifact: %d thresholds, %d values",
			len(doc.XThresholds), len(doc.YValues))
	}
	c := &Calibrator{
		fitted:      true,
		xThresholds: doc.XThresholds,
		yValues:     doc.YValues,
		stats:       doc.FitStats,
	}
	slog.Info("loaded calibration artifact", "path", path, "thresholds", len(doc.XThresholds))
	return c, nil
}

func minOf(vs []float64) float64 {
	m := vs[0]
	for _, v := range vs[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(vs []float64) float64 {
	m := vs[0]
	for _, v := range vs[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
