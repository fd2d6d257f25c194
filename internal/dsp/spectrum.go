// Package dsp computes power spectra of received sample blocks for the
// diagnostics endpoints.
package dsp

import (
	"fmt"
	"math"
	"math/cmplx"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// fullScale is the magnitude of a full scale F32 sample.
const fullScale = 1.0

// Spectrum is one DC-centred power spectrum.
type Spectrum struct {
	Time       time.Time `json:"time"`
	Port       int       `json:"port"`
	SampleRate float64   `json:"sample_rate"`
	// DBFS holds one value per bin, lowest frequency first.
	DBFS []float64 `json:"dbfs"`
	// PeakBin indexes DBFS.
	PeakBin  int     `json:"peak_bin"`
	PeakFreq float64 `json:"peak_freq"`
	PeakDBFS float64 `json:"peak_dbfs"`
	// NoiseFloorDBFS is the median bin level.
	NoiseFloorDBFS float64 `json:"noise_floor_dbfs"`
}

// SNR is the peak level above the noise floor in dB.
func (s Spectrum) SNR() float64 { return s.PeakDBFS - s.NoiseFloorDBFS }

// BinFreq returns the baseband frequency of bin i.
func (s Spectrum) BinFreq(i int) float64 {
	n := len(s.DBFS)
	if n == 0 {
		return 0
	}
	return (float64(i) - float64(n/2)) * s.SampleRate / float64(n)
}

// Analyzer keeps the window and FFT plan of one transform size.
type Analyzer struct {
	mu        sync.Mutex
	size      int
	window    []float64
	windowSum float64
	fft       *fourier.CmplxFFT
	scratch   []complex128
}

// NewAnalyzer prepares an analyzer for size-point transforms.
func NewAnalyzer(size int) (*Analyzer, error) {
	if size < 2 {
		return nil, fmt.Errorf("fft size must be at least 2, got %d", size)
	}
	win := Hamming(size)
	return &Analyzer{
		size:      size,
		window:    win,
		windowSum: floats.Sum(win),
		fft:       fourier.NewCmplxFFT(size),
	}, nil
}

// Size returns the transform size.
func (a *Analyzer) Size() int { return a.size }

// Analyze transforms the first Size samples. Shorter blocks are rejected.
func (a *Analyzer) Analyze(samples []complex64, sampleRate float64) (Spectrum, error) {
	if len(samples) < a.size {
		return Spectrum{}, fmt.Errorf("need %d samples, got %d", a.size, len(samples))
	}

	a.mu.Lock()
	a.scratch = ApplyWindow(a.scratch, samples[:a.size], a.window)
	coeffs := a.fft.Coefficients(nil, a.scratch)
	a.mu.Unlock()

	shifted := Shift(coeffs)
	dbfs := make([]float64, len(shifted))
	for i, v := range shifted {
		mag := cmplx.Abs(v) / a.windowSum
		if mag == 0 {
			dbfs[i] = math.Inf(-1)
			continue
		}
		dbfs[i] = 20 * math.Log10(mag/fullScale)
	}

	peak := floats.MaxIdx(dbfs)
	sp := Spectrum{
		SampleRate:     sampleRate,
		DBFS:           dbfs,
		PeakBin:        peak,
		PeakDBFS:       dbfs[peak],
		NoiseFloorDBFS: median(dbfs),
	}
	sp.PeakFreq = sp.BinFreq(peak)
	return sp, nil
}

// Shift reorders FFT output so that DC is centred.
func Shift(data []complex128) []complex128 {
	n := len(data)
	out := make([]complex128, n)
	half := n / 2
	copy(out, data[half:])
	copy(out[n-half:], data[:half])
	return out
}

func median(v []float64) float64 {
	sorted := append([]float64(nil), v...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}
