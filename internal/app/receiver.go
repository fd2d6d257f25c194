package app

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/rjboer/GoLimeSDR/internal/dsp"
	"github.com/rjboer/GoLimeSDR/internal/logging"
	"github.com/rjboer/GoLimeSDR/internal/pipeline"
	"github.com/rjboer/GoLimeSDR/internal/source"
	"github.com/rjboer/GoLimeSDR/internal/telemetry"
)

// Config captures application level configuration.
type Config struct {
	// BufferSize is the number of samples per port handed to each Work
	// call.
	BufferSize int
	// WarmupBuffers output blocks are discarded after start while the
	// front end settles.
	WarmupBuffers int
	SampleRate    float64
	// SpectrumPort is the port the spectrum probe watches.
	SpectrumPort int
	Source       string
}

// Summary counts what a receiver delivered.
type Summary struct {
	Blocks    uint64
	Samples   []uint64
	TimeTags  int
	Discarded int
	Spectra   int
}

// Receiver drives a source block through a pipeline runner, optionally
// writes the samples of port 0 to a sink and feeds the spectrum probe.
type Receiver struct {
	block  pipeline.Block
	hub    *telemetry.Hub
	sink   io.Writer
	logger logging.Logger
	cfg    Config

	analyzer *dsp.Analyzer
	warmup   int
	summary  Summary
	encoded  []byte
}

// NewReceiver wires block to hub. hub and sink may be nil.
func NewReceiver(block pipeline.Block, hub *telemetry.Hub, sink io.Writer, logger logging.Logger, cfg Config) *Receiver {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 4096
	}
	if cfg.WarmupBuffers == 0 {
		cfg.WarmupBuffers = 3
	}
	return &Receiver{
		block:  block,
		hub:    hub,
		sink:   sink,
		logger: logger.With(logging.F("subsystem", "receiver")),
		cfg:    cfg,
		summary: Summary{
			Samples: make([]uint64, block.Ports()),
		},
	}
}

// Run streams until ctx is canceled. Cancellation is not an error.
func (r *Receiver) Run(ctx context.Context) error {
	runner, err := pipeline.NewRunner(r.block, r.cfg.BufferSize, r.logger)
	if err != nil {
		return err
	}
	r.warmup = r.cfg.WarmupBuffers
	if r.warmup < 0 {
		r.warmup = 0
	}

	start := time.Now()
	err = runner.Run(ctx, r.consume)
	r.logger.Info("receiver stopped",
		logging.F("blocks", r.summary.Blocks),
		logging.F("time_tags", r.summary.TimeTags),
		logging.F("elapsed_ms", time.Since(start).Seconds()*1000))
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Summary returns the delivery counters. Call it after Run returned.
func (r *Receiver) Summary() Summary {
	s := r.summary
	s.Samples = append([]uint64(nil), s.Samples...)
	return s
}

func (r *Receiver) consume(out pipeline.Output) error {
	for _, tag := range out.Tags {
		if tag.Key != source.TimeTagKey {
			continue
		}
		r.summary.TimeTags++
		r.logger.Debug("time tag", logging.F("port", tag.Port), logging.F("offset", tag.Offset), logging.F("value", tag.Value))
	}

	last := out.Port == r.block.Ports()-1
	if r.warmup > 0 {
		if last {
			r.warmup--
			r.summary.Discarded++
			r.logger.Debug("warmup buffer discarded", logging.F("index", r.summary.Discarded))
		}
		return nil
	}

	r.summary.Samples[out.Port] += uint64(len(out.Samples))
	if last {
		r.summary.Blocks++
	}
	if out.Port == r.cfg.SpectrumPort {
		r.probe(out.Samples)
	}
	if r.sink != nil && out.Port == 0 {
		if err := r.write(out.Samples); err != nil {
			return fmt.Errorf("write samples: %w", err)
		}
	}
	return nil
}

// probe updates the hub spectrum on every SpectrumEvery-th block.
func (r *Receiver) probe(samples []complex64) {
	if r.hub == nil {
		return
	}
	cfg := r.hub.ConfigSnapshot()
	if r.summary.Blocks%uint64(cfg.SpectrumEvery) != 0 || len(samples) < cfg.SpectrumSize {
		return
	}
	if r.analyzer == nil || r.analyzer.Size() != cfg.SpectrumSize {
		a, err := dsp.NewAnalyzer(cfg.SpectrumSize)
		if err != nil {
			r.logger.Warn("spectrum probe disabled", logging.F("error", err))
			return
		}
		r.analyzer = a
	}
	sp, err := r.analyzer.Analyze(samples, r.cfg.SampleRate)
	if err != nil {
		r.logger.Debug("spectrum probe skipped", logging.F("error", err))
		return
	}
	r.summary.Spectra++
	r.hub.UpdateSpectrum(telemetry.SpectrumSnapshot{
		Source:         r.cfg.Source,
		SampleRate:     sp.SampleRate,
		Bins:           sp.DBFS,
		PeakFreq:       sp.PeakFreq,
		PeakDBFS:       sp.PeakDBFS,
		NoiseFloorDBFS: sp.NoiseFloorDBFS,
	})
}

// write stores samples as interleaved little-endian float32 I/Q.
func (r *Receiver) write(samples []complex64) error {
	need := len(samples) * 8
	if cap(r.encoded) < need {
		r.encoded = make([]byte, need)
	}
	buf := r.encoded[:need]
	for i, v := range samples {
		binary.LittleEndian.PutUint32(buf[i*8:], math.Float32bits(real(v)))
		binary.LittleEndian.PutUint32(buf[i*8+4:], math.Float32bits(imag(v)))
	}
	_, err := r.sink.Write(buf)
	return err
}

// StatsReporter adapts a telemetry reporter to source status reports.
func StatsReporter(rep telemetry.Reporter) func(source.Stats) {
	return func(s source.Stats) {
		rep.Report(telemetry.StatusSample{
			Timestamp:      s.Time,
			Serial:         s.Serial,
			LinkRateMBps:   s.LinkRate / 1e6,
			DroppedPackets: s.DroppedPackets,
			FIFOPercent:    s.FIFOPercent(),
			Samples:        s.Samples,
		})
	}
}
