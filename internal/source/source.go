// Package source exposes the receive path of a LimeSDR board as a pipeline
// block. A Source owns one or two RX stream channels on a device shared
// through a device.Registry, configures the RF front end and turns receive
// calls into output blocks carrying rx_time tags.
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rjboer/GoLimeSDR/internal/device"
	"github.com/rjboer/GoLimeSDR/internal/logging"
	"github.com/rjboer/GoLimeSDR/internal/pipeline"
)

var (
	// ErrStreamActive is returned when a change needs the streams stopped.
	ErrStreamActive = errors.New("stream active")
	// ErrClosed is returned once the block was torn down.
	ErrClosed = errors.New("source closed")
)

// Source is an RX block.
type Source struct {
	reg     device.Registry
	dev     int
	model   device.Model
	topo    Topology
	caps    device.Capabilities
	logger  logging.Logger
	streams *streamManager
	now     func() time.Time

	retag atomic.Bool

	mu         sync.Mutex
	params     Params
	written    []uint64
	meter      statusMeter
	totalDrops uint64
	onStats    func(Stats)
}

var _ pipeline.Block = (*Source)(nil)

// New opens the board named by p, applies its configuration and sets up the
// stream channels. On any failure everything acquired so far is released.
func New(reg device.Registry, p Params, logger logging.Logger) (*Source, error) {
	if reg == nil {
		return nil, errors.New("source: nil registry")
	}
	if logger == nil {
		logger = logging.Default()
	}

	topo, mode, err := Resolve(p.Mode, p.Model)
	if err != nil {
		return nil, err
	}
	p.Mode = mode
	caps, _ := p.Model.Capabilities()
	if p.RecvTimeout <= 0 {
		p.RecvTimeout = DefaultRecvTimeout
	}
	if p.StatsInterval <= 0 {
		p.StatsInterval = DefaultStatsInterval
	}
	if p.FromFile && p.SettingsFile == "" {
		return nil, fmt.Errorf("%w: file mode needs a settings file", device.ErrConfiguration)
	}
	if fifoSize(p.SampleRate, p.BufferSize) < 1 {
		return nil, fmt.Errorf("%w: sample rate %.0f gives an empty stream FIFO, set a buffer size",
			device.ErrConfiguration, p.SampleRate)
	}

	logger = logger.With(logging.F("subsystem", "rx"), logging.F("serial", p.Serial))
	dev, err := reg.Open(device.Identity{Serial: p.Serial, Model: p.Model})
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}

	s := &Source{
		reg:     reg,
		dev:     dev,
		model:   p.Model,
		topo:    topo,
		caps:    caps,
		logger:  logger,
		streams: newStreamManager(reg, dev, topo.Channels(), p.RecvTimeout, logger),
		now:     time.Now,
		params:  p,
		written: make([]uint64, topo.Ports()),
		meter:   statusMeter{interval: p.StatsInterval},
	}
	logger.Info("configuring source", logging.F("model", caps.Name), logging.F("mode", mode), logging.F("topology", topo))

	if err := s.configure(); err != nil {
		return nil, errors.Join(err, s.streams.teardown())
	}
	if err := s.streams.setup(p.SampleRate, p.BufferSize); err != nil {
		return nil, errors.Join(err, s.streams.teardown())
	}
	return s, nil
}

// Ports implements pipeline.Block.
func (s *Source) Ports() int { return s.topo.Ports() }

// Topology returns the resolved channel topology.
func (s *Source) Topology() Topology { return s.topo }

// Params returns a snapshot of the current configuration.
func (s *Source) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// StreamStates returns the state of every port's stream.
func (s *Source) StreamStates() []StreamState { return s.streams.states() }

// SetStatsHandler registers fn to receive every periodic status report.
func (s *Source) SetStatsHandler(fn func(Stats)) {
	s.mu.Lock()
	s.onStats = fn
	s.mu.Unlock()
}

// PendingDrops returns the packets dropped since the last status report.
func (s *Source) PendingDrops() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meter.drops
}

// TotalDrops returns the packets dropped since construction.
func (s *Source) TotalDrops() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalDrops
}

// Start starts every stream channel, resets the loss counter and requests
// a time tag on the next output.
func (s *Source) Start(_ context.Context) error {
	if err := s.streams.start(); err != nil {
		return err
	}
	s.mu.Lock()
	s.meter.reset(s.now())
	s.mu.Unlock()
	s.retag.Store(true)
	s.logger.Info("streaming started", logging.F("ports", s.topo.Ports()))
	return nil
}

// Stop stops every stream channel. It may be called repeatedly and while a
// receive is outstanding.
func (s *Source) Stop() error {
	if err := s.streams.stop(); err != nil {
		return fmt.Errorf("stop streams: %w", err)
	}
	return nil
}

// Close tears the block down and releases the device. Only the first call
// has an effect.
func (s *Source) Close() error {
	return s.streams.teardown()
}
