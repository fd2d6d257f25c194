package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rjboer/GoLimeSDR/internal/device"
	"github.com/rjboer/GoLimeSDR/internal/logging"
)

// StreamState is the lifecycle state of one stream channel.
type StreamState int

const (
	// Unconfigured channels have no stream yet.
	Unconfigured StreamState = iota
	// Configured channels hold a stream that is not running.
	Configured
	// Streaming channels have been started and deliver samples.
	Streaming
	// Destroyed channels released their stream at teardown.
	Destroyed
)

func (s StreamState) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Configured:
		return "configured"
	case Streaming:
		return "streaming"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("StreamState(%d)", int(s))
	}
}

type channelStream struct {
	index  int
	cfg    device.StreamConfig
	stream device.Stream
	state  StreamState
}

// streamManager owns the stream channels of one block.
//
// mu is held for writing while streams are created or destroyed and for
// reading by everything that uses them, so a receive never sees a stream
// being replaced. stateMu guards the per-channel states, which start and stop
// change while a receive is in flight.
type streamManager struct {
	reg     device.Registry
	dev     int
	timeout time.Duration
	logger  logging.Logger
	// role is set once CheckBlocks accepted the block; teardown releases
	// the device under it.
	role device.Role

	mu       sync.RWMutex
	stateMu  sync.Mutex
	channels []*channelStream
	released bool
}

func newStreamManager(reg device.Registry, dev int, channels []int, timeout time.Duration, logger logging.Logger) *streamManager {
	m := &streamManager{reg: reg, dev: dev, timeout: timeout, logger: logger}
	for _, ch := range channels {
		m.channels = append(m.channels, &channelStream{index: ch})
	}
	return m
}

// setup creates every channel's stream. A transport rejection is escalated
// through the registry.
func (m *streamManager) setup(rate float64, bufferSize int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setupLocked(rate, bufferSize)
}

func (m *streamManager) setupLocked(rate float64, bufferSize int) error {
	if m.released {
		return ErrClosed
	}
	conn, err := m.reg.Device(m.dev)
	if err != nil {
		return fmt.Errorf("%w: %w", device.ErrStreamSetup, err)
	}
	for _, c := range m.channels {
		cfg := device.StreamConfig{
			Channel:             c.index,
			FIFOSize:            fifoSize(rate, bufferSize),
			ThroughputVsLatency: throughputVsLatency,
			Dir:                 device.RX,
			Format:              device.FormatF32,
		}
		stream, err := conn.SetupStream(cfg)
		if err != nil {
			cause := fmt.Errorf("%w: channel %d: %w", device.ErrStreamSetup, c.index, err)
			return m.reg.Error(m.dev, cause)
		}
		m.setState(c, Configured)
		c.cfg, c.stream = cfg, stream
		m.logger.Info("stream setup done", logging.F("channel", c.index), logging.F("device", m.dev), logging.F("fifo", cfg.FIFOSize))
	}
	return nil
}

// resize rebuilds every stream with a new FIFO depth. Streams must not be
// running.
func (m *streamManager) resize(rate float64, bufferSize int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return ErrClosed
	}
	for _, c := range m.channels {
		if m.state(c) == Streaming {
			return ErrStreamActive
		}
	}
	for _, c := range m.channels {
		if c.stream == nil {
			continue
		}
		if err := c.stream.Destroy(); err != nil {
			return fmt.Errorf("destroy channel %d: %w", c.index, err)
		}
		c.stream = nil
		m.setState(c, Unconfigured)
	}
	return m.setupLocked(rate, bufferSize)
}

// start starts every configured channel under the device-wide lock. A
// failing channel does not roll back the ones already started.
func (m *streamManager) start() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.released {
		return ErrClosed
	}
	err := m.reg.Exclusive(func() error {
		m.stateMu.Lock()
		defer m.stateMu.Unlock()

		var errs []error
		for _, c := range m.channels {
			switch c.state {
			case Streaming:
				continue
			case Configured:
			default:
				errs = append(errs, fmt.Errorf("%w: channel %d is %s", device.ErrStreamSetup, c.index, c.state))
				continue
			}
			if err := c.stream.Start(); err != nil {
				errs = append(errs, fmt.Errorf("%w: start channel %d: %w", device.ErrStreamSetup, c.index, err))
				continue
			}
			c.state = Streaming
		}
		return errors.Join(errs...)
	})
	if err != nil {
		return m.reg.Error(m.dev, err)
	}
	return nil
}

// stop stops every running channel under the device-wide lock. Stopping a
// stopped channel is a no-op.
func (m *streamManager) stop() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.reg.Exclusive(func() error {
		m.stateMu.Lock()
		defer m.stateMu.Unlock()

		var errs []error
		for _, c := range m.channels {
			if c.state != Streaming {
				continue
			}
			if err := c.stream.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop channel %d: %w", c.index, err))
			}
			c.state = Configured
		}
		return errors.Join(errs...)
	})
}

// teardown stops and destroys every stream and releases the device. Only
// the first call has any effect.
func (m *streamManager) teardown() error {
	stopErr := m.stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return nil
	}
	m.released = true

	errs := []error{stopErr}
	for _, c := range m.channels {
		if c.stream != nil {
			if err := c.stream.Destroy(); err != nil {
				errs = append(errs, fmt.Errorf("destroy channel %d: %w", c.index, err))
			}
			c.stream = nil
		}
		m.setState(c, Destroyed)
	}
	if err := m.reg.Close(m.dev, m.role); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// receive reads into buf from port i. Any failure counts as no data. The
// caller holds mu for reading.
func (m *streamManager) receive(ctx context.Context, i int, buf []complex64, meta *device.StreamMeta) int {
	c := m.channels[i]
	if c.stream == nil || len(buf) == 0 {
		return 0
	}
	n, err := c.stream.Recv(ctx, buf, meta, m.timeout)
	if err != nil || n < 0 {
		m.logger.Debug("receive miss", logging.F("channel", c.index), logging.F("error", err))
		return 0
	}
	return n
}

// status queries port i. The caller holds mu for reading.
func (m *streamManager) status(i int) (device.StreamStatus, error) {
	c := m.channels[i]
	if c.stream == nil {
		return device.StreamStatus{}, ErrClosed
	}
	return c.stream.Status()
}

func (m *streamManager) states() []StreamState {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	out := make([]StreamState, len(m.channels))
	for i, c := range m.channels {
		out[i] = c.state
	}
	return out
}

func (m *streamManager) state(c *channelStream) StreamState {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return c.state
}

func (m *streamManager) setState(c *channelStream, s StreamState) {
	m.stateMu.Lock()
	c.state = s
	m.stateMu.Unlock()
}
