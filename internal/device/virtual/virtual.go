// Package virtual is an in-process LimeSDR stand-in. It synthesizes a
// complex tone on every RX stream, keeps a sample counter timestamp, and lets
// tests inject dropped packets, receive misses and call failures.
package virtual

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rjboer/GoLimeSDR/internal/device"
)

// SamplesPerPacket is the payload of one transport packet; an injected drop
// of N packets advances the timestamp by N*SamplesPerPacket samples.
const SamplesPerPacket = 1360

var (
	errNotStarted = errors.New("stream not started")
	errDestroyed  = errors.New("stream destroyed")
	errStopped    = errors.New("stream stopped")
	errTimeout    = errors.New("receive timeout")
)

// Driver hands out virtual radios keyed by serial.
type Driver struct {
	mu     sync.Mutex
	radios map[string]*Radio
	paced  bool
}

// NewDriver returns a driver. With paced set, receives take as long as the
// samples would take to arrive from hardware.
func NewDriver(paced bool) *Driver {
	return &Driver{radios: make(map[string]*Radio), paced: paced}
}

// Add registers a radio before it is opened so tests can arm failures.
func (d *Driver) Add(id device.Identity) *Radio {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.radios[id.Serial]; ok {
		return r
	}
	r := newRadio(id, d.paced)
	d.radios[id.Serial] = r
	return r
}

// Radio returns the radio registered for serial, or nil.
func (d *Driver) Radio(serial string) *Radio {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.radios[serial]
}

// Open implements device.Driver.
func (d *Driver) Open(id device.Identity) (device.Radio, error) {
	r := d.Add(id)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failure("Open"); err != nil {
		return nil, err
	}
	if r.id.Model != id.Model {
		return nil, fmt.Errorf("serial %q is a %s", id.Serial, r.id.Model)
	}
	if r.open {
		return nil, fmt.Errorf("serial %q already open", id.Serial)
	}
	r.open = true
	return r, nil
}

// ChannelState is the per-channel configuration held by a radio.
type ChannelState struct {
	Enabled       bool
	LPF           bool
	LPFBandwidth  float64
	GFIR          bool
	GFIRBandwidth float64
	Antenna       int
	GainDB        uint
	NCOFreq       float64
	NCOPhase      float64
	Calibrations  int
}

// State is everything a radio was configured with.
type State struct {
	LOFreq     [2]float64
	SampleRate [2]float64
	Oversample [2]int
	TCXODAC    uint16
	ConfigPath string
	Channels   [2][2]ChannelState
}

// Radio implements device.Radio.
type Radio struct {
	mu       sync.Mutex
	id       device.Identity
	paced    bool
	open     bool
	tone     float64
	state    State
	calls    []string
	failures map[string]error
	streams  map[int]*Stream
}

func newRadio(id device.Identity, paced bool) *Radio {
	return &Radio{
		id:       id,
		paced:    paced,
		tone:     100e3,
		failures: make(map[string]error),
		streams:  make(map[int]*Stream),
	}
}

// FailOn makes every later call named call return err. A nil err clears it.
func (r *Radio) FailOn(call string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, call)
		return
	}
	r.failures[call] = err
}

// SetTone sets the baseband tone frequency before NCO shift.
func (r *Radio) SetTone(freq float64) {
	r.mu.Lock()
	r.tone = freq
	r.mu.Unlock()
}

// State returns a copy of the configuration.
func (r *Radio) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Calls returns the configuration calls received, in order.
func (r *Radio) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// IsOpen reports whether the radio is held by a registry.
func (r *Radio) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// Stream returns the RX stream of channel ch, or nil.
func (r *Radio) Stream(ch int) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[ch]
}

func (r *Radio) failure(call string) error {
	if err, ok := r.failures[call]; ok {
		return fmt.Errorf("%s: %w", call, err)
	}
	return nil
}

func (r *Radio) record(format string, args ...any) {
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *Radio) checkChannel(ch int) error {
	if !r.id.Model.SupportsChannel(ch) {
		return fmt.Errorf("%s has no channel %d", r.id.Model, ch)
	}
	return nil
}

// configure runs a configuration call under the radio lock.
func (r *Radio) configure(call string, ch int, apply func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failure(call); err != nil {
		return err
	}
	if ch >= 0 {
		if err := r.checkChannel(ch); err != nil {
			return err
		}
	}
	apply()
	return nil
}

func (r *Radio) LoadConfig(path string) error {
	return r.configure("LoadConfig", -1, func() {
		r.state.ConfigPath = path
		r.record("LoadConfig %s", path)
	})
}

func (r *Radio) EnableChannel(dir device.Direction, ch int, enable bool) error {
	return r.configure("EnableChannel", ch, func() {
		r.state.Channels[dir][ch].Enabled = enable
		r.record("EnableChannel %s %d %t", dir, ch, enable)
	})
}

func (r *Radio) SetLOFrequency(dir device.Direction, ch int, freq float64) error {
	return r.configure("SetLOFrequency", ch, func() {
		r.state.LOFreq[dir] = freq
		r.record("SetLOFrequency %s %d %.0f", dir, ch, freq)
	})
}

func (r *Radio) SetSampleRate(rate float64, oversample int) error {
	return r.configure("SetSampleRate", -1, func() {
		r.state.SampleRate = [2]float64{rate, rate}
		r.state.Oversample = [2]int{oversample, oversample}
		r.record("SetSampleRate %.0f %d", rate, oversample)
	})
}

func (r *Radio) SetSampleRateDir(dir device.Direction, rate float64, oversample int) error {
	return r.configure("SetSampleRateDir", -1, func() {
		r.state.SampleRate[dir] = rate
		r.state.Oversample[dir] = oversample
		r.record("SetSampleRateDir %s %.0f %d", dir, rate, oversample)
	})
}

func (r *Radio) SetLPF(dir device.Direction, ch int, enable bool, bandwidth float64) error {
	return r.configure("SetLPF", ch, func() {
		c := &r.state.Channels[dir][ch]
		c.LPF, c.LPFBandwidth = enable, bandwidth
		r.record("SetLPF %s %d %t %.0f", dir, ch, enable, bandwidth)
	})
}

func (r *Radio) SetGFIRLPF(dir device.Direction, ch int, enable bool, bandwidth float64) error {
	return r.configure("SetGFIRLPF", ch, func() {
		c := &r.state.Channels[dir][ch]
		c.GFIR, c.GFIRBandwidth = enable, bandwidth
		r.record("SetGFIRLPF %s %d %t %.0f", dir, ch, enable, bandwidth)
	})
}

func (r *Radio) SetAntenna(dir device.Direction, ch int, path int) error {
	return r.configure("SetAntenna", ch, func() {
		r.state.Channels[dir][ch].Antenna = path
		r.record("SetAntenna %s %d %d", dir, ch, path)
	})
}

func (r *Radio) SetGaindB(dir device.Direction, ch int, gain uint) error {
	return r.configure("SetGaindB", ch, func() {
		r.state.Channels[dir][ch].GainDB = gain
		r.record("SetGaindB %s %d %d", dir, ch, gain)
	})
}

func (r *Radio) Calibrate(dir device.Direction, ch int, bandwidth float64) error {
	return r.configure("Calibrate", ch, func() {
		r.state.Channels[dir][ch].Calibrations++
		r.record("Calibrate %s %d %.0f", dir, ch, bandwidth)
	})
}

func (r *Radio) SetNCOFrequency(dir device.Direction, ch int, freq, phase float64) error {
	return r.configure("SetNCOFrequency", ch, func() {
		c := &r.state.Channels[dir][ch]
		c.NCOFreq, c.NCOPhase = freq, phase
		r.record("SetNCOFrequency %s %d %.0f %.0f", dir, ch, freq, phase)
	})
}

func (r *Radio) WriteTCXODAC(value uint16) error {
	return r.configure("WriteTCXODAC", -1, func() {
		r.state.TCXODAC = value
		r.record("WriteTCXODAC %d", value)
	})
}

// Close releases the radio so it can be opened again.
func (r *Radio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failure("Close"); err != nil {
		return err
	}
	r.open = false
	r.record("Close")
	return nil
}

// SetupStream implements device.Conn.
func (r *Radio) SetupStream(cfg device.StreamConfig) (device.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failure("SetupStream"); err != nil {
		return nil, err
	}
	if err := r.checkChannel(cfg.Channel); err != nil {
		return nil, err
	}
	if cfg.FIFOSize <= 0 {
		return nil, fmt.Errorf("invalid FIFO size %d", cfg.FIFOSize)
	}
	if cfg.Dir != device.RX {
		return nil, fmt.Errorf("only RX streams are simulated")
	}
	s := &Stream{radio: r, cfg: cfg}
	r.streams[cfg.Channel] = s
	r.record("SetupStream %d %d", cfg.Channel, cfg.FIFOSize)
	return s, nil
}

// rxParams returns what a stream needs to synthesize samples.
func (r *Radio) rxParams(ch int) (rate, freq float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rate = r.state.SampleRate[device.RX]
	if rate <= 0 {
		rate = 1e6
	}
	return rate, r.tone - r.state.Channels[device.RX][ch].NCOFreq
}

// Stream is a virtual RX stream.
type Stream struct {
	radio *Radio
	cfg   device.StreamConfig

	mu        sync.Mutex
	started   bool
	destroyed bool
	stop      chan struct{}
	timestamp uint64
	phase     float64
	dropped   uint32
	missNext  int
	starts    int
	startErr  error
}

// Config returns the configuration the stream was set up with.
func (s *Stream) Config() device.StreamConfig { return s.cfg }

// InjectDrop reports packets dropped on the next Status call and skips
// the corresponding samples in the timeline.
func (s *Stream) InjectDrop(packets uint32) {
	s.mu.Lock()
	s.dropped += packets
	s.timestamp += uint64(packets) * SamplesPerPacket
	s.mu.Unlock()
}

// MissNext makes the next n receives fail as timeouts.
func (s *Stream) MissNext(n int) {
	s.mu.Lock()
	s.missNext = n
	s.mu.Unlock()
}

// Active reports whether the stream is started.
func (s *Stream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Destroyed reports whether Destroy was called.
func (s *Stream) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Starts counts successful Start calls.
func (s *Stream) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

// FailStart makes every Start on this stream return err until cleared
// with nil. Other streams of the radio are unaffected.
func (s *Stream) FailStart(err error) {
	s.mu.Lock()
	s.startErr = err
	s.mu.Unlock()
}

func (s *Stream) Start() error {
	s.radio.mu.Lock()
	err := s.radio.failure("Start")
	s.radio.mu.Unlock()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	if s.destroyed {
		return errDestroyed
	}
	if !s.started {
		s.started = true
		s.starts++
		s.stop = make(chan struct{})
	}
	return nil
}

func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.started = false
		close(s.stop)
	}
	return nil
}

func (s *Stream) Destroy() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.mu.Lock()
	s.destroyed = true
	s.mu.Unlock()

	s.radio.mu.Lock()
	if s.radio.streams[s.cfg.Channel] == s {
		delete(s.radio.streams, s.cfg.Channel)
	}
	s.radio.mu.Unlock()
	return nil
}

func (s *Stream) Recv(ctx context.Context, buf []complex64, meta *device.StreamMeta, timeout time.Duration) (int, error) {
	rate, freq := s.radio.rxParams(s.cfg.Channel)

	s.mu.Lock()
	switch {
	case s.destroyed:
		s.mu.Unlock()
		return 0, errDestroyed
	case !s.started:
		s.mu.Unlock()
		return 0, errNotStarted
	case s.missNext > 0:
		s.missNext--
		s.mu.Unlock()
		return 0, errTimeout
	}
	stop := s.stop
	s.mu.Unlock()

	if s.radio.paced {
		wait := time.Duration(float64(len(buf)) / rate * float64(time.Second))
		if timeout > 0 && wait > timeout {
			wait = timeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-stop:
			return 0, errStopped
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return 0, errStopped
	}
	step := 2 * math.Pi * freq / rate
	for i := range buf {
		noiseI := rand.NormFloat64() * 1e-4
		noiseQ := rand.NormFloat64() * 1e-4
		buf[i] = complex64(complex(math.Cos(s.phase)+noiseI, math.Sin(s.phase)+noiseQ))
		s.phase = math.Mod(s.phase+step, 2*math.Pi)
	}
	if meta != nil {
		meta.Timestamp = s.timestamp
	}
	s.timestamp += uint64(len(buf))
	return len(buf), nil
}

func (s *Stream) Status() (device.StreamStatus, error) {
	rate, _ := s.radio.rxParams(s.cfg.Channel)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return device.StreamStatus{}, errDestroyed
	}
	st := device.StreamStatus{
		Active:          s.started,
		FIFOSize:        uint32(s.cfg.FIFOSize),
		FIFOFilledCount: uint32(s.cfg.FIFOSize / 4),
		DroppedPackets:  s.dropped,
		SampleRate:      rate,
		Timestamp:       s.timestamp,
	}
	if s.started {
		st.LinkRate = rate * 8
	}
	s.dropped = 0
	return st, nil
}
