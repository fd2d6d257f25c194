package device

import (
	"context"
	"time"
)

// BlockCheck is the configuration a block declares when it attaches to a
// device. The registry compares it against the other blocks on that device.
type BlockCheck struct {
	Role       Role
	Model      Model
	Mode       ChannelMode
	SampleRate float64
	Oversample int
	FromFile   bool
	Path       string
}

// Calibration carries the context for a front-end calibration call.
type Calibration struct {
	Enable    bool
	Dir       Direction
	Channel   int
	Bandwidth float64
	// RFFreq and Path are the tuning and antenna in effect while
	// calibrating; both are restored afterwards.
	RFFreq float64
	Path   int
}

// Registry is the shared device handle registry. A single Registry is shared
// by every block of the process; it reference-counts openers per physical
// device and serializes configuration writes with one device-wide lock.
// Each configuration method takes that lock itself.
type Registry interface {
	Open(id Identity) (int, error)
	// Close releases one opener. role is the role that opener registered
	// through CheckBlocks, or NoRole when it never did.
	Close(dev int, role Role) error
	SettingsFromFile(dev int, path string) error
	CheckBlocks(dev int, check BlockCheck) error

	SetChipMode(dev int, mode ChannelMode, ch int, dir Direction) error
	SetRFFreq(dev int, dir Direction, ch int, freq float64) error
	SetSampleRate(dev int, rate float64, oversample int) error
	SetSampleRateDir(dev int, dir Direction, rate float64, oversample int) error
	SetAnalogFilter(dev int, dir Direction, ch int, enable bool, bandwidth float64) error
	SetDigitalFilter(dev int, dir Direction, ch int, enable bool, bandwidth float64) error
	SetAntenna(dev int, ch int, dir Direction, path int) error
	SetGain(dev int, dir Direction, ch int, gainDB int) error
	Calibrate(dev int, cal Calibration) error
	SetNCO(dev int, dir Direction, ch int, freq, phase float64) error
	SetTCXODAC(dev int, value uint16) error

	// Error escalates a fatal condition; the device refuses further
	// configuration afterwards. The returned error wraps ErrDeviceFailed.
	Error(dev int, cause error) error
	// Device returns the transport handle of an open device.
	Device(dev int) (Conn, error)
	// Exclusive runs fn while holding the device-wide lock. fn must not
	// call back into the Registry.
	Exclusive(fn func() error) error
}

// DataFormat is the sample format of a stream.
type DataFormat int

const (
	FormatF32 DataFormat = iota
	FormatI16
	FormatI12
)

// StreamConfig describes one stream channel.
type StreamConfig struct {
	Channel  int
	FIFOSize int
	// ThroughputVsLatency trades latency (0) for throughput (1).
	ThroughputVsLatency float64
	Dir                 Direction
	Format              DataFormat
}

// StreamMeta is filled by Recv.
type StreamMeta struct {
	// Timestamp is the device sample counter of the first sample returned.
	Timestamp          uint64
	WaitForTimestamp   bool
	FlushPartialPacket bool
}

// StreamStatus is a snapshot of stream health. Querying it resets the
// device's dropped packet counter.
type StreamStatus struct {
	Active          bool
	FIFOFilledCount uint32
	FIFOSize        uint32
	Underrun        uint32
	Overrun         uint32
	DroppedPackets  uint32
	SampleRate      float64
	// LinkRate is the transport throughput in bytes per second.
	LinkRate  float64
	Timestamp uint64
}

// Conn is the opaque transport handle of an open device.
type Conn interface {
	SetupStream(cfg StreamConfig) (Stream, error)
}

// Stream is one DMA stream channel.
type Stream interface {
	Start() error
	Stop() error
	Destroy() error
	// Recv blocks until samples arrive, timeout elapses, the stream is
	// stopped or ctx is done. It returns the number of samples written to
	// buf.
	Recv(ctx context.Context, buf []complex64, meta *StreamMeta, timeout time.Duration) (int, error)
	Status() (StreamStatus, error)
}

// Driver opens boards for the Handler. It stands for the vendor library.
type Driver interface {
	Open(id Identity) (Radio, error)
}

// Radio is a vendor board handle. Calls on one Radio are serialized by the
// Handler's lock.
type Radio interface {
	Conn
	LoadConfig(path string) error
	EnableChannel(dir Direction, ch int, enable bool) error
	SetLOFrequency(dir Direction, ch int, freq float64) error
	SetSampleRate(rate float64, oversample int) error
	SetSampleRateDir(dir Direction, rate float64, oversample int) error
	SetLPF(dir Direction, ch int, enable bool, bandwidth float64) error
	SetGFIRLPF(dir Direction, ch int, enable bool, bandwidth float64) error
	SetAntenna(dir Direction, ch int, path int) error
	SetGaindB(dir Direction, ch int, gain uint) error
	Calibrate(dir Direction, ch int, bandwidth float64) error
	SetNCOFrequency(dir Direction, ch int, freq, phase float64) error
	WriteTCXODAC(value uint16) error
	Close() error
}
