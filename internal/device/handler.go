package device

import (
	"fmt"
	"sync"

	"github.com/rjboer/GoLimeSDR/internal/logging"
)

const (
	minLPFBandwidth = 1.5e6
	maxLPFBandwidth = 130e6
	maxGainDB       = 73
	maxAntennaPath  = 3
)

// Handler is the in-process Registry. It keeps one Radio per serial number
// open for as long as at least one block holds it.
type Handler struct {
	mu      sync.Mutex
	driver  Driver
	logger  logging.Logger
	next    int
	devices map[int]*openDevice
	serials map[string]int
}

type openDevice struct {
	id      Identity
	caps    Capabilities
	radio   Radio
	openers int
	blocks  map[Role]BlockCheck
	failed  error
}

var _ Registry = (*Handler)(nil)

// NewHandler builds a registry that opens boards through driver.
func NewHandler(driver Driver, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		driver:  driver,
		logger:  logger.With(logging.F("subsystem", "device")),
		devices: make(map[int]*openDevice),
		serials: make(map[string]int),
	}
}

// Open returns the device number for id, opening the board on first use.
func (h *Handler) Open(id Identity) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if num, ok := h.serials[id.Serial]; ok {
		d := h.devices[num]
		if d.id.Model != id.Model {
			return 0, fmt.Errorf("%w: serial %q is a %s, not a %s", ErrConfiguration, id.Serial, d.id.Model, id.Model)
		}
		d.openers++
		h.logger.Debug("device reused", logging.F("device", num), logging.F("openers", d.openers))
		return num, nil
	}

	caps, ok := id.Model.Capabilities()
	if !ok {
		return 0, fmt.Errorf("%w: unsupported model %s", ErrConfiguration, id.Model)
	}
	radio, err := h.driver.Open(id)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", id, err)
	}

	num := h.next
	h.next++
	h.devices[num] = &openDevice{
		id:      id,
		caps:    caps,
		radio:   radio,
		openers: 1,
		blocks:  make(map[Role]BlockCheck),
	}
	h.serials[id.Serial] = num
	h.logger.Info("device opened", logging.F("device", num), logging.F("id", id.String()))
	return num, nil
}

// Close detaches role from dev and closes the board when no openers remain.
// NoRole leaves the attached blocks untouched.
func (h *Handler) Close(dev int, role Role) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, ok := h.devices[dev]
	if !ok {
		return fmt.Errorf("close device %d: %w", dev, ErrUnknownDevice)
	}
	if role != NoRole {
		delete(d.blocks, role)
	}
	d.openers--
	if d.openers > 0 {
		h.logger.Debug("device released", logging.F("device", dev), logging.F("role", role), logging.F("openers", d.openers))
		return nil
	}

	delete(h.devices, dev)
	delete(h.serials, d.id.Serial)
	if err := d.radio.Close(); err != nil {
		return fmt.Errorf("close device %d: %w", dev, err)
	}
	h.logger.Info("device closed", logging.F("device", dev), logging.F("id", d.id.String()))
	return nil
}

// Openers returns how many blocks currently hold serial.
func (h *Handler) Openers(serial string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if num, ok := h.serials[serial]; ok {
		return h.devices[num].openers
	}
	return 0
}

// SettingsFromFile loads a vendor settings file into the board.
func (h *Handler) SettingsFromFile(dev int, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, err := h.live(dev)
	if err != nil {
		return err
	}
	if err := d.radio.LoadConfig(path); err != nil {
		return fmt.Errorf("load settings %q: %w", path, err)
	}
	h.logger.Info("settings loaded from file", logging.F("device", dev), logging.F("path", path))
	return nil
}

// CheckBlocks registers check for dev and verifies it agrees with every
// other block already attached to the same board.
func (h *Handler) CheckBlocks(dev int, check BlockCheck) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, err := h.live(dev)
	if err != nil {
		return err
	}
	if _, dup := d.blocks[check.Role]; dup {
		return fmt.Errorf("%w: a %s block is already attached to device %d", ErrConfiguration, check.Role, dev)
	}
	for role, other := range d.blocks {
		if other.Mode != check.Mode {
			return fmt.Errorf("%w: %s channel mode %s differs from %s channel mode %s",
				ErrConfiguration, check.Role, check.Mode, role, other.Mode)
		}
		if other.FromFile != check.FromFile || other.Path != check.Path {
			return fmt.Errorf("%w: %s and %s must load the same settings file", ErrConfiguration, check.Role, role)
		}
		if check.FromFile || d.caps.IndependentRates {
			continue
		}
		if other.SampleRate != check.SampleRate || other.Oversample != check.Oversample {
			return fmt.Errorf("%w: %s requires RX and TX to share one sample rate (%s has %.0f/%d, %s wants %.0f/%d)",
				ErrConfiguration, d.caps.Name, role, other.SampleRate, other.Oversample,
				check.Role, check.SampleRate, check.Oversample)
		}
	}
	d.blocks[check.Role] = check
	return nil
}

// SetChipMode enables the channels required by mode in direction dir.
func (h *Handler) SetChipMode(dev int, mode ChannelMode, ch int, dir Direction) error {
	return h.do(dev, func(d *openDevice) error {
		channels := []int{ch}
		if mode == MIMO {
			channels = []int{0, 1}
		}
		for _, c := range channels {
			if err := d.radio.EnableChannel(dir, c, true); err != nil {
				return fmt.Errorf("enable %s channel %d: %w", dir, c, err)
			}
		}
		h.logger.Info("chip mode set", logging.F("device", dev), logging.F("mode", mode), logging.F("dir", dir))
		return nil
	})
}

// SetRFFreq tunes the LO for dir.
func (h *Handler) SetRFFreq(dev int, dir Direction, ch int, freq float64) error {
	if freq <= 0 {
		return fmt.Errorf("%w: RF frequency %.0f Hz", ErrConfiguration, freq)
	}
	return h.do(dev, func(d *openDevice) error {
		if err := d.radio.SetLOFrequency(dir, ch, freq); err != nil {
			return fmt.Errorf("set %s RF frequency: %w", dir, err)
		}
		h.logger.Info("RF frequency set", logging.F("device", dev), logging.F("dir", dir), logging.F("freq_hz", freq))
		return nil
	})
}

// SetSampleRate sets one sample rate for both directions.
func (h *Handler) SetSampleRate(dev int, rate float64, oversample int) error {
	if err := validateRate(rate, oversample); err != nil {
		return err
	}
	return h.do(dev, func(d *openDevice) error {
		if err := d.radio.SetSampleRate(rate, oversample); err != nil {
			return fmt.Errorf("set sample rate: %w", err)
		}
		h.logger.Info("sample rate set", logging.F("device", dev), logging.F("rate", rate), logging.F("oversample", oversample))
		return nil
	})
}

// SetSampleRateDir sets the sample rate of one direction.
func (h *Handler) SetSampleRateDir(dev int, dir Direction, rate float64, oversample int) error {
	if err := validateRate(rate, oversample); err != nil {
		return err
	}
	return h.do(dev, func(d *openDevice) error {
		if !d.caps.IndependentRates {
			return fmt.Errorf("%w: %s cannot set a per-direction sample rate", ErrConfiguration, d.caps.Name)
		}
		if err := d.radio.SetSampleRateDir(dir, rate, oversample); err != nil {
			return fmt.Errorf("set %s sample rate: %w", dir, err)
		}
		h.logger.Info("sample rate set", logging.F("device", dev), logging.F("dir", dir), logging.F("rate", rate), logging.F("oversample", oversample))
		return nil
	})
}

// SetAnalogFilter configures the analog low-pass filter.
func (h *Handler) SetAnalogFilter(dev int, dir Direction, ch int, enable bool, bandwidth float64) error {
	if enable && (bandwidth < minLPFBandwidth || bandwidth > maxLPFBandwidth) {
		return fmt.Errorf("%w: analog filter bandwidth %.0f Hz outside [%.0f, %.0f]",
			ErrConfiguration, bandwidth, minLPFBandwidth, maxLPFBandwidth)
	}
	return h.do(dev, func(d *openDevice) error {
		if err := d.radio.SetLPF(dir, ch, enable, bandwidth); err != nil {
			return fmt.Errorf("set %s analog filter channel %d: %w", dir, ch, err)
		}
		h.logger.Info("analog filter set", logging.F("device", dev), logging.F("channel", ch), logging.F("enabled", enable), logging.F("bandwidth", bandwidth))
		return nil
	})
}

// SetDigitalFilter configures the GFIR low-pass filter.
func (h *Handler) SetDigitalFilter(dev int, dir Direction, ch int, enable bool, bandwidth float64) error {
	if enable && bandwidth <= 0 {
		return fmt.Errorf("%w: digital filter bandwidth %.0f Hz", ErrConfiguration, bandwidth)
	}
	return h.do(dev, func(d *openDevice) error {
		if err := d.radio.SetGFIRLPF(dir, ch, enable, bandwidth); err != nil {
			return fmt.Errorf("set %s digital filter channel %d: %w", dir, ch, err)
		}
		h.logger.Info("digital filter set", logging.F("device", dev), logging.F("channel", ch), logging.F("enabled", enable), logging.F("bandwidth", bandwidth))
		return nil
	})
}

// SetAntenna selects the LNA/antenna path.
func (h *Handler) SetAntenna(dev int, ch int, dir Direction, path int) error {
	if path < 0 || path > maxAntennaPath {
		return fmt.Errorf("%w: antenna path %d", ErrConfiguration, path)
	}
	return h.do(dev, func(d *openDevice) error {
		if err := d.radio.SetAntenna(dir, ch, path); err != nil {
			return fmt.Errorf("set %s antenna channel %d: %w", dir, ch, err)
		}
		h.logger.Info("antenna set", logging.F("device", dev), logging.F("channel", ch), logging.F("path", path))
		return nil
	})
}

// SetGain sets the overall gain in dB.
func (h *Handler) SetGain(dev int, dir Direction, ch int, gainDB int) error {
	if gainDB < 0 || gainDB > maxGainDB {
		return fmt.Errorf("%w: gain %d dB outside [0, %d]", ErrConfiguration, gainDB, maxGainDB)
	}
	return h.do(dev, func(d *openDevice) error {
		if err := d.radio.SetGaindB(dir, ch, uint(gainDB)); err != nil {
			return fmt.Errorf("set %s gain channel %d: %w", dir, ch, err)
		}
		h.logger.Info("gain set", logging.F("device", dev), logging.F("channel", ch), logging.F("gain_db", gainDB))
		return nil
	})
}

// Calibrate runs front-end calibration when cal.Enable is set. Boards with a
// minimum calibration frequency are calibrated there and retuned to
// cal.RFFreq; the antenna path is reapplied afterwards.
func (h *Handler) Calibrate(dev int, cal Calibration) error {
	if !cal.Enable {
		return nil
	}
	if cal.Bandwidth <= 0 {
		return fmt.Errorf("%w: calibration bandwidth %.0f Hz", ErrConfiguration, cal.Bandwidth)
	}
	return h.do(dev, func(d *openDevice) error {
		retune := d.caps.MinCalibrationFreq > 0 && cal.RFFreq < d.caps.MinCalibrationFreq
		if retune {
			if err := d.radio.SetLOFrequency(cal.Dir, cal.Channel, d.caps.MinCalibrationFreq); err != nil {
				return fmt.Errorf("tune for calibration: %w", err)
			}
		}
		if err := d.radio.Calibrate(cal.Dir, cal.Channel, cal.Bandwidth); err != nil {
			return fmt.Errorf("calibrate %s channel %d: %w", cal.Dir, cal.Channel, err)
		}
		if retune {
			if err := d.radio.SetLOFrequency(cal.Dir, cal.Channel, cal.RFFreq); err != nil {
				return fmt.Errorf("restore RF frequency after calibration: %w", err)
			}
		}
		if err := d.radio.SetAntenna(cal.Dir, cal.Channel, cal.Path); err != nil {
			return fmt.Errorf("restore antenna after calibration: %w", err)
		}
		h.logger.Info("calibration done", logging.F("device", dev), logging.F("channel", cal.Channel), logging.F("bandwidth", cal.Bandwidth))
		return nil
	})
}

// SetNCO applies a frequency offset with the NCO; freq 0 disables it.
func (h *Handler) SetNCO(dev int, dir Direction, ch int, freq, phase float64) error {
	return h.do(dev, func(d *openDevice) error {
		if err := d.radio.SetNCOFrequency(dir, ch, freq, phase); err != nil {
			return fmt.Errorf("set %s NCO channel %d: %w", dir, ch, err)
		}
		h.logger.Info("NCO set", logging.F("device", dev), logging.F("channel", ch), logging.F("freq_hz", freq))
		return nil
	})
}

// SetTCXODAC trims the reference clock oscillator.
func (h *Handler) SetTCXODAC(dev int, value uint16) error {
	return h.do(dev, func(d *openDevice) error {
		if err := d.radio.WriteTCXODAC(value); err != nil {
			return fmt.Errorf("write TCXO DAC: %w", err)
		}
		h.logger.Info("TCXO DAC set", logging.F("device", dev), logging.F("value", value))
		return nil
	})
}

// Error marks dev as failed.
func (h *Handler) Error(dev int, cause error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if d, ok := h.devices[dev]; ok && d.failed == nil {
		d.failed = cause
	}
	h.logger.Error("device failure", logging.F("device", dev), logging.F("error", cause))
	return fmt.Errorf("device %d: %w: %w", dev, ErrDeviceFailed, cause)
}

// Device returns the transport of dev.
func (h *Handler) Device(dev int) (Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, err := h.live(dev)
	if err != nil {
		return nil, err
	}
	return d.radio, nil
}

// Exclusive runs fn under the device-wide lock.
func (h *Handler) Exclusive(fn func() error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn()
}

func (h *Handler) do(dev int, fn func(d *openDevice) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, err := h.live(dev)
	if err != nil {
		return err
	}
	return fn(d)
}

func (h *Handler) live(dev int) (*openDevice, error) {
	d, ok := h.devices[dev]
	if !ok {
		return nil, fmt.Errorf("device %d: %w", dev, ErrUnknownDevice)
	}
	if d.failed != nil {
		return nil, fmt.Errorf("device %d: %w: %v", dev, ErrDeviceFailed, d.failed)
	}
	return d, nil
}

func validateRate(rate float64, oversample int) error {
	if rate <= 0 {
		return fmt.Errorf("%w: sample rate %.0f", ErrConfiguration, rate)
	}
	switch oversample {
	case 0, 1, 2, 4, 8, 16, 32:
		return nil
	}
	return fmt.Errorf("%w: oversampling %d is not one of 0,1,2,4,8,16,32", ErrConfiguration, oversample)
}
