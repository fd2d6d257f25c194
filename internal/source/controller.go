package source

import (
	"fmt"

	"github.com/rjboer/GoLimeSDR/internal/device"
	"github.com/rjboer/GoLimeSDR/internal/logging"
)

// configure applies the construction-time settings. Settings of a channel
// are read from Params.Channels at that channel's RF index.
func (s *Source) configure() error {
	p := s.params
	check := device.BlockCheck{
		Role:       device.SourceBlock,
		Model:      p.Model,
		Mode:       p.Mode,
		SampleRate: p.SampleRate,
		Oversample: p.Oversample,
		FromFile:   p.FromFile,
		Path:       p.SettingsFile,
	}

	if p.FromFile {
		if err := s.reg.SettingsFromFile(s.dev, p.SettingsFile); err != nil {
			return err
		}
		check.SampleRate, check.Oversample = 0, 0
		if err := s.reg.CheckBlocks(s.dev, check); err != nil {
			return err
		}
		s.streams.role = check.Role
		return nil
	}

	if err := s.reg.CheckBlocks(s.dev, check); err != nil {
		return err
	}
	s.streams.role = check.Role
	channels := s.topo.Channels()
	first := channels[0]
	if err := s.reg.SetChipMode(s.dev, p.Mode, first, device.RX); err != nil {
		return err
	}
	if err := s.reg.SetRFFreq(s.dev, device.RX, first, p.RFFreq); err != nil {
		return err
	}
	if err := s.applySampleRate(p.SampleRate, p.Oversample); err != nil {
		return err
	}
	for _, ch := range channels {
		if err := s.configureChannel(ch, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Source) configureChannel(ch int, p Params) error {
	c := p.Channels[ch]
	if err := s.reg.SetAnalogFilter(s.dev, device.RX, ch, c.AnalogFilter, c.AnalogBandwidth); err != nil {
		return err
	}
	if err := s.reg.SetDigitalFilter(s.dev, device.RX, ch, c.DigitalFilter, c.DigitalBandwidth); err != nil {
		return err
	}
	path := lnaPath(p, s.caps, ch)
	if err := s.reg.SetAntenna(s.dev, ch, device.RX, path); err != nil {
		return err
	}
	if err := s.reg.SetGain(s.dev, device.RX, ch, c.GainDB); err != nil {
		return err
	}
	err := s.reg.Calibrate(s.dev, device.Calibration{
		Enable:    c.Calibration,
		Dir:       device.RX,
		Channel:   ch,
		Bandwidth: c.CalibrationBandwidth,
		RFFreq:    p.RFFreq,
		Path:      path,
	})
	if err != nil {
		return err
	}
	return s.reg.SetNCO(s.dev, device.RX, ch, c.NCOFreq, 0)
}

func (s *Source) applySampleRate(rate float64, oversample int) error {
	if s.caps.IndependentRates {
		return s.reg.SetSampleRateDir(s.dev, device.RX, rate, oversample)
	}
	return s.reg.SetSampleRate(s.dev, rate, oversample)
}

// lnaPath returns the RX input of ch. Single channel boards have their own
// path parameter.
func lnaPath(p Params, caps device.Capabilities, ch int) int {
	if caps.MaxChannels < 2 {
		return p.LNAPathMini
	}
	return p.Channels[ch].LNAPath
}

// supports reports whether the board has channel ch and logs the skipped
// setting when it does not.
func (s *Source) supports(setting string, ch int) bool {
	if s.model.SupportsChannel(ch) {
		return true
	}
	s.logger.Info("setting bypassed",
		logging.F("setting", setting), logging.F("channel", ch),
		logging.F("reason", fmt.Sprintf("%s does not support channel %d", s.caps.Name, ch)))
	return false
}

// mutate applies one runtime change. The change runs outside the block
// mutex since the registry serializes device access; update records the new
// value once the device accepted it.
func (s *Source) mutate(setting string, apply func() error, update func(p *Params)) error {
	if s.closed() {
		return ErrClosed
	}
	if err := apply(); err != nil {
		return fmt.Errorf("%s: %w", setting, err)
	}
	s.mu.Lock()
	if update != nil {
		update(&s.params)
	}
	s.mu.Unlock()
	s.retag.Store(true)
	return nil
}

func (s *Source) closed() bool {
	s.streams.mu.RLock()
	defer s.streams.mu.RUnlock()
	return s.streams.released
}

// SetRFFreq retunes the RX LO, which all RX channels share.
func (s *Source) SetRFFreq(freq float64) error {
	ch := s.topo.channels[0]
	return s.mutate("set RF frequency",
		func() error { return s.reg.SetRFFreq(s.dev, device.RX, ch, freq) },
		func(p *Params) { p.RFFreq = freq })
}

// SetNCO shifts channel ch by freq; zero disables the NCO.
func (s *Source) SetNCO(freq float64, ch int) error {
	if !s.supports("NCO", ch) {
		return nil
	}
	return s.mutate("set NCO",
		func() error { return s.reg.SetNCO(s.dev, device.RX, ch, freq, 0) },
		func(p *Params) { p.Channels[ch].NCOFreq = freq })
}

// SetLNAPath selects the RX input of channel ch.
func (s *Source) SetLNAPath(path, ch int) error {
	if !s.supports("LNA path", ch) {
		return nil
	}
	single := s.caps.MaxChannels < 2
	return s.mutate("set LNA path",
		func() error { return s.reg.SetAntenna(s.dev, ch, device.RX, path) },
		func(p *Params) {
			if single {
				p.LNAPathMini = path
				return
			}
			p.Channels[ch].LNAPath = path
		})
}

// SetAnalogFilter configures the analog low-pass filter of channel ch.
func (s *Source) SetAnalogFilter(enable bool, bandwidth float64, ch int) error {
	if !s.supports("analog filter", ch) {
		return nil
	}
	return s.mutate("set analog filter",
		func() error { return s.reg.SetAnalogFilter(s.dev, device.RX, ch, enable, bandwidth) },
		func(p *Params) { p.Channels[ch].AnalogFilter, p.Channels[ch].AnalogBandwidth = enable, bandwidth })
}

// SetDigitalFilter configures the digital low-pass filter of channel ch.
func (s *Source) SetDigitalFilter(enable bool, bandwidth float64, ch int) error {
	if !s.supports("digital filter", ch) {
		return nil
	}
	return s.mutate("set digital filter",
		func() error { return s.reg.SetDigitalFilter(s.dev, device.RX, ch, enable, bandwidth) },
		func(p *Params) { p.Channels[ch].DigitalFilter, p.Channels[ch].DigitalBandwidth = enable, bandwidth })
}

// SetGain sets the gain of channel ch in dB.
func (s *Source) SetGain(gainDB, ch int) error {
	if !s.supports("gain", ch) {
		return nil
	}
	return s.mutate("set gain",
		func() error { return s.reg.SetGain(s.dev, device.RX, ch, gainDB) },
		func(p *Params) { p.Channels[ch].GainDB = gainDB })
}

// SetSampleRate changes the RX sample rate keeping the oversampling.
func (s *Source) SetSampleRate(rate float64) error {
	oversample := s.Params().Oversample
	return s.mutate("set sample rate",
		func() error { return s.applySampleRate(rate, oversample) },
		func(p *Params) { p.SampleRate = rate })
}

// SetOversampling changes the oversampling keeping the sample rate.
func (s *Source) SetOversampling(oversample int) error {
	rate := s.Params().SampleRate
	return s.mutate("set oversampling",
		func() error { return s.applySampleRate(rate, oversample) },
		func(p *Params) { p.Oversample = oversample })
}

// Calibrate calibrates channel ch over bandwidth at the current frequency.
func (s *Source) Calibrate(bandwidth float64, ch int) error {
	if !s.supports("calibration", ch) {
		return nil
	}
	p := s.Params()
	cal := device.Calibration{
		Enable:    true,
		Dir:       device.RX,
		Channel:   ch,
		Bandwidth: bandwidth,
		RFFreq:    p.RFFreq,
		Path:      lnaPath(p, s.caps, ch),
	}
	return s.mutate("calibrate",
		func() error { return s.reg.Calibrate(s.dev, cal) },
		func(p *Params) { p.Channels[ch].Calibration, p.Channels[ch].CalibrationBandwidth = true, bandwidth })
}

// SetBufferSize rebuilds the streams with a FIFO of size samples. The
// streams must be stopped.
func (s *Source) SetBufferSize(size int) error {
	if size <= 0 {
		return fmt.Errorf("set buffer size: %w: %d samples", device.ErrConfiguration, size)
	}
	rate := s.Params().SampleRate
	return s.mutate("set buffer size",
		func() error { return s.streams.resize(rate, size) },
		func(p *Params) { p.BufferSize = size })
}

// SetTCXODAC trims the reference clock.
func (s *Source) SetTCXODAC(value uint16) error {
	return s.mutate("set TCXO DAC",
		func() error { return s.reg.SetTCXODAC(s.dev, value) },
		nil)
}
