package source

import (
	"time"

	"github.com/rjboer/GoLimeSDR/internal/device"
)

const (
	// DefaultRecvTimeout bounds every stream receive.
	DefaultRecvTimeout = 100 * time.Millisecond
	// DefaultStatsInterval is the minimum spacing of stream status reports.
	DefaultStatsInterval = time.Second
	// TimeTagKey is the key of timing tags.
	TimeTagKey = "rx_time"

	// fifoDivisor sizes the stream FIFO to rate/10000 samples.
	fifoDivisor         = 10000
	throughputVsLatency = 0.5
)

// ChannelParams are the per-channel RF settings.
type ChannelParams struct {
	Calibration          bool    `json:"calibration"`
	CalibrationBandwidth float64 `json:"calibration_bandwidth"`
	// LNAPath selects the RX input on multi-channel boards
	// (1 LNAH, 2 LNAL, 3 LNAW).
	LNAPath          int     `json:"lna_path"`
	AnalogFilter     bool    `json:"analog_filter"`
	AnalogBandwidth  float64 `json:"analog_bandwidth"`
	DigitalFilter    bool    `json:"digital_filter"`
	DigitalBandwidth float64 `json:"digital_bandwidth"`
	GainDB           int     `json:"gain_db"`
	NCOFreq          float64 `json:"nco_freq"`
}

// Params are the construction parameters of a Source.
type Params struct {
	Serial string             `json:"serial"`
	Model  device.Model       `json:"model"`
	Mode   device.ChannelMode `json:"channel_mode"`

	// FromFile loads SettingsFile instead of applying the RF settings below.
	FromFile     bool   `json:"from_file"`
	SettingsFile string `json:"settings_file"`

	RFFreq     float64 `json:"rf_freq"`
	SampleRate float64 `json:"sample_rate"`
	Oversample int     `json:"oversample"`
	// LNAPathMini selects the RX input on single channel boards
	// (1 LNAH, 3 LNAW).
	LNAPathMini int              `json:"lna_path_mini"`
	Channels    [2]ChannelParams `json:"channels"`

	// BufferSize overrides the stream FIFO depth in samples; zero sizes it
	// from the sample rate.
	BufferSize    int           `json:"buffer_size"`
	RecvTimeout   time.Duration `json:"recv_timeout"`
	StatsInterval time.Duration `json:"stats_interval"`
}

// DefaultParams returns a single channel LimeSDR-USB setup at 100 MHz.
func DefaultParams() Params {
	ch := ChannelParams{
		CalibrationBandwidth: 5e6,
		LNAPath:              2,
		AnalogFilter:         true,
		AnalogBandwidth:      5e6,
		DigitalBandwidth:     5e6,
		GainDB:               30,
	}
	return Params{
		Model:         device.LimeSDRUSB,
		Mode:          device.ChannelA,
		RFFreq:        100e6,
		SampleRate:    5e6,
		Oversample:    0,
		LNAPathMini:   3,
		Channels:      [2]ChannelParams{ch, ch},
		RecvTimeout:   DefaultRecvTimeout,
		StatsInterval: DefaultStatsInterval,
	}
}

// fifoSize returns the stream FIFO depth for rate, honoring override. It is
// zero below fifoDivisor samples per second.
func fifoSize(rate float64, override int) int {
	if override > 0 {
		return override
	}
	return int(rate) / fifoDivisor
}
