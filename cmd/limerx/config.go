package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/rjboer/GoLimeSDR/internal/device"
	"github.com/rjboer/GoLimeSDR/internal/logging"
	"github.com/rjboer/GoLimeSDR/internal/source"
)

const envPrefix = "LIMERX_"

type cliConfig struct {
	driver       string
	serial       string
	model        string
	mode         string
	settingsFile string

	rfFreq      float64
	sampleRate  float64
	oversample  int
	lnaPathMini int
	channels    [2]channelConfig

	fifoSize      int
	blockSize     int
	warmupBuffers int
	statsInterval time.Duration
	recvTimeout   time.Duration

	historyLimit int
	webAddr      string
	output       string
	duration     time.Duration

	sshKey      string
	sshPassword string

	logLevel  string
	logFormat string
}

type channelConfig struct {
	gain        int
	lnaPath     int
	analogBW    float64
	digitalBW   float64
	calibrateBW float64
	nco         float64
}

type persistentConfig struct {
	Driver        string            `json:"driver"`
	Serial        string            `json:"serial"`
	Model         string            `json:"model"`
	Mode          string            `json:"channel_mode"`
	SettingsFile  string            `json:"settings_file"`
	RFFreq        float64           `json:"rf_freq"`
	SampleRate    float64           `json:"sample_rate"`
	Oversample    int               `json:"oversample"`
	LNAPathMini   int               `json:"lna_path_mini"`
	Channels      [2]persistentChan `json:"channels"`
	FIFOSize      int               `json:"fifo_size"`
	BlockSize     int               `json:"block_size"`
	WarmupBuffers int               `json:"warmup_buffers"`
	StatsInterval string            `json:"stats_interval"`
	RecvTimeout   string            `json:"recv_timeout"`
	HistoryLimit  int               `json:"history_limit"`
	WebAddr       string            `json:"web_addr"`
	Output        string            `json:"output"`
	SSHKey        string            `json:"ssh_key"`
	LogLevel      string            `json:"log_level"`
	LogFormat     string            `json:"log_format"`
}

type persistentChan struct {
	Gain        int     `json:"gain_db"`
	LNAPath     int     `json:"lna_path"`
	AnalogBW    float64 `json:"analog_bw"`
	DigitalBW   float64 `json:"digital_bw"`
	CalibrateBW float64 `json:"calibration_bw"`
	NCO         float64 `json:"nco_freq"`
}

func defaultPersistentConfig() persistentConfig {
	p := source.DefaultParams()
	ch := persistentChan{
		Gain:     p.Channels[0].GainDB,
		LNAPath:  p.Channels[0].LNAPath,
		AnalogBW: p.Channels[0].AnalogBandwidth,
	}
	return persistentConfig{
		Driver:        "virtual",
		Serial:        "virtual0",
		Model:         p.Model.String(),
		Mode:          p.Mode.String(),
		RFFreq:        p.RFFreq,
		SampleRate:    p.SampleRate,
		Oversample:    p.Oversample,
		LNAPathMini:   p.LNAPathMini,
		Channels:      [2]persistentChan{ch, ch},
		BlockSize:     1 << 12,
		WarmupBuffers: 3,
		StatsInterval: source.DefaultStatsInterval.String(),
		RecvTimeout:   source.DefaultRecvTimeout.String(),
		HistoryLimit:  500,
		WebAddr:       ":8080",
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// bindFlags registers the stream flags on fs. Each default comes from the
// environment when set there, else from defaults.
func bindFlags(fs *pflag.FlagSet, cfg *cliConfig, lookup func(string) (string, bool), defaults persistentConfig) {
	fs.StringVar(&cfg.driver, "driver", envString(lookup, "DRIVER", defaults.Driver), "Device driver (virtual)")
	fs.StringVar(&cfg.serial, "serial", envString(lookup, "SERIAL", defaults.Serial), "Board serial number")
	fs.StringVar(&cfg.model, "model", envString(lookup, "MODEL", defaults.Model), "Board model (LimeSDR-Mini|LimeSDR-USB|LimeNET-Micro)")
	fs.StringVar(&cfg.mode, "channel-mode", envString(lookup, "CHANNEL_MODE", defaults.Mode), "Channel mode (A|B|MIMO)")
	fs.StringVar(&cfg.settingsFile, "settings-file", envString(lookup, "SETTINGS_FILE", defaults.SettingsFile), "LimeSuite settings file, local path or ssh://user@host/path; enables file mode")

	fs.Float64Var(&cfg.rfFreq, "rf-freq", envFloat(lookup, "RF_FREQ", defaults.RFFreq), "RX LO frequency in Hz")
	fs.Float64Var(&cfg.sampleRate, "sample-rate", envFloat(lookup, "SAMPLE_RATE", defaults.SampleRate), "Sample rate in Hz")
	fs.IntVar(&cfg.oversample, "oversample", envInt(lookup, "OVERSAMPLE", defaults.Oversample), "Oversampling (0 for automatic)")
	fs.IntVar(&cfg.lnaPathMini, "lna-path-mini", envInt(lookup, "LNA_PATH_MINI", defaults.LNAPathMini), "RX input on single channel boards (1 LNAH, 3 LNAW)")

	for i := range cfg.channels {
		c := &cfg.channels[i]
		d := defaults.Channels[i]
		n := strconv.Itoa(i)
		fs.IntVar(&c.gain, "gain"+n, envInt(lookup, "GAIN"+n, d.Gain), "RX gain of channel "+n+" (dB, 0..70)")
		fs.IntVar(&c.lnaPath, "lna-path"+n, envInt(lookup, "LNA_PATH"+n, d.LNAPath), "RX input of channel "+n+" (1 LNAH, 2 LNAL, 3 LNAW)")
		fs.Float64Var(&c.analogBW, "analog-bw"+n, envFloat(lookup, "ANALOG_BW"+n, d.AnalogBW), "Analog filter bandwidth of channel "+n+" in Hz (0 disables)")
		fs.Float64Var(&c.digitalBW, "digital-bw"+n, envFloat(lookup, "DIGITAL_BW"+n, d.DigitalBW), "Digital filter bandwidth of channel "+n+" in Hz (0 disables)")
		fs.Float64Var(&c.calibrateBW, "calibration-bw"+n, envFloat(lookup, "CALIBRATION_BW"+n, d.CalibrateBW), "Calibration bandwidth of channel "+n+" in Hz (0 skips)")
		fs.Float64Var(&c.nco, "nco"+n, envFloat(lookup, "NCO"+n, d.NCO), "NCO offset of channel "+n+" in Hz")
	}

	fs.IntVar(&cfg.fifoSize, "fifo-size", envInt(lookup, "FIFO_SIZE", defaults.FIFOSize), "Stream FIFO size in samples (0 sizes from the sample rate)")
	fs.IntVar(&cfg.blockSize, "block-size", envInt(lookup, "BLOCK_SIZE", defaults.BlockSize), "Samples per port per work call")
	fs.IntVar(&cfg.warmupBuffers, "warmup-buffers", envInt(lookup, "WARMUP_BUFFERS", defaults.WarmupBuffers), "Number of RX buffers to discard for warm-up")
	fs.DurationVar(&cfg.statsInterval, "stats-interval", envDuration(lookup, "STATS_INTERVAL", defaults.StatsInterval), "Stream status report interval")
	fs.DurationVar(&cfg.recvTimeout, "recv-timeout", envDuration(lookup, "RECV_TIMEOUT", defaults.RecvTimeout), "Per receive call timeout")

	fs.IntVar(&cfg.historyLimit, "history-limit", envInt(lookup, "HISTORY_LIMIT", defaults.HistoryLimit), "Maximum status reports kept in telemetry history")
	fs.StringVar(&cfg.webAddr, "web-addr", envString(lookup, "WEB_ADDR", defaults.WebAddr), "Optional web telemetry listen address (e.g. :8080)")
	fs.StringVar(&cfg.output, "output", envString(lookup, "OUTPUT", defaults.Output), "Optional file receiving port 0 as interleaved float32 I/Q")
	fs.DurationVar(&cfg.duration, "duration", envDuration(lookup, "DURATION", ""), "Stop after this long (0 runs until interrupted)")

	fs.StringVar(&cfg.sshKey, "ssh-key", envString(lookup, "SSH_KEY", defaults.SSHKey), "Private key for ssh:// settings files")
	fs.StringVar(&cfg.sshPassword, "ssh-password", envString(lookup, "SSH_PASSWORD", ""), "Password for ssh:// settings files (not persisted)")

	fs.StringVar(&cfg.logLevel, "log-level", envString(lookup, "LOG_LEVEL", defaults.LogLevel), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.logFormat, "log-format", envString(lookup, "LOG_FORMAT", defaults.LogFormat), "Log format (text|json)")
}

func parseConfig(args []string, lookup func(string) (string, bool), defaults persistentConfig) (cliConfig, error) {
	cfg := cliConfig{}
	fs := pflag.NewFlagSet("limerx", pflag.ContinueOnError)
	bindFlags(fs, &cfg, lookup, defaults)
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

// params converts the CLI settings into source parameters.
func (c cliConfig) params() (source.Params, error) {
	model, err := device.ParseModel(c.model)
	if err != nil {
		return source.Params{}, err
	}
	mode, err := device.ParseChannelMode(c.mode)
	if err != nil {
		return source.Params{}, err
	}

	p := source.DefaultParams()
	p.Serial = c.serial
	p.Model = model
	p.Mode = mode
	p.FromFile = c.settingsFile != ""
	p.SettingsFile = c.settingsFile
	p.RFFreq = c.rfFreq
	p.SampleRate = c.sampleRate
	p.Oversample = c.oversample
	p.LNAPathMini = c.lnaPathMini
	p.BufferSize = c.fifoSize
	p.RecvTimeout = c.recvTimeout
	p.StatsInterval = c.statsInterval
	for i, ch := range c.channels {
		p.Channels[i] = source.ChannelParams{
			Calibration:          ch.calibrateBW > 0,
			CalibrationBandwidth: ch.calibrateBW,
			LNAPath:              ch.lnaPath,
			AnalogFilter:         ch.analogBW > 0,
			AnalogBandwidth:      ch.analogBW,
			DigitalFilter:        ch.digitalBW > 0,
			DigitalBandwidth:     ch.digitalBW,
			GainDB:               ch.gain,
			NCOFreq:              ch.nco,
		}
	}
	return p, nil
}

func (c cliConfig) logger() (logging.Logger, logging.Level, error) {
	level, err := logging.ParseLevel(c.logLevel)
	if err != nil {
		return nil, 0, err
	}
	format, err := logging.ParseFormat(c.logFormat)
	if err != nil {
		return nil, 0, err
	}
	return logging.New(level, format, os.Stderr), level, nil
}

// redirectStdlog sends package log output (zeroconf, net/http) through a
// level filter on w.
func redirectStdlog(level logging.Level, w io.Writer) {
	log.SetOutput(logging.NewFilter(level, w))
}

func persistentFromCLI(cfg cliConfig) persistentConfig {
	p := persistentConfig{
		Driver:        cfg.driver,
		Serial:        cfg.serial,
		Model:         cfg.model,
		Mode:          cfg.mode,
		SettingsFile:  cfg.settingsFile,
		RFFreq:        cfg.rfFreq,
		SampleRate:    cfg.sampleRate,
		Oversample:    cfg.oversample,
		LNAPathMini:   cfg.lnaPathMini,
		FIFOSize:      cfg.fifoSize,
		BlockSize:     cfg.blockSize,
		WarmupBuffers: cfg.warmupBuffers,
		StatsInterval: cfg.statsInterval.String(),
		RecvTimeout:   cfg.recvTimeout.String(),
		HistoryLimit:  cfg.historyLimit,
		WebAddr:       cfg.webAddr,
		Output:        cfg.output,
		SSHKey:        cfg.sshKey,
		LogLevel:      cfg.logLevel,
		LogFormat:     cfg.logFormat,
	}
	for i, ch := range cfg.channels {
		p.Channels[i] = persistentChan{
			Gain:        ch.gain,
			LNAPath:     ch.lnaPath,
			AnalogBW:    ch.analogBW,
			DigitalBW:   ch.digitalBW,
			CalibrateBW: ch.calibrateBW,
			NCO:         ch.nco,
		}
	}
	return p
}

func loadOrCreateConfig(path string) (persistentConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaultPersistentConfig()
			if saveErr := saveConfig(path, cfg); saveErr != nil {
				return persistentConfig{}, saveErr
			}
			return cfg, nil
		}
		return persistentConfig{}, err
	}
	defer f.Close()

	cfg := defaultPersistentConfig()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return persistentConfig{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

func saveConfig(path string, cfg persistentConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(envPrefix + key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(envPrefix + key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(envPrefix + key); ok {
		return val
	}
	return def
}

// envDuration falls back to def, itself a duration string; an unparsable
// def yields zero.
func envDuration(lookup func(string) (string, bool), key, def string) time.Duration {
	if val, ok := lookup(envPrefix + key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	d, _ := time.ParseDuration(def)
	return d
}
