package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/GoLimeSDR/internal/device"
	"github.com/rjboer/GoLimeSDR/internal/discovery"
	"github.com/rjboer/GoLimeSDR/internal/logging"
)

func noEnv(string) (string, bool) { return "", false }

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(nil, noEnv, defaultPersistentConfig())
	require.NoError(t, err)
	assert.Equal(t, "virtual", cfg.driver)
	assert.Equal(t, 100e6, cfg.rfFreq)
	assert.Equal(t, 5e6, cfg.sampleRate)
	assert.Equal(t, 4096, cfg.blockSize)
	assert.Equal(t, time.Second, cfg.statsInterval)
	assert.Equal(t, 30, cfg.channels[1].gain)

	p, err := cfg.params()
	require.NoError(t, err)
	assert.Equal(t, device.LimeSDRUSB, p.Model)
	assert.Equal(t, device.ChannelA, p.Mode)
	assert.False(t, p.FromFile)
	assert.True(t, p.Channels[0].AnalogFilter)
	assert.False(t, p.Channels[0].DigitalFilter)
	assert.False(t, p.Channels[0].Calibration)
}

func TestParseConfigEnvThenFlags(t *testing.T) {
	env := map[string]string{
		"LIMERX_SAMPLE_RATE":    "10000000",
		"LIMERX_CHANNEL_MODE":   "MIMO",
		"LIMERX_GAIN1":          "55",
		"LIMERX_STATS_INTERVAL": "250ms",
		"LIMERX_RF_FREQ":        "not a number",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg, err := parseConfig([]string{"--sample-rate", "2e6", "--calibration-bw0", "8e6"}, lookup, defaultPersistentConfig())
	require.NoError(t, err)
	assert.Equal(t, 2e6, cfg.sampleRate)
	assert.Equal(t, "MIMO", cfg.mode)
	assert.Equal(t, 55, cfg.channels[1].gain)
	assert.Equal(t, 250*time.Millisecond, cfg.statsInterval)
	assert.Equal(t, 100e6, cfg.rfFreq)

	p, err := cfg.params()
	require.NoError(t, err)
	assert.Equal(t, device.MIMO, p.Mode)
	assert.True(t, p.Channels[0].Calibration)
	assert.Equal(t, 8e6, p.Channels[0].CalibrationBandwidth)
	assert.Equal(t, 55, p.Channels[1].GainDB)
}

func TestParamsRejectsUnknownNames(t *testing.T) {
	cfg, err := parseConfig([]string{"--model", "HackRF"}, noEnv, defaultPersistentConfig())
	require.NoError(t, err)
	_, err = cfg.params()
	assert.Error(t, err)

	cfg, err = parseConfig([]string{"--channel-mode", "C"}, noEnv, defaultPersistentConfig())
	require.NoError(t, err)
	_, err = cfg.params()
	assert.Error(t, err)
}

func TestParamsFileMode(t *testing.T) {
	cfg, err := parseConfig([]string{"--settings-file", "rx.ini"}, noEnv, defaultPersistentConfig())
	require.NoError(t, err)
	p, err := cfg.params()
	require.NoError(t, err)
	assert.True(t, p.FromFile)
	assert.Equal(t, "rx.ini", p.SettingsFile)
}

func TestLoadOrCreateConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := loadOrCreateConfig(path)
	require.NoError(t, err)
	assert.Equal(t, defaultPersistentConfig(), cfg)
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"serial":"abc","sample_rate":1e6}`), 0o644))
	cfg, err = loadOrCreateConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", cfg.Serial)
	assert.Equal(t, 1e6, cfg.SampleRate)
	assert.Equal(t, "virtual", cfg.Driver)

	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o644))
	_, err = loadOrCreateConfig(path)
	assert.Error(t, err)
}

func TestSelectDriver(t *testing.T) {
	drv, err := selectDriver("virtual")
	require.NoError(t, err)
	assert.NotNil(t, drv)

	_, err = selectDriver("unknown")
	assert.Error(t, err)
}

func TestRunStreamWritesOutput(t *testing.T) {
	cfg, err := parseConfig([]string{
		"--web-addr", "",
		"--duration", "200ms",
		"--output", filepath.Join(t.TempDir(), "rx.cf32"),
	}, noEnv, defaultPersistentConfig())
	require.NoError(t, err)

	require.NoError(t, runStream(context.Background(), cfg, logging.Default()))

	info, err := os.Stat(cfg.output)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
	assert.Zero(t, info.Size()%8)
}

func TestRunStreamRejectsBadRemoteSettings(t *testing.T) {
	cfg, err := parseConfig([]string{"--settings-file", "ssh://host"}, noEnv, defaultPersistentConfig())
	require.NoError(t, err)
	assert.Error(t, runStream(context.Background(), cfg, logging.Default()))
}

func TestStreamCommandPersistsConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	lookup := func(key string) (string, bool) {
		if key == "LIMERX_CONFIG" {
			return path, true
		}
		return "", false
	}
	root := newRootCmd(lookup)
	root.SetArgs([]string{"stream", "--web-addr", "", "--duration", "50ms", "--rf-freq", "433e6"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var saved persistentConfig
	require.NoError(t, json.Unmarshal(raw, &saved))
	assert.Equal(t, 433e6, saved.RFFreq)
	assert.Equal(t, "", saved.WebAddr)
}

func TestRunDiscoverPrintsHosts(t *testing.T) {
	prev := browse
	defer func() { browse = prev }()
	browse = func(_ context.Context, service string, _ time.Duration, _ logging.Logger) ([]discovery.Host, error) {
		assert.Equal(t, discovery.DefaultService, service)
		return []discovery.Host{{
			Instance:  "LimeNET Micro",
			Hostname:  "limenet.local.",
			Port:      55132,
			Addresses: []net.IP{net.ParseIP("192.168.1.20")},
			Identity:  device.Identity{Serial: "1D3AC", Model: device.LimeNETMicro},
		}}, nil
	}

	var out bytes.Buffer
	require.NoError(t, runDiscover(context.Background(), &out, discovery.DefaultService, time.Second, nil))
	assert.Contains(t, out.String(), "1D3AC")
	assert.Contains(t, out.String(), "LimeNET-Micro")
	assert.Contains(t, out.String(), "192.168.1.20")

	browse = func(context.Context, string, time.Duration, logging.Logger) ([]discovery.Host, error) {
		return nil, errors.New("no multicast")
	}
	assert.Error(t, runDiscover(context.Background(), &out, "", time.Second, nil))
}

func TestRedirectStdlogFiltersByLevel(t *testing.T) {
	prev := log.Writer()
	defer log.SetOutput(prev)

	var buf bytes.Buffer
	redirectStdlog(logging.Warn, &buf)
	log.Print("[INFO] zeroconf: new entry")
	log.Print("[WARN] http: accept error")
	log.Print("untagged line")

	out := buf.String()
	assert.NotContains(t, out, "new entry")
	assert.Contains(t, out, "[WARN] http: accept error")
	assert.Contains(t, out, "untagged line")
}

func TestLoggerReturnsParsedLevel(t *testing.T) {
	cfg, err := parseConfig([]string{"--log-level", "debug"}, noEnv, defaultPersistentConfig())
	require.NoError(t, err)
	logger, level, err := cfg.logger()
	require.NoError(t, err)
	assert.NotNil(t, logger)
	assert.Equal(t, logging.Debug, level)

	cfg.logLevel = "loud"
	_, _, err = cfg.logger()
	assert.Error(t, err)
}
