package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rjboer/GoLimeSDR/internal/app"
	"github.com/rjboer/GoLimeSDR/internal/device"
	"github.com/rjboer/GoLimeSDR/internal/device/virtual"
	"github.com/rjboer/GoLimeSDR/internal/logging"
	"github.com/rjboer/GoLimeSDR/internal/remote"
	"github.com/rjboer/GoLimeSDR/internal/source"
	"github.com/rjboer/GoLimeSDR/internal/telemetry"
)

func selectDriver(name string) (device.Driver, error) {
	switch name {
	case "virtual":
		return virtual.NewDriver(true), nil
	default:
		return nil, fmt.Errorf("unknown driver %s", name)
	}
}

// resolveSettings downloads an ssh:// settings file and returns the local
// copy together with a cleanup func. Local paths are returned unchanged.
func resolveSettings(ctx context.Context, cfg cliConfig, logger logging.Logger) (string, func(), error) {
	if !remote.IsRemote(cfg.settingsFile) {
		return cfg.settingsFile, func() {}, nil
	}
	loc, err := remote.ParseLocation(cfg.settingsFile)
	if err != nil {
		return "", nil, err
	}
	fetcher := remote.NewFetcher(remote.Config{KeyPath: cfg.sshKey, Password: cfg.sshPassword}, logger)
	defer fetcher.Close()
	local, err := fetcher.Fetch(ctx, loc, "")
	if err != nil {
		return "", nil, fmt.Errorf("fetch settings: %w", err)
	}
	return local, func() { os.Remove(local) }, nil
}

func runStream(ctx context.Context, cfg cliConfig, logger logging.Logger) (err error) {
	driver, err := selectDriver(cfg.driver)
	if err != nil {
		return err
	}
	settings, cleanup, err := resolveSettings(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	cfg.settingsFile = settings

	params, err := cfg.params()
	if err != nil {
		return err
	}
	reg := device.NewHandler(driver, logger)
	src, err := source.New(reg, params, logger)
	if err != nil {
		return fmt.Errorf("create source: %w", err)
	}
	defer func() {
		if closeErr := src.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()

	hub := telemetry.NewHub(cfg.historyLimit, logger)
	src.SetStatsHandler(app.StatsReporter(telemetry.MultiReporter{hub, telemetry.NewStdoutReporter(logger)}))
	hub.SetTuner(src)

	if cfg.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.duration)
		defer cancel()
	}

	if cfg.webAddr != "" {
		web := telemetry.NewWebServer(cfg.webAddr, hub, logger)
		go func() {
			if err := web.Start(ctx); err != nil {
				logger.Error("web telemetry failed", logging.F("error", err))
			}
		}()
	}

	var sink io.Writer
	if cfg.output != "" {
		f, createErr := os.Create(cfg.output)
		if createErr != nil {
			return fmt.Errorf("create output: %w", createErr)
		}
		defer f.Close()
		w := bufio.NewWriterSize(f, 1<<20)
		defer func() {
			if flushErr := w.Flush(); flushErr != nil {
				err = errors.Join(err, fmt.Errorf("flush output: %w", flushErr))
			}
		}()
		sink = w
	}

	rx := app.NewReceiver(src, hub, sink, logger, app.Config{
		BufferSize:    cfg.blockSize,
		WarmupBuffers: cfg.warmupBuffers,
		SampleRate:    params.SampleRate,
		Source:        params.Serial,
	})
	logger.Info("streaming (Ctrl+C to stop)",
		logging.F("serial", params.Serial),
		logging.F("topology", src.Topology()),
		logging.F("rf_freq", params.RFFreq))
	if err := rx.Run(ctx); err != nil {
		return fmt.Errorf("run receiver: %w", err)
	}

	sum := rx.Summary()
	logger.Info("stream finished",
		logging.F("blocks", sum.Blocks),
		logging.F("samples", sum.Samples),
		logging.F("time_tags", sum.TimeTags),
		logging.F("dropped_packets", src.TotalDrops()))
	return nil
}
