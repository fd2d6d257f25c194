package telemetry

import (
	"github.com/rjboer/GoLimeSDR/internal/logging"
)

// Reporter captures stream status reports.
type Reporter interface {
	Report(sample StatusSample)
}

// StdoutReporter writes status reports to the log.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a stdout reporter with the provided logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return StdoutReporter{logger: logger}
}

func (r StdoutReporter) Report(sample StatusSample) {
	fields := []logging.Field{
		{Key: "subsystem", Value: "telemetry"},
		{Key: "rate_mbps", Value: sample.LinkRateMBps},
		{Key: "dropped_packets", Value: sample.DroppedPackets},
		{Key: "fifo_pct", Value: sample.FIFOPercent},
	}
	if sample.Serial != "" {
		fields = append(fields, logging.Field{Key: "serial", Value: sample.Serial})
	}
	if sample.DroppedPackets > 0 {
		r.logger.Warn("stream status", fields...)
		return
	}
	r.logger.Info("stream status", fields...)
}
