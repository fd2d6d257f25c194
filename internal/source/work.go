package source

import (
	"context"

	"github.com/rjboer/GoLimeSDR/internal/device"
	"github.com/rjboer/GoLimeSDR/internal/logging"
	"github.com/rjboer/GoLimeSDR/internal/pipeline"
)

// Work receives one block per port. When any port comes back empty the
// cycle produces nothing so dual-channel output stays paired. Every port is
// tagged after a start, a setting change or a packet drop.
func (s *Source) Work(ctx context.Context, outputs [][]complex64) pipeline.Result {
	m := s.streams
	m.mu.RLock()
	defer m.mu.RUnlock()

	ports := len(m.channels)
	if m.released || len(outputs) < ports {
		return pipeline.Result{}
	}

	produced := make([]int, ports)
	metas := make([]device.StreamMeta, ports)
	for i := 0; i < ports; i++ {
		produced[i] = m.receive(ctx, i, outputs[i], &metas[i])
	}
	for _, n := range produced {
		if n <= 0 {
			return pipeline.Result{}
		}
	}

	statuses := make([]device.StreamStatus, ports)
	var drops uint64
	for i := 0; i < ports; i++ {
		st, err := m.status(i)
		if err != nil {
			s.logger.Debug("stream status failed", logging.F("channel", m.channels[i].index), logging.F("error", err))
			continue
		}
		statuses[i] = st
		drops += uint64(st.DroppedPackets)
	}

	res := pipeline.Result{Produced: produced}

	s.mu.Lock()
	if s.retag.Swap(false) || drops > 0 {
		for port := 0; port < ports; port++ {
			rate := s.params.SampleRate
			if rate <= 0 {
				rate = statuses[port].SampleRate
			}
			res.Tags = append(res.Tags, s.timeTag(port, metas[port].Timestamp, rate))
		}
	}
	s.totalDrops += drops
	report, due := s.meter.observe(statuses[0], drops, produced[0], s.now())
	for port, n := range produced {
		s.written[port] += uint64(n)
	}
	onStats := s.onStats
	serial := s.params.Serial
	s.mu.Unlock()

	if due {
		report.Serial = serial
		s.logger.Info("stream status",
			logging.F("rate_mbps", report.LinkRate/1e6),
			logging.F("dropped_packets", report.DroppedPackets),
			logging.F("fifo_pct", report.FIFOPercent()))
		if onStats != nil {
			onStats(report)
		}
	}
	return res
}
