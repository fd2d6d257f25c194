package source

import (
	"time"

	"github.com/rjboer/GoLimeSDR/internal/device"
)

// Stats is one periodic stream status report.
type Stats struct {
	Time   time.Time `json:"time"`
	Serial string    `json:"serial"`
	// LinkRate is the transport throughput in bytes per second.
	LinkRate       float64 `json:"link_rate"`
	DroppedPackets uint64  `json:"dropped_packets"`
	FIFOFilled     uint32  `json:"fifo_filled"`
	FIFOSize       uint32  `json:"fifo_size"`
	// Samples is how many samples port 0 produced in the interval.
	Samples uint64 `json:"samples"`
}

// FIFOPercent is the FIFO fill level in percent.
func (s Stats) FIFOPercent() float64 {
	if s.FIFOSize == 0 {
		return 0
	}
	return 100 * float64(s.FIFOFilled) / float64(s.FIFOSize)
}

// statusMeter accumulates drops between reports spaced at least interval
// apart.
type statusMeter struct {
	interval time.Duration
	last     time.Time
	drops    uint64
	samples  uint64
}

func (m *statusMeter) reset(now time.Time) {
	m.last = now
	m.drops = 0
	m.samples = 0
}

// observe adds one cycle and returns a report when the interval elapsed.
func (m *statusMeter) observe(st device.StreamStatus, drops uint64, produced int, now time.Time) (Stats, bool) {
	m.drops += drops
	m.samples += uint64(produced)
	if m.last.IsZero() {
		m.last = now
	}
	if now.Sub(m.last) < m.interval {
		return Stats{}, false
	}
	out := Stats{
		Time:           now,
		LinkRate:       st.LinkRate,
		DroppedPackets: m.drops,
		FIFOFilled:     st.FIFOFilledCount,
		FIFOSize:       st.FIFOSize,
		Samples:        m.samples,
	}
	m.reset(now)
	return out, true
}
