package source

import (
	"fmt"

	"github.com/rjboer/GoLimeSDR/internal/pipeline"
)

// TimeValue is the value of an rx_time tag.
type TimeValue struct {
	Seconds uint64
	Frac    float64
}

func (v TimeValue) String() string { return fmt.Sprintf("{%d %.9f}", v.Seconds, v.Frac) }

// Float returns the time in seconds.
func (v TimeValue) Float() float64 { return float64(v.Seconds) + v.Frac }

// splitTimestamp converts a sample counter into whole and fractional
// seconds at rate samples per second. The integer part of the rate does the
// division so large counters keep their precision; the fractional part of
// the rate is folded into Frac.
func splitTimestamp(ts uint64, rate float64) TimeValue {
	uRate := uint64(rate)
	if uRate == 0 {
		return TimeValue{}
	}
	fRate := rate - float64(uRate)
	whole := ts / uRate
	frac := (float64(ts-whole*uRate) - float64(whole)*fRate) / rate
	return TimeValue{Seconds: whole, Frac: frac}
}

// timeTag tags the next sample of port with the device time ts. The caller
// holds s.mu.
func (s *Source) timeTag(port int, ts uint64, rate float64) pipeline.Tag {
	return pipeline.Tag{
		Port:   port,
		Offset: s.written[port],
		Key:    TimeTagKey,
		Value:  splitTimestamp(ts, rate),
		Source: s.params.Serial,
	}
}
