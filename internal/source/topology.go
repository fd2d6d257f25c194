package source

import (
	"fmt"

	"github.com/rjboer/GoLimeSDR/internal/device"
)

// Topology is the set of RF channels a block streams, one per output port:
// either Single(ch) or Dual(a, b).
type Topology struct {
	channels []int
}

// Single streams one channel on one port.
func Single(ch int) Topology { return Topology{channels: []int{ch}} }

// Dual streams two sample-aligned channels on two ports.
func Dual(a, b int) Topology { return Topology{channels: []int{a, b}} }

// Ports is the number of output ports.
func (t Topology) Ports() int { return len(t.channels) }

// Channels returns the RF channel index of every port.
func (t Topology) Channels() []int { return append([]int(nil), t.channels...) }

// Dual reports whether the topology streams two channels.
func (t Topology) Dual() bool { return len(t.channels) == 2 }

func (t Topology) String() string {
	if t.Dual() {
		return fmt.Sprintf("Dual(%d,%d)", t.channels[0], t.channels[1])
	}
	if len(t.channels) == 1 {
		return fmt.Sprintf("Single(%d)", t.channels[0])
	}
	return "None"
}

// Resolve maps a requested channel mode onto a board. Single channel boards
// always stream channel 0 and report ChannelA as the effective mode; they
// cannot run MIMO.
func Resolve(mode device.ChannelMode, model device.Model) (Topology, device.ChannelMode, error) {
	caps, ok := model.Capabilities()
	if !ok {
		return Topology{}, 0, fmt.Errorf("%w: unsupported model %s", device.ErrConfiguration, model)
	}
	if mode < device.ChannelA || mode > device.MIMO {
		return Topology{}, 0, fmt.Errorf("%w: channel mode must be A(1), B(2) or MIMO(3), got %d", device.ErrConfiguration, int(mode))
	}

	switch {
	case mode == device.MIMO && caps.MaxChannels < 2:
		return Topology{}, 0, fmt.Errorf("%w: %s does not support MIMO", device.ErrConfiguration, caps.Name)
	case mode == device.MIMO:
		return Dual(0, 1), mode, nil
	case caps.MaxChannels < 2:
		return Single(0), device.ChannelA, nil
	default:
		return Single(int(mode) - 1), mode, nil
	}
}
