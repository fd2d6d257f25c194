// Package device describes LimeSDR hardware models, the shared device
// registry that blocks open their hardware through, and the stream transport
// exposed by an opened device.
package device

import "fmt"

// Model identifies a LimeSDR board family.
type Model int

const (
	LimeSDRMini  Model = 1
	LimeSDRUSB   Model = 2
	LimeNETMicro Model = 3
)

// Capabilities lists what a board family can do.
type Capabilities struct {
	Name string
	// MaxChannels is the number of RX (and TX) channels on the RF chip
	// that the board routes to connectors.
	MaxChannels int
	// IndependentRates reports whether RX and TX may run at different
	// sample rates. Boards without it share one rate setting.
	IndependentRates bool
	// MinCalibrationFreq is the lowest LO frequency calibration is
	// performed at; lower tunings are calibrated there and retuned.
	MinCalibrationFreq float64
}

var capabilityTable = map[Model]Capabilities{
	LimeSDRMini: {
		Name:               "LimeSDR-Mini",
		MaxChannels:        1,
		IndependentRates:   false,
		MinCalibrationFreq: 30e6,
	},
	LimeSDRUSB: {
		Name:             "LimeSDR-USB",
		MaxChannels:      2,
		IndependentRates: true,
	},
	LimeNETMicro: {
		Name:               "LimeNET-Micro",
		MaxChannels:        1,
		IndependentRates:   false,
		MinCalibrationFreq: 30e6,
	},
}

// Capabilities returns the capability entry for m.
func (m Model) Capabilities() (Capabilities, bool) {
	c, ok := capabilityTable[m]
	return c, ok
}

// SupportsChannel reports whether ch is a valid channel index for m.
func (m Model) SupportsChannel(ch int) bool {
	c, ok := capabilityTable[m]
	return ok && ch >= 0 && ch < c.MaxChannels
}

func (m Model) String() string {
	if c, ok := capabilityTable[m]; ok {
		return c.Name
	}
	return fmt.Sprintf("Model(%d)", int(m))
}

// ParseModel accepts a board name as printed by Model.String, case sensitive,
// or the numeric model value.
func ParseModel(s string) (Model, error) {
	for m, c := range capabilityTable {
		if c.Name == s || fmt.Sprint(int(m)) == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown device model %q", s)
}

// ChannelMode selects which RF channels a block streams.
type ChannelMode int

const (
	ChannelA ChannelMode = 1
	ChannelB ChannelMode = 2
	MIMO     ChannelMode = 3
)

func (c ChannelMode) String() string {
	switch c {
	case ChannelA:
		return "A"
	case ChannelB:
		return "B"
	case MIMO:
		return "MIMO"
	default:
		return fmt.Sprintf("ChannelMode(%d)", int(c))
	}
}

// ParseChannelMode accepts "A", "B", "MIMO" or the numeric value.
func ParseChannelMode(s string) (ChannelMode, error) {
	switch s {
	case "A", "a", "1":
		return ChannelA, nil
	case "B", "b", "2":
		return ChannelB, nil
	case "MIMO", "mimo", "3":
		return MIMO, nil
	}
	return 0, fmt.Errorf("unknown channel mode %q", s)
}

// Direction is the RF direction a setting applies to.
type Direction int

const (
	RX Direction = iota
	TX
)

func (d Direction) String() string {
	if d == TX {
		return "TX"
	}
	return "RX"
}

// Role distinguishes the blocks that may share one device.
type Role int

const (
	// NoRole releases an opener that never passed CheckBlocks.
	NoRole Role = iota
	SourceBlock
	SinkBlock
)

func (r Role) String() string {
	switch r {
	case SourceBlock:
		return "source"
	case SinkBlock:
		return "sink"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Identity is the registry key for a physical device.
type Identity struct {
	Serial string
	Model  Model
}

func (id Identity) String() string {
	return fmt.Sprintf("%s[%s]", id.Model, id.Serial)
}
