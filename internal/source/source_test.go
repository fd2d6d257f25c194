package source

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/GoLimeSDR/internal/device"
	"github.com/rjboer/GoLimeSDR/internal/device/virtual"
	"github.com/rjboer/GoLimeSDR/internal/logging"
	"github.com/rjboer/GoLimeSDR/internal/pipeline"
)

func testParams(serial string, model device.Model, mode device.ChannelMode) Params {
	p := DefaultParams()
	p.Serial = serial
	p.Model = model
	p.Mode = mode
	return p
}

type fixture struct {
	reg *device.Handler
	drv *virtual.Driver
	src *Source
	now time.Time
}

func newFixture(t *testing.T, p Params) *fixture {
	t.Helper()
	drv := virtual.NewDriver(false)
	reg := device.NewHandler(drv, nil)
	src, err := New(reg, p, nil)
	require.NoError(t, err)
	f := &fixture{reg: reg, drv: drv, src: src, now: time.Unix(1700000000, 0)}
	src.now = func() time.Time { return f.now }
	t.Cleanup(func() { _ = src.Close() })
	return f
}

func (f *fixture) stream(ch int) *virtual.Stream {
	return f.drv.Radio(f.src.params.Serial).Stream(ch)
}

func buffers(ports, n int) [][]complex64 {
	out := make([][]complex64, ports)
	for i := range out {
		out[i] = make([]complex64, n)
	}
	return out
}

func TestResolveTopology(t *testing.T) {
	tests := []struct {
		model    device.Model
		mode     device.ChannelMode
		channels []int
		effMode  device.ChannelMode
		wantErr  bool
	}{
		{device.LimeSDRUSB, device.ChannelA, []int{0}, device.ChannelA, false},
		{device.LimeSDRUSB, device.ChannelB, []int{1}, device.ChannelB, false},
		{device.LimeSDRUSB, device.MIMO, []int{0, 1}, device.MIMO, false},
		{device.LimeSDRMini, device.ChannelA, []int{0}, device.ChannelA, false},
		{device.LimeSDRMini, device.ChannelB, []int{0}, device.ChannelA, false},
		{device.LimeSDRMini, device.MIMO, nil, 0, true},
		{device.LimeNETMicro, device.ChannelB, []int{0}, device.ChannelA, false},
		{device.LimeNETMicro, device.MIMO, nil, 0, true},
		{device.LimeSDRUSB, device.ChannelMode(0), nil, 0, true},
		{device.LimeSDRUSB, device.ChannelMode(4), nil, 0, true},
		{device.Model(0), device.ChannelA, nil, 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.model.String()+"/"+tc.mode.String(), func(t *testing.T) {
			topo, mode, err := Resolve(tc.mode, tc.model)
			if tc.wantErr {
				assert.ErrorIs(t, err, device.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.channels, topo.Channels())
			assert.Equal(t, len(tc.channels), topo.Ports())
			assert.Equal(t, tc.effMode, mode)
		})
	}
}

func TestNewRejectsInvalidTopologyWithoutOpening(t *testing.T) {
	drv := virtual.NewDriver(false)
	reg := device.NewHandler(drv, nil)
	_, err := New(reg, testParams("mini", device.LimeSDRMini, device.MIMO), nil)
	assert.ErrorIs(t, err, device.ErrConfiguration)
	assert.Nil(t, drv.Radio("mini"))
}

func TestConfigureOrder(t *testing.T) {
	f := newFixture(t, testParams("usb", device.LimeSDRUSB, device.ChannelA))
	assert.Equal(t, []string{
		"EnableChannel RX 0 true",
		"SetLOFrequency RX 0 100000000",
		"SetSampleRateDir RX 5000000 0",
		"SetLPF RX 0 true 5000000",
		"SetGFIRLPF RX 0 false 5000000",
		"SetAntenna RX 0 2",
		"SetGaindB RX 0 30",
		"SetNCOFrequency RX 0 0 0",
		"SetupStream 0 500",
	}, f.drv.Radio("usb").Calls())
	assert.Equal(t, []StreamState{Configured}, f.src.StreamStates())
}

func TestConfigureMiniUsesSharedRateAndMiniPath(t *testing.T) {
	p := testParams("mini", device.LimeSDRMini, device.ChannelB)
	p.Channels[0].Calibration = true
	p.RFFreq = 10e6
	f := newFixture(t, p)

	assert.Equal(t, device.ChannelA, f.src.Params().Mode)
	assert.Equal(t, []string{
		"EnableChannel RX 0 true",
		"SetLOFrequency RX 0 10000000",
		"SetSampleRate 5000000 0",
		"SetLPF RX 0 true 5000000",
		"SetGFIRLPF RX 0 false 5000000",
		"SetAntenna RX 0 3",
		"SetGaindB RX 0 30",
		"SetLOFrequency RX 0 30000000",
		"Calibrate RX 0 5000000",
		"SetLOFrequency RX 0 10000000",
		"SetAntenna RX 0 3",
		"SetNCOFrequency RX 0 0 0",
		"SetupStream 0 500",
	}, f.drv.Radio("mini").Calls())
}

func TestConfigureMIMORepeatsChannelSettings(t *testing.T) {
	p := testParams("usb", device.LimeSDRUSB, device.MIMO)
	p.Channels[1].GainDB = 12
	p.Channels[1].NCOFreq = 1e6
	f := newFixture(t, p)

	st := f.drv.Radio("usb").State()
	rx := st.Channels[device.RX]
	assert.True(t, rx[0].Enabled)
	assert.True(t, rx[1].Enabled)
	assert.Equal(t, uint(30), rx[0].GainDB)
	assert.Equal(t, uint(12), rx[1].GainDB)
	assert.Equal(t, 1e6, rx[1].NCOFreq)
	assert.Equal(t, 2, f.src.Ports())
	assert.NotNil(t, f.stream(0))
	assert.NotNil(t, f.stream(1))
}

func TestConfigureFromFile(t *testing.T) {
	p := testParams("usb", device.LimeSDRUSB, device.ChannelA)
	p.FromFile = true
	p.SettingsFile = "lime.ini"
	f := newFixture(t, p)
	assert.Equal(t, []string{"LoadConfig lime.ini", "SetupStream 0 500"}, f.drv.Radio("usb").Calls())

	p.FromFile, p.SettingsFile = true, ""
	_, err := New(f.reg, p, nil)
	assert.ErrorIs(t, err, device.ErrConfiguration)
}

func TestSetupFailureReleasesDevice(t *testing.T) {
	drv := virtual.NewDriver(false)
	reg := device.NewHandler(drv, nil)
	id := device.Identity{Serial: "bad", Model: device.LimeSDRUSB}
	drv.Add(id).FailOn("SetupStream", errors.New("no endpoint"))

	_, err := New(reg, testParams("bad", device.LimeSDRUSB, device.ChannelA), nil)
	assert.ErrorIs(t, err, device.ErrStreamSetup)
	assert.ErrorIs(t, err, device.ErrDeviceFailed)
	assert.Zero(t, reg.Openers("bad"))
	assert.False(t, drv.Radio("bad").IsOpen())
}

func TestCrossBlockConflictFailsConstruction(t *testing.T) {
	drv := virtual.NewDriver(false)
	reg := device.NewHandler(drv, nil)
	dev, err := reg.Open(device.Identity{Serial: "mini", Model: device.LimeSDRMini})
	require.NoError(t, err)
	require.NoError(t, reg.CheckBlocks(dev, device.BlockCheck{Role: device.SinkBlock, Mode: device.ChannelA, SampleRate: 10e6}))

	_, err = New(reg, testParams("mini", device.LimeSDRMini, device.ChannelA), nil)
	assert.ErrorIs(t, err, device.ErrConfiguration)
	assert.Equal(t, 1, reg.Openers("mini"))
}

func TestRejectedDuplicateSourceKeepsOriginalRegistered(t *testing.T) {
	drv := virtual.NewDriver(false)
	reg := device.NewHandler(drv, nil)
	first, err := New(reg, testParams("usb", device.LimeSDRUSB, device.ChannelA), nil)
	require.NoError(t, err)
	defer first.Close()

	_, err = New(reg, testParams("usb", device.LimeSDRUSB, device.ChannelA), nil)
	require.ErrorIs(t, err, device.ErrConfiguration)
	assert.Equal(t, 1, reg.Openers("usb"))

	_, err = New(reg, testParams("usb", device.LimeSDRUSB, device.ChannelB), nil)
	assert.ErrorIs(t, err, device.ErrConfiguration)
	assert.Equal(t, 1, reg.Openers("usb"))
	assert.True(t, drv.Radio("usb").IsOpen())
}

func TestNewRejectsZeroFIFO(t *testing.T) {
	drv := virtual.NewDriver(false)
	reg := device.NewHandler(drv, nil)
	p := testParams("slow", device.LimeSDRUSB, device.ChannelA)
	p.SampleRate = 5e3
	_, err := New(reg, p, nil)
	assert.ErrorIs(t, err, device.ErrConfiguration)
	assert.Nil(t, drv.Radio("slow"))

	p.BufferSize = 64
	src, err := New(reg, p, nil)
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, 64, drv.Radio("slow").Stream(0).Config().FIFOSize)
}

func TestCapabilityGatingIsNoop(t *testing.T) {
	var buf bytes.Buffer
	drv := virtual.NewDriver(false)
	reg := device.NewHandler(drv, nil)
	src, err := New(reg, testParams("mini", device.LimeSDRMini, device.ChannelA), logging.New(logging.Info, logging.Text, &buf))
	require.NoError(t, err)
	defer src.Close()

	radio := drv.Radio("mini")
	calls := radio.Calls()
	params := src.Params()

	assert.NoError(t, src.SetGain(10, 1))
	assert.NoError(t, src.SetNCO(1e6, 1))
	assert.NoError(t, src.SetLNAPath(1, 1))
	assert.NoError(t, src.SetAnalogFilter(true, 10e6, 1))
	assert.NoError(t, src.SetDigitalFilter(true, 10e6, 1))
	assert.NoError(t, src.Calibrate(5e6, 1))

	assert.Equal(t, calls, radio.Calls())
	assert.Equal(t, params, src.Params())
	assert.False(t, src.retag.Load())
	assert.Contains(t, buf.String(), "setting bypassed")
}

func TestSettersUpdateDeviceAndParams(t *testing.T) {
	f := newFixture(t, testParams("usb", device.LimeSDRUSB, device.MIMO))
	src := f.src

	require.NoError(t, src.SetRFFreq(433e6))
	require.NoError(t, src.SetGain(40, 1))
	require.NoError(t, src.SetNCO(250e3, 0))
	require.NoError(t, src.SetLNAPath(3, 1))
	require.NoError(t, src.SetAnalogFilter(true, 20e6, 0))
	require.NoError(t, src.SetDigitalFilter(true, 2e6, 1))
	require.NoError(t, src.SetSampleRate(10e6))
	require.NoError(t, src.SetOversampling(4))
	require.NoError(t, src.Calibrate(8e6, 0))
	require.NoError(t, src.SetTCXODAC(125))

	st := f.drv.Radio("usb").State()
	rx := st.Channels[device.RX]
	assert.Equal(t, 433e6, st.LOFreq[device.RX])
	assert.Equal(t, uint(40), rx[1].GainDB)
	assert.Equal(t, 250e3, rx[0].NCOFreq)
	assert.Equal(t, 3, rx[1].Antenna)
	assert.Equal(t, 20e6, rx[0].LPFBandwidth)
	assert.True(t, rx[1].GFIR)
	assert.Equal(t, 10e6, st.SampleRate[device.RX])
	assert.Equal(t, 4, st.Oversample[device.RX])
	assert.Equal(t, 1, rx[0].Calibrations)
	assert.Equal(t, uint16(125), st.TCXODAC)

	p := src.Params()
	assert.Equal(t, 433e6, p.RFFreq)
	assert.Equal(t, 40, p.Channels[1].GainDB)
	assert.Equal(t, 3, p.Channels[1].LNAPath)
	assert.Equal(t, 10e6, p.SampleRate)
	assert.Equal(t, 4, p.Oversample)
	assert.True(t, p.Channels[0].Calibration)
	assert.Equal(t, 8e6, p.Channels[0].CalibrationBandwidth)

	err := src.SetGain(99, 0)
	assert.ErrorIs(t, err, device.ErrConfiguration)
	assert.Equal(t, 40, src.Params().Channels[1].GainDB)
}

func TestTagTimingAfterStart(t *testing.T) {
	f := newFixture(t, testParams("usb", device.LimeSDRUSB, device.ChannelA))
	ctx := context.Background()
	out := buffers(1, 1024)

	require.NoError(t, f.src.Start(ctx))
	res := f.src.Work(ctx, out)
	require.Equal(t, []int{1024}, res.Produced)
	require.Len(t, res.Tags, 1)
	assert.Equal(t, TimeTagKey, res.Tags[0].Key)
	assert.Equal(t, uint64(0), res.Tags[0].Offset)
	assert.Equal(t, "usb", res.Tags[0].Source)

	res = f.src.Work(ctx, out)
	assert.Equal(t, []int{1024}, res.Produced)
	assert.Empty(t, res.Tags)

	require.NoError(t, f.src.SetGain(20, 0))
	res = f.src.Work(ctx, out)
	require.Len(t, res.Tags, 1)
	assert.Equal(t, uint64(2048), res.Tags[0].Offset)
	assert.Equal(t, splitTimestamp(2048, 5e6), res.Tags[0].Value)
}

func TestReceiveMissProducesNothing(t *testing.T) {
	f := newFixture(t, testParams("usb", device.LimeSDRUSB, device.ChannelA))
	ctx := context.Background()
	require.NoError(t, f.src.Start(ctx))

	f.stream(0).MissNext(1)
	res := f.src.Work(ctx, buffers(1, 256))
	assert.Empty(t, res.Produced)
	assert.Empty(t, res.Tags)

	res = f.src.Work(ctx, buffers(1, 256))
	assert.Equal(t, []int{256}, res.Produced)
	assert.Len(t, res.Tags, 1, "pending tag survives a miss")
}

func TestWorkBeforeStartProducesNothing(t *testing.T) {
	f := newFixture(t, testParams("usb", device.LimeSDRUSB, device.ChannelA))
	res := f.src.Work(context.Background(), buffers(1, 256))
	assert.Empty(t, res.Produced)
}

func TestMIMOStrictPairing(t *testing.T) {
	f := newFixture(t, testParams("usb", device.LimeSDRUSB, device.MIMO))
	ctx := context.Background()
	require.NoError(t, f.src.Start(ctx))

	f.stream(1).MissNext(1)
	res := f.src.Work(ctx, buffers(2, 512))
	assert.Empty(t, res.Produced)
	assert.Empty(t, res.Tags)

	res = f.src.Work(ctx, buffers(2, 512))
	assert.Equal(t, []int{512, 512}, res.Produced)
	require.Len(t, res.Tags, 2)
	assert.Equal(t, 0, res.Tags[0].Port)
	assert.Equal(t, 1, res.Tags[1].Port)
}

func TestMIMODropsFromBothChannels(t *testing.T) {
	f := newFixture(t, testParams("usb", device.LimeSDRUSB, device.MIMO))
	ctx := context.Background()
	require.NoError(t, f.src.Start(ctx))
	f.src.Work(ctx, buffers(2, 128))

	f.stream(0).InjectDrop(3)
	f.stream(1).InjectDrop(4)
	res := f.src.Work(ctx, buffers(2, 128))
	assert.Len(t, res.Tags, 2)
	assert.Equal(t, uint64(7), f.src.PendingDrops())
}

func TestDropAccountingOncePerWindow(t *testing.T) {
	f := newFixture(t, testParams("usb", device.LimeSDRUSB, device.ChannelA))
	var reports []Stats
	f.src.SetStatsHandler(func(s Stats) { reports = append(reports, s) })
	ctx := context.Background()
	require.NoError(t, f.src.Start(ctx))
	out := buffers(1, 1000)

	f.stream(0).InjectDrop(5)
	f.src.Work(ctx, out)
	f.src.Work(ctx, out)
	assert.Equal(t, uint64(5), f.src.PendingDrops())
	assert.Empty(t, reports)

	f.now = f.now.Add(time.Second)
	f.src.Work(ctx, out)
	require.Len(t, reports, 1)
	assert.Equal(t, uint64(5), reports[0].DroppedPackets)
	assert.Equal(t, "usb", reports[0].Serial)
	assert.Equal(t, uint64(3000), reports[0].Samples)
	assert.InDelta(t, 25.0, reports[0].FIFOPercent(), 1e-9)
	assert.Zero(t, f.src.PendingDrops())

	f.now = f.now.Add(500 * time.Millisecond)
	f.src.Work(ctx, out)
	assert.Len(t, reports, 1)
	assert.Equal(t, uint64(5), f.src.TotalDrops())
}

func TestEndToEndScenario(t *testing.T) {
	p := testParams("1234", device.LimeSDRUSB, device.ChannelA)
	p.SampleRate = 10e6
	f := newFixture(t, p)
	assert.Equal(t, 1000, f.stream(0).Config().FIFOSize)

	ctx := context.Background()
	runner, err := pipeline.NewRunner(f.src, 4096, nil)
	require.NoError(t, err)
	require.NoError(t, f.src.Start(ctx))

	var outputs []pipeline.Output
	collect := func(o pipeline.Output) error {
		o.Samples = nil
		outputs = append(outputs, o)
		return nil
	}
	for _, drops := range []uint32{0, 12, 0} {
		if drops > 0 {
			f.stream(0).InjectDrop(drops)
		}
		require.NoError(t, runner.Step(ctx, collect))
	}

	require.Len(t, outputs, 3)
	assert.Equal(t, []uint64{12288}, runner.Written())
	assert.Len(t, outputs[0].Tags, 1)
	assert.Len(t, outputs[1].Tags, 1)
	assert.Empty(t, outputs[2].Tags)

	assert.Equal(t, uint64(4096), outputs[1].Tags[0].Offset)
	want := uint64(4096 + 12*virtual.SamplesPerPacket)
	assert.Equal(t, splitTimestamp(want, 10e6), outputs[1].Tags[0].Value)
	assert.Equal(t, uint64(12), f.src.PendingDrops())
}

func TestStartFailureMarksDeviceFailed(t *testing.T) {
	f := newFixture(t, testParams("usb", device.LimeSDRUSB, device.ChannelA))
	f.drv.Radio("usb").FailOn("Start", errors.New("usb stall"))

	err := f.src.Start(context.Background())
	assert.ErrorIs(t, err, device.ErrDeviceFailed)
	assert.ErrorIs(t, err, device.ErrStreamSetup)
	assert.ErrorIs(t, f.src.SetGain(10, 0), device.ErrDeviceFailed)
}

func TestStartFailureKeepsStartedChannels(t *testing.T) {
	f := newFixture(t, testParams("usb", device.LimeSDRUSB, device.MIMO))
	f.stream(1).FailStart(errors.New("endpoint busy"))

	err := f.src.Start(context.Background())
	assert.ErrorIs(t, err, device.ErrDeviceFailed)
	assert.Equal(t, []StreamState{Streaming, Configured}, f.src.StreamStates())
	assert.True(t, f.stream(0).Active())
	assert.False(t, f.stream(1).Active())
	assert.False(t, f.src.retag.Load())
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, testParams("usb", device.LimeSDRUSB, device.MIMO))
	require.NoError(t, f.src.Start(context.Background()))
	assert.Equal(t, []StreamState{Streaming, Streaming}, f.src.StreamStates())

	require.NoError(t, f.src.Stop())
	require.NoError(t, f.src.Stop())
	assert.Equal(t, []StreamState{Configured, Configured}, f.src.StreamStates())
	assert.False(t, f.stream(0).Active())

	require.NoError(t, f.src.Start(context.Background()))
	assert.Equal(t, 2, f.stream(0).Starts())
}

func TestStopUnblocksOutstandingReceive(t *testing.T) {
	drv := virtual.NewDriver(true)
	reg := device.NewHandler(drv, nil)
	p := testParams("paced", device.LimeSDRUSB, device.ChannelA)
	p.SampleRate = 1e5
	p.RecvTimeout = 5 * time.Second
	src, err := New(reg, p, nil)
	require.NoError(t, err)
	defer src.Close()
	require.NoError(t, src.Start(context.Background()))

	done := make(chan pipeline.Result)
	go func() { done <- src.Work(context.Background(), buffers(1, 400000)) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, src.Stop())
	select {
	case res := <-done:
		assert.Empty(t, res.Produced)
	case <-time.After(2 * time.Second):
		t.Fatal("receive was not unblocked by stop")
	}
}

func TestSetBufferSize(t *testing.T) {
	f := newFixture(t, testParams("usb", device.LimeSDRUSB, device.ChannelA))
	require.NoError(t, f.src.Start(context.Background()))
	assert.ErrorIs(t, f.src.SetBufferSize(2048), ErrStreamActive)

	require.NoError(t, f.src.Stop())
	require.NoError(t, f.src.SetBufferSize(2048))
	assert.Equal(t, 2048, f.stream(0).Config().FIFOSize)
	assert.Equal(t, 2048, f.src.Params().BufferSize)
	assert.Equal(t, []StreamState{Configured}, f.src.StreamStates())
	assert.ErrorIs(t, f.src.SetBufferSize(0), device.ErrConfiguration)
}

func TestTeardownIdempotence(t *testing.T) {
	drv := virtual.NewDriver(false)
	reg := device.NewHandler(drv, nil)
	src, err := New(reg, testParams("1234", device.LimeSDRUSB, device.ChannelA), nil)
	require.NoError(t, err)
	_, err = reg.Open(device.Identity{Serial: "1234", Model: device.LimeSDRUSB})
	require.NoError(t, err)
	require.Equal(t, 2, reg.Openers("1234"))
	require.NoError(t, src.Start(context.Background()))
	stream := drv.Radio("1234").Stream(0)

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	assert.Equal(t, 1, reg.Openers("1234"))
	assert.True(t, stream.Destroyed())
	assert.Equal(t, []StreamState{Destroyed}, src.StreamStates())

	assert.ErrorIs(t, src.Start(context.Background()), ErrClosed)
	assert.ErrorIs(t, src.SetGain(10, 0), ErrClosed)
	assert.NoError(t, src.Stop())
	assert.Empty(t, src.Work(context.Background(), buffers(1, 16)).Produced)
}

func TestSplitTimestampRoundTrip(t *testing.T) {
	rates := []float64{1e6, 10e6, 30.72e6, 61.44e6}
	stamps := []uint64{0, 1, 4095, 999_999, 61_440_000, 123_456_789, 1 << 40}
	for _, rate := range rates {
		for _, ts := range stamps {
			v := splitTimestamp(ts, rate)
			assert.InDelta(t, float64(ts)/rate, v.Float(), 1e-6, "rate %.0f ts %d", rate, ts)
			assert.GreaterOrEqual(t, v.Frac, 0.0)
			assert.Less(t, v.Frac, 1.0)
			assert.Equal(t, ts/uint64(rate), v.Seconds)
		}
	}

	v := splitTimestamp(3_000_001, 1_500_000.5)
	assert.InDelta(t, 3_000_001/1_500_000.5, v.Float(), 1e-9)
	assert.Equal(t, TimeValue{}, splitTimestamp(42, 0.5))
}
