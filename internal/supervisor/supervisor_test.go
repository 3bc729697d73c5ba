/*
bms-slave - Safety supervisor tests.
Copyright (C) 2024, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TheCacophonyProject/bms-slave/bms"
	"github.com/TheCacophonyProject/bms-slave/canmsg"
	"github.com/TheCacophonyProject/bms-slave/ltc6811"
	"github.com/TheCacophonyProject/bms-slave/ltc6811/ltc6811test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

var noSleepFn = func(d time.Duration) {}

type recordingBus struct {
	mu       sync.Mutex
	sent     []canmsg.Frame
	rx       []canmsg.Frame
	counters canmsg.Counters
}

func (b *recordingBus) Send(f canmsg.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, f)
	return nil
}

func (b *recordingBus) Poll() (canmsg.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.rx) == 0 {
		return canmsg.Frame{}, false
	}
	f := b.rx[0]
	b.rx = b.rx[1:]
	return f, true
}

func (b *recordingBus) Counters() canmsg.Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters
}

func (b *recordingBus) withID(id uint32) []canmsg.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []canmsg.Frame
	for _, f := range b.sent {
		if f.ID == id {
			out = append(out, f)
		}
	}
	return out
}

type recordingReporter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingReporter) Report(eventType string, details map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *recordingReporter) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == eventType {
			n++
		}
	}
	return n
}

type rig struct {
	sup  *Supervisor
	dev  *ltc6811.Device
	fake *ltc6811test.Fake
	pack *bms.Pack
	pin  *gpiotest.Pin
	bus  *recordingBus
	rep  *recordingReporter
	ids  canmsg.IDs
	now  time.Time
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	return newRigWithPolicy(t, cfg, ltc6811.PECAccept)
}

func newRigWithPolicy(t *testing.T, cfg Config, policy ltc6811.PECPolicy) *rig {
	t.Helper()
	fake := ltc6811test.New()
	fake.SetCells(35000)
	for i := 0; i < 4; i++ {
		fake.SetAux(i, 15000) // 25 °C
	}
	pack, err := bms.NewPack(bms.DefaultDepth)
	require.NoError(t, err)
	opts := ltc6811.DefaultOptions()
	opts.Sleep = noSleepFn
	opts.PECPolicy = policy
	dev := ltc6811.New(ltc6811.NewTransport(fake), pack, opts)
	require.NoError(t, dev.Init())

	pin := &gpiotest.Pin{N: "INTERLOCK", L: gpio.High}
	il, err := NewInterlock(pin, gpio.High)
	require.NoError(t, err)

	r := &rig{
		dev:  dev,
		fake: fake,
		pack: pack,
		pin:  pin,
		bus:  &recordingBus{},
		rep:  &recordingReporter{},
		ids:  canmsg.NewIDs(canmsg.DefaultBaseID),
		now:  time.Unix(1700000000, 0),
	}
	r.sup = New(cfg, dev, pack, il, r.bus, r.ids)
	r.sup.SetReporter(r.rep)
	r.sup.sleep = noSleepFn
	return r
}

// tick advances the clock by one sampling period and runs a cycle.
func (r *rig) tick() State {
	r.now = r.now.Add(r.sup.cfg.SamplePeriod)
	return r.sup.Tick(r.now)
}

func TestEndToEndFaultAndRecovery(t *testing.T) {
	r := newRig(t, DefaultConfig())
	assert.Equal(t, gpio.Low, r.pin.Read(), "interlock starts at the fault level")

	for i := 0; i < 5; i++ {
		assert.Equal(t, IdleSafe, r.tick())
	}
	assert.Equal(t, uint16(35000), r.pack.AvgVolt())
	assert.Equal(t, uint16(35000), r.pack.MinVolt())
	assert.Equal(t, uint16(35000), r.pack.MaxVolt())
	assert.Equal(t, gpio.High, r.pin.Read())
	assert.Empty(t, r.bus.withID(r.ids.Fault))

	// 500 ms of over-voltage on cell 0.
	r.fake.SetCell(0, 44000)
	for i := 0; i < 4; i++ {
		assert.Equal(t, DebouncedSafe, r.tick(), "tick %d", i)
		assert.Equal(t, gpio.High, r.pin.Read())
	}
	assert.Equal(t, Fault, r.tick())
	assert.Equal(t, gpio.Low, r.pin.Read())

	faults := r.bus.withID(r.ids.Fault)
	require.Len(t, faults, 1)
	report, err := r.ids.DecodeFault(faults[0])
	require.NoError(t, err)
	assert.Equal(t, canmsg.FaultOverVoltage, report.Flags)
	assert.Equal(t, uint16(44000), report.MaxVolt)

	r.fake.SetCell(0, 35000)
	assert.Equal(t, IdleSafe, r.tick())
	assert.Equal(t, gpio.High, r.pin.Read())
	assert.Len(t, r.bus.withID(r.ids.Fault), 1)
	assert.Equal(t, 1, r.rep.count(EventFault))
	assert.Equal(t, 1, r.rep.count(EventRecovered))
}

func TestFaultOncePerEpisode(t *testing.T) {
	r := newRig(t, DefaultConfig())
	r.tick()
	r.fake.SetCell(5, 31000)
	for i := 0; i < 20; i++ {
		r.tick()
	}
	assert.Equal(t, Fault, r.sup.State())
	assert.Equal(t, 1, r.rep.count(EventFault))
	assert.Equal(t, uint64(1), r.sup.Status().Faults)

	// Entry at 500 ms, then at most one repeat per debounce window.
	faults := r.bus.withID(r.ids.Fault)
	require.Len(t, faults, 4)
	for i, f := range faults {
		report, err := r.ids.DecodeFault(f)
		require.NoError(t, err)
		assert.Equal(t, canmsg.FaultUnderVoltage, report.Flags)
		assert.Equal(t, uint8(i+1), report.Counter)
	}

	// A single good cycle clears the fault, a new violation is a new episode.
	r.fake.SetCell(5, 35000)
	assert.Equal(t, IdleSafe, r.tick())
	r.fake.SetCell(5, 31000)
	for i := 0; i < 5; i++ {
		r.tick()
	}
	assert.Equal(t, Fault, r.sup.State())
	assert.Equal(t, 2, r.rep.count(EventFault))
}

func TestShortViolationIgnored(t *testing.T) {
	r := newRig(t, DefaultConfig())
	r.tick()
	for round := 0; round < 3; round++ {
		r.fake.SetAux(2, 1000) // far too hot
		for i := 0; i < 4; i++ {
			assert.Equal(t, DebouncedSafe, r.tick())
		}
		r.fake.SetAux(2, 15000)
		assert.Equal(t, IdleSafe, r.tick())
	}
	assert.Equal(t, gpio.High, r.pin.Read())
	assert.Empty(t, r.bus.withID(r.ids.Fault))
}

func TestAcquisitionLossFailsSafe(t *testing.T) {
	r := newRig(t, DefaultConfig())
	r.fake.Fail(errors.New("isoSPI link down"))
	for i := 0; i < 6; i++ {
		r.tick()
	}
	assert.Equal(t, Fault, r.sup.State())
	assert.Equal(t, gpio.Low, r.pin.Read())
	faults := r.bus.withID(r.ids.Fault)
	require.NotEmpty(t, faults)
	report, err := r.ids.DecodeFault(faults[0])
	require.NoError(t, err)
	assert.NotZero(t, report.Flags&canmsg.FaultAcquisition)

	r.fake.Fail(nil)
	assert.Equal(t, IdleSafe, r.tick())
	assert.Equal(t, gpio.High, r.pin.Read())
}

func TestVoltageLossFailsSafe(t *testing.T) {
	r := newRig(t, DefaultConfig())
	assert.Equal(t, IdleSafe, r.tick())

	// Temperatures keep arriving while the cell conversion fails.
	r.fake.FailCommand(ltc6811.ADCV, errors.New("conversion lost"))
	for i := 0; i < 4; i++ {
		assert.Equal(t, DebouncedSafe, r.tick(), "tick %d", i)
		assert.Equal(t, gpio.High, r.pin.Read())
	}
	assert.Equal(t, Fault, r.tick())
	assert.Equal(t, gpio.Low, r.pin.Read())
	for i := 0; i < 25; i++ {
		assert.Equal(t, Fault, r.tick())
	}
	assert.Equal(t, gpio.Low, r.pin.Read())

	faults := r.bus.withID(r.ids.Fault)
	require.NotEmpty(t, faults)
	report, err := r.ids.DecodeFault(faults[0])
	require.NoError(t, err)
	assert.Equal(t, canmsg.FaultAcquisition, report.Flags)

	r.fake.FailCommand(ltc6811.ADCV, nil)
	assert.Equal(t, IdleSafe, r.tick())
	assert.Equal(t, gpio.High, r.pin.Read())
}

func TestRejectedGroupsFailSafe(t *testing.T) {
	r := newRigWithPolicy(t, DefaultConfig(), ltc6811.PECReject)
	assert.Equal(t, IdleSafe, r.tick())

	r.fake.CorruptPEC(ltc6811.RDCVB, 1000)
	for i := 0; i < 4; i++ {
		assert.Equal(t, DebouncedSafe, r.tick(), "tick %d", i)
	}
	assert.Equal(t, Fault, r.tick())
	assert.Equal(t, gpio.Low, r.pin.Read())
	assert.NotZero(t, r.sup.Status().Counters.PECErrors)

	r.fake.CorruptPEC(ltc6811.RDCVB, 0)
	assert.Equal(t, IdleSafe, r.tick())
	assert.Equal(t, gpio.High, r.pin.Read())
}

func TestStaleTemperatureFailsSafe(t *testing.T) {
	r := newRig(t, DefaultConfig())
	assert.Equal(t, IdleSafe, r.tick())

	r.fake.FailCommand(ltc6811.RDAUXB, errors.New("glitch"))
	for i := 0; i < 4; i++ {
		assert.Equal(t, DebouncedSafe, r.tick(), "tick %d", i)
	}
	assert.Equal(t, Fault, r.tick())
	r.fake.FailCommand(ltc6811.RDAUXB, nil)
	assert.Equal(t, IdleSafe, r.tick())
}

func TestStaleValuesAfterGoodCycle(t *testing.T) {
	r := newRig(t, DefaultConfig())
	r.tick()
	r.fake.Fail(errors.New("glitch"))
	// Stale readings are in limits but acquisition is lost.
	assert.Equal(t, DebouncedSafe, r.tick())
	assert.Equal(t, uint16(35000), r.pack.Latest().MinVolt)
	r.fake.Fail(nil)
	assert.Equal(t, IdleSafe, r.tick())
}

func TestRollingLimitSource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LimitSource = LimitRolling
	cfg.Debounce = 0
	r := newRig(t, cfg)
	for i := 0; i < 5; i++ {
		r.tick()
	}
	// One high cycle barely moves the moving average.
	r.fake.SetCell(0, 43000)
	assert.Equal(t, IdleSafe, r.tick())
	for i := 0; i < 4; i++ {
		r.tick()
	}
	assert.Equal(t, Fault, r.sup.State())
}

func TestBalancingArbitration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BalanceCheckTicks = 2
	r := newRig(t, cfg)
	r.fake.SetCell(2, 35300)
	r.tick()

	r.sup.RequestBalancing(true)
	r.tick()
	assert.Equal(t, ltc6811.Balancing, r.dev.Mode())
	cfgRegs := r.fake.Config()
	assert.Equal(t, byte(1<<2), cfgRegs[4])

	r.tick()
	assert.True(t, r.sup.BalancingRequested())

	r.fake.SetCell(2, 35000)
	r.tick()
	assert.Zero(t, r.fake.Config()[4])
	r.tick()
	assert.False(t, r.sup.BalancingRequested())
	assert.Equal(t, 1, r.rep.count(EventBalancingComplete))

	r.tick()
	assert.Equal(t, ltc6811.Normal, r.dev.Mode())
}

func TestNoBalancingInFault(t *testing.T) {
	r := newRig(t, DefaultConfig())
	r.tick()
	r.fake.SetCell(0, 44000)
	for i := 0; i < 5; i++ {
		r.tick()
	}
	require.Equal(t, Fault, r.sup.State())
	r.sup.RequestBalancing(true)
	r.tick()
	assert.Equal(t, ltc6811.Normal, r.dev.Mode())
	assert.Zero(t, r.fake.Config()[4])
}

func TestPollBusControl(t *testing.T) {
	r := newRig(t, DefaultConfig())
	r.bus.rx = []canmsg.Frame{
		canmsg.NewFrame(0x60, []byte{1}),
		canmsg.NewFrame(0x7FF, []byte{1}),
		canmsg.NewFrame(0x61, []byte{1}),
	}
	r.sup.PollBus(r.now)
	assert.True(t, r.sup.BalancingRequested())
	assert.True(t, r.sup.Diagnostic())

	r.bus.rx = []canmsg.Frame{canmsg.NewFrame(0x60, []byte{0})}
	r.sup.PollBus(r.now)
	assert.False(t, r.sup.BalancingRequested())
}

func TestBusSilence(t *testing.T) {
	r := newRig(t, DefaultConfig())
	r.sup.PollBus(r.now)
	assert.False(t, r.sup.silent)
	r.sup.PollBus(r.now.Add(11 * time.Second))
	assert.True(t, r.sup.silent)
	r.bus.rx = []canmsg.Frame{canmsg.NewFrame(0x100, nil)}
	r.sup.PollBus(r.now.Add(12 * time.Second))
	assert.False(t, r.sup.silent)
}

func TestSendTelemetry(t *testing.T) {
	r := newRig(t, DefaultConfig())
	r.pack.SetCurrent(1500)
	for i := 0; i < 5; i++ {
		r.tick()
	}
	r.sup.SendTelemetry()
	require.Len(t, r.bus.sent, 2)
	assert.Equal(t, r.ids.EncodeVoltageSummary(r.pack.Aggregates()), r.bus.sent[0])
	assert.Equal(t, uint32(0x58), r.bus.sent[1].ID)

	r.bus.sent = nil
	r.sup.SetDiagnostic(true)
	r.sup.SendTelemetry()
	require.Len(t, r.bus.sent, 7)
	assert.Equal(t, uint32(0x59), r.bus.sent[2].ID)
	assert.Equal(t, uint32(0x5D), r.bus.sent[6].ID)
}

func TestStatus(t *testing.T) {
	r := newRig(t, DefaultConfig())
	r.tick()
	st := r.sup.Status()
	assert.Equal(t, "idle-safe", st.State)
	assert.True(t, st.InterlockSafe)
	assert.Equal(t, "normal", st.Mode)
	assert.Equal(t, "none", st.Flags)
	assert.Equal(t, uint16(35000), st.Pack.Latest.MaxVolt)

	r.bus.mu.Lock()
	r.bus.counters = canmsg.Counters{Dropped: 3, SendErrors: 1}
	r.bus.mu.Unlock()
	assert.Equal(t, canmsg.Counters{Dropped: 3, SendErrors: 1}, r.sup.Status().Bus)
}

func TestRunStopsWithContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SamplePeriod = 2 * time.Millisecond
	cfg.SendPeriod = 3 * time.Millisecond
	cfg.PollPeriod = time.Millisecond
	cfg.SendPacing = 0
	r := newRig(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.sup.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.NotEmpty(t, r.bus.withID(r.ids.VoltageSummary))
	assert.Equal(t, gpio.High, r.pin.Read())
}

func TestRunGuardedRecovers(t *testing.T) {
	assert.NotPanics(t, func() {
		runGuarded("test", time.Now(), func(time.Time) { panic("boom") })
	})
}

func TestLimits(t *testing.T) {
	l := DefaultLimits()
	require.NoError(t, l.Validate())
	ok := bms.Aggregates{MinVolt: 32000, MaxVolt: 42800, MinTemp: 100, MaxTemp: 600}
	assert.Zero(t, l.Check(ok))
	assert.Equal(t, canmsg.FaultOverVoltage|canmsg.FaultOverTemp,
		l.Check(bms.Aggregates{MinVolt: 35000, MaxVolt: 42801, MinTemp: 200, MaxTemp: 601}))
	assert.Equal(t, canmsg.FaultUnderVoltage|canmsg.FaultUnderTemp,
		l.Check(bms.Aggregates{MinVolt: 31999, MaxVolt: 35000, MinTemp: 99, MaxTemp: 300}))
	assert.Error(t, Limits{MinVolt: 5, MaxVolt: 5, MinTemp: 0, MaxTemp: 1}.Validate())

	src, err := ParseLimitSource("rolling")
	require.NoError(t, err)
	assert.Equal(t, LimitRolling, src)
	_, err = ParseLimitSource("peak")
	assert.Error(t, err)
}
