/*
bms-slave - Safety supervisor.
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
	"time"

	"github.com/TheCacophonyProject/bms-slave/bms"
	"github.com/TheCacophonyProject/bms-slave/canmsg"
	"github.com/TheCacophonyProject/bms-slave/internal/logging"
	"github.com/TheCacophonyProject/bms-slave/ltc6811"
)

var log = logging.NewLogger("info")

// SetLogger replaces the package logger.
func SetLogger(l *logging.Logger) {
	log = l
}

const (
	EventFault             = "bmsInterlockFault"
	EventRecovered         = "bmsInterlockRecovered"
	EventBalancingComplete = "bmsBalancingComplete"
)

// State of the safety state machine.
type State int

const (
	IdleSafe State = iota
	DebouncedSafe
	Fault
)

func (s State) String() string {
	switch s {
	case DebouncedSafe:
		return "debounced-safe"
	case Fault:
		return "fault"
	}
	return "idle-safe"
}

// Device is the part of the LTC6811 driver the supervisor uses.
type Device interface {
	ReadCellVoltages() error
	ReadTemperatures() error
	BalanceCells() (uint16, error)
	NeedsBalancing() bool
	SetMode(ltc6811.Mode) error
	Mode() ltc6811.Mode
	Counters() ltc6811.Counters
}

// Bus sends telemetry and polls for control frames.
type Bus interface {
	Send(frame canmsg.Frame) error
	Poll() (canmsg.Frame, bool)
	Counters() canmsg.Counters
}

// Reporter records notable events.
type Reporter interface {
	Report(eventType string, details map[string]interface{})
}

type Config struct {
	Limits            Limits
	LimitSource       LimitSource
	Debounce          time.Duration
	BalanceCheckTicks int
	SamplePeriod      time.Duration
	SendPeriod        time.Duration
	SendPacing        time.Duration
	PollPeriod        time.Duration
	SilenceWarning    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Limits:            DefaultLimits(),
		LimitSource:       LimitCycle,
		Debounce:          450 * time.Millisecond,
		BalanceCheckTicks: 10,
		SamplePeriod:      100 * time.Millisecond,
		SendPeriod:        200 * time.Millisecond,
		SendPacing:        10 * time.Millisecond,
		PollPeriod:        10 * time.Millisecond,
		SilenceWarning:    10 * time.Second,
	}
}

// Supervisor samples the device, keeps the interlock in step with the
// limits and arbitrates balancing.
type Supervisor struct {
	cfg       Config
	dev       Device
	pack      *bms.Pack
	interlock *Interlock
	bus       Bus
	ids       canmsg.IDs
	reporter  Reporter
	sleep     func(time.Duration)

	balanceRequested Flag
	diagnostic       Flag

	mu             sync.Mutex
	state          State
	flags          canmsg.FaultFlags
	lastGood       time.Time
	lastFaultFrame time.Time
	faultCounter   uint8
	faults         uint64

	// Owned by the sampling task.
	balanceTicks int
	// Owned by the receive task.
	lastRx time.Time
	silent bool
}

func New(cfg Config, dev Device, pack *bms.Pack, interlock *Interlock, bus Bus, ids canmsg.IDs) *Supervisor {
	if cfg.BalanceCheckTicks < 1 {
		cfg.BalanceCheckTicks = 1
	}
	return &Supervisor{
		cfg:       cfg,
		dev:       dev,
		pack:      pack,
		interlock: interlock,
		bus:       bus,
		ids:       ids,
		reporter:  nopReporter{},
		sleep:     time.Sleep,
	}
}

type nopReporter struct{}

func (nopReporter) Report(string, map[string]interface{}) {}

func (s *Supervisor) SetReporter(r Reporter) {
	s.reporter = r
}

// RequestBalancing sets or clears the external balancing request.
func (s *Supervisor) RequestBalancing(on bool) {
	if s.balanceRequested.Set(on) {
		log.Infof("Balancing request %t", on)
	}
}

func (s *Supervisor) BalancingRequested() bool {
	return s.balanceRequested.Get()
}

// SetDiagnostic enables the per-cell diagnostic frames.
func (s *Supervisor) SetDiagnostic(on bool) {
	if s.diagnostic.Set(on) {
		log.Infof("Diagnostic mode %t", on)
	}
}

func (s *Supervisor) Diagnostic() bool {
	return s.diagnostic.Get()
}

type action struct {
	state     State
	drive     bool
	safe      bool
	entered   bool
	recovered bool
	sendFault bool
	report    canmsg.FaultReport
}

// Tick runs one sampling cycle. Voltages are always read before
// temperatures. Read errors are logged and the cycle continues with the
// values still held.
func (s *Supervisor) Tick(now time.Time) State {
	errV := s.dev.ReadCellVoltages()
	if errV != nil {
		log.Warnf("Reading cell voltages: %v", errV)
	}
	errT := s.dev.ReadTemperatures()
	if errT != nil {
		log.Warnf("Reading temperatures: %v", errT)
	}
	frame := s.pack.CloseCycle()

	agg := frame.Aggregates
	if s.cfg.LimitSource == LimitRolling {
		agg = s.pack.Aggregates()
	}
	flags := s.cfg.Limits.Check(agg)
	// A cycle that left any cell or sensor stale is not good.
	if errors.Is(errV, ltc6811.ErrStale) || errors.Is(errT, ltc6811.ErrStale) {
		flags |= canmsg.FaultAcquisition
	}

	act := s.evaluate(now, flags, agg)
	s.apply(act)
	s.arbitrateBalancing(act.state)
	return act.state
}

// evaluate advances the state machine. Entering Fault needs the limits to
// have been violated for the whole debounce interval, leaving it needs one
// good cycle.
func (s *Supervisor) evaluate(now time.Time, flags canmsg.FaultFlags, agg bms.Aggregates) action {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastGood.IsZero() {
		s.lastGood = now
	}
	s.flags = flags

	if flags == 0 {
		act := action{drive: true, safe: true, recovered: s.state == Fault}
		s.state = IdleSafe
		s.lastGood = now
		act.state = s.state
		return act
	}

	var act action
	if s.state != Fault {
		if now.Sub(s.lastGood) < s.cfg.Debounce {
			s.state = DebouncedSafe
			act.state = s.state
			return act
		}
		s.state = Fault
		s.faults++
		act.entered = true
	}
	act.state = s.state
	act.drive = true
	if act.entered || now.Sub(s.lastFaultFrame) >= s.cfg.Debounce {
		s.lastFaultFrame = now
		s.faultCounter++
		act.sendFault = true
		act.report = canmsg.FaultReport{
			Flags:   flags,
			MaxVolt: agg.MaxVolt,
			MinVolt: agg.MinVolt,
			MaxTemp: agg.MaxTemp,
			Counter: s.faultCounter,
		}
	}
	return act
}

func (s *Supervisor) apply(act action) {
	if act.drive {
		if err := s.interlock.Set(act.safe); err != nil {
			log.Errorf("Driving interlock: %v", err)
		}
	}
	if act.entered {
		log.Warnf("Interlock fault: %s", act.report.Flags)
		s.reporter.Report(EventFault, map[string]interface{}{
			"flags":   act.report.Flags.String(),
			"maxVolt": act.report.MaxVolt,
			"minVolt": act.report.MinVolt,
			"maxTemp": act.report.MaxTemp,
		})
	}
	if act.sendFault {
		if err := s.bus.Send(s.ids.EncodeFault(act.report)); err != nil {
			log.Errorf("Sending fault frame: %v", err)
		}
	}
	if act.recovered {
		log.Info("Interlock recovered")
		s.reporter.Report(EventRecovered, nil)
	}
}

// arbitrateBalancing applies the balancing request to the device mode and,
// while balancing, refreshes the discharge bitmap. The request is dropped
// once no cell needs discharging.
func (s *Supervisor) arbitrateBalancing(state State) {
	want := ltc6811.Normal
	if s.balanceRequested.Get() && state != Fault {
		want = ltc6811.Balancing
	}
	if s.dev.Mode() != want {
		if err := s.dev.SetMode(want); err != nil {
			log.Warnf("Setting %s mode: %v", want, err)
			return
		}
		log.Infof("Operating mode %s", want)
		s.balanceTicks = 0
	}
	if want != ltc6811.Balancing {
		return
	}

	bitmap, err := s.dev.BalanceCells()
	if err != nil {
		log.Warnf("Writing discharge bitmap: %v", err)
	} else {
		log.Debugf("Discharge bitmap 0x%03X", bitmap)
	}
	s.balanceTicks++
	if s.balanceTicks%s.cfg.BalanceCheckTicks == 0 && !s.dev.NeedsBalancing() {
		log.Info("Cells balanced")
		s.balanceRequested.Set(false)
		s.reporter.Report(EventBalancingComplete, nil)
	}
}

// SendTelemetry sends the summary frames, and the diagnostic frames when
// diagnostic mode is on, pacing each frame.
func (s *Supervisor) SendTelemetry() {
	sum := s.pack.Summary()
	frames := []canmsg.Frame{
		s.ids.EncodeVoltageSummary(sum.Aggregates),
		s.ids.EncodeTempCurrent(sum.Aggregates, sum.CurrentMA),
	}
	if s.diagnostic.Get() {
		diag := s.ids.EncodeCellDiag(sum.Latest.Cells)
		frames = append(frames, diag[:]...)
		frames = append(frames, s.ids.EncodeTempDiag(sum.Latest.Temps))
	}
	for i, f := range frames {
		if i > 0 && s.cfg.SendPacing > 0 {
			s.sleep(s.cfg.SendPacing)
		}
		if err := s.bus.Send(f); err != nil {
			log.Debugf("Dropped frame %s: %v", f, err)
		}
	}
}

// PollBus handles every queued control frame.
func (s *Supervisor) PollBus(now time.Time) {
	for {
		f, ok := s.bus.Poll()
		if !ok {
			break
		}
		s.lastRx = now
		s.silent = false
		c, ok := s.ids.DecodeControl(f)
		if !ok {
			continue
		}
		switch c.Kind {
		case canmsg.ControlBalancing:
			s.RequestBalancing(c.Enable)
		case canmsg.ControlDiagnostic:
			s.SetDiagnostic(c.Enable)
		}
	}
	if s.lastRx.IsZero() {
		s.lastRx = now
	}
	if !s.silent && s.cfg.SilenceWarning > 0 && now.Sub(s.lastRx) >= s.cfg.SilenceWarning {
		log.Infof("Nothing received on the bus for %s", now.Sub(s.lastRx).Round(time.Second))
		s.silent = true
	}
}

// Status is a snapshot for the status service.
type Status struct {
	State              string           `json:"state"`
	InterlockSafe      bool             `json:"interlockSafe"`
	Flags              string           `json:"flags"`
	Faults             uint64           `json:"faults"`
	Mode               string           `json:"mode"`
	BalancingRequested bool             `json:"balancingRequested"`
	Diagnostic         bool             `json:"diagnostic"`
	Pack               bms.Summary      `json:"pack"`
	Counters           ltc6811.Counters `json:"counters"`
	Bus                canmsg.Counters  `json:"bus"`
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		State:  s.state.String(),
		Flags:  s.flags.String(),
		Faults: s.faults,
	}
	s.mu.Unlock()
	st.InterlockSafe = s.interlock.Safe()
	st.Mode = s.dev.Mode().String()
	st.BalancingRequested = s.balanceRequested.Get()
	st.Diagnostic = s.diagnostic.Get()
	st.Pack = s.pack.Summary()
	st.Counters = s.dev.Counters()
	st.Bus = s.bus.Counters()
	return st
}

// State returns the current safety state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run starts the sampling, telemetry and receive tasks and blocks until ctx
// is done.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	tasks := []struct {
		name   string
		period time.Duration
		fn     func(time.Time)
	}{
		{"sample", s.cfg.SamplePeriod, func(now time.Time) { s.Tick(now) }},
		{"telemetry", s.cfg.SendPeriod, func(time.Time) { s.SendTelemetry() }},
		{"receive", s.cfg.PollPeriod, s.PollBus},
	}
	for _, t := range tasks {
		wg.Add(1)
		go func(name string, period time.Duration, fn func(time.Time)) {
			defer wg.Done()
			every(ctx, name, period, fn)
		}(t.name, t.period, t.fn)
	}
	wg.Wait()
}

func every(ctx context.Context, name string, period time.Duration, fn func(time.Time)) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			runGuarded(name, now, fn)
		}
	}
}

// runGuarded keeps a task loop alive if one iteration panics.
func runGuarded(name string, now time.Time, fn func(time.Time)) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("%s task: %v", name, r)
		}
	}()
	fn(now)
}
