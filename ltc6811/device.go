/*
bms-slave - LTC6811 battery monitor driver.
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

package ltc6811

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheCacophonyProject/bms-slave/bms"
)

const (
	groupLen        = 6
	frameLen        = groupLen + 2
	sleepWakeBytes  = 50
	idleWakeBytes   = 8
	convSettle      = 6 * time.Millisecond
	initSettle      = 10 * time.Millisecond
	maxInitAttempts = 3
	initRetryDelay  = 100 * time.Millisecond
	pecRetries      = 2

	// DefaultBalanceEpsilon is the discharge hysteresis in 0.1 mV.
	DefaultBalanceEpsilon = 50
)

var (
	ErrPEC            = errors.New("pec mismatch")
	ErrConfigMismatch = errors.New("configuration read-back mismatch")
	// ErrStale is joined to a read error when at least one register group
	// was not refreshed and the pack holds its previous values.
	ErrStale = errors.New("stale register data")
)

// PECError reports a register group that failed its PEC check.
type PECError struct {
	Group Command
	Got   [2]byte
	Want  [2]byte
}

func (e *PECError) Error() string {
	return fmt.Sprintf("%s: pec mismatch, got %02X%02X want %02X%02X",
		e.Group, e.Got[0], e.Got[1], e.Want[0], e.Want[1])
}

func (e *PECError) Unwrap() error {
	return ErrPEC
}

// Mode is the operating mode of the device.
type Mode int

const (
	Normal Mode = iota
	Balancing
)

func (m Mode) String() string {
	if m == Balancing {
		return "balancing"
	}
	return "normal"
}

// PECPolicy decides what happens to a register group that fails its PEC.
type PECPolicy int

const (
	// PECAccept applies the unverified values.
	PECAccept PECPolicy = iota
	// PECReject discards the group, keeping the previous values.
	PECReject
	// PECRetry re-reads the group, then rejects it if it still fails.
	PECRetry
)

var pecPolicyNames = map[PECPolicy]string{
	PECAccept: "accept",
	PECReject: "reject",
	PECRetry:  "retry",
}

func (p PECPolicy) String() string {
	return pecPolicyNames[p]
}

func ParsePECPolicy(s string) (PECPolicy, error) {
	for p, name := range pecPolicyNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return PECAccept, fmt.Errorf("unknown pec policy %q", s)
}

// Options configures a Device.
type Options struct {
	Thresholds     Thresholds
	BalanceEpsilon uint16
	PECPolicy      PECPolicy
	Thermistor     Thermistor
	// Sleep waits out conversion and wake-up delays. Defaults to time.Sleep.
	Sleep func(time.Duration)
}

// DefaultOptions uses 3.2 V and 4.28 V comparison thresholds.
func DefaultOptions() Options {
	return Options{
		Thresholds:     Thresholds{Undervoltage: 32000, Overvoltage: 42800},
		BalanceEpsilon: DefaultBalanceEpsilon,
		PECPolicy:      PECAccept,
		Thermistor:     DefaultThermistor,
	}
}

// Counters are totals since the device was created.
type Counters struct {
	PECErrors       uint64 `json:"pecErrors"`
	TransportErrors uint64 `json:"transportErrors"`
	Retries         uint64 `json:"retries"`
}

// Device drives one LTC6811 and stores its readings in a Pack.
type Device struct {
	bus  *Transport
	pack *bms.Pack
	opts Options

	mu   sync.Mutex
	mode Mode
	cfg  ConfigRegisters

	pecErrors       atomic.Uint64
	transportErrors atomic.Uint64
	retries         atomic.Uint64
}

func New(bus *Transport, pack *bms.Pack, opts Options) *Device {
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	return &Device{
		bus:  bus,
		pack: pack,
		opts: opts,
		cfg:  BuildConfig(opts.Thresholds, 0),
	}
}

// Init wakes the device from sleep, writes the configuration and checks it
// by reading it back. An error here means the device can't be trusted.
func (d *Device) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = BuildConfig(d.opts.Thresholds, 0)

	var err error
	for attempt := 0; attempt < maxInitAttempts; attempt++ {
		if attempt > 0 {
			d.retries.Add(1)
			d.opts.Sleep(initRetryDelay)
		}
		err = d.bus.Exclusive(func(l Link) error {
			if err := l.Write(idleBytes(sleepWakeBytes)); err != nil {
				return err
			}
			if err := d.writeConfig(l); err != nil {
				return err
			}
			d.opts.Sleep(initSettle)
			if err := l.Write(idleBytes(idleWakeBytes)); err != nil {
				return err
			}
			data, err := d.readRaw(l, RDCFGA)
			if err != nil {
				return err
			}
			return d.cfg.matches(data)
		})
		if err == nil {
			return nil
		}
		d.count(err)
	}
	if !errors.Is(err, ErrConfigMismatch) {
		err = fmt.Errorf("%w: %w", ErrConfigMismatch, err)
	}
	return fmt.Errorf("init failed after %d attempts: %w", maxInitAttempts, err)
}

// WriteConfig writes the current configuration registers.
func (d *Device) WriteConfig() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bus.Exclusive(d.writeConfig)
}

func (d *Device) writeConfig(l Link) error {
	if err := l.Write(idleBytes(idleWakeBytes)); err != nil {
		return err
	}
	cmd := WRCFGA.Frame()
	frame := append(cmd[:], d.cfg.Frame()...)
	return l.Write(frame)
}

// StartVoltageConversion starts a conversion of all cells and waits for it.
func (d *Device) StartVoltageConversion() error {
	return d.bus.Exclusive(func(l Link) error { return d.convert(l, ADCV) })
}

// StartTemperatureConversion starts a conversion of the GPIO inputs and
// waits for it.
func (d *Device) StartTemperatureConversion() error {
	return d.bus.Exclusive(func(l Link) error { return d.convert(l, ADAX) })
}

func (d *Device) convert(l Link, cmd Command) error {
	if err := l.Write(idleBytes(idleWakeBytes)); err != nil {
		return err
	}
	frame := cmd.Frame()
	if err := l.Write(frame[:]); err != nil {
		return err
	}
	d.opts.Sleep(convSettle)
	return nil
}

// ReadCellVoltages converts and reads all 12 cells into the pack. Groups
// that fail keep their previous values. The returned error joins every
// group failure, and ErrStale when any group was left unchanged.
func (d *Device) ReadCellVoltages() error {
	var groups [len(cellGroups)][]byte
	var errs []error
	err := d.bus.Exclusive(func(l Link) error {
		if err := d.convert(l, ADCV); err != nil {
			return err
		}
		for g, cmd := range cellGroups {
			data, err := d.readGroup(l, cmd)
			if err != nil {
				errs = append(errs, err)
			}
			groups[g] = data
		}
		return nil
	})
	if err != nil {
		d.count(err)
		return errors.Join(err, ErrStale)
	}

	for g, data := range groups {
		if data == nil {
			errs = append(errs, fmt.Errorf("%s: %w", cellGroups[g], ErrStale))
			continue
		}
		for k := 0; k < CellsPerGroup; k++ {
			code := binary.LittleEndian.Uint16(data[2*k:])
			d.pack.UpdateCell(g*CellsPerGroup+k, code)
		}
	}
	return errors.Join(errs...)
}

// ReadTemperatures converts and reads GPIO1-4 and stores them in the pack
// as temperatures. Like ReadCellVoltages it reports ErrStale for a group
// that was not applied.
func (d *Device) ReadTemperatures() error {
	var auxA, auxB []byte
	var errs []error
	err := d.bus.Exclusive(func(l Link) error {
		if err := d.convert(l, ADAX); err != nil {
			return err
		}
		var err error
		if auxA, err = d.readGroup(l, RDAUXA); err != nil {
			errs = append(errs, err)
		}
		if auxB, err = d.readGroup(l, RDAUXB); err != nil {
			errs = append(errs, err)
		}
		return nil
	})
	if err != nil {
		d.count(err)
		return errors.Join(err, ErrStale)
	}

	if auxA == nil {
		errs = append(errs, fmt.Errorf("%s: %w", RDAUXA, ErrStale))
	} else {
		for k := 0; k < 3; k++ {
			code := binary.LittleEndian.Uint16(auxA[2*k:])
			d.pack.UpdateTemp(k, d.opts.Thermistor.Temperature(code))
		}
	}
	if auxB == nil {
		errs = append(errs, fmt.Errorf("%s: %w", RDAUXB, ErrStale))
	} else {
		code := binary.LittleEndian.Uint16(auxB)
		d.pack.UpdateTemp(3, d.opts.Thermistor.Temperature(code))
	}
	return errors.Join(errs...)
}

// readGroup reads a register group applying the PEC policy. A non-nil
// result should be applied even when err is set.
func (d *Device) readGroup(l Link, cmd Command) ([]byte, error) {
	attempts := 1
	if d.opts.PECPolicy == PECRetry {
		attempts += pecRetries
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			d.retries.Add(1)
		}
		var data []byte
		data, err = d.readRaw(l, cmd)
		if err == nil {
			return data, nil
		}
		d.count(err)
		if errors.Is(err, ErrTransport) {
			return nil, err
		}
		if d.opts.PECPolicy == PECAccept {
			return data, err
		}
	}
	return nil, err
}

// readRaw sends a read command and returns the 6 data bytes. On a PEC
// mismatch the data is still returned.
func (d *Device) readRaw(l Link, cmd Command) ([]byte, error) {
	tx := idleBytes(4 + frameLen)
	c := cmd.Frame()
	copy(tx, c[:])
	rx := make([]byte, len(tx))
	if err := l.Transfer(tx, rx); err != nil {
		return nil, err
	}
	resp := rx[4:]
	if !CheckPEC(resp) {
		return resp[:groupLen], &PECError{
			Group: cmd,
			Got:   [2]byte{resp[groupLen], resp[groupLen+1]},
			Want:  PEC(resp[:groupLen]),
		}
	}
	return resp[:groupLen], nil
}

func (d *Device) count(err error) {
	switch {
	case errors.Is(err, ErrTransport):
		d.transportErrors.Add(1)
	case errors.Is(err, ErrPEC):
		d.pecErrors.Add(1)
	}
}

// DischargeBitmap marks every cell more than epsilon above the lowest cell.
// Nothing is marked while any cell reads zero.
func DischargeBitmap(cells [bms.CellCount]uint16, epsilon uint16) uint16 {
	lo, hi := cells[0], cells[0]
	for _, v := range cells {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if lo == 0 || hi == 0 {
		return 0
	}
	var bitmap uint16
	for i, v := range cells {
		if uint32(v) > uint32(lo)+uint32(epsilon) {
			bitmap |= 1 << i
		}
	}
	return bitmap
}

// BalanceCells recomputes the discharge bitmap from the last closed cycle
// and writes it. Outside balancing mode the bitmap is always empty.
func (d *Device) BalanceCells() (uint16, error) {
	frame := d.pack.Latest()

	d.mu.Lock()
	defer d.mu.Unlock()
	var bitmap uint16
	if d.mode == Balancing {
		bitmap = DischargeBitmap(frame.Cells, d.opts.BalanceEpsilon)
	}
	d.cfg = BuildConfig(d.opts.Thresholds, bitmap)
	err := d.bus.Exclusive(d.writeConfig)
	if err != nil {
		d.count(err)
	}
	return bitmap, err
}

// NeedsBalancing reports whether any cell of the last closed cycle is more
// than the epsilon above the lowest cell.
func (d *Device) NeedsBalancing() bool {
	return DischargeBitmap(d.pack.Latest().Cells, d.opts.BalanceEpsilon) != 0
}

// SetMode changes the operating mode and rewrites the configuration.
// Leaving balancing clears the discharge bitmap.
func (d *Device) SetMode(m Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m == d.mode {
		return nil
	}
	discharge := d.cfg.Discharge()
	if m == Normal {
		discharge = 0
	}
	d.mode = m
	d.cfg = BuildConfig(d.opts.Thresholds, discharge)
	err := d.bus.Exclusive(d.writeConfig)
	if err != nil {
		d.count(err)
	}
	return err
}

func (d *Device) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Config returns the configuration last written to the device.
func (d *Device) Config() ConfigRegisters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Device) Counters() Counters {
	return Counters{
		PECErrors:       d.pecErrors.Load(),
		TransportErrors: d.transportErrors.Load(),
		Retries:         d.retries.Load(),
	}
}

func idleBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}
