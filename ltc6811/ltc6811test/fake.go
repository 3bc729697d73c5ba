/*
bms-slave - Simulated LTC6811 for tests.
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

// Package ltc6811test provides an in-memory LTC6811 that answers the
// command frames sent by the ltc6811 driver.
package ltc6811test

import (
	"encoding/binary"
	"sync"

	"github.com/TheCacophonyProject/bms-slave/ltc6811"
)

// Fake implements ltc6811.Conn.
type Fake struct {
	mu sync.Mutex

	cells  [12]uint16
	aux    [6]uint16
	config [6]byte

	corrupt     map[ltc6811.Command]int
	failErr     error
	failCmds    map[ltc6811.Command]error
	badReadback bool

	configWrites [][6]byte
	conversions  map[ltc6811.Command]int
	wakes        int
}

func New() *Fake {
	return &Fake{
		corrupt:     map[ltc6811.Command]int{},
		failCmds:    map[ltc6811.Command]error{},
		conversions: map[ltc6811.Command]int{},
	}
}

// SetCells sets every cell code.
func (f *Fake) SetCells(v uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.cells {
		f.cells[i] = v
	}
}

func (f *Fake) SetCell(i int, v uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cells[i] = v
}

// SetAux sets an auxiliary code, 0-4 for GPIO1-5 and 5 for VREF2.
func (f *Fake) SetAux(i int, code uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aux[i] = code
}

// CorruptPEC makes the next n reads of cmd return a bad PEC.
func (f *Fake) CorruptPEC(cmd ltc6811.Command, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corrupt[cmd] = n
}

// Fail makes every transfer return err until called with nil.
func (f *Fake) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

// FailCommand makes transfers of cmd return err until called with nil.
func (f *Fake) FailCommand(cmd ltc6811.Command, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failCmds, cmd)
		return
	}
	f.failCmds[cmd] = err
}

// BadReadback makes RDCFGA return a configuration that differs from the
// one written.
func (f *Fake) BadReadback(bad bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.badReadback = bad
}

// ConfigWrites returns every configuration written with a valid PEC.
func (f *Fake) ConfigWrites() [][6]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][6]byte(nil), f.configWrites...)
}

// Config returns the configuration registers currently held.
func (f *Fake) Config() [6]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config
}

func (f *Fake) Conversions(cmd ltc6811.Command) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conversions[cmd]
}

func (f *Fake) Wakes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wakes
}

func (f *Fake) Tx(w, r []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	if isIdle(w) {
		f.wakes++
		return nil
	}
	if len(w) < 4 || !ltc6811.CheckPEC(w[:4]) {
		return nil
	}
	cmd := ltc6811.Command(binary.BigEndian.Uint16(w))
	if err := f.failCmds[cmd]; err != nil {
		return err
	}

	switch cmd {
	case ltc6811.WRCFGA:
		if len(w) == 12 && ltc6811.CheckPEC(w[4:]) {
			copy(f.config[:], w[4:10])
			f.configWrites = append(f.configWrites, f.config)
		}
	case ltc6811.ADCV, ltc6811.ADAX:
		f.conversions[cmd]++
	case ltc6811.RDCFGA:
		data := f.config
		if f.badReadback {
			data[1] ^= 0xFF
		}
		f.respond(cmd, data[:], r)
	case ltc6811.RDCVA, ltc6811.RDCVB, ltc6811.RDCVC, ltc6811.RDCVD:
		g := int(cmd-ltc6811.RDCVA) / 2
		f.respond(cmd, codes(f.cells[g*3:g*3+3]), r)
	case ltc6811.RDAUXA:
		f.respond(cmd, codes(f.aux[0:3]), r)
	case ltc6811.RDAUXB:
		f.respond(cmd, codes(f.aux[3:6]), r)
	}
	return nil
}

func (f *Fake) respond(cmd ltc6811.Command, data []byte, r []byte) {
	if len(r) < 12 {
		return
	}
	pec := ltc6811.PEC(data)
	if f.corrupt[cmd] > 0 {
		f.corrupt[cmd]--
		pec[1] ^= 0x02
	}
	copy(r[4:], data)
	r[10], r[11] = pec[0], pec[1]
}

func codes(v []uint16) []byte {
	b := make([]byte, 2*len(v))
	for i, c := range v {
		binary.LittleEndian.PutUint16(b[2*i:], c)
	}
	return b
}

func isIdle(w []byte) bool {
	for _, b := range w {
		if b != 0xFF {
			return false
		}
	}
	return len(w) > 0
}
