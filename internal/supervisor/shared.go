/*
bms-slave - Shared flags and the interlock output.
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
	"sync"

	"periph.io/x/conn/v3/gpio"
)

// Flag is a boolean shared between tasks.
type Flag struct {
	mu sync.Mutex
	v  bool
}

// Set stores v and reports whether it changed.
func (f *Flag) Set(v bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	changed := f.v != v
	f.v = v
	return changed
}

func (f *Flag) Get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.v
}

// Interlock drives the shutdown line. It starts at the fault level.
type Interlock struct {
	mu        sync.Mutex
	pin       gpio.PinOut
	safeLevel gpio.Level
	safe      bool
}

func NewInterlock(pin gpio.PinOut, safeLevel gpio.Level) (*Interlock, error) {
	il := &Interlock{pin: pin, safeLevel: safeLevel}
	if err := pin.Out(!safeLevel); err != nil {
		return nil, err
	}
	return il, nil
}

// Set drives the line to the safe or the fault level.
func (il *Interlock) Set(safe bool) error {
	il.mu.Lock()
	defer il.mu.Unlock()
	level := il.safeLevel
	if !safe {
		level = !il.safeLevel
	}
	if err := il.pin.Out(level); err != nil {
		return err
	}
	il.safe = safe
	return nil
}

// Safe reports the level last driven.
func (il *Interlock) Safe() bool {
	il.mu.Lock()
	defer il.mu.Unlock()
	return il.safe
}
