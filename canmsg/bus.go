/*
bms-slave - CAN bus interface and registry.
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

package canmsg

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownInterface = errors.New("unsupported can interface")
	ErrClosed           = errors.New("can bus closed")
)

// FrameListener handles a received frame. Handle is called from the bus
// receive goroutine and must not block.
type FrameListener interface {
	Handle(frame Frame)
}

// Bus is a CAN interface.
type Bus interface {
	Connect(...any) error
	Disconnect() error
	Send(frame Frame) error
	Subscribe(listener FrameListener) error
}

type NewInterfaceFunc func(channel string) (Bus, error)

var (
	registryMu sync.Mutex
	registry   = map[string]NewInterfaceFunc{}
)

// RegisterInterface adds a bus implementation, called from init functions.
func RegisterInterface(kind string, fn NewInterfaceFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = fn
}

// Interfaces lists the registered implementations.
func Interfaces() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// NewBus creates a bus of the given kind, e.g. "socketcan" on "can0".
func NewBus(kind, channel string) (Bus, error) {
	registryMu.Lock()
	fn, ok := registry[kind]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInterface, kind)
	}
	return fn(channel)
}
