/*
bms-slave - In-process CAN bus.
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

import "sync"

func init() {
	RegisterInterface("virtual", func(channel string) (Bus, error) {
		return NewVirtualBus(channel), nil
	})
}

var (
	virtualMu       sync.Mutex
	virtualChannels = map[string]map[*VirtualBus]struct{}{}
)

// VirtualBus delivers frames to every other connected VirtualBus on the
// same channel. Delivery is synchronous.
type VirtualBus struct {
	channel string

	mu        sync.Mutex
	listeners []FrameListener
	connected bool
}

func NewVirtualBus(channel string) *VirtualBus {
	return &VirtualBus{channel: channel}
}

func (v *VirtualBus) Connect(...any) error {
	virtualMu.Lock()
	defer virtualMu.Unlock()
	peers, ok := virtualChannels[v.channel]
	if !ok {
		peers = map[*VirtualBus]struct{}{}
		virtualChannels[v.channel] = peers
	}
	peers[v] = struct{}{}
	v.mu.Lock()
	v.connected = true
	v.mu.Unlock()
	return nil
}

func (v *VirtualBus) Disconnect() error {
	virtualMu.Lock()
	defer virtualMu.Unlock()
	delete(virtualChannels[v.channel], v)
	v.mu.Lock()
	v.connected = false
	v.mu.Unlock()
	return nil
}

func (v *VirtualBus) Send(frame Frame) error {
	v.mu.Lock()
	connected := v.connected
	v.mu.Unlock()
	if !connected {
		return ErrClosed
	}

	virtualMu.Lock()
	peers := make([]*VirtualBus, 0, len(virtualChannels[v.channel]))
	for p := range virtualChannels[v.channel] {
		if p != v {
			peers = append(peers, p)
		}
	}
	virtualMu.Unlock()

	for _, p := range peers {
		p.deliver(frame)
	}
	return nil
}

func (v *VirtualBus) Subscribe(listener FrameListener) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listeners = append(v.listeners, listener)
	return nil
}

func (v *VirtualBus) deliver(frame Frame) {
	v.mu.Lock()
	listeners := append([]FrameListener(nil), v.listeners...)
	v.mu.Unlock()
	for _, l := range listeners {
		l.Handle(frame)
	}
}
