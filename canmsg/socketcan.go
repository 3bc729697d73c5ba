/*
bms-slave - socketcan bus backed by brutella/can.
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
	"github.com/TheCacophonyProject/bms-slave/internal/logging"
	sockcan "github.com/brutella/can"
)

var log = logging.NewLogger("info")

// SetLogger replaces the package logger.
func SetLogger(l *logging.Logger) {
	log = l
}

func init() {
	RegisterInterface("socketcan", NewSocketCanBus)
}

type SocketCanBus struct {
	name     string
	bus      *sockcan.Bus
	listener FrameListener
}

func NewSocketCanBus(name string) (Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	return &SocketCanBus{name: name, bus: bus}, nil
}

// Connect starts the receive loop in the background.
func (s *SocketCanBus) Connect(...any) error {
	go s.receive(s.bus.ConnectAndPublish)
	return nil
}

// receive runs the receive loop and logs why it stopped.
func (s *SocketCanBus) receive(loop func() error) {
	if err := loop(); err != nil {
		log.Errorf("CAN receive loop on %s stopped: %v", s.name, err)
		return
	}
	log.Infof("CAN receive loop on %s closed", s.name)
}

func (s *SocketCanBus) Disconnect() error {
	return s.bus.Disconnect()
}

func (s *SocketCanBus) Send(frame Frame) error {
	return s.bus.Publish(sockcan.Frame{
		ID:     frame.ID,
		Length: frame.DLC,
		Flags:  frame.Flags,
		Data:   frame.Data,
	})
}

func (s *SocketCanBus) Subscribe(listener FrameListener) error {
	s.listener = listener
	s.bus.Subscribe(s)
	return nil
}

// Handle implements the brutella/can handler.
func (s *SocketCanBus) Handle(frame sockcan.Frame) {
	s.listener.Handle(Frame{ID: frame.ID, DLC: frame.Length, Flags: frame.Flags, Data: frame.Data})
}
