/*
bms-slave - SPI transport for the LTC6811.
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
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"tinygo.org/x/drivers"
)

var ErrTransport = errors.New("spi transport failure")

// Conn is a full duplex connection where each Tx is one chip select frame.
// periph spi.Conn and tinygo drivers.SPI both satisfy it.
type Conn interface {
	Tx(w, r []byte) error
}

// Transport serializes access to a Conn. A driver operation holds it for
// its whole duration.
type Transport struct {
	mu   sync.Mutex
	conn Conn
}

func NewTransport(conn Conn) *Transport {
	return &Transport{conn: conn}
}

// Link is handed to the function run by Exclusive and is only valid inside it.
type Link struct {
	conn Conn
}

// Write clocks out w, discarding what is read back.
func (l Link) Write(w []byte) error {
	if err := l.conn.Tx(w, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Transfer clocks out w while filling r, which must be the same length.
func (l Link) Transfer(w, r []byte) error {
	if len(w) != len(r) {
		return fmt.Errorf("%w: write %d bytes, read %d bytes", ErrTransport, len(w), len(r))
	}
	if err := l.conn.Tx(w, r); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Exclusive runs fn with sole ownership of the bus.
func (t *Transport) Exclusive(fn func(l Link) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(Link{conn: t.conn})
}

// ChipSelectBus frames each transfer on a drivers.SPI with a GPIO driven
// chip select, for buses where the controller does not own CS.
type ChipSelectBus struct {
	spi drivers.SPI
	cs  gpio.PinOut
}

func NewChipSelectBus(bus drivers.SPI, cs gpio.PinOut) (*ChipSelectBus, error) {
	if err := cs.Out(gpio.High); err != nil {
		return nil, err
	}
	return &ChipSelectBus{spi: bus, cs: cs}, nil
}

func (b *ChipSelectBus) Tx(w, r []byte) error {
	if err := b.cs.Out(gpio.Low); err != nil {
		return err
	}
	err := b.spi.Tx(w, r)
	if csErr := b.cs.Out(gpio.High); err == nil {
		err = csErr
	}
	return err
}

// driverConn gives a periph connection the drivers.SPI byte transfer method.
type driverConn struct {
	spi.Conn
}

func (d driverConn) Transfer(b byte) (byte, error) {
	r := []byte{0}
	err := d.Tx([]byte{b}, r)
	return r[0], err
}

// SPIPort is an opened SPI device.
type SPIPort struct {
	port spi.PortCloser
	Conn Conn
}

func (p *SPIPort) Close() error {
	return p.port.Close()
}

// OpenSPI opens a spidev port in mode 3. When csPin is set chip select is
// driven from that GPIO instead of the controller.
func OpenSPI(dev string, freq physic.Frequency, csPin string) (*SPIPort, error) {
	port, err := spireg.Open(dev)
	if err != nil {
		return nil, err
	}
	mode := spi.Mode3
	if csPin != "" {
		mode |= spi.NoCS
	}
	conn, err := port.Connect(freq, mode, 8)
	if err != nil {
		port.Close()
		return nil, err
	}
	if csPin == "" {
		return &SPIPort{port: port, Conn: conn}, nil
	}

	pin := gpioreg.ByName(csPin)
	if pin == nil {
		port.Close()
		return nil, fmt.Errorf("GPIO pin %s not found", csPin)
	}
	csBus, err := NewChipSelectBus(driverConn{conn}, pin)
	if err != nil {
		port.Close()
		return nil, err
	}
	return &SPIPort{port: port, Conn: csBus}, nil
}
