/*
bms-slave - LTC6811 configuration register group.
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

import "fmt"

const (
	CellCount      = 12
	CellsPerGroup  = 3
	TempCount      = 4
	dischargeMask  = 0x0FFF
	thresholdMask  = 0x0FFF
	thresholdScale = 16 // threshold LSB is 16 voltage LSBs

	cfgGPIOPulldownOff = 0x78 // GPIO1-4 pull-downs off
	cfgREFON           = 0x04
	cfgADCOPT          = 0x01
)

// ConfigRegisters mirrors CFGR0..CFGR5.
type ConfigRegisters [6]byte

// Thresholds holds the under and over voltage comparison limits in
// 0.1 mV units.
type Thresholds struct {
	Undervoltage uint16
	Overvoltage  uint16
}

// codes returns the 12 bit VUV and VOV register values.
func (t Thresholds) codes() (uint16, uint16) {
	uv := t.Undervoltage / thresholdScale
	if uv > 0 {
		uv--
	}
	ov := t.Overvoltage / thresholdScale
	if uv > thresholdMask {
		uv = thresholdMask
	}
	if ov > thresholdMask {
		ov = thresholdMask
	}
	return uv, ov
}

// BuildConfig packs the thresholds and discharge bitmap into a register group.
func BuildConfig(t Thresholds, discharge uint16) ConfigRegisters {
	uv, ov := t.codes()
	discharge &= dischargeMask
	return ConfigRegisters{
		cfgGPIOPulldownOff | cfgREFON | cfgADCOPT,
		byte(uv),
		byte(ov&0x0F)<<4 | byte(uv>>8)&0x0F,
		byte(ov >> 4),
		byte(discharge),
		byte(discharge>>8) & 0x0F,
	}
}

// Discharge returns the 12 bit discharge bitmap, bit n for cell n+1.
func (c ConfigRegisters) Discharge() uint16 {
	return uint16(c[4]) | uint16(c[5]&0x0F)<<8
}

// VUV returns the packed undervoltage code.
func (c ConfigRegisters) VUV() uint16 {
	return uint16(c[1]) | uint16(c[2]&0x0F)<<8
}

// VOV returns the packed overvoltage code.
func (c ConfigRegisters) VOV() uint16 {
	return uint16(c[2]>>4) | uint16(c[3])<<4
}

// Frame returns the register bytes followed by their PEC.
func (c ConfigRegisters) Frame() []byte {
	return appendPEC(c[:])
}

// matches compares a register group read back from the device. CFGR0 bits
// 7..3 reflect the GPIO pin state on read and are not compared.
func (c ConfigRegisters) matches(read []byte) error {
	if len(read) < len(c) {
		return fmt.Errorf("%w: short read of %d bytes", ErrConfigMismatch, len(read))
	}
	const cfg0Bits = cfgREFON | cfgADCOPT
	if read[0]&cfg0Bits != c[0]&cfg0Bits {
		return fmt.Errorf("%w: CFGR0 0x%02X, want 0x%02X", ErrConfigMismatch, read[0], c[0])
	}
	for i := 1; i < len(c); i++ {
		if read[i] != c[i] {
			return fmt.Errorf("%w: CFGR%d 0x%02X, want 0x%02X", ErrConfigMismatch, i, read[i], c[i])
		}
	}
	return nil
}

func (c ConfigRegisters) String() string {
	return fmt.Sprintf("% X", c[:])
}
