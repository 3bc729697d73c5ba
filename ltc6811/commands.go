/*
bms-slave - LTC6811 command codes.
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

// Command is an 11 bit LTC6811 command code.
type Command uint16

const (
	WRCFGA Command = 0x001 // write configuration register group A
	RDCFGA Command = 0x002 // read configuration register group A
	RDCVA  Command = 0x004 // read cell voltage register group A (cells 1-3)
	RDCVB  Command = 0x006
	RDCVC  Command = 0x008
	RDCVD  Command = 0x00A
	RDAUXA Command = 0x00C // read auxiliary register group A (GPIO1-3)
	RDAUXB Command = 0x00E // read auxiliary register group B (GPIO4-5, VREF2)

	// ADCV starts a cell conversion in normal mode (7 kHz), discharge not
	// permitted, all cells.
	ADCV Command = 0x260
	// ADAX starts a GPIO conversion in normal mode, all GPIOs and VREF2.
	ADAX Command = 0x460
)

var commandNames = map[Command]string{
	WRCFGA: "WRCFGA",
	RDCFGA: "RDCFGA",
	RDCVA:  "RDCVA",
	RDCVB:  "RDCVB",
	RDCVC:  "RDCVC",
	RDCVD:  "RDCVD",
	RDAUXA: "RDAUXA",
	RDAUXB: "RDAUXB",
	ADCV:   "ADCV",
	ADAX:   "ADAX",
}

// commandFrames holds the 4 byte wire frame for every known command.
var commandFrames = map[Command][4]byte{}

func init() {
	for c := range commandNames {
		commandFrames[c] = c.build()
	}
}

func (c Command) build() [4]byte {
	code := []byte{byte(c >> 8), byte(c)}
	pec := PEC(code)
	return [4]byte{code[0], code[1], pec[0], pec[1]}
}

// Frame returns the command followed by its PEC.
func (c Command) Frame() [4]byte {
	if f, ok := commandFrames[c]; ok {
		return f
	}
	return c.build()
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CMD(0x%03X)", uint16(c))
}

// cellGroups are the register groups holding 3 cell codes each, in cell order.
var cellGroups = [CellCount / CellsPerGroup]Command{RDCVA, RDCVB, RDCVC, RDCVD}
