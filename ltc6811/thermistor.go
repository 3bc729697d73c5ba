/*
bms-slave - NTC thermistor linearization.
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

import "math"

const (
	// TempSentinelMax is reported for a shorted sensor, in 0.1 °C.
	TempSentinelMax int16 = 1500
	// TempSentinelMin is reported for an open sensor, in 0.1 °C.
	TempSentinelMin int16 = -550

	voltsPerLSB    = 100e-6
	kelvinOffset   = 273.15
	dividerEpsilon = 1e-6
)

// Thermistor describes an NTC thermistor on the low side of a divider fed
// from the reference voltage.
type Thermistor struct {
	Beta   float64 // K
	R0     float64 // ohms at T0
	T0     float64 // K
	RFixed float64 // high side resistor, ohms
	VRef   float64 // divider supply, volts
}

// DefaultThermistor is a 10k B3435 NTC against a 10k resistor on VREF2.
var DefaultThermistor = Thermistor{
	Beta:   3435,
	R0:     10000,
	T0:     298.15,
	RFixed: 10000,
	VRef:   3.0,
}

// Temperature converts a raw auxiliary ADC code to 0.1 °C.
func (th Thermistor) Temperature(code uint16) int16 {
	if code == 0 {
		return TempSentinelMax
	}
	v := float64(code) * voltsPerLSB
	if v >= th.VRef {
		return TempSentinelMin
	}
	r := th.RFixed * v / (th.VRef - v + dividerEpsilon)

	a := math.Exp(th.Beta/th.T0) / th.R0
	x := a * r
	if x <= 0 {
		return TempSentinelMax
	}
	ln := math.Log(x)
	if ln <= 0 || math.IsNaN(ln) {
		return TempSentinelMax
	}
	deci := math.Round((th.Beta/ln - kelvinOffset) * 10)
	switch {
	case math.IsNaN(deci) || deci >= float64(TempSentinelMax):
		return TempSentinelMax
	case deci <= float64(TempSentinelMin):
		return TempSentinelMin
	}
	return int16(deci)
}
