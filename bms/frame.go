/*
bms-slave - Per-cycle cell readings and their aggregates.
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

package bms

import "fmt"

const (
	CellCount = 12
	TempCount = 4
)

// Aggregates are the summary values of one or more sampling cycles.
// Voltages are in 0.1 mV, temperatures in 0.1 °C.
type Aggregates struct {
	TotalVolt uint32 `json:"totalVolt"`
	MaxVolt   uint16 `json:"maxVolt"`
	MinVolt   uint16 `json:"minVolt"`
	AvgVolt   uint16 `json:"avgVolt"`
	MaxTemp   int16  `json:"maxTemp"`
	MinTemp   int16  `json:"minTemp"`
	AvgTemp   int16  `json:"avgTemp"`
}

// CellFrame holds the readings of one sampling cycle.
type CellFrame struct {
	Cells [CellCount]uint16 `json:"cells"`
	Temps [TempCount]int16  `json:"temps"`
	Aggregates
}

func (f *CellFrame) setCell(i int, v uint16) error {
	if i < 0 || i >= CellCount {
		return fmt.Errorf("cell index %d out of range", i)
	}
	f.Cells[i] = v
	f.recompute()
	return nil
}

func (f *CellFrame) setTemp(i int, t int16) error {
	if i < 0 || i >= TempCount {
		return fmt.Errorf("temperature index %d out of range", i)
	}
	f.Temps[i] = t
	f.recompute()
	return nil
}

// recompute derives every aggregate from the raw readings.
func (f *CellFrame) recompute() {
	var total uint32
	f.MinVolt, f.MaxVolt = f.Cells[0], f.Cells[0]
	for _, v := range f.Cells {
		total += uint32(v)
		f.MinVolt = min(f.MinVolt, v)
		f.MaxVolt = max(f.MaxVolt, v)
	}
	f.TotalVolt = total
	f.AvgVolt = uint16(roundDiv(int64(total), CellCount))

	var tempSum int64
	f.MinTemp, f.MaxTemp = f.Temps[0], f.Temps[0]
	for _, t := range f.Temps {
		tempSum += int64(t)
		f.MinTemp = min(f.MinTemp, t)
		f.MaxTemp = max(f.MaxTemp, t)
	}
	f.AvgTemp = int16(roundDiv(tempSum, TempCount))
}

// roundDiv divides rounding half away from zero.
func roundDiv(sum, n int64) int64 {
	if sum < 0 {
		return -((-sum + n/2) / n)
	}
	return (sum + n/2) / n
}
