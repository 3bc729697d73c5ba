/*
bms-slave - CAN frame layouts for segment telemetry and control.
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
	"encoding/binary"
	"fmt"

	"github.com/TheCacophonyProject/bms-slave/bms"
	"github.com/sigurn/crc8"
)

// DefaultBaseID is the identifier of the voltage summary frame. Every other
// identifier is at a fixed offset from it.
const DefaultBaseID uint32 = 0x57

const (
	offVoltageSummary    = 0
	offTempCurrent       = 1
	offCellDiag          = 2 // four frames
	offTempDiag          = 6
	offFault             = 7
	offBalancingControl  = 9
	offDiagnosticControl = 10

	CellsPerDiagFrame = 3
	cellDiagFrames    = bms.CellCount / CellsPerDiagFrame
)

// Frame is a standard CAN frame.
type Frame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

func NewFrame(id uint32, data []byte) Frame {
	f := Frame{ID: id, DLC: uint8(min(len(data), 8))}
	copy(f.Data[:], data)
	return f
}

// Payload returns the first DLC bytes.
func (f Frame) Payload() []byte {
	return f.Data[:min(int(f.DLC), 8)]
}

func (f Frame) String() string {
	return fmt.Sprintf("0x%03X [%d] % X", f.ID, f.DLC, f.Payload())
}

// IDs is the identifier map of one segment.
type IDs struct {
	VoltageSummary    uint32
	TempCurrent       uint32
	CellDiag          [cellDiagFrames]uint32
	TempDiag          uint32
	Fault             uint32
	BalancingControl  uint32
	DiagnosticControl uint32
}

func NewIDs(base uint32) IDs {
	ids := IDs{
		VoltageSummary:    base + offVoltageSummary,
		TempCurrent:       base + offTempCurrent,
		TempDiag:          base + offTempDiag,
		Fault:             base + offFault,
		BalancingControl:  base + offBalancingControl,
		DiagnosticControl: base + offDiagnosticControl,
	}
	for i := range ids.CellDiag {
		ids.CellDiag[i] = base + offCellDiag + uint32(i)
	}
	return ids
}

// EncodeVoltageSummary encodes min, max and average cell voltage in 0.1 mV
// and the total in 10 mV.
func (ids IDs) EncodeVoltageSummary(a bms.Aggregates) Frame {
	var b [8]byte
	binary.LittleEndian.PutUint16(b[0:], a.MinVolt)
	binary.LittleEndian.PutUint16(b[2:], a.MaxVolt)
	binary.LittleEndian.PutUint16(b[4:], a.AvgVolt)
	binary.LittleEndian.PutUint16(b[6:], uint16(a.TotalVolt/100))
	return NewFrame(ids.VoltageSummary, b[:])
}

// EncodeTempCurrent encodes max and min temperature in 0.1 °C and the pack
// current in mA.
func (ids IDs) EncodeTempCurrent(a bms.Aggregates, currentMA int32) Frame {
	var b [8]byte
	binary.LittleEndian.PutUint16(b[0:], uint16(a.MaxTemp))
	binary.LittleEndian.PutUint16(b[2:], uint16(a.MinTemp))
	binary.LittleEndian.PutUint32(b[4:], uint32(currentMA))
	return NewFrame(ids.TempCurrent, b[:])
}

// EncodeCellDiag encodes three cells per frame.
func (ids IDs) EncodeCellDiag(cells [bms.CellCount]uint16) [cellDiagFrames]Frame {
	var frames [cellDiagFrames]Frame
	for i := range frames {
		var b [2 * CellsPerDiagFrame]byte
		for k := 0; k < CellsPerDiagFrame; k++ {
			binary.LittleEndian.PutUint16(b[2*k:], cells[i*CellsPerDiagFrame+k])
		}
		frames[i] = NewFrame(ids.CellDiag[i], b[:])
	}
	return frames
}

// EncodeTempDiag encodes every sensor in 0.1 °C.
func (ids IDs) EncodeTempDiag(temps [bms.TempCount]int16) Frame {
	var b [2 * bms.TempCount]byte
	for i, t := range temps {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(t))
	}
	return NewFrame(ids.TempDiag, b[:])
}

// FaultFlags describe why the interlock was opened.
type FaultFlags uint8

const (
	FaultOverVoltage FaultFlags = 1 << iota
	FaultUnderVoltage
	FaultOverTemp
	FaultUnderTemp
	FaultAcquisition
)

func (f FaultFlags) String() string {
	names := []string{"over-voltage", "under-voltage", "over-temp", "under-temp", "acquisition"}
	s := ""
	for i, name := range names {
		if f&(1<<i) != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// FaultReport is the content of a fault frame.
type FaultReport struct {
	Flags   FaultFlags
	MaxVolt uint16
	MinVolt uint16
	MaxTemp int16 // 0.1 °C
	Counter uint8
}

var faultCRCTable = crc8.MakeTable(crc8.Params{
	Poly:   0x1D, // SAE J1850
	Init:   0xFF,
	RefIn:  false,
	RefOut: false,
	XorOut: 0xFF,
})

// EncodeFault encodes a fault report. The last byte is a CRC-8 of the others.
func (ids IDs) EncodeFault(r FaultReport) Frame {
	var b [8]byte
	b[0] = byte(r.Flags)
	binary.LittleEndian.PutUint16(b[1:], r.MaxVolt)
	binary.LittleEndian.PutUint16(b[3:], r.MinVolt)
	b[5] = byte(int8(max(-128, min(127, int(r.MaxTemp)/10))))
	b[6] = r.Counter
	b[7] = crc8.Checksum(b[:7], faultCRCTable)
	return NewFrame(ids.Fault, b[:])
}

// DecodeFault parses a fault frame, checking its CRC.
func (ids IDs) DecodeFault(f Frame) (FaultReport, error) {
	if f.ID != ids.Fault || f.DLC != 8 {
		return FaultReport{}, fmt.Errorf("not a fault frame: %s", f)
	}
	if crc := crc8.Checksum(f.Data[:7], faultCRCTable); crc != f.Data[7] {
		return FaultReport{}, fmt.Errorf("fault frame crc 0x%02X, want 0x%02X", f.Data[7], crc)
	}
	return FaultReport{
		Flags:   FaultFlags(f.Data[0]),
		MaxVolt: binary.LittleEndian.Uint16(f.Data[1:]),
		MinVolt: binary.LittleEndian.Uint16(f.Data[3:]),
		MaxTemp: int16(int8(f.Data[5])) * 10,
		Counter: f.Data[6],
	}, nil
}

// ControlKind is the switch an inbound control frame sets.
type ControlKind int

const (
	ControlBalancing ControlKind = iota
	ControlDiagnostic
)

func (k ControlKind) String() string {
	if k == ControlDiagnostic {
		return "diagnostic"
	}
	return "balancing"
}

// Control is a decoded inbound control frame.
type Control struct {
	Kind   ControlKind
	Enable bool
}

// DecodeControl matches f against the control identifiers. Unknown
// identifiers and empty frames return false.
func (ids IDs) DecodeControl(f Frame) (Control, bool) {
	if f.DLC == 0 {
		return Control{}, false
	}
	switch f.ID {
	case ids.BalancingControl:
		return Control{Kind: ControlBalancing, Enable: f.Data[0] != 0}, true
	case ids.DiagnosticControl:
		return Control{Kind: ControlDiagnostic, Enable: f.Data[0] != 0}, true
	}
	return Control{}, false
}
