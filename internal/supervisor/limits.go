/*
bms-slave - Operating limits.
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
	"fmt"
	"strings"

	"github.com/TheCacophonyProject/bms-slave/bms"
	"github.com/TheCacophonyProject/bms-slave/canmsg"
)

// Limits are the safe operating area. Voltages in 0.1 mV, temperatures in
// 0.1 °C, all inclusive.
type Limits struct {
	MinVolt uint16
	MaxVolt uint16
	MinTemp int16
	MaxTemp int16
}

func DefaultLimits() Limits {
	return Limits{MinVolt: 32000, MaxVolt: 42800, MinTemp: 100, MaxTemp: 600}
}

func (l Limits) Validate() error {
	if l.MinVolt >= l.MaxVolt {
		return fmt.Errorf("min cell voltage %d must be below max %d", l.MinVolt, l.MaxVolt)
	}
	if l.MinTemp >= l.MaxTemp {
		return fmt.Errorf("min temperature %d must be below max %d", l.MinTemp, l.MaxTemp)
	}
	return nil
}

// Check returns a flag for every limit a is outside of.
func (l Limits) Check(a bms.Aggregates) canmsg.FaultFlags {
	var flags canmsg.FaultFlags
	if a.MaxVolt > l.MaxVolt {
		flags |= canmsg.FaultOverVoltage
	}
	if a.MinVolt < l.MinVolt {
		flags |= canmsg.FaultUnderVoltage
	}
	if a.MaxTemp > l.MaxTemp {
		flags |= canmsg.FaultOverTemp
	}
	if a.MinTemp < l.MinTemp {
		flags |= canmsg.FaultUnderTemp
	}
	return flags
}

// LimitSource selects which aggregates are checked against the limits.
type LimitSource int

const (
	// LimitCycle checks the cycle that just closed.
	LimitCycle LimitSource = iota
	// LimitRolling checks the moving average over the rolling history.
	LimitRolling
)

func (s LimitSource) String() string {
	if s == LimitRolling {
		return "rolling"
	}
	return "cycle"
}

func ParseLimitSource(s string) (LimitSource, error) {
	switch strings.ToLower(s) {
	case "cycle":
		return LimitCycle, nil
	case "rolling":
		return LimitRolling, nil
	}
	return LimitCycle, fmt.Errorf("unknown limit source %q", s)
}
