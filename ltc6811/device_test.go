/*
bms-slave - Driver tests against the simulated device.
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

package ltc6811_test

import (
	"errors"
	"testing"
	"time"

	"github.com/TheCacophonyProject/bms-slave/bms"
	"github.com/TheCacophonyProject/bms-slave/ltc6811"
	"github.com/TheCacophonyProject/bms-slave/ltc6811/ltc6811test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noSleepFn = func(d time.Duration) {}

func newDevice(t *testing.T, policy ltc6811.PECPolicy) (*ltc6811.Device, *ltc6811test.Fake, *bms.Pack) {
	t.Helper()
	fake := ltc6811test.New()
	pack, err := bms.NewPack(bms.DefaultDepth)
	require.NoError(t, err)
	opts := ltc6811.DefaultOptions()
	opts.PECPolicy = policy
	opts.Sleep = noSleepFn
	return ltc6811.New(ltc6811.NewTransport(fake), pack, opts), fake, pack
}

func TestInitWritesAndVerifiesConfig(t *testing.T) {
	dev, fake, _ := newDevice(t, ltc6811.PECAccept)
	require.NoError(t, dev.Init())

	writes := fake.ConfigWrites()
	require.Len(t, writes, 1)
	assert.Equal(t, [6]byte{0x7D, 0xCF, 0x37, 0xA7, 0x00, 0x00}, writes[0])
	// One sleep wake-up train plus idle wake-ups before each command.
	assert.GreaterOrEqual(t, fake.Wakes(), 3)
}

func TestInitReadbackMismatch(t *testing.T) {
	dev, fake, _ := newDevice(t, ltc6811.PECAccept)
	fake.BadReadback(true)
	err := dev.Init()
	require.Error(t, err)
	assert.ErrorIs(t, err, ltc6811.ErrConfigMismatch)
	assert.Len(t, fake.ConfigWrites(), 3)
	assert.Equal(t, uint64(2), dev.Counters().Retries)
}

func TestInitTransportFailure(t *testing.T) {
	dev, fake, _ := newDevice(t, ltc6811.PECAccept)
	fake.Fail(errors.New("spi gone"))
	err := dev.Init()
	assert.ErrorIs(t, err, ltc6811.ErrConfigMismatch)
	assert.ErrorIs(t, err, ltc6811.ErrTransport)
	assert.Equal(t, uint64(3), dev.Counters().TransportErrors)
}

func TestReadCellVoltages(t *testing.T) {
	dev, fake, pack := newDevice(t, ltc6811.PECAccept)
	for i := 0; i < 12; i++ {
		fake.SetCell(i, uint16(35000+i))
	}
	require.NoError(t, dev.ReadCellVoltages())
	frame := pack.CloseCycle()
	for i := 0; i < 12; i++ {
		assert.Equal(t, uint16(35000+i), frame.Cells[i])
	}
	assert.Equal(t, uint16(35000), frame.MinVolt)
	assert.Equal(t, uint16(35011), frame.MaxVolt)
	assert.Equal(t, 1, fake.Conversions(ltc6811.ADCV))
}

func TestReadTemperatures(t *testing.T) {
	dev, fake, pack := newDevice(t, ltc6811.PECAccept)
	fake.SetAux(0, 15000)
	fake.SetAux(1, 0)
	fake.SetAux(2, 30000)
	fake.SetAux(3, 15000)
	require.NoError(t, dev.ReadTemperatures())
	frame := pack.CloseCycle()
	assert.InDelta(t, 250, frame.Temps[0], 1)
	assert.Equal(t, ltc6811.TempSentinelMax, frame.Temps[1])
	assert.Equal(t, ltc6811.TempSentinelMin, frame.Temps[2])
	assert.InDelta(t, 250, frame.Temps[3], 1)
	assert.Equal(t, 1, fake.Conversions(ltc6811.ADAX))
}

func TestPECAcceptAppliesValues(t *testing.T) {
	dev, fake, pack := newDevice(t, ltc6811.PECAccept)
	fake.SetCells(35000)
	fake.CorruptPEC(ltc6811.RDCVB, 1)

	err := dev.ReadCellVoltages()
	require.Error(t, err)
	assert.ErrorIs(t, err, ltc6811.ErrPEC)
	var pecErr *ltc6811.PECError
	require.ErrorAs(t, err, &pecErr)
	assert.Equal(t, ltc6811.RDCVB, pecErr.Group)

	frame := pack.CloseCycle()
	assert.Equal(t, uint16(35000), frame.Cells[3])
	assert.Equal(t, uint64(1), dev.Counters().PECErrors)
}

func TestPECRejectKeepsStaleValues(t *testing.T) {
	dev, fake, pack := newDevice(t, ltc6811.PECReject)
	fake.SetCells(35000)
	require.NoError(t, dev.ReadCellVoltages())
	pack.CloseCycle()

	fake.SetCells(36000)
	fake.CorruptPEC(ltc6811.RDCVA, 1)
	err := dev.ReadCellVoltages()
	assert.ErrorIs(t, err, ltc6811.ErrPEC)
	assert.ErrorIs(t, err, ltc6811.ErrStale)
	frame := pack.CloseCycle()
	assert.Equal(t, uint16(35000), frame.Cells[0])
	assert.Equal(t, uint16(35000), frame.Cells[2])
	assert.Equal(t, uint16(36000), frame.Cells[3])
}

func TestPECRetry(t *testing.T) {
	dev, fake, pack := newDevice(t, ltc6811.PECRetry)
	fake.SetCells(35000)
	fake.CorruptPEC(ltc6811.RDCVC, 2)
	require.NoError(t, dev.ReadCellVoltages())
	assert.Equal(t, uint16(35000), pack.CloseCycle().Cells[6])
	assert.Equal(t, uint64(2), dev.Counters().Retries)
	assert.Equal(t, uint64(2), dev.Counters().PECErrors)

	// Three bad reads exhaust the retries and the group is rejected.
	fake.SetCells(37000)
	fake.CorruptPEC(ltc6811.RDCVC, 3)
	assert.ErrorIs(t, dev.ReadCellVoltages(), ltc6811.ErrPEC)
	frame := pack.CloseCycle()
	assert.Equal(t, uint16(35000), frame.Cells[6])
	assert.Equal(t, uint16(37000), frame.Cells[9])
}

func TestTransportFailureKeepsStaleValues(t *testing.T) {
	dev, fake, pack := newDevice(t, ltc6811.PECAccept)
	fake.SetCells(35000)
	require.NoError(t, dev.ReadCellVoltages())
	pack.CloseCycle()

	fake.Fail(errors.New("bus error"))
	err := dev.ReadCellVoltages()
	assert.ErrorIs(t, err, ltc6811.ErrTransport)
	assert.ErrorIs(t, err, ltc6811.ErrStale)
	assert.Equal(t, uint16(35000), pack.CloseCycle().Cells[0])
	assert.Equal(t, uint64(1), dev.Counters().TransportErrors)
}

func TestPECAcceptIsNotStale(t *testing.T) {
	dev, fake, _ := newDevice(t, ltc6811.PECAccept)
	fake.CorruptPEC(ltc6811.RDCVD, 1)
	err := dev.ReadCellVoltages()
	assert.ErrorIs(t, err, ltc6811.ErrPEC)
	assert.NotErrorIs(t, err, ltc6811.ErrStale)
}

func TestTemperatureGroupStale(t *testing.T) {
	dev, fake, pack := newDevice(t, ltc6811.PECAccept)
	for i := 0; i < 4; i++ {
		fake.SetAux(i, 15000)
	}
	require.NoError(t, dev.ReadTemperatures())
	pack.CloseCycle()

	fake.SetAux(0, 10963)
	fake.SetAux(3, 10963)
	fake.FailCommand(ltc6811.RDAUXB, errors.New("bus error"))
	err := dev.ReadTemperatures()
	assert.ErrorIs(t, err, ltc6811.ErrTransport)
	assert.ErrorIs(t, err, ltc6811.ErrStale)

	frame := pack.CloseCycle()
	assert.InDelta(t, 400, frame.Temps[0], 1)
	assert.InDelta(t, 250, frame.Temps[3], 1)
}

func TestDischargeBitmap(t *testing.T) {
	var cells [bms.CellCount]uint16
	for i := range cells {
		cells[i] = 35000
	}
	cells[2] = 35051
	cells[5] = 35050
	cells[11] = 36000
	assert.Equal(t, uint16(1<<2|1<<11), ltc6811.DischargeBitmap(cells, 50))

	cells[7] = 0
	assert.Zero(t, ltc6811.DischargeBitmap(cells, 50))
}

func TestBalanceCells(t *testing.T) {
	dev, fake, pack := newDevice(t, ltc6811.PECAccept)
	fake.SetCells(35000)
	fake.SetCell(0, 35200)
	fake.SetCell(9, 35100)
	require.NoError(t, dev.ReadCellVoltages())
	pack.CloseCycle()

	// Normal mode never discharges.
	bitmap, err := dev.BalanceCells()
	require.NoError(t, err)
	assert.Zero(t, bitmap)

	require.NoError(t, dev.SetMode(ltc6811.Balancing))
	bitmap, err = dev.BalanceCells()
	require.NoError(t, err)
	assert.Equal(t, uint16(1|1<<9), bitmap)
	assert.Equal(t, bitmap, dev.Config().Discharge())

	again, err := dev.BalanceCells()
	require.NoError(t, err)
	assert.Equal(t, bitmap, again)

	writes := fake.ConfigWrites()
	last := writes[len(writes)-1]
	assert.Equal(t, byte(0x01), last[4])
	assert.Equal(t, byte(0x02), last[5])
	assert.True(t, dev.NeedsBalancing())
}

func TestSetMode(t *testing.T) {
	dev, fake, pack := newDevice(t, ltc6811.PECAccept)
	fake.SetCells(35000)
	fake.SetCell(4, 35500)
	require.NoError(t, dev.ReadCellVoltages())
	pack.CloseCycle()

	require.NoError(t, dev.SetMode(ltc6811.Normal))
	assert.Empty(t, fake.ConfigWrites(), "unchanged mode must not write")

	require.NoError(t, dev.SetMode(ltc6811.Balancing))
	_, err := dev.BalanceCells()
	require.NoError(t, err)
	cfg := fake.Config()
	assert.Equal(t, byte(1<<4), cfg[4])

	require.NoError(t, dev.SetMode(ltc6811.Normal))
	assert.Equal(t, ltc6811.Normal, dev.Mode())
	cfg = fake.Config()
	assert.Zero(t, cfg[4])
	assert.Zero(t, cfg[5])
	assert.Equal(t, [6]byte{0x7D, 0xCF, 0x37, 0xA7, 0x00, 0x00}, cfg)
}

func TestParsePECPolicy(t *testing.T) {
	p, err := ltc6811.ParsePECPolicy("Retry")
	require.NoError(t, err)
	assert.Equal(t, ltc6811.PECRetry, p)
	_, err = ltc6811.ParsePECPolicy("ignore")
	assert.Error(t, err)
}
