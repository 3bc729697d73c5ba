/*
bms-slave - Rolling battery state shared between the sampling and telemetry tasks.
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

import (
	"errors"
	"sync"
)

// DefaultDepth is the number of closed cycles averaged into the pack state.
const DefaultDepth = 5

// Summary is a consistent snapshot of the pack state.
type Summary struct {
	Aggregates
	// Cells holds the per-cell moving averages.
	Cells     [CellCount]uint16 `json:"cellAverages"`
	Latest    CellFrame         `json:"latest"`
	CurrentMA int32             `json:"currentMilliamps"`
	Cycles    uint64            `json:"cycles"`
}

// Pack keeps the in-progress sampling cycle and a ring of the last closed
// cycles. Readers only ever see values derived from closed cycles.
type Pack struct {
	mu      sync.RWMutex
	frames  []CellFrame
	cursor  int
	pending CellFrame
	agg     Aggregates
	cellAvg [CellCount]uint16
	current int32
	cycles  uint64
}

// NewPack returns a pack with depth zeroed frames.
func NewPack(depth int) (*Pack, error) {
	if depth < 1 {
		return nil, errors.New("rolling depth must be at least 1")
	}
	return &Pack{frames: make([]CellFrame, depth)}, nil
}

// Depth returns the number of frames in the ring.
func (p *Pack) Depth() int {
	return len(p.frames)
}

// UpdateCell sets cell i of the in-progress cycle.
func (p *Pack) UpdateCell(i int, v uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending.setCell(i, v)
}

// UpdateTemp sets temperature sensor i of the in-progress cycle.
func (p *Pack) UpdateTemp(i int, t int16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending.setTemp(i, t)
}

// SetCurrent records the latest pack current in mA.
func (p *Pack) SetCurrent(mA int32) {
	p.mu.Lock()
	p.current = mA
	p.mu.Unlock()
}

// CloseCycle stores the in-progress cycle in the ring, advances the cursor
// and recomputes the pack aggregates. The next cycle starts from a copy of
// the closed one, so a reading that fails keeps its previous value.
func (p *Pack) CloseCycle() CellFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	closed := p.pending
	p.frames[p.cursor] = closed
	p.cursor = (p.cursor + 1) % len(p.frames)
	p.cycles++
	p.recompute()
	return closed
}

func (p *Pack) recompute() {
	n := int64(len(p.frames))
	var total, maxV, minV, avgV, maxT, minT, avgT int64
	var cells [CellCount]int64
	for i := range p.frames {
		f := &p.frames[i]
		total += int64(f.TotalVolt)
		maxV += int64(f.MaxVolt)
		minV += int64(f.MinVolt)
		avgV += int64(f.AvgVolt)
		maxT += int64(f.MaxTemp)
		minT += int64(f.MinTemp)
		avgT += int64(f.AvgTemp)
		for c, v := range f.Cells {
			cells[c] += int64(v)
		}
	}
	p.agg = Aggregates{
		TotalVolt: uint32(roundDiv(total, n)),
		MaxVolt:   uint16(roundDiv(maxV, n)),
		MinVolt:   uint16(roundDiv(minV, n)),
		AvgVolt:   uint16(roundDiv(avgV, n)),
		MaxTemp:   int16(roundDiv(maxT, n)),
		MinTemp:   int16(roundDiv(minT, n)),
		AvgTemp:   int16(roundDiv(avgT, n)),
	}
	for c := range cells {
		p.cellAvg[c] = uint16(roundDiv(cells[c], n))
	}
}

// Latest returns the most recently closed cycle.
func (p *Pack) Latest() CellFrame {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest()
}

func (p *Pack) latest() CellFrame {
	return p.frames[(p.cursor+len(p.frames)-1)%len(p.frames)]
}

// Aggregates returns the moving average of the closed cycle aggregates.
func (p *Pack) Aggregates() Aggregates {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.agg
}

// Summary returns every pack value under a single lock acquisition.
func (p *Pack) Summary() Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Summary{
		Aggregates: p.agg,
		Cells:      p.cellAvg,
		Latest:     p.latest(),
		CurrentMA:  p.current,
		Cycles:     p.cycles,
	}
}

// CellVoltage returns the moving average of cell i, or 0 when out of range.
func (p *Pack) CellVoltage(i int) uint16 {
	if i < 0 || i >= CellCount {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cellAvg[i]
}

func (p *Pack) MinVolt() uint16   { return p.Aggregates().MinVolt }
func (p *Pack) MaxVolt() uint16   { return p.Aggregates().MaxVolt }
func (p *Pack) AvgVolt() uint16   { return p.Aggregates().AvgVolt }
func (p *Pack) TotalVolt() uint32 { return p.Aggregates().TotalVolt }
func (p *Pack) MinTemp() int16    { return p.Aggregates().MinTemp }
func (p *Pack) MaxTemp() int16    { return p.Aggregates().MaxTemp }
func (p *Pack) AvgTemp() int16    { return p.Aggregates().AvgTemp }

// Current returns the last recorded pack current in mA.
func (p *Pack) Current() int32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}
