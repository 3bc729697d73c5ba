/*
bms-slave - Send and receive port over a CAN bus.
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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	maxSendAttempts    = 3
	defaultSendTimeout = 20 * time.Millisecond
	sendRetryInterval  = 2 * time.Millisecond
	defaultRxDepth     = 32
)

var ErrSendTimeout = errors.New("can send timed out")

// Port owns a bus for one process. Sends are serialized and bounded,
// received frames are queued for Poll.
type Port struct {
	bus         Bus
	sendMu      sync.Mutex
	sendTimeout time.Duration
	inFlight    atomic.Bool
	rx          chan Frame
	dropped     atomic.Uint64
	sendErrors  atomic.Uint64
}

// Counters are the frames a Port has lost.
type Counters struct {
	Dropped    uint64 `json:"rxDropped"`
	SendErrors uint64 `json:"sendErrors"`
}

// NewPort subscribes to bus. The bus should be connected by the caller.
func NewPort(bus Bus) (*Port, error) {
	p := &Port{
		bus:         bus,
		sendTimeout: defaultSendTimeout,
		rx:          make(chan Frame, defaultRxDepth),
	}
	if err := bus.Subscribe(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Handle queues a received frame, dropping it when the queue is full.
func (p *Port) Handle(frame Frame) {
	select {
	case p.rx <- frame:
	default:
		p.dropped.Add(1)
	}
}

// Poll returns the next received frame without blocking.
func (p *Port) Poll() (Frame, bool) {
	select {
	case f := <-p.rx:
		return f, true
	default:
		return Frame{}, false
	}
}

// Send tries the frame up to maxSendAttempts times. When every attempt
// timed out the error is ErrSendTimeout.
func (p *Port) Send(frame Frame) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	var err error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(sendRetryInterval)
		}
		if err = p.sendOnce(frame); err == nil {
			return nil
		}
	}
	p.sendErrors.Add(1)
	return err
}

// sendOnce runs one bus send bounded by the send timeout. A send that timed
// out keeps its goroutine until the bus returns, and no other send is
// started meanwhile, so a stuck bus holds at most one goroutine.
func (p *Port) sendOnce(frame Frame) error {
	if !p.inFlight.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: previous send still blocked", ErrSendTimeout)
	}
	done := make(chan error, 1)
	go func() {
		err := p.bus.Send(frame)
		p.inFlight.Store(false)
		done <- err
	}()
	timer := time.NewTimer(p.sendTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return ErrSendTimeout
	}
}

// Dropped is the number of received frames lost to a full queue.
func (p *Port) Dropped() uint64 {
	return p.dropped.Load()
}

// SendErrors is the number of frames that could not be sent.
func (p *Port) SendErrors() uint64 {
	return p.sendErrors.Load()
}

func (p *Port) Counters() Counters {
	return Counters{Dropped: p.Dropped(), SendErrors: p.SendErrors()}
}
