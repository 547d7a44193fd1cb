/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package port

import (
	"time"

	ptp "github.com/facebookincubator/gptp/protocol"
	"github.com/facebookincubator/gptp/scheduler"
)

// delay before the first pdelay request once pdelay starts; later requests
// follow the configured interval
const pdelayStartupInterval = 32 * time.Millisecond

// startPDelay arms the pdelay request interval timer unless pdelay is halted.
// With forceAsCapable the configured request interval is honored right away;
// otherwise requests start fast and asCapable is re-evaluated from scratch.
func (p *Port) startPDelay() {
	if p.pdelayIsHalted() {
		return
	}
	if p.cfg.ForceAsCapable {
		if p.PDelayInterval() == ptp.IntervalNoSend {
			return
		}
		p.mu.Lock()
		p.pdelayStarted = true
		p.mu.Unlock()
		p.startPDelayIntervalTimer(p.PDelayInterval().Duration())
		return
	}
	p.mu.Lock()
	p.pdelayStarted = true
	p.mu.Unlock()
	p.reinitializeAsCapable()
	p.startPDelayIntervalTimer(pdelayStartupInterval)
}

// stopPDelay halts pdelay and cancels the interval timer
func (p *Port) stopPDelay() {
	p.haltPDelay(true)
	p.mu.Lock()
	p.pdelayStarted = false
	p.mu.Unlock()
	p.sched.DeleteEventTimer(p, scheduler.PDelayIntervalTimeoutExpires)
}

// haltPDelay marks pdelay halted or releases the halt
func (p *Port) haltPDelay(halt bool) {
	p.mu.Lock()
	p.pdelayHalted = halt
	p.mu.Unlock()
}

func (p *Port) pdelayIsHalted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pdelayHalted
}

// PDelayStarted reports whether the pdelay machine is running
func (p *Port) PDelayStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pdelayStarted
}

// startPDelayIntervalTimer re-arms the pdelay interval timer, serialized so
// delete always precedes add
func (p *Port) startPDelayIntervalTimer(waitTime time.Duration) {
	p.pdelayTimerMu.Lock()
	defer p.pdelayTimerMu.Unlock()
	p.sched.DeleteEventTimer(p, scheduler.PDelayIntervalTimeoutExpires)
	p.sched.AddEventTimer(p, scheduler.PDelayIntervalTimeoutExpires, waitTime)
}
