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
	log "github.com/sirupsen/logrus"
)

// first sync goes out quickly after the switch to master
const initialSyncInterval = 16 * time.Millisecond

// sync rate negotiation windows, the grandmaster waits longer because some
// devices do not signal a rate reduction
const (
	syncRateTimeoutMaster = 8 * time.Second
	syncRateTimeoutSlave  = 4 * time.Second
)

// BecomeMaster switches the port into the MASTER role
func (p *Port) BecomeMaster(announce bool) {
	p.setState(Master)

	if p.cfg.TransmitAnnounce {
		p.sched.DeleteEventTimer(p, scheduler.AnnounceReceiptTimeoutExpires)
	}
	p.stopSyncReceiptTimer()

	if p.cfg.ExternalPortConfiguration && p.cfg.StaticPortState == Master {
		// set grandmaster info to myself
		p.clock.SetGrandmasterIdentity(p.clock.Identity())
		p.clock.SetGrandmasterPriority1(p.clock.Priority1())
		p.clock.SetGrandmasterPriority2(p.clock.Priority2())
		p.clock.SetGrandmasterQuality(p.clock.Quality())
	}

	if announce && p.cfg.TransmitAnnounce {
		p.startAnnounce()
	}
	p.sched.AddEventTimer(p, scheduler.SyncIntervalTimeoutExpires, initialSyncInterval)
	log.Infof("Switching to Master")

	p.clock.UpdateFollowUpInfo()
}

// BecomeSlave switches the port into the SLAVE role
func (p *Port) BecomeSlave(restartSyntonization bool) {
	p.sched.DeleteEventTimer(p, scheduler.AnnounceIntervalTimeoutExpires)
	p.sched.DeleteEventTimer(p, scheduler.SyncIntervalTimeoutExpires)

	p.setState(Slave)

	if !p.cfg.ExternalPortConfiguration {
		p.sched.AddEventTimer(p, scheduler.AnnounceReceiptTimeoutExpires,
			announceReceiptTimeoutMultiplier*p.AnnounceInterval().Duration())
	} else {
		// grandmaster info may never arrive when the peer does not
		// transmit Announce, initialize the dataset to the values for
		// unknown: zero identity, best priorities, worst conformant quality
		p.clock.SetGrandmasterIdentity(0)
		p.clock.SetGrandmasterPriority1(0)
		p.clock.SetGrandmasterPriority2(0)
		p.clock.SetGrandmasterQuality(ptp.ClockQuality{
			ClockClass:              ptp.ClockClassDefault,
			ClockAccuracy:           ptp.ClockAccuracyUnknown,
			OffsetScaledLogVariance: ptp.OffsetScaledLogVarianceUnknown,
		})
	}

	log.Infof("Switching to Slave")
	if restartSyntonization {
		p.clock.NewSyntonizationSetPoint()
	}

	p.clock.UpdateFollowUpInfo()
}

// startAnnounce begins periodic announce transmission
func (p *Port) startAnnounce() {
	p.sched.AddEventTimer(p, scheduler.AnnounceIntervalTimeoutExpires, scheduler.Granularity)
}

// SyncDone is invoked after a successful slave side Sync and FollowUp pairing
func (p *Port) SyncDone() {
	log.Tracef("Sync complete")

	if p.cfg.AutomotiveStationStates && p.State() == Slave {
		p.mu.Lock()
		fire := false
		if p.avbSyncState > 0 {
			p.avbSyncState--
			fire = p.avbSyncState == 0
		}
		p.mu.Unlock()
		if fire {
			p.setStationState(ptp.StationStateAVBSync)
			if p.cfg.TestMode {
				p.sendTestStatus()
			}
		}
	}

	if p.cfg.NegotiateAutomotiveSyncRate {
		p.mu.Lock()
		start := !p.syncRateIntervalTimerGoing && p.syncInterval != p.cfg.OperLogSyncInterval
		p.mu.Unlock()
		if start {
			p.startSyncRateIntervalTimer()
		}
	}

	if !p.PDelayStarted() && p.LinkUp() {
		p.startPDelay()
	}
}

// startSyncRateIntervalTimer arms the window after which the port switches
// from initial to operational intervals
func (p *Port) startSyncRateIntervalTimer() {
	if !p.cfg.NegotiateAutomotiveSyncRate {
		return
	}
	p.mu.Lock()
	p.syncRateIntervalTimerGoing = true
	p.mu.Unlock()
	if p.State() == Master {
		p.sched.AddEventTimer(p, scheduler.SyncRateIntervalTimeoutExpired, syncRateTimeoutMaster)
	} else {
		p.sched.AddEventTimer(p, scheduler.SyncRateIntervalTimeoutExpired, syncRateTimeoutSlave)
	}
}
