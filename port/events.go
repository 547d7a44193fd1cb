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
	ptp "github.com/facebookincubator/gptp/protocol"
	"github.com/facebookincubator/gptp/scheduler"
	log "github.com/sirupsen/logrus"
)

// ProcessEvent is the single entry point for all port events. The scheduler
// guarantees at most one event per port is in flight. It reports whether the
// event was handled; unhandled events are left to the best master election
// layer.
func (p *Port) ProcessEvent(e scheduler.Event) bool {
	switch e {
	case scheduler.PowerUp, scheduler.Initialize:
		return p.powerUp()
	case scheduler.StateChangeEvent:
		// with externalPortConfiguration the role is pinned, suppress
		// best master re-evaluation
		return p.cfg.ExternalPortConfiguration
	case scheduler.LinkUp:
		return p.linkUpEvent()
	case scheduler.LinkDown:
		return p.linkDownEvent()
	case scheduler.AnnounceReceiptTimeoutExpires, scheduler.SyncReceiptTimeoutExpires:
		return p.receiptTimeout(e)
	case scheduler.PDelayIntervalTimeoutExpires:
		return p.pdelayIntervalTimeout()
	case scheduler.SyncIntervalTimeoutExpires:
		return p.syncIntervalTimeout()
	case scheduler.AnnounceIntervalTimeoutExpires:
		return p.announceIntervalTimeout()
	case scheduler.FaultDetected:
		log.Errorf("Received FAULT_DETECTED event")
		p.setAsCapable(false)
		return true
	case scheduler.PDelayDeferredProcessing:
		return p.pdelayDeferredProcessing()
	case scheduler.PDelayRespReceiptTimeoutExpires:
		return p.pdelayRespReceiptTimeout()
	case scheduler.PDelayRespPeerMisbehavingTimeoutExpires:
		return p.peerMisbehavingTimeout()
	case scheduler.SyncRateIntervalTimeoutExpired:
		return p.syncRateIntervalTimeout()
	default:
		log.Warningf("Unhandled event type %s", e)
		return false
	}
}

// powerUp spawns the worker activities and performs the initial exchange
func (p *Port) powerUp() bool {
	if p.LinkUp() {
		log.Infof("Starting PDelay")
		p.startPDelay()
	}

	go p.watchLink()
	go p.recvLoop()
	<-p.ready

	if p.cfg.AutomotiveStationStates {
		p.setStationState(ptp.StationStateEthernetReady)
	}
	if p.cfg.TestMode {
		p.sendTestStatus()
	}

	if p.cfg.NegotiateAutomotiveSyncRate && p.cfg.ExternalPortConfiguration &&
		p.cfg.StaticPortState == Slave {
		// ask the peer to stop pdelay and announce, negotiate the sync rate
		p.sendSignaling(ptp.IntervalNoSend, p.SyncInterval(), ptp.IntervalNoSend)
		p.startSyncReceiptTimer()
	}
	return true
}

func (p *Port) linkUpEvent() bool {
	p.stopPDelay()
	p.haltPDelay(false)
	p.startPDelay()
	log.Infof("LINKUP")

	if p.clock.Priority1() == 255 || p.State() == Slave {
		p.BecomeSlave(true)
	} else if p.State() == Master {
		p.BecomeMaster(true)
	} else {
		p.sched.AddEventTimer(p, scheduler.AnnounceReceiptTimeoutExpires,
			announceReceiptTimeoutMultiplier*p.AnnounceInterval().Duration())
	}

	if p.cfg.AutomotiveStationStates {
		p.setStationState(ptp.StationStateEthernetReady)
		p.mu.Lock()
		if p.state == Master {
			p.avbSyncState = 1
		} else {
			p.avbSyncState = 2
		}
		p.mu.Unlock()
	}

	if p.cfg.TestMode {
		p.sendTestStatus()
	}

	// reset send intervals to initial values
	p.mu.Lock()
	p.syncInterval = p.cfg.InitialLogSyncInterval
	p.announceInterval = p.cfg.InitialLogAnnounceInterval
	p.pdelayInterval = p.cfg.InitialLogPdelayReqInterval
	p.mu.Unlock()

	if p.cfg.NegotiateAutomotiveSyncRate && p.State() == Slave {
		p.sendSignaling(ptp.IntervalNoSend, p.SyncInterval(), ptp.IntervalNoSend)
		p.startSyncReceiptTimer()
	}

	p.mu.Lock()
	p.pdelayCount = 0
	p.syncCount = 0
	if p.cfg.TestMode {
		p.linkUpCount++
	}
	p.mu.Unlock()
	p.stats.IncLinkUp()

	if p.timestamper != nil {
		p.timestamper.Reset()
	}
	return true
}

func (p *Port) linkDownEvent() bool {
	p.stopPDelay()
	log.Infof("LINK DOWN")

	p.setAsCapable(false)

	p.mu.Lock()
	if p.cfg.TestMode {
		p.linkDownCount++
	}
	p.mu.Unlock()
	p.stats.IncLinkDown()
	return true
}

func (p *Port) receiptTimeout(e scheduler.Event) bool {
	if !p.cfg.ExternalPortConfiguration {
		// the best master election layer owns receipt timeouts
		return false
	}
	if e == scheduler.SyncReceiptTimeoutExpires {
		log.Warningf("SYNC receipt timeout")
		p.startSyncReceiptTimer()
	}
	return true
}

func (p *Port) pdelayIntervalTimeout() bool {
	log.Debugf("PDELAY_INTERVAL_TIMEOUT_EXPIRES occurred")

	p.lastPDelayMu.Lock()
	defer p.lastPDelayMu.Unlock()

	req := p.newPDelayReq()
	p.lastPDelayReq = req
	p.lastPDelayReqTS = ptp.PendingTimestamp

	p.txMu.Lock()
	ts, _, err := p.sendEventMessage(req, McastPDelay, nil)
	p.txMu.Unlock()
	if err != nil {
		log.Errorf("Failed to send PDelay request: %v", err)
	} else {
		log.Debugf("Sent PDelay Request message")
		p.lastPDelayReqTS = ts
	}

	interval := p.PDelayInterval().Duration()
	timeout := pdelayRespReceiptTimeoutMultiplier * interval
	p.sched.AddEventTimer(p, scheduler.PDelayRespReceiptTimeoutExpires, timeout)
	log.Debugf("Schedule PDELAY_RESP_RECEIPT_TIMEOUT_EXPIRES, PDelay interval %d, timeout %s",
		p.PDelayInterval(), timeout)

	p.startPDelayIntervalTimer(interval)
	return true
}

func (p *Port) syncIntervalTimeout() bool {
	// periodic, re-arm first
	p.sched.AddEventTimer(p, scheduler.SyncIntervalTimeoutExpires, p.SyncInterval().Duration())

	sync := p.newSync()

	p.txMu.Lock()
	ts, _, err := p.sendEventMessage(sync, McastOther, nil)
	log.Debugf("Sent SYNC message")

	if p.cfg.AutomotiveStationStates && p.State() == Master {
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
	p.txMu.Unlock()

	if err != nil {
		log.Errorf("Unsuccessful Sync timestamp: %v", err)
		return true
	}

	fup := p.newFollowUp(sync.SequenceID, ts)
	if err := p.sendGeneralMessage(fup, McastOther, nil); err != nil {
		log.Errorf("Failed to send FollowUp: %v", err)
	}
	return true
}

func (p *Port) announceIntervalTimeout() bool {
	if p.State() != Master || !p.cfg.TransmitAnnounce {
		return true
	}
	p.sched.AddEventTimer(p, scheduler.AnnounceIntervalTimeoutExpires, p.AnnounceInterval().Duration())

	ann := p.newAnnounce()
	if err := p.sendGeneralMessage(ann, McastOther, nil); err != nil {
		log.Errorf("Failed to send Announce: %v", err)
	}
	return true
}

func (p *Port) pdelayDeferredProcessing() bool {
	log.Debugf("PDELAY_DEFERRED_PROCESSING occurred")

	p.lastPDelayMu.Lock()
	defer p.lastPDelayMu.Unlock()

	if p.lastPDelayRespFwup == nil {
		log.Fatalf("PDelay Response Followup is nil")
	}
	if p.processPDelayRespFollowUpLocked(p.lastPDelayRespFwup) {
		p.lastPDelayRespFwup = nil
	}
	return true
}

func (p *Port) pdelayRespReceiptTimeout() bool {
	if !p.cfg.ForceAsCapable {
		log.Debugf("PDelay Response Receipt Timeout")
		p.mu.Lock()
		report := p.asCapable || !p.asCapableEvaluated
		p.mu.Unlock()
		if report {
			log.Infof("Did not receive a valid PDelay Response before the timeout. Not AsCapable")
		}
		p.setAsCapable(false)
	}
	p.mu.Lock()
	p.pdelayCount = 0
	p.mu.Unlock()
	return true
}

func (p *Port) peerMisbehavingTimeout() bool {
	log.Warningf("PDelay Resp Peer Misbehaving timeout expired! Restarting PDelay")

	p.haltPDelay(false)
	if s := p.State(); s != Slave && s != Master {
		log.Infof("Starting PDelay")
		p.startPDelay()
	}
	return true
}

func (p *Port) syncRateIntervalTimeout() bool {
	log.Infof("SYNC_RATE_INTERVAL_TIMEOUT_EXPIRED occurred")

	p.mu.Lock()
	p.syncRateIntervalTimerGoing = false

	updated := false
	if p.syncInterval != p.cfg.OperLogSyncInterval {
		p.syncInterval = p.cfg.OperLogSyncInterval
		updated = true
	}
	if p.pdelayInterval != p.cfg.OperLogPdelayReqInterval {
		p.pdelayInterval = p.cfg.OperLogPdelayReqInterval
		updated = true
	}
	state := p.state
	syncInterval := p.syncInterval
	pdelayInterval := p.pdelayInterval
	p.mu.Unlock()

	if updated && state == Slave {
		if p.cfg.NegotiateAutomotiveSyncRate {
			p.sendSignaling(ptp.IntervalNoChange, syncInterval, ptp.IntervalNoChange)
		} else {
			p.sendSignaling(pdelayInterval, syncInterval, ptp.IntervalNoChange)
		}
		p.startSyncReceiptTimer()
	}
	return true
}

// startSyncReceiptTimer arms the sync receipt timeout from the current sync interval
func (p *Port) startSyncReceiptTimer() {
	p.sched.AddEventTimer(p, scheduler.SyncReceiptTimeoutExpires,
		syncReceiptTimeoutMultiplier*p.SyncInterval().Duration())
}

// stopSyncReceiptTimer cancels the sync receipt timeout
func (p *Port) stopSyncReceiptTimer() {
	p.sched.DeleteEventTimer(p, scheduler.SyncReceiptTimeoutExpires)
}
