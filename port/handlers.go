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
	"net"

	"github.com/facebookincubator/gptp/bmc"
	ptp "github.com/facebookincubator/gptp/protocol"
	"github.com/facebookincubator/gptp/scheduler"
	log "github.com/sirupsen/logrus"
)

// handleSync stores a master sync until the matching FollowUp arrives
func (p *Port) handleSync(msg *ptp.Sync, rxTS ptp.Timestamp, remote net.HardwareAddr) {
	p.AddAddr(msg.SourcePortIdentity, remote)

	if s := p.State(); s != Slave && s != Uncalibrated {
		log.Debugf("Discarding SYNC in state %s", s)
		return
	}
	if msg.FlagField&ptp.FlagTwoStep == 0 {
		log.Warningf("One step sync is not supported")
		return
	}

	p.mu.Lock()
	p.lastSync = msg
	p.lastSyncTS = rxTS
	p.mu.Unlock()
}

// handleFollowUp pairs a FollowUp with the stored sync and completes the
// slave side time transfer
func (p *Port) handleFollowUp(msg *ptp.FollowUp, remote net.HardwareAddr) {
	p.AddAddr(msg.SourcePortIdentity, remote)

	p.mu.Lock()
	sync := p.lastSync
	syncRxTS := p.lastSyncTS
	p.mu.Unlock()

	if sync == nil {
		log.Debugf("FollowUp without a pending sync")
		return
	}
	if sync.SourcePortIdentity != msg.SourcePortIdentity {
		log.Debugf("FollowUp source %s does not match sync source %s",
			msg.SourcePortIdentity, sync.SourcePortIdentity)
		return
	}
	if sync.SequenceID != msg.SequenceID {
		log.Warningf("FollowUp sequence id %d does not match sync %d",
			msg.SequenceID, sync.SequenceID)
		p.mu.Lock()
		p.lastInvalidSeqID = msg.SequenceID
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.lastSync = nil
	p.syncCount++
	linkDelay := p.linkDelay
	p.mu.Unlock()

	if syncRxTS.Valid() {
		offset := syncRxTS.Time().Sub(msg.PreciseOriginTimestamp.Time().Add(msg.CorrectionField.Duration()).Add(linkDelay))
		log.Debugf("Offset from master %s: %s", msg.SourcePortIdentity, offset)
	}

	if p.cfg.ExternalPortConfiguration || p.State() == Slave {
		p.startSyncReceiptTimer()
	}

	p.SyncDone()
}

// handlePDelayReq answers a peer delay request with a response and its follow-up
func (p *Port) handlePDelayReq(msg *ptp.PDelayReq, rxTS ptp.Timestamp, remote net.HardwareAddr) {
	p.AddAddr(msg.SourcePortIdentity, remote)

	resp := p.newPDelayResp(msg, rxTS)

	p.txMu.Lock()
	ts, _, err := p.sendEventMessage(resp, McastNone, &msg.SourcePortIdentity)
	p.txMu.Unlock()
	if err != nil {
		log.Errorf("Failed to send PDelay response: %v", err)
		return
	}

	fwup := p.newPDelayRespFollowUp(resp, ts)
	if err := p.sendGeneralMessage(fwup, McastNone, &msg.SourcePortIdentity); err != nil {
		log.Errorf("Failed to send PDelay response follow-up: %v", err)
	}
}

// handlePDelayResp validates and stores the peer's response to our request
func (p *Port) handlePDelayResp(msg *ptp.PDelayResp, rxTS ptp.Timestamp, remote net.HardwareAddr) {
	p.AddAddr(msg.SourcePortIdentity, remote)

	if msg.RequestingPortIdentity != p.identity {
		// response to someone else's exchange on the segment
		return
	}

	p.lastPDelayMu.Lock()
	defer p.lastPDelayMu.Unlock()

	if p.lastPDelayReq == nil {
		log.Debugf("PDelay response without an outstanding request")
		return
	}

	if p.lastPDelayResp != nil &&
		p.lastPDelayResp.SequenceID == msg.SequenceID &&
		p.lastPDelayResp.SourcePortIdentity == msg.SourcePortIdentity {
		p.duplicateRespCounter++
		log.Warningf("Duplicate PDelay response, sequence id %d (%d seen)",
			msg.SequenceID, p.duplicateRespCounter)
		if p.duplicateRespCounter >= duplicateRespThreshold {
			log.Errorf("PDelay peer is misbehaving, halting PDelay for %s", peerMisbehavingTimeout)
			p.duplicateRespCounter = 0
			p.setAsCapable(false)
			p.stopPDelay()
			p.sched.AddEventTimer(p, scheduler.PDelayRespPeerMisbehavingTimeoutExpires, peerMisbehavingTimeout)
		}
		return
	}

	if msg.SequenceID != p.lastPDelayReq.SequenceID {
		log.Debugf("PDelay response sequence id %d does not match request %d",
			msg.SequenceID, p.lastPDelayReq.SequenceID)
		p.mu.Lock()
		p.lastInvalidSeqID = msg.SequenceID
		p.mu.Unlock()
		return
	}

	p.duplicateRespCounter = 0
	p.lastPDelayResp = msg
	p.lastPDelayRespTS = rxTS
}

// handlePDelayRespFollowUp completes the three message exchange and updates
// the link delay. Processing is deferred when our request's TX timestamp has
// not been captured yet.
func (p *Port) handlePDelayRespFollowUp(msg *ptp.PDelayRespFollowUp, remote net.HardwareAddr) {
	p.AddAddr(msg.SourcePortIdentity, remote)

	p.lastPDelayMu.Lock()
	defer p.lastPDelayMu.Unlock()

	if p.processPDelayRespFollowUpLocked(msg) {
		if p.lastPDelayRespFwup == msg {
			p.lastPDelayRespFwup = nil
		}
		return
	}
	p.lastPDelayRespFwup = msg
	p.sched.AddEventTimer(p, scheduler.PDelayDeferredProcessing, scheduler.Granularity)
}

// processPDelayRespFollowUpLocked reports true when the message is fully
// consumed, false when processing must be deferred. Caller holds lastPDelayMu.
func (p *Port) processPDelayRespFollowUpLocked(msg *ptp.PDelayRespFollowUp) bool {
	if msg.RequestingPortIdentity != p.identity {
		return true
	}
	if p.lastPDelayReq == nil || p.lastPDelayResp == nil {
		log.Debugf("PDelay response follow-up without a full exchange")
		return true
	}
	if msg.SequenceID != p.lastPDelayReq.SequenceID || msg.SequenceID != p.lastPDelayResp.SequenceID {
		log.Debugf("PDelay response follow-up sequence id %d does not match exchange %d",
			msg.SequenceID, p.lastPDelayReq.SequenceID)
		return true
	}
	if p.lastPDelayReqTS == ptp.PendingTimestamp {
		// TX timestamp of the request is still in flight
		return false
	}
	if !p.lastPDelayReqTS.Valid() || !p.lastPDelayRespTS.Valid() {
		log.Warningf("Discarding PDelay exchange with invalid timestamps")
		return true
	}

	t1 := p.lastPDelayReqTS.Time()
	t2 := p.lastPDelayResp.RequestReceiptTimestamp.Time()
	t3 := msg.ResponseOriginTimestamp.Time()
	t4 := p.lastPDelayRespTS.Time()

	turnaround := t4.Sub(t1) - t3.Sub(t2) - msg.CorrectionField.Duration()
	delay := turnaround / 2
	if delay < 0 {
		log.Warningf("Discarding negative link delay %s", delay)
		return true
	}

	p.mu.Lock()
	p.linkDelay = delay
	p.pdelayCount++
	count := p.pdelayCount
	p.mu.Unlock()
	p.stats.SetLinkDelayNS(delay.Nanoseconds())
	log.Debugf("Link delay %s after %d exchanges", delay, count)

	if count >= asCapableThreshold {
		p.setAsCapable(true)
	} else {
		p.mu.Lock()
		p.asCapableEvaluated = true
		p.mu.Unlock()
	}
	return true
}

// handleSignaling applies the peer's message interval requests
func (p *Port) handleSignaling(msg *ptp.Signaling, remote net.HardwareAddr) {
	p.AddAddr(msg.SourcePortIdentity, remote)

	// sync interval
	switch msg.TimeSyncInterval {
	case ptp.IntervalNoChange:
	case ptp.IntervalNoSend:
		p.sched.DeleteEventTimer(p, scheduler.SyncIntervalTimeoutExpires)
	case ptp.IntervalInitial:
		p.setSyncIntervalFromSignal(p.cfg.InitialLogSyncInterval)
	default:
		p.setSyncIntervalFromSignal(msg.TimeSyncInterval)
	}

	// pdelay request interval
	switch msg.LinkDelayInterval {
	case ptp.IntervalNoChange:
	case ptp.IntervalNoSend:
		p.stopPDelay()
	case ptp.IntervalInitial:
		p.setPDelayIntervalFromSignal(p.cfg.InitialLogPdelayReqInterval)
	default:
		p.setPDelayIntervalFromSignal(msg.LinkDelayInterval)
	}

	// announce interval
	switch msg.AnnounceInterval {
	case ptp.IntervalNoChange:
	case ptp.IntervalNoSend:
		p.sched.DeleteEventTimer(p, scheduler.AnnounceIntervalTimeoutExpires)
	case ptp.IntervalInitial:
		p.setAnnounceIntervalFromSignal(p.cfg.InitialLogAnnounceInterval)
	default:
		p.setAnnounceIntervalFromSignal(msg.AnnounceInterval)
	}
}

func (p *Port) setSyncIntervalFromSignal(li ptp.LogInterval) {
	p.mu.Lock()
	p.syncInterval = li
	master := p.state == Master
	p.mu.Unlock()
	if master {
		p.sched.AddEventTimer(p, scheduler.SyncIntervalTimeoutExpires, li.Duration())
	}
}

func (p *Port) setPDelayIntervalFromSignal(li ptp.LogInterval) {
	p.mu.Lock()
	p.pdelayInterval = li
	started := p.pdelayStarted
	p.mu.Unlock()
	if started {
		p.startPDelayIntervalTimer(li.Duration())
	}
}

func (p *Port) setAnnounceIntervalFromSignal(li ptp.LogInterval) {
	p.mu.Lock()
	p.announceInterval = li
	master := p.state == Master
	p.mu.Unlock()
	if master && p.cfg.TransmitAnnounce {
		p.sched.AddEventTimer(p, scheduler.AnnounceIntervalTimeoutExpires, li.Duration())
	}
}

// handleAnnounce qualifies a foreign announce and feeds the election trigger
func (p *Port) handleAnnounce(msg *ptp.Announce, remote net.HardwareAddr) {
	p.AddAddr(msg.SourcePortIdentity, remote)

	if p.cfg.ExternalPortConfiguration {
		// role is pinned, announces do not drive elections
		return
	}
	if msg.GrandmasterIdentity == p.clock.Identity() {
		return
	}
	for _, ci := range msg.PathTrace {
		if ci == p.clock.Identity() {
			log.Debugf("Discarding announce that loops through us")
			return
		}
	}

	p.mu.Lock()
	best := p.bestAnnounce
	if best == nil || bmc.Dscmp(msg, best) > 0 {
		p.bestAnnounce = msg
		best = msg
	}
	p.mu.Unlock()

	if best == msg {
		p.clock.SetGrandmasterIdentity(msg.GrandmasterIdentity)
		p.clock.SetGrandmasterPriority1(msg.GrandmasterPriority1)
		p.clock.SetGrandmasterPriority2(msg.GrandmasterPriority2)
		p.clock.SetGrandmasterQuality(msg.GrandmasterClockQuality)
	}

	p.sched.AddEventTimer(p, scheduler.AnnounceReceiptTimeoutExpires,
		announceReceiptTimeoutMultiplier*p.AnnounceInterval().Duration())
}
