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
	"errors"
	"net"

	ptp "github.com/facebookincubator/gptp/protocol"
	"github.com/facebookincubator/gptp/scheduler"
	log "github.com/sirupsen/logrus"
)

// ErrFatal marks an unrecoverable transport failure. The receiver posts
// FAULT_DETECTED when Recv returns an error wrapping it.
var ErrFatal = errors.New("fatal transport error")

// payload buffer size, gPTP messages are well under this
const recvBufSize = 128

// recvLoop is the receiver worker. It signals readiness once and then reads
// frames for the process lifetime.
func (p *Port) recvLoop() {
	p.readyOnce.Do(func() { close(p.ready) })

	buf := make([]byte, recvBufSize)
	for {
		n, remote, linkSpeed, err := p.transport.Recv(buf)
		if err != nil {
			if errors.Is(err, ErrFatal) {
				log.Errorf("read from network interface failed: %v", err)
				p.sched.Dispatch(p, scheduler.FaultDetected)
				continue
			}
			log.Debugf("transient receive failure: %v", err)
			continue
		}
		p.ProcessMessage(buf[:n], remote, linkSpeed)
	}
}

// watchLink is the link watcher worker. The link state is updated before the
// event is posted so the dispatcher observes the new state.
func (p *Port) watchLink() {
	for up := range p.transport.LinkEvents() {
		p.setLinkUp(up)
		if up {
			p.sched.Dispatch(p, scheduler.LinkUp)
		} else {
			p.sched.Dispatch(p, scheduler.LinkDown)
		}
	}
}

// ProcessMessage decodes one received frame and dispatches it to the matching
// handler. Event messages get their receive timestamp captured and PHY
// compensated first.
func (p *Port) ProcessMessage(buf []byte, remote net.HardwareAddr, linkSpeed uint32) {
	log.Tracef("Processing network buffer from %s", remote)

	pkt, err := ptp.DecodePacket(buf)
	if err != nil {
		log.Errorf("Discarding invalid message: %v", err)
		return
	}
	p.stats.IncRX(pkt.MessageType())

	var rxTS ptp.Timestamp
	if pkt.MessageType().Event() {
		rxTS = p.eventRxTimestamp(pkt, linkSpeed)
	}

	switch msg := pkt.(type) {
	case *ptp.Sync:
		p.handleSync(msg, rxTS, remote)
	case *ptp.FollowUp:
		p.handleFollowUp(msg, remote)
	case *ptp.PDelayReq:
		p.handlePDelayReq(msg, rxTS, remote)
	case *ptp.PDelayResp:
		p.handlePDelayResp(msg, rxTS, remote)
	case *ptp.PDelayRespFollowUp:
		p.handlePDelayRespFollowUp(msg, remote)
	case *ptp.Announce:
		p.handleAnnounce(msg, remote)
	case *ptp.Signaling:
		p.handleSignaling(msg, remote)
	default:
		log.Errorf("Got unsupported message type %s", pkt.MessageType())
	}
}

// eventRxTimestamp captures the receive timestamp of an event message and
// subtracts the PHY receive path compensation for the current link speed
func (p *Port) eventRxTimestamp(pkt ptp.Packet, linkSpeed uint32) ptp.Timestamp {
	var id ptp.MessageID
	if h, ok := pkt.(interface{ MessageID() ptp.MessageID }); ok {
		id = h.MessageID()
	}
	ts, err := p.rxTimestamp(p.identity, id)
	if err != nil {
		log.Errorf("Failed to read RX timestamp for %s: %v", id, err)
		return ptp.InvalidTimestamp
	}
	if p.timestamper != nil {
		comp := p.timestamper.RxPhyDelay(linkSpeed)
		log.Tracef("RX PHY compensation: %s", comp)
		ts = ts.Sub(comp)
	}
	return ts
}
