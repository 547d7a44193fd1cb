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
	"encoding/binary"
	"fmt"
	"net"

	ptp "github.com/facebookincubator/gptp/protocol"
	log "github.com/sirupsen/logrus"
)

// MulticastType selects the destination address class of an outgoing frame
type MulticastType uint8

// Multicast address classes
const (
	McastNone MulticastType = iota
	McastPDelay
	McastOther
	McastTestStatus
)

// portSend resolves the destination and hands the frame to the transport.
// With McastNone the destination is looked up in the address map.
func (p *Port) portSend(etherType uint16, buf []byte, mcast MulticastType, destIdentity *ptp.PortIdentity, wantTimestamp bool) error {
	var dest net.HardwareAddr
	switch mcast {
	case McastPDelay:
		dest = ptp.PDelayMulticast
	case McastTestStatus:
		dest = ptp.TestStatusMulticast
	case McastOther:
		dest = ptp.OtherMulticast
	default:
		if destIdentity == nil {
			return fmt.Errorf("unicast send without destination identity")
		}
		a, ok := p.Addr(*destIdentity)
		if !ok {
			return fmt.Errorf("no address mapping for %s", destIdentity)
		}
		dest = a
	}
	return p.transport.Send(dest, etherType, buf, wantTimestamp)
}

// sendEventMessage transmits an event message through the timestamping path
// and retrieves its TX timestamp. The caller must hold txMu so the captured
// timestamp matches the frame just sent. Returns the current link speed for
// TX PHY compensation by the caller.
func (p *Port) sendEventMessage(pkt ptp.Packet, mcast MulticastType, destIdentity *ptp.PortIdentity) (ptp.Timestamp, uint32, error) {
	buf, err := ptp.Bytes(pkt)
	if err != nil {
		return ptp.Timestamp{}, 0, err
	}
	if err := p.portSend(ptp.EtherType, buf, mcast, destIdentity, true); err != nil {
		return ptp.Timestamp{}, 0, err
	}
	p.stats.IncTX(pkt.MessageType())
	h, ok := pkt.(interface{ MessageID() ptp.MessageID })
	if !ok {
		return ptp.Timestamp{}, 0, fmt.Errorf("event packet without a message id")
	}
	ts, err := p.txTimestamp(p.identity, h.MessageID())
	return ts, p.transport.LinkSpeed(), err
}

// sendGeneralMessage transmits a general (untimestamped) message
func (p *Port) sendGeneralMessage(pkt ptp.Packet, mcast MulticastType, destIdentity *ptp.PortIdentity) error {
	buf, err := ptp.Bytes(pkt)
	if err != nil {
		return err
	}
	if err := p.portSend(ptp.EtherType, buf, mcast, destIdentity, false); err != nil {
		return err
	}
	p.stats.IncTX(pkt.MessageType())
	return nil
}

// header fills the common message header the way every outgoing message needs it
func (p *Port) header(t ptp.MessageType, length int, seq uint16, control uint8, logInterval ptp.LogInterval) ptp.Header {
	return ptp.Header{
		SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(t, 1), // gPTP uses majorSdoId 1
		Version:            ptp.Version,
		MessageLength:      uint16(length),
		SourcePortIdentity: p.identity,
		SequenceID:         seq,
		ControlField:       control,
		LogMessageInterval: logInterval,
	}
}

func (p *Port) newSync() *ptp.Sync {
	s := &ptp.Sync{
		Header: p.header(ptp.MessageSync, binary.Size(ptp.Sync{}), p.nextSyncSequenceID(), 0, p.SyncInterval()),
	}
	s.FlagField = ptp.FlagTwoStep | ptp.FlagPTPTimescale
	return s
}

func (p *Port) newFollowUp(seq uint16, syncTS ptp.Timestamp) *ptp.FollowUp {
	f := &ptp.FollowUp{
		Header: p.header(ptp.MessageFollowUp, binary.Size(ptp.FollowUp{}), seq, 2, p.SyncInterval()),
		FollowUpBody: ptp.FollowUpBody{
			PreciseOriginTimestamp: syncTS,
			FollowUpTLV:            p.clock.FollowUpInfo(),
		},
	}
	f.FlagField = ptp.FlagPTPTimescale
	return f
}

func (p *Port) newPDelayReq() *ptp.PDelayReq {
	return &ptp.PDelayReq{
		Header: p.header(ptp.MessagePDelayReq, binary.Size(ptp.PDelayReq{}), p.nextPDelaySequenceID(), 5, p.PDelayInterval()),
	}
}

func (p *Port) newPDelayResp(req *ptp.PDelayReq, receipt ptp.Timestamp) *ptp.PDelayResp {
	r := &ptp.PDelayResp{
		Header: p.header(ptp.MessagePDelayResp, binary.Size(ptp.PDelayResp{}), req.SequenceID, 5, 0x7f),
		PDelayRespBody: ptp.PDelayRespBody{
			RequestReceiptTimestamp: receipt,
			RequestingPortIdentity:  req.SourcePortIdentity,
		},
	}
	r.FlagField = ptp.FlagTwoStep
	return r
}

func (p *Port) newPDelayRespFollowUp(resp *ptp.PDelayResp, origin ptp.Timestamp) *ptp.PDelayRespFollowUp {
	return &ptp.PDelayRespFollowUp{
		Header: p.header(ptp.MessagePDelayRespFollowUp, binary.Size(ptp.PDelayRespFollowUp{}), resp.SequenceID, 5, 0x7f),
		PDelayRespFollowUpBody: ptp.PDelayRespFollowUpBody{
			ResponseOriginTimestamp: origin,
			RequestingPortIdentity:  resp.RequestingPortIdentity,
		},
	}
}

func (p *Port) newAnnounce() *ptp.Announce {
	gmIdentity := p.clock.GrandmasterIdentity()
	a := &ptp.Announce{
		Header: p.header(ptp.MessageAnnounce, binary.Size(ptp.Header{})+binary.Size(ptp.AnnounceBody{})+binary.Size(ptp.TLVHead{})+8,
			p.nextAnnounceSequenceID(), 5, p.AnnounceInterval()),
		AnnounceBody: ptp.AnnounceBody{
			GrandmasterPriority1:    p.clock.GrandmasterPriority1(),
			GrandmasterClockQuality: p.clock.GrandmasterQuality(),
			GrandmasterPriority2:    p.clock.GrandmasterPriority2(),
			GrandmasterIdentity:     gmIdentity,
			StepsRemoved:            0,
			TimeSource:              ptp.TimeSourceInternalOscillator,
		},
		PathTrace: []ptp.ClockIdentity{gmIdentity},
	}
	a.FlagField = ptp.FlagPTPTimescale
	return a
}

func (p *Port) newSignaling(pdelay, sync, announce ptp.LogInterval) *ptp.Signaling {
	s := &ptp.Signaling{
		Header: p.header(ptp.MessageSignaling, binary.Size(ptp.Header{})+binary.Size(ptp.PortIdentity{})+binary.Size(ptp.MessageIntervalRequestTLV{}),
			p.nextSignalSequenceID(), 5, 0x7f),
		TargetPortIdentity:        ptp.PortIdentity{ClockIdentity: 0xffffffffffffffff, PortNumber: 0xffff},
		MessageIntervalRequestTLV: ptp.NewMessageIntervalRequestTLV(pdelay, sync, announce),
	}
	return s
}

// sendSignaling emits a message interval request to the peer
func (p *Port) sendSignaling(pdelay, sync, announce ptp.LogInterval) {
	sig := p.newSignaling(pdelay, sync, announce)
	if err := p.sendGeneralMessage(sig, McastOther, nil); err != nil {
		log.Errorf("Failed to send signaling: %v", err)
		return
	}
	log.Debugf("Sent signaling message, pdelay %d sync %d announce %d", pdelay, sync, announce)
}

// sendTestStatus emits the automotive profile test status AP message
func (p *Port) sendTestStatus() {
	msg := ptp.NewTestStatus(p.StationState(), p.identity.ClockIdentity)
	buf, err := msg.MarshalBinary()
	if err != nil {
		log.Errorf("Failed to serialize test status: %v", err)
		return
	}
	if err := p.portSend(ptp.EtherType, buf, McastTestStatus, nil, false); err != nil {
		log.Errorf("Failed to send test status: %v", err)
	}
}
