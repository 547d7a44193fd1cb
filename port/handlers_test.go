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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ptp "github.com/facebookincubator/gptp/protocol"
	"github.com/facebookincubator/gptp/scheduler"
)

var (
	peerID  = ptp.PortIdentity{ClockIdentity: 0x00aabbfffeccddee, PortNumber: 1}
	peerMAC = net.HardwareAddr{0x00, 0xaa, 0xbb, 0xcc, 0xdd, 0xee}
)

func peerHeader(t ptp.MessageType, seq uint16) ptp.Header {
	return ptp.Header{
		SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(t, 1),
		Version:            ptp.Version,
		SourcePortIdentity: peerID,
		SequenceID:         seq,
	}
}

// runPDelayExchange drives one complete request/response/follow-up cycle
func runPDelayExchange(t *testing.T, p *Port) {
	t.Helper()
	require.True(t, p.ProcessEvent(scheduler.PDelayIntervalTimeoutExpires))

	p.lastPDelayMu.Lock()
	seq := p.lastPDelayReq.SequenceID
	p.lastPDelayMu.Unlock()

	remoteTS := ptp.NewTimestamp(time.Unix(1653314054, 923152214))
	resp := &ptp.PDelayResp{
		Header: peerHeader(ptp.MessagePDelayResp, seq),
		PDelayRespBody: ptp.PDelayRespBody{
			RequestReceiptTimestamp: remoteTS,
			RequestingPortIdentity:  p.Identity(),
		},
	}
	resp.FlagField = ptp.FlagTwoStep
	p.handlePDelayResp(resp, ptp.NewTimestamp(time.Now()), peerMAC)

	fwup := &ptp.PDelayRespFollowUp{
		Header: peerHeader(ptp.MessagePDelayRespFollowUp, seq),
		PDelayRespFollowUpBody: ptp.PDelayRespFollowUpBody{
			ResponseOriginTimestamp: remoteTS,
			RequestingPortIdentity:  p.Identity(),
		},
	}
	p.handlePDelayRespFollowUp(fwup, peerMAC)
}

func TestPDelayExchangeAssertsAsCapable(t *testing.T) {
	p, _, _ := newTestPort(t, Config{LinkUp: true})
	require.False(t, p.AsCapable())

	runPDelayExchange(t, p)
	require.False(t, p.AsCapable())

	runPDelayExchange(t, p)
	require.True(t, p.AsCapable())
	require.GreaterOrEqual(t, p.LinkDelay(), time.Duration(0))
}

func TestPDelayReqGeneratesResponsePair(t *testing.T) {
	p, m, _ := newTestPort(t, Config{LinkUp: true})

	rxTS := ptp.NewTimestamp(time.Unix(1653314054, 923152214))
	req := &ptp.PDelayReq{Header: peerHeader(ptp.MessagePDelayReq, 11)}
	p.handlePDelayReq(req, rxTS, peerMAC)

	frames := m.frames()
	require.Len(t, frames, 2)

	// both go unicast to the requester, resolved through the address map
	require.Equal(t, peerMAC, frames[0].dst)
	require.Equal(t, peerMAC, frames[1].dst)
	require.True(t, frames[0].timestamped)
	require.False(t, frames[1].timestamped)

	pkt, err := ptp.DecodePacket(frames[0].payload)
	require.NoError(t, err)
	resp, ok := pkt.(*ptp.PDelayResp)
	require.True(t, ok)
	assert.Equal(t, uint16(11), resp.SequenceID)
	assert.Equal(t, rxTS, resp.RequestReceiptTimestamp)
	assert.Equal(t, peerID, resp.RequestingPortIdentity)

	pkt, err = ptp.DecodePacket(frames[1].payload)
	require.NoError(t, err)
	fwup, ok := pkt.(*ptp.PDelayRespFollowUp)
	require.True(t, ok)
	assert.Equal(t, uint16(11), fwup.SequenceID)
	assert.Equal(t, peerID, fwup.RequestingPortIdentity)
	assert.True(t, fwup.ResponseOriginTimestamp.Valid())
}

func TestDuplicatePDelayRespHaltsPDelay(t *testing.T) {
	p, _, sched := newTestPort(t, Config{LinkUp: true})
	p.setAsCapable(true)

	require.True(t, p.ProcessEvent(scheduler.PDelayIntervalTimeoutExpires))
	p.lastPDelayMu.Lock()
	seq := p.lastPDelayReq.SequenceID
	p.lastPDelayMu.Unlock()

	resp := &ptp.PDelayResp{
		Header: peerHeader(ptp.MessagePDelayResp, seq),
		PDelayRespBody: ptp.PDelayRespBody{
			RequestingPortIdentity: p.Identity(),
		},
	}
	rxTS := ptp.NewTimestamp(time.Now())
	for i := 0; i < duplicateRespThreshold+1; i++ {
		p.handlePDelayResp(resp, rxTS, peerMAC)
	}

	require.False(t, p.AsCapable())
	require.False(t, sched.Armed(p, scheduler.PDelayIntervalTimeoutExpires))
	require.True(t, sched.Armed(p, scheduler.PDelayRespPeerMisbehavingTimeoutExpires))

	// cooldown expired, pdelay restarts since we are neither master nor slave
	require.True(t, p.ProcessEvent(scheduler.PDelayRespPeerMisbehavingTimeoutExpires))
	require.True(t, sched.Armed(p, scheduler.PDelayIntervalTimeoutExpires))
}

func TestPDelayRespSequenceMismatch(t *testing.T) {
	p, _, _ := newTestPort(t, Config{LinkUp: true})

	require.True(t, p.ProcessEvent(scheduler.PDelayIntervalTimeoutExpires))

	resp := &ptp.PDelayResp{
		Header: peerHeader(ptp.MessagePDelayResp, 9999),
		PDelayRespBody: ptp.PDelayRespBody{
			RequestingPortIdentity: p.Identity(),
		},
	}
	p.handlePDelayResp(resp, ptp.NewTimestamp(time.Now()), peerMAC)

	p.lastPDelayMu.Lock()
	defer p.lastPDelayMu.Unlock()
	require.Nil(t, p.lastPDelayResp)
	p.mu.Lock()
	defer p.mu.Unlock()
	require.Equal(t, uint16(9999), p.lastInvalidSeqID)
}

func TestPDelayRespForSomeoneElseIgnored(t *testing.T) {
	p, _, _ := newTestPort(t, Config{LinkUp: true})

	require.True(t, p.ProcessEvent(scheduler.PDelayIntervalTimeoutExpires))

	resp := &ptp.PDelayResp{
		Header: peerHeader(ptp.MessagePDelayResp, 0),
		PDelayRespBody: ptp.PDelayRespBody{
			RequestingPortIdentity: peerID,
		},
	}
	p.handlePDelayResp(resp, ptp.NewTimestamp(time.Now()), peerMAC)

	p.lastPDelayMu.Lock()
	defer p.lastPDelayMu.Unlock()
	require.Nil(t, p.lastPDelayResp)
}

func TestSyncFollowUpPairing(t *testing.T) {
	p, _, sched := newTestPort(t, Config{
		LinkUp:                  true,
		AutomotiveStationStates: true,
	})
	p.setState(Slave)
	require.Equal(t, 2, p.AVBSyncState())

	for i, want := range []int{1, 0} {
		seq := uint16(i)
		sync := &ptp.Sync{Header: peerHeader(ptp.MessageSync, seq)}
		sync.FlagField = ptp.FlagTwoStep
		p.handleSync(sync, ptp.NewTimestamp(time.Now()), peerMAC)

		fup := &ptp.FollowUp{
			Header: peerHeader(ptp.MessageFollowUp, seq),
			FollowUpBody: ptp.FollowUpBody{
				PreciseOriginTimestamp: ptp.NewTimestamp(time.Now()),
				FollowUpTLV:            ptp.NewFollowUpTLV(),
			},
		}
		p.handleFollowUp(fup, peerMAC)

		require.Equal(t, want, p.AVBSyncState())
	}

	assert.Equal(t, ptp.StationStateAVBSync, p.StationState())
	assert.True(t, sched.Armed(p, scheduler.SyncReceiptTimeoutExpires))

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, uint32(2), p.syncCount)
	assert.Nil(t, p.lastSync)
}

func TestFollowUpSequenceMismatchIgnored(t *testing.T) {
	p, _, _ := newTestPort(t, Config{LinkUp: true, AutomotiveStationStates: true})
	p.setState(Slave)

	sync := &ptp.Sync{Header: peerHeader(ptp.MessageSync, 5)}
	sync.FlagField = ptp.FlagTwoStep
	p.handleSync(sync, ptp.NewTimestamp(time.Now()), peerMAC)

	fup := &ptp.FollowUp{Header: peerHeader(ptp.MessageFollowUp, 6)}
	p.handleFollowUp(fup, peerMAC)

	require.Equal(t, 2, p.AVBSyncState())

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Equal(t, uint32(0), p.syncCount)
	require.NotNil(t, p.lastSync)
}

func TestSyncIgnoredWhenMaster(t *testing.T) {
	p, _, _ := newTestPort(t, Config{LinkUp: true})
	p.setState(Master)

	sync := &ptp.Sync{Header: peerHeader(ptp.MessageSync, 5)}
	sync.FlagField = ptp.FlagTwoStep
	p.handleSync(sync, ptp.NewTimestamp(time.Now()), peerMAC)

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Nil(t, p.lastSync)
}

// a deferred follow-up is processed once the request TX timestamp lands
func TestPDelayRespFollowUpDeferred(t *testing.T) {
	p, _, sched := newTestPort(t, Config{LinkUp: true})

	require.True(t, p.ProcessEvent(scheduler.PDelayIntervalTimeoutExpires))

	p.lastPDelayMu.Lock()
	seq := p.lastPDelayReq.SequenceID
	reqTS := p.lastPDelayReqTS
	p.lastPDelayReqTS = ptp.PendingTimestamp
	p.lastPDelayMu.Unlock()

	remoteTS := ptp.NewTimestamp(time.Unix(1653314054, 923152214))
	resp := &ptp.PDelayResp{
		Header: peerHeader(ptp.MessagePDelayResp, seq),
		PDelayRespBody: ptp.PDelayRespBody{
			RequestReceiptTimestamp: remoteTS,
			RequestingPortIdentity:  p.Identity(),
		},
	}
	p.handlePDelayResp(resp, ptp.NewTimestamp(time.Now()), peerMAC)

	fwup := &ptp.PDelayRespFollowUp{
		Header: peerHeader(ptp.MessagePDelayRespFollowUp, seq),
		PDelayRespFollowUpBody: ptp.PDelayRespFollowUpBody{
			ResponseOriginTimestamp: remoteTS,
			RequestingPortIdentity:  p.Identity(),
		},
	}
	p.handlePDelayRespFollowUp(fwup, peerMAC)

	p.lastPDelayMu.Lock()
	require.NotNil(t, p.lastPDelayRespFwup)
	p.lastPDelayReqTS = reqTS
	p.lastPDelayMu.Unlock()
	require.True(t, sched.Armed(p, scheduler.PDelayDeferredProcessing))

	require.True(t, p.ProcessEvent(scheduler.PDelayDeferredProcessing))

	p.lastPDelayMu.Lock()
	defer p.lastPDelayMu.Unlock()
	require.Nil(t, p.lastPDelayRespFwup)
	p.mu.Lock()
	defer p.mu.Unlock()
	require.Equal(t, uint32(1), p.pdelayCount)
}

func TestSignalingAppliesIntervals(t *testing.T) {
	p, _, sched := newTestPort(t, Config{LinkUp: true, InitialLogSyncInterval: -3})
	p.setState(Master)
	p.startPDelay()

	sig := &ptp.Signaling{
		Header:                    peerHeader(ptp.MessageSignaling, 0),
		TargetPortIdentity:        p.Identity(),
		MessageIntervalRequestTLV: ptp.NewMessageIntervalRequestTLV(ptp.IntervalNoSend, -1, ptp.IntervalNoChange),
	}
	p.handleSignaling(sig, peerMAC)

	assert.Equal(t, ptp.LogInterval(-1), p.SyncInterval())
	assert.True(t, sched.Armed(p, scheduler.SyncIntervalTimeoutExpires))
	// pdelay was asked to stop entirely
	assert.False(t, sched.Armed(p, scheduler.PDelayIntervalTimeoutExpires))
	assert.False(t, p.PDelayStarted())
}

func TestAnnounceFeedsElection(t *testing.T) {
	p, _, sched := newTestPort(t, Config{LinkUp: true})

	ann := &ptp.Announce{
		Header: peerHeader(ptp.MessageAnnounce, 0),
		AnnounceBody: ptp.AnnounceBody{
			GrandmasterPriority1: 100,
			GrandmasterClockQuality: ptp.ClockQuality{
				ClockClass:              ptp.ClockClass6,
				ClockAccuracy:           ptp.ClockAccuracyNanosecond100,
				OffsetScaledLogVariance: 0x2000,
			},
			GrandmasterPriority2: 100,
			GrandmasterIdentity:  peerID.ClockIdentity,
		},
		PathTrace: []ptp.ClockIdentity{peerID.ClockIdentity},
	}
	p.handleAnnounce(ann, peerMAC)

	require.Equal(t, peerID.ClockIdentity, p.clock.GrandmasterIdentity())
	require.Equal(t, uint8(100), p.clock.GrandmasterPriority1())
	require.True(t, sched.Armed(p, scheduler.AnnounceReceiptTimeoutExpires))

	// our own clock identity in the path trace means a loop
	looped := &ptp.Announce{
		Header: peerHeader(ptp.MessageAnnounce, 1),
		AnnounceBody: ptp.AnnounceBody{
			GrandmasterPriority1: 1,
			GrandmasterIdentity:  0x42,
		},
		PathTrace: []ptp.ClockIdentity{p.clock.Identity()},
	}
	p.handleAnnounce(looped, peerMAC)
	require.Equal(t, peerID.ClockIdentity, p.clock.GrandmasterIdentity())
}

func TestAnnounceIgnoredWithExternalConfiguration(t *testing.T) {
	p, _, sched := newTestPort(t, Config{
		ExternalPortConfiguration: true,
		StaticPortState:           Slave,
	})

	ann := &ptp.Announce{
		Header: peerHeader(ptp.MessageAnnounce, 0),
		AnnounceBody: ptp.AnnounceBody{
			GrandmasterPriority1: 1,
			GrandmasterIdentity:  peerID.ClockIdentity,
		},
	}
	p.handleAnnounce(ann, peerMAC)

	require.Equal(t, ptp.ClockIdentity(0), p.clock.GrandmasterIdentity())
	require.False(t, sched.Armed(p, scheduler.AnnounceReceiptTimeoutExpires))
}

func TestProcessMessageDispatch(t *testing.T) {
	p, m, _ := newTestPort(t, Config{LinkUp: true})

	req := &ptp.PDelayReq{Header: peerHeader(ptp.MessagePDelayReq, 3)}
	req.MessageLength = 54
	buf, err := ptp.Bytes(req)
	require.NoError(t, err)

	p.ProcessMessage(buf, peerMAC, 1000)

	// decoded and answered with the response pair
	require.Len(t, m.frames(), 2)

	// garbage is dropped without a crash
	m.clear()
	p.ProcessMessage([]byte{0xde, 0xad}, peerMAC, 1000)
	require.Empty(t, m.frames())
}
