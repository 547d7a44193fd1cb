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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facebookincubator/gptp/clock"
	ptp "github.com/facebookincubator/gptp/protocol"
	"github.com/facebookincubator/gptp/scheduler"
)

type sentFrame struct {
	dst         net.HardwareAddr
	etherType   uint16
	payload     []byte
	timestamped bool
}

// mockTransport records transmitted frames, Recv blocks forever
type mockTransport struct {
	mu   sync.Mutex
	sent []sentFrame
	link chan bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{link: make(chan bool)}
}

func (m *mockTransport) Recv([]byte) (int, net.HardwareAddr, uint32, error) {
	select {}
}

func (m *mockTransport) Send(dst net.HardwareAddr, etherType uint16, payload []byte, wantTimestamp bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.sent = append(m.sent, sentFrame{dst: dst, etherType: etherType, payload: cp, timestamped: wantTimestamp})
	return nil
}

func (m *mockTransport) LinkEvents() <-chan bool {
	return m.link
}

func (m *mockTransport) LinkSpeed() uint32 {
	return 1000
}

func (m *mockTransport) frames() []sentFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]sentFrame, len(m.sent))
	copy(res, m.sent)
	return res
}

func (m *mockTransport) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// mockTimestamper hands out fixed timestamps
type mockTimestamper struct {
	txTS   ptp.Timestamp
	rxTS   ptp.Timestamp
	phy    time.Duration
	resets int
}

func (m *mockTimestamper) TXTimestamp(ptp.PortIdentity, ptp.MessageID, bool) (ptp.Timestamp, uint32, error) {
	return m.txTS, 0, nil
}

func (m *mockTimestamper) RXTimestamp(ptp.PortIdentity, ptp.MessageID, bool) (ptp.Timestamp, uint32, error) {
	return m.rxTS, 0, nil
}

func (m *mockTimestamper) Reset() {
	m.resets++
}

func (m *mockTimestamper) RxPhyDelay(uint32) time.Duration {
	return m.phy
}

func testClock() *clock.Clock {
	return clock.New(clock.Config{
		Identity:  ptp.ClockIdentity(0x001122fffe334455),
		Priority1: 248,
		Priority2: 248,
		Quality: ptp.ClockQuality{
			ClockClass:              ptp.ClockClassDefault,
			ClockAccuracy:           ptp.ClockAccuracyUnknown,
			OffsetScaledLogVariance: ptp.OffsetScaledLogVarianceUnknown,
		},
	})
}

func newTestPort(t *testing.T, cfg Config) (*Port, *mockTransport, *scheduler.Scheduler) {
	t.Helper()
	if cfg.PortNumber == 0 {
		cfg.PortNumber = 1
	}
	m := newMockTransport()
	sched := scheduler.New()
	p := New(cfg, testClock(), m, nil, sched, nil)
	t.Cleanup(func() { sched.Stop(p) })
	return p, m, sched
}

func TestDefaults(t *testing.T) {
	p, _, _ := newTestPort(t, Config{})
	require.Equal(t, ptp.LogInterval(0), p.SyncInterval())

	p, _, _ = newTestPort(t, Config{InitialLogSyncInterval: ptp.LogIntervalInvalid})
	require.Equal(t, ptp.LogInterval(-3), p.SyncInterval())
	require.Equal(t, ptp.LogInterval(0), p.PDelayInterval())

	p, _, _ = newTestPort(t, Config{
		InitialLogSyncInterval:      ptp.LogIntervalInvalid,
		NegotiateAutomotiveSyncRate: true,
	})
	require.Equal(t, ptp.LogInterval(-5), p.SyncInterval())
}

func TestAVBSyncStateDefaults(t *testing.T) {
	p, _, _ := newTestPort(t, Config{
		AutomotiveStationStates:   true,
		ExternalPortConfiguration: true,
		StaticPortState:           Master,
	})
	require.Equal(t, 1, p.AVBSyncState())
	require.Equal(t, ptp.StationStateReserved, p.StationState())

	p, _, _ = newTestPort(t, Config{
		AutomotiveStationStates:   true,
		ExternalPortConfiguration: true,
		StaticPortState:           Slave,
	})
	require.Equal(t, 2, p.AVBSyncState())
}

// boot without link: workers run, no pdelay timer, station state advances,
// nothing is transmitted
func TestPowerUpWithoutLink(t *testing.T) {
	p, m, sched := newTestPort(t, Config{
		LinkUp:                  false,
		AutomotiveStationStates: true,
	})

	require.True(t, p.ProcessEvent(scheduler.PowerUp))

	assert.False(t, sched.Armed(p, scheduler.PDelayIntervalTimeoutExpires))
	assert.Equal(t, ptp.StationStateEthernetReady, p.StationState())
	assert.Empty(t, m.frames())
}

// boot as externally configured automotive slave: exactly one signalling
// frame asking the peer to stop pdelay and announce, sync receipt timer armed
func TestPowerUpExternalSlaveSignaling(t *testing.T) {
	p, m, sched := newTestPort(t, Config{
		LinkUp:                      false,
		InitialLogSyncInterval:      -3,
		ExternalPortConfiguration:   true,
		StaticPortState:             Slave,
		NegotiateAutomotiveSyncRate: true,
	})

	require.True(t, p.ProcessEvent(scheduler.PowerUp))

	frames := m.frames()
	require.Len(t, frames, 1)
	require.Equal(t, ptp.EtherType, frames[0].etherType)
	require.False(t, frames[0].timestamped)

	pkt, err := ptp.DecodePacket(frames[0].payload)
	require.NoError(t, err)
	sig, ok := pkt.(*ptp.Signaling)
	require.True(t, ok)
	assert.Equal(t, ptp.IntervalNoSend, sig.LinkDelayInterval)
	assert.Equal(t, ptp.LogInterval(-3), sig.TimeSyncInterval)
	assert.Equal(t, ptp.IntervalNoSend, sig.AnnounceInterval)

	assert.True(t, sched.Armed(p, scheduler.SyncReceiptTimeoutExpires))
}

// LINKUP while master: sync timer armed fast, announce started, avbSyncState=1
func TestLinkUpWhileMaster(t *testing.T) {
	p, _, sched := newTestPort(t, Config{
		LinkUp:                  true,
		AutomotiveStationStates: true,
		TransmitAnnounce:        true,
	})
	p.BecomeMaster(false)

	require.True(t, p.ProcessEvent(scheduler.LinkUp))

	assert.True(t, sched.Armed(p, scheduler.SyncIntervalTimeoutExpires))
	assert.True(t, sched.Armed(p, scheduler.AnnounceIntervalTimeoutExpires))
	assert.Equal(t, 1, p.AVBSyncState())
	assert.Equal(t, ptp.StationStateEthernetReady, p.StationState())
}

// LINKUP resets intervals back to initial values
func TestLinkUpResetsIntervals(t *testing.T) {
	p, _, _ := newTestPort(t, Config{
		LinkUp:                   true,
		InitialLogSyncInterval:   -3,
		OperLogSyncInterval:      0,
		OperLogPdelayReqInterval: 3,
	})
	p.mu.Lock()
	p.syncInterval = 0
	p.pdelayInterval = 3
	p.mu.Unlock()

	require.True(t, p.ProcessEvent(scheduler.LinkUp))

	assert.Equal(t, ptp.LogInterval(-3), p.SyncInterval())
	assert.Equal(t, ptp.LogInterval(0), p.PDelayInterval())
}

// two interval expirations produce two requests, each replacing the pending
// slot, with the response receipt timeout armed
func TestPDelayIntervalTimeout(t *testing.T) {
	p, m, sched := newTestPort(t, Config{LinkUp: true})

	require.True(t, p.ProcessEvent(scheduler.PDelayIntervalTimeoutExpires))
	require.True(t, p.ProcessEvent(scheduler.PDelayIntervalTimeoutExpires))

	frames := m.frames()
	require.Len(t, frames, 2)
	for i, f := range frames {
		require.Equal(t, ptp.PDelayMulticast, f.dst)
		require.True(t, f.timestamped)
		pkt, err := ptp.DecodePacket(f.payload)
		require.NoError(t, err)
		req, ok := pkt.(*ptp.PDelayReq)
		require.True(t, ok)
		require.Equal(t, uint16(i), req.SequenceID)
	}

	p.lastPDelayMu.Lock()
	require.NotNil(t, p.lastPDelayReq)
	require.Equal(t, uint16(1), p.lastPDelayReq.SequenceID)
	p.lastPDelayMu.Unlock()

	assert.True(t, sched.Armed(p, scheduler.PDelayRespReceiptTimeoutExpires))
	assert.True(t, sched.Armed(p, scheduler.PDelayIntervalTimeoutExpires))
}

// sync interval expiration emits Sync and a FollowUp carrying the same
// sequence id and the captured sync timestamp
func TestSyncThenFollowUp(t *testing.T) {
	txTS := ptp.NewTimestamp(time.Unix(1653314054, 923152214))
	m := newMockTransport()
	sched := scheduler.New()
	p := New(Config{PortNumber: 1, LinkUp: true}, testClock(), m, &mockTimestamper{txTS: txTS}, sched, nil)
	t.Cleanup(func() { sched.Stop(p) })

	require.True(t, p.ProcessEvent(scheduler.SyncIntervalTimeoutExpires))

	frames := m.frames()
	require.Len(t, frames, 2)
	require.True(t, frames[0].timestamped)
	require.False(t, frames[1].timestamped)

	syncPkt, err := ptp.DecodePacket(frames[0].payload)
	require.NoError(t, err)
	sync, ok := syncPkt.(*ptp.Sync)
	require.True(t, ok)

	fupPkt, err := ptp.DecodePacket(frames[1].payload)
	require.NoError(t, err)
	fup, ok := fupPkt.(*ptp.FollowUp)
	require.True(t, ok)

	assert.Equal(t, sync.SequenceID, fup.SequenceID)
	assert.Equal(t, txTS, fup.PreciseOriginTimestamp)
	assert.True(t, sched.Armed(p, scheduler.SyncIntervalTimeoutExpires))
}

// with forceAsCapable no timeout or fault clears asCapable
func TestForceAsCapable(t *testing.T) {
	p, _, _ := newTestPort(t, Config{LinkUp: true, ForceAsCapable: true})

	require.True(t, p.AsCapable())
	require.True(t, p.ProcessEvent(scheduler.PDelayRespReceiptTimeoutExpires))
	require.True(t, p.AsCapable())
	require.True(t, p.ProcessEvent(scheduler.FaultDetected))
	require.True(t, p.AsCapable())
	require.True(t, p.ProcessEvent(scheduler.LinkDown))
	require.True(t, p.AsCapable())
}

func TestPDelayRespReceiptTimeoutClearsAsCapable(t *testing.T) {
	p, _, _ := newTestPort(t, Config{LinkUp: true})
	p.setAsCapable(true)

	require.True(t, p.ProcessEvent(scheduler.PDelayRespReceiptTimeoutExpires))
	require.False(t, p.AsCapable())

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Equal(t, uint32(0), p.pdelayCount)
}

// pdelay never starts when the interval is NoSend and asCapable is forced
func TestStartPDelayNoSend(t *testing.T) {
	p, _, sched := newTestPort(t, Config{
		LinkUp:                      true,
		ForceAsCapable:              true,
		InitialLogPdelayReqInterval: ptp.IntervalNoSend,
	})

	p.startPDelay()
	require.False(t, sched.Armed(p, scheduler.PDelayIntervalTimeoutExpires))
	require.False(t, p.PDelayStarted())
}

func TestStopPDelayCancelsTimer(t *testing.T) {
	p, _, sched := newTestPort(t, Config{LinkUp: true})

	p.startPDelay()
	require.True(t, sched.Armed(p, scheduler.PDelayIntervalTimeoutExpires))
	require.True(t, p.PDelayStarted())

	p.stopPDelay()
	require.False(t, sched.Armed(p, scheduler.PDelayIntervalTimeoutExpires))
	require.False(t, p.PDelayStarted())

	// halted, a new start is a no-op until the halt clears
	p.startPDelay()
	require.False(t, sched.Armed(p, scheduler.PDelayIntervalTimeoutExpires))

	p.haltPDelay(false)
	p.startPDelay()
	require.True(t, sched.Armed(p, scheduler.PDelayIntervalTimeoutExpires))
}

// intervals already operational: no signalling, no receipt timer re-arm
func TestSyncRateIntervalNoUpdate(t *testing.T) {
	p, m, sched := newTestPort(t, Config{
		LinkUp:                      true,
		InitialLogSyncInterval:      0,
		OperLogSyncInterval:         0,
		InitialLogPdelayReqInterval: 0,
		OperLogPdelayReqInterval:    0,
		NegotiateAutomotiveSyncRate: true,
	})
	p.setState(Slave)
	m.clear()

	require.True(t, p.ProcessEvent(scheduler.SyncRateIntervalTimeoutExpired))

	assert.Empty(t, m.frames())
	assert.False(t, sched.Armed(p, scheduler.SyncReceiptTimeoutExpires))
}

func TestSyncRateIntervalSwitchesToOper(t *testing.T) {
	p, m, sched := newTestPort(t, Config{
		LinkUp:                      true,
		InitialLogSyncInterval:      -5,
		OperLogSyncInterval:         0,
		NegotiateAutomotiveSyncRate: true,
	})
	p.setState(Slave)
	m.clear()

	require.True(t, p.ProcessEvent(scheduler.SyncRateIntervalTimeoutExpired))

	require.Equal(t, ptp.LogInterval(0), p.SyncInterval())

	frames := m.frames()
	require.Len(t, frames, 1)
	pkt, err := ptp.DecodePacket(frames[0].payload)
	require.NoError(t, err)
	sig, ok := pkt.(*ptp.Signaling)
	require.True(t, ok)
	assert.Equal(t, ptp.IntervalNoChange, sig.LinkDelayInterval)
	assert.Equal(t, ptp.LogInterval(0), sig.TimeSyncInterval)
	assert.Equal(t, ptp.IntervalNoChange, sig.AnnounceInterval)

	assert.True(t, sched.Armed(p, scheduler.SyncReceiptTimeoutExpires))
}

func TestBecomeSlaveExternalInitializesGrandmaster(t *testing.T) {
	m := newMockTransport()
	sched := scheduler.New()
	c := testClock()
	p := New(Config{
		PortNumber:                1,
		ExternalPortConfiguration: true,
		StaticPortState:           Slave,
	}, c, m, nil, sched, nil)
	t.Cleanup(func() { sched.Stop(p) })

	c.SetGrandmasterIdentity(42)
	p.BecomeSlave(true)

	require.Equal(t, Slave, p.State())
	assert.Equal(t, ptp.ClockIdentity(0), c.GrandmasterIdentity())
	assert.Equal(t, uint8(0), c.GrandmasterPriority1())
	assert.Equal(t, uint8(0), c.GrandmasterPriority2())
	assert.Equal(t, ptp.ClockQuality{
		ClockClass:              ptp.ClockClassDefault,
		ClockAccuracy:           ptp.ClockAccuracyUnknown,
		OffsetScaledLogVariance: ptp.OffsetScaledLogVarianceUnknown,
	}, c.GrandmasterQuality())
	assert.False(t, sched.Armed(p, scheduler.AnnounceReceiptTimeoutExpires))
}

func TestBecomeMasterExternalCopiesLocalClock(t *testing.T) {
	m := newMockTransport()
	sched := scheduler.New()
	c := testClock()
	p := New(Config{
		PortNumber:                1,
		ExternalPortConfiguration: true,
		StaticPortState:           Master,
		TransmitAnnounce:          true,
	}, c, m, nil, sched, nil)
	t.Cleanup(func() { sched.Stop(p) })

	p.BecomeMaster(true)

	require.Equal(t, Master, p.State())
	assert.Equal(t, c.Identity(), c.GrandmasterIdentity())
	assert.Equal(t, uint8(248), c.GrandmasterPriority1())
	assert.True(t, sched.Armed(p, scheduler.SyncIntervalTimeoutExpires))
	assert.True(t, sched.Armed(p, scheduler.AnnounceIntervalTimeoutExpires))
}

func TestStateChangeEventSuppressed(t *testing.T) {
	p, _, _ := newTestPort(t, Config{ExternalPortConfiguration: true, StaticPortState: Slave})
	require.True(t, p.ProcessEvent(scheduler.StateChangeEvent))

	p, _, _ = newTestPort(t, Config{})
	require.False(t, p.ProcessEvent(scheduler.StateChangeEvent))
}

func TestReceiptTimeoutsExternal(t *testing.T) {
	p, _, sched := newTestPort(t, Config{ExternalPortConfiguration: true, StaticPortState: Slave})

	require.True(t, p.ProcessEvent(scheduler.SyncReceiptTimeoutExpires))
	require.True(t, sched.Armed(p, scheduler.SyncReceiptTimeoutExpires))

	// announce timeout is a silent no-op
	require.True(t, p.ProcessEvent(scheduler.AnnounceReceiptTimeoutExpires))

	p, _, _ = newTestPort(t, Config{})
	require.False(t, p.ProcessEvent(scheduler.SyncReceiptTimeoutExpires))
	require.False(t, p.ProcessEvent(scheduler.AnnounceReceiptTimeoutExpires))
}

func TestAddrMap(t *testing.T) {
	p, _, _ := newTestPort(t, Config{})
	id := ptp.PortIdentity{ClockIdentity: 99, PortNumber: 2}

	_, ok := p.Addr(id)
	require.False(t, ok)

	mac := net.HardwareAddr{0, 1, 2, 3, 4, 5}
	p.AddAddr(id, mac)
	got, ok := p.Addr(id)
	require.True(t, ok)
	require.Equal(t, mac, got)
}
