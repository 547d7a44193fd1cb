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

/*
Package port implements the gPTP port engine: the per-interface state machine
driving peer delay measurement, sync and follow-up exchange, best master
election triggers and automotive profile signalling.
*/

package port

import (
	"net"
	"sync"
	"time"

	"github.com/facebookincubator/gptp/clock"
	ptp "github.com/facebookincubator/gptp/protocol"
	"github.com/facebookincubator/gptp/scheduler"
	"github.com/facebookincubator/gptp/stats"
	log "github.com/sirupsen/logrus"
)

// State is the PTP port state
type State uint8

// Port states as per 802.1AS-2011 Table 10-2
const (
	Disabled State = iota
	Initializing
	Faulty
	Listening
	PreMaster
	Master
	Passive
	Uncalibrated
	Slave
)

var stateToString = map[State]string{
	Disabled:     "DISABLED",
	Initializing: "INITIALIZING",
	Faulty:       "FAULTY",
	Listening:    "LISTENING",
	PreMaster:    "PRE_MASTER",
	Master:       "MASTER",
	Passive:      "PASSIVE",
	Uncalibrated: "UNCALIBRATED",
	Slave:        "SLAVE",
}

func (s State) String() string {
	return stateToString[s]
}

// Receipt timeout multipliers, 802.1AS-2011 10.6.3
const (
	announceReceiptTimeoutMultiplier   = 3
	syncReceiptTimeoutMultiplier       = 3
	pdelayRespReceiptTimeoutMultiplier = 3
)

// successful pdelay exchanges needed before the port asserts asCapable
const asCapableThreshold = 2

// consecutive duplicate pdelay responses at which the peer is declared
// misbehaving and pdelay is halted for a cooldown
const duplicateRespThreshold = 3

// peer misbehaving cooldown before pdelay restarts
const peerMisbehavingTimeout = 5 * time.Second

// Transport sends and receives raw gPTP frames on one Ethernet interface
type Transport interface {
	// Recv blocks until a frame arrives. It returns the payload length,
	// the sender's MAC and the current link speed in Mb/s.
	// A fatal error wraps ErrFatal; any other error is a soft failure.
	Recv(buf []byte) (n int, remote net.HardwareAddr, linkSpeed uint32, err error)
	// Send transmits payload to dst. When wantTimestamp is set the frame is
	// sent through the timestamping path.
	Send(dst net.HardwareAddr, etherType uint16, payload []byte, wantTimestamp bool) error
	// LinkEvents delivers interface up/down transitions
	LinkEvents() <-chan bool
	// LinkSpeed returns the current link speed in Mb/s
	LinkSpeed() uint32
}

// Timestamper retrieves hardware timestamps for event messages
type Timestamper interface {
	TXTimestamp(id ptp.PortIdentity, msgID ptp.MessageID, last bool) (ptp.Timestamp, uint32, error)
	RXTimestamp(id ptp.PortIdentity, msgID ptp.MessageID, last bool) (ptp.Timestamp, uint32, error)
	// Reset reinitializes the timestamping hardware after a link transition
	Reset()
	// RxPhyDelay is the fixed receive-path latency of the PHY at the given link speed
	RxPhyDelay(linkSpeed uint32) time.Duration
}

// Config describes one port. The sync, pdelay request and operational log
// intervals left at ptp.LogIntervalInvalid get profile defaults applied during
// New; the initial announce interval is used as given.
type Config struct {
	PortNumber uint16

	// initial link state hint, the link watcher takes over after POWERUP
	LinkUp bool

	InitialLogSyncInterval      ptp.LogInterval
	InitialLogAnnounceInterval  ptp.LogInterval
	InitialLogPdelayReqInterval ptp.LogInterval
	OperLogPdelayReqInterval    ptp.LogInterval
	OperLogSyncInterval         ptp.LogInterval

	ForceAsCapable              bool
	ExternalPortConfiguration   bool
	StaticPortState             State
	TransmitAnnounce            bool
	AutomotiveStationStates     bool
	NegotiateAutomotiveSyncRate bool
	TestMode                    bool
}

// Port is the per-interface gPTP engine. One Port per Ethernet interface.
type Port struct {
	cfg Config

	identity ptp.PortIdentity

	clock       *clock.Clock
	transport   Transport
	timestamper Timestamper
	sched       *scheduler.Scheduler
	stats       stats.Stats

	// guards everything below not covered by a dedicated lock
	mu sync.Mutex

	state  State
	linkUp bool

	asCapable          bool
	asCapableEvaluated bool

	syncInterval     ptp.LogInterval
	announceInterval ptp.LogInterval
	// log_min_mean_pdelay_req_interval of 802.1AS
	pdelayInterval ptp.LogInterval

	syncSequenceID     uint16
	announceSequenceID uint16
	pdelaySequenceID   uint16
	signalSequenceID   uint16

	syncCount   uint32
	pdelayCount uint32

	pdelayStarted              bool
	pdelayHalted               bool
	syncRateIntervalTimerGoing bool

	duplicateRespCounter int
	lastInvalidSeqID     uint16

	// test mode counters
	linkUpCount   uint32
	linkDownCount uint32

	// automotive overlay
	avbSyncState int
	stationState ptp.StationState

	// pending message slots, guarded by lastPDelayMu
	lastPDelayMu       sync.Mutex
	lastPDelayReq      *ptp.PDelayReq
	lastPDelayReqTS    ptp.Timestamp
	lastPDelayResp     *ptp.PDelayResp
	lastPDelayRespTS   ptp.Timestamp
	lastPDelayRespFwup *ptp.PDelayRespFollowUp

	// guarded by mu
	lastSync   *ptp.Sync
	lastSyncTS ptp.Timestamp

	// serializes frame emission and TX timestamp capture
	txMu sync.Mutex

	// serializes delete-then-add of the pdelay interval timer
	pdelayTimerMu sync.Mutex

	// closed by the receiver goroutine once it is running
	ready     chan struct{}
	readyOnce sync.Once

	// current best announce as seen by the election trigger
	bestAnnounce *ptp.Announce

	linkDelay time.Duration

	addrMu  sync.Mutex
	addrMap map[ptp.PortIdentity]net.HardwareAddr
}

// New creates a Port and applies profile defaults
func New(cfg Config, c *clock.Clock, t Transport, ts Timestamper, sched *scheduler.Scheduler, st stats.Stats) *Port {
	if cfg.InitialLogSyncInterval == ptp.LogIntervalInvalid {
		if cfg.NegotiateAutomotiveSyncRate {
			cfg.InitialLogSyncInterval = -5 // 31.25 ms
		} else {
			cfg.InitialLogSyncInterval = -3 // 125 ms
		}
	}
	if cfg.InitialLogPdelayReqInterval == ptp.LogIntervalInvalid {
		cfg.InitialLogPdelayReqInterval = 0 // 1 second
	}
	if cfg.OperLogPdelayReqInterval == ptp.LogIntervalInvalid {
		cfg.OperLogPdelayReqInterval = 0
	}
	if cfg.OperLogSyncInterval == ptp.LogIntervalInvalid {
		cfg.OperLogSyncInterval = 0
	}
	if st == nil {
		st = stats.Noop{}
	}

	p := &Port{
		cfg:         cfg,
		identity:    ptp.PortIdentity{ClockIdentity: c.Identity(), PortNumber: cfg.PortNumber},
		clock:       c,
		transport:   t,
		timestamper: ts,
		sched:       sched,
		stats:       st,

		linkUp:           cfg.LinkUp,
		syncInterval:     cfg.InitialLogSyncInterval,
		announceInterval: cfg.InitialLogAnnounceInterval,
		pdelayInterval:   cfg.InitialLogPdelayReqInterval,

		ready:   make(chan struct{}),
		addrMap: make(map[ptp.PortIdentity]net.HardwareAddr),
	}

	if cfg.AutomotiveStationStates {
		if cfg.ExternalPortConfiguration && cfg.StaticPortState == Master {
			p.avbSyncState = 1
		} else {
			p.avbSyncState = 2
		}
		if cfg.TestMode {
			p.linkUpCount = 1
			p.linkDownCount = 0
		}
		p.stationState = ptp.StationStateReserved
	}
	if cfg.ExternalPortConfiguration {
		p.state = cfg.StaticPortState
	}
	return p
}

// Identity returns the local port identity
func (p *Port) Identity() ptp.PortIdentity {
	return p.identity
}

// State returns the current port state
func (p *Port) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Port) setState(s State) {
	p.mu.Lock()
	old := p.state
	p.state = s
	p.mu.Unlock()
	if old != s {
		p.stats.SetPortState(s.String())
	}
}

// LinkUp returns the current link state
func (p *Port) LinkUp() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.linkUp
}

func (p *Port) setLinkUp(v bool) {
	p.mu.Lock()
	p.linkUp = v
	p.mu.Unlock()
}

// AsCapable reports whether the peer is capable of participating in gPTP
func (p *Port) AsCapable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.asCapable || p.cfg.ForceAsCapable
}

// setAsCapable transitions asCapable, ignoring clears when forceAsCapable is on
func (p *Port) setAsCapable(v bool) {
	if !v && p.cfg.ForceAsCapable {
		return
	}
	p.mu.Lock()
	changed := p.asCapable != v
	p.asCapable = v
	p.asCapableEvaluated = true
	p.mu.Unlock()
	if changed {
		if v {
			log.Infof("port %s is AsCapable", p.identity)
		} else {
			log.Infof("port %s is not AsCapable", p.identity)
		}
		p.stats.SetAsCapable(v)
	}
}

// reinitializeAsCapable resets the evaluation so the next verdict is logged
func (p *Port) reinitializeAsCapable() {
	p.mu.Lock()
	p.asCapable = false
	p.asCapableEvaluated = false
	p.mu.Unlock()
}

// SyncInterval returns the current log sync interval
func (p *Port) SyncInterval() ptp.LogInterval {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.syncInterval
}

// AnnounceInterval returns the current log announce interval
func (p *Port) AnnounceInterval() ptp.LogInterval {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.announceInterval
}

// PDelayInterval returns the current log pdelay request interval
func (p *Port) PDelayInterval() ptp.LogInterval {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pdelayInterval
}

// LinkDelay returns the last measured peer propagation delay
func (p *Port) LinkDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.linkDelay
}

// AddAddr records the link layer address a remote port sends from
func (p *Port) AddAddr(id ptp.PortIdentity, addr net.HardwareAddr) {
	p.addrMu.Lock()
	defer p.addrMu.Unlock()
	p.addrMap[id] = addr
}

// Addr resolves a remote port identity to its link layer address
func (p *Port) Addr(id ptp.PortIdentity) (net.HardwareAddr, bool) {
	p.addrMu.Lock()
	defer p.addrMu.Unlock()
	a, ok := p.addrMap[id]
	return a, ok
}

// nextPDelaySequenceID returns the current pdelay sequence id and advances it
func (p *Port) nextPDelaySequenceID() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.pdelaySequenceID
	p.pdelaySequenceID++
	return id
}

func (p *Port) nextSyncSequenceID() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.syncSequenceID
	p.syncSequenceID++
	return id
}

func (p *Port) nextAnnounceSequenceID() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.announceSequenceID
	p.announceSequenceID++
	return id
}

func (p *Port) nextSignalSequenceID() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.signalSequenceID
	p.signalSequenceID++
	return id
}

// RecoverPort is invoked by process supervision after a fault
func (p *Port) RecoverPort() {
}
