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
Package clock holds the per-instance PTP clock entity: the local defaults,
the grandmaster dataset and the follow-up information shared by all ports.
*/

package clock

import (
	"sync"
	"time"

	ptp "github.com/facebookincubator/gptp/protocol"
	log "github.com/sirupsen/logrus"
)

// Clock is the PTP instance clock. All mutators are safe for concurrent use,
// ports share one Clock.
type Clock struct {
	mu sync.Mutex

	identity ptp.ClockIdentity

	priority1 uint8
	priority2 uint8
	quality   ptp.ClockQuality

	gmIdentity  ptp.ClockIdentity
	gmPriority1 uint8
	gmPriority2 uint8
	gmQuality   ptp.ClockQuality

	fupInfo ptp.FollowUpTLV

	// monotonic generation counter, bumped on every new syntonization set point
	syntonizationGen int
}

// Config carries the local clock defaults
type Config struct {
	Identity  ptp.ClockIdentity
	Priority1 uint8
	Priority2 uint8
	Quality   ptp.ClockQuality
}

// New creates a Clock from the local defaults
func New(cfg Config) *Clock {
	return &Clock{
		identity:  cfg.Identity,
		priority1: cfg.Priority1,
		priority2: cfg.Priority2,
		quality:   cfg.Quality,
		fupInfo:   ptp.NewFollowUpTLV(),
	}
}

// Identity returns the local clock identity
func (c *Clock) Identity() ptp.ClockIdentity {
	return c.identity
}

// Priority1 returns the local priority1 attribute
func (c *Clock) Priority1() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.priority1
}

// Priority2 returns the local priority2 attribute
func (c *Clock) Priority2() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.priority2
}

// Quality returns the local clock quality
func (c *Clock) Quality() ptp.ClockQuality {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

// GrandmasterIdentity returns the current grandmaster identity
func (c *Clock) GrandmasterIdentity() ptp.ClockIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gmIdentity
}

// SetGrandmasterIdentity updates the grandmaster identity
func (c *Clock) SetGrandmasterIdentity(id ptp.ClockIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gmIdentity != id {
		log.Infof("New grandmaster %s", id)
	}
	c.gmIdentity = id
}

// GrandmasterPriority1 returns the grandmaster priority1 attribute
func (c *Clock) GrandmasterPriority1() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gmPriority1
}

// SetGrandmasterPriority1 updates the grandmaster priority1 attribute
func (c *Clock) SetGrandmasterPriority1(p uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gmPriority1 = p
}

// GrandmasterPriority2 returns the grandmaster priority2 attribute
func (c *Clock) GrandmasterPriority2() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gmPriority2
}

// SetGrandmasterPriority2 updates the grandmaster priority2 attribute
func (c *Clock) SetGrandmasterPriority2(p uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gmPriority2 = p
}

// GrandmasterQuality returns the grandmaster clock quality
func (c *Clock) GrandmasterQuality() ptp.ClockQuality {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gmQuality
}

// SetGrandmasterQuality updates the grandmaster clock quality
func (c *Clock) SetGrandmasterQuality(q ptp.ClockQuality) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gmQuality = q
}

// FollowUpInfo returns the follow-up information TLV to attach to outgoing FollowUp messages
func (c *Clock) FollowUpInfo() ptp.FollowUpTLV {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fupInfo
}

// UpdateFollowUpInfo refreshes the follow-up information after a role change
func (c *Clock) UpdateFollowUpInfo() {
	c.mu.Lock()
	defer c.mu.Unlock()
	// rate offset and phase change are measured against the current
	// grandmaster, a role change invalidates them
	c.fupInfo.CumulativeScaledRateOffset = 0
	c.fupInfo.GMTimeBaseIndicator++
	c.fupInfo.LastGMPhaseChange = ptp.ScaledNS{}
	c.fupInfo.ScaledLastGMFreqChange = 0
}

// NewSyntonizationSetPoint resets the syntonization set point. The servo picks
// up the new generation on the next sync.
func (c *Clock) NewSyntonizationSetPoint() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syntonizationGen++
	log.Debugf("syntonization set point reset, generation %d", c.syntonizationGen)
}

// SyntonizationGeneration returns the current syntonization generation
func (c *Clock) SyntonizationGeneration() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syntonizationGen
}

// SystemTime returns the current system time, used when no hardware
// timestamper is attached
func (c *Clock) SystemTime() time.Time {
	return time.Now()
}
