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

// Package stats exports port engine counters over HTTP and prometheus
package stats

import (
	ptp "github.com/facebookincubator/gptp/protocol"
)

// Stats is a metric collection interface the port engine reports into
type Stats interface {
	// IncRX atomically adds 1 to the received packets counter
	IncRX(t ptp.MessageType)
	// IncTX atomically adds 1 to the transmitted packets counter
	IncTX(t ptp.MessageType)
	// SetAsCapable records the asCapable verdict
	SetAsCapable(v bool)
	// SetPortState records the current port state
	SetPortState(state string)
	// IncLinkUp atomically adds 1 to the link up transition counter
	IncLinkUp()
	// IncLinkDown atomically adds 1 to the link down transition counter
	IncLinkDown()
	// SetLinkDelayNS records the measured peer propagation delay
	SetLinkDelayNS(ns int64)
}

// Noop discards all metrics, used when no collector is configured
type Noop struct{}

// IncRX is a no-op
func (Noop) IncRX(ptp.MessageType) {}

// IncTX is a no-op
func (Noop) IncTX(ptp.MessageType) {}

// SetAsCapable is a no-op
func (Noop) SetAsCapable(bool) {}

// SetPortState is a no-op
func (Noop) SetPortState(string) {}

// IncLinkUp is a no-op
func (Noop) IncLinkUp() {}

// IncLinkDown is a no-op
func (Noop) IncLinkDown() {}

// SetLinkDelayNS is a no-op
func (Noop) SetLinkDelayNS(int64) {}
