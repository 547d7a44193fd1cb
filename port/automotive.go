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
	log "github.com/sirupsen/logrus"
)

// StationState returns the published automotive station state
func (p *Port) StationState() ptp.StationState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stationState
}

// setStationState publishes a new automotive station state. States only move
// forward within one link-up session; regressions are handled by the LINKUP
// path resetting avbSyncState.
func (p *Port) setStationState(s ptp.StationState) {
	if !p.cfg.AutomotiveStationStates {
		return
	}
	p.mu.Lock()
	old := p.stationState
	p.stationState = s
	p.mu.Unlock()
	if old != s {
		log.Infof("Station state %s", s)
	}
}

// AVBSyncState returns the number of syncs still needed before AVB_SYNC
func (p *Port) AVBSyncState() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.avbSyncState
}
