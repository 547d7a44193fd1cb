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
Package scheduler implements the event timer scheduler driving gPTP ports.
Timers are keyed by (handler, event); delivery is serialized per handler so
that at most one event per port is in flight at any time.
*/

package scheduler

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Event enumerates everything that can happen to a port
type Event uint8

// Port events
const (
	PowerUp Event = iota
	Initialize
	StateChangeEvent
	LinkUp
	LinkDown
	FaultDetected
	AnnounceReceiptTimeoutExpires
	AnnounceIntervalTimeoutExpires
	SyncReceiptTimeoutExpires
	SyncIntervalTimeoutExpires
	SyncRateIntervalTimeoutExpired
	PDelayIntervalTimeoutExpires
	PDelayRespReceiptTimeoutExpires
	PDelayRespPeerMisbehavingTimeoutExpires
	PDelayDeferredProcessing
)

var eventToString = map[Event]string{
	PowerUp:                                 "POWERUP",
	Initialize:                              "INITIALIZE",
	StateChangeEvent:                        "STATE_CHANGE_EVENT",
	LinkUp:                                  "LINKUP",
	LinkDown:                                "LINKDOWN",
	FaultDetected:                           "FAULT_DETECTED",
	AnnounceReceiptTimeoutExpires:           "ANNOUNCE_RECEIPT_TIMEOUT_EXPIRES",
	AnnounceIntervalTimeoutExpires:          "ANNOUNCE_INTERVAL_TIMEOUT_EXPIRES",
	SyncReceiptTimeoutExpires:               "SYNC_RECEIPT_TIMEOUT_EXPIRES",
	SyncIntervalTimeoutExpires:              "SYNC_INTERVAL_TIMEOUT_EXPIRES",
	SyncRateIntervalTimeoutExpired:          "SYNC_RATE_INTERVAL_TIMEOUT_EXPIRED",
	PDelayIntervalTimeoutExpires:            "PDELAY_INTERVAL_TIMEOUT_EXPIRES",
	PDelayRespReceiptTimeoutExpires:         "PDELAY_RESP_RECEIPT_TIMEOUT_EXPIRES",
	PDelayRespPeerMisbehavingTimeoutExpires: "PDELAY_RESP_PEER_MISBEHAVING_TIMEOUT_EXPIRES",
	PDelayDeferredProcessing:                "PDELAY_DEFERRED_PROCESSING",
}

func (e Event) String() string {
	return eventToString[e]
}

// Granularity is the minimum schedulable timer duration.
// Every timer arm is clamped up to it.
const Granularity = 4 * time.Millisecond

// Handler consumes events. ProcessEvent reports whether the event was handled.
type Handler interface {
	ProcessEvent(Event) bool
}

// Scheduler arms and cancels event timers and dispatches expirations
type Scheduler struct {
	mu    sync.Mutex
	ports map[Handler]*portTimers
}

type portTimers struct {
	mu     sync.Mutex
	timers map[Event]*time.Timer
	queue  chan Event
	done   chan struct{}
}

// New creates a Scheduler
func New() *Scheduler {
	return &Scheduler{
		ports: make(map[Handler]*portTimers),
	}
}

func (s *Scheduler) port(h Handler) *portTimers {
	s.mu.Lock()
	defer s.mu.Unlock()
	pt, ok := s.ports[h]
	if !ok {
		pt = &portTimers{
			timers: make(map[Event]*time.Timer),
			queue:  make(chan Event, 32),
			done:   make(chan struct{}),
		}
		s.ports[h] = pt
		go pt.run(h)
	}
	return pt
}

// one dispatch goroutine per handler guarantees the single-event-in-flight rule
func (pt *portTimers) run(h Handler) {
	for {
		select {
		case e := <-pt.queue:
			if !h.ProcessEvent(e) {
				log.Debugf("event %s not handled", e)
			}
		case <-pt.done:
			return
		}
	}
}

// AddEventTimer arms the timer for the given event, replacing any existing
// one. The delay is clamped to Granularity.
func (s *Scheduler) AddEventTimer(h Handler, e Event, delay time.Duration) {
	if delay < Granularity {
		delay = Granularity
	}
	pt := s.port(h)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if t, ok := pt.timers[e]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		pt.mu.Lock()
		if pt.timers[e] == t {
			delete(pt.timers, e)
		}
		pt.mu.Unlock()
		select {
		case pt.queue <- e:
		case <-pt.done:
		}
	})
	pt.timers[e] = t
	log.Tracef("armed %s in %s", e, delay)
}

// DeleteEventTimer cancels the timer for the given event if armed
func (s *Scheduler) DeleteEventTimer(h Handler, e Event) {
	pt := s.port(h)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if t, ok := pt.timers[e]; ok {
		t.Stop()
		delete(pt.timers, e)
	}
}

// Armed reports whether a timer for the given event is outstanding
func (s *Scheduler) Armed(h Handler, e Event) bool {
	pt := s.port(h)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	_, ok := pt.timers[e]
	return ok
}

// Dispatch enqueues an event for the handler outside of any timer,
// serialized with timer expirations
func (s *Scheduler) Dispatch(h Handler, e Event) {
	pt := s.port(h)
	pt.queue <- e
}

// Stop cancels all timers of the handler and terminates its dispatch loop
func (s *Scheduler) Stop(h Handler) {
	s.mu.Lock()
	pt, ok := s.ports[h]
	if ok {
		delete(s.ports, h)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	pt.mu.Lock()
	for e, t := range pt.timers {
		t.Stop()
		delete(pt.timers, e)
	}
	pt.mu.Unlock()
	close(pt.done)
}
