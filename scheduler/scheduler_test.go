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

package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []Event
	fired  chan Event
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{fired: make(chan Event, 32)}
}

func (h *recordingHandler) ProcessEvent(e Event) bool {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
	h.fired <- e
	return true
}

func (h *recordingHandler) wait(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-h.fired:
		return e
	case <-time.After(time.Second):
		t.Fatalf("no event fired")
		return 0
	}
}

func TestTimerFires(t *testing.T) {
	s := New()
	h := newRecordingHandler()
	defer s.Stop(h)

	s.AddEventTimer(h, PDelayIntervalTimeoutExpires, time.Millisecond)
	require.Equal(t, PDelayIntervalTimeoutExpires, h.wait(t))
}

func TestDeleteBeforeFire(t *testing.T) {
	s := New()
	h := newRecordingHandler()
	defer s.Stop(h)

	s.AddEventTimer(h, SyncReceiptTimeoutExpires, time.Hour)
	require.True(t, s.Armed(h, SyncReceiptTimeoutExpires))
	s.DeleteEventTimer(h, SyncReceiptTimeoutExpires)
	require.False(t, s.Armed(h, SyncReceiptTimeoutExpires))

	select {
	case e := <-h.fired:
		t.Fatalf("unexpected event %s", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAddReplacesExisting(t *testing.T) {
	s := New()
	h := newRecordingHandler()
	defer s.Stop(h)

	s.AddEventTimer(h, SyncIntervalTimeoutExpires, time.Hour)
	s.AddEventTimer(h, SyncIntervalTimeoutExpires, time.Millisecond)
	require.Equal(t, SyncIntervalTimeoutExpires, h.wait(t))

	// only one expiration must be delivered
	select {
	case e := <-h.fired:
		t.Fatalf("unexpected second event %s", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGranularityClamp(t *testing.T) {
	s := New()
	h := newRecordingHandler()
	defer s.Stop(h)

	start := time.Now()
	s.AddEventTimer(h, PDelayIntervalTimeoutExpires, time.Nanosecond)
	h.wait(t)
	require.GreaterOrEqual(t, time.Since(start), Granularity)
}

func TestDispatchSerialized(t *testing.T) {
	s := New()
	h := newRecordingHandler()
	defer s.Stop(h)

	for i := 0; i < 10; i++ {
		s.Dispatch(h, LinkUp)
	}
	for i := 0; i < 10; i++ {
		require.Equal(t, LinkUp, h.wait(t))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.events, 10)
}

func TestEventString(t *testing.T) {
	require.Equal(t, "PDELAY_INTERVAL_TIMEOUT_EXPIRES", PDelayIntervalTimeoutExpires.String())
	require.Equal(t, "POWERUP", PowerUp.String())
}
