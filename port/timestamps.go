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
	"time"

	ptp "github.com/facebookincubator/gptp/protocol"
)

// ErrTimestampAgain is returned by a Timestamper when the timestamp has not
// reached the driver queue yet and the caller should retry
var ErrTimestampAgain = errors.New("timestamp not ready")

// hardware timestamp retrieval retry budget
const (
	timestampAttempts = 10
	timestampRetryGap = time.Millisecond
)

// txTimestamp retrieves the TX timestamp of the last event message sent with
// the given id. Without a hardware timestamper the system clock is used.
func (p *Port) txTimestamp(id ptp.PortIdentity, msgID ptp.MessageID) (ptp.Timestamp, error) {
	if p.timestamper == nil {
		return ptp.NewTimestamp(p.clock.SystemTime()), nil
	}
	var ts ptp.Timestamp
	var err error
	for i := 0; i < timestampAttempts; i++ {
		last := i == timestampAttempts-1
		ts, _, err = p.timestamper.TXTimestamp(id, msgID, last)
		if err == nil {
			return ts, nil
		}
		if !errors.Is(err, ErrTimestampAgain) {
			return ptp.InvalidTimestamp, err
		}
		time.Sleep(timestampRetryGap)
	}
	return ptp.InvalidTimestamp, err
}

// rxTimestamp retrieves the RX timestamp of the last event message received
// with the given id. Without a hardware timestamper the system clock is used.
func (p *Port) rxTimestamp(id ptp.PortIdentity, msgID ptp.MessageID) (ptp.Timestamp, error) {
	if p.timestamper == nil {
		return ptp.NewTimestamp(p.clock.SystemTime()), nil
	}
	var ts ptp.Timestamp
	var err error
	for i := 0; i < timestampAttempts; i++ {
		last := i == timestampAttempts-1
		ts, _, err = p.timestamper.RXTimestamp(id, msgID, last)
		if err == nil {
			return ts, nil
		}
		if !errors.Is(err, ErrTimestampAgain) {
			return ptp.InvalidTimestamp, err
		}
		time.Sleep(timestampRetryGap)
	}
	return ptp.InvalidTimestamp, err
}
