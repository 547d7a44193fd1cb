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

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Special logMessageInterval values carried in the message interval request TLV,
// 802.1AS-2011 10.5.4.3
const (
	// IntervalInitial requests a switch back to the initial interval
	IntervalInitial LogInterval = 126
	// IntervalNoSend requests that the peer stops sending the message entirely
	IntervalNoSend LogInterval = 127
	// IntervalNoChange leaves the peer's current interval untouched
	IntervalNoChange LogInterval = -128
)

// MessageIntervalRequestTLV is the 802.1AS organization extension TLV carried
// by Signaling messages, 802.1AS-2011 10.5.4.3
type MessageIntervalRequestTLV struct {
	TLVType             TLVType
	LengthField         uint16
	OrganizationID      [3]uint8
	OrganizationSubType [3]uint8
	LinkDelayInterval   LogInterval
	TimeSyncInterval    LogInterval
	AnnounceInterval    LogInterval
	Flags               uint8
	Reserved            uint16
}

// NewMessageIntervalRequestTLV returns the TLV with the fixed organization fields populated
func NewMessageIntervalRequestTLV(pdelay, sync, announce LogInterval) MessageIntervalRequestTLV {
	return MessageIntervalRequestTLV{
		TLVType:             TLVOrganizationExtension,
		LengthField:         12,
		OrganizationID:      OrganizationID8021,
		OrganizationSubType: [3]uint8{0, 0, 2},
		LinkDelayInterval:   pdelay,
		TimeSyncInterval:    sync,
		AnnounceInterval:    announce,
	}
}

// Signaling is a full gPTP Signaling packet. 802.1AS carries exactly one
// message interval request TLV in it.
type Signaling struct {
	Header
	TargetPortIdentity PortIdentity
	MessageIntervalRequestTLV
}

// MarshalBinary converts packet to []bytes
func (p *Signaling) MarshalBinary() ([]byte, error) {
	var b bytes.Buffer
	if err := binary.Write(&b, binary.BigEndian, p.Header); err != nil {
		return nil, err
	}
	if err := binary.Write(&b, binary.BigEndian, p.TargetPortIdentity); err != nil {
		return nil, err
	}
	err := binary.Write(&b, binary.BigEndian, p.MessageIntervalRequestTLV)
	return b.Bytes(), err
}

// UnmarshalBinary parses []byte and populates struct fields
func (p *Signaling) UnmarshalBinary(rawBytes []byte) error {
	reader := bytes.NewReader(rawBytes)
	if err := binary.Read(reader, binary.BigEndian, &p.Header); err != nil {
		return err
	}
	if p.SdoIDAndMsgType.MsgType() != MessageSignaling {
		return fmt.Errorf("not a signaling message %v", rawBytes)
	}
	if err := binary.Read(reader, binary.BigEndian, &p.TargetPortIdentity); err != nil {
		return err
	}
	if err := binary.Read(reader, binary.BigEndian, &p.MessageIntervalRequestTLV); err != nil {
		return err
	}
	if p.MessageIntervalRequestTLV.TLVType != TLVOrganizationExtension ||
		p.MessageIntervalRequestTLV.OrganizationSubType != [3]uint8{0, 0, 2} {
		return fmt.Errorf("signaling message without a message interval request TLV")
	}
	return nil
}

// StationState is the Avnu automotive profile station state
type StationState uint8

// Station states published via the test status message
const (
	StationStateReserved      StationState = 0
	StationStateEthernetReady StationState = 1
	StationStateAVBSync       StationState = 2
)

// StationStateToString is a map from StationState to string
var StationStateToString = map[StationState]string{
	StationStateReserved:      "RESERVED",
	StationStateEthernetReady: "ETHERNET_READY",
	StationStateAVBSync:       "AVB_SYNC",
}

func (s StationState) String() string {
	return StationStateToString[s]
}

// TestStatus is the Avnu automotive profile test status AP message,
// multicast to TestStatusMulticast when test mode is enabled
type TestStatus struct {
	MessageLength uint16
	Version       uint8
	Flags         uint8
	StationState  StationState
	Reserved      [3]uint8
	ClockIdentity ClockIdentity
}

// NewTestStatus builds a test status message for the given station state
func NewTestStatus(state StationState, ci ClockIdentity) *TestStatus {
	return &TestStatus{
		MessageLength: 16,
		Version:       1,
		StationState:  state,
		ClockIdentity: ci,
	}
}

// MarshalBinary converts the message to []bytes
func (p *TestStatus) MarshalBinary() ([]byte, error) {
	var b bytes.Buffer
	err := binary.Write(&b, binary.BigEndian, p)
	return b.Bytes(), err
}
