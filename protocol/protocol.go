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

// gPTP (802.1AS) messages are carried directly over Ethernet, ethertype 0x88F7.

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// EtherType of PTP over 802.3
const EtherType uint16 = 0x88F7

// Fixed destination MAC addresses. Peer-delay and the rest of gPTP share the
// 802.1AS reserved address; the Avnu automotive test status messages use their own.
var (
	PDelayMulticast     = net.HardwareAddr{0x01, 0x80, 0xC2, 0x00, 0x00, 0x0E}
	OtherMulticast      = net.HardwareAddr{0x01, 0x80, 0xC2, 0x00, 0x00, 0x0E}
	TestStatusMulticast = net.HardwareAddr{0x01, 0x1B, 0xC5, 0x0A, 0xC0, 0x00}
)

// Header Table 35 Common PTP message header
type Header struct {
	SdoIDAndMsgType     SdoIDAndMsgType // first 4 bits is SdoId, next 4 bits are msgtype
	Version             uint8
	MessageLength       uint16
	DomainNumber        uint8
	MinorSdoID          uint8
	FlagField           uint16
	CorrectionField     Correction
	MessageTypeSpecific uint32
	SourcePortIdentity  PortIdentity
	SequenceID          uint16
	ControlField        uint8
	LogMessageInterval  LogInterval
}

// MessageType returns MessageType
func (p *Header) MessageType() MessageType {
	return p.SdoIDAndMsgType.MsgType()
}

// SetSequence populates sequence field
func (p *Header) SetSequence(sequence uint16) {
	p.SequenceID = sequence
}

// MessageID identifies the message for timestamp retrieval
func (p *Header) MessageID() MessageID {
	return MessageID{MessageType: p.MessageType(), SequenceID: p.SequenceID}
}

const headerSize = 34

// flags used in FlagField as per Table 37 Values of flagField
const (
	FlagTwoStep       uint16 = 1 << (8 + 1)
	FlagUnicast       uint16 = 1 << (8 + 2)
	FlagPTPTimescale  uint16 = 1 << 3
	FlagTimeTraceable uint16 = 1 << 4
	FlagFreqTraceable uint16 = 1 << 5
)

// SyncBody Table 44 Sync message fields
type SyncBody struct {
	OriginTimestamp Timestamp
}

// Sync is a full Sync packet
type Sync struct {
	Header
	SyncBody
}

// The organization extension TLV carried by 802.1AS Follow_Up,
// 802.1AS-2011 11.4.4.3
type FollowUpTLV struct {
	TLVType                    TLVType
	LengthField                uint16
	OrganizationID             [3]uint8
	OrganizationSubType        [3]uint8
	CumulativeScaledRateOffset int32
	GMTimeBaseIndicator        uint16
	LastGMPhaseChange          ScaledNS
	ScaledLastGMFreqChange     int32
}

// ScaledNS is a 96-bit scaled nanoseconds value
type ScaledNS struct {
	NanosecondsMSB        uint16
	NanosecondsLSB        uint64
	FractionalNanoseconds uint16
}

// NewFollowUpTLV returns the TLV with the fixed organization fields populated
func NewFollowUpTLV() FollowUpTLV {
	return FollowUpTLV{
		TLVType:             TLVOrganizationExtension,
		LengthField:         28,
		OrganizationID:      OrganizationID8021,
		OrganizationSubType: [3]uint8{0, 0, 1},
	}
}

// FollowUpBody Table 45 Follow_Up message fields plus the 802.1AS information TLV
type FollowUpBody struct {
	PreciseOriginTimestamp Timestamp
	FollowUpTLV
}

// FollowUp is a full Follow_Up packet
type FollowUp struct {
	Header
	FollowUpBody
}

// PDelayReqBody Table 47 Pdelay_Req message fields
type PDelayReqBody struct {
	OriginTimestamp Timestamp
	Reserved        [10]uint8
}

// PDelayReq is a full Pdelay_Req packet
type PDelayReq struct {
	Header
	PDelayReqBody
}

// PDelayRespBody Table 48 Pdelay_Resp message fields
type PDelayRespBody struct {
	RequestReceiptTimestamp Timestamp
	RequestingPortIdentity  PortIdentity
}

// PDelayResp is a full Pdelay_Resp packet
type PDelayResp struct {
	Header
	PDelayRespBody
}

// PDelayRespFollowUpBody Table 49 Pdelay_Resp_Follow_Up message fields
type PDelayRespFollowUpBody struct {
	ResponseOriginTimestamp Timestamp
	RequestingPortIdentity  PortIdentity
}

// PDelayRespFollowUp is a full Pdelay_Resp_Follow_Up packet
type PDelayRespFollowUp struct {
	Header
	PDelayRespFollowUpBody
}

// AnnounceBody Table 43 Announce message fields
type AnnounceBody struct {
	OriginTimestamp         Timestamp
	CurrentUTCOffset        int16
	Reserved                uint8
	GrandmasterPriority1    uint8
	GrandmasterClockQuality ClockQuality
	GrandmasterPriority2    uint8
	GrandmasterIdentity     ClockIdentity
	StepsRemoved            uint16
	TimeSource              TimeSource
}

// Announce is a full Announce packet with the 802.1AS path trace TLV
type Announce struct {
	Header
	AnnounceBody
	PathTrace []ClockIdentity
}

// MarshalBinary converts packet to []bytes
func (p *Announce) MarshalBinary() ([]byte, error) {
	var b bytes.Buffer
	if err := binary.Write(&b, binary.BigEndian, p.Header); err != nil {
		return nil, err
	}
	if err := binary.Write(&b, binary.BigEndian, p.AnnounceBody); err != nil {
		return nil, err
	}
	head := TLVHead{TLVType: TLVPathTrace, LengthField: uint16(8 * len(p.PathTrace))}
	if err := binary.Write(&b, binary.BigEndian, head); err != nil {
		return nil, err
	}
	for _, ci := range p.PathTrace {
		if err := binary.Write(&b, binary.BigEndian, ci); err != nil {
			return nil, err
		}
	}
	return b.Bytes(), nil
}

// UnmarshalBinary parses []byte and populates struct fields
func (p *Announce) UnmarshalBinary(rawBytes []byte) error {
	reader := bytes.NewReader(rawBytes)
	if err := binary.Read(reader, binary.BigEndian, &p.Header); err != nil {
		return err
	}
	if err := binary.Read(reader, binary.BigEndian, &p.AnnounceBody); err != nil {
		return err
	}
	head := TLVHead{}
	if err := binary.Read(reader, binary.BigEndian, &head); err != nil {
		if err == io.EOF {
			// path trace TLV is allowed to be absent
			return nil
		}
		return err
	}
	if head.TLVType != TLVPathTrace || head.LengthField%8 != 0 {
		return fmt.Errorf("unexpected TLV %s (%d bytes) in Announce", head.TLVType, head.LengthField)
	}
	p.PathTrace = make([]ClockIdentity, head.LengthField/8)
	for i := range p.PathTrace {
		if err := binary.Read(reader, binary.BigEndian, &p.PathTrace[i]); err != nil {
			return err
		}
	}
	return nil
}

// TLVType is type for TLV types
type TLVType uint16

// As per Table 52 tlvType values
const (
	TLVManagement            TLVType = 0x0001
	TLVOrganizationExtension TLVType = 0x0003
	TLVPathTrace             TLVType = 0x0008
)

// TLVTypeToString is a map from TLVType to string
var TLVTypeToString = map[TLVType]string{
	TLVManagement:            "MANAGEMENT",
	TLVOrganizationExtension: "ORGANIZATION_EXTENSION",
	TLVPathTrace:             "PATH_TRACE",
}

func (t TLVType) String() string {
	return TLVTypeToString[t]
}

// TLVHead is a common beginning of all TLVs
type TLVHead struct {
	TLVType     TLVType
	LengthField uint16
}

// OrganizationID8021 is the IEEE 802.1 OUI used by 802.1AS organization TLVs
var OrganizationID8021 = [3]uint8{0x00, 0x80, 0xC2}

// Packet is an interface to abstract all different packets
type Packet interface {
	MessageType() MessageType
	SetSequence(uint16)
}

// Bytes converts any packet to []bytes ready to be put in an Ethernet frame
func Bytes(p Packet) ([]byte, error) {
	// interface smuggling
	if pp, ok := p.(encoding.BinaryMarshaler); ok {
		return pp.MarshalBinary()
	}
	var b bytes.Buffer
	err := binary.Write(&b, binary.BigEndian, p)
	return b.Bytes(), err
}

// FromBytes parses []byte into any packet
func FromBytes(rawBytes []byte, p Packet) error {
	// interface smuggling
	if pp, ok := p.(encoding.BinaryUnmarshaler); ok {
		return pp.UnmarshalBinary(rawBytes)
	}
	reader := bytes.NewReader(rawBytes)
	return binary.Read(reader, binary.BigEndian, p)
}

// DecodePacket provides single entry point to try and decode any []bytes to gPTP packet.
// Resulting Packet user can then either switch based on MessageType(), or just with type switch.
func DecodePacket(b []byte) (Packet, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("packet too short: %d bytes", len(b))
	}
	msgType := SdoIDAndMsgType(b[0]).MsgType()
	var p Packet
	switch msgType {
	case MessageSync:
		p = &Sync{}
	case MessagePDelayReq:
		p = &PDelayReq{}
	case MessagePDelayResp:
		p = &PDelayResp{}
	case MessageFollowUp:
		p = &FollowUp{}
	case MessagePDelayRespFollowUp:
		p = &PDelayRespFollowUp{}
	case MessageAnnounce:
		p = &Announce{}
	case MessageSignaling:
		p = &Signaling{}
	default:
		return nil, fmt.Errorf("unsupported type %s", msgType)
	}
	if err := FromBytes(b, p); err != nil {
		return nil, err
	}
	return p, nil
}
