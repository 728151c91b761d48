// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bacnet

import "fmt"

// PDUType is the APDU type nibble, stored in the high four bits of the
// first octet.
type PDUType uint8

const (
	PDUTypeConfirmedRequest   PDUType = 0x00
	PDUTypeUnconfirmedRequest PDUType = 0x10
	PDUTypeSimpleAck          PDUType = 0x20
	PDUTypeComplexAck         PDUType = 0x30
	PDUTypeSegmentAck         PDUType = 0x40
	PDUTypeError              PDUType = 0x50
	PDUTypeReject             PDUType = 0x60
	PDUTypeAbort              PDUType = 0x70
)

// Confirmed service choices.
const (
	ServiceConfirmedAcknowledgeAlarm       uint8 = 0
	ServiceConfirmedCOVNotification        uint8 = 1
	ServiceConfirmedEventNotification      uint8 = 2
	ServiceConfirmedGetAlarmSummary        uint8 = 3
	ServiceConfirmedGetEnrollmentSummary   uint8 = 4
	ServiceConfirmedSubscribeCOV           uint8 = 5
	ServiceConfirmedAtomicReadFile         uint8 = 6
	ServiceConfirmedAtomicWriteFile        uint8 = 7
	ServiceConfirmedAddListElement         uint8 = 8
	ServiceConfirmedRemoveListElement      uint8 = 9
	ServiceConfirmedCreateObject           uint8 = 10
	ServiceConfirmedDeleteObject           uint8 = 11
	ServiceConfirmedReadProperty           uint8 = 12
	ServiceConfirmedReadPropertyMultiple   uint8 = 14
	ServiceConfirmedWriteProperty          uint8 = 15
	ServiceConfirmedWritePropertyMultiple  uint8 = 16
	ServiceConfirmedDeviceCommControl      uint8 = 17
	ServiceConfirmedPrivateTransfer        uint8 = 18
	ServiceConfirmedTextMessage            uint8 = 19
	ServiceConfirmedReinitializeDevice     uint8 = 20
	ServiceConfirmedVTOpen                 uint8 = 21
	ServiceConfirmedVTClose                uint8 = 22
	ServiceConfirmedVTData                 uint8 = 23
	ServiceConfirmedReadRange              uint8 = 26
	ServiceConfirmedLifeSafetyOperation    uint8 = 27
	ServiceConfirmedSubscribeCOVProperty   uint8 = 28
	ServiceConfirmedGetEventInformation    uint8 = 29
)

// Unconfirmed service choices.
const (
	ServiceUnconfirmedIAm               uint8 = 0
	ServiceUnconfirmedIHave             uint8 = 1
	ServiceUnconfirmedCOVNotification   uint8 = 2
	ServiceUnconfirmedEventNotification uint8 = 3
	ServiceUnconfirmedPrivateTransfer   uint8 = 4
	ServiceUnconfirmedTextMessage       uint8 = 5
	ServiceUnconfirmedTimeSync          uint8 = 6
	ServiceUnconfirmedWhoHas            uint8 = 7
	ServiceUnconfirmedWhoIs             uint8 = 8
	ServiceUnconfirmedUTCTimeSync       uint8 = 9
)

// ConfirmedRequest first-octet flag bits.
const (
	apduFlagSegmented            = 0x08
	apduFlagMoreFollows          = 0x04
	apduFlagSegResponseAccepted  = 0x02
	apduFlagSegmentAckNegative   = 0x02
	apduFlagSentByServer         = 0x01
)

// APDU is the application layer unit as a tagged union over the type
// nibble. Fields beyond Type are meaningful only for the types that
// carry them; unknown service choices are preserved numerically.
type APDU struct {
	Type     PDUType
	Service  uint8
	InvokeID uint8

	// ConfirmedRequest and ComplexAck segmentation fields.
	Segmented                 bool
	MoreFollows               bool
	SegmentedResponseAccepted bool
	MaxSegments               uint8
	MaxAPDU                   MaxAPDUCode
	SequenceNumber            uint8
	WindowSize                uint8

	// SegmentAck fields. WindowSize doubles as the actual window size.
	NegativeAck bool
	Server      bool

	// Service payload, or the single reason octet for Reject/Abort.
	Payload []byte
}

// Encode serializes the APDU.
func (a *APDU) Encode() ([]byte, error) {
	switch a.Type {
	case PDUTypeConfirmedRequest:
		b0 := uint8(a.Type)
		if a.Segmented {
			b0 |= apduFlagSegmented
		}
		if a.MoreFollows {
			b0 |= apduFlagMoreFollows
		}
		if a.SegmentedResponseAccepted {
			b0 |= apduFlagSegResponseAccepted
		}
		buf := []byte{b0, (a.MaxSegments&0x07)<<4 | uint8(a.MaxAPDU)&0x0F, a.InvokeID}
		if a.Segmented {
			buf = append(buf, a.SequenceNumber, a.WindowSize)
		}
		buf = append(buf, a.Service)
		return append(buf, a.Payload...), nil

	case PDUTypeUnconfirmedRequest:
		buf := []byte{uint8(a.Type), a.Service}
		return append(buf, a.Payload...), nil

	case PDUTypeSimpleAck:
		return []byte{uint8(a.Type), a.InvokeID, a.Service}, nil

	case PDUTypeComplexAck:
		b0 := uint8(a.Type)
		if a.Segmented {
			b0 |= apduFlagSegmented
		}
		if a.MoreFollows {
			b0 |= apduFlagMoreFollows
		}
		buf := []byte{b0, a.InvokeID}
		if a.Segmented {
			buf = append(buf, a.SequenceNumber, a.WindowSize)
		}
		buf = append(buf, a.Service)
		return append(buf, a.Payload...), nil

	case PDUTypeSegmentAck:
		b0 := uint8(a.Type)
		if a.NegativeAck {
			b0 |= apduFlagSegmentAckNegative
		}
		if a.Server {
			b0 |= apduFlagSentByServer
		}
		return []byte{b0, a.InvokeID, a.SequenceNumber, a.WindowSize}, nil

	case PDUTypeError:
		buf := []byte{uint8(a.Type), a.InvokeID, a.Service}
		return append(buf, a.Payload...), nil

	case PDUTypeReject, PDUTypeAbort:
		b0 := uint8(a.Type)
		if a.Type == PDUTypeAbort && a.Server {
			b0 |= apduFlagSentByServer
		}
		if len(a.Payload) != 1 {
			return nil, fmt.Errorf("%w: reason payload %d octets", ErrInvalidAPDU, len(a.Payload))
		}
		return []byte{b0, a.InvokeID, a.Payload[0]}, nil

	default:
		return nil, fmt.Errorf("%w: pdu type 0x%02X", ErrInvalidAPDU, uint8(a.Type))
	}
}

// DecodeAPDU parses an APDU, dispatching on the type nibble.
func DecodeAPDU(data []byte) (*APDU, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAPDU)
	}

	a := &APDU{Type: PDUType(data[0] & 0xF0)}

	switch a.Type {
	case PDUTypeConfirmedRequest:
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: confirmed request %d octets", ErrInvalidAPDU, len(data))
		}
		a.Segmented = data[0]&apduFlagSegmented != 0
		a.MoreFollows = data[0]&apduFlagMoreFollows != 0
		a.SegmentedResponseAccepted = data[0]&apduFlagSegResponseAccepted != 0
		a.MaxSegments = (data[1] >> 4) & 0x07
		a.MaxAPDU = MaxAPDUCode(data[1] & 0x0F)
		a.InvokeID = data[2]
		offset := 3
		if a.Segmented {
			if len(data) < 6 {
				return nil, fmt.Errorf("%w: truncated segment fields", ErrInvalidAPDU)
			}
			a.SequenceNumber = data[3]
			a.WindowSize = data[4]
			offset = 5
		}
		a.Service = data[offset]
		a.Payload = data[offset+1:]
		return a, nil

	case PDUTypeUnconfirmedRequest:
		if len(data) < 2 {
			return nil, fmt.Errorf("%w: unconfirmed request %d octets", ErrInvalidAPDU, len(data))
		}
		a.Service = data[1]
		a.Payload = data[2:]
		return a, nil

	case PDUTypeSimpleAck:
		if len(data) < 3 {
			return nil, fmt.Errorf("%w: simple ack %d octets", ErrInvalidAPDU, len(data))
		}
		a.InvokeID = data[1]
		a.Service = data[2]
		return a, nil

	case PDUTypeComplexAck:
		if len(data) < 3 {
			return nil, fmt.Errorf("%w: complex ack %d octets", ErrInvalidAPDU, len(data))
		}
		a.Segmented = data[0]&apduFlagSegmented != 0
		a.MoreFollows = data[0]&apduFlagMoreFollows != 0
		a.InvokeID = data[1]
		offset := 2
		if a.Segmented {
			if len(data) < 5 {
				return nil, fmt.Errorf("%w: truncated segment fields", ErrInvalidAPDU)
			}
			a.SequenceNumber = data[2]
			a.WindowSize = data[3]
			offset = 4
		}
		a.Service = data[offset]
		a.Payload = data[offset+1:]
		return a, nil

	case PDUTypeSegmentAck:
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: segment ack %d octets", ErrInvalidAPDU, len(data))
		}
		a.NegativeAck = data[0]&apduFlagSegmentAckNegative != 0
		a.Server = data[0]&apduFlagSentByServer != 0
		a.InvokeID = data[1]
		a.SequenceNumber = data[2]
		a.WindowSize = data[3]
		return a, nil

	case PDUTypeError:
		if len(data) < 3 {
			return nil, fmt.Errorf("%w: error pdu %d octets", ErrInvalidAPDU, len(data))
		}
		a.InvokeID = data[1]
		a.Service = data[2]
		a.Payload = data[3:]
		return a, nil

	case PDUTypeReject:
		if len(data) < 3 {
			return nil, fmt.Errorf("%w: reject pdu %d octets", ErrInvalidAPDU, len(data))
		}
		a.InvokeID = data[1]
		a.Payload = data[2:3]
		return a, nil

	case PDUTypeAbort:
		if len(data) < 3 {
			return nil, fmt.Errorf("%w: abort pdu %d octets", ErrInvalidAPDU, len(data))
		}
		a.Server = data[0]&apduFlagSentByServer != 0
		a.InvokeID = data[1]
		a.Payload = data[2:3]
		return a, nil

	default:
		return nil, fmt.Errorf("%w: pdu type 0x%02X", ErrInvalidAPDU, uint8(data[0]&0xF0))
	}
}

// ParseErrorPayload extracts the class and code from an Error PDU
// payload. Devices in the field produce three shapes: two context
// tags, two application enumerated values, or the pair wrapped in
// opening tag 0.
func ParseErrorPayload(data []byte) (ErrorClass, ErrorCode, error) {
	tag, headerLen, err := DecodeTag(data)
	if err != nil {
		return 0, 0, err
	}
	if tag.IsOpening() && tag.Number == 0 {
		data = data[headerLen:]
		tag, headerLen, err = DecodeTag(data)
		if err != nil {
			return 0, 0, err
		}
	}
	if tag.Length < 0 || tag.Length > len(data)-headerLen {
		return 0, 0, fmt.Errorf("%w: error class tag", ErrInvalidAPDU)
	}

	class, err := DecodeUnsigned(data[headerLen : headerLen+tag.Length])
	if err != nil {
		return 0, 0, err
	}
	data = data[headerLen+tag.Length:]

	tag, headerLen, err = DecodeTag(data)
	if err != nil {
		return 0, 0, err
	}
	if tag.Length < 0 || tag.Length > len(data)-headerLen {
		return 0, 0, fmt.Errorf("%w: error code tag", ErrInvalidAPDU)
	}
	code, err := DecodeUnsigned(data[headerLen : headerLen+tag.Length])
	if err != nil {
		return 0, 0, err
	}

	return ErrorClass(class), ErrorCode(code), nil
}
