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

import (
	"encoding/binary"
	"fmt"
)

// NPDU protocol version, fixed by the standard.
const NPDUVersion = 0x01

// DefaultHopCount is used when a destination is present and the caller
// does not set one.
const DefaultHopCount = 255

// NPDU control octet bits.
const (
	npduControlNetworkMessage = 0x80
	npduControlDestPresent    = 0x20
	npduControlSrcPresent     = 0x08
	npduControlExpectingReply = 0x04
	npduControlPriorityMask   = 0x03
)

// NetworkPriority is the 2-bit NPDU priority field.
type NetworkPriority uint8

const (
	PriorityNormal          NetworkPriority = 0
	PriorityUrgent          NetworkPriority = 1
	PriorityCriticalControl NetworkPriority = 2
	PriorityLifeSafety      NetworkPriority = 3
)

// NPDU is the network layer header. Destination and Source are nil when
// the corresponding control bit is clear. MessageType and VendorID are
// meaningful only when IsNetworkMessage is set.
type NPDU struct {
	Destination      *Address
	Source           *Address
	HopCount         uint8
	ExpectingReply   bool
	Priority         NetworkPriority
	IsNetworkMessage bool
	MessageType      uint8
	VendorID         uint16
}

// Encode serializes the NPDU header. When a destination is present and
// HopCount is zero, DefaultHopCount is written.
func (n *NPDU) Encode() ([]byte, error) {
	buf := make([]byte, 2, 16)
	buf[0] = NPDUVersion

	control := uint8(n.Priority) & npduControlPriorityMask
	if n.IsNetworkMessage {
		control |= npduControlNetworkMessage
	}
	if n.Destination != nil {
		control |= npduControlDestPresent
	}
	if n.Source != nil {
		control |= npduControlSrcPresent
	}
	if n.ExpectingReply {
		control |= npduControlExpectingReply
	}
	buf[1] = control

	if n.Destination != nil {
		if len(n.Destination.Addr) > 255 {
			return nil, fmt.Errorf("%w: destination address %d octets", ErrInvalidNPDU, len(n.Destination.Addr))
		}
		buf = binary.BigEndian.AppendUint16(buf, n.Destination.Net)
		buf = append(buf, byte(len(n.Destination.Addr)))
		buf = append(buf, n.Destination.Addr...)
	}
	if n.Source != nil {
		if len(n.Source.Addr) > 255 {
			return nil, fmt.Errorf("%w: source address %d octets", ErrInvalidNPDU, len(n.Source.Addr))
		}
		buf = binary.BigEndian.AppendUint16(buf, n.Source.Net)
		buf = append(buf, byte(len(n.Source.Addr)))
		buf = append(buf, n.Source.Addr...)
	}
	if n.Destination != nil {
		hop := n.HopCount
		if hop == 0 {
			hop = DefaultHopCount
		}
		buf = append(buf, hop)
	}

	if n.IsNetworkMessage {
		buf = append(buf, n.MessageType)
		if n.MessageType >= 0x80 {
			buf = binary.BigEndian.AppendUint16(buf, n.VendorID)
		}
	}

	return buf, nil
}

// DecodeNPDU parses an NPDU header and returns it with the offset of
// the payload that follows.
func DecodeNPDU(data []byte) (*NPDU, int, error) {
	if len(data) < 2 {
		return nil, 0, fmt.Errorf("%w: %d octets", ErrInvalidNPDU, len(data))
	}
	if data[0] != NPDUVersion {
		return nil, 0, fmt.Errorf("%w: version 0x%02X", ErrInvalidNPDU, data[0])
	}

	control := data[1]
	n := &NPDU{
		ExpectingReply:   control&npduControlExpectingReply != 0,
		Priority:         NetworkPriority(control & npduControlPriorityMask),
		IsNetworkMessage: control&npduControlNetworkMessage != 0,
	}
	offset := 2

	if control&npduControlDestPresent != 0 {
		addr, next, err := decodeNPDUAddress(data, offset)
		if err != nil {
			return nil, 0, err
		}
		n.Destination = addr
		offset = next
	}
	if control&npduControlSrcPresent != 0 {
		addr, next, err := decodeNPDUAddress(data, offset)
		if err != nil {
			return nil, 0, err
		}
		n.Source = addr
		offset = next
	}
	if n.Destination != nil {
		if offset >= len(data) {
			return nil, 0, fmt.Errorf("%w: truncated hop count", ErrInvalidNPDU)
		}
		n.HopCount = data[offset]
		offset++
	}

	if n.IsNetworkMessage {
		if offset >= len(data) {
			return nil, 0, fmt.Errorf("%w: truncated message type", ErrInvalidNPDU)
		}
		n.MessageType = data[offset]
		offset++
		if n.MessageType >= 0x80 {
			if offset+2 > len(data) {
				return nil, 0, fmt.Errorf("%w: truncated vendor id", ErrInvalidNPDU)
			}
			n.VendorID = binary.BigEndian.Uint16(data[offset:])
			offset += 2
		}
	}

	return n, offset, nil
}

func decodeNPDUAddress(data []byte, offset int) (*Address, int, error) {
	if offset+3 > len(data) {
		return nil, 0, fmt.Errorf("%w: truncated network address", ErrInvalidNPDU)
	}
	addr := &Address{Net: binary.BigEndian.Uint16(data[offset:])}
	alen := int(data[offset+2])
	offset += 3
	if offset+alen > len(data) {
		return nil, 0, fmt.Errorf("%w: address length %d exceeds frame", ErrInvalidNPDU, alen)
	}
	if alen > 0 {
		addr.Addr = make([]byte, alen)
		copy(addr.Addr, data[offset:offset+alen])
	}
	return addr, offset + alen, nil
}
