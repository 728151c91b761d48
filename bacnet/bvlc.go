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
	"net"
)

// BVLCTypeIP identifies BACnet/IP in the first BVLC octet.
const BVLCTypeIP = 0x81

const bvlcHeaderLen = 4

// BVLCFunction is the BVLC function octet.
type BVLCFunction uint8

const (
	BVLCResult                      BVLCFunction = 0x00
	BVLCWriteBroadcastDistTable     BVLCFunction = 0x01
	BVLCReadBroadcastDistTable      BVLCFunction = 0x02
	BVLCReadBroadcastDistTableAck   BVLCFunction = 0x03
	BVLCForwardedNPDU               BVLCFunction = 0x04
	BVLCRegisterForeignDevice       BVLCFunction = 0x05
	BVLCReadForeignDeviceTable      BVLCFunction = 0x06
	BVLCReadForeignDeviceTableAck   BVLCFunction = 0x07
	BVLCDeleteForeignDeviceEntry    BVLCFunction = 0x08
	BVLCDistributeBroadcastToNet    BVLCFunction = 0x09
	BVLCOriginalUnicastNPDU         BVLCFunction = 0x0A
	BVLCOriginalBroadcastNPDU       BVLCFunction = 0x0B
)

var bvlcFunctionNames = map[BVLCFunction]string{
	BVLCResult:                    "Result",
	BVLCWriteBroadcastDistTable:   "Write-BDT",
	BVLCReadBroadcastDistTable:    "Read-BDT",
	BVLCReadBroadcastDistTableAck: "Read-BDT-Ack",
	BVLCForwardedNPDU:             "Forwarded-NPDU",
	BVLCRegisterForeignDevice:     "Register-Foreign-Device",
	BVLCReadForeignDeviceTable:    "Read-FDT",
	BVLCReadForeignDeviceTableAck: "Read-FDT-Ack",
	BVLCDeleteForeignDeviceEntry:  "Delete-FDT-Entry",
	BVLCDistributeBroadcastToNet:  "Distribute-Broadcast-To-Network",
	BVLCOriginalUnicastNPDU:       "Original-Unicast-NPDU",
	BVLCOriginalBroadcastNPDU:     "Original-Broadcast-NPDU",
}

func (f BVLCFunction) String() string {
	if s, ok := bvlcFunctionNames[f]; ok {
		return s
	}
	return fmt.Sprintf("BVLCFunction(0x%02X)", uint8(f))
}

// BVLC result codes returned in a BVLC-Result frame.
const (
	BVLCResultSuccess                     uint16 = 0x0000
	BVLCResultWriteBDTNAK                 uint16 = 0x0010
	BVLCResultReadBDTNAK                  uint16 = 0x0020
	BVLCResultRegisterForeignDeviceNAK    uint16 = 0x0030
	BVLCResultReadFDTNAK                  uint16 = 0x0040
	BVLCResultDeleteFDTEntryNAK           uint16 = 0x0050
	BVLCResultDistributeBroadcastNAK      uint16 = 0x0060
)

// EncodeBVLC prepends a BVLC header to the payload. The length field
// covers the header itself.
func EncodeBVLC(function BVLCFunction, payload []byte) []byte {
	frame := make([]byte, bvlcHeaderLen+len(payload))
	frame[0] = BVLCTypeIP
	frame[1] = uint8(function)
	binary.BigEndian.PutUint16(frame[2:], uint16(bvlcHeaderLen+len(payload)))
	copy(frame[bvlcHeaderLen:], payload)
	return frame
}

// DecodeBVLC validates a BVLC header and returns the function and
// payload. The frame must be exactly as long as the header declares.
func DecodeBVLC(data []byte) (BVLCFunction, []byte, error) {
	if len(data) < bvlcHeaderLen {
		return 0, nil, fmt.Errorf("%w: %d octets", ErrInvalidBVLC, len(data))
	}
	if data[0] != BVLCTypeIP {
		return 0, nil, fmt.Errorf("%w: type 0x%02X", ErrInvalidBVLC, data[0])
	}
	declared := int(binary.BigEndian.Uint16(data[2:]))
	if declared != len(data) {
		return 0, nil, fmt.Errorf("%w: declared length %d, frame %d", ErrInvalidBVLC, declared, len(data))
	}
	return BVLCFunction(data[1]), data[bvlcHeaderLen:], nil
}

// EncodeBVLCResult builds a BVLC-Result frame.
func EncodeBVLCResult(code uint16) []byte {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, code)
	return EncodeBVLC(BVLCResult, payload)
}

// DecodeBVLCResult parses a BVLC-Result payload.
func DecodeBVLCResult(payload []byte) (uint16, error) {
	if len(payload) != 2 {
		return 0, fmt.Errorf("%w: result payload %d octets", ErrInvalidBVLC, len(payload))
	}
	return binary.BigEndian.Uint16(payload), nil
}

// BDTEntry is one broadcast distribution table row.
type BDTEntry struct {
	Address net.IP
	Port    uint16
	Mask    net.IPMask
}

func (e BDTEntry) String() string {
	ones, _ := e.Mask.Size()
	return fmt.Sprintf("%s:%d/%d", e.Address, e.Port, ones)
}

// EncodeBDT serializes a broadcast distribution table as 10-octet rows.
func EncodeBDT(entries []BDTEntry) ([]byte, error) {
	buf := make([]byte, 0, len(entries)*10)
	for _, e := range entries {
		ip4 := e.Address.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("%w: %s is not IPv4", ErrInvalidBVLC, e.Address)
		}
		if len(e.Mask) != 4 {
			return nil, fmt.Errorf("%w: mask %d octets", ErrInvalidBVLC, len(e.Mask))
		}
		buf = append(buf, ip4...)
		buf = binary.BigEndian.AppendUint16(buf, e.Port)
		buf = append(buf, e.Mask...)
	}
	return buf, nil
}

// DecodeBDT parses a Read-BDT-Ack payload.
func DecodeBDT(payload []byte) ([]BDTEntry, error) {
	if len(payload)%10 != 0 {
		return nil, fmt.Errorf("%w: bdt payload %d octets", ErrInvalidBVLC, len(payload))
	}
	entries := make([]BDTEntry, 0, len(payload)/10)
	for off := 0; off < len(payload); off += 10 {
		row := payload[off : off+10]
		entries = append(entries, BDTEntry{
			Address: net.IPv4(row[0], row[1], row[2], row[3]).To4(),
			Port:    binary.BigEndian.Uint16(row[4:]),
			Mask:    net.IPMask(append([]byte(nil), row[6:10]...)),
		})
	}
	return entries, nil
}

// FDTEntry is one foreign device table row.
type FDTEntry struct {
	Address       net.IP
	Port          uint16
	TTL           uint16
	RemainingTime uint16
}

func (e FDTEntry) String() string {
	return fmt.Sprintf("%s:%d ttl=%d remaining=%d", e.Address, e.Port, e.TTL, e.RemainingTime)
}

// DecodeFDT parses a Read-FDT-Ack payload of 10-octet rows.
func DecodeFDT(payload []byte) ([]FDTEntry, error) {
	if len(payload)%10 != 0 {
		return nil, fmt.Errorf("%w: fdt payload %d octets", ErrInvalidBVLC, len(payload))
	}
	entries := make([]FDTEntry, 0, len(payload)/10)
	for off := 0; off < len(payload); off += 10 {
		row := payload[off : off+10]
		entries = append(entries, FDTEntry{
			Address:       net.IPv4(row[0], row[1], row[2], row[3]).To4(),
			Port:          binary.BigEndian.Uint16(row[4:]),
			TTL:           binary.BigEndian.Uint16(row[6:]),
			RemainingTime: binary.BigEndian.Uint16(row[8:]),
		})
	}
	return entries, nil
}

// EncodeRegisterForeignDevice builds a Register-Foreign-Device frame
// carrying the requested TTL in seconds.
func EncodeRegisterForeignDevice(ttlSeconds uint16) []byte {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, ttlSeconds)
	return EncodeBVLC(BVLCRegisterForeignDevice, payload)
}

// encodeBVLCAddress packs an IPv4 address and port into the 6-octet
// form used by Forwarded-NPDU and Delete-FDT-Entry.
func encodeBVLCAddress(addr *net.UDPAddr) ([]byte, error) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("%w: %s is not IPv4", ErrInvalidBVLC, addr.IP)
	}
	buf := make([]byte, 6)
	copy(buf, ip4)
	binary.BigEndian.PutUint16(buf[4:], uint16(addr.Port))
	return buf, nil
}

// decodeBVLCAddress unpacks a 6-octet IPv4 address and port.
func decodeBVLCAddress(data []byte) (*net.UDPAddr, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("%w: origin address %d octets", ErrInvalidBVLC, len(data))
	}
	return &net.UDPAddr{
		IP:   net.IPv4(data[0], data[1], data[2], data[3]).To4(),
		Port: int(binary.BigEndian.Uint16(data[4:])),
	}, nil
}

// EncodeForwardedNPDU builds a Forwarded-NPDU frame carrying the
// original source address ahead of the NPDU.
func EncodeForwardedNPDU(origin *net.UDPAddr, npdu []byte) ([]byte, error) {
	addr, err := encodeBVLCAddress(origin)
	if err != nil {
		return nil, err
	}
	return EncodeBVLC(BVLCForwardedNPDU, append(addr, npdu...)), nil
}

// DecodeForwardedNPDU splits a Forwarded-NPDU payload into the origin
// address and the NPDU.
func DecodeForwardedNPDU(payload []byte) (*net.UDPAddr, []byte, error) {
	origin, err := decodeBVLCAddress(payload)
	if err != nil {
		return nil, nil, err
	}
	return origin, payload[6:], nil
}
