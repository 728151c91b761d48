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

// Package bacnet implements the BACnet protocol stack: tag-level value
// encoding, NPDU/APDU codecs, segmentation of confirmed services, the
// BACnet/IP virtual link layer with BDT/FDT management, and a client
// session layer that drives confirmed transactions.
package bacnet

import "fmt"

// DefaultPort is the standard BACnet/IP UDP port.
const DefaultPort = 47808

// MaxAPDULength is the largest APDU a BACnet/IP frame can carry.
const MaxAPDULength = 1476

// MaxAPDUCode identifies the max-apdu-length-accepted field of a
// ConfirmedRequest. The code is a table index, not an octet count.
type MaxAPDUCode uint8

const (
	MaxAPDU50   MaxAPDUCode = 0
	MaxAPDU128  MaxAPDUCode = 1
	MaxAPDU206  MaxAPDUCode = 2
	MaxAPDU480  MaxAPDUCode = 3
	MaxAPDU1024 MaxAPDUCode = 4
	MaxAPDU1476 MaxAPDUCode = 5
)

// Octets returns the octet count the code stands for.
func (c MaxAPDUCode) Octets() int {
	switch c {
	case MaxAPDU50:
		return 50
	case MaxAPDU128:
		return 128
	case MaxAPDU206:
		return 206
	case MaxAPDU480:
		return 480
	case MaxAPDU1024:
		return 1024
	default:
		return MaxAPDULength
	}
}

// MaxAPDUCodeFor returns the smallest code whose octet count fits octets.
func MaxAPDUCodeFor(octets int) MaxAPDUCode {
	switch {
	case octets <= 50:
		return MaxAPDU50
	case octets <= 128:
		return MaxAPDU128
	case octets <= 206:
		return MaxAPDU206
	case octets <= 480:
		return MaxAPDU480
	case octets <= 1024:
		return MaxAPDU1024
	default:
		return MaxAPDU1476
	}
}

// ObjectType represents BACnet object types.
type ObjectType uint16

const (
	ObjectTypeAnalogInput       ObjectType = 0
	ObjectTypeAnalogOutput      ObjectType = 1
	ObjectTypeAnalogValue       ObjectType = 2
	ObjectTypeBinaryInput       ObjectType = 3
	ObjectTypeBinaryOutput      ObjectType = 4
	ObjectTypeBinaryValue       ObjectType = 5
	ObjectTypeCalendar          ObjectType = 6
	ObjectTypeCommand           ObjectType = 7
	ObjectTypeDevice            ObjectType = 8
	ObjectTypeEventEnrollment   ObjectType = 9
	ObjectTypeFile              ObjectType = 10
	ObjectTypeGroup             ObjectType = 11
	ObjectTypeLoop              ObjectType = 12
	ObjectTypeMultiStateInput   ObjectType = 13
	ObjectTypeMultiStateOutput  ObjectType = 14
	ObjectTypeNotificationClass ObjectType = 15
	ObjectTypeProgram           ObjectType = 16
	ObjectTypeSchedule          ObjectType = 17
	ObjectTypeAveraging         ObjectType = 18
	ObjectTypeMultiStateValue   ObjectType = 19
	ObjectTypeTrendLog          ObjectType = 20
	ObjectTypeLifeSafetyPoint   ObjectType = 21
	ObjectTypeLifeSafetyZone    ObjectType = 22
	ObjectTypeAccumulator       ObjectType = 23
	ObjectTypePulseConverter    ObjectType = 24
	ObjectTypeEventLog          ObjectType = 25
	ObjectTypeTrendLogMultiple  ObjectType = 27
	ObjectTypeLoadControl       ObjectType = 28
	ObjectTypeStructuredView    ObjectType = 29
	ObjectTypeAccessDoor        ObjectType = 30
	ObjectTypeNetworkPort       ObjectType = 56
)

func (o ObjectType) String() string {
	names := map[ObjectType]string{
		ObjectTypeAnalogInput:       "analog-input",
		ObjectTypeAnalogOutput:      "analog-output",
		ObjectTypeAnalogValue:       "analog-value",
		ObjectTypeBinaryInput:       "binary-input",
		ObjectTypeBinaryOutput:      "binary-output",
		ObjectTypeBinaryValue:       "binary-value",
		ObjectTypeCalendar:          "calendar",
		ObjectTypeCommand:           "command",
		ObjectTypeDevice:            "device",
		ObjectTypeEventEnrollment:   "event-enrollment",
		ObjectTypeFile:              "file",
		ObjectTypeGroup:             "group",
		ObjectTypeLoop:              "loop",
		ObjectTypeMultiStateInput:   "multi-state-input",
		ObjectTypeMultiStateOutput:  "multi-state-output",
		ObjectTypeNotificationClass: "notification-class",
		ObjectTypeProgram:           "program",
		ObjectTypeSchedule:          "schedule",
		ObjectTypeAveraging:         "averaging",
		ObjectTypeMultiStateValue:   "multi-state-value",
		ObjectTypeTrendLog:          "trend-log",
		ObjectTypeLifeSafetyPoint:   "life-safety-point",
		ObjectTypeLifeSafetyZone:    "life-safety-zone",
		ObjectTypeAccumulator:       "accumulator",
		ObjectTypePulseConverter:    "pulse-converter",
		ObjectTypeEventLog:          "event-log",
		ObjectTypeTrendLogMultiple:  "trend-log-multiple",
		ObjectTypeLoadControl:       "load-control",
		ObjectTypeStructuredView:    "structured-view",
		ObjectTypeAccessDoor:        "access-door",
		ObjectTypeNetworkPort:       "network-port",
	}
	if name, ok := names[o]; ok {
		return name
	}
	return fmt.Sprintf("vendor-specific(%d)", uint16(o))
}

// ParseObjectType parses an object type name or short alias.
func ParseObjectType(s string) (ObjectType, bool) {
	types := map[string]ObjectType{
		"analog-input":       ObjectTypeAnalogInput,
		"ai":                 ObjectTypeAnalogInput,
		"analog-output":      ObjectTypeAnalogOutput,
		"ao":                 ObjectTypeAnalogOutput,
		"analog-value":       ObjectTypeAnalogValue,
		"av":                 ObjectTypeAnalogValue,
		"binary-input":       ObjectTypeBinaryInput,
		"bi":                 ObjectTypeBinaryInput,
		"binary-output":      ObjectTypeBinaryOutput,
		"bo":                 ObjectTypeBinaryOutput,
		"binary-value":       ObjectTypeBinaryValue,
		"bv":                 ObjectTypeBinaryValue,
		"device":             ObjectTypeDevice,
		"dev":                ObjectTypeDevice,
		"file":               ObjectTypeFile,
		"multi-state-input":  ObjectTypeMultiStateInput,
		"msi":                ObjectTypeMultiStateInput,
		"multi-state-output": ObjectTypeMultiStateOutput,
		"mso":                ObjectTypeMultiStateOutput,
		"multi-state-value":  ObjectTypeMultiStateValue,
		"msv":                ObjectTypeMultiStateValue,
		"schedule":           ObjectTypeSchedule,
		"sch":                ObjectTypeSchedule,
		"trend-log":          ObjectTypeTrendLog,
		"tl":                 ObjectTypeTrendLog,
		"notification-class": ObjectTypeNotificationClass,
		"nc":                 ObjectTypeNotificationClass,
	}
	if t, ok := types[s]; ok {
		return t, true
	}
	return 0, false
}

// PropertyIdentifier represents BACnet property identifiers.
type PropertyIdentifier uint32

const (
	PropertyApduSegmentTimeout         PropertyIdentifier = 10
	PropertyApduTimeout                PropertyIdentifier = 11
	PropertyApplicationSoftwareVersion PropertyIdentifier = 12
	PropertyCOVIncrement               PropertyIdentifier = 22
	PropertyDescription                PropertyIdentifier = 28
	PropertyDeviceAddressBinding       PropertyIdentifier = 30
	PropertyEventState                 PropertyIdentifier = 36
	PropertyFileAccessMethod           PropertyIdentifier = 41
	PropertyFileSize                   PropertyIdentifier = 42
	PropertyFileType                   PropertyIdentifier = 43
	PropertyFirmwareRevision           PropertyIdentifier = 44
	PropertyHighLimit                  PropertyIdentifier = 45
	PropertyLocalDate                  PropertyIdentifier = 56
	PropertyLocalTime                  PropertyIdentifier = 57
	PropertyLocation                   PropertyIdentifier = 58
	PropertyLowLimit                   PropertyIdentifier = 59
	PropertyMaxApduLengthAccepted      PropertyIdentifier = 62
	PropertyModelName                  PropertyIdentifier = 70
	PropertyObjectIdentifier           PropertyIdentifier = 75
	PropertyObjectList                 PropertyIdentifier = 76
	PropertyObjectName                 PropertyIdentifier = 77
	PropertyObjectType                 PropertyIdentifier = 79
	PropertyOutOfService               PropertyIdentifier = 81
	PropertyPresentValue               PropertyIdentifier = 85
	PropertyPriorityArray              PropertyIdentifier = 87
	PropertyProtocolRevision           PropertyIdentifier = 139
	PropertyProtocolVersion            PropertyIdentifier = 98
	PropertyRecordCount                PropertyIdentifier = 141
	PropertyReliability                PropertyIdentifier = 103
	PropertyRelinquishDefault          PropertyIdentifier = 104
	PropertySegmentationSupported      PropertyIdentifier = 107
	PropertyStatusFlags                PropertyIdentifier = 111
	PropertySystemStatus               PropertyIdentifier = 112
	PropertyUnits                      PropertyIdentifier = 117
	PropertyVendorIdentifier           PropertyIdentifier = 120
	PropertyVendorName                 PropertyIdentifier = 121
	PropertyLogBuffer                  PropertyIdentifier = 131
	PropertyDatabaseRevision           PropertyIdentifier = 155
)

func (p PropertyIdentifier) String() string {
	names := map[PropertyIdentifier]string{
		PropertyApduSegmentTimeout:         "apdu-segment-timeout",
		PropertyApduTimeout:                "apdu-timeout",
		PropertyApplicationSoftwareVersion: "application-software-version",
		PropertyCOVIncrement:               "cov-increment",
		PropertyDescription:                "description",
		PropertyDeviceAddressBinding:       "device-address-binding",
		PropertyEventState:                 "event-state",
		PropertyFileAccessMethod:           "file-access-method",
		PropertyFileSize:                   "file-size",
		PropertyFileType:                   "file-type",
		PropertyFirmwareRevision:           "firmware-revision",
		PropertyHighLimit:                  "high-limit",
		PropertyLocalDate:                  "local-date",
		PropertyLocalTime:                  "local-time",
		PropertyLocation:                   "location",
		PropertyLowLimit:                   "low-limit",
		PropertyMaxApduLengthAccepted:      "max-apdu-length-accepted",
		PropertyModelName:                  "model-name",
		PropertyObjectIdentifier:           "object-identifier",
		PropertyObjectList:                 "object-list",
		PropertyObjectName:                 "object-name",
		PropertyObjectType:                 "object-type",
		PropertyOutOfService:               "out-of-service",
		PropertyPresentValue:               "present-value",
		PropertyPriorityArray:              "priority-array",
		PropertyProtocolRevision:           "protocol-revision",
		PropertyProtocolVersion:            "protocol-version",
		PropertyRecordCount:                "record-count",
		PropertyReliability:                "reliability",
		PropertyRelinquishDefault:          "relinquish-default",
		PropertySegmentationSupported:      "segmentation-supported",
		PropertyStatusFlags:                "status-flags",
		PropertySystemStatus:               "system-status",
		PropertyUnits:                      "units",
		PropertyVendorIdentifier:           "vendor-identifier",
		PropertyVendorName:                 "vendor-name",
		PropertyLogBuffer:                  "log-buffer",
		PropertyDatabaseRevision:           "database-revision",
	}
	if name, ok := names[p]; ok {
		return name
	}
	return fmt.Sprintf("property(%d)", uint32(p))
}

// ParsePropertyIdentifier parses a property name or short alias.
func ParsePropertyIdentifier(s string) (PropertyIdentifier, bool) {
	props := map[string]PropertyIdentifier{
		"present-value":            PropertyPresentValue,
		"pv":                       PropertyPresentValue,
		"object-identifier":        PropertyObjectIdentifier,
		"oid":                      PropertyObjectIdentifier,
		"object-name":              PropertyObjectName,
		"name":                     PropertyObjectName,
		"object-type":              PropertyObjectType,
		"object-list":              PropertyObjectList,
		"description":              PropertyDescription,
		"desc":                     PropertyDescription,
		"status-flags":             PropertyStatusFlags,
		"sf":                       PropertyStatusFlags,
		"event-state":              PropertyEventState,
		"reliability":              PropertyReliability,
		"out-of-service":           PropertyOutOfService,
		"oos":                      PropertyOutOfService,
		"units":                    PropertyUnits,
		"priority-array":           PropertyPriorityArray,
		"pa":                       PropertyPriorityArray,
		"relinquish-default":       PropertyRelinquishDefault,
		"rd":                       PropertyRelinquishDefault,
		"cov-increment":            PropertyCOVIncrement,
		"high-limit":               PropertyHighLimit,
		"low-limit":                PropertyLowLimit,
		"vendor-name":              PropertyVendorName,
		"vendor-identifier":        PropertyVendorIdentifier,
		"model-name":               PropertyModelName,
		"firmware-revision":        PropertyFirmwareRevision,
		"protocol-version":         PropertyProtocolVersion,
		"protocol-revision":        PropertyProtocolRevision,
		"system-status":            PropertySystemStatus,
		"segmentation-supported":   PropertySegmentationSupported,
		"max-apdu-length-accepted": PropertyMaxApduLengthAccepted,
		"database-revision":        PropertyDatabaseRevision,
	}
	if p, ok := props[s]; ok {
		return p, true
	}
	return 0, false
}

// ObjectIdentifier is a BACnet object identifier: type plus instance,
// packed into 32 bits on the wire (10-bit type, 22-bit instance).
type ObjectIdentifier struct {
	Type     ObjectType
	Instance uint32
}

// NewObjectIdentifier creates an ObjectIdentifier.
func NewObjectIdentifier(objectType ObjectType, instance uint32) ObjectIdentifier {
	return ObjectIdentifier{Type: objectType, Instance: instance}
}

// Encode packs the identifier into its 32-bit wire form.
func (o ObjectIdentifier) Encode() uint32 {
	return (uint32(o.Type) << 22) | (o.Instance & 0x3FFFFF)
}

// DecodeObjectIdentifier unpacks a 32-bit wire value.
func DecodeObjectIdentifier(value uint32) ObjectIdentifier {
	return ObjectIdentifier{
		Type:     ObjectType((value >> 22) & 0x3FF),
		Instance: value & 0x3FFFFF,
	}
}

func (o ObjectIdentifier) String() string {
	return fmt.Sprintf("%s:%d", o.Type.String(), o.Instance)
}

// Date is a BACnet date. Fields use the wire convention: year counted
// from 1900, 0xFF in any field means unspecified.
type Date struct {
	Year    uint8 // years since 1900
	Month   uint8
	Day     uint8
	Weekday uint8 // 1 = Monday
}

// Time is a BACnet time of day with hundredths resolution.
type Time struct {
	Hour       uint8
	Minute     uint8
	Second     uint8
	Hundredths uint8
}

// BitString is a BACnet bit string: raw bytes plus the count of unused
// trailing bits in the last byte.
type BitString struct {
	UnusedBits uint8
	Data       []byte
}

// Bit reports whether bit i (counting from the most significant bit of
// the first byte) is set.
func (b BitString) Bit(i int) bool {
	if i < 0 || i >= len(b.Data)*8-int(b.UnusedBits) {
		return false
	}
	return b.Data[i/8]&(0x80>>(i%8)) != 0
}

// Constructed is a context-tagged group of application values delimited
// by opening and closing tags.
type Constructed struct {
	TagNumber uint8
	Values    []interface{}
}

// StatusFlags represents the BACnet status-flags bit string.
type StatusFlags struct {
	InAlarm      bool
	Fault        bool
	Overridden   bool
	OutOfService bool
}

// DecodeStatusFlags decodes the first byte of a status-flags bit string.
func DecodeStatusFlags(b byte) StatusFlags {
	return StatusFlags{
		InAlarm:      b&0x80 != 0,
		Fault:        b&0x40 != 0,
		Overridden:   b&0x20 != 0,
		OutOfService: b&0x10 != 0,
	}
}

func (s StatusFlags) String() string {
	return fmt.Sprintf("{in-alarm:%v, fault:%v, overridden:%v, out-of-service:%v}",
		s.InAlarm, s.Fault, s.Overridden, s.OutOfService)
}

// Segmentation represents the segmentation-supported capability.
type Segmentation uint8

const (
	SegmentationBoth     Segmentation = 0
	SegmentationTransmit Segmentation = 1
	SegmentationReceive  Segmentation = 2
	SegmentationNone     Segmentation = 3
)

func (s Segmentation) String() string {
	names := map[Segmentation]string{
		SegmentationBoth:     "segmented-both",
		SegmentationTransmit: "segmented-transmit",
		SegmentationReceive:  "segmented-receive",
		SegmentationNone:     "no-segmentation",
	}
	if name, ok := names[s]; ok {
		return name
	}
	return fmt.Sprintf("segmentation(%d)", uint8(s))
}

// Address is a BACnet network-layer address: a network number plus a
// MAC address (4-byte IP or 6-byte IP:port for BACnet/IP).
type Address struct {
	Net  uint16
	Addr []byte
}

// DeviceInfo describes a device learned from an I-Am.
type DeviceInfo struct {
	ObjectID      ObjectIdentifier
	Address       Address
	MaxAPDULength uint16
	Segmentation  Segmentation
	VendorID      uint16
}

// PropertyValue is one decoded property with its source reference.
type PropertyValue struct {
	ObjectID   ObjectIdentifier
	PropertyID PropertyIdentifier
	ArrayIndex *uint32
	Value      interface{}
}

// PropertyReference names one property of one object.
type PropertyReference struct {
	ObjectID   ObjectIdentifier
	PropertyID PropertyIdentifier
	ArrayIndex *uint32
}
