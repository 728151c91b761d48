package bacnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uptr(v uint32) *uint32 { return &v }

func TestEncodeWhoIs(t *testing.T) {
	assert.Nil(t, encodeWhoIs(nil, nil), "unlimited who-is has an empty body")
	assert.Nil(t, encodeWhoIs(uptr(1), nil))

	payload := encodeWhoIs(uptr(100), uptr(200))
	r := newTagCursor(payload)
	low, err := r.context(0)
	require.NoError(t, err)
	lowV, err := contextUnsigned(low)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), lowV)

	high, err := r.context(1)
	require.NoError(t, err)
	highV, err := contextUnsigned(high)
	require.NoError(t, err)
	assert.Equal(t, uint32(200), highV)
	assert.True(t, r.atEnd())
}

func TestParseIAmRoundTrip(t *testing.T) {
	payload := encodeIAm(12345, 1476, SegmentationBoth, 260)
	info, err := parseIAm(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(12345), info.ObjectID.Instance)
	assert.Equal(t, ObjectTypeDevice, info.ObjectID.Type)
	assert.Equal(t, uint16(1476), info.MaxAPDULength)
	assert.Equal(t, SegmentationBoth, info.Segmentation)
	assert.Equal(t, uint16(260), info.VendorID)
}

func TestParseIAmRejectsNonDevice(t *testing.T) {
	payload := EncodeObjectIdentifierTag(NewObjectIdentifier(ObjectTypeAnalogInput, 1))
	payload = append(payload, EncodeUnsignedTag(1476)...)
	payload = append(payload, EncodeEnumeratedTag(0)...)
	payload = append(payload, EncodeUnsignedTag(42)...)

	_, err := parseIAm(payload)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestParseIHave(t *testing.T) {
	payload := EncodeObjectIdentifierTag(NewObjectIdentifier(ObjectTypeDevice, 9))
	payload = append(payload, EncodeObjectIdentifierTag(NewObjectIdentifier(ObjectTypeAnalogOutput, 4))...)
	payload = append(payload, EncodeCharacterStringTag("ZONE-4-DAMPER")...)

	result, err := parseIHave(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), result.DeviceID.Instance)
	assert.Equal(t, ObjectTypeAnalogOutput, result.ObjectID.Type)
	assert.Equal(t, "ZONE-4-DAMPER", result.ObjectName)
}

func TestEncodeWhoHasShapes(t *testing.T) {
	byObject := encodeWhoHasObject(nil, nil, NewObjectIdentifier(ObjectTypeBinaryValue, 3))
	r := newTagCursor(byObject)
	oidPayload, err := r.context(2)
	require.NoError(t, err)
	oid, err := contextObjectID(oidPayload)
	require.NoError(t, err)
	assert.Equal(t, ObjectTypeBinaryValue, oid.Type)
	assert.Equal(t, uint32(3), oid.Instance)

	byName := encodeWhoHasName(uptr(0), uptr(999), "PUMP-1")
	r = newTagCursor(byName)
	_, err = r.context(0)
	require.NoError(t, err)
	_, err = r.context(1)
	require.NoError(t, err)
	tag, _, err := DecodeTag(byName[r.off:])
	require.NoError(t, err)
	assert.Equal(t, uint8(3), tag.Number)
	assert.Equal(t, TagClassContext, tag.Class)
}

func TestEncodeReadProperty(t *testing.T) {
	payload := encodeReadProperty(NewObjectIdentifier(ObjectTypeAnalogInput, 5), PropertyPresentValue, nil)
	assert.Equal(t, []byte{0x0C, 0x00, 0x00, 0x00, 0x05, 0x19, 0x55}, payload)

	withIndex := encodeReadProperty(NewObjectIdentifier(ObjectTypeDevice, 1), PropertyObjectList, uptr(3))
	assert.Equal(t, byte(0x29), withIndex[len(withIndex)-2])
	assert.Equal(t, byte(0x03), withIndex[len(withIndex)-1])
}

func TestParseReadPropertyAck(t *testing.T) {
	ack := EncodeContextObjectIdentifier(0, NewObjectIdentifier(ObjectTypeAnalogInput, 5))
	ack = append(ack, EncodeContextUnsigned(1, uint32(PropertyPresentValue))...)
	ack = append(ack, EncodeOpeningTag(3)...)
	ack = append(ack, EncodeRealTag(72.5)...)
	ack = append(ack, EncodeClosingTag(3)...)

	result, err := parseReadPropertyAck(ack)
	require.NoError(t, err)
	assert.Equal(t, ObjectTypeAnalogInput, result.ObjectID.Type)
	assert.Equal(t, PropertyPresentValue, result.PropertyID)
	assert.Nil(t, result.ArrayIndex)
	assert.Equal(t, float32(72.5), result.Value)
}

func TestParseReadPropertyAckMultipleValues(t *testing.T) {
	ack := EncodeContextObjectIdentifier(0, NewObjectIdentifier(ObjectTypeDevice, 1))
	ack = append(ack, EncodeContextUnsigned(1, uint32(PropertyObjectList))...)
	ack = append(ack, EncodeOpeningTag(3)...)
	ack = append(ack, EncodeObjectIdentifierTag(NewObjectIdentifier(ObjectTypeAnalogInput, 1))...)
	ack = append(ack, EncodeObjectIdentifierTag(NewObjectIdentifier(ObjectTypeBinaryInput, 2))...)
	ack = append(ack, EncodeClosingTag(3)...)

	result, err := parseReadPropertyAck(ack)
	require.NoError(t, err)
	values, ok := result.Value.([]interface{})
	require.True(t, ok)
	assert.Len(t, values, 2)
}

func TestParseReadPropertyAckWithArrayIndex(t *testing.T) {
	ack := EncodeContextObjectIdentifier(0, NewObjectIdentifier(ObjectTypeDevice, 1))
	ack = append(ack, EncodeContextUnsigned(1, uint32(PropertyObjectList))...)
	ack = append(ack, EncodeContextUnsigned(2, 7)...)
	ack = append(ack, EncodeOpeningTag(3)...)
	ack = append(ack, EncodeObjectIdentifierTag(NewObjectIdentifier(ObjectTypeAnalogInput, 7))...)
	ack = append(ack, EncodeClosingTag(3)...)

	result, err := parseReadPropertyAck(ack)
	require.NoError(t, err)
	require.NotNil(t, result.ArrayIndex)
	assert.Equal(t, uint32(7), *result.ArrayIndex)
}

func TestParseReadPropertyAckMissingValueGroup(t *testing.T) {
	ack := EncodeContextObjectIdentifier(0, NewObjectIdentifier(ObjectTypeAnalogInput, 5))
	ack = append(ack, EncodeContextUnsigned(1, uint32(PropertyPresentValue))...)

	_, err := parseReadPropertyAck(ack)
	assert.Error(t, err)
}

func TestEncodeWritePropertyWithPriority(t *testing.T) {
	prio := uint8(8)
	payload, err := encodeWriteProperty(NewObjectIdentifier(ObjectTypeAnalogOutput, 2), PropertyPresentValue, float32(55), writeOptions{priority: &prio})
	require.NoError(t, err)

	r := newTagCursor(payload)
	_, err = r.context(0)
	require.NoError(t, err)
	_, err = r.context(1)
	require.NoError(t, err)
	require.NoError(t, r.opening(3))
	v, err := r.appValue()
	require.NoError(t, err)
	assert.Equal(t, float32(55), v)
	require.NoError(t, r.closing(3))

	prioPayload, err := r.context(4)
	require.NoError(t, err)
	prioV, err := contextUnsigned(prioPayload)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), prioV)
}

func TestEncodeWritePropertyNull(t *testing.T) {
	// Relinquishing a priority slot writes Null.
	payload, err := encodeWriteProperty(NewObjectIdentifier(ObjectTypeAnalogOutput, 2), PropertyPresentValue, nil, writeOptions{})
	require.NoError(t, err)

	r := newTagCursor(payload)
	_, err = r.context(0)
	require.NoError(t, err)
	_, err = r.context(1)
	require.NoError(t, err)
	require.NoError(t, r.opening(3))
	v, err := r.appValue()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEncodeReadPropertyMultipleGroupsByObject(t *testing.T) {
	device := NewObjectIdentifier(ObjectTypeDevice, 1)
	ai := NewObjectIdentifier(ObjectTypeAnalogInput, 4)
	refs := []PropertyReference{
		{ObjectID: device, PropertyID: PropertyObjectName},
		{ObjectID: ai, PropertyID: PropertyPresentValue},
		{ObjectID: device, PropertyID: PropertyVendorIdentifier},
	}

	payload := encodeReadPropertyMultiple(refs)
	r := newTagCursor(payload)

	// Two object blocks: the two device properties share one spec.
	for _, want := range []ObjectIdentifier{device, ai} {
		oidPayload, err := r.context(0)
		require.NoError(t, err)
		oid, err := contextObjectID(oidPayload)
		require.NoError(t, err)
		assert.Equal(t, want, oid)

		require.NoError(t, r.opening(1))
		for !r.tryClosing(1) {
			_, err := r.context(0)
			require.NoError(t, err)
		}
	}
	assert.True(t, r.atEnd())
}

func TestParseReadPropertyMultipleAck(t *testing.T) {
	ack := EncodeContextObjectIdentifier(0, NewObjectIdentifier(ObjectTypeAnalogInput, 4))
	ack = append(ack, EncodeOpeningTag(1)...)

	ack = append(ack, EncodeContextUnsigned(2, uint32(PropertyPresentValue))...)
	ack = append(ack, EncodeOpeningTag(4)...)
	ack = append(ack, EncodeRealTag(19.5)...)
	ack = append(ack, EncodeClosingTag(4)...)

	ack = append(ack, EncodeContextUnsigned(2, uint32(PropertyDescription))...)
	ack = append(ack, EncodeOpeningTag(5)...)
	ack = append(ack, EncodeEnumeratedTag(uint32(ErrorClassProperty))...)
	ack = append(ack, EncodeEnumeratedTag(uint32(ErrorCodeUnknownProperty))...)
	ack = append(ack, EncodeClosingTag(5)...)

	ack = append(ack, EncodeClosingTag(1)...)

	results, err := parseReadPropertyMultipleAck(ack)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Results, 2)

	ok := results[0].Results[0]
	assert.Equal(t, PropertyPresentValue, ok.PropertyID)
	assert.Equal(t, float32(19.5), ok.Value)
	assert.NoError(t, ok.Error)

	failed := results[0].Results[1]
	assert.Equal(t, PropertyDescription, failed.PropertyID)
	assert.Nil(t, failed.Value)
	var bacErr *BACnetError
	require.ErrorAs(t, failed.Error, &bacErr)
	assert.Equal(t, ErrorCodeUnknownProperty, bacErr.Code)
}

func TestEncodeSubscribeCOV(t *testing.T) {
	oid := NewObjectIdentifier(ObjectTypeAnalogInput, 7)

	subscribe := encodeSubscribeCOV(12, oid, subscribeOptions{confirmed: true, lifetime: 300 * time.Second}, false)
	r := newTagCursor(subscribe)
	procPayload, err := r.context(0)
	require.NoError(t, err)
	proc, err := contextUnsigned(procPayload)
	require.NoError(t, err)
	assert.Equal(t, uint32(12), proc)
	_, err = r.context(1)
	require.NoError(t, err)
	_, err = r.context(2)
	require.NoError(t, err)
	lifePayload, err := r.context(3)
	require.NoError(t, err)
	life, err := contextUnsigned(lifePayload)
	require.NoError(t, err)
	assert.Equal(t, uint32(300), life)

	// Cancellation carries only the process id and object.
	cancel := encodeSubscribeCOV(12, oid, subscribeOptions{}, true)
	r = newTagCursor(cancel)
	_, err = r.context(0)
	require.NoError(t, err)
	_, err = r.context(1)
	require.NoError(t, err)
	assert.True(t, r.atEnd())
}

func TestEncodeSubscribeCOVProperty(t *testing.T) {
	increment := float32(0.5)
	ref := PropertyReference{
		ObjectID:   NewObjectIdentifier(ObjectTypeAnalogInput, 7),
		PropertyID: PropertyPresentValue,
	}
	payload := encodeSubscribeCOVProperty(3, ref, subscribeOptions{lifetime: 60 * time.Second, increment: &increment}, false)

	r := newTagCursor(payload)
	_, err := r.context(0)
	require.NoError(t, err)
	_, err = r.context(1)
	require.NoError(t, err)
	_, err = r.context(2)
	require.NoError(t, err)
	_, err = r.context(3)
	require.NoError(t, err)

	require.NoError(t, r.opening(4))
	propPayload, err := r.context(0)
	require.NoError(t, err)
	prop, err := contextUnsigned(propPayload)
	require.NoError(t, err)
	assert.Equal(t, uint32(PropertyPresentValue), prop)
	require.NoError(t, r.closing(4))

	incPayload, err := r.context(5)
	require.NoError(t, err)
	inc, err := DecodeReal(incPayload)
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), inc)
}

func TestParseCOVNotification(t *testing.T) {
	payload := EncodeContextUnsigned(0, 18)
	payload = append(payload, EncodeContextObjectIdentifier(1, NewObjectIdentifier(ObjectTypeDevice, 1234))...)
	payload = append(payload, EncodeContextObjectIdentifier(2, NewObjectIdentifier(ObjectTypeAnalogInput, 10))...)
	payload = append(payload, EncodeContextUnsigned(3, 0)...)
	payload = append(payload, EncodeOpeningTag(4)...)

	payload = append(payload, EncodeContextUnsigned(0, uint32(PropertyPresentValue))...)
	payload = append(payload, EncodeOpeningTag(2)...)
	payload = append(payload, EncodeRealTag(65.0)...)
	payload = append(payload, EncodeClosingTag(2)...)

	flags, err := EncodeApplicationValue(BitString{UnusedBits: 4, Data: []byte{0x00}})
	require.NoError(t, err)
	payload = append(payload, EncodeContextUnsigned(0, uint32(PropertyStatusFlags))...)
	payload = append(payload, EncodeOpeningTag(2)...)
	payload = append(payload, flags...)
	payload = append(payload, EncodeClosingTag(2)...)

	payload = append(payload, EncodeClosingTag(4)...)

	notif, err := parseCOVNotification(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(18), notif.ProcessID)
	assert.Equal(t, uint32(1234), notif.InitiatingDevice.Instance)
	assert.Equal(t, uint32(10), notif.MonitoredObject.Instance)
	assert.Equal(t, uint32(0), notif.TimeRemaining)
	require.Len(t, notif.Values, 2)
	assert.Equal(t, PropertyPresentValue, notif.Values[0].PropertyID)
	assert.Equal(t, float32(65.0), notif.Values[0].Value)
	assert.Equal(t, PropertyStatusFlags, notif.Values[1].PropertyID)
}

func TestParseReadRangeAck(t *testing.T) {
	flags, err := EncodeBitString(BitString{UnusedBits: 5, Data: []byte{0xA0}})
	require.NoError(t, err)
	ack := EncodeContextObjectIdentifier(0, NewObjectIdentifier(ObjectTypeTrendLog, 2))
	ack = append(ack, EncodeContextUnsigned(1, uint32(PropertyLogBuffer))...)
	ack = append(ack, EncodeContextTag(3, flags)...)
	ack = append(ack, EncodeContextUnsigned(4, 2)...)
	ack = append(ack, EncodeOpeningTag(5)...)
	ack = append(ack, EncodeRealTag(1.5)...)
	ack = append(ack, EncodeRealTag(2.5)...)
	ack = append(ack, EncodeClosingTag(5)...)
	ack = append(ack, EncodeContextUnsigned(6, 40)...)

	result, err := parseReadRangeAck(ack)
	require.NoError(t, err)
	assert.Equal(t, ObjectTypeTrendLog, result.ObjectID.Type)
	assert.Equal(t, PropertyLogBuffer, result.PropertyID)
	assert.Equal(t, uint32(2), result.ItemCount)
	assert.Len(t, result.Items, 2)
	require.NotNil(t, result.FirstSequence)
	assert.Equal(t, uint32(40), *result.FirstSequence)
}

func TestEncodeListElement(t *testing.T) {
	payload, err := encodeListElement(
		NewObjectIdentifier(ObjectTypeDevice, 1),
		PropertyObjectList,
		nil,
		[]interface{}{NewObjectIdentifier(ObjectTypeAnalogInput, 20)},
	)
	require.NoError(t, err)

	r := newTagCursor(payload)
	_, err = r.context(0)
	require.NoError(t, err)
	_, err = r.context(1)
	require.NoError(t, err)
	require.NoError(t, r.opening(3))
	v, err := r.appValue()
	require.NoError(t, err)
	oid, ok := v.(ObjectIdentifier)
	require.True(t, ok)
	assert.Equal(t, uint32(20), oid.Instance)
	require.NoError(t, r.closing(3))
}

func TestDateTimeConversion(t *testing.T) {
	// 2026-08-23 is a Sunday: wire weekday 7, year offset from 1900.
	sunday := time.Date(2026, time.August, 23, 14, 30, 15, 250_000_000, time.UTC)

	d := dateFromTime(sunday)
	assert.Equal(t, uint8(126), d.Year)
	assert.Equal(t, uint8(8), d.Month)
	assert.Equal(t, uint8(23), d.Day)
	assert.Equal(t, uint8(7), d.Weekday)

	tm := timeFromTime(sunday)
	assert.Equal(t, uint8(14), tm.Hour)
	assert.Equal(t, uint8(30), tm.Minute)
	assert.Equal(t, uint8(15), tm.Second)
	assert.Equal(t, uint8(25), tm.Hundredths)

	monday := time.Date(2026, time.August, 24, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, uint8(1), dateFromTime(monday).Weekday)
}

func TestEncodeTimeSync(t *testing.T) {
	at := time.Date(2026, time.August, 24, 9, 0, 0, 0, time.UTC)
	payload := encodeTimeSync(at)

	r := newTagCursor(payload)
	dv, err := r.appValue()
	require.NoError(t, err)
	d, ok := dv.(Date)
	require.True(t, ok)
	assert.Equal(t, uint8(24), d.Day)

	tv, err := r.appValue()
	require.NoError(t, err)
	tm, ok := tv.(Time)
	require.True(t, ok)
	assert.Equal(t, uint8(9), tm.Hour)
	assert.True(t, r.atEnd())
}
