package bacnet

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory framed-datagram channel. Tests push
// inbound frames and inspect what the client sent.
type fakeTransport struct {
	in     chan inboundFrame
	out    chan []byte
	closed atomic.Bool
	local  *net.UDPAddr
	peer   *net.UDPAddr
}

type inboundFrame struct {
	data []byte
	from net.Addr
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:    make(chan inboundFrame, 64),
		out:   make(chan []byte, 64),
		local: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 47808},
		peer:  &net.UDPAddr{IP: net.IPv4(127, 0, 0, 2), Port: 47808},
	}
}

func (f *fakeTransport) push(data []byte) { f.in <- inboundFrame{data: data, from: f.peer} }

func (f *fakeTransport) pushFrom(data []byte, from net.Addr) {
	f.in <- inboundFrame{data: data, from: from}
}

func (f *fakeTransport) Open(ctx context.Context) error { return nil }

func (f *fakeTransport) Close() error {
	if f.closed.CompareAndSwap(false, true) {
		close(f.in)
	}
	return nil
}

func (f *fakeTransport) LocalAddr() net.Addr { return f.local }
func (f *fakeTransport) IsClosed() bool      { return f.closed.Load() }

func (f *fakeTransport) Send(ctx context.Context, addr net.Addr, data []byte) (int, error) {
	if f.closed.Load() {
		return 0, ErrConnectionClosed
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	f.out <- frame
	return len(data), nil
}

func (f *fakeTransport) Broadcast(ctx context.Context, port int, data []byte) (int, error) {
	return f.Send(ctx, nil, data)
}

func (f *fakeTransport) Receive(ctx context.Context, buf []byte) (int, net.Addr, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case frame, ok := <-f.in:
		if !ok {
			return 0, nil, ErrConnectionClosed
		}
		n := copy(buf, frame.data)
		return n, frame.from, nil
	}
}

// inject frames the payload for delivery to the client.
func (f *fakeTransport) inject(t *testing.T, function BVLCFunction, npdu *NPDU, apdu *APDU) {
	t.Helper()
	apduBytes, err := apdu.Encode()
	require.NoError(t, err)
	npduBytes, err := npdu.Encode()
	require.NoError(t, err)
	f.push(EncodeBVLC(function, append(npduBytes, apduBytes...)))
}

// nextSent decodes the next frame the client transmitted.
func (f *fakeTransport) nextSent(t *testing.T) (BVLCFunction, *NPDU, *APDU) {
	t.Helper()
	select {
	case frame := <-f.out:
		function, payload, err := DecodeBVLC(frame)
		require.NoError(t, err)
		npdu, offset, err := DecodeNPDU(payload)
		require.NoError(t, err)
		apdu, err := DecodeAPDU(payload[offset:])
		require.NoError(t, err)
		return function, npdu, apdu
	case <-time.After(2 * time.Second):
		t.Fatal("client sent nothing")
		return 0, nil, nil
	}
}

func newTestClient(t *testing.T, ft *fakeTransport, opts ...Option) *Client {
	t.Helper()
	opts = append(opts, withTransport(ft), WithTimeout(2*time.Second))
	client, err := NewClient(opts...)
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })
	return client
}

func (c *Client) addTestDevice(instance uint32, addr net.Addr, maxAPDU uint16, seg Segmentation) {
	c.devicesMu.Lock()
	c.devices[instance] = deviceEntry{
		info: DeviceInfo{
			ObjectID:      NewObjectIdentifier(ObjectTypeDevice, instance),
			MaxAPDULength: maxAPDU,
			Segmentation:  seg,
		},
		addr: addr,
	}
	c.devicesMu.Unlock()
}

func TestReadPropertyTransaction(t *testing.T) {
	ft := newFakeTransport()
	client := newTestClient(t, ft)
	client.addTestDevice(1001, ft.peer, 1476, SegmentationBoth)

	done := make(chan struct{})
	var value interface{}
	var readErr error
	go func() {
		defer close(done)
		value, readErr = client.ReadProperty(context.Background(), 1001,
			NewObjectIdentifier(ObjectTypeAnalogInput, 5), PropertyPresentValue)
	}()

	_, _, request := ft.nextSent(t)
	assert.Equal(t, PDUTypeConfirmedRequest, request.Type)
	assert.Equal(t, ServiceConfirmedReadProperty, request.Service)

	ackPayload := EncodeContextObjectIdentifier(0, NewObjectIdentifier(ObjectTypeAnalogInput, 5))
	ackPayload = append(ackPayload, EncodeContextUnsigned(1, uint32(PropertyPresentValue))...)
	ackPayload = append(ackPayload, EncodeOpeningTag(3)...)
	ackPayload = append(ackPayload, EncodeRealTag(21.5)...)
	ackPayload = append(ackPayload, EncodeClosingTag(3)...)

	ft.inject(t, BVLCOriginalUnicastNPDU, &NPDU{}, &APDU{
		Type:     PDUTypeComplexAck,
		InvokeID: request.InvokeID,
		Service:  ServiceConfirmedReadProperty,
		Payload:  ackPayload,
	})

	<-done
	require.NoError(t, readErr)
	assert.Equal(t, float32(21.5), value)
}

func TestGarbageFramesThenValidResponse(t *testing.T) {
	ft := newFakeTransport()
	client := newTestClient(t, ft)
	client.addTestDevice(7, ft.peer, 1476, SegmentationBoth)

	done := make(chan struct{})
	var readErr error
	go func() {
		defer close(done)
		_, readErr = client.ReadProperty(context.Background(), 7,
			NewObjectIdentifier(ObjectTypeBinaryInput, 1), PropertyPresentValue)
	}()

	_, _, request := ft.nextSent(t)

	// Noise: short frame, wrong BVLC type, bad NPDU, bad APDU, and a
	// response for an invoke id nobody is waiting on.
	ft.push([]byte{0x81})
	ft.push([]byte{0x99, 0x0A, 0x00, 0x04})
	ft.push(EncodeBVLC(BVLCOriginalUnicastNPDU, []byte{0x07, 0x00}))
	ft.push(EncodeBVLC(BVLCOriginalUnicastNPDU, []byte{0x01, 0x00, 0xF0}))
	ft.inject(t, BVLCOriginalUnicastNPDU, &NPDU{}, &APDU{
		Type:     PDUTypeSimpleAck,
		InvokeID: request.InvokeID + 1,
		Service:  ServiceConfirmedReadProperty,
	})

	ackPayload := EncodeContextObjectIdentifier(0, NewObjectIdentifier(ObjectTypeBinaryInput, 1))
	ackPayload = append(ackPayload, EncodeContextUnsigned(1, uint32(PropertyPresentValue))...)
	ackPayload = append(ackPayload, EncodeOpeningTag(3)...)
	ackPayload = append(ackPayload, EncodeEnumeratedTag(1)...)
	ackPayload = append(ackPayload, EncodeClosingTag(3)...)
	ft.inject(t, BVLCOriginalUnicastNPDU, &NPDU{}, &APDU{
		Type:     PDUTypeComplexAck,
		InvokeID: request.InvokeID,
		Service:  ServiceConfirmedReadProperty,
		Payload:  ackPayload,
	})

	<-done
	assert.NoError(t, readErr)
	assert.GreaterOrEqual(t, client.Metrics().FramesDiscarded, int64(4))
}

func TestErrorPDUYieldsBACnetError(t *testing.T) {
	ft := newFakeTransport()
	client := newTestClient(t, ft)
	client.addTestDevice(7, ft.peer, 1476, SegmentationBoth)

	done := make(chan struct{})
	var readErr error
	go func() {
		defer close(done)
		_, readErr = client.ReadProperty(context.Background(), 7,
			NewObjectIdentifier(ObjectTypeAnalogInput, 99), PropertyPresentValue)
	}()

	_, _, request := ft.nextSent(t)

	errPayload := append(EncodeEnumeratedTag(uint32(ErrorClassObject)), EncodeEnumeratedTag(uint32(ErrorCodeUnknownObject))...)
	ft.inject(t, BVLCOriginalUnicastNPDU, &NPDU{}, &APDU{
		Type:     PDUTypeError,
		InvokeID: request.InvokeID,
		Service:  ServiceConfirmedReadProperty,
		Payload:  errPayload,
	})

	<-done
	var bacErr *BACnetError
	require.ErrorAs(t, readErr, &bacErr)
	assert.Equal(t, ErrorClassObject, bacErr.Class)
	assert.Equal(t, ErrorCodeUnknownObject, bacErr.Code)
}

func TestAbortPDUYieldsAbortError(t *testing.T) {
	ft := newFakeTransport()
	client := newTestClient(t, ft)
	client.addTestDevice(7, ft.peer, 1476, SegmentationBoth)

	done := make(chan struct{})
	var readErr error
	go func() {
		defer close(done)
		_, readErr = client.ReadProperty(context.Background(), 7,
			NewObjectIdentifier(ObjectTypeAnalogInput, 1), PropertyPresentValue)
	}()

	_, _, request := ft.nextSent(t)
	ft.inject(t, BVLCOriginalUnicastNPDU, &NPDU{}, &APDU{
		Type:     PDUTypeAbort,
		Server:   true,
		InvokeID: request.InvokeID,
		Payload:  []byte{uint8(AbortReasonBufferOverflow)},
	})

	<-done
	var abortErr *AbortError
	require.ErrorAs(t, readErr, &abortErr)
	assert.True(t, abortErr.Server)
	assert.Equal(t, AbortReasonBufferOverflow, abortErr.Reason)
}

func TestSegmentedResponseReassembly(t *testing.T) {
	ft := newFakeTransport()
	client := newTestClient(t, ft, WithProposedWindowSize(4))
	client.addTestDevice(7, ft.peer, 1476, SegmentationBoth)

	done := make(chan struct{})
	var value interface{}
	var readErr error
	go func() {
		defer close(done)
		value, readErr = client.ReadProperty(context.Background(), 7,
			NewObjectIdentifier(ObjectTypeDevice, 7), PropertyObjectList)
	}()

	_, _, request := ft.nextSent(t)
	require.True(t, request.SegmentedResponseAccepted)

	full := EncodeContextObjectIdentifier(0, NewObjectIdentifier(ObjectTypeDevice, 7))
	full = append(full, EncodeContextUnsigned(1, uint32(PropertyObjectList))...)
	full = append(full, EncodeOpeningTag(3)...)
	full = append(full, EncodeObjectIdentifierTag(NewObjectIdentifier(ObjectTypeAnalogInput, 1))...)
	full = append(full, EncodeObjectIdentifierTag(NewObjectIdentifier(ObjectTypeAnalogInput, 2))...)
	full = append(full, EncodeClosingTag(3)...)

	half := len(full) / 2
	ft.inject(t, BVLCOriginalUnicastNPDU, &NPDU{}, &APDU{
		Type:           PDUTypeComplexAck,
		Segmented:      true,
		MoreFollows:    true,
		InvokeID:       request.InvokeID,
		SequenceNumber: 0,
		WindowSize:     4,
		Service:        ServiceConfirmedReadProperty,
		Payload:        full[:half],
	})

	_, _, ack := ft.nextSent(t)
	assert.Equal(t, PDUTypeSegmentAck, ack.Type)
	assert.Equal(t, uint8(0), ack.SequenceNumber)

	ft.inject(t, BVLCOriginalUnicastNPDU, &NPDU{}, &APDU{
		Type:           PDUTypeComplexAck,
		Segmented:      true,
		MoreFollows:    false,
		InvokeID:       request.InvokeID,
		SequenceNumber: 1,
		WindowSize:     4,
		Service:        ServiceConfirmedReadProperty,
		Payload:        full[half:],
	})

	_, _, ack = ft.nextSent(t)
	assert.Equal(t, PDUTypeSegmentAck, ack.Type)
	assert.Equal(t, uint8(1), ack.SequenceNumber)

	<-done
	require.NoError(t, readErr)
	values, ok := value.([]interface{})
	require.True(t, ok)
	assert.Len(t, values, 2)
	assert.Equal(t, int64(1), client.Metrics().ReassembledResponses)
}

func TestSegmentedResponseOutOfOrderAborts(t *testing.T) {
	ft := newFakeTransport()
	client := newTestClient(t, ft)
	client.addTestDevice(7, ft.peer, 1476, SegmentationBoth)

	done := make(chan struct{})
	var readErr error
	go func() {
		defer close(done)
		_, readErr = client.ReadProperty(context.Background(), 7,
			NewObjectIdentifier(ObjectTypeDevice, 7), PropertyObjectList)
	}()

	_, _, request := ft.nextSent(t)

	ft.inject(t, BVLCOriginalUnicastNPDU, &NPDU{}, &APDU{
		Type:           PDUTypeComplexAck,
		Segmented:      true,
		MoreFollows:    true,
		InvokeID:       request.InvokeID,
		SequenceNumber: 0,
		WindowSize:     4,
		Service:        ServiceConfirmedReadProperty,
		Payload:        []byte{0x0C},
	})
	_, _, first := ft.nextSent(t)
	assert.Equal(t, PDUTypeSegmentAck, first.Type)

	// Segment 2 arrives with segment 1 missing.
	ft.inject(t, BVLCOriginalUnicastNPDU, &NPDU{}, &APDU{
		Type:           PDUTypeComplexAck,
		Segmented:      true,
		MoreFollows:    true,
		InvokeID:       request.InvokeID,
		SequenceNumber: 2,
		WindowSize:     4,
		Service:        ServiceConfirmedReadProperty,
		Payload:        []byte{0x00},
	})

	_, _, abort := ft.nextSent(t)
	assert.Equal(t, PDUTypeAbort, abort.Type)

	<-done
	assert.ErrorIs(t, readErr, ErrSegmentMismatch)
}

func TestSegmentedRequestTransmission(t *testing.T) {
	ft := newFakeTransport()
	client := newTestClient(t, ft, WithProposedWindowSize(2))
	client.addTestDevice(7, ft.peer, 50, SegmentationBoth)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan struct{})
	var sendErr error
	go func() {
		defer close(done)
		_, sendErr = client.sendConfirmed(context.Background(), 7, ServiceConfirmedWriteProperty, payload)
	}()

	// 100 octets at 45 per segment: 3 segments, window starts at 1.
	_, _, seg0 := ft.nextSent(t)
	require.True(t, seg0.Segmented)
	assert.Equal(t, uint8(0), seg0.SequenceNumber)
	assert.True(t, seg0.MoreFollows)

	ft.inject(t, BVLCOriginalUnicastNPDU, &NPDU{}, &APDU{
		Type:           PDUTypeSegmentAck,
		Server:         true,
		InvokeID:       seg0.InvokeID,
		SequenceNumber: 0,
		WindowSize:     2,
	})

	// Window grew to 2: segments 1 and 2 arrive together.
	_, _, seg1 := ft.nextSent(t)
	assert.Equal(t, uint8(1), seg1.SequenceNumber)
	_, _, seg2 := ft.nextSent(t)
	assert.Equal(t, uint8(2), seg2.SequenceNumber)
	assert.False(t, seg2.MoreFollows)

	ft.inject(t, BVLCOriginalUnicastNPDU, &NPDU{}, &APDU{
		Type:           PDUTypeSegmentAck,
		Server:         true,
		InvokeID:       seg0.InvokeID,
		SequenceNumber: 2,
		WindowSize:     2,
	})

	ft.inject(t, BVLCOriginalUnicastNPDU, &NPDU{}, &APDU{
		Type:     PDUTypeSimpleAck,
		InvokeID: seg0.InvokeID,
		Service:  ServiceConfirmedWriteProperty,
	})

	<-done
	assert.NoError(t, sendErr)

	rebuilt := append(append(append([]byte{}, seg0.Payload...), seg1.Payload...), seg2.Payload...)
	assert.Equal(t, payload, rebuilt)
}

func TestInvokeIDSkipsOutstanding(t *testing.T) {
	ft := newFakeTransport()
	client := newTestClient(t, ft)

	id1, _, err := client.allocInvokeID()
	require.NoError(t, err)
	id2, _, err := client.allocInvokeID()
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	assert.NotZero(t, id1)
	assert.NotZero(t, id2)

	// Exhaust the space.
	for i := 0; i < 253; i++ {
		_, _, err := client.allocInvokeID()
		require.NoError(t, err)
	}
	_, _, err = client.allocInvokeID()
	assert.ErrorIs(t, err, ErrInvokeIDExhausted)

	client.releaseInvokeID(id1)
	got, _, err := client.allocInvokeID()
	require.NoError(t, err)
	assert.Equal(t, id1, got)
}

func TestInvokeIDNeverZero(t *testing.T) {
	ft := newFakeTransport()
	client := newTestClient(t, ft)

	seen := make(map[uint8]bool)
	for i := 0; i < 255; i++ {
		id, _, err := client.allocInvokeID()
		require.NoError(t, err)
		assert.False(t, seen[id], "invoke id %d reused", id)
		seen[id] = true
		assert.NotZero(t, id)
	}
}

func TestConfirmedCOVNotificationAutoAcked(t *testing.T) {
	ft := newFakeTransport()
	client := newTestClient(t, ft)

	received := make(chan COVNotification, 1)
	processID := client.allocProcessID(func(n COVNotification) { received <- n })

	notifPayload := EncodeContextUnsigned(0, processID)
	notifPayload = append(notifPayload, EncodeContextObjectIdentifier(1, NewObjectIdentifier(ObjectTypeDevice, 7))...)
	notifPayload = append(notifPayload, EncodeContextObjectIdentifier(2, NewObjectIdentifier(ObjectTypeAnalogInput, 3))...)
	notifPayload = append(notifPayload, EncodeContextUnsigned(3, 120)...)
	notifPayload = append(notifPayload, EncodeOpeningTag(4)...)
	notifPayload = append(notifPayload, EncodeContextUnsigned(0, uint32(PropertyPresentValue))...)
	notifPayload = append(notifPayload, EncodeOpeningTag(2)...)
	notifPayload = append(notifPayload, EncodeRealTag(19.25)...)
	notifPayload = append(notifPayload, EncodeClosingTag(2)...)
	notifPayload = append(notifPayload, EncodeClosingTag(4)...)

	ft.inject(t, BVLCOriginalUnicastNPDU, &NPDU{ExpectingReply: true}, &APDU{
		Type:     PDUTypeConfirmedRequest,
		InvokeID: 33,
		Service:  ServiceConfirmedCOVNotification,
		Payload:  notifPayload,
	})

	_, _, ack := ft.nextSent(t)
	assert.Equal(t, PDUTypeSimpleAck, ack.Type)
	assert.Equal(t, uint8(33), ack.InvokeID)
	assert.Equal(t, ServiceConfirmedCOVNotification, ack.Service)

	select {
	case n := <-received:
		assert.True(t, n.Confirmed)
		assert.Equal(t, uint32(120), n.TimeRemaining)
		require.Len(t, n.Values, 1)
		assert.Equal(t, float32(19.25), n.Values[0].Value)
	case <-time.After(time.Second):
		t.Fatal("notification not dispatched")
	}
}

func TestDiscoverReportsAlreadyKnownDevices(t *testing.T) {
	ft := newFakeTransport()
	client := newTestClient(t, ft)

	iam := &APDU{
		Type:    PDUTypeUnconfirmedRequest,
		Service: ServiceUnconfirmedIAm,
		Payload: encodeIAm(4242, 1476, SegmentationBoth, 260),
	}
	ft.inject(t, BVLCOriginalBroadcastNPDU, &NPDU{}, iam)
	require.Eventually(t, func() bool {
		return len(client.Devices()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A discovery after the device is cached must still report it when
	// it answers the new Who-Is.
	done := make(chan []DeviceInfo, 1)
	go func() {
		devices, _ := client.DiscoverDevices(context.Background(), WithDiscoveryTimeout(400*time.Millisecond))
		done <- devices
	}()

	_, _, whois := ft.nextSent(t)
	require.Equal(t, ServiceUnconfirmedWhoIs, whois.Service)

	ft.inject(t, BVLCOriginalBroadcastNPDU, &NPDU{}, iam)
	ft.inject(t, BVLCOriginalBroadcastNPDU, &NPDU{}, iam)

	devices := <-done
	require.Len(t, devices, 1, "duplicate answers collapse to one entry")
	assert.Equal(t, uint32(4242), devices[0].ObjectID.Instance)
}

func TestUnknownConfirmedServiceRejected(t *testing.T) {
	ft := newFakeTransport()
	client := newTestClient(t, ft)
	_ = client

	ft.inject(t, BVLCOriginalUnicastNPDU, &NPDU{ExpectingReply: true}, &APDU{
		Type:     PDUTypeConfirmedRequest,
		InvokeID: 9,
		Service:  ServiceConfirmedReadProperty,
		Payload:  nil,
	})

	_, _, reject := ft.nextSent(t)
	assert.Equal(t, PDUTypeReject, reject.Type)
	assert.Equal(t, uint8(9), reject.InvokeID)
	assert.Equal(t, uint8(RejectReasonUnrecognizedService), reject.Payload[0])
}

func TestForwardedNPDUDelivered(t *testing.T) {
	ft := newFakeTransport()
	client := newTestClient(t, ft)

	iam := encodeIAm(5555, 1024, SegmentationNone, 42)
	apdu := &APDU{Type: PDUTypeUnconfirmedRequest, Service: ServiceUnconfirmedIAm, Payload: iam}
	apduBytes, err := apdu.Encode()
	require.NoError(t, err)
	npduBytes, err := (&NPDU{}).Encode()
	require.NoError(t, err)

	origin := &net.UDPAddr{IP: net.IPv4(10, 0, 5, 5).To4(), Port: 47808}
	frame, err := EncodeForwardedNPDU(origin, append(npduBytes, apduBytes...))
	require.NoError(t, err)
	ft.push(frame)

	require.Eventually(t, func() bool {
		return len(client.Devices()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	devices := client.Devices()
	assert.Equal(t, uint32(5555), devices[0].ObjectID.Instance)
	assert.Equal(t, uint16(1024), devices[0].MaxAPDULength)
}
