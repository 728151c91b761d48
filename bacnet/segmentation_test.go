package bacnet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makePayload(n int) []byte {
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(i)
	}
	return payload
}

func ackFor(s *segmentedSender, window uint8) *APDU {
	return &APDU{
		Type:           PDUTypeSegmentAck,
		Server:         true,
		InvokeID:       s.invokeID,
		SequenceNumber: s.expectedAck(),
		WindowSize:     window,
	}
}

func TestSegmentDataLen(t *testing.T) {
	assert.Equal(t, 1471, segmentDataLen(1476))
	assert.Equal(t, 475, segmentDataLen(480))
	assert.Equal(t, 45, segmentDataLen(50))
	assert.Equal(t, minSegmentDataLen, segmentDataLen(20))
}

func TestSenderInOrderCompletion(t *testing.T) {
	payload := makePayload(475 * 5)
	s := newSegmentedSender(10, ServiceConfirmedWriteProperty, payload, 480, 4, 3, 7, MaxAPDU1476)

	var sent [][]byte
	for !s.done() {
		window := s.nextWindow()
		require.NotEmpty(t, window)
		for _, pdu := range window {
			sent = append(sent, pdu.Payload)
			assert.True(t, pdu.Segmented)
			assert.Equal(t, uint8(10), pdu.InvokeID)
		}
		require.NoError(t, s.onAck(ackFor(s, 4)))
	}

	var rebuilt []byte
	for _, seg := range sent {
		rebuilt = append(rebuilt, seg...)
	}
	assert.True(t, bytes.Equal(payload, rebuilt))
}

func TestSenderMoreFollowsClearsOnLast(t *testing.T) {
	s := newSegmentedSender(1, 0, makePayload(475*2), 480, 8, 3, 7, MaxAPDU1476)

	window := s.nextWindow()
	require.Len(t, window, 1) // window starts at 1
	assert.True(t, window[0].MoreFollows)
	require.NoError(t, s.onAck(ackFor(s, 8)))

	window = s.nextWindow()
	require.Len(t, window, 1)
	assert.False(t, window[0].MoreFollows)
}

func TestSenderWindowGrowthCappedByPeer(t *testing.T) {
	s := newSegmentedSender(1, 0, makePayload(475*20), 480, 8, 3, 7, MaxAPDU1476)

	// Peer keeps declaring a ceiling of 2.
	s.nextWindow()
	require.NoError(t, s.onAck(ackFor(s, 2)))
	assert.Equal(t, uint8(2), s.window)

	s.nextWindow()
	require.NoError(t, s.onAck(ackFor(s, 2)))
	assert.Equal(t, uint8(2), s.window, "window must not exceed the peer ceiling")

	// Peer raises the ceiling: growth resumes toward the configured cap.
	s.nextWindow()
	require.NoError(t, s.onAck(ackFor(s, 16)))
	assert.Equal(t, uint8(3), s.window)
}

func TestSenderWindowCappedByConfiguration(t *testing.T) {
	s := newSegmentedSender(1, 0, makePayload(475*30), 480, 2, 5, 7, MaxAPDU1476)

	for i := 0; i < 4 && !s.done(); i++ {
		s.nextWindow()
		require.NoError(t, s.onAck(ackFor(s, 255)))
	}
	assert.Equal(t, uint8(2), s.window)
}

func TestSenderTimeoutHalvesAndRetransmits(t *testing.T) {
	s := newSegmentedSender(1, 0, makePayload(475*10), 480, 8, 3, 7, MaxAPDU1476)

	// Grow to window 3.
	for i := 0; i < 2; i++ {
		s.nextWindow()
		require.NoError(t, s.onAck(ackFor(s, 8)))
	}
	assert.Equal(t, uint8(3), s.window)
	progress := s.next

	first := s.nextWindow()
	require.NoError(t, s.onTimeout())
	assert.Equal(t, uint8(1), s.window, "3/2 then floor at 1 after halving")
	assert.Equal(t, progress, s.next, "timeout must not advance")

	retrans := s.nextWindow()
	assert.Equal(t, first[0].SequenceNumber, retrans[0].SequenceNumber, "retransmit resumes at the unacknowledged segment")
}

func TestSenderRetryExhaustion(t *testing.T) {
	s := newSegmentedSender(9, 0, makePayload(475*4), 480, 1, 2, 7, MaxAPDU1476)
	s.nextWindow()

	require.NoError(t, s.onTimeout())
	s.nextWindow()
	require.NoError(t, s.onTimeout())
	s.nextWindow()
	err := s.onTimeout()
	assert.ErrorIs(t, err, ErrSegmentTimeout)
}

func TestSenderNAKBurnsRetry(t *testing.T) {
	s := newSegmentedSender(9, 0, makePayload(475*4), 480, 4, 1, 7, MaxAPDU1476)
	s.nextWindow()

	nak := ackFor(s, 4)
	nak.NegativeAck = true
	require.NoError(t, s.onAck(nak))

	s.nextWindow()
	nak = ackFor(s, 4)
	nak.NegativeAck = true
	err := s.onAck(nak)
	assert.ErrorIs(t, err, ErrRetryExhausted)
}

func TestSenderStaleAckTreatedAsRetransmit(t *testing.T) {
	s := newSegmentedSender(9, 0, makePayload(475*6), 480, 4, 3, 7, MaxAPDU1476)
	s.nextWindow()

	stale := ackFor(s, 4)
	stale.SequenceNumber = 250
	require.NoError(t, s.onAck(stale))
	assert.Equal(t, 0, s.next, "stale ack must not advance")
}

func segment(invokeID, seq uint8, more bool, window uint8, data []byte) *APDU {
	return &APDU{
		Type:           PDUTypeComplexAck,
		Segmented:      true,
		MoreFollows:    more,
		InvokeID:       invokeID,
		SequenceNumber: seq,
		WindowSize:     window,
		Service:        ServiceConfirmedReadProperty,
		Payload:        data,
	}
}

func TestReassemblerInOrder(t *testing.T) {
	r, ack, err := newReassembler(segment(5, 0, true, 4, []byte{1, 2}), 8)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeSegmentAck, ack.Type)
	assert.Equal(t, uint8(0), ack.SequenceNumber)
	assert.Equal(t, uint8(4), ack.WindowSize)
	assert.False(t, r.done())

	ack, err = r.add(segment(5, 1, true, 4, []byte{3}))
	require.NoError(t, err)
	assert.Equal(t, uint8(1), ack.SequenceNumber)

	ack, err = r.add(segment(5, 2, false, 4, []byte{4, 5}))
	require.NoError(t, err)
	assert.True(t, r.done())
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, r.payload())
}

func TestReassemblerFirstSegmentMustBeZero(t *testing.T) {
	_, abort, err := newReassembler(segment(5, 1, true, 4, []byte{1}), 8)
	assert.ErrorIs(t, err, ErrSegmentMismatch)
	require.NotNil(t, abort)
	assert.Equal(t, PDUTypeAbort, abort.Type)
}

func TestReassemblerDuplicateReAckedWithOriginalWindow(t *testing.T) {
	r, _, err := newReassembler(segment(5, 0, true, 4, []byte{1, 2}), 8)
	require.NoError(t, err)

	_, err = r.add(segment(5, 1, true, 4, []byte{3}))
	require.NoError(t, err)

	// Duplicate of segment 1, trying to renegotiate the window to 32.
	ack, err := r.add(segment(5, 1, true, 32, []byte{3}))
	require.NoError(t, err)
	assert.Equal(t, uint8(1), ack.SequenceNumber)
	assert.Equal(t, uint8(4), ack.WindowSize, "duplicate re-ack keeps the original window")
	assert.Equal(t, []byte{1, 2, 3}, r.payload(), "duplicate payload must not append")
}

func TestReassemblerRetransmittedWindowReAcked(t *testing.T) {
	r, _, err := newReassembler(segment(5, 0, true, 4, []byte{0}), 8)
	require.NoError(t, err)
	for seq := uint8(1); seq <= 5; seq++ {
		_, err = r.add(segment(5, seq, true, 4, []byte{seq}))
		require.NoError(t, err)
	}

	// A lost SegmentAck makes the peer retransmit its whole window;
	// every behind-sequence gets a re-ack, never an abort.
	for seq := uint8(2); seq <= 5; seq++ {
		ack, err := r.add(segment(5, seq, true, 4, []byte{seq}))
		require.NoError(t, err, "sequence %d", seq)
		assert.Equal(t, PDUTypeSegmentAck, ack.Type)
		assert.Equal(t, uint8(5), ack.SequenceNumber)
		assert.Equal(t, uint8(4), ack.WindowSize)
	}
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5}, r.payload(), "retransmits must not append")

	// Progress resumes after the replay.
	ack, err := r.add(segment(5, 6, false, 4, []byte{6}))
	require.NoError(t, err)
	assert.Equal(t, uint8(6), ack.SequenceNumber)
	assert.True(t, r.done())
}

func TestReassemblerOutOfOrderAborts(t *testing.T) {
	r, _, err := newReassembler(segment(5, 0, true, 4, []byte{1}), 8)
	require.NoError(t, err)

	abort, err := r.add(segment(5, 3, true, 4, []byte{9}))
	assert.ErrorIs(t, err, ErrSegmentMismatch)
	require.NotNil(t, abort)
	assert.Equal(t, PDUTypeAbort, abort.Type)
	assert.Equal(t, uint8(5), abort.InvokeID)
}

func TestReassemblerGrantedWindowIsMinimum(t *testing.T) {
	// Peer proposes 16, we are configured for 4.
	_, ack, err := newReassembler(segment(5, 0, true, 16, nil), 4)
	require.NoError(t, err)
	assert.Equal(t, uint8(4), ack.WindowSize)

	// Peer proposes 2, we are configured for 8.
	_, ack, err = newReassembler(segment(5, 0, true, 2, nil), 8)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), ack.WindowSize)
}

func TestReassemblerSizeBound(t *testing.T) {
	r, _, err := newReassembler(segment(5, 0, true, 4, make([]byte, maxReassemblyBytes-10)), 4)
	require.NoError(t, err)

	abort, err := r.add(segment(5, 1, true, 4, make([]byte, 64)))
	assert.ErrorIs(t, err, ErrReassemblyTooLarge)
	assert.Equal(t, PDUTypeAbort, abort.Type)
}

func TestSingleSegmentResponseCompletesImmediately(t *testing.T) {
	r, ack, err := newReassembler(segment(5, 0, false, 4, []byte{1, 2, 3}), 8)
	require.NoError(t, err)
	assert.True(t, r.done())
	assert.Equal(t, uint8(0), ack.SequenceNumber)
	assert.Equal(t, []byte{1, 2, 3}, r.payload())
}
