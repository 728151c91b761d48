package bacnet

import "fmt"

const (
	// minSegmentDataLen bounds how small a negotiated segment can get.
	minSegmentDataLen = 32

	// segmentHeaderOverhead is the fixed ConfirmedRequest header cost of
	// a segmented PDU: flags, max-segments/max-APDU, invoke id, sequence
	// number, window size. The service choice rides in the first octet
	// of each segment's data share.
	segmentHeaderOverhead = 5

	// maxReassemblyBytes caps a reassembled response.
	maxReassemblyBytes = 1 << 20
)

// segmentDataLen computes the payload share of each segment for a peer
// that accepts maxAPDUOctets.
func segmentDataLen(maxAPDUOctets int) int {
	n := maxAPDUOctets - segmentHeaderOverhead
	if n < minSegmentDataLen {
		n = minSegmentDataLen
	}
	return n
}

// segmentedSender drives the windowed transmission of one oversized
// confirmed request. It is a plain state machine: the transaction
// goroutine pulls the next window of PDUs, sends them, and feeds back
// the SegmentAck (or its absence).
type segmentedSender struct {
	invokeID    uint8
	service     uint8
	maxSegments uint8
	maxAPDU     MaxAPDUCode
	segments    [][]byte

	window      uint8
	configured  uint8
	peerCeiling uint8

	next        int
	batchSize   int
	retriesLeft int
	retries     int
}

// newSegmentedSender splits payload into segments sized for the peer.
func newSegmentedSender(invokeID, service uint8, payload []byte, peerMaxAPDU int, configuredWindow uint8, retries int, maxSegments uint8, maxAPDU MaxAPDUCode) *segmentedSender {
	segLen := segmentDataLen(peerMaxAPDU)
	var segments [][]byte
	for off := 0; off < len(payload); off += segLen {
		end := off + segLen
		if end > len(payload) {
			end = len(payload)
		}
		segments = append(segments, payload[off:end])
	}

	if configuredWindow == 0 {
		configuredWindow = 1
	}
	return &segmentedSender{
		invokeID:    invokeID,
		service:     service,
		maxSegments: maxSegments,
		maxAPDU:     maxAPDU,
		segments:    segments,
		window:      1,
		configured:  configuredWindow,
		peerCeiling: configuredWindow,
		retriesLeft: retries,
		retries:     retries,
	}
}

// done reports whether every segment has been acknowledged.
func (s *segmentedSender) done() bool {
	return s.next >= len(s.segments)
}

// nextWindow returns the PDUs of the next unacknowledged window. The
// caller transmits them and then waits for the ack to expectedAck().
func (s *segmentedSender) nextWindow() []*APDU {
	end := s.next + int(s.window)
	if end > len(s.segments) {
		end = len(s.segments)
	}
	s.batchSize = end - s.next

	pdus := make([]*APDU, 0, s.batchSize)
	for i := s.next; i < end; i++ {
		pdus = append(pdus, &APDU{
			Type:                      PDUTypeConfirmedRequest,
			Segmented:                 true,
			MoreFollows:               i < len(s.segments)-1,
			SegmentedResponseAccepted: true,
			MaxSegments:               s.maxSegments,
			MaxAPDU:                   s.maxAPDU,
			InvokeID:                  s.invokeID,
			SequenceNumber:            uint8(i),
			WindowSize:                s.configured,
			Service:                   s.service,
			Payload:                   s.segments[i],
		})
	}
	return pdus
}

// expectedAck returns the sequence number the peer must acknowledge to
// complete the outstanding window.
func (s *segmentedSender) expectedAck() uint8 {
	return uint8(s.next + s.batchSize - 1)
}

// onAck consumes a SegmentAck for this transaction. A positive ack of
// the expected sequence advances the window and lets it grow toward
// both the configured size and the peer's declared ceiling. A NAK or a
// stale sequence burns a retry and shrinks the window; the next
// nextWindow call retransmits from the first unacknowledged segment.
func (s *segmentedSender) onAck(ack *APDU) error {
	if !ack.NegativeAck && ack.SequenceNumber == s.expectedAck() {
		s.next += s.batchSize

		s.peerCeiling = ack.WindowSize
		if s.peerCeiling < 1 {
			s.peerCeiling = 1
		}
		grown := s.window + 1
		if grown > s.configured {
			grown = s.configured
		}
		if grown > s.peerCeiling {
			grown = s.peerCeiling
		}
		s.window = grown
		s.retriesLeft = s.retries
		return nil
	}

	return s.backoff(fmt.Errorf("%w: invoke %d after %d retransmits", ErrRetryExhausted, s.invokeID, s.retries))
}

// onTimeout consumes the absence of an ack within the segment timeout.
func (s *segmentedSender) onTimeout() error {
	return s.backoff(fmt.Errorf("%w: invoke %d segment %d", ErrSegmentTimeout, s.invokeID, s.expectedAck()))
}

func (s *segmentedSender) backoff(exhausted error) error {
	if s.retriesLeft <= 0 {
		return exhausted
	}
	s.retriesLeft--
	if s.window > 1 {
		s.window /= 2
	}
	return nil
}

// reassembler collects the segments of one segmented ComplexAck. It is
// fed each segment by the transaction goroutine and returns the
// SegmentAck to transmit, or an Abort PDU together with the error that
// kills the transaction.
type reassembler struct {
	invokeID      uint8
	service       uint8
	grantedWindow uint8
	lastSeq       uint8
	buf           []byte
	complete      bool
}

// newReassembler starts reassembly from the first segment, whose
// sequence number must be zero. The granted window is fixed here and
// repeated verbatim on every ack, including duplicates: a peer trying
// to renegotiate mid-transfer is ignored.
func newReassembler(first *APDU, configuredWindow uint8) (*reassembler, *APDU, error) {
	if first.SequenceNumber != 0 {
		abort := abortPDU(first.InvokeID)
		return nil, abort, fmt.Errorf("%w: first segment sequence %d", ErrSegmentMismatch, first.SequenceNumber)
	}

	granted := first.WindowSize
	if granted == 0 || (configuredWindow > 0 && configuredWindow < granted) {
		granted = configuredWindow
	}
	if granted == 0 {
		granted = 1
	}

	r := &reassembler{
		invokeID:      first.InvokeID,
		service:       first.Service,
		grantedWindow: granted,
		buf:           append([]byte(nil), first.Payload...),
		complete:      !first.MoreFollows,
	}
	return r, r.ack(), nil
}

// add consumes one subsequent segment. Any already-received sequence
// is re-acked without appending: a lost SegmentAck makes the peer
// retransmit its whole window, starting behind lastSeq. Only a
// sequence ahead of the expected one aborts.
func (r *reassembler) add(seg *APDU) (*APDU, error) {
	if seg.SequenceNumber == r.lastSeq+1 {
		if len(r.buf)+len(seg.Payload) > maxReassemblyBytes {
			return abortPDU(r.invokeID), fmt.Errorf("%w: invoke %d exceeds %d bytes", ErrReassemblyTooLarge, r.invokeID, maxReassemblyBytes)
		}
		r.buf = append(r.buf, seg.Payload...)
		r.lastSeq = seg.SequenceNumber
		if !seg.MoreFollows {
			r.complete = true
		}
		return r.ack(), nil
	}

	// Sequence numbers wrap mod 256; a behind-distance under half the
	// space marks a retransmit of something already held.
	if behind := r.lastSeq - seg.SequenceNumber; behind < 128 {
		return r.ack(), nil
	}
	return abortPDU(r.invokeID), fmt.Errorf("%w: invoke %d got sequence %d, expected %d", ErrSegmentMismatch, r.invokeID, seg.SequenceNumber, r.lastSeq+1)
}

// done reports whether the final segment has arrived.
func (r *reassembler) done() bool { return r.complete }

// payload returns the reassembled service payload.
func (r *reassembler) payload() []byte { return r.buf }

func (r *reassembler) ack() *APDU {
	return &APDU{
		Type:           PDUTypeSegmentAck,
		InvokeID:       r.invokeID,
		SequenceNumber: r.lastSeq,
		WindowSize:     r.grantedWindow,
	}
}

func abortPDU(invokeID uint8) *APDU {
	return &APDU{
		Type:     PDUTypeAbort,
		InvokeID: invokeID,
		Payload:  []byte{uint8(AbortReasonInvalidApduInThisState)},
	}
}
