package bacnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeo/bacstack/bacnet/internal/transport"
)

// ConnectionState tracks the client lifecycle.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// segmentAckTimeout bounds the wait for a SegmentAck after a window.
const segmentAckTimeout = 500 * time.Millisecond

const receiveBufferSize = 2048

// bvlcReply is a non-NPDU BVLC frame routed to a waiting admin call.
type bvlcReply struct {
	function BVLCFunction
	payload  []byte
	from     net.Addr
}

type deviceEntry struct {
	info DeviceInfo
	addr net.Addr
}

// Client is a BACnet/IP client device. It owns one transport, one
// receive goroutine, and the transaction state for all outstanding
// confirmed requests.
type Client struct {
	opts      clientOptions
	logger    *slog.Logger
	metrics   Metrics
	transport transport.Transport

	state atomic.Int32

	pendingMu sync.RWMutex
	pending   map[uint8]chan *APDU
	nextID    uint8

	devicesMu sync.RWMutex
	devices   map[uint32]deviceEntry

	collectorMu sync.Mutex
	iamColl     chan DeviceInfo
	ihaveColl   chan IHaveResult

	covMu       sync.Mutex
	covHandlers map[uint32]func(COVNotification)
	nextProcess uint32

	eventMu       sync.Mutex
	eventHandlers map[uint64]func(EventNotification)
	nextEventSub  uint64

	bbmdMu      sync.Mutex
	bvlcReplies chan bvlcReply
	registered  atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a client. Connect must be called before use.
func NewClient(opts ...Option) (*Client, error) {
	o := defaultClientOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAPDULength < MaxAPDUCode(0).Octets() || o.maxAPDULength > MaxAPDULength {
		return nil, fmt.Errorf("bacnet: max apdu length %d out of range", o.maxAPDULength)
	}

	c := &Client{
		opts:          o,
		logger:        o.logger,
		pending:       make(map[uint8]chan *APDU),
		devices:       make(map[uint32]deviceEntry),
		covHandlers:   make(map[uint32]func(COVNotification)),
		eventHandlers: make(map[uint64]func(EventNotification)),
		bvlcReplies:   make(chan bvlcReply, 8),
	}
	return c, nil
}

// Connect opens the transport, starts the receive loop, and registers
// with the configured BBMD when one is set.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}

	t := c.opts.transport
	if t == nil {
		if c.opts.secureEndpoint != "" {
			t = transport.NewSecureTransport(c.opts.secureEndpoint)
		} else {
			t = transport.NewUDPTransport(c.opts.localAddress)
		}
	}
	if err := t.Open(ctx); err != nil {
		c.state.Store(int32(StateDisconnected))
		return err
	}
	c.transport = t

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.receiveLoop(loopCtx)

	c.state.Store(int32(StateConnected))
	c.logger.Info("connected", "local", fmt.Sprint(t.LocalAddr()))

	if c.opts.bbmdAddress != "" {
		if err := c.RegisterForeignDevice(ctx, c.opts.bbmdAddress, c.opts.foreignDeviceTTL); err != nil {
			c.Close()
			return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
		}
		c.wg.Add(1)
		go c.renewalLoop(loopCtx)
	}

	return nil
}

// Close stops the receive loop and releases the transport.
func (c *Client) Close() error {
	state := ConnectionState(c.state.Swap(int32(StateClosing)))
	if state == StateDisconnected || state == StateClosing {
		c.state.Store(int32(StateDisconnected))
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}
	var err error
	if c.transport != nil {
		err = c.transport.Close()
	}
	c.wg.Wait()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.state.Store(int32(StateDisconnected))
	c.logger.Info("closed")
	return err
}

// State returns the connection state.
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Metrics returns a snapshot of the client's counters.
func (c *Client) Metrics() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// Devices returns the devices discovered so far.
func (c *Client) Devices() []DeviceInfo {
	c.devicesMu.RLock()
	defer c.devicesMu.RUnlock()
	out := make([]DeviceInfo, 0, len(c.devices))
	for _, e := range c.devices {
		out = append(out, e.info)
	}
	return out
}

func (c *Client) deviceAddr(deviceID uint32) (deviceEntry, error) {
	c.devicesMu.RLock()
	defer c.devicesMu.RUnlock()
	e, ok := c.devices[deviceID]
	if !ok {
		return deviceEntry{}, fmt.Errorf("%w: device %d", ErrDeviceNotFound, deviceID)
	}
	return e, nil
}

// receiveLoop owns all reads from the transport. Malformed frames and
// frames for no outstanding transaction are logged and dropped.
func (c *Client) receiveLoop(ctx context.Context) {
	defer c.wg.Done()

	buf := make([]byte, receiveBufferSize)
	for {
		n, addr, err := c.transport.Receive(ctx, buf)
		if err != nil {
			if ctx.Err() != nil || c.transport.IsClosed() {
				return
			}
			c.logger.Debug("receive error", "err", err)
			continue
		}
		c.metrics.FramesReceived.Inc()

		frame := make([]byte, n)
		copy(frame, buf[:n])
		c.handleFrame(addr, frame)
	}
}

func (c *Client) handleFrame(addr net.Addr, frame []byte) {
	function, payload, err := DecodeBVLC(frame)
	if err != nil {
		c.metrics.FramesDiscarded.Inc()
		c.logger.Debug("dropping malformed frame", "from", fmt.Sprint(addr), "err", err)
		return
	}

	switch function {
	case BVLCOriginalUnicastNPDU, BVLCOriginalBroadcastNPDU:
		c.handleNPDU(addr, payload)

	case BVLCForwardedNPDU:
		origin, npdu, err := DecodeForwardedNPDU(payload)
		if err != nil {
			c.metrics.FramesDiscarded.Inc()
			c.logger.Debug("dropping malformed forwarded npdu", "from", fmt.Sprint(addr), "err", err)
			return
		}
		c.handleNPDU(origin, npdu)

	case BVLCResult, BVLCReadBroadcastDistTableAck, BVLCReadForeignDeviceTableAck:
		select {
		case c.bvlcReplies <- bvlcReply{function: function, payload: payload, from: addr}:
		default:
			c.metrics.FramesDiscarded.Inc()
			c.logger.Debug("dropping unawaited bvlc reply", "function", function.String())
		}

	default:
		c.metrics.FramesDiscarded.Inc()
		c.logger.Debug("ignoring bvlc function", "function", function.String())
	}
}

func (c *Client) handleNPDU(addr net.Addr, data []byte) {
	npdu, offset, err := DecodeNPDU(data)
	if err != nil {
		c.metrics.FramesDiscarded.Inc()
		c.logger.Debug("dropping malformed npdu", "from", fmt.Sprint(addr), "err", err)
		return
	}
	if npdu.IsNetworkMessage {
		c.logger.Debug("ignoring network message", "type", npdu.MessageType)
		return
	}

	apdu, err := DecodeAPDU(data[offset:])
	if err != nil {
		c.metrics.FramesDiscarded.Inc()
		c.logger.Debug("dropping malformed apdu", "from", fmt.Sprint(addr), "err", err)
		return
	}

	switch apdu.Type {
	case PDUTypeUnconfirmedRequest:
		c.handleUnconfirmed(addr, npdu, apdu)
	case PDUTypeConfirmedRequest:
		c.handleConfirmed(addr, npdu, apdu)
	default:
		c.handleResponse(apdu)
	}
}

func (c *Client) handleUnconfirmed(addr net.Addr, npdu *NPDU, apdu *APDU) {
	switch apdu.Service {
	case ServiceUnconfirmedIAm:
		c.handleIAm(addr, npdu, apdu.Payload)
	case ServiceUnconfirmedIHave:
		c.handleIHave(apdu.Payload)
	case ServiceUnconfirmedCOVNotification:
		c.handleCOVNotification(apdu.Payload, false)
	case ServiceUnconfirmedEventNotification:
		c.handleEventNotification(apdu.Payload, false)
	default:
		c.logger.Debug("ignoring unconfirmed service", "service", apdu.Service)
	}
}

// handleConfirmed serves the few confirmed services a client device
// receives: COV and event notifications, which are acked and
// dispatched. Everything else is rejected.
func (c *Client) handleConfirmed(addr net.Addr, npdu *NPDU, apdu *APDU) {
	switch apdu.Service {
	case ServiceConfirmedCOVNotification:
		c.handleCOVNotification(apdu.Payload, true)
	case ServiceConfirmedEventNotification:
		c.handleEventNotification(apdu.Payload, true)
	default:
		c.logger.Debug("rejecting confirmed service", "service", apdu.Service)
		reject := &APDU{
			Type:     PDUTypeReject,
			InvokeID: apdu.InvokeID,
			Payload:  []byte{uint8(RejectReasonUnrecognizedService)},
		}
		if err := c.sendAPDU(context.Background(), addr, replyNPDU(npdu), reject); err != nil {
			c.logger.Debug("reject failed", "err", err)
		}
		return
	}

	ack := &APDU{Type: PDUTypeSimpleAck, InvokeID: apdu.InvokeID, Service: apdu.Service}
	if err := c.sendAPDU(context.Background(), addr, replyNPDU(npdu), ack); err != nil {
		c.logger.Debug("simple ack failed", "err", err)
	}
}

// replyNPDU builds the header for a direct reply, routing back to the
// sender's network when it arrived through a router.
func replyNPDU(in *NPDU) *NPDU {
	out := &NPDU{Priority: in.Priority}
	if in.Source != nil {
		out.Destination = &Address{Net: in.Source.Net, Addr: in.Source.Addr}
	}
	return out
}

func (c *Client) handleIAm(addr net.Addr, npdu *NPDU, payload []byte) {
	info, err := parseIAm(payload)
	if err != nil {
		c.logger.Debug("dropping malformed i-am", "err", err)
		return
	}
	if npdu.Source != nil {
		info.Address = *npdu.Source
	}

	c.devicesMu.Lock()
	_, known := c.devices[info.ObjectID.Instance]
	c.devices[info.ObjectID.Instance] = deviceEntry{info: info, addr: addr}
	c.devicesMu.Unlock()
	if !known {
		c.metrics.DevicesDiscovered.Inc()
	}

	// The collector gets every answer, cached or not: a later discovery
	// must still report devices learned earlier. Dedup happens in the
	// collecting loop.
	c.collectorMu.Lock()
	coll := c.iamColl
	c.collectorMu.Unlock()
	if coll != nil {
		select {
		case coll <- info:
		default:
		}
	}
}

func (c *Client) handleIHave(payload []byte) {
	result, err := parseIHave(payload)
	if err != nil {
		c.logger.Debug("dropping malformed i-have", "err", err)
		return
	}

	c.collectorMu.Lock()
	coll := c.ihaveColl
	c.collectorMu.Unlock()
	if coll != nil {
		select {
		case coll <- result:
		default:
		}
	}
}

func (c *Client) handleCOVNotification(payload []byte, confirmed bool) {
	notif, err := parseCOVNotification(payload)
	if err != nil {
		c.logger.Debug("dropping malformed cov notification", "err", err)
		return
	}
	notif.Confirmed = confirmed
	c.metrics.NotificationsRecv.Inc()

	c.covMu.Lock()
	handler := c.covHandlers[notif.ProcessID]
	c.covMu.Unlock()
	if handler != nil {
		handler(notif)
	} else {
		c.logger.Debug("cov notification for unknown subscription", "process", notif.ProcessID)
	}
}

func (c *Client) handleEventNotification(payload []byte, confirmed bool) {
	notif, err := parseEventNotification(payload)
	if err != nil {
		c.logger.Debug("dropping malformed event notification", "err", err)
		return
	}
	notif.Confirmed = confirmed
	c.metrics.NotificationsRecv.Inc()

	c.eventMu.Lock()
	handlers := make([]func(EventNotification), 0, len(c.eventHandlers))
	for _, h := range c.eventHandlers {
		handlers = append(handlers, h)
	}
	c.eventMu.Unlock()
	if len(handlers) == 0 {
		c.logger.Debug("event notification with no handler", "device", notif.InitiatingDevice.Instance)
		return
	}
	for _, h := range handlers {
		h(notif)
	}
}

// handleResponse routes acks, errors, and segment acks to the
// transaction waiting on the invoke id. Responses nobody awaits are
// dropped as noise.
func (c *Client) handleResponse(apdu *APDU) {
	c.pendingMu.RLock()
	ch, ok := c.pending[apdu.InvokeID]
	c.pendingMu.RUnlock()
	if !ok {
		c.metrics.FramesDiscarded.Inc()
		c.logger.Debug("response for unknown invoke id", "invoke", apdu.InvokeID, "type", uint8(apdu.Type))
		return
	}
	select {
	case ch <- apdu:
	default:
		c.logger.Debug("transaction channel full", "invoke", apdu.InvokeID)
	}
}

// allocInvokeID reserves the next free invoke id, wrapping through
// 1..255 and never reusing one with a transaction outstanding.
func (c *Client) allocInvokeID() (uint8, chan *APDU, error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for i := 0; i < 255; i++ {
		c.nextID++
		if c.nextID == 0 {
			c.nextID = 1
		}
		if _, busy := c.pending[c.nextID]; busy {
			continue
		}
		ch := make(chan *APDU, 16)
		c.pending[c.nextID] = ch
		c.metrics.PendingRequests.Inc()
		return c.nextID, ch, nil
	}
	return 0, nil, ErrInvokeIDExhausted
}

func (c *Client) releaseInvokeID(id uint8) {
	c.pendingMu.Lock()
	if _, ok := c.pending[id]; ok {
		delete(c.pending, id)
		c.metrics.PendingRequests.Dec()
	}
	c.pendingMu.Unlock()
}

// sendAPDU encodes and transmits one APDU to addr under the given NPDU
// header.
func (c *Client) sendAPDU(ctx context.Context, addr net.Addr, npdu *NPDU, apdu *APDU) error {
	apduBytes, err := apdu.Encode()
	if err != nil {
		return err
	}
	npduBytes, err := npdu.Encode()
	if err != nil {
		return err
	}
	frame := EncodeBVLC(BVLCOriginalUnicastNPDU, append(npduBytes, apduBytes...))
	_, err = c.transport.Send(ctx, addr, frame)
	return err
}

// sendConfirmed runs one confirmed transaction end to end, including
// outbound segmentation and response reassembly, and returns the
// ComplexAck payload (nil for a SimpleAck).
func (c *Client) sendConfirmed(ctx context.Context, deviceID uint32, service uint8, payload []byte) ([]byte, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}
	entry, err := c.deviceAddr(deviceID)
	if err != nil {
		return nil, err
	}

	invokeID, respCh, err := c.allocInvokeID()
	if err != nil {
		return nil, err
	}
	defer c.releaseInvokeID(invokeID)

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.timeout)
		defer cancel()
	}

	npdu := &NPDU{ExpectingReply: true}
	if entry.info.Address.Net != 0 {
		npdu.Destination = &entry.info.Address
	}

	peerMax := int(entry.info.MaxAPDULength)
	if peerMax == 0 || peerMax > c.opts.maxAPDULength {
		peerMax = c.opts.maxAPDULength
	}

	start := time.Now()
	c.metrics.RequestsSent.Inc()

	segResponseOK := c.opts.segmentation == SegmentationBoth || c.opts.segmentation == SegmentationReceive

	if len(payload)+4 <= peerMax {
		apdu := &APDU{
			Type:                      PDUTypeConfirmedRequest,
			SegmentedResponseAccepted: segResponseOK,
			MaxSegments:               c.opts.maxSegments,
			MaxAPDU:                   MaxAPDUCodeFor(c.opts.maxAPDULength),
			InvokeID:                  invokeID,
			Service:                   service,
			Payload:                   payload,
		}
		if err := c.sendAPDU(ctx, entry.addr, npdu, apdu); err != nil {
			return nil, err
		}
	} else {
		canSegment := c.opts.segmentation == SegmentationBoth || c.opts.segmentation == SegmentationTransmit
		peerAccepts := entry.info.Segmentation == SegmentationBoth || entry.info.Segmentation == SegmentationReceive
		if !canSegment || !peerAccepts {
			return nil, fmt.Errorf("%w: request of %d octets needs segmentation", ErrUnsupportedType, len(payload))
		}
		if err := c.sendSegmented(ctx, entry.addr, npdu, invokeID, service, payload, peerMax, respCh); err != nil {
			return nil, err
		}
	}

	result, err := c.awaitResponse(ctx, entry.addr, npdu, service, respCh)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			c.metrics.RequestTimeouts.Inc()
		} else {
			c.metrics.RequestErrors.Inc()
		}
		return nil, err
	}
	c.metrics.ResponsesReceived.Inc()
	c.metrics.RequestLatency.Observe(time.Since(start))
	return result, nil
}

// sendSegmented drives the windowed transmission of an oversized
// request.
func (c *Client) sendSegmented(ctx context.Context, addr net.Addr, npdu *NPDU, invokeID, service uint8, payload []byte, peerMax int, respCh chan *APDU) error {
	sender := newSegmentedSender(invokeID, service, payload, peerMax,
		c.opts.proposedWindowSize, c.opts.retries, c.opts.maxSegments, MaxAPDUCodeFor(c.opts.maxAPDULength))

	retransmit := false
	for !sender.done() {
		if retransmit {
			c.metrics.SegmentsRetransmitted.Add(int64(sender.batchSize))
		}
		for _, pdu := range sender.nextWindow() {
			if err := c.sendAPDU(ctx, addr, npdu, pdu); err != nil {
				return err
			}
			c.metrics.SegmentsSent.Inc()
		}

		ack, err := c.awaitSegmentAck(ctx, respCh)
		if err != nil {
			if errors.Is(err, ErrSegmentTimeout) {
				if berr := sender.onTimeout(); berr != nil {
					return berr
				}
				retransmit = true
				continue
			}
			return err
		}
		before := sender.next
		if err := sender.onAck(ack); err != nil {
			return err
		}
		retransmit = sender.next == before
	}
	return nil
}

// awaitSegmentAck waits for the next SegmentAck of the transaction.
// Error, Reject, and Abort PDUs end the transfer immediately.
func (c *Client) awaitSegmentAck(ctx context.Context, respCh chan *APDU) (*APDU, error) {
	timer := time.NewTimer(segmentAckTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-timer.C:
			return nil, ErrSegmentTimeout
		case apdu, ok := <-respCh:
			if !ok {
				return nil, ErrConnectionClosed
			}
			switch apdu.Type {
			case PDUTypeSegmentAck:
				return apdu, nil
			case PDUTypeError, PDUTypeReject, PDUTypeAbort:
				return nil, remoteFailure(apdu)
			default:
				c.logger.Debug("unexpected pdu during segmented send", "type", uint8(apdu.Type))
			}
		}
	}
}

// awaitResponse waits for the transaction's terminal PDU, reassembling
// a segmented ComplexAck as it arrives.
func (c *Client) awaitResponse(ctx context.Context, addr net.Addr, npdu *NPDU, service uint8, respCh chan *APDU) ([]byte, error) {
	var reasm *reassembler

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case apdu, ok := <-respCh:
			if !ok {
				return nil, ErrConnectionClosed
			}

			switch apdu.Type {
			case PDUTypeSimpleAck:
				return nil, nil

			case PDUTypeComplexAck:
				if apdu.Service != service {
					c.logger.Debug("service mismatch in complex ack", "want", service, "got", apdu.Service)
					continue
				}
				if !apdu.Segmented {
					return apdu.Payload, nil
				}
				c.metrics.SegmentsReceived.Inc()
				done, err := c.feedReassembler(ctx, addr, npdu, &reasm, apdu)
				if err != nil {
					return nil, err
				}
				if done {
					c.metrics.ReassembledResponses.Inc()
					return reasm.payload(), nil
				}

			case PDUTypeError, PDUTypeReject, PDUTypeAbort:
				return nil, remoteFailure(apdu)

			case PDUTypeSegmentAck:
				c.logger.Debug("unexpected segment ack", "invoke", apdu.InvokeID)

			default:
				c.logger.Debug("unexpected pdu awaiting response", "type", uint8(apdu.Type))
			}
		}
	}
}

// feedReassembler pushes one ComplexAck segment into the transaction's
// reassembler, transmitting the resulting SegmentAck or Abort.
func (c *Client) feedReassembler(ctx context.Context, addr net.Addr, npdu *NPDU, reasm **reassembler, seg *APDU) (bool, error) {
	reply := &NPDU{Destination: npdu.Destination}

	if *reasm == nil {
		r, ack, err := newReassembler(seg, c.opts.proposedWindowSize)
		if err != nil {
			if sendErr := c.sendAPDU(ctx, addr, reply, ack); sendErr != nil {
				c.logger.Debug("abort send failed", "err", sendErr)
			}
			return false, err
		}
		*reasm = r
		if err := c.sendAPDU(ctx, addr, reply, ack); err != nil {
			return false, err
		}
		return r.done(), nil
	}

	ack, err := (*reasm).add(seg)
	if sendErr := c.sendAPDU(ctx, addr, reply, ack); sendErr != nil && err == nil {
		return false, sendErr
	}
	if err != nil {
		return false, err
	}
	return (*reasm).done(), nil
}

// remoteFailure maps a terminal Error/Reject/Abort PDU onto its typed
// error.
func remoteFailure(apdu *APDU) error {
	switch apdu.Type {
	case PDUTypeError:
		class, code, err := ParseErrorPayload(apdu.Payload)
		if err != nil {
			return fmt.Errorf("%w: undecodable error pdu: %v", ErrInvalidResponse, err)
		}
		return NewBACnetError(class, code)
	case PDUTypeReject:
		return &RejectError{InvokeID: apdu.InvokeID, Reason: RejectReason(apdu.Payload[0])}
	case PDUTypeAbort:
		return &AbortError{InvokeID: apdu.InvokeID, Server: apdu.Server, Reason: AbortReason(apdu.Payload[0])}
	default:
		return fmt.Errorf("%w: pdu type 0x%02X", ErrInvalidResponse, uint8(apdu.Type))
	}
}

// sendUnconfirmed broadcasts an unconfirmed request, as
// Original-Broadcast-NPDU on the local subnet or as
// Distribute-Broadcast-To-Network to the BBMD while registered as a
// foreign device.
func (c *Client) sendUnconfirmed(ctx context.Context, service uint8, payload []byte) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}

	apdu := &APDU{Type: PDUTypeUnconfirmedRequest, Service: service, Payload: payload}
	apduBytes, err := apdu.Encode()
	if err != nil {
		return err
	}
	npduBytes, err := (&NPDU{}).Encode()
	if err != nil {
		return err
	}
	body := append(npduBytes, apduBytes...)

	if c.registered.Load() {
		bbmdAddr, err := net.ResolveUDPAddr("udp4", c.opts.bbmdAddress)
		if err != nil {
			return err
		}
		frame := EncodeBVLC(BVLCDistributeBroadcastToNet, body)
		_, err = c.transport.Send(ctx, bbmdAddr, frame)
		if err == nil {
			c.metrics.BroadcastsSent.Inc()
		}
		return err
	}

	frame := EncodeBVLC(BVLCOriginalBroadcastNPDU, body)
	_, err = c.transport.Broadcast(ctx, DefaultPort, frame)
	if err == nil {
		c.metrics.BroadcastsSent.Inc()
	}
	return err
}

// sendUnconfirmedTo transmits an unconfirmed request to one device.
func (c *Client) sendUnconfirmedTo(ctx context.Context, deviceID uint32, service uint8, payload []byte) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	entry, err := c.deviceAddr(deviceID)
	if err != nil {
		return err
	}
	npdu := &NPDU{}
	if entry.info.Address.Net != 0 {
		npdu.Destination = &entry.info.Address
	}
	return c.sendAPDU(ctx, entry.addr, npdu, &APDU{
		Type:    PDUTypeUnconfirmedRequest,
		Service: service,
		Payload: payload,
	})
}
