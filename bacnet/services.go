package bacnet

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
)

// tagCursor walks a service payload tag by tag.
type tagCursor struct {
	data []byte
	off  int
}

func newTagCursor(data []byte) *tagCursor {
	return &tagCursor{data: data}
}

func (r *tagCursor) atEnd() bool {
	return r.off >= len(r.data)
}

func (r *tagCursor) peek() (Tag, int, error) {
	return DecodeTag(r.data[r.off:])
}

// context consumes a required context tag and returns its payload.
func (r *tagCursor) context(num uint8) ([]byte, error) {
	tag, headerLen, err := r.peek()
	if err != nil {
		return nil, err
	}
	if tag.Class != TagClassContext || tag.Number != num || tag.Length < 0 {
		return nil, fmt.Errorf("%w: expected context tag %d", ErrInvalidTag, num)
	}
	payload := r.data[r.off+headerLen : r.off+headerLen+tag.Length]
	r.off += headerLen + tag.Length
	return payload, nil
}

// optionalContext consumes a context tag if it is next.
func (r *tagCursor) optionalContext(num uint8) ([]byte, bool, error) {
	if r.atEnd() {
		return nil, false, nil
	}
	tag, headerLen, err := r.peek()
	if err != nil {
		return nil, false, err
	}
	if tag.Class != TagClassContext || tag.Number != num || tag.Length < 0 {
		return nil, false, nil
	}
	payload := r.data[r.off+headerLen : r.off+headerLen+tag.Length]
	r.off += headerLen + tag.Length
	return payload, true, nil
}

func (r *tagCursor) opening(num uint8) error {
	if !r.tryOpening(num) {
		return fmt.Errorf("%w: expected opening tag %d", ErrInvalidTag, num)
	}
	return nil
}

func (r *tagCursor) tryOpening(num uint8) bool {
	if r.atEnd() {
		return false
	}
	tag, headerLen, err := r.peek()
	if err != nil || !tag.IsOpening() || tag.Number != num {
		return false
	}
	r.off += headerLen
	return true
}

func (r *tagCursor) closing(num uint8) error {
	if !r.tryClosing(num) {
		return fmt.Errorf("%w: expected closing tag %d", ErrInvalidTag, num)
	}
	return nil
}

func (r *tagCursor) tryClosing(num uint8) bool {
	if r.atEnd() {
		return false
	}
	tag, headerLen, err := r.peek()
	if err != nil || !tag.IsClosing() || tag.Number != num {
		return false
	}
	r.off += headerLen
	return true
}

// appValue consumes one application-tagged (or constructed) value.
func (r *tagCursor) appValue() (interface{}, error) {
	v, n, err := DecodeApplicationValue(r.data[r.off:])
	if err != nil {
		return nil, err
	}
	r.off += n
	return v, nil
}

// valuesUntilClosing consumes application values up to the closing tag.
func (r *tagCursor) valuesUntilClosing(num uint8) ([]interface{}, error) {
	var values []interface{}
	for {
		if r.atEnd() {
			return nil, fmt.Errorf("%w: unterminated tag %d group", ErrInvalidTag, num)
		}
		if r.tryClosing(num) {
			return values, nil
		}
		v, err := r.appValue()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
}

// skipGroup discards everything up to the matching closing tag. The
// opening tag must already be consumed.
func (r *tagCursor) skipGroup(num uint8) error {
	depth := 0
	for {
		if r.atEnd() {
			return fmt.Errorf("%w: unterminated tag %d group", ErrInvalidTag, num)
		}
		tag, headerLen, err := r.peek()
		if err != nil {
			return err
		}
		switch {
		case tag.IsOpening():
			depth++
			r.off += headerLen
		case tag.IsClosing():
			if depth == 0 {
				if tag.Number != num {
					return fmt.Errorf("%w: expected closing tag %d", ErrInvalidTag, num)
				}
				r.off += headerLen
				return nil
			}
			depth--
			r.off += headerLen
		default:
			payloadLen := tag.Length
			if tag.Class == TagClassApplication && tag.Number == uint8(TagBoolean) {
				payloadLen = 0
			}
			r.off += headerLen + payloadLen
		}
	}
}

func contextUnsigned(payload []byte) (uint32, error) {
	return DecodeUnsigned(payload)
}

func contextObjectID(payload []byte) (ObjectIdentifier, error) {
	if len(payload) != 4 {
		return ObjectIdentifier{}, fmt.Errorf("%w: object id payload %d octets", ErrInvalidTag, len(payload))
	}
	return DecodeObjectIdentifier(binary.BigEndian.Uint32(payload)), nil
}

// Who-Is / I-Am

func encodeWhoIs(low, high *uint32) []byte {
	if low == nil || high == nil {
		return nil
	}
	payload := EncodeContextUnsigned(0, *low)
	return append(payload, EncodeContextUnsigned(1, *high)...)
}

func parseIAm(payload []byte) (DeviceInfo, error) {
	r := newTagCursor(payload)

	oid, err := r.appValue()
	if err != nil {
		return DeviceInfo{}, err
	}
	objectID, ok := oid.(ObjectIdentifier)
	if !ok || objectID.Type != ObjectTypeDevice {
		return DeviceInfo{}, fmt.Errorf("%w: i-am object identifier", ErrInvalidResponse)
	}

	maxAPDU, err := r.appValue()
	if err != nil {
		return DeviceInfo{}, err
	}
	seg, err := r.appValue()
	if err != nil {
		return DeviceInfo{}, err
	}
	vendor, err := r.appValue()
	if err != nil {
		return DeviceInfo{}, err
	}

	maxLen, _ := maxAPDU.(uint32)
	segVal, _ := seg.(uint32)
	vendorID, _ := vendor.(uint32)

	return DeviceInfo{
		ObjectID:      objectID,
		MaxAPDULength: uint16(maxLen),
		Segmentation:  Segmentation(segVal),
		VendorID:      uint16(vendorID),
	}, nil
}

func encodeIAm(deviceID uint32, maxAPDU int, seg Segmentation, vendorID uint16) []byte {
	payload := EncodeObjectIdentifierTag(NewObjectIdentifier(ObjectTypeDevice, deviceID))
	payload = append(payload, EncodeUnsignedTag(uint32(maxAPDU))...)
	payload = append(payload, EncodeEnumeratedTag(uint32(seg))...)
	return append(payload, EncodeUnsignedTag(uint32(vendorID))...)
}

// Who-Has / I-Have

// IHaveResult is one device's answer to a Who-Has.
type IHaveResult struct {
	DeviceID   ObjectIdentifier
	ObjectID   ObjectIdentifier
	ObjectName string
}

func encodeWhoHasObject(low, high *uint32, objectID ObjectIdentifier) []byte {
	payload := encodeWhoIs(low, high)
	return append(payload, EncodeContextObjectIdentifier(2, objectID)...)
}

func encodeWhoHasName(low, high *uint32, name string) []byte {
	payload := encodeWhoIs(low, high)
	return append(payload, EncodeContextCharacterString(3, name)...)
}

func parseIHave(payload []byte) (IHaveResult, error) {
	r := newTagCursor(payload)
	var result IHaveResult

	for i, dst := range []*ObjectIdentifier{&result.DeviceID, &result.ObjectID} {
		v, err := r.appValue()
		if err != nil {
			return IHaveResult{}, err
		}
		oid, ok := v.(ObjectIdentifier)
		if !ok {
			return IHaveResult{}, fmt.Errorf("%w: i-have field %d", ErrInvalidResponse, i)
		}
		*dst = oid
	}

	v, err := r.appValue()
	if err != nil {
		return IHaveResult{}, err
	}
	name, ok := v.(string)
	if !ok {
		return IHaveResult{}, fmt.Errorf("%w: i-have object name", ErrInvalidResponse)
	}
	result.ObjectName = name
	return result, nil
}

// Discovery operations

// DiscoverDevices broadcasts a Who-Is and collects I-Am answers until
// the discovery timeout elapses. Duplicate answers from the same
// device are suppressed.
func (c *Client) DiscoverDevices(ctx context.Context, opts ...DiscoverOption) ([]DeviceInfo, error) {
	o := discoverOptions{timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	coll := make(chan DeviceInfo, 64)
	c.collectorMu.Lock()
	c.iamColl = coll
	c.collectorMu.Unlock()
	defer func() {
		c.collectorMu.Lock()
		c.iamColl = nil
		c.collectorMu.Unlock()
	}()

	if err := c.sendUnconfirmed(ctx, ServiceUnconfirmedWhoIs, encodeWhoIs(o.lowLimit, o.highLimit)); err != nil {
		return nil, err
	}

	var found []DeviceInfo
	seen := make(map[uint32]bool)
	timer := time.NewTimer(o.timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		case <-timer.C:
			return found, nil
		case info := <-coll:
			if o.lowLimit != nil && (info.ObjectID.Instance < *o.lowLimit || info.ObjectID.Instance > *o.highLimit) {
				continue
			}
			if seen[info.ObjectID.Instance] {
				continue
			}
			seen[info.ObjectID.Instance] = true
			found = append(found, info)
		}
	}
}

// WhoHasObject broadcasts a Who-Has for an object identifier and
// collects I-Have answers.
func (c *Client) WhoHasObject(ctx context.Context, objectID ObjectIdentifier, opts ...DiscoverOption) ([]IHaveResult, error) {
	return c.whoHas(ctx, func(low, high *uint32) []byte {
		return encodeWhoHasObject(low, high, objectID)
	}, opts...)
}

// WhoHasName broadcasts a Who-Has for an object name and collects
// I-Have answers.
func (c *Client) WhoHasName(ctx context.Context, name string, opts ...DiscoverOption) ([]IHaveResult, error) {
	return c.whoHas(ctx, func(low, high *uint32) []byte {
		return encodeWhoHasName(low, high, name)
	}, opts...)
}

func (c *Client) whoHas(ctx context.Context, build func(low, high *uint32) []byte, opts ...DiscoverOption) ([]IHaveResult, error) {
	o := discoverOptions{timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	coll := make(chan IHaveResult, 64)
	c.collectorMu.Lock()
	c.ihaveColl = coll
	c.collectorMu.Unlock()
	defer func() {
		c.collectorMu.Lock()
		c.ihaveColl = nil
		c.collectorMu.Unlock()
	}()

	if err := c.sendUnconfirmed(ctx, ServiceUnconfirmedWhoHas, build(o.lowLimit, o.highLimit)); err != nil {
		return nil, err
	}

	var found []IHaveResult
	seen := make(map[ObjectIdentifier]bool)
	timer := time.NewTimer(o.timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		case <-timer.C:
			return found, nil
		case result := <-coll:
			if seen[result.DeviceID] {
				continue
			}
			seen[result.DeviceID] = true
			found = append(found, result)
		}
	}
}

// ReadProperty

func encodeReadProperty(objectID ObjectIdentifier, prop PropertyIdentifier, arrayIndex *uint32) []byte {
	payload := EncodeContextObjectIdentifier(0, objectID)
	payload = append(payload, EncodeContextUnsigned(1, uint32(prop))...)
	if arrayIndex != nil {
		payload = append(payload, EncodeContextUnsigned(2, *arrayIndex)...)
	}
	return payload
}

func parseReadPropertyAck(payload []byte) (PropertyValue, error) {
	r := newTagCursor(payload)

	oidPayload, err := r.context(0)
	if err != nil {
		return PropertyValue{}, err
	}
	objectID, err := contextObjectID(oidPayload)
	if err != nil {
		return PropertyValue{}, err
	}

	propPayload, err := r.context(1)
	if err != nil {
		return PropertyValue{}, err
	}
	propNum, err := contextUnsigned(propPayload)
	if err != nil {
		return PropertyValue{}, err
	}

	result := PropertyValue{ObjectID: objectID, PropertyID: PropertyIdentifier(propNum)}

	if idxPayload, ok, err := r.optionalContext(2); err != nil {
		return PropertyValue{}, err
	} else if ok {
		idx, err := contextUnsigned(idxPayload)
		if err != nil {
			return PropertyValue{}, err
		}
		result.ArrayIndex = &idx
	}

	if err := r.opening(3); err != nil {
		return PropertyValue{}, err
	}
	values, err := r.valuesUntilClosing(3)
	if err != nil {
		return PropertyValue{}, err
	}
	switch len(values) {
	case 0:
		result.Value = nil
	case 1:
		result.Value = values[0]
	default:
		result.Value = values
	}
	return result, nil
}

// ReadProperty reads one property from a discovered device.
func (c *Client) ReadProperty(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, prop PropertyIdentifier, opts ...ReadOption) (interface{}, error) {
	o := readOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	ack, err := c.sendConfirmed(ctx, deviceID, ServiceConfirmedReadProperty, encodeReadProperty(objectID, prop, o.arrayIndex))
	if err != nil {
		return nil, err
	}
	result, err := parseReadPropertyAck(ack)
	if err != nil {
		return nil, err
	}
	return result.Value, nil
}

// GetObjectList reads a device's object-list property.
func (c *Client) GetObjectList(ctx context.Context, deviceID uint32) ([]ObjectIdentifier, error) {
	v, err := c.ReadProperty(ctx, deviceID, NewObjectIdentifier(ObjectTypeDevice, deviceID), PropertyObjectList)
	if err != nil {
		return nil, err
	}

	var raw []interface{}
	switch t := v.(type) {
	case []interface{}:
		raw = t
	case ObjectIdentifier:
		raw = []interface{}{t}
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: object-list of %T", ErrInvalidResponse, v)
	}

	out := make([]ObjectIdentifier, 0, len(raw))
	for _, item := range raw {
		oid, ok := item.(ObjectIdentifier)
		if !ok {
			return nil, fmt.Errorf("%w: object-list element %T", ErrInvalidResponse, item)
		}
		out = append(out, oid)
	}
	return out, nil
}

// WriteProperty

func encodeWriteProperty(objectID ObjectIdentifier, prop PropertyIdentifier, value interface{}, o writeOptions) ([]byte, error) {
	payload := EncodeContextObjectIdentifier(0, objectID)
	payload = append(payload, EncodeContextUnsigned(1, uint32(prop))...)
	if o.arrayIndex != nil {
		payload = append(payload, EncodeContextUnsigned(2, *o.arrayIndex)...)
	}
	payload = append(payload, EncodeOpeningTag(3)...)
	enc, err := EncodeApplicationValue(value)
	if err != nil {
		return nil, err
	}
	payload = append(payload, enc...)
	payload = append(payload, EncodeClosingTag(3)...)
	if o.priority != nil {
		payload = append(payload, EncodeContextUnsigned(4, uint32(*o.priority))...)
	}
	return payload, nil
}

// WriteProperty writes one property on a discovered device.
func (c *Client) WriteProperty(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, prop PropertyIdentifier, value interface{}, opts ...WriteOption) error {
	o := writeOptions{}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return err
		}
	}

	payload, err := encodeWriteProperty(objectID, prop, value, o)
	if err != nil {
		return err
	}
	_, err = c.sendConfirmed(ctx, deviceID, ServiceConfirmedWriteProperty, payload)
	return err
}

// ReadPropertyMultiple

// PropertyAccessResult is one property's outcome inside a
// ReadPropertyMultiple answer.
type PropertyAccessResult struct {
	PropertyID PropertyIdentifier
	ArrayIndex *uint32
	Value      interface{}
	Error      error
}

// ReadAccessResult groups a device object's property outcomes.
type ReadAccessResult struct {
	ObjectID ObjectIdentifier
	Results  []PropertyAccessResult
}

func encodeReadPropertyMultiple(refs []PropertyReference) []byte {
	var payload []byte
	byObject := make(map[ObjectIdentifier][]PropertyReference)
	var order []ObjectIdentifier
	for _, ref := range refs {
		if _, ok := byObject[ref.ObjectID]; !ok {
			order = append(order, ref.ObjectID)
		}
		byObject[ref.ObjectID] = append(byObject[ref.ObjectID], ref)
	}

	for _, oid := range order {
		payload = append(payload, EncodeContextObjectIdentifier(0, oid)...)
		payload = append(payload, EncodeOpeningTag(1)...)
		for _, ref := range byObject[oid] {
			payload = append(payload, EncodeContextUnsigned(0, uint32(ref.PropertyID))...)
			if ref.ArrayIndex != nil {
				payload = append(payload, EncodeContextUnsigned(1, *ref.ArrayIndex)...)
			}
		}
		payload = append(payload, EncodeClosingTag(1)...)
	}
	return payload
}

func parseReadPropertyMultipleAck(payload []byte) ([]ReadAccessResult, error) {
	r := newTagCursor(payload)
	var results []ReadAccessResult

	for !r.atEnd() {
		oidPayload, err := r.context(0)
		if err != nil {
			return nil, err
		}
		objectID, err := contextObjectID(oidPayload)
		if err != nil {
			return nil, err
		}
		result := ReadAccessResult{ObjectID: objectID}

		if err := r.opening(1); err != nil {
			return nil, err
		}
		for !r.tryClosing(1) {
			if r.atEnd() {
				return nil, fmt.Errorf("%w: unterminated read access result", ErrInvalidTag)
			}
			propPayload, err := r.context(2)
			if err != nil {
				return nil, err
			}
			propNum, err := contextUnsigned(propPayload)
			if err != nil {
				return nil, err
			}
			access := PropertyAccessResult{PropertyID: PropertyIdentifier(propNum)}

			if idxPayload, ok, err := r.optionalContext(3); err != nil {
				return nil, err
			} else if ok {
				idx, err := contextUnsigned(idxPayload)
				if err != nil {
					return nil, err
				}
				access.ArrayIndex = &idx
			}

			switch {
			case r.tryOpening(4):
				values, err := r.valuesUntilClosing(4)
				if err != nil {
					return nil, err
				}
				if len(values) == 1 {
					access.Value = values[0]
				} else if len(values) > 1 {
					access.Value = values
				}
			case r.tryOpening(5):
				classV, err := r.appValue()
				if err != nil {
					return nil, err
				}
				codeV, err := r.appValue()
				if err != nil {
					return nil, err
				}
				if err := r.closing(5); err != nil {
					return nil, err
				}
				class, _ := classV.(uint32)
				code, _ := codeV.(uint32)
				access.Error = NewBACnetError(ErrorClass(class), ErrorCode(code))
			default:
				return nil, fmt.Errorf("%w: expected value or error group", ErrInvalidTag)
			}

			result.Results = append(result.Results, access)
		}
		results = append(results, result)
	}
	return results, nil
}

// ReadPropertyMultiple reads several properties in one request.
func (c *Client) ReadPropertyMultiple(ctx context.Context, deviceID uint32, refs []PropertyReference) ([]ReadAccessResult, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	ack, err := c.sendConfirmed(ctx, deviceID, ServiceConfirmedReadPropertyMultiple, encodeReadPropertyMultiple(refs))
	if err != nil {
		return nil, err
	}
	return parseReadPropertyMultipleAck(ack)
}

// COV subscriptions

// COVNotification is a change-of-value report from a device.
type COVNotification struct {
	ProcessID        uint32
	InitiatingDevice ObjectIdentifier
	MonitoredObject  ObjectIdentifier
	TimeRemaining    uint32
	Values           []PropertyValue
	Confirmed        bool
}

func encodeSubscribeCOV(processID uint32, objectID ObjectIdentifier, o subscribeOptions, cancel bool) []byte {
	payload := EncodeContextUnsigned(0, processID)
	payload = append(payload, EncodeContextObjectIdentifier(1, objectID)...)
	if !cancel {
		payload = append(payload, EncodeContextBoolean(2, o.confirmed)...)
		payload = append(payload, EncodeContextUnsigned(3, uint32(o.lifetime/time.Second))...)
	}
	return payload
}

func encodeSubscribeCOVProperty(processID uint32, ref PropertyReference, o subscribeOptions, cancel bool) []byte {
	payload := encodeSubscribeCOV(processID, ref.ObjectID, o, cancel)
	if cancel {
		return payload
	}
	payload = append(payload, EncodeOpeningTag(4)...)
	payload = append(payload, EncodeContextUnsigned(0, uint32(ref.PropertyID))...)
	if ref.ArrayIndex != nil {
		payload = append(payload, EncodeContextUnsigned(1, *ref.ArrayIndex)...)
	}
	payload = append(payload, EncodeClosingTag(4)...)
	if o.increment != nil {
		payload = append(payload, EncodeContextTag(5, EncodeReal(*o.increment))...)
	}
	return payload
}

func parseCOVNotification(payload []byte) (COVNotification, error) {
	r := newTagCursor(payload)
	var notif COVNotification

	procPayload, err := r.context(0)
	if err != nil {
		return notif, err
	}
	if notif.ProcessID, err = contextUnsigned(procPayload); err != nil {
		return notif, err
	}

	devPayload, err := r.context(1)
	if err != nil {
		return notif, err
	}
	if notif.InitiatingDevice, err = contextObjectID(devPayload); err != nil {
		return notif, err
	}

	objPayload, err := r.context(2)
	if err != nil {
		return notif, err
	}
	if notif.MonitoredObject, err = contextObjectID(objPayload); err != nil {
		return notif, err
	}

	timePayload, err := r.context(3)
	if err != nil {
		return notif, err
	}
	if notif.TimeRemaining, err = contextUnsigned(timePayload); err != nil {
		return notif, err
	}

	if err := r.opening(4); err != nil {
		return notif, err
	}
	for !r.tryClosing(4) {
		if r.atEnd() {
			return notif, fmt.Errorf("%w: unterminated value list", ErrInvalidTag)
		}
		pv := PropertyValue{ObjectID: notif.MonitoredObject}

		propPayload, err := r.context(0)
		if err != nil {
			return notif, err
		}
		propNum, err := contextUnsigned(propPayload)
		if err != nil {
			return notif, err
		}
		pv.PropertyID = PropertyIdentifier(propNum)

		if idxPayload, ok, err := r.optionalContext(1); err != nil {
			return notif, err
		} else if ok {
			idx, err := contextUnsigned(idxPayload)
			if err != nil {
				return notif, err
			}
			pv.ArrayIndex = &idx
		}

		if err := r.opening(2); err != nil {
			return notif, err
		}
		values, err := r.valuesUntilClosing(2)
		if err != nil {
			return notif, err
		}
		if len(values) == 1 {
			pv.Value = values[0]
		} else if len(values) > 1 {
			pv.Value = values
		}

		// Optional priority, ignored.
		if _, _, err := r.optionalContext(3); err != nil {
			return notif, err
		}

		notif.Values = append(notif.Values, pv)
	}
	return notif, nil
}

func (c *Client) allocProcessID(handler func(COVNotification)) uint32 {
	c.covMu.Lock()
	defer c.covMu.Unlock()
	c.nextProcess++
	if c.nextProcess == 0 {
		c.nextProcess = 1
	}
	c.covHandlers[c.nextProcess] = handler
	return c.nextProcess
}

func (c *Client) releaseProcessID(id uint32) {
	c.covMu.Lock()
	delete(c.covHandlers, id)
	c.covMu.Unlock()
}

// SubscribeCOV subscribes to change-of-value notifications for one
// object and returns the subscriber process id used to cancel later.
// The handler runs on the receive goroutine and must not block.
func (c *Client) SubscribeCOV(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, handler func(COVNotification), opts ...SubscribeOption) (uint32, error) {
	o := subscribeOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	processID := c.allocProcessID(handler)
	_, err := c.sendConfirmed(ctx, deviceID, ServiceConfirmedSubscribeCOV, encodeSubscribeCOV(processID, objectID, o, false))
	if err != nil {
		c.releaseProcessID(processID)
		return 0, err
	}
	return processID, nil
}

// UnsubscribeCOV cancels a SubscribeCOV subscription.
func (c *Client) UnsubscribeCOV(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, processID uint32) error {
	_, err := c.sendConfirmed(ctx, deviceID, ServiceConfirmedSubscribeCOV, encodeSubscribeCOV(processID, objectID, subscribeOptions{}, true))
	if err == nil {
		c.releaseProcessID(processID)
	}
	return err
}

// SubscribeCOVProperty subscribes to change-of-value notifications for
// one property.
func (c *Client) SubscribeCOVProperty(ctx context.Context, deviceID uint32, ref PropertyReference, handler func(COVNotification), opts ...SubscribeOption) (uint32, error) {
	o := subscribeOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	processID := c.allocProcessID(handler)
	_, err := c.sendConfirmed(ctx, deviceID, ServiceConfirmedSubscribeCOVProperty, encodeSubscribeCOVProperty(processID, ref, o, false))
	if err != nil {
		c.releaseProcessID(processID)
		return 0, err
	}
	return processID, nil
}

// UnsubscribeCOVProperty cancels a SubscribeCOVProperty subscription.
func (c *Client) UnsubscribeCOVProperty(ctx context.Context, deviceID uint32, ref PropertyReference, processID uint32) error {
	_, err := c.sendConfirmed(ctx, deviceID, ServiceConfirmedSubscribeCOVProperty, encodeSubscribeCOVProperty(processID, ref, subscribeOptions{}, true))
	if err == nil {
		c.releaseProcessID(processID)
	}
	return err
}

// Device management

// CommunicationControl is the DeviceCommunicationControl enable state.
type CommunicationControl uint8

const (
	CommunicationEnable            CommunicationControl = 0
	CommunicationDisable           CommunicationControl = 1
	CommunicationDisableInitiation CommunicationControl = 2
)

// DeviceCommunicationControl tells a device to stop or resume
// communicating. A zero duration means indefinitely.
func (c *Client) DeviceCommunicationControl(ctx context.Context, deviceID uint32, state CommunicationControl, duration time.Duration, password string) error {
	var payload []byte
	if duration > 0 {
		payload = append(payload, EncodeContextUnsigned(0, uint32(duration/time.Minute))...)
	}
	payload = append(payload, EncodeContextEnumerated(1, uint32(state))...)
	if password != "" {
		payload = append(payload, EncodeContextCharacterString(2, password)...)
	}
	_, err := c.sendConfirmed(ctx, deviceID, ServiceConfirmedDeviceCommControl, payload)
	return err
}

// ReinitializedState selects the ReinitializeDevice action.
type ReinitializedState uint8

const (
	ReinitColdstart      ReinitializedState = 0
	ReinitWarmstart      ReinitializedState = 1
	ReinitStartBackup    ReinitializedState = 2
	ReinitEndBackup      ReinitializedState = 3
	ReinitStartRestore   ReinitializedState = 4
	ReinitEndRestore     ReinitializedState = 5
	ReinitAbortRestore   ReinitializedState = 6
)

// ReinitializeDevice restarts or re-images a device.
func (c *Client) ReinitializeDevice(ctx context.Context, deviceID uint32, state ReinitializedState, password string) error {
	payload := EncodeContextEnumerated(0, uint32(state))
	if password != "" {
		payload = append(payload, EncodeContextCharacterString(1, password)...)
	}
	_, err := c.sendConfirmed(ctx, deviceID, ServiceConfirmedReinitializeDevice, payload)
	return err
}

func dateFromTime(t time.Time) Date {
	wd := uint8(t.Weekday())
	if wd == 0 {
		wd = 7
	}
	return Date{
		Year:    uint8(t.Year() - 1900),
		Month:   uint8(t.Month()),
		Day:     uint8(t.Day()),
		Weekday: wd,
	}
}

func timeFromTime(t time.Time) Time {
	return Time{
		Hour:       uint8(t.Hour()),
		Minute:     uint8(t.Minute()),
		Second:     uint8(t.Second()),
		Hundredths: uint8(t.Nanosecond() / 10_000_000),
	}
}

func encodeTimeSync(t time.Time) []byte {
	payload := EncodeDateTag(dateFromTime(t))
	return append(payload, EncodeTimeTag(timeFromTime(t))...)
}

// TimeSync broadcasts a local-time synchronization.
func (c *Client) TimeSync(ctx context.Context, t time.Time) error {
	return c.sendUnconfirmed(ctx, ServiceUnconfirmedTimeSync, encodeTimeSync(t))
}

// UTCTimeSync broadcasts a UTC time synchronization.
func (c *Client) UTCTimeSync(ctx context.Context, t time.Time) error {
	return c.sendUnconfirmed(ctx, ServiceUnconfirmedUTCTimeSync, encodeTimeSync(t.UTC()))
}

// TimeSyncDevice sends a local-time synchronization to one device.
func (c *Client) TimeSyncDevice(ctx context.Context, deviceID uint32, t time.Time) error {
	return c.sendUnconfirmedTo(ctx, deviceID, ServiceUnconfirmedTimeSync, encodeTimeSync(t))
}

// Object and list management

// CreateObject asks a device to create an object of the given type,
// optionally with initial property values, and returns the identifier
// the device assigned.
func (c *Client) CreateObject(ctx context.Context, deviceID uint32, objectType ObjectType, initial []PropertyValue) (ObjectIdentifier, error) {
	payload := EncodeOpeningTag(0)
	payload = append(payload, EncodeContextEnumerated(0, uint32(objectType))...)
	payload = append(payload, EncodeClosingTag(0)...)

	if len(initial) > 0 {
		payload = append(payload, EncodeOpeningTag(1)...)
		for _, pv := range initial {
			payload = append(payload, EncodeContextUnsigned(0, uint32(pv.PropertyID))...)
			if pv.ArrayIndex != nil {
				payload = append(payload, EncodeContextUnsigned(1, *pv.ArrayIndex)...)
			}
			payload = append(payload, EncodeOpeningTag(2)...)
			enc, err := EncodeApplicationValue(pv.Value)
			if err != nil {
				return ObjectIdentifier{}, err
			}
			payload = append(payload, enc...)
			payload = append(payload, EncodeClosingTag(2)...)
		}
		payload = append(payload, EncodeClosingTag(1)...)
	}

	ack, err := c.sendConfirmed(ctx, deviceID, ServiceConfirmedCreateObject, payload)
	if err != nil {
		return ObjectIdentifier{}, err
	}

	v, _, err := DecodeApplicationValue(ack)
	if err != nil {
		return ObjectIdentifier{}, err
	}
	oid, ok := v.(ObjectIdentifier)
	if !ok {
		return ObjectIdentifier{}, fmt.Errorf("%w: create object ack %T", ErrInvalidResponse, v)
	}
	return oid, nil
}

// DeleteObject asks a device to delete an object.
func (c *Client) DeleteObject(ctx context.Context, deviceID uint32, objectID ObjectIdentifier) error {
	_, err := c.sendConfirmed(ctx, deviceID, ServiceConfirmedDeleteObject, EncodeObjectIdentifierTag(objectID))
	return err
}

func encodeListElement(objectID ObjectIdentifier, prop PropertyIdentifier, arrayIndex *uint32, elements []interface{}) ([]byte, error) {
	payload := EncodeContextObjectIdentifier(0, objectID)
	payload = append(payload, EncodeContextUnsigned(1, uint32(prop))...)
	if arrayIndex != nil {
		payload = append(payload, EncodeContextUnsigned(2, *arrayIndex)...)
	}
	payload = append(payload, EncodeOpeningTag(3)...)
	for _, el := range elements {
		enc, err := EncodeApplicationValue(el)
		if err != nil {
			return nil, err
		}
		payload = append(payload, enc...)
	}
	return append(payload, EncodeClosingTag(3)...), nil
}

// AddListElement appends elements to a list property.
func (c *Client) AddListElement(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, prop PropertyIdentifier, elements []interface{}) error {
	payload, err := encodeListElement(objectID, prop, nil, elements)
	if err != nil {
		return err
	}
	_, err = c.sendConfirmed(ctx, deviceID, ServiceConfirmedAddListElement, payload)
	return err
}

// RemoveListElement removes elements from a list property.
func (c *Client) RemoveListElement(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, prop PropertyIdentifier, elements []interface{}) error {
	payload, err := encodeListElement(objectID, prop, nil, elements)
	if err != nil {
		return err
	}
	_, err = c.sendConfirmed(ctx, deviceID, ServiceConfirmedRemoveListElement, payload)
	return err
}

// File access

// FileReadResult is the outcome of a stream AtomicReadFile.
type FileReadResult struct {
	EOF   bool
	Start int32
	Data  []byte
}

// AtomicReadFile reads count octets of a file object starting at the
// given stream position.
func (c *Client) AtomicReadFile(ctx context.Context, deviceID uint32, fileID ObjectIdentifier, start int32, count uint32) (*FileReadResult, error) {
	payload := EncodeObjectIdentifierTag(fileID)
	payload = append(payload, EncodeOpeningTag(0)...)
	payload = append(payload, EncodeSignedTag(start)...)
	payload = append(payload, EncodeUnsignedTag(count)...)
	payload = append(payload, EncodeClosingTag(0)...)

	ack, err := c.sendConfirmed(ctx, deviceID, ServiceConfirmedAtomicReadFile, payload)
	if err != nil {
		return nil, err
	}

	r := newTagCursor(ack)
	eofV, err := r.appValue()
	if err != nil {
		return nil, err
	}
	eof, ok := eofV.(bool)
	if !ok {
		return nil, fmt.Errorf("%w: atomic read file eof flag %T", ErrInvalidResponse, eofV)
	}
	if err := r.opening(0); err != nil {
		return nil, err
	}
	startV, err := r.appValue()
	if err != nil {
		return nil, err
	}
	dataV, err := r.appValue()
	if err != nil {
		return nil, err
	}
	if err := r.closing(0); err != nil {
		return nil, err
	}

	result := &FileReadResult{EOF: eof}
	switch s := startV.(type) {
	case int32:
		result.Start = s
	case uint32:
		result.Start = int32(s)
	default:
		return nil, fmt.Errorf("%w: atomic read file start %T", ErrInvalidResponse, startV)
	}
	data, ok := dataV.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: atomic read file data %T", ErrInvalidResponse, dataV)
	}
	result.Data = data
	return result, nil
}

// AtomicWriteFile writes data to a file object at the given stream
// position (-1 appends) and returns the position actually written.
func (c *Client) AtomicWriteFile(ctx context.Context, deviceID uint32, fileID ObjectIdentifier, start int32, data []byte) (int32, error) {
	payload := EncodeObjectIdentifierTag(fileID)
	payload = append(payload, EncodeOpeningTag(0)...)
	payload = append(payload, EncodeSignedTag(start)...)
	payload = append(payload, EncodeTag(uint8(TagOctetString), TagClassApplication, len(data))...)
	payload = append(payload, data...)
	payload = append(payload, EncodeClosingTag(0)...)

	ack, err := c.sendConfirmed(ctx, deviceID, ServiceConfirmedAtomicWriteFile, payload)
	if err != nil {
		return 0, err
	}

	r := newTagCursor(ack)
	startPayload, err := r.context(0)
	if err != nil {
		return 0, err
	}
	return DecodeSigned(startPayload)
}

// ReadRange

// ReadRangeResult is the decoded answer to a ReadRange request.
type ReadRangeResult struct {
	ObjectID      ObjectIdentifier
	PropertyID    PropertyIdentifier
	ResultFlags   BitString
	ItemCount     uint32
	Items         []interface{}
	FirstSequence *uint32
}

// ReadRange reads count items of a list property starting at the given
// 1-based position. A negative count reads backwards.
func (c *Client) ReadRange(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, prop PropertyIdentifier, position uint32, count int32) (*ReadRangeResult, error) {
	payload := EncodeContextObjectIdentifier(0, objectID)
	payload = append(payload, EncodeContextUnsigned(1, uint32(prop))...)
	payload = append(payload, EncodeOpeningTag(3)...)
	payload = append(payload, EncodeUnsignedTag(position)...)
	payload = append(payload, EncodeSignedTag(count)...)
	payload = append(payload, EncodeClosingTag(3)...)

	ack, err := c.sendConfirmed(ctx, deviceID, ServiceConfirmedReadRange, payload)
	if err != nil {
		return nil, err
	}
	return parseReadRangeAck(ack)
}

func parseReadRangeAck(payload []byte) (*ReadRangeResult, error) {
	r := newTagCursor(payload)
	result := &ReadRangeResult{}

	oidPayload, err := r.context(0)
	if err != nil {
		return nil, err
	}
	if result.ObjectID, err = contextObjectID(oidPayload); err != nil {
		return nil, err
	}

	propPayload, err := r.context(1)
	if err != nil {
		return nil, err
	}
	propNum, err := contextUnsigned(propPayload)
	if err != nil {
		return nil, err
	}
	result.PropertyID = PropertyIdentifier(propNum)

	// Optional array index, ignored.
	if _, _, err := r.optionalContext(2); err != nil {
		return nil, err
	}

	flagsPayload, err := r.context(3)
	if err != nil {
		return nil, err
	}
	if result.ResultFlags, err = DecodeBitString(flagsPayload); err != nil {
		return nil, err
	}

	countPayload, err := r.context(4)
	if err != nil {
		return nil, err
	}
	if result.ItemCount, err = contextUnsigned(countPayload); err != nil {
		return nil, err
	}

	if err := r.opening(5); err != nil {
		return nil, err
	}
	if result.Items, err = r.valuesUntilClosing(5); err != nil {
		return nil, err
	}

	if seqPayload, ok, err := r.optionalContext(6); err != nil {
		return nil, err
	} else if ok {
		seq, err := contextUnsigned(seqPayload)
		if err != nil {
			return nil, err
		}
		result.FirstSequence = &seq
	}

	return result, nil
}
