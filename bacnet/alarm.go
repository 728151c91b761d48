package bacnet

import (
	"context"
	"fmt"
)

// EventState is the event-state of an alarm-capable object.
type EventState uint32

const (
	EventStateNormal          EventState = 0
	EventStateFault           EventState = 1
	EventStateOffnormal       EventState = 2
	EventStateHighLimit       EventState = 3
	EventStateLowLimit        EventState = 4
	EventStateLifeSafetyAlarm EventState = 5
)

var eventStateNames = map[EventState]string{
	EventStateNormal:          "normal",
	EventStateFault:           "fault",
	EventStateOffnormal:       "offnormal",
	EventStateHighLimit:       "high-limit",
	EventStateLowLimit:        "low-limit",
	EventStateLifeSafetyAlarm: "life-safety-alarm",
}

func (s EventState) String() string {
	if name, ok := eventStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("EventState(%d)", uint32(s))
}

// TimeStamp is the timestamp choice carried by alarm and event
// services: a time of day, an event sequence number, or a full
// date-time.
type TimeStamp struct {
	Time     *Time
	Sequence *uint32
	Date     *Date
}

// TimeStampTime builds the time-of-day choice.
func TimeStampTime(t Time) TimeStamp { return TimeStamp{Time: &t} }

// TimeStampSequence builds the sequence-number choice.
func TimeStampSequence(seq uint32) TimeStamp { return TimeStamp{Sequence: &seq} }

// TimeStampDateTime builds the date-time choice.
func TimeStampDateTime(d Date, t Time) TimeStamp { return TimeStamp{Date: &d, Time: &t} }

func (ts TimeStamp) encode() ([]byte, error) {
	switch {
	case ts.Sequence != nil:
		return EncodeContextUnsigned(1, *ts.Sequence), nil
	case ts.Date != nil && ts.Time != nil:
		out := EncodeOpeningTag(2)
		out = append(out, EncodeDateTag(*ts.Date)...)
		out = append(out, EncodeTimeTag(*ts.Time)...)
		return append(out, EncodeClosingTag(2)...), nil
	case ts.Time != nil:
		t := *ts.Time
		return EncodeContextTag(0, []byte{t.Hour, t.Minute, t.Second, t.Hundredths}), nil
	default:
		return nil, fmt.Errorf("%w: empty timestamp", ErrUnsupportedType)
	}
}

// decodeTimeStamp consumes a timestamp choice wrapped in the given
// context tag.
func decodeTimeStamp(r *tagCursor, num uint8) (TimeStamp, error) {
	if err := r.opening(num); err != nil {
		return TimeStamp{}, err
	}

	var ts TimeStamp
	switch {
	case r.tryOpening(2):
		dv, err := r.appValue()
		if err != nil {
			return TimeStamp{}, err
		}
		tv, err := r.appValue()
		if err != nil {
			return TimeStamp{}, err
		}
		d, dok := dv.(Date)
		tod, tok := tv.(Time)
		if !dok || !tok {
			return TimeStamp{}, fmt.Errorf("%w: timestamp date-time", ErrInvalidTag)
		}
		if err := r.closing(2); err != nil {
			return TimeStamp{}, err
		}
		ts = TimeStampDateTime(d, tod)
	default:
		if payload, ok, err := r.optionalContext(0); err != nil {
			return TimeStamp{}, err
		} else if ok {
			if len(payload) != 4 {
				return TimeStamp{}, fmt.Errorf("%w: timestamp time length %d", ErrInvalidTag, len(payload))
			}
			ts = TimeStampTime(Time{Hour: payload[0], Minute: payload[1], Second: payload[2], Hundredths: payload[3]})
		} else if payload, ok, err := r.optionalContext(1); err != nil {
			return TimeStamp{}, err
		} else if ok {
			seq, err := DecodeUnsigned(payload)
			if err != nil {
				return TimeStamp{}, err
			}
			ts = TimeStampSequence(seq)
		} else {
			return TimeStamp{}, fmt.Errorf("%w: timestamp choice", ErrInvalidTag)
		}
	}

	if err := r.closing(num); err != nil {
		return TimeStamp{}, err
	}
	return ts, nil
}

// AlarmSummary is one entry of a GetAlarmSummary answer.
type AlarmSummary struct {
	ObjectID                ObjectIdentifier
	AlarmState              EventState
	AcknowledgedTransitions BitString
}

// GetAlarmSummary asks a device for its objects currently in alarm.
func (c *Client) GetAlarmSummary(ctx context.Context, deviceID uint32) ([]AlarmSummary, error) {
	ack, err := c.sendConfirmed(ctx, deviceID, ServiceConfirmedGetAlarmSummary, nil)
	if err != nil {
		return nil, err
	}
	return parseAlarmSummaryAck(ack)
}

func parseAlarmSummaryAck(payload []byte) ([]AlarmSummary, error) {
	r := newTagCursor(payload)
	var summaries []AlarmSummary

	for !r.atEnd() {
		var s AlarmSummary

		oidPayload, err := r.context(0)
		if err != nil {
			return nil, err
		}
		if s.ObjectID, err = contextObjectID(oidPayload); err != nil {
			return nil, err
		}

		statePayload, err := r.context(1)
		if err != nil {
			return nil, err
		}
		state, err := contextUnsigned(statePayload)
		if err != nil {
			return nil, err
		}
		s.AlarmState = EventState(state)

		flagsPayload, err := r.context(2)
		if err != nil {
			return nil, err
		}
		if s.AcknowledgedTransitions, err = DecodeBitString(flagsPayload); err != nil {
			return nil, err
		}

		summaries = append(summaries, s)
	}
	return summaries, nil
}

// EventSummary is one entry of a GetEventInformation answer. The
// per-transition event timestamps are not decoded.
type EventSummary struct {
	ObjectID                ObjectIdentifier
	EventState              EventState
	AcknowledgedTransitions BitString
	NotifyType              uint32
	EventEnable             BitString
	Priorities              [3]uint32
}

// EventInformation is a page of a device's active-event listing.
type EventInformation struct {
	Summaries  []EventSummary
	MoreEvents bool
}

// GetEventInformation asks a device for its objects with active event
// state. When MoreEvents is set, pass the last returned object id to
// fetch the next page.
func (c *Client) GetEventInformation(ctx context.Context, deviceID uint32, lastReceived *ObjectIdentifier) (*EventInformation, error) {
	var payload []byte
	if lastReceived != nil {
		payload = EncodeContextObjectIdentifier(0, *lastReceived)
	}

	ack, err := c.sendConfirmed(ctx, deviceID, ServiceConfirmedGetEventInformation, payload)
	if err != nil {
		return nil, err
	}
	return parseEventInformationAck(ack)
}

func parseEventInformationAck(payload []byte) (*EventInformation, error) {
	r := newTagCursor(payload)
	result := &EventInformation{}

	if err := r.opening(0); err != nil {
		return nil, err
	}
	for !r.tryClosing(0) {
		if r.atEnd() {
			return nil, fmt.Errorf("%w: unterminated event summary list", ErrInvalidTag)
		}
		var s EventSummary

		oidPayload, err := r.context(0)
		if err != nil {
			return nil, err
		}
		if s.ObjectID, err = contextObjectID(oidPayload); err != nil {
			return nil, err
		}

		statePayload, err := r.context(1)
		if err != nil {
			return nil, err
		}
		state, err := contextUnsigned(statePayload)
		if err != nil {
			return nil, err
		}
		s.EventState = EventState(state)

		ackedPayload, err := r.context(2)
		if err != nil {
			return nil, err
		}
		if s.AcknowledgedTransitions, err = DecodeBitString(ackedPayload); err != nil {
			return nil, err
		}

		// Event timestamps group, skipped.
		if err := r.opening(3); err != nil {
			return nil, err
		}
		if err := r.skipGroup(3); err != nil {
			return nil, err
		}

		notifyPayload, err := r.context(4)
		if err != nil {
			return nil, err
		}
		if s.NotifyType, err = contextUnsigned(notifyPayload); err != nil {
			return nil, err
		}

		enablePayload, err := r.context(5)
		if err != nil {
			return nil, err
		}
		if s.EventEnable, err = DecodeBitString(enablePayload); err != nil {
			return nil, err
		}

		if err := r.opening(6); err != nil {
			return nil, err
		}
		for i := range s.Priorities {
			v, err := r.appValue()
			if err != nil {
				return nil, err
			}
			prio, ok := v.(uint32)
			if !ok {
				return nil, fmt.Errorf("%w: event priority %T", ErrInvalidResponse, v)
			}
			s.Priorities[i] = prio
		}
		if err := r.closing(6); err != nil {
			return nil, err
		}

		result.Summaries = append(result.Summaries, s)
	}

	morePayload, err := r.context(1)
	if err != nil {
		return nil, err
	}
	if len(morePayload) == 0 {
		result.MoreEvents = true
	} else {
		v, err := DecodeUnsigned(morePayload)
		if err != nil {
			return nil, err
		}
		result.MoreEvents = v != 0
	}
	return result, nil
}

// EventNotification is a decoded ConfirmedEventNotification or
// UnconfirmedEventNotification request. The event-values group is not
// decoded.
type EventNotification struct {
	ProcessID         uint32
	InitiatingDevice  ObjectIdentifier
	EventObject       ObjectIdentifier
	TimeStamp         TimeStamp
	NotificationClass uint32
	Priority          uint32
	EventType         uint32
	MessageText       string
	NotifyType        uint32
	AckRequired       bool
	FromState         EventState
	ToState           EventState
	Confirmed         bool
}

// OnEvent registers a handler for incoming event notifications. The
// returned function unregisters it.
func (c *Client) OnEvent(handler func(EventNotification)) func() {
	c.eventMu.Lock()
	c.nextEventSub++
	id := c.nextEventSub
	c.eventHandlers[id] = handler
	c.eventMu.Unlock()
	return func() {
		c.eventMu.Lock()
		delete(c.eventHandlers, id)
		c.eventMu.Unlock()
	}
}

func parseEventNotification(payload []byte) (EventNotification, error) {
	r := newTagCursor(payload)
	var n EventNotification

	procPayload, err := r.context(0)
	if err != nil {
		return n, err
	}
	if n.ProcessID, err = contextUnsigned(procPayload); err != nil {
		return n, err
	}

	devPayload, err := r.context(1)
	if err != nil {
		return n, err
	}
	if n.InitiatingDevice, err = contextObjectID(devPayload); err != nil {
		return n, err
	}

	objPayload, err := r.context(2)
	if err != nil {
		return n, err
	}
	if n.EventObject, err = contextObjectID(objPayload); err != nil {
		return n, err
	}

	if n.TimeStamp, err = decodeTimeStamp(r, 3); err != nil {
		return n, err
	}

	for _, field := range []struct {
		num uint8
		dst *uint32
	}{{4, &n.NotificationClass}, {5, &n.Priority}, {6, &n.EventType}} {
		p, err := r.context(field.num)
		if err != nil {
			return n, err
		}
		if *field.dst, err = contextUnsigned(p); err != nil {
			return n, err
		}
	}

	if textPayload, ok, err := r.optionalContext(7); err != nil {
		return n, err
	} else if ok {
		if n.MessageText, err = DecodeCharacterString(textPayload); err != nil {
			return n, err
		}
	}

	notifyPayload, err := r.context(8)
	if err != nil {
		return n, err
	}
	if n.NotifyType, err = contextUnsigned(notifyPayload); err != nil {
		return n, err
	}

	// Ack-required is a context boolean: the value rides in the length
	// bits with no payload octets.
	if !r.atEnd() {
		tag, headerLen, err := r.peek()
		if err != nil {
			return n, err
		}
		if tag.Class == TagClassContext && tag.Number == 9 && tag.Length >= 0 {
			n.AckRequired = tag.Length != 0
			r.off += headerLen
		}
	}

	fromPayload, err := r.context(10)
	if err != nil {
		return n, err
	}
	from, err := contextUnsigned(fromPayload)
	if err != nil {
		return n, err
	}
	n.FromState = EventState(from)

	toPayload, err := r.context(11)
	if err != nil {
		return n, err
	}
	to, err := contextUnsigned(toPayload)
	if err != nil {
		return n, err
	}
	n.ToState = EventState(to)

	if r.tryOpening(12) {
		if err := r.skipGroup(12); err != nil {
			return n, err
		}
	}
	return n, nil
}

// AlarmAck identifies the event transition being acknowledged.
type AlarmAck struct {
	ProcessID      uint32
	EventObject    ObjectIdentifier
	EventState     EventState
	EventTimeStamp TimeStamp
	Source         string
	AckTimeStamp   TimeStamp
}

// AcknowledgeAlarm acknowledges one event transition on a device.
func (c *Client) AcknowledgeAlarm(ctx context.Context, deviceID uint32, ack AlarmAck) error {
	eventTS, err := ack.EventTimeStamp.encode()
	if err != nil {
		return err
	}
	ackTS, err := ack.AckTimeStamp.encode()
	if err != nil {
		return err
	}

	payload := EncodeContextUnsigned(0, ack.ProcessID)
	payload = append(payload, EncodeContextObjectIdentifier(1, ack.EventObject)...)
	payload = append(payload, EncodeContextUnsigned(2, uint32(ack.EventState))...)
	payload = append(payload, EncodeOpeningTag(3)...)
	payload = append(payload, eventTS...)
	payload = append(payload, EncodeClosingTag(3)...)
	payload = append(payload, EncodeContextCharacterString(4, ack.Source)...)
	payload = append(payload, EncodeOpeningTag(5)...)
	payload = append(payload, ackTS...)
	payload = append(payload, EncodeClosingTag(5)...)

	_, err = c.sendConfirmed(ctx, deviceID, ServiceConfirmedAcknowledgeAlarm, payload)
	return err
}
