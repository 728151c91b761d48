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
	"math"
	"unicode/utf8"
)

// TagClass distinguishes application from context-specific tags.
type TagClass uint8

const (
	TagClassApplication TagClass = 0
	TagClassContext     TagClass = 1
)

// ApplicationTag numbers the primitive application datatypes.
type ApplicationTag uint8

const (
	TagNull            ApplicationTag = 0
	TagBoolean         ApplicationTag = 1
	TagUnsignedInt     ApplicationTag = 2
	TagSignedInt       ApplicationTag = 3
	TagReal            ApplicationTag = 4
	TagDouble          ApplicationTag = 5
	TagOctetString     ApplicationTag = 6
	TagCharacterString ApplicationTag = 7
	TagBitString       ApplicationTag = 8
	TagEnumerated      ApplicationTag = 9
	TagDate            ApplicationTag = 10
	TagTime            ApplicationTag = 11
	TagObjectID        ApplicationTag = 12
)

// Tag length values for opening and closing tags as reported by DecodeTag.
const (
	TagLengthOpening = -1
	TagLengthClosing = -2
)

// Tag is one decoded tag header. Length is the payload octet count, or
// TagLengthOpening/TagLengthClosing for constructed-data delimiters.
type Tag struct {
	Number uint8
	Class  TagClass
	Length int
}

// IsOpening reports whether the tag opens constructed data.
func (t Tag) IsOpening() bool { return t.Length == TagLengthOpening }

// IsClosing reports whether the tag closes constructed data.
func (t Tag) IsClosing() bool { return t.Length == TagLengthClosing }

// EncodeTag encodes a tag header. Tag numbers 15 and above use the
// extension byte; lengths 5 and above use the extended length forms
// (one byte below 254, 254 plus two bytes below 65536, 255 plus four
// bytes otherwise).
func EncodeTag(tagNum uint8, class TagClass, length int) []byte {
	buf := make([]byte, 0, 7)

	initial := uint8(class) << 3
	if tagNum < 15 {
		initial |= tagNum << 4
	} else {
		initial |= 0xF0
	}
	if length < 5 {
		initial |= uint8(length)
	} else {
		initial |= 0x05
	}
	buf = append(buf, initial)

	if tagNum >= 15 {
		buf = append(buf, tagNum)
	}

	if length >= 5 {
		switch {
		case length < 254:
			buf = append(buf, byte(length))
		case length < 65536:
			buf = append(buf, 254, byte(length>>8), byte(length))
		default:
			buf = append(buf, 255, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
		}
	}

	return buf
}

// EncodeOpeningTag encodes the opening delimiter of constructed data.
func EncodeOpeningTag(tagNum uint8) []byte {
	if tagNum < 15 {
		return []byte{(tagNum << 4) | 0x0E}
	}
	return []byte{0xFE, tagNum}
}

// EncodeClosingTag encodes the closing delimiter of constructed data.
func EncodeClosingTag(tagNum uint8) []byte {
	if tagNum < 15 {
		return []byte{(tagNum << 4) | 0x0F}
	}
	return []byte{0xFF, tagNum}
}

// EncodeContextTag encodes a context tag header followed by its payload.
func EncodeContextTag(tagNum uint8, data []byte) []byte {
	tag := EncodeTag(tagNum, TagClassContext, len(data))
	return append(tag, data...)
}

// DecodeTag decodes one tag header, returning the tag and the header
// length in octets. The payload, if any, follows the header.
func DecodeTag(data []byte) (Tag, int, error) {
	if len(data) < 1 {
		return Tag{}, 0, ErrInvalidTag
	}

	t := Tag{
		Number: (data[0] >> 4) & 0x0F,
		Class:  TagClass((data[0] >> 3) & 0x01),
		Length: int(data[0] & 0x07),
	}
	headerLen := 1

	if t.Number == 0x0F {
		if len(data) < 2 {
			return Tag{}, 0, ErrInvalidTag
		}
		t.Number = data[1]
		headerLen = 2
	}

	if t.Class == TagClassContext {
		switch data[0] & 0x07 {
		case 0x06:
			t.Length = TagLengthOpening
			return t, headerLen, nil
		case 0x07:
			t.Length = TagLengthClosing
			return t, headerLen, nil
		}
	}

	if t.Length == 5 {
		if len(data) < headerLen+1 {
			return Tag{}, 0, ErrInvalidTag
		}
		switch ext := data[headerLen]; {
		case ext < 254:
			t.Length = int(ext)
			headerLen++
		case ext == 254:
			if len(data) < headerLen+3 {
				return Tag{}, 0, ErrInvalidTag
			}
			t.Length = int(binary.BigEndian.Uint16(data[headerLen+1:]))
			headerLen += 3
		default:
			if len(data) < headerLen+5 {
				return Tag{}, 0, ErrInvalidTag
			}
			t.Length = int(binary.BigEndian.Uint32(data[headerLen+1:]))
			headerLen += 5
		}
	}

	// Application-tagged booleans carry the value in the length bits
	// with no payload octets.
	isAppBoolean := t.Class == TagClassApplication && t.Number == uint8(TagBoolean)
	if !isAppBoolean && t.Length > len(data)-headerLen {
		return Tag{}, 0, fmt.Errorf("%w: declared length %d exceeds %d remaining", ErrInvalidTag, t.Length, len(data)-headerLen)
	}

	return t, headerLen, nil
}

// EncodeUnsigned encodes an unsigned integer in the fewest octets.
func EncodeUnsigned(value uint32) []byte {
	switch {
	case value < 0x100:
		return []byte{byte(value)}
	case value < 0x10000:
		return []byte{byte(value >> 8), byte(value)}
	case value < 0x1000000:
		return []byte{byte(value >> 16), byte(value >> 8), byte(value)}
	default:
		return []byte{byte(value >> 24), byte(value >> 16), byte(value >> 8), byte(value)}
	}
}

// DecodeUnsigned decodes a 1-4 octet big-endian unsigned integer.
func DecodeUnsigned(data []byte) (uint32, error) {
	switch len(data) {
	case 1:
		return uint32(data[0]), nil
	case 2:
		return uint32(binary.BigEndian.Uint16(data)), nil
	case 3:
		return uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2]), nil
	case 4:
		return binary.BigEndian.Uint32(data), nil
	default:
		return 0, fmt.Errorf("%w: unsigned length %d", ErrInvalidTag, len(data))
	}
}

// EncodeSigned encodes a signed integer in the fewest octets.
func EncodeSigned(value int32) []byte {
	switch {
	case value >= -128 && value < 128:
		return []byte{byte(value)}
	case value >= -32768 && value < 32768:
		return []byte{byte(value >> 8), byte(value)}
	case value >= -8388608 && value < 8388608:
		return []byte{byte(value >> 16), byte(value >> 8), byte(value)}
	default:
		return []byte{byte(value >> 24), byte(value >> 16), byte(value >> 8), byte(value)}
	}
}

// DecodeSigned decodes a 1-4 octet sign-extended integer.
func DecodeSigned(data []byte) (int32, error) {
	switch len(data) {
	case 1:
		return int32(int8(data[0])), nil
	case 2:
		return int32(int16(binary.BigEndian.Uint16(data))), nil
	case 3:
		v := uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2])
		if data[0]&0x80 != 0 {
			v |= 0xFF000000
		}
		return int32(v), nil
	case 4:
		return int32(binary.BigEndian.Uint32(data)), nil
	default:
		return 0, fmt.Errorf("%w: signed length %d", ErrInvalidTag, len(data))
	}
}

// EncodeReal encodes an IEEE 754 single as 4 big-endian octets.
func EncodeReal(value float32) []byte {
	bits := math.Float32bits(value)
	return []byte{byte(bits >> 24), byte(bits >> 16), byte(bits >> 8), byte(bits)}
}

// DecodeReal decodes an IEEE 754 single.
func DecodeReal(data []byte) (float32, error) {
	if len(data) != 4 {
		return 0, fmt.Errorf("%w: real length %d", ErrInvalidTag, len(data))
	}
	return math.Float32frombits(binary.BigEndian.Uint32(data)), nil
}

// EncodeDouble encodes an IEEE 754 double as 8 big-endian octets.
func EncodeDouble(value float64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(value))
	return buf
}

// DecodeDouble decodes an IEEE 754 double.
func DecodeDouble(data []byte) (float64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("%w: double length %d", ErrInvalidTag, len(data))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
}

// EncodeCharacterString encodes a string with the leading character set
// octet. Character set 0 (UTF-8) is the only set produced.
func EncodeCharacterString(s string) []byte {
	data := make([]byte, 1+len(s))
	data[0] = 0
	copy(data[1:], s)
	return data
}

// DecodeCharacterString decodes a character string payload. Character
// sets other than 0 are not supported.
func DecodeCharacterString(data []byte) (string, error) {
	if len(data) < 1 {
		return "", fmt.Errorf("%w: empty character string payload", ErrInvalidTag)
	}
	if data[0] != 0 {
		return "", fmt.Errorf("%w: character set %d", ErrUnsupportedType, data[0])
	}
	if !utf8.Valid(data[1:]) {
		return "", fmt.Errorf("%w: invalid UTF-8", ErrInvalidTag)
	}
	return string(data[1:]), nil
}

// EncodeBitString encodes a bit string payload: unused-bits octet then
// the raw bytes.
func EncodeBitString(b BitString) ([]byte, error) {
	if b.UnusedBits > 7 {
		return nil, fmt.Errorf("%w: %d unused bits", ErrUnsupportedType, b.UnusedBits)
	}
	data := make([]byte, 1+len(b.Data))
	data[0] = b.UnusedBits
	copy(data[1:], b.Data)
	return data, nil
}

// DecodeBitString decodes a bit string payload.
func DecodeBitString(data []byte) (BitString, error) {
	if len(data) < 1 {
		return BitString{}, fmt.Errorf("%w: empty bit string payload", ErrInvalidTag)
	}
	if data[0] > 7 {
		return BitString{}, fmt.Errorf("%w: %d unused bits", ErrInvalidTag, data[0])
	}
	out := BitString{UnusedBits: data[0], Data: make([]byte, len(data)-1)}
	copy(out.Data, data[1:])
	return out, nil
}

// Tagged encode helpers used by the service builders.

// EncodeUnsignedTag encodes an application-tagged unsigned integer.
func EncodeUnsignedTag(value uint32) []byte {
	data := EncodeUnsigned(value)
	return append(EncodeTag(uint8(TagUnsignedInt), TagClassApplication, len(data)), data...)
}

// EncodeSignedTag encodes an application-tagged signed integer.
func EncodeSignedTag(value int32) []byte {
	data := EncodeSigned(value)
	return append(EncodeTag(uint8(TagSignedInt), TagClassApplication, len(data)), data...)
}

// EncodeRealTag encodes an application-tagged real.
func EncodeRealTag(value float32) []byte {
	return append(EncodeTag(uint8(TagReal), TagClassApplication, 4), EncodeReal(value)...)
}

// EncodeBooleanTag encodes an application-tagged boolean. The value
// rides in the length field.
func EncodeBooleanTag(value bool) []byte {
	if value {
		return []byte{0x11}
	}
	return []byte{0x10}
}

// EncodeEnumeratedTag encodes an application-tagged enumerated value.
func EncodeEnumeratedTag(value uint32) []byte {
	data := EncodeUnsigned(value)
	return append(EncodeTag(uint8(TagEnumerated), TagClassApplication, len(data)), data...)
}

// EncodeCharacterStringTag encodes an application-tagged string.
func EncodeCharacterStringTag(s string) []byte {
	data := EncodeCharacterString(s)
	return append(EncodeTag(uint8(TagCharacterString), TagClassApplication, len(data)), data...)
}

// EncodeObjectIdentifierTag encodes an application-tagged object id.
func EncodeObjectIdentifierTag(oid ObjectIdentifier) []byte {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, oid.Encode())
	return append(EncodeTag(uint8(TagObjectID), TagClassApplication, 4), data...)
}

// EncodeDateTag encodes an application-tagged date.
func EncodeDateTag(d Date) []byte {
	return append(EncodeTag(uint8(TagDate), TagClassApplication, 4), d.Year, d.Month, d.Day, d.Weekday)
}

// EncodeTimeTag encodes an application-tagged time.
func EncodeTimeTag(t Time) []byte {
	return append(EncodeTag(uint8(TagTime), TagClassApplication, 4), t.Hour, t.Minute, t.Second, t.Hundredths)
}

// EncodeContextUnsigned encodes a context-tagged unsigned integer.
func EncodeContextUnsigned(tagNum uint8, value uint32) []byte {
	return EncodeContextTag(tagNum, EncodeUnsigned(value))
}

// EncodeContextSigned encodes a context-tagged signed integer.
func EncodeContextSigned(tagNum uint8, value int32) []byte {
	return EncodeContextTag(tagNum, EncodeSigned(value))
}

// EncodeContextEnumerated encodes a context-tagged enumerated value.
func EncodeContextEnumerated(tagNum uint8, value uint32) []byte {
	return EncodeContextTag(tagNum, EncodeUnsigned(value))
}

// EncodeContextBoolean encodes a context-tagged boolean.
func EncodeContextBoolean(tagNum uint8, value bool) []byte {
	v := byte(0)
	if value {
		v = 1
	}
	return EncodeContextTag(tagNum, []byte{v})
}

// EncodeContextObjectIdentifier encodes a context-tagged object id.
func EncodeContextObjectIdentifier(tagNum uint8, oid ObjectIdentifier) []byte {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, oid.Encode())
	return EncodeContextTag(tagNum, data)
}

// EncodeContextCharacterString encodes a context-tagged string.
func EncodeContextCharacterString(tagNum uint8, s string) []byte {
	return EncodeContextTag(tagNum, EncodeCharacterString(s))
}

// EncodeApplicationValue encodes a Go value as one application-tagged
// value. Supported types: nil, bool, uint32, int32, float32, float64,
// []byte, string, BitString, Date, Time, ObjectIdentifier, and
// Constructed for nested groups.
func EncodeApplicationValue(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return []byte{0x00}, nil
	case bool:
		return EncodeBooleanTag(v), nil
	case uint32:
		return EncodeUnsignedTag(v), nil
	case uint:
		return EncodeUnsignedTag(uint32(v)), nil
	case int32:
		if v >= 0 {
			return EncodeUnsignedTag(uint32(v)), nil
		}
		return EncodeSignedTag(v), nil
	case int:
		if v >= 0 {
			return EncodeUnsignedTag(uint32(v)), nil
		}
		return EncodeSignedTag(int32(v)), nil
	case float32:
		return EncodeRealTag(v), nil
	case float64:
		data := EncodeDouble(v)
		return append(EncodeTag(uint8(TagDouble), TagClassApplication, 8), data...), nil
	case []byte:
		return append(EncodeTag(uint8(TagOctetString), TagClassApplication, len(v)), v...), nil
	case string:
		return EncodeCharacterStringTag(v), nil
	case BitString:
		data, err := EncodeBitString(v)
		if err != nil {
			return nil, err
		}
		return append(EncodeTag(uint8(TagBitString), TagClassApplication, len(data)), data...), nil
	case Date:
		return EncodeDateTag(v), nil
	case Time:
		return EncodeTimeTag(v), nil
	case ObjectIdentifier:
		return EncodeObjectIdentifierTag(v), nil
	case Constructed:
		buf := EncodeOpeningTag(v.TagNumber)
		for _, child := range v.Values {
			enc, err := EncodeApplicationValue(child)
			if err != nil {
				return nil, err
			}
			buf = append(buf, enc...)
		}
		return append(buf, EncodeClosingTag(v.TagNumber)...), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, value)
	}
}

// DecodeApplicationValue decodes one application-tagged value and
// returns it with the number of octets consumed. Opening tags decode
// recursively into Constructed.
func DecodeApplicationValue(data []byte) (interface{}, int, error) {
	tag, headerLen, err := DecodeTag(data)
	if err != nil {
		return nil, 0, err
	}
	return decodeApplicationValueTag(data, tag, headerLen)
}

func decodeApplicationValueTag(data []byte, tag Tag, headerLen int) (interface{}, int, error) {
	if tag.IsOpening() {
		values := []interface{}{}
		offset := headerLen
		for {
			if offset >= len(data) {
				return nil, 0, fmt.Errorf("%w: unterminated constructed data", ErrInvalidTag)
			}
			child, childHeader, err := DecodeTag(data[offset:])
			if err != nil {
				return nil, 0, err
			}
			if child.IsClosing() && child.Number == tag.Number {
				offset += childHeader
				break
			}
			v, n, err := decodeApplicationValueTag(data[offset:], child, childHeader)
			if err != nil {
				return nil, 0, err
			}
			values = append(values, v)
			offset += n
		}
		return Constructed{TagNumber: tag.Number, Values: values}, offset, nil
	}

	if tag.Class != TagClassApplication {
		return nil, 0, fmt.Errorf("%w: expected application tag, got context tag %d", ErrInvalidTag, tag.Number)
	}

	// Booleans carry the value in the length bits with no payload
	// octets, so they must not be sliced like the other tags.
	if ApplicationTag(tag.Number) == TagBoolean {
		return tag.Length != 0, headerLen, nil
	}

	payload := data[headerLen : headerLen+tag.Length]
	consumed := headerLen + tag.Length

	switch ApplicationTag(tag.Number) {
	case TagNull:
		return nil, consumed, nil
	case TagUnsignedInt:
		v, err := DecodeUnsigned(payload)
		return v, consumed, err
	case TagSignedInt:
		v, err := DecodeSigned(payload)
		return v, consumed, err
	case TagReal:
		v, err := DecodeReal(payload)
		return v, consumed, err
	case TagDouble:
		v, err := DecodeDouble(payload)
		return v, consumed, err
	case TagOctetString:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, consumed, nil
	case TagCharacterString:
		v, err := DecodeCharacterString(payload)
		return v, consumed, err
	case TagBitString:
		v, err := DecodeBitString(payload)
		return v, consumed, err
	case TagEnumerated:
		v, err := DecodeUnsigned(payload)
		return v, consumed, err
	case TagDate:
		if tag.Length != 4 {
			return nil, 0, fmt.Errorf("%w: date length %d", ErrInvalidTag, tag.Length)
		}
		return Date{Year: payload[0], Month: payload[1], Day: payload[2], Weekday: payload[3]}, consumed, nil
	case TagTime:
		if tag.Length != 4 {
			return nil, 0, fmt.Errorf("%w: time length %d", ErrInvalidTag, tag.Length)
		}
		return Time{Hour: payload[0], Minute: payload[1], Second: payload[2], Hundredths: payload[3]}, consumed, nil
	case TagObjectID:
		if tag.Length != 4 {
			return nil, 0, fmt.Errorf("%w: object id length %d", ErrInvalidTag, tag.Length)
		}
		return DecodeObjectIdentifier(binary.BigEndian.Uint32(payload)), consumed, nil
	default:
		return nil, 0, fmt.Errorf("%w: application tag %d", ErrUnsupportedType, tag.Number)
	}
}
