// Package utils holds the wire-level primitives shared by every MQTT v3.1.1
// packet codec: the remaining-length varint and the length-prefixed UTF-8
// string field.
package utils

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/pyr33x/goqtt/pkg/er"
)

// MaxRemainingLength is the largest value the 4-byte varint can encode.
const MaxRemainingLength = 268435455

// EncodeRemainingLength encodes length as a 1-4 byte MQTT varint.
func EncodeRemainingLength(length int) []byte {
	if length < 0 || length > MaxRemainingLength {
		return nil
	}

	var encoded []byte
	for {
		b := byte(length % 128)
		length /= 128
		if length > 0 {
			b |= 0x80
		}
		encoded = append(encoded, b)
		if length == 0 {
			break
		}
	}
	return encoded
}

// ParseRemainingLength decodes the varint at the start of data, returning
// the decoded length and the number of bytes it occupied.
func ParseRemainingLength(data []byte) (length int, consumed int, err error) {
	multiplier := 1

	for {
		if consumed >= len(data) {
			return 0, 0, &er.Err{Context: "ParseRemainingLength", Message: er.ErrShortBuffer}
		}
		if consumed >= 4 {
			return 0, 0, &er.Err{Context: "ParseRemainingLength", Message: er.ErrMalformedLength}
		}

		b := data[consumed]
		length += int(b&0x7F) * multiplier
		if length > MaxRemainingLength {
			return 0, 0, &er.Err{Context: "ParseRemainingLength", Message: er.ErrRemainingLengthExceeded}
		}

		multiplier *= 128
		consumed++

		if b&0x80 == 0 {
			break
		}
	}

	return length, consumed, nil
}

// EncodeString encodes s as a 2-byte big-endian length prefix plus bytes.
func EncodeString(s string) []byte {
	out := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(out, uint16(len(s)))
	copy(out[2:], s)
	return out
}

// ParseString decodes a length-prefixed UTF-8 field, rejecting embedded
// nulls and non-shortest-form UTF-8.
func ParseString(data []byte) (s string, consumed int, err error) {
	if len(data) < 2 {
		return "", 0, &er.Err{Context: "ParseString", Message: er.ErrShortBuffer}
	}

	length := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+length {
		return "", 0, &er.Err{Context: "ParseString", Message: er.ErrShortBuffer}
	}

	raw := data[2 : 2+length]
	if !utf8.Valid(raw) {
		return "", 0, &er.Err{Context: "ParseString", Message: er.ErrInvalidUTF8String}
	}

	str := string(raw)
	for _, r := range str {
		if r == 0 {
			return "", 0, &er.Err{Context: "ParseString", Message: er.ErrNullCharacterInString}
		}
	}

	return str, 2 + length, nil
}

// EncodePacketID encodes a 16-bit packet identifier big-endian.
func EncodePacketID(id uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, id)
	return b
}

// ParsePacketID decodes a 16-bit packet identifier, rejecting the reserved
// zero value.
func ParsePacketID(data []byte) (uint16, error) {
	if len(data) < 2 {
		return 0, &er.Err{Context: "ParsePacketID", Message: er.ErrShortBuffer}
	}
	id := binary.BigEndian.Uint16(data[0:2])
	if id == 0 {
		return 0, &er.Err{Context: "ParsePacketID", Message: er.ErrInvalidPacketID}
	}
	return id, nil
}
