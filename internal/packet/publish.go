package packet

import (
	"unicode/utf8"

	"github.com/pyr33x/goqtt/internal/packet/utils"
	"github.com/pyr33x/goqtt/pkg/er"
)

// PublishPacket is a PUBLISH packet, bidirectional: decoded from clients and
// re-encoded by the broker for each matching subscriber.
type PublishPacket struct {
	DUP      bool
	QoS      QoSLevel
	Retain   bool
	Topic    string
	PacketID *uint16 // nil for QoS 0
	Payload  []byte
}

// DecodePublish parses a PUBLISH frame. flags are the fixed-header flags
// (DUP/QoS/RETAIN) from the control byte.
func DecodePublish(flags byte, body []byte) (*PublishPacket, error) {
	pp := &PublishPacket{
		DUP:    flags&0x08 != 0,
		QoS:    QoSLevel((flags & 0x06) >> 1),
		Retain: flags&0x01 != 0,
	}

	if pp.QoS > QoSExactlyOnce {
		return nil, &er.Err{Context: "Publish, QoS", Message: er.ErrInvalidQoSLevel}
	}
	if pp.DUP && pp.QoS == QoSAtMostOnce {
		return nil, &er.Err{Context: "Publish, DUP", Message: er.ErrInvalidDUPFlag}
	}

	topic, offset, err := utils.ParseString(body)
	if err != nil {
		return nil, &er.Err{Context: "Publish, Topic", Message: er.ErrInvalidPublishPacket}
	}
	if topic == "" {
		return nil, &er.Err{Context: "Publish, Topic", Message: er.ErrEmptyTopic}
	}
	if err := validateTopicName(topic); err != nil {
		return nil, err
	}
	pp.Topic = topic

	if pp.QoS != QoSAtMostOnce {
		id, err := utils.ParsePacketID(body[offset:])
		if err != nil {
			return nil, &er.Err{Context: "Publish, PacketID", Message: er.ErrMissingPacketID}
		}
		pp.PacketID = &id
		offset += 2
	}

	if offset > len(body) {
		return nil, &er.Err{Context: "Publish", Message: er.ErrInvalidPublishPacket}
	}

	payload := body[offset:]
	if len(payload) > 0 {
		pp.Payload = append([]byte(nil), payload...)
	}

	return pp, nil
}

// Encode returns the wire representation of the publish. Callers must set
// PacketID before calling when QoS > 0.
func (pp *PublishPacket) Encode() []byte {
	var variable []byte
	variable = append(variable, utils.EncodeString(pp.Topic)...)
	if pp.QoS != QoSAtMostOnce {
		id := uint16(0)
		if pp.PacketID != nil {
			id = *pp.PacketID
		}
		variable = append(variable, utils.EncodePacketID(id)...)
	}
	variable = append(variable, pp.Payload...)

	flags := byte(0)
	if pp.DUP {
		flags |= 0x08
	}
	flags |= byte(pp.QoS) << 1
	if pp.Retain {
		flags |= 0x01
	}

	out := []byte{byte(PUBLISH)<<4 | flags}
	out = append(out, utils.EncodeRemainingLength(len(variable))...)
	out = append(out, variable...)
	return out
}

func containsWildcards(topic string) bool {
	for _, r := range topic {
		if r == '+' || r == '#' {
			return true
		}
	}
	return false
}

func validateTopicName(topic string) error {
	if containsWildcards(topic) {
		return &er.Err{Context: "Publish, Topic", Message: er.ErrWildcardsNotAllowedInPublish}
	}
	if !utf8.ValidString(topic) {
		return &er.Err{Context: "Publish, Topic", Message: er.ErrInvalidUTF8Topic}
	}
	for _, r := range topic {
		if r == 0 {
			return &er.Err{Context: "Publish, Topic", Message: er.ErrNullCharacterInTopic}
		}
		if (r >= 0x0001 && r <= 0x001F) || (r >= 0x007F && r <= 0x009F) {
			return &er.Err{Context: "Publish, Topic", Message: er.ErrControlCharacterInTopic}
		}
	}
	return nil
}
