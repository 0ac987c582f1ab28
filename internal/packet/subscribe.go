package packet

import (
	"unicode/utf8"

	"github.com/pyr33x/goqtt/internal/packet/utils"
	"github.com/pyr33x/goqtt/pkg/er"
)

// SubscribeFilter pairs a topic filter with its requested QoS.
type SubscribeFilter struct {
	Topic string
	QoS   QoSLevel
}

// SubscribePacket is the client-to-server SUBSCRIBE packet.
type SubscribePacket struct {
	PacketID uint16
	Filters  []SubscribeFilter
}

// DecodeSubscribe parses a SUBSCRIBE frame. flags must be 0010 per §4.1.
func DecodeSubscribe(flags byte, body []byte) (*SubscribePacket, error) {
	if flags != 0x02 {
		return nil, &er.Err{Context: "Subscribe, Flags", Message: er.ErrInvalidSubscribeFlags}
	}
	if len(body) < 2 {
		return nil, &er.Err{Context: "Subscribe", Message: er.ErrInvalidSubscribePacket}
	}

	sp := &SubscribePacket{}
	id, err := utils.ParsePacketID(body)
	if err != nil {
		return nil, &er.Err{Context: "Subscribe, PacketID", Message: er.ErrMissingPacketID}
	}
	sp.PacketID = id
	offset := 2

	for offset < len(body) {
		topic, n, err := utils.ParseString(body[offset:])
		if err != nil {
			return nil, &er.Err{Context: "Subscribe, Filter", Message: er.ErrInvalidSubscribePacket}
		}
		offset += n
		if topic == "" {
			return nil, &er.Err{Context: "Subscribe, Filter", Message: er.ErrEmptyTopicFilter}
		}
		if err := validateTopicFilter(topic); err != nil {
			return nil, err
		}

		if offset >= len(body) {
			return nil, &er.Err{Context: "Subscribe, QoS", Message: er.ErrMissingQoSByte}
		}
		qosByte := body[offset]
		offset++
		if qosByte&0xFC != 0 {
			return nil, &er.Err{Context: "Subscribe, QoS", Message: er.ErrInvalidQoSReservedBits}
		}
		qos := QoSLevel(qosByte & 0x03)
		if qos > QoSExactlyOnce {
			return nil, &er.Err{Context: "Subscribe, QoS", Message: er.ErrInvalidQoSLevel}
		}

		sp.Filters = append(sp.Filters, SubscribeFilter{Topic: topic, QoS: qos})
	}

	if len(sp.Filters) == 0 {
		return nil, &er.Err{Context: "Subscribe", Message: er.ErrNoTopicFilters}
	}

	return sp, nil
}

func validateTopicFilter(filter string) error {
	if !utf8.ValidString(filter) {
		return &er.Err{Context: "TopicFilter", Message: er.ErrInvalidUTF8TopicFilter}
	}
	for _, r := range filter {
		if r == 0 {
			return &er.Err{Context: "TopicFilter", Message: er.ErrNullCharacterInTopicFilter}
		}
		if (r >= 0x0001 && r <= 0x001F) || (r >= 0x007F && r <= 0x009F) {
			return &er.Err{Context: "TopicFilter", Message: er.ErrControlCharacterInTopicFilter}
		}
	}
	return validateWildcards(filter)
}

func validateWildcards(filter string) error {
	runes := []rune(filter)
	for i, r := range runes {
		switch r {
		case '#':
			if i != len(runes)-1 {
				return &er.Err{Context: "TopicFilter, Wildcard", Message: er.ErrMultiLevelWildcardNotLast}
			}
			if i > 0 && runes[i-1] != '/' {
				return &er.Err{Context: "TopicFilter, Wildcard", Message: er.ErrMultiLevelWildcardNotAlone}
			}
		case '+':
			if i > 0 && runes[i-1] != '/' {
				return &er.Err{Context: "TopicFilter, Wildcard", Message: er.ErrSingleLevelWildcardNotAlone}
			}
			if i < len(runes)-1 && runes[i+1] != '/' {
				return &er.Err{Context: "TopicFilter, Wildcard", Message: er.ErrSingleLevelWildcardNotAlone}
			}
		}
	}
	return nil
}
