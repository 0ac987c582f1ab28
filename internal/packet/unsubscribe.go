package packet

import (
	"github.com/pyr33x/goqtt/internal/packet/utils"
	"github.com/pyr33x/goqtt/pkg/er"
)

// UnsubscribePacket is the client-to-server UNSUBSCRIBE packet.
type UnsubscribePacket struct {
	PacketID     uint16
	TopicFilters []string
}

// DecodeUnsubscribe parses an UNSUBSCRIBE frame. flags must be 0010.
func DecodeUnsubscribe(flags byte, body []byte) (*UnsubscribePacket, error) {
	if flags != 0x02 {
		return nil, &er.Err{Context: "Unsubscribe, Flags", Message: er.ErrInvalidUnsubscribeFlags}
	}
	if len(body) < 2 {
		return nil, &er.Err{Context: "Unsubscribe", Message: er.ErrInvalidUnsubscribePacket}
	}

	up := &UnsubscribePacket{}
	id, err := utils.ParsePacketID(body)
	if err != nil {
		return nil, &er.Err{Context: "Unsubscribe, PacketID", Message: er.ErrMissingPacketID}
	}
	up.PacketID = id
	offset := 2

	for offset < len(body) {
		topic, n, err := utils.ParseString(body[offset:])
		if err != nil {
			return nil, &er.Err{Context: "Unsubscribe, Filter", Message: er.ErrInvalidUnsubscribePacket}
		}
		offset += n
		if topic == "" {
			return nil, &er.Err{Context: "Unsubscribe, Filter", Message: er.ErrEmptyTopicFilter}
		}
		if err := validateTopicFilter(topic); err != nil {
			return nil, err
		}
		up.TopicFilters = append(up.TopicFilters, topic)
	}

	if len(up.TopicFilters) == 0 {
		return nil, &er.Err{Context: "Unsubscribe", Message: er.ErrNoTopicFilters}
	}

	return up, nil
}
