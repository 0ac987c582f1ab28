package packet

import (
	"github.com/pyr33x/goqtt/internal/packet/utils"
	"github.com/pyr33x/goqtt/pkg/er"
)

// PubackPacket acknowledges a QoS-1 PUBLISH.
type PubackPacket struct {
	PacketID uint16
}

// DecodePuback parses a PUBACK frame's body (always 2 bytes: the packet id).
func DecodePuback(body []byte) (*PubackPacket, error) {
	if len(body) != 2 {
		return nil, &er.Err{Context: "Puback", Message: er.ErrInvalidPacketLength}
	}
	id, err := utils.ParsePacketID(body)
	if err != nil {
		return nil, err
	}
	return &PubackPacket{PacketID: id}, nil
}

// Encode returns the 4-byte PUBACK wire representation.
func (p *PubackPacket) Encode() []byte {
	return []byte{
		byte(PUBACK) << 4,
		0x02,
		byte(p.PacketID >> 8),
		byte(p.PacketID),
	}
}

// NewPubAck builds the PUBACK for a given packet id.
func NewPubAck(packetID uint16) *PubackPacket {
	return &PubackPacket{PacketID: packetID}
}
