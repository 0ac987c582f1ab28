package packet

import "github.com/pyr33x/goqtt/internal/packet/utils"

// UnsubackPacket acknowledges an UNSUBSCRIBE.
type UnsubackPacket struct {
	PacketID uint16
}

// Encode returns the 4-byte UNSUBACK wire representation.
func (p *UnsubackPacket) Encode() []byte {
	out := []byte{byte(UNSUBACK) << 4, 0x02}
	out = append(out, utils.EncodePacketID(p.PacketID)...)
	return out
}

// NewUnsubAck builds the UNSUBACK for the given packet id.
func NewUnsubAck(packetID uint16) *UnsubackPacket {
	return &UnsubackPacket{PacketID: packetID}
}
