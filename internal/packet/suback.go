package packet

import (
	"github.com/pyr33x/goqtt/internal/packet/utils"
)

// SUBACK return codes.
const (
	SubackMaxQoS0 byte = 0x00
	SubackMaxQoS1 byte = 0x01
	SubackFailure byte = 0x80
)

// SubackPacket acknowledges a SUBSCRIBE with one return code per filter.
type SubackPacket struct {
	PacketID    uint16
	ReturnCodes []byte
}

// Encode returns the wire representation of the SUBACK.
func (p *SubackPacket) Encode() []byte {
	var variable []byte
	variable = append(variable, utils.EncodePacketID(p.PacketID)...)
	variable = append(variable, p.ReturnCodes...)

	out := []byte{byte(SUBACK) << 4}
	out = append(out, utils.EncodeRemainingLength(len(variable))...)
	out = append(out, variable...)
	return out
}

// grantedCode maps a granted QoS to its SUBACK return code. Subscriptions
// are never rejected by this broker (no ACL layer in §3), so SubackFailure
// is unused on the encode path but kept for completeness of the codec.
func grantedCode(qos QoSLevel) byte {
	if qos == QoSAtLeastOnce {
		return SubackMaxQoS1
	}
	return SubackMaxQoS0
}

// NewSubAck builds a SUBACK for the given packet id with one granted-QoS
// return code per filter, in filter order.
func NewSubAck(packetID uint16, granted []QoSLevel) *SubackPacket {
	codes := make([]byte, len(granted))
	for i, q := range granted {
		codes[i] = grantedCode(q)
	}
	return &SubackPacket{PacketID: packetID, ReturnCodes: codes}
}
