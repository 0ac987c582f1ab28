package packet

import (
	"github.com/pyr33x/goqtt/internal/packet/utils"
	"github.com/pyr33x/goqtt/pkg/er"
)

// PubrecPacket, PubrelPacket, and PubcompPacket implement the QoS-2 ack
// handshake at the wire level. The broker never originates this handshake
// (Open Question #1 in spec.md freezes QoS 2 as downgraded-to-1 at ingress)
// but keeps the codec so a future QoS-2 flow is not a wire-format change.

type PubrecPacket struct{ PacketID uint16 }
type PubrelPacket struct{ PacketID uint16 }
type PubcompPacket struct{ PacketID uint16 }

func decodeIDOnly(typ Type, flags byte, body []byte) (uint16, error) {
	if len(body) != 2 {
		return 0, &er.Err{Context: typ.String(), Message: er.ErrInvalidPacketLength}
	}
	if typ == PUBREL && flags != 0x02 {
		return 0, &er.Err{Context: typ.String(), Message: er.ErrInvalidFlags}
	}
	return utils.ParsePacketID(body)
}

func encodeIDOnly(typ Type, flags byte, id uint16) []byte {
	return []byte{
		byte(typ)<<4 | flags,
		0x02,
		byte(id >> 8),
		byte(id),
	}
}

func DecodePubrec(body []byte) (*PubrecPacket, error) {
	id, err := decodeIDOnly(PUBREC, 0, body)
	if err != nil {
		return nil, err
	}
	return &PubrecPacket{PacketID: id}, nil
}

func (p *PubrecPacket) Encode() []byte { return encodeIDOnly(PUBREC, 0, p.PacketID) }

func DecodePubrel(body []byte) (*PubrelPacket, error) {
	id, err := decodeIDOnly(PUBREL, 0x02, body)
	if err != nil {
		return nil, err
	}
	return &PubrelPacket{PacketID: id}, nil
}

func (p *PubrelPacket) Encode() []byte { return encodeIDOnly(PUBREL, 0x02, p.PacketID) }

func DecodePubcomp(body []byte) (*PubcompPacket, error) {
	id, err := decodeIDOnly(PUBCOMP, 0, body)
	if err != nil {
		return nil, err
	}
	return &PubcompPacket{PacketID: id}, nil
}

func (p *PubcompPacket) Encode() []byte { return encodeIDOnly(PUBCOMP, 0, p.PacketID) }
