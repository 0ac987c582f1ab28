package packet

import "github.com/pyr33x/goqtt/pkg/er"

// DecodePingreq validates a PINGREQ frame: no payload, reserved flags zero.
func DecodePingreq(flags byte, body []byte) error {
	if flags != 0 {
		return &er.Err{Context: "Pingreq, Flags", Message: er.ErrInvalidPingreqFlags}
	}
	if len(body) != 0 {
		return &er.Err{Context: "Pingreq, Length", Message: er.ErrInvalidPingreqLength}
	}
	return nil
}

// PingrespPacket is the server-to-client keep-alive response.
type PingrespPacket struct{}

// Encode returns the fixed 2-byte PINGRESP wire representation.
func (p *PingrespPacket) Encode() []byte {
	return []byte{byte(PINGRESP) << 4, 0x00}
}

// NewPingresp builds a PINGRESP.
func NewPingresp() *PingrespPacket {
	return &PingrespPacket{}
}
