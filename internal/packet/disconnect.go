package packet

import "github.com/pyr33x/goqtt/pkg/er"

// DecodeDisconnect validates a DISCONNECT frame: no payload, reserved flags
// zero.
func DecodeDisconnect(flags byte, body []byte) error {
	if flags != 0 {
		return &er.Err{Context: "Disconnect, Flags", Message: er.ErrInvalidDisconnectPacket}
	}
	if len(body) != 0 {
		return &er.Err{Context: "Disconnect, Length", Message: er.ErrInvalidDisconnectPacket}
	}
	return nil
}
