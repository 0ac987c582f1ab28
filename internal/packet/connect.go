package packet

import (
	"errors"

	"github.com/pyr33x/goqtt/internal/packet/utils"
	"github.com/pyr33x/goqtt/pkg/er"
)

const protocolName = "MQTT"
const protocolLevel = 4

// ConnectPacket is the client-to-server CONNECT packet (§4.1). Will and
// credential fields are nil pointers when their flag is unset.
type ConnectPacket struct {
	ProtocolName  string
	ProtocolLevel byte
	UsernameFlag  bool
	PasswordFlag  bool
	WillRetain    bool
	WillQoS       QoSLevel
	WillFlag      bool
	CleanSession  bool
	KeepAlive     uint16

	ClientID    string
	WillTopic   *string
	WillMessage *string
	Username    *string
	Password    *string
}

// DecodeConnect parses the variable header and payload of a CONNECT packet.
// body is the Frame.Body (fixed header and remaining length already
// consumed).
func DecodeConnect(body []byte) (*ConnectPacket, error) {
	cp := &ConnectPacket{}
	offset := 0

	name, n, err := utils.ParseString(body[offset:])
	if err != nil {
		return nil, &er.Err{Context: "Connect, ProtocolName", Message: er.ErrReadProtoName}
	}
	offset += n
	cp.ProtocolName = name
	if cp.ProtocolName != protocolName {
		return nil, &er.Err{Context: "Connect, ProtocolName", Message: er.ErrUnsupportedProtocolName}
	}

	if offset >= len(body) {
		return nil, &er.Err{Context: "Connect", Message: er.ErrMissProtoLevel}
	}
	cp.ProtocolLevel = body[offset]
	offset++
	if cp.ProtocolLevel != protocolLevel {
		return nil, &er.Err{Context: "Connect, ProtocolLevel", Message: er.ErrUnsupportedProtocolLevel}
	}

	if offset >= len(body) {
		return nil, &er.Err{Context: "Connect", Message: er.ErrMissConnFlags}
	}
	flags := body[offset]
	offset++

	if flags&0x01 != 0 {
		return nil, &er.Err{Context: "Connect, Flags", Message: er.ErrReservedFlagSet}
	}

	cp.UsernameFlag = flags&0x80 != 0
	cp.PasswordFlag = flags&0x40 != 0
	cp.WillRetain = flags&0x20 != 0
	cp.WillQoS = QoSLevel((flags & 0x18) >> 3)
	cp.WillFlag = flags&0x04 != 0
	cp.CleanSession = flags&0x02 != 0

	if cp.WillFlag && cp.WillQoS > QoSExactlyOnce {
		return nil, &er.Err{Context: "Connect, WillQoS", Message: er.ErrInvalidWillQos}
	}
	if !cp.WillFlag && cp.WillQoS != QoSAtMostOnce {
		return nil, &er.Err{Context: "Connect, WillQoS", Message: er.ErrInvalidWillQos}
	}

	if offset+2 > len(body) {
		return nil, &er.Err{Context: "Connect", Message: er.ErrMissKeepAlive}
	}
	cp.KeepAlive = uint16(body[offset])<<8 | uint16(body[offset+1])
	offset += 2

	clientID, n, err := utils.ParseString(body[offset:])
	if err != nil {
		return nil, &er.Err{Context: "Connect, ClientID", Message: er.ErrReadClientID}
	}
	offset += n
	cp.ClientID = clientID

	if err := cp.validateClientID(); err != nil {
		switch {
		case errors.Is(err, er.ErrEmptyAndCleanSessionClientID):
			return nil, &er.Err{Context: "Connect, ClientID", Message: er.ErrIdentifierRejected}
		case errors.Is(err, er.ErrEmptyClientID):
			// Allowed: clean_session=true with an empty id. The clients
			// manager assigns a server-generated id after Decode returns.
		default:
			return nil, err
		}
	}

	if cp.WillFlag {
		willTopic, n, err := utils.ParseString(body[offset:])
		if err != nil {
			return nil, &er.Err{Context: "Connect, WillTopic", Message: er.ErrInvalidConnPacket}
		}
		offset += n
		cp.WillTopic = &willTopic

		willMessage, n, err := utils.ParseString(body[offset:])
		if err != nil {
			return nil, &er.Err{Context: "Connect, WillMessage", Message: er.ErrInvalidConnPacket}
		}
		offset += n
		cp.WillMessage = &willMessage
	}

	if !cp.UsernameFlag && cp.PasswordFlag {
		return nil, &er.Err{Context: "Connect, Flags", Message: er.ErrPasswordWithoutUsername}
	}

	if cp.UsernameFlag {
		username, n, err := utils.ParseString(body[offset:])
		if err != nil {
			return nil, &er.Err{Context: "Connect, Username", Message: er.ErrMalformedUsernameField}
		}
		offset += n
		cp.Username = &username
	}

	if cp.PasswordFlag {
		password, _, err := utils.ParseString(body[offset:])
		if err != nil {
			return nil, &er.Err{Context: "Connect, Password", Message: er.ErrMalformedPasswordField}
		}
		cp.Password = &password
	}

	return cp, nil
}

func (cp *ConnectPacket) validateClientID() error {
	if len(cp.ClientID) == 0 {
		if !cp.CleanSession {
			return &er.Err{Context: "Connect, ClientID", Message: er.ErrEmptyAndCleanSessionClientID}
		}
		return &er.Err{Context: "Connect, ClientID", Message: er.ErrEmptyClientID}
	}

	// Spec §3: broker MAY accept ids longer than 23 bytes; no length rejection.
	return nil
}
