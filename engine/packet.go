package engine

import (
	"fmt"

	"github.com/juju/errors"

	"github.com/ebogdum/arduino-mqtt/wire"
)

type packetType byte

const (
	typeConnect     packetType = 1
	typeConnack     packetType = 2
	typePublish     packetType = 3
	typePuback      packetType = 4
	typePubrec      packetType = 5
	typePubrel      packetType = 6
	typePubcomp     packetType = 7
	typeSubscribe   packetType = 8
	typeSuback      packetType = 9
	typeUnsubscribe packetType = 10
	typeUnsuback    packetType = 11
	typePingreq     packetType = 12
	typePingresp    packetType = 13
	typeDisconnect  packetType = 14
)

func (pt packetType) String() string {
	switch pt {
	case typeConnect:
		return "CONNECT"
	case typeConnack:
		return "CONNACK"
	case typePublish:
		return "PUBLISH"
	case typePuback:
		return "PUBACK"
	case typePubrec:
		return "PUBREC"
	case typePubrel:
		return "PUBREL"
	case typePubcomp:
		return "PUBCOMP"
	case typeSubscribe:
		return "SUBSCRIBE"
	case typeSuback:
		return "SUBACK"
	case typeUnsubscribe:
		return "UNSUBSCRIBE"
	case typeUnsuback:
		return "UNSUBACK"
	case typePingreq:
		return "PINGREQ"
	case typePingresp:
		return "PINGRESP"
	case typeDisconnect:
		return "DISCONNECT"
	}
	return fmt.Sprintf("type=%d", byte(pt))
}

// QOS is the MQTT delivery guarantee. This engine implements levels 0
// and 1; level 2 is rejected at the API boundary.
type QOS byte

const (
	QOSAtMostOnce  QOS = 0
	QOSAtLeastOnce QOS = 1
	QOSExactlyOnce QOS = 2
)

// ConnackCode is the broker verdict from the CONNACK variable header.
type ConnackCode byte

const (
	ConnectionAccepted ConnackCode = iota
	InvalidProtocolVersion
	IdentifierRejected
	ServerUnavailable
	BadUsernameOrPassword
	NotAuthorized
)

func (c ConnackCode) String() string {
	switch c {
	case ConnectionAccepted:
		return "connection accepted"
	case InvalidProtocolVersion:
		return "invalid protocol version"
	case IdentifierRejected:
		return "identifier rejected"
	case ServerUnavailable:
		return "server unavailable"
	case BadUsernameOrPassword:
		return "bad user name or password"
	case NotAuthorized:
		return "not authorized"
	}
	return fmt.Sprintf("code=%d", byte(c))
}

// Message is an application payload with its delivery attributes.
// Payload borrows whatever buffer the caller (or the read path) owns.
type Message struct {
	QOS      QOS
	Retained bool
	Payload  []byte
}

// Will is the testament the broker publishes on an ungraceful drop.
type Will struct {
	Topic    string
	Payload  []byte
	QOS      QOS
	Retained bool
}

// ConnectOptions carries everything that goes into a CONNECT packet.
type ConnectOptions struct {
	ClientID     string
	Username     string
	Password     string
	KeepAliveSec uint16
	CleanSession bool
}

const protocolLevel311 = 4

const subackFailure = 0x80

func writeHeader(b *wire.Buffer, pt packetType, flags byte, remLen uint32) error {
	var h byte
	wire.WriteBits(&h, byte(pt), 4, 4)
	wire.WriteBits(&h, flags, 0, 4)
	if err := b.WriteByte(h); err != nil {
		return err
	}
	return b.WriteVarnum(remLen)
}

func encodeConnect(buf []byte, opt ConnectOptions, will *Will) (int, error) {
	remLen := uint32(10 + 2 + len(opt.ClientID))
	if will != nil {
		remLen += uint32(2 + len(will.Topic) + 2 + len(will.Payload))
	}
	if opt.Username != "" {
		remLen += uint32(2 + len(opt.Username))
		if opt.Password != "" {
			remLen += uint32(2 + len(opt.Password))
		}
	}

	var connectFlags byte
	if opt.CleanSession {
		wire.WriteBits(&connectFlags, 1, 1, 1)
	}
	if will != nil {
		wire.WriteBits(&connectFlags, 1, 2, 1)
		wire.WriteBits(&connectFlags, byte(will.QOS), 3, 2)
		if will.Retained {
			wire.WriteBits(&connectFlags, 1, 5, 1)
		}
	}
	if opt.Username != "" {
		wire.WriteBits(&connectFlags, 1, 7, 1)
		if opt.Password != "" {
			wire.WriteBits(&connectFlags, 1, 6, 1)
		}
	}

	b := &wire.Buffer{B: buf}
	if err := writeHeader(b, typeConnect, 0, remLen); err != nil {
		return 0, err
	}
	if err := b.WriteString(wire.MakeString("MQTT")); err != nil {
		return 0, err
	}
	if err := b.WriteByte(protocolLevel311); err != nil {
		return 0, err
	}
	if err := b.WriteByte(connectFlags); err != nil {
		return 0, err
	}
	if err := b.WriteNum(opt.KeepAliveSec); err != nil {
		return 0, err
	}
	if err := b.WriteString(wire.MakeString(opt.ClientID)); err != nil {
		return 0, err
	}
	if will != nil {
		if err := b.WriteString(wire.MakeString(will.Topic)); err != nil {
			return 0, err
		}
		payload := wire.String{Len: uint16(len(will.Payload)), Data: will.Payload}
		if err := b.WriteString(payload); err != nil {
			return 0, err
		}
	}
	if opt.Username != "" {
		if err := b.WriteString(wire.MakeString(opt.Username)); err != nil {
			return 0, err
		}
		if opt.Password != "" {
			if err := b.WriteString(wire.MakeString(opt.Password)); err != nil {
				return 0, err
			}
		}
	}
	return b.Pos, nil
}

func decodeConnack(body []byte) (sessionPresent bool, code ConnackCode, err error) {
	if len(body) != 2 {
		return false, 0, errors.NotValidf("CONNACK length=%d", len(body))
	}
	if body[1] > byte(NotAuthorized) {
		return false, 0, errors.NotValidf("CONNACK return code=%d", body[1])
	}
	return wire.ReadBits(body[0], 0, 1) == 1, ConnackCode(body[1]), nil
}

func encodePublish(buf []byte, topic string, msg Message, id uint16, dup bool) (int, error) {
	remLen := uint32(2 + len(topic) + len(msg.Payload))
	if msg.QOS > QOSAtMostOnce {
		remLen += 2
	}

	var flags byte
	if msg.Retained {
		wire.WriteBits(&flags, 1, 0, 1)
	}
	wire.WriteBits(&flags, byte(msg.QOS), 1, 2)
	if dup {
		wire.WriteBits(&flags, 1, 3, 1)
	}

	b := &wire.Buffer{B: buf}
	if err := writeHeader(b, typePublish, flags, remLen); err != nil {
		return 0, err
	}
	if err := b.WriteString(wire.MakeString(topic)); err != nil {
		return 0, err
	}
	if msg.QOS > QOSAtMostOnce {
		if err := b.WriteNum(id); err != nil {
			return 0, err
		}
	}
	if err := b.WriteData(msg.Payload); err != nil {
		return 0, err
	}
	return b.Pos, nil
}

// decodePublish borrows body: topic and payload point into it.
func decodePublish(flags byte, body []byte) (topic wire.String, id uint16, msg Message, err error) {
	qos := QOS(wire.ReadBits(flags, 1, 2))
	if qos >= QOSExactlyOnce {
		return topic, 0, msg, errors.NotSupportedf("inbound publish qos=%d", qos)
	}

	b := &wire.Buffer{B: body}
	topic, err = b.ReadString()
	if err != nil {
		return topic, 0, msg, err
	}
	if qos == QOSAtLeastOnce {
		if id, err = b.ReadNum(); err != nil {
			return topic, 0, msg, err
		}
	}
	payload, err := b.ReadData(b.Remaining())
	if err != nil {
		return topic, 0, msg, err
	}
	msg = Message{
		QOS:      qos,
		Retained: wire.ReadBits(flags, 0, 1) == 1,
		Payload:  payload,
	}
	return topic, id, msg, nil
}

func encodePuback(buf []byte, id uint16) (int, error) {
	b := &wire.Buffer{B: buf}
	if err := writeHeader(b, typePuback, 0, 2); err != nil {
		return 0, err
	}
	if err := b.WriteNum(id); err != nil {
		return 0, err
	}
	return b.Pos, nil
}

func encodeSubscribe(buf []byte, id uint16, topic string, qos QOS) (int, error) {
	remLen := uint32(2 + 2 + len(topic) + 1)
	b := &wire.Buffer{B: buf}
	if err := writeHeader(b, typeSubscribe, 0x02, remLen); err != nil {
		return 0, err
	}
	if err := b.WriteNum(id); err != nil {
		return 0, err
	}
	if err := b.WriteString(wire.MakeString(topic)); err != nil {
		return 0, err
	}
	if err := b.WriteByte(byte(qos)); err != nil {
		return 0, err
	}
	return b.Pos, nil
}

func decodeSuback(body []byte) (id uint16, granted byte, err error) {
	b := &wire.Buffer{B: body}
	if id, err = b.ReadNum(); err != nil {
		return 0, 0, err
	}
	if granted, err = b.ReadByte(); err != nil {
		return 0, 0, err
	}
	return id, granted, nil
}

func encodeUnsubscribe(buf []byte, id uint16, topic string) (int, error) {
	remLen := uint32(2 + 2 + len(topic))
	b := &wire.Buffer{B: buf}
	if err := writeHeader(b, typeUnsubscribe, 0x02, remLen); err != nil {
		return 0, err
	}
	if err := b.WriteNum(id); err != nil {
		return 0, err
	}
	if err := b.WriteString(wire.MakeString(topic)); err != nil {
		return 0, err
	}
	return b.Pos, nil
}

func decodeAck(body []byte) (uint16, error) {
	if len(body) != 2 {
		return 0, errors.NotValidf("ack length=%d", len(body))
	}
	b := &wire.Buffer{B: body}
	return b.ReadNum()
}

func encodePingreq(buf []byte) (int, error) {
	b := &wire.Buffer{B: buf}
	if err := writeHeader(b, typePingreq, 0, 0); err != nil {
		return 0, err
	}
	return b.Pos, nil
}

func encodeDisconnect(buf []byte) (int, error) {
	b := &wire.Buffer{B: buf}
	if err := writeHeader(b, typeDisconnect, 0, 0); err != nil {
		return 0, err
	}
	return b.Pos, nil
}
