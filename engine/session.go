// Package engine sequences MQTT 3.1.1 control packets over a bounded
// transport using two caller-owned fixed buffers, one for encoding
// outgoing packets and one for inbound traffic. A Session performs one
// command at a time; it has no goroutines and no internal queues, so
// memory use is exactly the two buffers.
package engine

import (
	"github.com/juju/errors"

	"github.com/ebogdum/arduino-mqtt/log2"
	"github.com/ebogdum/arduino-mqtt/tick"
	"github.com/ebogdum/arduino-mqtt/transport"
	"github.com/ebogdum/arduino-mqtt/wire"
)

// MessageHandler receives each inbound publish. Topic and payload
// borrow the session read buffer and are only valid during the call.
type MessageHandler func(topic wire.String, msg Message)

// Session drives the packet exchange for a single connection attempt.
// Not safe for concurrent use; the driver above serializes access.
type Session struct {
	conn     *transport.Adapter
	readBuf  []byte
	writeBuf []byte
	log      *log2.Log

	onMessage MessageHandler

	cmdTimer  *tick.Timer
	pingTimer *tick.Timer // counts down to the next PINGREQ
	pongTimer *tick.Timer // inbound silence window, keepalive * 1.5

	keepAliveSec    uint16
	pingOutstanding bool

	lastPacketID uint16

	dropOverflow bool
	dropped      *uint32
}

func New(conn *transport.Adapter, readBuf, writeBuf []byte, clock tick.Clock, log *log2.Log) *Session {
	return &Session{
		conn:      conn,
		readBuf:   readBuf,
		writeBuf:  writeBuf,
		log:       log,
		cmdTimer:  tick.NewTimer(clock),
		pingTimer: tick.NewTimer(clock),
		pongTimer: tick.NewTimer(clock),
	}
}

// OnMessage installs the inbound publish handler.
func (s *Session) OnMessage(h MessageHandler) { s.onMessage = h }

// DropOverflow selects skip-and-count handling for inbound packets
// larger than the read buffer; counter may be nil.
func (s *Session) DropOverflow(enabled bool, counter *uint32) {
	s.dropOverflow = enabled
	s.dropped = counter
}

// LastPacketID returns the most recent self-assigned packet id.
func (s *Session) LastPacketID() uint16 { return s.lastPacketID }

// Connect sends CONNECT and waits for CONNACK. The returned code is
// meaningful whenever a CONNACK was parsed, including denials.
func (s *Session) Connect(opt ConnectOptions, will *Will, timeout uint32) (ConnackCode, bool, error) {
	if will != nil && will.QOS >= QOSExactlyOnce {
		return 0, false, errors.NotSupportedf("will qos=%d", will.QOS)
	}
	s.cmdTimer.Set(timeout)
	n, err := encodeConnect(s.writeBuf, opt, will)
	if err != nil {
		return 0, false, errors.Annotate(err, "encode CONNECT")
	}
	s.keepAliveSec = opt.KeepAliveSec
	s.pingOutstanding = false
	if err = s.send(s.writeBuf[:n]); err != nil {
		return 0, false, err
	}
	s.touchPong()

	in, err := s.await(typeConnack)
	if err != nil {
		return 0, false, err
	}
	sessionPresent, code, err := decodeConnack(in.body)
	if err != nil {
		return 0, false, err
	}
	if code != ConnectionAccepted {
		return code, sessionPresent, errors.Errorf("connection denied: %s", code)
	}
	return code, sessionPresent, nil
}

// Publish sends one message. QoS 0 returns after the bytes are out;
// QoS 1 waits for the matching PUBACK. A nonzero dupID retransmits
// under that id with the DUP flag instead of assigning a fresh id.
func (s *Session) Publish(topic string, msg Message, dupID uint16, timeout uint32) error {
	if msg.QOS >= QOSExactlyOnce {
		return errors.NotSupportedf("publish qos=%d", msg.QOS)
	}
	s.cmdTimer.Set(timeout)

	var id uint16
	dup := false
	if msg.QOS == QOSAtLeastOnce {
		if dupID != 0 {
			id = dupID
			dup = true
		} else {
			id = s.nextPacketID()
		}
	}
	n, err := encodePublish(s.writeBuf, topic, msg, id, dup)
	if err != nil {
		return errors.Annotate(err, "encode PUBLISH")
	}
	if err = s.send(s.writeBuf[:n]); err != nil {
		return err
	}
	if msg.QOS == QOSAtMostOnce {
		return nil
	}

	in, err := s.await(typePuback)
	if err != nil {
		return err
	}
	ackID, err := decodeAck(in.body)
	if err != nil {
		return errors.Annotate(err, "decode PUBACK")
	}
	if ackID != id {
		return errors.Errorf("PUBACK id=%d want=%d", ackID, id)
	}
	return nil
}

// SubscribeOne subscribes a single topic filter and waits for the
// broker's grant.
func (s *Session) SubscribeOne(topic string, qos QOS, timeout uint32) error {
	if qos >= QOSExactlyOnce {
		return errors.NotSupportedf("subscribe qos=%d", qos)
	}
	s.cmdTimer.Set(timeout)

	id := s.nextPacketID()
	n, err := encodeSubscribe(s.writeBuf, id, topic, qos)
	if err != nil {
		return errors.Annotate(err, "encode SUBSCRIBE")
	}
	if err = s.send(s.writeBuf[:n]); err != nil {
		return err
	}

	in, err := s.await(typeSuback)
	if err != nil {
		return err
	}
	ackID, granted, err := decodeSuback(in.body)
	if err != nil {
		return errors.Annotate(err, "decode SUBACK")
	}
	if ackID != id {
		return errors.Errorf("SUBACK id=%d want=%d", ackID, id)
	}
	if granted == subackFailure {
		return errors.Errorf("subscription rejected topic=%s", topic)
	}
	return nil
}

// UnsubscribeOne removes a single topic filter and waits for UNSUBACK.
func (s *Session) UnsubscribeOne(topic string, timeout uint32) error {
	s.cmdTimer.Set(timeout)

	id := s.nextPacketID()
	n, err := encodeUnsubscribe(s.writeBuf, id, topic)
	if err != nil {
		return errors.Annotate(err, "encode UNSUBSCRIBE")
	}
	if err = s.send(s.writeBuf[:n]); err != nil {
		return err
	}

	in, err := s.await(typeUnsuback)
	if err != nil {
		return err
	}
	ackID, err := decodeAck(in.body)
	if err != nil {
		return errors.Annotate(err, "decode UNSUBACK")
	}
	if ackID != id {
		return errors.Errorf("UNSUBACK id=%d want=%d", ackID, id)
	}
	return nil
}

// Yield consumes up to available bytes of pending inbound traffic,
// dispatching publishes to the handler. Stops at the timeout even if
// bytes remain.
func (s *Session) Yield(available int, timeout uint32) error {
	s.cmdTimer.Set(timeout)
	for available > 0 {
		in, err := s.readPacket()
		if err != nil {
			return err
		}
		if err = s.handleInbound(in); err != nil {
			return err
		}
		available -= in.consumed
		if s.cmdTimer.Expired() {
			break
		}
	}
	return nil
}

// KeepAlive sends PINGREQ when the keep-alive interval ran out and
// fails when inbound silence exceeded 1.5 intervals with a ping still
// outstanding. A zero keep-alive disables the whole mechanism.
func (s *Session) KeepAlive(timeout uint32) error {
	if s.keepAliveSec == 0 {
		return nil
	}
	if s.pingOutstanding && s.pongTimer.Expired() {
		return errors.Timeoutf("no traffic within 1.5 keep-alive intervals")
	}
	if !s.pingTimer.Expired() {
		return nil
	}

	s.cmdTimer.Set(timeout)
	n, err := encodePingreq(s.writeBuf)
	if err != nil {
		return errors.Annotate(err, "encode PINGREQ")
	}
	if err = s.send(s.writeBuf[:n]); err != nil {
		return err
	}
	s.pingOutstanding = true
	return nil
}

// Disconnect sends DISCONNECT. The connection teardown itself belongs
// to the driver.
func (s *Session) Disconnect(timeout uint32) error {
	s.cmdTimer.Set(timeout)
	n, err := encodeDisconnect(s.writeBuf)
	if err != nil {
		return errors.Annotate(err, "encode DISCONNECT")
	}
	return s.send(s.writeBuf[:n])
}

func (s *Session) nextPacketID() uint16 {
	s.lastPacketID++
	if s.lastPacketID == 0 {
		s.lastPacketID = 1
	}
	return s.lastPacketID
}

// send writes the whole packet before the command deadline. Any
// outgoing control packet postpones the next PINGREQ.
func (s *Session) send(p []byte) error {
	for off := 0; off < len(p); {
		if s.cmdTimer.Expired() {
			return transport.ErrTimeout
		}
		n, err := s.conn.Write(p[off:])
		if err != nil {
			return err
		}
		off += n
	}
	if s.keepAliveSec > 0 {
		s.pingTimer.Set(uint32(s.keepAliveSec) * 1000)
	}
	return nil
}

// readFull retries short reads until p is filled or the command
// deadline passes.
func (s *Session) readFull(p []byte) error {
	for off := 0; off < len(p); {
		remain := s.cmdTimer.Remaining()
		if remain <= 0 {
			return transport.ErrTimeout
		}
		n, err := s.conn.Read(p[off:], uint32(remain))
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}

type inbound struct {
	ptype    packetType
	flags    byte
	body     []byte // view into readBuf, empty when skipped
	consumed int    // wire bytes this packet took, header included
	skipped  bool   // oversized, drained and counted instead of parsed
}

// readPacket reads one packet into the read buffer. The remaining
// length arrives one varnum group at a time since the group count is
// only known from the continuation bits.
func (s *Session) readPacket() (inbound, error) {
	var in inbound
	buf := s.readBuf
	if err := s.readFull(buf[:1]); err != nil {
		return in, err
	}
	in.consumed = 1
	in.ptype = packetType(wire.ReadBits(buf[0], 4, 4))
	in.flags = wire.ReadBits(buf[0], 0, 4)

	i := 1
	var remLen uint32
	for {
		if i >= len(buf) {
			return in, wire.ErrBufferTooShort
		}
		if err := s.readFull(buf[i : i+1]); err != nil {
			return in, err
		}
		i++
		in.consumed++
		r := wire.Buffer{B: buf[1:i]}
		v, err := r.ReadVarnum()
		if err == wire.ErrBufferTooShort {
			continue
		}
		if err != nil {
			return in, err
		}
		remLen = v
		break
	}

	if int(remLen) > len(buf)-i {
		if !s.dropOverflow {
			return in, wire.ErrBufferTooShort
		}
		if err := s.drain(int(remLen)); err != nil {
			return in, err
		}
		in.consumed += int(remLen)
		in.skipped = true
		if s.dropped != nil {
			*s.dropped++
		}
		s.log.Debugf("dropped oversized %s len=%d", in.ptype, remLen)
		s.touchPong()
		return in, nil
	}

	if remLen > 0 {
		if err := s.readFull(buf[i : i+int(remLen)]); err != nil {
			return in, err
		}
	}
	in.body = buf[i : i+int(remLen)]
	in.consumed += int(remLen)
	s.touchPong()
	return in, nil
}

// drain discards n body bytes through the read buffer.
func (s *Session) drain(n int) error {
	for n > 0 {
		chunk := n
		if chunk > len(s.readBuf) {
			chunk = len(s.readBuf)
		}
		if err := s.readFull(s.readBuf[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// await reads packets until one of the wanted type arrives, handling
// interleaved traffic (publishes, ping responses) along the way.
func (s *Session) await(want packetType) (inbound, error) {
	for {
		in, err := s.readPacket()
		if err != nil {
			return in, errors.Annotatef(err, "await %s", want)
		}
		if in.skipped {
			continue
		}
		if in.ptype == want {
			return in, nil
		}
		if err = s.handleInbound(in); err != nil {
			return in, err
		}
	}
}

func (s *Session) handleInbound(in inbound) error {
	if in.skipped {
		return nil
	}
	switch in.ptype {
	case typePublish:
		return s.handlePublish(in)
	case typePingresp:
		s.pingOutstanding = false
		return nil
	default:
		s.log.Debugf("ignoring unexpected %s", in.ptype)
		return nil
	}
}

// handlePublish dispatches the message first and acknowledges after,
// so a QoS 1 message the handler saw is never unacknowledged.
func (s *Session) handlePublish(in inbound) error {
	topic, id, msg, err := decodePublish(in.flags, in.body)
	if err != nil {
		return errors.Annotate(err, "decode PUBLISH")
	}
	if s.onMessage != nil {
		s.onMessage(topic, msg)
	}
	if msg.QOS == QOSAtLeastOnce {
		n, err := encodePuback(s.writeBuf, id)
		if err != nil {
			return errors.Annotate(err, "encode PUBACK")
		}
		if err = s.send(s.writeBuf[:n]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) touchPong() {
	if s.keepAliveSec > 0 {
		ms := uint32(s.keepAliveSec) * 1000
		s.pongTimer.Set(ms + ms/2)
	}
}
