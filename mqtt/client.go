// Package mqtt is the client session driver: it owns the fixed read and
// write buffers, the will record and the callback registration, and it
// sequences connect/publish/subscribe/loop/disconnect against the
// protocol engine. Designed for hosts where memory is the scarce
// resource: buffer sizes are fixed at construction and nothing on the
// data path allocates.
//
// Failure policy: any failure of a delegated operation closes the
// transport before the call returns false, so callers reconnect
// explicitly instead of running on a half-open session. Inspect
// LastError and ReturnCode after a failing call; there is no automatic
// retry (see helpers.Backoff for the caller-side policy).
package mqtt

import (
	"github.com/juju/errors"

	"github.com/ebogdum/arduino-mqtt/engine"
	"github.com/ebogdum/arduino-mqtt/log2"
	"github.com/ebogdum/arduino-mqtt/tick"
	"github.com/ebogdum/arduino-mqtt/transport"
	"github.com/ebogdum/arduino-mqtt/wire"
)

const (
	DefaultPort         = 1883
	DefaultBufferSize   = 64
	DefaultTimeoutMS    = 1000
	DefaultKeepAliveSec = 10
)

// Engine is the protocol collaborator contract the driver sequences
// against. *engine.Session implements it; tests substitute fakes.
type Engine interface {
	OnMessage(engine.MessageHandler)
	DropOverflow(enabled bool, counter *uint32)
	LastPacketID() uint16
	Connect(opt engine.ConnectOptions, will *engine.Will, timeout uint32) (engine.ConnackCode, bool, error)
	Publish(topic string, msg engine.Message, dupID uint16, timeout uint32) error
	SubscribeOne(topic string, qos engine.QOS, timeout uint32) error
	UnsubscribeOne(topic string, timeout uint32) error
	Yield(available int, timeout uint32) error
	KeepAlive(timeout uint32) error
	Disconnect(timeout uint32) error
}

type Options struct {
	// Buffer sizes in bytes; zero selects DefaultBufferSize. Negative
	// sizes degrade the client to a permanently failing instance.
	ReadBufferSize  int
	WriteBufferSize int

	Conn  transport.Conn
	Clock tick.Clock
	Log   *log2.Log
}

// Client is single-threaded like the rest of the stack: callers must
// not run two operations on the same instance concurrently.
type Client struct {
	opt Options
	log *log2.Log

	// readBuf carries one reserved byte past the advertised size; the
	// engine only ever sees readBuf[:size]. See terminate.
	readBuf  []byte
	writeBuf []byte
	eng      Engine

	hostname string
	address  string
	port     int

	keepAliveSec uint16
	cleanSession bool
	timeoutMS    uint32

	will *engine.Will
	cb   callback

	connected      bool
	sessionPresent bool
	lastError      error
	returnCode     engine.ConnackCode

	dupID   uint16
	dropped uint32

	// broken marks failed construction; every operation stays a no-op
	// reporting wire.ErrBufferTooShort.
	broken bool
}

func New(opt Options) *Client {
	c := &Client{
		opt:          opt,
		log:          opt.Log,
		port:         DefaultPort,
		keepAliveSec: DefaultKeepAliveSec,
		cleanSession: true,
		timeoutMS:    DefaultTimeoutMS,
	}
	if opt.ReadBufferSize == 0 {
		opt.ReadBufferSize = DefaultBufferSize
	}
	if opt.WriteBufferSize == 0 {
		opt.WriteBufferSize = DefaultBufferSize
	}
	if opt.ReadBufferSize < 0 || opt.WriteBufferSize < 0 || opt.Conn == nil {
		c.broken = true
		c.lastError = wire.ErrBufferTooShort
		return c
	}
	c.readBuf = make([]byte, opt.ReadBufferSize+1)
	c.writeBuf = make([]byte, opt.WriteBufferSize)
	adapter := &transport.Adapter{Conn: opt.Conn, Clock: opt.Clock}
	eng := engine.New(adapter, c.readBuf[:opt.ReadBufferSize], c.writeBuf, opt.Clock, opt.Log)
	eng.OnMessage(c.dispatch)
	c.eng = eng
	return c
}

// SetHost sets the broker hostname; it takes precedence over any
// address set with SetAddress.
func (c *Client) SetHost(hostname string) { c.hostname = hostname }

func (c *Client) SetHostPort(hostname string, port int) {
	c.hostname = hostname
	c.port = port
}

// SetAddress sets a numeric broker address, used only while no
// hostname is set.
func (c *Client) SetAddress(address string, port int) {
	c.address = address
	c.port = port
}

func (c *Client) SetKeepAlive(sec uint16) { c.keepAliveSec = sec }
func (c *Client) SetCleanSession(on bool) { c.cleanSession = on }
func (c *Client) SetTimeout(ms uint32)    { c.timeoutMS = ms }

// SetOptions sets the three session knobs in one call.
func (c *Client) SetOptions(keepAliveSec uint16, cleanSession bool, timeoutMS uint32) {
	c.keepAliveSec = keepAliveSec
	c.cleanSession = cleanSession
	c.timeoutMS = timeoutMS
}

// SetWill installs the last-will record, replacing any previous one.
// The payload is copied; the caller's slice may be transient.
func (c *Client) SetWill(topic string, payload []byte, retained bool, qos engine.QOS) {
	if topic == "" {
		return
	}
	w := &engine.Will{Topic: topic, Retained: retained, QOS: qos}
	if len(payload) > 0 {
		w.Payload = append([]byte(nil), payload...)
	}
	c.will = w
}

func (c *Client) ClearWill() { c.will = nil }

// DropOverflow selects whether inbound packets too large for the read
// buffer are skipped and counted instead of failing the session.
func (c *Client) DropOverflow(enabled bool) {
	if c.broken {
		return
	}
	c.eng.DropOverflow(enabled, &c.dropped)
}

func (c *Client) DroppedMessages() uint32 { return c.dropped }

// PrepareDuplicate stages a packet id for the next single Publish call,
// which then goes out as a retransmission (DUP flag, reused id).
func (c *Client) PrepareDuplicate(id uint16) { c.dupID = id }

func (c *Client) LastPacketID() uint16 {
	if c.broken {
		return 0
	}
	return c.eng.LastPacketID()
}

func (c *Client) LastError() error { return c.lastError }

func (c *Client) ReturnCode() engine.ConnackCode { return c.returnCode }

func (c *Client) SessionPresent() bool { return c.sessionPresent }

// Connected reports the session flag and the live transport together;
// the flag alone does not track transport-level resets.
func (c *Client) Connected() bool {
	if c.broken {
		return false
	}
	return c.connected && c.opt.Conn.Connected()
}

// Connect opens the transport and runs the CONNECT/CONNACK exchange.
// Empty username sends no credentials; empty password with a username
// sends username only.
func (c *Client) Connect(clientID, username, password string) bool {
	return c.connect(clientID, username, password, false)
}

// ConnectSkipNetwork runs the CONNECT exchange over a transport the
// caller already opened.
func (c *Client) ConnectSkipNetwork(clientID, username, password string) bool {
	return c.connect(clientID, username, password, true)
}

func (c *Client) connect(clientID, username, password string, skipNetwork bool) bool {
	if c.broken {
		c.lastError = wire.ErrBufferTooShort
		return false
	}
	if !skipNetwork {
		if c.Connected() {
			c.close()
		}
		host := c.hostname
		if host == "" {
			host = c.address
		}
		if err := c.opt.Conn.Connect(host, c.port); err != nil {
			c.lastError = transport.ErrFailedConnect
			c.log.Errorf("connect host=%s port=%d err=%v", host, c.port, err)
			return false
		}
	}

	opt := engine.ConnectOptions{
		ClientID:     clientID,
		Username:     username,
		Password:     password,
		KeepAliveSec: c.keepAliveSec,
		CleanSession: c.cleanSession,
	}
	code, present, err := c.eng.Connect(opt, c.will, c.timeoutMS)
	c.returnCode = code
	if err != nil {
		c.lastError = err
		c.log.Errorf("connect clientID=%s err=%v", clientID, errors.ErrorStack(err))
		c.close()
		return false
	}
	c.sessionPresent = present
	c.connected = true
	return true
}

func (c *Client) Publish(topic string, payload []byte, retained bool, qos engine.QOS) bool {
	if !c.Connected() {
		return false
	}
	dupID := c.dupID
	c.dupID = 0 // one-shot
	msg := engine.Message{QOS: qos, Retained: retained, Payload: payload}
	if err := c.eng.Publish(topic, msg, dupID, c.timeoutMS); err != nil {
		return c.fail(err)
	}
	return true
}

func (c *Client) Subscribe(topic string, qos engine.QOS) bool {
	if !c.Connected() {
		return false
	}
	if err := c.eng.SubscribeOne(topic, qos, c.timeoutMS); err != nil {
		return c.fail(err)
	}
	return true
}

func (c *Client) Unsubscribe(topic string) bool {
	if !c.Connected() {
		return false
	}
	if err := c.eng.UnsubscribeOne(topic, c.timeoutMS); err != nil {
		return c.fail(err)
	}
	return true
}

// Loop is the per-iteration driver call an embedding application
// invokes repeatedly: one pass over pending inbound traffic, then the
// keep-alive tick.
func (c *Client) Loop() bool {
	if !c.Connected() {
		return false
	}
	if available := c.opt.Conn.Available(); available > 0 {
		if err := c.eng.Yield(available, c.timeoutMS); err != nil {
			return c.fail(err)
		}
	}
	if err := c.eng.KeepAlive(c.timeoutMS); err != nil {
		return c.fail(err)
	}
	return true
}

// Disconnect sends DISCONNECT and closes the transport regardless of
// the send outcome.
func (c *Client) Disconnect() bool {
	if !c.Connected() {
		return false
	}
	err := c.eng.Disconnect(c.timeoutMS)
	if err != nil {
		c.lastError = err
	}
	c.close()
	return err == nil
}

func (c *Client) fail(err error) bool {
	c.lastError = err
	c.log.Errorf("session failure err=%v", errors.ErrorStack(err))
	c.close()
	return false
}

func (c *Client) close() {
	c.connected = false
	c.opt.Conn.Stop()
}
