package mqtt

import (
	"bytes"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebogdum/arduino-mqtt/engine"
	"github.com/ebogdum/arduino-mqtt/log2"
	"github.com/ebogdum/arduino-mqtt/transport"
	"github.com/ebogdum/arduino-mqtt/wire"
)

type stepClock struct{ now uint32 }

func (c *stepClock) Millis() uint32 { c.now++; return c.now }

type fakeConn struct {
	in        bytes.Buffer
	out       bytes.Buffer
	connected bool
	dialHost  string
	dialPort  int
	dialErr   error
	stops     int
}

func (f *fakeConn) Connect(host string, port int) error {
	f.dialHost, f.dialPort = host, port
	if f.dialErr != nil {
		return f.dialErr
	}
	f.connected = true
	return nil
}
func (f *fakeConn) Read(p []byte) (int, error) {
	if f.in.Len() == 0 {
		return 0, nil
	}
	return f.in.Read(p)
}
func (f *fakeConn) Write(p []byte) (int, error) { return f.out.Write(p) }
func (f *fakeConn) Available() int              { return f.in.Len() }
func (f *fakeConn) Connected() bool             { return f.connected }
func (f *fakeConn) Stop() {
	f.connected = false
	f.stops++
}

// fakeEngine records the driver's delegation and answers with scripted
// results.
type fakeEngine struct {
	handler engine.MessageHandler
	lastID  uint16

	connects    int
	connectOpt  engine.ConnectOptions
	connectWill *engine.Will
	connectCode engine.ConnackCode
	connectPres bool
	connectErr  error

	publishes    int
	publishTopic string
	publishMsg   engine.Message
	publishDup   uint16
	publishErr   error

	subs     int
	subTopic string
	subErr   error

	unsubs     int
	unsubTopic string
	unsubErr   error

	yields   int
	yieldErr error

	keeps   int
	keepErr error

	disconnects int
	discErr     error
}

func (f *fakeEngine) OnMessage(h engine.MessageHandler)    { f.handler = h }
func (f *fakeEngine) DropOverflow(enabled bool, c *uint32) {}
func (f *fakeEngine) LastPacketID() uint16                 { return f.lastID }
func (f *fakeEngine) Connect(opt engine.ConnectOptions, will *engine.Will, timeout uint32) (engine.ConnackCode, bool, error) {
	f.connects++
	f.connectOpt = opt
	f.connectWill = will
	return f.connectCode, f.connectPres, f.connectErr
}
func (f *fakeEngine) Publish(topic string, msg engine.Message, dupID uint16, timeout uint32) error {
	f.publishes++
	f.publishTopic = topic
	f.publishMsg = msg
	f.publishDup = dupID
	return f.publishErr
}
func (f *fakeEngine) SubscribeOne(topic string, qos engine.QOS, timeout uint32) error {
	f.subs++
	f.subTopic = topic
	return f.subErr
}
func (f *fakeEngine) UnsubscribeOne(topic string, timeout uint32) error {
	f.unsubs++
	f.unsubTopic = topic
	return f.unsubErr
}
func (f *fakeEngine) Yield(available int, timeout uint32) error {
	f.yields++
	return f.yieldErr
}
func (f *fakeEngine) KeepAlive(timeout uint32) error {
	f.keeps++
	return f.keepErr
}
func (f *fakeEngine) Disconnect(timeout uint32) error {
	f.disconnects++
	return f.discErr
}

func newTestClient(t testing.TB) (*Client, *fakeConn, *fakeEngine) {
	conn := &fakeConn{}
	c := New(Options{Conn: conn, Clock: &stepClock{}, Log: log2.NewTest(t, log2.LDebug)})
	fe := &fakeEngine{}
	c.eng = fe
	return c, conn, fe
}

func TestGuardsWhenDisconnected(t *testing.T) {
	t.Parallel()
	c, conn, fe := newTestClient(t)

	assert.False(t, c.Publish("a/b", []byte("hi"), false, engine.QOSAtMostOnce))
	assert.False(t, c.Subscribe("a/b", engine.QOSAtMostOnce))
	assert.False(t, c.Unsubscribe("a/b"))
	assert.False(t, c.Loop())
	assert.False(t, c.Disconnect())

	assert.Zero(t, fe.publishes)
	assert.Zero(t, fe.subs)
	assert.Zero(t, fe.unsubs)
	assert.Zero(t, fe.yields)
	assert.Zero(t, fe.keeps)
	assert.Zero(t, fe.disconnects)
	assert.Zero(t, conn.out.Len())
}

func TestDegradedConstruction(t *testing.T) {
	t.Parallel()

	c := New(Options{ReadBufferSize: -1, Conn: &fakeConn{}})
	assert.False(t, c.Connected())
	assert.False(t, c.Connect("t1", "", ""))
	assert.Equal(t, wire.ErrBufferTooShort, c.LastError())
	assert.Zero(t, c.LastPacketID())

	c = New(Options{})
	assert.False(t, c.Connect("t1", "", ""))
	assert.Equal(t, wire.ErrBufferTooShort, c.LastError())
}

func TestConnectDialFailure(t *testing.T) {
	t.Parallel()
	c, conn, fe := newTestClient(t)
	conn.dialErr = errors.New("refused")

	assert.False(t, c.Connect("t1", "", ""))
	assert.Equal(t, transport.ErrFailedConnect, c.LastError())
	assert.Zero(t, fe.connects, "engine must not run without a transport")
}

func TestConnectHostPrecedence(t *testing.T) {
	t.Parallel()
	c, conn, _ := newTestClient(t)
	c.SetAddress("10.1.2.3", 2000)
	c.SetHost("broker.local")

	c.Connect("t1", "", "")
	assert.Equal(t, "broker.local", conn.dialHost)
	assert.Equal(t, 2000, conn.dialPort)
}

func TestConnectSuccess(t *testing.T) {
	t.Parallel()
	c, conn, fe := newTestClient(t)
	fe.connectPres = true
	c.SetOptions(30, false, 500)

	require.True(t, c.Connect("t1", "user", "pass"))
	assert.True(t, c.Connected())
	assert.True(t, c.SessionPresent())
	assert.Equal(t, engine.ConnectionAccepted, c.ReturnCode())
	assert.Equal(t, "t1", fe.connectOpt.ClientID)
	assert.Equal(t, "user", fe.connectOpt.Username)
	assert.Equal(t, uint16(30), fe.connectOpt.KeepAliveSec)
	assert.False(t, fe.connectOpt.CleanSession)
	assert.Equal(t, DefaultPort, conn.dialPort)
}

func TestConnectEngineFailureCloses(t *testing.T) {
	t.Parallel()
	c, conn, fe := newTestClient(t)
	fe.connectErr = errors.New("denied")
	fe.connectCode = engine.NotAuthorized

	assert.False(t, c.Connect("t1", "", ""))
	assert.False(t, c.Connected())
	assert.Equal(t, engine.NotAuthorized, c.ReturnCode())
	assert.Equal(t, fe.connectErr, c.LastError())
	assert.NotZero(t, conn.stops, "failed connect must close the transport")
}

func TestPublishDuplicateOneShot(t *testing.T) {
	t.Parallel()
	c, _, fe := newTestClient(t)
	require.True(t, c.Connect("t1", "", ""))

	c.PrepareDuplicate(7)
	require.True(t, c.Publish("a/b", []byte("x"), false, engine.QOSAtLeastOnce))
	assert.Equal(t, uint16(7), fe.publishDup)

	require.True(t, c.Publish("a/b", []byte("y"), false, engine.QOSAtLeastOnce))
	assert.Equal(t, uint16(0), fe.publishDup, "staged id is consumed by one publish")
}

func TestPublishFailureCloses(t *testing.T) {
	t.Parallel()
	c, conn, fe := newTestClient(t)
	require.True(t, c.Connect("t1", "", ""))
	fe.publishErr = errors.New("broken pipe")

	assert.False(t, c.Publish("a/b", []byte("x"), false, engine.QOSAtMostOnce))
	assert.False(t, c.Connected())
	assert.NotZero(t, conn.stops)
	assert.Equal(t, fe.publishErr, c.LastError())
}

func TestSubscribeUnsubscribe(t *testing.T) {
	t.Parallel()
	c, conn, fe := newTestClient(t)
	require.True(t, c.Connect("t1", "", ""))

	require.True(t, c.Subscribe("a/+", engine.QOSAtLeastOnce))
	assert.Equal(t, "a/+", fe.subTopic)
	require.True(t, c.Unsubscribe("a/+"))
	assert.Equal(t, "a/+", fe.unsubTopic)

	fe.subErr = errors.New("rejected")
	assert.False(t, c.Subscribe("b", engine.QOSAtMostOnce))
	assert.False(t, c.Connected())
	assert.NotZero(t, conn.stops)
}

func TestWillLifecycle(t *testing.T) {
	t.Parallel()
	c, _, fe := newTestClient(t)

	payload := []byte("gone")
	c.SetWill("status", payload, true, engine.QOSAtLeastOnce)
	payload[0] = 'X' // caller's buffer is transient; the will owns a copy
	require.NotNil(t, c.will)
	assert.Equal(t, []byte("gone"), c.will.Payload)

	c.SetWill("status2", []byte("bye"), false, engine.QOSAtMostOnce)
	assert.Equal(t, "status2", c.will.Topic)

	require.True(t, c.Connect("t1", "", ""))
	require.NotNil(t, fe.connectWill)
	assert.Equal(t, "status2", fe.connectWill.Topic)

	c.ClearWill()
	require.True(t, c.Connect("t1", "", ""))
	assert.Nil(t, fe.connectWill)
}

func TestLoop(t *testing.T) {
	t.Parallel()
	c, conn, fe := newTestClient(t)
	require.True(t, c.Connect("t1", "", ""))

	// nothing pending: keep-alive only
	require.True(t, c.Loop())
	assert.Zero(t, fe.yields)
	assert.Equal(t, 1, fe.keeps)

	conn.in.Write([]byte{0xd0, 0x00})
	require.True(t, c.Loop())
	assert.Equal(t, 1, fe.yields)
	assert.Equal(t, 2, fe.keeps)

	fe.yieldErr = errors.New("bad packet")
	conn.in.Write([]byte{0xd0, 0x00})
	assert.False(t, c.Loop())
	assert.False(t, c.Connected())
	assert.NotZero(t, conn.stops)
}

func TestDisconnectAlwaysCloses(t *testing.T) {
	t.Parallel()
	c, conn, fe := newTestClient(t)
	require.True(t, c.Connect("t1", "", ""))
	fe.discErr = errors.New("write failed")

	assert.False(t, c.Disconnect())
	assert.False(t, c.Connected())
	assert.NotZero(t, conn.stops)

	c, conn, _ = newTestClient(t)
	require.True(t, c.Connect("t1", "", ""))
	assert.True(t, c.Disconnect())
	assert.NotZero(t, conn.stops)
}

func TestCallbackSimple(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestClient(t)
	var gotTopic, gotPayload string
	c.OnMessage(func(topic, payload string) {
		gotTopic, gotPayload = topic, payload
	})

	copy(c.readBuf, "a/bhi")
	c.dispatch(
		wire.String{Len: 3, Data: c.readBuf[0:3]},
		engine.Message{Payload: c.readBuf[3:5]},
	)
	assert.Equal(t, "a/b", gotTopic)
	assert.Equal(t, "hi", gotPayload)
}

func TestCallbackRawZeroCopy(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestClient(t)
	foreign := []byte{'a', '/', 'b', 'h', 'i', 0xaa}
	var got engine.Message
	c.OnMessageRaw(func(topic wire.String, msg engine.Message) {
		got = msg
	})

	c.dispatch(wire.String{Len: 3, Data: foreign[0:3]}, engine.Message{Payload: foreign[3:5]})
	assert.Equal(t, 2, len(got.Payload), "exact decoded length, unmodified")
	assert.Equal(t, byte(0xaa), foreign[5], "zero-copy callback must not write")
	assert.Equal(t, &foreign[3], &got.Payload[0], "no reallocation")
}

func TestCallbackAdvancedTermination(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestClient(t)
	size := len(c.readBuf) - 1 // advertised size, one reserve byte past it

	var gotTopic, gotPayload []byte
	c.OnMessageAdvanced(func(_ *Client, topic, payload []byte) {
		gotTopic, gotPayload = topic, payload
	})

	// payload ends at the last valid offset: termination lands exactly
	// on the reserve byte
	copy(c.readBuf[0:3], "a/b")
	c.readBuf[3] = 0xaa
	copy(c.readBuf[size-2:size], "hi")
	c.readBuf[size] = 0xaa
	c.dispatch(
		wire.String{Len: 3, Data: c.readBuf[0:3]},
		engine.Message{Payload: c.readBuf[size-2 : size]},
	)
	assert.Equal(t, []byte("a/b"), gotTopic)
	assert.Equal(t, []byte("hi"), gotPayload)
	assert.Equal(t, byte(0), c.readBuf[3], "topic terminated in place")
	assert.Equal(t, byte(0), c.readBuf[size], "terminated one byte past the view")
}

func TestCallbackAdvancedForeignViewUntouched(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestClient(t)
	c.OnMessageAdvanced(func(*Client, []byte, []byte) {})

	foreign := make([]byte, 8)
	copy(foreign, "a/bhi")
	foreign[5] = 0xaa
	c.dispatch(
		wire.String{Len: 3, Data: foreign[0:3]},
		engine.Message{Payload: foreign[3:5]},
	)
	assert.Equal(t, byte(0xaa), foreign[5], "views outside the read buffer are never written")
	assert.Equal(t, byte('h'), foreign[3])
}

func TestCallbackReplacement(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestClient(t)

	simple := 0
	raw := 0
	c.OnMessage(func(string, string) { simple++ })
	c.OnMessageRaw(func(wire.String, engine.Message) { raw++ })
	c.dispatch(wire.String{}, engine.Message{})
	assert.Zero(t, simple, "replaced callback must not fire")
	assert.Equal(t, 1, raw)

	c.OnMessageRaw(nil)
	c.dispatch(wire.String{}, engine.Message{})
	assert.Equal(t, 1, raw, "unregistered callback is a no-op dispatch")
}

// End to end over the real engine: 64-byte buffers, connect as "t1",
// publish "hi" to "a/b", then an idle loop pass.
func TestEndToEnd(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	c := New(Options{
		ReadBufferSize:  64,
		WriteBufferSize: 64,
		Conn:            conn,
		Clock:           &stepClock{},
		Log:             log2.NewTest(t, log2.LDebug),
	})
	c.SetHost("broker.test")

	conn.in.Write([]byte{0x20, 0x02, 0x00, 0x00})
	require.True(t, c.Connect("t1", "", ""))
	assert.Equal(t, byte(0x10), conn.out.Bytes()[0])
	assert.True(t, bytes.Contains(conn.out.Bytes(), []byte{0x00, 0x02, 't', '1'}))

	conn.out.Reset()
	require.True(t, c.Publish("a/b", []byte("hi"), false, engine.QOSAtMostOnce))
	assert.True(t, bytes.Contains(conn.out.Bytes(), []byte{0x00, 0x03, 'a', '/', 'b'}),
		"length-prefixed topic on the wire")
	assert.True(t, bytes.HasSuffix(conn.out.Bytes(), []byte("hi")))

	require.True(t, c.Loop(), "keep-alive check with no pending input")
}
