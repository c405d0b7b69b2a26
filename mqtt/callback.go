package mqtt

import (
	"unsafe"

	"github.com/ebogdum/arduino-mqtt/engine"
	"github.com/ebogdum/arduino-mqtt/wire"
)

// CallbackSimple receives topic and payload as copied strings.
type CallbackSimple func(topic, payload string)

// CallbackAdvanced receives views into the session read buffer, valid
// only during the call. When a view lies inside the read buffer, the
// byte one past its end is set to NUL, so view[:len(view)+1] is a
// C-style terminated string for code that needs one.
type CallbackAdvanced func(c *Client, topic, payload []byte)

// CallbackRaw receives the decoded views untouched, zero-copy and
// unterminated.
type CallbackRaw func(topic wire.String, msg engine.Message)

type callbackKind uint8

const (
	cbNone callbackKind = iota
	cbSimple
	cbAdvanced
	cbRaw
)

// callback is the tagged one-of storage: exactly one variant is live,
// installing a new one replaces the previous wholesale.
type callback struct {
	kind     callbackKind
	simple   CallbackSimple
	advanced CallbackAdvanced
	raw      CallbackRaw
}

// OnMessage registers the copying callback. A nil f unregisters.
func (c *Client) OnMessage(f CallbackSimple) {
	if f == nil {
		c.cb = callback{}
		return
	}
	c.cb = callback{kind: cbSimple, simple: f}
}

// OnMessageAdvanced registers the in-buffer terminated-view callback.
func (c *Client) OnMessageAdvanced(f CallbackAdvanced) {
	if f == nil {
		c.cb = callback{}
		return
	}
	c.cb = callback{kind: cbAdvanced, advanced: f}
}

// OnMessageRaw registers the zero-copy callback.
func (c *Client) OnMessageRaw(f CallbackRaw) {
	if f == nil {
		c.cb = callback{}
		return
	}
	c.cb = callback{kind: cbRaw, raw: f}
}

// dispatch is installed as the engine's message handler.
func (c *Client) dispatch(topic wire.String, msg engine.Message) {
	switch c.cb.kind {
	case cbNone:

	case cbRaw:
		c.cb.raw(topic, msg)

	case cbSimple:
		c.cb.simple(topic.String(), string(msg.Payload))

	case cbAdvanced:
		var t []byte
		if topic.Len > 0 {
			t = topic.Data[:topic.Len]
		}
		c.terminate(t)
		c.terminate(msg.Payload)
		c.cb.advanced(c, t, msg.Payload)
	}
}

// terminate writes a NUL one byte past view, but only when view
// provably lies inside the session read buffer: readBuf reserves an
// extra byte past its advertised size, so the write stays in bounds
// even for a view ending at the last valid offset. Views from any
// other memory are left alone.
func (c *Client) terminate(view []byte) bool {
	if cap(view) <= len(view) || !sliceWithin(c.readBuf, view) {
		return false
	}
	ext := view[:len(view)+1]
	ext[len(view)] = 0
	return true
}

// sliceWithin reports whether view is a nonempty sub-slice of buf with
// at least one byte of buf remaining past its end.
func sliceWithin(buf, view []byte) bool {
	if len(view) == 0 || len(buf) == 0 {
		return false
	}
	base := uintptr(unsafe.Pointer(&buf[0]))
	p := uintptr(unsafe.Pointer(&view[0]))
	return p >= base && p+uintptr(len(view)) < base+uintptr(len(buf))
}
