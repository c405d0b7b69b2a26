package wire

import "bytes"

// String is the length-prefixed borrowed byte string of the MQTT wire
// format. Data is valid for at least Len bytes and carries no implicit
// NUL terminator. Len==0 means empty/absent and leaves Data unspecified.
type String struct {
	Len  uint16
	Data []byte
}

// MakeString borrows s for the lifetime of the returned String.
// Empty input yields the canonical empty String.
func MakeString(s string) String {
	if len(s) == 0 {
		return String{}
	}
	return String{Len: uint16(len(s)), Data: []byte(s)}
}

func (s String) String() string {
	if s.Len == 0 {
		return ""
	}
	return string(s.Data[:s.Len])
}

// Strcmp orders a against b for equality checks: empty sorts below
// non-empty, different lengths order by length, equal lengths compare by
// content. This is not a lexicographic topic comparator; rely on it for
// equality only.
func Strcmp(a String, b string) int {
	if len(b) == 0 {
		if a.Len == 0 {
			return 0
		}
		return 1
	}
	if int(a.Len) != len(b) {
		if int(a.Len) < len(b) {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.Data[:a.Len], []byte(b))
}
