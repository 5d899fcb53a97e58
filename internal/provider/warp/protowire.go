// Package warp implements the protobuf-over-SSE chat engine and its agentic
// tool loop. The wire schema is reverse-engineered from the desktop client;
// the decoder extracts only the semantic facts downstream consumers need.
package warp

// Protobuf wire types.
const (
	wireVarint  = 0
	wireFixed64 = 1
	wireBytes   = 2
	wireFixed32 = 5
)

// encoder builds protobuf wire format by hand. Only the subset the upstream
// request needs is implemented: varints, length-delimited payloads, and
// nested messages.
type encoder struct {
	buf []byte
}

func (e *encoder) bytes() []byte { return e.buf }

func (e *encoder) varint(v uint64) {
	for v >= 0x80 {
		e.buf = append(e.buf, byte(v)|0x80)
		v >>= 7
	}
	e.buf = append(e.buf, byte(v))
}

func (e *encoder) tag(field int, wireType int) {
	e.varint(uint64(field)<<3 | uint64(wireType))
}

// uint emits a varint field. Zero values are emitted explicitly; callers
// decide whether to skip optional fields.
func (e *encoder) uint(field int, v uint64) {
	e.tag(field, wireVarint)
	e.varint(v)
}

func (e *encoder) bool(field int, v bool) {
	var n uint64
	if v {
		n = 1
	}
	e.uint(field, n)
}

func (e *encoder) raw(field int, b []byte) {
	e.tag(field, wireBytes)
	e.varint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) str(field int, s string) {
	e.tag(field, wireBytes)
	e.varint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// msg emits a nested message by running fill against a child encoder and
// length-prefixing the result.
func (e *encoder) msg(field int, fill func(*encoder)) {
	var child encoder
	fill(&child)
	e.raw(field, child.buf)
}

// timestamp encodes a millisecond clock as a (seconds, nanos) pair.
func (e *encoder) timestamp(field int, unixMs int64) {
	e.msg(field, func(t *encoder) {
		t.uint(1, uint64(unixMs/1000))
		t.uint(2, uint64(unixMs%1000)*1_000_000)
	})
}
