package http2

import (
	"context"

	"golang.org/x/net/http2/hpack"
)

// Http2Frame is a parsed inbound frame as delivered by the connection's
// dispatcher to a single stream transport. Only the frame kinds a stream
// transport consumes are represented; connection-level frames (SETTINGS,
// PING, GOAWAY, WINDOW_UPDATE) never reach a stream.
type Http2Frame interface {
	isHttp2Frame()
}

// HeadersFrame is a decoded HEADERS block. Depending on stream state it is
// either the message's initial headers or its trailers.
type HeadersFrame struct {
	Headers   []hpack.HeaderField
	EndStream bool
}

func (*HeadersFrame) isHttp2Frame() {}

// DataFrame carries a chunk of the message body. Release must be invoked by
// the consumer once it is done with Data; it refunds the bytes to the
// stream's receive window via a WINDOW_UPDATE.
type DataFrame struct {
	Data      []byte
	EndStream bool

	release func()
}

func (*DataFrame) isHttp2Frame() {}

// Release returns the frame's bytes to the flow-control window. It is safe to
// call more than once; only the first call refunds.
func (f *DataFrame) Release() {
	if f.release != nil {
		r := f.release
		f.release = nil
		r()
	}
}

// ResetFrame is a received RST_STREAM.
type ResetFrame struct {
	Code ErrorCode
}

func (*ResetFrame) isHttp2Frame() {}

// Frame is a single element of a message body stream: a DATA chunk or the
// trailing HEADERS block.
type Frame interface {
	isFrame()
}

func (*DataFrame) isFrame() {}

// TrailersFrame carries the trailing headers of a message body. It is always
// the last frame of its stream.
type TrailersFrame struct {
	Headers []hpack.HeaderField
}

func (*TrailersFrame) isFrame() {}

// FrameReader produces the frames of an outbound message body. The sequence
// is finite and non-restartable; it ends with a DataFrame whose EndStream is
// set or with a TrailersFrame.
type FrameReader interface {
	// ReadFrame returns the next body frame. It blocks until a frame is
	// available, the body errors, or ctx is done.
	ReadFrame(ctx context.Context) (Frame, error)
}
