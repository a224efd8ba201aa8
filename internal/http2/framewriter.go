package http2

import (
	"bytes"
	"context"
	"net"
	"sync"

	xhttp2 "golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// FrameWriter is the framing codec a stream transport emits through. Writes
// from one transport can overlap: its body drain is sequential, but a reset
// writes RST_STREAM on its own goroutine and DataFrame.Release writes
// WINDOW_UPDATE from the consumer's goroutine. Serializing calls, within one
// stream and across streams sharing one codec, is the owner's concern.
type FrameWriter interface {
	// WriteHeaders emits a HEADERS frame for the stream.
	WriteHeaders(ctx context.Context, streamID uint32, headers []hpack.HeaderField, endStream bool) error

	// WriteData emits a DATA frame for the stream.
	WriteData(ctx context.Context, streamID uint32, data []byte, endStream bool) error

	// WriteReset emits a RST_STREAM frame for the stream.
	WriteReset(ctx context.Context, streamID uint32, code ErrorCode) error

	// UpdateWindow emits a WINDOW_UPDATE frame for the stream.
	UpdateWindow(ctx context.Context, streamID uint32, delta uint32) error

	// LocalAddr and RemoteAddr identify the underlying connection; the
	// transport uses them only to tag its log output.
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// FramerWriter is a FrameWriter backed by a golang.org/x/net/http2 Framer.
// The framer and the hpack encoder share one mutex, so a FramerWriter may be
// handed to every stream of a connection.
type FramerWriter struct {
	mu     sync.Mutex
	framer *xhttp2.Framer
	hbuf   bytes.Buffer
	henc   *hpack.Encoder
	conn   net.Conn
}

// NewFramerWriter wraps conn in a FrameWriter. All frames written through it
// are serialized.
func NewFramerWriter(conn net.Conn) *FramerWriter {
	fw := &FramerWriter{
		framer: xhttp2.NewFramer(conn, conn),
		conn:   conn,
	}
	fw.henc = hpack.NewEncoder(&fw.hbuf)
	return fw
}

// WriteHeaders HPACK-encodes the header block and emits a HEADERS frame.
func (fw *FramerWriter) WriteHeaders(ctx context.Context, streamID uint32, headers []hpack.HeaderField, endStream bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.hbuf.Reset()
	for _, hf := range headers {
		if err := fw.henc.WriteField(hf); err != nil {
			return err
		}
	}
	return fw.framer.WriteHeaders(xhttp2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: fw.hbuf.Bytes(),
		EndHeaders:    true,
		EndStream:     endStream,
	})
}

// WriteData emits a DATA frame.
func (fw *FramerWriter) WriteData(ctx context.Context, streamID uint32, data []byte, endStream bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.framer.WriteData(streamID, endStream, data)
}

// WriteReset emits a RST_STREAM frame.
func (fw *FramerWriter) WriteReset(ctx context.Context, streamID uint32, code ErrorCode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.framer.WriteRSTStream(streamID, xhttp2.ErrCode(code))
}

// UpdateWindow emits a WINDOW_UPDATE frame.
func (fw *FramerWriter) UpdateWindow(ctx context.Context, streamID uint32, delta uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.framer.WriteWindowUpdate(streamID, delta)
}

// LocalAddr returns the local address of the underlying connection.
func (fw *FramerWriter) LocalAddr() net.Addr {
	return fw.conn.LocalAddr()
}

// RemoteAddr returns the remote address of the underlying connection.
func (fw *FramerWriter) RemoteAddr() net.Addr {
	return fw.conn.RemoteAddr()
}
