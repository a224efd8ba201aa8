package http2

import (
	"context"
	"strings"

	"golang.org/x/net/http2/hpack"
)

// Role selects which side of a stream this transport plays. A client sends
// requests and receives responses; a server sends responses and receives
// requests.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

// String returns a string representation of the Role.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// ReceivedMessage is the high-level inbound message: the initial headers plus
// a body stream. For a client transport it is the response, for a server
// transport the request.
type ReceivedMessage struct {
	Headers []hpack.HeaderField
	Body    *BodyStream
}

// OutgoingMessage is the high-level outbound message. A nil Body means the
// message has no body and the initial HEADERS carry END_STREAM.
type OutgoingMessage struct {
	Headers []hpack.HeaderField
	Body    FrameReader
}

// NewRequest builds an outbound request message.
func NewRequest(method, path, scheme, authority string, body FrameReader) *OutgoingMessage {
	hdrs := []hpack.HeaderField{
		{Name: ":method", Value: method},
		{Name: ":scheme", Value: scheme},
		{Name: ":path", Value: path},
	}
	if authority != "" {
		hdrs = append(hdrs, hpack.HeaderField{Name: ":authority", Value: authority})
	}
	return &OutgoingMessage{Headers: hdrs, Body: body}
}

// NewResponse builds an outbound response message.
func NewResponse(status string, body FrameReader) *OutgoingMessage {
	return &OutgoingMessage{
		Headers: []hpack.HeaderField{{Name: ":status", Value: status}},
		Body:    body,
	}
}

// BodyStream is the received message body: a lazy, finite, non-restartable
// sequence of frames backed by the stream's frame queue. The application is
// the sole consumer.
type BodyStream struct {
	q *frameQueue
}

// Read returns the next body frame. After the final frame it returns io.EOF;
// after a reset it returns the terminal *StreamError. DataFrames must be
// released once consumed so the flow-control window is refunded.
func (b *BodyStream) Read(ctx context.Context) (Frame, error) {
	return b.q.read(ctx)
}

// connectionHeaders lists the hop-by-hop header fields RFC 7540 Section
// 8.1.2.2 forbids in HTTP/2.
var connectionHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-connection":    {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// validateHeaders rejects connection-specific headers in a header block. The
// te header is permitted only with the value "trailers".
func validateHeaders(streamID uint32, headers []hpack.HeaderField) *StreamError {
	for _, hf := range headers {
		name := strings.ToLower(hf.Name)
		if _, forbidden := connectionHeaders[name]; forbidden {
			return NewLocalStreamError(streamID, ErrCodeProtocolError, "connection-specific header field "+name)
		}
		if name == "te" && strings.ToLower(hf.Value) != "trailers" {
			return NewLocalStreamError(streamID, ErrCodeProtocolError, "te header field with value other than trailers")
		}
	}
	return nil
}

// BufferedBody is a FrameReader over a fixed, pre-materialized frame
// sequence. It is the simplest producer for callers whose body is already in
// memory; the last frame must end the stream.
type BufferedBody struct {
	frames []Frame
}

// NewBufferedBody returns a FrameReader yielding the given frames in order.
func NewBufferedBody(frames ...Frame) *BufferedBody {
	return &BufferedBody{frames: frames}
}

// ReadFrame returns the next frame of the buffered sequence.
func (b *BufferedBody) ReadFrame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(b.frames) == 0 {
		return nil, &IllegalStateError{Msg: "read past end of buffered body"}
	}
	f := b.frames[0]
	b.frames = b.frames[1:]
	return f, nil
}
