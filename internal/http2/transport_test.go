package http2

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTransport_HappyGetClient(t *testing.T) {
	tr, fw, reg := newTestTransport(t, RoleClient)
	ctx := testContext(t)

	done, err := tr.Send(ctx, NewRequest("GET", "/x", "http", "", nil))
	require.NoError(t, err)
	require.NoError(t, done.Wait(ctx))

	hdrs := fw.writtenHeaders()
	require.Len(t, hdrs, 1)
	require.True(t, hdrs[0].EndStream)
	require.Equal(t, uint32(1), hdrs[0].StreamID)

	require.True(t, tr.Recv(&HeadersFrame{Headers: makeHeaders(":status", "200"), EndStream: true}))

	rsp, err := tr.ReceiveMessage(ctx)
	require.NoError(t, err)
	require.Equal(t, ":status", rsp.Headers[0].Name)

	_, err = rsp.Body.Read(ctx)
	require.ErrorIs(t, err, io.EOF)

	waitDone(t, tr)
	require.NoError(t, tr.Err())
	require.Equal(t, int64(0), reg.CounterValue("local.reset"))
}

func TestTransport_EchoPostWithBodyAndTrailers(t *testing.T) {
	tr, fw, reg := newTestTransport(t, RoleClient)
	ctx := testContext(t)

	body := NewBufferedBody(
		&DataFrame{Data: []byte("hello")},
		&DataFrame{Data: []byte("world")},
		&TrailersFrame{Headers: makeHeaders("x-trailing", "1")},
	)
	done, err := tr.Send(ctx, NewRequest("POST", "/echo", "http", "", body))
	require.NoError(t, err)
	require.NoError(t, done.Wait(ctx))

	data := fw.writtenData()
	require.Len(t, data, 2)
	require.Equal(t, "hello", string(data[0].Data))
	require.Equal(t, "world", string(data[1].Data))
	require.False(t, data[0].EndStream)
	require.False(t, data[1].EndStream)

	hdrs := fw.writtenHeaders()
	require.Len(t, hdrs, 2) // initial headers + trailers
	require.True(t, hdrs[1].EndStream)
	require.Equal(t, "x-trailing", hdrs[1].Headers[0].Name)

	require.True(t, tr.Recv(&HeadersFrame{Headers: makeHeaders(":status", "200")}))
	require.True(t, tr.Recv(&DataFrame{Data: []byte("helloworld")}))
	require.True(t, tr.Recv(&HeadersFrame{Headers: makeHeaders("x-trailing", "1"), EndStream: true}))

	rsp, err := tr.ReceiveMessage(ctx)
	require.NoError(t, err)

	f, err := rsp.Body.Read(ctx)
	require.NoError(t, err)
	df, ok := f.(*DataFrame)
	require.True(t, ok)
	require.Equal(t, "helloworld", string(df.Data))

	f, err = rsp.Body.Read(ctx)
	require.NoError(t, err)
	tf, ok := f.(*TrailersFrame)
	require.True(t, ok)
	require.Equal(t, "x-trailing", tf.Headers[0].Name)

	_, err = rsp.Body.Read(ctx)
	require.ErrorIs(t, err, io.EOF)

	waitDone(t, tr)
	require.NoError(t, tr.Err())
	require.Equal(t, float64(10), reg.StatSum("remote.data.bytes"))
	require.Equal(t, float64(10), reg.StatSum("local.data.bytes"))
	require.Equal(t, int64(1), reg.CounterValue("local.trailers"))
	require.Equal(t, int64(1), reg.CounterValue("remote.trailers"))
}

func TestTransport_PeerResetsMidBody(t *testing.T) {
	tr, fw, reg := newTestTransport(t, RoleClient)
	ctx := testContext(t)

	body := NewBufferedBody(&DataFrame{Data: []byte("abc"), EndStream: true})
	_, err := tr.Send(ctx, NewRequest("POST", "/x", "http", "", body))
	require.NoError(t, err)

	require.True(t, tr.Recv(&HeadersFrame{Headers: makeHeaders(":status", "200")}))
	rsp, err := tr.ReceiveMessage(ctx)
	require.NoError(t, err)

	require.True(t, tr.Recv(&DataFrame{Data: []byte("xy")}))
	require.True(t, tr.Recv(&ResetFrame{Code: ErrCodeCancel}))

	_, err = rsp.Body.Read(ctx)
	var se *StreamError
	require.ErrorAs(t, err, &se)
	require.True(t, se.Remote)
	require.Equal(t, ErrCodeCancel, se.Code)

	waitDone(t, tr)
	require.ErrorAs(t, tr.Err(), &se)
	require.True(t, se.Remote)
	require.Equal(t, ErrCodeCancel, se.Code)

	require.Empty(t, fw.writtenResets())
	require.Equal(t, int64(1), reg.CounterValue("remote.reset"))
	require.Equal(t, int64(0), reg.CounterValue("local.reset"))
}

func TestTransport_CancelAwaitingHeaders(t *testing.T) {
	tr, fw, reg := newTestTransport(t, RoleClient)
	ctx := testContext(t)

	done, err := tr.Send(ctx, NewRequest("GET", "/x", "http", "", nil))
	require.NoError(t, err)
	require.NoError(t, done.Wait(ctx))

	recvCtx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = tr.ReceiveMessage(recvCtx)
	var se *StreamError
	require.ErrorAs(t, err, &se)
	require.False(t, se.Remote)
	require.Equal(t, ErrCodeCancel, se.Code)

	waitDone(t, tr)
	require.ErrorAs(t, tr.Err(), &se)
	require.Equal(t, ErrCodeCancel, se.Code)

	resets := waitResets(t, fw, 1)
	require.Equal(t, ErrCodeCancel, resets[0].Code)
	require.Equal(t, int64(1), reg.CounterValue("local.reset"))
}

func TestTransport_ReceiveInterruptMapping(t *testing.T) {
	tests := []struct {
		name  string
		cause error
		want  ErrorCode
	}{
		{"generic cancel", context.Canceled, ErrCodeCancel},
		{"load shedding", ErrRejected, ErrCodeRefusedStream},
		{"stream error", NewLocalStreamError(1, ErrCodeEnhanceYourCalm, "backoff"), ErrCodeEnhanceYourCalm},
		{"other", errors.New("boom"), ErrCodeInternalError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr, fw, _ := newTestTransport(t, RoleClient)
			ctx, cancel := context.WithCancelCause(testContext(t))
			cancel(tc.cause)

			_, err := tr.ReceiveMessage(ctx)
			var se *StreamError
			require.ErrorAs(t, err, &se)
			require.Equal(t, tc.want, se.Code)

			resets := waitResets(t, fw, 1)
			require.Equal(t, tc.want, resets[0].Code)
		})
	}
}

func TestTransport_ForbiddenConnectionHeader(t *testing.T) {
	tr, fw, _ := newTestTransport(t, RoleClient)
	ctx := testContext(t)

	require.True(t, tr.Recv(&HeadersFrame{Headers: makeHeaders(":status", "200", "connection", "close")}))

	_, err := tr.ReceiveMessage(ctx)
	var se *StreamError
	require.ErrorAs(t, err, &se)
	require.False(t, se.Remote)
	require.Equal(t, ErrCodeProtocolError, se.Code)

	waitDone(t, tr)
	resets := waitResets(t, fw, 1)
	require.Equal(t, ErrCodeProtocolError, resets[0].Code)
}

func TestTransport_ForbiddenConnectionHeaderInTrailers(t *testing.T) {
	tr, fw, _ := newTestTransport(t, RoleClient)
	ctx := testContext(t)

	require.True(t, tr.Recv(&HeadersFrame{Headers: makeHeaders(":status", "200")}))
	rsp, err := tr.ReceiveMessage(ctx)
	require.NoError(t, err)

	require.True(t, tr.Recv(&HeadersFrame{
		Headers:   makeHeaders("x-trailing", "1", "connection", "close"),
		EndStream: true,
	}))

	_, err = rsp.Body.Read(ctx)
	var se *StreamError
	require.ErrorAs(t, err, &se)
	require.False(t, se.Remote)
	require.Equal(t, ErrCodeProtocolError, se.Code)

	waitDone(t, tr)
	require.ErrorAs(t, tr.Err(), &se)
	require.Equal(t, ErrCodeProtocolError, se.Code)

	resets := waitResets(t, fw, 1)
	require.Equal(t, ErrCodeProtocolError, resets[0].Code)
}

func TestTransport_ForbiddenConnectionHeaderOutbound(t *testing.T) {
	tr, fw, _ := newTestTransport(t, RoleClient)
	ctx := testContext(t)

	msg := &OutgoingMessage{Headers: makeHeaders(":method", "GET", "te", "gzip")}
	_, err := tr.Send(ctx, msg)
	var se *StreamError
	require.ErrorAs(t, err, &se)
	require.Equal(t, ErrCodeProtocolError, se.Code)
	require.Empty(t, fw.writtenHeaders())
	require.True(t, tr.IsClosed())
}

func TestTransport_TrailersAfterLocalClose(t *testing.T) {
	tr, _, _ := newTestTransport(t, RoleClient)
	ctx := testContext(t)

	done, err := tr.Send(ctx, NewRequest("GET", "/x", "http", "", nil))
	require.NoError(t, err)
	require.NoError(t, done.Wait(ctx))
	require.Equal(t, StreamStateLocalClosed, tr.State())

	require.True(t, tr.Recv(&HeadersFrame{Headers: makeHeaders(":status", "200")}))
	require.True(t, tr.Recv(&DataFrame{Data: []byte("ok")}))
	require.True(t, tr.Recv(&HeadersFrame{Headers: makeHeaders("x-done", "1"), EndStream: true}))

	rsp, err := tr.ReceiveMessage(ctx)
	require.NoError(t, err)

	f, err := rsp.Body.Read(ctx)
	require.NoError(t, err)
	require.IsType(t, &DataFrame{}, f)

	f, err = rsp.Body.Read(ctx)
	require.NoError(t, err)
	require.IsType(t, &TrailersFrame{}, f)

	_, err = rsp.Body.Read(ctx)
	require.ErrorIs(t, err, io.EOF)

	waitDone(t, tr)
	require.NoError(t, tr.Err())
}

func TestTransport_DataEndStreamAfterLocalClose(t *testing.T) {
	tr, _, _ := newTestTransport(t, RoleClient)
	ctx := testContext(t)

	done, err := tr.Send(ctx, NewRequest("GET", "/x", "http", "", nil))
	require.NoError(t, err)
	require.NoError(t, done.Wait(ctx))

	require.True(t, tr.Recv(&HeadersFrame{Headers: makeHeaders(":status", "200")}))
	require.True(t, tr.Recv(&DataFrame{Data: []byte("fin"), EndStream: true}))

	rsp, err := tr.ReceiveMessage(ctx)
	require.NoError(t, err)

	f, err := rsp.Body.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "fin", string(f.(*DataFrame).Data))

	_, err = rsp.Body.Read(ctx)
	require.ErrorIs(t, err, io.EOF)

	waitDone(t, tr)
	require.NoError(t, tr.Err())
}

func TestTransport_ResetIdempotent(t *testing.T) {
	tr, fw, reg := newTestTransport(t, RoleClient)

	tr.LocalReset(ErrCodeCancel)
	tr.LocalReset(ErrCodeInternalError)
	tr.RemoteReset(ErrCodeProtocolError)

	var se *StreamError
	require.ErrorAs(t, tr.Err(), &se)
	require.Equal(t, ErrCodeCancel, se.Code)
	require.False(t, se.Remote)

	resets := waitResets(t, fw, 1)
	require.Equal(t, ErrCodeCancel, resets[0].Code)
	require.Equal(t, int64(1), reg.CounterValue("local.reset"))
	require.Equal(t, int64(0), reg.CounterValue("remote.reset"))
}

func TestTransport_RemoteResetIdempotent(t *testing.T) {
	tr, fw, reg := newTestTransport(t, RoleClient)

	require.True(t, tr.Recv(&ResetFrame{Code: ErrCodeRefusedStream}))
	require.False(t, tr.Recv(&ResetFrame{Code: ErrCodeCancel}))

	var se *StreamError
	require.ErrorAs(t, tr.Err(), &se)
	require.Equal(t, ErrCodeRefusedStream, se.Code)
	require.True(t, se.Remote)

	require.Empty(t, fw.writtenResets())
	require.Equal(t, int64(1), reg.CounterValue("remote.reset"))
}

func TestTransport_RecvAfterClosed(t *testing.T) {
	tr, _, _ := newTestTransport(t, RoleClient)

	tr.LocalReset(ErrCodeCancel)

	require.False(t, tr.Recv(&HeadersFrame{Headers: makeHeaders(":status", "200")}))
	require.False(t, tr.Recv(&DataFrame{Data: []byte("x")}))
	require.False(t, tr.Recv(&ResetFrame{Code: ErrCodeCancel}))
}

func TestTransport_DataBeforeHeaders(t *testing.T) {
	tr, fw, _ := newTestTransport(t, RoleClient)

	require.True(t, tr.Recv(&DataFrame{Data: []byte("early")}))

	var se *StreamError
	require.ErrorAs(t, tr.Err(), &se)
	require.Equal(t, ErrCodeInternalError, se.Code)
	require.False(t, se.Remote)

	resets := waitResets(t, fw, 1)
	require.Equal(t, ErrCodeInternalError, resets[0].Code)
}

func TestTransport_SecondHeadersWithoutEndStream(t *testing.T) {
	tr, fw, _ := newTestTransport(t, RoleClient)
	ctx := testContext(t)

	require.True(t, tr.Recv(&HeadersFrame{Headers: makeHeaders(":status", "200")}))
	_, err := tr.ReceiveMessage(ctx)
	require.NoError(t, err)

	require.True(t, tr.Recv(&HeadersFrame{Headers: makeHeaders("x-bogus", "1")}))

	var se *StreamError
	require.ErrorAs(t, tr.Err(), &se)
	require.Equal(t, ErrCodeInternalError, se.Code)
	resets := waitResets(t, fw, 1)
	require.Equal(t, ErrCodeInternalError, resets[0].Code)
}

func TestTransport_FramesAfterRemoteClose(t *testing.T) {
	t.Run("data", func(t *testing.T) {
		tr, _, _ := newTestTransport(t, RoleClient)
		require.True(t, tr.Recv(&HeadersFrame{Headers: makeHeaders(":status", "200"), EndStream: true}))
		require.True(t, tr.Recv(&DataFrame{Data: []byte("late")}))

		var se *StreamError
		require.ErrorAs(t, tr.Err(), &se)
		require.Equal(t, ErrCodeStreamClosed, se.Code)
	})
	t.Run("headers with end stream", func(t *testing.T) {
		tr, _, _ := newTestTransport(t, RoleClient)
		require.True(t, tr.Recv(&HeadersFrame{Headers: makeHeaders(":status", "200"), EndStream: true}))
		require.True(t, tr.Recv(&HeadersFrame{Headers: makeHeaders("x-late", "1"), EndStream: true}))

		var se *StreamError
		require.ErrorAs(t, tr.Err(), &se)
		require.Equal(t, ErrCodeInternalError, se.Code)
	})
	t.Run("headers without end stream", func(t *testing.T) {
		tr, _, _ := newTestTransport(t, RoleClient)
		require.True(t, tr.Recv(&HeadersFrame{Headers: makeHeaders(":status", "200"), EndStream: true}))
		require.True(t, tr.Recv(&HeadersFrame{Headers: makeHeaders("x-late", "1")}))

		var se *StreamError
		require.ErrorAs(t, tr.Err(), &se)
		require.Equal(t, ErrCodeStreamClosed, se.Code)
	})
}

func TestTransport_ResetAfterRemoteClosePoisonsQueue(t *testing.T) {
	tr, _, _ := newTestTransport(t, RoleClient)
	ctx := testContext(t)

	require.True(t, tr.Recv(&HeadersFrame{Headers: makeHeaders(":status", "200")}))
	rsp, err := tr.ReceiveMessage(ctx)
	require.NoError(t, err)

	require.True(t, tr.Recv(&DataFrame{Data: []byte("tail")}))
	require.True(t, tr.Recv(&DataFrame{Data: []byte("end"), EndStream: true}))
	require.Equal(t, StreamStateRemoteClosed, tr.State())

	// The reset discards the undrained tail and poisons further reads.
	require.True(t, tr.Recv(&ResetFrame{Code: ErrCodeCancel}))

	_, err = rsp.Body.Read(ctx)
	var se *StreamError
	require.ErrorAs(t, err, &se)
	require.Equal(t, ErrCodeCancel, se.Code)
	require.True(t, se.Remote)
}

func TestTransport_SendOnClosedStream(t *testing.T) {
	tr, _, _ := newTestTransport(t, RoleClient)
	ctx := testContext(t)

	tr.LocalReset(ErrCodeCancel)

	_, err := tr.Send(ctx, NewRequest("GET", "/x", "http", "", nil))
	var se *StreamError
	require.ErrorAs(t, err, &se)
	require.Equal(t, ErrCodeCancel, se.Code)
}

func TestTransport_SendAfterLocalClose(t *testing.T) {
	tr, _, _ := newTestTransport(t, RoleClient)
	ctx := testContext(t)

	done, err := tr.Send(ctx, NewRequest("GET", "/x", "http", "", nil))
	require.NoError(t, err)
	require.NoError(t, done.Wait(ctx))

	_, err = tr.Send(ctx, NewRequest("GET", "/y", "http", "", nil))
	var se *StreamError
	require.ErrorAs(t, err, &se)
	require.Equal(t, ErrCodeStreamClosed, se.Code)
}

func TestTransport_DoubleCloseLocal(t *testing.T) {
	tr, _, _ := newTestTransport(t, RoleClient)

	require.NoError(t, tr.closeLocal())
	require.Equal(t, StreamStateLocalClosed, tr.State())

	err := tr.closeLocal()
	var ise *IllegalStateError
	require.ErrorAs(t, err, &ise)
	require.True(t, tr.IsClosed())

	var se *StreamError
	require.ErrorAs(t, tr.Err(), &se)
	require.Equal(t, ErrCodeInternalError, se.Code)
}

func TestTransport_SendCancelledMidBody(t *testing.T) {
	tr, fw, _ := newTestTransport(t, RoleClient)
	ctx, cancel := context.WithCancel(testContext(t))

	blocked := make(chan struct{})
	body := &blockingBody{release: blocked}
	done, err := tr.Send(ctx, NewRequest("POST", "/x", "http", "", body))
	require.NoError(t, err)

	cancel()
	require.Error(t, done.Wait(testContext(t)))

	var se *StreamError
	require.ErrorAs(t, done.Err(), &se)
	require.Equal(t, ErrCodeCancel, se.Code)
	require.False(t, se.Remote)

	waitDone(t, tr)
	resets := waitResets(t, fw, 1)
	require.Equal(t, ErrCodeCancel, resets[0].Code)
	close(blocked)
}

func TestTransport_ResetAbortsOutboundDrain(t *testing.T) {
	tr, _, _ := newTestTransport(t, RoleClient)
	ctx := testContext(t)

	blocked := make(chan struct{})
	body := &blockingBody{release: blocked}
	done, err := tr.Send(ctx, NewRequest("POST", "/x", "http", "", body))
	require.NoError(t, err)

	require.True(t, tr.Recv(&ResetFrame{Code: ErrCodeRefusedStream}))

	require.Error(t, done.Wait(ctx))
	waitDone(t, tr)

	var se *StreamError
	require.ErrorAs(t, tr.Err(), &se)
	require.True(t, se.Remote)
	require.Equal(t, ErrCodeRefusedStream, se.Code)
	close(blocked)
}

func TestTransport_ProducerFailureResetsLocally(t *testing.T) {
	tr, fw, _ := newTestTransport(t, RoleClient)
	ctx := testContext(t)

	body := &failingBody{err: errors.New("disk on fire")}
	done, err := tr.Send(ctx, NewRequest("POST", "/x", "http", "", body))
	require.NoError(t, err)

	require.Error(t, done.Wait(ctx))
	var se *StreamError
	require.ErrorAs(t, done.Err(), &se)
	require.False(t, se.Remote)
	require.Equal(t, ErrCodeInternalError, se.Code)

	resets := waitResets(t, fw, 1)
	require.Equal(t, ErrCodeInternalError, resets[0].Code)
}

func TestTransport_WriterFailureIsRemoteOrigin(t *testing.T) {
	tr, fw, _ := newTestTransport(t, RoleClient)
	ctx := testContext(t)

	fw.dataErr = errors.New("broken pipe")
	body := NewBufferedBody(&DataFrame{Data: []byte("x"), EndStream: true})
	done, err := tr.Send(ctx, NewRequest("POST", "/x", "http", "", body))
	require.NoError(t, err)

	require.Error(t, done.Wait(ctx))
	var se *StreamError
	require.ErrorAs(t, done.Err(), &se)
	require.True(t, se.Remote)

	// Remote-origin aborts are absorbed, not re-announced.
	require.Empty(t, fw.writtenResets())
}

func TestTransport_WindowRefund(t *testing.T) {
	tr, fw, _ := newTestTransport(t, RoleClient)
	ctx := testContext(t)

	require.True(t, tr.Recv(&HeadersFrame{Headers: makeHeaders(":status", "200")}))
	rsp, err := tr.ReceiveMessage(ctx)
	require.NoError(t, err)

	require.True(t, tr.Recv(&DataFrame{Data: []byte("abcde")}))

	f, err := rsp.Body.Read(ctx)
	require.NoError(t, err)
	df := f.(*DataFrame)
	df.Release()
	df.Release() // second release must not refund again

	windows := fw.writtenWindows()
	require.Len(t, windows, 1)
	require.Equal(t, uint32(5), windows[0].Delta)
	require.Equal(t, uint32(1), windows[0].StreamID)
}

func TestTransport_ReceiveMessageDeliveredOnce(t *testing.T) {
	tr, _, _ := newTestTransport(t, RoleClient)
	ctx := testContext(t)

	require.True(t, tr.Recv(&HeadersFrame{Headers: makeHeaders(":status", "200"), EndStream: true}))

	first, err := tr.ReceiveMessage(ctx)
	require.NoError(t, err)
	second, err := tr.ReceiveMessage(ctx)
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestTransport_ConcurrentRecvAndReset(t *testing.T) {
	// For any interleaving of inbound frames and local resets the stream
	// must end Closed with the terminal signal resolved exactly once.
	for i := 0; i < 50; i++ {
		tr, _, _ := newTestTransport(t, RoleClient)

		frames := []Http2Frame{
			&HeadersFrame{Headers: makeHeaders(":status", "200")},
			&DataFrame{Data: []byte("a")},
			&DataFrame{Data: []byte("b"), EndStream: true},
		}
		go func() {
			for _, f := range frames {
				tr.Recv(f)
			}
		}()
		go tr.LocalReset(ErrCodeCancel)

		waitDone(t, tr)
		require.True(t, tr.IsClosed())
		select {
		case <-tr.Done():
		case <-time.After(time.Second):
			t.Fatal("terminal signal not resolved")
		}
	}
}

// blockingBody blocks ReadFrame until released, then ends the stream.
type blockingBody struct {
	release chan struct{}
}

func (b *blockingBody) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case <-b.release:
		return &DataFrame{EndStream: true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// failingBody fails the first ReadFrame.
type failingBody struct {
	err error
}

func (b *failingBody) ReadFrame(ctx context.Context) (Frame, error) {
	return nil, b.err
}
