package http2

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/mbrukman/linkerd/internal/stats"
)

// transportStats holds the per-stream metrics the transport reports.
type transportStats struct {
	localReset       stats.Counter
	remoteReset      stats.Counter
	localTrailers    stats.Counter
	remoteTrailers   stats.Counter
	localDataFrames  stats.Counter
	remoteDataFrames stats.Counter
	localDataBytes   stats.Stat
	remoteDataBytes  stats.Stat
}

func newTransportStats(reg stats.Registry) *transportStats {
	return &transportStats{
		localReset:       reg.Counter("local.reset"),
		remoteReset:      reg.Counter("remote.reset"),
		localTrailers:    reg.Counter("local.trailers"),
		remoteTrailers:   reg.Counter("remote.trailers"),
		localDataFrames:  reg.Counter("local.data.frames"),
		remoteDataFrames: reg.Counter("remote.data.frames"),
		localDataBytes:   reg.Stat("local.data.bytes"),
		remoteDataBytes:  reg.Stat("remote.data.bytes"),
	}
}

// StreamTransport mediates a single bidirectional HTTP/2 stream between the
// connection's inbound dispatcher and the application. The dispatcher feeds
// parsed frames to Recv; the application sends one message with Send and
// receives one with ReceiveMessage. Either side may originate a reset, which
// short-circuits the other.
//
// The lifecycle state lives in one atomic cell holding an immutable
// streamState descriptor; every transition is a compare-and-swap and a failed
// swap retries against the re-read cell. Recv never suspends. The transport
// is safe for the concurrency pattern it is built for: one dispatcher thread
// calling Recv, the application driving Send/ReceiveMessage, and resets from
// anywhere.
type StreamTransport struct {
	id    uint32
	fw    FrameWriter
	role  Role
	log   zerolog.Logger
	stats *transportStats

	state atomic.Pointer[streamState]

	recvOnce sync.Once
	recvCh   chan struct{}
	recvMsg  *ReceivedMessage
	recvErr  error

	resetOnce sync.Once
	resetCh   chan struct{}
	resetErr  error

	// ctx is cancelled when the stream reaches Closed, so that in-flight
	// outbound writes and body reads observe the failure and terminate.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewStreamTransport creates a transport for the given stream id. The
// FrameWriter is assumed to be serialized by its owner. A nil registry
// disables metrics.
func NewStreamTransport(id uint32, fw FrameWriter, reg stats.Registry, role Role, log zerolog.Logger) *StreamTransport {
	if reg == nil {
		reg = stats.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &StreamTransport{
		id:      id,
		fw:      fw,
		role:    role,
		stats:   newTransportStats(reg),
		recvCh:  make(chan struct{}),
		resetCh: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	t.log = log.With().
		Uint32("stream_id", id).
		Str("role", role.String()).
		Str("local_addr", addrString(fw.LocalAddr())).
		Str("remote_addr", addrString(fw.RemoteAddr())).
		Logger()
	t.state.Store(stateOpenPending)
	return t
}

// StreamID returns the stream's identifier.
func (t *StreamTransport) StreamID() uint32 {
	return t.id
}

// State returns the stream's current lifecycle state.
func (t *StreamTransport) State() StreamState {
	return t.state.Load().kind
}

// IsClosed reports whether the stream has reached its terminal state.
func (t *StreamTransport) IsClosed() bool {
	return t.State() == StreamStateClosed
}

// Done returns a channel closed once the stream reaches its terminal state.
// After Done, Err reports the terminal condition.
func (t *StreamTransport) Done() <-chan struct{} {
	return t.resetCh
}

// Err returns nil while the stream is live or when it closed with NoError;
// otherwise it returns the terminal *StreamError.
func (t *StreamTransport) Err() error {
	select {
	case <-t.resetCh:
		return t.resetErr
	default:
		return nil
	}
}

// ReceiveMessage blocks until the peer's initial HEADERS deliver a message,
// the stream is reset, or ctx is done. Cancelling ctx resets the stream
// locally: a *StreamError cause reuses its code, ErrRejected maps to
// REFUSED_STREAM, a plain cancellation maps to CANCEL, and any other cause
// maps to INTERNAL_ERROR.
func (t *StreamTransport) ReceiveMessage(ctx context.Context) (*ReceivedMessage, error) {
	select {
	case <-t.recvCh:
		return t.recvMsg, t.recvErr
	case <-ctx.Done():
		// An already-delivered message wins over a late interrupt.
		select {
		case <-t.recvCh:
			return t.recvMsg, t.recvErr
		default:
		}
		t.reset(NewLocalStreamError(t.id, interruptCode(context.Cause(ctx)), "receive interrupted"))
		<-t.recvCh
		return t.recvMsg, t.recvErr
	}
}

// interruptCode maps an application interrupt to the reset code announced to
// the peer.
func interruptCode(cause error) ErrorCode {
	var se *StreamError
	switch {
	case cause == nil, errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		return ErrCodeCancel
	case errors.As(cause, &se):
		return se.Code
	case errors.Is(cause, ErrRejected):
		return ErrCodeRefusedStream
	default:
		return ErrCodeInternalError
	}
}

// LocalReset aborts the stream from this side. A RST_STREAM with the given
// code is emitted to the peer. Idempotent once the stream is closed.
func (t *StreamTransport) LocalReset(code ErrorCode) {
	t.reset(NewLocalStreamError(t.id, code, "reset"))
}

// RemoteReset records an abort originated by the peer. No frame is emitted.
// Idempotent once the stream is closed.
func (t *StreamTransport) RemoteReset(code ErrorCode) {
	t.reset(NewRemoteStreamError(t.id, code, "reset by peer"))
}

// reset drives any resettable state to Closed(se), tears down whatever the
// prior state owned, emits RST_STREAM for local-origin aborts, and resolves
// the terminal signal. Returns false when the stream was already closed.
func (t *StreamTransport) reset(se *StreamError) bool {
	prev, ok := t.casClosed(closed(se))
	if !ok {
		return false
	}
	t.teardown(prev, se)
	if se.Remote {
		t.stats.remoteReset.Incr()
	} else {
		t.stats.localReset.Incr()
		// Recv is non-suspending and its admission paths reset inline, so
		// the RST_STREAM wire write runs on its own goroutine.
		go func() {
			if err := t.fw.WriteReset(context.Background(), t.id, se.Code); err != nil {
				t.log.Error().Err(err).Str("code", se.Code.String()).Msg("failed to write RST_STREAM")
			}
		}()
	}
	t.log.Debug().Str("code", se.Code.String()).Bool("remote", se.Remote).Msg("stream reset")
	t.resolveReset(se)
	return true
}

// casClosed swaps any resettable state for next (a Closed descriptor) and
// returns the prior state. Returns false if the stream was already closed.
func (t *StreamTransport) casClosed(next *streamState) (*streamState, bool) {
	for {
		st := t.state.Load()
		if !st.resettable() {
			return nil, false
		}
		if t.state.CompareAndSwap(st, next) {
			return st, true
		}
	}
}

// teardown releases whatever the pre-Closed state owned: a still-pending
// message promise is failed, a live frame queue is poisoned with the frames
// discarded so pending reads fail.
func (t *StreamTransport) teardown(prev *streamState, se *StreamError) {
	switch {
	case prev.remoteOpen():
		if prev.phase == remotePending {
			t.failReceived(se)
		} else {
			prev.queue.fail(se, true)
		}
	case prev.kind == StreamStateRemoteClosed:
		prev.queue.fail(se, true)
	}
	t.cancel()
}

func (t *StreamTransport) deliver(msg *ReceivedMessage) {
	t.recvOnce.Do(func() {
		t.recvMsg = msg
		close(t.recvCh)
	})
}

func (t *StreamTransport) failReceived(err error) {
	t.recvOnce.Do(func() {
		t.recvErr = err
		close(t.recvCh)
	})
}

// resolveReset completes the terminal signal exactly once: success iff the
// terminal reason is NoError.
func (t *StreamTransport) resolveReset(se *StreamError) {
	t.resetOnce.Do(func() {
		if se != nil && se.Code != ErrCodeNoError {
			t.resetErr = se
		}
		close(t.resetCh)
		t.cancel()
	})
}

// Recv admits one parsed inbound frame. It returns false when the frame
// cannot be accepted because the stream was already in its terminal state;
// the return value is advisory and never an error by itself. Recv never
// blocks: it is a state-machine step plus at most one non-blocking enqueue.
func (t *StreamTransport) Recv(f Http2Frame) bool {
	switch f := f.(type) {
	case *ResetFrame:
		return t.reset(NewRemoteStreamError(t.id, f.Code, "reset by peer"))
	case *HeadersFrame:
		return t.recvHeaders(f)
	case *DataFrame:
		return t.recvData(f)
	default:
		t.log.Error().Msg("unrecognized inbound frame kind")
		return false
	}
}

func (t *StreamTransport) recvHeaders(f *HeadersFrame) bool {
	for {
		st := t.state.Load()
		switch {
		case st.kind == StreamStateClosed:
			return false

		case st.remoteOpen() && st.phase == remotePending:
			// Initial HEADERS: this block delivers the received message.
			if se := validateHeaders(t.id, f.Headers); se != nil {
				t.reset(se)
				return true
			}
			if !f.EndStream {
				q := newFrameQueue()
				var next *streamState
				if st.kind == StreamStateOpen {
					next = openStreaming(q)
				} else {
					next = localClosed(remoteStreaming, q)
				}
				if !t.state.CompareAndSwap(st, next) {
					continue
				}
				t.deliver(&ReceivedMessage{Headers: f.Headers, Body: &BodyStream{q: q}})
				return true
			}
			// END_STREAM on the initial HEADERS: the body is empty. The
			// queue is created already at end-of-stream so RemoteClosed
			// still owns something a later reset can poison.
			q := newEmptyBodyQueue()
			if st.kind == StreamStateOpen {
				if !t.state.CompareAndSwap(st, remoteClosed(q)) {
					continue
				}
				t.deliver(&ReceivedMessage{Headers: f.Headers, Body: &BodyStream{q: q}})
				return true
			}
			if !t.state.CompareAndSwap(st, closed(nil)) {
				continue
			}
			t.deliver(&ReceivedMessage{Headers: f.Headers, Body: &BodyStream{q: q}})
			t.log.Debug().Msg("stream complete")
			t.resolveReset(nil)
			return true

		case st.remoteOpen() && st.phase == remoteStreaming:
			if !f.EndStream {
				// A second header block on a streaming remote must carry
				// END_STREAM (trailers).
				t.LocalReset(ErrCodeInternalError)
				return true
			}
			// Connection-specific headers are forbidden in trailers too.
			if se := validateHeaders(t.id, f.Headers); se != nil {
				t.reset(se)
				return true
			}
			if st.kind == StreamStateOpen {
				if !t.state.CompareAndSwap(st, remoteClosed(st.queue)) {
					continue
				}
				st.queue.offer(&TrailersFrame{Headers: f.Headers})
				st.queue.fail(nil, false)
				t.stats.remoteTrailers.Incr()
				return true
			}
			if !t.state.CompareAndSwap(st, closed(nil)) {
				continue
			}
			st.queue.offer(&TrailersFrame{Headers: f.Headers})
			st.queue.fail(nil, false)
			t.stats.remoteTrailers.Incr()
			t.log.Debug().Msg("stream complete")
			t.resolveReset(nil)
			return true

		case st.kind == StreamStateRemoteClosed:
			if f.EndStream {
				t.LocalReset(ErrCodeInternalError)
			} else {
				t.LocalReset(ErrCodeStreamClosed)
			}
			return true
		}
	}
}

func (t *StreamTransport) recvData(f *DataFrame) bool {
	for {
		st := t.state.Load()
		switch {
		case st.kind == StreamStateClosed:
			return false

		case st.remoteOpen() && st.phase == remotePending:
			// DATA before the initial HEADERS.
			t.LocalReset(ErrCodeInternalError)
			return true

		case st.remoteOpen() && st.phase == remoteStreaming:
			if !f.EndStream {
				t.attachRefund(f)
				if !st.queue.offer(f) {
					t.LocalReset(ErrCodeStreamClosed)
					return true
				}
				t.recordRemoteData(f)
				return true
			}
			if st.kind == StreamStateOpen {
				if !t.state.CompareAndSwap(st, remoteClosed(st.queue)) {
					continue
				}
				t.attachRefund(f)
				if st.queue.offer(f) {
					t.recordRemoteData(f)
				}
				st.queue.fail(nil, false)
				return true
			}
			if !t.state.CompareAndSwap(st, closed(nil)) {
				continue
			}
			t.attachRefund(f)
			if st.queue.offer(f) {
				t.recordRemoteData(f)
			}
			st.queue.fail(nil, false)
			t.log.Debug().Msg("stream complete")
			t.resolveReset(nil)
			return true

		case st.kind == StreamStateRemoteClosed:
			t.LocalReset(ErrCodeStreamClosed)
			return true
		}
	}
}

// attachRefund arms the frame's Release hook so that consuming the bytes
// refunds the stream's receive window.
func (t *StreamTransport) attachRefund(f *DataFrame) {
	n := len(f.Data)
	if n == 0 || f.release != nil {
		return
	}
	f.release = func() {
		if err := t.fw.UpdateWindow(context.Background(), t.id, uint32(n)); err != nil {
			t.log.Error().Err(err).Int("bytes", n).Msg("failed to write WINDOW_UPDATE")
		}
	}
}

func (t *StreamTransport) recordRemoteData(f *DataFrame) {
	t.stats.remoteDataFrames.Incr()
	t.stats.remoteDataBytes.Observe(float64(len(f.Data)))
}

// SendDone is the completion handle for an outbound message body: resolved
// once the full body, including trailers or the END_STREAM flag, has been
// written.
type SendDone struct {
	once sync.Once
	ch   chan struct{}
	err  error
}

func newSendDone() *SendDone {
	return &SendDone{ch: make(chan struct{})}
}

// Done returns a channel closed when the body write has finished, in success
// or failure.
func (d *SendDone) Done() <-chan struct{} {
	return d.ch
}

// Err returns the body write outcome. Valid once Done is closed; nil before.
func (d *SendDone) Err() error {
	select {
	case <-d.ch:
		return d.err
	default:
		return nil
	}
}

// Wait blocks until the body write has finished or ctx is done.
func (d *SendDone) Wait(ctx context.Context) error {
	select {
	case <-d.ch:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes the message's initial HEADERS and starts draining its body. A
// nil return error means the headers are on the wire and a request-response
// round may begin; the returned handle resolves once the whole body has been
// written and the local half-stream is closed. Cancelling ctx while the body
// drains resets the stream with CANCEL.
func (t *StreamTransport) Send(ctx context.Context, msg *OutgoingMessage) (*SendDone, error) {
	st := t.state.Load()
	switch st.kind {
	case StreamStateClosed:
		if st.reason != nil {
			return nil, st.reason
		}
		return nil, NewLocalStreamError(t.id, ErrCodeStreamClosed, "stream closed")
	case StreamStateLocalClosed:
		return nil, NewLocalStreamError(t.id, ErrCodeStreamClosed, "local half-stream already closed")
	}

	if se := validateHeaders(t.id, msg.Headers); se != nil {
		t.reset(se)
		return nil, se
	}

	empty := msg.Body == nil
	if err := t.fw.WriteHeaders(ctx, t.id, msg.Headers, empty); err != nil {
		se := t.wrapWriteErr(ctx, err)
		t.reset(se)
		return nil, se
	}

	done := newSendDone()
	if empty {
		done.resolve(t.closeLocal())
		return done, nil
	}
	go t.writeBody(ctx, msg.Body, done)
	return done, nil
}

func (d *SendDone) resolve(err error) {
	d.once.Do(func() {
		d.err = err
		close(d.ch)
	})
}

// writeBody drains the outbound body, one frame at a time, until a frame
// ends the stream. The loop is strictly sequential, so the drain never has two
// writes of its own in flight; RST_STREAM writes from a reset and
// WINDOW_UPDATE writes from Release can still overlap it.
func (t *StreamTransport) writeBody(ctx context.Context, body FrameReader, done *SendDone) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// A reset cancels the stream context, which aborts the next read or
	// write below.
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()

	for {
		f, err := body.ReadFrame(ctx)
		if err != nil {
			se := t.wrapProducerErr(ctx, err)
			t.reset(se)
			done.resolve(se)
			return
		}
		var endStream bool
		switch f := f.(type) {
		case *DataFrame:
			if err := t.fw.WriteData(ctx, t.id, f.Data, f.EndStream); err != nil {
				se := t.wrapWriteErr(ctx, err)
				t.reset(se)
				done.resolve(se)
				return
			}
			t.stats.localDataFrames.Incr()
			t.stats.localDataBytes.Observe(float64(len(f.Data)))
			endStream = f.EndStream
		case *TrailersFrame:
			if se := validateHeaders(t.id, f.Headers); se != nil {
				t.reset(se)
				done.resolve(se)
				return
			}
			if err := t.fw.WriteHeaders(ctx, t.id, f.Headers, true); err != nil {
				se := t.wrapWriteErr(ctx, err)
				t.reset(se)
				done.resolve(se)
				return
			}
			t.stats.localTrailers.Incr()
			endStream = true
		default:
			se := NewLocalStreamError(t.id, ErrCodeInternalError, "unrecognized outbound body frame")
			t.reset(se)
			done.resolve(se)
			return
		}
		if endStream {
			done.resolve(t.closeLocal())
			return
		}
	}
}

// wrapWriteErr classifies a FrameWriter failure. A StreamError passes
// through unchanged; a cancellation maps to a local CANCEL; anything else is
// a network failure and therefore remote-origin, so no RST_STREAM will be
// emitted for it.
func (t *StreamTransport) wrapWriteErr(ctx context.Context, err error) *StreamError {
	var se *StreamError
	if errors.As(err, &se) {
		return se
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return NewLocalStreamErrorWithCause(t.id, ErrCodeCancel, "send cancelled", err)
	}
	return NewRemoteStreamErrorWithCause(t.id, ErrCodeInternalError, "frame write failed", err)
}

// wrapProducerErr classifies a failure reading the caller's outbound body.
// The producer is on our side, so the abort is local-origin.
func (t *StreamTransport) wrapProducerErr(ctx context.Context, err error) *StreamError {
	var se *StreamError
	if errors.As(err, &se) {
		return se
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return NewLocalStreamErrorWithCause(t.id, ErrCodeCancel, "send cancelled", err)
	}
	return NewLocalStreamErrorWithCause(t.id, ErrCodeInternalError, "outbound body failed", err)
}

// closeLocal records that this endpoint has finished sending.
func (t *StreamTransport) closeLocal() error {
	for {
		st := t.state.Load()
		switch st.kind {
		case StreamStateOpen:
			if t.state.CompareAndSwap(st, localClosed(st.phase, st.queue)) {
				t.log.Debug().Msg("local half-stream closed")
				return nil
			}
		case StreamStateRemoteClosed:
			if t.state.CompareAndSwap(st, closed(nil)) {
				t.log.Debug().Msg("stream complete")
				t.resolveReset(nil)
				return nil
			}
		case StreamStateLocalClosed:
			// Double close of the local half: a caller bug, not a protocol
			// event.
			ise := &IllegalStateError{StreamID: t.id, Msg: "local half-stream closed twice"}
			se := NewLocalStreamErrorWithCause(t.id, ErrCodeInternalError, "double close of local half-stream", ise)
			if t.state.CompareAndSwap(st, closed(se)) {
				t.teardown(st, se)
				t.log.Error().Msg(ise.Msg)
				t.resolveReset(se)
				return ise
			}
		case StreamStateClosed:
			return nil
		}
	}
}

func addrString(a interface{ String() string }) string {
	if a == nil {
		return ""
	}
	return a.String()
}
