package http2

// StreamState identifies the position of a stream in the RFC 7540 Section
// 5.1 lifecycle, restricted to the states a non-pushing endpoint visits.
type StreamState uint8

const (
	// StreamStateOpen indicates that both half-streams are open.
	StreamStateOpen StreamState = iota

	// StreamStateLocalClosed indicates that this endpoint has sent a frame
	// with the END_STREAM flag and can no longer send, only receive.
	StreamStateLocalClosed

	// StreamStateRemoteClosed indicates that the peer has sent END_STREAM
	// and can no longer send; this endpoint may still send.
	StreamStateRemoteClosed

	// StreamStateClosed indicates that the stream is terminated.
	StreamStateClosed
)

// String returns a string representation of the StreamState.
func (s StreamState) String() string {
	switch s {
	case StreamStateOpen:
		return "open"
	case StreamStateLocalClosed:
		return "half-closed (local)"
	case StreamStateRemoteClosed:
		return "half-closed (remote)"
	case StreamStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// remotePhase tracks how far the remote half-stream has progressed.
type remotePhase uint8

const (
	// remotePending: the initial HEADERS have not arrived; the received
	// message promise is still outstanding.
	remotePending remotePhase = iota

	// remoteStreaming: the initial HEADERS were delivered; body frames flow
	// through the stream's frame queue.
	remoteStreaming
)

// streamState is an immutable descriptor of the stream's current state. The
// transport holds the live descriptor in a single atomic pointer cell and
// every transition is a compare-and-swap of descriptors; a failed CAS
// re-reads the cell and re-evaluates. Descriptors are never mutated after
// publication.
//
// Field validity by kind:
//
//	Open, LocalClosed   phase; queue when phase is remoteStreaming
//	RemoteClosed        queue (already at end-of-stream, kept so a later
//	                    reset can poison in-flight reads)
//	Closed              reason (nil for a NoError close)
type streamState struct {
	kind   StreamState
	phase  remotePhase
	queue  *frameQueue
	reason *StreamError
}

var stateOpenPending = &streamState{kind: StreamStateOpen, phase: remotePending}

func openStreaming(q *frameQueue) *streamState {
	return &streamState{kind: StreamStateOpen, phase: remoteStreaming, queue: q}
}

func localClosed(phase remotePhase, q *frameQueue) *streamState {
	return &streamState{kind: StreamStateLocalClosed, phase: phase, queue: q}
}

func remoteClosed(q *frameQueue) *streamState {
	return &streamState{kind: StreamStateRemoteClosed, queue: q}
}

func closed(reason *StreamError) *streamState {
	return &streamState{kind: StreamStateClosed, reason: reason}
}

// resettable reports whether the state still admits a reset transition.
// Closed is terminal; everything else is resettable.
func (s *streamState) resettable() bool {
	return s.kind != StreamStateClosed
}

// remoteOpen reports whether the remote half-stream is still open, i.e. the
// state carries a remote phase (Open or LocalClosed).
func (s *streamState) remoteOpen() bool {
	return s.kind == StreamStateOpen || s.kind == StreamStateLocalClosed
}
