package http2

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"

	"github.com/mbrukman/linkerd/internal/logger"
	"github.com/mbrukman/linkerd/internal/stats"
)

// mockFrameWriter records every frame written through it. Error fields may
// be set to inject write failures.
type mockFrameWriter struct {
	mu sync.Mutex

	headers []writtenHeaders
	data    []writtenData
	resets  []writtenReset
	windows []writtenWindow

	headersErr error
	dataErr    error
	resetErr   error
}

type writtenHeaders struct {
	StreamID  uint32
	Headers   []hpack.HeaderField
	EndStream bool
}

type writtenData struct {
	StreamID  uint32
	Data      []byte
	EndStream bool
}

type writtenReset struct {
	StreamID uint32
	Code     ErrorCode
}

type writtenWindow struct {
	StreamID uint32
	Delta    uint32
}

func (m *mockFrameWriter) WriteHeaders(_ context.Context, streamID uint32, headers []hpack.HeaderField, endStream bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.headersErr != nil {
		return m.headersErr
	}
	hdrs := make([]hpack.HeaderField, len(headers))
	copy(hdrs, headers)
	m.headers = append(m.headers, writtenHeaders{StreamID: streamID, Headers: hdrs, EndStream: endStream})
	return nil
}

func (m *mockFrameWriter) WriteData(_ context.Context, streamID uint32, data []byte, endStream bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dataErr != nil {
		return m.dataErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.data = append(m.data, writtenData{StreamID: streamID, Data: buf, EndStream: endStream})
	return nil
}

func (m *mockFrameWriter) WriteReset(_ context.Context, streamID uint32, code ErrorCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resetErr != nil {
		return m.resetErr
	}
	m.resets = append(m.resets, writtenReset{StreamID: streamID, Code: code})
	return nil
}

func (m *mockFrameWriter) UpdateWindow(_ context.Context, streamID uint32, delta uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows = append(m.windows, writtenWindow{StreamID: streamID, Delta: delta})
	return nil
}

func (m *mockFrameWriter) LocalAddr() net.Addr  { return nil }
func (m *mockFrameWriter) RemoteAddr() net.Addr { return nil }

func (m *mockFrameWriter) writtenResets() []writtenReset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]writtenReset(nil), m.resets...)
}

func (m *mockFrameWriter) writtenHeaders() []writtenHeaders {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]writtenHeaders(nil), m.headers...)
}

func (m *mockFrameWriter) writtenData() []writtenData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]writtenData(nil), m.data...)
}

func (m *mockFrameWriter) writtenWindows() []writtenWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]writtenWindow(nil), m.windows...)
}

// newTestTransport builds a transport over a fresh mock writer and in-memory
// stats registry.
func newTestTransport(t *testing.T, role Role) (*StreamTransport, *mockFrameWriter, *stats.InMemory) {
	t.Helper()
	fw := &mockFrameWriter{}
	reg := stats.NewInMemory()
	tr := NewStreamTransport(1, fw, reg, role, logger.Nop())
	return tr, fw, reg
}

// testContext returns a context that expires after five seconds, so a wedged
// transport fails the test instead of hanging it.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// makeHeaders builds hpack header fields from name/value pairs.
func makeHeaders(kv ...string) []hpack.HeaderField {
	if len(kv)%2 != 0 {
		panic("makeHeaders: odd number of kv args")
	}
	hfs := make([]hpack.HeaderField, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		hfs = append(hfs, hpack.HeaderField{Name: kv[i], Value: kv[i+1]})
	}
	return hfs
}

// waitResets blocks until n RST_STREAM frames have been written (the wire
// write runs on its own goroutine) and returns them.
func waitResets(t *testing.T, fw *mockFrameWriter, n int) []writtenReset {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(fw.writtenResets()) >= n
	}, 5*time.Second, time.Millisecond)
	resets := fw.writtenResets()
	require.Len(t, resets, n)
	return resets
}

// waitDone asserts the transport reaches its terminal state.
func waitDone(t *testing.T, tr *StreamTransport) {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("stream %d did not reach terminal state", tr.StreamID())
	}
}
