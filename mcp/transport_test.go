package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viable-systems/vsm-mcp-sub004/core"
)

// wirePair is the far end of a transport: what the child process would see.
type wirePair struct {
	requests *io.PipeReader // lines the transport wrote
	replies  *io.PipeWriter // lines the transport will read
}

func newTestTransport(t *testing.T, opts ...TransportOption) (*Transport, *wirePair) {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	tr := NewTransport(stdinW, stdoutR, opts...)
	t.Cleanup(tr.Close)
	return tr, &wirePair{requests: stdinR, replies: stdoutW}
}

// respond reads one request line and answers it through fn.
func (w *wirePair) respond(t *testing.T, fn func(req rpcMessage) string) {
	t.Helper()
	scanner := bufio.NewScanner(w.requests)
	require.True(t, scanner.Scan(), "expected a request line")
	var req rpcMessage
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &req))
	if reply := fn(req); reply != "" {
		_, err := io.WriteString(w.replies, reply+"\n")
		require.NoError(t, err)
	}
}

func TestTransportCallRoundTrip(t *testing.T) {
	tr, wire := newTestTransport(t)

	go wire.respond(t, func(req rpcMessage) string {
		assert.Equal(t, "2.0", req.JSONRPC)
		assert.Equal(t, "tools/list", req.Method)
		require.NotNil(t, req.ID)
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"tools":[]}}`, *req.ID)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := tr.Call(ctx, "tools/list", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tools":[]}`, string(result))
}

func TestTransportCallServerError(t *testing.T) {
	tr, wire := newTestTransport(t)

	go wire.respond(t, func(req rpcMessage) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found","data":{"hint":"nope"}}}`, *req.ID)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := tr.Call(ctx, "bogus/method", nil)
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
	assert.Equal(t, "method not found", rpcErr.Message)
	assert.JSONEq(t, `{"hint":"nope"}`, string(rpcErr.Data))
}

func TestTransportCallTimeout(t *testing.T) {
	tr, wire := newTestTransport(t)

	// Swallow the request, never answer.
	go wire.respond(t, func(rpcMessage) string { return "" })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.Call(ctx, "tools/call", nil)
	require.ErrorIs(t, err, core.ErrCallTimeout)

	// The transport itself survives a timed-out call.
	assert.True(t, tr.Alive())
}

func TestTransportDropsUnknownIDs(t *testing.T) {
	tr, wire := newTestTransport(t)

	go wire.respond(t, func(req rpcMessage) string {
		// An id this transport never issued, then the real answer.
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":9999,"result":{}}`+"\n"+
			`{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`, *req.ID)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := tr.Call(ctx, "initialize", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestTransportSkipsMalformedLines(t *testing.T) {
	tr, wire := newTestTransport(t)

	go wire.respond(t, func(req rpcMessage) string {
		return "this is not json\n" +
			fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, *req.ID)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := tr.Call(ctx, "initialize", nil)
	require.NoError(t, err)
	assert.True(t, tr.Alive())
}

func TestTransportClosedFansOutToPendingCalls(t *testing.T) {
	var closedErr atomic.Value
	var closeCount atomic.Int32

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	tr := NewTransport(stdinW, stdoutR, WithOnClose(func(err error) {
		closedErr.Store(err)
		closeCount.Add(1)
	}))

	// Drain requests so writes do not block.
	go io.Copy(io.Discard, stdinR)

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = tr.Call(context.Background(), "tools/call", nil)
		}(i)
	}

	// Give the calls time to register, then kill stdout.
	time.Sleep(50 * time.Millisecond)
	stdoutW.Close()
	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, core.ErrTransportClosed)
	}
	assert.False(t, tr.Alive())
	assert.Equal(t, int32(1), closeCount.Load(), "onClose must fire exactly once")

	// New calls fail fast.
	_, err := tr.Call(context.Background(), "tools/list", nil)
	assert.ErrorIs(t, err, core.ErrTransportClosed)

	select {
	case <-tr.Done():
	default:
		t.Fatal("Done channel should be closed")
	}
}

func TestTransportNotifications(t *testing.T) {
	got := make(chan string, 1)
	tr, wire := newTestTransport(t, WithNotifications(func(method string, params json.RawMessage) {
		got <- method
	}))
	_ = tr

	_, err := io.WriteString(wire.replies, `{"jsonrpc":"2.0","method":"log/message","params":{"level":"info"}}`+"\n")
	require.NoError(t, err)

	select {
	case method := <-got:
		assert.Equal(t, "log/message", method)
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not delivered")
	}
}

func TestTransportNotify(t *testing.T) {
	tr, wire := newTestTransport(t)

	done := make(chan rpcMessage, 1)
	go func() {
		scanner := bufio.NewScanner(wire.requests)
		if scanner.Scan() {
			var msg rpcMessage
			if json.Unmarshal(scanner.Bytes(), &msg) == nil {
				done <- msg
			}
		}
	}()

	require.NoError(t, tr.Notify("shutdown", nil))
	select {
	case msg := <-done:
		assert.Nil(t, msg.ID, "notifications carry no id")
		assert.Equal(t, "shutdown", msg.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not written")
	}
}

func TestTransportMonotonicIDs(t *testing.T) {
	tr, wire := newTestTransport(t)

	ids := make([]int64, 0, 3)
	var mu sync.Mutex
	for i := 0; i < 3; i++ {
		go wire.respond(t, func(req rpcMessage) string {
			mu.Lock()
			ids = append(ids, *req.ID)
			mu.Unlock()
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, *req.ID)
		})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := tr.Call(ctx, "tools/list", nil)
		cancel()
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ids, 3)
	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])
}

func TestTransportErrorsAreSentinels(t *testing.T) {
	tr, _ := newTestTransport(t)
	tr.Close()

	_, err := tr.Call(context.Background(), "tools/list", nil)
	assert.True(t, errors.Is(err, core.ErrTransportClosed))
	assert.ErrorIs(t, tr.Notify("x", nil), core.ErrTransportClosed)
}
