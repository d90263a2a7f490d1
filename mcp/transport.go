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

	"github.com/viable-systems/vsm-mcp-sub004/core"
)

// maxLineBytes bounds one wire message. Tool schemas can get large but a
// megabyte is already pathological for a line protocol.
const maxLineBytes = 1 << 20

// callResult is what the read loop hands to a waiting caller.
type callResult struct {
	result json.RawMessage
	err    error
}

// NotificationHandler receives inbound notifications (messages with a
// method and no id). It runs on the read loop goroutine and must not block.
type NotificationHandler func(method string, params json.RawMessage)

// Transport frames JSON-RPC 2.0 requests over a child process's stdio.
// One message per line, newline terminated. Requests carry monotonically
// increasing integer ids; a concurrency-safe pending table correlates each
// response to the exact caller that registered the id. Writes to stdin are
// serialized; concurrent Calls interleave at message boundaries only.
type Transport struct {
	writeMu sync.Mutex
	w       io.Writer

	pendingMu sync.Mutex
	pending   map[int64]chan callResult

	nextID atomic.Int64
	dead   atomic.Bool

	closeOnce sync.Once
	onClose   func(err error)
	notify    NotificationHandler
	logger    core.Logger
	done      chan struct{}
}

// TransportOption customizes a Transport.
type TransportOption func(*Transport)

// WithNotifications registers a handler for inbound notifications.
func WithNotifications(h NotificationHandler) TransportOption {
	return func(t *Transport) { t.notify = h }
}

// WithOnClose registers a callback fired exactly once when the transport
// dies (stdout EOF, write failure, or explicit Close). The tool-server
// process subscribes here to drive its restart policy.
func WithOnClose(fn func(err error)) TransportOption {
	return func(t *Transport) { t.onClose = fn }
}

// WithTransportLogger sets the transport's logger.
func WithTransportLogger(l core.Logger) TransportOption {
	return func(t *Transport) { t.logger = l }
}

// NewTransport wraps an already-opened child's stdin writer and stdout
// reader and starts the read loop.
func NewTransport(stdin io.Writer, stdout io.Reader, opts ...TransportOption) *Transport {
	t := &Transport{
		w:       stdin,
		pending: make(map[int64]chan callResult),
		logger:  &core.NoOpLogger{},
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.readLoop(stdout)
	return t
}

// Call sends a request and suspends until the matching response arrives,
// the context expires, or the transport dies. Server-side errors come back
// as *RPCError with the code passed through untouched.
func (t *Transport) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if t.dead.Load() {
		return nil, fmt.Errorf("call %s: %w", method, core.ErrTransportClosed)
	}

	id := t.nextID.Add(1)
	ch := make(chan callResult, 1)

	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()

	if err := t.writeLine(rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		t.removePending(id)
		t.fail(err)
		return nil, fmt.Errorf("call %s: %w", method, core.ErrTransportClosed)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.result, nil
	case <-ctx.Done():
		t.removePending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("call %s (id %d): %w", method, id, core.ErrCallTimeout)
		}
		return nil, ctx.Err()
	}
}

// Notify sends a request without an id. No response is expected.
func (t *Transport) Notify(method string, params interface{}) error {
	if t.dead.Load() {
		return fmt.Errorf("notify %s: %w", method, core.ErrTransportClosed)
	}
	if err := t.writeLine(rpcRequest{JSONRPC: "2.0", Method: method, Params: params}); err != nil {
		t.fail(err)
		return fmt.Errorf("notify %s: %w", method, core.ErrTransportClosed)
	}
	return nil
}

// Alive reports whether the transport can still carry calls.
func (t *Transport) Alive() bool {
	return !t.dead.Load()
}

// Close tears the transport down, failing all pending calls with
// transport_closed. Safe to call more than once.
func (t *Transport) Close() {
	t.fail(io.EOF)
}

// Done is closed when the transport has died.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) writeLine(msg rpcRequest) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.w.Write(data)
	return err
}

// readLoop is the single stdout reader: it parses one message per line and
// routes responses to their waiters. Malformed lines and responses to ids
// never issued are logged and dropped without tearing the transport down.
func (t *Transport) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			t.logger.Warn("dropping malformed message", map[string]interface{}{
				"error": err.Error(),
				"bytes": len(line),
			})
			continue
		}
		switch {
		case msg.ID == nil && msg.Method != "":
			if t.notify != nil {
				t.notify(msg.Method, msg.Params)
			}
		case msg.ID != nil:
			t.deliver(*msg.ID, msg)
		default:
			t.logger.Warn("dropping message with neither id nor method", nil)
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	t.fail(err)
}

func (t *Transport) deliver(id int64, msg rpcMessage) {
	t.pendingMu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()

	if !ok {
		// Late response after cancellation, or an id this transport never
		// issued. Either way nobody is waiting.
		t.logger.Debug("dropping response for unknown id", map[string]interface{}{"id": id})
		return
	}
	if msg.Error != nil {
		ch <- callResult{err: msg.Error}
		return
	}
	ch <- callResult{result: msg.Result}
}

func (t *Transport) removePending(id int64) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

// fail marks the transport dead and fans the failure out to every pending
// waiter. Runs its body exactly once.
func (t *Transport) fail(cause error) {
	t.closeOnce.Do(func() {
		t.dead.Store(true)

		t.pendingMu.Lock()
		waiters := t.pending
		t.pending = make(map[int64]chan callResult)
		t.pendingMu.Unlock()

		for id, ch := range waiters {
			ch <- callResult{err: fmt.Errorf("call (id %d): %w", id, core.ErrTransportClosed)}
		}
		close(t.done)
		if t.onClose != nil {
			t.onClose(cause)
		}
	})
}
