package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viable-systems/vsm-mcp-sub004/acquisition"
	"github.com/viable-systems/vsm-mcp-sub004/core"
	"github.com/viable-systems/vsm-mcp-sub004/daemon"
	"github.com/viable-systems/vsm-mcp-sub004/variety"
)

type fakeCapabilities struct {
	bindings  []core.CapabilityBinding
	refreshed int
	invokeErr error
	lastArgs  map[string]interface{}
}

func (f *fakeCapabilities) List() []core.CapabilityBinding { return f.bindings }
func (f *fakeCapabilities) Refresh() int                   { return f.refreshed }
func (f *fakeCapabilities) Invoke(ctx context.Context, capability string, args map[string]interface{}) (json.RawMessage, error) {
	f.lastArgs = args
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	return json.RawMessage(`{"content":[{"type":"text","text":"ok"}]}`), nil
}

type fakeServers struct{ views []core.ServerView }

func (f *fakeServers) List() []core.ServerView { return f.views }

type fakeAcquisitions struct {
	record  *core.AcquisitionRecord
	err     error
	recent  []core.AcquisitionRecord
	lastN   int
	force   bool
	descLen int
}

func (f *fakeAcquisitions) Acquire(ctx context.Context, descriptors []core.CapabilityDescriptor, opts acquisition.Options) (*core.AcquisitionRecord, error) {
	f.force = opts.Force
	f.descLen = len(descriptors)
	return f.record, f.err
}

func (f *fakeAcquisitions) Recent(n int) []core.AcquisitionRecord {
	f.lastN = n
	return f.recent
}

type fakeControl struct {
	accept   bool
	status   daemon.Status
	injected []core.CapabilityDescriptor
}

func (f *fakeControl) Inject(descriptors []core.CapabilityDescriptor) bool {
	f.injected = descriptors
	return f.accept
}

func (f *fakeControl) Status() daemon.Status { return f.status }

type fakeSink struct{ snap variety.EnvironmentSnapshot }

func (f *fakeSink) Set(snap variety.EnvironmentSnapshot) { f.snap = snap }

func newTestHandler(caps CapabilityService, servers ServerService, acqs AcquisitionService, control ControlService, env EnvironmentSink) http.Handler {
	return New(caps, servers, acqs, control, env).Handler(core.CORSConfig{})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	errObj, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "error envelope missing: %s", rec.Body.String())
	code, _ := errObj["code"].(string)
	return code
}

func TestListCapabilities(t *testing.T) {
	caps := &fakeCapabilities{bindings: []core.CapabilityBinding{
		{Capability: "read_file", ServerID: "srv-1", Tool: "read_file"},
	}}
	h := newTestHandler(caps, nil, nil, nil, nil)

	rec := do(t, h, http.MethodGet, "/api/capabilities", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"capabilities":[{"capability":"read_file","server_id":"srv-1","tool":"read_file","acquired_at":"0001-01-01T00:00:00Z"}]}`, rec.Body.String())
}

func TestRefreshCapabilities(t *testing.T) {
	h := newTestHandler(&fakeCapabilities{refreshed: 4}, nil, nil, nil, nil)
	rec := do(t, h, http.MethodPost, "/api/capabilities/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"bindings":4}`, rec.Body.String())
}

func TestInvokeCapability(t *testing.T) {
	caps := &fakeCapabilities{}
	h := newTestHandler(caps, nil, nil, nil, nil)

	rec := do(t, h, http.MethodPost, "/api/capabilities/read_file/invoke", `{"path":"/etc/hosts"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]interface{}{"path": "/etc/hosts"}, caps.lastArgs)

	body := decodeBody(t, rec)
	assert.Equal(t, "read_file", body["capability"])
	assert.NotNil(t, body["result"])
}

func TestInvokeCapabilityEmptyBody(t *testing.T) {
	caps := &fakeCapabilities{}
	h := newTestHandler(caps, nil, nil, nil, nil)
	rec := do(t, h, http.MethodPost, "/api/capabilities/read_file/invoke", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, caps.lastArgs)
}

func TestInvokeCapabilityMalformedBody(t *testing.T) {
	h := newTestHandler(&fakeCapabilities{}, nil, nil, nil, nil)
	rec := do(t, h, http.MethodPost, "/api/capabilities/read_file/invoke", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, core.CodeInvalidArgs, errorCode(t, rec))
}

func TestInvokeErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{
			name:   "not bound",
			err:    core.NewError(core.CodeNotBound, "capability.Registry.invoke", core.ErrNotBound),
			status: http.StatusNotFound,
			code:   core.CodeNotBound,
		},
		{
			name:   "invalid args",
			err:    core.NewError(core.CodeInvalidArgs, "capability.Registry.invoke", fmt.Errorf("path must be a string")),
			status: http.StatusBadRequest,
			code:   core.CodeInvalidArgs,
		},
		{
			name:   "call timeout",
			err:    core.NewError(core.CodeTransportTimeout, "mcp.Transport.call", core.ErrCallTimeout),
			status: http.StatusGatewayTimeout,
			code:   core.CodeTransportTimeout,
		},
		{
			name:   "server error",
			err:    core.NewError(core.CodeServerError, "mcp.Transport.call", fmt.Errorf("quota exceeded")),
			status: http.StatusBadGateway,
			code:   core.CodeServerError,
		},
		{
			name:   "client gone",
			err:    context.Canceled,
			status: 499,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(&fakeCapabilities{invokeErr: tt.err}, nil, nil, nil, nil)
			rec := do(t, h, http.MethodPost, "/api/capabilities/x/invoke", `{}`)
			assert.Equal(t, tt.status, rec.Code)
			if tt.code != "" {
				assert.Equal(t, tt.code, errorCode(t, rec))
			}
		})
	}
}

func TestInvokeErrorDataPassthrough(t *testing.T) {
	invokeErr := &core.Error{
		Code:    core.CodeServerError,
		Op:      "mcp.Transport.call",
		Message: "quota exceeded",
		Data:    json.RawMessage(`{"retry_after":30}`),
		Err:     fmt.Errorf("rpc error -32050"),
	}
	h := newTestHandler(&fakeCapabilities{invokeErr: invokeErr}, nil, nil, nil, nil)

	rec := do(t, h, http.MethodPost, "/api/capabilities/x/invoke", `{}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]interface{})
	data, err := json.Marshal(errObj["data"])
	require.NoError(t, err)
	assert.JSONEq(t, `{"retry_after":30}`, string(data), "tool-server payloads pass through verbatim")
}

func TestListServers(t *testing.T) {
	servers := &fakeServers{views: []core.ServerView{{ID: "srv-1", Name: "fs", State: core.StateReady}}}
	h := newTestHandler(nil, servers, nil, nil, nil)

	rec := do(t, h, http.MethodGet, "/api/servers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	views := body["servers"].([]interface{})
	require.Len(t, views, 1)
	assert.Equal(t, "srv-1", views[0].(map[string]interface{})["id"])
}

func TestInjectGapAccepted(t *testing.T) {
	control := &fakeControl{accept: true}
	h := newTestHandler(nil, nil, nil, control, nil)

	rec := do(t, h, http.MethodPost, "/api/gaps", `{"descriptors":[{"kind":"filesystem","priority":"high","search_terms":["file"]}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, control.injected, 1)
	assert.Equal(t, "filesystem", control.injected[0].Kind)
}

func TestInjectGapBareArrayBody(t *testing.T) {
	control := &fakeControl{accept: true}
	h := newTestHandler(nil, nil, nil, control, nil)

	rec := do(t, h, http.MethodPost, "/api/gaps", `[{"kind":"search","search_terms":["web"]}]`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, control.injected, 1)
	assert.Equal(t, "search", control.injected[0].Kind)
}

func TestInjectGapQueueFull(t *testing.T) {
	h := newTestHandler(nil, nil, nil, &fakeControl{accept: false}, nil)
	rec := do(t, h, http.MethodPost, "/api/gaps", `[{"kind":"filesystem"}]`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestInjectGapRejectsEmptyKind(t *testing.T) {
	h := newTestHandler(nil, nil, nil, &fakeControl{accept: true}, nil)
	rec := do(t, h, http.MethodPost, "/api/gaps", `[{"kind":""}]`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, core.CodeInvalidArgs, errorCode(t, rec))
}

func TestInjectGapRejectsEmptyBody(t *testing.T) {
	h := newTestHandler(nil, nil, nil, &fakeControl{accept: true}, nil)
	rec := do(t, h, http.MethodPost, "/api/gaps", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAcquireReturnsRecordOnFailureToo(t *testing.T) {
	acqs := &fakeAcquisitions{record: &core.AcquisitionRecord{
		ID:        "acq-1",
		Outcome:   core.OutcomeFailed,
		FailStage: core.StageDiscover,
		Reason:    "none",
	}}
	h := newTestHandler(nil, nil, acqs, nil, nil)

	rec := do(t, h, http.MethodPost, "/api/acquisitions", `[{"kind":"filesystem"}]`)
	require.Equal(t, http.StatusOK, rec.Code, "a failed run is still a 200; the record carries the outcome")
	body := decodeBody(t, rec)
	assert.Equal(t, "failed", body["outcome"])
}

func TestAcquireForceQuery(t *testing.T) {
	acqs := &fakeAcquisitions{record: &core.AcquisitionRecord{ID: "acq-1", Outcome: core.OutcomeOK}}
	h := newTestHandler(nil, nil, acqs, nil, nil)

	do(t, h, http.MethodPost, "/api/acquisitions?force=true", `[{"kind":"filesystem"}]`)
	assert.True(t, acqs.force)

	do(t, h, http.MethodPost, "/api/acquisitions", `[{"kind":"filesystem"}]`)
	assert.False(t, acqs.force)
}

func TestAcquireInvalidConfiguration(t *testing.T) {
	acqs := &fakeAcquisitions{err: fmt.Errorf("acquire: %w", core.ErrInvalidConfiguration)}
	h := newTestHandler(nil, nil, acqs, nil, nil)
	rec := do(t, h, http.MethodPost, "/api/acquisitions", `[{"kind":"filesystem"}]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecentAcquisitionsLimit(t *testing.T) {
	acqs := &fakeAcquisitions{recent: []core.AcquisitionRecord{{ID: "acq-1"}}}
	h := newTestHandler(nil, nil, acqs, nil, nil)

	rec := do(t, h, http.MethodGet, "/api/acquisitions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 20, acqs.lastN)

	do(t, h, http.MethodGet, "/api/acquisitions?limit=5", "")
	assert.Equal(t, 5, acqs.lastN)

	do(t, h, http.MethodGet, "/api/acquisitions?limit=bogus", "")
	assert.Equal(t, 20, acqs.lastN)
}

func TestStatus(t *testing.T) {
	control := &fakeControl{status: daemon.Status{
		Report:    core.VarietyReport{Ratio: 0.9},
		TickCount: 7,
		InFlight:  []string{"filesystem"},
	}}
	h := newTestHandler(nil, nil, nil, control, nil)

	rec := do(t, h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(7), body["tick_count"])
}

func TestHealth(t *testing.T) {
	h := newTestHandler(nil, nil, nil, nil, nil)
	rec := do(t, h, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])

	_, err := time.Parse(time.RFC3339, body["time"].(string))
	assert.NoError(t, err)
}

func TestSetEnvironment(t *testing.T) {
	sink := &fakeSink{}
	h := newTestHandler(nil, nil, nil, nil, sink)

	rec := do(t, h, http.MethodPut, "/api/environment", `{"factors":["a","b"],"volatility":0.4}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, sink.snap.Factors, 2)
	assert.InDelta(t, 0.4, sink.snap.Volatility, 1e-9)
}

func TestSetEnvironmentMalformed(t *testing.T) {
	h := newTestHandler(nil, nil, nil, nil, &fakeSink{})
	rec := do(t, h, http.MethodPut, "/api/environment", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnwiredServicesAnswer503(t *testing.T) {
	h := newTestHandler(nil, nil, nil, nil, nil)
	paths := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodGet, "/api/capabilities", ""},
		{http.MethodPost, "/api/capabilities/refresh", ""},
		{http.MethodPost, "/api/capabilities/x/invoke", `{}`},
		{http.MethodGet, "/api/servers", ""},
		{http.MethodPost, "/api/gaps", `[{"kind":"x"}]`},
		{http.MethodPost, "/api/acquisitions", `[{"kind":"x"}]`},
		{http.MethodGet, "/api/acquisitions", ""},
		{http.MethodGet, "/api/status", ""},
		{http.MethodPut, "/api/environment", `{}`},
	}
	for _, p := range paths {
		rec := do(t, h, p.method, p.path, p.body)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "%s %s", p.method, p.path)
	}
}

func TestStartServesAndDrains(t *testing.T) {
	s := New(&fakeCapabilities{}, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start(ctx, "127.0.0.1:0", core.HTTPConfig{ShutdownTimeout: time.Second})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not drain")
	}
}
