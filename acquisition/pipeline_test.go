package acquisition

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viable-systems/vsm-mcp-sub004/core"
)

type fakeDiscoverer struct {
	mu         sync.Mutex
	candidates []core.Candidate
	err        error
	calls      int
	block      chan struct{} // when set, Discover waits here
}

func (f *fakeDiscoverer) Discover(ctx context.Context, descriptors []core.CapabilityDescriptor) ([]core.Candidate, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.candidates, f.err
}

func (f *fakeDiscoverer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeInstaller struct {
	mu       sync.Mutex
	failFor  map[string]bool
	installs []string
}

func (f *fakeInstaller) Install(ctx context.Context, candidate core.Candidate, force bool) (*core.Installation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs = append(f.installs, candidate.Name)
	if f.failFor[candidate.Name] {
		return nil, core.NewError(core.CodeFetchFailed, "install.fetch", fmt.Errorf("registry 404"))
	}
	return &core.Installation{
		Candidate:   candidate,
		InstallPath: "/tmp/" + candidate.Name,
		Status:      core.InstallReady,
		Run:         core.RunSpec{Command: "node", Args: []string{"index.js"}},
	}, nil
}

type fakeManager struct {
	mu       sync.Mutex
	nextID   int
	failFor  map[string]string // candidate name → error code
	toolsFor map[string][]core.ToolSpec
	started  []string
	stopped  []string
	tools    map[string][]core.ToolSpec // serverID → tools
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		failFor:  make(map[string]string),
		toolsFor: make(map[string][]core.ToolSpec),
		tools:    make(map[string][]core.ToolSpec),
	}
}

func (f *fakeManager) StartServer(ctx context.Context, cfg core.ServerConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if code, bad := f.failFor[cfg.Name]; bad {
		return "", core.NewError(code, "mcp.ToolServer.start", fmt.Errorf("boom"))
	}
	f.nextID++
	id := fmt.Sprintf("srv-%d", f.nextID)
	f.started = append(f.started, id)
	f.tools[id] = f.toolsFor[cfg.Name]
	return id, nil
}

func (f *fakeManager) StopServer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeManager) Tools(id string) ([]core.ToolSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tools[id], nil
}

type fakeBinder struct {
	mu       sync.Mutex
	bindings map[string]core.CapabilityBinding
}

func newFakeBinder() *fakeBinder {
	return &fakeBinder{bindings: make(map[string]core.CapabilityBinding)}
}

func (f *fakeBinder) Bind(capability, serverID, tool string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings[capability] = core.CapabilityBinding{Capability: capability, ServerID: serverID, Tool: tool, AcquiredAt: time.Now()}
	return nil
}

func (f *fakeBinder) Resolve(capability string) (core.CapabilityBinding, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bindings[capability]
	return b, ok
}

func fsDescriptor() core.CapabilityDescriptor {
	return core.CapabilityDescriptor{
		Kind:        "filesystem",
		Priority:    core.PriorityHigh,
		SearchTerms: []string{"filesystem", "file"},
	}
}

func candidate(name string, score float64) core.Candidate {
	return core.Candidate{Name: name, Version: "1.0.0", Source: core.SourceRegistry, RelevanceScore: score, QualityScore: 1}
}

func fsTools() []core.ToolSpec {
	return []core.ToolSpec{{Name: "read_file", Description: "read a file from the filesystem"}}
}

func newTestPipeline(d *fakeDiscoverer, i *fakeInstaller, m *fakeManager, b *fakeBinder, opts ...Option) *Pipeline {
	base := []Option{WithTimeout(5 * time.Second)}
	return NewPipeline(d, i, m, b, append(base, opts...)...)
}

func TestAcquireHappyPath(t *testing.T) {
	disc := &fakeDiscoverer{candidates: []core.Candidate{candidate("mcp-fs", 0.9)}}
	inst := &fakeInstaller{}
	mgr := newFakeManager()
	mgr.toolsFor["mcp-fs"] = fsTools()
	binder := newFakeBinder()

	p := newTestPipeline(disc, inst, mgr, binder)
	record, err := p.Acquire(context.Background(), []core.CapabilityDescriptor{fsDescriptor()}, Options{})
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeOK, record.Outcome)
	assert.Equal(t, "srv-1", record.ServerID)
	assert.Contains(t, record.Capabilities, "read_file")
	assert.Contains(t, record.Capabilities, "filesystem", "the descriptor kind binds to the best tool")
	require.Len(t, record.Attempts, 1)
	assert.True(t, record.Attempts[0].OK)
	assert.False(t, record.Existing)

	// Both lookups resolve.
	b, ok := binder.Resolve("filesystem")
	require.True(t, ok)
	assert.Equal(t, "read_file", b.Tool)
	_, ok = binder.Resolve("read_file")
	assert.True(t, ok)
}

func TestAcquireFailsOverToNextCandidate(t *testing.T) {
	disc := &fakeDiscoverer{candidates: []core.Candidate{
		candidate("broken-fs", 0.9),
		candidate("good-fs", 0.8),
	}}
	inst := &fakeInstaller{failFor: map[string]bool{"broken-fs": true}}
	mgr := newFakeManager()
	mgr.toolsFor["good-fs"] = fsTools()
	binder := newFakeBinder()

	p := newTestPipeline(disc, inst, mgr, binder)
	record, err := p.Acquire(context.Background(), []core.CapabilityDescriptor{fsDescriptor()}, Options{})
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeOK, record.Outcome)
	require.Len(t, record.Attempts, 2)
	assert.Equal(t, core.StageInstall, record.Attempts[0].Stage)
	assert.False(t, record.Attempts[0].OK)
	assert.True(t, record.Attempts[1].OK)
}

func TestAcquireNoCandidates(t *testing.T) {
	p := newTestPipeline(&fakeDiscoverer{}, &fakeInstaller{}, newFakeManager(), newFakeBinder())

	record, err := p.Acquire(context.Background(), []core.CapabilityDescriptor{fsDescriptor()}, Options{})
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeFailed, record.Outcome)
	assert.Equal(t, core.StageDiscover, record.FailStage)
	assert.Equal(t, "none", record.Reason)
}

func TestAcquireAllCandidatesExhausted(t *testing.T) {
	disc := &fakeDiscoverer{candidates: []core.Candidate{
		candidate("a", 0.9), candidate("b", 0.8), candidate("c", 0.7), candidate("d", 0.6),
	}}
	inst := &fakeInstaller{failFor: map[string]bool{"a": true, "b": true, "c": true, "d": true}}

	p := newTestPipeline(disc, inst, newFakeManager(), newFakeBinder(), WithTopK(3))
	record, err := p.Acquire(context.Background(), []core.CapabilityDescriptor{fsDescriptor()}, Options{})
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeFailed, record.Outcome)
	assert.Equal(t, core.StageExhausted, record.FailStage)
	require.Len(t, record.Attempts, 3, "only the top K candidates are tried")
	assert.Contains(t, record.Reason, "a: install")
	assert.Contains(t, record.Reason, "c: install")
	assert.NotContains(t, record.Reason, "d:", "candidate beyond top K never runs")
}

func TestAcquireHandshakeFailureAttribution(t *testing.T) {
	disc := &fakeDiscoverer{candidates: []core.Candidate{candidate("flaky", 0.9)}}
	mgr := newFakeManager()
	mgr.failFor["flaky"] = core.CodeInitFailed

	p := newTestPipeline(disc, &fakeInstaller{}, mgr, newFakeBinder())
	record, err := p.Acquire(context.Background(), []core.CapabilityDescriptor{fsDescriptor()}, Options{})
	require.NoError(t, err)

	require.Len(t, record.Attempts, 1)
	assert.Equal(t, core.StageHandshake, record.Attempts[0].Stage)
}

func TestAcquireSpawnFailureAttribution(t *testing.T) {
	disc := &fakeDiscoverer{candidates: []core.Candidate{candidate("nostart", 0.9)}}
	mgr := newFakeManager()
	mgr.failFor["nostart"] = core.CodeSpawnFailed

	p := newTestPipeline(disc, &fakeInstaller{}, mgr, newFakeBinder())
	record, _ := p.Acquire(context.Background(), []core.CapabilityDescriptor{fsDescriptor()}, Options{})
	require.Len(t, record.Attempts, 1)
	assert.Equal(t, core.StageSpawn, record.Attempts[0].Stage)
}

func TestAcquireStopsServerWhenNothingBinds(t *testing.T) {
	disc := &fakeDiscoverer{candidates: []core.Candidate{candidate("useless", 0.9)}}
	mgr := newFakeManager()
	mgr.toolsFor["useless"] = []core.ToolSpec{{Name: "play_chess", Description: "chess engine"}}

	p := newTestPipeline(disc, &fakeInstaller{}, mgr, newFakeBinder())
	record, err := p.Acquire(context.Background(), []core.CapabilityDescriptor{fsDescriptor()}, Options{})
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeFailed, record.Outcome)
	require.Len(t, record.Attempts, 1)
	assert.Equal(t, core.StageBind, record.Attempts[0].Stage)
	assert.Equal(t, []string{"srv-1"}, mgr.stopped, "a server with no matching tool must not linger")
}

func TestAcquireExistingBindingShortcut(t *testing.T) {
	disc := &fakeDiscoverer{candidates: []core.Candidate{candidate("mcp-fs", 0.9)}}
	binder := newFakeBinder()
	require.NoError(t, binder.Bind("filesystem", "srv-9", "read_file"))

	p := newTestPipeline(disc, &fakeInstaller{}, newFakeManager(), binder)
	record, err := p.Acquire(context.Background(), []core.CapabilityDescriptor{fsDescriptor()}, Options{})
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeOK, record.Outcome)
	assert.True(t, record.Existing)
	assert.Equal(t, "srv-9", record.ServerID)
	assert.Zero(t, disc.callCount(), "satisfied gaps never reach discovery")
}

func TestAcquireForceBypassesShortcut(t *testing.T) {
	disc := &fakeDiscoverer{candidates: []core.Candidate{candidate("mcp-fs", 0.9)}}
	inst := &fakeInstaller{}
	mgr := newFakeManager()
	mgr.toolsFor["mcp-fs"] = fsTools()
	binder := newFakeBinder()
	require.NoError(t, binder.Bind("filesystem", "srv-9", "read_file"))

	p := newTestPipeline(disc, inst, mgr, binder)
	record, err := p.Acquire(context.Background(), []core.CapabilityDescriptor{fsDescriptor()}, Options{Force: true})
	require.NoError(t, err)

	assert.False(t, record.Existing)
	assert.Equal(t, 1, disc.callCount())
	assert.Equal(t, []string{"mcp-fs"}, inst.installs)
}

func TestAcquireCoalescesOverlappingKinds(t *testing.T) {
	block := make(chan struct{})
	disc := &fakeDiscoverer{candidates: []core.Candidate{candidate("mcp-fs", 0.9)}, block: block}
	mgr := newFakeManager()
	mgr.toolsFor["mcp-fs"] = fsTools()

	p := newTestPipeline(disc, &fakeInstaller{}, mgr, newFakeBinder())

	descriptors := []core.CapabilityDescriptor{fsDescriptor()}
	var wg sync.WaitGroup
	records := make([]*core.AcquisitionRecord, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			records[i], _ = p.Acquire(context.Background(), descriptors, Options{})
		}(i)
	}

	require.Eventually(t, func() bool {
		return len(p.InFlight()) > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"filesystem"}, p.InFlight())

	close(block)
	wg.Wait()

	assert.Equal(t, 1, disc.callCount(), "overlapping kinds coalesce to one run")
	for _, r := range records {
		require.NotNil(t, r)
		assert.Equal(t, records[0].ID, r.ID, "attached callers share the winner's record")
	}
	assert.Empty(t, p.InFlight())
}

func TestAcquireDisjointKindsRunIndependently(t *testing.T) {
	disc := &fakeDiscoverer{candidates: []core.Candidate{candidate("mcp-fs", 0.9)}}
	mgr := newFakeManager()
	mgr.toolsFor["mcp-fs"] = fsTools()

	p := newTestPipeline(disc, &fakeInstaller{}, mgr, newFakeBinder())

	r1, err := p.Acquire(context.Background(), []core.CapabilityDescriptor{fsDescriptor()}, Options{})
	require.NoError(t, err)
	r2, err := p.Acquire(context.Background(), []core.CapabilityDescriptor{{Kind: "search", SearchTerms: []string{"web"}}}, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, r1.ID, r2.ID)
}

func TestAcquireNoDescriptors(t *testing.T) {
	p := newTestPipeline(&fakeDiscoverer{}, &fakeInstaller{}, newFakeManager(), newFakeBinder())
	_, err := p.Acquire(context.Background(), nil, Options{})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestRecentHistoryNewestFirst(t *testing.T) {
	disc := &fakeDiscoverer{} // every run fails at discover
	p := newTestPipeline(disc, &fakeInstaller{}, newFakeManager(), newFakeBinder(), WithHistory(2))

	for i := 0; i < 3; i++ {
		_, err := p.Acquire(context.Background(), []core.CapabilityDescriptor{{Kind: fmt.Sprintf("kind-%d", i), SearchTerms: []string{"x"}}}, Options{})
		require.NoError(t, err)
	}

	recent := p.Recent(10)
	require.Len(t, recent, 2, "the ring keeps only the newest records")
	assert.Equal(t, "kind-2", recent[0].Descriptors[0].Kind)
	assert.Equal(t, "kind-1", recent[1].Descriptors[0].Kind)

	assert.Len(t, p.Recent(1), 1)
}

func TestMatchScorePrefersExactKind(t *testing.T) {
	desc := core.CapabilityDescriptor{Kind: "read_file", SearchTerms: []string{"file"}}
	exact := matchScore(core.ToolSpec{Name: "read_file"}, desc)
	partial := matchScore(core.ToolSpec{Name: "file_stat", Description: "stat a file"}, desc)
	assert.Equal(t, 2.0, exact)
	assert.Greater(t, exact, partial)
	assert.Greater(t, partial, 0.0)

	none := matchScore(core.ToolSpec{Name: "chess"}, core.CapabilityDescriptor{Kind: "filesystem", SearchTerms: []string{"file"}})
	assert.Zero(t, none)
}
